package e2ee_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/curve25519"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"rtc-service/internal/apperr"
	"rtc-service/internal/clock"
	"rtc-service/internal/e2ee"
	"rtc-service/internal/mocks"
)

func setupService(t *testing.T) (*e2ee.Service, *e2ee.Store, *mocks.AuditorMock) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	store := e2ee.NewStore(db)
	require.NoError(t, store.Migrate(context.Background()))

	auditor := &mocks.AuditorMock{}
	auditor.On("Emit", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return().Maybe()

	svc := e2ee.NewService(store, auditor, clock.Fake(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)), nil)
	return svc, store, auditor
}

type deviceKeys struct {
	identityPriv ed25519.PrivateKey
	identityPub  ed25519.PublicKey
	signedPrekey []byte
}

func newDeviceKeys(t *testing.T) deviceKeys {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return deviceKeys{identityPriv: priv, identityPub: pub, signedPrekey: x25519Pub(t)}
}

func x25519Pub(t *testing.T) []byte {
	t.Helper()
	scalar := make([]byte, curve25519.ScalarSize)
	_, err := rand.Read(scalar)
	require.NoError(t, err)
	pub, err := curve25519.X25519(scalar, curve25519.Basepoint)
	require.NoError(t, err)
	return pub
}

func b64(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

func (k deviceKeys) request(deviceID string, prekeys ...e2ee.PrekeyUpload) e2ee.RegisterRequest {
	return e2ee.RegisterRequest{
		DeviceID:        deviceID,
		IdentityKeyPub:  b64(k.identityPub),
		SignedPrekeyPub: b64(k.signedPrekey),
		SignedPrekeySig: b64(ed25519.Sign(k.identityPriv, k.signedPrekey)),
		OneTimePrekeys:  prekeys,
	}
}

func prekeys(t *testing.T, from, n int) []e2ee.PrekeyUpload {
	out := make([]e2ee.PrekeyUpload, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, e2ee.PrekeyUpload{KeyID: int64(from + i), PublicKey: b64(x25519Pub(t))})
	}
	return out
}

func TestRegisterAndClaimBundle(t *testing.T) {
	svc, _, auditor := setupService(t)
	ctx := context.Background()
	keys := newDeviceKeys(t)

	ok, err := svc.Register(ctx, 7, keys.request("phone", prekeys(t, 1, 2)...))
	require.NoError(t, err)
	assert.True(t, ok)

	first, err := svc.ClaimOneTimePrekey(ctx, 7, "phone")
	require.NoError(t, err)
	assert.Equal(t, b64(keys.identityPub), first.IdentityKeyPub)
	assert.Equal(t, b64(keys.signedPrekey), first.SignedPrekeyPub)
	require.NotNil(t, first.OneTimePrekeyID)
	assert.Equal(t, int64(1), *first.OneTimePrekeyID)

	second, err := svc.ClaimOneTimePrekey(ctx, 7, "phone")
	require.NoError(t, err)
	require.NotNil(t, second.OneTimePrekeyID)
	assert.Equal(t, int64(2), *second.OneTimePrekeyID)

	empty, err := svc.ClaimOneTimePrekey(ctx, 7, "phone")
	require.NoError(t, err)
	assert.Nil(t, empty.OneTimePrekeyID)
	assert.Nil(t, empty.OneTimePrekeyPub)
	assert.Equal(t, first.IdentityKeyPub, empty.IdentityKeyPub)

	auditor.AssertCalled(t, "Emit", mock.Anything, "info", "e2ee device registered", mock.Anything, mock.Anything, mock.Anything)
}

func TestRegisterRejectsBadSignature(t *testing.T) {
	svc, _, _ := setupService(t)
	keys := newDeviceKeys(t)
	req := keys.request("phone")
	req.SignedPrekeySig = b64(ed25519.Sign(keys.identityPriv, []byte("something else entirely")))

	ok, err := svc.Register(context.Background(), 7, req)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = svc.ClaimOneTimePrekey(context.Background(), 7, "phone")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestRegisterRejectsMalformedInput(t *testing.T) {
	svc, _, _ := setupService(t)
	keys := newDeviceKeys(t)

	cases := map[string]func(r *e2ee.RegisterRequest){
		"missing device":  func(r *e2ee.RegisterRequest) { r.DeviceID = " " },
		"not base64":      func(r *e2ee.RegisterRequest) { r.IdentityKeyPub = "%%%not-base64%%%" },
		"short identity":  func(r *e2ee.RegisterRequest) { r.IdentityKeyPub = b64(make([]byte, 16)) },
		"short signature": func(r *e2ee.RegisterRequest) { r.SignedPrekeySig = b64(make([]byte, 32)) },
		"short prekey": func(r *e2ee.RegisterRequest) {
			r.OneTimePrekeys = []e2ee.PrekeyUpload{{KeyID: 1, PublicKey: b64(make([]byte, 31))}}
		},
		"low order prekey": func(r *e2ee.RegisterRequest) {
			r.OneTimePrekeys = []e2ee.PrekeyUpload{{KeyID: 1, PublicKey: b64(make([]byte, 32))}}
		},
		"missing signature": func(r *e2ee.RegisterRequest) { r.SignedPrekeySig = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			req := keys.request("phone")
			mutate(&req)
			ok, err := svc.Register(context.Background(), 7, req)
			assert.False(t, ok)
			assert.ErrorIs(t, err, apperr.ErrInvalidRequest)
		})
	}
}

func TestRegisterIgnoresDuplicatePrekeys(t *testing.T) {
	svc, _, _ := setupService(t)
	ctx := context.Background()
	keys := newDeviceKeys(t)

	_, err := svc.Register(ctx, 7, keys.request("phone", prekeys(t, 1, 3)...))
	require.NoError(t, err)
	_, err = svc.Register(ctx, 7, keys.request("phone", prekeys(t, 2, 3)...))
	require.NoError(t, err)

	n, err := svc.CountAvailable(ctx, 7, "phone")
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
}

func TestRotationPurgesPrekeys(t *testing.T) {
	svc, _, _ := setupService(t)
	ctx := context.Background()
	keys := newDeviceKeys(t)

	_, err := svc.Register(ctx, 7, keys.request("phone", prekeys(t, 1, 5)...))
	require.NoError(t, err)

	keys.signedPrekey = x25519Pub(t)
	ok, err := svc.Register(ctx, 7, keys.request("phone", prekeys(t, 100, 1)...))
	require.NoError(t, err)
	require.True(t, ok)

	devices, err := svc.ListDevices(ctx, 7)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, b64(keys.signedPrekey), devices[0].SignedPrekeyPub)
	assert.Equal(t, int64(1), devices[0].AvailablePrekeys)

	bundle, err := svc.ClaimOneTimePrekey(ctx, 7, "phone")
	require.NoError(t, err)
	require.NotNil(t, bundle.OneTimePrekeyID)
	assert.Equal(t, int64(100), *bundle.OneTimePrekeyID)
}

func TestListDevicesDoesNotConsume(t *testing.T) {
	svc, _, _ := setupService(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, 7, newDeviceKeys(t).request("laptop", prekeys(t, 1, 2)...))
	require.NoError(t, err)
	_, err = svc.Register(ctx, 7, newDeviceKeys(t).request("phone", prekeys(t, 1, 1)...))
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		devices, err := svc.ListDevices(ctx, 7)
		require.NoError(t, err)
		require.Len(t, devices, 2)
		assert.Equal(t, "laptop", devices[0].DeviceID)
		assert.Equal(t, int64(2), devices[0].AvailablePrekeys)
		assert.Equal(t, int64(1), devices[1].AvailablePrekeys)
	}

	_, err = svc.CountAvailable(ctx, 7, "tablet")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestConcurrentClaimsAreExclusive(t *testing.T) {
	svc, _, _ := setupService(t)
	ctx := context.Background()

	const pool = 10
	const claimers = 25
	_, err := svc.Register(ctx, 7, newDeviceKeys(t).request("phone", prekeys(t, 1, pool)...))
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed = map[int64]int{}
		empty   int
	)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bundle, err := svc.ClaimOneTimePrekey(ctx, 7, "phone")
			assert.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			if bundle.OneTimePrekeyID == nil {
				empty++
				return
			}
			claimed[*bundle.OneTimePrekeyID]++
		}()
	}
	wg.Wait()

	assert.Len(t, claimed, pool)
	for id, n := range claimed {
		assert.Equal(t, 1, n, "key %d handed out more than once", id)
	}
	assert.Equal(t, claimers-pool, empty)
}

func TestClaimUnknownDevice(t *testing.T) {
	svc, _, _ := setupService(t)
	_, err := svc.ClaimOneTimePrekey(context.Background(), 99, "ghost")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}
