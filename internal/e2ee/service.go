// Package e2ee distributes end-to-end encryption key bundles. It verifies
// device registrations and hands out one-time prekeys exactly once.
package e2ee

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/crypto/curve25519"

	"rtc-service/internal/apperr"
	"rtc-service/internal/clock"
	"rtc-service/internal/logging"
	"rtc-service/internal/models"
	"rtc-service/internal/observability"
)

const (
	keySize       = 32
	signatureSize = ed25519.SignatureSize
	maxDeviceID   = 128
	maxPrekeys    = 500
)

// DeviceStore is the persistence the service needs. *Store implements it.
type DeviceStore interface {
	GetDevice(ctx context.Context, userID int64, deviceID string) (*models.E2EEDevice, error)
	ListDevices(ctx context.Context, userID int64) ([]models.E2EEDevice, error)
	SaveDevice(ctx context.Context, device models.E2EEDevice) (bool, error)
	AddPrekeys(ctx context.Context, keys []models.OneTimePrekey) (int64, error)
	ClaimPrekey(ctx context.Context, userID int64, deviceID string, at time.Time) (*models.OneTimePrekey, error)
	CountAvailable(ctx context.Context, userID int64, deviceID string) (int64, error)
}

type Auditor interface {
	Emit(ctx context.Context, level, text, requestID string, userID *int64, fields map[string]any)
}

// RegisterRequest carries base64 encoded public key material.
type RegisterRequest struct {
	DeviceID        string         `json:"device_id"`
	IdentityKeyPub  string         `json:"identity_key_pub"`
	SignedPrekeyPub string         `json:"signed_prekey_pub"`
	SignedPrekeySig string         `json:"signed_prekey_sig"`
	OneTimePrekeys  []PrekeyUpload `json:"one_time_prekeys"`
}

type PrekeyUpload struct {
	KeyID     int64  `json:"key_id"`
	PublicKey string `json:"public_key"`
}

// Bundle is what a peer needs to open a session with a device. The
// one-time prekey fields are empty when the pool ran dry.
type Bundle struct {
	UserID           int64   `json:"user_id"`
	DeviceID         string  `json:"device_id"`
	IdentityKeyPub   string  `json:"identity_key_pub"`
	SignedPrekeyPub  string  `json:"signed_prekey_pub"`
	SignedPrekeySig  string  `json:"signed_prekey_sig"`
	OneTimePrekeyID  *int64  `json:"one_time_prekey_id,omitempty"`
	OneTimePrekeyPub *string `json:"one_time_prekey_pub,omitempty"`
}

type DeviceInfo struct {
	DeviceID         string    `json:"device_id"`
	IdentityKeyPub   string    `json:"identity_key_pub"`
	SignedPrekeyPub  string    `json:"signed_prekey_pub"`
	SignedPrekeySig  string    `json:"signed_prekey_sig"`
	UpdatedAt        time.Time `json:"updated_at"`
	AvailablePrekeys int64     `json:"available_prekeys"`
}

type Service struct {
	store   DeviceStore
	auditor Auditor
	clock   clock.Clock
	logger  *slog.Logger
}

func NewService(store DeviceStore, auditor Auditor, c clock.Clock, logger *slog.Logger) *Service {
	return &Service{
		store:   store,
		auditor: auditor,
		clock:   clock.OrReal(c),
		logger:  logging.OrDefault(logger),
	}
}

// Register stores a device bundle. It returns false without error when the
// signed prekey signature does not verify against the identity key.
func (s *Service) Register(ctx context.Context, userID int64, req RegisterRequest) (bool, error) {
	deviceID := strings.TrimSpace(req.DeviceID)
	if userID <= 0 {
		return false, fmt.Errorf("%w: user id required", apperr.ErrInvalidRequest)
	}
	if deviceID == "" || len(deviceID) > maxDeviceID {
		return false, fmt.Errorf("%w: device_id required", apperr.ErrInvalidRequest)
	}
	if len(req.OneTimePrekeys) > maxPrekeys {
		return false, fmt.Errorf("%w: at most %d one-time prekeys per upload", apperr.ErrInvalidRequest, maxPrekeys)
	}

	identity, err := decodeKey("identity_key_pub", req.IdentityKeyPub, keySize)
	if err != nil {
		observability.IncE2EERegistration("malformed")
		return false, err
	}
	signedPrekey, err := decodeKey("signed_prekey_pub", req.SignedPrekeyPub, keySize)
	if err != nil {
		observability.IncE2EERegistration("malformed")
		return false, err
	}
	signature, err := decodeKey("signed_prekey_sig", req.SignedPrekeySig, signatureSize)
	if err != nil {
		observability.IncE2EERegistration("malformed")
		return false, err
	}

	if !ed25519.Verify(ed25519.PublicKey(identity), signedPrekey, signature) {
		observability.IncE2EERegistration("bad_signature")
		s.audit(ctx, "warn", "e2ee signed prekey rejected", userID, map[string]any{"device_id": deviceID})
		return false, nil
	}

	prekeys := make([]models.OneTimePrekey, 0, len(req.OneTimePrekeys))
	for i, upload := range req.OneTimePrekeys {
		pub, err := decodeKey(fmt.Sprintf("one_time_prekeys[%d]", i), upload.PublicKey, keySize)
		if err != nil {
			observability.IncE2EERegistration("malformed")
			return false, err
		}
		if isLowOrder(pub) {
			observability.IncE2EERegistration("malformed")
			return false, fmt.Errorf("%w: one_time_prekeys[%d] is a low-order point", apperr.ErrInvalidRequest, i)
		}
		prekeys = append(prekeys, models.OneTimePrekey{
			UserID:    userID,
			DeviceID:  deviceID,
			KeyID:     upload.KeyID,
			PublicKey: pub,
		})
	}

	rotated, err := s.store.SaveDevice(ctx, models.E2EEDevice{
		UserID:          userID,
		DeviceID:        deviceID,
		IdentityKeyPub:  identity,
		SignedPrekeyPub: signedPrekey,
		SignedPrekeySig: signature,
	})
	if err != nil {
		return false, err
	}
	added, err := s.store.AddPrekeys(ctx, prekeys)
	if err != nil {
		return false, err
	}

	observability.IncE2EERegistration("ok")
	s.logger.Info("e2ee device registered",
		"user_id", userID,
		"device_id", deviceID,
		"rotated", rotated,
		"prekeys_added", added,
	)
	s.audit(ctx, "info", "e2ee device registered", userID, map[string]any{
		"device_id":     deviceID,
		"rotated":       rotated,
		"prekeys_added": added,
	})
	return true, nil
}

// ClaimOneTimePrekey returns the device bundle and consumes one prekey from
// its pool. Two concurrent claims never receive the same key.
func (s *Service) ClaimOneTimePrekey(ctx context.Context, targetUserID int64, deviceID string) (Bundle, error) {
	device, err := s.store.GetDevice(ctx, targetUserID, deviceID)
	if errors.Is(err, ErrDeviceNotFound) {
		return Bundle{}, fmt.Errorf("%w: device %q", apperr.ErrNotFound, deviceID)
	}
	if err != nil {
		return Bundle{}, err
	}

	bundle := bundleFor(device)
	key, err := s.store.ClaimPrekey(ctx, targetUserID, deviceID, s.clock.Now().UTC())
	if err != nil {
		observability.IncOTKClaim("error")
		return Bundle{}, err
	}
	if key == nil {
		observability.IncOTKClaim("empty")
		s.logger.Warn("one-time prekey pool empty", "user_id", targetUserID, "device_id", deviceID)
		return bundle, nil
	}

	keyID := key.KeyID
	pub := encode(key.PublicKey)
	bundle.OneTimePrekeyID = &keyID
	bundle.OneTimePrekeyPub = &pub
	observability.IncOTKClaim("ok")
	s.audit(ctx, "info", "e2ee one-time prekey claimed", targetUserID, map[string]any{
		"device_id": deviceID,
		"key_id":    keyID,
	})
	return bundle, nil
}

func (s *Service) ListDevices(ctx context.Context, userID int64) ([]DeviceInfo, error) {
	devices, err := s.store.ListDevices(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]DeviceInfo, 0, len(devices))
	for _, d := range devices {
		available, err := s.store.CountAvailable(ctx, d.UserID, d.DeviceID)
		if err != nil {
			return nil, err
		}
		out = append(out, DeviceInfo{
			DeviceID:         d.DeviceID,
			IdentityKeyPub:   encode(d.IdentityKeyPub),
			SignedPrekeyPub:  encode(d.SignedPrekeyPub),
			SignedPrekeySig:  encode(d.SignedPrekeySig),
			UpdatedAt:        d.UpdatedAt,
			AvailablePrekeys: available,
		})
	}
	return out, nil
}

func (s *Service) CountAvailable(ctx context.Context, userID int64, deviceID string) (int64, error) {
	if _, err := s.store.GetDevice(ctx, userID, deviceID); err != nil {
		if errors.Is(err, ErrDeviceNotFound) {
			return 0, fmt.Errorf("%w: device %q", apperr.ErrNotFound, deviceID)
		}
		return 0, err
	}
	return s.store.CountAvailable(ctx, userID, deviceID)
}

func (s *Service) audit(ctx context.Context, level, text string, userID int64, fields map[string]any) {
	if s.auditor == nil {
		return
	}
	s.auditor.Emit(ctx, level, text, observability.RequestIDFromContext(ctx), &userID, fields)
}

func bundleFor(d *models.E2EEDevice) Bundle {
	return Bundle{
		UserID:          d.UserID,
		DeviceID:        d.DeviceID,
		IdentityKeyPub:  encode(d.IdentityKeyPub),
		SignedPrekeyPub: encode(d.SignedPrekeyPub),
		SignedPrekeySig: encode(d.SignedPrekeySig),
	}
}

func decodeKey(field, value string, size int) ([]byte, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, fmt.Errorf("%w: %s required", apperr.ErrInvalidRequest, field)
	}
	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		raw, err = base64.RawStdEncoding.DecodeString(value)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s is not valid base64", apperr.ErrInvalidRequest, field)
	}
	if len(raw) != size {
		return nil, fmt.Errorf("%w: %s must be %d bytes", apperr.ErrInvalidRequest, field, size)
	}
	return raw, nil
}

var lowOrderProbe = bytes.Repeat([]byte{0x5a}, curve25519.ScalarSize)

// isLowOrder reports whether pub multiplies to the all-zero point, which
// X25519 refuses for every low-order input.
func isLowOrder(pub []byte) bool {
	_, err := curve25519.X25519(lowOrderProbe, pub)
	return err != nil
}

func encode(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}
