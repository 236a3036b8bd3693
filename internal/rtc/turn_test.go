package rtc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rtc-service/internal/clock"
)

func TestIssueCredentials(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	issuer := NewTURNIssuer([]string{"turn:turn.example.com:3478"}, "s3cret", time.Hour, clock.Fake(now))

	creds := issuer.Issue(42)
	wantUser := "1714568400:42"
	assert.Equal(t, wantUser, creds.Username)
	assert.Equal(t, int64(3600), creds.TTL)
	assert.Equal(t, Sign([]byte("s3cret"), wantUser), creds.Password)
	assert.NotEqual(t, Sign([]byte("other"), wantUser), creds.Password)

	require.Len(t, creds.ICEServers, 1)
	assert.Equal(t, []string{"turn:turn.example.com:3478"}, creds.ICEServers[0].URLs)
	assert.Equal(t, wantUser, creds.ICEServers[0].Username)
	assert.Equal(t, creds.Password, creds.ICEServers[0].Credential)
}

func TestSignKnownVector(t *testing.T) {
	// RFC 2202 test case 2.
	assert.Equal(t, "7/zfauXrL6LSdBbV8YTfnCWafHk=", Sign([]byte("Jefe"), "what do ya want for nothing?"))
}

func TestIssueDisabled(t *testing.T) {
	issuer := NewTURNIssuer(nil, "", 0, nil)
	assert.False(t, issuer.Enabled())
	creds := issuer.Issue(1)
	assert.Empty(t, creds.Username)
	assert.Empty(t, creds.ICEServers)
}
