// Package rtc issues short-lived TURN relay credentials for call clients.
package rtc

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"

	"rtc-service/internal/clock"
)

const DefaultTTL = 24 * time.Hour

// TURNCredentials follows the TURN REST convention: the username is
// "<expiry unix>:<user id>" and the password is base64(HMAC-SHA1(secret, username)).
type TURNCredentials struct {
	Username   string             `json:"username"`
	Password   string             `json:"password"`
	TTL        int64              `json:"ttl"`
	URIs       []string           `json:"uris"`
	ICEServers []webrtc.ICEServer `json:"ice_servers"`
}

type TURNIssuer struct {
	uris   []string
	secret []byte
	ttl    time.Duration
	clock  clock.Clock
}

func NewTURNIssuer(uris []string, secret string, ttl time.Duration, c clock.Clock) *TURNIssuer {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &TURNIssuer{uris: uris, secret: []byte(secret), ttl: ttl, clock: clock.OrReal(c)}
}

// Enabled reports whether a relay is configured. Without one clients only
// gather host candidates.
func (i *TURNIssuer) Enabled() bool {
	return len(i.uris) > 0 && len(i.secret) > 0
}

func (i *TURNIssuer) Issue(userID int64) TURNCredentials {
	if !i.Enabled() {
		return TURNCredentials{URIs: []string{}, ICEServers: []webrtc.ICEServer{}}
	}

	expiry := i.clock.Now().Add(i.ttl).Unix()
	username := fmt.Sprintf("%d:%d", expiry, userID)
	password := Sign(i.secret, username)

	return TURNCredentials{
		Username: username,
		Password: password,
		TTL:      int64(i.ttl / time.Second),
		URIs:     i.uris,
		ICEServers: []webrtc.ICEServer{{
			URLs:           i.uris,
			Username:       username,
			Credential:     password,
			CredentialType: webrtc.ICECredentialTypePassword,
		}},
	}
}

func Sign(secret []byte, username string) string {
	mac := hmac.New(sha1.New, secret)
	mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
