package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	cfg := Load()

	assert.Equal(t, 5*time.Second, cfg.PresenceTTL)
	assert.Equal(t, 45*time.Second, cfg.RingTimeout)
	assert.Equal(t, 10*time.Second, cfg.CallSweepInterval)
	assert.Equal(t, 1000, cfg.WSPermits)
	assert.Equal(t, RateTuple{Limit: 30, Window: time.Minute}, cfg.ConnectPerOrigin)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("RING_TIMEOUT_MS", "30000")
	t.Setenv("RL_SEND_ROOM_LIMIT", "5")
	t.Setenv("RL_SEND_ROOM_WINDOW_MS", "1000")
	t.Setenv("WS_PERMITS", "-3")
	t.Setenv("TURN_URIS", "turn:a.example:3478, turns:b.example:5349 ,")

	cfg := Load()

	assert.Equal(t, 30*time.Second, cfg.RingTimeout)
	assert.Equal(t, RateTuple{Limit: 5, Window: time.Second}, cfg.SendPerUserRoom)
	assert.Equal(t, 1000, cfg.WSPermits, "invalid values fall back to defaults")
	assert.Equal(t, []string{"turn:a.example:3478", "turns:b.example:5349"}, cfg.TURNURIs)
}
