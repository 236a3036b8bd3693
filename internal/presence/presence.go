// Package presence tracks who is online and who is typing. Entries are never
// renewed in place; staleness is derived from age against a fixed TTL.
package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"rtc-service/internal/clock"
	"rtc-service/internal/logging"
)

const DefaultTTL = 5 * time.Second

// Mirror receives a best-effort copy of presence touches, so that other
// instances can read them.
type Mirror interface {
	SetPresence(ctx context.Context, userID int64, deviceID string, ttl time.Duration) error
}

type userPresence struct {
	mu      sync.Mutex
	devices map[string]time.Time
}

// Registry maps userId to the last time each of their devices was seen.
type Registry struct {
	clock  clock.Clock
	ttl    time.Duration
	mirror Mirror
	logger *slog.Logger
	users  sync.Map // int64 -> *userPresence
}

func NewRegistry(c clock.Clock, ttl time.Duration, mirror Mirror, logger *slog.Logger) *Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Registry{
		clock:  clock.OrReal(c),
		ttl:    ttl,
		mirror: mirror,
		logger: logging.OrDefault(logger),
	}
}

// Touch records activity for (userID, deviceID) and returns the new lastSeen.
func (r *Registry) Touch(ctx context.Context, userID int64, deviceID string) time.Time {
	now := r.clock.Now()
	v, _ := r.users.LoadOrStore(userID, &userPresence{devices: map[string]time.Time{}})
	up := v.(*userPresence)
	up.mu.Lock()
	up.devices[deviceID] = now
	up.mu.Unlock()

	if r.mirror != nil {
		if err := r.mirror.SetPresence(ctx, userID, deviceID, r.ttl); err != nil {
			r.logger.Warn("presence mirror failed", "user_id", userID, "error", err)
		}
	}
	return now
}

// LastSeen returns the most recent touch across the user's devices.
func (r *Registry) LastSeen(userID int64) (time.Time, bool) {
	v, ok := r.users.Load(userID)
	if !ok {
		return time.Time{}, false
	}
	up := v.(*userPresence)
	up.mu.Lock()
	defer up.mu.Unlock()
	var last time.Time
	for _, seen := range up.devices {
		if seen.After(last) {
			last = seen
		}
	}
	return last, !last.IsZero()
}

// IsOnline reports whether any device touched within the TTL.
func (r *Registry) IsOnline(userID int64) bool {
	last, ok := r.LastSeen(userID)
	return ok && r.clock.Now().Sub(last) < r.ttl
}

// Sweep removes stale device entries and returns how many were dropped.
func (r *Registry) Sweep() int {
	now := r.clock.Now()
	removed := 0
	r.users.Range(func(k, v any) bool {
		up := v.(*userPresence)
		up.mu.Lock()
		for device, seen := range up.devices {
			if now.Sub(seen) >= r.ttl {
				delete(up.devices, device)
				removed++
			}
		}
		empty := len(up.devices) == 0
		up.mu.Unlock()
		if empty {
			r.users.CompareAndDelete(k, v)
		}
		return true
	})
	return removed
}
