package presence

import (
	"sort"
	"sync"
	"time"

	"rtc-service/internal/clock"
)

const DefaultTypingTTL = 6 * time.Second

type typingKey struct {
	roomID   int64
	userID   int64
	deviceID string
}

// TypingRegistry holds typing indicators keyed by (room, user, device). Each
// Start overwrites the previous expiry; a missing entry means not typing.
type TypingRegistry struct {
	clock   clock.Clock
	mu      sync.Mutex
	entries map[typingKey]time.Time
}

func NewTypingRegistry(c clock.Clock) *TypingRegistry {
	return &TypingRegistry{clock: clock.OrReal(c), entries: map[typingKey]time.Time{}}
}

// Start marks the device as typing until now+ttl and returns that expiry.
func (t *TypingRegistry) Start(roomID, userID int64, deviceID string, ttl time.Duration) time.Time {
	if ttl <= 0 {
		ttl = DefaultTypingTTL
	}
	expiresAt := t.clock.Now().Add(ttl)
	t.mu.Lock()
	t.entries[typingKey{roomID, userID, deviceID}] = expiresAt
	t.mu.Unlock()
	return expiresAt
}

func (t *TypingRegistry) Stop(roomID, userID int64, deviceID string) {
	t.mu.Lock()
	delete(t.entries, typingKey{roomID, userID, deviceID})
	t.mu.Unlock()
}

// IsTyping reports whether any of the user's devices is typing in the room.
func (t *TypingRegistry) IsTyping(roomID, userID int64) bool {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, exp := range t.entries {
		if k.roomID == roomID && k.userID == userID && now.Before(exp) {
			return true
		}
	}
	return false
}

// Typers lists users currently typing in roomID, ascending.
func (t *TypingRegistry) Typers(roomID int64) []int64 {
	now := t.clock.Now()
	seen := map[int64]bool{}
	t.mu.Lock()
	for k, exp := range t.entries {
		if k.roomID == roomID && now.Before(exp) {
			seen[k.userID] = true
		}
	}
	t.mu.Unlock()

	out := make([]int64, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Sweep drops expired indicators.
func (t *TypingRegistry) Sweep() int {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for k, exp := range t.entries {
		if !now.Before(exp) {
			delete(t.entries, k)
			removed++
		}
	}
	return removed
}
