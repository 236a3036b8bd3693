package calls

import (
	"sync"

	"rtc-service/internal/observability"
)

const DefaultSignalBufferMax = 64

// Signal is one relayed negotiation message: an SDP, an ICE candidate or an
// application-defined payload.
type Signal struct {
	Kind    string `json:"kind"`
	From    int64  `json:"from"`
	To      int64  `json:"to"`
	Payload any    `json:"payload"`
}

type peerKey struct {
	callID string
	userID int64
}

// SignalBuffer holds signals addressed to participants who have not joined
// yet. A peer's buffer keeps at most max signals; the oldest is evicted first.
type SignalBuffer struct {
	mu      sync.Mutex
	max     int
	joined  map[string]map[int64]bool
	pending map[peerKey][]Signal
}

func NewSignalBuffer(max int) *SignalBuffer {
	if max <= 0 {
		max = DefaultSignalBufferMax
	}
	return &SignalBuffer{
		max:     max,
		joined:  make(map[string]map[int64]bool),
		pending: make(map[peerKey][]Signal),
	}
}

// Relay reports whether sig can be delivered now. When the recipient has not
// joined, sig is buffered and false is returned.
func (b *SignalBuffer) Relay(callID string, sig Signal) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.joined[callID][sig.To] {
		return true
	}
	key := peerKey{callID, sig.To}
	queue := b.pending[key]
	if len(queue) >= b.max {
		queue = append(queue[:0], queue[1:]...)
		observability.IncSignalBufferEviction()
	}
	b.pending[key] = append(queue, sig)
	return false
}

// MarkJoined records userID as joined and returns, clearing, everything
// buffered for them.
func (b *SignalBuffer) MarkJoined(callID string, userID int64) []Signal {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.joined[callID]
	if !ok {
		set = make(map[int64]bool)
		b.joined[callID] = set
	}
	set[userID] = true

	key := peerKey{callID, userID}
	out := b.pending[key]
	delete(b.pending, key)
	return out
}

// MarkLeft removes userID from the joined set and returns how many remain.
func (b *SignalBuffer) MarkLeft(callID string, userID int64) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	set := b.joined[callID]
	delete(set, userID)
	return len(set)
}

func (b *SignalBuffer) IsJoined(callID string, userID int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.joined[callID][userID]
}

// Joined returns the number of joined participants.
func (b *SignalBuffer) Joined(callID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.joined[callID])
}

func (b *SignalBuffer) Buffered(callID string, userID int64) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending[peerKey{callID, userID}])
}

// Forget drops all state for a finished call.
func (b *SignalBuffer) Forget(callID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.joined, callID)
	for key := range b.pending {
		if key.callID == callID {
			delete(b.pending, key)
		}
	}
}
