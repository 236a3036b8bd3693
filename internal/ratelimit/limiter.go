// Package ratelimit implements fixed-window counters keyed by arbitrary
// strings. Each key has its own lock; there is no global lock on the hot path.
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"rtc-service/internal/apperr"
	"rtc-service/internal/clock"
	"rtc-service/internal/observability"
)

type window struct {
	mu     sync.Mutex
	start  time.Time
	span   time.Duration
	count  int
	primed bool
}

// Limiter counts calls per key inside fixed windows.
type Limiter struct {
	clock   clock.Clock
	windows sync.Map // string -> *window
}

// New returns a Limiter. A nil clock means wall-clock time.
func New(c clock.Clock) *Limiter {
	return &Limiter{clock: clock.OrReal(c)}
}

// CheckOrThrow records one call for key and fails with ErrRateLimited when the
// call is the limit+1-th inside the current window. A new window starts the
// first time now - start >= span.
func (l *Limiter) CheckOrThrow(key string, limit int, span time.Duration) error {
	if limit <= 0 || span <= 0 {
		return nil
	}
	now := l.clock.Now()

	v, _ := l.windows.LoadOrStore(key, &window{})
	w := v.(*window)

	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.primed || now.Sub(w.start) >= span {
		w.start = now
		w.count = 0
		w.primed = true
	}
	w.span = span
	if w.count >= limit {
		observability.IncRateLimited(actionOf(key))
		return fmt.Errorf("%w: %s", apperr.ErrRateLimited, key)
	}
	w.count++
	return nil
}

// Remaining reports how many calls are left for key in its current window.
func (l *Limiter) Remaining(key string, limit int) int {
	v, ok := l.windows.Load(key)
	if !ok {
		return limit
	}
	w := v.(*window)
	w.mu.Lock()
	defer w.mu.Unlock()
	if l.clock.Now().Sub(w.start) >= w.span {
		return limit
	}
	if left := limit - w.count; left > 0 {
		return left
	}
	return 0
}

// Prune drops windows that have already rolled over, bounding memory for
// keys that stop being used. It returns the number of removed keys.
func (l *Limiter) Prune() int {
	now := l.clock.Now()
	removed := 0
	l.windows.Range(func(k, v any) bool {
		w := v.(*window)
		w.mu.Lock()
		stale := now.Sub(w.start) >= w.span
		w.mu.Unlock()
		if stale {
			l.windows.CompareAndDelete(k, v)
			removed++
		}
		return true
	})
	return removed
}

// Size returns the number of tracked keys.
func (l *Limiter) Size() int {
	n := 0
	l.windows.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func actionOf(key string) string {
	for i := 0; i < len(key); i++ {
		if key[i] == ':' {
			return key[:i]
		}
	}
	return "other"
}
