// Package backpressure bounds how many outbound frames a single connection may
// have queued but not yet written.
package backpressure

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"rtc-service/internal/observability"
)

const (
	DefaultPermits = 1000
	DefaultWait    = 50 * time.Millisecond
)

var lowPriorityMarkers = []string{"presence", "typing", "heartbeat"}

// Guard is a per-connection permit pool. Acquire before enqueueing a frame,
// Release after the socket write completes.
type Guard struct {
	sem     *semaphore.Weighted
	permits int64
	wait    time.Duration
	held    atomic.Int64
	dropped atomic.Int64
}

func New(permits int, wait time.Duration) *Guard {
	if permits <= 0 {
		permits = DefaultPermits
	}
	if wait < 0 {
		wait = DefaultWait
	}
	return &Guard{
		sem:     semaphore.NewWeighted(int64(permits)),
		permits: int64(permits),
		wait:    wait,
	}
}

// IsLowPriority reports whether frames for dest may be shed without waiting.
func IsLowPriority(dest string) bool {
	for _, marker := range lowPriorityMarkers {
		if strings.Contains(dest, marker) {
			return true
		}
	}
	return false
}

// Acquire takes one permit for a frame addressed to dest. Low-priority
// destinations drop as soon as the pool is empty; everything else waits up
// to the configured bound. A false return means the frame must be dropped.
func (g *Guard) Acquire(dest string) bool {
	if g.sem.TryAcquire(1) {
		g.held.Add(1)
		return true
	}
	if IsLowPriority(dest) || g.wait == 0 {
		g.drop("low")
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), g.wait)
	defer cancel()
	if err := g.sem.Acquire(ctx, 1); err != nil {
		g.drop("normal")
		return false
	}
	g.held.Add(1)
	return true
}

// Release returns one permit. Extra releases are ignored.
func (g *Guard) Release() {
	for {
		n := g.held.Load()
		if n <= 0 {
			return
		}
		if g.held.CompareAndSwap(n, n-1) {
			g.sem.Release(1)
			return
		}
	}
}

// InFlight returns the number of permits currently held.
func (g *Guard) InFlight() int { return int(g.held.Load()) }

// Dropped returns how many frames this guard has refused.
func (g *Guard) Dropped() int64 { return g.dropped.Load() }

func (g *Guard) drop(class string) {
	g.dropped.Add(1)
	observability.IncBackpressureDropped(class)
}
