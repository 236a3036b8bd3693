package ratelimit

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rtc-service/internal/apperr"
	"rtc-service/internal/clock"
	"rtc-service/internal/config"
)

func TestCheckOrThrowBoundary(t *testing.T) {
	fake := clock.Fake(time.Unix(1_700_000_000, 0))
	l := New(fake)

	for i := 0; i < 5; i++ {
		require.NoError(t, l.CheckOrThrow("k", 5, time.Second), "call %d", i+1)
		fake.Advance(100 * time.Millisecond)
	}
	err := l.CheckOrThrow("k", 5, time.Second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrRateLimited))

	// 500ms after the window opened: still the same window.
	fake.Advance(400 * time.Millisecond)
	assert.Error(t, l.CheckOrThrow("k", 5, time.Second))

	// Exactly windowMs after start rolls the window over.
	fake.Advance(100 * time.Millisecond)
	assert.NoError(t, l.CheckOrThrow("k", 5, time.Second))
	assert.Equal(t, 4, l.Remaining("k", 5))
}

func TestCheckOrThrowKeysAreIndependent(t *testing.T) {
	l := New(clock.Fake(time.Unix(0, 0)))

	require.NoError(t, l.CheckOrThrow("a", 1, time.Minute))
	assert.Error(t, l.CheckOrThrow("a", 1, time.Minute))
	assert.NoError(t, l.CheckOrThrow("b", 1, time.Minute))
}

func TestCheckOrThrowConcurrentCallersNeverExceedLimit(t *testing.T) {
	l := New(clock.Fake(time.Unix(0, 0)))
	var allowed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.CheckOrThrow("hot", 5, time.Second) == nil {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(5), allowed.Load())
}

func TestPruneRemovesRolledOverWindows(t *testing.T) {
	fake := clock.Fake(time.Unix(0, 0))
	l := New(fake)
	require.NoError(t, l.CheckOrThrow("short", 1, time.Second))
	require.NoError(t, l.CheckOrThrow("long", 1, time.Hour))

	fake.Advance(2 * time.Second)
	assert.Equal(t, 1, l.Prune())
	assert.Equal(t, 1, l.Size())
}

func TestPolicySendChecksRoomThenUser(t *testing.T) {
	l := New(clock.Fake(time.Unix(0, 0)))
	p := NewPolicy(l, config.Config{
		SendPerUserRoom: config.RateTuple{Limit: 2, Window: time.Second},
		SendPerUser:     config.RateTuple{Limit: 3, Window: time.Second},
	})

	require.NoError(t, p.Send(1, 10))
	require.NoError(t, p.Send(1, 10))
	assert.Error(t, p.Send(1, 10), "per-room budget exhausted")
	require.NoError(t, p.Send(1, 11))
	assert.Error(t, p.Send(1, 12), "per-user budget exhausted")
}
