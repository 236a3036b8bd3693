package presence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rtc-service/internal/clock"
)

type fakeMirror struct {
	calls int
	err   error
}

func (m *fakeMirror) SetPresence(ctx context.Context, userID int64, deviceID string, ttl time.Duration) error {
	m.calls++
	return m.err
}

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestPresenceExpiresByAge(t *testing.T) {
	clk := clock.Fake(epoch)
	mirror := &fakeMirror{}
	r := NewRegistry(clk, 5*time.Second, mirror, nil)

	seen := r.Touch(context.Background(), 1, "phone")
	assert.Equal(t, epoch, seen)
	assert.True(t, r.IsOnline(1))
	assert.Equal(t, 1, mirror.calls)

	clk.Advance(4999 * time.Millisecond)
	assert.True(t, r.IsOnline(1))

	clk.Advance(time.Millisecond)
	assert.False(t, r.IsOnline(1))

	last, ok := r.LastSeen(1)
	require.True(t, ok)
	assert.Equal(t, epoch, last)
}

func TestPresenceLastSeenAcrossDevices(t *testing.T) {
	clk := clock.Fake(epoch)
	r := NewRegistry(clk, time.Second, nil, nil)

	r.Touch(context.Background(), 1, "phone")
	clk.Advance(500 * time.Millisecond)
	r.Touch(context.Background(), 1, "laptop")

	last, ok := r.LastSeen(1)
	require.True(t, ok)
	assert.Equal(t, epoch.Add(500*time.Millisecond), last)

	_, ok = r.LastSeen(2)
	assert.False(t, ok)
	assert.False(t, r.IsOnline(2))
}

func TestPresenceSweepAndMirrorFailure(t *testing.T) {
	clk := clock.Fake(epoch)
	r := NewRegistry(clk, time.Second, &fakeMirror{err: errors.New("redis down")}, nil)

	r.Touch(context.Background(), 1, "phone")
	r.Touch(context.Background(), 2, "phone")
	clk.Advance(2 * time.Second)
	r.Touch(context.Background(), 2, "phone")

	assert.Equal(t, 1, r.Sweep())
	_, ok := r.LastSeen(1)
	assert.False(t, ok)
	assert.True(t, r.IsOnline(2))
}

func TestTypingStartOverwritesAndExpires(t *testing.T) {
	clk := clock.Fake(epoch)
	tr := NewTypingRegistry(clk)

	exp := tr.Start(10, 1, "phone", 3*time.Second)
	assert.Equal(t, epoch.Add(3*time.Second), exp)
	assert.True(t, tr.IsTyping(10, 1))
	assert.False(t, tr.IsTyping(11, 1))

	clk.Advance(2 * time.Second)
	exp = tr.Start(10, 1, "phone", 3*time.Second)
	assert.Equal(t, epoch.Add(5*time.Second), exp)

	clk.Advance(2 * time.Second)
	assert.True(t, tr.IsTyping(10, 1))

	clk.Advance(time.Second)
	assert.False(t, tr.IsTyping(10, 1))
	assert.Equal(t, 1, tr.Sweep())
}

func TestTypingStopAndTypers(t *testing.T) {
	tr := NewTypingRegistry(clock.Fake(epoch))
	tr.Start(10, 2, "a", time.Second)
	tr.Start(10, 1, "a", time.Second)
	tr.Start(10, 1, "b", time.Second)

	assert.Equal(t, []int64{1, 2}, tr.Typers(10))

	tr.Stop(10, 1, "a")
	assert.True(t, tr.IsTyping(10, 1))
	tr.Stop(10, 1, "b")
	assert.False(t, tr.IsTyping(10, 1))
	assert.Equal(t, []int64{2}, tr.Typers(10))
}
