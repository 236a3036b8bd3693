package backpressure

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLowPriorityDropsImmediatelyWhenExhausted(t *testing.T) {
	g := New(2, time.Second)
	assert.True(t, g.Acquire("/user/queue/messages"))
	assert.True(t, g.Acquire("/user/queue/messages"))

	start := time.Now()
	assert.False(t, g.Acquire("/topic/room.1.typing"))
	assert.False(t, g.Acquire("/user/queue/presence"))
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.Equal(t, int64(2), g.Dropped())
}

func TestNormalFrameWaitsThenDrops(t *testing.T) {
	g := New(1, 20*time.Millisecond)
	assert.True(t, g.Acquire("/topic/room.1"))

	start := time.Now()
	assert.False(t, g.Acquire("/topic/room.1"))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	assert.Equal(t, int64(1), g.Dropped())
}

func TestNormalFrameGetsPermitReleasedDuringWait(t *testing.T) {
	g := New(1, time.Second)
	assert.True(t, g.Acquire("/topic/room.1"))

	go func() {
		time.Sleep(10 * time.Millisecond)
		g.Release()
	}()

	assert.True(t, g.Acquire("/topic/room.1"))
	assert.Equal(t, 1, g.InFlight())
}

func TestExtraReleaseIsIgnored(t *testing.T) {
	g := New(1, 0)
	g.Release()
	assert.Equal(t, 0, g.InFlight())

	assert.True(t, g.Acquire("/topic/room.1"))
	assert.False(t, g.Acquire("/topic/room.1"))
	g.Release()
	g.Release()
	assert.True(t, g.Acquire("/topic/room.1"))
}

func TestIsLowPriority(t *testing.T) {
	assert.True(t, IsLowPriority("/topic/room.4.typing"))
	assert.True(t, IsLowPriority("heartbeat"))
	assert.False(t, IsLowPriority("/topic/call.abc"))
}
