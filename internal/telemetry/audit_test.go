package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rtc-service/internal/clock"
)

type recordingPublisher struct {
	routingKey string
	events     []any
	err        error
}

func (p *recordingPublisher) Publish(ctx context.Context, routingKey string, event any) error {
	p.routingKey = routingKey
	p.events = append(p.events, event)
	return p.err
}

func TestEmitBuildsEnvelope(t *testing.T) {
	pub := &recordingPublisher{}
	e := NewAuditEmitter(pub, "audit.rtc", "rtc-service", "test", nil)
	e.clock = clock.Fake(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	uid := int64(7)

	e.Emit(context.Background(), "info", "e2ee device registered", "req-9", &uid, map[string]any{"device_id": "d1"})

	require.Len(t, pub.events, 1)
	env := pub.events[0].(AuditEnvelope)
	assert.Equal(t, "audit.rtc", pub.routingKey)
	assert.Equal(t, "audit_log", env.EventType)
	assert.Equal(t, "2026-01-02T03:04:05Z", env.OccurredAt)
	assert.Equal(t, int64(7), *env.UserID)
	assert.Equal(t, "d1", env.Payload.Fields["device_id"])
}

func TestEmitSwallowsPublishErrors(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("down")}
	e := NewAuditEmitter(pub, "audit.rtc", "rtc-service", "test", nil)

	assert.NotPanics(t, func() {
		e.Emit(context.Background(), "warn", "signature rejected", "", nil, nil)
	})

	var nilEmitter *AuditEmitter
	assert.NotPanics(t, func() {
		nilEmitter.Emit(context.Background(), "info", "x", "", nil, nil)
	})
}
