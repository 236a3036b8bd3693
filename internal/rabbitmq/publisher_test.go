package rabbitmq

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rtc-service/internal/observability"
	"rtc-service/internal/telemetry"
)

func TestNewPublisherWithoutURLIsNoop(t *testing.T) {
	p := NewPublisher("", "rtc.events", nil)

	assert.Equal(t, "noop", PublisherMode(p))
	assert.Equal(t, "empty amqp url", PublisherNoopReason(p))
	require.NoError(t, p.Publish(context.Background(), "message.accepted", observability.EventEnvelope{EventType: "message"}))
	require.NoError(t, p.Close())
}

func TestHeadersForAuditEnvelopeCarriesRequestID(t *testing.T) {
	headers := headersFor(telemetry.AuditEnvelope{RequestID: "req-1"})
	assert.Equal(t, "req-1", headers["x-request-id"])

	assert.Nil(t, headersFor(telemetry.AuditEnvelope{}))
	assert.Nil(t, headersFor(map[string]string{"a": "b"}))
}

func TestHeadersForEventEnvelope(t *testing.T) {
	headers := headersFor(observability.EventEnvelope{
		EventType: "ws_events",
		Headers:   observability.BuildHeaders("req-2", "trace-9"),
	})
	assert.Equal(t, "req-2", headers["x-request-id"])
	assert.Equal(t, "trace-9", headers["trace_id"])

	assert.Nil(t, headersFor(observability.EventEnvelope{EventType: "ws_events"}))
}
