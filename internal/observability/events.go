package observability

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

// EventEnvelope is the body of every domain notification on the exchange.
// EventType is the aggregate ("message", "call", "ws_events"); EventName is
// also the routing key.
type EventEnvelope struct {
	EventType string `json:"event_type"`
	EventName string `json:"event_name"`
	Payload   any    `json:"payload"`
	// Headers travel as message headers, not in the body.
	Headers map[string]string `json:"-"`
}

// NewEvent builds an envelope carrying the request and trace ids found in ctx.
func NewEvent(ctx context.Context, eventType, name string, payload any) EventEnvelope {
	var traceID string
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		traceID = sc.TraceID().String()
	}
	return EventEnvelope{
		EventType: eventType,
		EventName: name,
		Payload:   payload,
		Headers:   BuildHeaders(RequestIDFromContext(ctx), traceID),
	}
}

func BuildHeaders(requestID, traceID string) map[string]string {
	if requestID == "" && traceID == "" {
		return nil
	}
	headers := make(map[string]string, 2)
	if requestID != "" {
		headers["x-request-id"] = requestID
	}
	if traceID != "" {
		headers["trace_id"] = traceID
	}
	return headers
}
