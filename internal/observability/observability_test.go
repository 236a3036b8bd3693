package observability

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIPFromRequestPrefersForwardedFor(t *testing.T) {
	req := httptest.NewRequest("GET", "/ws", nil)
	req.RemoteAddr = "10.0.0.9:5555"
	assert.Equal(t, "10.0.0.9", IPFromRequest(req))

	req.Header.Set("X-Forwarded-For", " 203.0.113.4 , 10.0.0.1")
	assert.Equal(t, "203.0.113.4", IPFromRequest(req))
}

func TestDeviceIDFromRequestFallsBackToQuery(t *testing.T) {
	req := httptest.NewRequest("GET", "/ws?device_id=phone-1", nil)
	assert.Equal(t, "phone-1", DeviceIDFromRequest(req))

	req.Header.Set("X-Device-Id", "tablet-2")
	assert.Equal(t, "tablet-2", DeviceIDFromRequest(req))
}

func TestBuildHeadersSkipsEmptyValues(t *testing.T) {
	assert.Equal(t, map[string]string{"x-request-id": "r1"}, BuildHeaders("r1", ""))
	assert.Empty(t, BuildHeaders("", ""))
}

func TestSplitFullMethod(t *testing.T) {
	svc, method := splitFullMethod("/grpc.health.v1.Health/Check")
	assert.Equal(t, "grpc.health.v1.Health", svc)
	assert.Equal(t, "Check", method)

	svc, method = splitFullMethod("bogus")
	assert.Equal(t, "unknown", svc)
	assert.Equal(t, "unknown", method)
}

func TestNewEventCopiesRequestID(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-1")
	env := NewEvent(ctx, "call", "call.ended", map[string]any{"call_id": "c"})
	assert.Equal(t, "call.ended", env.EventName)
	assert.Equal(t, map[string]string{"x-request-id": "req-1"}, env.Headers)

	assert.Nil(t, NewEvent(context.Background(), "call", "call.ended", nil).Headers)
}
