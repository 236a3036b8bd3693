package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"rtc-service/internal/observability"
)

const wsRoutingKey = "ws_events.sessions"

func newConnID() string {
	return uuid.NewString()
}

// bearerToken extracts the raw token from an Authorization header or the
// token query parameter.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// parseRoomTopic accepts /topic/room.<id> and /topic/room.<id>.typing.
func parseRoomTopic(topic string) (int64, bool, bool) {
	rest, ok := strings.CutPrefix(topic, "/topic/room.")
	if !ok {
		return 0, false, false
	}
	typing := false
	if trimmed, found := strings.CutSuffix(rest, ".typing"); found {
		rest = trimmed
		typing = true
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || id <= 0 {
		return 0, false, false
	}
	return id, typing, true
}

func parseCallTopic(topic string) (string, bool) {
	id, ok := strings.CutPrefix(topic, "/topic/call.")
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

func decodePayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, v)
}

// publishWSEvent reports a connection lifecycle event on the notification bus.
func publishWSEvent(ctx context.Context, notifier Notifier, info ConnInfo, event, reason string) {
	observability.IncWSEvent(event)
	if notifier == nil {
		return
	}

	payload := map[string]interface{}{
		"ws": map[string]interface{}{
			"event":       event,
			"conn_id":     info.ConnID,
			"duration_ms": time.Since(info.ConnectedAt).Milliseconds(),
			"reason":      reason,
		},
		"identity": map[string]interface{}{
			"user_id":   info.UserID,
			"device_id": info.DeviceID,
			"ip":        info.IP,
		},
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	_ = notifier.Publish(ctx, wsRoutingKey, observability.EventEnvelope{
		EventType: "ws_events",
		EventName: event,
		Payload:   payload,
		Headers:   observability.BuildHeaders(info.RequestID, info.TraceID),
	})
}
