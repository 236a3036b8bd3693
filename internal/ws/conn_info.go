package ws

import (
	"log/slog"
	"time"
)

// ConnInfo identifies one authenticated socket. A user may hold several.
type ConnInfo struct {
	ConnID      string
	UserID      int64
	DeviceID    string
	IP          string
	RequestID   string
	TraceID     string
	ConnectedAt time.Time
}

func (i ConnInfo) logAttrs() []any {
	return []any{
		slog.String("conn_id", i.ConnID),
		slog.Int64("user_id", i.UserID),
		slog.String("device_id", i.DeviceID),
	}
}
