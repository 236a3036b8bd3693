package ws

import (
	"encoding/json"

	"rtc-service/internal/models"
)

// Outbound frame types.
const (
	FrameEvent   = "event"
	FrameAck     = "ack"
	FrameError   = "error"
	FrameReceipt = "receipt"
)

// InboundFrame is what clients send. Payload is decoded per frame type.
type InboundFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Topic     string          `json:"topic,omitempty"`
	RoomID    int64           `json:"room_id,omitempty"`
	CallID    string          `json:"call_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type OutboundFrame struct {
	Type      string `json:"type"`
	Dest      string `json:"dest"`
	RequestID string `json:"request_id,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// frameTypeFor picks the frame type a user destination is delivered as.
func frameTypeFor(dest string) string {
	switch dest {
	case models.DestAck:
		return FrameAck
	case models.DestReceipts:
		return FrameReceipt
	case models.DestErrors:
		return FrameError
	default:
		return FrameEvent
	}
}

func encodeFrame(frame OutboundFrame) ([]byte, error) {
	return json.Marshal(frame)
}
