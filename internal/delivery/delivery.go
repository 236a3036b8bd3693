// Package delivery accepts room messages and fans them out to room
// subscribers and recipient inboxes.
package delivery

import (
	"context"
)

// Outbound is the transport side of delivery.
type Outbound interface {
	// Broadcast sends event to every subscriber of topic.
	Broadcast(topic string, event any)
	// SendToUser pushes event to each live session of userID and returns how
	// many sessions accepted it.
	SendToUser(userID int64, dest string, event any) int
}

// Notifier publishes best-effort domain notifications.
type Notifier interface {
	Publish(ctx context.Context, routingKey string, event any) error
}

// UnreadCounter keeps per-room unread counts.
type UnreadCounter interface {
	IncrUnread(ctx context.Context, userID, roomID int64) (int64, error)
	DecrUnread(ctx context.Context, userID, roomID int64) (int64, error)
}

// SendRequest is the client payload of a send.
type SendRequest struct {
	MessageID  string  `json:"message_id"`
	Type       string  `json:"type"`
	Body       *string `json:"body,omitempty"`
	Ciphertext *string `json:"ciphertext,omitempty"`
	IV         *string `json:"iv,omitempty"`
	Algo       *string `json:"algo,omitempty"`
	KeyRef     *string `json:"key_ref,omitempty"`
	AAD        *string `json:"aad,omitempty"`
}

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 100
)

// ClampLimit bounds a history page size to [1, MaxHistoryLimit].
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultHistoryLimit
	case limit > MaxHistoryLimit:
		return MaxHistoryLimit
	default:
		return limit
	}
}

func blank(s *string) bool { return s == nil || *s == "" }
