package models

import "time"

// TypingEvent is broadcast on a room's typing topic. ExpiresAt lets clients
// clear the indicator without waiting for a stop.
type TypingEvent struct {
	Type      string     `json:"type"`
	RoomID    int64      `json:"room_id"`
	UserID    int64      `json:"user_id"`
	DeviceID  string     `json:"device_id,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

type PresenceEvent struct {
	Type     string    `json:"type"`
	UserID   int64     `json:"user_id"`
	DeviceID string    `json:"device_id,omitempty"`
	LastSeen time.Time `json:"last_seen"`
}
