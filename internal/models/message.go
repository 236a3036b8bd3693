package models

import "time"

// RoomMessage is a persisted chat message. (RoomID, MessageID) is unique and
// MessageID is chosen by the client as an idempotency key.
type RoomMessage struct {
	ID              int64     `db:"id" json:"-"`
	RoomID          int64     `db:"room_id" json:"room_id"`
	MessageID       string    `db:"message_id" json:"message_id"`
	SenderID        int64     `db:"sender_id" json:"sender_id"`
	Type            string    `db:"type" json:"type"`
	ServerTimestamp time.Time `db:"server_ts" json:"server_ts"`
	Body            *string   `db:"body" json:"body,omitempty"`
	Ciphertext      *string   `db:"ciphertext" json:"ciphertext,omitempty"`
	IV              *string   `db:"iv" json:"iv,omitempty"`
	Algo            *string   `db:"algo" json:"algo,omitempty"`
	KeyRef          *string   `db:"key_ref" json:"key_ref,omitempty"`
	AAD             *string   `db:"aad" json:"aad,omitempty"`
	DeletedBySender bool      `db:"deleted_by_sender" json:"deleted_by_sender"`
	DeletedForAll   bool      `db:"deleted_for_all" json:"deleted_for_all"`
}

// Encrypted reports whether the message carries an E2EE envelope.
func (m RoomMessage) Encrypted() bool { return m.Ciphertext != nil }

// Cursor addresses a position in a room's history.
type Cursor struct {
	ServerTimestamp time.Time
	MessageID       string
}

// MessageEvent is the payload broadcast to room subscribers and pushed to
// recipient inboxes.
type MessageEvent struct {
	Type    string       `json:"type"`
	RoomID  int64        `json:"room_id"`
	PeerID  int64        `json:"peer_id,omitempty"`
	Message *RoomMessage `json:"message,omitempty"`
}

// DeletionEvent announces a delete-for-all.
type DeletionEvent struct {
	Type      string `json:"type"`
	RoomID    int64  `json:"room_id"`
	MessageID string `json:"message_id"`
}

// Ack is sent to the sender only once a message is persisted.
type Ack struct {
	Type            string    `json:"type"`
	RoomID          int64     `json:"room_id"`
	MessageID       string    `json:"message_id"`
	ServerTimestamp time.Time `json:"server_ts"`
}
