package models

import "time"

// RoomKind distinguishes 1:1 chats from group rooms.
type RoomKind string

const (
	RoomDirect RoomKind = "DIRECT"
	RoomGroup  RoomKind = "GROUP"
)

// Room is a chat conversation identified by a stable key.
type Room struct {
	ID        int64     `db:"id" json:"id"`
	Key       string    `db:"room_key" json:"room_key"`
	Kind      RoomKind  `db:"kind" json:"kind"`
	E2EE      bool      `db:"e2ee" json:"e2ee"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// IsDirect reports whether the room is a 1:1 chat.
func (r Room) IsDirect() bool { return r.Kind == RoomDirect }
