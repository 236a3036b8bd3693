package models

import "fmt"

// Per-user destinations. Frames sent to these go to every live session of
// one user only.
const (
	DestAck      = "/user/queue/ack"
	DestMessages = "/user/queue/messages"
	DestReceipts = "/user/queue/receipts"
	DestCalls    = "/user/queue/calls"
	DestErrors   = "/user/queue/errors"
	DestPresence = "/user/queue/presence"
)

func RoomTopic(roomID int64) string { return fmt.Sprintf("/topic/room.%d", roomID) }

func TypingTopic(roomID int64) string { return fmt.Sprintf("/topic/room.%d.typing", roomID) }

func CallTopic(callID string) string { return "/topic/call." + callID }
