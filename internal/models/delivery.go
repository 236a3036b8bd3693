package models

import "time"

// DeliveryStatus is the per-recipient delivery state. It only moves forward:
// PENDING -> SENT_TO_SOCKET -> DELIVERED_TO_DEVICE -> READ.
type DeliveryStatus string

const (
	DeliveryPending      DeliveryStatus = "PENDING"
	DeliverySentToSocket DeliveryStatus = "SENT_TO_SOCKET"
	DeliveryDelivered    DeliveryStatus = "DELIVERED_TO_DEVICE"
	DeliveryRead         DeliveryStatus = "READ"
)

var deliveryOrder = []DeliveryStatus{DeliveryPending, DeliverySentToSocket, DeliveryDelivered, DeliveryRead}

func (s DeliveryStatus) rank() int {
	for i, st := range deliveryOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// Valid reports whether s is a known status.
func (s DeliveryStatus) Valid() bool { return s.rank() >= 0 }

// CanAdvanceTo reports whether moving from s to next is a forward transition.
func (s DeliveryStatus) CanAdvanceTo(next DeliveryStatus) bool {
	return next.Valid() && s.rank() < next.rank()
}

// Predecessors lists the statuses that may advance to s.
func (s DeliveryStatus) Predecessors() []DeliveryStatus {
	r := s.rank()
	if r <= 0 {
		return nil
	}
	out := make([]DeliveryStatus, r)
	copy(out, deliveryOrder[:r])
	return out
}

// MessageDelivery is the per-recipient projection of a RoomMessage.
type MessageDelivery struct {
	ID          int64          `db:"id" json:"-"`
	RoomID      int64          `db:"room_id" json:"room_id"`
	MessageID   string         `db:"message_id" json:"message_id"`
	UserID      int64          `db:"user_id" json:"user_id"`
	Status      DeliveryStatus `db:"status" json:"status"`
	DeviceID    *string        `db:"device_id" json:"device_id,omitempty"`
	CreatedAt   time.Time      `db:"created_at" json:"created_at"`
	DeliveredAt *time.Time     `db:"delivered_at" json:"delivered_at,omitempty"`
	ReadAt      *time.Time     `db:"read_at" json:"read_at,omitempty"`
}

// PendingDelivery joins a delivery row with its message and room, as needed
// to rebuild a recipient-specific payload.
type PendingDelivery struct {
	Delivery MessageDelivery `db:"delivery"`
	Message  RoomMessage     `db:"message"`
	Room     Room            `db:"room"`
}

// ReceiptEvent tells a sender that a recipient's device got or read a message.
type ReceiptEvent struct {
	Type      string         `json:"type"`
	RoomID    int64          `json:"room_id"`
	MessageID string         `json:"message_id"`
	UserID    int64          `json:"user_id"`
	Status    DeliveryStatus `json:"status"`
	At        time.Time      `json:"at"`
}
