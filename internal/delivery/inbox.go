package delivery

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"rtc-service/internal/clock"
	"rtc-service/internal/logging"
	"rtc-service/internal/models"
	"rtc-service/internal/observability"
	"rtc-service/internal/repositories"
)

// InboxService owns the per-recipient delivery rows: it records them on
// accept, replays them on reconnect and advances them on device receipts.
type InboxService struct {
	rooms      repositories.RoomRepository
	messages   repositories.MessageRepository
	deliveries repositories.DeliveryRepository
	out        Outbound
	unread     UnreadCounter
	clock      clock.Clock
	logger     *slog.Logger
}

func NewInboxService(
	rooms repositories.RoomRepository,
	messages repositories.MessageRepository,
	deliveries repositories.DeliveryRepository,
	out Outbound,
	unread UnreadCounter,
	c clock.Clock,
	logger *slog.Logger,
) *InboxService {
	return &InboxService{
		rooms:      rooms,
		messages:   messages,
		deliveries: deliveries,
		out:        out,
		unread:     unread,
		clock:      clock.OrReal(c),
		logger:     logging.OrDefault(logger).With("component", "inbox"),
	}
}

// RecordAndDispatch creates a PENDING row for every member but the sender,
// pushes the message to recipients that are online and marks those rows
// SENT_TO_SOCKET.
func (s *InboxService) RecordAndDispatch(ctx context.Context, room models.Room, msg models.RoomMessage, memberIDs []int64) error {
	recipients, err := s.Record(ctx, room, msg, memberIDs)
	if err != nil {
		return err
	}
	s.Dispatch(ctx, room, msg, recipients)
	return nil
}

// Record creates the PENDING rows of msg and returns its recipients. Rows
// that already exist are left untouched.
func (s *InboxService) Record(ctx context.Context, room models.Room, msg models.RoomMessage, memberIDs []int64) ([]int64, error) {
	recipients := recipientsOf(msg, memberIDs)
	if len(recipients) == 0 {
		return nil, nil
	}
	if err := s.deliveries.CreatePending(ctx, room.ID, msg.MessageID, recipients, s.clock.Now().UTC()); err != nil {
		return nil, err
	}
	return recipients, nil
}

// Recorded reports whether the delivery rows of msg exist. A message with
// no recipients counts as recorded.
func (s *InboxService) Recorded(ctx context.Context, msg models.RoomMessage, memberIDs []int64) (bool, error) {
	recipients := recipientsOf(msg, memberIDs)
	for _, userID := range recipients {
		_, err := s.deliveries.GetDelivery(ctx, msg.RoomID, msg.MessageID, userID)
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, repositories.ErrDeliveryNotFound) {
			return false, err
		}
	}
	return len(recipients) == 0, nil
}

// Dispatch pushes msg to the live sessions of each recipient. Push failures
// leave rows PENDING for the next PendingMessages call.
func (s *InboxService) Dispatch(ctx context.Context, room models.Room, msg models.RoomMessage, recipients []int64) {
	now := s.clock.Now().UTC()
	for _, userID := range recipients {
		event := models.MessageEvent{Type: "message", RoomID: room.ID, Message: &msg}
		if room.IsDirect() {
			event.PeerID = msg.SenderID
		}
		if s.out.SendToUser(userID, models.DestMessages, event) > 0 {
			s.advance(ctx, room.ID, msg.MessageID, userID, models.DeliverySentToSocket, nil, now)
		}
		if s.unread != nil {
			if _, err := s.unread.IncrUnread(ctx, userID, room.ID); err != nil {
				s.logger.Warn("unread increment failed", "user_id", userID, "room_id", room.ID, "error", err)
			}
		}
	}
}

func recipientsOf(msg models.RoomMessage, memberIDs []int64) []int64 {
	recipients := make([]int64, 0, len(memberIDs))
	for _, id := range memberIDs {
		if id != msg.SenderID {
			recipients = append(recipients, id)
		}
	}
	return recipients
}

// PendingMessages rebuilds the payloads of every undelivered message for
// userID, oldest first, and marks them SENT_TO_SOCKET as they are handed out.
func (s *InboxService) PendingMessages(ctx context.Context, userID int64, since *time.Time) ([]models.MessageEvent, error) {
	rows, err := s.deliveries.ListPending(ctx, userID, since)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	peers := map[int64]int64{}
	events := make([]models.MessageEvent, 0, len(rows))
	for _, row := range rows {
		msg := row.Message
		event := models.MessageEvent{Type: "message", RoomID: row.Room.ID, Message: &msg}
		if row.Room.IsDirect() {
			peer, ok := peers[row.Room.ID]
			if !ok {
				peer, err = s.peerOf(ctx, row.Room.ID, userID)
				if err != nil {
					return nil, err
				}
				peers[row.Room.ID] = peer
			}
			event.PeerID = peer
		}
		events = append(events, event)

		if row.Delivery.Status == models.DeliveryPending {
			s.advance(ctx, row.Room.ID, msg.MessageID, userID, models.DeliverySentToSocket, nil, now)
		}
	}
	return events, nil
}

func (s *InboxService) peerOf(ctx context.Context, roomID, userID int64) (int64, error) {
	members, err := s.rooms.FindMembers(ctx, roomID)
	if err != nil {
		return 0, err
	}
	for _, id := range members {
		if id != userID {
			return id, nil
		}
	}
	return 0, nil
}

// MarkDelivered records a device receipt. Repeated or backwards receipts are
// no-ops, as is a receipt for a message the user never received.
func (s *InboxService) MarkDelivered(ctx context.Context, messageID string, userID int64, deviceID string, read bool) error {
	return s.MarkDeliveredInRoom(ctx, 0, messageID, userID, deviceID, read)
}

// MarkDeliveredInRoom is MarkDelivered scoped to one room. Message ids are
// only unique per room; roomID 0 matches the id in any room.
func (s *InboxService) MarkDeliveredInRoom(ctx context.Context, roomID int64, messageID string, userID int64, deviceID string, read bool) error {
	to := models.DeliveryDelivered
	if read {
		to = models.DeliveryRead
	}
	var device *string
	if deviceID != "" {
		device = &deviceID
	}

	now := s.clock.Now().UTC()
	changed, err := s.deliveries.AdvanceDelivery(ctx, roomID, messageID, userID, to, device, now)
	if err != nil {
		return err
	}

	for _, row := range changed {
		observability.IncDeliveryAdvanced(string(row.Status))
		if read && s.unread != nil {
			if _, err := s.unread.DecrUnread(ctx, userID, row.RoomID); err != nil {
				s.logger.Warn("unread decrement failed", "user_id", userID, "room_id", row.RoomID, "error", err)
			}
		}
		s.sendReceipt(ctx, row, now)
	}
	return nil
}

func (s *InboxService) sendReceipt(ctx context.Context, row models.MessageDelivery, at time.Time) {
	msg, err := s.messages.FindMessage(ctx, row.RoomID, row.MessageID)
	if err != nil {
		s.logger.Warn("receipt lookup failed", "room_id", row.RoomID, "message_id", row.MessageID, "error", err)
		return
	}
	s.out.SendToUser(msg.SenderID, models.DestReceipts, models.ReceiptEvent{
		Type:      "receipt",
		RoomID:    row.RoomID,
		MessageID: row.MessageID,
		UserID:    row.UserID,
		Status:    row.Status,
		At:        at,
	})
}

func (s *InboxService) advance(ctx context.Context, roomID int64, messageID string, userID int64, to models.DeliveryStatus, device *string, at time.Time) {
	changed, err := s.deliveries.AdvanceDelivery(ctx, roomID, messageID, userID, to, device, at)
	if err != nil {
		s.logger.Warn("delivery advance failed", "room_id", roomID, "message_id", messageID, "user_id", userID, "status", to, "error", err)
		return
	}
	for range changed {
		observability.IncDeliveryAdvanced(string(to))
	}
}
