package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"rtc-service/internal/apperr"
	"rtc-service/internal/clock"
	"rtc-service/internal/dispatch"
	"rtc-service/internal/logging"
	"rtc-service/internal/models"
	"rtc-service/internal/observability"
	"rtc-service/internal/repositories"
)

const notifyTimeout = 2 * time.Second

// Pipeline is the write path for room messages. Every write for a room runs
// on that room's dispatcher key, so persistence, ack, broadcast and inbox
// fan-out happen in one total order per room.
type Pipeline struct {
	rooms      repositories.RoomRepository
	messages   repositories.MessageRepository
	dispatcher *dispatch.Dispatcher
	inbox      *InboxService
	out        Outbound
	notifier   Notifier
	clock      clock.Clock
	logger     *slog.Logger
	tracer     trace.Tracer
}

func NewPipeline(
	rooms repositories.RoomRepository,
	messages repositories.MessageRepository,
	dispatcher *dispatch.Dispatcher,
	inbox *InboxService,
	out Outbound,
	notifier Notifier,
	c clock.Clock,
	logger *slog.Logger,
) *Pipeline {
	return &Pipeline{
		rooms:      rooms,
		messages:   messages,
		dispatcher: dispatcher,
		inbox:      inbox,
		out:        out,
		notifier:   notifier,
		clock:      clock.OrReal(c),
		logger:     logging.OrDefault(logger).With("component", "delivery"),
		tracer:     otel.Tracer("rtc-service/delivery"),
	}
}

type accepted struct {
	msg     models.RoomMessage
	created bool
}

// Accepted is the outcome of a send. Duplicate is set when the message id
// was already stored and fully fanned out, in which case nothing was re-sent.
type Accepted struct {
	Message   models.RoomMessage
	Duplicate bool
}

// AcceptMessage validates, persists and fans out one message. Re-sending the
// same messageId returns the stored message with no further side effects.
func (p *Pipeline) AcceptMessage(ctx context.Context, roomID, senderID int64, req SendRequest) (models.RoomMessage, error) {
	res, err := p.Accept(ctx, roomID, senderID, req)
	return res.Message, err
}

// Accept is AcceptMessage reporting whether the send was a duplicate.
//
// Delivery rows are written before the ack and broadcast. When an earlier
// attempt stored the message but failed before its rows existed, a retry
// finishes that fan-out instead of returning a duplicate.
func (p *Pipeline) Accept(ctx context.Context, roomID, senderID int64, req SendRequest) (Accepted, error) {
	ctx, span := p.tracer.Start(ctx, "delivery.AcceptMessage", trace.WithAttributes(
		attribute.Int64("room.id", roomID),
		attribute.String("message.id", req.MessageID),
	))
	defer span.End()

	if req.MessageID == "" || req.Type == "" {
		return Accepted{}, fmt.Errorf("%w: messageId and type required", apperr.ErrInvalidRequest)
	}

	room, err := p.memberRoom(ctx, roomID, senderID)
	if err != nil {
		return Accepted{}, err
	}

	msg, err := buildMessage(room, senderID, req)
	if err != nil {
		return Accepted{}, err
	}

	res, err := dispatch.Do(ctx, p.dispatcher, dispatch.RoomKey(roomID), func(ctx context.Context) (accepted, error) {
		members, err := p.rooms.FindMembers(ctx, roomID)
		if err != nil {
			return accepted{}, err
		}

		existing, err := p.messages.FindMessage(ctx, roomID, req.MessageID)
		if err == nil {
			return p.resume(ctx, room, existing, members)
		}
		if !errors.Is(err, repositories.ErrMessageNotFound) {
			return accepted{}, err
		}

		msg.ServerTimestamp = p.clock.Now().UTC()
		saved, created, err := p.messages.SaveMessage(ctx, msg)
		if err != nil {
			return accepted{}, err
		}
		if !created {
			return p.resume(ctx, room, saved, members)
		}
		if err := p.fanOut(ctx, room, saved, members); err != nil {
			return accepted{}, err
		}
		return accepted{msg: saved, created: true}, nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Accepted{}, err
	}

	if !res.created {
		observability.IncMessageAccepted("duplicate")
		span.SetAttributes(attribute.Bool("message.duplicate", true))
		return Accepted{Message: res.msg, Duplicate: true}, nil
	}
	observability.IncMessageAccepted("created")
	p.notify(ctx, "message.created", map[string]any{
		"room_id":    roomID,
		"message_id": res.msg.MessageID,
		"sender_id":  senderID,
		"type":       res.msg.Type,
		"server_ts":  res.msg.ServerTimestamp,
	})
	return Accepted{Message: res.msg}, nil
}

// resume handles a message id that is already stored.
func (p *Pipeline) resume(ctx context.Context, room models.Room, stored models.RoomMessage, members []int64) (accepted, error) {
	recorded, err := p.inbox.Recorded(ctx, stored, members)
	if err != nil {
		return accepted{}, err
	}
	if recorded {
		return accepted{msg: stored}, nil
	}
	p.logger.Info("resuming interrupted fan-out", "room_id", room.ID, "message_id", stored.MessageID)
	if err := p.fanOut(ctx, room, stored, members); err != nil {
		return accepted{}, err
	}
	return accepted{msg: stored, created: true}, nil
}

// fanOut records delivery rows, then acks the sender, broadcasts to the room
// and pushes to online recipients. Nothing is visible if recording fails.
func (p *Pipeline) fanOut(ctx context.Context, room models.Room, msg models.RoomMessage, members []int64) error {
	recipients, err := p.inbox.Record(ctx, room, msg, members)
	if err != nil {
		return err
	}

	p.out.SendToUser(msg.SenderID, models.DestAck, models.Ack{
		Type:            "ack",
		RoomID:          room.ID,
		MessageID:       msg.MessageID,
		ServerTimestamp: msg.ServerTimestamp,
	})
	p.out.Broadcast(models.RoomTopic(room.ID), models.MessageEvent{Type: "message", RoomID: room.ID, Message: &msg})
	p.inbox.Dispatch(ctx, room, msg, recipients)
	return nil
}

func buildMessage(room models.Room, senderID int64, req SendRequest) (models.RoomMessage, error) {
	msg := models.RoomMessage{
		RoomID:    room.ID,
		MessageID: req.MessageID,
		SenderID:  senderID,
		Type:      req.Type,
	}
	if room.E2EE {
		if blank(req.Ciphertext) || blank(req.IV) || blank(req.Algo) || blank(req.KeyRef) || !blank(req.Body) {
			return models.RoomMessage{}, fmt.Errorf("%w: ciphertext required", apperr.ErrInvalidRequest)
		}
		msg.Ciphertext, msg.IV, msg.Algo, msg.KeyRef, msg.AAD = req.Ciphertext, req.IV, req.Algo, req.KeyRef, req.AAD
		return msg, nil
	}
	if blank(req.Body) {
		return models.RoomMessage{}, fmt.Errorf("%w: body required", apperr.ErrInvalidRequest)
	}
	msg.Body = req.Body
	return msg, nil
}

// History returns one page of the room's messages, newest first, starting
// strictly before cursor when one is given.
func (p *Pipeline) History(ctx context.Context, roomID, userID int64, cursor *models.Cursor, limit int) ([]models.RoomMessage, error) {
	if _, err := p.memberRoom(ctx, roomID, userID); err != nil {
		return nil, err
	}
	msgs, err := p.messages.ListMessagesBefore(ctx, roomID, userID, cursor, ClampLimit(limit))
	if err != nil {
		return nil, err
	}
	if msgs == nil {
		msgs = []models.RoomMessage{}
	}
	return msgs, nil
}

// DeleteMessage hides a message for its sender, or for everyone when forAll
// is set. Only the sender may delete.
func (p *Pipeline) DeleteMessage(ctx context.Context, roomID int64, messageID string, userID int64, forAll bool) error {
	if messageID == "" {
		return fmt.Errorf("%w: messageId required", apperr.ErrInvalidRequest)
	}
	if _, err := p.memberRoom(ctx, roomID, userID); err != nil {
		return err
	}

	_, err := p.dispatcher.Submit(ctx, dispatch.RoomKey(roomID), func(ctx context.Context) (any, error) {
		msg, err := p.messages.FindMessage(ctx, roomID, messageID)
		if errors.Is(err, repositories.ErrMessageNotFound) {
			return nil, fmt.Errorf("%w: message %s", apperr.ErrNotFound, messageID)
		}
		if err != nil {
			return nil, err
		}
		if msg.SenderID != userID {
			return nil, fmt.Errorf("%w: only the sender can delete a message", apperr.ErrForbidden)
		}
		if err := p.messages.MarkMessageDeleted(ctx, roomID, messageID, userID, forAll); err != nil {
			return nil, err
		}
		if forAll {
			p.out.Broadcast(models.RoomTopic(roomID), models.DeletionEvent{Type: "message.deleted", RoomID: roomID, MessageID: messageID})
		}
		return nil, nil
	})
	if err != nil {
		return err
	}
	if forAll {
		p.notify(ctx, "message.deleted", map[string]any{"room_id": roomID, "message_id": messageID})
	}
	return nil
}

func (p *Pipeline) memberRoom(ctx context.Context, roomID, userID int64) (models.Room, error) {
	room, err := p.rooms.GetRoom(ctx, roomID)
	if errors.Is(err, repositories.ErrRoomNotFound) {
		return models.Room{}, fmt.Errorf("%w: room %d", apperr.ErrNotFound, roomID)
	}
	if err != nil {
		return models.Room{}, err
	}
	ok, err := p.rooms.IsMember(ctx, roomID, userID)
	if err != nil {
		return models.Room{}, err
	}
	if !ok {
		return models.Room{}, fmt.Errorf("%w: not a member of room %d", apperr.ErrForbidden, roomID)
	}
	return room, nil
}

func (p *Pipeline) notify(ctx context.Context, name string, payload map[string]any) {
	if p.notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()
	err := p.notifier.Publish(ctx, name, observability.NewEvent(ctx, "message", name, payload))
	if err != nil {
		p.logger.Warn("notification publish failed", "event", name, "error", err)
	}
}
