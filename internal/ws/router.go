package ws

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"rtc-service/internal/apperr"
	"rtc-service/internal/calls"
	"rtc-service/internal/delivery"
	"rtc-service/internal/logging"
	"rtc-service/internal/models"
	"rtc-service/internal/observability"
)

type MessageService interface {
	Accept(ctx context.Context, roomID, senderID int64, req delivery.SendRequest) (delivery.Accepted, error)
}

type InboxService interface {
	PendingMessages(ctx context.Context, userID int64, since *time.Time) ([]models.MessageEvent, error)
	MarkDeliveredInRoom(ctx context.Context, roomID int64, messageID string, userID int64, deviceID string, read bool) error
}

type CallService interface {
	Get(ctx context.Context, callID string, userID int64) (models.CallSession, error)
	CreateInvite(ctx context.Context, roomID, callerID int64, req calls.InviteRequest) (models.CallSession, error)
	MarkRinging(ctx context.Context, callID string, userID int64) (models.CallSession, error)
	Answer(ctx context.Context, callID string, userID int64, answer *webrtc.SessionDescription) (models.CallSession, error)
	Decline(ctx context.Context, callID string, userID int64) (models.CallSession, error)
	End(ctx context.Context, callID string, userID int64, reason string) (models.CallSession, error)
	Fail(ctx context.Context, callID string, userID int64, reason string) (models.CallSession, error)
	Join(ctx context.Context, callID string, userID int64) (models.CallSession, error)
	Leave(ctx context.Context, callID string, userID int64) (models.CallSession, error)
	Reinvite(ctx context.Context, callID string, userID int64, offer *webrtc.SessionDescription) (models.CallSession, error)
	RelayCandidate(ctx context.Context, callID string, from, to int64, candidate webrtc.ICECandidateInit) error
}

type Membership interface {
	IsMember(ctx context.Context, roomID int64, userID int64) (bool, error)
}

type PresenceTracker interface {
	Touch(ctx context.Context, userID int64, deviceID string) time.Time
}

type TypingTracker interface {
	Start(roomID, userID int64, deviceID string, ttl time.Duration) time.Time
	Stop(roomID, userID int64, deviceID string)
}

// Limits is the subset of the rate-limit policy the router enforces.
type Limits interface {
	Join(userID int64) error
	Send(userID, roomID int64) error
	Typing(userID int64) error
}

// Router dispatches inbound frames. Errors become error frames on the
// originating connection; the connection stays open.
type Router struct {
	hub       *Hub
	messages  MessageService
	inbox     InboxService
	calls     CallService
	rooms     Membership
	presence  PresenceTracker
	typing    TypingTracker
	limits    Limits
	typingTTL time.Duration
	logger    *slog.Logger
}

type RouterDeps struct {
	Hub       *Hub
	Messages  MessageService
	Inbox     InboxService
	Calls     CallService
	Rooms     Membership
	Presence  PresenceTracker
	Typing    TypingTracker
	Limits    Limits
	TypingTTL time.Duration
	Logger    *slog.Logger
}

func NewRouter(deps RouterDeps) *Router {
	return &Router{
		hub:       deps.Hub,
		messages:  deps.Messages,
		inbox:     deps.Inbox,
		calls:     deps.Calls,
		rooms:     deps.Rooms,
		presence:  deps.Presence,
		typing:    deps.Typing,
		limits:    deps.Limits,
		typingTTL: deps.TypingTTL,
		logger:    logging.OrDefault(deps.Logger).With("component", "ws"),
	}
}

type receiptPayload struct {
	MessageID string `json:"message_id"`
}

type typingPayload struct {
	TTLMillis int64 `json:"ttl_ms,omitempty"`
}

type callPayload struct {
	SDP       *webrtc.SessionDescription `json:"sdp,omitempty"`
	Reason    string                     `json:"reason,omitempty"`
	To        int64                      `json:"to,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
}

// Handle processes one frame from client.
func (r *Router) Handle(ctx context.Context, client *Client, frame InboundFrame) {
	ctx, span := otel.Tracer("rtc-service/ws").Start(ctx, "ws."+frame.Type)
	span.SetAttributes(attribute.Int64("user_id", client.UserID()))
	defer span.End()
	ctx = observability.WithRequestID(ctx, frame.RequestID)

	if err := r.route(ctx, client, frame); err != nil {
		span.RecordError(err)
		if apperr.Code(err) == "INTERNAL" {
			r.logger.Error("frame failed", "type", frame.Type, "user_id", client.UserID(), "error", err)
		}
		client.replyError(frame.RequestID, err)
	}
}

func (r *Router) route(ctx context.Context, client *Client, f InboundFrame) error {
	userID := client.UserID()
	switch f.Type {
	case "connect":
		return client.ackOK(f.RequestID, map[string]any{"conn_id": client.ID(), "user_id": userID})
	case "subscribe":
		return r.subscribe(ctx, client, f)
	case "unsubscribe":
		r.hub.Unsubscribe(f.Topic, client)
		return client.ackOK(f.RequestID, map[string]any{"topic": f.Topic})
	case "send":
		return r.send(ctx, client, f)
	case "typing.start", "typing.stop":
		return r.typingFrame(ctx, client, f)
	case "presence.ping":
		lastSeen := r.presence.Touch(ctx, userID, client.DeviceID())
		return client.replyTo(FrameAck, models.DestPresence, f.RequestID, models.PresenceEvent{
			Type:     "presence.pong",
			UserID:   userID,
			DeviceID: client.DeviceID(),
			LastSeen: lastSeen,
		})
	case "read", "delivered":
		var p receiptPayload
		if err := decodePayload(f.Payload, &p); err != nil || p.MessageID == "" {
			return fmt.Errorf("%w: message_id required", apperr.ErrInvalidRequest)
		}
		if err := r.inbox.MarkDeliveredInRoom(ctx, f.RoomID, p.MessageID, userID, client.DeviceID(), f.Type == "read"); err != nil {
			return err
		}
		return client.ackOK(f.RequestID, map[string]any{"message_id": p.MessageID})
	}

	if strings.HasPrefix(f.Type, "call.") {
		return r.callFrame(ctx, client, f)
	}
	return fmt.Errorf("%w: unknown frame type %q", apperr.ErrInvalidRequest, f.Type)
}

func (r *Router) subscribe(ctx context.Context, client *Client, f InboundFrame) error {
	userID := client.UserID()
	if roomID, typing, ok := parseRoomTopic(f.Topic); ok {
		if !typing {
			if err := r.limits.Join(userID); err != nil {
				return err
			}
		}
		if err := r.requireMember(ctx, roomID, userID); err != nil {
			return err
		}
	} else if callID, ok := parseCallTopic(f.Topic); ok {
		if _, err := r.calls.Get(ctx, callID, userID); err != nil {
			return err
		}
	} else {
		return fmt.Errorf("%w: unknown topic %q", apperr.ErrInvalidRequest, f.Topic)
	}

	r.hub.Subscribe(f.Topic, client)
	return client.ackOK(f.RequestID, map[string]any{"topic": f.Topic})
}

func (r *Router) send(ctx context.Context, client *Client, f InboundFrame) error {
	if f.RoomID <= 0 {
		return fmt.Errorf("%w: room_id required", apperr.ErrInvalidRequest)
	}
	var req delivery.SendRequest
	if err := decodePayload(f.Payload, &req); err != nil {
		return fmt.Errorf("%w: malformed payload", apperr.ErrInvalidRequest)
	}
	if err := r.limits.Send(client.UserID(), f.RoomID); err != nil {
		return err
	}
	res, err := r.messages.Accept(ctx, f.RoomID, client.UserID(), req)
	if err != nil {
		return err
	}
	return client.ackOK(f.RequestID, map[string]any{
		"message_id": res.Message.MessageID,
		"server_ts":  res.Message.ServerTimestamp,
		"duplicate":  res.Duplicate,
	})
}

func (r *Router) typingFrame(ctx context.Context, client *Client, f InboundFrame) error {
	userID := client.UserID()
	if f.RoomID <= 0 {
		return fmt.Errorf("%w: room_id required", apperr.ErrInvalidRequest)
	}
	if err := r.limits.Typing(userID); err != nil {
		return err
	}
	if err := r.requireMember(ctx, f.RoomID, userID); err != nil {
		return err
	}

	event := models.TypingEvent{Type: f.Type, RoomID: f.RoomID, UserID: userID, DeviceID: client.DeviceID()}
	if f.Type == "typing.start" {
		var p typingPayload
		_ = decodePayload(f.Payload, &p)
		ttl := r.typingTTL
		if p.TTLMillis > 0 {
			ttl = time.Duration(p.TTLMillis) * time.Millisecond
		}
		expiresAt := r.typing.Start(f.RoomID, userID, client.DeviceID(), ttl)
		event.ExpiresAt = &expiresAt
	} else {
		r.typing.Stop(f.RoomID, userID, client.DeviceID())
	}
	r.hub.Broadcast(models.TypingTopic(f.RoomID), event)
	return nil
}

func (r *Router) callFrame(ctx context.Context, client *Client, f InboundFrame) error {
	userID := client.UserID()
	if f.Type == "call.invite" {
		var req calls.InviteRequest
		if err := decodePayload(f.Payload, &req); err != nil {
			return fmt.Errorf("%w: malformed payload", apperr.ErrInvalidRequest)
		}
		call, err := r.calls.CreateInvite(ctx, f.RoomID, userID, req)
		if err != nil {
			return err
		}
		r.hub.Subscribe(models.CallTopic(call.ID), client)
		return client.ackOK(f.RequestID, call)
	}

	if f.CallID == "" {
		return fmt.Errorf("%w: call_id required", apperr.ErrInvalidRequest)
	}
	var p callPayload
	if err := decodePayload(f.Payload, &p); err != nil {
		return fmt.Errorf("%w: malformed payload", apperr.ErrInvalidRequest)
	}

	var (
		call models.CallSession
		err  error
	)
	switch f.Type {
	case "call.ring":
		call, err = r.calls.MarkRinging(ctx, f.CallID, userID)
	case "call.answer":
		call, err = r.calls.Answer(ctx, f.CallID, userID, p.SDP)
	case "call.decline":
		call, err = r.calls.Decline(ctx, f.CallID, userID)
	case "call.end":
		call, err = r.calls.End(ctx, f.CallID, userID, p.Reason)
	case "call.join":
		call, err = r.calls.Join(ctx, f.CallID, userID)
	case "call.leave":
		call, err = r.calls.Leave(ctx, f.CallID, userID)
	case "call.reinvite":
		if p.SDP == nil {
			return fmt.Errorf("%w: sdp required", apperr.ErrInvalidRequest)
		}
		call, err = r.calls.Reinvite(ctx, f.CallID, userID, p.SDP)
	case "call.fail":
		call, err = r.calls.Fail(ctx, f.CallID, userID, p.Reason)
	case "call.candidate":
		if p.Candidate == nil || p.To <= 0 {
			return fmt.Errorf("%w: candidate and to required", apperr.ErrInvalidRequest)
		}
		if err := r.calls.RelayCandidate(ctx, f.CallID, userID, p.To, *p.Candidate); err != nil {
			return err
		}
		return client.ackOK(f.RequestID, map[string]any{"call_id": f.CallID})
	default:
		return fmt.Errorf("%w: unknown frame type %q", apperr.ErrInvalidRequest, f.Type)
	}
	if err != nil {
		return err
	}
	if f.Type == "call.answer" || f.Type == "call.join" {
		r.hub.Subscribe(models.CallTopic(call.ID), client)
	}
	return client.ackOK(f.RequestID, call)
}

func (r *Router) requireMember(ctx context.Context, roomID, userID int64) error {
	ok, err := r.rooms.IsMember(ctx, roomID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: not a member of room %d", apperr.ErrForbidden, roomID)
	}
	return nil
}
