// Package calls arbitrates call lifecycle and relays signaling between
// participants.
package calls

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx/types"
	"github.com/pion/webrtc/v4"

	"rtc-service/internal/apperr"
	"rtc-service/internal/clock"
	"rtc-service/internal/dispatch"
	"rtc-service/internal/logging"
	"rtc-service/internal/models"
	"rtc-service/internal/observability"
	"rtc-service/internal/repositories"
)

const (
	DefaultRingTimeout   = 45 * time.Second
	DefaultSweepInterval = 10 * time.Second
	notifyTimeout        = 2 * time.Second
)

// Outbound is the transport side of call signaling.
type Outbound interface {
	Broadcast(topic string, event any)
	SendToUser(userID int64, dest string, event any) int
}

type Notifier interface {
	Publish(ctx context.Context, routingKey string, event any) error
}

// InviteRequest starts a call.
type InviteRequest struct {
	CalleeIDs  []int64                    `json:"callee_ids"`
	E2EEParams json.RawMessage            `json:"e2ee_params,omitempty"`
	Offer      *webrtc.SessionDescription `json:"offer,omitempty"`
}

type Options struct {
	RingTimeout     time.Duration
	SignalBufferMax int
}

// Service owns call state. Every transition for a call runs on that call's
// dispatcher key; the busy index is shared across calls under its own lock.
type Service struct {
	rooms      repositories.RoomRepository
	calls      repositories.CallRepository
	dispatcher *dispatch.Dispatcher
	signals    *SignalBuffer
	out        Outbound
	notifier   Notifier
	clock      clock.Clock
	logger     *slog.Logger

	ringTimeout time.Duration

	mu       sync.Mutex
	busy     map[int64]string
	declined map[string]map[int64]bool
}

func NewService(
	rooms repositories.RoomRepository,
	calls repositories.CallRepository,
	dispatcher *dispatch.Dispatcher,
	out Outbound,
	notifier Notifier,
	c clock.Clock,
	logger *slog.Logger,
	opts Options,
) *Service {
	if opts.RingTimeout <= 0 {
		opts.RingTimeout = DefaultRingTimeout
	}
	return &Service{
		rooms:       rooms,
		calls:       calls,
		dispatcher:  dispatcher,
		signals:     NewSignalBuffer(opts.SignalBufferMax),
		out:         out,
		notifier:    notifier,
		clock:       clock.OrReal(c),
		logger:      logging.OrDefault(logger).With("component", "calls"),
		ringTimeout: opts.RingTimeout,
		busy:        make(map[int64]string),
		declined:    make(map[string]map[int64]bool),
	}
}

// Restore rebuilds the busy index from calls that were live before a restart.
func (s *Service) Restore(ctx context.Context) error {
	active, err := s.calls.ListActiveCalls(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, call := range active {
		for _, id := range call.Participants() {
			s.busy[id] = call.ID
		}
	}
	return nil
}

// Get returns the call if userID takes part in it.
func (s *Service) Get(ctx context.Context, callID string, userID int64) (models.CallSession, error) {
	call, err := s.calls.GetCall(ctx, callID)
	if errors.Is(err, repositories.ErrCallNotFound) {
		return models.CallSession{}, fmt.Errorf("%w: call %s", apperr.ErrNotFound, callID)
	}
	if err != nil {
		return models.CallSession{}, err
	}
	if !call.IsParticipant(userID) {
		return models.CallSession{}, fmt.Errorf("%w: not a participant of call %s", apperr.ErrForbidden, callID)
	}
	return call, nil
}

// BusyWith returns the call userID is engaged in, if any.
func (s *Service) BusyWith(userID int64) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.busy[userID]
	return id, ok
}

func (s *Service) reserve(callID string, users []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range users {
		if other, ok := s.busy[id]; ok {
			return fmt.Errorf("%w: user %d is in call %s", apperr.ErrBusy, id, other)
		}
	}
	for _, id := range users {
		s.busy[id] = callID
	}
	return nil
}

// rejoin reserves userID for callID unless they are busy with another call.
func (s *Service) rejoin(callID string, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if other, ok := s.busy[userID]; ok && other != callID {
		return fmt.Errorf("%w: user %d is in call %s", apperr.ErrBusy, userID, other)
	}
	s.busy[userID] = callID
	return nil
}

func (s *Service) release(callID string, users ...int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range users {
		if s.busy[id] == callID {
			delete(s.busy, id)
		}
	}
}

// CreateInvite opens a call from callerID to calleeIDs in roomID.
func (s *Service) CreateInvite(ctx context.Context, roomID, callerID int64, req InviteRequest) (models.CallSession, error) {
	callees := make([]int64, 0, len(req.CalleeIDs))
	seen := map[int64]bool{callerID: true}
	for _, id := range req.CalleeIDs {
		if !seen[id] {
			seen[id] = true
			callees = append(callees, id)
		}
	}
	if len(callees) == 0 {
		return models.CallSession{}, fmt.Errorf("%w: at least one callee required", apperr.ErrInvalidRequest)
	}
	if req.Offer != nil {
		if err := ValidateSessionDescription(req.Offer, webrtc.SDPTypeOffer); err != nil {
			return models.CallSession{}, err
		}
	}
	if err := s.requireMembers(ctx, roomID, append([]int64{callerID}, callees...)); err != nil {
		return models.CallSession{}, err
	}

	now := s.clock.Now().UTC()
	call := models.CallSession{
		ID:          uuid.NewString(),
		RoomID:      roomID,
		InitiatorID: callerID,
		CalleeIDs:   callees,
		State:       models.CallInviteSent,
		Topology:    models.TopologyFor(len(callees) + 1),
		CreatedAt:   now,
		E2EEParams:  types.JSONText(req.E2EEParams),
	}
	participants := call.Participants()
	if err := s.reserve(call.ID, participants); err != nil {
		return models.CallSession{}, err
	}
	if err := s.calls.CreateCall(ctx, call); err != nil {
		s.release(call.ID, participants...)
		return models.CallSession{}, err
	}
	s.signals.MarkJoined(call.ID, callerID)
	observability.IncCallTransition(string(call.State))

	invite := models.CallEvent{Type: "call.invite", CallID: call.ID, FromID: callerID, Call: &call}
	if req.Offer != nil {
		invite.Signal = req.Offer
	}
	for _, id := range callees {
		s.out.SendToUser(id, models.DestCalls, invite)
	}
	s.out.Broadcast(models.CallTopic(call.ID), models.CallEvent{Type: "call.invite", CallID: call.ID, FromID: callerID, Call: &call})
	s.notify(ctx, "call.started", call)
	return call, nil
}

func (s *Service) requireMembers(ctx context.Context, roomID int64, users []int64) error {
	if _, err := s.rooms.GetRoom(ctx, roomID); err != nil {
		if errors.Is(err, repositories.ErrRoomNotFound) {
			return fmt.Errorf("%w: room %d", apperr.ErrNotFound, roomID)
		}
		return err
	}
	for _, id := range users {
		ok, err := s.rooms.IsMember(ctx, roomID, id)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: user %d is not a member of room %d", apperr.ErrForbidden, id, roomID)
		}
	}
	return nil
}

// mutation applies a transition to call. It returns the event type to
// broadcast (empty for none) and whether the row changed.
type mutation func(ctx context.Context, call *models.CallSession) (event string, changed bool, err error)

const systemActor int64 = 0

// transition loads the call on its dispatcher key, checks the actor and
// applies fn. Terminal calls are returned unchanged.
func (s *Service) transition(ctx context.Context, callID string, actor int64, fn mutation) (models.CallSession, error) {
	return dispatch.Do(ctx, s.dispatcher, dispatch.CallKey(callID), func(ctx context.Context) (models.CallSession, error) {
		call, err := s.calls.GetCall(ctx, callID)
		if errors.Is(err, repositories.ErrCallNotFound) {
			return models.CallSession{}, fmt.Errorf("%w: call %s", apperr.ErrNotFound, callID)
		}
		if err != nil {
			return models.CallSession{}, err
		}
		if actor != systemActor && !call.IsParticipant(actor) {
			return models.CallSession{}, fmt.Errorf("%w: not a participant of call %s", apperr.ErrForbidden, callID)
		}
		if call.State.Terminal() {
			return call, nil
		}

		event, changed, err := fn(ctx, &call)
		if err != nil {
			return models.CallSession{}, err
		}
		if changed {
			if err := s.calls.UpdateCall(ctx, call); err != nil {
				return models.CallSession{}, err
			}
			observability.IncCallTransition(string(call.State))
		}
		if call.State.Terminal() {
			s.finish(ctx, call)
		}
		if event != "" {
			s.out.Broadcast(models.CallTopic(call.ID), models.CallEvent{Type: event, CallID: call.ID, FromID: actor, Call: &call})
		}
		return call, nil
	})
}

func (s *Service) finish(ctx context.Context, call models.CallSession) {
	s.release(call.ID, call.Participants()...)
	s.signals.Forget(call.ID)
	s.mu.Lock()
	delete(s.declined, call.ID)
	s.mu.Unlock()
	s.notify(ctx, "call.ended", call)
}

func (s *Service) end(call *models.CallSession, state models.CallState, reason string) {
	now := s.clock.Now().UTC()
	call.State = state
	call.EndedAt = &now
	call.EndReason = reason
}

// MarkRinging records that a callee's device is ringing.
func (s *Service) MarkRinging(ctx context.Context, callID string, userID int64) (models.CallSession, error) {
	return s.transition(ctx, callID, userID, func(ctx context.Context, call *models.CallSession) (string, bool, error) {
		if !call.IsCallee(userID) {
			return "", false, fmt.Errorf("%w: only callees ring", apperr.ErrForbidden)
		}
		if call.State != models.CallInviteSent {
			return "", false, nil
		}
		now := s.clock.Now().UTC()
		call.State = models.CallRinging
		call.RingingAt = &now
		return "call.ringing", true, nil
	})
}

// Answer accepts the call. The answerer joins and receives anything buffered
// for them; the SDP answer, when given, is relayed to the initiator.
func (s *Service) Answer(ctx context.Context, callID string, userID int64, answer *webrtc.SessionDescription) (models.CallSession, error) {
	if answer != nil {
		if err := ValidateSessionDescription(answer, webrtc.SDPTypeAnswer); err != nil {
			return models.CallSession{}, err
		}
	}
	call, err := s.transition(ctx, callID, userID, func(ctx context.Context, call *models.CallSession) (string, bool, error) {
		if !call.IsCallee(userID) {
			return "", false, fmt.Errorf("%w: only callees answer", apperr.ErrForbidden)
		}
		if !call.State.Ringable() {
			return "", false, fmt.Errorf("%w: call is %s", apperr.ErrInvalidRequest, call.State)
		}
		if s.hasDeclined(call.ID, userID) {
			return "", false, fmt.Errorf("%w: call already declined", apperr.ErrInvalidRequest)
		}
		now := s.clock.Now().UTC()
		call.State = models.CallAnswered
		call.AnsweredAt = &now
		s.joinLocked(call.ID, userID)
		if answer != nil {
			s.relayLocked(call.ID, Signal{Kind: "answer", From: userID, To: call.InitiatorID, Payload: answer})
		}
		return "call.answered", true, nil
	})
	return call, err
}

// Decline rejects the call for userID. The call itself ends only once every
// callee has declined; until then only the decliner is released.
func (s *Service) Decline(ctx context.Context, callID string, userID int64) (models.CallSession, error) {
	return s.transition(ctx, callID, userID, func(ctx context.Context, call *models.CallSession) (string, bool, error) {
		if !call.IsCallee(userID) {
			return "", false, fmt.Errorf("%w: only callees decline", apperr.ErrForbidden)
		}
		if !call.State.Ringable() {
			return "", false, fmt.Errorf("%w: call is %s", apperr.ErrInvalidRequest, call.State)
		}
		if s.markDeclined(call.ID, userID) < len(call.CalleeIDs) {
			s.release(call.ID, userID)
			return "call.decline", false, nil
		}
		s.end(call, models.CallDeclined, "declined")
		return "call.declined", true, nil
	})
}

func (s *Service) markDeclined(callID string, userID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.declined[callID]
	if !ok {
		set = make(map[int64]bool)
		s.declined[callID] = set
	}
	set[userID] = true
	return len(set)
}

func (s *Service) hasDeclined(callID string, userID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.declined[callID][userID]
}

// End hangs up the call for everyone.
func (s *Service) End(ctx context.Context, callID string, userID int64, reason string) (models.CallSession, error) {
	if reason == "" {
		reason = "hangup"
	}
	return s.transition(ctx, callID, userID, func(ctx context.Context, call *models.CallSession) (string, bool, error) {
		s.end(call, models.CallEnded, reason)
		return "call.ended", true, nil
	})
}

// Fail ends the call after a client-side media failure.
func (s *Service) Fail(ctx context.Context, callID string, userID int64, reason string) (models.CallSession, error) {
	if reason == "" {
		reason = "unknown"
	}
	return s.transition(ctx, callID, userID, func(ctx context.Context, call *models.CallSession) (string, bool, error) {
		s.end(call, models.CallEnded, "failed:"+reason)
		return "call.failed", true, nil
	})
}

// Join adds userID to an answered call and flushes their buffered signals.
// A callee who declined cannot join, and a user engaged in another call is
// Busy; otherwise the user is (re)reserved for this call.
func (s *Service) Join(ctx context.Context, callID string, userID int64) (models.CallSession, error) {
	return s.transition(ctx, callID, userID, func(ctx context.Context, call *models.CallSession) (string, bool, error) {
		if call.State != models.CallAnswered {
			return "", false, fmt.Errorf("%w: call is %s", apperr.ErrInvalidRequest, call.State)
		}
		if s.hasDeclined(call.ID, userID) {
			return "", false, fmt.Errorf("%w: user %d declined call %s", apperr.ErrForbidden, userID, call.ID)
		}
		if err := s.rejoin(call.ID, userID); err != nil {
			return "", false, err
		}
		s.joinLocked(call.ID, userID)
		return "call.join", false, nil
	})
}

// Leave removes userID from the call. An unanswered call is cancelled when
// its initiator leaves and declined by a callee otherwise; an answered call
// ends when its last joined participant leaves.
func (s *Service) Leave(ctx context.Context, callID string, userID int64) (models.CallSession, error) {
	call, err := s.transition(ctx, callID, userID, func(ctx context.Context, call *models.CallSession) (string, bool, error) {
		if call.State.Ringable() {
			if userID == call.InitiatorID {
				s.end(call, models.CallEnded, "cancelled")
				return "call.ended", true, nil
			}
			return "", false, errDeclineInstead
		}
		s.release(call.ID, userID)
		if s.signals.MarkLeft(call.ID, userID) == 0 {
			s.end(call, models.CallEnded, "all_left")
			return "call.ended", true, nil
		}
		return "call.leave", false, nil
	})
	if errors.Is(err, errDeclineInstead) {
		return s.Decline(ctx, callID, userID)
	}
	return call, err
}

var errDeclineInstead = errors.New("decline instead")

// Reinvite relays a renegotiation offer to every other joined participant.
func (s *Service) Reinvite(ctx context.Context, callID string, userID int64, offer *webrtc.SessionDescription) (models.CallSession, error) {
	if err := ValidateSessionDescription(offer, webrtc.SDPTypeOffer); err != nil {
		return models.CallSession{}, err
	}
	return s.transition(ctx, callID, userID, func(ctx context.Context, call *models.CallSession) (string, bool, error) {
		if call.State != models.CallAnswered {
			return "", false, fmt.Errorf("%w: call is %s", apperr.ErrInvalidRequest, call.State)
		}
		for _, id := range call.Participants() {
			if id != userID {
				s.relayLocked(call.ID, Signal{Kind: "reinvite", From: userID, To: id, Payload: offer})
			}
		}
		return "call.reinvite", false, nil
	})
}

// Relay forwards a signal from one participant to another, buffering it
// until the recipient joins. Signals for finished calls are dropped.
func (s *Service) Relay(ctx context.Context, callID string, from, to int64, kind string, payload any) error {
	if kind == "" {
		return fmt.Errorf("%w: signal kind required", apperr.ErrInvalidRequest)
	}
	_, err := s.transition(ctx, callID, from, func(ctx context.Context, call *models.CallSession) (string, bool, error) {
		if !call.IsParticipant(to) || to == from {
			return "", false, fmt.Errorf("%w: user %d is not a peer in call %s", apperr.ErrInvalidRequest, to, callID)
		}
		s.relayLocked(call.ID, Signal{Kind: kind, From: from, To: to, Payload: payload})
		return "", false, nil
	})
	return err
}

// RelayCandidate relays a trickled ICE candidate.
func (s *Service) RelayCandidate(ctx context.Context, callID string, from, to int64, candidate webrtc.ICECandidateInit) error {
	return s.Relay(ctx, callID, from, to, "candidate", candidate)
}

// relayLocked must run on the call's dispatcher key.
func (s *Service) relayLocked(callID string, sig Signal) {
	if s.signals.Relay(callID, sig) {
		s.out.SendToUser(sig.To, models.DestCalls, models.CallEvent{Type: "call.signal", CallID: callID, FromID: sig.From, Signal: sig})
	}
}

// joinLocked must run on the call's dispatcher key.
func (s *Service) joinLocked(callID string, userID int64) {
	for _, sig := range s.signals.MarkJoined(callID, userID) {
		s.out.SendToUser(userID, models.DestCalls, models.CallEvent{Type: "call.signal", CallID: callID, FromID: sig.From, Signal: sig})
	}
}

// History lists the room's calls, newest first.
func (s *Service) History(ctx context.Context, roomID, userID int64, limit int) ([]models.CallSession, error) {
	if err := s.requireMembers(ctx, roomID, []int64{userID}); err != nil {
		return nil, err
	}
	switch {
	case limit <= 0:
		limit = 50
	case limit > 100:
		limit = 100
	}
	calls, err := s.calls.ListCallsByRoom(ctx, roomID, limit)
	if err != nil {
		return nil, err
	}
	if calls == nil {
		calls = []models.CallSession{}
	}
	return calls, nil
}

// SweepTimeouts moves calls that rang longer than the ring timeout to
// TIMEOUT and returns how many it moved.
func (s *Service) SweepTimeouts(ctx context.Context) (int, error) {
	cutoff := s.clock.Now().Add(-s.ringTimeout)
	stale, err := s.calls.ListStaleCalls(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	swept := 0
	for _, candidate := range stale {
		call, err := s.transition(ctx, candidate.ID, systemActor, func(ctx context.Context, call *models.CallSession) (string, bool, error) {
			if !call.State.Ringable() || !call.CreatedAt.Before(cutoff) {
				return "", false, nil
			}
			s.end(call, models.CallTimeout, "timeout")
			return "call.timeout", true, nil
		})
		if err != nil {
			s.logger.Warn("call timeout sweep failed", "call_id", candidate.ID, "error", err)
			continue
		}
		if call.State == models.CallTimeout {
			swept++
		}
	}
	return swept, nil
}

// RunSweeper calls SweepTimeouts every interval until ctx ends.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.SweepTimeouts(ctx)
			if err != nil {
				s.logger.Error("call timeout sweep failed", "error", err)
				continue
			}
			if n > 0 {
				s.logger.Info("calls timed out", "count", n)
			}
		}
	}
}

func (s *Service) notify(ctx context.Context, name string, call models.CallSession) {
	if s.notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()
	err := s.notifier.Publish(ctx, name, observability.NewEvent(ctx, "call", name, map[string]any{
		"call_id":      call.ID,
		"room_id":      call.RoomID,
		"initiator_id": call.InitiatorID,
		"state":        call.State,
		"end_reason":   call.EndReason,
	}))
	if err != nil {
		s.logger.Warn("notification publish failed", "event", name, "call_id", call.ID, "error", err)
	}
}
