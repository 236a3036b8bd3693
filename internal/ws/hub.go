package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"rtc-service/internal/logging"
	"rtc-service/internal/observability"
	"rtc-service/internal/session"
)

type Notifier interface {
	Publish(ctx context.Context, routingKey string, event any) error
}

// Hub maintains topic subscriptions and routes per-user frames through the
// session registry. It is the broadcast primitive of the delivery and call
// services.
type Hub struct {
	sessions *session.Registry
	notifier Notifier
	logger   *slog.Logger

	mu     sync.RWMutex
	topics map[string]map[string]*Client
}

func NewHub(sessions *session.Registry, notifier Notifier, logger *slog.Logger) *Hub {
	if sessions == nil {
		sessions = session.NewRegistry()
	}
	return &Hub{
		sessions: sessions,
		notifier: notifier,
		logger:   logging.OrDefault(logger).With("component", "ws"),
		topics:   make(map[string]map[string]*Client),
	}
}

func (h *Hub) Sessions() *session.Registry { return h.sessions }

// Register makes client reachable through SendToUser.
func (h *Hub) Register(ctx context.Context, client *Client) {
	h.sessions.OnOpen(client)
	observability.IncWSActive()
	h.logger.Info("session opened", client.info.logAttrs()...)
	publishWSEvent(ctx, h.notifier, client.info, "ws_connect", "")
}

// Unregister drops every subscription of client and its session entry.
func (h *Hub) Unregister(ctx context.Context, client *Client, reason string) {
	h.mu.Lock()
	for topic, subs := range h.topics {
		delete(subs, client.ID())
		if len(subs) == 0 {
			delete(h.topics, topic)
		}
	}
	h.mu.Unlock()

	h.sessions.OnClose(client)
	observability.DecWSActive()
	h.logger.Info("session closed", append(client.info.logAttrs(), slog.String("reason", reason))...)
	publishWSEvent(ctx, h.notifier, client.info, "ws_disconnect", reason)
}

func (h *Hub) Subscribe(topic string, client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.topics[topic]
	if !ok {
		subs = make(map[string]*Client)
		h.topics[topic] = subs
	}
	subs[client.ID()] = client
}

func (h *Hub) Unsubscribe(topic string, client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs, ok := h.topics[topic]; ok {
		delete(subs, client.ID())
		if len(subs) == 0 {
			delete(h.topics, topic)
		}
	}
}

// Subscribers returns the number of connections subscribed to topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// Broadcast sends event to every subscriber of topic. Slow subscribers drop
// frames instead of stalling the caller.
func (h *Hub) Broadcast(topic string, event any) {
	payload, err := json.Marshal(OutboundFrame{Type: FrameEvent, Dest: topic, Payload: event})
	if err != nil {
		h.logger.Error("encode broadcast failed", "topic", topic, "error", err)
		return
	}

	h.mu.RLock()
	subs := make([]*Client, 0, len(h.topics[topic]))
	for _, c := range h.topics[topic] {
		subs = append(subs, c)
	}
	h.mu.RUnlock()

	for _, c := range subs {
		if !c.Send(topic, payload) {
			h.logger.Debug("broadcast frame dropped", "topic", topic, "conn_id", c.ID(), "user_id", c.UserID())
		}
	}
}

// SendToUser pushes event to every live session of userID and returns how
// many accepted it.
func (h *Hub) SendToUser(userID int64, dest string, event any) int {
	payload, err := json.Marshal(OutboundFrame{Type: frameTypeFor(dest), Dest: dest, Payload: event})
	if err != nil {
		h.logger.Error("encode user frame failed", "dest", dest, "error", err)
		return 0
	}
	return h.sessions.SendToUser(userID, dest, payload)
}
