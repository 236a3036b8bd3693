package ws

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"

	"rtc-service/internal/auth"
	"rtc-service/internal/backpressure"
	"rtc-service/internal/clock"
	"rtc-service/internal/logging"
	"rtc-service/internal/models"
	"rtc-service/internal/observability"
)

const connectWait = 10 * time.Second

type TokenValidator interface {
	ValidateToken(ctx context.Context, raw string) (auth.Principal, error)
}

type ConnectLimiter interface {
	Connect(origin string) error
}

type HandlerConfig struct {
	Permits    int
	PermitWait time.Duration
}

// Handler upgrades /ws requests and runs the connection pumps.
type Handler struct {
	hub      *Hub
	router   *Router
	tokens   TokenValidator
	limiter  ConnectLimiter
	inbox    InboxService
	presence PresenceTracker
	cfg      HandlerConfig
	clock    clock.Clock
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func NewHandler(hub *Hub, router *Router, tokens TokenValidator, limiter ConnectLimiter, cfg HandlerConfig, logger *slog.Logger) *Handler {
	if cfg.Permits <= 0 {
		cfg.Permits = backpressure.DefaultPermits
	}
	if cfg.PermitWait <= 0 {
		cfg.PermitWait = backpressure.DefaultWait
	}
	return &Handler{
		hub:      hub,
		router:   router,
		tokens:   tokens,
		limiter:  limiter,
		inbox:    router.inbox,
		presence: router.presence,
		cfg:      cfg,
		clock:    clock.Real(),
		logger:   logging.OrDefault(logger).With("component", "ws"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

type connectPayload struct {
	Token    string `json:"token"`
	DeviceID string `json:"device_id"`
}

// Handle authenticates by header or query token before upgrading. Without
// one, the first frame on the socket must be a connect frame carrying it.
func (h *Handler) Handle(c *gin.Context) {
	ctx, span := otel.Tracer("rtc-service/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	ip := observability.IPFromRequest(c.Request)
	if err := h.limiter.Connect(ip); err != nil {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many connections"})
		return
	}

	var principal auth.Principal
	token := bearerToken(c.Request)
	if token != "" {
		p, err := h.tokens.ValidateToken(ctx, token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		principal = p
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "ip", ip, "error", err)
		return
	}

	info := ConnInfo{
		ConnID:      newConnID(),
		UserID:      principal.UserID,
		DeviceID:    observability.DeviceIDFromRequest(c.Request),
		IP:          ip,
		RequestID:   observability.RequestIDFromRequest(c.Request),
		TraceID:     span.SpanContext().TraceID().String(),
		ConnectedAt: h.clock.Now(),
	}

	connectRequestID := ""
	if principal.UserID == 0 {
		p, deviceID, requestID, err := h.awaitConnect(ctx, conn)
		if err != nil {
			h.rejectSocket(conn, requestID, err)
			return
		}
		info.UserID = p.UserID
		if deviceID != "" {
			info.DeviceID = deviceID
		}
		connectRequestID = requestID
	}
	if info.DeviceID == "" {
		info.DeviceID = info.ConnID
	}

	client := newClient(conn, info, backpressure.New(h.cfg.Permits, h.cfg.PermitWait), h.cfg.Permits)
	sessionCtx := observability.WithRequestID(context.WithoutCancel(ctx), info.RequestID)

	go client.writePump()
	h.hub.Register(sessionCtx, client)
	h.presence.Touch(sessionCtx, info.UserID, info.DeviceID)
	_ = client.ackOK(connectRequestID, map[string]any{"conn_id": info.ConnID, "user_id": info.UserID})
	h.flushPending(sessionCtx, client)

	go func() {
		reason := client.readPump(sessionCtx, h.router.Handle)
		client.Close()
		h.hub.Unregister(sessionCtx, client, reason)
	}()
}

func (h *Handler) awaitConnect(ctx context.Context, conn *websocket.Conn) (auth.Principal, string, string, error) {
	_ = conn.SetReadDeadline(time.Now().Add(connectWait))
	var frame InboundFrame
	if err := conn.ReadJSON(&frame); err != nil {
		return auth.Principal{}, "", "", errUnauthenticated
	}
	if frame.Type != "connect" {
		return auth.Principal{}, "", frame.RequestID, errUnauthenticated
	}
	var p connectPayload
	if err := decodePayload(frame.Payload, &p); err != nil || p.Token == "" {
		return auth.Principal{}, "", frame.RequestID, errUnauthenticated
	}
	principal, err := h.tokens.ValidateToken(ctx, p.Token)
	if err != nil {
		return auth.Principal{}, "", frame.RequestID, errUnauthenticated
	}
	return principal, p.DeviceID, frame.RequestID, nil
}

var errUnauthenticated = errors.New("unauthenticated")

func (h *Handler) rejectSocket(conn *websocket.Conn, requestID string, err error) {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteJSON(OutboundFrame{
		Type:      FrameError,
		Dest:      models.DestErrors,
		RequestID: requestID,
		Payload:   ErrorPayload{Code: "UNAUTHORIZED", Message: err.Error()},
	})
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unauthenticated"))
	_ = conn.Close()
}

// flushPending pushes every undelivered message to the new connection.
func (h *Handler) flushPending(ctx context.Context, client *Client) {
	pending, err := h.inbox.PendingMessages(ctx, client.UserID(), nil)
	if err != nil {
		h.logger.Warn("pending flush failed", "user_id", client.UserID(), "error", err)
		return
	}
	dropped := 0
	for _, event := range pending {
		if !client.reply(FrameEvent, models.DestMessages, "", event) {
			dropped++
		}
	}
	if dropped > 0 {
		h.logger.Warn("pending frames dropped", "user_id", client.UserID(), "dropped", dropped)
	}
}
