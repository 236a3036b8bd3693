package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"rtc-service/internal/apperr"
	"rtc-service/internal/delivery"
	"rtc-service/internal/middleware"
	"rtc-service/internal/models"
	"rtc-service/internal/observability"
)

type MessageService interface {
	Accept(ctx context.Context, roomID, senderID int64, req delivery.SendRequest) (delivery.Accepted, error)
	History(ctx context.Context, roomID, userID int64, cursor *models.Cursor, limit int) ([]models.RoomMessage, error)
	DeleteMessage(ctx context.Context, roomID int64, messageID string, userID int64, forAll bool) error
}

type InboxService interface {
	PendingMessages(ctx context.Context, userID int64, since *time.Time) ([]models.MessageEvent, error)
	MarkDeliveredInRoom(ctx context.Context, roomID int64, messageID string, userID int64, deviceID string, read bool) error
}

// MessageHandler serves room history and the HTTP fallback of the send path.
type MessageHandler struct {
	messages MessageService
	inbox    InboxService
}

func NewMessageHandler(messages MessageService, inbox InboxService) *MessageHandler {
	return &MessageHandler{messages: messages, inbox: inbox}
}

// History returns a page of the room's messages, newest first.
func (h *MessageHandler) History(c *gin.Context) {
	roomID, ok := roomParam(c)
	if !ok {
		return
	}

	cursor, err := cursorFromQuery(c)
	if err != nil {
		writeError(c, err)
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))

	msgs, err := h.messages.History(c.Request.Context(), roomID, c.GetInt64(middleware.UserIDKey), cursor, limit)
	if err != nil {
		writeError(c, err)
		return
	}

	resp := gin.H{"messages": msgs}
	if n := len(msgs); n > 0 && n == delivery.ClampLimit(limit) {
		last := msgs[n-1]
		resp["next_before_ts"] = last.ServerTimestamp.Format(time.RFC3339Nano)
		resp["next_before_id"] = last.MessageID
	}
	c.JSON(http.StatusOK, resp)
}

// PostMessage accepts a message over HTTP: 201 for a new message, 200 with
// the stored message when the message id was already accepted.
func (h *MessageHandler) PostMessage(c *gin.Context) {
	roomID, ok := roomParam(c)
	if !ok {
		return
	}

	var req delivery.SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "INVALID_REQUEST"})
		return
	}

	res, err := h.messages.Accept(c.Request.Context(), roomID, c.GetInt64(middleware.UserIDKey), req)
	if err != nil {
		writeError(c, err)
		return
	}
	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{"message": res.Message})
}

func (h *MessageHandler) DeleteMessage(c *gin.Context) {
	roomID, ok := roomParam(c)
	if !ok {
		return
	}
	forAll, _ := strconv.ParseBool(c.DefaultQuery("all", "false"))

	err := h.messages.DeleteMessage(c.Request.Context(), roomID, c.Param("message_id"), c.GetInt64(middleware.UserIDKey), forAll)
	if err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Pending lists undelivered messages and marks them sent to this client.
func (h *MessageHandler) Pending(c *gin.Context) {
	var since *time.Time
	if raw := c.Query("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be RFC3339", "code": "INVALID_REQUEST"})
			return
		}
		since = &t
	}

	events, err := h.inbox.PendingMessages(c.Request.Context(), c.GetInt64(middleware.UserIDKey), since)
	if err != nil {
		writeError(c, err)
		return
	}
	if events == nil {
		events = []models.MessageEvent{}
	}
	c.JSON(http.StatusOK, gin.H{"messages": events})
}

// Delivered records a delivery or read receipt for the caller.
func (h *MessageHandler) Delivered(c *gin.Context) {
	var req struct {
		Read     bool   `json:"read"`
		DeviceID string `json:"device_id"`
		RoomID   int64  `json:"room_id"`
	}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "INVALID_REQUEST"})
			return
		}
	}
	if req.DeviceID == "" {
		req.DeviceID = observability.DeviceIDFromRequest(c.Request)
	}

	err := h.inbox.MarkDeliveredInRoom(c.Request.Context(), req.RoomID, c.Param("message_id"), c.GetInt64(middleware.UserIDKey), req.DeviceID, req.Read)
	if err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func roomParam(c *gin.Context) (int64, bool) {
	roomID, err := strconv.ParseInt(c.Param("room_id"), 10, 64)
	if err != nil || roomID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid room id", "code": "INVALID_REQUEST"})
		return 0, false
	}
	return roomID, true
}

// cursorFromQuery reads before_ts (RFC3339) and before_id. Both or neither.
func cursorFromQuery(c *gin.Context) (*models.Cursor, error) {
	rawTS, id := c.Query("before_ts"), c.Query("before_id")
	if rawTS == "" && id == "" {
		return nil, nil
	}
	if rawTS == "" || id == "" {
		return nil, fmt.Errorf("%w: before_ts and before_id go together", apperr.ErrInvalidRequest)
	}
	ts, err := time.Parse(time.RFC3339Nano, rawTS)
	if err != nil {
		return nil, fmt.Errorf("%w: before_ts must be RFC3339", apperr.ErrInvalidRequest)
	}
	return &models.Cursor{ServerTimestamp: ts, MessageID: id}, nil
}
