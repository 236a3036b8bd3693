package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"rtc-service/internal/middleware"
	"rtc-service/internal/models"
)

type CallHistory interface {
	History(ctx context.Context, roomID, userID int64, limit int) ([]models.CallSession, error)
}

type CallHandler struct {
	calls CallHistory
}

func NewCallHandler(calls CallHistory) *CallHandler {
	return &CallHandler{calls: calls}
}

func (h *CallHandler) History(c *gin.Context) {
	roomID, ok := roomParam(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))

	sessions, err := h.calls.History(c.Request.Context(), roomID, c.GetInt64(middleware.UserIDKey), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	if sessions == nil {
		sessions = []models.CallSession{}
	}
	c.JSON(http.StatusOK, gin.H{"calls": sessions})
}
