package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"rtc-service/internal/middleware"
	"rtc-service/internal/observability"
)

// requestIDFromContext prefers the id set by middleware.RequestID, then the
// inbound header, and mints one otherwise.
func requestIDFromContext(c *gin.Context) string {
	if id := observability.RequestIDFromContext(c.Request.Context()); id != "" {
		return id
	}
	if id := observability.RequestIDFromRequest(c.Request); id != "" {
		return id
	}
	id := uuid.NewString()
	c.Request = c.Request.WithContext(observability.WithRequestID(c.Request.Context(), id))
	return id
}

func userIDFromContext(c *gin.Context) *int64 {
	userID := c.GetInt64(middleware.UserIDKey)
	if userID == 0 {
		return nil
	}
	return &userID
}
