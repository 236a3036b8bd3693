package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
)

type Auditor interface {
	Emit(ctx context.Context, level, text, requestID string, userID *int64, fields map[string]any)
}

// DebugStats reports live process counters (sessions, dispatcher keys).
type DebugStats func() map[string]any

// RegisterDebugRoutes wires debug-only endpoints.
func RegisterDebugRoutes(router gin.IRouter, emitter Auditor, stats DebugStats, enabled bool) {
	if !enabled {
		return
	}

	router.GET("/debug/audit-test", func(c *gin.Context) {
		if emitter == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit emitter not configured"})
			return
		}
		emitter.Emit(c.Request.Context(), "info", "audit test", requestIDFromContext(c), userIDFromContext(c), nil)
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/debug/stats", func(c *gin.Context) {
		if stats == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "stats not configured"})
			return
		}
		c.JSON(http.StatusOK, stats())
	})
}
