package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"rtc-service/internal/e2ee"
	"rtc-service/internal/middleware"
	"rtc-service/internal/rtc"
)

type KeyService interface {
	Register(ctx context.Context, userID int64, req e2ee.RegisterRequest) (bool, error)
	ClaimOneTimePrekey(ctx context.Context, targetUserID int64, deviceID string) (e2ee.Bundle, error)
	ListDevices(ctx context.Context, userID int64) ([]e2ee.DeviceInfo, error)
}

type UserDirectory interface {
	FindUserID(ctx context.Context, handle string) (int64, error)
}

type TURNIssuer interface {
	Issue(userID int64) rtc.TURNCredentials
}

// KeyHandler distributes E2EE key bundles and relay credentials.
type KeyHandler struct {
	keys  KeyService
	users UserDirectory
	turn  TURNIssuer
}

func NewKeyHandler(keys KeyService, users UserDirectory, turn TURNIssuer) *KeyHandler {
	return &KeyHandler{keys: keys, users: users, turn: turn}
}

func (h *KeyHandler) RegisterDevice(c *gin.Context) {
	var req e2ee.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "INVALID_REQUEST"})
		return
	}

	valid, err := h.keys.Register(c.Request.Context(), c.GetInt64(middleware.UserIDKey), req)
	if err != nil {
		writeError(c, err)
		return
	}
	if !valid {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "signed prekey signature does not verify", "valid": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": true, "device_id": req.DeviceID})
}

func (h *KeyHandler) ListDevices(c *gin.Context) {
	userID, err := h.users.FindUserID(c.Request.Context(), c.Param("user"))
	if err != nil {
		writeError(c, err)
		return
	}
	devices, err := h.keys.ListDevices(c.Request.Context(), userID)
	if err != nil {
		writeError(c, err)
		return
	}
	if devices == nil {
		devices = []e2ee.DeviceInfo{}
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "devices": devices})
}

// ClaimBundle consumes one of the target device's one-time prekeys.
func (h *KeyHandler) ClaimBundle(c *gin.Context) {
	userID, err := h.users.FindUserID(c.Request.Context(), c.Param("user"))
	if err != nil {
		writeError(c, err)
		return
	}
	bundle, err := h.keys.ClaimOneTimePrekey(c.Request.Context(), userID, c.Param("device_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, bundle)
}

func (h *KeyHandler) TURNCredentials(c *gin.Context) {
	c.JSON(http.StatusOK, h.turn.Issue(c.GetInt64(middleware.UserIDKey)))
}
