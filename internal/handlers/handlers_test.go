package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"rtc-service/internal/apperr"
	"rtc-service/internal/delivery"
	"rtc-service/internal/e2ee"
	"rtc-service/internal/middleware"
	"rtc-service/internal/mocks"
	"rtc-service/internal/models"
	"rtc-service/internal/rtc"
)

func setupRouter(msgs *MessageHandler, calls *CallHandler, keys *KeyHandler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set(middleware.UserIDKey, int64(1))
		c.Next()
	})
	if msgs != nil {
		r.GET("/rooms/:room_id/messages", msgs.History)
		r.POST("/rooms/:room_id/messages", msgs.PostMessage)
		r.DELETE("/rooms/:room_id/messages/:message_id", msgs.DeleteMessage)
		r.GET("/messages/pending", msgs.Pending)
		r.POST("/messages/:message_id/delivered", msgs.Delivered)
	}
	if calls != nil {
		r.GET("/rooms/:room_id/calls", calls.History)
	}
	if keys != nil {
		r.POST("/e2ee/devices", keys.RegisterDevice)
		r.GET("/e2ee/users/:user/devices", keys.ListDevices)
		r.POST("/e2ee/users/:user/devices/:device_id/claim", keys.ClaimBundle)
		r.GET("/rtc/turn", keys.TURNCredentials)
	}
	return r
}

func do(r *gin.Engine, method, path string, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestStatusMapping(t *testing.T) {
	cases := map[error]int{
		fmt.Errorf("%w: x", apperr.ErrInvalidRequest): http.StatusBadRequest,
		fmt.Errorf("%w: x", apperr.ErrForbidden):      http.StatusForbidden,
		fmt.Errorf("%w: x", apperr.ErrNotFound):       http.StatusNotFound,
		fmt.Errorf("%w: x", apperr.ErrBusy):           http.StatusConflict,
		fmt.Errorf("%w: x", apperr.ErrRateLimited):    http.StatusTooManyRequests,
		assert.AnError: http.StatusInternalServerError,
	}
	for err, status := range cases {
		assert.Equal(t, status, statusFor(err), err.Error())
	}
}

func TestPostMessage(t *testing.T) {
	svc := new(mocks.MessageServiceMock)
	router := setupRouter(NewMessageHandler(svc, new(mocks.InboxServiceMock)), nil, nil)

	body := "hello"
	req := delivery.SendRequest{MessageID: "m-1", Type: "text", Body: &body}
	stored := models.RoomMessage{RoomID: 5, MessageID: "m-1", SenderID: 1, Body: &body}
	svc.On("Accept", mock.Anything, int64(5), int64(1), req).
		Return(delivery.Accepted{Message: stored}, nil).Once()
	svc.On("Accept", mock.Anything, int64(5), int64(1), req).
		Return(delivery.Accepted{Message: stored, Duplicate: true}, nil).Once()

	rec := do(router, http.MethodPost, "/rooms/5/messages", `{"message_id":"m-1","type":"text","body":"hello"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, rec.Body.String(), `"message_id":"m-1"`)

	rec = do(router, http.MethodPost, "/rooms/5/messages", `{"message_id":"m-1","type":"text","body":"hello"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"message_id":"m-1"`)
	svc.AssertExpectations(t)
}

func TestPostMessageErrors(t *testing.T) {
	svc := new(mocks.MessageServiceMock)
	router := setupRouter(NewMessageHandler(svc, new(mocks.InboxServiceMock)), nil, nil)

	rec := do(router, http.MethodPost, "/rooms/abc/messages", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	svc.On("Accept", mock.Anything, int64(5), int64(1), mock.Anything).
		Return(nil, fmt.Errorf("%w: not a member of room 5", apperr.ErrForbidden)).Once()
	rec = do(router, http.MethodPost, "/rooms/5/messages", `{"message_id":"m","type":"text","body":"x"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "FORBIDDEN")

	svc.On("Accept", mock.Anything, int64(6), int64(1), mock.Anything).
		Return(nil, assert.AnError).Once()
	rec = do(router, http.MethodPost, "/rooms/6/messages", `{"message_id":"m","type":"text","body":"x"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), assert.AnError.Error())
}

func TestHistoryCursor(t *testing.T) {
	svc := new(mocks.MessageServiceMock)
	router := setupRouter(NewMessageHandler(svc, new(mocks.InboxServiceMock)), nil, nil)

	ts := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	svc.On("History", mock.Anything, int64(3), int64(1), &models.Cursor{ServerTimestamp: ts, MessageID: "m-9"}, 2).
		Return([]models.RoomMessage{{MessageID: "m-8", ServerTimestamp: ts.Add(-time.Second)}, {MessageID: "m-7", ServerTimestamp: ts.Add(-2 * time.Second)}}, nil).Once()

	rec := do(router, http.MethodGet, "/rooms/3/messages?before_ts=2026-05-01T09:00:00Z&before_id=m-9&limit=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Messages     []models.RoomMessage `json:"messages"`
		NextBeforeID string               `json:"next_before_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Messages, 2)
	assert.Equal(t, "m-7", resp.NextBeforeID)

	rec = do(router, http.MethodGet, "/rooms/3/messages?before_ts=2026-05-01T09:00:00Z", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	svc.AssertExpectations(t)
}

func TestDeleteMessage(t *testing.T) {
	svc := new(mocks.MessageServiceMock)
	router := setupRouter(NewMessageHandler(svc, new(mocks.InboxServiceMock)), nil, nil)

	svc.On("DeleteMessage", mock.Anything, int64(3), "m-1", int64(1), true).Return(nil).Once()
	svc.On("DeleteMessage", mock.Anything, int64(3), "m-2", int64(1), false).
		Return(fmt.Errorf("%w: message m-2", apperr.ErrNotFound)).Once()

	assert.Equal(t, http.StatusNoContent, do(router, http.MethodDelete, "/rooms/3/messages/m-1?all=true", "").Code)
	assert.Equal(t, http.StatusNotFound, do(router, http.MethodDelete, "/rooms/3/messages/m-2", "").Code)
	svc.AssertExpectations(t)
}

func TestPendingAndDelivered(t *testing.T) {
	inbox := new(mocks.InboxServiceMock)
	router := setupRouter(NewMessageHandler(new(mocks.MessageServiceMock), inbox), nil, nil)

	since := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	inbox.On("PendingMessages", mock.Anything, int64(1), &since).
		Return([]models.MessageEvent{{Type: "message.created", RoomID: 1, PeerID: 2}}, nil).Once()
	inbox.On("PendingMessages", mock.Anything, int64(1), (*time.Time)(nil)).Return(nil, nil).Once()
	inbox.On("MarkDeliveredInRoom", mock.Anything, int64(0), "m-1", int64(1), "phone", true).Return(nil).Once()
	inbox.On("MarkDeliveredInRoom", mock.Anything, int64(4), "m-2", int64(1), "phone", false).Return(nil).Once()

	rec := do(router, http.MethodGet, "/messages/pending?since=2026-05-01T09:00:00Z", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"peer_id":2`)

	rec = do(router, http.MethodGet, "/messages/pending", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"messages":[]}`, rec.Body.String())

	assert.Equal(t, http.StatusBadRequest, do(router, http.MethodGet, "/messages/pending?since=yesterday", "").Code)

	rec = do(router, http.MethodPost, "/messages/m-1/delivered", `{"read":true,"device_id":"phone"}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = do(router, http.MethodPost, "/messages/m-2/delivered", `{"room_id":4,"device_id":"phone"}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	inbox.AssertExpectations(t)
}

func TestCallHistory(t *testing.T) {
	calls := new(mocks.CallHistoryMock)
	router := setupRouter(nil, NewCallHandler(calls), nil)

	calls.On("History", mock.Anything, int64(2), int64(1), 0).
		Return([]models.CallSession{{ID: "c-1", RoomID: 2, State: models.CallEnded}}, nil).Once()
	calls.On("History", mock.Anything, int64(9), int64(1), 0).
		Return(nil, fmt.Errorf("%w: room 9", apperr.ErrNotFound)).Once()

	rec := do(router, http.MethodGet, "/rooms/2/calls", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"id":"c-1"`)
	assert.Equal(t, http.StatusNotFound, do(router, http.MethodGet, "/rooms/9/calls", "").Code)
	calls.AssertExpectations(t)
}

func TestRegisterDevice(t *testing.T) {
	keys := new(mocks.KeyServiceMock)
	router := setupRouter(nil, nil, NewKeyHandler(keys, new(mocks.UserDirectoryMock), new(mocks.TURNIssuerMock)))

	keys.On("Register", mock.Anything, int64(1), mock.MatchedBy(func(r e2ee.RegisterRequest) bool { return r.DeviceID == "good" })).Return(true, nil).Once()
	keys.On("Register", mock.Anything, int64(1), mock.MatchedBy(func(r e2ee.RegisterRequest) bool { return r.DeviceID == "forged" })).Return(false, nil).Once()
	keys.On("Register", mock.Anything, int64(1), mock.MatchedBy(func(r e2ee.RegisterRequest) bool { return r.DeviceID == "junk" })).
		Return(false, fmt.Errorf("%w: identity_key_pub is not valid base64", apperr.ErrInvalidRequest)).Once()

	assert.Equal(t, http.StatusOK, do(router, http.MethodPost, "/e2ee/devices", `{"device_id":"good"}`).Code)
	assert.Equal(t, http.StatusUnprocessableEntity, do(router, http.MethodPost, "/e2ee/devices", `{"device_id":"forged"}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(router, http.MethodPost, "/e2ee/devices", `{"device_id":"junk"}`).Code)
	keys.AssertExpectations(t)
}

func TestClaimAndListDevices(t *testing.T) {
	keys := new(mocks.KeyServiceMock)
	users := new(mocks.UserDirectoryMock)
	router := setupRouter(nil, nil, NewKeyHandler(keys, users, new(mocks.TURNIssuerMock)))

	keyID := int64(4)
	pub := "cHVi"
	users.On("FindUserID", mock.Anything, "bob").Return(int64(2), nil)
	users.On("FindUserID", mock.Anything, "ghost").Return(int64(0), fmt.Errorf("%w: user ghost", apperr.ErrNotFound))
	keys.On("ClaimOneTimePrekey", mock.Anything, int64(2), "phone").
		Return(e2ee.Bundle{UserID: 2, DeviceID: "phone", OneTimePrekeyID: &keyID, OneTimePrekeyPub: &pub}, nil).Once()
	keys.On("ListDevices", mock.Anything, int64(2)).Return([]e2ee.DeviceInfo{{DeviceID: "phone", AvailablePrekeys: 3}}, nil).Once()

	rec := do(router, http.MethodPost, "/e2ee/users/bob/devices/phone/claim", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"one_time_prekey_id":4`)

	rec = do(router, http.MethodGet, "/e2ee/users/bob/devices", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"available_prekeys":3`)

	assert.Equal(t, http.StatusNotFound, do(router, http.MethodGet, "/e2ee/users/ghost/devices", "").Code)
	keys.AssertExpectations(t)
}

func TestTURNCredentials(t *testing.T) {
	turn := new(mocks.TURNIssuerMock)
	router := setupRouter(nil, nil, NewKeyHandler(new(mocks.KeyServiceMock), new(mocks.UserDirectoryMock), turn))

	turn.On("Issue", int64(1)).Return(rtc.TURNCredentials{Username: "1714568400:1", Password: "pw", TTL: 3600}).Once()

	rec := do(router, http.MethodGet, "/rtc/turn", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"username":"1714568400:1"`)
	turn.AssertExpectations(t)
}

func TestDebugRoutes(t *testing.T) {
	emitter := new(mocks.AuditorMock)
	emitter.On("Emit", mock.Anything, "info", "audit test", "req-7", mock.MatchedBy(func(id *int64) bool { return id != nil && *id == 1 }), map[string]any(nil)).Once()

	r := setupRouter(nil, nil, nil)
	RegisterDebugRoutes(r, emitter, func() map[string]any { return map[string]any{"connected_users": 3} }, true)

	req := httptest.NewRequest(http.MethodGet, "/debug/audit-test", nil)
	req.Header.Set("X-Request-Id", "req-7")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	emitter.AssertExpectations(t)

	rec = do(r, http.MethodGet, "/debug/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"connected_users":3}`, rec.Body.String())

	disabled := setupRouter(nil, nil, nil)
	RegisterDebugRoutes(disabled, emitter, nil, false)
	assert.Equal(t, http.StatusNotFound, do(disabled, http.MethodGet, "/debug/audit-test", "").Code)
}
