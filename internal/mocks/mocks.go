package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"rtc-service/internal/delivery"
	"rtc-service/internal/e2ee"
	"rtc-service/internal/models"
	"rtc-service/internal/rtc"
)

type MessageServiceMock struct {
	mock.Mock
}

func (m *MessageServiceMock) Accept(ctx context.Context, roomID, senderID int64, req delivery.SendRequest) (delivery.Accepted, error) {
	args := m.Called(ctx, roomID, senderID, req)
	var res delivery.Accepted
	if val := args.Get(0); val != nil {
		res = val.(delivery.Accepted)
	}
	return res, args.Error(1)
}

func (m *MessageServiceMock) History(ctx context.Context, roomID, userID int64, cursor *models.Cursor, limit int) ([]models.RoomMessage, error) {
	args := m.Called(ctx, roomID, userID, cursor, limit)
	var msgs []models.RoomMessage
	if val := args.Get(0); val != nil {
		msgs = val.([]models.RoomMessage)
	}
	return msgs, args.Error(1)
}

func (m *MessageServiceMock) DeleteMessage(ctx context.Context, roomID int64, messageID string, userID int64, forAll bool) error {
	args := m.Called(ctx, roomID, messageID, userID, forAll)
	return args.Error(0)
}

type InboxServiceMock struct {
	mock.Mock
}

func (m *InboxServiceMock) PendingMessages(ctx context.Context, userID int64, since *time.Time) ([]models.MessageEvent, error) {
	args := m.Called(ctx, userID, since)
	var events []models.MessageEvent
	if val := args.Get(0); val != nil {
		events = val.([]models.MessageEvent)
	}
	return events, args.Error(1)
}

func (m *InboxServiceMock) MarkDeliveredInRoom(ctx context.Context, roomID int64, messageID string, userID int64, deviceID string, read bool) error {
	args := m.Called(ctx, roomID, messageID, userID, deviceID, read)
	return args.Error(0)
}

type CallHistoryMock struct {
	mock.Mock
}

func (m *CallHistoryMock) History(ctx context.Context, roomID, userID int64, limit int) ([]models.CallSession, error) {
	args := m.Called(ctx, roomID, userID, limit)
	var out []models.CallSession
	if val := args.Get(0); val != nil {
		out = val.([]models.CallSession)
	}
	return out, args.Error(1)
}

type KeyServiceMock struct {
	mock.Mock
}

func (m *KeyServiceMock) Register(ctx context.Context, userID int64, req e2ee.RegisterRequest) (bool, error) {
	args := m.Called(ctx, userID, req)
	return args.Bool(0), args.Error(1)
}

func (m *KeyServiceMock) ClaimOneTimePrekey(ctx context.Context, targetUserID int64, deviceID string) (e2ee.Bundle, error) {
	args := m.Called(ctx, targetUserID, deviceID)
	var bundle e2ee.Bundle
	if val := args.Get(0); val != nil {
		bundle = val.(e2ee.Bundle)
	}
	return bundle, args.Error(1)
}

func (m *KeyServiceMock) ListDevices(ctx context.Context, userID int64) ([]e2ee.DeviceInfo, error) {
	args := m.Called(ctx, userID)
	var out []e2ee.DeviceInfo
	if val := args.Get(0); val != nil {
		out = val.([]e2ee.DeviceInfo)
	}
	return out, args.Error(1)
}

type UserDirectoryMock struct {
	mock.Mock
}

func (m *UserDirectoryMock) FindUserID(ctx context.Context, handle string) (int64, error) {
	args := m.Called(ctx, handle)
	return args.Get(0).(int64), args.Error(1)
}

type TURNIssuerMock struct {
	mock.Mock
}

func (m *TURNIssuerMock) Issue(userID int64) rtc.TURNCredentials {
	args := m.Called(userID)
	return args.Get(0).(rtc.TURNCredentials)
}
