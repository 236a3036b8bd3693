package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"
)

type AuditorMock struct {
	mock.Mock
}

func (m *AuditorMock) Emit(ctx context.Context, level, text, requestID string, userID *int64, fields map[string]any) {
	m.Called(ctx, level, text, requestID, userID, fields)
}
