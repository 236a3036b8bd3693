package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"rtc-service/internal/observability"
)

// PublisherMock records notifications; Events replays the envelopes sent to a
// routing key.
type PublisherMock struct {
	mock.Mock
}

func (m *PublisherMock) Publish(ctx context.Context, routingKey string, event any) error {
	args := m.Called(ctx, routingKey, event)
	return args.Error(0)
}

func (m *PublisherMock) Close() error {
	args := m.Called()
	return args.Error(0)
}

func (m *PublisherMock) Events(routingKey string) []observability.EventEnvelope {
	var out []observability.EventEnvelope
	for _, call := range m.Calls {
		if call.Method != "Publish" || call.Arguments.String(1) != routingKey {
			continue
		}
		if env, ok := call.Arguments.Get(2).(observability.EventEnvelope); ok {
			out = append(out, env)
		}
	}
	return out
}
