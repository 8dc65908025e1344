package push

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// MockProvider always succeeds. It records sends so tests can inspect them.
type MockProvider struct {
	logger *zap.Logger

	mu    sync.Mutex
	sends []MockSend
}

// MockSend is one recorded call.
type MockSend struct {
	DeviceToken   string
	Data          Data
	CorrelationID string
}

func NewMockProvider(logger *zap.Logger) *MockProvider {
	return &MockProvider{logger: logger}
}

func (m *MockProvider) Name() string { return ProviderMock }

func (m *MockProvider) Send(ctx context.Context, deviceToken string, data Data, correlationID string) (Result, error) {
	m.mu.Lock()
	m.sends = append(m.sends, MockSend{DeviceToken: deviceToken, Data: data, CorrelationID: correlationID})
	m.mu.Unlock()

	m.logger.Info("mock notification sent",
		zap.String("correlation_id", correlationID),
		zap.String("device_token", deviceToken),
		zap.String("title", data.Title),
	)

	return Result{
		Success:   true,
		Provider:  ProviderMock,
		MessageID: "mock_" + correlationID,
	}, nil
}

// Sends returns a copy of the recorded calls.
func (m *MockProvider) Sends() []MockSend {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockSend, len(m.sends))
	copy(out, m.sends)
	return out
}
