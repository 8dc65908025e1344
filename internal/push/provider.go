package push

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Provider names.
const (
	ProviderMock      = "mock"
	ProviderOneSignal = "onesignal"
	ProviderFCM       = "fcm"
)

// Data is the provider-facing content of one notification.
type Data struct {
	Title       string         `json:"title"`
	Body        string         `json:"body"`
	Data        map[string]any `json:"data,omitempty"`
	ImageURL    string         `json:"image_url,omitempty"`
	ClickAction string         `json:"click_action,omitempty"`
}

// Result is the outcome of a single send.
//
// Ordinary delivery failures (bad token, missing credentials, network errors)
// are reported here with Success=false rather than as an error. Retryable marks
// failures that a later attempt may fix.
type Result struct {
	Success   bool   `json:"success"`
	Provider  string `json:"provider"`
	MessageID string `json:"message_id,omitempty"`
	Error     string `json:"error,omitempty"`
	Retryable bool   `json:"-"`
}

// Provider sends a single notification to a device.
type Provider interface {
	Name() string
	Send(ctx context.Context, deviceToken string, data Data, correlationID string) (Result, error)
}

// Config selects and configures a provider.
type Config struct {
	Provider                string
	OneSignalAppID          string
	OneSignalAPIKey         string
	OneSignalURL            string
	FirebaseCredentialsPath string
	Timeout                 time.Duration
}

// NewProvider builds the configured provider. Unknown names fall back to the mock.
func NewProvider(ctx context.Context, cfg Config, logger *zap.Logger) (Provider, error) {
	switch strings.ToLower(cfg.Provider) {
	case ProviderOneSignal:
		return NewOneSignalProvider(OneSignalConfig{
			AppID:   cfg.OneSignalAppID,
			APIKey:  cfg.OneSignalAPIKey,
			BaseURL: cfg.OneSignalURL,
			Timeout: cfg.Timeout,
		}, logger), nil
	case ProviderFCM:
		p, err := NewFCMProvider(ctx, cfg.FirebaseCredentialsPath, logger)
		if err != nil {
			return nil, fmt.Errorf("init fcm provider: %w", err)
		}
		return p, nil
	case ProviderMock, "":
		return NewMockProvider(logger), nil
	default:
		logger.Warn("unknown push provider, using mock", zap.String("provider", cfg.Provider))
		return NewMockProvider(logger), nil
	}
}

// ConfigStatus reports whether the selected provider has its credentials.
func ConfigStatus(cfg Config) string {
	switch strings.ToLower(cfg.Provider) {
	case ProviderOneSignal:
		if cfg.OneSignalAppID == "" || cfg.OneSignalAPIKey == "" {
			return "not configured"
		}
	case ProviderFCM:
		if cfg.FirebaseCredentialsPath == "" {
			return "not configured"
		}
	}
	return "configured"
}
