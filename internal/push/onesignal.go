package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const defaultOneSignalURL = "https://onesignal.com/api/v1"

// OneSignalConfig holds app-level credentials for the OneSignal REST API.
type OneSignalConfig struct {
	AppID   string
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

// OneSignalProvider sends pushes through the OneSignal notifications endpoint.
type OneSignalProvider struct {
	cfg    OneSignalConfig
	client *http.Client
	logger *zap.Logger
}

func NewOneSignalProvider(cfg OneSignalConfig, logger *zap.Logger) *OneSignalProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultOneSignalURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &OneSignalProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

func (p *OneSignalProvider) Name() string { return ProviderOneSignal }

type oneSignalRequest struct {
	AppID            string            `json:"app_id"`
	IncludePlayerIDs []string          `json:"include_player_ids"`
	Headings         map[string]string `json:"headings"`
	Contents         map[string]string `json:"contents"`
	Data             map[string]any    `json:"data"`
	BigPicture       string            `json:"big_picture,omitempty"`
	URL              string            `json:"url,omitempty"`
}

type oneSignalResponse struct {
	ID     string          `json:"id"`
	Errors json.RawMessage `json:"errors,omitempty"`
}

// Send never returns an error; every outcome is described by the Result.
func (p *OneSignalProvider) Send(ctx context.Context, deviceToken string, data Data, correlationID string) (Result, error) {
	if p.cfg.AppID == "" || p.cfg.APIKey == "" {
		return p.failure("OneSignal credentials not configured", false), nil
	}

	payload := oneSignalRequest{
		AppID:            p.cfg.AppID,
		IncludePlayerIDs: []string{deviceToken},
		Headings:         map[string]string{"en": data.Title},
		Contents:         map[string]string{"en": data.Body},
		Data:             data.Data,
		BigPicture:       data.ImageURL,
		URL:              data.ClickAction,
	}
	if payload.Data == nil {
		payload.Data = map[string]any{}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return p.failure(fmt.Sprintf("encode request: %v", err), false), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/notifications", bytes.NewReader(body))
	if err != nil {
		return p.failure(fmt.Sprintf("build request: %v", err), false), nil
	}
	req.Header.Set("Authorization", "Basic "+p.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Error("onesignal request failed",
			zap.String("correlation_id", correlationID),
			zap.Error(err),
		)
		return p.failure(fmt.Sprintf("onesignal request failed: %v", err), true), nil
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var out oneSignalResponse
	_ = json.Unmarshal(raw, &out)

	if resp.StatusCode == http.StatusOK && out.ID != "" {
		p.logger.Info("onesignal notification sent",
			zap.String("correlation_id", correlationID),
			zap.String("message_id", out.ID),
		)
		return Result{Success: true, Provider: ProviderOneSignal, MessageID: out.ID}, nil
	}

	msg := "Unknown error"
	if len(out.Errors) > 0 && string(out.Errors) != "null" {
		msg = string(out.Errors)
	} else if resp.StatusCode != http.StatusOK {
		msg = fmt.Sprintf("onesignal returned status %d", resp.StatusCode)
	}

	p.logger.Error("onesignal notification failed",
		zap.String("correlation_id", correlationID),
		zap.Int("status_code", resp.StatusCode),
		zap.String("response_preview", string(raw)),
	)

	retryable := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
	return p.failure(msg, retryable), nil
}

func (p *OneSignalProvider) failure(msg string, retryable bool) Result {
	return Result{Success: false, Provider: ProviderOneSignal, Error: msg, Retryable: retryable}
}
