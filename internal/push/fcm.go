package push

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/errorutils"
	"firebase.google.com/go/v4/messaging"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

// fcmSender is the part of messaging.Client the provider uses.
type fcmSender interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// FCMProvider sends pushes through Firebase Cloud Messaging.
type FCMProvider struct {
	client fcmSender
	logger *zap.Logger
}

// NewFCMProvider initialises a Firebase app from a service account file.
func NewFCMProvider(ctx context.Context, credentialsPath string, logger *zap.Logger) (*FCMProvider, error) {
	if credentialsPath == "" {
		return nil, fmt.Errorf("firebase credentials path not set")
	}
	if _, err := os.Stat(credentialsPath); err != nil {
		return nil, fmt.Errorf("firebase credentials file: %w", err)
	}

	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(credentialsPath))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize firebase app: %w", err)
	}

	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get firebase messaging client: %w", err)
	}

	return newFCMProvider(client, logger), nil
}

func newFCMProvider(client fcmSender, logger *zap.Logger) *FCMProvider {
	return &FCMProvider{client: client, logger: logger}
}

func (p *FCMProvider) Name() string { return ProviderFCM }

func (p *FCMProvider) Send(ctx context.Context, deviceToken string, data Data, correlationID string) (Result, error) {
	msg := &messaging.Message{
		Token: deviceToken,
		Notification: &messaging.Notification{
			Title:    data.Title,
			Body:     data.Body,
			ImageURL: data.ImageURL,
		},
		Data: stringifyData(data.Data, correlationID),
		Android: &messaging.AndroidConfig{
			Priority: "high",
			Notification: &messaging.AndroidNotification{
				ClickAction: data.ClickAction,
			},
		},
		APNS: &messaging.APNSConfig{
			Headers: map[string]string{"apns-priority": "10"},
			Payload: &messaging.APNSPayload{
				Aps: &messaging.Aps{
					Alert: &messaging.ApsAlert{Title: data.Title, Body: data.Body},
					Sound: "default",
				},
			},
		},
	}

	id, err := p.client.Send(ctx, msg)
	if err != nil {
		retryable := !(messaging.IsUnregistered(err) || errorutils.IsInvalidArgument(err))
		p.logger.Error("fcm notification failed",
			zap.String("correlation_id", correlationID),
			zap.Bool("retryable", retryable),
			zap.Error(err),
		)
		return Result{Success: false, Provider: ProviderFCM, Error: err.Error(), Retryable: retryable}, nil
	}

	p.logger.Info("fcm notification sent",
		zap.String("correlation_id", correlationID),
		zap.String("message_id", id),
	)
	return Result{Success: true, Provider: ProviderFCM, MessageID: id}, nil
}

// stringifyData flattens the payload into the string map FCM requires.
func stringifyData(in map[string]any, correlationID string) map[string]string {
	out := make(map[string]string, len(in)+1)
	for k, v := range in {
		switch val := v.(type) {
		case string:
			out[k] = val
		default:
			b, err := json.Marshal(val)
			if err != nil {
				out[k] = fmt.Sprint(val)
				continue
			}
			out[k] = string(b)
		}
	}
	if correlationID != "" {
		out["correlation_id"] = correlationID
	}
	return out
}
