// Package queue defines the push service's wire formats and the transport
// contracts the broker adapters implement.
package queue

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// ServiceName is stamped on every outbound message.
const ServiceName = "push-service"

const (
	DefaultTitle = "Notification"
	DefaultBody  = "You have a new notification"
)

// ErrInvalidMessage wraps parse and validation failures.
var ErrInvalidMessage = errors.New("invalid notification request")

var validate = validator.New()

// NotificationRequest is an inbound message from the push queue.
type NotificationRequest struct {
	NotificationType string         `json:"notification_type" validate:"required,oneof=push"`
	UserID           string         `json:"user_id" validate:"required"`
	TemplateCode     string         `json:"template_code" validate:"required"`
	Variables        Variables      `json:"variables"`
	RequestID        string         `json:"request_id" validate:"required"`
	Priority         int            `json:"priority" validate:"required,min=1,max=5"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// Variables carries the rendered content.
type Variables struct {
	Title       string         `json:"title,omitempty"`
	Body        string         `json:"body,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	ImageURL    string         `json:"image_url,omitempty" validate:"omitempty,url"`
	ClickAction string         `json:"click_action,omitempty"`
}

// TitleOrDefault returns the title, or DefaultTitle when blank.
func (v Variables) TitleOrDefault() string {
	if strings.TrimSpace(v.Title) == "" {
		return DefaultTitle
	}
	return v.Title
}

// BodyOrDefault returns the body, or DefaultBody when blank.
func (v Variables) BodyOrDefault() string {
	if strings.TrimSpace(v.Body) == "" {
		return DefaultBody
	}
	return v.Body
}

// Validate checks the request shape.
func (r *NotificationRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalidMessage, strings.Join(fields, "; "))
		}
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return nil
}

// ParseRequest decodes and validates an inbound message body.
func ParseRequest(body []byte) (*NotificationRequest, error) {
	var req NotificationRequest
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(&req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: trailing data after JSON object", ErrInvalidMessage)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return &req, nil
}

// StatusMessage is published on the status queue after each outcome.
type StatusMessage struct {
	NotificationID string `json:"notification_id"`
	Status         string `json:"status"`
	Service        string `json:"service"`
	Timestamp      string `json:"timestamp"`
	Error          string `json:"error,omitempty"`
}

// FailedMessage is published on the failed queue. OriginalMessage keeps the
// inbound payload verbatim when it was valid JSON, otherwise it is {}.
type FailedMessage struct {
	OriginalMessage json.RawMessage `json:"original_message"`
	Error           string          `json:"error"`
	Service         string          `json:"service"`
	FailedAt        string          `json:"failed_at"`
	CorrelationID   string          `json:"correlation_id,omitempty"`
}

// NewStatusMessage builds a status event stamped at now.
func NewStatusMessage(notificationID, status, errMsg string, now time.Time) StatusMessage {
	return StatusMessage{
		NotificationID: notificationID,
		Status:         status,
		Service:        ServiceName,
		Timestamp:      now.UTC().Format(time.RFC3339),
		Error:          errMsg,
	}
}

// NewFailedMessage builds a dead-letter record stamped at now.
func NewFailedMessage(original []byte, errMsg, correlationID string, now time.Time) FailedMessage {
	raw := json.RawMessage("{}")
	trimmed := bytes.TrimSpace(original)
	if len(trimmed) > 0 && json.Valid(trimmed) {
		raw = json.RawMessage(trimmed)
	}
	return FailedMessage{
		OriginalMessage: raw,
		Error:           errMsg,
		Service:         ServiceName,
		FailedAt:        now.UTC().Format(time.RFC3339),
		CorrelationID:   correlationID,
	}
}
