package db

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Notification is one push notification record (push_notifications).
type Notification struct {
	ID           uuid.UUID       `json:"id"`
	UserID       string          `json:"user_id"`
	DeviceToken  string          `json:"device_token"`
	TemplateCode string          `json:"template_code"`
	RequestID    string          `json:"request_id"`
	Priority     int             `json:"priority"`
	Title        string          `json:"title"`
	Body         string          `json:"body"`
	Data         json.RawMessage `json:"data"`
	ImageURL     *string         `json:"image_url,omitempty"`
	ClickURL     *string         `json:"click_url,omitempty"`
	Status       string          `json:"status"`
	RetryCount   int             `json:"retry_count"`
	ErrorMessage *string         `json:"error_message,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	DeliveredAt  *time.Time      `json:"delivered_at,omitempty"`
	FailedAt     *time.Time      `json:"failed_at,omitempty"`
}

// NotificationLog is one append-only status history entry (push_notification_logs).
type NotificationLog struct {
	ID             uuid.UUID       `json:"id"`
	NotificationID uuid.UUID       `json:"notification_id"`
	Status         string          `json:"status"`
	Timestamp      time.Time       `json:"timestamp"`
	ErrorMessage   *string         `json:"error_message,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
}

// Status constants
const (
	StatusPending   = "pending"
	StatusDelivered = "delivered"
	StatusFailed    = "failed"
)

// StatusUpdate moves a notification to a new status.
type StatusUpdate struct {
	ID           uuid.UUID
	Status       string
	RetryCount   *int   // nil leaves retry_count unchanged
	ErrorMessage string // stored only for failed
}

var (
	ErrNotificationNotFound = errors.New("notification not found")
	ErrInvalidTransition    = errors.New("invalid status transition")
	ErrInvalidStatus        = errors.New("invalid status")
)

// ValidStatus reports whether s is a known status.
func ValidStatus(s string) bool {
	switch s {
	case StatusPending, StatusDelivered, StatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether s is delivered or failed.
func IsTerminal(s string) bool {
	return s == StatusDelivered || s == StatusFailed
}

// CheckTransition decides whether from -> to may be applied.
// It returns changed=false with a nil error when the record is already in
// the requested status, so repeating an update is a no-op.
func CheckTransition(from, to string) (changed bool, err error) {
	if !ValidStatus(to) {
		return false, ErrInvalidStatus
	}
	if from == to {
		return false, nil
	}
	if from == StatusPending && IsTerminal(to) {
		return true, nil
	}
	return false, ErrInvalidTransition
}
