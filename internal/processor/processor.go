// Package processor runs one notification through its lifecycle: persist as
// pending, dispatch through the breaker-protected provider, record the
// outcome and publish a status event.
package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/pushrelay/internal/circuitbreaker"
	"github.com/lalithlochan/pushrelay/internal/db"
	"github.com/lalithlochan/pushrelay/internal/metrics"
	"github.com/lalithlochan/pushrelay/internal/push"
	"github.com/lalithlochan/pushrelay/internal/queue"
)

// Result messages.
const (
	MessageProcessed = "Notification processed successfully"
	MessageFailed    = "Notification failed"
	MessageErrored   = "Notification processing failed"
)

// Store is the persistence the processor needs.
type Store interface {
	CreateNotification(ctx context.Context, n *db.Notification) error
	UpdateStatus(ctx context.Context, u db.StatusUpdate) (*db.Notification, error)
	AppendLog(ctx context.Context, l *db.NotificationLog) error
}

// Sender dispatches a notification with retry and breaker protection.
type Sender interface {
	Name() string
	Send(ctx context.Context, deviceToken string, data push.Data, correlationID string) (circuitbreaker.Delivery, error)
}

// StatusPublisher emits status events. Implementations never fail the caller.
type StatusPublisher interface {
	PublishStatus(ctx context.Context, notificationID, status, errMsg, correlationID string)
}

// Result summarises one Process call.
type Result struct {
	NotificationID string `json:"notification_id"`
	Success        bool   `json:"success"`
	Message        string `json:"message"`
	Error          string `json:"error,omitempty"`
}

// Processor is long-lived and shared by every message; the sender's breaker
// therefore accumulates failures across requests.
type Processor struct {
	store     Store
	sender    Sender
	publisher StatusPublisher
	logger    *zap.Logger
}

// New creates a processor.
func New(store Store, sender Sender, publisher StatusPublisher, logger *zap.Logger) *Processor {
	return &Processor{
		store:     store,
		sender:    sender,
		publisher: publisher,
		logger:    logger,
	}
}

// Process delivers req to deviceToken. It never returns an error: failures,
// including panics, are recorded on the notification and reported in Result.
func (p *Processor) Process(ctx context.Context, req *queue.NotificationRequest, deviceToken, correlationID string) (res Result) {
	id := uuid.New()
	res.NotificationID = id.String()

	log := p.logger.With(
		zap.String("notification_id", res.NotificationID),
		zap.String("correlation_id", correlationID),
		zap.String("user_id", req.UserID),
	)

	// persisted is the terminal status once it is stored; a later panic must
	// not report a different outcome than the record holds.
	var persisted, errMsg string
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic while processing notification", zap.Any("panic", r), zap.String("persisted_status", persisted))
			if persisted != "" {
				res = settled(id, persisted, errMsg)
				return
			}
			res = p.fail(ctx, id, fmt.Sprintf("panic: %v", r), correlationID, log)
		}
	}()

	n, err := newNotification(id, req, deviceToken)
	if err != nil {
		return p.fail(ctx, id, err.Error(), correlationID, log)
	}
	if err := p.store.CreateNotification(ctx, n); err != nil {
		log.Error("failed to create notification record", zap.Error(err))
		return p.fail(ctx, id, err.Error(), correlationID, log)
	}
	p.appendLog(ctx, id, db.StatusPending, "", nil, log)

	delivery, sendErr := p.sender.Send(ctx, deviceToken, pushData(req), correlationID)

	status := db.StatusDelivered
	if sendErr != nil || !delivery.Result.Success {
		status = db.StatusFailed
		errMsg = delivery.Result.Error
		if errMsg == "" && sendErr != nil {
			errMsg = sendErr.Error()
		}
		if errMsg == "" {
			errMsg = "unknown provider error"
		}
	}

	retries := delivery.Retries()
	updated, err := p.store.UpdateStatus(ctx, db.StatusUpdate{
		ID:           id,
		Status:       status,
		RetryCount:   &retries,
		ErrorMessage: errMsg,
	})
	if err != nil {
		log.Error("failed to update notification status", zap.Error(err), zap.String("status", status))
		return p.fail(ctx, id, err.Error(), correlationID, log)
	}
	persisted = updated.Status

	p.appendLog(ctx, id, status, errMsg, map[string]any{
		"provider":   delivery.Result.Provider,
		"message_id": delivery.Result.MessageID,
		"attempts":   delivery.Attempts,
	}, log)
	p.publisher.PublishStatus(ctx, res.NotificationID, updated.Status, errMsg, correlationID)
	metrics.RecordNotificationProcessed(status, p.sender.Name())

	if status == db.StatusDelivered {
		log.Info("notification delivered",
			zap.String("provider", delivery.Result.Provider),
			zap.String("message_id", delivery.Result.MessageID),
			zap.Int("retry_count", retries),
		)
		return settled(id, status, "")
	}

	log.Warn("notification failed",
		zap.String("error", errMsg),
		zap.Int("retry_count", retries),
		zap.Bool("breaker_open", errors.Is(sendErr, circuitbreaker.ErrCircuitOpen)),
	)
	return settled(id, status, errMsg)
}

// settled reports a stored terminal status.
func settled(id uuid.UUID, status, errMsg string) Result {
	res := Result{NotificationID: id.String()}
	if status == db.StatusDelivered {
		res.Success = true
		res.Message = MessageProcessed
		return res
	}
	res.Message = MessageFailed
	res.Error = errMsg
	return res
}

// fail forces the notification to failed after an unexpected error.
func (p *Processor) fail(ctx context.Context, id uuid.UUID, errMsg, correlationID string, log *zap.Logger) Result {
	res := Result{
		NotificationID: id.String(),
		Message:        MessageErrored,
		Error:          errMsg,
	}

	// The record may not exist if creation was what failed.
	_, err := p.store.UpdateStatus(ctx, db.StatusUpdate{ID: id, Status: db.StatusFailed, ErrorMessage: errMsg})
	switch {
	case err == nil:
		p.appendLog(ctx, id, db.StatusFailed, errMsg, nil, log)
		p.publisher.PublishStatus(ctx, res.NotificationID, db.StatusFailed, errMsg, correlationID)
	case errors.Is(err, db.ErrNotificationNotFound):
	default:
		log.Error("failed to force notification to failed", zap.Error(err))
	}

	metrics.RecordNotificationProcessed(db.StatusFailed, p.sender.Name())
	return res
}

func (p *Processor) appendLog(ctx context.Context, id uuid.UUID, status, errMsg string, meta map[string]any, log *zap.Logger) {
	entry := &db.NotificationLog{
		NotificationID: id,
		Status:         status,
		Timestamp:      time.Now().UTC(),
	}
	if errMsg != "" {
		entry.ErrorMessage = &errMsg
	}
	if meta != nil {
		if raw, err := json.Marshal(meta); err == nil {
			entry.Metadata = raw
		}
	}
	if err := p.store.AppendLog(ctx, entry); err != nil {
		log.Warn("failed to append notification log", zap.Error(err), zap.String("status", status))
	}
}

func newNotification(id uuid.UUID, req *queue.NotificationRequest, deviceToken string) (*db.Notification, error) {
	data := json.RawMessage("{}")
	if len(req.Variables.Data) > 0 {
		raw, err := json.Marshal(req.Variables.Data)
		if err != nil {
			return nil, fmt.Errorf("encode notification data: %w", err)
		}
		data = raw
	}

	n := &db.Notification{
		ID:           id,
		UserID:       req.UserID,
		DeviceToken:  deviceToken,
		TemplateCode: req.TemplateCode,
		RequestID:    req.RequestID,
		Priority:     req.Priority,
		Title:        req.Variables.TitleOrDefault(),
		Body:         req.Variables.BodyOrDefault(),
		Data:         data,
		Status:       db.StatusPending,
	}
	if v := req.Variables.ImageURL; v != "" {
		n.ImageURL = &v
	}
	if v := req.Variables.ClickAction; v != "" {
		n.ClickURL = &v
	}
	return n, nil
}

func pushData(req *queue.NotificationRequest) push.Data {
	return push.Data{
		Title:       req.Variables.TitleOrDefault(),
		Body:        req.Variables.BodyOrDefault(),
		Data:        req.Variables.Data,
		ImageURL:    req.Variables.ImageURL,
		ClickAction: req.Variables.ClickAction,
	}
}
