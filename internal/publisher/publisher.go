// Package publisher emits status and failed-message events. Publishing is
// best-effort: errors are logged and swallowed so a broker outage degrades
// observability without affecting processing.
package publisher

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/pushrelay/internal/metrics"
	"github.com/lalithlochan/pushrelay/internal/queue"
)

// Queues names the outbound destinations.
type Queues struct {
	Status string
	Failed string
}

// StatusPublisher writes status events and dead letters to the broker.
// Status events are also copied to any fan-out sinks.
type StatusPublisher struct {
	broker queue.Sink
	fanout queue.MultiSink
	queues Queues
	logger *zap.Logger
	now    func() time.Time
}

// Option customises a StatusPublisher.
type Option func(*StatusPublisher)

// WithStatusFanout copies every status event to sinks. The publisher owns
// them and closes them on Close.
func WithStatusFanout(sinks ...queue.Sink) Option {
	return func(p *StatusPublisher) { p.fanout = append(p.fanout, sinks...) }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *StatusPublisher) { p.now = now }
}

// New creates a publisher. The broker is borrowed, not closed.
func New(broker queue.Sink, queues Queues, logger *zap.Logger, opts ...Option) *StatusPublisher {
	p := &StatusPublisher{
		broker: broker,
		queues: queues,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// PublishStatus emits a status update for notificationID.
func (p *StatusPublisher) PublishStatus(ctx context.Context, notificationID, status, errMsg, correlationID string) {
	msg := queue.NewStatusMessage(notificationID, status, errMsg, p.now())
	body, err := json.Marshal(msg)
	if err != nil {
		p.logger.Error("failed to marshal status message", zap.Error(err))
		return
	}

	sinks := append(queue.MultiSink{p.broker}, p.fanout...)
	if err := sinks.Publish(ctx, p.queues.Status, body, correlationID); err != nil {
		p.logger.Error("failed to publish status update",
			zap.Error(err),
			zap.String("notification_id", notificationID),
			zap.String("status", status),
			zap.String("correlation_id", correlationID),
		)
		return
	}

	p.logger.Debug("status update published",
		zap.String("notification_id", notificationID),
		zap.String("status", status),
	)
}

// PublishFailed routes original to the failed queue with errMsg. An original
// payload that is not valid JSON is recorded as {}.
func (p *StatusPublisher) PublishFailed(ctx context.Context, original []byte, errMsg, correlationID string) {
	msg := queue.NewFailedMessage(original, errMsg, correlationID, p.now())
	body, err := json.Marshal(msg)
	if err != nil {
		p.logger.Error("failed to marshal failed message", zap.Error(err))
		return
	}

	metrics.RecordDeadLetter(reason(errMsg))

	if err := p.broker.Publish(ctx, p.queues.Failed, body, correlationID); err != nil {
		p.logger.Error("failed to publish to failed queue",
			zap.Error(err),
			zap.String("reason", errMsg),
			zap.String("correlation_id", correlationID),
		)
		return
	}

	p.logger.Warn("message routed to failed queue",
		zap.String("reason", errMsg),
		zap.String("correlation_id", correlationID),
	)
}

// Close closes the fan-out sinks.
func (p *StatusPublisher) Close() error {
	return p.fanout.Close()
}

// Dead-letter reasons, kept low-cardinality for the metric label.
const (
	ReasonNoDeviceToken     = "No device token found"
	ReasonDuplicateInFlight = "Duplicate request already in flight"
	reasonLabelInvalid      = "invalid_message"
	reasonLabelNoToken      = "no_device_token"
	reasonLabelInFlight     = "duplicate_in_flight"
	reasonLabelProcessing   = "processing_failed"
)

func reason(errMsg string) string {
	switch {
	case errMsg == ReasonNoDeviceToken:
		return reasonLabelNoToken
	case errMsg == ReasonDuplicateInFlight:
		return reasonLabelInFlight
	case strings.HasPrefix(errMsg, queue.ErrInvalidMessage.Error()):
		return reasonLabelInvalid
	default:
		return reasonLabelProcessing
	}
}
