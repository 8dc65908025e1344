// Package consumer drives inbound push requests from the broker through the
// processor.
//
// Every delivery is acknowledged exactly once, whatever the outcome. Poison
// and failed messages go to the failed queue instead of being requeued.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/pushrelay/internal/directory"
	"github.com/lalithlochan/pushrelay/internal/metrics"
	"github.com/lalithlochan/pushrelay/internal/processor"
	"github.com/lalithlochan/pushrelay/internal/publisher"
	"github.com/lalithlochan/pushrelay/internal/queue"
	"github.com/lalithlochan/pushrelay/internal/redis"
	"github.com/lalithlochan/pushrelay/internal/retry"
)

// Outcomes, also used as the consumed-message metric label.
const (
	OutcomeProcessed  = "processed"
	OutcomeFailed     = "failed"
	OutcomeInvalid    = "invalid"
	OutcomeSuppressed = "suppressed"
	OutcomeNoToken    = "no_token"
	OutcomeDuplicate  = "duplicate"
	OutcomeInFlight   = "in_flight"
	OutcomePanic      = "panic"
)

// Directory resolves recipient data.
type Directory interface {
	DeviceToken(ctx context.Context, userID string) (string, bool)
	Preferences(ctx context.Context, userID string) directory.Preferences
	Close() error
}

// Processor handles one validated request.
type Processor interface {
	Process(ctx context.Context, req *queue.NotificationRequest, deviceToken, correlationID string) processor.Result
}

// Publisher routes failures to the failed queue.
type Publisher interface {
	PublishFailed(ctx context.Context, original []byte, errMsg, correlationID string)
	Close() error
}

// Idempotency suppresses redelivered requests.
type Idempotency interface {
	CheckOrReserve(ctx context.Context, requestID string) (*redis.IdempotencyResult, error)
	Complete(ctx context.Context, requestID string, result *redis.IdempotencyResult) error
}

// Consumer owns the broker source and the per-message state machine.
type Consumer struct {
	source    queue.Source
	directory Directory
	processor Processor
	publisher Publisher
	dedupe    Idempotency
	logger    *zap.Logger

	reconnect retry.Config
}

// Option customises a Consumer.
type Option func(*Consumer)

// WithIdempotency enables request_id de-duplication.
func WithIdempotency(svc Idempotency) Option {
	return func(c *Consumer) { c.dedupe = svc }
}

// WithReconnectBackoff sets the wait between Consume restarts.
func WithReconnectBackoff(cfg retry.Config) Option {
	return func(c *Consumer) { c.reconnect = cfg }
}

// New creates a consumer.
func New(source queue.Source, dir Directory, proc Processor, pub Publisher, logger *zap.Logger, opts ...Option) *Consumer {
	c := &Consumer{
		source:    source,
		directory: dir,
		processor: proc,
		publisher: pub,
		logger:    logger,
		reconnect: retry.Config{Multiplier: time.Second, MaxWait: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start consumes until ctx is cancelled. A broken broker connection is
// re-established with backoff.
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("push consumer starting")

	for failures := 0; ; {
		err := c.source.Consume(ctx, c.Handle)
		if ctx.Err() != nil {
			c.logger.Info("push consumer stopped")
			return nil
		}
		if err == nil {
			return nil
		}

		failures++
		wait := c.reconnect.Backoff(failures)
		c.logger.Error("consume loop failed, reconnecting",
			zap.Error(err),
			zap.Int("failures", failures),
			zap.Duration("backoff", wait),
		)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// Handle runs one delivery to its terminal outcome and acknowledges it.
func (c *Consumer) Handle(ctx context.Context, d *queue.Delivery) {
	correlationID := d.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	log := c.logger.With(
		zap.String("correlation_id", correlationID),
		zap.String("message_id", d.MessageID),
	)

	outcome := OutcomePanic
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic while handling message", zap.Any("panic", r))
			c.publisher.PublishFailed(ctx, d.Body, fmt.Sprintf("panic: %v", r), correlationID)
		}
		if err := d.Ack(ctx); err != nil {
			log.Error("failed to acknowledge message", zap.Error(err))
		}
		metrics.RecordMessageConsumed(outcome)
	}()

	outcome = c.handle(ctx, d, correlationID, log)
}

func (c *Consumer) handle(ctx context.Context, d *queue.Delivery, correlationID string, log *zap.Logger) string {
	req, err := queue.ParseRequest(d.Body)
	if err != nil {
		log.Warn("invalid push request", zap.Error(err))
		c.publisher.PublishFailed(ctx, d.Body, err.Error(), correlationID)
		return OutcomeInvalid
	}

	log = log.With(zap.String("user_id", req.UserID), zap.String("request_id", req.RequestID))

	if c.dedupe != nil {
		prior, err := c.dedupe.CheckOrReserve(ctx, req.RequestID)
		switch {
		case errors.Is(err, redis.ErrDuplicateRequest):
			// The owner may have died before completing; dead-letter so the
			// request stays auditable instead of vanishing with the ack.
			log.Error("request already in flight, dead-lettering redelivery")
			metrics.RecordDuplicateSkipped()
			c.publisher.PublishFailed(ctx, d.Body, publisher.ReasonDuplicateInFlight, correlationID)
			return OutcomeInFlight
		case err != nil:
			log.Warn("idempotency check failed, processing anyway", zap.Error(err))
		case prior != nil:
			log.Info("request already processed, skipping",
				zap.String("notification_id", prior.NotificationID),
				zap.String("outcome", prior.Outcome),
			)
			metrics.RecordDuplicateSkipped()
			return OutcomeDuplicate
		}
	}

	outcome, notificationID := c.dispatch(ctx, d, req, correlationID, log)

	if c.dedupe != nil {
		if err := c.dedupe.Complete(ctx, req.RequestID, &redis.IdempotencyResult{
			NotificationID: notificationID,
			Outcome:        outcome,
		}); err != nil {
			log.Warn("failed to record idempotency result", zap.Error(err))
		}
	}
	return outcome
}

func (c *Consumer) dispatch(ctx context.Context, d *queue.Delivery, req *queue.NotificationRequest, correlationID string, log *zap.Logger) (outcome, notificationID string) {
	if prefs := c.directory.Preferences(ctx, req.UserID); !prefs.Push {
		log.Info("push disabled by user preference, skipping")
		return OutcomeSuppressed, ""
	}

	token, ok := c.directory.DeviceToken(ctx, req.UserID)
	if !ok {
		log.Warn("no device token for user")
		c.publisher.PublishFailed(ctx, d.Body, publisher.ReasonNoDeviceToken, correlationID)
		return OutcomeNoToken, ""
	}

	res := c.processor.Process(ctx, req, token, correlationID)
	if !res.Success {
		errMsg := res.Error
		if errMsg == "" {
			errMsg = res.Message
		}
		c.publisher.PublishFailed(ctx, d.Body, errMsg, correlationID)
		return OutcomeFailed, res.NotificationID
	}

	log.Info("push request processed", zap.String("notification_id", res.NotificationID))
	return OutcomeProcessed, res.NotificationID
}

// Close releases the directory client, the publisher, then the broker.
func (c *Consumer) Close() error {
	var errs []error
	if err := c.directory.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close directory: %w", err))
	}
	if err := c.publisher.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close publisher: %w", err))
	}
	if err := c.source.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close broker: %w", err))
	}
	return errors.Join(errs...)
}
