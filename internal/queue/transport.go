package queue

import (
	"context"
	"errors"
	"sync"
)

// Delivery is one inbound message. Ack must be called exactly once the
// message reached a terminal outcome; later calls are no-ops.
type Delivery struct {
	Body          []byte
	CorrelationID string
	MessageID     string

	once   sync.Once
	ack    func(ctx context.Context) error
	ackErr error
}

// NewDelivery wraps a broker message. ack may be nil for transports without
// acknowledgements.
func NewDelivery(body []byte, correlationID, messageID string, ack func(ctx context.Context) error) *Delivery {
	return &Delivery{Body: body, CorrelationID: correlationID, MessageID: messageID, ack: ack}
}

// Ack acknowledges the message to the broker.
func (d *Delivery) Ack(ctx context.Context) error {
	d.once.Do(func() {
		if d.ack != nil {
			d.ackErr = d.ack(ctx)
		}
	})
	return d.ackErr
}

// Handler processes one delivery. It owns the Ack.
type Handler func(ctx context.Context, d *Delivery)

// Source delivers inbound messages. Consume connects lazily, declares the
// queues it needs, and blocks until ctx is cancelled or the connection fails.
type Source interface {
	Consume(ctx context.Context, handler Handler) error
	Ping(ctx context.Context) error
	Close() error
}

// Sink publishes a message body to a named queue or topic.
type Sink interface {
	Publish(ctx context.Context, queue string, body []byte, correlationID string) error
	Close() error
}

// MultiSink fans a publish out to every sink.
type MultiSink []Sink

func (m MultiSink) Publish(ctx context.Context, queue string, body []byte, correlationID string) error {
	var errs []error
	for _, s := range m {
		if err := s.Publish(ctx, queue, body, correlationID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m MultiSink) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
