// Package kafka adapts Kafka topics to the queue Source and Sink contracts.
// Queue names map one to one onto topic names.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/lalithlochan/pushrelay/internal/queue"
)

const correlationHeader = "correlation_id"

// Config holds Kafka configuration.
type Config struct {
	Brokers      []string
	GroupID      string
	InboundTopic string
	DialTimeout  time.Duration
}

type reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Broker consumes one topic through a consumer group and writes to any topic.
// Messages are handled in order; Ack commits the offset.
type Broker struct {
	cfg    Config
	logger *zap.Logger

	mu     sync.Mutex
	reader reader
	writer writer
	closed bool
}

// New creates a broker. Connections are opened on first use.
func New(cfg Config, logger *zap.Logger) *Broker {
	if cfg.GroupID == "" {
		cfg.GroupID = queue.ServiceName
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	return &Broker{cfg: cfg, logger: logger}
}

func (b *Broker) getReader() (reader, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, queue.ErrClosed
	}
	if b.reader == nil {
		b.reader = kafka.NewReader(kafka.ReaderConfig{
			Brokers:     b.cfg.Brokers,
			Topic:       b.cfg.InboundTopic,
			GroupID:     b.cfg.GroupID,
			MinBytes:    1,
			MaxBytes:    10e6,
			MaxWait:     time.Second,
			StartOffset: kafka.FirstOffset,
		})
	}
	return b.reader, nil
}

func (b *Broker) getWriter() (writer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, queue.ErrClosed
	}
	if b.writer == nil {
		b.writer = &kafka.Writer{
			Addr:                   kafka.TCP(b.cfg.Brokers...),
			Balancer:               &kafka.LeastBytes{},
			BatchTimeout:           10 * time.Millisecond,
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
		}
	}
	return b.writer, nil
}

// Consume fetches messages until ctx is cancelled.
func (b *Broker) Consume(ctx context.Context, handler queue.Handler) error {
	r, err := b.getReader()
	if err != nil {
		return err
	}

	b.logger.Info("consuming",
		zap.String("topic", b.cfg.InboundTopic),
		zap.String("group_id", b.cfg.GroupID),
	)

	for {
		msg, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("kafka fetch failed: %w", err)
		}
		handler(ctx, toDelivery(r, msg))
	}
}

func toDelivery(r reader, msg kafka.Message) *queue.Delivery {
	var correlationID string
	for _, h := range msg.Headers {
		if h.Key == correlationHeader {
			correlationID = string(h.Value)
		}
	}
	id := msg.Topic + "/" + strconv.Itoa(msg.Partition) + "/" + strconv.FormatInt(msg.Offset, 10)

	return queue.NewDelivery(msg.Value, correlationID, id, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := r.CommitMessages(ctx, msg); err != nil {
			return fmt.Errorf("kafka commit failed: %w", err)
		}
		return nil
	})
}

// Publish writes body to the topic named queueName.
func (b *Broker) Publish(ctx context.Context, queueName string, body []byte, correlationID string) error {
	w, err := b.getWriter()
	if err != nil {
		return err
	}
	if err := w.WriteMessages(ctx, message(queueName, body, correlationID, time.Now())); err != nil {
		return fmt.Errorf("kafka write to %s failed: %w", queueName, err)
	}
	return nil
}

func message(topic string, body []byte, correlationID string, now time.Time) kafka.Message {
	msg := kafka.Message{Topic: topic, Value: body, Time: now}
	if correlationID != "" {
		msg.Key = []byte(correlationID)
		msg.Headers = []kafka.Header{{Key: correlationHeader, Value: []byte(correlationID)}}
	}
	return msg
}

// Ping dials the first reachable broker.
func (b *Broker) Ping(ctx context.Context) error {
	if len(b.cfg.Brokers) == 0 {
		return errors.New("kafka: no brokers configured")
	}
	dialer := &kafka.Dialer{Timeout: b.cfg.DialTimeout}

	var errs []error
	for _, addr := range b.cfg.Brokers {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		_ = conn.Close()
		return nil
	}
	return fmt.Errorf("kafka ping: %w", errors.Join(errs...))
}

// Close closes the reader and writer.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	var errs []error
	if b.reader != nil {
		errs = append(errs, b.reader.Close())
	}
	if b.writer != nil {
		errs = append(errs, b.writer.Close())
	}
	return errors.Join(errs...)
}

