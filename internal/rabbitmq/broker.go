// Package rabbitmq adapts a RabbitMQ broker to the queue Source and Sink contracts.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/streadway/amqp"
	"go.uber.org/zap"

	"github.com/lalithlochan/pushrelay/internal/queue"
)

// Config holds RabbitMQ settings.
type Config struct {
	URL          string
	InboundQueue string
	// Queues are declared durable on connect, in addition to InboundQueue.
	Queues      []string
	Prefetch    int
	Workers     int
	DialTimeout time.Duration
}

// Broker consumes the inbound queue and publishes to named queues through
// the default exchange. The connection is opened on first use.
type Broker struct {
	cfg    Config
	logger *zap.Logger

	mu     sync.Mutex
	conn   *amqp.Connection
	pubCh  *amqp.Channel
	closed bool
}

// New creates a broker without connecting.
func New(cfg Config, logger *zap.Logger) *Broker {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 10
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	return &Broker{cfg: cfg, logger: logger}
}

func (b *Broker) dial() (*amqp.Connection, error) {
	conn, err := amqp.DialConfig(b.cfg.URL, amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(b.cfg.DialTimeout),
	})
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	return conn, nil
}

// connection returns the shared connection, dialing and declaring queues if needed.
func (b *Broker) connection() (*amqp.Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, queue.ErrClosed
	}
	if b.conn != nil && !b.conn.IsClosed() {
		return b.conn, nil
	}

	conn, err := b.dial()
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	for _, name := range b.queueNames() {
		if _, err := ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
			conn.Close()
			return nil, fmt.Errorf("declare queue %s: %w", name, err)
		}
	}

	b.logger.Info("rabbitmq connection established", zap.Strings("queues", b.queueNames()))
	b.conn = conn
	b.pubCh = nil
	return conn, nil
}

func (b *Broker) queueNames() []string {
	seen := make(map[string]bool)
	var names []string
	for _, q := range append([]string{b.cfg.InboundQueue}, b.cfg.Queues...) {
		if q == "" || seen[q] {
			continue
		}
		seen[q] = true
		names = append(names, q)
	}
	return names
}

// Consume delivers inbound messages to handler on cfg.Workers goroutines
// until ctx is cancelled. It returns an error if the channel closes underneath.
func (b *Broker) Consume(ctx context.Context, handler queue.Handler) error {
	conn, err := b.connection()
	if err != nil {
		return err
	}

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open consume channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(b.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("qos configuration failed: %w", err)
	}

	deliveries, err := ch.Consume(b.cfg.InboundQueue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", b.cfg.InboundQueue, err)
	}

	b.logger.Info("consuming",
		zap.String("queue", b.cfg.InboundQueue),
		zap.Int("workers", b.cfg.Workers),
		zap.Int("prefetch", b.cfg.Prefetch),
	)

	closed := make(chan struct{})
	var once sync.Once
	var wg sync.WaitGroup
	for i := 0; i < b.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-deliveries:
					if !ok {
						once.Do(func() { close(closed) })
						return
					}
					handler(ctx, toDelivery(msg))
				}
			}
		}()
	}

	select {
	case <-ctx.Done():
		wg.Wait()
		return nil
	case <-closed:
		wg.Wait()
		return errors.New("rabbitmq delivery channel closed")
	}
}

func toDelivery(msg amqp.Delivery) *queue.Delivery {
	return queue.NewDelivery(msg.Body, msg.CorrelationId, msg.MessageId, func(context.Context) error {
		return msg.Ack(false)
	})
}

// Publish sends body to queueName as a persistent JSON message.
func (b *Broker) Publish(ctx context.Context, queueName string, body []byte, correlationID string) error {
	conn, err := b.connection()
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return queue.ErrClosed
	}
	if b.pubCh == nil {
		ch, err := conn.Channel()
		if err != nil {
			return fmt.Errorf("open publish channel: %w", err)
		}
		b.pubCh = ch
	}

	if err := b.pubCh.Publish("", queueName, false, false, publishing(body, correlationID, time.Now())); err != nil {
		b.pubCh.Close()
		b.pubCh = nil
		return fmt.Errorf("publish to %s: %w", queueName, err)
	}
	return nil
}

func publishing(body []byte, correlationID string, now time.Time) amqp.Publishing {
	return amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		CorrelationId: correlationID,
		Timestamp:     now.UTC(),
		AppId:         queue.ServiceName,
		Body:          body,
	}
}

// Ping dials a fresh connection bounded by the dial timeout.
func (b *Broker) Ping(ctx context.Context) error {
	conn, err := b.dial()
	if err != nil {
		return err
	}
	return conn.Close()
}

// Close closes the publish channel and the connection.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	if b.pubCh != nil {
		_ = b.pubCh.Close()
		b.pubCh = nil
	}
	if b.conn != nil && !b.conn.IsClosed() {
		err := b.conn.Close()
		b.conn = nil
		return err
	}
	return nil
}
