package queue

import (
	"context"
	"errors"
	"strconv"
	"sync"
)

// ErrClosed is returned by a closed MemoryBroker.
var ErrClosed = errors.New("broker closed")

// Message is a published message held by MemoryBroker.
type Message struct {
	Queue         string
	Body          []byte
	CorrelationID string
}

// MemoryBroker is an in-process Source and Sink. Messages published to the
// inbound queue are delivered to Consume; everything is also recorded.
type MemoryBroker struct {
	inbound string
	ch      chan Message

	mu        sync.Mutex
	published []Message
	acked     int
	closed    bool
	seq       int

	// FailPublish, when set, is returned by Publish.
	FailPublish error
}

// NewMemoryBroker creates a broker whose Consume reads inbound.
func NewMemoryBroker(inbound string, buffer int) *MemoryBroker {
	return &MemoryBroker{inbound: inbound, ch: make(chan Message, buffer)}
}

func (b *MemoryBroker) Publish(ctx context.Context, queue string, body []byte, correlationID string) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	if b.FailPublish != nil {
		err := b.FailPublish
		b.mu.Unlock()
		return err
	}
	msg := Message{Queue: queue, Body: append([]byte(nil), body...), CorrelationID: correlationID}
	b.published = append(b.published, msg)
	b.mu.Unlock()

	if queue == b.inbound {
		select {
		case b.ch <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (b *MemoryBroker) Consume(ctx context.Context, handler Handler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-b.ch:
			b.mu.Lock()
			b.seq++
			id := strconv.Itoa(b.seq)
			b.mu.Unlock()

			d := NewDelivery(msg.Body, msg.CorrelationID, id, func(context.Context) error {
				b.mu.Lock()
				b.acked++
				b.mu.Unlock()
				return nil
			})
			handler(ctx, d)
		}
	}
}

func (b *MemoryBroker) Ping(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	return nil
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}

// Published returns messages published to queue.
func (b *MemoryBroker) Published(queue string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Message
	for _, m := range b.published {
		if m.Queue == queue {
			out = append(out, m)
		}
	}
	return out
}

// Acked returns how many deliveries were acknowledged.
func (b *MemoryBroker) Acked() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.acked
}

// Closed reports whether Close was called.
func (b *MemoryBroker) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}
