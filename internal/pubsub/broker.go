// Package pubsub fans out in-process notifications: the log line feed and
// the control-plane SSE event streams both ride a Broker.
package pubsub

import (
	"context"
	"sync"
	"time"
)

// EventType classifies a notification for subscribers that filter.
type EventType string

const (
	CreatedEvent EventType = "created"
	UpdatedEvent EventType = "updated"
)

// Event is one notification with a typed payload. The log feed carries
// Event[string]; the bus event stream carries the full event record.
type Event[T any] struct {
	Type      EventType
	Payload   T
	Timestamp time.Time
}

const defaultBufferSize = 64

// Broker is a generic pub/sub event broker.
// It allows multiple subscribers to receive events published by publishers.
// Delivery is non-blocking: events are dropped for subscribers whose channel
// buffer is full.
type Broker[T any] struct {
	subs       map[chan Event[T]]struct{}
	mu         sync.RWMutex
	closed     bool
	bufferSize int
}

// NewBroker creates a new broker with the default buffer size (64).
func NewBroker[T any]() *Broker[T] {
	return NewBrokerWithBuffer[T](defaultBufferSize)
}

// NewBrokerWithBuffer creates a new broker with a custom buffer size.
func NewBrokerWithBuffer[T any](size int) *Broker[T] {
	return &Broker[T]{
		subs:       make(map[chan Event[T]]struct{}),
		bufferSize: size,
	}
}

// Subscribe creates a new subscription channel.
// The channel is automatically closed when ctx is cancelled.
func (b *Broker[T]) Subscribe(ctx context.Context) <-chan Event[T] {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan Event[T])
		close(ch)
		return ch
	}

	sub := make(chan Event[T], b.bufferSize)
	b.subs[sub] = struct{}{}

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()

		if b.closed {
			return
		}
		if _, ok := b.subs[sub]; ok {
			delete(b.subs, sub)
			close(sub)
		}
	}()

	return sub
}

// Publish sends an event with the given type and payload to all subscribers,
// stamping it with the current time.
func (b *Broker[T]) Publish(eventType EventType, payload T) {
	b.PublishEvent(Event[T]{
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now(),
	})
}

// PublishEvent sends a pre-built event to all subscribers. Use this form when
// the event carries a timestamp that must be preserved.
// Non-blocking: drops events if a subscriber channel is full.
func (b *Broker[T]) PublishEvent(event Event[T]) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for sub := range b.subs {
		select {
		case sub <- event:
			// Delivered
		default:
			// Channel full - drop to prevent blocking
		}
	}
}

// Close shuts down the broker and all subscriber channels.
// Close is idempotent.
func (b *Broker[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.closed = true
	for sub := range b.subs {
		close(sub)
	}
	b.subs = nil
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker[T]) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
