// Package subscriber pumps queued events into lane handlers. Each lane
// (board, orchestrator, aws_bridge) gets its own poll loop so a slow or
// failing consumer never blocks the others.
package subscriber

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/quantsys/atabus/internal/event"
	"github.com/quantsys/atabus/internal/log"
	"github.com/quantsys/atabus/internal/queue"
)

// DefaultPollInterval is how often a lane checks for deliverable messages.
const DefaultPollInterval = 500 * time.Millisecond

// DefaultBatchSize bounds how many messages one poll drains.
const DefaultBatchSize = 50

// EventHandler consumes one decoded event. A returned error nacks the
// queued message and the queue's retry schedule takes over.
type EventHandler interface {
	Handle(ev event.Event) error
}

// Subscriber drains one queue lane into its handler.
type Subscriber struct {
	queue    *queue.Queue
	lane     string
	handler  EventHandler
	interval time.Duration
	batch    int
}

// Option configures a Subscriber.
type Option func(*Subscriber)

// WithPollInterval overrides the poll interval.
func WithPollInterval(d time.Duration) Option {
	return func(s *Subscriber) { s.interval = d }
}

// WithBatchSize overrides the per-poll drain limit.
func WithBatchSize(n int) Option {
	return func(s *Subscriber) { s.batch = n }
}

// New creates a subscriber for one lane.
func New(q *queue.Queue, lane string, handler EventHandler, opts ...Option) *Subscriber {
	s := &Subscriber{
		queue:    q,
		lane:     lane,
		handler:  handler,
		interval: DefaultPollInterval,
		batch:    DefaultBatchSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run polls the lane until ctx is cancelled. Poll errors are logged and
// retried on the next tick rather than stopping the loop.
func (s *Subscriber) Run(ctx context.Context) error {
	log.Info(log.CatSub, "Subscriber started", "lane", s.lane, "interval", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info(log.CatSub, "Subscriber stopped", "lane", s.lane)
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Drain(); err != nil {
				log.Error(log.CatSub, "Lane poll failed", "lane", s.lane, "error", err)
			}
		}
	}
}

// Drain processes one batch of deliverable messages and returns how many
// were handled successfully.
func (s *Subscriber) Drain() (int, error) {
	pending, err := s.queue.PendingFor(s.lane, s.batch)
	if err != nil {
		return 0, fmt.Errorf("polling lane %s: %w", s.lane, err)
	}

	handled := 0
	for _, msg := range pending {
		if err := s.deliver(msg); err != nil {
			log.Warn(log.CatSub, "Event delivery failed", "lane", s.lane,
				"messageID", msg.MessageID, "error", err)
			if nackErr := s.queue.MarkNacked(msg.MessageID, err.Error()); nackErr != nil {
				return handled, fmt.Errorf("nacking %s: %w", msg.MessageID, nackErr)
			}
			continue
		}
		if err := s.queue.MarkAcked(msg.MessageID); err != nil {
			return handled, fmt.Errorf("acking %s: %w", msg.MessageID, err)
		}
		handled++
	}
	return handled, nil
}

func (s *Subscriber) deliver(msg queue.Message) error {
	var ev event.Event
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		return fmt.Errorf("decoding event payload: %w", err)
	}
	return s.handler.Handle(ev)
}
