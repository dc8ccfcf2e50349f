package event

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/quantsys/atabus/internal/log"
	"github.com/quantsys/atabus/internal/pubsub"
	"github.com/quantsys/atabus/internal/queue"
)

// Subscriber lane names. Each published event is enqueued once per lane.
const (
	LaneBoard        = "board"
	LaneOrchestrator = "orchestrator"
	LaneBridge       = "aws_bridge"
)

// lane pairs a lane name with its queue message-id suffix. The board lane
// uses the bare event id.
type lane struct {
	name   string
	suffix string
}

var lanes = []lane{
	{LaneBoard, ""},
	{LaneOrchestrator, "-orchestrator"},
	{LaneBridge, "-aws"},
}

// Publisher persists events to the store and fans them out into the queue,
// one copy per subscriber lane. It also mirrors events onto an in-process
// broker for live streaming.
type Publisher struct {
	store  *Store
	queue  *queue.Queue
	broker *pubsub.Broker[Event]
	source string
}

// NewPublisher creates a Publisher writing to the given store and queue.
// source names this component in events published via the convenience
// wrappers.
func NewPublisher(store *Store, q *queue.Queue, source string) *Publisher {
	return &Publisher{
		store:  store,
		queue:  q,
		broker: pubsub.NewBrokerWithBuffer[Event](128),
		source: source,
	}
}

// Publish writes the event to the append-only store, then enqueues one copy
// per subscriber lane. Lane message ids follow the fixed patterns
// {event_id}, {event_id}-orchestrator, {event_id}-aws.
func (p *Publisher) Publish(ev Event) error {
	if err := p.store.Append(ev); err != nil {
		return fmt.Errorf("persisting event %s: %w", ev.EventID, err)
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding event %s: %w", ev.EventID, err)
	}

	for _, l := range lanes {
		if _, err := p.queue.Enqueue(ev.EventID+l.suffix, ev.CorrelationID, l.name, payload); err != nil {
			return fmt.Errorf("enqueueing event %s for lane %s: %w", ev.EventID, l.name, err)
		}
	}

	p.broker.PublishEvent(pubsub.Event[Event]{
		Type:      pubsub.CreatedEvent,
		Payload:   ev,
		Timestamp: ev.Timestamp,
	})
	log.Debug(log.CatEvent, "Published", "eventID", ev.EventID, "type", ev.Type, "correlationID", ev.CorrelationID)
	return nil
}

// WithSource returns a publisher sharing this publisher's store, queue and
// live feed but stamping events with a different source name.
func (p *Publisher) WithSource(source string) *Publisher {
	clone := *p
	clone.source = source
	return &clone
}

// Subscribe returns a live feed of published events.
func (p *Publisher) Subscribe(ctx context.Context) <-chan pubsub.Event[Event] {
	return p.broker.Subscribe(ctx)
}

// Store exposes the underlying event store for read paths.
func (p *Publisher) Store() *Store {
	return p.store
}

// PublishTaskCreated emits a TaskCreated event for taskID.
func (p *Publisher) PublishTaskCreated(taskID string, payload map[string]any) (Event, error) {
	ev := New(TaskCreated, taskID, p.source, payload)
	return ev, p.Publish(ev)
}

// PublishTaskUpdated emits a TaskUpdated event for taskID.
func (p *Publisher) PublishTaskUpdated(taskID string, payload map[string]any) (Event, error) {
	ev := New(TaskUpdated, taskID, p.source, payload)
	return ev, p.Publish(ev)
}

// PublishSubtaskCreated emits a SubtaskCreated event correlated to the
// subtask id.
func (p *Publisher) PublishSubtaskCreated(subtaskID string, payload map[string]any) (Event, error) {
	ev := New(SubtaskCreated, subtaskID, p.source, payload)
	return ev, p.Publish(ev)
}

// PublishSubtaskCompleted emits a SubtaskCompleted event.
func (p *Publisher) PublishSubtaskCompleted(taskID string, payload map[string]any) (Event, error) {
	ev := New(SubtaskCompleted, taskID, p.source, payload)
	return ev, p.Publish(ev)
}

// PublishVerdict emits a VerdictGenerated event carrying the normalized
// status and fail codes.
func (p *Publisher) PublishVerdict(taskID, status string, failCodes []string, extra map[string]any) (Event, error) {
	payload := map[string]any{
		"status":     status,
		"fail_codes": failCodes,
	}
	for k, v := range extra {
		payload[k] = v
	}
	ev := New(VerdictGenerated, taskID, p.source, payload)
	return ev, p.Publish(ev)
}

// PublishPerfMetric emits a PerfMetric event.
func (p *Publisher) PublishPerfMetric(correlationID string, payload map[string]any) (Event, error) {
	ev := New(PerfMetric, correlationID, p.source, payload)
	return ev, p.Publish(ev)
}

// PublishDevloopMetric emits a DevloopMetric event.
func (p *Publisher) PublishDevloopMetric(correlationID string, payload map[string]any) (Event, error) {
	ev := New(DevloopMetric, correlationID, p.source, payload)
	return ev, p.Publish(ev)
}
