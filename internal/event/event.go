// Package event defines bus events, the append-only event store, and the
// publisher that fans events out to subscriber lanes through the durable
// queue.
package event

import (
	"time"

	"github.com/google/uuid"
)

// Type identifies the kind of event.
type Type string

const (
	TaskCreated      Type = "TaskCreated"
	TaskUpdated      Type = "TaskUpdated"
	SubtaskCreated   Type = "SubtaskCreated"
	SubtaskCompleted Type = "SubtaskCompleted"
	VerdictGenerated Type = "VerdictGenerated"
	MessageSent      Type = "MessageSent"
	MessageReceived  Type = "MessageReceived"
	PerfMetric       Type = "PerfMetric"
	DevloopMetric    Type = "DevloopMetric"
)

// Event is a single immutable bus event. Once persisted to the event store
// it is never rewritten.
type Event struct {
	// EventID is a UUID v4 unique to this event.
	EventID string `json:"event_id"`

	// Type identifies the event kind.
	Type Type `json:"type"`

	// CorrelationID is the task or subtask the event is about.
	CorrelationID string `json:"correlation_id"`

	// Payload is the type-specific body.
	Payload map[string]any `json:"payload"`

	// Timestamp is the UTC creation time.
	Timestamp time.Time `json:"timestamp"`

	// Source is the agent or component that produced the event.
	Source string `json:"source"`
}

// New assembles an event with a fresh id and a UTC timestamp.
func New(t Type, correlationID, source string, payload map[string]any) Event {
	if payload == nil {
		payload = map[string]any{}
	}
	return Event{
		EventID:       uuid.NewString(),
		Type:          t,
		CorrelationID: correlationID,
		Payload:       payload,
		Timestamp:     time.Now().UTC(),
		Source:        source,
	}
}
