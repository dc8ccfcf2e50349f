package orchestrator

import (
	"strings"

	"github.com/quantsys/atabus/internal/event"
	"github.com/quantsys/atabus/internal/log"
)

// Handler consumes the orchestrator lane: events whose correlation id is a
// task id drive the task document's state.
type Handler struct {
	orch   *Orchestrator
	source string
}

// NewHandler builds the lane handler. source is this process's publisher
// name; events it published itself are acked without reprocessing.
func NewHandler(orch *Orchestrator, source string) *Handler {
	return &Handler{orch: orch, source: source}
}

// Handle applies one event. A nil return acks the message.
func (h *Handler) Handle(ev event.Event) error {
	if ev.Source == h.source {
		return nil
	}

	switch ev.Type {
	case event.TaskCreated:
		description, _ := ev.Payload["description"].(string)
		createdBy, _ := ev.Payload["created_by"].(string)
		_, err := h.orch.EnsureTask(ev.CorrelationID, description, createdBy, TaskRunning)
		return err

	case event.TaskUpdated:
		status, ok := ev.Payload["status"].(string)
		if !ok {
			return nil
		}
		mapped, ok := parseTaskStatus(status)
		if !ok {
			log.Warn(log.CatOrch, "Ignoring unknown task status", "taskID", ev.CorrelationID, "status", status)
			return nil
		}
		if _, err := h.orch.EnsureTask(ev.CorrelationID, "", ev.Source, mapped); err != nil {
			return err
		}
		_, err := h.orch.SetTaskStatus(ev.CorrelationID, mapped)
		return err

	case event.VerdictGenerated:
		status, _ := ev.Payload["status"].(string)
		target := TaskCompleted
		if strings.EqualFold(status, "fail") {
			target = TaskFailed
		}
		if _, err := h.orch.EnsureTask(ev.CorrelationID, "", ev.Source, target); err != nil {
			return err
		}
		_, err := h.orch.SetTaskStatus(ev.CorrelationID, target)
		return err
	}

	// Remaining event types carry nothing for the task document.
	return nil
}

func parseTaskStatus(s string) (TaskStatus, bool) {
	switch TaskStatus(strings.ToUpper(s)) {
	case TaskPending, TaskRunning, TaskCompleted, TaskFailed, TaskWaiting, TaskCancelled:
		return TaskStatus(strings.ToUpper(s)), true
	}
	return "", false
}
