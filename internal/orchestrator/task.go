// Package orchestrator decomposes incoming tasks into subtasks, tracks
// their lifecycle, and derives task status from subtask states.
package orchestrator

import (
	"errors"
	"fmt"
	"time"
)

// SubtaskStatus is the lifecycle state of a single subtask.
type SubtaskStatus string

const (
	SubtaskPending   SubtaskStatus = "PENDING"
	SubtaskRunning   SubtaskStatus = "RUNNING"
	SubtaskCompleted SubtaskStatus = "COMPLETED"
	SubtaskFailed    SubtaskStatus = "FAILED"
	SubtaskSkipped   SubtaskStatus = "SKIPPED"
)

// TaskStatus is derived from the task's subtask states.
type TaskStatus string

const (
	TaskPending   TaskStatus = "PENDING"
	TaskRunning   TaskStatus = "RUNNING"
	TaskCompleted TaskStatus = "COMPLETED"
	TaskFailed    TaskStatus = "FAILED"
	TaskWaiting   TaskStatus = "WAITING"
	// TaskCancelled is operator-set, never derived from subtasks, and
	// terminal: later subtask updates do not move the task off it.
	TaskCancelled TaskStatus = "CANCELLED"
)

// Complexity buckets tasks by how many roles they need.
type Complexity string

const (
	ComplexitySimple  Complexity = "simple"
	ComplexityMedium  Complexity = "medium"
	ComplexityComplex Complexity = "complex"
)

var (
	ErrTaskNotFound    = errors.New("task not found")
	ErrSubtaskNotFound = errors.New("subtask not found")
	ErrDependencyCycle = errors.New("dependency cycle in subtasks")
	ErrDepsUnmet       = errors.New("subtask dependencies not completed")
)

// Subtask is one unit of work within a task.
type Subtask struct {
	SubtaskID     string         `json:"subtask_id"`
	StepID        string         `json:"step_id,omitempty"`
	Role          string         `json:"role"`
	Action        string         `json:"action"`
	Inputs        map[string]any `json:"inputs,omitempty"`
	Outputs       []string       `json:"outputs,omitempty"`
	DependsOn     []string       `json:"depends_on,omitempty"`
	Priority      string         `json:"priority,omitempty"`
	Description   string         `json:"description,omitempty"`
	TimeoutSec    int            `json:"timeout_seconds,omitempty"`
	Status        SubtaskStatus  `json:"status"`
	AssignedAgent string         `json:"assigned_agent,omitempty"`
	Result        map[string]any `json:"result,omitempty"`
	Error         string         `json:"error,omitempty"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
}

// Task is the orchestrator's task document.
type Task struct {
	TaskID            string              `json:"task_id"`
	Description       string              `json:"description"`
	WorkflowTemplate  string              `json:"workflow_template,omitempty"`
	Priority          string              `json:"priority"`
	TimeoutSec        int                 `json:"timeout_seconds,omitempty"`
	RequiredRoles     []string            `json:"required_roles"`
	Complexity        Complexity          `json:"complexity"`
	EstimatedDuration int                 `json:"estimated_duration"`
	CanParallelize    bool                `json:"can_parallelize"`
	Subtasks          []Subtask           `json:"subtasks"`
	Dependencies      map[string][]string `json:"dependencies,omitempty"`
	ParallelGroups    [][]string          `json:"parallel_groups,omitempty"`
	Status            TaskStatus          `json:"status"`
	CreatedAt         time.Time           `json:"created_at"`
	UpdatedAt         time.Time           `json:"updated_at"`
	CreatedBy         string              `json:"created_by,omitempty"`
}

// Progress is the completion summary of a task.
type Progress struct {
	Total      int `json:"total"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Pending    int `json:"pending"`
	Percentage int `json:"percentage"`
}

// deriveStatus computes the task status from its subtasks. Skipped
// subtasks count as done for the all-completed rule.
func deriveStatus(subtasks []Subtask) TaskStatus {
	if len(subtasks) == 0 {
		return TaskPending
	}

	done := make(map[string]bool, len(subtasks))
	allDone := true
	anyRunning := false
	for _, st := range subtasks {
		switch st.Status {
		case SubtaskFailed:
			return TaskFailed
		case SubtaskCompleted, SubtaskSkipped:
			done[st.SubtaskID] = true
		case SubtaskRunning:
			anyRunning = true
			allDone = false
		default:
			allDone = false
		}
	}
	if allDone {
		return TaskCompleted
	}
	if anyRunning {
		return TaskRunning
	}
	for _, st := range subtasks {
		if st.Status != SubtaskPending {
			continue
		}
		for _, dep := range st.DependsOn {
			if !done[dep] {
				return TaskWaiting
			}
		}
	}
	return TaskPending
}

// progressOf summarizes subtask completion. Percentage is floored.
func progressOf(subtasks []Subtask) Progress {
	p := Progress{Total: len(subtasks)}
	for _, st := range subtasks {
		switch st.Status {
		case SubtaskCompleted:
			p.Completed++
		case SubtaskFailed:
			p.Failed++
		case SubtaskPending:
			p.Pending++
		}
	}
	if p.Total > 0 {
		p.Percentage = 100 * p.Completed / p.Total
	}
	return p
}

// checkCycles rejects subtask graphs with dependency cycles.
func checkCycles(subtasks []Subtask) error {
	deps := make(map[string][]string, len(subtasks))
	for _, st := range subtasks {
		deps[st.SubtaskID] = st.DependsOn
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(deps))

	var visit func(id string) error
	visit = func(id string) error {
		switch color[id] {
		case gray:
			return fmt.Errorf("%w: at %s", ErrDependencyCycle, id)
		case black:
			return nil
		}
		color[id] = gray
		for _, dep := range deps[id] {
			if err := visit(dep); err != nil {
				return err
			}
		}
		color[id] = black
		return nil
	}

	for id := range deps {
		if err := visit(id); err != nil {
			return err
		}
	}
	return nil
}
