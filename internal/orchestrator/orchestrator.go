package orchestrator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/quantsys/atabus/internal/event"
	"github.com/quantsys/atabus/internal/log"
	"github.com/quantsys/atabus/internal/taskid"
)

// StepSpec is a workflow-template step materialized into a subtask.
type StepSpec struct {
	StepID     string
	Role       string
	Action     string
	Inputs     map[string]any
	Outputs    []string
	DependsOn  []string
	Priority   string
	TimeoutSec int
}

// TemplateSource resolves a workflow template name into step specs. The
// workflow engine implements this; tests may stub it.
type TemplateSource interface {
	StepSpecs(name string) ([]StepSpec, error)
}

// CreateTaskRequest carries the create_task parameters.
type CreateTaskRequest struct {
	Description      string
	WorkflowTemplate string
	Priority         string
	TimeoutSec       int
	RequiredRoles    []string
	Area             string
	CreatedBy        string
}

// Orchestrator creates task documents, persists them as JSON files, and
// publishes lifecycle events.
type Orchestrator struct {
	mu        sync.Mutex
	dir       string
	ids       *taskid.Manager
	publisher *event.Publisher
	templates TemplateSource
	now       func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithTemplateSource wires the workflow template store.
func WithTemplateSource(src TemplateSource) Option {
	return func(o *Orchestrator) { o.templates = src }
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an Orchestrator persisting task documents under dir.
func New(dir string, ids *taskid.Manager, publisher *event.Publisher, opts ...Option) (*Orchestrator, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating task dir: %w", err)
	}
	o := &Orchestrator{
		dir:       dir,
		ids:       ids,
		publisher: publisher,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// CreateTask analyzes the description, decomposes it into subtasks, persists
// the task document, and publishes TaskCreated.
func (o *Orchestrator) CreateTask(req CreateTaskRequest) (Task, error) {
	analysis := Analyze(req.Description)
	if len(req.RequiredRoles) > 0 {
		analysis.RequiredRoles = req.RequiredRoles
		analysis.EstimatedDuration = 30 * 60 * len(req.RequiredRoles)
		analysis.CanParallelize = len(req.RequiredRoles) > 1
		switch {
		case len(req.RequiredRoles) <= 1:
			analysis.Complexity = ComplexitySimple
		case len(req.RequiredRoles) <= 2:
			analysis.Complexity = ComplexityMedium
		default:
			analysis.Complexity = ComplexityComplex
		}
	}

	area := req.Area
	if area == "" {
		area = taskid.DefaultArea
	}
	taskID, err := o.ids.Generate(area)
	if err != nil {
		return Task{}, fmt.Errorf("generating task id: %w", err)
	}

	subtasks, err := o.decompose(taskID, req.WorkflowTemplate, analysis.RequiredRoles)
	if err != nil {
		return Task{}, err
	}
	if err := checkCycles(subtasks); err != nil {
		return Task{}, err
	}

	now := o.now().UTC()
	task := Task{
		TaskID:            taskID,
		Description:       req.Description,
		WorkflowTemplate:  req.WorkflowTemplate,
		Priority:          req.Priority,
		TimeoutSec:        req.TimeoutSec,
		RequiredRoles:     analysis.RequiredRoles,
		Complexity:        analysis.Complexity,
		EstimatedDuration: analysis.EstimatedDuration,
		CanParallelize:    analysis.CanParallelize,
		Subtasks:          subtasks,
		Dependencies:      dependenciesOf(subtasks),
		ParallelGroups:    parallelGroupsOf(subtasks),
		Status:            TaskPending,
		CreatedAt:         now,
		UpdatedAt:         now,
		CreatedBy:         req.CreatedBy,
	}

	o.mu.Lock()
	err = o.save(task)
	o.mu.Unlock()
	if err != nil {
		return Task{}, err
	}

	if _, err := o.publisher.PublishTaskCreated(taskID, map[string]any{
		"description":    req.Description,
		"priority":       req.Priority,
		"required_roles": analysis.RequiredRoles,
		"subtask_count":  len(subtasks),
		"created_by":     req.CreatedBy,
	}); err != nil {
		return Task{}, err
	}
	log.Info(log.CatOrch, "Task created", "taskID", taskID, "subtasks", len(subtasks), "complexity", analysis.Complexity)
	return task, nil
}

// decompose builds subtasks from the workflow template when given, else one
// subtask per required role with no dependencies.
func (o *Orchestrator) decompose(taskID, template string, roles []string) ([]Subtask, error) {
	if template != "" && o.templates != nil {
		specs, err := o.templates.StepSpecs(template)
		if err != nil {
			return nil, fmt.Errorf("loading workflow template %s: %w", template, err)
		}
		subtasks := make([]Subtask, 0, len(specs))
		stepToID := make(map[string]string, len(specs))
		for i, spec := range specs {
			id := fmt.Sprintf("%s-ST%03d", taskID, i+1)
			stepToID[spec.StepID] = id
			subtasks = append(subtasks, Subtask{
				SubtaskID:  id,
				StepID:     spec.StepID,
				Role:       spec.Role,
				Action:     spec.Action,
				Inputs:     spec.Inputs,
				Outputs:    spec.Outputs,
				Priority:   spec.Priority,
				TimeoutSec: spec.TimeoutSec,
				Status:     SubtaskPending,
			})
		}
		// Dependencies reference step ids in templates; rewrite them to
		// subtask ids.
		for i, spec := range specs {
			for _, dep := range spec.DependsOn {
				if depID, ok := stepToID[dep]; ok {
					subtasks[i].DependsOn = append(subtasks[i].DependsOn, depID)
				} else {
					subtasks[i].DependsOn = append(subtasks[i].DependsOn, dep)
				}
			}
		}
		return subtasks, nil
	}

	subtasks := make([]Subtask, 0, len(roles))
	for i, role := range roles {
		subtasks = append(subtasks, Subtask{
			SubtaskID: fmt.Sprintf("%s-ST%03d", taskID, i+1),
			Role:      role,
			Action:    "execute",
			Status:    SubtaskPending,
		})
	}
	return subtasks, nil
}

// UpdateSubtaskStatus mutates one subtask, rederives the task status, and
// publishes the corresponding event. RUNNING requires every dependency to
// be completed.
func (o *Orchestrator) UpdateSubtaskStatus(taskID, subtaskID string, status SubtaskStatus, assignedAgent string, result map[string]any, errMsg string) (Task, error) {
	o.mu.Lock()
	task, err := o.load(taskID)
	if err != nil {
		o.mu.Unlock()
		return Task{}, err
	}

	idx := -1
	done := make(map[string]bool, len(task.Subtasks))
	for i, st := range task.Subtasks {
		if st.SubtaskID == subtaskID {
			idx = i
		}
		if st.Status == SubtaskCompleted || st.Status == SubtaskSkipped {
			done[st.SubtaskID] = true
		}
	}
	if idx < 0 {
		o.mu.Unlock()
		return Task{}, fmt.Errorf("%w: %s in %s", ErrSubtaskNotFound, subtaskID, taskID)
	}

	st := &task.Subtasks[idx]
	if status == SubtaskRunning {
		for _, dep := range st.DependsOn {
			if !done[dep] {
				o.mu.Unlock()
				return Task{}, fmt.Errorf("%w: %s waits on %s", ErrDepsUnmet, subtaskID, dep)
			}
		}
	}

	now := o.now().UTC()
	st.Status = status
	if assignedAgent != "" {
		st.AssignedAgent = assignedAgent
	}
	if result != nil {
		st.Result = result
	}
	if errMsg != "" {
		st.Error = errMsg
	}
	switch status {
	case SubtaskRunning:
		if st.StartedAt == nil {
			st.StartedAt = &now
		}
	case SubtaskCompleted, SubtaskFailed, SubtaskSkipped:
		st.CompletedAt = &now
	}

	if task.Status != TaskCancelled {
		task.Status = deriveStatus(task.Subtasks)
	}
	task.UpdatedAt = now
	err = o.save(task)
	o.mu.Unlock()
	if err != nil {
		return Task{}, err
	}

	payload := map[string]any{
		"subtask_id":  subtaskID,
		"status":      string(status),
		"task_status": string(task.Status),
	}
	if assignedAgent != "" {
		payload["assigned_agent"] = assignedAgent
	}
	switch status {
	case SubtaskCompleted, SubtaskFailed, SubtaskSkipped:
		_, err = o.publisher.PublishSubtaskCompleted(taskID, payload)
	default:
		_, err = o.publisher.PublishTaskUpdated(taskID, payload)
	}
	if err != nil {
		return Task{}, err
	}
	return task, nil
}

// AddSubtask appends a subtask to an existing task, rederiving status.
func (o *Orchestrator) AddSubtask(taskID string, st Subtask) (Task, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	task, err := o.load(taskID)
	if err != nil {
		return Task{}, err
	}
	for _, existing := range task.Subtasks {
		if existing.SubtaskID == st.SubtaskID {
			return task, nil
		}
	}
	if st.Status == "" {
		st.Status = SubtaskPending
	}
	task.Subtasks = append(task.Subtasks, st)
	if err := checkCycles(task.Subtasks); err != nil {
		return Task{}, err
	}
	task.Dependencies = dependenciesOf(task.Subtasks)
	if task.Status != TaskCancelled {
		task.Status = deriveStatus(task.Subtasks)
	}
	task.UpdatedAt = o.now().UTC()
	if err := o.save(task); err != nil {
		return Task{}, err
	}
	return task, nil
}

// EnsureTask creates a minimal task document when none exists, used when a
// task originates outside the orchestrator. Returns the stored task.
func (o *Orchestrator) EnsureTask(taskID, description, createdBy string, status TaskStatus) (Task, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if task, err := o.load(taskID); err == nil {
		return task, nil
	}

	now := o.now().UTC()
	task := Task{
		TaskID:      taskID,
		Description: description,
		Priority:    "normal",
		Status:      status,
		CreatedAt:   now,
		UpdatedAt:   now,
		CreatedBy:   createdBy,
	}
	if err := o.save(task); err != nil {
		return Task{}, err
	}
	log.Info(log.CatOrch, "Task document created from event", "taskID", taskID, "createdBy", createdBy)
	return task, nil
}

// SetTaskStatus overrides the stored task status.
func (o *Orchestrator) SetTaskStatus(taskID string, status TaskStatus) (Task, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	task, err := o.load(taskID)
	if err != nil {
		return Task{}, err
	}
	task.Status = status
	task.UpdatedAt = o.now().UTC()
	if err := o.save(task); err != nil {
		return Task{}, err
	}
	return task, nil
}

// GetTask loads a task document by id.
func (o *Orchestrator) GetTask(taskID string) (Task, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.load(taskID)
}

// GetProgress summarizes subtask completion for a task.
func (o *Orchestrator) GetProgress(taskID string) (Progress, error) {
	task, err := o.GetTask(taskID)
	if err != nil {
		return Progress{}, err
	}
	return progressOf(task.Subtasks), nil
}

// dependenciesOf maps subtask id to its dependency list, omitting subtasks
// without dependencies.
func dependenciesOf(subtasks []Subtask) map[string][]string {
	deps := make(map[string][]string)
	for _, st := range subtasks {
		if len(st.DependsOn) > 0 {
			deps[st.SubtaskID] = st.DependsOn
		}
	}
	if len(deps) == 0 {
		return nil
	}
	return deps
}

// parallelGroupsOf groups dependency-free subtasks; only groups larger than
// one count as parallel.
func parallelGroupsOf(subtasks []Subtask) [][]string {
	var free []string
	for _, st := range subtasks {
		if len(st.DependsOn) == 0 {
			free = append(free, st.SubtaskID)
		}
	}
	if len(free) > 1 {
		return [][]string{free}
	}
	return nil
}

func (o *Orchestrator) path(taskID string) string {
	return filepath.Join(o.dir, taskID+".json")
}

func (o *Orchestrator) load(taskID string) (Task, error) {
	data, err := os.ReadFile(o.path(taskID))
	if os.IsNotExist(err) {
		return Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if err != nil {
		return Task{}, err
	}
	var task Task
	if err := json.Unmarshal(data, &task); err != nil {
		return Task{}, fmt.Errorf("decoding task %s: %w", taskID, err)
	}
	return task, nil
}

func (o *Orchestrator) save(task Task) error {
	data, err := json.MarshalIndent(task, "", "  ")
	if err != nil {
		return err
	}
	tmp := o.path(task.TaskID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("writing task document: %w", err)
	}
	return os.Rename(tmp, o.path(task.TaskID))
}
