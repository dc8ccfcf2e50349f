package workflow

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quantsys/atabus/internal/log"
	"github.com/quantsys/atabus/internal/message"
	"github.com/quantsys/atabus/internal/outbox"
	"github.com/quantsys/atabus/internal/registry"
)

// StepStatus is the lifecycle state of an instance step.
type StepStatus string

const (
	StepPending   StepStatus = "PENDING"
	StepRunning   StepStatus = "RUNNING"
	StepCompleted StepStatus = "COMPLETED"
	StepFailed    StepStatus = "FAILED"
	StepSkipped   StepStatus = "SKIPPED"
)

// InstanceStatus is derived from the step states.
type InstanceStatus string

const (
	InstanceRunning   InstanceStatus = "RUNNING"
	InstanceCompleted InstanceStatus = "COMPLETED"
	InstanceFailed    InstanceStatus = "FAILED"
)

// InstanceStep is a template step materialized into a running instance.
type InstanceStep struct {
	Step            `yaml:",inline"`
	Status          StepStatus     `json:"status"`
	ResolvedInputs  map[string]any `json:"resolved_inputs,omitempty"`
	StepOutputs     map[string]any `json:"step_outputs,omitempty"`
	AssignedAgent   string         `json:"assigned_agent,omitempty"`
	TaskCode        string         `json:"taskcode,omitempty"`
	OutboxRequestID string         `json:"outbox_request_id,omitempty"`
	Error           string         `json:"error,omitempty"`
}

// Instance is one execution of a workflow template.
type Instance struct {
	InstanceID string         `json:"instance_id"`
	Workflow   string         `json:"workflow"`
	TaskID     string         `json:"task_id,omitempty"`
	Inputs     map[string]any `json:"inputs"`
	Steps      []InstanceStep `json:"steps"`
	Status     InstanceStatus `json:"status"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Progress is the instance completion summary.
type Progress struct {
	Total      int `json:"total"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Pending    int `json:"pending"`
	Percentage int `json:"percentage"`
}

// Engine materializes templates into instances and dispatches steps via the
// outbox. It never fabricates step completions: a dispatched step stays
// RUNNING until CompleteStep or FailStep is called.
type Engine struct {
	mu       sync.Mutex
	dir      string
	loader   *Loader
	registry *registry.Registry
	outbox   *outbox.Outbox
	now      func() time.Time
}

// NewEngine creates the instance directory if needed.
func NewEngine(dir string, loader *Loader, reg *registry.Registry, ob *outbox.Outbox) (*Engine, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating workflow instance dir: %w", err)
	}
	return &Engine{dir: dir, loader: loader, registry: reg, outbox: ob, now: time.Now}, nil
}

// Execute materializes the named template, persists the instance, and
// starts the first ready step (plus its parallel group).
func (e *Engine) Execute(workflowName string, inputs map[string]any, taskID string) (Instance, error) {
	tpl, err := e.loader.Get(workflowName)
	if err != nil {
		return Instance{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now().UTC()
	inst := Instance{
		InstanceID: uuid.NewString(),
		Workflow:   workflowName,
		TaskID:     taskID,
		Inputs:     inputs,
		Status:     InstanceRunning,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	for _, step := range tpl.Steps {
		materialized := step
		if materialized.Timeout == 0 {
			materialized.Timeout = tpl.DefaultTimeout
		}
		if materialized.RetryPolicy == "" {
			materialized.RetryPolicy = tpl.DefaultRetryPolicy
		}
		inst.Steps = append(inst.Steps, InstanceStep{Step: materialized, Status: StepPending})
	}

	e.startReady(&inst)
	inst.Status = deriveInstanceStatus(inst.Steps)
	if err := e.save(inst); err != nil {
		return Instance{}, err
	}
	log.Info(log.CatWorkflow, "Workflow started", "workflow", workflowName, "instanceID", inst.InstanceID, "steps", len(inst.Steps))
	return inst, nil
}

// CompleteStep records a step's outputs and advances the instance.
func (e *Engine) CompleteStep(instanceID, stepID string, outputs map[string]any) (Instance, error) {
	return e.finishStep(instanceID, stepID, StepCompleted, outputs, "")
}

// FailStep marks a step failed, which fails the instance.
func (e *Engine) FailStep(instanceID, stepID, errMsg string) (Instance, error) {
	return e.finishStep(instanceID, stepID, StepFailed, nil, errMsg)
}

func (e *Engine) finishStep(instanceID, stepID string, status StepStatus, outputs map[string]any, errMsg string) (Instance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	inst, err := e.load(instanceID)
	if err != nil {
		return Instance{}, err
	}
	idx := -1
	for i := range inst.Steps {
		if inst.Steps[i].StepID == stepID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return Instance{}, fmt.Errorf("instance %s has no step %s", instanceID, stepID)
	}

	inst.Steps[idx].Status = status
	inst.Steps[idx].StepOutputs = outputs
	inst.Steps[idx].Error = errMsg

	if status == StepCompleted {
		e.startReady(&inst)
	}
	inst.Status = deriveInstanceStatus(inst.Steps)
	inst.UpdatedAt = e.now().UTC()
	if err := e.save(inst); err != nil {
		return Instance{}, err
	}
	return inst, nil
}

// Get loads an instance by id.
func (e *Engine) Get(instanceID string) (Instance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.load(instanceID)
}

// GetProgress summarizes step completion.
func (e *Engine) GetProgress(instanceID string) (Progress, error) {
	inst, err := e.Get(instanceID)
	if err != nil {
		return Progress{}, err
	}
	p := Progress{Total: len(inst.Steps)}
	for _, step := range inst.Steps {
		switch step.Status {
		case StepCompleted:
			p.Completed++
		case StepFailed:
			p.Failed++
		case StepPending:
			p.Pending++
		}
	}
	if p.Total > 0 {
		p.Percentage = 100 * p.Completed / p.Total
	}
	return p, nil
}

// startReady starts the first ready step; when it belongs to a parallel
// group, every other ready step of the same group starts with it.
func (e *Engine) startReady(inst *Instance) {
	ready := readySteps(inst)
	if len(ready) == 0 {
		return
	}

	toStart := ready[:1]
	if group := inst.Steps[ready[0]].ParallelGroup; group != "" {
		for _, idx := range ready[1:] {
			if inst.Steps[idx].ParallelGroup == group {
				toStart = append(toStart, idx)
			}
		}
	}
	for _, idx := range toStart {
		e.startStep(inst, idx)
		if inst.Steps[idx].Status == StepFailed {
			return
		}
	}
}

// startStep dispatches one step through the outbox. Failure to find an
// agent or to enqueue fails the step and the instance.
func (e *Engine) startStep(inst *Instance, idx int) {
	step := &inst.Steps[idx]

	agent, ok := registry.SelectAgent(e.registry.FindAgents(step.Role, nil, true))
	if !ok {
		step.Status = StepFailed
		step.Error = fmt.Sprintf("no available agent for role %s", step.Role)
		log.Warn(log.CatWorkflow, "Step failed", "instanceID", inst.InstanceID, "stepID", step.StepID, "error", step.Error)
		return
	}

	prefix := step.AtaTaskcodePrefix
	if prefix == "" {
		prefix = "WF"
	}
	short := inst.InstanceID[:8]
	taskcode := fmt.Sprintf("%s-%s", prefix, short)

	resolved := resolveInputs(step.Inputs, scopeOf(inst))
	display := agent.DisplayName()
	text := fmt.Sprintf("@%s workflow=%s step=%s action=%s", display, inst.Workflow, step.StepID, step.Action)

	kind := message.KindRequest
	if step.AtaMessageKind != "" {
		kind = message.Kind(step.AtaMessageKind)
	}
	req := outbox.Request{
		TaskCode:  taskcode,
		TaskID:    inst.TaskID,
		FromAgent: "Orchestrator",
		ToAgent:   agent.AgentID,
		Kind:      kind,
		Payload: map[string]any{
			"message":     text,
			"workflow":    inst.Workflow,
			"instance_id": inst.InstanceID,
			"step_id":     step.StepID,
			"action":      step.Action,
			"inputs":      resolved,
		},
		Priority:         message.PriorityNormal,
		RequiresResponse: true,
		ReportPath:       fmt.Sprintf("reports/%s/%s.md", short, step.StepID),
		SelftestLogPath:  fmt.Sprintf("logs/%s/%s.selftest.log", short, step.StepID),
		EvidenceDir:      fmt.Sprintf("evidence/%s/%s", short, step.StepID),
	}

	sent, err := e.outbox.SendRequest(req)
	if err != nil {
		step.Status = StepFailed
		step.Error = err.Error()
		log.Warn(log.CatWorkflow, "Step dispatch failed", "instanceID", inst.InstanceID, "stepID", step.StepID, "error", err)
		return
	}

	step.Status = StepRunning
	step.ResolvedInputs = resolved
	step.AssignedAgent = agent.AgentID
	step.TaskCode = taskcode
	step.OutboxRequestID = sent.RequestID
	log.Info(log.CatWorkflow, "Step dispatched", "instanceID", inst.InstanceID, "stepID", step.StepID, "agent", agent.AgentID, "requestID", sent.RequestID)
}

func readySteps(inst *Instance) []int {
	done := make(map[string]bool, len(inst.Steps))
	for _, step := range inst.Steps {
		if step.Status == StepCompleted || step.Status == StepSkipped {
			done[step.StepID] = true
		}
	}
	var ready []int
	for i, step := range inst.Steps {
		if step.Status != StepPending {
			continue
		}
		ok := true
		for _, dep := range step.DependsOn {
			if !done[dep] {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, i)
		}
	}
	return ready
}

func deriveInstanceStatus(steps []InstanceStep) InstanceStatus {
	allDone := true
	for _, step := range steps {
		switch step.Status {
		case StepFailed:
			return InstanceFailed
		case StepCompleted, StepSkipped:
		default:
			allDone = false
		}
	}
	if allDone {
		return InstanceCompleted
	}
	return InstanceRunning
}

// refPattern matches a whole-string "${path.to.value}" reference.
var refPattern = regexp.MustCompile(`^\$\{([^}]+)\}$`)

// scopeOf builds the reference scope: workflow inputs under "inputs", each
// completed step's outputs under its step_id.
func scopeOf(inst *Instance) map[string]any {
	scope := map[string]any{"inputs": inst.Inputs}
	for _, step := range inst.Steps {
		if step.StepOutputs != nil {
			scope[step.StepID] = step.StepOutputs
		}
	}
	return scope
}

// resolveInputs replaces "${ref}" values by walking the dotted path through
// the scope. Unresolvable references keep their literal value.
func resolveInputs(raw map[string]any, scope map[string]any) map[string]any {
	if raw == nil {
		return nil
	}
	resolved := make(map[string]any, len(raw))
	for key, value := range raw {
		s, ok := value.(string)
		if !ok {
			resolved[key] = value
			continue
		}
		m := refPattern.FindStringSubmatch(s)
		if m == nil {
			resolved[key] = value
			continue
		}
		if v, found := lookupPath(scope, strings.Split(m[1], ".")); found {
			resolved[key] = v
		} else {
			resolved[key] = value
		}
	}
	return resolved
}

func lookupPath(scope map[string]any, path []string) (any, bool) {
	var current any = scope
	for _, part := range path {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func (e *Engine) path(instanceID string) string {
	return filepath.Join(e.dir, instanceID+".json")
}

func (e *Engine) load(instanceID string) (Instance, error) {
	data, err := os.ReadFile(e.path(instanceID))
	if os.IsNotExist(err) {
		return Instance{}, fmt.Errorf("workflow instance %s not found", instanceID)
	}
	if err != nil {
		return Instance{}, err
	}
	var inst Instance
	if err := json.Unmarshal(data, &inst); err != nil {
		return Instance{}, fmt.Errorf("decoding instance %s: %w", instanceID, err)
	}
	return inst, nil
}

func (e *Engine) save(inst Instance) error {
	data, err := json.MarshalIndent(inst, "", "  ")
	if err != nil {
		return err
	}
	tmp := e.path(inst.InstanceID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("writing instance: %w", err)
	}
	return os.Rename(tmp, e.path(inst.InstanceID))
}
