package orchestrator

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantsys/atabus/internal/event"
	"github.com/quantsys/atabus/internal/queue"
	"github.com/quantsys/atabus/internal/taskid"
	"github.com/quantsys/atabus/internal/testutil"
)

type stubTemplates struct {
	steps map[string][]StepSpec
}

func (s *stubTemplates) StepSpecs(name string) ([]StepSpec, error) {
	specs, ok := s.steps[name]
	if !ok {
		return nil, fmt.Errorf("unknown template %s", name)
	}
	return specs, nil
}

func newOrchestrator(t *testing.T, opts ...Option) (*Orchestrator, *event.Publisher) {
	t.Helper()
	db := testutil.NewDB(t)
	store, err := event.NewStore(t.TempDir())
	require.NoError(t, err)
	publisher := event.NewPublisher(store, queue.New(db), "orchestrator-test")
	orch, err := New(t.TempDir(), taskid.NewManager(db), publisher, opts...)
	require.NoError(t, err)
	return orch, publisher
}

func TestCreateTask_AnalyzerDecomposition(t *testing.T) {
	orch, publisher := newOrchestrator(t)

	task, err := orch.CreateTask(CreateTaskRequest{
		Description: "Backtest the momentum strategy and verify the regression tests",
		Priority:    "high",
	})
	require.NoError(t, err)

	// "backtest"/"strategy" and "verify" hit two roles.
	assert.Equal(t, []string{"quant_researcher", "tester"}, task.RequiredRoles)
	assert.Equal(t, ComplexityMedium, task.Complexity)
	assert.Equal(t, 2*30*60, task.EstimatedDuration)
	assert.True(t, task.CanParallelize)
	require.Len(t, task.Subtasks, 2)
	assert.Equal(t, task.TaskID+"-ST001", task.Subtasks[0].SubtaskID)
	assert.Equal(t, "execute", task.Subtasks[0].Action)
	assert.Equal(t, TaskPending, task.Status)

	// Role-based decomposition has no deps, so both subtasks form one
	// parallel group.
	require.Len(t, task.ParallelGroups, 1)
	assert.Len(t, task.ParallelGroups[0], 2)

	events, err := publisher.Store().ListByCorrelation(task.TaskID, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, event.TaskCreated, events[0].Type)
}

func TestCreateTask_RequiredRolesOverride(t *testing.T) {
	orch, _ := newOrchestrator(t)

	task, err := orch.CreateTask(CreateTaskRequest{
		Description:   "Backtest the strategy",
		RequiredRoles: []string{"doc_writer"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"doc_writer"}, task.RequiredRoles)
	assert.Equal(t, ComplexitySimple, task.Complexity)
	assert.False(t, task.CanParallelize)
	require.Len(t, task.Subtasks, 1)
}

func TestCreateTask_FromTemplate(t *testing.T) {
	templates := &stubTemplates{steps: map[string][]StepSpec{
		"review_chain": {
			{StepID: "design", Role: "architect", Action: "design", Outputs: []string{"plan"}},
			{StepID: "implement", Role: "quant_dev", Action: "implement", DependsOn: []string{"design"}},
		},
	}}
	orch, _ := newOrchestrator(t, WithTemplateSource(templates))

	task, err := orch.CreateTask(CreateTaskRequest{
		Description:      "build it",
		WorkflowTemplate: "review_chain",
	})
	require.NoError(t, err)
	require.Len(t, task.Subtasks, 2)

	// Template step-id deps are rewritten to subtask ids.
	assert.Equal(t, []string{task.Subtasks[0].SubtaskID}, task.Subtasks[1].DependsOn)
	assert.Equal(t, map[string][]string{
		task.Subtasks[1].SubtaskID: {task.Subtasks[0].SubtaskID},
	}, task.Dependencies)
	assert.Empty(t, task.ParallelGroups)

	_, err = orch.CreateTask(CreateTaskRequest{Description: "x", WorkflowTemplate: "missing"})
	assert.Error(t, err)
}

func TestUpdateSubtaskStatus_Lifecycle(t *testing.T) {
	templates := &stubTemplates{steps: map[string][]StepSpec{
		"chain": {
			{StepID: "first", Role: "quant_dev", Action: "implement"},
			{StepID: "second", Role: "tester", Action: "verify", DependsOn: []string{"first"}},
		},
	}}
	orch, _ := newOrchestrator(t, WithTemplateSource(templates))

	task, err := orch.CreateTask(CreateTaskRequest{Description: "x", WorkflowTemplate: "chain"})
	require.NoError(t, err)
	first, second := task.Subtasks[0].SubtaskID, task.Subtasks[1].SubtaskID

	// Second step cannot start before the first completes.
	_, err = orch.UpdateSubtaskStatus(task.TaskID, second, SubtaskRunning, "", nil, "")
	assert.ErrorIs(t, err, ErrDepsUnmet)

	task, err = orch.UpdateSubtaskStatus(task.TaskID, first, SubtaskRunning, "dev-1", nil, "")
	require.NoError(t, err)
	assert.Equal(t, TaskRunning, task.Status)
	require.NotNil(t, task.Subtasks[0].StartedAt)

	task, err = orch.UpdateSubtaskStatus(task.TaskID, first, SubtaskCompleted, "", map[string]any{"ok": true}, "")
	require.NoError(t, err)
	require.NotNil(t, task.Subtasks[0].CompletedAt)
	// First done, second pending with deps now met.
	assert.Equal(t, TaskPending, task.Status)

	task, err = orch.UpdateSubtaskStatus(task.TaskID, second, SubtaskRunning, "tester-1", nil, "")
	require.NoError(t, err)
	assert.Equal(t, TaskRunning, task.Status)

	task, err = orch.UpdateSubtaskStatus(task.TaskID, second, SubtaskCompleted, "", nil, "")
	require.NoError(t, err)
	assert.Equal(t, TaskCompleted, task.Status)

	progress, err := orch.GetProgress(task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, Progress{Total: 2, Completed: 2, Percentage: 100}, progress)
}

func TestUpdateSubtaskStatus_FailurePropagates(t *testing.T) {
	orch, _ := newOrchestrator(t)
	task, err := orch.CreateTask(CreateTaskRequest{Description: "implement and test the fix"})
	require.NoError(t, err)

	task, err = orch.UpdateSubtaskStatus(task.TaskID, task.Subtasks[0].SubtaskID, SubtaskFailed, "", nil, "boom")
	require.NoError(t, err)
	assert.Equal(t, TaskFailed, task.Status)
	assert.Equal(t, "boom", task.Subtasks[0].Error)

	_, err = orch.UpdateSubtaskStatus(task.TaskID, "nope", SubtaskRunning, "", nil, "")
	assert.ErrorIs(t, err, ErrSubtaskNotFound)
	_, err = orch.UpdateSubtaskStatus("missing-task", "nope", SubtaskRunning, "", nil, "")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestSetTaskStatus_CancelledIsTerminal(t *testing.T) {
	orch, _ := newOrchestrator(t)
	task, err := orch.CreateTask(CreateTaskRequest{Description: "implement and test the fix"})
	require.NoError(t, err)

	task, err = orch.SetTaskStatus(task.TaskID, TaskCancelled)
	require.NoError(t, err)
	assert.Equal(t, TaskCancelled, task.Status)

	// A late subtask completion does not resurrect the task.
	task, err = orch.UpdateSubtaskStatus(task.TaskID, task.Subtasks[0].SubtaskID, SubtaskCompleted, "", nil, "")
	require.NoError(t, err)
	assert.Equal(t, TaskCancelled, task.Status)
}

func TestDeriveStatus_WaitingVsPending(t *testing.T) {
	// Pending subtask with unmet dep on a running one means WAITING.
	subtasks := []Subtask{
		{SubtaskID: "a", Status: SubtaskRunning},
		{SubtaskID: "b", Status: SubtaskPending, DependsOn: []string{"a"}},
	}
	assert.Equal(t, TaskRunning, deriveStatus(subtasks))

	subtasks[0].Status = SubtaskSkipped
	assert.Equal(t, TaskPending, deriveStatus(subtasks))

	subtasks = []Subtask{
		{SubtaskID: "a", Status: SubtaskPending},
		{SubtaskID: "b", Status: SubtaskPending, DependsOn: []string{"a"}},
	}
	assert.Equal(t, TaskWaiting, deriveStatus(subtasks))
}

func TestCheckCycles(t *testing.T) {
	assert.NoError(t, checkCycles([]Subtask{
		{SubtaskID: "a"},
		{SubtaskID: "b", DependsOn: []string{"a"}},
	}))
	assert.ErrorIs(t, checkCycles([]Subtask{
		{SubtaskID: "a", DependsOn: []string{"b"}},
		{SubtaskID: "b", DependsOn: []string{"a"}},
	}), ErrDependencyCycle)
}

func TestProgress_FlooredPercentage(t *testing.T) {
	p := progressOf([]Subtask{
		{Status: SubtaskCompleted},
		{Status: SubtaskPending},
		{Status: SubtaskPending},
	})
	assert.Equal(t, Progress{Total: 3, Completed: 1, Pending: 2, Percentage: 33}, p)
}

func TestAnalyze(t *testing.T) {
	a := Analyze("Document the new data feed and add regression tests")
	assert.Equal(t, []string{"data_engineer", "tester", "doc_writer"}, a.RequiredRoles)
	assert.Equal(t, ComplexityComplex, a.Complexity)

	// No keyword hit falls back to quant_dev.
	a = Analyze("miscellaneous chores")
	assert.Equal(t, []string{"quant_dev"}, a.RequiredRoles)
	assert.Equal(t, ComplexitySimple, a.Complexity)
	assert.False(t, a.CanParallelize)
}
