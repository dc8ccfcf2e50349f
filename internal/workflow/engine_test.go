package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantsys/atabus/internal/conversation"
	"github.com/quantsys/atabus/internal/message"
	"github.com/quantsys/atabus/internal/outbox"
	"github.com/quantsys/atabus/internal/queue"
	"github.com/quantsys/atabus/internal/registry"
	"github.com/quantsys/atabus/internal/testutil"
)

type engineFixture struct {
	engine   *Engine
	registry *registry.Registry
	outbox   *outbox.Outbox
}

func newEngineFixture(t *testing.T, roles ...string) *engineFixture {
	t.Helper()
	reg, err := registry.New(t.TempDir())
	require.NoError(t, err)
	msgs, err := message.NewStore(t.TempDir())
	require.NoError(t, err)
	convs, err := conversation.NewStore(t.TempDir())
	require.NoError(t, err)
	ob, err := outbox.New(t.TempDir(), reg, msgs, convs, queue.New(testutil.NewDB(t)))
	require.NoError(t, err)

	_, err = reg.Register("Orchestrator", "daemon", "orchestrator", nil, registry.RegisterOptions{})
	require.NoError(t, err)
	for i, role := range roles {
		_, err = reg.Register(role+"-agent", "cli", role, nil, registry.RegisterOptions{MaxConcurrentTasks: 5 + i})
		require.NoError(t, err)
	}

	loader, err := NewLoader("")
	require.NoError(t, err)
	engine, err := NewEngine(t.TempDir(), loader, reg, ob)
	require.NoError(t, err)
	return &engineFixture{engine: engine, registry: reg, outbox: ob}
}

func TestExecute_DispatchesFirstStepViaOutbox(t *testing.T) {
	f := newEngineFixture(t, "quant_researcher", "quant_dev", "tester")

	inst, err := f.engine.Execute("quant_research_to_code", map[string]any{
		"goal":     "find a momentum signal",
		"universe": "us-equities",
	}, "")
	require.NoError(t, err)
	assert.Equal(t, InstanceRunning, inst.Status)
	require.Len(t, inst.Steps, 3)

	first := inst.Steps[0]
	assert.Equal(t, StepRunning, first.Status)
	assert.Equal(t, "quant_researcher-agent", first.AssignedAgent)
	assert.Equal(t, "QRC-RESEARCH-v1-"+inst.InstanceID[:8], first.TaskCode)
	require.NotEmpty(t, first.OutboxRequestID)
	assert.Equal(t, StepPending, inst.Steps[1].Status)

	// The dispatch landed in the outbox as a pending, triplet-carrying
	// request whose message is prefixed with the recipient display name.
	req, err := f.outbox.Get(first.OutboxRequestID)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusPending, req.Status)
	assert.NotEmpty(t, req.ReportPath)
	assert.NotEmpty(t, req.SelftestLogPath)
	assert.NotEmpty(t, req.EvidenceDir)
	display, err := f.registry.ResolveDisplay("quant_researcher-agent")
	require.NoError(t, err)
	msg, _ := req.Payload["message"].(string)
	assert.Contains(t, msg, "@"+display)

	// Workflow inputs were resolved into the step payload.
	inputs, _ := req.Payload["inputs"].(map[string]any)
	assert.Equal(t, "find a momentum signal", inputs["goal"])
}

func TestCompleteStep_AdvancesChainAndResolvesOutputs(t *testing.T) {
	f := newEngineFixture(t, "quant_researcher", "quant_dev", "tester")

	inst, err := f.engine.Execute("quant_research_to_code", map[string]any{"goal": "g"}, "")
	require.NoError(t, err)

	inst, err = f.engine.CompleteStep(inst.InstanceID, "research_signal", map[string]any{
		"research_note": "notes/momentum.md",
	})
	require.NoError(t, err)
	assert.Equal(t, StepCompleted, inst.Steps[0].Status)
	assert.Equal(t, StepRunning, inst.Steps[1].Status)
	// Prior step outputs feed the next step's ${ref} inputs.
	assert.Equal(t, "notes/momentum.md", inst.Steps[1].ResolvedInputs["research_note"])

	inst, err = f.engine.CompleteStep(inst.InstanceID, "implement_strategy", map[string]any{"code": "strategy.py"})
	require.NoError(t, err)
	inst, err = f.engine.CompleteStep(inst.InstanceID, "backtest_validation", map[string]any{"backtest_report": "ok"})
	require.NoError(t, err)
	assert.Equal(t, InstanceCompleted, inst.Status)

	progress, err := f.engine.GetProgress(inst.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, Progress{Total: 3, Completed: 3, Percentage: 100}, progress)
}

func TestExecute_ParallelGroupStartsTogether(t *testing.T) {
	f := newEngineFixture(t, "architect", "quant_researcher")

	inst, err := f.engine.Execute("parallel_exploration", map[string]any{"goal": "g"}, "")
	require.NoError(t, err)

	running := 0
	for _, step := range inst.Steps[:3] {
		if step.Status == StepRunning {
			running++
		}
	}
	assert.Equal(t, 3, running)
	assert.Equal(t, StepPending, inst.Steps[3].Status)

	for _, stepID := range []string{"explore_a", "explore_b", "explore_c"} {
		inst, err = f.engine.CompleteStep(inst.InstanceID, stepID, map[string]any{"proposal": stepID})
		require.NoError(t, err)
	}
	assert.Equal(t, StepRunning, inst.Steps[3].Status)
	assert.Equal(t, "explore_b", inst.Steps[3].ResolvedInputs["proposal_b"])
}

func TestExecute_NoAgentFailsInstance(t *testing.T) {
	// No architect registered.
	f := newEngineFixture(t, "tester")

	inst, err := f.engine.Execute("multi_agent_collaboration", map[string]any{"goal": "g"}, "")
	require.NoError(t, err)
	assert.Equal(t, InstanceFailed, inst.Status)
	assert.Equal(t, StepFailed, inst.Steps[0].Status)
	assert.Contains(t, inst.Steps[0].Error, "no available agent for role architect")
}

func TestFailStep(t *testing.T) {
	f := newEngineFixture(t, "reviewer", "tester", "quant_dev_infra")

	inst, err := f.engine.Execute("quality_assurance", map[string]any{"change": "pr-12"}, "")
	require.NoError(t, err)

	inst, err = f.engine.FailStep(inst.InstanceID, "code_review", "reviewer unavailable")
	require.NoError(t, err)
	assert.Equal(t, InstanceFailed, inst.Status)

	_, err = f.engine.FailStep(inst.InstanceID, "nope", "x")
	assert.ErrorContains(t, err, "has no step")
	_, err = f.engine.Get("missing-instance")
	assert.ErrorContains(t, err, "not found")
}
