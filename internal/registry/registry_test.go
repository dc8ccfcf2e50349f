package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRegistry(t *testing.T, opts ...Option) *Registry {
	t.Helper()
	r, err := New(t.TempDir(), opts...)
	require.NoError(t, err)
	return r
}

func intPtr(v int) *int           { return &v }
func boolPtr(v bool) *bool        { return &v }
func catPtr(c Category) *Category { return &c }

func TestRegister_AllocatesSmallestFreeCode(t *testing.T) {
	r := newRegistry(t)

	a, err := r.Register("alpha", "cli", "tester", nil, RegisterOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, a.NumericCode)

	b, err := r.Register("beta", "cli", "tester", nil, RegisterOptions{NumericCode: intPtr(2)})
	require.NoError(t, err)
	assert.Equal(t, 2, b.NumericCode)

	// Next allocation skips the taken codes.
	c, err := r.Register("gamma", "cli", "tester", nil, RegisterOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, c.NumericCode)
}

func TestRegister_NumericCodeConflicts(t *testing.T) {
	r := newRegistry(t)

	_, err := r.Register("alpha", "cli", "tester", nil, RegisterOptions{NumericCode: intPtr(7)})
	require.NoError(t, err)

	_, err = r.Register("beta", "cli", "tester", nil, RegisterOptions{NumericCode: intPtr(7)})
	assert.ErrorIs(t, err, ErrNumericCodeTaken)

	_, err = r.Register("beta", "cli", "tester", nil, RegisterOptions{NumericCode: intPtr(0)})
	assert.ErrorIs(t, err, ErrNumericCodeRange)

	_, err = r.Register("beta", "cli", "tester", nil, RegisterOptions{NumericCode: intPtr(101)})
	assert.ErrorIs(t, err, ErrNumericCodeRange)

	// Re-registering the holder with its own code is fine.
	_, err = r.Register("alpha", "cli", "tester", nil, RegisterOptions{NumericCode: intPtr(7)})
	assert.NoError(t, err)
}

func TestRegister_Defaults(t *testing.T) {
	r := newRegistry(t)

	sys, err := r.Register("system-agent", "daemon", "orchestrator", nil, RegisterOptions{NumericCode: intPtr(3)})
	require.NoError(t, err)
	assert.Equal(t, CategorySystemAI, sys.Category)
	assert.True(t, sys.SendEnabled)
	assert.Equal(t, 5, sys.MaxConcurrentTasks)

	usr, err := r.Register("user-agent", "cli", "tester", nil, RegisterOptions{NumericCode: intPtr(42)})
	require.NoError(t, err)
	assert.Equal(t, CategoryUserAI, usr.Category)

	restricted, err := r.Register("Cursor-Auto", "cli", "implementer", nil, RegisterOptions{})
	require.NoError(t, err)
	assert.False(t, restricted.SendEnabled)

	byType, err := r.Register("other", "Cursor-Auto", "implementer", nil, RegisterOptions{})
	require.NoError(t, err)
	assert.False(t, byType.SendEnabled)

	overridden, err := r.Register("forced", "cli", "tester", nil, RegisterOptions{
		NumericCode: intPtr(5),
		SendEnabled: boolPtr(true),
		Category:    catPtr(CategoryUserAI),
	})
	require.NoError(t, err)
	assert.True(t, overridden.SendEnabled)
	assert.Equal(t, CategoryUserAI, overridden.Category)
}

func TestRegister_ReRegisterUpdates(t *testing.T) {
	r := newRegistry(t)

	first, err := r.Register("alpha", "cli", "tester", []string{"pytest"}, RegisterOptions{NumericCode: intPtr(7)})
	require.NoError(t, err)

	load := 2
	_, err = r.UpdateStatus("alpha", StatusBusy, &load)
	require.NoError(t, err)

	second, err := r.Register("alpha", "cli", "quant_dev", []string{"go"}, RegisterOptions{NumericCode: intPtr(9)})
	require.NoError(t, err)
	assert.Equal(t, 9, second.NumericCode)
	assert.Equal(t, "quant_dev", second.Role)
	assert.Equal(t, first.RegisteredAt, second.RegisteredAt)
	assert.Equal(t, 2, second.CurrentLoad)
}

func TestApplyAndApprove(t *testing.T) {
	r := newRegistry(t)

	_, err := r.Apply("candidate", "cli", "tester", []string{"pytest"}, 3)
	require.NoError(t, err)

	_, err = r.Apply("candidate", "cli", "tester", nil, 3)
	assert.ErrorIs(t, err, ErrApplicationPending)

	require.Len(t, r.Applications(), 1)

	agent, err := r.Approve("candidate", RegisterOptions{NumericCode: intPtr(7)})
	require.NoError(t, err)
	assert.Equal(t, 7, agent.NumericCode)
	assert.Equal(t, 3, agent.MaxConcurrentTasks)
	assert.Empty(t, r.Applications())

	_, err = r.Approve("candidate", RegisterOptions{})
	assert.ErrorIs(t, err, ErrNoApplication)
}

func TestUpdateStatus_LoadRules(t *testing.T) {
	r := newRegistry(t)
	_, err := r.Register("alpha", "cli", "tester", nil, RegisterOptions{MaxConcurrentTasks: 2})
	require.NoError(t, err)

	full := 2
	agent, err := r.UpdateStatus("alpha", StatusAvailable, &full)
	require.NoError(t, err)
	assert.Equal(t, StatusBusy, agent.Status)

	idle := 0
	agent, err = r.UpdateStatus("alpha", StatusBusy, &idle)
	require.NoError(t, err)
	assert.Equal(t, StatusAvailable, agent.Status)

	agent, err = r.UpdateStatus("alpha", StatusError, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusError, agent.Status)

	_, err = r.UpdateStatus("missing", StatusAvailable, nil)
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestFindAgents(t *testing.T) {
	r := newRegistry(t)
	_, err := r.Register("a", "cli", "tester", []string{"pytest", "go"}, RegisterOptions{MaxConcurrentTasks: 2})
	require.NoError(t, err)
	_, err = r.Register("b", "cli", "tester", []string{"pytest"}, RegisterOptions{})
	require.NoError(t, err)
	_, err = r.Register("c", "cli", "quant_dev", []string{"go"}, RegisterOptions{})
	require.NoError(t, err)

	testers := r.FindAgents("tester", nil, true)
	require.Len(t, testers, 2)

	goTesters := r.FindAgents("tester", []string{"go"}, true)
	require.Len(t, goTesters, 1)
	assert.Equal(t, "a", goTesters[0].AgentID)

	// Fully loaded agents are excluded when availableOnly.
	full := 2
	_, err = r.UpdateStatus("a", StatusAvailable, &full)
	require.NoError(t, err)
	assert.Empty(t, r.FindAgents("tester", []string{"go"}, true))
	assert.Len(t, r.FindAgents("tester", []string{"go"}, false), 1)
}

func TestCollectStale(t *testing.T) {
	current := time.Date(2026, 1, 16, 12, 0, 0, 0, time.UTC)
	r := newRegistry(t, WithClock(func() time.Time { return current }), WithHeartbeatTimeout(300*time.Second))

	_, err := r.Register("fresh", "cli", "tester", nil, RegisterOptions{})
	require.NoError(t, err)
	_, err = r.Register("stale", "cli", "tester", nil, RegisterOptions{})
	require.NoError(t, err)

	current = current.Add(200 * time.Second)
	_, err = r.UpdateStatus("fresh", StatusAvailable, nil)
	require.NoError(t, err)

	current = current.Add(150 * time.Second)
	flipped, err := r.CollectStale()
	require.NoError(t, err)
	assert.Equal(t, 1, flipped)

	stale, err := r.Get("stale")
	require.NoError(t, err)
	assert.Equal(t, StatusUnavailable, stale.Status)

	fresh, err := r.Get("fresh")
	require.NoError(t, err)
	assert.Equal(t, StatusAvailable, fresh.Status)
}

func TestRegistry_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	r, err := New(dir)
	require.NoError(t, err)
	_, err = r.Register("alpha", "cli", "tester", []string{"pytest"}, RegisterOptions{NumericCode: intPtr(7)})
	require.NoError(t, err)
	_, err = r.Apply("candidate", "cli", "tester", nil, 3)
	require.NoError(t, err)

	reopened, err := New(dir)
	require.NoError(t, err)
	agent, err := reopened.Get("alpha")
	require.NoError(t, err)
	assert.Equal(t, 7, agent.NumericCode)
	assert.Len(t, reopened.Applications(), 1)
}

func TestDisplayName(t *testing.T) {
	assert.Equal(t, "Tester#07", Agent{AgentID: "Tester", NumericCode: 7}.DisplayName())
	assert.Equal(t, "Dev#42", Agent{AgentID: "Dev", NumericCode: 42}.DisplayName())
}
