package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouteTask_FirstMatchWins(t *testing.T) {
	r := newRegistry(t)
	router := NewRouter(r, nil)

	route := router.RouteTask(RoutableTask{Goal: "Fix CI pipeline latency"})
	// "latency" belongs to the perf rule, which precedes ci.
	assert.Equal(t, "perf", route.RuleID)
	assert.Equal(t, "quant_dev_infra", route.OwnerRole)
}

func TestRouteTask_FallbackDefault(t *testing.T) {
	r := newRegistry(t)
	router := NewRouter(r, nil)

	route := router.RouteTask(RoutableTask{Goal: "something unrelated"})
	assert.Equal(t, "default", route.RuleID)
	assert.Equal(t, "implementer", route.OwnerRole)

	route = router.RouteTask(RoutableTask{Goal: "something unrelated", OwnerRole: "quant_researcher"})
	assert.Equal(t, "default", route.RuleID)
	assert.Equal(t, "quant_researcher", route.OwnerRole)
}

func TestRouteTask_PicksLeastLoadedAgent(t *testing.T) {
	r := newRegistry(t)
	_, err := r.Register("busy-tester", "cli", "tester", nil, RegisterOptions{MaxConcurrentTasks: 4})
	require.NoError(t, err)
	_, err = r.Register("idle-tester", "cli", "tester", nil, RegisterOptions{MaxConcurrentTasks: 4})
	require.NoError(t, err)

	load := 3
	_, err = r.UpdateStatus("busy-tester", StatusAvailable, &load)
	require.NoError(t, err)

	router := NewRouter(r, nil)
	route := router.RouteTask(RoutableTask{Goal: "please verify the regression suite"})
	assert.Equal(t, "test", route.RuleID)
	assert.Equal(t, "idle-tester", route.AgentID)
}

func TestSelectAgent(t *testing.T) {
	agents := []Agent{
		{AgentID: "a", Status: StatusBusy, CurrentLoad: 3, MaxConcurrentTasks: 4},
		{AgentID: "b", Status: StatusAvailable, CurrentLoad: 1, MaxConcurrentTasks: 4},
		{AgentID: "c", Status: StatusUnavailable, CurrentLoad: 0, MaxConcurrentTasks: 4},
		{AgentID: "d", Status: StatusAvailable, CurrentLoad: 4, MaxConcurrentTasks: 4},
	}
	picked, ok := SelectAgent(agents)
	require.True(t, ok)
	assert.Equal(t, "b", picked.AgentID)

	_, ok = SelectAgent([]Agent{{AgentID: "x", Status: StatusError, MaxConcurrentTasks: 4}})
	assert.False(t, ok)
}

func TestScore(t *testing.T) {
	base := Agent{Status: StatusAvailable, CurrentLoad: 0, MaxConcurrentTasks: 5, SuccessRate: 1.0, ResponseTimeAvg: 10}
	// 100 - 0 + 20 + 10 = 130
	assert.InDelta(t, 130.0, Score(base), 0.001)

	slow := base
	slow.ResponseTimeAvg = 160
	// subtract (160-60)/10 = 10
	assert.InDelta(t, 120.0, Score(slow), 0.001)

	busy := base
	busy.Status = StatusBusy
	busy.CurrentLoad = 5
	// 100 - 30 + 20 - 5 = 85
	assert.InDelta(t, 85.0, Score(busy), 0.001)

	floor := Agent{Status: StatusError, CurrentLoad: 5, MaxConcurrentTasks: 5, SuccessRate: 0, ResponseTimeAvg: 2000}
	assert.Equal(t, 0.0, Score(floor))
}

func TestSelectSmart_TiesKeepOrder(t *testing.T) {
	a := Agent{AgentID: "a", Status: StatusAvailable, MaxConcurrentTasks: 5, SuccessRate: 1.0}
	b := Agent{AgentID: "b", Status: StatusAvailable, MaxConcurrentTasks: 5, SuccessRate: 1.0}
	picked, ok := SelectSmart([]Agent{a, b})
	require.True(t, ok)
	assert.Equal(t, "a", picked.AgentID)
}
