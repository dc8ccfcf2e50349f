package registry

import (
	"fmt"
	"strings"

	"github.com/quantsys/atabus/internal/log"
)

// Rule maps keywords to an owning role. Rules are evaluated in order and
// the first match wins.
type Rule struct {
	ID        string   `json:"id"`
	Keywords  []string `json:"keywords"`
	OwnerRole string   `json:"owner_role"`
}

// DefaultRules is the built-in keyword table.
var DefaultRules = []Rule{
	{ID: "perf", Keywords: []string{"latency", "slow", "performance", "perf", "throughput"}, OwnerRole: "quant_dev_infra"},
	{ID: "ci", Keywords: []string{"ci", "pipeline", "build failed", "gate", "lint"}, OwnerRole: "quant_dev_infra"},
	{ID: "data", Keywords: []string{"dataset", "data quality", "missing data", "nan", "feed"}, OwnerRole: "data_engineer"},
	{ID: "strategy", Keywords: []string{"strategy", "signal", "alpha", "backtest", "factor"}, OwnerRole: "quant_researcher"},
	{ID: "test", Keywords: []string{"test", "verify", "validate", "qa", "regression"}, OwnerRole: "tester"},
	{ID: "docs", Keywords: []string{"doc", "readme", "documentation"}, OwnerRole: "doc_writer"},
}

// RoutableTask is the text surface the router matches against.
type RoutableTask struct {
	Goal       string
	Capsule    string
	HowToRepro string
	Expected   string
	Metadata   string
	OwnerRole  string
}

// Route is the routing decision.
type Route struct {
	OwnerRole string `json:"owner_role"`
	AgentID   string `json:"agent_id,omitempty"`
	RuleID    string `json:"rule_id"`
	Reasoning string `json:"reasoning"`
}

// Router picks an owning role by keyword rules, then an agent for that role
// via the registry.
type Router struct {
	registry *Registry
	rules    []Rule
}

// NewRouter builds a router over the registry. Nil rules means DefaultRules.
func NewRouter(registry *Registry, rules []Rule) *Router {
	if rules == nil {
		rules = DefaultRules
	}
	return &Router{registry: registry, rules: rules}
}

// RouteTask applies the keyword rules to the task's normalized text. When no
// rule matches, the fallback uses the task's own owner_role or "implementer".
func (r *Router) RouteTask(task RoutableTask) Route {
	text := strings.ToLower(strings.Join([]string{
		task.Goal, task.Capsule, task.HowToRepro, task.Expected, task.Metadata,
	}, " "))

	route := Route{}
	for _, rule := range r.rules {
		if keyword, ok := matchKeyword(text, rule.Keywords); ok {
			route = Route{
				OwnerRole: rule.OwnerRole,
				RuleID:    rule.ID,
				Reasoning: fmt.Sprintf("matched keyword %q in rule %s", keyword, rule.ID),
			}
			break
		}
	}
	if route.RuleID == "" {
		owner := task.OwnerRole
		if owner == "" {
			owner = "implementer"
		}
		route = Route{
			OwnerRole: owner,
			RuleID:    "default",
			Reasoning: "no keyword rule matched",
		}
	}

	if agent, ok := r.FindAgentForRole(route.OwnerRole); ok {
		route.AgentID = agent.AgentID
	}
	log.Debug(log.CatRegistry, "Routed task", "ruleID", route.RuleID, "ownerRole", route.OwnerRole, "agentID", route.AgentID)
	return route
}

// FindAgentForRole picks the least-loaded agent carrying the role.
func (r *Router) FindAgentForRole(role string) (Agent, bool) {
	return SelectAgent(r.registry.FindAgents(role, nil, true))
}

// SelectAgent is the load balancer: among agents that are available or busy
// and under their concurrency limit, pick the lowest load ratio.
func SelectAgent(agents []Agent) (Agent, bool) {
	best := Agent{}
	bestRatio := 2.0
	found := false
	for _, agent := range agents {
		if agent.Status != StatusAvailable && agent.Status != StatusBusy {
			continue
		}
		if agent.CurrentLoad >= agent.MaxConcurrentTasks {
			continue
		}
		ratio := float64(agent.CurrentLoad) / float64(agent.MaxConcurrentTasks)
		if !found || ratio < bestRatio {
			best, bestRatio, found = agent, ratio, true
		}
	}
	return best, found
}

// Score rates an agent for smart routing. Higher is better; never negative.
func Score(agent Agent) float64 {
	score := 100.0
	score -= 30 * float64(agent.CurrentLoad) / float64(agent.MaxConcurrentTasks)
	if agent.ResponseTimeAvg > 60 {
		score -= (agent.ResponseTimeAvg - 60) / 10
	}
	score += 20 * agent.SuccessRate
	switch agent.Status {
	case StatusAvailable:
		score += 10
	case StatusBusy:
		score -= 5
	}
	if score < 0 {
		score = 0
	}
	return score
}

// SelectSmart picks the highest-scoring agent; ties keep the earlier one.
func SelectSmart(agents []Agent) (Agent, bool) {
	best := Agent{}
	bestScore := -1.0
	found := false
	for _, agent := range agents {
		if s := Score(agent); s > bestScore {
			best, bestScore, found = agent, s, true
		}
	}
	return best, found
}

func matchKeyword(text string, keywords []string) (string, bool) {
	for _, kw := range keywords {
		if strings.Contains(text, strings.ToLower(kw)) {
			return kw, true
		}
	}
	return "", false
}
