// Package aggregate merges subtask results into a single task result.
// Four strategies are supported: concatenate, intelligent, voting, and
// weighted.
package aggregate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/quantsys/atabus/internal/cachemanager"
	"github.com/quantsys/atabus/internal/message"
	"github.com/quantsys/atabus/internal/orchestrator"
)

// Strategy selects how subtask results are merged.
type Strategy string

const (
	StrategyConcatenate Strategy = "concatenate"
	StrategyIntelligent Strategy = "intelligent"
	StrategyVoting      Strategy = "voting"
	StrategyWeighted    Strategy = "weighted"
)

// ErrUnknownStrategy is returned for a strategy outside the enum.
var ErrUnknownStrategy = errors.New("unknown merge strategy")

// resultTTL bounds how long a merged result is served from cache.
const resultTTL = 30 * time.Second

// SubtaskRecord is the per-subtask slice of a merged result.
type SubtaskRecord struct {
	SubtaskID   string         `json:"subtask_id"`
	AgentID     string         `json:"agent_id,omitempty"`
	Status      string         `json:"status"`
	Result      map[string]any `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// Request names one aggregation.
type Request struct {
	TaskID              string
	Strategy            Strategy
	IncludeIntermediate bool
	Weights             map[string]float64
}

// Aggregator reads task documents and merges their subtask results.
type Aggregator struct {
	orch     *orchestrator.Orchestrator
	messages *message.Store
	results  *cachemanager.ReadThroughCache[string, map[string]any, Request]
}

// New builds an Aggregator over the task store, with the message store as
// the fallback source when a task document is missing.
func New(orch *orchestrator.Orchestrator, messages *message.Store) *Aggregator {
	a := &Aggregator{orch: orch, messages: messages}
	cache := cachemanager.NewInMemoryCacheManager[string, map[string]any](
		"aggregate-results", cachemanager.DefaultExpiration, cachemanager.DefaultCleanupInterval)
	a.results = cachemanager.NewReadThroughCache[string, map[string]any, Request](cache, a.merge, false)
	return a
}

// GetResult merges the task's subtask results per the request strategy.
// Recent identical requests are served from cache.
func (a *Aggregator) GetResult(ctx context.Context, req Request) (map[string]any, error) {
	if req.Strategy == "" {
		req.Strategy = StrategyConcatenate
	}
	switch req.Strategy {
	case StrategyConcatenate, StrategyIntelligent, StrategyVoting, StrategyWeighted:
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownStrategy, req.Strategy)
	}

	key := fmt.Sprintf("%s|%s|%t", req.TaskID, req.Strategy, req.IncludeIntermediate)
	if len(req.Weights) > 0 {
		// Weighted requests carry caller-specific weights; skip the cache.
		return a.merge(ctx, req)
	}
	return a.results.Get(ctx, key, req, resultTTL)
}

func (a *Aggregator) merge(_ context.Context, req Request) (map[string]any, error) {
	records, err := a.collect(req.TaskID, req.IncludeIntermediate)
	if err != nil {
		return nil, err
	}

	switch req.Strategy {
	case StrategyConcatenate:
		return mergeConcatenate(req.TaskID, records), nil
	case StrategyIntelligent:
		return mergeIntelligent(req.TaskID, records), nil
	case StrategyVoting:
		return mergeVoting(req.TaskID, records), nil
	case StrategyWeighted:
		return mergeWeighted(req.TaskID, records, req.Weights), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownStrategy, req.Strategy)
}

// collect loads subtask records from the task document, falling back to
// the per-task message files when allowed.
func (a *Aggregator) collect(taskID string, includeIntermediate bool) ([]SubtaskRecord, error) {
	task, err := a.orch.GetTask(taskID)
	if err == nil {
		records := make([]SubtaskRecord, 0, len(task.Subtasks))
		for _, st := range task.Subtasks {
			records = append(records, SubtaskRecord{
				SubtaskID:   st.SubtaskID,
				AgentID:     st.AssignedAgent,
				Status:      string(st.Status),
				Result:      st.Result,
				Error:       st.Error,
				StartedAt:   st.StartedAt,
				CompletedAt: st.CompletedAt,
			})
		}
		return records, nil
	}
	if !errors.Is(err, orchestrator.ErrTaskNotFound) || !includeIntermediate {
		return nil, err
	}

	// No task document; recover response messages from the message files.
	msgs, listErr := a.messages.List(taskID)
	if listErr != nil {
		return nil, fmt.Errorf("scanning messages for %s: %w", taskID, listErr)
	}
	var records []SubtaskRecord
	for _, m := range msgs {
		if m.Kind != message.KindResponse {
			continue
		}
		created := m.CreatedAt
		records = append(records, SubtaskRecord{
			SubtaskID:   m.MsgID,
			AgentID:     m.FromAgent,
			Status:      string(orchestrator.SubtaskCompleted),
			Result:      m.Payload,
			CompletedAt: &created,
		})
	}
	return records, nil
}

// mergeConcatenate orders records by completion time and appends results.
func mergeConcatenate(taskID string, records []SubtaskRecord) map[string]any {
	sorted := make([]SubtaskRecord, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool {
		return beforeOf(sorted[i]).Before(beforeOf(sorted[j]))
	})

	content := make(map[string]any, len(sorted))
	for _, rec := range sorted {
		if rec.Result != nil {
			content[rec.SubtaskID] = rec.Result
		}
	}
	return map[string]any{
		"task_id":  taskID,
		"strategy": string(StrategyConcatenate),
		"subtasks": sorted,
		"content":  content,
	}
}

// mergeIntelligent partitions results into code, documentation, and data
// buckets by the keys each result carries.
func mergeIntelligent(taskID string, records []SubtaskRecord) map[string]any {
	code := make(map[string]any)
	doc := make(map[string]any)
	data := make(map[string]any)

	for _, rec := range records {
		if rec.Result == nil {
			continue
		}
		switch {
		case hasAnyKey(rec.Result, "code", "files"):
			code[rec.SubtaskID] = rec.Result
		case hasAnyKey(rec.Result, "documentation", "report"):
			doc[rec.SubtaskID] = rec.Result
		default:
			data[rec.SubtaskID] = rec.Result
		}
	}
	return map[string]any{
		"task_id":       taskID,
		"strategy":      string(StrategyIntelligent),
		"code":          code,
		"documentation": doc,
		"data":          data,
		"subtasks":      records,
	}
}

// mergeVoting groups identical results and elects the largest group.
func mergeVoting(taskID string, records []SubtaskRecord) map[string]any {
	groups := make(map[string][]SubtaskRecord)
	var order []string
	for _, rec := range records {
		if rec.Result == nil {
			continue
		}
		key := resultHash(rec.Result)
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], rec)
	}

	var winner string
	for _, key := range order {
		if winner == "" || len(groups[key]) > len(groups[winner]) {
			winner = key
		}
	}

	out := map[string]any{
		"task_id":      taskID,
		"strategy":     string(StrategyVoting),
		"votes":        0,
		"alternatives": 0,
	}
	if winner != "" {
		out["result"] = groups[winner][0].Result
		out["votes"] = len(groups[winner])
		out["alternatives"] = len(groups) - 1
	}
	return out
}

// mergeWeighted sums numeric fields by normalized weight; non-numeric
// fields take the last subtask's value.
func mergeWeighted(taskID string, records []SubtaskRecord, weights map[string]float64) map[string]any {
	total := 0.0
	effective := make(map[string]float64, len(records))
	for _, rec := range records {
		w, ok := weights[rec.SubtaskID]
		if !ok {
			w = 1.0
		}
		effective[rec.SubtaskID] = w
		total += w
	}
	if total > 0 {
		for id := range effective {
			effective[id] /= total
		}
	}

	merged := make(map[string]any)
	for _, rec := range records {
		w := effective[rec.SubtaskID]
		for key, value := range rec.Result {
			if num, ok := asFloat(value); ok {
				prev, _ := asFloat(merged[key])
				merged[key] = prev + num*w
				continue
			}
			merged[key] = value
		}
	}
	return map[string]any{
		"task_id":  taskID,
		"strategy": string(StrategyWeighted),
		"result":   merged,
		"weights":  effective,
	}
}

func beforeOf(rec SubtaskRecord) time.Time {
	if rec.CompletedAt != nil {
		return *rec.CompletedAt
	}
	if rec.StartedAt != nil {
		return *rec.StartedAt
	}
	return time.Time{}
}

func hasAnyKey(m map[string]any, keys ...string) bool {
	for _, key := range keys {
		if _, ok := m[key]; ok {
			return true
		}
	}
	return false
}

// resultHash canonicalizes a result for vote grouping. Marshal sorts map
// keys, so identical results hash identically.
func resultHash(result map[string]any) string {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Sprintf("%v", result)
	}
	return string(raw)
}

func asFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
