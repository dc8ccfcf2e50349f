// Package verdict turns CI verdict artifacts into events and repair work.
// A verdict file is tolerant JSON: status casing and schema drift are
// normalized, fail codes derived from checks when absent, and each fail
// code becomes one repair subtask on the originating task.
package verdict

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/quantsys/atabus/internal/event"
	"github.com/quantsys/atabus/internal/log"
	"github.com/quantsys/atabus/internal/orchestrator"
	"github.com/quantsys/atabus/internal/taskid"
)

// repairDescriptions maps known fail codes to repair instructions.
var repairDescriptions = map[string]string{
	"SELFTEST_USER_SUPPLIED":    "修复：移除用户提供的 selftest.log，仅使用 CI 生成的 ci_selftest_proof.json",
	"EVIDENCE_SCOPE_VIOLATION":  "修复：确保所有 evidence_paths 都在 artifacts 目录下",
	"STAGE_MISSING":             "修复：补充缺失的阶段文件",
	"STAGE_VALIDATION_FAILED":   "修复：修正阶段文件验证错误",
	"ABSOLUTE_PATH_IN_EVIDENCE": "修复：将所有绝对路径改为相对路径",
}

// Verdict is the normalized view of a verdict file.
type Verdict struct {
	Status    string         `json:"status"`
	FailCodes []string       `json:"fail_codes"`
	TaskCode  string         `json:"task_code"`
	TaskID    string         `json:"task_id"`
	Raw       map[string]any `json:"raw"`
}

// Result reports what processing a verdict did.
type Result struct {
	Verdict        Verdict  `json:"verdict"`
	EventID        string   `json:"event_id"`
	RepairSubtasks []string `json:"repair_subtasks,omitempty"`
}

// Handler processes verdict files.
type Handler struct {
	ids       *taskid.Manager
	orch      *orchestrator.Orchestrator
	publisher *event.Publisher
}

// NewHandler builds a verdict handler.
func NewHandler(ids *taskid.Manager, orch *orchestrator.Orchestrator, publisher *event.Publisher) *Handler {
	return &Handler{ids: ids, orch: orch, publisher: publisher}
}

// ProcessFile loads and processes a verdict artifact from disk.
func (h *Handler) ProcessFile(path string) (Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Result{}, fmt.Errorf("reading verdict %s: %w", path, err)
	}
	return h.Process(data)
}

// Process normalizes the verdict, publishes VerdictGenerated, and on fail
// appends one repair subtask per fail code to the task's DAG.
func (h *Handler) Process(data []byte) (Result, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return Result{}, fmt.Errorf("parsing verdict: %w", err)
	}

	v := Verdict{
		Status:    NormalizeStatus(stringField(raw, "status")),
		FailCodes: failCodes(raw),
		TaskCode:  stringField(raw, "task_code"),
		Raw:       raw,
	}

	taskID, err := h.resolveTaskID(v.TaskCode)
	if err != nil {
		return Result{}, err
	}
	v.TaskID = taskID

	ev, err := h.publisher.PublishVerdict(taskID, v.Status, v.FailCodes, map[string]any{
		"task_code": v.TaskCode,
	})
	if err != nil {
		return Result{}, err
	}
	result := Result{Verdict: v, EventID: ev.EventID}

	if v.Status != "fail" || len(v.FailCodes) == 0 {
		return result, nil
	}

	added, err := h.appendRepairSubtasks(taskID, v)
	if err != nil {
		return Result{}, err
	}
	result.RepairSubtasks = added
	log.Info(log.CatVerdict, "Verdict processed", "taskID", taskID, "status", v.Status, "repairs", len(added))
	return result, nil
}

func (h *Handler) resolveTaskID(taskCode string) (string, error) {
	if taskCode == "" {
		return "", fmt.Errorf("verdict carries no task_code")
	}
	// Some gates write the canonical task id into task_code.
	if taskid.IsValid(taskCode) {
		return taskCode, nil
	}
	if taskID, ok, err := h.ids.TaskID(taskCode); err != nil {
		return "", err
	} else if ok {
		return taskID, nil
	}
	return h.ids.EnsureTaskID(taskCode, "")
}

func (h *Handler) appendRepairSubtasks(taskID string, v Verdict) ([]string, error) {
	task, err := h.orch.GetTask(taskID)
	if err != nil {
		// Verdicts can arrive before any task document exists.
		task, err = h.orch.EnsureTask(taskID, "", "verdict", orchestrator.TaskRunning)
		if err != nil {
			return nil, err
		}
	}

	existing := make(map[string]bool, len(task.Subtasks))
	for _, st := range task.Subtasks {
		existing[st.SubtaskID] = true
	}

	var added []string
	for _, code := range v.FailCodes {
		subtaskID := fmt.Sprintf("%s-REPAIR-%s", taskID, code)
		if existing[subtaskID] {
			continue
		}
		st := orchestrator.Subtask{
			SubtaskID:   subtaskID,
			Role:        "quant_dev_infra",
			Action:      "fix",
			Priority:    "high",
			TimeoutSec:  3600,
			Description: RepairDescription(code),
			Inputs: map[string]any{
				"fail_code":    code,
				"verdict_data": v.Raw,
			},
			Outputs: []string{
				fmt.Sprintf("修复 %s 问题", code),
				"更新任务状态",
			},
			Status: orchestrator.SubtaskPending,
		}
		if _, err := h.orch.AddSubtask(taskID, st); err != nil {
			return nil, err
		}
		if _, err := h.publisher.PublishSubtaskCreated(subtaskID, map[string]any{
			"task_id":   taskID,
			"fail_code": code,
			"role":      st.Role,
		}); err != nil {
			return nil, err
		}
		added = append(added, subtaskID)
	}
	return added, nil
}

// NormalizeStatus folds the accepted status spellings into pass/fail;
// anything else is unknown.
func NormalizeStatus(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pass", "passed", "ok", "success":
		return "pass"
	case "fail", "failed", "error":
		return "fail"
	}
	return "unknown"
}

// RepairDescription returns the repair instruction for a fail code.
func RepairDescription(failCode string) string {
	if desc, ok := repairDescriptions[failCode]; ok {
		return desc
	}
	return fmt.Sprintf("修复 CI 门禁失败：%s", failCode)
}

// failCodes prefers a top-level fail_codes string list, else derives codes
// from non-PASS checks, deduplicating while preserving order.
func failCodes(raw map[string]any) []string {
	if list, ok := raw["fail_codes"].([]any); ok {
		var codes []string
		for _, item := range list {
			if s, ok := item.(string); ok {
				codes = appendUnique(codes, s)
			}
		}
		if codes != nil {
			return codes
		}
	}

	checks, ok := raw["checks"].([]any)
	if !ok {
		return nil
	}
	var codes []string
	for _, item := range checks {
		check, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if strings.EqualFold(stringField(check, "status"), "PASS") {
			continue
		}
		name := stringField(check, "name")
		if name == "" {
			continue
		}
		code := strings.ToUpper(name)
		code = strings.ReplaceAll(code, "-", "_")
		code = strings.ReplaceAll(code, " ", "_")
		codes = appendUnique(codes, code)
	}
	return codes
}

func appendUnique(list []string, item string) []string {
	for _, v := range list {
		if v == item {
			return list
		}
	}
	return append(list, item)
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}
