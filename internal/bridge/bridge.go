// Package bridge is the external ingress: it accepts task-create, log, and
// status calls from the upstream gateway, maps external ids to internal
// task ids, deduplicates by (request_id, task_id), and publishes the
// corresponding events. The reverse direction converts internal events to
// the external payload shape.
package bridge

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/quantsys/atabus/internal/event"
	"github.com/quantsys/atabus/internal/log"
	"github.com/quantsys/atabus/internal/taskid"
)

// The two ingress whitelists. Which one is active is configuration.
var (
	TaskTypeWhitelist = []string{"RUN_PROMPT", "RUN_SCRIPT", "COLLECT_STATUS"}
	IngressWhitelist  = []string{"TASK_CREATION", "TASK_UPDATE", "LOG_APPEND", "STATUS_UPDATE"}
)

// ErrTaskTypeRejected marks a task_type outside the active whitelist.
var ErrTaskTypeRejected = errors.New("task_type not in whitelist")

// ErrUnknownTask marks an external task id with no internal mapping.
var ErrUnknownTask = errors.New("unknown external task id")

// CreateTaskRequest is the task-create ingress payload.
type CreateTaskRequest struct {
	RequestID    string         `json:"request_id,omitempty"`
	AWSTaskID    string         `json:"aws_task_id,omitempty"`
	AWSTaskCode  string         `json:"aws_task_code,omitempty"`
	TaskType     string         `json:"task_type"`
	Goal         string         `json:"goal,omitempty"`
	Instructions string         `json:"instructions,omitempty"`
	Prompt       string         `json:"prompt,omitempty"`
	Area         string         `json:"area,omitempty"`
	Constraints  []string       `json:"constraints,omitempty"`
	Acceptance   []string       `json:"acceptance,omitempty"`
	Expected     []string       `json:"expected,omitempty"`
	CreatedBy    string         `json:"created_by,omitempty"`
	UserID       string         `json:"user_id,omitempty"`
	Priority     string         `json:"priority,omitempty"`
	Extra        map[string]any `json:"extra,omitempty"`
}

// CreateTaskResult is returned to the gateway and recorded for replays.
type CreateTaskResult struct {
	Success   bool   `json:"success"`
	TaskID    string `json:"task_id"`
	AWSTaskID string `json:"aws_task_id,omitempty"`
	TaskCode  string `json:"task_code,omitempty"`
	EventID   string `json:"event_id"`
}

// UpdateResult is returned by log-append and status-update.
type UpdateResult struct {
	Success  bool   `json:"success"`
	T1TaskID string `json:"t1_task_id"`
	EventID  string `json:"event_id"`
}

// Bridge maps external calls onto the internal substrate.
type Bridge struct {
	db        *sql.DB
	ids       *taskid.Manager
	publisher *event.Publisher
	whitelist map[string]bool
	now       func() time.Time
}

// New builds a Bridge. An empty whitelist admits the task_type set plus the
// ingress-level set.
func New(db *sql.DB, ids *taskid.Manager, publisher *event.Publisher, whitelist []string) *Bridge {
	if len(whitelist) == 0 {
		whitelist = append(append([]string{}, TaskTypeWhitelist...), IngressWhitelist...)
	}
	allowed := make(map[string]bool, len(whitelist))
	for _, t := range whitelist {
		allowed[t] = true
	}
	return &Bridge{db: db, ids: ids, publisher: publisher, whitelist: allowed, now: time.Now}
}

// CreateTask handles a task-create call. Replays with the same request and
// external task id return the recorded result without publishing again.
func (b *Bridge) CreateTask(req CreateTaskRequest) (CreateTaskResult, error) {
	if !b.whitelist[req.TaskType] {
		return CreateTaskResult{}, fmt.Errorf("%w: %q", ErrTaskTypeRejected, req.TaskType)
	}

	taskID, err := b.resolveTaskID(req)
	if err != nil {
		return CreateTaskResult{}, err
	}

	requestID := req.RequestID
	if requestID == "" {
		requestID = req.AWSTaskID
	}
	if requestID != "" {
		if recorded, ok, err := b.recordedResult(requestID, taskID); err != nil {
			return CreateTaskResult{}, err
		} else if ok {
			var result CreateTaskResult
			if err := json.Unmarshal([]byte(recorded), &result); err != nil {
				return CreateTaskResult{}, fmt.Errorf("decoding recorded result: %w", err)
			}
			log.Debug(log.CatBridge, "Replayed task create", "requestID", requestID, "taskID", taskID)
			return result, nil
		}
	}

	taskCode, _, err := b.ids.TaskCode(taskID)
	if err != nil {
		return CreateTaskResult{}, err
	}

	ev, err := b.publisher.PublishTaskCreated(taskID, map[string]any{
		"description": firstNonEmpty(req.Goal, req.Instructions, req.Prompt),
		"acceptance":  firstNonEmptyList(req.Acceptance, req.Expected),
		"constraints": req.Constraints,
		"created_by":  firstNonEmpty(req.CreatedBy, req.UserID, "aws_user"),
		"priority":    req.Priority,
		"task_type":   req.TaskType,
		"aws_task_id": req.AWSTaskID,
	})
	if err != nil {
		return CreateTaskResult{}, err
	}

	result := CreateTaskResult{
		Success:   true,
		TaskID:    taskID,
		AWSTaskID: req.AWSTaskID,
		TaskCode:  taskCode,
		EventID:   ev.EventID,
	}
	if requestID != "" {
		if err := b.recordResult(requestID, taskID, result); err != nil {
			return CreateTaskResult{}, err
		}
	}
	log.Info(log.CatBridge, "External task created", "taskID", taskID, "awsTaskID", req.AWSTaskID, "type", req.TaskType)
	return result, nil
}

// LogAppend publishes a TaskUpdated event carrying a log entry.
func (b *Bridge) LogAppend(awsTaskID, requestID string, logData map[string]any) (UpdateResult, error) {
	return b.update(awsTaskID, requestID, map[string]any{
		"update_type": "log_append",
		"log":         logData,
	})
}

// StatusUpdate publishes a TaskUpdated event carrying status fields.
func (b *Bridge) StatusUpdate(awsTaskID, requestID, status string, statusData map[string]any) (UpdateResult, error) {
	return b.update(awsTaskID, requestID, map[string]any{
		"update_type": "status_update",
		"status":      status,
		"status_data": statusData,
	})
}

func (b *Bridge) update(awsTaskID, requestID string, payload map[string]any) (UpdateResult, error) {
	taskID, ok, err := b.TaskIDFor(awsTaskID)
	if err != nil {
		return UpdateResult{}, err
	}
	if !ok {
		return UpdateResult{}, fmt.Errorf("%w: %s", ErrUnknownTask, awsTaskID)
	}

	if requestID != "" {
		if recorded, found, err := b.recordedResult(requestID, taskID); err != nil {
			return UpdateResult{}, err
		} else if found {
			var result UpdateResult
			if err := json.Unmarshal([]byte(recorded), &result); err != nil {
				return UpdateResult{}, fmt.Errorf("decoding recorded result: %w", err)
			}
			return result, nil
		}
	}

	payload["aws_task_id"] = awsTaskID
	ev, err := b.publisher.PublishTaskUpdated(taskID, payload)
	if err != nil {
		return UpdateResult{}, err
	}
	result := UpdateResult{Success: true, T1TaskID: taskID, EventID: ev.EventID}
	if requestID != "" {
		if err := b.recordResult(requestID, taskID, result); err != nil {
			return UpdateResult{}, err
		}
	}
	return result, nil
}

// resolveTaskID maps the external identifiers to an internal task id,
// creating it on first contact.
func (b *Bridge) resolveTaskID(req CreateTaskRequest) (string, error) {
	if req.AWSTaskID != "" {
		if taskID, ok, err := b.TaskIDFor(req.AWSTaskID); err != nil {
			return "", err
		} else if ok {
			return taskID, nil
		}
	}

	var taskID string
	var err error
	if area, date, ok := splitTaskCode(req.AWSTaskCode); ok {
		taskID, err = b.ids.GenerateFor(area, date)
	} else {
		area := req.Area
		if area == "" {
			area = taskid.DefaultArea
		}
		taskID, err = b.ids.Generate(area)
	}
	if err != nil {
		return "", fmt.Errorf("generating task id: %w", err)
	}
	if req.AWSTaskCode != "" {
		if err := b.ids.RegisterMapping(req.AWSTaskCode, taskID); err != nil {
			return "", err
		}
	}

	if req.AWSTaskID != "" {
		_, err = b.db.Exec(
			`INSERT OR IGNORE INTO ingress_task_map (aws_task_id, task_id, created_at) VALUES (?, ?, ?)`,
			req.AWSTaskID, taskID, b.now().UnixNano(),
		)
		if err != nil {
			return "", fmt.Errorf("recording task mapping: %w", err)
		}
	}
	return taskID, nil
}

// TaskIDFor looks up the internal task id for an external one.
func (b *Bridge) TaskIDFor(awsTaskID string) (string, bool, error) {
	var taskID string
	err := b.db.QueryRow(`SELECT task_id FROM ingress_task_map WHERE aws_task_id = ?`, awsTaskID).Scan(&taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return taskID, true, nil
}

// AWSTaskIDFor is the reverse lookup, used when converting events outbound.
func (b *Bridge) AWSTaskIDFor(taskID string) (string, bool, error) {
	var awsTaskID string
	err := b.db.QueryRow(`SELECT aws_task_id FROM ingress_task_map WHERE task_id = ?`, taskID).Scan(&awsTaskID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return awsTaskID, true, nil
}

func (b *Bridge) recordedResult(requestID, taskID string) (string, bool, error) {
	var result string
	err := b.db.QueryRow(
		`SELECT result FROM ingress_dedupe WHERE request_id = ? AND task_id = ?`,
		requestID, taskID,
	).Scan(&result)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return result, true, nil
}

func (b *Bridge) recordResult(requestID, taskID string, result any) error {
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	_, err = b.db.Exec(
		`INSERT OR IGNORE INTO ingress_dedupe (request_id, task_id, result, created_at) VALUES (?, ?, ?, ?)`,
		requestID, taskID, string(data), b.now().UnixNano(),
	)
	return err
}

// ConvertEvent rewrites an internal event to the external payload shape.
func (b *Bridge) ConvertEvent(ev event.Event) (map[string]any, error) {
	externalID := ev.CorrelationID
	if awsID, ok, err := b.AWSTaskIDFor(ev.CorrelationID); err != nil {
		return nil, err
	} else if ok {
		externalID = awsID
	}

	out := map[string]any{
		"event_type": string(ev.Type),
		"task_id":    externalID,
		"t1_task_id": ev.CorrelationID,
		"timestamp":  ev.Timestamp.Format(time.RFC3339Nano),
		"source":     ev.Source,
		"payload":    ev.Payload,
	}

	switch ev.Type {
	case event.VerdictGenerated:
		out["verdict"] = map[string]any{
			"status":     ev.Payload["status"],
			"fail_codes": ev.Payload["fail_codes"],
		}
	case event.SubtaskCompleted:
		out["subtask"] = map[string]any{
			"subtask_id": ev.Payload["subtask_id"],
			"status":     ev.Payload["status"],
		}
	case event.TaskUpdated:
		switch ev.Payload["update_type"] {
		case "log_append":
			out["log"] = ev.Payload["log"]
		case "status_update":
			out["status"] = map[string]any{
				"status":      ev.Payload["status"],
				"status_data": ev.Payload["status_data"],
			}
		}
	}
	return out, nil
}

// splitTaskCode splits an external "{AREA}__{YYYYMMDD}" code.
func splitTaskCode(code string) (area, date string, ok bool) {
	area, date, found := strings.Cut(code, "__")
	if !found || area == "" || len(date) != 8 {
		return "", "", false
	}
	for _, r := range date {
		if r < '0' || r > '9' {
			return "", "", false
		}
	}
	return area, date, true
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstNonEmptyList(lists ...[]string) []string {
	for _, l := range lists {
		if len(l) > 0 {
			return l
		}
	}
	return nil
}
