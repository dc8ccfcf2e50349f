package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/quantsys/atabus/internal/aggregate"
	"github.com/quantsys/atabus/internal/board"
	"github.com/quantsys/atabus/internal/conversation"
	"github.com/quantsys/atabus/internal/event"
	"github.com/quantsys/atabus/internal/flags"
	"github.com/quantsys/atabus/internal/message"
	"github.com/quantsys/atabus/internal/orchestrator"
	"github.com/quantsys/atabus/internal/outbox"
	"github.com/quantsys/atabus/internal/registry"
	"github.com/quantsys/atabus/internal/schema"
	"github.com/quantsys/atabus/internal/taskid"
	"github.com/quantsys/atabus/internal/verdict"
	"github.com/quantsys/atabus/internal/workflow"
)

// Handlers binds every tool to its backing component.
type Handlers struct {
	board     *board.Board
	registry  *registry.Registry
	outbox    *outbox.Outbox
	orch      *orchestrator.Orchestrator
	engine    *workflow.Engine
	agg       *aggregate.Aggregator
	convs     *conversation.Store
	msgs      *message.Store
	verdicts  *verdict.Handler
	ids       *taskid.Manager
	publisher *event.Publisher
	vault     *Vault
	flags     *flags.Registry

	dialogMu sync.Mutex
	dialogs  map[string]map[string]any
}

// NewHandlers builds the handler set.
func NewHandlers(
	b *board.Board,
	reg *registry.Registry,
	ob *outbox.Outbox,
	orch *orchestrator.Orchestrator,
	engine *workflow.Engine,
	agg *aggregate.Aggregator,
	convs *conversation.Store,
	msgs *message.Store,
	verdicts *verdict.Handler,
	ids *taskid.Manager,
	publisher *event.Publisher,
	vault *Vault,
	fl *flags.Registry,
) *Handlers {
	return &Handlers{
		board:     b,
		registry:  reg,
		outbox:    ob,
		orch:      orch,
		engine:    engine,
		agg:       agg,
		convs:     convs,
		msgs:      msgs,
		verdicts:  verdicts,
		ids:       ids,
		publisher: publisher,
		vault:     vault,
		flags:     fl,
		dialogs:   make(map[string]map[string]any),
	}
}

// RegisterAll registers every tool with its scope.
func (h *Handlers) RegisterAll(s *Server) {
	s.RegisterTool(ToolInboxAppend, ScopeAdmin, h.HandleInboxAppend)
	s.RegisterTool(ToolBoardSetStatus, ScopeAdmin, h.HandleBoardSetStatus)
	s.RegisterTool(ToolDocPatch, ScopeAdmin, h.HandleDocPatch)
	s.RegisterTool(ToolATASend, ScopeAdmin, h.HandleATASend)
	s.RegisterTool(ToolATASendReview, ScopeAdmin, h.HandleATASendReview)
	s.RegisterTool(ToolTaskCreate, ScopeAdmin, h.HandleTaskCreate)
	s.RegisterTool(ToolAgentRegister, ScopeAdmin, h.HandleAgentRegister)
	s.RegisterTool(ToolAgentApprove, ScopeAdmin, h.HandleAgentApprove)
	s.RegisterTool(ToolWorkflowExecute, ScopeAdmin, h.HandleWorkflowExecute)
	s.RegisterTool(ToolResultGet, ScopeAdmin, h.HandleResultGet)
	s.RegisterTool(ToolAdminVaultPut, ScopeAdmin, h.HandleAdminVaultPut)
	s.RegisterTool(ToolAdminVaultGet, ScopeAdmin, h.HandleAdminVaultGet)

	s.RegisterTool(ToolATASendRequest, ScopePublic, h.HandleATASendRequest)
	s.RegisterTool(ToolAgentApply, ScopePublic, h.HandleAgentApply)
	s.RegisterTool(ToolATAReceive, ScopePublic, h.HandleATAReceive)
	s.RegisterTool(ToolATAMessageMark, ScopePublic, h.HandleATAMessageMark)
	s.RegisterTool(ToolInboxTail, ScopePublic, h.HandleInboxTail)
	s.RegisterTool(ToolBoardGet, ScopePublic, h.HandleBoardGet)
	s.RegisterTool(ToolEcho, ScopePublic, h.HandleEcho)
	s.RegisterTool(ToolPing, ScopePublic, h.HandlePing)
	s.RegisterTool(ToolDialogRegister, ScopePublic, h.HandleDialogRegister)
	s.RegisterTool(ToolDialogList, ScopePublic, h.HandleDialogList)
	s.RegisterTool(ToolConversationGet, ScopePublic, h.HandleConversationGet)
	s.RegisterTool(ToolConversationRecord, ScopePublic, h.HandleConversationRecord)

	s.RegisterTool(ToolATATaskCreate, ScopeSystem, h.HandleATATaskCreate)
	s.RegisterTool(ToolATATaskStatus, ScopeSystem, h.HandleATATaskStatus)
	s.RegisterTool(ToolATATaskResult, ScopeSystem, h.HandleATATaskResult)
	s.RegisterTool(ToolATACIVerify, ScopeSystem, h.HandleATACIVerify)
}

// HandleInboxAppend appends a line to today's inbox document.
func (h *Handlers) HandleInboxAppend(_ context.Context, _ AuthContext, args map[string]any) (map[string]any, error) {
	text := argString(args, "text")
	if text == "" {
		return nil, fmt.Errorf("text is required")
	}
	rev, err := h.board.InboxAppend(text, argString(args, "base_rev"))
	if err != nil {
		return conflictResult(err)
	}
	return map[string]any{"success": true, "rev": rev}, nil
}

// HandleBoardSetStatus updates the status cell of a board row.
func (h *Handlers) HandleBoardSetStatus(_ context.Context, _ AuthContext, args map[string]any) (map[string]any, error) {
	taskID := argString(args, "task_id")
	status := argString(args, "status")
	if taskID == "" || status == "" {
		return nil, fmt.Errorf("task_id and status are required")
	}
	err := h.board.SetStatus(taskID, status, argString(args, "artifacts"), argString(args, "base_rev"))
	if err != nil {
		return conflictResult(err)
	}
	_, rev, err := h.board.Get()
	if err != nil {
		return nil, err
	}
	return map[string]any{"success": true, "task_id": taskID, "rev": rev}, nil
}

// HandleDocPatch replaces a board document under a mandatory base_rev.
func (h *Handlers) HandleDocPatch(_ context.Context, _ AuthContext, args map[string]any) (map[string]any, error) {
	name := argString(args, "name")
	if name == "" {
		return nil, fmt.Errorf("name is required")
	}
	rev, err := h.board.PatchDoc(name, argString(args, "content"), argString(args, "base_rev"))
	if err != nil {
		return conflictResult(err)
	}
	return map[string]any{"success": true, "name": name, "rev": rev}, nil
}

// HandleATASend performs an admin direct send: the request is created and
// approved in one step, so template validation still runs fail-closed.
func (h *Handlers) HandleATASend(_ context.Context, auth AuthContext, args map[string]any) (map[string]any, error) {
	req, err := h.outboxRequest(auth, args)
	if err != nil {
		return nil, err
	}
	pending, err := h.outbox.SendRequest(req)
	if err != nil {
		return nil, err
	}
	review, err := h.outbox.Review(pending.RequestID, "approve", "", auth.Caller)
	if err != nil {
		return nil, err
	}
	out := toMap(review)
	out["success"] = review.Success
	return out, nil
}

// HandleATASendReview applies an admin decision to a pending request.
func (h *Handlers) HandleATASendReview(_ context.Context, auth AuthContext, args map[string]any) (map[string]any, error) {
	review, err := h.outbox.Review(
		argString(args, "request_id"),
		argString(args, "action"),
		argString(args, "reason"),
		auth.Caller,
	)
	if err != nil {
		return nil, err
	}
	out := toMap(review)
	out["success"] = review.Success
	return out, nil
}

// HandleTaskCreate creates and decomposes a task.
func (h *Handlers) HandleTaskCreate(_ context.Context, auth AuthContext, args map[string]any) (map[string]any, error) {
	task, err := h.orch.CreateTask(orchestrator.CreateTaskRequest{
		Description:      argString(args, "description"),
		WorkflowTemplate: argString(args, "workflow_template"),
		Priority:         argString(args, "priority"),
		TimeoutSec:       argInt(args, "timeout_seconds"),
		RequiredRoles:    argStrings(args, "required_roles"),
		Area:             argString(args, "area"),
		CreatedBy:        auth.Caller,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"success": true,
		"task_id": task.TaskID,
		"status":  string(task.Status),
		"task":    toMap(task),
	}, nil
}

// HandleAgentRegister registers an agent with optional admin overrides.
func (h *Handlers) HandleAgentRegister(_ context.Context, _ AuthContext, args map[string]any) (map[string]any, error) {
	agent, err := h.registry.Register(
		argString(args, "agent_id"),
		argString(args, "agent_type"),
		argString(args, "role"),
		argStrings(args, "capabilities"),
		registerOptions(args),
	)
	if err != nil {
		return nil, err
	}
	out := toMap(agent)
	out["success"] = true
	out["display_name"] = agent.DisplayName()
	return out, nil
}

// HandleAgentApprove promotes a pending application to a registered agent.
func (h *Handlers) HandleAgentApprove(_ context.Context, _ AuthContext, args map[string]any) (map[string]any, error) {
	agent, err := h.registry.Approve(argString(args, "agent_id"), registerOptions(args))
	if err != nil {
		return nil, err
	}
	out := toMap(agent)
	out["success"] = true
	out["display_name"] = agent.DisplayName()
	return out, nil
}

// HandleWorkflowExecute starts a workflow instance.
func (h *Handlers) HandleWorkflowExecute(_ context.Context, _ AuthContext, args map[string]any) (map[string]any, error) {
	inst, err := h.engine.Execute(
		argString(args, "workflow"),
		argMap(args, "inputs"),
		argString(args, "task_id"),
	)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"success":     true,
		"instance_id": inst.InstanceID,
		"status":      string(inst.Status),
		"instance":    toMap(inst),
	}, nil
}

// HandleResultGet merges the task's subtask results.
func (h *Handlers) HandleResultGet(ctx context.Context, _ AuthContext, args map[string]any) (map[string]any, error) {
	result, err := h.agg.GetResult(ctx, aggregate.Request{
		TaskID:              argString(args, "task_id"),
		Strategy:            aggregate.Strategy(argString(args, "strategy")),
		IncludeIntermediate: argBool(args, "include_intermediate"),
		Weights:             argWeights(args, "weights"),
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"success": true, "result": result}, nil
}

// HandleAdminVaultPut stores a vault value.
func (h *Handlers) HandleAdminVaultPut(_ context.Context, auth AuthContext, args map[string]any) (map[string]any, error) {
	key := argString(args, "key")
	if key == "" {
		return nil, fmt.Errorf("key is required")
	}
	if err := h.vault.Put(key, argString(args, "value"), auth.Caller); err != nil {
		return nil, err
	}
	return map[string]any{"success": true, "key": key}, nil
}

// HandleAdminVaultGet reads a vault value.
func (h *Handlers) HandleAdminVaultGet(_ context.Context, _ AuthContext, args map[string]any) (map[string]any, error) {
	value, err := h.vault.Get(argString(args, "key"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"success": true, "key": argString(args, "key"), "value": value}, nil
}

// HandleATASendRequest enqueues a pending outbox request.
func (h *Handlers) HandleATASendRequest(_ context.Context, auth AuthContext, args map[string]any) (map[string]any, error) {
	req, err := h.outboxRequest(auth, args)
	if err != nil {
		return nil, err
	}
	pending, err := h.outbox.SendRequest(req)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"success":    true,
		"request_id": pending.RequestID,
		"status":     string(pending.Status),
	}, nil
}

// HandleAgentApply records a registration application.
func (h *Handlers) HandleAgentApply(_ context.Context, _ AuthContext, args map[string]any) (map[string]any, error) {
	app, err := h.registry.Apply(
		argString(args, "agent_id"),
		argString(args, "agent_type"),
		argString(args, "role"),
		argStrings(args, "capabilities"),
		argInt(args, "max_concurrent_tasks"),
	)
	if err != nil {
		return nil, err
	}

	if h.flags.Enabled(flags.FlagOpenRegistration) {
		agent, err := h.registry.Approve(app.AgentID, registry.RegisterOptions{})
		if err != nil {
			return nil, err
		}
		out := toMap(agent)
		out["success"] = true
		out["approved"] = true
		out["display_name"] = agent.DisplayName()
		return out, nil
	}

	out := toMap(app)
	out["success"] = true
	return out, nil
}

// HandleATAReceive lists messages addressed to the caller.
func (h *Handlers) HandleATAReceive(_ context.Context, auth AuthContext, args map[string]any) (map[string]any, error) {
	if err := h.requireRegistered(auth); err != nil {
		return nil, err
	}
	msgs, err := h.msgs.Receive(argString(args, "task_key"), auth.Caller)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toMap(m))
	}
	return map[string]any{"success": true, "messages": out, "count": len(out)}, nil
}

// HandleATAMessageMark marks a received message. Only the recipient (or
// an admin) may move a message's status.
func (h *Handlers) HandleATAMessageMark(_ context.Context, auth AuthContext, args map[string]any) (map[string]any, error) {
	if err := h.requireRegistered(auth); err != nil {
		return nil, err
	}
	taskKey := argString(args, "task_key")
	msgID := argString(args, "msg_id")
	status, err := parseMessageStatus(argString(args, "status"))
	if err != nil {
		return nil, err
	}

	if !auth.IsAdmin {
		listed, err := h.msgs.List(taskKey)
		if err != nil {
			return nil, err
		}
		for _, m := range listed {
			if m.MsgID == msgID && m.ToAgent != auth.Caller {
				return nil, fmt.Errorf("only the recipient %s may mark %s", m.ToAgent, msgID)
			}
		}
	}

	marked, err := h.msgs.Mark(taskKey, msgID, status)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"success": true,
		"msg_id":  marked.MsgID,
		"status":  string(marked.Status),
		"sha256":  marked.SHA256,
	}, nil
}

// HandleInboxTail returns the last N inbox lines.
func (h *Handlers) HandleInboxTail(_ context.Context, _ AuthContext, args map[string]any) (map[string]any, error) {
	limit := argInt(args, "limit")
	if limit <= 0 {
		limit = 10
	}
	lines, err := h.board.InboxTail(limit)
	if err != nil {
		return nil, err
	}
	return map[string]any{"success": true, "lines": lines, "count": len(lines)}, nil
}

// HandleBoardGet reads the board.
func (h *Handlers) HandleBoardGet(_ context.Context, _ AuthContext, args map[string]any) (map[string]any, error) {
	content, rev, err := h.board.Get()
	if err != nil {
		return nil, err
	}
	if taskID := argString(args, "task_id"); taskID != "" {
		entry, ok := h.board.Find(taskID)
		if !ok {
			return nil, fmt.Errorf("task %s not on the board", taskID)
		}
		return map[string]any{"success": true, "rev": rev, "entry": toMap(entry)}, nil
	}
	entries, err := h.board.Entries()
	if err != nil {
		return nil, err
	}
	rows := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		rows = append(rows, toMap(entry))
	}
	return map[string]any{"success": true, "rev": rev, "content": content, "entries": rows}, nil
}

// HandleEcho echoes the arguments back.
func (h *Handlers) HandleEcho(_ context.Context, _ AuthContext, args map[string]any) (map[string]any, error) {
	return map[string]any{"success": true, "echo": args}, nil
}

// HandlePing answers a liveness check.
func (h *Handlers) HandlePing(_ context.Context, _ AuthContext, _ map[string]any) (map[string]any, error) {
	return map[string]any{"success": true, "pong": true}, nil
}

// HandleDialogRegister records a dialog endpoint for an agent.
func (h *Handlers) HandleDialogRegister(_ context.Context, auth AuthContext, args map[string]any) (map[string]any, error) {
	agentID := argString(args, "agent_id")
	if agentID == "" {
		agentID = auth.Caller
	}
	if agentID == "" {
		return nil, fmt.Errorf("agent_id is required")
	}
	endpoint := argString(args, "endpoint")
	if endpoint == "" {
		return nil, fmt.Errorf("endpoint is required")
	}

	dialog := map[string]any{
		"agent_id":      agentID,
		"endpoint":      endpoint,
		"metadata":      argMap(args, "metadata"),
		"registered_at": time.Now().UTC().Format(time.RFC3339),
	}
	h.dialogMu.Lock()
	h.dialogs[agentID] = dialog
	h.dialogMu.Unlock()
	return map[string]any{"success": true, "dialog": dialog}, nil
}

// HandleDialogList lists registered dialog endpoints.
func (h *Handlers) HandleDialogList(_ context.Context, _ AuthContext, _ map[string]any) (map[string]any, error) {
	h.dialogMu.Lock()
	dialogs := make([]map[string]any, 0, len(h.dialogs))
	for _, dialog := range h.dialogs {
		dialogs = append(dialogs, dialog)
	}
	h.dialogMu.Unlock()
	return map[string]any{"success": true, "dialogs": dialogs, "count": len(dialogs)}, nil
}

// HandleConversationGet reads a conversation context.
func (h *Handlers) HandleConversationGet(_ context.Context, _ AuthContext, args map[string]any) (map[string]any, error) {
	taskcode := argString(args, "taskcode")
	if taskcode == "" {
		return nil, fmt.Errorf("taskcode is required")
	}
	convCtx, err := h.convs.Get(taskcode)
	if err != nil {
		return nil, err
	}
	out := toMap(convCtx)
	out["success"] = true
	return out, nil
}

// HandleConversationRecord merges an update into a conversation context.
func (h *Handlers) HandleConversationRecord(_ context.Context, auth AuthContext, args map[string]any) (map[string]any, error) {
	taskcode := argString(args, "taskcode")
	if taskcode == "" {
		return nil, fmt.Errorf("taskcode is required")
	}
	convCtx, err := h.convs.Record(taskcode, conversation.Update{
		FromAgent:   auth.Caller,
		ToAgent:     argString(args, "to_agent"),
		Summary:     argString(args, "summary"),
		KeyPoints:   argStrings(args, "key_points"),
		NextActions: argStrings(args, "next_actions"),
		Status:      argString(args, "status"),
		At:          time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	out := toMap(convCtx)
	out["success"] = true
	return out, nil
}

// HandleATATaskCreate creates or ensures a task for a system caller.
func (h *Handlers) HandleATATaskCreate(_ context.Context, auth AuthContext, args map[string]any) (map[string]any, error) {
	description := argString(args, "description")
	if description == "" {
		return nil, fmt.Errorf("description is required")
	}

	if taskCode := argString(args, "task_code"); taskCode != "" {
		taskID, err := h.ids.EnsureTaskID(taskCode, argString(args, "area"))
		if err != nil {
			return nil, err
		}
		task, err := h.orch.EnsureTask(taskID, description, auth.Caller, orchestrator.TaskPending)
		if err != nil {
			return nil, err
		}
		ev, err := h.publisher.PublishTaskCreated(taskID, map[string]any{
			"description": description,
			"task_code":   taskCode,
			"created_by":  auth.Caller,
		})
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"success":  true,
			"task_id":  task.TaskID,
			"event_id": ev.EventID,
		}, nil
	}

	task, err := h.orch.CreateTask(orchestrator.CreateTaskRequest{
		Description: description,
		Area:        argString(args, "area"),
		CreatedBy:   auth.Caller,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"success": true, "task_id": task.TaskID}, nil
}

// HandleATATaskStatus updates a task or one of its subtasks.
func (h *Handlers) HandleATATaskStatus(_ context.Context, auth AuthContext, args map[string]any) (map[string]any, error) {
	taskID := argString(args, "task_id")
	status := strings.ToUpper(argString(args, "status"))
	if taskID == "" || status == "" {
		return nil, fmt.Errorf("task_id and status are required")
	}

	if subtaskID := argString(args, "subtask_id"); subtaskID != "" {
		subtaskStatus, err := parseSubtaskStatus(status)
		if err != nil {
			return nil, err
		}
		task, err := h.orch.UpdateSubtaskStatus(taskID, subtaskID, subtaskStatus, auth.Caller, nil, argString(args, "error"))
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"success":     true,
			"task_id":     task.TaskID,
			"subtask_id":  subtaskID,
			"task_status": string(task.Status),
		}, nil
	}

	taskStatus, err := parseTaskStatus(status)
	if err != nil {
		return nil, err
	}
	task, err := h.orch.SetTaskStatus(taskID, taskStatus)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"success":     true,
		"task_id":     task.TaskID,
		"task_status": string(task.Status),
	}, nil
}

// HandleATATaskResult validates a canonical result pack and records it.
func (h *Handlers) HandleATATaskResult(_ context.Context, auth AuthContext, args map[string]any) (map[string]any, error) {
	data, err := argPack(args)
	if err != nil {
		return nil, err
	}
	pack, vres := schema.ValidatePack(data)
	if !vres.Valid {
		return map[string]any{
			"success":     false,
			"error":       fmt.Sprintf("%s: %s", vres.ReasonCode, vres.Detail),
			"reason_code": vres.ReasonCode,
		}, nil
	}

	taskID, err := h.ids.EnsureTaskID(pack.TaskCode, "")
	if err != nil {
		return nil, err
	}

	passed := pack.Status == "PASS"
	if subtaskID := argString(args, "subtask_id"); subtaskID != "" {
		subStatus := orchestrator.SubtaskCompleted
		errMsg := ""
		if !passed {
			subStatus = orchestrator.SubtaskFailed
			errMsg = "result pack status FAIL"
		}
		if _, err := h.orch.UpdateSubtaskStatus(taskID, subtaskID, subStatus, auth.Caller, toMap(pack), errMsg); err != nil {
			return nil, err
		}
	} else {
		if _, err := h.orch.EnsureTask(taskID, "", auth.Caller, orchestrator.TaskRunning); err != nil {
			return nil, err
		}
		status := orchestrator.TaskCompleted
		if !passed {
			status = orchestrator.TaskFailed
		}
		if _, err := h.orch.SetTaskStatus(taskID, status); err != nil {
			return nil, err
		}
	}

	ev, err := h.publisher.PublishTaskUpdated(taskID, map[string]any{
		"update_type": "result",
		"task_code":   pack.TaskCode,
		"trace_id":    pack.TraceID,
		"status":      pack.Status,
		"pack":        toMap(pack),
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"success":  true,
		"task_id":  taskID,
		"status":   pack.Status,
		"event_id": ev.EventID,
	}, nil
}

// HandleATACIVerify processes a CI verdict document.
func (h *Handlers) HandleATACIVerify(_ context.Context, _ AuthContext, args map[string]any) (map[string]any, error) {
	raw := argMap(args, "verdict")
	if raw == nil {
		return nil, fmt.Errorf("verdict is required")
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	result, err := h.verdicts.Process(data)
	if err != nil {
		return nil, err
	}
	out := toMap(result)
	out["success"] = true
	return out, nil
}

// outboxRequest builds an outbox request from tool arguments.
func (h *Handlers) outboxRequest(auth AuthContext, args map[string]any) (outbox.Request, error) {
	payload := argMap(args, "payload")
	if payload == nil {
		return outbox.Request{}, fmt.Errorf("payload is required")
	}
	from := argString(args, "from_agent")
	if from == "" {
		from = auth.Caller
	}
	return outbox.Request{
		TaskCode:         argString(args, "taskcode"),
		TaskID:           argString(args, "task_id"),
		FromAgent:        from,
		ToAgent:          argString(args, "to_agent"),
		Kind:             message.Kind(argString(args, "kind")),
		Payload:          payload,
		Priority:         message.Priority(argString(args, "priority")),
		RequiresResponse: argBool(args, "requires_response"),
		ContextHint:      argString(args, "context_hint"),
		ReportPath:       argString(args, "report_path"),
		SelftestLogPath:  argString(args, "selftest_log_path"),
		EvidenceDir:      argString(args, "evidence_dir"),
	}, nil
}

func (h *Handlers) requireRegistered(auth AuthContext) error {
	if auth.Caller == "" {
		return fmt.Errorf("NOT_REGISTERED: caller identity missing")
	}
	if _, err := h.registry.Get(auth.Caller); err != nil {
		return fmt.Errorf("NOT_REGISTERED: agent %s is not registered", auth.Caller)
	}
	return nil
}

// conflictResult maps a board conflict into a structured failure.
func conflictResult(err error) (map[string]any, error) {
	var conflict *board.ConflictError
	if errors.As(err, &conflict) {
		return map[string]any{
			"success":     false,
			"error":       conflict.Error(),
			"current_rev": conflict.CurrentRev,
			"diff":        conflict.Diff,
		}, nil
	}
	return nil, err
}

func parseMessageStatus(s string) (message.Status, error) {
	switch message.Status(s) {
	case message.StatusPending, message.StatusDelivered, message.StatusRead,
		message.StatusAcked, message.StatusArchived:
		return message.Status(s), nil
	}
	return "", fmt.Errorf("unknown message status %q", s)
}

func parseSubtaskStatus(s string) (orchestrator.SubtaskStatus, error) {
	switch orchestrator.SubtaskStatus(s) {
	case orchestrator.SubtaskPending, orchestrator.SubtaskRunning, orchestrator.SubtaskCompleted,
		orchestrator.SubtaskFailed, orchestrator.SubtaskSkipped:
		return orchestrator.SubtaskStatus(s), nil
	}
	return "", fmt.Errorf("unknown subtask status %q", s)
}

func parseTaskStatus(s string) (orchestrator.TaskStatus, error) {
	switch orchestrator.TaskStatus(s) {
	case orchestrator.TaskPending, orchestrator.TaskRunning, orchestrator.TaskCompleted,
		orchestrator.TaskFailed, orchestrator.TaskWaiting, orchestrator.TaskCancelled:
		return orchestrator.TaskStatus(s), nil
	}
	return "", fmt.Errorf("unknown task status %q", s)
}

func registerOptions(args map[string]any) registry.RegisterOptions {
	opts := registry.RegisterOptions{
		MaxConcurrentTasks: argInt(args, "max_concurrent_tasks"),
	}
	if v, ok := args["numeric_code"]; ok {
		if code, ok := asInt(v); ok {
			opts.NumericCode = &code
		}
	}
	if v, ok := args["send_enabled"].(bool); ok {
		opts.SendEnabled = &v
	}
	if v, ok := args["category"].(string); ok && v != "" {
		cat := registry.Category(v)
		opts.Category = &cat
	}
	return opts
}

// argPack returns the pack argument as raw JSON bytes. The RPC transport
// hands the pack through untouched so the field order check sees the bytes
// the client actually sent; in-process callers pass json.RawMessage.
func argPack(args map[string]any) (json.RawMessage, error) {
	switch v := args["pack"].(type) {
	case json.RawMessage:
		return v, nil
	case []byte:
		return json.RawMessage(v), nil
	case string:
		return json.RawMessage(v), nil
	case nil:
		return nil, fmt.Errorf("pack is required")
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encoding pack: %w", err)
		}
		return data, nil
	}
}

// toMap round-trips a struct through JSON into a generic map.
func toMap(v any) map[string]any {
	raw, err := json.Marshal(v)
	if err != nil {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{}
	}
	return out
}

func argString(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func argBool(args map[string]any, key string) bool {
	b, _ := args[key].(bool)
	return b
}

func argInt(args map[string]any, key string) int {
	n, _ := asInt(args[key])
	return n
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case float64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	default:
		return 0, false
	}
}

func argStrings(args map[string]any, key string) []string {
	switch v := args[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func argMap(args map[string]any, key string) map[string]any {
	m, _ := args[key].(map[string]any)
	return m
}

func argWeights(args map[string]any, key string) map[string]float64 {
	raw := argMap(args, key)
	if raw == nil {
		return nil
	}
	out := make(map[string]float64, len(raw))
	for k, v := range raw {
		switch n := v.(type) {
		case float64:
			out[k] = n
		case int:
			out[k] = float64(n)
		}
	}
	return out
}
