package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/quantsys/atabus/internal/log"
	"github.com/quantsys/atabus/internal/orchestrator"
)

// API serves the external gateway HTTP surface.
type API struct {
	bridge  *Bridge
	orch    *orchestrator.Orchestrator
	token   string
	version string
}

// NewAPI builds the handler set. An empty token disables bearer auth.
func NewAPI(b *Bridge, orch *orchestrator.Orchestrator, token, version string) *API {
	return &API{bridge: b, orch: orch, token: token, version: version}
}

// Routes registers the gateway endpoints on mux.
func (a *API) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/aws/task/create", a.auth(a.handleTaskCreate))
	mux.HandleFunc("POST /api/aws/task/log", a.auth(a.handleTaskLog))
	mux.HandleFunc("POST /api/aws/task/status", a.auth(a.handleTaskStatus))
	mux.HandleFunc("GET /api/aws/events/{task_id}", a.auth(a.handleEvents))
	mux.HandleFunc("GET /api/aws/events/{task_id}/stream", a.auth(a.handleEventStream))
	mux.HandleFunc("GET /api/aws/task/{task_id}/status", a.auth(a.handleStatusGet))
	mux.HandleFunc("GET /api/aws/health", a.handleHealth)
}

func (a *API) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if a.token != "" {
			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") || strings.TrimPrefix(header, "Bearer ") != a.token {
				writeJSON(w, http.StatusUnauthorized, map[string]any{
					"success": false,
					"error":   "invalid or missing bearer token",
				})
				return
			}
		}
		next(w, r)
	}
}

func (a *API) handleTaskCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	result, err := a.bridge.CreateTask(req)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrTaskTypeRejected) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleTaskLog(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AWSTaskID string         `json:"aws_task_id"`
		RequestID string         `json:"request_id"`
		LogData   map[string]any `json:"log_data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	result, err := a.bridge.LogAppend(req.AWSTaskID, req.RequestID, req.LogData)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AWSTaskID  string         `json:"aws_task_id"`
		RequestID  string         `json:"request_id"`
		Status     string         `json:"status"`
		StatusData map[string]any `json:"status_data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	result, err := a.bridge.StatusUpdate(req.AWSTaskID, req.RequestID, req.Status, req.StatusData)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	externalID := r.PathValue("task_id")
	taskID := a.resolve(externalID)

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = parsed
	}

	events, err := a.bridge.publisher.Store().ListByCorrelation(taskID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	converted := make([]map[string]any, 0, len(events))
	for _, ev := range events {
		out, err := a.bridge.ConvertEvent(ev)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		converted = append(converted, out)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"task_id":    externalID,
		"t1_task_id": taskID,
		"events":     converted,
		"count":      len(converted),
	})
}

// handleEventStream pushes live events for a task as SSE frames until the
// client disconnects. Only events correlated to the task (or its subtasks)
// are forwarded.
func (a *API) handleEventStream(w http.ResponseWriter, r *http.Request) {
	externalID := r.PathValue("task_id")
	taskID := a.resolve(externalID)

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	feed := a.bridge.publisher.Subscribe(r.Context())
	for {
		select {
		case <-r.Context().Done():
			return
		case evt, open := <-feed:
			if !open {
				return
			}
			ev := evt.Payload
			if !strings.HasPrefix(ev.CorrelationID, taskID) {
				continue
			}
			out, err := a.bridge.ConvertEvent(ev)
			if err != nil {
				continue
			}
			data, err := json.Marshal(out)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}

func (a *API) handleStatusGet(w http.ResponseWriter, r *http.Request) {
	externalID := r.PathValue("task_id")
	taskID := a.resolve(externalID)

	task, err := a.orch.GetTask(taskID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	progress, err := a.orch.GetProgress(taskID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"task_id":    externalID,
		"t1_task_id": taskID,
		"status":     strings.ToLower(string(task.Status)),
		"subtasks":   task.Subtasks,
		"progress":   progress,
	})
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "aws_gateway",
		"version": a.version,
	})
}

// resolve accepts either an external or internal task id.
func (a *API) resolve(id string) string {
	if taskID, ok, err := a.bridge.TaskIDFor(id); err == nil && ok {
		return taskID
	}
	return id
}

func statusFor(err error) int {
	if errors.Is(err, ErrUnknownTask) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, status int, msg string) {
	log.Debug(log.CatBridge, "Request rejected", "status", status, "error", msg)
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
