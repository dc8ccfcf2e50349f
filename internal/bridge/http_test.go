package bridge

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantsys/atabus/internal/orchestrator"
)

func jsonDecode(r *http.Request, dst any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(dst)
}

func newAPIFixture(t *testing.T) (*fixture, *httptest.Server, *orchestrator.Orchestrator) {
	t.Helper()
	f := newFixture(t)
	orch, err := orchestrator.New(t.TempDir(), f.ids, f.publisher)
	require.NoError(t, err)

	mux := http.NewServeMux()
	NewAPI(f.bridge, orch, "secret", "1.2.3").Routes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return f, srv, orch
}

func post(t *testing.T, srv *httptest.Server, path, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, srv.URL+path, bytes.NewReader(raw))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func get(t *testing.T, srv *httptest.Server, path, token string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, srv.URL+path, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func TestAPI_AuthRequired(t *testing.T) {
	_, srv, _ := newAPIFixture(t)

	resp, body := post(t, srv, "/api/aws/task/create", "", map[string]any{"task_type": "RUN_PROMPT"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, false, body["success"])

	resp, _ = post(t, srv, "/api/aws/task/create", "wrong", map[string]any{"task_type": "RUN_PROMPT"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Health is unauthenticated.
	resp, body = get(t, srv, "/api/aws/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "aws_gateway", body["service"])
	assert.Equal(t, "1.2.3", body["version"])
}

func TestAPI_TaskCreateAndStatusFlow(t *testing.T) {
	_, srv, orch := newAPIFixture(t)

	resp, body := post(t, srv, "/api/aws/task/create", "secret", map[string]any{
		"task_type":   "RUN_PROMPT",
		"aws_task_id": "aws-http-001",
		"area":        "AWS_INTAKE_TEST",
		"goal":        "测试 AWS 任务创建",
		"acceptance":  []string{"任务在10s内进入running"},
		"created_by":  "aws_user",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	taskID, _ := body["task_id"].(string)
	assert.Regexp(t, `^AWS_INTAKE_TEST-\d{8}-001$`, taskID)

	// Simulate the orchestrator subscriber having picked up TaskCreated.
	_, err := orch.EnsureTask(taskID, "测试 AWS 任务创建", "aws_user", orchestrator.TaskRunning)
	require.NoError(t, err)

	resp, body = get(t, srv, "/api/aws/task/aws-http-001/status", "secret")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "running", body["status"])
	assert.Equal(t, taskID, body["t1_task_id"])

	resp, body = get(t, srv, "/api/aws/events/aws-http-001", "secret")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["count"])
	events, _ := body["events"].([]any)
	require.Len(t, events, 1)
	first, _ := events[0].(map[string]any)
	assert.Equal(t, "TaskCreated", first["event_type"])
	assert.Equal(t, "aws-http-001", first["task_id"])
}

func TestAPI_ValidationErrors(t *testing.T) {
	_, srv, _ := newAPIFixture(t)

	resp, body := post(t, srv, "/api/aws/task/create", "secret", map[string]any{"task_type": "NOPE"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	errMsg, _ := body["error"].(string)
	assert.Contains(t, errMsg, "task_type not in whitelist")

	resp, _ = post(t, srv, "/api/aws/task/log", "secret", map[string]any{
		"aws_task_id": "missing", "log_data": map[string]any{"line": "x"},
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = get(t, srv, "/api/aws/events/whatever?limit=-1", "secret")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = get(t, srv, "/api/aws/task/unknown/status", "secret")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_EventStream(t *testing.T) {
	f, srv, _ := newAPIFixture(t)

	_, created := post(t, srv, "/api/aws/task/create", "secret", map[string]any{
		"task_type":   "TASK_CREATION",
		"aws_task_id": "aws-sse-1",
		"goal":        "stream me",
	})
	taskID, _ := created["task_id"].(string)
	require.NotEmpty(t, taskID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		srv.URL+"/api/aws/events/aws-sse-1/stream", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// Publish after the subscription is live, then read the frame.
	frames := make(chan string, 1)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, "data: ") {
				frames <- strings.TrimPrefix(line, "data: ")
				return
			}
		}
	}()

	require.Eventually(t, func() bool {
		_, err := f.publisher.PublishTaskUpdated(taskID, map[string]any{"update_type": "log"})
		require.NoError(t, err)
		select {
		case frame := <-frames:
			var out map[string]any
			require.NoError(t, json.Unmarshal([]byte(frame), &out))
			assert.Equal(t, "aws-sse-1", out["task_id"])
			return true
		default:
			return false
		}
	}, 4*time.Second, 100*time.Millisecond)
}
