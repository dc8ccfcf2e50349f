// Package outbox is the hard gate on outbound agent-to-agent messages.
// Every send enters as a pending OutboxRequest; only an admin review can
// approve it, and approval re-runs template validation fail-closed before
// the real send happens.
package outbox

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/quantsys/atabus/internal/conversation"
	"github.com/quantsys/atabus/internal/log"
	"github.com/quantsys/atabus/internal/message"
	"github.com/quantsys/atabus/internal/queue"
	"github.com/quantsys/atabus/internal/registry"
)

// Status is the review state of an outbox request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// Request is one gated send. The audit triplet paths are mandatory for
// approval.
type Request struct {
	RequestID        string           `json:"request_id"`
	TaskCode         string           `json:"taskcode"`
	TaskID           string           `json:"task_id,omitempty"`
	FromAgent        string           `json:"from_agent"`
	ToAgent          string           `json:"to_agent"`
	Kind             message.Kind     `json:"kind"`
	Payload          map[string]any   `json:"payload"`
	Priority         message.Priority `json:"priority"`
	RequiresResponse bool             `json:"requires_response"`
	ContextHint      string           `json:"context_hint,omitempty"`
	ReportPath       string           `json:"report_path"`
	SelftestLogPath  string           `json:"selftest_log_path"`
	EvidenceDir      string           `json:"evidence_dir"`
	Status           Status           `json:"status"`
	RejectReason     string           `json:"reject_reason,omitempty"`
	LastError        string           `json:"last_error,omitempty"`
	ReviewedBy       string           `json:"reviewed_by,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	ReviewedAt       *time.Time       `json:"reviewed_at,omitempty"`
	SendResult       *SendResult      `json:"send_result,omitempty"`
}

// SendResult records the outcome of an approved send.
type SendResult struct {
	MsgID    string `json:"msg_id"`
	SHA256   string `json:"sha256"`
	FilePath string `json:"file_path"`
}

// ReviewResult is the shape returned to the reviewing admin.
type ReviewResult struct {
	Success    bool        `json:"success"`
	RequestID  string      `json:"request_id"`
	Status     Status      `json:"status"`
	Error      string      `json:"error,omitempty"`
	SendResult *SendResult `json:"send_result,omitempty"`
}

// Outbox owns the JSON outbox file and performs gated sends.
type Outbox struct {
	mu            sync.Mutex
	path          string
	requests      map[string]*Request
	registry      *registry.Registry
	messages      *message.Store
	conversations *conversation.Store
	queue         *queue.Queue
	now           func() time.Time
}

// Option configures an Outbox.
type Option func(*Outbox)

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Outbox) { o.now = now }
}

// New loads (or creates) the outbox file.
func New(dir string, reg *registry.Registry, msgs *message.Store, convs *conversation.Store, q *queue.Queue, opts ...Option) (*Outbox, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating outbox dir: %w", err)
	}
	o := &Outbox{
		path:          filepath.Join(dir, "outbox.json"),
		requests:      make(map[string]*Request),
		registry:      reg,
		messages:      msgs,
		conversations: convs,
		queue:         q,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	data, err := os.ReadFile(o.path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading outbox: %w", err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &o.requests); err != nil {
			return nil, fmt.Errorf("decoding outbox: %w", err)
		}
	}
	return o, nil
}

// SendRequest enqueues a pending outbox request. Both agents must be
// registered and the sender must have send rights.
func (o *Outbox) SendRequest(req Request) (Request, error) {
	from, err := o.registry.Get(req.FromAgent)
	if err != nil {
		return Request{}, fmt.Errorf("from_agent %s is not registered", req.FromAgent)
	}
	if _, err := o.registry.Get(req.ToAgent); err != nil {
		return Request{}, fmt.Errorf("to_agent %s is not registered", req.ToAgent)
	}
	if !from.SendEnabled {
		return Request{}, fmt.Errorf("from_agent %s is not send-enabled", req.FromAgent)
	}

	now := o.now().UTC()
	req.RequestID = newRequestID(now)
	req.Status = StatusPending
	req.CreatedAt = now
	if req.Priority == "" {
		req.Priority = message.PriorityNormal
	}
	if req.Kind == "" {
		req.Kind = message.KindRequest
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.requests[req.RequestID] = &req
	if err := o.flush(); err != nil {
		return Request{}, err
	}
	log.Info(log.CatOutbox, "Outbox request enqueued", "requestID", req.RequestID, "from", req.FromAgent, "to", req.ToAgent)
	return req, nil
}

// Review applies an admin decision. Approval first runs template validation;
// a validation failure hard-rejects the request regardless of the admin's
// intent. Reviewing a non-pending request returns an error naming its
// current status.
func (o *Outbox) Review(requestID, action, reason, reviewer string) (ReviewResult, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	req, ok := o.requests[requestID]
	if !ok {
		return ReviewResult{}, fmt.Errorf("outbox request %s not found", requestID)
	}
	if req.Status != StatusPending {
		return ReviewResult{}, fmt.Errorf("outbox request %s is already %s", requestID, req.Status)
	}

	now := o.now().UTC()
	switch action {
	case "reject":
		req.Status = StatusRejected
		req.RejectReason = reason
		req.ReviewedBy = reviewer
		req.ReviewedAt = &now
		if err := o.flush(); err != nil {
			return ReviewResult{}, err
		}
		return ReviewResult{Success: true, RequestID: requestID, Status: StatusRejected}, nil

	case "approve":
		if verr := o.validateTemplate(req); verr != "" {
			req.Status = StatusRejected
			req.RejectReason = verr
			req.ReviewedBy = reviewer
			req.ReviewedAt = &now
			if err := o.flush(); err != nil {
				return ReviewResult{}, err
			}
			log.Warn(log.CatOutbox, "Outbox request failed template validation", "requestID", requestID, "reason", verr)
			return ReviewResult{Success: false, RequestID: requestID, Status: StatusRejected, Error: verr}, nil
		}

		result, err := o.send(req)
		if err != nil {
			// The send failed after validation passed; the request stays
			// pending for a later retry.
			req.LastError = err.Error()
			if ferr := o.flush(); ferr != nil {
				return ReviewResult{}, ferr
			}
			return ReviewResult{Success: false, RequestID: requestID, Status: StatusPending, Error: err.Error()}, nil
		}

		req.Status = StatusApproved
		req.ReviewedBy = reviewer
		req.ReviewedAt = &now
		req.SendResult = &result
		req.LastError = ""
		if err := o.flush(); err != nil {
			return ReviewResult{}, err
		}
		log.Info(log.CatOutbox, "Outbox request approved", "requestID", requestID, "msgID", result.MsgID)
		return ReviewResult{Success: true, RequestID: requestID, Status: StatusApproved, SendResult: &result}, nil
	}
	return ReviewResult{}, fmt.Errorf("unknown review action %q", action)
}

// Get returns a request by id.
func (o *Outbox) Get(requestID string) (Request, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	req, ok := o.requests[requestID]
	if !ok {
		return Request{}, fmt.Errorf("outbox request %s not found", requestID)
	}
	return *req, nil
}

// List returns requests filtered by status; an empty status returns all.
func (o *Outbox) List(status Status) []Request {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []Request
	for _, req := range o.requests {
		if status == "" || req.Status == status {
			out = append(out, *req)
		}
	}
	return out
}

// validateTemplate runs the approval-time template checks. It returns the
// rejection message, empty when all checks pass.
func (o *Outbox) validateTemplate(req *Request) string {
	for name, path := range map[string]string{
		"report_path":       req.ReportPath,
		"selftest_log_path": req.SelftestLogPath,
		"evidence_dir":      req.EvidenceDir,
	} {
		if msg := checkRelativePath(name, path); msg != "" {
			return msg
		}
	}

	display, err := o.registry.ResolveDisplay(req.ToAgent)
	if err != nil {
		return fmt.Sprintf("TEMPLATE_INVALID: recipient %s cannot be resolved", req.ToAgent)
	}

	text := messageText(req.Payload)
	if text == "" {
		return "TEMPLATE_INVALID: payload must include a non-empty message or text string"
	}
	if !strings.HasPrefix(strings.TrimSpace(text), "@"+display) {
		return fmt.Sprintf("TEMPLATE_INVALID: message must start with '@%s'", display)
	}
	return ""
}

// send runs the real send logic, re-validating the sender and the comm
// prefix fail-closed.
func (o *Outbox) send(req *Request) (SendResult, error) {
	from, err := o.registry.Get(req.FromAgent)
	if err != nil {
		return SendResult{}, fmt.Errorf("from_agent %s is no longer registered", req.FromAgent)
	}
	if !from.SendEnabled {
		return SendResult{}, fmt.Errorf("from_agent %s is not send-enabled", req.FromAgent)
	}
	display, err := o.registry.ResolveDisplay(req.ToAgent)
	if err != nil {
		return SendResult{}, err
	}
	text := messageText(req.Payload)
	if !strings.HasPrefix(strings.TrimSpace(text), "@"+display) {
		return SendResult{}, fmt.Errorf("message must start with '@%s'", display)
	}

	msg := message.Message{
		TaskCode:         req.TaskCode,
		TaskID:           req.TaskID,
		FromAgent:        req.FromAgent,
		ToAgent:          req.ToAgent,
		Kind:             req.Kind,
		Payload:          req.Payload,
		Priority:         req.Priority,
		RequiresResponse: req.RequiresResponse,
		Status:           message.StatusPending,
		CreatedAt:        o.now().UTC(),
	}
	if err := msg.Seal(); err != nil {
		return SendResult{}, err
	}

	path, err := o.messages.Write(msg)
	if err != nil {
		return SendResult{}, err
	}

	if _, err := o.conversations.Record(req.TaskCode, conversation.Update{
		FromAgent: req.FromAgent,
		ToAgent:   req.ToAgent,
		At:        msg.CreatedAt,
	}); err != nil {
		return SendResult{}, err
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return SendResult{}, err
	}
	if _, err := o.queue.Enqueue(msg.MsgID, req.TaskID, req.ToAgent, payload); err != nil {
		return SendResult{}, err
	}

	return SendResult{MsgID: msg.MsgID, SHA256: msg.SHA256, FilePath: path}, nil
}

func (o *Outbox) flush() error {
	data, err := json.MarshalIndent(o.requests, "", "  ")
	if err != nil {
		return err
	}
	tmp := o.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("writing outbox: %w", err)
	}
	return os.Rename(tmp, o.path)
}

// newRequestID yields ATA-OUTBOX-{yyyymmddHHMMSS}-{10 hex}.
func newRequestID(now time.Time) string {
	buf := make([]byte, 5)
	_, _ = rand.Read(buf)
	return fmt.Sprintf("ATA-OUTBOX-%s-%s", now.Format("20060102150405"), hex.EncodeToString(buf))
}

// checkRelativePath enforces the audit-triplet path rules: non-empty,
// repo-relative, no parent escapes, no drive-letter absolutes.
func checkRelativePath(name, path string) string {
	if path == "" {
		return fmt.Sprintf("TEMPLATE_INVALID: %s must be a non-empty repo-relative path", name)
	}
	if strings.HasPrefix(path, "/") || strings.HasPrefix(path, "\\") {
		return fmt.Sprintf("TEMPLATE_INVALID: %s must be a repo-relative path", name)
	}
	if len(path) >= 2 && path[1] == ':' {
		return fmt.Sprintf("TEMPLATE_INVALID: %s must be a repo-relative path", name)
	}
	for _, seg := range strings.FieldsFunc(path, func(r rune) bool { return r == '/' || r == '\\' }) {
		if seg == ".." {
			return fmt.Sprintf("TEMPLATE_INVALID: %s must not contain '..'", name)
		}
	}
	return ""
}

func messageText(payload map[string]any) string {
	for _, key := range []string{"message", "text"} {
		if s, ok := payload[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}
