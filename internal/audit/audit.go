// Package audit appends one JSONL line per tool invocation to a per-day
// file. Parameter summaries are redacted before they reach disk.
package audit

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/quantsys/atabus/internal/log"
)

// maxValueLen bounds redacted free-text values in params_summary.
const maxValueLen = 50

// secretKeywords force full masking of a parameter value.
var secretKeywords = []string{"auth", "token", "secret", "password", "key", "credential", "api_key"}

// contentKeywords mark free-text parameters that are redacted or truncated.
var contentKeywords = []string{"text", "payload", "message", "content", "body", "data"}

// Entry is one audit line.
type Entry struct {
	Timestamp     string         `json:"timestamp"`
	Tool          string         `json:"tool"`
	ClientHash    string         `json:"client_hash"`
	Scope         string         `json:"scope"`
	TraceID       string         `json:"trace_id,omitempty"`
	Result        bool           `json:"result"`
	ReasonCode    int            `json:"reason_code"`
	LatencyMS     int64          `json:"latency_ms"`
	ParamsSummary map[string]any `json:"params_summary,omitempty"`
	Error         string         `json:"error,omitempty"`
}

// Logger writes audit entries under dir, one file per UTC day.
type Logger struct {
	dir string
	now func() time.Time

	mu sync.Mutex
}

// Option configures a Logger.
type Option func(*Logger)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Logger) { l.now = now }
}

// New creates the audit directory and returns a Logger.
func New(dir string, opts ...Option) (*Logger, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating audit dir: %w", err)
	}
	l := &Logger{dir: dir, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Record describes one completed tool call.
type Record struct {
	Tool      string
	Caller    string
	UserAgent string
	Scope     string
	TraceID   string
	Success   bool
	Latency   time.Duration
	Params    map[string]any
	Err       error
}

// Append writes one line for the record. Write failures are logged, not
// returned, so a full disk never blocks the tool path.
func (l *Logger) Append(rec Record) {
	now := l.now().UTC()
	entry := Entry{
		Timestamp:     now.Format(time.RFC3339Nano),
		Tool:          rec.Tool,
		ClientHash:    ClientHash(rec.Caller, rec.UserAgent),
		Scope:         rec.Scope,
		TraceID:       rec.TraceID,
		Result:        rec.Success,
		LatencyMS:     rec.Latency.Milliseconds(),
		ParamsSummary: Redact(rec.Params),
	}
	if !rec.Success {
		entry.ReasonCode = 1
	}
	if rec.Err != nil {
		entry.Error = rec.Err.Error()
	}

	line, err := json.Marshal(entry)
	if err != nil {
		log.ErrorErr(log.CatAudit, "Failed to marshal audit entry", err, "tool", rec.Tool)
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	path := filepath.Join(l.dir, now.Format("2006-01-02")+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		log.ErrorErr(log.CatAudit, "Failed to open audit file", err, "path", path)
		return
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		log.ErrorErr(log.CatAudit, "Failed to append audit entry", err, "path", path)
	}
}

// ClientHash derives a stable anonymous id for the caller.
func ClientHash(caller, userAgent string) string {
	sum := md5.Sum([]byte(caller + userAgent))
	return hex.EncodeToString(sum[:])
}

// Redact returns a copy of params safe for the audit file. Secret-bearing
// keys are masked entirely; free-text keys are dropped or truncated.
func Redact(params map[string]any) map[string]any {
	if len(params) == 0 {
		return nil
	}
	out := make(map[string]any, len(params))
	for key, value := range params {
		lower := strings.ToLower(key)
		switch {
		case containsAny(lower, secretKeywords):
			out[key] = "******"
		case containsAny(lower, contentKeywords):
			out[key] = redactContent(value)
		default:
			out[key] = value
		}
	}
	return out
}

func redactContent(value any) any {
	s, ok := value.(string)
	if !ok {
		return "[REDACTED]"
	}
	if len(s) > maxValueLen {
		return s[:maxValueLen] + "...[REDACTED]"
	}
	return "[REDACTED]"
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
