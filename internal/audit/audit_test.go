package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestAppend_WritesPerDayFile(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 1, 16, 10, 30, 0, 0, time.UTC)
	logger, err := New(dir, WithClock(fixedClock(now)))
	require.NoError(t, err)

	logger.Append(Record{
		Tool:      "ata_send_request",
		Caller:    "QuantAnalyst",
		UserAgent: "cli/1.0",
		Scope:     "public",
		TraceID:   "trace-1",
		Success:   true,
		Latency:   42 * time.Millisecond,
		Params:    map[string]any{"taskcode": "S3__20260116"},
	})

	path := filepath.Join(dir, "2026-01-16.jsonl")
	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	var entry Entry
	require.NoError(t, json.Unmarshal(raw, &entry))
	assert.Equal(t, "ata_send_request", entry.Tool)
	assert.Equal(t, ClientHash("QuantAnalyst", "cli/1.0"), entry.ClientHash)
	assert.Equal(t, "public", entry.Scope)
	assert.Equal(t, "trace-1", entry.TraceID)
	assert.True(t, entry.Result)
	assert.Equal(t, 0, entry.ReasonCode)
	assert.Equal(t, int64(42), entry.LatencyMS)
	assert.Equal(t, "S3__20260116", entry.ParamsSummary["taskcode"])
}

func TestAppend_FailureSetsReasonCode(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 1, 16, 10, 30, 0, 0, time.UTC)
	logger, err := New(dir, WithClock(fixedClock(now)))
	require.NoError(t, err)

	logger.Append(Record{Tool: "board_set_status", Success: false, Err: assert.AnError})
	logger.Append(Record{Tool: "board_get", Success: true})

	f, err := os.Open(filepath.Join(dir, "2026-01-16.jsonl"))
	require.NoError(t, err)
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var entry Entry
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &entry))
		entries = append(entries, entry)
	}
	require.Len(t, entries, 2)
	assert.Equal(t, 1, entries[0].ReasonCode)
	assert.Contains(t, entries[0].Error, "general error")
	assert.Equal(t, 0, entries[1].ReasonCode)
}

func TestRedact(t *testing.T) {
	long := ""
	for range 30 {
		long += "ab"
	}

	out := Redact(map[string]any{
		"user_token":   "super-secret",
		"api_key":      "k",
		"password":     "p",
		"message":      "short",
		"payload_text": long,
		"body":         map[string]any{"x": 1},
		"taskcode":     "S3__20260116",
		"limit":        10,
	})

	assert.Equal(t, "******", out["user_token"])
	assert.Equal(t, "******", out["api_key"])
	assert.Equal(t, "******", out["password"])
	assert.Equal(t, "[REDACTED]", out["message"])
	assert.Equal(t, long[:50]+"...[REDACTED]", out["payload_text"])
	assert.Equal(t, "[REDACTED]", out["body"])
	assert.Equal(t, "S3__20260116", out["taskcode"])
	assert.Equal(t, 10, out["limit"])

	assert.Nil(t, Redact(nil))
}
