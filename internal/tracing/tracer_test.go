package tracing

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewProvider_DisabledIsNoop(t *testing.T) {
	provider, err := NewProvider(Config{Enabled: false})
	require.NoError(t, err)
	assert.False(t, provider.Enabled())

	ctx, span, traceID := provider.StartToolSpan(context.Background(), "ping", "tester")
	require.NotNil(t, ctx)
	span.End()
	assert.Empty(t, traceID)

	require.NoError(t, provider.Shutdown(context.Background()))
}

func TestNewProvider_UnsupportedExporter(t *testing.T) {
	_, err := NewProvider(Config{Enabled: true, Exporter: "carrier-pigeon"})
	assert.ErrorContains(t, err, "unsupported exporter type")
}

func TestNewProvider_FileExporterRequiresPath(t *testing.T) {
	_, err := NewProvider(Config{Enabled: true, Exporter: "file"})
	assert.ErrorContains(t, err, "file_path required")
}

func TestFileExporter_WritesSpans(t *testing.T) {
	path := filepath.Join(t.TempDir(), "traces", "traces.jsonl")

	provider, err := NewProvider(Config{
		Enabled:  true,
		Exporter: "file",
		FilePath: path,
	})
	require.NoError(t, err)
	assert.True(t, provider.Enabled())

	_, span, traceID := provider.StartToolSpan(context.Background(), "board_get", "admin")
	assert.NotEmpty(t, traceID)
	span.End()

	require.NoError(t, provider.Shutdown(context.Background()))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	scanner := bufio.NewScanner(f)
	require.True(t, scanner.Scan())

	var record SpanRecord
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &record))
	assert.Equal(t, "tool.board_get", record.Name)
	assert.Equal(t, traceID, record.TraceID)
	assert.Equal(t, "board_get", record.Attributes[AttrToolName])
	assert.Equal(t, "admin", record.Attributes[AttrToolCaller])
}
