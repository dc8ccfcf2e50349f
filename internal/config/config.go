// Package config provides configuration types and defaults for atabus.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/quantsys/atabus/internal/log"
	"github.com/quantsys/atabus/internal/tracing"
)

// Config holds all configuration options for the atabus daemon.
type Config struct {
	// DataDir is the root directory for all file-backed state: events,
	// messages, tasks, board documents, registry, outbox, conversations.
	DataDir string `mapstructure:"data_dir"`

	Server   ServerConfig    `mapstructure:"server"`
	Queue    QueueConfig     `mapstructure:"queue"`
	Registry RegistryConfig  `mapstructure:"registry"`
	Bridge   BridgeConfig    `mapstructure:"bridge"`
	Verdict  VerdictConfig   `mapstructure:"verdict"`
	Tracing  tracing.Config  `mapstructure:"tracing"`
	Flags    map[string]bool `mapstructure:"flags"`
}

// ServerConfig holds the HTTP listener and tool-surface auth settings.
type ServerConfig struct {
	// ListenAddr is the bind address for the HTTP transport.
	ListenAddr string `mapstructure:"listen_addr"`

	// AdminTokens are the bearer tokens that grant admin scope on the
	// tool surface. Empty means no HTTP caller ever has admin scope.
	AdminTokens []string `mapstructure:"admin_tokens"`

	// StdioCaller is the agent identity attached to stdio tool calls.
	StdioCaller string `mapstructure:"stdio_caller"`

	// StdioAdmin grants admin scope to the stdio transport. The stdio
	// peer is a local process spawned by the operator, so this defaults
	// to true.
	StdioAdmin bool `mapstructure:"stdio_admin"`
}

// QueueConfig holds durable-queue delivery settings.
type QueueConfig struct {
	// MaxRetries is the per-message retry budget before the DLQ.
	MaxRetries int `mapstructure:"max_retries"`

	// RetryDelaysMS is the backoff schedule, indexed by retry count.
	RetryDelaysMS []int `mapstructure:"retry_delays_ms"`

	// PollIntervalMS is how often subscriber lanes poll for messages.
	PollIntervalMS int `mapstructure:"poll_interval_ms"`

	// BatchSize bounds how many messages one poll drains per lane.
	BatchSize int `mapstructure:"batch_size"`
}

// RetryDelays converts the millisecond schedule to durations.
func (q QueueConfig) RetryDelays() []time.Duration {
	out := make([]time.Duration, 0, len(q.RetryDelaysMS))
	for _, ms := range q.RetryDelaysMS {
		out = append(out, time.Duration(ms)*time.Millisecond)
	}
	return out
}

// PollInterval converts the poll interval to a duration.
func (q QueueConfig) PollInterval() time.Duration {
	return time.Duration(q.PollIntervalMS) * time.Millisecond
}

// RegistryConfig holds agent liveness settings.
type RegistryConfig struct {
	// HeartbeatTimeoutSec is how long an agent may stay silent before it
	// is marked OFFLINE by the stale sweep.
	HeartbeatTimeoutSec int `mapstructure:"heartbeat_timeout_sec"`

	// SweepIntervalSec is how often the stale sweep runs.
	SweepIntervalSec int `mapstructure:"sweep_interval_sec"`
}

// HeartbeatTimeout converts the timeout to a duration.
func (r RegistryConfig) HeartbeatTimeout() time.Duration {
	return time.Duration(r.HeartbeatTimeoutSec) * time.Second
}

// SweepInterval converts the sweep interval to a duration.
func (r RegistryConfig) SweepInterval() time.Duration {
	return time.Duration(r.SweepIntervalSec) * time.Second
}

// BridgeConfig holds the external ingress and egress settings.
type BridgeConfig struct {
	// Token is the shared secret required on every ingress request.
	// Empty disables the ingress API entirely.
	Token string `mapstructure:"token"`

	// Endpoint is the gateway callback URL that outbound events are
	// pushed to. Empty disables the outbound lane.
	Endpoint string `mapstructure:"endpoint"`

	// Whitelist restricts which ingress task types are admitted. Empty
	// admits the built-in default set.
	Whitelist []string `mapstructure:"whitelist"`
}

// VerdictConfig holds CI verdict intake settings.
type VerdictConfig struct {
	// Dir is the directory watched for verdict JSON artifacts. Empty
	// disables the watcher.
	Dir string `mapstructure:"dir"`
}

// Default creates a Config with sensible defaults.
func Default() Config {
	return Config{
		DataDir: defaultDataDir(),
		Server: ServerConfig{
			ListenAddr:  "127.0.0.1:9200",
			StdioCaller: "operator",
			StdioAdmin:  true,
		},
		Queue: QueueConfig{
			MaxRetries:     3,
			RetryDelaysMS:  []int{1000, 2000, 4000},
			PollIntervalMS: 500,
			BatchSize:      50,
		},
		Registry: RegistryConfig{
			HeartbeatTimeoutSec: 300,
			SweepIntervalSec:    60,
		},
		Tracing: tracing.DefaultConfig(),
		Flags:   map[string]bool{},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".atabus"
	}
	return filepath.Join(home, ".atabus")
}

// Validate checks the configuration for values that cannot work.
func (c Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr must not be empty")
	}
	if c.Queue.MaxRetries < 0 {
		return fmt.Errorf("queue.max_retries must not be negative")
	}
	if c.Queue.PollIntervalMS <= 0 {
		return fmt.Errorf("queue.poll_interval_ms must be positive")
	}
	if c.Queue.BatchSize <= 0 {
		return fmt.Errorf("queue.batch_size must be positive")
	}
	for _, ms := range c.Queue.RetryDelaysMS {
		if ms < 0 {
			return fmt.Errorf("queue.retry_delays_ms must not contain negative values")
		}
	}
	if c.Registry.HeartbeatTimeoutSec <= 0 {
		return fmt.Errorf("registry.heartbeat_timeout_sec must be positive")
	}
	return nil
}

// Paths derived from DataDir. Each component owns one subdirectory.

// DBPath is the SQLite database file.
func (c Config) DBPath() string { return filepath.Join(c.DataDir, "atabus.db") }

// EventsDir holds the append-only event store.
func (c Config) EventsDir() string { return filepath.Join(c.DataDir, "events") }

// MessagesDir holds sealed agent-to-agent messages.
func (c Config) MessagesDir() string { return filepath.Join(c.DataDir, "messages") }

// TasksDir holds orchestrator task documents.
func (c Config) TasksDir() string { return filepath.Join(c.DataDir, "tasks") }

// BoardDir holds the board and inbox documents.
func (c Config) BoardDir() string { return filepath.Join(c.DataDir, "board") }

// RegistryDir holds the agent registry.
func (c Config) RegistryDir() string { return filepath.Join(c.DataDir, "registry") }

// OutboxDir holds pending and reviewed send requests.
func (c Config) OutboxDir() string { return filepath.Join(c.DataDir, "outbox") }

// ConversationsDir holds per-taskcode conversation contexts.
func (c Config) ConversationsDir() string { return filepath.Join(c.DataDir, "conversations") }

// WorkflowsDir holds workflow instances and user template overrides.
func (c Config) WorkflowsDir() string { return filepath.Join(c.DataDir, "workflows") }

// WorkflowTemplatesDir holds user-supplied workflow templates.
func (c Config) WorkflowTemplatesDir() string { return filepath.Join(c.DataDir, "workflow_templates") }

// VaultDir holds the admin vault file.
func (c Config) VaultDir() string { return filepath.Join(c.DataDir, "vault") }

// AuditDir holds per-day tool audit logs.
func (c Config) AuditDir() string { return filepath.Join(c.DataDir, "audit") }

// DefaultConfigTemplate returns a YAML template with the default settings
// documented, suitable for writing as a starter config file.
func DefaultConfigTemplate() string {
	return `# atabus configuration

# Root directory for all file-backed state (default: ~/.atabus)
# data_dir: ~/.atabus

server:
  # Bind address for the HTTP transport
  listen_addr: "127.0.0.1:9200"

  # Bearer tokens that grant admin scope on the tool surface.
  # Without a matching token every admin tool fails closed.
  # admin_tokens:
  #   - "change-me"

  # Identity and scope for the stdio transport
  stdio_caller: operator
  stdio_admin: true

queue:
  max_retries: 3
  retry_delays_ms: [1000, 2000, 4000]
  poll_interval_ms: 500
  batch_size: 50

registry:
  # Agents silent longer than this are marked OFFLINE
  heartbeat_timeout_sec: 300
  sweep_interval_sec: 60

# External ingress API. Disabled unless a token is set.
# bridge:
#   token: "change-me"
#   endpoint: "https://gateway.example.com/callback"
#   whitelist: [TASK_CREATION, TASK_UPDATE, LOG_APPEND, STATUS_UPDATE]

# CI verdict intake. Disabled unless a directory is set.
# verdict:
#   dir: ~/.atabus/verdicts

# Distributed tracing
# tracing:
#   enabled: false
#   exporter: file            # none, file, stdout, otlp
#   file_path: ~/.atabus/traces/traces.jsonl
#   otlp_endpoint: localhost:4317
#   sample_rate: 1.0
`
}

// WriteDefaultConfig creates a config file at the given path with default
// settings and comments. Creates the parent directory if it doesn't exist.
func WriteDefaultConfig(configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(configPath, []byte(DefaultConfigTemplate()), 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	log.Info(log.CatConfig, "Created default config", "path", configPath)
	return nil
}
