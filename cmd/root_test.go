package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func resetConfig(t *testing.T) {
	t.Helper()
	prev := cfgFile
	t.Cleanup(func() {
		cfgFile = prev
		viper.Reset()
	})
	viper.Reset()
}

func TestInitConfig_FileOverridesDefaults(t *testing.T) {
	resetConfig(t)
	cfgFile = writeConfig(t, `
data_dir: /tmp/atabus-test
server:
  listen_addr: "0.0.0.0:9999"
queue:
  max_retries: 7
`)

	initConfig()

	assert.Equal(t, "/tmp/atabus-test", cfg.DataDir)
	assert.Equal(t, "0.0.0.0:9999", cfg.Server.ListenAddr)
	assert.Equal(t, 7, cfg.Queue.MaxRetries)
	// Untouched keys keep their defaults.
	assert.Equal(t, 500, cfg.Queue.PollIntervalMS)
	assert.Equal(t, "operator", cfg.Server.StdioCaller)
	require.NoError(t, cfg.Validate())
}

func TestInitConfig_PartialNestedOverride(t *testing.T) {
	resetConfig(t)
	cfgFile = writeConfig(t, `
tracing:
  enabled: true
  exporter: stdout
bridge:
  token: hunter2
  whitelist: [TASK_CREATION]
`)

	initConfig()

	assert.True(t, cfg.Tracing.Enabled)
	assert.Equal(t, "stdout", cfg.Tracing.Exporter)
	assert.Equal(t, "hunter2", cfg.Bridge.Token)
	assert.Equal(t, []string{"TASK_CREATION"}, cfg.Bridge.Whitelist)
	// Tracing defaults survive the partial override.
	assert.Equal(t, 1.0, cfg.Tracing.SampleRate)
}

func TestSetVersion(t *testing.T) {
	prev := version
	t.Cleanup(func() { SetVersion(prev) })

	SetVersion("9.9.9 (commit: abc)")
	assert.Equal(t, "9.9.9 (commit: abc)", rootCmd.Version)
}
