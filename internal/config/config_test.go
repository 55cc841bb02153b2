package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "features.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	t.Setenv("CONFIG_PATH", path)
}

func TestLoadFullConfig(t *testing.T) {
	writeConfig(t, `
observability:
  metrics:
    enabled: true
    port: 9100
  logging:
    level: debug
    format: console
orchestrator:
  max_iterations: 5
  max_tool_calls: 12
  total_timeout: 90s
  tool_call_timeout: 20s
budget:
  default_daily_usd: 2.5
models:
  - model: claude-sonnet
    provider: anthropic
    gateway_url: http://gateway-anthropic:8080
    max_input_tokens: 200000
    max_output_tokens: 8192
    tier: standard
stores:
  redis_addr: redis:6379
`)

	f, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9100, f.Observability.Metrics.Port)
	assert.Equal(t, "debug", f.Observability.Logging.Level)
	assert.Equal(t, 5, f.Orchestrator.MaxIterations)
	assert.Equal(t, 12, f.Orchestrator.MaxToolCalls)
	assert.Equal(t, 90*time.Second, f.Orchestrator.TotalTimeout)
	assert.Equal(t, 20*time.Second, f.Orchestrator.ToolCallTimeout)
	assert.Equal(t, 2.5, f.Budget.DefaultDailyUSD)
	require.Len(t, f.Models, 1)
	assert.Equal(t, "anthropic", f.Models[0].Provider)
	assert.Equal(t, 200000, f.Models[0].MaxInputTokens)
	assert.Equal(t, "redis:6379", f.Stores.RedisAddr)
}

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "absent.yaml"))

	f, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 10, f.Orchestrator.MaxIterations)
	assert.Equal(t, 20, f.Orchestrator.MaxToolCalls)
	assert.Equal(t, 30*time.Second, f.Orchestrator.ToolCallTimeout)
	assert.Equal(t, 2112, f.Observability.Metrics.Port)
	assert.Equal(t, 15*time.Second, f.Server.ShutdownTimeout)
	assert.Equal(t, "localhost:6379", f.Stores.RedisAddr)
}

func TestEnvOverrides(t *testing.T) {
	writeConfig(t, "server:\n  port: 8081\n")
	t.Setenv("REDIS_ADDR", "override:6379")
	t.Setenv("METRICS_PORT", "9999")

	f, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "override:6379", f.Stores.RedisAddr)
	assert.Equal(t, 9999, f.Observability.Metrics.Port)
	assert.Equal(t, 8081, f.Server.Port)
}
