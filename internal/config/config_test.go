package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danshapiro/mcpchat/internal/modelchain"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(envMap(nil))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:2024", cfg.Addr())
	assert.Equal(t, ".api_keys.json", cfg.CredentialsFile)
	assert.Equal(t, "mcp_config.json", cfg.ToolConfigPath)
	assert.False(t, cfg.Tracing.Requested)
	assert.Equal(t, DefaultTracingProject, cfg.Tracing.Project)
	assert.Equal(t, DefaultTracingURL, cfg.Tracing.Endpoint)
	assert.False(t, cfg.Proxy.Any())

	assert.Equal(t, DefaultWebSocketURL, cfg.WebSocket.URL)
	assert.Equal(t, 3, cfg.WebSocket.MaxReconnectAttempts)
	assert.Equal(t, 2*time.Second, cfg.WebSocket.ReconnectInterval)
	assert.Equal(t, 30*time.Second, cfg.WebSocket.PingInterval)
	assert.Equal(t, 10*time.Second, cfg.WebSocket.PingTimeout)

	assert.Equal(t, modelchain.DefaultEntries, cfg.Run.Models)
	assert.Equal(t, 800, cfg.Run.MaxTokens)
	assert.Equal(t, 60*time.Second, cfg.Run.Timeout)
	assert.Equal(t, 25, cfg.Run.MaxSteps)
	assert.Equal(t, 0.0, cfg.Run.TemperatureOrDefault())
}

func TestLoad_FromEnv(t *testing.T) {
	cfg, err := Load(envMap(map[string]string{
		"HOST":                                   "0.0.0.0",
		"PORT":                                   "8080",
		"API_VARIANT":                            "local_dev",
		"LANGSMITH_TRACING":                      "TRUE",
		"LANGSMITH_ENDPOINT":                     "https://eu.api.smith.langchain.com/",
		"LANGSMITH_PROJECT":                      "demo",
		"https_proxy":                            "http://proxy:3128",
		"WEBSOCKET_URL":                          "ws://localhost:9000/ws",
		"LANGGRAPH_WEBSOCKET_PING_INTERVAL":      "500",
		"LANGGRAPH_WEBSOCKET_RECONNECT_INTERVAL": "0",
		"MCP_TOOLS_CONFIG":                       "/etc/tools.json",
		EnvCredentialsFile:                       "/run/keys.json",
	}))
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:8080", cfg.Addr())
	assert.True(t, cfg.InContainer)
	assert.Equal(t, "local_dev", cfg.APIVariant)
	assert.True(t, cfg.Tracing.Requested)
	assert.Equal(t, "https://eu.api.smith.langchain.com", cfg.Tracing.Endpoint)
	assert.Equal(t, "demo", cfg.Tracing.Project)
	assert.Equal(t, "http://proxy:3128", cfg.Proxy.HTTPS)
	assert.True(t, cfg.Proxy.Any())
	assert.Equal(t, "ws://localhost:9000/ws", cfg.WebSocket.URL)
	assert.Equal(t, 500*time.Millisecond, cfg.WebSocket.PingInterval)
	assert.Equal(t, time.Duration(0), cfg.WebSocket.ReconnectInterval)
	assert.Equal(t, "/etc/tools.json", cfg.ToolConfigPath)
	assert.Equal(t, "/run/keys.json", cfg.CredentialsFile)
}

func TestLoad_TracingFlagMustBeTrue(t *testing.T) {
	for _, v := range []string{"", "false", "1", "yes"} {
		cfg, err := Load(envMap(map[string]string{"LANGCHAIN_TRACING_V2": v}))
		require.NoError(t, err)
		assert.False(t, cfg.Tracing.Requested, "value %q", v)
	}
	cfg, err := Load(envMap(map[string]string{"LANGCHAIN_TRACING_V2": "true"}))
	require.NoError(t, err)
	assert.True(t, cfg.Tracing.Requested)
}

func TestLoad_RejectsBadNumbers(t *testing.T) {
	_, err := Load(envMap(map[string]string{"PORT": "http"}))
	assert.Error(t, err)
	_, err = Load(envMap(map[string]string{"LANGGRAPH_WEBSOCKET_PING_TIMEOUT": "-1"}))
	assert.Error(t, err)
}

func TestLoad_RunConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
models:
  - provider: anthropic
    model: claude-3-5-haiku-latest
  - provider: openai
    model: gpt-4o-mini
temperature: 0.3
timeout: 15s
max_steps: 10
system_prompt: |
  You answer tersely.
  Time: {system_time}
`), 0o644))

	cfg, err := Load(envMap(map[string]string{EnvRunConfig: path}))
	require.NoError(t, err)
	assert.Equal(t, []modelchain.Entry{
		{Provider: "anthropic", Model: "claude-3-5-haiku-latest"},
		{Provider: "openai", Model: "gpt-4o-mini"},
	}, cfg.Run.Models)
	assert.InDelta(t, 0.3, cfg.Run.TemperatureOrDefault(), 1e-9)
	assert.Equal(t, 15*time.Second, cfg.Run.Timeout)
	assert.Equal(t, 10, cfg.Run.MaxSteps)
	assert.Equal(t, 800, cfg.Run.MaxTokens)
	assert.Contains(t, cfg.Run.SystemPrompt, "{system_time}")
}

func TestLoad_MissingRunConfigIsError(t *testing.T) {
	_, err := Load(envMap(map[string]string{EnvRunConfig: filepath.Join(t.TempDir(), "nope.yaml")}))
	assert.Error(t, err)
}

func TestParseRunConfig_Errors(t *testing.T) {
	cases := map[string]string{
		"unknown_field":    "modles: []\n",
		"bad_temperature":  "temperature: 3\n",
		"tiny_steps":       "max_steps: 1\n",
		"missing_provider": "models:\n  - model: gpt-4o\n",
		"two_documents":    "max_steps: 5\n---\nmax_steps: 6\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseRunConfig([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestParseRunConfig_EmptyUsesDefaults(t *testing.T) {
	rc, err := ParseRunConfig(nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultRunConfig(), rc)
}

func TestLoadDotEnv_DoesNotTouchProcessEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("MCPCHAT_DOTENV_PROBE=from-file\nPORT=9999\n"), 0o644))

	vals, err := LoadDotEnv(path)
	require.NoError(t, err)
	assert.Equal(t, "from-file", vals["MCPCHAT_DOTENV_PROBE"])
	_, set := os.LookupEnv("MCPCHAT_DOTENV_PROBE")
	assert.False(t, set)

	get := Overlay(envMap(map[string]string{"PORT": "2024"}), vals)
	assert.Equal(t, "2024", get("PORT"))
	assert.Equal(t, "from-file", get("MCPCHAT_DOTENV_PROBE"))
	assert.Equal(t, "", get("UNSET"))
}

func TestLoadDotEnv_MissingFile(t *testing.T) {
	vals, err := LoadDotEnv(filepath.Join(t.TempDir(), ".env"))
	require.NoError(t, err)
	assert.Empty(t, vals)
}
