// Package config assembles the process configuration from an injected
// environment lookup, an optional .env overlay and an optional YAML run
// config. Nothing here writes to the process environment.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/danshapiro/mcpchat/internal/credentials"
	"github.com/danshapiro/mcpchat/internal/modelchain"
	"github.com/danshapiro/mcpchat/internal/toolconfig"
)

const (
	DefaultHost           = "127.0.0.1"
	DefaultPort           = "2024"
	DefaultTracingProject = "langgraph-react-mcp-chat"
	DefaultTracingURL     = "https://api.smith.langchain.com"
	DefaultWebSocketURL   = "wss://server.smithery.ai/@smithery-ai/server-sequential-thinking"
	DefaultDotEnvPath     = ".env"

	EnvCredentialsFile = "MCPCHAT_API_KEYS_FILE"
	EnvRunConfig       = "MCPCHAT_CONFIG"
)

type Tracing struct {
	// Requested is true when LANGCHAIN_TRACING_V2 or LANGSMITH_TRACING is "true".
	Requested bool
	Endpoint  string
	Project   string
}

type Proxy struct {
	HTTP  string
	HTTPS string
	No    string
}

// Any reports whether a proxy variable is set.
func (p Proxy) Any() bool { return p.HTTP != "" || p.HTTPS != "" || p.No != "" }

type WebSocket struct {
	URL                  string
	MaxReconnectAttempts int
	ReconnectInterval    time.Duration
	PingInterval         time.Duration
	PingTimeout          time.Duration
}

// RunConfig is the optional YAML file named by MCPCHAT_CONFIG.
type RunConfig struct {
	Models       []modelchain.Entry `yaml:"models"`
	Temperature  *float64           `yaml:"temperature"`
	MaxTokens    int                `yaml:"max_tokens"`
	Timeout      time.Duration      `yaml:"timeout"`
	MaxSteps     int                `yaml:"max_steps"`
	SystemPrompt string             `yaml:"system_prompt"`
}

// TemperatureOrDefault returns the configured temperature, 0 when unset.
func (r RunConfig) TemperatureOrDefault() float64 {
	if r.Temperature == nil {
		return 0
	}
	return *r.Temperature
}

type Config struct {
	CredentialsFile string
	ToolConfigPath  string
	Host            string
	Port            string
	APIVariant      string

	// InContainer is a best-effort guess from PORT and /.dockerenv.
	InContainer bool

	Tracing   Tracing
	Proxy     Proxy
	WebSocket WebSocket

	RunConfigPath string
	Run           RunConfig
}

// Addr is the server listen address.
func (c Config) Addr() string { return net.JoinHostPort(c.Host, c.Port) }

// Load reads the configuration from getenv. A run config path that does not
// exist is an error; an unset path yields the defaults.
func Load(getenv func(string) string) (Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	get := func(k string) string { return strings.TrimSpace(getenv(k)) }

	cfg := Config{
		CredentialsFile: firstNonEmpty(get(EnvCredentialsFile), credentials.DefaultFile),
		ToolConfigPath:  toolconfig.PathFromEnv(getenv),
		Host:            firstNonEmpty(get("HOST"), DefaultHost),
		Port:            firstNonEmpty(get("PORT"), DefaultPort),
		APIVariant:      get("API_VARIANT"),
		InContainer:     get("PORT") != "" || fileExists("/.dockerenv"),
		Tracing: Tracing{
			Requested: isTrue(get("LANGCHAIN_TRACING_V2")) || isTrue(get("LANGSMITH_TRACING")),
			Endpoint:  strings.TrimRight(firstNonEmpty(get("LANGSMITH_ENDPOINT"), get("LANGCHAIN_ENDPOINT"), DefaultTracingURL), "/"),
			Project:   firstNonEmpty(get("LANGSMITH_PROJECT"), get("LANGCHAIN_PROJECT"), DefaultTracingProject),
		},
		Proxy: Proxy{
			HTTP:  firstNonEmpty(get("HTTP_PROXY"), get("http_proxy")),
			HTTPS: firstNonEmpty(get("HTTPS_PROXY"), get("https_proxy")),
			No:    firstNonEmpty(get("NO_PROXY"), get("no_proxy")),
		},
		RunConfigPath: get(EnvRunConfig),
	}
	if _, err := strconv.Atoi(cfg.Port); err != nil {
		return Config{}, fmt.Errorf("PORT must be numeric: %q", cfg.Port)
	}

	var err error
	cfg.WebSocket, err = loadWebSocket(get)
	if err != nil {
		return Config{}, err
	}

	cfg.Run = DefaultRunConfig()
	if cfg.RunConfigPath != "" {
		rc, err := LoadRunConfig(cfg.RunConfigPath)
		if err != nil {
			return Config{}, fmt.Errorf("run config %s: %w", cfg.RunConfigPath, err)
		}
		cfg.Run = rc
	}
	return cfg, nil
}

func loadWebSocket(get func(string) string) (WebSocket, error) {
	ws := WebSocket{URL: firstNonEmpty(get("WEBSOCKET_URL"), DefaultWebSocketURL)}
	ints := []struct {
		env  string
		def  int
		dest func(int)
	}{
		{"LANGGRAPH_WEBSOCKET_MAX_RECONNECT_ATTEMPTS", 3, func(v int) { ws.MaxReconnectAttempts = v }},
		{"LANGGRAPH_WEBSOCKET_RECONNECT_INTERVAL", 2000, func(v int) { ws.ReconnectInterval = time.Duration(v) * time.Millisecond }},
		{"LANGGRAPH_WEBSOCKET_PING_INTERVAL", 30000, func(v int) { ws.PingInterval = time.Duration(v) * time.Millisecond }},
		{"LANGGRAPH_WEBSOCKET_PING_TIMEOUT", 10000, func(v int) { ws.PingTimeout = time.Duration(v) * time.Millisecond }},
	}
	for _, it := range ints {
		v := it.def
		if raw := get(it.env); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				return WebSocket{}, fmt.Errorf("%s must be a non-negative integer: %q", it.env, raw)
			}
			v = n
		}
		it.dest(v)
	}
	return ws, nil
}

// DefaultRunConfig mirrors the hosted model defaults: deterministic sampling,
// 800 output tokens, a 60s request timeout.
func DefaultRunConfig() RunConfig {
	t := 0.0
	return RunConfig{
		Models:      append([]modelchain.Entry(nil), modelchain.DefaultEntries...),
		Temperature: &t,
		MaxTokens:   800,
		Timeout:     60 * time.Second,
		MaxSteps:    25,
	}
}

// LoadRunConfig strictly decodes a YAML run config and fills unset fields
// from DefaultRunConfig.
func LoadRunConfig(path string) (RunConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return RunConfig{}, err
	}
	return ParseRunConfig(b)
}

func ParseRunConfig(b []byte) (RunConfig, error) {
	var rc RunConfig
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&rc); err != nil && !errors.Is(err, io.EOF) {
		return RunConfig{}, err
	}
	var trailing any
	if err := dec.Decode(&trailing); !errors.Is(err, io.EOF) {
		if err == nil {
			return RunConfig{}, fmt.Errorf("yaml: multiple documents are not allowed")
		}
		return RunConfig{}, err
	}

	def := DefaultRunConfig()
	if len(rc.Models) == 0 {
		rc.Models = def.Models
	}
	if rc.Temperature == nil {
		rc.Temperature = def.Temperature
	}
	if rc.MaxTokens == 0 {
		rc.MaxTokens = def.MaxTokens
	}
	if rc.Timeout == 0 {
		rc.Timeout = def.Timeout
	}
	if rc.MaxSteps == 0 {
		rc.MaxSteps = def.MaxSteps
	}
	return rc, validateRunConfig(rc)
}

func validateRunConfig(rc RunConfig) error {
	for i, m := range rc.Models {
		if strings.TrimSpace(m.Provider) == "" {
			return fmt.Errorf("models[%d].provider is required", i)
		}
	}
	if t := rc.TemperatureOrDefault(); t < 0 || t > 2 {
		return fmt.Errorf("temperature must be within [0, 2], got %v", t)
	}
	if rc.MaxTokens < 0 {
		return fmt.Errorf("max_tokens must be positive, got %d", rc.MaxTokens)
	}
	if rc.Timeout < 0 {
		return fmt.Errorf("timeout must be positive, got %s", rc.Timeout)
	}
	if rc.MaxSteps < 2 {
		return fmt.Errorf("max_steps must be at least 2, got %d", rc.MaxSteps)
	}
	return nil
}

// LoadDotEnv parses a .env file without touching the process environment.
// A missing file yields an empty map.
func LoadDotEnv(path string) (map[string]string, error) {
	if strings.TrimSpace(path) == "" {
		path = DefaultDotEnvPath
	}
	vals, err := godotenv.Read(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return vals, nil
}

// Overlay returns a lookup that prefers base and falls back to the .env
// values, so variables already set in the environment always win.
func Overlay(base func(string) string, dotenv map[string]string) func(string) string {
	if base == nil {
		base = os.Getenv
	}
	return func(k string) string {
		if v := base(k); v != "" {
			return v
		}
		return dotenv[k]
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func isTrue(v string) bool { return strings.EqualFold(v, "true") }

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
