package main

import (
	"bytes"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danshapiro/mcpchat/internal/credentials"
	"github.com/danshapiro/mcpchat/internal/llm/providers/stub"
)

// runCLI executes the root command with a fixed environment and returns the
// exit code and combined output.
func runCLI(t *testing.T, env map[string]string, args ...string) (int, string) {
	t.Helper()
	return runCLIInput(t, env, "", args...)
}

// useEnv points getenv at env, with the key file, tool config and .env
// defaulting to missing paths, and resets the flag globals.
func useEnv(t *testing.T, env map[string]string) {
	t.Helper()

	dir := t.TempDir()
	base := map[string]string{
		"MCPCHAT_API_KEYS_FILE": filepath.Join(dir, "missing_keys.json"),
		"MCP_TOOLS_CONFIG":      filepath.Join(dir, "missing_mcp_config.json"),
	}
	for k, v := range env {
		base[k] = v
	}
	origGetenv := getenv
	getenv = func(k string) string { return base[k] }
	t.Cleanup(func() { getenv = origGetenv })

	verbose = false
	envFile = filepath.Join(dir, "missing.env")
	chatThread, chatJSON, keysJSON = "", false, false
	diagJSON, diagResultFile, diagDuration, diagTimeout = false, "", 10, 30*time.Second
}

func runCLIInput(t *testing.T, env map[string]string, input string, args ...string) (int, string) {
	t.Helper()
	useEnv(t, env)

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetIn(strings.NewReader(input))
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetIn(nil)
	})

	code := run(args)
	return code, out.String()
}

func closedAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}

// openAIServer answers every chat completion with "Hello from the model."
func openAIServer(t *testing.T, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path: %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"id":"c1","model":"gpt-4o","choices":[{"finish_reason":"stop","message":{"role":"assistant","content":"Hello from the model."}}],"usage":{"prompt_tokens":5,"completion_tokens":4,"total_tokens":9}}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRun_UnknownCommandExitsOne(t *testing.T) {
	if code, _ := runCLI(t, nil, "nope"); code != 1 {
		t.Fatalf("exit code: %d", code)
	}
}

func TestRun_BadPortExitsOne(t *testing.T) {
	if code, _ := runCLI(t, map[string]string{"PORT": "http"}, "keys"); code != 1 {
		t.Fatalf("exit code: %d", code)
	}
}

func TestKeys_MasksValues(t *testing.T) {
	code, out := runCLI(t, map[string]string{"OPENAI_API_KEY": "sk-test-0123456789abcdef"}, "keys", "--json")
	if code != 0 {
		t.Fatalf("exit code %d: %s", code, out)
	}
	var entries []credentials.StatusEntry
	if err := json.Unmarshal([]byte(out), &entries); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if strings.Contains(out, "0123456789") {
		t.Fatalf("key leaked in output: %s", out)
	}
	found := false
	for _, e := range entries {
		if e.Name == "OPENAI_API_KEY" {
			found = true
			if !e.Valid || e.Source != credentials.SourceEnv || e.Masked != "sk-t...cdef" {
				t.Fatalf("unexpected entry: %+v", e)
			}
		}
	}
	if !found {
		t.Fatalf("OPENAI_API_KEY missing from %+v", entries)
	}
}

func TestChat_NoKeysRepliesWithStub(t *testing.T) {
	code, out := runCLI(t, nil, "chat", "hello")
	if code != 0 {
		t.Fatalf("exit code %d: %s", code, out)
	}
	if strings.TrimSpace(out) != stub.Apology {
		t.Fatalf("reply: %q", out)
	}
}

func TestChat_UsesOpenAIWhenKeyIsValid(t *testing.T) {
	var calls atomic.Int32
	srv := openAIServer(t, &calls)

	code, out := runCLI(t, map[string]string{
		"OPENAI_API_KEY":  "sk-test-0123456789abcdef",
		"OPENAI_BASE_URL": srv.URL,
	}, "chat", "--json", "--thread", "t-1", "hi", "there")
	if code != 0 {
		t.Fatalf("exit code %d: %s", code, out)
	}
	var res struct {
		ThreadID string `json:"thread_id"`
		Reply    string `json:"reply"`
		Steps    int    `json:"steps"`
	}
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if res.ThreadID != "t-1" || res.Reply != "Hello from the model." || res.Steps != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected 1 model call, got %d", calls.Load())
	}
}

func TestChat_ReadsLinesFromStdin(t *testing.T) {
	code, out := runCLIInput(t, nil, "first\n\nsecond\n", "chat", "--thread", "t-2")
	if code != 0 {
		t.Fatalf("exit code %d: %s", code, out)
	}
	if n := strings.Count(out, stub.Apology); n != 2 {
		t.Fatalf("expected 2 replies, got %d in %q", n, out)
	}
}

func TestDiag_EnvWritesResultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "env_report.txt")
	code, out := runCLI(t, map[string]string{"PORT": "2024"}, "diag", "env", "--result-file", path)
	if code != 0 {
		t.Fatalf("exit code %d: %s", code, out)
	}
	if !strings.Contains(out, "== env ==") {
		t.Fatalf("unexpected output: %s", out)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read result file: %v", err)
	}
	if !strings.Contains(string(b), "environment report") {
		t.Fatalf("unexpected result file: %s", b)
	}
}

func TestDiag_ValidateKeyWithoutKeyFails(t *testing.T) {
	code, out := runCLI(t, nil, "diag", "validate-key")
	if code != 1 {
		t.Fatalf("exit code %d: %s", code, out)
	}
	if !strings.Contains(out, "LANGSMITH_API_KEY is not set") {
		t.Fatalf("unexpected output: %s", out)
	}
}

func TestDiag_TracingDisabledIsAWarning(t *testing.T) {
	code, out := runCLI(t, nil, "diag", "tracing", "--json")
	if code != 0 {
		t.Fatalf("exit code %d: %s", code, out)
	}
	if !strings.Contains(out, `"status": "warn"`) {
		t.Fatalf("unexpected output: %s", out)
	}
}

func TestDiag_HTTPSUnreachableEndpointFails(t *testing.T) {
	code, out := runCLI(t, map[string]string{"LANGSMITH_ENDPOINT": "https://" + closedAddr(t)}, "diag", "https")
	if code != 1 {
		t.Fatalf("exit code %d: %s", code, out)
	}
	if !strings.Contains(out, "[FAIL] tcp") {
		t.Fatalf("unexpected output: %s", out)
	}
}

func TestDiag_HelloFallsBackToStub(t *testing.T) {
	code, out := runCLI(t, nil, "diag", "hello")
	if code != 0 {
		t.Fatalf("exit code %d: %s", code, out)
	}
	if !strings.Contains(out, stub.Apology) {
		t.Fatalf("unexpected output: %s", out)
	}
}
