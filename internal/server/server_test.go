package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/danshapiro/mcpchat/internal/agent"
	"github.com/danshapiro/mcpchat/internal/credentials"
	"github.com/danshapiro/mcpchat/internal/llm"
	"github.com/danshapiro/mcpchat/internal/modelchain"
	"github.com/danshapiro/mcpchat/internal/tracing"
)

// scriptedAdapter answers every request with the next canned reply.
type scriptedAdapter struct {
	mu      sync.Mutex
	replies []string
	err     error
}

func (a *scriptedAdapter) Name() string { return "openai" }

func (a *scriptedAdapter) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return llm.Response{}, a.err
	}
	if len(a.replies) == 0 {
		return llm.Response{}, fmt.Errorf("script exhausted")
	}
	text := a.replies[0]
	a.replies = a.replies[1:]
	return llm.Response{Provider: "openai", Model: req.Model, Message: llm.Assistant(text)}, nil
}

func newSession(t *testing.T, adapter llm.ProviderAdapter) *agent.Session {
	t.Helper()
	client := llm.NewClient()
	client.Register(adapter)
	sess, err := agent.NewSession(client, nil, nil, agent.SessionConfig{Model: "gpt-4o"})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	return sess
}

// newTestServer creates a Server and wraps its handler in httptest.Server.
func newTestServer(t *testing.T, adapter llm.ProviderAdapter) (*Server, *httptest.Server) {
	t.Helper()
	return newTestServerWith(t, adapter, func(d *Deps) {})
}

func newTestServerWith(t *testing.T, adapter llm.ProviderAdapter, customize func(*Deps)) (*Server, *httptest.Server) {
	t.Helper()
	sess := newSession(t, adapter)
	deps := Deps{
		Session: sess,
		Select: func(context.Context) (modelchain.Selection, error) {
			return modelchain.Selection{
				Provider: "openai",
				Model:    "gpt-4o",
				Attempts: []modelchain.Attempt{{Provider: "openai", Model: "gpt-4o"}},
			}, nil
		},
		Credentials: func() []credentials.StatusEntry {
			return []credentials.StatusEntry{{Name: "OPENAI_API_KEY", Provider: "openai", Source: credentials.SourceEnv, Masked: "sk-p...wxyz", Valid: true}}
		},
		Tracing: tracing.Settings{Enabled: false, Project: "langgraph-react-mcp-chat", APIKey: "lsv2_pt_0123456789abcdef", Reason: "connection failed"},
	}
	customize(&deps)
	srv, err := New(Config{Addr: "127.0.0.1:0"}, deps)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Shutdown()
		ts.Close()
		sess.Close()
	})
	return srv, ts
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func TestNew_RequiresSession(t *testing.T) {
	if _, err := New(Config{}, Deps{}); err == nil {
		t.Fatal("expected error without a session")
	}
}

func TestHealthEndpoint(t *testing.T) {
	_, ts := newTestServer(t, &scriptedAdapter{})

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	raw, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if strings.Contains(string(raw), "lsv2_pt_") {
		t.Fatalf("health leaks the tracing key: %s", raw)
	}
	var body HealthResponse
	if err := json.Unmarshal(raw, &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" || body.SessionID == "" {
		t.Fatalf("unexpected health body: %+v", body)
	}
	if body.Tracing.Enabled || body.Tracing.Reason != "connection failed" || body.Tracing.Project != "langgraph-react-mcp-chat" {
		t.Fatalf("unexpected tracing status: %+v", body.Tracing)
	}
}

func TestProvidersEndpoint_SelectsOnEveryRequest(t *testing.T) {
	var mu sync.Mutex
	provider := "stub"
	_, ts := newTestServerWith(t, &scriptedAdapter{}, func(d *Deps) {
		d.Select = func(context.Context) (modelchain.Selection, error) {
			mu.Lock()
			defer mu.Unlock()
			return modelchain.Selection{Provider: provider, Unavailable: provider == "stub"}, nil
		}
	})

	get := func() modelchain.Selection {
		resp, err := http.Get(ts.URL + "/providers")
		if err != nil {
			t.Fatalf("GET /providers: %v", err)
		}
		return decode[ProvidersResponse](t, resp).Selection
	}
	if sel := get(); sel.Provider != "stub" || !sel.Unavailable {
		t.Fatalf("first selection: %+v", sel)
	}
	mu.Lock()
	provider = "anthropic"
	mu.Unlock()
	if sel := get(); sel.Provider != "anthropic" || sel.Unavailable {
		t.Fatalf("second selection: %+v", sel)
	}
}

func TestProvidersEndpoint_SelectionError(t *testing.T) {
	_, ts := newTestServerWith(t, &scriptedAdapter{}, func(d *Deps) {
		d.Select = func(context.Context) (modelchain.Selection, error) {
			return modelchain.Selection{}, modelchain.ErrChainExhausted
		}
	})
	resp, err := http.Get(ts.URL + "/providers")
	if err != nil {
		t.Fatalf("GET /providers: %v", err)
	}
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.StatusCode)
	}
	if body := decode[ErrorResponse](t, resp); body.Error != "model selection failed" {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestProvidersEndpoint(t *testing.T) {
	_, ts := newTestServer(t, &scriptedAdapter{})

	resp, err := http.Get(ts.URL + "/providers")
	if err != nil {
		t.Fatalf("GET /providers: %v", err)
	}
	body := decode[ProvidersResponse](t, resp)
	if body.Selection.Provider != "openai" || len(body.Selection.Attempts) != 1 {
		t.Fatalf("unexpected selection: %+v", body.Selection)
	}
	if len(body.Credentials) != 1 || !body.Credentials[0].Valid || body.Credentials[0].Masked != "sk-p...wxyz" {
		t.Fatalf("unexpected credentials: %+v", body.Credentials)
	}
}

func TestRunAndState(t *testing.T) {
	_, ts := newTestServer(t, &scriptedAdapter{replies: []string{"Hi there!", "Still here."}})

	resp := postJSON(t, ts.URL+"/threads/thread-1/runs", `{"input":"hello"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	res := decode[agent.RunResult](t, resp)
	if res.ThreadID != "thread-1" || res.Reply != "Hi there!" || res.Provider != "openai" || res.Model != "gpt-4o" {
		t.Fatalf("unexpected run result: %+v", res)
	}

	resp = postJSON(t, ts.URL+"/threads/thread-1/runs", `{"input":"again"}`)
	if res := decode[agent.RunResult](t, resp); res.Reply != "Still here." {
		t.Fatalf("second reply: %q", res.Reply)
	}

	resp, err := http.Get(ts.URL + "/threads/thread-1/state")
	if err != nil {
		t.Fatalf("GET state: %v", err)
	}
	state := decode[ThreadStateResponse](t, resp)
	if state.State != threadIdle || state.Runs != 2 {
		t.Fatalf("unexpected status: %+v", state.ThreadStatus)
	}
	if state.Checkpoint == nil || len(state.Checkpoint.Messages) != 4 {
		t.Fatalf("expected 4 checkpointed messages, got %+v", state.Checkpoint)
	}
	if got := state.Checkpoint.Messages[0].Text(); got != "hello" {
		t.Fatalf("first message: %q", got)
	}
}

func TestRun_Validation(t *testing.T) {
	_, ts := newTestServer(t, &scriptedAdapter{})

	cases := []struct {
		name string
		path string
		body string
		want int
	}{
		{"bad json", "/threads/t1/runs", `{`, http.StatusBadRequest},
		{"unknown field", "/threads/t1/runs", `{"input":"x","extra":1}`, http.StatusBadRequest},
		{"empty input", "/threads/t1/runs", `{"input":"   "}`, http.StatusBadRequest},
		{"bad thread id", "/threads/-bad/runs", `{"input":"x"}`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := postJSON(t, ts.URL+tc.path, tc.body)
			resp.Body.Close()
			if resp.StatusCode != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, resp.StatusCode)
			}
		})
	}
}

func TestRun_ProviderErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"auth is fatal", llm.ErrorFromHTTPStatus("openai", 401, "bad key", nil, nil), http.StatusBadGateway},
		{"rate limit is retryable", llm.ErrorFromHTTPStatus("openai", 429, "slow down", nil, nil), http.StatusServiceUnavailable},
		{"other", fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv, ts := newTestServer(t, &scriptedAdapter{err: tc.err})
			resp := postJSON(t, ts.URL+"/threads/t1/runs", `{"input":"hello"}`)
			if resp.StatusCode != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, resp.StatusCode)
			}
			body := decode[ErrorResponse](t, resp)
			if body.Error != "run failed" || body.Details == "" {
				t.Fatalf("unexpected error body: %+v", body)
			}
			th, ok := srv.Threads().Get("t1")
			if !ok || th.Status().State != threadFailed {
				t.Fatal("expected the thread to be marked failed")
			}
		})
	}
}

func TestThreadState_NotFound(t *testing.T) {
	_, ts := newTestServer(t, &scriptedAdapter{})

	for _, path := range []string{"/threads/missing/state", "/threads/missing/events"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("%s: expected 404, got %d", path, resp.StatusCode)
		}
	}
}

func TestCreateAndListThreads(t *testing.T) {
	_, ts := newTestServer(t, &scriptedAdapter{})

	resp := postJSON(t, ts.URL+"/threads", ``)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	created := decode[ThreadStatus](t, resp)
	if len(created.ThreadID) != 26 || created.State != threadIdle {
		t.Fatalf("unexpected thread: %+v", created)
	}

	resp, err := http.Get(ts.URL + "/threads")
	if err != nil {
		t.Fatalf("GET /threads: %v", err)
	}
	list := decode[[]ThreadStatus](t, resp)
	if len(list) != 1 || list[0].ThreadID != created.ThreadID {
		t.Fatalf("unexpected list: %+v", list)
	}
}

func TestCSRF_CrossOriginPostBlocked(t *testing.T) {
	_, ts := newTestServer(t, &scriptedAdapter{replies: []string{"ok"}})

	cases := []struct {
		origin string
		want   int
	}{
		{"https://evil.example", http.StatusForbidden},
		{"http://localhost:3000", http.StatusOK},
		{"", http.StatusOK},
	}
	for _, tc := range cases {
		req, _ := http.NewRequest(http.MethodPost, ts.URL+"/threads/t1/runs", strings.NewReader(`{"input":"hi"}`))
		if tc.origin != "" {
			req.Header.Set("Origin", tc.origin)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("POST: %v", err)
		}
		resp.Body.Close()
		// The scripted adapter has one reply; the second allowed run fails
		// with 500, which still proves the guard let it through.
		if tc.want == http.StatusForbidden && resp.StatusCode != http.StatusForbidden {
			t.Fatalf("origin %q: expected 403, got %d", tc.origin, resp.StatusCode)
		}
		if tc.want != http.StatusForbidden && resp.StatusCode == http.StatusForbidden {
			t.Fatalf("origin %q: unexpectedly blocked", tc.origin)
		}
	}
}

func TestThreadEvents_StreamsSessionEvents(t *testing.T) {
	_, ts := newTestServer(t, &scriptedAdapter{replies: []string{"Hi there!"}})

	resp := postJSON(t, ts.URL+"/threads/t1/runs", `{"input":"hello"}`)
	resp.Body.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/threads/t1/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type: %q", ct)
	}

	var seen []string
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		if name, ok := strings.CutPrefix(line, "event: "); ok {
			seen = append(seen, name)
			if name == string(agent.EventRoute) {
				break
			}
		}
	}
	want := []string{string(agent.EventUserInput), string(agent.EventCheckpoint), string(agent.EventModelCall)}
	for i, w := range want {
		if i >= len(seen) || seen[i] != w {
			t.Fatalf("expected %v as prefix of %v", want, seen)
		}
	}
	if seen[len(seen)-1] != string(agent.EventRoute) {
		t.Fatalf("stream ended before ROUTE: %v", seen)
	}
}

func TestServe_ShutdownOnContextCancel(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	sess := newSession(t, &scriptedAdapter{replies: []string{"ok"}})
	defer sess.Close()
	srv, err := New(Config{ShutdownTimeout: time.Second}, Deps{Session: sess})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx, ln) }()

	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	resp, err := client.Post("http://"+ln.Addr().String()+"/threads/t1/runs", "application/json", strings.NewReader(`{"input":"hi"}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	srv.Shutdown()
}
