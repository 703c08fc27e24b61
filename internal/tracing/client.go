package tracing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gregjones/httpcache"
	"go.uber.org/zap"
)

type Project struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	TenantID    string         `json:"tenant_id,omitempty"`
	Description string         `json:"description,omitempty"`
	StartTime   string         `json:"start_time,omitempty"`
	Extra       map[string]any `json:"extra,omitempty"`
}

// StatusError is a non-2xx reply from the tracing API.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Op, e.StatusCode, strings.TrimSpace(e.Body))
}

// Hint maps auth failures to an operator-facing next step.
func (e *StatusError) Hint() string {
	switch e.StatusCode {
	case http.StatusUnauthorized:
		return "the API key is wrong"
	case http.StatusForbidden:
		return "the API key lacks permission or has expired; create a new key in the LangSmith dashboard"
	default:
		return ""
	}
}

type Client struct {
	endpoint string
	apiKey   string
	http     *http.Client
	log      *zap.Logger
}

// NewClient builds a client whose transport caches GETs (ETag revalidation)
// over a retrying round tripper.
func NewClient(s Settings, logger *zap.Logger) *Client {
	return NewClientWithHTTPClient(s, &http.Client{
		Transport: NewTransport(nil),
		Timeout:   30 * time.Second,
	}, logger)
}

// NewTransport stacks httpcache over RetryTransport over base.
func NewTransport(base http.RoundTripper) http.RoundTripper {
	cache := httpcache.NewMemoryCacheTransport()
	cache.Transport = NewRetryTransport(base)
	return cache
}

func NewClientWithHTTPClient(s Settings, hc *http.Client, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	endpoint := strings.TrimRight(s.Endpoint, "/")
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	return &Client{endpoint: endpoint, apiKey: s.APIKey, http: hc, log: logger}
}

func (c *Client) Endpoint() string { return c.endpoint }

// ListProjects lists tracer sessions, which LangSmith presents as projects.
func (c *Client) ListProjects(ctx context.Context) ([]Project, error) {
	var out []Project
	if err := c.do(ctx, "list projects", http.MethodGet, "/sessions", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// FindProject returns the project with the given name, if any.
func (c *Client) FindProject(ctx context.Context, name string) (Project, bool, error) {
	projects, err := c.ListProjects(ctx)
	if err != nil {
		return Project{}, false, err
	}
	for _, p := range projects {
		if p.Name == name {
			return p, true, nil
		}
	}
	return Project{}, false, nil
}

func (c *Client) CreateProject(ctx context.Context, name, description string) (Project, error) {
	body := Project{
		ID:          uuid.NewString(),
		Name:        name,
		Description: description,
		Extra:       map[string]any{},
	}
	var out Project
	if err := c.do(ctx, "create project", http.MethodPost, "/sessions", body, &out); err != nil {
		return Project{}, err
	}
	if out.ID == "" {
		out.ID = body.ID
	}
	if out.Name == "" {
		out.Name = name
	}
	return out, nil
}

// EnsureProject finds name or creates it. created reports which happened.
func (c *Client) EnsureProject(ctx context.Context, name string) (p Project, created bool, err error) {
	p, ok, err := c.FindProject(ctx, name)
	if err != nil || ok {
		return p, false, err
	}
	p, err = c.CreateProject(ctx, name, "")
	return p, err == nil, err
}

// PendingTenants returns the raw tenant list; used as a fallback auth probe.
func (c *Client) PendingTenants(ctx context.Context) ([]map[string]any, error) {
	var out []map[string]any
	if err := c.do(ctx, "pending tenants", http.MethodGet, "/tenants/pending", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetSessions probes /sessions and returns the bare status code. It never
// fails on a non-2xx status; only transport errors are returned.
func (c *Client) GetSessions(ctx context.Context) (int, error) {
	return c.Probe(ctx, "/sessions")
}

// Probe issues an authenticated GET on path and reports the status code.
func (c *Client) Probe(ctx context.Context, path string) (int, error) {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, rdr)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("%s: read body: %w", op, err)
	}
	c.log.Debug("tracing api",
		zap.String("op", op),
		zap.Int("status", resp.StatusCode),
		zap.Bool("cached", resp.Header.Get(httpcache.XFromCache) != ""),
	)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Op: op, StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out == nil || len(bytes.TrimSpace(b)) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("%s: decode: %w", op, err)
	}
	return nil
}

// ConnectionReport is the outcome of CheckConnection.
type ConnectionReport struct {
	Enabled  bool   `json:"enabled"`
	Via      string `json:"via,omitempty"`
	Projects int    `json:"projects"`
	Reason   string `json:"reason,omitempty"`

	// Err is the project listing failure, if any.
	Err error `json:"-"`
}

// CheckConnection decides whether tracing stays enabled: a project listing
// success keeps it on, otherwise the tenants endpoint is tried. Any failure
// disables tracing; errors are reported in the returned value, not returned.
func CheckConnection(ctx context.Context, s Settings, c *Client) ConnectionReport {
	if !s.Enabled {
		return ConnectionReport{Reason: s.Reason}
	}
	projects, err := c.ListProjects(ctx)
	if err == nil {
		return ConnectionReport{Enabled: true, Via: "projects", Projects: len(projects)}
	}
	c.log.Warn("listing tracing projects failed", zap.Error(err))
	if _, terr := c.PendingTenants(ctx); terr != nil {
		c.log.Warn("tracing tenant lookup failed", zap.Error(terr))
		return ConnectionReport{Reason: fmt.Sprintf("connection test failed: %v; %v", err, terr), Err: err}
	}
	return ConnectionReport{Enabled: true, Via: "tenants"}
}
