package server

import (
	"time"

	"github.com/danshapiro/mcpchat/internal/agent"
	"github.com/danshapiro/mcpchat/internal/credentials"
	"github.com/danshapiro/mcpchat/internal/modelchain"
)

// RunRequest is the POST /threads/{id}/runs request body.
type RunRequest struct {
	Input string `json:"input"`
}

// ThreadStatus is the bookkeeping part of GET /threads/{id}/state.
type ThreadStatus struct {
	ThreadID    string     `json:"thread_id"`
	State       string     `json:"state"`
	Runs        int        `json:"runs"`
	CreatedAt   time.Time  `json:"created_at"`
	LastEvent   string     `json:"last_event,omitempty"`
	LastEventAt *time.Time `json:"last_event_at,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
}

// ThreadStateResponse is returned by GET /threads/{id}/state.
type ThreadStateResponse struct {
	ThreadStatus
	Checkpoint *agent.Checkpoint `json:"checkpoint,omitempty"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status    string        `json:"status"`
	SessionID string        `json:"session_id"`
	Threads   int           `json:"threads"`
	Tracing   TracingStatus `json:"tracing"`
}

// TracingStatus is the tracing state the server settled on at startup. The
// API key is never included.
type TracingStatus struct {
	Enabled  bool   `json:"enabled"`
	Endpoint string `json:"endpoint,omitempty"`
	Project  string `json:"project,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// ProvidersResponse is returned by GET /providers.
type ProvidersResponse struct {
	Selection   modelchain.Selection      `json:"selection"`
	Credentials []credentials.StatusEntry `json:"credentials"`
}

// ErrorResponse is a standard error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
