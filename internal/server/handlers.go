package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/danshapiro/mcpchat/internal/agent"
	"github.com/danshapiro/mcpchat/internal/llm"
)

// validThreadID matches ULIDs, UUIDs, and other safe identifiers.
// Only alphanumeric, dashes, and underscores are allowed.
var validThreadID = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]{0,127}$`)

const maxRunBody = 1 << 20

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "ok",
		SessionID: s.session.ID(),
		Threads:   len(s.registry.List()),
		Tracing: TracingStatus{
			Enabled:  s.tracing.Enabled,
			Endpoint: s.tracing.Endpoint,
			Project:  s.tracing.Project,
			Reason:   s.tracing.Reason,
		},
	})
}

// handleProviders runs the chain now, so it reflects the key file as the next
// run will see it.
func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	sel, err := s.selectFn(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "model selection failed", Details: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, ProvidersResponse{
		Selection:   sel,
		Credentials: s.creds(),
	})
}

func (s *Server) handleListThreads(w http.ResponseWriter, r *http.Request) {
	ids := s.registry.List()
	out := make([]ThreadStatus, 0, len(ids))
	for _, id := range ids {
		if ts, ok := s.registry.Get(id); ok {
			out = append(out, ts.Status())
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateThread(w http.ResponseWriter, r *http.Request) {
	ts := s.registry.Ensure(agent.NewThreadID())
	writeJSON(w, http.StatusCreated, ts.Status())
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	threadID, ok := pathThreadID(w, r)
	if !ok {
		return
	}

	var req RunRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRunBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if strings.TrimSpace(req.Input) == "" {
		writeError(w, http.StatusBadRequest, "input is required")
		return
	}

	ts := s.registry.Ensure(threadID)
	ts.Begin()
	res, err := s.session.Run(r.Context(), threadID, req.Input)
	ts.Finish(err)
	if err != nil {
		status := runErrorStatus(err)
		s.log.Warn("run failed",
			zap.String("thread", threadID),
			zap.Int("status", status),
			zap.Error(err))
		writeJSON(w, status, ErrorResponse{Error: "run failed", Details: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// runErrorStatus maps a failed run to an HTTP status. Provider errors the
// caller may retry become 503; fatal ones 502.
func runErrorStatus(err error) int {
	var le llm.Error
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	case errors.As(err, &le) && le.Retryable():
		return http.StatusServiceUnavailable
	case agent.IsFatal(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleThreadState(w http.ResponseWriter, r *http.Request) {
	threadID, ok := pathThreadID(w, r)
	if !ok {
		return
	}

	cp, found, err := s.session.History(threadID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	ts, known := s.registry.Get(threadID)
	if !known && !found {
		writeError(w, http.StatusNotFound, fmt.Sprintf("thread %s not found", threadID))
		return
	}

	resp := ThreadStateResponse{ThreadStatus: ThreadStatus{ThreadID: threadID, State: threadIdle}}
	if known {
		resp.ThreadStatus = ts.Status()
	}
	if found {
		resp.Checkpoint = &cp
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleThreadEvents(w http.ResponseWriter, r *http.Request) {
	threadID, ok := pathThreadID(w, r)
	if !ok {
		return
	}

	ts, ok := s.registry.Get(threadID)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("thread %s not found", threadID))
		return
	}

	WriteSSE(w, r, ts.Broadcaster)
}

func pathThreadID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.PathValue("id")
	if !validThreadID.MatchString(id) {
		writeError(w, http.StatusBadRequest, "thread id must be alphanumeric with dashes/underscores, 1-128 chars")
		return "", false
	}
	return id, true
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
