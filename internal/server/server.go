// Package server exposes an agent session over HTTP: one-turn runs per
// thread, checkpointed thread state and a per-thread SSE event stream.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/danshapiro/mcpchat/internal/agent"
	"github.com/danshapiro/mcpchat/internal/credentials"
	"github.com/danshapiro/mcpchat/internal/modelchain"
	"github.com/danshapiro/mcpchat/internal/tracing"
)

// Config holds server configuration.
type Config struct {
	Addr            string // listen address, e.g. "127.0.0.1:2024"
	ShutdownTimeout time.Duration

	// EventHistory bounds the events each thread keeps for SSE replay.
	EventHistory int
}

// Deps are the collaborators the handlers serve from.
type Deps struct {
	Session *agent.Session

	// Select runs the fallback chain against the current credentials. The
	// session binds its own selection per run; this one backs /providers.
	Select      func(ctx context.Context) (modelchain.Selection, error)
	Credentials func() []credentials.StatusEntry
	Tracing     tracing.Settings
	Logger      *zap.Logger
}

// Server is the HTTP server for one agent session.
type Server struct {
	config    Config
	session   *agent.Session
	selectFn  func(ctx context.Context) (modelchain.Selection, error)
	creds     func() []credentials.StatusEntry
	tracing   tracing.Settings
	registry  *ThreadRegistry
	baseCtx   context.Context
	cancel    context.CancelFunc
	httpSrv   *http.Server
	log       *zap.Logger

	pumpDone chan struct{}
	stopOnce sync.Once
}

// New creates a Server and starts forwarding session events to thread
// streams. Shutdown stops the forwarding.
func New(cfg Config, deps Deps) (*Server, error) {
	if deps.Session == nil {
		return nil, fmt.Errorf("server: session is required")
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 15 * time.Second
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Credentials == nil {
		deps.Credentials = func() []credentials.StatusEntry { return nil }
	}
	if deps.Select == nil {
		deps.Select = func(context.Context) (modelchain.Selection, error) { return modelchain.Selection{}, nil }
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:    cfg,
		session:   deps.Session,
		selectFn:  deps.Select,
		creds:     deps.Credentials,
		tracing:   deps.Tracing,
		registry:  NewThreadRegistry(cfg.EventHistory),
		baseCtx:   ctx,
		cancel:    cancel,
		log:       deps.Logger.Named("server"),
		pumpDone:  make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /providers", s.handleProviders)
	mux.HandleFunc("GET /threads", s.handleListThreads)
	mux.HandleFunc("POST /threads", s.handleCreateThread)
	mux.HandleFunc("POST /threads/{id}/runs", s.handleRun)
	mux.HandleFunc("GET /threads/{id}/state", s.handleThreadState)
	mux.HandleFunc("GET /threads/{id}/events", s.handleThreadEvents)

	s.httpSrv = &http.Server{
		Handler:      csrfProtect(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE requires no write timeout
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	go s.pumpEvents()
	return s, nil
}

// Handler returns the routed handler, including the origin guard.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// Threads exposes the registry for inspection.
func (s *Server) Threads() *ThreadRegistry { return s.registry }

// ListenAndServe listens on the configured address and serves until SIGINT,
// SIGTERM or ctx cancellation.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.config.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done or Shutdown is called.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.log.Info("listening", zap.String("addr", ln.Addr().String()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := s.httpSrv.Serve(ln)
		s.cancel()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			s.log.Info("shutting down", zap.NamedError("cause", context.Cause(gctx)))
		case <-s.baseCtx.Done():
		}
		s.Shutdown()
		return nil
	})
	return g.Wait()
}

// pumpEvents forwards session events to the broadcaster of their thread.
// Session-level events carry no thread and are only logged.
func (s *Server) pumpEvents() {
	defer close(s.pumpDone)
	events := s.session.Events()
	for {
		select {
		case <-s.baseCtx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.ThreadID == "" {
				s.log.Debug("session event", zap.String("kind", string(ev.Kind)))
				continue
			}
			s.registry.Ensure(ev.ThreadID).Broadcaster.Send(map[string]any{
				"event":      string(ev.Kind),
				"ts":         ev.Timestamp.Format(time.RFC3339Nano),
				"thread_id":  ev.ThreadID,
				"session_id": ev.SessionID,
				"data":       ev.Data,
			})
		}
	}
}

// csrfProtect only lets a POST through when it has no Origin or a loopback
// one. Browsers always send Origin cross-site; the CLI and scripts do not.
func csrfProtect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			origin := r.Header.Get("Origin")
			if origin != "" {
				u, err := url.Parse(origin)
				if err != nil {
					writeError(w, http.StatusForbidden, "invalid Origin header")
					return
				}
				host := u.Hostname()
				if host != "localhost" && host != "127.0.0.1" && host != "::1" {
					writeError(w, http.StatusForbidden, "cross-origin request blocked")
					return
				}
			}
		}
		next.ServeHTTP(w, r)
	})
}

// Shutdown ends every event stream, cancels in-flight runs and drains HTTP
// connections. Safe to call more than once.
func (s *Server) Shutdown() {
	s.stopOnce.Do(func() {
		s.registry.CloseAll()
		s.cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer shutdownCancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("http shutdown", zap.Error(err))
		}
		<-s.pumpDone
	})
}
