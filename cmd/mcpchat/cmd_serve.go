package main

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/danshapiro/mcpchat/internal/server"
	"github.com/danshapiro/mcpchat/internal/tracing"
)

var serveAddr string

// serveCmd runs the HTTP surface until SIGINT or SIGTERM.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the agent over HTTP",
	Long: `Starts the HTTP server:

  GET  /health                 liveness plus the tracing state
  GET  /providers              current selection attempts and credential status
  GET  /threads                known threads
  POST /threads                create a thread
  POST /threads/{id}/runs      run one turn: {"input": "..."}
  GET  /threads/{id}/state     checkpointed history
  GET  /threads/{id}/events    session events as Server-Sent Events

The address defaults to HOST:PORT (127.0.0.1:2024).`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default HOST:PORT)")
}

func runServe(cmd *cobra.Command, args []string) error {
	env, err := loadEnvironment()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	env.tracing = checkTracing(ctx, env.tracing)

	sess, err := env.newSession(ctx, toolSource)
	if err != nil {
		return err
	}
	defer sess.Close()

	addr := serveAddr
	if addr == "" {
		addr = env.cfg.Addr()
	}
	srv, err := server.New(server.Config{Addr: addr}, server.Deps{
		Session:     sess,
		Select:      env.selectModel,
		Credentials: env.resolver.StatusReport,
		Tracing:     env.tracing,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	return srv.ListenAndServe(ctx)
}

// checkTracing verifies the tracing service once at startup and returns the
// settings to run with. Failure only disables tracing for this process.
func checkTracing(ctx context.Context, s tracing.Settings) tracing.Settings {
	if !s.Enabled {
		logger.Info("tracing disabled", zap.String("reason", s.Reason))
		return s
	}
	client := tracing.NewClient(s, logger)
	rep := tracing.CheckConnection(ctx, s, client)
	if !rep.Enabled {
		logger.Warn("tracing connection failed; continuing without tracing", zap.String("reason", rep.Reason))
		return s.Disabled(rep.Reason)
	}
	logger.Info("tracing connected",
		zap.String("endpoint", s.Endpoint),
		zap.String("project", s.Project),
		zap.String("via", rep.Via))
	return s
}
