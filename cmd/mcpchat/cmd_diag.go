package main

import (
	"context"
	"encoding/json"
	"time"

	"github.com/spf13/cobra"

	"github.com/danshapiro/mcpchat/internal/diag"
	"github.com/danshapiro/mcpchat/internal/tracing"
)

var (
	diagJSON       bool
	diagTimeout    time.Duration
	diagResultFile string
	diagDuration   int
)

// diagCmd groups the connectivity probes. Each exits 1 when any step fails.
var diagCmd = &cobra.Command{
	Use:   "diag",
	Short: "Run connectivity diagnostics",
	Long: `Runs standalone diagnostics. Probes never depend on each other:

  https         DNS, TCP, TLS, HTTP/2 and API checks against the tracing endpoint
  websocket     connect, ping and keepalive against WEBSOCKET_URL
  env           runtime variables, masked keys and expected local files
  validate-key  LangSmith key, project list and project creation
  tracing       the connection check the server runs at startup
  hello         select a model and send "Hello, world!"
  all           every probe above, in order`,
}

func init() {
	diagCmd.PersistentFlags().BoolVar(&diagJSON, "json", false, "Print results as JSON")
	diagCmd.PersistentFlags().DurationVar(&diagTimeout, "timeout", 2*time.Minute, "Overall timeout")

	envDiagCmd.Flags().StringVar(&diagResultFile, "result-file", "", "Also write the env report to this file")
	wsDiagCmd.Flags().IntVar(&diagDuration, "duration", 10, "Seconds to hold the connection with keepalives (max 10)")

	for _, c := range []*cobra.Command{httpsDiagCmd, wsDiagCmd, envDiagCmd, validateKeyDiagCmd, tracingDiagCmd, helloDiagCmd, allDiagCmd} {
		c.Args = cobra.NoArgs
		diagCmd.AddCommand(c)
	}
}

var httpsDiagCmd = &cobra.Command{
	Use:   "https",
	Short: "Check the HTTPS path to the tracing API",
	RunE:  diagRunner(func(e *environment) []diag.Probe { return []diag.Probe{httpsProbe(e)} }),
}

var wsDiagCmd = &cobra.Command{
	Use:   "websocket",
	Short: "Check the WebSocket tool endpoint",
	RunE:  diagRunner(func(e *environment) []diag.Probe { return []diag.Probe{wsProbe(e)} }),
}

var envDiagCmd = &cobra.Command{
	Use:   "env",
	Short: "Report the runtime environment",
	RunE:  diagRunner(func(e *environment) []diag.Probe { return []diag.Probe{envProbe(e)} }),
}

var validateKeyDiagCmd = &cobra.Command{
	Use:   "validate-key",
	Short: "Validate the LangSmith API key",
	RunE:  diagRunner(func(e *environment) []diag.Probe { return []diag.Probe{validateKeyProbe(e)} }),
}

var tracingDiagCmd = &cobra.Command{
	Use:   "tracing",
	Short: "Run the tracing connection check",
	RunE: diagRunner(func(e *environment) []diag.Probe {
		return []diag.Probe{&diag.TracingProbe{Settings: e.tracing, Client: tracing.NewClient(e.tracing, logger)}}
	}),
}

var helloDiagCmd = &cobra.Command{
	Use:   "hello",
	Short: "Send one message through the model chain",
	RunE:  diagRunner(func(e *environment) []diag.Probe { return []diag.Probe{helloProbe(e)} }),
}

var allDiagCmd = &cobra.Command{
	Use:   "all",
	Short: "Run every probe",
	RunE: diagRunner(func(e *environment) []diag.Probe {
		return []diag.Probe{
			envProbe(e),
			httpsProbe(e),
			validateKeyProbe(e),
			&diag.TracingProbe{Settings: e.tracing, Client: tracing.NewClient(e.tracing, logger)},
			wsProbe(e),
			helloProbe(e),
		}
	}),
}

func httpsProbe(e *environment) diag.Probe {
	return &diag.HTTPSProbe{
		Endpoint: e.cfg.Tracing.Endpoint,
		APIKey:   e.resolver.ResolveProvider("langsmith").Value,
		Proxy:    diag.ProxyEnv{HTTP: e.cfg.Proxy.HTTP, HTTPS: e.cfg.Proxy.HTTPS, No: e.cfg.Proxy.No},
	}
}

func wsProbe(e *environment) diag.Probe {
	ws := e.cfg.WebSocket
	keepalives := min(10, diagDuration)
	return &diag.WebSocketProbe{
		URL:               ws.URL,
		MaxAttempts:       ws.MaxReconnectAttempts,
		ReconnectInterval: ws.ReconnectInterval,
		PingInterval:      ws.PingInterval,
		PingTimeout:       ws.PingTimeout,
		Keepalives:        max(1, keepalives),
	}
}

func envProbe(e *environment) diag.Probe {
	files := append([]string{envFile}, diag.DefaultEnvFiles[1:]...)
	if e.cfg.ToolConfigPath != "" {
		files = append(files, e.cfg.ToolConfigPath)
	}
	return &diag.EnvProbe{
		Getenv:      e.getenv,
		Credentials: e.resolver.StatusReport(),
		InContainer: e.cfg.InContainer,
		Files:       dedupe(files),
		ResultFile:  diagResultFile,
	}
}

func validateKeyProbe(e *environment) diag.Probe {
	key := e.resolver.ResolveProvider("langsmith")
	s := e.tracing
	s.APIKey = key.Value
	return &diag.ValidateKeyProbe{Key: key, Settings: s, Client: tracing.NewClient(s, logger)}
}

func helloProbe(e *environment) diag.Probe {
	chain, err := e.chain()
	if err != nil {
		return failedProbe{name: "hello", err: err}
	}
	return &diag.HelloProbe{Chain: chain, Settings: e.settings(), Timeout: e.cfg.Run.Timeout}
}

// failedProbe reports a probe that could not be constructed.
type failedProbe struct {
	name string
	err  error
}

func (p failedProbe) Name() string { return p.name }

func (p failedProbe) Run(context.Context) []diag.Result {
	return []diag.Result{{Name: "setup", Status: diag.StatusFail, Message: p.err.Error()}}
}

func diagRunner(build func(*environment) []diag.Probe) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		env, err := loadEnvironment()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		ctx, cancel := context.WithTimeout(ctx, diagTimeout)
		defer cancel()

		rep := diag.Run(ctx, build(env)...)
		out := cmd.OutOrStdout()
		if diagJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			if err := enc.Encode(rep.Results()); err != nil {
				return err
			}
		} else if err := rep.Write(out); err != nil {
			return err
		}
		if code := rep.ExitCode(); code != 0 {
			return &exitError{code: code}
		}
		return nil
	}
}

func dedupe(in []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
