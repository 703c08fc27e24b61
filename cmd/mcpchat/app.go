package main

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/danshapiro/mcpchat/internal/agent"
	"github.com/danshapiro/mcpchat/internal/config"
	"github.com/danshapiro/mcpchat/internal/credentials"
	"github.com/danshapiro/mcpchat/internal/llm"
	"github.com/danshapiro/mcpchat/internal/modelchain"
	"github.com/danshapiro/mcpchat/internal/providerspec"
	"github.com/danshapiro/mcpchat/internal/toolconfig"
	"github.com/danshapiro/mcpchat/internal/tracing"
)

// toolSource turns configured tool servers into tools. No multi-server client
// ships with this binary, so it stays nil unless one is linked in.
var toolSource agent.ToolSource

// environment is the resolved configuration shared by every command.
type environment struct {
	getenv   func(string) string
	cfg      config.Config
	resolver *credentials.Resolver
	tracing  tracing.Settings
}

func loadEnvironment() (*environment, error) {
	dotenv, err := config.LoadDotEnv(envFile)
	if err != nil {
		return nil, err
	}
	get := config.Overlay(getenv, dotenv)
	cfg, err := config.Load(get)
	if err != nil {
		return nil, err
	}
	resolver := credentials.NewResolver(get, cfg.CredentialsFile, logger)
	env := &environment{
		getenv:   get,
		cfg:      cfg,
		resolver: resolver,
		tracing:  tracing.NewSettings(cfg.Tracing.Requested, cfg.Tracing.Endpoint, cfg.Tracing.Project, resolver.ResolveProvider("langsmith")),
	}
	return env, nil
}

// baseURLs collects the per-provider base URL overrides that are set.
func baseURLs(get func(string) string) map[string]string {
	out := map[string]string{}
	for key, spec := range providerspec.Builtins() {
		if spec.API == nil || spec.API.BaseURLEnv == "" {
			continue
		}
		if v := strings.TrimSpace(get(spec.API.BaseURLEnv)); v != "" {
			out[key] = v
		}
	}
	return out
}

func (e *environment) chain() (*modelchain.Chain, error) {
	candidates, err := modelchain.CandidatesFor(e.cfg.Run.Models)
	if err != nil {
		return nil, err
	}
	return modelchain.New(candidates, logger), nil
}

// settings resolves every credential again. The key file is read on each
// call, so keys added or removed since the last turn are seen.
func (e *environment) settings() modelchain.Settings {
	return modelchain.SettingsFromResolver(e.resolver, baseURLs(e.getenv), e.cfg.Run.TemperatureOrDefault(), e.cfg.Run.MaxTokens, e.cfg.Run.Timeout)
}

// selectModel runs the fallback chain against the current credentials.
func (e *environment) selectModel(ctx context.Context) (modelchain.Selection, error) {
	chain, err := e.chain()
	if err != nil {
		return modelchain.Selection{}, err
	}
	return chain.Select(ctx, e.settings())
}

// bind is the session's per-run model binding.
func (e *environment) bind(ctx context.Context) (agent.Binding, error) {
	sel, err := e.selectModel(ctx)
	if err != nil {
		return agent.Binding{}, err
	}
	client := sel.Client(
		llm.RetryMiddleware(llm.DefaultRetryPolicy()),
		llm.LoggingMiddleware(logger),
	)
	return agent.Binding{Client: client, Provider: sel.Provider, Model: sel.Model, Unavailable: sel.Unavailable}, nil
}

// newSession builds an agent session that selects its model at the start of
// every run. Tools come from the builtins plus src, when one is given.
func (e *environment) newSession(ctx context.Context, src agent.ToolSource) (*agent.Session, error) {
	// Fail fast on a broken chain configuration rather than on the first run.
	if _, err := e.chain(); err != nil {
		return nil, err
	}

	reg := agent.NewToolRegistry()
	if err := agent.RegisterBuiltinTools(reg, agent.BuiltinDeps{Credentials: e.resolver.StatusReport}); err != nil {
		return nil, err
	}
	tools, err := toolconfig.Load(e.cfg.ToolConfigPath)
	if err != nil {
		return nil, err
	}
	if len(tools.Servers) > 0 {
		n, err := agent.RegisterFromSource(ctx, reg, src, tools)
		if err != nil {
			return nil, err
		}
		if src == nil {
			logger.Info("tool servers configured; no tool client is attached",
				zap.String("path", tools.Path),
				zap.Strings("servers", tools.Names()))
		} else {
			logger.Info("registered tools from servers",
				zap.String("path", tools.Path),
				zap.Strings("servers", tools.Names()),
				zap.Int("tools", n))
		}
	}

	maxTokens := e.cfg.Run.MaxTokens
	temp := e.cfg.Run.TemperatureOrDefault()
	sess, err := agent.NewSession(nil, reg, nil, agent.SessionConfig{
		Bind:         e.bind,
		SystemPrompt: e.cfg.Run.SystemPrompt,
		MaxSteps:     e.cfg.Run.MaxSteps,
		Temperature:  &temp,
		MaxTokens:    &maxTokens,
		Logger:       logger,
	})
	if err != nil {
		return nil, fmt.Errorf("new session: %w", err)
	}
	return sess, nil
}
