package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/danshapiro/mcpchat/internal/credentials"
	"github.com/danshapiro/mcpchat/internal/llm"
	"github.com/danshapiro/mcpchat/internal/toolconfig"
)

const (
	ToolCurrentTime      = "current_time"
	ToolCredentialStatus = "credential_status"
)

type BuiltinDeps struct {
	Now         func() time.Time
	Credentials func() []credentials.StatusEntry
}

func RegisterBuiltinTools(reg *ToolRegistry, deps BuiltinDeps) error {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	if err := reg.Register(RegisteredTool{
		Definition: llm.ToolDefinition{
			Name:        ToolCurrentTime,
			Description: "Return the current time as an RFC 3339 timestamp. Defaults to UTC.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"timezone": map[string]any{
						"type":        "string",
						"description": "IANA time zone name, for example Europe/Paris.",
					},
				},
				"additionalProperties": false,
			},
		},
		Exec: func(ctx context.Context, args map[string]any) (any, error) {
			loc := time.UTC
			if tz, _ := args["timezone"].(string); tz != "" {
				l, err := time.LoadLocation(tz)
				if err != nil {
					return nil, fmt.Errorf("unknown timezone %q", tz)
				}
				loc = l
			}
			return now().In(loc).Format(time.RFC3339), nil
		},
	}); err != nil {
		return err
	}

	if deps.Credentials == nil {
		return nil
	}
	return reg.Register(RegisteredTool{
		Definition: llm.ToolDefinition{
			Name:        ToolCredentialStatus,
			Description: "Report which provider API keys are configured and valid. Values are masked.",
			Parameters: map[string]any{
				"type":                 "object",
				"properties":           map[string]any{},
				"additionalProperties": false,
			},
		},
		Exec: func(ctx context.Context, args map[string]any) (any, error) {
			return deps.Credentials(), nil
		},
	})
}

// ToolSource turns the configured tool servers into callable tools. The
// multi-server client behind it lives outside this module.
type ToolSource interface {
	Tools(ctx context.Context, cfg toolconfig.Config) ([]RegisteredTool, error)
}

// RegisterFromSource adds every tool the source yields. A name already held
// by a builtin is an error.
func RegisterFromSource(ctx context.Context, reg *ToolRegistry, src ToolSource, cfg toolconfig.Config) (int, error) {
	if src == nil || len(cfg.Servers) == 0 {
		return 0, nil
	}
	tools, err := src.Tools(ctx, cfg)
	if err != nil {
		return 0, fmt.Errorf("load tools: %w", err)
	}
	existing := map[string]bool{}
	for _, n := range reg.Names() {
		existing[n] = true
	}
	for _, t := range tools {
		if existing[t.Definition.Name] {
			return 0, fmt.Errorf("tool %s conflicts with an existing tool", t.Definition.Name)
		}
		if err := reg.Register(t); err != nil {
			return 0, err
		}
		existing[t.Definition.Name] = true
	}
	return len(tools), nil
}
