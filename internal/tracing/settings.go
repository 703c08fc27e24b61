// Package tracing talks to the LangSmith REST API: project listing and
// creation, tenant lookup, and the connection check that decides whether
// tracing stays on for a run.
package tracing

import (
	"strings"

	"github.com/danshapiro/mcpchat/internal/credentials"
)

const (
	DefaultEndpoint = "https://api.smith.langchain.com"
	DefaultProject  = "langgraph-react-mcp-chat"
)

// Settings is the resolved tracing configuration. It is a value; building it
// never touches the process environment.
type Settings struct {
	Enabled  bool
	Endpoint string
	Project  string
	APIKey   string

	// Reason explains a disabled state.
	Reason string
}

// NewSettings enables tracing only when it was requested and the key is
// usable. Empty endpoint and project fall back to the defaults.
func NewSettings(requested bool, endpoint, project string, key credentials.Record) Settings {
	s := Settings{
		Endpoint: strings.TrimRight(strings.TrimSpace(endpoint), "/"),
		Project:  strings.TrimSpace(project),
		APIKey:   key.Value,
	}
	if s.Endpoint == "" {
		s.Endpoint = DefaultEndpoint
	}
	if s.Project == "" {
		s.Project = DefaultProject
	}
	switch {
	case !key.Usable():
		s.Reason = "no valid LangSmith API key"
	case !requested:
		s.Reason = "tracing disabled by LANGCHAIN_TRACING_V2/LANGSMITH_TRACING"
	default:
		s.Enabled = true
	}
	return s
}

// Disabled returns a copy with tracing switched off for reason.
func (s Settings) Disabled(reason string) Settings {
	s.Enabled = false
	s.Reason = reason
	return s
}
