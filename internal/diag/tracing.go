package diag

import (
	"context"
	"errors"
	"net/http"

	"github.com/danshapiro/mcpchat/internal/credentials"
	"github.com/danshapiro/mcpchat/internal/tracing"
)

// ValidateKeyProbe checks the LangSmith key against /sessions, lists the
// projects and makes sure the configured project exists.
type ValidateKeyProbe struct {
	Key      credentials.Record
	Settings tracing.Settings
	Client   *tracing.Client
}

func (p *ValidateKeyProbe) Name() string { return "validate-key" }

func (p *ValidateKeyProbe) Run(ctx context.Context) []Result {
	if p.Key.Value == "" || p.Key.Source == credentials.SourceNone || p.Key.Source == credentials.SourcePlaceholder {
		return []Result{fail("key", "LANGSMITH_API_KEY is not set").with("source", string(p.Key.Source))}
	}
	out := []Result{pass("key", "found %s", credentials.Mask(p.Key.Value)).
		with("source", string(p.Key.Source)).
		with("endpoint", p.Client.Endpoint())}
	if !credentials.Valid("langsmith", p.Key.Value) {
		out[0] = warn("key", "%s does not look like a LangSmith key", credentials.Mask(p.Key.Value)).
			with("source", string(p.Key.Source))
	}

	code, err := p.Client.GetSessions(ctx)
	switch {
	case err != nil:
		out = append(out, fail("auth", "request failed: %v", err))
	case code == http.StatusOK:
		out = append(out, pass("auth", "authenticated (status %d)", code))
	case code == http.StatusForbidden:
		out = append(out, fail("auth", "403 Forbidden").hint(
			"this key lacks the required permissions or has expired",
			"create a new API key in the LangSmith dashboard",
		))
	case code == http.StatusUnauthorized:
		out = append(out, fail("auth", "401 Unauthorized").hint("the API key is wrong"))
	default:
		out = append(out, fail("auth", "unexpected status %d", code))
	}

	projects, err := p.Client.ListProjects(ctx)
	if err != nil {
		return append(out, fail("projects", "%v", err))
	}
	names := make([]string, 0, len(projects))
	for _, pr := range projects {
		names = append(names, pr.Name)
	}
	out = append(out, pass("projects", "%d projects", len(projects)).with("names", names))

	project, created, err := p.Client.EnsureProject(ctx, p.Settings.Project)
	switch {
	case err != nil:
		out = append(out, fail("project", "ensure %q: %v", p.Settings.Project, err))
	case created:
		out = append(out, pass("project", "created %q", project.Name).with("id", project.ID))
	default:
		out = append(out, pass("project", "%q already exists", project.Name).with("id", project.ID))
	}
	return out
}

// TracingProbe runs the same connection check a server start performs.
type TracingProbe struct {
	Settings tracing.Settings
	Client   *tracing.Client
}

func (p *TracingProbe) Name() string { return "tracing" }

func (p *TracingProbe) Run(ctx context.Context) []Result {
	if !p.Settings.Enabled {
		return []Result{warn("connection", "tracing disabled: %s", p.Settings.Reason).
			with("project", p.Settings.Project)}
	}
	rep := tracing.CheckConnection(ctx, p.Settings, p.Client)
	if !rep.Enabled {
		res := fail("connection", "tracing will be disabled: %s", rep.Reason)
		var se *tracing.StatusError
		if errors.As(rep.Err, &se) && se.Hint() != "" {
			res = res.hint(se.Hint())
		}
		return []Result{res}
	}
	return []Result{pass("connection", "connected via %s", rep.Via).
		with("project", p.Settings.Project).
		with("projects", rep.Projects).
		with("endpoint", p.Client.Endpoint())}
}
