package diag

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/danshapiro/mcpchat/internal/credentials"
)

// EnvProbe reports the runtime environment: server variables, tracing flags,
// masked credentials and the presence of the expected local files.
type EnvProbe struct {
	Getenv      func(string) string
	Credentials []credentials.StatusEntry
	InContainer bool

	// Root is searched for Files; patterns may use ** globs. Absolute
	// patterns are checked against the real filesystem.
	Root  fs.FS
	Files []string

	// ResultFile, when set, receives the rendered report.
	ResultFile string
	Now        func() time.Time
}

// DefaultEnvFiles are checked when EnvProbe.Files is empty.
var DefaultEnvFiles = []string{".env", ".env.example", "mcp_config.json", "**/mcp_config.json"}

func (p *EnvProbe) Name() string { return "env" }

func (p *EnvProbe) Run(ctx context.Context) []Result {
	getenv := p.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	orUnset := func(k string) string {
		if v := getenv(k); v != "" {
			return v
		}
		return "not set"
	}

	var out []Result
	where := "local"
	if p.InContainer {
		where = "container"
	}
	out = append(out, pass("runtime", "%s, %s/%s, %s", where, runtime.GOOS, runtime.GOARCH, runtime.Version()).
		with("PORT", orUnset("PORT")).
		with("HOST", orUnset("HOST")).
		with("API_VARIANT", orUnset("API_VARIANT")))

	tracingOn := isTrue(getenv("LANGCHAIN_TRACING_V2")) || isTrue(getenv("LANGSMITH_TRACING"))
	tr := pass("tracing", "tracing disabled; no tracing key errors expected")
	if tracingOn {
		if getenv("LANGSMITH_API_KEY") == "" {
			tr = warn("tracing", "tracing enabled but LANGSMITH_API_KEY is not set")
		} else {
			tr = pass("tracing", "tracing enabled and API key set")
		}
	}
	out = append(out, tr.
		with("LANGCHAIN_TRACING_V2", orUnset("LANGCHAIN_TRACING_V2")).
		with("LANGSMITH_TRACING", orUnset("LANGSMITH_TRACING")).
		with("LANGSMITH_ENDPOINT", orUnset("LANGSMITH_ENDPOINT")).
		with("LANGSMITH_PROJECT", orUnset("LANGSMITH_PROJECT")))

	valid := 0
	cr := Result{Name: "credentials"}
	for _, e := range p.Credentials {
		state := "invalid"
		if e.Valid {
			state = "valid"
			valid++
		}
		cr = cr.with(e.Name, fmt.Sprintf("%s (%s, %s)", e.Masked, e.Source, state))
	}
	if valid > 0 {
		cr.Status, cr.Message = StatusPass, fmt.Sprintf("%d of %d credentials valid", valid, len(p.Credentials))
	} else {
		cr.Status, cr.Message = StatusWarn, "no valid credentials; the model chain will fall back to the stub"
	}
	out = append(out, cr)

	out = append(out, p.checkFiles()...)

	if p.ResultFile != "" {
		out = append(out, p.writeResultFile(out))
	}
	return out
}

func (p *EnvProbe) checkFiles() []Result {
	root := p.Root
	if root == nil {
		root = os.DirFS(".")
	}
	patterns := p.Files
	if len(patterns) == 0 {
		patterns = DefaultEnvFiles
	}
	var out []Result
	for _, pat := range patterns {
		var matches []string
		if filepath.IsAbs(pat) {
			if _, err := os.Stat(pat); err == nil {
				matches = []string{pat}
			}
		} else {
			m, err := doublestar.Glob(root, filepath.ToSlash(pat))
			if err != nil {
				out = append(out, fail("file "+pat, "bad pattern: %v", err))
				continue
			}
			matches = m
		}
		if len(matches) == 0 {
			out = append(out, warn("file "+pat, "missing"))
			continue
		}
		sort.Strings(matches)
		out = append(out, pass("file "+pat, "present").with("matches", matches))
	}
	return out
}

func (p *EnvProbe) writeResultFile(results []Result) Result {
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	rep := &Report{}
	rep.Add(p.Name(), results...)
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "environment report %s\n\n", now().UTC().Format(time.RFC3339))
	_ = rep.Write(&buf)
	if err := os.WriteFile(p.ResultFile, buf.Bytes(), 0o644); err != nil {
		return warn("result file", "write %s: %v", p.ResultFile, err)
	}
	return pass("result file", "written to %s", p.ResultFile)
}

func isTrue(v string) bool { return strings.EqualFold(strings.TrimSpace(v), "true") }
