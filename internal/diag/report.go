// Package diag holds standalone connectivity probes for the tracing API,
// the WebSocket tool endpoint, the runtime environment and the model chain.
// Probes never depend on each other's outcome.
package diag

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
)

type Status string

const (
	StatusPass Status = "pass"
	StatusWarn Status = "warn"
	StatusFail Status = "fail"
)

func (s Status) symbol() string {
	switch s {
	case StatusPass:
		return "ok  "
	case StatusWarn:
		return "warn"
	default:
		return "FAIL"
	}
}

type Result struct {
	Probe   string         `json:"probe"`
	Name    string         `json:"name"`
	Status  Status         `json:"status"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Hints   []string       `json:"hints,omitempty"`
}

func pass(name, format string, args ...any) Result {
	return Result{Name: name, Status: StatusPass, Message: fmt.Sprintf(format, args...)}
}

func warn(name, format string, args ...any) Result {
	return Result{Name: name, Status: StatusWarn, Message: fmt.Sprintf(format, args...)}
}

func fail(name, format string, args ...any) Result {
	return Result{Name: name, Status: StatusFail, Message: fmt.Sprintf(format, args...)}
}

func (r Result) with(key string, v any) Result {
	if r.Details == nil {
		r.Details = map[string]any{}
	}
	r.Details[key] = v
	return r
}

func (r Result) hint(h ...string) Result {
	r.Hints = append(r.Hints, h...)
	return r
}

// Probe is one diagnostic. Run reports every step it attempted.
type Probe interface {
	Name() string
	Run(ctx context.Context) []Result
}

// Report collects results from any number of probes.
type Report struct {
	mu      sync.Mutex
	results []Result
}

func (r *Report) Add(probe string, rs ...Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, res := range rs {
		res.Probe = probe
		r.results = append(r.results, res)
	}
}

func (r *Report) Results() []Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Result(nil), r.results...)
}

// Count returns how many results carry status s.
func (r *Report) Count(s Status) int {
	n := 0
	for _, res := range r.Results() {
		if res.Status == s {
			n++
		}
	}
	return n
}

// ExitCode is 1 when any result failed.
func (r *Report) ExitCode() int {
	if r.Count(StatusFail) > 0 {
		return 1
	}
	return 0
}

// Run executes probes in order. A failing probe never stops the next one.
func Run(ctx context.Context, probes ...Probe) *Report {
	rep := &Report{}
	for _, p := range probes {
		if ctx.Err() != nil {
			rep.Add(p.Name(), fail(p.Name(), "skipped: %v", ctx.Err()))
			continue
		}
		rep.Add(p.Name(), p.Run(ctx)...)
	}
	return rep
}

// Write renders the report for humans.
func (r *Report) Write(w io.Writer) error {
	var b strings.Builder
	probe := ""
	for _, res := range r.Results() {
		if res.Probe != probe {
			probe = res.Probe
			fmt.Fprintf(&b, "== %s ==\n", probe)
		}
		fmt.Fprintf(&b, "[%s] %s: %s\n", res.Status.symbol(), res.Name, res.Message)
		keys := make([]string, 0, len(res.Details))
		for k := range res.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "       %s: %v\n", k, res.Details[k])
		}
		for _, h := range res.Hints {
			fmt.Fprintf(&b, "       - %s\n", h)
		}
	}
	fmt.Fprintf(&b, "\n%d passed, %d warnings, %d failed\n", r.Count(StatusPass), r.Count(StatusWarn), r.Count(StatusFail))
	_, err := io.WriteString(w, b.String())
	return err
}
