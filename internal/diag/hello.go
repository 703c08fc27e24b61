package diag

import (
	"context"
	"time"

	"github.com/danshapiro/mcpchat/internal/llm"
	"github.com/danshapiro/mcpchat/internal/modelchain"
)

// HelloMessage is the fixed prompt sent by HelloProbe.
const HelloMessage = "Hello, world!"

// HelloProbe runs the fallback chain and sends one message through whatever
// it selects.
type HelloProbe struct {
	Chain    *modelchain.Chain
	Settings modelchain.Settings
	Timeout  time.Duration
}

func (p *HelloProbe) Name() string { return "hello" }

func (p *HelloProbe) Run(ctx context.Context) []Result {
	sel, err := p.Chain.Select(ctx, p.Settings)
	if err != nil {
		return []Result{fail("select", "%v", err)}
	}
	attempts := make([]string, 0, len(sel.Attempts))
	for _, a := range sel.Attempts {
		line := a.Provider + "/" + a.Model
		if a.Error != "" {
			line += ": " + a.Error
		}
		attempts = append(attempts, line)
	}
	selRes := pass("select", "%s/%s", sel.Provider, sel.Model).with("attempts", attempts)
	if sel.Unavailable {
		selRes = warn("select", "no provider available; using the stub").with("attempts", attempts).
			hint("set OPENAI_API_KEY or ANTHROPIC_API_KEY to a valid key")
	}
	out := []Result{selRes}

	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	start := time.Now()
	resp, err := sel.Client().Complete(cctx, llm.Request{
		Model:    sel.Model,
		Messages: []llm.Message{llm.User(HelloMessage)},
	})
	if err != nil {
		return append(out, fail("complete", "%v", err))
	}
	res := pass("complete", "%s", resp.Text()).
		with("latency", time.Since(start).Round(time.Millisecond).String()).
		with("tokens", resp.Usage.TotalTokens)
	if sel.Unavailable {
		res.Status = StatusWarn
	}
	return append(out, res)
}
