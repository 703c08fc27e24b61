// Package stub provides the terminal "unavailable" adapter used when no
// hosted provider could be constructed.
package stub

import (
	"context"

	"github.com/danshapiro/mcpchat/internal/llm"
)

// Apology is the only reply the stub ever produces.
const Apology = "I'm sorry, no language model is available right now. Check the configured API keys and try again."

const (
	Name  = "stub"
	Model = "unavailable"
)

type Adapter struct{}

func New() *Adapter { return &Adapter{} }

func (a *Adapter) Name() string { return Name }

// Complete ignores the request content entirely.
func (a *Adapter) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	if err := ctx.Err(); err != nil {
		return llm.Response{}, llm.WrapContextError(Name, err)
	}
	return llm.Response{
		Provider: Name,
		Model:    Model,
		Message:  llm.Assistant(Apology),
		Finish:   llm.FinishReason{Reason: "stop", Raw: "stub"},
	}, nil
}
