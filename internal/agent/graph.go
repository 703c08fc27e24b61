package agent

import (
	"errors"
	"fmt"

	"github.com/danshapiro/mcpchat/internal/llm"
)

// Route names the node that runs after call_model.
type Route string

const (
	RouteEnd   Route = "__end__"
	RouteTools Route = "tools"

	NodeCallModel = "call_model"
	NodeTools     = "tools"
)

// ErrUnexpectedMessage is returned when routing finds a non-assistant message
// where a model reply was required.
var ErrUnexpectedMessage = errors.New("unexpected message in output edge")

// RouteModelOutput decides the edge out of call_model from the last history
// entry: no tool calls ends the run, otherwise the tools node runs next.
func RouteModelOutput(history []llm.Message) (Route, error) {
	if len(history) == 0 {
		return "", fmt.Errorf("%w: expected assistant message, got empty history", ErrUnexpectedMessage)
	}
	last := history[len(history)-1]
	if last.Role != llm.RoleAssistant {
		return "", fmt.Errorf("%w: expected assistant message, got %s", ErrUnexpectedMessage, last.Role)
	}
	if len(last.ToolCalls()) == 0 {
		return RouteEnd, nil
	}
	return RouteTools, nil
}

// StepLimitReply replaces a final model turn that still asks for tools.
const StepLimitReply = "Sorry, I could not find an answer to your question in the specified number of steps."

// isLastStep reports whether a call_model at step leaves no room for a tools
// node followed by another model call.
func isLastStep(step, maxSteps int) bool {
	return maxSteps-step < 2
}
