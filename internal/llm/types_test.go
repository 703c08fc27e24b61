package llm

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestMessageHelpers(t *testing.T) {
	m := Message{Role: RoleAssistant, Content: []ContentPart{
		{Kind: ContentText, Text: "Let me check. "},
		{Kind: ContentToolCall, ToolCall: &ToolCallData{ID: "c1", Name: "current_time", Arguments: json.RawMessage(`{}`)}},
		{Kind: ContentText, Text: "One moment."},
	}}
	if got := m.Text(); got != "Let me check. One moment." {
		t.Fatalf("Text=%q", got)
	}
	calls := m.ToolCalls()
	if len(calls) != 1 || calls[0].Name != "current_time" {
		t.Fatalf("ToolCalls=%+v", calls)
	}

	tr := ToolResultNamed("c1", "current_time", "2026-01-01T00:00:00Z", false)
	if tr.Role != RoleTool || tr.Content[0].ToolResult.ToolCallID != "c1" {
		t.Fatalf("ToolResultNamed=%+v", tr)
	}
}

func TestMessageClone_DoesNotAlias(t *testing.T) {
	orig := Message{Role: RoleAssistant, Content: []ContentPart{
		{Kind: ContentToolCall, ToolCall: &ToolCallData{ID: "c1", Name: "x", Arguments: json.RawMessage(`{"a":1}`)}},
	}}
	cp := orig.Clone()
	cp.Content[0].ToolCall.Name = "y"
	cp.Content[0].ToolCall.Arguments[2] = 'b'
	if orig.Content[0].ToolCall.Name != "x" || string(orig.Content[0].ToolCall.Arguments) != `{"a":1}` {
		t.Fatalf("clone aliased original: %+v", orig.Content[0].ToolCall)
	}
}

func TestRequestValidate(t *testing.T) {
	ok := Request{Model: "m", Messages: []Message{User("hi")}}
	if err := ok.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	bad := []Request{
		{Messages: []Message{User("hi")}},
		{Model: "m"},
		{Model: "m", Messages: []Message{User("hi")}, Tools: []ToolDefinition{{Name: "a"}, {Name: "a"}}},
		{Model: "m", Messages: []Message{User("hi")}, ToolChoice: &ToolChoice{Mode: "named"}},
	}
	for i, r := range bad {
		var ce *ConfigurationError
		if err := r.Validate(); !errors.As(err, &ce) {
			t.Fatalf("case %d: expected ConfigurationError, got %v", i, err)
		}
	}
}

func TestValidateToolName(t *testing.T) {
	for _, name := range []string{"current_time", "a", "credential_status2"} {
		if err := ValidateToolName(name); err != nil {
			t.Fatalf("%q: %v", name, err)
		}
	}
	for _, name := range []string{"", "1x", "has-dash", "has space"} {
		if err := ValidateToolName(name); err == nil {
			t.Fatalf("%q: expected error", name)
		}
	}
}

func TestNormalizeFinishReason(t *testing.T) {
	cases := map[string]string{
		"end_turn":   "stop",
		"stop":       "stop",
		"max_tokens": "length",
		"length":     "length",
		"tool_use":   "tool_calls",
		"tool_calls": "tool_calls",
		"refusal":    "content_filter",
		"weird":      "other",
	}
	for raw, want := range cases {
		if got := NormalizeFinishReason("p", raw); got.Reason != want || got.Raw != raw {
			t.Fatalf("%q: got %+v want %s", raw, got, want)
		}
	}
}
