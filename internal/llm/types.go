package llm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

type ContentKind string

const (
	ContentText       ContentKind = "text"
	ContentToolCall   ContentKind = "tool_call"
	ContentToolResult ContentKind = "tool_result"
)

type ToolCallData struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Type      string          `json:"type,omitempty"`
}

type ToolResultData struct {
	ToolCallID string `json:"tool_call_id"`
	Name       string `json:"name,omitempty"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

type ContentPart struct {
	Kind       ContentKind     `json:"kind"`
	Text       string          `json:"text,omitempty"`
	ToolCall   *ToolCallData   `json:"tool_call,omitempty"`
	ToolResult *ToolResultData `json:"tool_result,omitempty"`
}

type Message struct {
	Role    Role          `json:"role"`
	Content []ContentPart `json:"content"`
}

func System(text string) Message    { return textMessage(RoleSystem, text) }
func User(text string) Message      { return textMessage(RoleUser, text) }
func Assistant(text string) Message { return textMessage(RoleAssistant, text) }

func textMessage(role Role, text string) Message {
	return Message{Role: role, Content: []ContentPart{{Kind: ContentText, Text: text}}}
}

// ToolResult builds the tool-role message answering a single tool call.
func ToolResult(callID, content string, isError bool) Message {
	return ToolResultNamed(callID, "", content, isError)
}

func ToolResultNamed(callID, name, content string, isError bool) Message {
	return Message{
		Role: RoleTool,
		Content: []ContentPart{{
			Kind: ContentToolResult,
			ToolResult: &ToolResultData{
				ToolCallID: callID,
				Name:       name,
				Content:    content,
				IsError:    isError,
			},
		}},
	}
}

// Text concatenates the message's text parts.
func (m Message) Text() string {
	var parts []string
	for _, p := range m.Content {
		if p.Kind == ContentText && p.Text != "" {
			parts = append(parts, p.Text)
		}
	}
	return strings.Join(parts, "")
}

func (m Message) ToolCalls() []ToolCallData {
	var out []ToolCallData
	for _, p := range m.Content {
		if p.Kind == ContentToolCall && p.ToolCall != nil {
			out = append(out, *p.ToolCall)
		}
	}
	return out
}

// Clone returns a deep copy; history snapshots must never share part slices.
func (m Message) Clone() Message {
	out := Message{Role: m.Role, Content: make([]ContentPart, len(m.Content))}
	for i, p := range m.Content {
		cp := ContentPart{Kind: p.Kind, Text: p.Text}
		if p.ToolCall != nil {
			tc := *p.ToolCall
			tc.Arguments = append(json.RawMessage(nil), p.ToolCall.Arguments...)
			cp.ToolCall = &tc
		}
		if p.ToolResult != nil {
			tr := *p.ToolResult
			cp.ToolResult = &tr
		}
		out.Content[i] = cp
	}
	return out
}

type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type ToolChoice struct {
	Mode string `json:"mode"` // auto|none|required|named
	Name string `json:"name,omitempty"`
}

type Request struct {
	Provider        string           `json:"provider,omitempty"`
	Model           string           `json:"model"`
	Messages        []Message        `json:"messages"`
	Tools           []ToolDefinition `json:"tools,omitempty"`
	ToolChoice      *ToolChoice      `json:"tool_choice,omitempty"`
	Temperature     *float64         `json:"temperature,omitempty"`
	MaxTokens       *int             `json:"max_tokens,omitempty"`
	StopSequences   []string         `json:"stop_sequences,omitempty"`
	ProviderOptions map[string]any   `json:"provider_options,omitempty"`
}

func (r Request) Validate() error {
	if strings.TrimSpace(r.Model) == "" {
		return &ConfigurationError{Message: "model is required"}
	}
	if len(r.Messages) == 0 {
		return &ConfigurationError{Message: "at least one message is required"}
	}
	seen := map[string]bool{}
	for _, t := range r.Tools {
		if err := ValidateToolName(t.Name); err != nil {
			return err
		}
		if seen[t.Name] {
			return &ConfigurationError{Message: fmt.Sprintf("duplicate tool name: %s", t.Name)}
		}
		seen[t.Name] = true
	}
	if r.ToolChoice != nil && strings.EqualFold(strings.TrimSpace(r.ToolChoice.Mode), "named") && strings.TrimSpace(r.ToolChoice.Name) == "" {
		return &ConfigurationError{Message: "tool_choice mode=named requires name"}
	}
	return nil
}

var toolNameRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]{0,63}$`)

func ValidateToolName(name string) error {
	if !toolNameRe.MatchString(name) {
		return &ConfigurationError{Message: fmt.Sprintf("invalid tool name %q: must match %s", name, toolNameRe.String())}
	}
	return nil
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

type FinishReason struct {
	Reason string `json:"reason"` // stop|length|tool_calls|content_filter|other
	Raw    string `json:"raw,omitempty"`
}

// NormalizeFinishReason maps a provider-native stop reason onto the unified set.
func NormalizeFinishReason(provider, raw string) FinishReason {
	r := strings.ToLower(strings.TrimSpace(raw))
	out := FinishReason{Raw: raw}
	switch r {
	case "stop", "end_turn", "stop_sequence":
		out.Reason = "stop"
	case "length", "max_tokens":
		out.Reason = "length"
	case "tool_calls", "tool_use", "function_call":
		out.Reason = "tool_calls"
	case "content_filter", "refusal":
		out.Reason = "content_filter"
	case "":
		out.Reason = "stop"
	default:
		out.Reason = "other"
	}
	return out
}

type Response struct {
	ID       string         `json:"id,omitempty"`
	Model    string         `json:"model"`
	Provider string         `json:"provider"`
	Message  Message        `json:"message"`
	Finish   FinishReason   `json:"finish"`
	Usage    Usage          `json:"usage"`
	Raw      map[string]any `json:"-"`
}

func (r Response) Text() string { return r.Message.Text() }

func (r Response) ToolCalls() []ToolCallData { return r.Message.ToolCalls() }
