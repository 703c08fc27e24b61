package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/danshapiro/mcpchat/internal/llm"
	"github.com/danshapiro/mcpchat/internal/providerspec"
)

const (
	apiVersion            = "2023-06-01"
	defaultMaxTokens      = 4096
	defaultRequestTimeout = 60 * time.Second
	maxResponseBodyBytes  = 8 << 20
)

type Adapter struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
	Client  *http.Client
}

func New(apiKey, baseURL string) (*Adapter, error) {
	spec, _ := providerspec.Builtin("anthropic")
	key := strings.TrimSpace(apiKey)
	if key == "" {
		return nil, &llm.ConfigurationError{Message: spec.API.DefaultAPIKeyEnv + " is required"}
	}
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		base = spec.API.DefaultBaseURL
	}
	return &Adapter{
		APIKey:  key,
		BaseURL: base,
		Timeout: defaultRequestTimeout,
		// Avoid short client-level timeouts; rely on request context deadlines instead.
		Client: &http.Client{Timeout: 0},
	}, nil
}

func (a *Adapter) Name() string { return "anthropic" }

func (a *Adapter) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	if a.Client == nil {
		a.Client = &http.Client{Timeout: 0}
	}
	if _, ok := ctx.Deadline(); !ok && a.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.Timeout)
		defer cancel()
	}

	system, messages := toAnthropicMessages(req.Messages)
	maxTokens := defaultMaxTokens
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		maxTokens = *req.MaxTokens
	}
	body := map[string]any{
		"model":      nativeModelID(req.Model),
		"max_tokens": maxTokens,
		"messages":   messages,
	}
	if strings.TrimSpace(system) != "" {
		body["system"] = system
	}
	if req.Temperature != nil {
		body["temperature"] = *req.Temperature
	}
	if len(req.StopSequences) > 0 {
		body["stop_sequences"] = req.StopSequences
	}

	includeTools := len(req.Tools) > 0
	if req.ToolChoice != nil {
		switch strings.ToLower(strings.TrimSpace(req.ToolChoice.Mode)) {
		case "", "auto":
			if includeTools {
				body["tool_choice"] = map[string]any{"type": "auto"}
			}
		case "none":
			// The Messages API has no "none" choice; omit tools entirely.
			includeTools = false
		case "required":
			if includeTools {
				body["tool_choice"] = map[string]any{"type": "any"}
			}
		case "named":
			if includeTools {
				body["tool_choice"] = map[string]any{"type": "tool", "name": req.ToolChoice.Name}
			}
		default:
			return llm.Response{}, &llm.ConfigurationError{Message: fmt.Sprintf("unsupported tool_choice mode for anthropic: %s", req.ToolChoice.Mode)}
		}
	}
	if includeTools {
		body["tools"] = toAnthropicTools(req.Tools)
	}
	if ov, ok := req.ProviderOptions["anthropic"].(map[string]any); ok {
		for k, v := range ov {
			body[k] = v
		}
	}

	b, err := json.Marshal(body)
	if err != nil {
		return llm.Response{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.BaseURL+"/v1/messages", bytes.NewReader(b))
	if err != nil {
		return llm.Response{}, llm.WrapContextError(a.Name(), err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.APIKey)
	httpReq.Header.Set("anthropic-version", apiVersion)

	resp, err := a.Client.Do(httpReq)
	if err != nil {
		return llm.Response{}, llm.WrapContextError(a.Name(), err)
	}
	defer func() { _ = resp.Body.Close() }()

	rawBytes, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodyBytes))
	if err != nil {
		return llm.Response{}, llm.WrapContextError(a.Name(), err)
	}
	var raw map[string]any
	_ = json.Unmarshal(rawBytes, &raw)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		ra := llm.ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		msg := fmt.Sprintf("messages.create failed: %s", strings.TrimSpace(string(rawBytes)))
		return llm.Response{}, llm.ErrorFromHTTPStatus(a.Name(), resp.StatusCode, msg, raw, ra)
	}
	if raw == nil {
		return llm.Response{}, fmt.Errorf("messages.create: undecodable response body")
	}
	return fromAnthropicResponse(a.Name(), raw, req.Model), nil
}

func toAnthropicTools(tools []llm.ToolDefinition) []map[string]any {
	out := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		params := t.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, map[string]any{
			"name":         t.Name,
			"description":  t.Description,
			"input_schema": params,
		})
	}
	return out
}

func toAnthropicMessages(msgs []llm.Message) (system string, messages []map[string]any) {
	var sysParts []string
	appendMessage := func(role string, content []map[string]any) {
		if len(content) == 0 {
			return
		}
		// Anthropic requires user/assistant alternation; merge same-role neighbors.
		if len(messages) > 0 {
			last := messages[len(messages)-1]
			if lastRole, _ := last["role"].(string); lastRole == role {
				if lastContent, ok := last["content"].([]map[string]any); ok {
					last["content"] = append(lastContent, content...)
					return
				}
			}
		}
		messages = append(messages, map[string]any{
			"role":    role,
			"content": content,
		})
	}

	for _, m := range msgs {
		switch m.Role {
		case llm.RoleSystem:
			if t := strings.TrimSpace(m.Text()); t != "" {
				sysParts = append(sysParts, t)
			}
		case llm.RoleUser:
			appendMessage("user", textBlocks(m))
		case llm.RoleAssistant:
			blocks := textBlocks(m)
			for _, tc := range m.ToolCalls() {
				in := any(map[string]any{})
				if len(tc.Arguments) > 0 {
					_ = json.Unmarshal(tc.Arguments, &in)
				}
				blocks = append(blocks, map[string]any{
					"type":  "tool_use",
					"id":    tc.ID,
					"name":  tc.Name,
					"input": in,
				})
			}
			appendMessage("assistant", blocks)
		case llm.RoleTool:
			// Tool results travel as user messages with tool_result blocks.
			var blocks []map[string]any
			for _, p := range m.Content {
				if p.Kind != llm.ContentToolResult || p.ToolResult == nil {
					continue
				}
				blocks = append(blocks, map[string]any{
					"type":        "tool_result",
					"tool_use_id": p.ToolResult.ToolCallID,
					"content":     p.ToolResult.Content,
					"is_error":    p.ToolResult.IsError,
				})
			}
			appendMessage("user", blocks)
		}
	}
	return strings.Join(sysParts, "\n\n"), messages
}

func textBlocks(m llm.Message) []map[string]any {
	var blocks []map[string]any
	for _, p := range m.Content {
		if p.Kind == llm.ContentText && strings.TrimSpace(p.Text) != "" {
			blocks = append(blocks, map[string]any{"type": "text", "text": p.Text})
		}
	}
	return blocks
}

func fromAnthropicResponse(provider string, raw map[string]any, requestedModel string) llm.Response {
	r := llm.Response{
		Provider: provider,
		Model:    requestedModel,
		Raw:      raw,
	}
	if id, _ := raw["id"].(string); id != "" {
		r.ID = id
	}
	if m, _ := raw["model"].(string); m != "" {
		r.Model = m
	}

	msg := llm.Message{Role: llm.RoleAssistant}
	if content, ok := raw["content"].([]any); ok {
		for _, itAny := range content {
			it, ok := itAny.(map[string]any)
			if !ok {
				continue
			}
			switch typ, _ := it["type"].(string); typ {
			case "text":
				if t, _ := it["text"].(string); t != "" {
					msg.Content = append(msg.Content, llm.ContentPart{Kind: llm.ContentText, Text: t})
				}
			case "tool_use":
				id, _ := it["id"].(string)
				name, _ := it["name"].(string)
				argsRaw, _ := json.Marshal(it["input"])
				msg.Content = append(msg.Content, llm.ContentPart{
					Kind: llm.ContentToolCall,
					ToolCall: &llm.ToolCallData{
						ID:        id,
						Name:      name,
						Arguments: argsRaw,
						Type:      "function",
					},
				})
			}
		}
	}

	r.Message = msg
	sr, _ := raw["stop_reason"].(string)
	r.Finish = llm.NormalizeFinishReason(provider, sr)
	if len(r.ToolCalls()) > 0 {
		r.Finish.Reason = "tool_calls"
	}
	if u, ok := raw["usage"].(map[string]any); ok {
		r.Usage = parseUsage(u)
	}
	return r
}

func parseUsage(u map[string]any) llm.Usage {
	getInt := func(v any) int {
		switch x := v.(type) {
		case float64:
			return int(x)
		case int:
			return x
		default:
			return 0
		}
	}
	in, out := getInt(u["input_tokens"]), getInt(u["output_tokens"])
	return llm.Usage{InputTokens: in, OutputTokens: out, TotalTokens: in + out}
}

// versionDotRe matches dots between digits in model version numbers
// (e.g. "4.5", "3.7") without touching other dots.
var versionDotRe = regexp.MustCompile(`(\d)\.(\d)`)

// nativeModelID translates dotted model versions ("claude-3.7-sonnet") to the
// dashed form the API expects ("claude-3-7-sonnet").
func nativeModelID(id string) string {
	return versionDotRe.ReplaceAllString(id, "${1}-${2}")
}
