package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/danshapiro/mcpchat/internal/llm"
)

const (
	DefaultMaxSteps     = 25
	DefaultSystemPrompt = "You are a helpful AI assistant.\n\nSystem time: {system_time}"
)

type SessionConfig struct {
	// Model is sent on every request; the provider is the client's default.
	// Ignored when Bind is set.
	Model string

	// Bind picks the client and model at the start of every run, so a key
	// added or revoked between turns takes effect on the next one.
	Bind BindFunc

	// SystemPrompt is a template; {system_time} becomes the UTC time of the call.
	SystemPrompt string

	// MaxSteps bounds graph node executions per run.
	MaxSteps int

	Temperature *float64
	MaxTokens   *int

	// ToolOutputLimits overrides default per-tool truncation behavior.
	ToolOutputLimits map[string]ToolOutputLimit

	// MaxParallelTools bounds concurrent tool executions within one tools node.
	MaxParallelTools int

	LoopDetectionWindow int

	Now    func() time.Time
	Logger *zap.Logger
}

func (c *SessionConfig) applyDefaults() {
	if c.MaxSteps <= 0 {
		c.MaxSteps = DefaultMaxSteps
	}
	if strings.TrimSpace(c.SystemPrompt) == "" {
		c.SystemPrompt = DefaultSystemPrompt
	}
	if c.MaxParallelTools <= 0 {
		c.MaxParallelTools = 4
	}
	if c.LoopDetectionWindow <= 0 {
		c.LoopDetectionWindow = 3
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Binding is the model one run talks to.
type Binding struct {
	Client      *llm.Client
	Provider    string
	Model       string
	Unavailable bool
}

type BindFunc func(ctx context.Context) (Binding, error)

// RunResult describes one completed ProcessInput.
type RunResult struct {
	ThreadID    string     `json:"thread_id"`
	Provider    string     `json:"provider"`
	Model       string     `json:"model"`
	Unavailable bool       `json:"unavailable,omitempty"`
	Reply       string     `json:"reply"`
	Steps       int        `json:"steps"`
	Routes      []Route    `json:"routes"`
	StepLimit   bool       `json:"step_limit"`
	Usage       llm.Usage  `json:"usage"`
	Checkpoint  Checkpoint `json:"-"`
}

type Session struct {
	id     string
	cfg    SessionConfig
	client *llm.Client
	reg    *ToolRegistry
	saver  Checkpointer
	log    *zap.Logger

	// mu guards closed, threads and sends on events. emit holds it shared so
	// Close cannot close the channel under a send.
	mu      sync.RWMutex
	events  chan SessionEvent
	closed  bool
	threads map[string]*sync.Mutex
}

// NewSession builds a session around a fixed client, or around cfg.Bind when
// set, in which case client may be nil.
func NewSession(client *llm.Client, reg *ToolRegistry, saver Checkpointer, cfg SessionConfig) (*Session, error) {
	if cfg.Bind == nil {
		if client == nil {
			return nil, fmt.Errorf("llm client is nil")
		}
		if strings.TrimSpace(cfg.Model) == "" {
			return nil, fmt.Errorf("model is required")
		}
	}
	if reg == nil {
		reg = NewToolRegistry()
	}
	if saver == nil {
		saver = NewMemorySaver()
	}
	cfg.applyDefaults()
	for name, lim := range cfg.ToolOutputLimits {
		reg.SetLimit(name, lim)
	}

	s := &Session{
		id:      ulid.Make().String(),
		cfg:     cfg,
		client:  client,
		reg:     reg,
		saver:   saver,
		log:     cfg.Logger,
		events:  make(chan SessionEvent, 256),
		threads: map[string]*sync.Mutex{},
	}
	s.emit("", EventSessionStart, map[string]any{"model": cfg.Model, "per_run_binding": cfg.Bind != nil, "tools": reg.Names()})
	return s, nil
}

func (s *Session) ID() string                  { return s.id }
func (s *Session) Events() <-chan SessionEvent { return s.events }
func (s *Session) Tools() *ToolRegistry        { return s.reg }

// NewThreadID returns a fresh, sortable thread identifier.
func NewThreadID() string { return ulid.Make().String() }

// Close emits SESSION_END and closes the event channel. Runs still in flight
// keep going but their events are discarded.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.send(SessionEvent{Kind: EventSessionEnd, Timestamp: time.Now().UTC(), SessionID: s.id, Data: map[string]any{}})
	s.closed = true
	close(s.events)
}

// History returns the checkpointed messages of a thread.
func (s *Session) History(threadID string) (Checkpoint, bool, error) {
	return s.saver.Get(threadID)
}

// ProcessInput runs one user turn on threadID and returns the final reply.
func (s *Session) ProcessInput(ctx context.Context, threadID, input string) (string, error) {
	res, err := s.Run(ctx, threadID, input)
	return res.Reply, err
}

// Run executes the call_model/tools cycle until the router ends the run or
// the step budget is spent. An empty threadID starts a new thread.
func (s *Session) Run(ctx context.Context, threadID, input string) (RunResult, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return RunResult{}, fmt.Errorf("session is closed")
	}
	if strings.TrimSpace(threadID) == "" {
		threadID = NewThreadID()
	}
	lock, ok := s.threads[threadID]
	if !ok {
		lock = &sync.Mutex{}
		s.threads[threadID] = lock
	}
	s.mu.Unlock()

	// Runs on the same thread serialize; different threads proceed in parallel.
	lock.Lock()
	defer lock.Unlock()

	res := RunResult{ThreadID: threadID}
	if err := ctx.Err(); err != nil {
		s.emit(threadID, EventError, map[string]any{"error": err.Error()})
		return res, err
	}

	b, err := s.bind(ctx)
	if err != nil {
		s.emit(threadID, EventError, map[string]any{"error": err.Error()})
		return res, err
	}
	res.Provider, res.Model, res.Unavailable = b.Provider, b.Model, b.Unavailable

	cp, _, err := s.saver.Get(threadID)
	if err != nil {
		s.emit(threadID, EventError, map[string]any{"error": err.Error()})
		return res, err
	}
	history := append(cp.Messages, llm.User(input))
	s.emit(threadID, EventUserInput, map[string]any{"text": input})
	if res.Checkpoint, err = s.checkpoint(threadID, history); err != nil {
		return res, err
	}

	var lastFP string
	repeats := 0
	for step := 1; ; step++ {
		if err := ctx.Err(); err != nil {
			s.emit(threadID, EventError, map[string]any{"error": err.Error()})
			return res, err
		}
		res.Steps = step

		resp, err := s.callModel(ctx, threadID, b, history)
		if err != nil {
			s.emit(threadID, EventError, map[string]any{"error": err.Error(), "node": NodeCallModel})
			s.log.Warn("model call failed", zap.String("thread", threadID), zap.Int("step", step), zap.Error(err))
			return res, err
		}
		res.Usage.InputTokens += resp.Usage.InputTokens
		res.Usage.OutputTokens += resp.Usage.OutputTokens
		res.Usage.TotalTokens += resp.Usage.TotalTokens

		msg := resp.Message
		msg.Role = llm.RoleAssistant
		if isLastStep(step, s.cfg.MaxSteps) && len(msg.ToolCalls()) > 0 {
			s.emit(threadID, EventStepLimit, map[string]any{"max_steps": s.cfg.MaxSteps, "step": step})
			msg = llm.Assistant(StepLimitReply)
			res.StepLimit = true
		}
		history = append(history, msg)
		s.emit(threadID, EventAssistantText, map[string]any{"text": msg.Text(), "tool_calls": len(msg.ToolCalls())})
		if res.Checkpoint, err = s.checkpoint(threadID, history); err != nil {
			return res, err
		}

		route, err := RouteModelOutput(history)
		if err != nil {
			s.emit(threadID, EventError, map[string]any{"error": err.Error()})
			return res, err
		}
		res.Routes = append(res.Routes, route)
		s.emit(threadID, EventRoute, map[string]any{"route": string(route), "step": step})
		if route == RouteEnd {
			res.Reply = msg.Text()
			return res, nil
		}

		calls := msg.ToolCalls()
		if fp := toolCallsFingerprint(calls); fp == lastFP {
			repeats++
			if repeats == s.cfg.LoopDetectionWindow {
				s.emit(threadID, EventLoopDetection, map[string]any{"fingerprint": fp, "repeats": repeats})
				s.log.Warn("model is repeating tool calls", zap.String("thread", threadID), zap.Int("repeats", repeats))
			}
		} else {
			lastFP, repeats = fp, 1
		}

		step++
		res.Steps = step
		results := s.runTools(ctx, threadID, calls)
		for _, r := range results {
			history = append(history, llm.ToolResultNamed(r.CallID, r.ToolName, r.Output, r.IsError))
		}
		if res.Checkpoint, err = s.checkpoint(threadID, history); err != nil {
			return res, err
		}
	}
}

// bind resolves the model for one run.
func (s *Session) bind(ctx context.Context) (Binding, error) {
	if s.cfg.Bind == nil {
		return Binding{Client: s.client, Provider: s.client.DefaultProvider(), Model: s.cfg.Model}, nil
	}
	b, err := s.cfg.Bind(ctx)
	if err != nil {
		return b, fmt.Errorf("select model: %w", err)
	}
	if b.Client == nil || strings.TrimSpace(b.Model) == "" {
		return b, fmt.Errorf("select model: binding has no client or model")
	}
	return b, nil
}

func (s *Session) callModel(ctx context.Context, threadID string, b Binding, history []llm.Message) (llm.Response, error) {
	sys := s.systemPrompt()
	req := llm.Request{
		Model:       b.Model,
		Messages:    append([]llm.Message{llm.System(sys)}, history...),
		Tools:       s.reg.Definitions(),
		Temperature: s.cfg.Temperature,
		MaxTokens:   s.cfg.MaxTokens,
	}
	if len(req.Tools) > 0 {
		req.ToolChoice = &llm.ToolChoice{Mode: "auto"}
	}
	s.emit(threadID, EventModelCall, map[string]any{"provider": b.Provider, "model": req.Model, "messages": len(req.Messages)})
	return b.Client.Complete(ctx, req)
}

func (s *Session) systemPrompt() string {
	ts := s.cfg.Now().UTC().Format(time.RFC3339)
	return strings.ReplaceAll(s.cfg.SystemPrompt, "{system_time}", ts)
}

// runTools executes every call of one tools node. Results keep call order.
func (s *Session) runTools(ctx context.Context, threadID string, calls []llm.ToolCallData) []ToolExecResult {
	results := make([]ToolExecResult, len(calls))
	var g errgroup.Group
	g.SetLimit(s.cfg.MaxParallelTools)
	for i := range calls {
		i := i
		g.Go(func() error {
			results[i] = s.execTool(ctx, threadID, calls[i])
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (s *Session) execTool(ctx context.Context, threadID string, call llm.ToolCallData) ToolExecResult {
	s.emit(threadID, EventToolCallStart, map[string]any{
		"tool_name":      call.Name,
		"call_id":        call.ID,
		"arguments_json": string(call.Arguments),
	})
	res := s.reg.ExecuteCall(ctx, call)
	s.emit(threadID, EventToolCallEnd, map[string]any{
		"tool_name":   res.ToolName,
		"call_id":     res.CallID,
		"is_error":    res.IsError,
		"full_output": res.FullOutput,
	})
	if res.IsError {
		s.log.Debug("tool call failed", zap.String("tool", res.ToolName), zap.String("call_id", res.CallID))
	}
	return res
}

func (s *Session) checkpoint(threadID string, history []llm.Message) (Checkpoint, error) {
	cp, err := s.saver.Put(threadID, history)
	if err != nil {
		s.emit(threadID, EventError, map[string]any{"error": err.Error()})
		return cp, err
	}
	s.emit(threadID, EventCheckpoint, map[string]any{"version": cp.Version, "digest": cp.Digest, "messages": len(history)})
	return cp, nil
}

func (s *Session) emit(threadID string, kind EventKind, data map[string]any) {
	if s == nil {
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	s.send(SessionEvent{
		Kind:      kind,
		Timestamp: time.Now().UTC(),
		SessionID: s.id,
		ThreadID:  threadID,
		Data:      data,
	})
}

// send delivers without blocking; a full channel drops the event. Callers
// hold s.mu.
func (s *Session) send(ev SessionEvent) {
	select {
	case s.events <- ev:
	default:
	}
}

func toolCallsFingerprint(calls []llm.ToolCallData) string {
	if len(calls) == 0 {
		return ""
	}
	var b strings.Builder
	for _, c := range calls {
		b.WriteString(strings.TrimSpace(c.Name))
		b.WriteByte(':')
		b.WriteString(shortHash(c.Arguments))
		b.WriteByte(';')
	}
	return b.String()
}

// IsFatal reports whether err should stop the caller from retrying the run.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnexpectedMessage) || errors.Is(err, ErrCorruptCheckpoint) {
		return true
	}
	var le llm.Error
	return errors.As(err, &le) && !le.Retryable()
}
