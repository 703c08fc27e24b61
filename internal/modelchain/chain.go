// Package modelchain picks the model adapter for a run by trying a fixed,
// ordered list of candidates. The list always ends in the stub adapter, so a
// selection either yields a live provider or the explicit unavailable variant.
package modelchain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/danshapiro/mcpchat/internal/credentials"
	"github.com/danshapiro/mcpchat/internal/llm"
	"github.com/danshapiro/mcpchat/internal/llm/providers/anthropic"
	"github.com/danshapiro/mcpchat/internal/llm/providers/openai"
	"github.com/danshapiro/mcpchat/internal/llm/providers/stub"
	"github.com/danshapiro/mcpchat/internal/providerspec"
)

var (
	// ErrChainExhausted means not even a terminal stub could be built.
	ErrChainExhausted = errors.New("modelchain: every candidate failed")

	ErrMissingCredential = errors.New("credential not set")
	ErrInvalidCredential = errors.New("credential failed validation")
	ErrUnknownProvider   = errors.New("unknown provider")
)

// Settings is the immutable input to candidate constructors. Nothing in this
// package reads the process environment.
type Settings struct {
	credentials map[string]credentials.Record
	baseURLs    map[string]string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

// NewSettings copies the given records (keyed by provider) and base URL
// overrides.
func NewSettings(records []credentials.Record, baseURLs map[string]string, temperature float64, maxTokens int, timeout time.Duration) Settings {
	s := Settings{
		credentials: make(map[string]credentials.Record, len(records)),
		baseURLs:    make(map[string]string, len(baseURLs)),
		Temperature: temperature,
		MaxTokens:   maxTokens,
		Timeout:     timeout,
	}
	for _, r := range records {
		if r.Provider != "" {
			s.credentials[r.Provider] = r
		}
	}
	for k, v := range baseURLs {
		s.baseURLs[providerspec.CanonicalProviderKey(k)] = v
	}
	return s
}

// SettingsFromResolver resolves every known credential once.
func SettingsFromResolver(r *credentials.Resolver, baseURLs map[string]string, temperature float64, maxTokens int, timeout time.Duration) Settings {
	var recs []credentials.Record
	for _, name := range providerspec.CredentialNames() {
		recs = append(recs, r.Resolve(name))
	}
	return NewSettings(recs, baseURLs, temperature, maxTokens, timeout)
}

func (s Settings) Credential(provider string) (credentials.Record, bool) {
	r, ok := s.credentials[providerspec.CanonicalProviderKey(provider)]
	return r, ok
}

func (s Settings) BaseURL(provider string) string {
	return s.baseURLs[providerspec.CanonicalProviderKey(provider)]
}

// usableKey returns the credential for provider, or an error describing why
// it cannot be used for a live call.
func (s Settings) usableKey(provider string) (string, error) {
	spec, ok := providerspec.Builtin(provider)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
	rec, ok := s.Credential(provider)
	if !ok || rec.Source == credentials.SourceNone || rec.Source == credentials.SourcePlaceholder {
		return "", fmt.Errorf("%w: %s", ErrMissingCredential, spec.API.DefaultAPIKeyEnv)
	}
	if !credentials.Valid(spec.Key, rec.Value) {
		return "", fmt.Errorf("%w: %s (%s)", ErrInvalidCredential, spec.API.DefaultAPIKeyEnv, credentials.Mask(rec.Value))
	}
	return rec.Value, nil
}

type BuildFunc func(Settings) (llm.ProviderAdapter, error)

type Candidate struct {
	Provider string
	Model    string
	Build    BuildFunc
}

func (c Candidate) terminal() bool { return c.Provider == stub.Name }

type Attempt struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Err      error  `json:"-"`
	Error    string `json:"error,omitempty"`
}

type Selection struct {
	Adapter     llm.ProviderAdapter `json:"-"`
	Provider    string              `json:"provider"`
	Model       string              `json:"model"`
	Unavailable bool                `json:"unavailable"`
	Attempts    []Attempt           `json:"attempts"`
}

// Client returns a unified client with the selected adapter as its default.
func (s Selection) Client(mw ...llm.Middleware) *llm.Client {
	c := llm.NewClient()
	if s.Adapter != nil {
		c.Register(s.Adapter)
		c.SetDefaultProvider(s.Adapter.Name())
	}
	c.Use(mw...)
	return c
}

type Chain struct {
	Candidates []Candidate
	Logger     *zap.Logger
}

func New(candidates []Candidate, logger *zap.Logger) *Chain {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Chain{Candidates: append([]Candidate(nil), candidates...), Logger: logger}
}

// Select is New(candidates, nil).Select(ctx, settings).
func Select(ctx context.Context, candidates []Candidate, settings Settings) (Selection, error) {
	return New(candidates, nil).Select(ctx, settings)
}

// Select tries each candidate exactly once, in order. No state survives
// between calls.
func (c *Chain) Select(ctx context.Context, settings Settings) (Selection, error) {
	logger := c.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	var sel Selection
	var errs []error
	for _, cand := range c.Candidates {
		if err := ctx.Err(); err != nil {
			return sel, err
		}
		adapter, err := build(cand, settings)
		att := Attempt{Provider: cand.Provider, Model: cand.Model, Err: err}
		if err != nil {
			att.Error = err.Error()
		}
		sel.Attempts = append(sel.Attempts, att)
		if err != nil {
			logger.Warn("model candidate unavailable",
				zap.String("provider", cand.Provider),
				zap.String("model", cand.Model),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("%s/%s: %w", cand.Provider, cand.Model, err))
			continue
		}
		sel.Adapter = adapter
		sel.Provider = cand.Provider
		sel.Model = cand.Model
		sel.Unavailable = cand.terminal()
		if sel.Unavailable {
			logger.Warn("no hosted model available; using stub", zap.Int("attempts", len(sel.Attempts)))
		} else {
			logger.Info("model selected", zap.String("provider", cand.Provider), zap.String("model", cand.Model))
		}
		return sel, nil
	}
	logger.Error("model chain exhausted", zap.Int("attempts", len(sel.Attempts)))
	return sel, errors.Join(append([]error{ErrChainExhausted}, errs...)...)
}

func build(c Candidate, s Settings) (adapter llm.ProviderAdapter, err error) {
	if c.Build == nil {
		return nil, fmt.Errorf("%s: no constructor", c.Provider)
	}
	defer func() {
		if r := recover(); r != nil {
			adapter, err = nil, fmt.Errorf("%s: constructor panicked: %v", c.Provider, r)
		}
	}()
	adapter, err = c.Build(s)
	if err == nil && adapter == nil {
		err = fmt.Errorf("%s: constructor returned no adapter", c.Provider)
	}
	return adapter, err
}

// Entry names one candidate in configuration.
type Entry struct {
	Provider string `yaml:"provider" json:"provider"`
	Model    string `yaml:"model" json:"model"`
}

var DefaultEntries = []Entry{
	{Provider: "openai", Model: "gpt-4o"},
	{Provider: "anthropic", Model: "claude-3-7-sonnet-latest"},
	{Provider: "anthropic", Model: "claude-3-5-haiku-latest"},
}

func DefaultCandidates() []Candidate {
	out, _ := CandidatesFor(DefaultEntries)
	return out
}

// CandidatesFor maps configured entries to constructors and appends the stub
// when the list does not already end with it.
func CandidatesFor(entries []Entry) ([]Candidate, error) {
	out := make([]Candidate, 0, len(entries)+1)
	for _, e := range entries {
		provider := strings.TrimSpace(e.Provider)
		if provider == stub.Name {
			out = append(out, StubCandidate())
			continue
		}
		key := providerspec.CanonicalProviderKey(provider)
		if strings.TrimSpace(e.Model) == "" {
			return nil, fmt.Errorf("modelchain: entry for %q has no model", provider)
		}
		switch key {
		case "openai":
			out = append(out, OpenAICandidate(e.Model))
		case "anthropic":
			out = append(out, AnthropicCandidate(e.Model))
		default:
			return nil, fmt.Errorf("modelchain: %w: %q", ErrUnknownProvider, provider)
		}
	}
	if len(out) == 0 || !out[len(out)-1].terminal() {
		out = append(out, StubCandidate())
	}
	return out, nil
}

func OpenAICandidate(model string) Candidate {
	return Candidate{
		Provider: "openai",
		Model:    model,
		Build: func(s Settings) (llm.ProviderAdapter, error) {
			key, err := s.usableKey("openai")
			if err != nil {
				return nil, err
			}
			a, err := openai.New(openai.Config{APIKey: key, BaseURL: s.BaseURL("openai"), Timeout: s.Timeout})
			if err != nil {
				return nil, err
			}
			return a, nil
		},
	}
}

func AnthropicCandidate(model string) Candidate {
	return Candidate{
		Provider: "anthropic",
		Model:    model,
		Build: func(s Settings) (llm.ProviderAdapter, error) {
			key, err := s.usableKey("anthropic")
			if err != nil {
				return nil, err
			}
			a, err := anthropic.New(key, s.BaseURL("anthropic"))
			if err != nil {
				return nil, err
			}
			if s.Timeout > 0 {
				a.Timeout = s.Timeout
			}
			return a, nil
		},
	}
}

func StubCandidate() Candidate {
	return Candidate{
		Provider: stub.Name,
		Model:    stub.Model,
		Build:    func(Settings) (llm.ProviderAdapter, error) { return stub.New(), nil },
	}
}
