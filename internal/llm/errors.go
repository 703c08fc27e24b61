package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Error is the unified error interface returned by provider adapters and the client.
type Error interface {
	error
	Provider() string
	StatusCode() int
	Retryable() bool
	RetryAfter() *time.Duration
}

type ConfigurationError struct {
	Message string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + strings.TrimSpace(e.Message)
}
func (e *ConfigurationError) Provider() string           { return "" }
func (e *ConfigurationError) StatusCode() int            { return 0 }
func (e *ConfigurationError) Retryable() bool            { return false }
func (e *ConfigurationError) RetryAfter() *time.Duration { return nil }

// ErrorKind says what went wrong on the provider side.
type ErrorKind string

const (
	KindInvalidRequest ErrorKind = "invalid_request"
	KindAuthentication ErrorKind = "authentication"
	KindAccessDenied   ErrorKind = "access_denied"
	KindNotFound       ErrorKind = "not_found"
	KindTimeout        ErrorKind = "timeout"
	KindContextLength  ErrorKind = "context_length"
	KindContentFilter  ErrorKind = "content_filter"
	KindQuota          ErrorKind = "quota"
	KindRateLimit      ErrorKind = "rate_limit"
	KindOverloaded     ErrorKind = "overloaded"
	KindServer         ErrorKind = "server"
	KindUnknown        ErrorKind = "unknown"
)

// retryableKinds are worth another attempt against the same provider.
// Quota exhaustion arrives as a 429 from OpenAI but never clears on retry.
var retryableKinds = map[ErrorKind]bool{
	KindTimeout:    true,
	KindRateLimit:  true,
	KindOverloaded: true,
	KindServer:     true,
	KindUnknown:    true,
}

// codeKinds maps the error type or code strings the OpenAI and Anthropic APIs
// put in their error bodies.
var codeKinds = map[string]ErrorKind{
	// OpenAI
	"insufficient_quota":         KindQuota,
	"billing_hard_limit_reached": KindQuota,
	"rate_limit_exceeded":        KindRateLimit,
	"invalid_api_key":            KindAuthentication,
	"model_not_found":            KindNotFound,
	"context_length_exceeded":    KindContextLength,
	"content_policy_violation":   KindContentFilter,
	"content_filter":             KindContentFilter,
	"server_error":               KindServer,

	// Anthropic
	"overloaded_error":     KindOverloaded,
	"rate_limit_error":     KindRateLimit,
	"authentication_error": KindAuthentication,
	"permission_error":     KindAccessDenied,
	"not_found_error":      KindNotFound,
	"request_too_large":    KindContextLength,
	"api_error":            KindServer,
}

// statusKinds is the fallback when the body names no known code.
var statusKinds = map[int]ErrorKind{
	400: KindInvalidRequest,
	401: KindAuthentication,
	403: KindAccessDenied,
	404: KindNotFound,
	408: KindTimeout,
	413: KindContextLength,
	422: KindInvalidRequest,
	429: KindRateLimit,
	500: KindServer,
	502: KindServer,
	503: KindServer,
	504: KindServer,
	529: KindOverloaded,
}

// messageHints refine a bare 400/422 whose body carries no code.
var messageHints = []struct {
	substr string
	kind   ErrorKind
}{
	{"maximum context length", KindContextLength},
	{"prompt is too long", KindContextLength},
	{"too many tokens", KindContextLength},
	{"credit balance is too low", KindQuota},
	{"exceeded your current quota", KindQuota},
	{"content management policy", KindContentFilter},
	{"does not exist", KindNotFound},
}

// ProviderError is a failed call to a model provider.
type ProviderError struct {
	Kind ErrorKind
	// Code is the provider's own error type, e.g. "overloaded_error".
	Code string

	provider   string
	status     int
	message    string
	retryable  bool
	retryAfter *time.Duration
}

func (e *ProviderError) Error() string {
	msg := strings.TrimSpace(e.message)
	if msg == "" {
		msg = "request failed"
	}
	if e.status == 0 {
		return fmt.Sprintf("%s %s error: %s", e.provider, e.Kind, msg)
	}
	return fmt.Sprintf("%s %s error (status=%d): %s", e.provider, e.Kind, e.status, msg)
}
func (e *ProviderError) Provider() string           { return e.provider }
func (e *ProviderError) StatusCode() int            { return e.status }
func (e *ProviderError) Retryable() bool            { return e.retryable }
func (e *ProviderError) RetryAfter() *time.Duration { return e.retryAfter }

// ErrorFromHTTPStatus classifies a non-2xx provider response. raw is the
// decoded error body; its error code wins over the status so that an OpenAI
// 429 "insufficient_quota" is not retried like a rate limit.
func ErrorFromHTTPStatus(provider string, statusCode int, message string, raw any, retryAfter *time.Duration) error {
	code := errorCode(raw)
	kind, ok := codeKinds[code]
	if !ok {
		kind, ok = statusKinds[statusCode]
		if !ok {
			kind = KindUnknown
		}
		if statusCode == 400 || statusCode == 422 {
			kind = refineByMessage(kind, message)
		}
	}
	return &ProviderError{
		Kind:       kind,
		Code:       code,
		provider:   strings.TrimSpace(provider),
		status:     statusCode,
		message:    message,
		retryable:  retryableKinds[kind],
		retryAfter: retryAfter,
	}
}

// errorCode digs the error type out of {"error":{"code"|"type":...}}.
// OpenAI sets both, with code the more specific.
func errorCode(raw any) string {
	m, ok := raw.(map[string]any)
	if !ok {
		return ""
	}
	e, ok := m["error"].(map[string]any)
	if !ok {
		return ""
	}
	for _, k := range []string{"code", "type"} {
		if s, ok := e[k].(string); ok {
			if _, known := codeKinds[s]; known {
				return s
			}
		}
	}
	if s, ok := e["type"].(string); ok {
		return s
	}
	return ""
}

func refineByMessage(kind ErrorKind, message string) ErrorKind {
	lower := strings.ToLower(message)
	for _, h := range messageHints {
		if strings.Contains(lower, h.substr) {
			return h.kind
		}
	}
	return kind
}

// KindOf returns the kind of a provider error, or "" for anything else.
func KindOf(err error) ErrorKind {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

func IsAuthenticationError(err error) bool {
	return KindOf(err) == KindAuthentication
}

// NewRequestTimeoutError reports a call that hit its own deadline. Unlike an
// HTTP 408 it is not retried.
func NewRequestTimeoutError(provider string, message string) error {
	return &ProviderError{
		Kind:     KindTimeout,
		provider: strings.TrimSpace(provider),
		message:  message,
	}
}

// ParseRetryAfter parses a Retry-After header given in seconds or as an
// HTTP date.
func ParseRetryAfter(v string, now time.Time) *time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		d := time.Duration(secs) * time.Second
		return &d
	}
	if t, err := http.ParseTime(v); err == nil {
		d := t.Sub(now)
		if d < 0 {
			d = 0
		}
		return &d
	}
	return nil
}

// AbortError reports a call cancelled by its caller.
type AbortError struct {
	provider string
	err      error
}

func (e *AbortError) Error() string              { return e.provider + ": request aborted: " + e.err.Error() }
func (e *AbortError) Unwrap() error              { return e.err }
func (e *AbortError) Provider() string           { return e.provider }
func (e *AbortError) StatusCode() int            { return 0 }
func (e *AbortError) Retryable() bool            { return false }
func (e *AbortError) RetryAfter() *time.Duration { return nil }

// NetworkError reports a transport failure before any HTTP status arrived.
type NetworkError struct {
	provider string
	err      error
}

func (e *NetworkError) Error() string              { return e.provider + ": network error: " + e.err.Error() }
func (e *NetworkError) Unwrap() error              { return e.err }
func (e *NetworkError) Provider() string           { return e.provider }
func (e *NetworkError) StatusCode() int            { return 0 }
func (e *NetworkError) Retryable() bool            { return true }
func (e *NetworkError) RetryAfter() *time.Duration { return nil }

// WrapContextError folds transport and context failures into the unified
// hierarchy. Errors that already implement Error pass through.
func WrapContextError(provider string, err error) error {
	if err == nil {
		return nil
	}
	var le Error
	if errors.As(err, &le) {
		return err
	}
	provider = strings.TrimSpace(provider)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return NewRequestTimeoutError(provider, err.Error())
	case errors.Is(err, context.Canceled):
		return &AbortError{provider: provider, err: err}
	default:
		return &NetworkError{provider: provider, err: err}
	}
}
