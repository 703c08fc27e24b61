package tracing

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// retryStatuses are the responses worth another attempt.
var retryStatuses = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

var idempotent = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodOptions: true,
	http.MethodPut:     true,
	http.MethodDelete:  true,
	http.MethodTrace:   true,
}

// RetryTransport retries idempotent requests on 429/5xx and transport errors
// with exponential backoff. Other methods get exactly one attempt. Bodies are
// replayed via GetBody or a buffered copy.
type RetryTransport struct {
	Base            http.RoundTripper
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func NewRetryTransport(base http.RoundTripper) *RetryTransport {
	return &RetryTransport{
		Base:            base,
		MaxRetries:      3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     8 * time.Second,
	}
}

func (t *RetryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	if !idempotent[req.Method] {
		return base.RoundTrip(req)
	}

	getBody := req.GetBody
	if req.Body != nil && req.Body != http.NoBody && getBody == nil {
		buf, err := io.ReadAll(req.Body)
		_ = req.Body.Close()
		if err != nil {
			return nil, err
		}
		getBody = func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(buf)), nil }
		req.Body, _ = getBody()
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = t.InitialInterval
	eb.MaxInterval = t.MaxInterval
	eb.RandomizationFactor = 0
	eb.MaxElapsedTime = 0
	var b backoff.BackOff = backoff.WithMaxRetries(eb, t.MaxRetries)
	b = backoff.WithContext(b, req.Context())

	attempt := 0
	op := func() (*http.Response, error) {
		r := req
		if attempt > 0 && getBody != nil {
			body, err := getBody()
			if err != nil {
				return nil, backoff.Permanent(err)
			}
			r = req.Clone(req.Context())
			r.Body = body
		}
		attempt++
		resp, err := base.RoundTrip(r)
		if err != nil {
			if req.Context().Err() != nil {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		if retryStatuses[resp.StatusCode] {
			return resp, &retryableStatus{code: resp.StatusCode}
		}
		return resp, nil
	}

	var last *http.Response
	resp, err := backoff.RetryWithData(func() (*http.Response, error) {
		if last != nil {
			// Drain so the connection can be reused.
			_, _ = io.Copy(io.Discard, last.Body)
			_ = last.Body.Close()
			last = nil
		}
		r, err := op()
		if err != nil && r != nil {
			last = r
		}
		return r, err
	}, b)

	var rs *retryableStatus
	if err != nil && last != nil {
		if errors.As(err, &rs) {
			// Out of retries: hand back the final response so callers see the status.
			return last, nil
		}
		_ = last.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

type retryableStatus struct{ code int }

func (e *retryableStatus) Error() string { return http.StatusText(e.code) }
