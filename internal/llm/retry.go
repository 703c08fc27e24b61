package llm

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy governs retries of a single provider call. It never moves a
// request to a different provider.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	Jitter     bool
	OnRetry    func(err error, attempt int, delay time.Duration)
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 2,
		BaseDelay:  time.Second,
		MaxDelay:   60 * time.Second,
		Multiplier: 2,
		Jitter:     true,
	}
}

// hintedBackOff substitutes a server-provided Retry-After for the next
// computed interval.
type hintedBackOff struct {
	backoff.BackOff
	hint *time.Duration
}

func (h *hintedBackOff) NextBackOff() time.Duration {
	d := h.BackOff.NextBackOff()
	if d == backoff.Stop {
		return d
	}
	if h.hint != nil {
		d = *h.hint
		h.hint = nil
	}
	return d
}

func (p RetryPolicy) backOff(ctx context.Context) (*hintedBackOff, backoff.BackOff) {
	exp := backoff.NewExponentialBackOff()
	if p.BaseDelay > 0 {
		exp.InitialInterval = p.BaseDelay
	}
	if p.MaxDelay > 0 {
		exp.MaxInterval = p.MaxDelay
	}
	if p.Multiplier > 0 {
		exp.Multiplier = p.Multiplier
	}
	if !p.Jitter {
		exp.RandomizationFactor = 0
	}
	exp.MaxElapsedTime = 0
	exp.Reset()
	retries := p.MaxRetries
	if retries < 0 {
		retries = 0
	}
	h := &hintedBackOff{BackOff: exp}
	return h, backoff.WithContext(backoff.WithMaxRetries(h, uint64(retries)), ctx)
}

// Retry runs fn, retrying only errors that report Retryable(). A Retry-After
// longer than MaxDelay ends the loop with the original error.
func Retry[T any](ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	hinted, b := policy.backOff(ctx)
	attempt := 0
	op := func() (T, error) {
		attempt++
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		var le Error
		if !errors.As(err, &le) || !le.Retryable() {
			return v, backoff.Permanent(err)
		}
		if ra := le.RetryAfter(); ra != nil {
			if policy.MaxDelay > 0 && *ra > policy.MaxDelay {
				return v, backoff.Permanent(err)
			}
			d := *ra
			hinted.hint = &d
		}
		return v, err
	}
	notify := func(err error, d time.Duration) {
		if policy.OnRetry != nil {
			policy.OnRetry(err, attempt, d)
		}
	}
	return backoff.RetryNotifyWithData(op, b, notify)
}
