package llm

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastPolicy(n int) RetryPolicy {
	return RetryPolicy{MaxRetries: n, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, Multiplier: 2}
}

func TestRetry_RetriesRetryableUntilSuccess(t *testing.T) {
	calls := 0
	var notified []int
	p := fastPolicy(3)
	p.OnRetry = func(err error, attempt int, d time.Duration) { notified = append(notified, attempt) }
	got, err := Retry(context.Background(), p, func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", ErrorFromHTTPStatus("openai", 429, "slow down", nil, nil)
		}
		return "done", nil
	})
	if err != nil || got != "done" {
		t.Fatalf("got %q, %v", got, err)
	}
	if calls != 3 {
		t.Fatalf("calls=%d want 3", calls)
	}
	if len(notified) != 2 || notified[0] != 1 || notified[1] != 2 {
		t.Fatalf("notified=%v", notified)
	}
}

func TestRetry_StopsOnNonRetryable(t *testing.T) {
	calls := 0
	_, err := Retry(context.Background(), fastPolicy(5), func(ctx context.Context) (int, error) {
		calls++
		return 0, ErrorFromHTTPStatus("anthropic", 401, "bad key", nil, nil)
	})
	if !IsAuthenticationError(err) {
		t.Fatalf("expected authentication error, got %T %v", err, err)
	}
	if calls != 1 {
		t.Fatalf("calls=%d want 1", calls)
	}
}

func TestRetry_PlainErrorsAreNotRetried(t *testing.T) {
	calls := 0
	boom := errors.New("boom")
	_, err := Retry(context.Background(), fastPolicy(5), func(ctx context.Context) (int, error) {
		calls++
		return 0, boom
	})
	if !errors.Is(err, boom) || calls != 1 {
		t.Fatalf("err=%v calls=%d", err, calls)
	}
}

func TestRetry_ExhaustsMaxRetries(t *testing.T) {
	calls := 0
	_, err := Retry(context.Background(), fastPolicy(2), func(ctx context.Context) (int, error) {
		calls++
		return 0, ErrorFromHTTPStatus("openai", 500, "oops", nil, nil)
	})
	if KindOf(err) != KindServer {
		t.Fatalf("expected a server error, got %T", err)
	}
	if calls != 3 {
		t.Fatalf("calls=%d want 3", calls)
	}
}

func TestRetry_RetryAfterBeyondMaxDelayIsFinal(t *testing.T) {
	calls := 0
	long := time.Hour
	_, err := Retry(context.Background(), fastPolicy(3), func(ctx context.Context) (int, error) {
		calls++
		return 0, ErrorFromHTTPStatus("openai", 429, "later", nil, &long)
	})
	if err == nil || calls != 1 {
		t.Fatalf("err=%v calls=%d", err, calls)
	}
}

func TestRetry_HonorsRetryAfterHint(t *testing.T) {
	hint := 2 * time.Millisecond
	var delays []time.Duration
	p := fastPolicy(1)
	p.OnRetry = func(err error, attempt int, d time.Duration) { delays = append(delays, d) }
	calls := 0
	_, err := Retry(context.Background(), p, func(ctx context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, ErrorFromHTTPStatus("openai", 429, "later", nil, &hint)
		}
		return 1, nil
	})
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if len(delays) != 1 || delays[0] != hint {
		t.Fatalf("delays=%v want [%v]", delays, hint)
	}
}

func TestRetry_CancelledContextStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := RetryPolicy{MaxRetries: 5, BaseDelay: time.Second, MaxDelay: time.Second}
	start := time.Now()
	_, err := Retry(ctx, p, func(ctx context.Context) (int, error) {
		return 0, ErrorFromHTTPStatus("openai", 503, "busy", nil, nil)
	})
	if err == nil {
		t.Fatalf("expected error")
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatalf("retry did not observe cancellation")
	}
}
