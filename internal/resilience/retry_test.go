package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastPolicy(maxAttempts int) Policy {
	return Policy{
		MaxAttempts: maxAttempts,
		BaseDelay:   time.Millisecond,
		Factor:      2,
		CapDelay:    5 * time.Millisecond,
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastPolicy(3), DefaultClassifier, func() error {
		calls++
		return &StatusError{StatusCode: 503, Body: "down"}
	})
	if calls != 3 {
		t.Errorf("fn called %d times; want 3", calls)
	}
	var te *TransientNetworkError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v; want TransientNetworkError", err)
	}
	if te.Attempts != 3 {
		t.Errorf("Attempts = %d; want 3", te.Attempts)
	}
}

func TestRetryStopsOnFirstSuccess(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastPolicy(5), DefaultClassifier, func() error {
		calls++
		if calls < 2 {
			return &StatusError{StatusCode: 429, Body: "slow down"}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry = %v; want nil", err)
	}
	if calls != 2 {
		t.Errorf("fn called %d times; want 2", calls)
	}
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	calls := 0
	fatal := &StatusError{StatusCode: 401, Body: "bad token"}
	err := Retry(context.Background(), fastPolicy(5), DefaultClassifier, func() error {
		calls++
		return fatal
	})
	if calls != 1 {
		t.Errorf("fn called %d times; want 1", calls)
	}
	if !errors.Is(err, fatal) {
		t.Errorf("err = %v; want the original non-retryable error", err)
	}
}

func TestRetryObservesCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	policy := Policy{MaxAttempts: 3, BaseDelay: time.Hour, Factor: 2, CapDelay: time.Hour}
	err := Retry(ctx, policy, DefaultClassifier, func() error {
		return &StatusError{StatusCode: 503}
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v; want context.Canceled", err)
	}
}

func TestDelayForBackoff(t *testing.T) {
	policy := Policy{
		MaxAttempts: 5,
		BaseDelay:   100 * time.Millisecond,
		Factor:      2,
		CapDelay:    300 * time.Millisecond,
	}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{2, 100 * time.Millisecond},
		{3, 200 * time.Millisecond},
		{4, 300 * time.Millisecond}, // capped
		{5, 300 * time.Millisecond},
	}
	for _, tc := range tests {
		if got := delayFor(policy, tc.attempt); got != tc.want {
			t.Errorf("delayFor(attempt %d) = %v; want %v", tc.attempt, got, tc.want)
		}
	}
}
