package resilience

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy controls retry pacing. Cumulative wait is bounded by
// MaxAttempts * CapDelay.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Factor      float64
	CapDelay    time.Duration
	Jitter      time.Duration
}

// DefaultPolicy matches the pacing used for outbound provider calls.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		Factor:      2,
		CapDelay:    10 * time.Second,
		Jitter:      250 * time.Millisecond,
	}
}

// Retry calls fn until it succeeds, the classifier marks the latest
// error non-retryable, or attempts are exhausted. On exhaustion the
// last error is returned wrapped with the attempt count.
func Retry(ctx context.Context, policy Policy, classify Classifier, fn func() error) error {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if classify == nil {
		classify = DefaultClassifier
	}

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := sleepCtx(ctx, delayFor(policy, attempt)); err != nil {
				return err
			}
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !classify(lastErr) {
			return lastErr
		}
	}
	return &TransientNetworkError{Attempts: policy.MaxAttempts, Err: lastErr}
}

// delayFor computes the pause before attempt n (n > 1):
// min(capDelay, baseDelay * factor^(n-2)) plus jitter.
func delayFor(policy Policy, attempt int) time.Duration {
	factor := policy.Factor
	if factor <= 0 {
		factor = 1
	}
	backoff := float64(policy.BaseDelay) * math.Pow(factor, float64(attempt-2))
	if policy.CapDelay > 0 && backoff > float64(policy.CapDelay) {
		backoff = float64(policy.CapDelay)
	}
	d := time.Duration(backoff)
	if policy.Jitter > 0 {
		d += time.Duration(rand.Int63n(int64(policy.Jitter)))
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
