package async

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/querypilot/querypilot/pkg/fault"
)

// RetryPolicy configures exponential-backoff retries. The zero value is not
// usable; construct with DefaultRetryPolicy and override fields as needed.
type RetryPolicy struct {
	MaxAttempts int           // total attempts including the first
	BaseDelay   time.Duration // delay before the second attempt
	Factor      float64       // exponential growth factor
	MaxDelay    time.Duration // delay ceiling
	Jitter      float64       // randomization fraction, e.g. 0.2 for ±20%

	// Retryable decides whether an error is worth another attempt.
	// Non-retryable errors propagate immediately. nil retries everything
	// except cancellation.
	Retryable func(error) bool
}

// DefaultRetryPolicy mirrors the tuning used across the codebase unless a
// component overrides it from configuration.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		Factor:      2.0,
		MaxDelay:    5 * time.Second,
		Jitter:      0.2,
	}
}

func (p RetryPolicy) newBackOff() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.BaseDelay,
		RandomizationFactor: p.Jitter,
		Multiplier:          p.Factor,
		MaxInterval:         p.MaxDelay,
		MaxElapsedTime:      0, // attempts bound, not elapsed time
		Clock:               backoff.SystemClock,
		Stop:                backoff.Stop,
	}
	b.Reset()
	return b
}

// Retry runs op with the policy's backoff schedule. Cancellation always
// propagates immediately. On exhaustion the last error is returned wrapped
// with the ATTEMPTS_EXHAUSTED tag.
func Retry(ctx context.Context, policy RetryPolicy, op func(ctx context.Context) error) error {
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	bo := policy.newBackOff()

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fault.Wrap(fault.KindCancelled, "async.retry", "retry", err)
		}
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if fault.KindOf(lastErr) == fault.KindCancelled {
			return lastErr
		}
		if policy.Retryable != nil && !policy.Retryable(lastErr) {
			return lastErr
		}
		if attempt == attempts {
			break
		}
		delay := bo.NextBackOff()
		if delay == backoff.Stop {
			break
		}
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return fault.Wrap(fault.KindCancelled, "async.retry", "retry", ctx.Err())
		}
	}
	return fault.Wrap(fault.KindAttemptsExhausted, "async.retry", "retry", lastErr)
}

// RetryValue is Retry for operations that produce a value.
func RetryValue[T any](ctx context.Context, policy RetryPolicy, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := Retry(ctx, policy, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
