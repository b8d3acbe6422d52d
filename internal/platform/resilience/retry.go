package resilience

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel"
)

// RetryConfig controls exponential backoff with full jitter.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// PermanentError marks an error as non-retryable, mirroring cenkalti/backoff's
// Permanent() convention: Retry unwraps and returns it immediately instead of
// sleeping and trying again.
type PermanentError struct{ Err error }

func (p *PermanentError) Error() string { return p.Err.Error() }
func (p *PermanentError) Unwrap() error { return p.Err }

// Permanent wraps err so Retry stops immediately instead of retrying it.
func Permanent(err error) error { return &PermanentError{Err: err} }

// Retry runs fn up to cfg.MaxAttempts times, sleeping with exponential
// backoff (full jitter) between attempts, and returns the first success or
// the last error. fn should return a non-nil error only for retryable
// failures; wrap a terminal failure with Permanent to stop immediately.
func Retry[T any](ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	meter := otel.GetMeterProvider().Meter("taskqueue")
	counter, _ := meter.Int64Counter("taskqueue_resilience_retry_attempts_total")

	var zero T
	var lastErr error
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	for attempt := 0; attempt < attempts; attempt++ {
		counter.Add(ctx, 1)
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		var perm *PermanentError
		if errors.As(err, &perm) {
			return zero, perm.Err
		}
		lastErr = err

		if attempt == attempts-1 {
			break
		}
		delay := backoffDelay(cfg.BaseDelay, cfg.MaxDelay, attempt)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}
	return zero, lastErr
}

func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	exp := base << attempt
	if exp <= 0 || exp > max {
		exp = max
	}
	return time.Duration(rand.Int63n(int64(exp) + 1))
}
