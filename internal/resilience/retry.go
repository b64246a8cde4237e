// Package resilience carries the generic retry, circuit-breaker and
// rate-limiting primitives used around executor invocations.
package resilience

import (
	"context"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel"
)

// Retry executes fn with exponential backoff and full jitter. delay is the
// initial backoff; it doubles each attempt, capped at 60s.
func Retry[T any](ctx context.Context, attempts int, delay time.Duration, fn func() (T, error)) (T, error) {
	var zero T
	if attempts <= 0 {
		return zero, nil
	}

	cur := delay
	var lastErr error
	meter := otel.Meter("mycelium")
	attemptCounter, _ := meter.Int64Counter("mycelium_resilience_retry_attempts_total")
	successCounter, _ := meter.Int64Counter("mycelium_resilience_retry_success_total")
	failCounter, _ := meter.Int64Counter("mycelium_resilience_retry_fail_total")

	for i := 0; i < attempts; i++ {
		v, err := fn()
		attemptCounter.Add(ctx, 1)
		if err == nil {
			successCounter.Add(ctx, 1)
			return v, nil
		}
		lastErr = err
		if i == attempts-1 {
			break
		}
		if cur > 60*time.Second {
			cur = 60 * time.Second
		}
		sleep := time.Duration(rand.Int63n(int64(cur) + 1))
		select {
		case <-ctx.Done():
			failCounter.Add(ctx, 1)
			return zero, ctx.Err()
		case <-time.After(sleep):
		}
		cur *= 2
	}

	failCounter.Add(ctx, 1)
	return zero, lastErr
}

// Backoff computes the spec's deterministic delay for attempt N of a
// RetryPolicy: min(initial * base^(attempt-1), max), with optional full
// jitter applied afterward.
func Backoff(initial, max time.Duration, base float64, attempt int, jitter bool) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(initial)
	for i := 1; i < attempt; i++ {
		d *= base
	}
	wait := time.Duration(d)
	if wait > max {
		wait = max
	}
	if jitter && wait > 0 {
		wait = time.Duration(rand.Int63n(int64(wait) + 1))
	}
	return wait
}
