package llm

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// Retry calls fn until it succeeds, returns a non-retryable error, the
// context is done, or cfg.MaxAttempts attempts have been made. attempt is
// 1-based. The error of the last attempt is returned.
func Retry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context, attempt int) error) error {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		if ctx.Err() != nil || !Retryable(err) {
			return err
		}

		// No sleep after the final attempt.
		if attempt == maxAttempts {
			break
		}

		t := time.NewTimer(cfg.Backoff(attempt, err))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}

	return lastErr
}

// Retryable determines if an error is worth another attempt.
func Retryable(err error) bool {
	// Max tokens is a configuration issue, not transient.
	var maxTok *ErrMaxTokensExceeded
	if errors.As(err, &maxTok) {
		return false
	}

	var rejected *ErrRequestRejected
	if errors.As(err, &rejected) {
		return false
	}

	// Rate limits, outages (including per-call timeouts) and unparseable
	// responses are retried.
	var rl *ErrRateLimit
	if errors.As(err, &rl) {
		return true
	}
	var unavail *ErrProviderUnavailable
	if errors.As(err, &unavail) {
		return true
	}
	var invResp *ErrInvalidResponse
	if errors.As(err, &invResp) {
		return true
	}

	// Cancellation of the caller is never retried.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	// Other errors (network, etc.) are treated as transient.
	return true
}

// Backoff computes the wait after the given 1-based attempt failed with err.
func (c RetryConfig) Backoff(attempt int, err error) time.Duration {
	// Respect RetryAfter for rate limits.
	var rl *ErrRateLimit
	if errors.As(err, &rl) && rl.RetryAfter > 0 {
		return rl.RetryAfter
	}

	multiplier := c.Multiplier
	if multiplier <= 0 {
		multiplier = 2
	}
	wait := float64(c.InitialWait) * math.Pow(multiplier, float64(attempt-1))
	if c.MaxWait > 0 && wait > float64(c.MaxWait) {
		wait = float64(c.MaxWait)
	}

	if c.Jitter > 0 {
		wait += wait * c.Jitter * (2*rand.Float64() - 1)
	}

	if wait < 0 {
		wait = 0
	}
	return time.Duration(wait)
}
