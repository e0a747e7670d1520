// Package retry runs an operation again with exponential backoff while a
// predicate classifies its error as transient. jvmprof retries forced
// flushes that time out before the agent answers and DuckDB writes that
// lose an optimistic concurrency check.
package retry

import (
	"context"
	"fmt"
	"math"
	"time"
)

// Config controls Do. MaxRetries and InitialBackoff must be positive.
type Config struct {
	// MaxRetries is the total number of calls, the first one included.
	MaxRetries int
	// InitialBackoff is the wait before the second call. It doubles on
	// every further attempt.
	InitialBackoff time.Duration
	// MaxBackoff caps a single wait. Zero leaves it uncapped.
	MaxBackoff time.Duration
	// Jitter in [0,1] stretches later waits by up to that fraction.
	Jitter float64
	// OnRetry, when set, is told about every failed attempt that will be
	// retried and how long Do waits before the next one.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// ShouldRetryFunc reports whether err is transient. A nil ShouldRetryFunc
// retries everything.
type ShouldRetryFunc func(err error) bool

// Do calls fn until it succeeds, returns an error shouldRetry rejects, or
// cfg.MaxRetries calls have failed. Cancelling ctx during a wait returns
// ctx.Err().
func Do(ctx context.Context, cfg Config, fn func() error, shouldRetry ShouldRetryFunc) error {
	var last error
	for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if shouldRetry != nil && !shouldRetry(err) {
			return err
		}
		last = err
		if attempt == cfg.MaxRetries {
			break
		}

		wait := calculateBackoff(cfg, attempt)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err, wait)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return fmt.Errorf("failed after %d retries: %w", cfg.MaxRetries, last)
}

// calculateBackoff returns the wait after failed attempt n (1-based):
// InitialBackoff * 2^(n-1), capped, plus jitter growing linearly with n.
func calculateBackoff(cfg Config, n int) time.Duration {
	wait := time.Duration(math.Pow(2, float64(n-1)) * float64(cfg.InitialBackoff))
	if cfg.MaxBackoff > 0 && wait > cfg.MaxBackoff {
		wait = cfg.MaxBackoff
	}
	if cfg.Jitter > 0 && cfg.MaxRetries > 0 {
		wait += time.Duration(float64(wait) * cfg.Jitter * float64(n) / float64(cfg.MaxRetries))
	}
	return wait
}
