package resilience

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// RetryConfig controls retry behavior with exponential backoff and jitter.
type RetryConfig struct {
	// MaxRetries is the number of retries after the first attempt.
	// Zero means a single attempt. DefaultRetryConfig uses 5.
	MaxRetries int

	// BaseDelay is the delay before the first retry. Default: 1s.
	BaseDelay time.Duration

	// MaxDelay caps the exponential part of the delay. Default: 60s.
	MaxDelay time.Duration

	// JitterFraction adds uniform jitter in [0, JitterFraction*delay).
	// DefaultRetryConfig uses 0.5. Zero or negative disables jitter.
	JitterFraction float64

	// ShouldRetry optionally overrides the default rate-limit check.
	// If nil, IsRateLimited is used.
	ShouldRetry func(err error) bool

	// OnRetry is called before each retry sleep.
	OnRetry func(attempt int, delay time.Duration, err error)

	// Sleep and Rand are test seams. Nil means a context-aware timer and
	// math/rand/v2.
	Sleep func(ctx context.Context, d time.Duration) error
	Rand  func() float64
}

// DefaultRetryConfig returns the retry policy used for throttled API calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     5,
		BaseDelay:      time.Second,
		MaxDelay:       60 * time.Second,
		JitterFraction: 0.5,
	}
}

// Do executes fn, retrying only errors accepted by ShouldRetry. When every
// attempt is throttled the returned error is an *ExhaustedError.
func Do(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	_, err := DoVal(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoVal executes fn returning a value with retry logic. Same semantics as Do
// but preserves the return value from the successful call.
func DoVal[T any](ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	cfg = applyDefaults(cfg)

	var zero T
	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		val, err := fn(ctx)
		if err == nil {
			return val, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return zero, aborted(ctx.Err(), lastErr)
		}

		if !cfg.ShouldRetry(lastErr) {
			return zero, lastErr
		}

		if attempt == cfg.MaxRetries {
			break
		}

		delay := ComputeDelay(attempt, cfg)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, delay, lastErr)
		}

		if sleepErr := cfg.Sleep(ctx, delay); sleepErr != nil {
			return zero, aborted(sleepErr, lastErr)
		}
	}

	return zero, &ExhaustedError{Attempts: cfg.MaxRetries + 1, Err: lastErr}
}

// aborted wraps the last attempt's error with the context error that stopped
// the retry loop, unless the attempt already carries it.
func aborted(ctxErr, lastErr error) error {
	if errors.Is(lastErr, ctxErr) {
		return lastErr
	}
	return eris.Wrapf(ctxErr, "retry aborted: %v", lastErr)
}

func applyDefaults(cfg RetryConfig) RetryConfig {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 60 * time.Second
	}
	if cfg.JitterFraction < 0 {
		cfg.JitterFraction = 0
	}
	if cfg.ShouldRetry == nil {
		cfg.ShouldRetry = IsRateLimited
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Float64
	}
	return cfg
}

// ComputeDelay returns min(MaxDelay, BaseDelay*2^attempt) plus uniform
// jitter of up to JitterFraction of that value.
func ComputeDelay(attempt int, cfg RetryConfig) time.Duration {
	delay := float64(cfg.BaseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}

	if cfg.JitterFraction > 0 {
		r := 0.0
		if cfg.Rand != nil {
			r = cfg.Rand()
		}
		delay += r * cfg.JitterFraction * delay
	}

	return time.Duration(delay)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RetryLogger returns an OnRetry callback that logs each retry attempt.
func RetryLogger(service, operation string) func(int, time.Duration, error) {
	return func(attempt int, delay time.Duration, err error) {
		zap.L().Warn("retrying throttled operation",
			zap.String("service", service),
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
	}
}
