package resilience

import (
	"time"
)

// FromRetryConfig converts config values to a RetryConfig. Negative retry
// and jitter values keep the defaults; zero is honored (a single attempt, no
// jitter). Non-positive delays keep the defaults.
func FromRetryConfig(maxRetries, baseDelayMs, maxDelayMs int, jitterFraction float64) RetryConfig {
	cfg := DefaultRetryConfig()
	if maxRetries >= 0 {
		cfg.MaxRetries = maxRetries
	}
	if baseDelayMs > 0 {
		cfg.BaseDelay = time.Duration(baseDelayMs) * time.Millisecond
	}
	if maxDelayMs > 0 {
		cfg.MaxDelay = time.Duration(maxDelayMs) * time.Millisecond
	}
	if jitterFraction >= 0 {
		cfg.JitterFraction = jitterFraction
	}
	return cfg
}

// WithLogging returns a copy of cfg that logs retries for service/operation.
func (c RetryConfig) WithLogging(service, operation string) RetryConfig {
	c.OnRetry = RetryLogger(service, operation)
	return c
}
