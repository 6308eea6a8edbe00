package resilience

import (
	"errors"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
)

// ErrRetriesExhausted matches any *ExhaustedError via errors.Is.
var ErrRetriesExhausted = eris.New("rate limit retries exhausted")

// ExhaustedError is returned when every attempt was throttled.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("rate limit retries exhausted after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrRetriesExhausted) hold for any ExhaustedError.
func (e *ExhaustedError) Is(target error) bool {
	return target == ErrRetriesExhausted
}

// RetriesExhausted lets packages below resilience classify the error
// without importing it.
func (e *ExhaustedError) RetriesExhausted() bool {
	return true
}

// RateLimitError marks an error as a throttling response from a remote
// service.
type RateLimitError struct {
	Err        error
	Service    string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: rate limited: %v", e.Service, e.Err)
}

func (e *RateLimitError) Unwrap() error {
	return e.Err
}

// NewRateLimitError wraps err as a throttling error from service.
func NewRateLimitError(service string, err error) *RateLimitError {
	return &RateLimitError{Err: err, Service: service}
}

// throttler is implemented by client errors that know whether they
// represent a throttling response (HTTP 429/529, AWS ThrottlingException).
type throttler interface {
	Throttled() bool
}

// IsRateLimited returns true if err, or any error in its chain, is a
// RateLimitError or reports itself as throttled.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}

	var rl *RateLimitError
	if errors.As(err, &rl) {
		return true
	}

	var t throttler
	return errors.As(err, &t) && t.Throttled()
}

// IsRateLimitedHTTPStatus returns true for the status codes remote APIs use
// to signal throttling or overload.
func IsRateLimitedHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 429, // Too Many Requests
		529: // Overloaded
		return true
	default:
		return false
	}
}
