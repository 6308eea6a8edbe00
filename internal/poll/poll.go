// Package poll waits for long-running remote jobs to reach a terminal state.
package poll

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/statement-analyzer/internal/model"
)

const (
	defaultInterval = 5 * time.Second
	defaultMaxWait  = 150 * time.Second
)

// Status is anything that reports a coarse job status.
type Status interface {
	JobStatus() model.JobStatus
}

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Option configures polling behavior.
type Option func(*config)

type config struct {
	interval time.Duration
	maxWait  time.Duration
	clock    Clock
}

func defaultConfig() config {
	return config{
		interval: defaultInterval,
		maxWait:  defaultMaxWait,
		clock:    realClock{},
	}
}

// WithInterval overrides the fixed delay between status checks.
func WithInterval(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.interval = d
		}
	}
}

// WithMaxWait overrides the total wait. Zero means the first
// non-terminal status times out.
func WithMaxWait(d time.Duration) Option {
	return func(c *config) {
		if d >= 0 {
			c.maxWait = d
		}
	}
}

// WithClock replaces the wall clock.
func WithClock(clk Clock) Option {
	return func(c *config) {
		if clk != nil {
			c.clock = clk
		}
	}
}

// UntilTerminal calls check at a fixed interval until it reports SUCCEEDED
// or FAILED, returning that final value. Every call is a fresh remote
// query. When the elapsed time reaches the max wait while the job is still
// running, it returns model.ErrPollTimeout. The remote job is left alone.
func UntilTerminal[T Status](ctx context.Context, jobID string, check func(ctx context.Context) (T, error), opts ...Option) (T, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	var zero T
	start := cfg.clock.Now()
	for checks := 1; ; checks++ {
		status, err := check(ctx)
		if err != nil {
			return zero, eris.Wrapf(err, "poll: check job %s", jobID)
		}

		if status.JobStatus().Terminal() {
			return status, nil
		}

		if elapsed := cfg.clock.Now().Sub(start); elapsed >= cfg.maxWait {
			return zero, eris.Wrapf(model.ErrPollTimeout, "poll: job %s still running after %s (%d checks)", jobID, elapsed.Round(time.Millisecond), checks)
		}

		select {
		case <-ctx.Done():
			return zero, eris.Wrapf(ctx.Err(), "poll: job %s", jobID)
		case <-cfg.clock.After(cfg.interval):
		}
	}
}
