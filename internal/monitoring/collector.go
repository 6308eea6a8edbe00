// Package monitoring watches run history for failure spikes, throttling and
// cost, and posts alerts to a webhook.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/statement-analyzer/internal/model"
	"github.com/sells-group/statement-analyzer/internal/store"
)

// MetricsSnapshot holds a point-in-time view of run health.
type MetricsSnapshot struct {
	// Run metrics (within lookback window).
	RunsTotal     int     `json:"runs_total"`
	RunsComplete  int     `json:"runs_complete"`
	RunsFailed    int     `json:"runs_failed"`
	RunsInFlight  int     `json:"runs_in_flight"`
	FailRate      float64 `json:"fail_rate"`
	CostUSD       float64 `json:"cost_usd"`
	AvgTokens     int     `json:"avg_tokens"`
	AvgDocuments  float64 `json:"avg_documents"`
	AvgDurationMs int64   `json:"avg_duration_ms"`

	// FailuresByKind counts failed runs per error kind.
	FailuresByKind map[string]int `json:"failures_by_kind"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// RunLister is the slice of the run store the collector reads.
type RunLister interface {
	ListRuns(ctx context.Context, filter store.RunFilter) ([]model.Run, error)
}

// Collector gathers metrics from the run store.
type Collector struct {
	store RunLister
	now   func() time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector(st RunLister) *Collector {
	return &Collector{store: st, now: time.Now}
}

// Collect gathers a snapshot of run metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.now().UTC()
	snap := &MetricsSnapshot{
		FailuresByKind: map[string]int{},
		LookbackHours:  lookbackHours,
		CollectedAt:    now,
	}

	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	runs, err := c.store.ListRuns(ctx, store.RunFilter{
		CreatedAfter: cutoff,
		Limit:        10000,
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}

	snap.RunsTotal = len(runs)
	var totalTokens, totalDocs int
	var totalDur time.Duration

	for _, r := range runs {
		totalDocs += len(r.Documents)
		switch r.Status {
		case model.RunStatusComplete:
			snap.RunsComplete++
			totalDur += r.UpdatedAt.Sub(r.CreatedAt)
		case model.RunStatusFailed:
			snap.RunsFailed++
			kind := model.KindInternal
			if r.Error != nil && r.Error.Kind != "" {
				kind = r.Error.Kind
			}
			snap.FailuresByKind[kind]++
		default:
			snap.RunsInFlight++
		}
		if r.Result != nil {
			snap.CostUSD += r.Result.TotalCost
			totalTokens += r.Result.TotalTokens
		}
	}

	if snap.RunsTotal > 0 {
		finished := snap.RunsComplete + snap.RunsFailed
		if finished > 0 {
			snap.FailRate = float64(snap.RunsFailed) / float64(finished)
		}
		snap.AvgDocuments = float64(totalDocs) / float64(snap.RunsTotal)
	}
	if snap.RunsComplete > 0 {
		snap.AvgTokens = totalTokens / snap.RunsComplete
		snap.AvgDurationMs = totalDur.Milliseconds() / int64(snap.RunsComplete)
	}

	return snap, nil
}
