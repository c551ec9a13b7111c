package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/idealista-analytics/pipeline/internal/model"
	"github.com/idealista-analytics/pipeline/internal/store"
)

// MetricsSnapshot holds a point-in-time view of pipeline health.
type MetricsSnapshot struct {
	Pipeline string `json:"pipeline"`

	// Run metrics (within lookback window).
	RunsTotal     int     `json:"runs_total"`
	RunsSucceeded int     `json:"runs_succeeded"`
	RunsFailed    int     `json:"runs_failed"`
	RunsActive    int     `json:"runs_active"`
	FailRate      float64 `json:"fail_rate"`

	// LastFinished is the most recent terminal run, if any.
	LastFinished *model.Run `json:"last_finished,omitempty"`
	// LastFailed is the most recent failed run, if any.
	LastFailed *model.Run `json:"last_failed,omitempty"`
	// OldestActive is the earliest started run still pending or running.
	OldestActive *model.Run `json:"oldest_active,omitempty"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// RunLister is the slice of the run history the collector needs.
type RunLister interface {
	ListRuns(ctx context.Context, filter store.RunFilter) ([]model.Run, error)
}

// Collector gathers metrics from the run history.
type Collector struct {
	runs     RunLister
	pipeline string
	now      func() time.Time
}

// NewCollector creates a new metrics collector for one pipeline.
func NewCollector(runs RunLister, pipeline string) *Collector {
	return &Collector{runs: runs, pipeline: pipeline, now: time.Now}
}

// Collect gathers a snapshot of run metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.now().UTC()
	snap := &MetricsSnapshot{
		Pipeline:      c.pipeline,
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}

	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	// Newest first.
	runs, err := c.runs.ListRuns(ctx, store.RunFilter{
		Pipeline: c.pipeline,
		Limit:    1000,
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}

	for i := range runs {
		r := &runs[i]
		if r.StartedAt.Before(cutoff) {
			continue
		}
		snap.RunsTotal++
		switch r.Status {
		case model.RunStatusSucceeded:
			snap.RunsSucceeded++
		case model.RunStatusFailed:
			snap.RunsFailed++
			if snap.LastFailed == nil {
				snap.LastFailed = r
			}
		default:
			snap.RunsActive++
			snap.OldestActive = r
		}
		if r.Status.Terminal() && snap.LastFinished == nil {
			snap.LastFinished = r
		}
	}

	if finished := snap.RunsSucceeded + snap.RunsFailed; finished > 0 {
		snap.FailRate = float64(snap.RunsFailed) / float64(finished)
	}

	return snap, nil
}
