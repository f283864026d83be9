// Package monitoring summarizes recent run health and alerts on it.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/datapack-cli/internal/blocks"
	"github.com/sells-group/datapack-cli/internal/model"
	"github.com/sells-group/datapack-cli/internal/store"
)

const runPageSize = 100

// MetricsSnapshot holds a point-in-time view of collection health.
type MetricsSnapshot struct {
	// Industry runs started within the lookback window.
	RunsTotal    int     `json:"runs_total"`
	RunsComplete int     `json:"runs_complete"`
	RunsPartial  int     `json:"runs_partial"`
	RunsFailed   int     `json:"runs_failed"`
	RunsRunning  int     `json:"runs_running"`
	RunFailRate  float64 `json:"run_fail_rate"`

	// Company outcomes across those runs.
	CompaniesTotal  int `json:"companies_total"`
	CompaniesFailed int `json:"companies_failed"`

	// Source blocks.
	BlocksTotal       int `json:"blocks_total"`
	BlocksActive      int `json:"blocks_active"`
	BlocksRateLimited int `json:"blocks_rate_limited"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// FinishedRuns is the number of runs with a terminal status.
func (s *MetricsSnapshot) FinishedRuns() int {
	return s.RunsComplete + s.RunsPartial + s.RunsFailed
}

// RunLister is the read side of store.Store needed by the collector.
type RunLister interface {
	ListRuns(ctx context.Context, filter store.RunFilter) ([]model.IndustryRun, error)
}

// BlockLister lists block records. *blocks.Registry satisfies it.
type BlockLister interface {
	List(ctx context.Context) ([]blocks.Record, error)
}

// Collector gathers metrics from the run store and block registry.
type Collector struct {
	runs    RunLister
	blocks  BlockLister
	nowFunc func() time.Time
}

// NewCollector creates a new metrics collector. bl may be nil.
func NewCollector(runs RunLister, bl BlockLister) *Collector {
	return &Collector{runs: runs, blocks: bl, nowFunc: time.Now}
}

// WithClock overrides the collector clock.
func (c *Collector) WithClock(now func() time.Time) *Collector {
	c.nowFunc = now
	return c
}

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.nowFunc().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	if err := c.collectRuns(ctx, snap, cutoff); err != nil {
		return nil, err
	}
	if finished := snap.FinishedRuns(); finished > 0 {
		snap.RunFailRate = float64(snap.RunsFailed) / float64(finished)
	}

	if c.blocks != nil {
		recs, err := c.blocks.List(ctx)
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: list blocks")
		}
		snap.BlocksTotal = len(recs)
		for _, r := range recs {
			if !r.Active(now) {
				continue
			}
			snap.BlocksActive++
			if r.Kind == blocks.KindRateLimited {
				snap.BlocksRateLimited++
			}
		}
	}
	return snap, nil
}

// collectRuns pages through runs newest first and stops at the cutoff.
func (c *Collector) collectRuns(ctx context.Context, snap *MetricsSnapshot, cutoff time.Time) error {
	for offset := 0; ; offset += runPageSize {
		runs, err := c.runs.ListRuns(ctx, store.RunFilter{Limit: runPageSize, Offset: offset})
		if err != nil {
			return eris.Wrap(err, "monitoring: list runs")
		}
		for _, r := range runs {
			if r.StartedAt.Before(cutoff) {
				return nil
			}
			snap.RunsTotal++
			switch r.Status {
			case model.StatusComplete:
				snap.RunsComplete++
			case model.StatusPartial:
				snap.RunsPartial++
			case model.StatusFailed:
				snap.RunsFailed++
			default:
				snap.RunsRunning++
			}
			_, _, failed := r.Counts()
			snap.CompaniesTotal += len(r.CompanyStatuses)
			snap.CompaniesFailed += failed
		}
		if len(runs) < runPageSize {
			return nil
		}
	}
}
