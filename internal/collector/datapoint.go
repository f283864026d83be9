package collector

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/datapack-cli/internal/model"
)

// DatapointRequest asks for one key from prioritized candidates.
type DatapointRequest struct {
	Key        model.Key
	Candidates []model.SourceCandidate
	Ticker     string
	// AsOfMin rejects values dated before it. Nil disables the check.
	AsOfMin  *time.Time
	Severity model.Severity
}

// DatapointResult is the resolved datapoint and its audit trail.
type DatapointResult struct {
	Datapoint model.Datapoint
	Attempts  []model.SourceAttempt
	Found     bool
}

// Datapoint collects a single key, stopping at the first successful source.
type Datapoint struct {
	p prober
}

// NewDatapoint creates a datapoint collector.
func NewDatapoint(deps Deps) *Datapoint {
	return &Datapoint{p: prober{deps: deps, nowFunc: time.Now}}
}

// WithClock sets the clock used for attempt timestamps.
func (d *Datapoint) WithClock(now func() time.Time) *Datapoint {
	d.p.nowFunc = now
	return d
}

// Collect tries candidates strictly in order. Stale values are discarded
// even when no later candidate succeeds. An empty candidate list or an
// unknown adapter id is returned as an error; every other failure is
// recorded in Attempts.
func (d *Datapoint) Collect(ctx context.Context, req DatapointRequest) (*DatapointResult, error) {
	if len(req.Candidates) == 0 {
		return nil, ErrNoCandidates
	}
	keys := []model.Key{req.Key}
	out := &DatapointResult{
		Datapoint: model.Datapoint{Key: req.Key, Severity: req.Severity},
	}

	for _, c := range OrderCandidates(req.Candidates) {
		if ctx.Err() != nil {
			zap.L().Debug("collector: context done, stopping datapoint", zap.String("key", req.Key.String()))
			break
		}
		a, err := d.p.deps.Adapters.Lookup(c.AdapterID)
		if err != nil {
			return nil, err
		}
		pr := d.p.try(ctx, c, a, keys, req.Ticker, req.AsOfMin, d.p.guardedFetch)
		out.Attempts = append(out.Attempts, pr.attempt)
		if pr.attempt.Outcome != model.OutcomeSuccess {
			continue
		}
		if e, ok := pr.result.Extractions[req.Key]; ok {
			out.Datapoint.Extraction = &e
		} else if h, ok := pr.result.Historical[req.Key]; ok {
			out.Datapoint.Historical = &h
		}
		out.Datapoint.Found = true
		out.Found = true
		return out, nil
	}

	out.Datapoint.AttemptedSources = attemptedSources(out.Attempts)
	return out, nil
}
