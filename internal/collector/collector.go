// Package collector resolves datapoints by trying prioritized source
// candidates in order. Every candidate tried leaves a SourceAttempt in the
// returned audit trail; source faults never escape as errors.
package collector

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/datapack-cli/internal/adapter"
	"github.com/sells-group/datapack-cli/internal/blocks"
	"github.com/sells-group/datapack-cli/internal/model"
)

var (
	// ErrNoCandidates is returned when a collection is invoked without any
	// source candidates.
	ErrNoCandidates = eris.New("collector: no source candidates")
	// ErrRequiredNotSubset is returned when a batch names required keys it
	// was not asked to collect.
	ErrRequiredNotSubset = eris.New("collector: required keys not a subset of keys")
)

// BlockGuard is the part of the block registry the collectors consult.
type BlockGuard interface {
	Check(ctx context.Context, id string) (*blocks.Record, error)
	Block(ctx context.Context, id string, until *time.Time, status int, reason string) error
	Guard(ctx context.Context, id string, fn func(context.Context) error) error
}

// Deps wires the collaborators shared by the datapoint and batch collectors.
// Blocks may be nil, which disables block checks.
type Deps struct {
	Fetch    model.FetchClient
	Adapters *adapter.Registry
	Blocks   BlockGuard
}

// probe is the result of trying one candidate.
type probe struct {
	attempt model.SourceAttempt
	result  *model.AdaptResult
}

type fetchFunc func(ctx context.Context, c model.SourceCandidate) (*model.FetchResult, error)

type prober struct {
	deps    Deps
	nowFunc func() time.Time
}

// OrderCandidates returns candidates sorted by ascending priority, keeping
// list order for equal priorities.
func OrderCandidates(cands []model.SourceCandidate) []model.SourceCandidate {
	out := append([]model.SourceCandidate(nil), cands...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

// activeBlock returns the first active block on the adapter id or domain.
// Lookup failures are logged and treated as unblocked.
func (p *prober) activeBlock(ctx context.Context, ids ...string) *blocks.Record {
	if p.deps.Blocks == nil {
		return nil
	}
	for _, id := range ids {
		if id == "" {
			continue
		}
		rec, err := p.deps.Blocks.Check(ctx, id)
		if err != nil {
			zap.L().Warn("collector: block lookup failed, allowing source", zap.String("id", id), zap.Error(err))
			continue
		}
		if rec != nil {
			return rec
		}
	}
	return nil
}

// guardedFetch fetches c.URL under the domain's block guard.
func (p *prober) guardedFetch(ctx context.Context, c model.SourceCandidate) (*model.FetchResult, error) {
	domain := c.Host()
	if p.deps.Blocks == nil || domain == "" {
		return p.deps.Fetch.Fetch(ctx, c.URL, c.Headers)
	}
	var fr *model.FetchResult
	err := p.deps.Blocks.Guard(ctx, domain, func(ctx context.Context) error {
		var err error
		fr, err = p.deps.Fetch.Fetch(ctx, c.URL, c.Headers)
		return err
	})
	return fr, err
}

// try runs one candidate: block pre-filter, fetch, adapt, and freshness.
// Every failure is folded into the attempt.
func (p *prober) try(ctx context.Context, c model.SourceCandidate, a adapter.Adapter, keys []model.Key, ticker string, asOfMin *time.Time, fetch fetchFunc) probe {
	start := p.nowFunc()
	pr := probe{attempt: model.SourceAttempt{
		URL:         SanitizeURL(c.URL),
		AdapterID:   c.AdapterID,
		AttemptedAt: start.UTC(),
	}}
	done := func(o model.Outcome, reason string) probe {
		pr.attempt.Outcome = o
		pr.attempt.Reason = reason
		pr.attempt.DurationMS = p.nowFunc().Sub(start).Milliseconds()
		zap.L().Debug("collector: source attempt",
			zap.String("url", pr.attempt.URL),
			zap.String("adapter", c.AdapterID),
			zap.String("outcome", string(o)),
			zap.String("reason", reason),
		)
		return pr
	}

	domain := c.Host()
	if rec := p.activeBlock(ctx, c.AdapterID, domain); rec != nil {
		pr.attempt.StatusCode = rec.LastStatus
		return done(BlockOutcome(*rec), (&blocks.ActiveError{Record: *rec}).Error())
	}
	if domain != "" && p.deps.Fetch.IsRateLimited(domain) {
		return done(model.OutcomeRateLimited, "domain cooling down: "+domain)
	}

	fr, err := fetch(ctx, c)
	if err != nil {
		o, reason, status := FetchOutcome(err)
		pr.attempt.StatusCode = status
		return done(o, reason)
	}
	pr.attempt.StatusCode = fr.StatusCode
	if o, reason, ok := HTTPOutcome(fr); !ok {
		return done(o, reason)
	}

	res, err := adapter.Run(ctx, a, fr, keys, ticker)
	if err != nil {
		var be *model.BlockedError
		if errors.As(err, &be) {
			p.recordBlock(ctx, domain, be)
			return done(model.OutcomeBlocked, be.Error())
		}
		return done(model.OutcomeParseFailed, err.Error())
	}
	stale := dropStale(res, asOfMin)
	pr.result = res
	pr.attempt.KeysFound = foundKeys(res)
	o, reason := AdaptOutcome(res, len(keys), stale)
	return done(o, reason)
}

// recordBlock records a challenge page reported by an adapter.
func (p *prober) recordBlock(ctx context.Context, domain string, be *model.BlockedError) {
	if p.deps.Blocks == nil || domain == "" {
		return
	}
	status := be.StatusCode
	if status == 0 {
		status = 403
	}
	if err := p.deps.Blocks.Block(ctx, domain, be.RetryAfter, status, be.Error()); err != nil {
		zap.L().Warn("collector: failed to record block", zap.String("domain", domain), zap.Error(err))
	}
}

func foundKeys(res *model.AdaptResult) []model.Key {
	out := make([]model.Key, 0, res.FoundCount())
	for k := range res.Extractions {
		out = append(out, k)
	}
	for k := range res.Historical {
		out = append(out, k)
	}
	sortKeys(out)
	return out
}

func sortKeys(keys []model.Key) {
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
}

func attemptedSources(attempts []model.SourceAttempt) []model.AttemptedSource {
	out := make([]model.AttemptedSource, 0, len(attempts))
	for _, a := range attempts {
		if a.Outcome.Found() {
			continue
		}
		out = append(out, model.AttemptedSource{URL: a.URL, AdapterID: a.AdapterID, Outcome: a.Outcome, Reason: a.Reason})
	}
	return out
}
