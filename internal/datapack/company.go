// Package datapack assembles company, macro, and industry datapacks on top
// of the datapoint and batch collectors.
package datapack

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/datapack-cli/internal/collector"
	"github.com/sells-group/datapack-cli/internal/industry"
	"github.com/sells-group/datapack-cli/internal/model"
)

// CompanyRequest asks for the datapack section of one company.
type CompanyRequest struct {
	Industry *industry.Config
	Company  model.Company
	// Deadline skips the phases that have not started once it passes.
	// Zero means no deadline.
	Deadline time.Time
}

// CompanyCollector runs the valuation, financials, and quarters phases for
// one company. Phases run sequentially.
type CompanyCollector struct {
	deps      collector.Deps
	datapoint *collector.Datapoint
	batch     *collector.Batch
	nowFunc   func() time.Time
}

// NewCompanyCollector creates a company collector.
func NewCompanyCollector(deps collector.Deps) *CompanyCollector {
	return &CompanyCollector{
		deps:      deps,
		datapoint: collector.NewDatapoint(deps),
		batch:     collector.NewBatch(deps),
		nowFunc:   time.Now,
	}
}

// WithClock sets the clock used for deadlines, freshness, and timestamps.
func (cc *CompanyCollector) WithClock(now func() time.Time) *CompanyCollector {
	cc.nowFunc = now
	cc.datapoint.WithClock(now)
	cc.batch.WithClock(now)
	return cc
}

// valuationMetrics returns the valuation keys with market cap always
// required, since company status depends on it.
func valuationMetrics(set industry.MetricSet) industry.MetricSet {
	if set.Severity(model.KeyMarketCap) == model.SeverityRequired {
		return set
	}
	out := industry.MetricSet{Required: []model.Key{model.KeyMarketCap}}
	out.Required = append(out.Required, set.Required...)
	for _, k := range set.Optional {
		if k != model.KeyMarketCap {
			out.Optional = append(out.Optional, k)
		}
	}
	return out
}

// Collect returns the company section. Source failures are reflected in
// Status and Attempts; only engine faults are returned as errors.
func (cc *CompanyCollector) Collect(ctx context.Context, req CompanyRequest) (*model.CompanyData, error) {
	if req.Industry == nil {
		return nil, eris.New("datapack: company request has no industry")
	}
	ind := req.Industry
	start := cc.nowFunc()
	log := zap.L().With(zap.String("industry", ind.ID), zap.String("ticker", req.Company.Ticker))

	out := &model.CompanyData{
		Company:     req.Company,
		Valuation:   make(map[model.Key]model.Datapoint),
		CollectedAt: start.UTC(),
	}
	sources := ind.CompanySources(req.Company)
	asOfMin := ind.AsOfMin(start)

	expired := func() bool {
		return !req.Deadline.IsZero() && cc.nowFunc().After(req.Deadline)
	}

	if err := cc.valuation(ctx, out, valuationMetrics(ind.Valuation), sources, asOfMin); err != nil {
		return nil, err
	}

	phases := []struct {
		name   string
		keys   []model.Key
		depth  int
		target *map[model.Key]model.HistoricalExtraction
	}{
		{model.PhaseFinancials, ind.Financials, ind.HistoryYears, &out.Financials},
		{model.PhaseQuarters, ind.Quarterly, ind.Quarters, &out.Quarters},
	}
	for _, ph := range phases {
		if len(ph.keys) == 0 {
			continue
		}
		if expired() {
			log.Warn("datapack: company deadline passed, skipping phase", zap.String("phase", ph.name))
			out.SkippedPhases = append(out.SkippedPhases, ph.name)
			out.MissingOptional = append(out.MissingOptional, ph.keys...)
			continue
		}
		series, err := cc.series(ctx, out, ph.name, ph.keys, ph.depth, sources, asOfMin)
		if err != nil {
			return nil, err
		}
		*ph.target = series
	}

	out.Derived = derive(out.Valuation)
	out.Status = CompanyStatus(out.Valuation, out.MissingRequired)
	out.DurationMS = cc.nowFunc().Sub(start).Milliseconds()

	log.Info("datapack: company collected",
		zap.String("status", string(out.Status)),
		zap.Int("missing_required", len(out.MissingRequired)),
		zap.Int("attempts", len(out.Attempts)),
		zap.Int64("duration_ms", out.DurationMS),
	)
	return out, nil
}

// valuation collects each metric on its own. Required and optional
// metrics are tried the same way; severity only affects status.
func (cc *CompanyCollector) valuation(ctx context.Context, out *model.CompanyData, metrics industry.MetricSet, sources []model.SourceCandidate, asOfMin *time.Time) error {
	start := cc.nowFunc()
	keys := metrics.All()
	found := 0
	for _, k := range keys {
		sev := metrics.Severity(k)
		dp, attempts, err := cc.metric(ctx, k, sev, sources, out.Company.Ticker, asOfMin)
		if err != nil {
			return eris.Wrapf(err, "datapack: collect %s %s", out.Company.Ticker, k)
		}
		out.Valuation[k] = dp
		out.Attempts = append(out.Attempts, attempts...)
		if dp.Found {
			found++
			continue
		}
		if sev == model.SeverityRequired {
			out.MissingRequired = append(out.MissingRequired, k)
		} else {
			out.MissingOptional = append(out.MissingOptional, k)
		}
	}
	out.Phases = append(out.Phases, model.PhaseResult{
		Name:       model.PhaseValuation,
		Status:     phaseStatus(found, len(keys)),
		DurationMS: cc.nowFunc().Sub(start).Milliseconds(),
	})
	return nil
}

// metric collects one key. A key no configured source supports is
// reported missing without attempts.
func (cc *CompanyCollector) metric(ctx context.Context, k model.Key, sev model.Severity, sources []model.SourceCandidate, ticker string, asOfMin *time.Time) (model.Datapoint, []model.SourceAttempt, error) {
	cands := candidatesFor(cc.deps.Adapters, sources, k)
	if len(cands) == 0 {
		zap.L().Debug("datapack: no source supports key", zap.String("key", k.String()))
		return model.Datapoint{Key: k, Severity: sev}, nil, nil
	}
	res, err := cc.datapoint.Collect(ctx, collector.DatapointRequest{
		Key:        k,
		Candidates: cands,
		Ticker:     ticker,
		AsOfMin:    asOfMin,
		Severity:   sev,
	})
	if err != nil {
		return model.Datapoint{}, nil, err
	}
	return res.Datapoint, res.Attempts, nil
}

// series collects a phase of historical keys in one batch.
func (cc *CompanyCollector) series(ctx context.Context, out *model.CompanyData, phase string, keys []model.Key, depth int, sources []model.SourceCandidate, asOfMin *time.Time) (map[model.Key]model.HistoricalExtraction, error) {
	start := cc.nowFunc()
	result := make(map[model.Key]model.HistoricalExtraction)

	cands := candidatesFor(cc.deps.Adapters, sources, keys...)
	var res *collector.BatchResult
	if len(cands) > 0 {
		var err error
		res, err = cc.batch.Collect(ctx, collector.BatchRequest{
			Keys:       keys,
			Candidates: cands,
			Ticker:     out.Company.Ticker,
			AsOfMin:    asOfMin,
			MaxPeriods: depth,
		})
		if err != nil {
			return nil, eris.Wrapf(err, "datapack: collect %s %s", out.Company.Ticker, phase)
		}
		out.Attempts = append(out.Attempts, res.Attempts...)
	}

	for _, k := range keys {
		if res != nil {
			if h, ok := asSeries(k, res.Found, res.Historical); ok {
				h.Trim(depth)
				result[k] = h
				continue
			}
		}
		out.MissingOptional = append(out.MissingOptional, k)
	}
	out.Phases = append(out.Phases, model.PhaseResult{
		Name:       phase,
		Status:     phaseStatus(len(result), len(keys)),
		DurationMS: cc.nowFunc().Sub(start).Milliseconds(),
	})
	return result, nil
}
