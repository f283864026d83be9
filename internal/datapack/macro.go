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

// MacroRequest asks for the industry-wide indicators.
type MacroRequest struct {
	Industry *industry.Config
}

// MacroCollector resolves the named macro indicators plus any extra
// required and optional keys from the industry's macro sources.
type MacroCollector struct {
	deps      collector.Deps
	datapoint *collector.Datapoint
	nowFunc   func() time.Time
}

// NewMacroCollector creates a macro collector.
func NewMacroCollector(deps collector.Deps) *MacroCollector {
	return &MacroCollector{deps: deps, datapoint: collector.NewDatapoint(deps), nowFunc: time.Now}
}

// WithClock sets the clock used for freshness and timestamps.
func (mc *MacroCollector) WithClock(now func() time.Time) *MacroCollector {
	mc.nowFunc = now
	mc.datapoint.WithClock(now)
	return mc
}

// Collect returns the macro section.
func (mc *MacroCollector) Collect(ctx context.Context, req MacroRequest) (*model.MacroData, error) {
	if req.Industry == nil {
		return nil, eris.New("datapack: macro request has no industry")
	}
	ind := req.Industry
	start := mc.nowFunc()
	asOfMin := ind.AsOfMin(start)
	metrics := ind.Macro.Metrics()

	out := &model.MacroData{
		Indicators:  make(map[model.Key]model.Datapoint),
		CollectedAt: start.UTC(),
	}
	found := 0
	for _, k := range metrics.All() {
		sev := metrics.Severity(k)
		dp := model.Datapoint{Key: k, Severity: sev}
		if cands := candidatesFor(mc.deps.Adapters, ind.MacroSources, k); len(cands) > 0 {
			res, err := mc.datapoint.Collect(ctx, collector.DatapointRequest{
				Key:        k,
				Candidates: cands,
				AsOfMin:    asOfMin,
				Severity:   sev,
			})
			if err != nil {
				return nil, eris.Wrapf(err, "datapack: collect macro %s", k)
			}
			dp = res.Datapoint
			out.Attempts = append(out.Attempts, res.Attempts...)
		}
		out.Indicators[k] = dp
		switch {
		case dp.Found:
			found++
		case sev == model.SeverityRequired:
			out.MissingRequired = append(out.MissingRequired, k)
		default:
			out.MissingOptional = append(out.MissingOptional, k)
		}
	}

	out.Status = MacroStatus(len(metrics.Required), len(out.MissingRequired), len(out.MissingOptional), found)
	out.DurationMS = mc.nowFunc().Sub(start).Milliseconds()
	zap.L().Info("datapack: macro collected",
		zap.String("industry", ind.ID),
		zap.String("status", string(out.Status)),
		zap.Int("found", found),
		zap.Int("missing_required", len(out.MissingRequired)),
	)
	return out, nil
}
