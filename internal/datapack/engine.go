package datapack

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/datapack-cli/internal/collector"
	"github.com/sells-group/datapack-cli/internal/model"
	"github.com/sells-group/datapack-cli/internal/store"
)

// ErrNoSink is returned by CollectIndustry on an engine built without a sink.
var ErrNoSink = eris.New("datapack: engine has no sink")

// Engine exposes one entry point per collection granularity.
type Engine struct {
	datapoint *collector.Datapoint
	batch     *collector.Batch
	company   *CompanyCollector
	macro     *MacroCollector
	industry  *IndustryCollector
}

// NewEngine wires the collectors over shared dependencies. sink receives
// industry runs; it may be nil when CollectIndustry is not used.
func NewEngine(deps collector.Deps, sink store.Sink, opts Options) *Engine {
	company := NewCompanyCollector(deps)
	macro := NewMacroCollector(deps)
	e := &Engine{
		datapoint: collector.NewDatapoint(deps),
		batch:     collector.NewBatch(deps),
		company:   company,
		macro:     macro,
	}
	if sink != nil {
		e.industry = NewIndustryCollector(company, macro, sink, opts)
	}
	return e
}

// WithClock sets the clock on every collector.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.datapoint.WithClock(now)
	e.batch.WithClock(now)
	e.company.WithClock(now)
	e.macro.WithClock(now)
	if e.industry != nil {
		e.industry.WithClock(now)
	}
	return e
}

// CollectDatapoint resolves one key.
func (e *Engine) CollectDatapoint(ctx context.Context, req collector.DatapointRequest) (*collector.DatapointResult, error) {
	return e.datapoint.Collect(ctx, req)
}

// CollectBatch resolves several keys from a shared candidate list.
func (e *Engine) CollectBatch(ctx context.Context, req collector.BatchRequest) (*collector.BatchResult, error) {
	return e.batch.Collect(ctx, req)
}

// CollectCompany returns one company section.
func (e *Engine) CollectCompany(ctx context.Context, req CompanyRequest) (*model.CompanyData, error) {
	return e.company.Collect(ctx, req)
}

// CollectMacro returns the macro section of an industry.
func (e *Engine) CollectMacro(ctx context.Context, req MacroRequest) (*model.MacroData, error) {
	return e.macro.Collect(ctx, req)
}

// CollectIndustry runs a full industry collection.
func (e *Engine) CollectIndustry(ctx context.Context, req IndustryRequest) (*IndustryResult, error) {
	if e.industry == nil {
		return nil, ErrNoSink
	}
	return e.industry.Collect(ctx, req)
}
