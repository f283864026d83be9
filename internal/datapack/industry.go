package datapack

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/datapack-cli/internal/industry"
	"github.com/sells-group/datapack-cli/internal/model"
	"github.com/sells-group/datapack-cli/internal/store"
)

// Options bounds an industry run.
type Options struct {
	// BatchSize is the number of companies between memory checks.
	BatchSize int
	// Concurrency caps companies collected at once within a batch.
	Concurrency int
	// CompanyTimeout skips later phases of a company once exceeded.
	CompanyTimeout time.Duration
	// RunTimeout fails companies that have not started once exceeded.
	RunTimeout        time.Duration
	MemoryManagement  bool
	MemoryThresholdMB int
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 10
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.MemoryThresholdMB <= 0 {
		o.MemoryThresholdMB = 512
	}
	return o
}

// IndustryRequest asks for a full industry datapack.
type IndustryRequest struct {
	Industry *industry.Config
	// RunID is generated when empty.
	RunID string
}

// IndustryResult is the run record, the assembled datapack, and the
// validation gate outcome.
type IndustryResult struct {
	Run      model.IndustryRun `json:"run"`
	Datapack *model.Datapack   `json:"datapack"`
	Gate     GateResult        `json:"gate"`
}

// IndustryCollector collects macro data once and then every company,
// persisting each company as soon as it is done.
type IndustryCollector struct {
	company *CompanyCollector
	macro   *MacroCollector
	sink    store.Sink
	opts    Options
	nowFunc func() time.Time

	// heapInUse and reclaim are swapped in tests.
	heapInUse func() uint64
	reclaim   func()
}

// NewIndustryCollector creates an industry collector writing to sink.
func NewIndustryCollector(company *CompanyCollector, macro *MacroCollector, sink store.Sink, opts Options) *IndustryCollector {
	return &IndustryCollector{
		company:   company,
		macro:     macro,
		sink:      sink,
		opts:      opts.withDefaults(),
		nowFunc:   time.Now,
		heapInUse: readHeapInUse,
		reclaim:   freeMemory,
	}
}

// WithClock sets the clock used for deadlines and run timestamps.
func (ic *IndustryCollector) WithClock(now func() time.Time) *IndustryCollector {
	ic.nowFunc = now
	return ic
}

func readHeapInUse() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapInuse
}

func freeMemory() {
	runtime.GC()
	debug.FreeOSMemory()
}

// Collect runs the industry. A run that errors or panics is recorded as
// failed before the error is returned or the panic resumes.
func (ic *IndustryCollector) Collect(ctx context.Context, req IndustryRequest) (res *IndustryResult, err error) {
	if req.Industry == nil {
		return nil, eris.New("datapack: industry request has no industry")
	}
	ind := req.Industry
	start := ic.nowFunc()
	run := &model.IndustryRun{
		ID:         req.RunID,
		IndustryID: ind.ID,
		StartedAt:  start.UTC(),
	}
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	log := zap.L().With(zap.String("industry", ind.ID), zap.String("run_id", run.ID))
	log.Info("datapack: starting industry run", zap.Int("companies", len(ind.Companies)))

	if err := ic.sink.StartRun(ctx, run); err != nil {
		return nil, eris.Wrap(err, "datapack: start run")
	}

	defer func() {
		if r := recover(); r != nil {
			ic.failRun(ctx, run, start, fmt.Sprintf("panic: %v", r))
			panic(r)
		}
		if err != nil {
			ic.failRun(ctx, run, start, err.Error())
		}
	}()

	macro, err := ic.macro.Collect(ctx, MacroRequest{Industry: ind})
	if err != nil {
		return nil, err
	}
	if perr := ic.sink.SaveMacro(ctx, run.ID, ind.ID, macro); perr != nil {
		log.Warn("datapack: save macro failed", zap.Error(perr))
	}
	if perr := ic.sink.SaveAttempts(ctx, run.ID, store.MacroScope, macro.Attempts); perr != nil {
		log.Warn("datapack: save macro attempts failed", zap.Error(perr))
	}

	var runDeadline time.Time
	if ic.opts.RunTimeout > 0 {
		runDeadline = start.Add(ic.opts.RunTimeout)
	}

	companies := make([]*model.CompanyData, len(ind.Companies))
	for lo := 0; lo < len(ind.Companies); lo += ic.opts.BatchSize {
		hi := min(lo+ic.opts.BatchSize, len(ind.Companies))
		if err := ic.collectBatch(ctx, run.ID, ind, lo, hi, runDeadline, companies); err != nil {
			return nil, err
		}
		ic.manageMemory(log, lo/ic.opts.BatchSize)
	}

	statuses := make([]model.Status, len(companies))
	run.CompanyStatuses = make(map[string]model.Status, len(companies))
	for i, c := range companies {
		statuses[i] = c.Status
		run.CompanyStatuses[c.Company.Ticker] = c.Status
	}
	run.MacroStatus = macro.Status
	run.Status = AggregateStatus(macro.Status, statuses)

	pack := &model.Datapack{
		IndustryID: ind.ID,
		Name:       ind.Name,
		Macro:      macro,
		Companies:  companies,
	}
	gate := Validate(pack, ind)
	if !gate.Passed {
		log.Warn("datapack: validation gate failed", zap.Strings("errors", gate.Errors))
		run.Status = model.StatusFailed
		run.ValidationErrors = gate.Errors
	}

	finished := ic.nowFunc().UTC()
	run.FinishedAt = &finished
	run.DurationMS = finished.Sub(start).Milliseconds()
	pack.Run = *run
	pack.GeneratedAt = finished

	if err := ic.sink.FinishRun(ctx, run); err != nil {
		return nil, eris.Wrap(err, "datapack: finish run")
	}

	complete, partial, failed := run.Counts()
	log.Info("datapack: industry run complete",
		zap.String("status", string(run.Status)),
		zap.Int("complete", complete),
		zap.Int("partial", partial),
		zap.Int("failed", failed),
		zap.Int64("duration_ms", run.DurationMS),
	)
	return &IndustryResult{Run: *run, Datapack: pack, Gate: gate}, nil
}

// collectBatch collects companies[lo:hi] with at most Concurrency in
// flight. Each company is persisted as soon as it finishes. A panic in a
// company resumes on the calling goroutine.
func (ic *IndustryCollector) collectBatch(ctx context.Context, runID string, ind *industry.Config, lo, hi int, runDeadline time.Time, out []*model.CompanyData) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ic.opts.Concurrency)

	var (
		panicOnce sync.Once
		panicked  any
	)
	for i := lo; i < hi; i++ {
		co := ind.Companies[i]
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					panicOnce.Do(func() { panicked = r })
					err = eris.Errorf("datapack: company %s panicked", co.Ticker)
				}
			}()
			now := ic.nowFunc()
			var data *model.CompanyData
			switch {
			case !runDeadline.IsZero() && now.After(runDeadline):
				data = notStarted(co, now, "deadline exceeded")
			case gctx.Err() != nil:
				data = notStarted(co, now, gctx.Err().Error())
			default:
				req := CompanyRequest{Industry: ind, Company: co}
				if ic.opts.CompanyTimeout > 0 {
					req.Deadline = now.Add(ic.opts.CompanyTimeout)
				}
				var cerr error
				data, cerr = ic.company.Collect(gctx, req)
				if cerr != nil {
					return cerr
				}
			}
			ic.persist(gctx, runID, ind.ID, data)
			out[i] = data
			return nil
		})
	}
	err := g.Wait()
	if panicked != nil {
		panic(panicked)
	}
	return err
}

// persist writes one company. Failures are logged; the final run record
// still carries the company status.
func (ic *IndustryCollector) persist(ctx context.Context, runID, industryID string, c *model.CompanyData) {
	log := zap.L().With(zap.String("run_id", runID), zap.String("ticker", c.Company.Ticker))
	if err := ic.sink.SaveCompany(ctx, runID, industryID, c); err != nil {
		log.Warn("datapack: save company failed", zap.Error(err))
	}
	if err := ic.sink.SaveAttempts(ctx, runID, c.Company.Ticker, c.Attempts); err != nil {
		log.Warn("datapack: save attempts failed", zap.Error(err))
	}
}

func notStarted(co model.Company, now time.Time, reason string) *model.CompanyData {
	return &model.CompanyData{
		Company:     co,
		Status:      model.StatusFailed,
		Valuation:   map[model.Key]model.Datapoint{},
		Error:       reason,
		CollectedAt: now.UTC(),
	}
}

func (ic *IndustryCollector) manageMemory(log *zap.Logger, batch int) {
	if !ic.opts.MemoryManagement {
		return
	}
	inUse := ic.heapInUse()
	threshold := uint64(ic.opts.MemoryThresholdMB) << 20
	if inUse <= threshold {
		return
	}
	ic.reclaim()
	log.Info("datapack: reclaimed memory after batch",
		zap.Int("batch", batch),
		zap.Uint64("heap_in_use_mb", inUse>>20),
		zap.Uint64("after_mb", ic.heapInUse()>>20),
	)
}

// failRun records run as failed. It runs on a context detached from
// cancellation so a cancelled run is still recorded.
func (ic *IndustryCollector) failRun(ctx context.Context, run *model.IndustryRun, start time.Time, reason string) {
	finished := ic.nowFunc().UTC()
	run.Status = model.StatusFailed
	run.Error = reason
	run.FinishedAt = &finished
	run.DurationMS = finished.Sub(start).Milliseconds()
	if err := ic.sink.FinishRun(context.WithoutCancel(ctx), run); err != nil {
		zap.L().Error("datapack: record failed run",
			zap.String("run_id", run.ID),
			zap.String("reason", reason),
			zap.Error(err),
		)
	}
}
