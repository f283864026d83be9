package collector

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/datapack-cli/internal/adapter"
	"github.com/sells-group/datapack-cli/internal/model"
)

// BatchRequest asks for several keys from one shared candidate list.
type BatchRequest struct {
	Keys []model.Key
	// Required must be a subset of Keys. Collection stops once all of them
	// are found.
	Required   []model.Key
	Candidates []model.SourceCandidate
	Ticker     string
	AsOfMin    *time.Time
	// MaxPeriods trims every returned series. Zero keeps all periods.
	MaxPeriods int
}

// BatchResult partitions the requested keys into found and not found.
type BatchResult struct {
	Found             map[model.Key]model.Extraction           `json:"found"`
	Historical        map[model.Key]model.HistoricalExtraction `json:"historical"`
	NotFound          []model.Key                              `json:"not_found"`
	Attempts          []model.SourceAttempt                    `json:"attempts"`
	RequiredSatisfied bool                                     `json:"required_satisfied"`
	FetchCount        int                                      `json:"fetch_count"`
}

// Has reports whether k was resolved.
func (r *BatchResult) Has(k model.Key) bool {
	if _, ok := r.Found[k]; ok {
		return true
	}
	_, ok := r.Historical[k]
	return ok
}

// Batch collects several keys, fetching each distinct URL at most once and
// asking each source only for keys still missing.
type Batch struct {
	p prober
}

// NewBatch creates a batch collector.
func NewBatch(deps Deps) *Batch {
	return &Batch{p: prober{deps: deps, nowFunc: time.Now}}
}

// WithClock sets the clock used for attempt timestamps.
func (b *Batch) WithClock(now func() time.Time) *Batch {
	b.p.nowFunc = now
	return b
}

// BatchCacheSource marks extractions read from a document already fetched
// earlier in the same batch.
const BatchCacheSource = "batch"

type cachedFetch struct {
	fr  *model.FetchResult
	err error
}

// responseCache holds fetch outcomes, failures included, for one batch.
type responseCache struct {
	fetch   fetchFunc
	entries map[string]cachedFetch
	fetches int
}

func (c *responseCache) get(ctx context.Context, cand model.SourceCandidate) (*model.FetchResult, error) {
	if e, ok := c.entries[cand.URL]; ok {
		return e.fr, e.err
	}
	c.fetches++
	fr, err := c.fetch(ctx, cand)
	c.entries[cand.URL] = cachedFetch{fr: fr, err: err}
	return fr, err
}

// Collect tries candidates in order. With Required empty it runs until
// every key is found or candidates run out, and RequiredSatisfied is true.
func (b *Batch) Collect(ctx context.Context, req BatchRequest) (*BatchResult, error) {
	keys := dedupeKeys(req.Keys)
	want := make(map[model.Key]bool, len(keys))
	for _, k := range keys {
		want[k] = true
	}
	for _, k := range req.Required {
		if !want[k] {
			return nil, ErrRequiredNotSubset
		}
	}

	out := &BatchResult{
		Found:      make(map[model.Key]model.Extraction),
		Historical: make(map[model.Key]model.HistoricalExtraction),
	}
	if len(keys) == 0 {
		out.RequiredSatisfied = true
		return out, nil
	}
	if len(req.Candidates) == 0 {
		return nil, ErrNoCandidates
	}

	cache := &responseCache{fetch: b.p.guardedFetch, entries: make(map[string]cachedFetch)}
	missing := keys
	for _, c := range OrderCandidates(req.Candidates) {
		if len(missing) == 0 {
			break
		}
		if len(req.Required) > 0 && allFound(out, req.Required) {
			zap.L().Debug("collector: required keys satisfied, stopping batch",
				zap.Int("missing_optional", len(missing)),
			)
			break
		}
		if ctx.Err() != nil {
			break
		}

		a, err := b.p.deps.Adapters.Lookup(c.AdapterID)
		if err != nil {
			return nil, err
		}
		ask := adapter.Intersect(a, missing)
		if len(ask) == 0 {
			continue
		}

		prior, reused := cache.entries[c.URL]
		pr := b.p.try(ctx, c, a, ask, req.Ticker, req.AsOfMin, cache.get)
		out.Attempts = append(out.Attempts, pr.attempt)
		if pr.result == nil {
			continue
		}
		for k, e := range pr.result.Extractions {
			if reused && prior.fr != nil {
				e.MarkCached(BatchCacheSource, prior.fr.FetchedAt, b.p.nowFunc())
			}
			out.Found[k] = e
		}
		for k, h := range pr.result.Historical {
			h.Trim(req.MaxPeriods)
			out.Historical[k] = h
		}
		missing = remaining(missing, out)
	}

	out.NotFound = remaining(keys, out)
	out.RequiredSatisfied = allFound(out, req.Required)
	out.FetchCount = cache.fetches
	return out, nil
}

func allFound(r *BatchResult, keys []model.Key) bool {
	for _, k := range keys {
		if !r.Has(k) {
			return false
		}
	}
	return true
}

func remaining(keys []model.Key, r *BatchResult) []model.Key {
	var out []model.Key
	for _, k := range keys {
		if !r.Has(k) {
			out = append(out, k)
		}
	}
	return out
}

func dedupeKeys(keys []model.Key) []model.Key {
	seen := make(map[model.Key]bool, len(keys))
	out := make([]model.Key, 0, len(keys))
	for _, k := range keys {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	return out
}
