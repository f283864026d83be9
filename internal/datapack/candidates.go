package datapack

import (
	"github.com/sells-group/datapack-cli/internal/adapter"
	"github.com/sells-group/datapack-cli/internal/model"
)

// candidatesFor keeps the candidates whose adapter supports at least one of
// keys. Candidates naming an unregistered adapter are kept so the collector
// fails with ErrUnknownAdapter.
func candidatesFor(reg *adapter.Registry, cands []model.SourceCandidate, keys ...model.Key) []model.SourceCandidate {
	var out []model.SourceCandidate
	for _, c := range cands {
		a := reg.Get(c.AdapterID)
		if a == nil || len(adapter.Intersect(a, keys)) > 0 {
			out = append(out, c)
		}
	}
	return out
}

// asSeries returns the historical value of a batch key, promoting a dated
// numeric scalar to a one-period series.
func asSeries(k model.Key, found map[model.Key]model.Extraction, hist map[model.Key]model.HistoricalExtraction) (model.HistoricalExtraction, bool) {
	if h, ok := hist[k]; ok {
		return h, true
	}
	e, ok := found[k]
	if !ok || e.AsOf == nil {
		return model.HistoricalExtraction{}, false
	}
	v, ok := e.Float()
	if !ok {
		return model.HistoricalExtraction{}, false
	}
	return model.HistoricalExtraction{
		Key:        k,
		Periods:    []model.PeriodValue{{End: *e.AsOf, Value: v}},
		Unit:       e.Unit,
		Currency:   e.Currency,
		Scale:      e.Scale,
		Locator:    e.Locator,
		ProviderID: e.ProviderID,
	}, true
}
