package adapter

import (
	"context"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/sells-group/datapack-cli/internal/model"
	"github.com/sells-group/datapack-cli/internal/value"
)

// JSONAdapter extracts fields from JSON documents with gjson paths.
type JSONAdapter struct {
	fieldSet
}

// NewJSONAdapter creates a JSON adapter. Series.Path selects an array;
// DatePath and ValuePath are evaluated against each element.
func NewJSONAdapter(id string, fields []Field, series []Series) *JSONAdapter {
	return &JSONAdapter{fieldSet: newFieldSet(id, fields, series)}
}

// Adapt implements Adapter.
func (a *JSONAdapter) Adapt(_ context.Context, fr *model.FetchResult, keys []model.Key, ticker string) (*model.AdaptResult, error) {
	if !gjson.ValidBytes(fr.Body) {
		if fr.IsHTML() {
			return model.NotFoundResult(keys, mismatch(a.id, "JSON", fr)), nil
		}
		return model.NotFoundResult(keys, a.id+": malformed JSON document"), nil
	}

	// Tickers like BRK.B must not split the path.
	ticker = strings.ReplaceAll(ticker, ".", `\.`)

	res := model.NewAdaptResult()
	for _, k := range keys {
		if f, ok := a.fields[k]; ok {
			if e, ok := a.field(fr.Body, f, fr.URL, ticker); ok {
				res.AddExtraction(e)
				continue
			}
		}
		if s, ok := a.series[k]; ok {
			if h, ok := a.array(fr.Body, s, fr.URL, ticker); ok {
				res.AddHistorical(h)
				continue
			}
		}
		res.NotFound = append(res.NotFound, k)
	}
	return res, nil
}

func (a *JSONAdapter) field(body []byte, f Field, url, ticker string) (model.Extraction, bool) {
	path := fillTicker(f.Path, ticker)
	r := gjson.GetBytes(body, path)
	if !r.Exists() || r.Type == gjson.Null {
		return model.Extraction{}, false
	}
	loc := model.NewLocator(model.LocatorJSONPath, path, r.Raw, url)

	var (
		e  model.Extraction
		ok bool
	)
	if r.Type == gjson.Number && f.Unit.Numeric() {
		p := value.Parsed{Float: r.Float(), Unit: f.Unit, Scale: model.ScaleUnits}
		e, ok = a.extraction(f, p, r.Raw, loc), true
	} else {
		e, ok = a.scalar(f, r.String(), loc)
	}
	if !ok {
		return model.Extraction{}, false
	}
	if f.AsOfPath != "" {
		e.AsOf = asOf(gjson.GetBytes(body, fillTicker(f.AsOfPath, ticker)).String())
	}
	return e, true
}

func (a *JSONAdapter) array(body []byte, s Series, url, ticker string) (model.HistoricalExtraction, bool) {
	path := fillTicker(s.Path, ticker)
	arr := gjson.GetBytes(body, path)
	if !arr.IsArray() {
		return model.HistoricalExtraction{}, false
	}
	var (
		periods  []model.PeriodValue
		rejected int
	)
	arr.ForEach(func(_, elem gjson.Result) bool {
		end := asOf(elem.Get(s.DatePath).String())
		if end == nil {
			return true
		}
		raw := elem.Get(s.ValuePath)
		var (
			v  float64
			ok bool
		)
		if raw.Type == gjson.Number && !s.SplitRatio {
			v, ok = raw.Float(), true
		} else {
			v, ok = seriesValue(s, raw.String())
		}
		if ok {
			periods = append(periods, model.PeriodValue{End: *end, Value: v})
		} else {
			rejected++
		}
		return true
	})
	// Values present but unreadable are not an empty series.
	if len(periods) == 0 && rejected > 0 {
		return model.HistoricalExtraction{}, false
	}
	snippet := arr.Raw
	return a.historical(s, periods, model.NewLocator(model.LocatorJSONPath, path, snippet, url)), true
}
