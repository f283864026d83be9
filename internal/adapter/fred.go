package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/sells-group/datapack-cli/internal/model"
	"github.com/sells-group/datapack-cli/internal/value"
)

// FREDSeries binds a key to a FRED observations response.
type FREDSeries struct {
	Key      model.Key  `yaml:"key"`
	SeriesID string     `yaml:"series_id"`
	Unit     model.Unit `yaml:"unit"`
	// Historical returns every observation instead of the latest.
	Historical bool `yaml:"historical,omitempty"`
	Limit      int  `yaml:"limit,omitempty"`
}

type fredResponse struct {
	Observations []struct {
		Date  string `json:"date"`
		Value string `json:"value"`
	} `json:"observations"`
}

// FREDAdapter reads FRED series/observations JSON. Missing observations
// (".") are skipped.
type FREDAdapter struct {
	id     string
	series map[model.Key]FREDSeries
	keys   []model.Key
}

// NewFREDAdapter creates a FRED adapter.
func NewFREDAdapter(id string, series ...FREDSeries) *FREDAdapter {
	a := &FREDAdapter{id: id, series: make(map[model.Key]FREDSeries, len(series))}
	for _, s := range series {
		if _, dup := a.series[s.Key]; !dup {
			a.keys = append(a.keys, s.Key)
		}
		a.series[s.Key] = s
	}
	return a
}

// ID implements Adapter.
func (a *FREDAdapter) ID() string { return a.id }

// SupportedKeys implements Adapter.
func (a *FREDAdapter) SupportedKeys() []model.Key {
	return append([]model.Key(nil), a.keys...)
}

// Adapt implements Adapter. One response carries one series, so every
// requested key bound to the response's series resolves from the same data.
func (a *FREDAdapter) Adapt(_ context.Context, fr *model.FetchResult, keys []model.Key, _ string) (*model.AdaptResult, error) {
	var resp fredResponse
	if err := json.Unmarshal(fr.Body, &resp); err != nil {
		if fr.IsHTML() || fr.IsXML() {
			return model.NotFoundResult(keys, mismatch(a.id, "JSON", fr)), nil
		}
		return model.NotFoundResult(keys, fmt.Sprintf("%s: decode observations: %v", a.id, err)), nil
	}

	var periods []model.PeriodValue
	for _, obs := range resp.Observations {
		if value.IsMissing(obs.Value) {
			continue
		}
		end, ok := value.ParseDate(obs.Date)
		if !ok {
			continue
		}
		v, err := strconv.ParseFloat(obs.Value, 64)
		if err != nil {
			continue
		}
		periods = append(periods, model.PeriodValue{End: end, Value: v})
	}
	model.SortPeriods(periods)

	res := model.NewAdaptResult()
	for _, k := range keys {
		s, ok := a.series[k]
		if !ok || len(periods) == 0 {
			res.NotFound = append(res.NotFound, k)
			continue
		}
		loc := model.NewLocator(model.LocatorAPI, "fred:"+s.SeriesID, periods[0].End.Format("2006-01-02"), fr.URL)
		unit := s.Unit
		if unit == "" {
			unit = model.UnitNumber
		}
		if s.Historical {
			h := model.HistoricalExtraction{
				Key:        k,
				Periods:    append([]model.PeriodValue(nil), periods...),
				Unit:       unit,
				Scale:      model.ScaleUnits,
				Locator:    loc,
				ProviderID: a.id,
			}
			h.Trim(s.Limit)
			res.AddHistorical(h)
			continue
		}
		latest := periods[0]
		end := latest.End
		res.AddExtraction(model.Extraction{
			Key:        k,
			Value:      latest.Value,
			RawText:    strconv.FormatFloat(latest.Value, 'f', -1, 64),
			Unit:       unit,
			Scale:      model.ScaleUnits,
			AsOf:       &end,
			Locator:    loc,
			ProviderID: a.id,
		})
	}
	return res, nil
}
