package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/sells-group/datapack-cli/internal/model"
	"github.com/sells-group/datapack-cli/internal/value"
)

// XBRLConcept binds a key to a concept in an EDGAR companyfacts document.
type XBRLConcept struct {
	Key       model.Key  `yaml:"key"`
	Namespace string     `yaml:"namespace"`
	Concept   string     `yaml:"concept"`
	UnitCode  string     `yaml:"unit_code"`
	Unit      model.Unit `yaml:"unit"`
	// Forms restricts facts to these form types, e.g. 10-K. Empty accepts all.
	Forms []string `yaml:"forms,omitempty"`
	// Annual keeps only full-year facts (fp=FY, about a year long). Otherwise
	// duration facts must span about one quarter, which drops year-to-date
	// values. Instant facts have no start and are always kept.
	Annual     bool `yaml:"annual,omitempty"`
	Historical bool `yaml:"historical,omitempty"`
	Limit      int  `yaml:"limit,omitempty"`
}

type companyFacts struct {
	CIK        int                             `json:"cik"`
	EntityName string                          `json:"entityName"`
	Facts      map[string]map[string]factUnits `json:"facts"`
}

type factUnits struct {
	Label string                 `json:"label"`
	Units map[string][]factValue `json:"units"`
}

type factValue struct {
	Start string  `json:"start"`
	End   string  `json:"end"`
	Val   float64 `json:"val"`
	FY    int     `json:"fy"`
	FP    string  `json:"fp"`
	Form  string  `json:"form"`
	Filed string  `json:"filed"`
}

// XBRLAdapter reads EDGAR companyfacts JSON. When several filings report the
// same period end, the most recently filed value wins.
type XBRLAdapter struct {
	id       string
	concepts map[model.Key]XBRLConcept
	keys     []model.Key
}

// NewXBRLAdapter creates an XBRL companyfacts adapter.
func NewXBRLAdapter(id string, concepts ...XBRLConcept) *XBRLAdapter {
	a := &XBRLAdapter{id: id, concepts: make(map[model.Key]XBRLConcept, len(concepts))}
	for _, c := range concepts {
		if _, dup := a.concepts[c.Key]; !dup {
			a.keys = append(a.keys, c.Key)
		}
		a.concepts[c.Key] = c
	}
	return a
}

// ID implements Adapter.
func (a *XBRLAdapter) ID() string { return a.id }

// SupportedKeys implements Adapter.
func (a *XBRLAdapter) SupportedKeys() []model.Key {
	return append([]model.Key(nil), a.keys...)
}

// Adapt implements Adapter.
func (a *XBRLAdapter) Adapt(_ context.Context, fr *model.FetchResult, keys []model.Key, _ string) (*model.AdaptResult, error) {
	var facts companyFacts
	if err := json.Unmarshal(fr.Body, &facts); err != nil {
		if fr.IsHTML() {
			return model.NotFoundResult(keys, mismatch(a.id, "JSON", fr)), nil
		}
		return model.NotFoundResult(keys, fmt.Sprintf("%s: decode companyfacts: %v", a.id, err)), nil
	}

	res := model.NewAdaptResult()
	for _, k := range keys {
		c, ok := a.concepts[k]
		if !ok {
			res.NotFound = append(res.NotFound, k)
			continue
		}
		periods := a.periods(facts, c)
		if len(periods) == 0 {
			res.NotFound = append(res.NotFound, k)
			continue
		}
		path := fmt.Sprintf("%s:%s/%s", c.Namespace, c.Concept, c.UnitCode)
		loc := model.NewLocator(model.LocatorAPI, path, facts.Facts[c.Namespace][c.Concept].Label, fr.URL)
		unit := c.Unit
		if unit == "" {
			unit = model.UnitCurrency
		}
		currency := ""
		if unit == model.UnitCurrency {
			currency = strings.ToUpper(c.UnitCode)
		}
		if c.Historical {
			h := model.HistoricalExtraction{
				Key: k, Periods: periods, Unit: unit, Currency: currency,
				Scale: model.ScaleUnits, Locator: loc, ProviderID: a.id,
			}
			h.Trim(c.Limit)
			res.AddHistorical(h)
			continue
		}
		end := periods[0].End
		res.AddExtraction(model.Extraction{
			Key: k, Value: periods[0].Value, Unit: unit, Currency: currency,
			Scale: model.ScaleUnits, AsOf: &end, Locator: loc, ProviderID: a.id,
		})
	}
	return res, nil
}

// Day ranges for 52/53-week years and 13/14-week quarters.
const (
	quarterMinDays = 80
	quarterMaxDays = 100
	yearMinDays    = 350
	yearMaxDays    = 380
)

// spans reports whether a duration fact covers a year (annual) or a quarter.
func (fv factValue) spans(annual bool) bool {
	if fv.Start == "" {
		return true
	}
	start, ok := value.ParseDate(fv.Start)
	if !ok {
		return false
	}
	end, ok := value.ParseDate(fv.End)
	if !ok {
		return false
	}
	days := end.Sub(start).Hours() / 24
	if annual {
		return days >= yearMinDays && days <= yearMaxDays
	}
	return days >= quarterMinDays && days <= quarterMaxDays
}

func (a *XBRLAdapter) periods(facts companyFacts, c XBRLConcept) []model.PeriodValue {
	fu, ok := facts.Facts[c.Namespace][c.Concept]
	if !ok {
		return nil
	}
	type best struct {
		filed string
		val   float64
	}
	byEnd := make(map[string]best)
	for _, fv := range fu.Units[c.UnitCode] {
		if len(c.Forms) > 0 && !slices.Contains(c.Forms, fv.Form) {
			continue
		}
		if c.Annual && fv.FP != "FY" {
			continue
		}
		if !fv.spans(c.Annual) {
			continue
		}
		if cur, ok := byEnd[fv.End]; !ok || fv.Filed > cur.filed {
			byEnd[fv.End] = best{filed: fv.Filed, val: fv.Val}
		}
	}
	periods := make([]model.PeriodValue, 0, len(byEnd))
	for end, b := range byEnd {
		t, ok := value.ParseDate(end)
		if !ok {
			continue
		}
		periods = append(periods, model.PeriodValue{End: t, Value: b.val})
	}
	model.SortPeriods(periods)
	return periods
}
