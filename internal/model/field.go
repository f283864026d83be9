// Package model defines the datapoint, attempt, and collection result types
// shared by the adapters, collectors, and persistence layers.
package model

import (
	"sort"
	"strings"
	"time"
	"unicode/utf8"
)

// Key identifies a datapoint, e.g. "valuation.market_cap".
type Key string

// String implements fmt.Stringer.
func (k Key) String() string { return string(k) }

// Namespace returns the segment before the first dot, or "" if none.
func (k Key) Namespace() string {
	if i := strings.IndexByte(string(k), '.'); i >= 0 {
		return string(k[:i])
	}
	return ""
}

// Keys converts strings to keys.
func Keys(ss ...string) []Key {
	out := make([]Key, len(ss))
	for i, s := range ss {
		out[i] = Key(s)
	}
	return out
}

// Well-known keys referenced by company status and derived metrics.
const (
	KeyMarketCap       Key = "valuation.market_cap"
	KeyFreeCashFlowTTM Key = "valuation.free_cash_flow_ttm"
	KeyFCFYield        Key = "valuation.fcf_yield"
	KeyStockSplits     Key = "corporate.stock_splits"
	KeyEnterpriseValue Key = "valuation.enterprise_value"
	KeySharePrice      Key = "valuation.share_price"
)

// Unit describes how a raw value is interpreted.
type Unit string

const (
	UnitCurrency Unit = "currency"
	UnitRatio    Unit = "ratio"
	UnitPercent  Unit = "percent"
	UnitNumber   Unit = "number"
	UnitString   Unit = "string"
	UnitDate     Unit = "date"
)

// Numeric reports whether values of this unit are parsed to float64.
func (u Unit) Numeric() bool {
	switch u {
	case UnitCurrency, UnitRatio, UnitPercent, UnitNumber:
		return true
	}
	return false
}

// Scale is the magnitude suffix attached to a value.
type Scale string

const (
	ScaleUnits     Scale = "units"
	ScaleThousands Scale = "thousands"
	ScaleMillions  Scale = "millions"
	ScaleBillions  Scale = "billions"
	ScaleTrillions Scale = "trillions"
)

// Multiplier returns the factor that converts a scaled value to units.
func (s Scale) Multiplier() float64 {
	switch s {
	case ScaleThousands:
		return 1e3
	case ScaleMillions:
		return 1e6
	case ScaleBillions:
		return 1e9
	case ScaleTrillions:
		return 1e12
	default:
		return 1
	}
}

// LocatorKind names the addressing scheme of a SourceLocator.
type LocatorKind string

const (
	LocatorXPath    LocatorKind = "xpath"
	LocatorCSS      LocatorKind = "css"
	LocatorJSONPath LocatorKind = "json_path"
	LocatorXMLPath  LocatorKind = "xml_path"
	LocatorCell     LocatorKind = "cell"
	LocatorAPI      LocatorKind = "api"
)

// MaxSnippetRunes bounds the raw text captured in a locator.
const MaxSnippetRunes = 200

// SourceLocator records where in a document a value was found.
type SourceLocator struct {
	Kind    LocatorKind `json:"kind"`
	Path    string      `json:"path"`
	Snippet string      `json:"snippet,omitempty"`
	URL     string      `json:"url"`
}

// NewLocator builds a locator with the snippet truncated to MaxSnippetRunes.
func NewLocator(kind LocatorKind, path, snippet, url string) SourceLocator {
	snippet = strings.TrimSpace(snippet)
	if utf8.RuneCountInString(snippet) > MaxSnippetRunes {
		r := []rune(snippet)
		snippet = string(r[:MaxSnippetRunes])
	}
	return SourceLocator{Kind: kind, Path: path, Snippet: snippet, URL: url}
}

// Extraction is a single resolved datapoint value with provenance.
type Extraction struct {
	Key        Key           `json:"key"`
	Value      any           `json:"value"`
	RawText    string        `json:"raw_text,omitempty"`
	Unit       Unit          `json:"unit"`
	Currency   string        `json:"currency,omitempty"`
	Scale      Scale         `json:"scale,omitempty"`
	AsOf       *time.Time    `json:"as_of,omitempty"`
	Locator    SourceLocator `json:"locator"`
	ProviderID string        `json:"provider_id"`
	// CacheSource names the cache that served the underlying document, and
	// CacheAgeDays how old that document was. Both are empty for live fetches.
	CacheSource  string `json:"cache_source,omitempty"`
	CacheAgeDays *int   `json:"cache_age_days,omitempty"`
}

// MarkCached records cache provenance for a document fetched at fetchedAt.
func (e *Extraction) MarkCached(source string, fetchedAt, now time.Time) {
	days := 0
	if !fetchedAt.IsZero() && now.After(fetchedAt) {
		days = int(now.Sub(fetchedAt) / (24 * time.Hour))
	}
	e.CacheSource = source
	e.CacheAgeDays = &days
}

// Float returns the value as float64 when it is numeric.
func (e Extraction) Float() (float64, bool) {
	switch v := e.Value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

// Normalized returns the numeric value multiplied out of its scale.
func (e Extraction) Normalized() (float64, bool) {
	f, ok := e.Float()
	if !ok {
		return 0, false
	}
	return f * e.Scale.Multiplier(), true
}

// PeriodValue is one observation of a time series.
type PeriodValue struct {
	End   time.Time `json:"end"`
	Value float64   `json:"value"`
}

// HistoricalExtraction is an ordered series of period values, newest first.
type HistoricalExtraction struct {
	Key        Key           `json:"key"`
	Periods    []PeriodValue `json:"periods"`
	Unit       Unit          `json:"unit"`
	Currency   string        `json:"currency,omitempty"`
	Scale      Scale         `json:"scale,omitempty"`
	Locator    SourceLocator `json:"locator"`
	ProviderID string        `json:"provider_id"`
}

// SortPeriods orders periods newest first. Periods with equal end dates keep
// their relative order.
func SortPeriods(p []PeriodValue) {
	sort.SliceStable(p, func(i, j int) bool { return p[i].End.After(p[j].End) })
}

// Trim keeps at most n periods. n <= 0 leaves the series untouched.
func (h *HistoricalExtraction) Trim(n int) {
	if n > 0 && len(h.Periods) > n {
		h.Periods = h.Periods[:n]
	}
}

// Latest returns the newest period, if any.
func (h HistoricalExtraction) Latest() (PeriodValue, bool) {
	if len(h.Periods) == 0 {
		return PeriodValue{}, false
	}
	return h.Periods[0], true
}
