package adapter

import (
	"time"

	"github.com/sells-group/datapack-cli/internal/model"
	"github.com/sells-group/datapack-cli/internal/value"
)

// Field maps one key to a location in a document.
type Field struct {
	Key  model.Key  `yaml:"key"`
	Path string     `yaml:"path"`
	Unit model.Unit `yaml:"unit"`

	// Attr reads an HTML attribute instead of element text.
	Attr string `yaml:"attr,omitempty"`
	// Currency applies when the raw text carries none.
	Currency string `yaml:"currency,omitempty"`
	// Scale applies when the raw text carries no suffix.
	Scale model.Scale `yaml:"scale,omitempty"`
	// PercentDecimal converts fractions below 1 to percentages.
	PercentDecimal bool `yaml:"percent_decimal,omitempty"`
	// AsOfPath locates the observation date, relative to the document root.
	AsOfPath string `yaml:"as_of_path,omitempty"`
}

// Series maps one key to a repeated structure of (date, value) pairs.
type Series struct {
	Key       model.Key   `yaml:"key"`
	Path      string      `yaml:"path"`
	DatePath  string      `yaml:"date_path"`
	ValuePath string      `yaml:"value_path"`
	Unit      model.Unit  `yaml:"unit"`
	Currency  string      `yaml:"currency,omitempty"`
	Scale     model.Scale `yaml:"scale,omitempty"`
	// SplitRatio parses values of the form "a/b".
	SplitRatio bool `yaml:"split_ratio,omitempty"`
	// Limit keeps the newest n periods. Zero keeps all.
	Limit int `yaml:"limit,omitempty"`
}

func (s Series) unit() model.Unit {
	switch {
	case s.SplitRatio:
		return model.UnitRatio
	case s.Unit == "":
		return model.UnitNumber
	}
	return s.Unit
}

// fieldSet indexes fields and series by key.
type fieldSet struct {
	id     string
	fields map[model.Key]Field
	series map[model.Key]Series
	keys   []model.Key
}

func newFieldSet(id string, fields []Field, series []Series) fieldSet {
	fs := fieldSet{
		id:     id,
		fields: make(map[model.Key]Field, len(fields)),
		series: make(map[model.Key]Series, len(series)),
	}
	for _, f := range fields {
		if _, dup := fs.fields[f.Key]; !dup {
			fs.keys = append(fs.keys, f.Key)
		}
		fs.fields[f.Key] = f
	}
	for _, s := range series {
		if _, dup := fs.fields[s.Key]; dup {
			continue
		}
		if _, dup := fs.series[s.Key]; !dup {
			fs.keys = append(fs.keys, s.Key)
		}
		fs.series[s.Key] = s
	}
	return fs
}

// ID implements Adapter.
func (fs fieldSet) ID() string { return fs.id }

// SupportedKeys implements Adapter.
func (fs fieldSet) SupportedKeys() []model.Key {
	out := make([]model.Key, len(fs.keys))
	copy(out, fs.keys)
	return out
}

// scalar converts raw text found for f into an extraction.
func (fs fieldSet) scalar(f Field, raw string, loc model.SourceLocator) (model.Extraction, bool) {
	p, ok := value.Parse(raw, f.Unit)
	if !ok {
		return model.Extraction{}, false
	}
	return fs.extraction(f, p, raw, loc), true
}

func (fs fieldSet) extraction(f Field, p value.Parsed, raw string, loc model.SourceLocator) model.Extraction {
	if f.PercentDecimal && f.Unit == model.UnitPercent {
		p.Float = value.NormalizePercentDecimal(p.Float)
	}
	if p.Currency == "" && f.Unit == model.UnitCurrency {
		p.Currency = f.Currency
	}
	if (p.Scale == "" || p.Scale == model.ScaleUnits) && f.Scale != "" {
		p.Scale = f.Scale
	}
	return model.Extraction{
		Key:        f.Key,
		Value:      p.Any(),
		RawText:    raw,
		Unit:       f.Unit,
		Currency:   p.Currency,
		Scale:      p.Scale,
		Locator:    loc,
		ProviderID: fs.id,
	}
}

// seriesValue parses one raw series value.
func seriesValue(s Series, raw string) (float64, bool) {
	if s.SplitRatio {
		return value.ParseSplitRatio(raw)
	}
	p, ok := value.Parse(raw, s.unit())
	if !ok || !p.Unit.Numeric() {
		return 0, false
	}
	return p.Float, true
}

func (fs fieldSet) historical(s Series, periods []model.PeriodValue, loc model.SourceLocator) model.HistoricalExtraction {
	model.SortPeriods(periods)
	h := model.HistoricalExtraction{
		Key:        s.Key,
		Periods:    periods,
		Unit:       s.unit(),
		Currency:   s.Currency,
		Scale:      s.Scale,
		Locator:    loc,
		ProviderID: fs.id,
	}
	h.Trim(s.Limit)
	if h.Periods == nil {
		h.Periods = []model.PeriodValue{}
	}
	return h
}

func asOf(raw string) *time.Time {
	t, ok := value.ParseDate(raw)
	if !ok {
		return nil
	}
	return &t
}
