// Package industry holds the read-only industry configuration: which
// companies to collect, which metric keys matter, and where to look.
package industry

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/datapack-cli/internal/model"
)

// Config describes one industry.
type Config struct {
	ID        string          `yaml:"id"`
	Name      string          `yaml:"name"`
	Companies []model.Company `yaml:"companies"`
	Valuation MetricSet       `yaml:"valuation"`
	// Financials are annual series keys, collected HistoryYears deep.
	Financials []model.Key `yaml:"financials"`
	// Quarterly are quarter series keys, collected Quarters deep.
	Quarterly    []model.Key `yaml:"quarterly"`
	HistoryYears int         `yaml:"history_years"`
	Quarters     int         `yaml:"quarters"`
	// MaxAgeDays rejects values with an as-of older than this. Zero
	// disables the freshness check.
	MaxAgeDays   int                     `yaml:"max_age_days"`
	Macro        MacroConfig             `yaml:"macro"`
	Sources      []model.SourceCandidate `yaml:"sources"`
	MacroSources []model.SourceCandidate `yaml:"macro_sources"`
}

// MetricSet splits metric keys by severity.
type MetricSet struct {
	Required []model.Key `yaml:"required"`
	Optional []model.Key `yaml:"optional"`
}

// All returns required keys followed by optional keys.
func (m MetricSet) All() []model.Key {
	out := make([]model.Key, 0, len(m.Required)+len(m.Optional))
	out = append(out, m.Required...)
	return append(out, m.Optional...)
}

// Severity returns the severity of k, or "" if k is not in the set.
func (m MetricSet) Severity(k model.Key) model.Severity {
	for _, r := range m.Required {
		if r == k {
			return model.SeverityRequired
		}
	}
	for _, o := range m.Optional {
		if o == k {
			return model.SeverityOptional
		}
	}
	return ""
}

// MacroConfig names the industry-wide indicators. The three named
// indicators are always required when set.
type MacroConfig struct {
	CommodityBenchmark model.Key   `yaml:"commodity_benchmark"`
	MarginProxy        model.Key   `yaml:"margin_proxy"`
	SectorIndex        model.Key   `yaml:"sector_index"`
	Required           []model.Key `yaml:"required"`
	Optional           []model.Key `yaml:"optional"`
}

// Metrics returns the macro keys split by severity, named indicators first.
func (m MacroConfig) Metrics() MetricSet {
	var set MetricSet
	seen := make(map[model.Key]bool)
	add := func(dst *[]model.Key, k model.Key) {
		if k == "" || seen[k] {
			return
		}
		seen[k] = true
		*dst = append(*dst, k)
	}
	for _, k := range []model.Key{m.CommodityBenchmark, m.MarginProxy, m.SectorIndex} {
		add(&set.Required, k)
	}
	for _, k := range m.Required {
		add(&set.Required, k)
	}
	for _, k := range m.Optional {
		add(&set.Optional, k)
	}
	return set
}

// AsOfMin returns the freshness floor relative to now, or nil when
// MaxAgeDays is unset.
func (c *Config) AsOfMin(now time.Time) *time.Time {
	if c.MaxAgeDays <= 0 {
		return nil
	}
	t := now.AddDate(0, 0, -c.MaxAgeDays)
	return &t
}

// CompanySources returns the company source list with {ticker} and {cik}
// placeholders filled.
func (c *Config) CompanySources(co model.Company) []model.SourceCandidate {
	r := strings.NewReplacer("{ticker}", co.Ticker, "{cik}", co.CIK)
	out := make([]model.SourceCandidate, len(c.Sources))
	for i, s := range c.Sources {
		s.URL = r.Replace(s.URL)
		out[i] = s
	}
	return out
}

// Validate checks the fields the collectors rely on.
func (c *Config) Validate() error {
	if c.ID == "" {
		return eris.New("industry: id is required")
	}
	seen := make(map[string]bool, len(c.Companies))
	for _, co := range c.Companies {
		if co.Ticker == "" {
			return eris.Errorf("industry %s: company %q has no ticker", c.ID, co.Name)
		}
		if seen[co.Ticker] {
			return eris.Errorf("industry %s: duplicate ticker %s", c.ID, co.Ticker)
		}
		seen[co.Ticker] = true
	}
	for _, s := range append(append([]model.SourceCandidate(nil), c.Sources...), c.MacroSources...) {
		if s.URL == "" || s.AdapterID == "" {
			return eris.Errorf("industry %s: source needs url and adapter", c.ID)
		}
	}
	return nil
}

// Load reads and validates an industry YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "industry: read %s", path)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, eris.Wrapf(err, "industry: parse %s", path)
	}
	if cfg.ID == "" {
		cfg.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	expandSources(cfg.Sources)
	expandSources(cfg.MacroSources)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// expandSources substitutes ${VAR} environment references in source URLs
// and headers. {ticker} and {cik} placeholders are left for CompanySources.
func expandSources(srcs []model.SourceCandidate) {
	for i := range srcs {
		srcs[i].URL = os.ExpandEnv(srcs[i].URL)
		for k, v := range srcs[i].Headers {
			srcs[i].Headers[k] = os.ExpandEnv(v)
		}
	}
}

// LoadDir loads every .yaml and .yml file in dir, sorted by id.
func LoadDir(dir string) ([]*Config, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, eris.Wrapf(err, "industry: read dir %s", dir)
	}
	var out []*Config
	for _, e := range entries {
		ext := filepath.Ext(e.Name())
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		cfg, err := Load(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Find loads the industry with the given id from dir.
func Find(dir, id string) (*Config, error) {
	configs, err := LoadDir(dir)
	if err != nil {
		return nil, err
	}
	for _, c := range configs {
		if c.ID == id {
			return c, nil
		}
	}
	return nil, eris.Errorf("industry: %s not found in %s", id, dir)
}
