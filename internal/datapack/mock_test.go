package datapack

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sells-group/datapack-cli/internal/adapter"
	"github.com/sells-group/datapack-cli/internal/collector"
	"github.com/sells-group/datapack-cli/internal/industry"
	"github.com/sells-group/datapack-cli/internal/model"
)

const (
	keyPE      model.Key = "valuation.pe_ratio"
	keyEVEbit  model.Key = "valuation.ev_ebit"
	keyRevenue model.Key = "financials.revenue"
	keyQRev    model.Key = "quarterly.revenue"
	keyCopper  model.Key = "macro.copper"
	keyMargin  model.Key = "macro.margin_proxy"
	keySector  model.Key = "macro.sox"
	keyRates   model.Key = "macro.fed_funds"
)

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

// fakeClock is a settable clock shared by collectors and fakes.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// mockFetcher serves canned bodies; unknown URLs return 404.
type mockFetcher struct {
	mu      sync.Mutex
	pages   map[string]string
	calls   map[string]int
	onFetch func(url string)
}

func newMockFetcher(pages map[string]string) *mockFetcher {
	return &mockFetcher{pages: pages, calls: make(map[string]int)}
}

func (f *mockFetcher) Fetch(_ context.Context, url string, _ map[string]string) (*model.FetchResult, error) {
	f.mu.Lock()
	f.calls[url]++
	body, ok := f.pages[url]
	hook := f.onFetch
	f.mu.Unlock()
	if hook != nil {
		hook(url)
	}
	if !ok {
		return &model.FetchResult{URL: url, StatusCode: 404, ContentType: "text/plain"}, nil
	}
	return &model.FetchResult{URL: url, StatusCode: 200, ContentType: "text/plain", Body: []byte(body)}, nil
}

func (f *mockFetcher) IsRateLimited(string) bool { return false }

// kvAdapter reads "key=value" lines. Numbers are USD; comma-separated
// numbers become a yearly series ending in 2023; anything else is kept
// as a string.
type kvAdapter struct {
	id   string
	keys []model.Key
}

func (a *kvAdapter) ID() string                 { return a.id }
func (a *kvAdapter) SupportedKeys() []model.Key { return a.keys }

func (a *kvAdapter) Adapt(_ context.Context, fr *model.FetchResult, keys []model.Key, _ string) (*model.AdaptResult, error) {
	if strings.HasPrefix(string(fr.Body), "PANIC") {
		panic("kv adapter exploded")
	}
	lines := make(map[model.Key]string)
	for _, l := range strings.Split(string(fr.Body), "\n") {
		if k, v, ok := strings.Cut(strings.TrimSpace(l), "="); ok {
			lines[model.Key(k)] = v
		}
	}
	res := model.NewAdaptResult()
	for _, k := range keys {
		raw, ok := lines[k]
		if !ok {
			continue
		}
		if strings.Contains(raw, ",") {
			h := model.HistoricalExtraction{Key: k, Unit: model.UnitCurrency, Currency: "USD", ProviderID: a.id}
			for i, s := range strings.Split(raw, ",") {
				v, _ := strconv.ParseFloat(s, 64)
				h.Periods = append(h.Periods, model.PeriodValue{End: time.Date(2023-i, 12, 31, 0, 0, 0, 0, time.UTC), Value: v})
			}
			res.AddHistorical(h)
			continue
		}
		e := model.Extraction{Key: k, Value: raw, Unit: model.UnitString, ProviderID: a.id}
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			e.Value, e.Unit, e.Currency = v, model.UnitCurrency, "USD"
		}
		res.AddExtraction(e)
	}
	return res, nil
}

var (
	quoteAdapter = &kvAdapter{id: "quotes", keys: []model.Key{model.KeyMarketCap, model.KeyFreeCashFlowTTM, keyPE, keyEVEbit}}
	finAdapter   = &kvAdapter{id: "fin", keys: []model.Key{keyRevenue, keyQRev}}
	macroAdapter = &kvAdapter{id: "macro", keys: []model.Key{keyCopper, keyMargin, keySector, keyRates}}
)

func newDeps(f *mockFetcher) collector.Deps {
	return collector.Deps{Fetch: f, Adapters: adapter.NewRegistry(quoteAdapter, finAdapter, macroAdapter)}
}

// testIndustry builds a config with one quote source and one financials
// source per company.
func testIndustry(tickers ...string) *industry.Config {
	cfg := &industry.Config{
		ID:           "semis",
		Name:         "Semiconductors",
		Valuation:    industry.MetricSet{Required: []model.Key{model.KeyMarketCap, keyPE}, Optional: []model.Key{model.KeyFreeCashFlowTTM}},
		Financials:   []model.Key{keyRevenue},
		Quarterly:    []model.Key{keyQRev},
		HistoryYears: 2,
		Quarters:     4,
		Macro:        industry.MacroConfig{CommodityBenchmark: keyCopper, Optional: []model.Key{keyRates}},
		Sources: []model.SourceCandidate{
			{URL: "https://quotes.example.com/{ticker}", AdapterID: "quotes"},
			{URL: "https://fin.example.com/{ticker}", AdapterID: "fin"},
		},
		MacroSources: []model.SourceCandidate{{URL: "https://macro.example.com/", AdapterID: "macro"}},
	}
	for _, t := range tickers {
		cfg.Companies = append(cfg.Companies, model.Company{Ticker: t, Name: t + " Corp"})
	}
	return cfg
}

// healthyPages serves every value for each ticker plus the macro page.
func healthyPages(tickers ...string) map[string]string {
	pages := map[string]string{
		"https://macro.example.com/": "macro.copper=4.1\nmacro.fed_funds=5.33",
	}
	for _, t := range tickers {
		pages["https://quotes.example.com/"+t] = "valuation.market_cap=1000\nvaluation.pe_ratio=20\nvaluation.free_cash_flow_ttm=50"
		pages["https://fin.example.com/"+t] = "financials.revenue=300,200,100\nquarterly.revenue=80,75,70,65,60"
	}
	return pages
}

// memSink records everything written to it.
type memSink struct {
	mu        sync.Mutex
	started   []model.IndustryRun
	finished  []model.IndustryRun
	macro     *model.MacroData
	companies map[string]*model.CompanyData
	saves     map[string]int
	attempts  map[string][]model.SourceAttempt

	saveCompanyErr error
	finishErr      error
	panicOnMacro   bool
	panicOnCompany string
}

func newMemSink() *memSink {
	return &memSink{
		companies: make(map[string]*model.CompanyData),
		saves:     make(map[string]int),
		attempts:  make(map[string][]model.SourceAttempt),
	}
}

func (s *memSink) StartRun(_ context.Context, run *model.IndustryRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = append(s.started, *run)
	return nil
}

func (s *memSink) SaveMacro(_ context.Context, _, _ string, m *model.MacroData) error {
	if s.panicOnMacro {
		panic("macro sink exploded")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.macro = m
	return nil
}

func (s *memSink) SaveCompany(_ context.Context, _, _ string, c *model.CompanyData) error {
	if c.Company.Ticker == s.panicOnCompany {
		panic("company sink exploded")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves[c.Company.Ticker]++
	if s.saveCompanyErr != nil {
		return s.saveCompanyErr
	}
	s.companies[c.Company.Ticker] = c
	return nil
}

func (s *memSink) SaveAttempts(_ context.Context, _, scope string, attempts []model.SourceAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[scope] = attempts
	return nil
}

func (s *memSink) FinishRun(_ context.Context, run *model.IndustryRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished = append(s.finished, *run)
	return s.finishErr
}

func (s *memSink) lastFinished(t *testing.T) model.IndustryRun {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.finished)
	return s.finished[len(s.finished)-1]
}
