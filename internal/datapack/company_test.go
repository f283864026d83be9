package datapack

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/datapack-cli/internal/industry"
	"github.com/sells-group/datapack-cli/internal/model"
)

func newCompanyCollector(f *mockFetcher) *CompanyCollector {
	clock := &fakeClock{now: t0}
	return NewCompanyCollector(newDeps(f)).WithClock(clock.Now)
}

func TestCompanyCollector_Complete(t *testing.T) {
	f := newMockFetcher(healthyPages("NVDA"))
	ind := testIndustry("NVDA")

	c, err := newCompanyCollector(f).Collect(context.Background(), CompanyRequest{Industry: ind, Company: ind.Companies[0]})
	require.NoError(t, err)

	assert.Equal(t, model.StatusComplete, c.Status)
	assert.Empty(t, c.MissingRequired)
	assert.Empty(t, c.MissingOptional)
	assert.Empty(t, c.SkippedPhases)
	require.Len(t, c.Valuation, 3)
	assert.Equal(t, model.SeverityRequired, c.Valuation[keyPE].Severity)
	assert.Equal(t, model.SeverityOptional, c.Valuation[model.KeyFreeCashFlowTTM].Severity)

	require.Contains(t, c.Derived, model.KeyFCFYield)
	assert.InDelta(t, 5.0, c.Derived[model.KeyFCFYield].Value, 1e-9)

	require.Contains(t, c.Financials, keyRevenue)
	assert.Len(t, c.Financials[keyRevenue].Periods, 2, "trimmed to history years")
	assert.Equal(t, 300.0, c.Financials[keyRevenue].Periods[0].Value)
	assert.Len(t, c.Quarters[keyQRev].Periods, 4, "trimmed to quarters")

	require.Len(t, c.Phases, 3)
	assert.Equal(t, model.PhaseValuation, c.Phases[0].Name)
	assert.Equal(t, model.PhaseFinancials, c.Phases[1].Name)
	assert.Equal(t, model.PhaseQuarters, c.Phases[2].Name)
	for _, ph := range c.Phases {
		assert.Equal(t, model.StatusComplete, ph.Status)
	}

	// One attempt per valuation metric plus one per series phase.
	assert.Len(t, c.Attempts, 5)
	assert.Equal(t, t0, c.CollectedAt)
}

func TestCompanyCollector_MissingMarketCapFails(t *testing.T) {
	f := newMockFetcher(map[string]string{
		"https://quotes.example.com/AMD": "valuation.pe_ratio=30",
	})
	ind := testIndustry("AMD")

	c, err := newCompanyCollector(f).Collect(context.Background(), CompanyRequest{Industry: ind, Company: ind.Companies[0]})
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, c.Status)
	assert.Contains(t, c.MissingRequired, model.KeyMarketCap)
	assert.Empty(t, c.Derived)
	assert.False(t, c.Valuation[model.KeyMarketCap].Found)
	assert.NotEmpty(t, c.Valuation[model.KeyMarketCap].AttemptedSources)
}

func TestCompanyCollector_MissingRequiredIsPartial(t *testing.T) {
	f := newMockFetcher(map[string]string{
		"https://quotes.example.com/INTC": "valuation.market_cap=100\nvaluation.free_cash_flow_ttm=5",
		"https://fin.example.com/INTC":    "financials.revenue=50,40",
	})
	ind := testIndustry("INTC")

	c, err := newCompanyCollector(f).Collect(context.Background(), CompanyRequest{Industry: ind, Company: ind.Companies[0]})
	require.NoError(t, err)
	assert.Equal(t, model.StatusPartial, c.Status)
	assert.Equal(t, []model.Key{keyPE}, c.MissingRequired)
	assert.Equal(t, []model.Key{keyQRev}, c.MissingOptional)
	assert.Equal(t, model.StatusPartial, c.Phases[0].Status)
	assert.Equal(t, model.StatusFailed, c.Phases[2].Status)
}

func TestCompanyCollector_MissingOptionalStaysComplete(t *testing.T) {
	f := newMockFetcher(map[string]string{
		"https://quotes.example.com/TXN": "valuation.market_cap=100\nvaluation.pe_ratio=25",
	})
	ind := testIndustry("TXN")
	ind.Financials, ind.Quarterly = nil, nil

	c, err := newCompanyCollector(f).Collect(context.Background(), CompanyRequest{Industry: ind, Company: ind.Companies[0]})
	require.NoError(t, err)
	assert.Equal(t, model.StatusComplete, c.Status)
	assert.Equal(t, []model.Key{model.KeyFreeCashFlowTTM}, c.MissingOptional)
	assert.Empty(t, c.Derived, "fcf yield needs both inputs")
	assert.Len(t, c.Phases, 1)
}

func TestCompanyCollector_DeadlineSkipsLaterPhases(t *testing.T) {
	f := newMockFetcher(healthyPages("NVDA"))
	ind := testIndustry("NVDA")

	c, err := newCompanyCollector(f).Collect(context.Background(), CompanyRequest{
		Industry: ind,
		Company:  ind.Companies[0],
		Deadline: t0.Add(-time.Second),
	})
	require.NoError(t, err)

	assert.Equal(t, model.StatusComplete, c.Status, "valuation still ran")
	assert.Equal(t, []string{model.PhaseFinancials, model.PhaseQuarters}, c.SkippedPhases)
	assert.Empty(t, c.Financials)
	assert.Empty(t, c.Quarters)
	assert.ElementsMatch(t, []model.Key{keyRevenue, keyQRev}, c.MissingOptional)
	require.Len(t, c.Phases, 1)
	assert.Zero(t, f.calls["https://fin.example.com/NVDA"])
}

func TestCompanyCollector_KeyWithoutSourcesIsMissing(t *testing.T) {
	f := newMockFetcher(healthyPages("NVDA"))
	ind := testIndustry("NVDA")
	ind.Valuation.Optional = append(ind.Valuation.Optional, "valuation.dividend_yield")

	c, err := newCompanyCollector(f).Collect(context.Background(), CompanyRequest{Industry: ind, Company: ind.Companies[0]})
	require.NoError(t, err)
	dp := c.Valuation["valuation.dividend_yield"]
	assert.False(t, dp.Found)
	assert.Empty(t, dp.AttemptedSources)
	assert.Contains(t, c.MissingOptional, model.Key("valuation.dividend_yield"))
	assert.Equal(t, model.StatusComplete, c.Status)
}

func TestCompanyCollector_AlwaysCollectsMarketCap(t *testing.T) {
	f := newMockFetcher(healthyPages("NVDA"))
	ind := testIndustry("NVDA")
	ind.Valuation = industry.MetricSet{Required: []model.Key{keyPE}, Optional: []model.Key{model.KeyMarketCap}}

	c, err := newCompanyCollector(f).Collect(context.Background(), CompanyRequest{Industry: ind, Company: ind.Companies[0]})
	require.NoError(t, err)
	assert.Equal(t, model.SeverityRequired, c.Valuation[model.KeyMarketCap].Severity)
	assert.True(t, c.Valuation[model.KeyMarketCap].Found)
	assert.Equal(t, model.StatusComplete, c.Status)
}

func TestCompanyCollector_UnknownAdapterIsFault(t *testing.T) {
	f := newMockFetcher(healthyPages("NVDA"))
	ind := testIndustry("NVDA")
	ind.Sources = append([]model.SourceCandidate{{URL: "https://x.example.com/{ticker}", AdapterID: "ghost"}}, ind.Sources...)

	_, err := newCompanyCollector(f).Collect(context.Background(), CompanyRequest{Industry: ind, Company: ind.Companies[0]})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ghost")
}

func TestCompanyCollector_RequiresIndustry(t *testing.T) {
	_, err := newCompanyCollector(newMockFetcher(nil)).Collect(context.Background(), CompanyRequest{})
	require.Error(t, err)
}

func TestValuationMetrics_KeepsRequiredMarketCap(t *testing.T) {
	set := industry.MetricSet{Required: []model.Key{keyPE, model.KeyMarketCap}}
	assert.Equal(t, set, valuationMetrics(set))

	got := valuationMetrics(industry.MetricSet{Optional: []model.Key{model.KeyMarketCap, keyEVEbit}})
	assert.Equal(t, []model.Key{model.KeyMarketCap}, got.Required)
	assert.Equal(t, []model.Key{keyEVEbit}, got.Optional)
}
