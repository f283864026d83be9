package adapter

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/datapack-cli/internal/model"
)

const definitionsYAML = `
adapters:
  - id: quote_html
    type: html
    fields:
      - key: valuation.market_cap
        path: "#mcap"
        unit: currency
  - id: quote_json
    type: json
    fields:
      - key: valuation.market_cap
        path: price.marketCap.raw
        unit: currency
        currency: USD
      - key: valuation.share_price
        path: price.last
        unit: currency
    series:
      - key: corporate.stock_splits
        path: splits
        date_path: date
        value_path: ratio
        split_ratio: true
  - id: fred_dgs10
    type: fred
    fred:
      - key: macro.treasury_10y
        series_id: DGS10
        unit: percent
  - id: facts
    type: xbrl
    xbrl:
      - key: financials.revenue
        namespace: us-gaap
        concept: Revenues
        unit_code: USD
        historical: true
  - id: statements
    type: spreadsheet
    cells:
      - key: financials.revenue_latest
        row_label: Revenue
        unit: currency
  - id: treasury_xml
    type: xml
    fields:
      - key: macro.treasury_10y
        path: feed/entry/content/properties/BC_10YEAR
        unit: percent
  - id: quote
    type: chain
    members: [quote_json, quote_html]
`

func TestBuild_FromYAML(t *testing.T) {
	defs, err := ParseDefinitions([]byte(definitionsYAML))
	require.NoError(t, err)
	require.Len(t, defs, 7)

	reg, err := Build(defs, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"facts", "fred_dgs10", "quote", "quote_html", "quote_json", "statements", "treasury_xml"}, reg.List())

	chain, err := reg.Lookup("quote")
	require.NoError(t, err)
	assert.Equal(t, []model.Key{model.KeyMarketCap, model.KeySharePrice, model.KeyStockSplits}, chain.SupportedKeys())

	body := `{"price": {"last": 190.5}}`
	page := &model.FetchResult{ContentType: "application/json", Body: []byte(body)}
	res, err := Run(context.Background(), chain, page, []model.Key{model.KeyMarketCap, model.KeySharePrice}, "AAPL")
	require.NoError(t, err)
	assert.Equal(t, 190.5, res.Extractions[model.KeySharePrice].Value)
	assert.Equal(t, []model.Key{model.KeyMarketCap}, res.NotFound)
	// A member reporting a content mismatch is not an error.
	assert.Empty(t, res.ParseError)
}

func TestBuild_Errors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"missing id", "adapters:\n  - type: html\n", "missing id"},
		{"duplicate id", "adapters:\n  - {id: a, type: html}\n  - {id: a, type: json}\n", `duplicate id "a"`},
		{"unknown type", "adapters:\n  - {id: a, type: pdf}\n", `unknown type "pdf"`},
		{"empty chain", "adapters:\n  - {id: c, type: chain}\n", "no members"},
		{"forward reference", "adapters:\n  - {id: c, type: chain, members: [a]}\n  - {id: a, type: html}\n", "unknown adapter"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defs, err := ParseDefinitions([]byte(tt.yaml))
			require.NoError(t, err)
			_, err = Build(defs, nil)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadDefinitions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "adapters.yaml")
	require.NoError(t, os.WriteFile(path, []byte(definitionsYAML), 0o644))

	defs, err := LoadDefinitions(path)
	require.NoError(t, err)
	assert.Equal(t, "quote_html", defs[0].ID)

	_, err = LoadDefinitions(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	_, err = ParseDefinitions([]byte("adapters: [unclosed"))
	require.Error(t, err)
}
