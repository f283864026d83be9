package datapack

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/datapack-cli/internal/model"
)

func money(k model.Key, v any, currency string, scale model.Scale) model.Extraction {
	return model.Extraction{Key: k, Value: v, Unit: model.UnitCurrency, Currency: currency, Scale: scale}
}

func TestFCFYield(t *testing.T) {
	tests := []struct {
		name   string
		fcf    model.Extraction
		mcap   model.Extraction
		want   float64
		wantOK bool
	}{
		{"same scale", money(model.KeyFreeCashFlowTTM, 50.0, "USD", ""), money(model.KeyMarketCap, 1000.0, "USD", ""), 5, true},
		{"scale normalized", money(model.KeyFreeCashFlowTTM, 50.0, "USD", model.ScaleMillions), money(model.KeyMarketCap, 1.0, "USD", model.ScaleBillions), 5, true},
		{"negative fcf", money(model.KeyFreeCashFlowTTM, -20.0, "EUR", ""), money(model.KeyMarketCap, 400.0, "eur", ""), -5, true},
		{"currency mismatch", money(model.KeyFreeCashFlowTTM, 50.0, "USD", ""), money(model.KeyMarketCap, 1000.0, "EUR", ""), 0, false},
		{"zero market cap", money(model.KeyFreeCashFlowTTM, 50.0, "USD", ""), money(model.KeyMarketCap, 0.0, "USD", ""), 0, false},
		{"non-numeric fcf", money(model.KeyFreeCashFlowTTM, "n/a", "USD", ""), money(model.KeyMarketCap, 1000.0, "USD", ""), 0, false},
		{"non-numeric market cap", money(model.KeyFreeCashFlowTTM, 50.0, "USD", ""), money(model.KeyMarketCap, "big", "USD", ""), 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := FCFYield(tt.fcf, tt.mcap)
			require.Equal(t, tt.wantOK, ok)
			if !ok {
				return
			}
			assert.Equal(t, model.KeyFCFYield, got.Key)
			assert.Equal(t, model.UnitPercent, got.Unit)
			assert.Equal(t, DerivedProvider, got.ProviderID)
			assert.InDelta(t, tt.want, got.Value, 1e-9)
		})
	}
}

func TestFCFYield_AsOfIsOlderInput(t *testing.T) {
	older := time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC)
	newer := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	fcf := money(model.KeyFreeCashFlowTTM, 10.0, "USD", "")
	fcf.AsOf = &older
	mcap := money(model.KeyMarketCap, 100.0, "USD", "")
	mcap.AsOf = &newer

	got, ok := FCFYield(fcf, mcap)
	require.True(t, ok)
	require.NotNil(t, got.AsOf)
	assert.Equal(t, older, *got.AsOf)

	mcap.AsOf = nil
	got, ok = FCFYield(fcf, mcap)
	require.True(t, ok)
	assert.Equal(t, older, *got.AsOf)
}

func TestDerive_RequiresBothInputs(t *testing.T) {
	mcap := money(model.KeyMarketCap, 100.0, "USD", "")
	assert.Nil(t, derive(map[model.Key]model.Datapoint{
		model.KeyMarketCap: {Key: model.KeyMarketCap, Found: true, Extraction: &mcap},
	}))
	assert.Nil(t, derive(map[model.Key]model.Datapoint{
		model.KeyMarketCap:       {Key: model.KeyMarketCap, Found: true, Extraction: &mcap},
		model.KeyFreeCashFlowTTM: {Key: model.KeyFreeCashFlowTTM},
	}))

	fcf := money(model.KeyFreeCashFlowTTM, 3.0, "USD", "")
	got := derive(map[model.Key]model.Datapoint{
		model.KeyMarketCap:       {Key: model.KeyMarketCap, Found: true, Extraction: &mcap},
		model.KeyFreeCashFlowTTM: {Key: model.KeyFreeCashFlowTTM, Found: true, Extraction: &fcf},
	})
	require.Contains(t, got, model.KeyFCFYield)
	assert.InDelta(t, 3.0, got[model.KeyFCFYield].Value, 1e-9)
}
