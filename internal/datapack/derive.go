package datapack

import (
	"math"
	"strings"

	"github.com/sells-group/datapack-cli/internal/model"
)

// DerivedProvider is the ProviderID stamped on computed metrics.
const DerivedProvider = "derived"

// FCFYield computes (free cash flow TTM / market cap) * 100 from
// scale-normalized inputs. It reports false when either input is not
// numeric, the currencies differ, or market cap is zero.
func FCFYield(fcf, marketCap model.Extraction) (model.Extraction, bool) {
	f, ok := fcf.Normalized()
	if !ok {
		return model.Extraction{}, false
	}
	m, ok := marketCap.Normalized()
	if !ok || m == 0 {
		return model.Extraction{}, false
	}
	if !strings.EqualFold(fcf.Currency, marketCap.Currency) {
		return model.Extraction{}, false
	}
	y := f / m * 100
	if math.IsNaN(y) || math.IsInf(y, 0) {
		return model.Extraction{}, false
	}
	out := model.Extraction{
		Key:        model.KeyFCFYield,
		Value:      y,
		Unit:       model.UnitPercent,
		Scale:      model.ScaleUnits,
		Locator:    model.NewLocator(model.LocatorAPI, "free_cash_flow_ttm / market_cap * 100", "", ""),
		ProviderID: DerivedProvider,
	}
	// The yield is only as fresh as its older input.
	switch {
	case fcf.AsOf != nil && marketCap.AsOf != nil:
		out.AsOf = fcf.AsOf
		if marketCap.AsOf.Before(*fcf.AsOf) {
			out.AsOf = marketCap.AsOf
		}
	case fcf.AsOf != nil:
		out.AsOf = fcf.AsOf
	default:
		out.AsOf = marketCap.AsOf
	}
	return out, true
}

// derive computes the derived metrics available from a valuation map.
func derive(valuation map[model.Key]model.Datapoint) map[model.Key]model.Extraction {
	fcf, ok1 := valuation[model.KeyFreeCashFlowTTM]
	mcap, ok2 := valuation[model.KeyMarketCap]
	if !ok1 || !ok2 || fcf.Extraction == nil || mcap.Extraction == nil {
		return nil
	}
	y, ok := FCFYield(*fcf.Extraction, *mcap.Extraction)
	if !ok {
		return nil
	}
	return map[model.Key]model.Extraction{model.KeyFCFYield: y}
}
