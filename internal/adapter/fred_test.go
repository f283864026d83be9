package adapter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/datapack-cli/internal/model"
)

const fedFundsObservations = `{
  "realtime_start": "2024-04-01",
  "observations": [
    {"date": "2024-01-01", "value": "5.33"},
    {"date": "2024-02-01", "value": "."},
    {"date": "2024-03-01", "value": "5.31"},
    {"date": "garbage", "value": "1.0"}
  ]
}`

func newFedFundsAdapter() *FREDAdapter {
	return NewFREDAdapter("fred_fedfunds",
		FREDSeries{Key: "macro.fed_funds_rate", SeriesID: "FEDFUNDS", Unit: model.UnitPercent},
		FREDSeries{Key: "macro.fed_funds_history", SeriesID: "FEDFUNDS", Historical: true, Limit: 12},
	)
}

func TestFREDAdapter_Latest(t *testing.T) {
	fr := jsonDoc(fedFundsObservations)
	res, err := Run(context.Background(), newFedFundsAdapter(), fr, []model.Key{"macro.fed_funds_rate"}, "")
	require.NoError(t, err)

	e := res.Extractions["macro.fed_funds_rate"]
	assert.Equal(t, 5.31, e.Value)
	assert.Equal(t, model.UnitPercent, e.Unit)
	require.NotNil(t, e.AsOf)
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), *e.AsOf)
	assert.Equal(t, "fred:FEDFUNDS", e.Locator.Path)
	assert.Equal(t, model.LocatorAPI, e.Locator.Kind)
}

func TestFREDAdapter_Historical(t *testing.T) {
	res, err := Run(context.Background(), newFedFundsAdapter(), jsonDoc(fedFundsObservations), []model.Key{"macro.fed_funds_history"}, "")
	require.NoError(t, err)

	h := res.Historical["macro.fed_funds_history"]
	require.Len(t, h.Periods, 2)
	assert.Equal(t, 5.31, h.Periods[0].Value)
	assert.Equal(t, 5.33, h.Periods[1].Value)
	assert.Equal(t, model.UnitNumber, h.Unit)
}

func TestFREDAdapter_NoObservations(t *testing.T) {
	res, err := Run(context.Background(), newFedFundsAdapter(), jsonDoc(`{"observations":[{"date":"2024-01-01","value":"."}]}`), []model.Key{"macro.fed_funds_rate"}, "")
	require.NoError(t, err)
	assert.Equal(t, []model.Key{"macro.fed_funds_rate"}, res.NotFound)
	assert.Empty(t, res.ParseError)
}

func TestFREDAdapter_Mismatch(t *testing.T) {
	fr := &model.FetchResult{ContentType: "text/html", Body: []byte("<html>maintenance</html>")}
	res, err := Run(context.Background(), newFedFundsAdapter(), fr, []model.Key{"macro.fed_funds_rate"}, "")
	require.NoError(t, err)
	assert.Equal(t, "fred_fedfunds: expected JSON content, got text/html", res.ParseError)

	res, err = Run(context.Background(), newFedFundsAdapter(), jsonDoc("{"), []model.Key{"macro.fed_funds_rate"}, "")
	require.NoError(t, err)
	assert.Contains(t, res.ParseError, "fred_fedfunds: decode observations")
}
