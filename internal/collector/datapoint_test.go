package collector

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/datapack-cli/internal/adapter"
	"github.com/sells-group/datapack-cli/internal/model"
)

func TestDatapoint_FirstSuccessWins(t *testing.T) {
	quotes := &lineAdapter{id: "quotes", keys: []model.Key{k1}}
	env := newTestEnv(t, map[string]page{
		"https://a.example.com/q": {status: 500},
		"https://b.example.com/q": {body: "valuation.k1=42"},
		"https://c.example.com/q": {body: "valuation.k1=7"},
	}, quotes)

	res, err := NewDatapoint(env.deps).Collect(context.Background(), DatapointRequest{
		Key: k1,
		Candidates: []model.SourceCandidate{
			cand("https://a.example.com/q", "quotes"),
			cand("https://b.example.com/q", "quotes"),
			cand("https://c.example.com/q", "quotes"),
		},
	})
	require.NoError(t, err)
	require.True(t, res.Found)
	require.NotNil(t, res.Datapoint.Extraction)
	assert.Equal(t, 42.0, res.Datapoint.Extraction.Value)
	assert.Empty(t, res.Datapoint.AttemptedSources)

	require.Len(t, res.Attempts, 2)
	assert.Equal(t, model.OutcomeHTTPError, res.Attempts[0].Outcome)
	assert.Equal(t, 500, res.Attempts[0].StatusCode)
	assert.Equal(t, "HTTP 500", res.Attempts[0].Reason)
	assert.Equal(t, model.OutcomeSuccess, res.Attempts[1].Outcome)
	assert.Equal(t, []model.Key{k1}, res.Attempts[1].KeysFound)
	assert.Zero(t, env.fetch.calls["https://c.example.com/q"])
}

func TestDatapoint_PriorityOrdersCandidates(t *testing.T) {
	env := newTestEnv(t, map[string]page{
		"https://a.example.com/q": {body: "valuation.k1=1"},
		"https://b.example.com/q": {body: "valuation.k1=2"},
	}, &lineAdapter{id: "quotes", keys: []model.Key{k1}})

	low := cand("https://a.example.com/q", "quotes")
	low.Priority = 5
	res, err := NewDatapoint(env.deps).Collect(context.Background(), DatapointRequest{
		Key:        k1,
		Candidates: []model.SourceCandidate{low, cand("https://b.example.com/q", "quotes")},
	})
	require.NoError(t, err)
	assert.Equal(t, 2.0, res.Datapoint.Extraction.Value)
}

func TestDatapoint_StaleValueRejected(t *testing.T) {
	env := newTestEnv(t, map[string]page{
		"https://a.example.com/q": {body: "valuation.k1=3.1@2020-01-01"},
		"https://b.example.com/q": {body: "other=1"},
	}, &lineAdapter{id: "quotes", keys: []model.Key{k1}})

	asOfMin := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	res, err := NewDatapoint(env.deps).Collect(context.Background(), DatapointRequest{
		Key:        k1,
		Candidates: []model.SourceCandidate{cand("https://a.example.com/q", "quotes"), cand("https://b.example.com/q", "quotes")},
		AsOfMin:    &asOfMin,
	})
	require.NoError(t, err)
	assert.False(t, res.Found)
	assert.Nil(t, res.Datapoint.Extraction)

	require.Len(t, res.Attempts, 2)
	assert.Equal(t, model.OutcomeStale, res.Attempts[0].Outcome)
	assert.Empty(t, res.Attempts[0].KeysFound)
	assert.Equal(t, model.OutcomeNotInPage, res.Attempts[1].Outcome)

	require.Len(t, res.Datapoint.AttemptedSources, 2)
	assert.Equal(t, "https://a.example.com/q", res.Datapoint.AttemptedSources[0].URL)
	assert.Equal(t, model.OutcomeStale, res.Datapoint.AttemptedSources[0].Outcome)
}

func TestDatapoint_FreshValueAccepted(t *testing.T) {
	env := newTestEnv(t, map[string]page{
		"https://a.example.com/q": {body: "valuation.k1=3.1@2024-01-01"},
	}, &lineAdapter{id: "quotes", keys: []model.Key{k1}})

	asOfMin := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	res, err := NewDatapoint(env.deps).Collect(context.Background(), DatapointRequest{
		Key: k1, Candidates: []model.SourceCandidate{cand("https://a.example.com/q", "quotes")}, AsOfMin: &asOfMin,
	})
	require.NoError(t, err)
	assert.True(t, res.Found)
}

func TestDatapoint_BlockedSourcesSkipWithoutFetch(t *testing.T) {
	env := newTestEnv(t, map[string]page{
		"https://walled.example.com/q":  {body: "valuation.k1=1"},
		"https://slow.example.com/q":    {body: "valuation.k1=2"},
		"https://cooling.example.com/q": {body: "valuation.k1=3"},
		"https://open.example.com/q":    {body: "valuation.k1=4"},
	},
		&lineAdapter{id: "quotes", keys: []model.Key{k1}},
		&lineAdapter{id: "banned", keys: []model.Key{k1}},
	)
	ctx := context.Background()
	require.NoError(t, env.blocks.Block(ctx, "walled.example.com", nil, 403, "captcha"))
	require.NoError(t, env.blocks.Block(ctx, "banned", nil, 429, "quota"))
	env.fetch.rateLimited["cooling.example.com"] = true

	res, err := NewDatapoint(env.deps).Collect(ctx, DatapointRequest{
		Key: k1,
		Candidates: []model.SourceCandidate{
			cand("https://walled.example.com/q", "quotes"),
			cand("https://slow.example.com/q", "banned"),
			cand("https://cooling.example.com/q", "quotes"),
			cand("https://open.example.com/q", "quotes"),
		},
	})
	require.NoError(t, err)
	require.True(t, res.Found)
	assert.Equal(t, 4.0, res.Datapoint.Extraction.Value)

	require.Len(t, res.Attempts, 4)
	assert.Equal(t, model.OutcomeBlocked, res.Attempts[0].Outcome)
	assert.Equal(t, model.OutcomeRateLimited, res.Attempts[1].Outcome)
	assert.Equal(t, model.OutcomeRateLimited, res.Attempts[2].Outcome)
	assert.Equal(t, 1, env.fetch.total())
}

func TestDatapoint_FetchFaultsClassified(t *testing.T) {
	retry := time.Now().Add(time.Hour)
	env := newTestEnv(t, map[string]page{
		"https://rl.example.com/q":      {err: &model.RateLimitError{Domain: "rl.example.com", RetryAfter: &retry}},
		"https://timeout.example.com/q": {err: &model.NetworkError{URL: "https://timeout.example.com/q", Err: errors.New("dial tcp: i/o timeout")}},
		"https://reset.example.com/q":   {err: &model.NetworkError{URL: "https://reset.example.com/q", Err: errors.New("connection reset by peer")}},
		"https://wall.example.com/q":    {err: &model.BlockedError{Source: "wall.example.com", Reason: "cloudflare", StatusCode: 403}},
	}, &lineAdapter{id: "quotes", keys: []model.Key{k1}})
	ctx := context.Background()

	res, err := NewDatapoint(env.deps).Collect(ctx, DatapointRequest{
		Key: k1,
		Candidates: []model.SourceCandidate{
			cand("https://rl.example.com/q", "quotes"),
			cand("https://timeout.example.com/q", "quotes"),
			cand("https://reset.example.com/q", "quotes"),
			cand("https://wall.example.com/q", "quotes"),
		},
	})
	require.NoError(t, err)
	assert.False(t, res.Found)

	outcomes := make([]model.Outcome, len(res.Attempts))
	for i, a := range res.Attempts {
		outcomes[i] = a.Outcome
	}
	assert.Equal(t, []model.Outcome{
		model.OutcomeRateLimited, model.OutcomeTimeout, model.OutcomeNetworkError, model.OutcomeBlocked,
	}, outcomes)
	assert.Equal(t, 429, res.Attempts[0].StatusCode)
	assert.Equal(t, 403, res.Attempts[3].StatusCode)

	assert.True(t, env.blocks.IsBlocked(ctx, "rl.example.com"))
	assert.True(t, env.blocks.IsBlocked(ctx, "wall.example.com"))
	assert.False(t, env.blocks.IsBlocked(ctx, "reset.example.com"))
}

func TestDatapoint_PlainForbiddenDoesNotBlockHost(t *testing.T) {
	env := newTestEnv(t, map[string]page{
		"https://data.example.com/one":   {status: 403, body: `{"message":"Forbidden"}`},
		"https://data.example.com/other": {body: "valuation.k1=9"},
	}, &lineAdapter{id: "quotes", keys: []model.Key{k1}})
	ctx := context.Background()

	res, err := NewDatapoint(env.deps).Collect(ctx, DatapointRequest{
		Key: k1,
		Candidates: []model.SourceCandidate{
			cand("https://data.example.com/one", "quotes"),
			cand("https://data.example.com/other", "quotes"),
		},
	})
	require.NoError(t, err)
	require.True(t, res.Found)
	assert.Equal(t, 9.0, res.Datapoint.Extraction.Value)

	require.Len(t, res.Attempts, 2)
	assert.Equal(t, model.OutcomeHTTPError, res.Attempts[0].Outcome)
	assert.Equal(t, 403, res.Attempts[0].StatusCode)
	assert.Equal(t, 1, env.fetch.calls["https://data.example.com/other"])
	assert.False(t, env.blocks.IsBlocked(ctx, "data.example.com"))
}

func TestDatapoint_AdapterFaults(t *testing.T) {
	env := newTestEnv(t, map[string]page{
		"https://fault.example.com/q":     {body: "FAULT"},
		"https://challenge.example.com/q": {body: "CHALLENGE"},
		"https://html.example.com/q":      {body: "<html></html>"},
	}, &lineAdapter{id: "quotes", keys: []model.Key{k1}})
	ctx := context.Background()

	res, err := NewDatapoint(env.deps).Collect(ctx, DatapointRequest{
		Key: k1,
		Candidates: []model.SourceCandidate{
			cand("https://fault.example.com/q", "quotes"),
			cand("https://challenge.example.com/q", "quotes"),
			cand("https://html.example.com/q", "quotes"),
		},
	})
	require.NoError(t, err)
	require.Len(t, res.Attempts, 3)
	assert.Equal(t, model.OutcomeParseFailed, res.Attempts[0].Outcome)
	assert.Contains(t, res.Attempts[0].Reason, "selector exploded")
	assert.Equal(t, model.OutcomeBlocked, res.Attempts[1].Outcome)
	assert.Equal(t, model.OutcomeParseFailed, res.Attempts[2].Outcome)
	assert.Contains(t, res.Attempts[2].Reason, "expected text content")

	assert.True(t, env.blocks.IsBlocked(ctx, "challenge.example.com"))
}

func TestDatapoint_HardFaults(t *testing.T) {
	env := newTestEnv(t, nil, &lineAdapter{id: "quotes", keys: []model.Key{k1}})
	d := NewDatapoint(env.deps)

	_, err := d.Collect(context.Background(), DatapointRequest{Key: k1})
	assert.ErrorIs(t, err, ErrNoCandidates)

	_, err = d.Collect(context.Background(), DatapointRequest{
		Key: k1, Candidates: []model.SourceCandidate{cand("https://a.example.com/q", "nope")},
	})
	assert.ErrorIs(t, err, adapter.ErrUnknownAdapter)
}

func TestDatapoint_SeriesValue(t *testing.T) {
	env := newTestEnv(t, map[string]page{
		"https://a.example.com/splits": {body: "valuation.k1=4,7"},
	}, &lineAdapter{id: "splits", keys: []model.Key{k1}})

	res, err := NewDatapoint(env.deps).Collect(context.Background(), DatapointRequest{
		Key: k1, Candidates: []model.SourceCandidate{cand("https://a.example.com/splits", "splits")},
	})
	require.NoError(t, err)
	require.True(t, res.Found)
	require.NotNil(t, res.Datapoint.Historical)
	assert.Len(t, res.Datapoint.Historical.Periods, 2)
}

func TestDatapoint_StopsWhenContextDone(t *testing.T) {
	env := newTestEnv(t, map[string]page{
		"https://a.example.com/q": {body: "valuation.k1=1"},
	}, &lineAdapter{id: "quotes", keys: []model.Key{k1}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := NewDatapoint(env.deps).Collect(ctx, DatapointRequest{
		Key: k1, Candidates: []model.SourceCandidate{cand("https://a.example.com/q", "quotes")},
	})
	require.NoError(t, err)
	assert.False(t, res.Found)
	assert.Empty(t, res.Attempts)
	assert.Zero(t, env.fetch.total())
}

func TestDatapoint_AttemptURLSanitized(t *testing.T) {
	env := newTestEnv(t, map[string]page{
		"https://user:pw@api.example.com/q?apikey=s3cret&symbol=AAPL": {body: "valuation.k1=1"},
	}, &lineAdapter{id: "quotes", keys: []model.Key{k1}})

	res, err := NewDatapoint(env.deps).Collect(context.Background(), DatapointRequest{
		Key: k1, Candidates: []model.SourceCandidate{cand("https://user:pw@api.example.com/q?apikey=s3cret&symbol=AAPL", "quotes")},
	})
	require.NoError(t, err)
	require.Len(t, res.Attempts, 1)
	assert.Equal(t, "https://api.example.com/q?apikey=REDACTED&symbol=AAPL", res.Attempts[0].URL)
}
