package collector

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/datapack-cli/internal/model"
)

func TestBatch_FetchesEachURLOnce(t *testing.T) {
	a := &lineAdapter{id: "a", keys: []model.Key{k1}}
	b := &lineAdapter{id: "b", keys: []model.Key{k2}}
	c := &lineAdapter{id: "c", keys: []model.Key{k2, k3}}
	env := newTestEnv(t, map[string]page{
		"https://x.example.com/": {body: "valuation.k1=1"},
		"https://y.example.com/": {body: "valuation.k2=2\nvaluation.k3=3"},
	}, a, b, c)

	keys := []model.Key{k1, k2, k3}
	res, err := NewBatch(env.deps).Collect(context.Background(), BatchRequest{
		Keys: keys,
		Candidates: []model.SourceCandidate{
			cand("https://x.example.com/", "a"),
			cand("https://x.example.com/", "b"),
			cand("https://y.example.com/", "c"),
		},
	})
	require.NoError(t, err)
	requireTotal(t, res, keys)

	assert.Equal(t, 2, res.FetchCount)
	assert.Equal(t, 1, env.fetch.calls["https://x.example.com/"])
	assert.Equal(t, 1, env.fetch.calls["https://y.example.com/"])
	assert.Empty(t, res.NotFound)
	assert.True(t, res.RequiredSatisfied)

	require.Len(t, res.Attempts, 3)
	assert.Equal(t, model.OutcomeSuccess, res.Attempts[0].Outcome)
	assert.Equal(t, model.OutcomeNotInPage, res.Attempts[1].Outcome)
	assert.Equal(t, model.OutcomeSuccess, res.Attempts[2].Outcome)
}

func TestBatch_NarrowsKeysToMissing(t *testing.T) {
	first := &lineAdapter{id: "first", keys: []model.Key{k1, k2}}
	second := &lineAdapter{id: "second", keys: []model.Key{k1, k2, k3}}
	env := newTestEnv(t, map[string]page{
		"https://x.example.com/": {body: "valuation.k1=1\nvaluation.k2=2"},
		"https://y.example.com/": {body: "valuation.k1=9\nvaluation.k3=3"},
	}, first, second)

	keys := []model.Key{k1, k2, k3}
	res, err := NewBatch(env.deps).Collect(context.Background(), BatchRequest{
		Keys:       keys,
		Candidates: []model.SourceCandidate{cand("https://x.example.com/", "first"), cand("https://y.example.com/", "second")},
	})
	require.NoError(t, err)
	requireTotal(t, res, keys)

	assert.Equal(t, [][]model.Key{{k1, k2}}, first.calls)
	assert.Equal(t, [][]model.Key{{k3}}, second.calls)
	assert.Equal(t, 1.0, res.Found[k1].Value)
	assert.Equal(t, model.OutcomeSuccess, res.Attempts[0].Outcome)
	assert.Equal(t, model.OutcomeSuccess, res.Attempts[1].Outcome)
}

func TestBatch_EarlyExitOnRequired(t *testing.T) {
	env := newTestEnv(t, map[string]page{
		"https://x.example.com/": {body: "valuation.k1=1\nvaluation.k2=2"},
		"https://y.example.com/": {body: "valuation.k1=5\nvaluation.k2=6"},
	}, &lineAdapter{id: "quotes", keys: []model.Key{k1, k2}})

	res, err := NewBatch(env.deps).Collect(context.Background(), BatchRequest{
		Keys:       []model.Key{k1, k2},
		Required:   []model.Key{k1},
		Candidates: []model.SourceCandidate{cand("https://x.example.com/", "quotes"), cand("https://y.example.com/", "quotes")},
	})
	require.NoError(t, err)
	assert.True(t, res.RequiredSatisfied)
	assert.Empty(t, res.NotFound)
	assert.Equal(t, 2.0, res.Found[k2].Value)
	assert.Len(t, res.Attempts, 1)
	assert.Zero(t, env.fetch.calls["https://y.example.com/"])
}

func TestBatch_EarlyExitLeavesOptionalMissing(t *testing.T) {
	env := newTestEnv(t, map[string]page{
		"https://x.example.com/": {body: "valuation.k1=1"},
		"https://y.example.com/": {body: "valuation.k2=2"},
	}, &lineAdapter{id: "quotes", keys: []model.Key{k1, k2}})

	keys := []model.Key{k1, k2}
	res, err := NewBatch(env.deps).Collect(context.Background(), BatchRequest{
		Keys:       keys,
		Required:   []model.Key{k1},
		Candidates: []model.SourceCandidate{cand("https://x.example.com/", "quotes"), cand("https://y.example.com/", "quotes")},
	})
	require.NoError(t, err)
	requireTotal(t, res, keys)
	assert.True(t, res.RequiredSatisfied)
	assert.Equal(t, []model.Key{k2}, res.NotFound)
	assert.Equal(t, 1, res.FetchCount)
	require.Len(t, res.Attempts, 1)
	assert.Equal(t, model.OutcomePartial, res.Attempts[0].Outcome)
	assert.Equal(t, "found 1 of 2 keys", res.Attempts[0].Reason)
}

func TestBatch_RequiredUnsatisfied(t *testing.T) {
	env := newTestEnv(t, map[string]page{
		"https://x.example.com/": {body: "valuation.k2=2"},
	}, &lineAdapter{id: "quotes", keys: []model.Key{k1, k2}})

	res, err := NewBatch(env.deps).Collect(context.Background(), BatchRequest{
		Keys:       []model.Key{k1, k2},
		Required:   []model.Key{k1},
		Candidates: []model.SourceCandidate{cand("https://x.example.com/", "quotes")},
	})
	require.NoError(t, err)
	assert.False(t, res.RequiredSatisfied)
	assert.Equal(t, []model.Key{k1}, res.NotFound)
}

func TestBatch_CachedFailureNotRefetched(t *testing.T) {
	env := newTestEnv(t, map[string]page{
		"https://x.example.com/": {err: &model.NetworkError{URL: "https://x.example.com/", Err: errors.New("connection refused")}},
	},
		&lineAdapter{id: "a", keys: []model.Key{k1}},
		&lineAdapter{id: "b", keys: []model.Key{k2}},
	)

	keys := []model.Key{k1, k2}
	res, err := NewBatch(env.deps).Collect(context.Background(), BatchRequest{
		Keys:       keys,
		Candidates: []model.SourceCandidate{cand("https://x.example.com/", "a"), cand("https://x.example.com/", "b")},
	})
	require.NoError(t, err)
	requireTotal(t, res, keys)
	assert.Equal(t, 1, env.fetch.calls["https://x.example.com/"])
	require.Len(t, res.Attempts, 2)
	assert.Equal(t, model.OutcomeNetworkError, res.Attempts[0].Outcome)
	assert.Equal(t, model.OutcomeNetworkError, res.Attempts[1].Outcome)
	assert.Equal(t, keys, res.NotFound)
}

func TestBatch_SkipsUnsupportedCandidates(t *testing.T) {
	env := newTestEnv(t, map[string]page{
		"https://x.example.com/": {body: "valuation.k1=1"},
	},
		&lineAdapter{id: "macro", keys: []model.Key{k3}},
		&lineAdapter{id: "quotes", keys: []model.Key{k1}},
	)

	res, err := NewBatch(env.deps).Collect(context.Background(), BatchRequest{
		Keys:       []model.Key{k1},
		Candidates: []model.SourceCandidate{cand("https://macro.example.com/", "macro"), cand("https://x.example.com/", "quotes")},
	})
	require.NoError(t, err)
	assert.Len(t, res.Attempts, 1)
	assert.Zero(t, env.fetch.calls["https://macro.example.com/"])
}

func TestBatch_TrimsSeries(t *testing.T) {
	env := newTestEnv(t, map[string]page{
		"https://x.example.com/": {body: "valuation.k1=5,4,3,2,1"},
	}, &lineAdapter{id: "statements", keys: []model.Key{k1}})

	res, err := NewBatch(env.deps).Collect(context.Background(), BatchRequest{
		Keys:       []model.Key{k1},
		Candidates: []model.SourceCandidate{cand("https://x.example.com/", "statements")},
		MaxPeriods: 3,
	})
	require.NoError(t, err)
	require.Contains(t, res.Historical, k1)
	assert.Len(t, res.Historical[k1].Periods, 3)
	assert.Equal(t, 5.0, res.Historical[k1].Periods[0].Value)
}

func TestBatch_Validation(t *testing.T) {
	env := newTestEnv(t, nil, &lineAdapter{id: "quotes", keys: []model.Key{k1}})
	b := NewBatch(env.deps)

	_, err := b.Collect(context.Background(), BatchRequest{Keys: []model.Key{k1}, Required: []model.Key{k2}})
	assert.ErrorIs(t, err, ErrRequiredNotSubset)

	_, err = b.Collect(context.Background(), BatchRequest{Keys: []model.Key{k1}})
	assert.ErrorIs(t, err, ErrNoCandidates)

	res, err := b.Collect(context.Background(), BatchRequest{})
	require.NoError(t, err)
	assert.True(t, res.RequiredSatisfied)
	assert.Empty(t, res.NotFound)
}

func TestBatch_CachesAreNotShared(t *testing.T) {
	env := newTestEnv(t, map[string]page{
		"https://x.example.com/": {body: "valuation.k1=1"},
	}, &lineAdapter{id: "quotes", keys: []model.Key{k1}})
	b := NewBatch(env.deps)
	req := BatchRequest{Keys: []model.Key{k1}, Candidates: []model.SourceCandidate{cand("https://x.example.com/", "quotes")}}

	for range 2 {
		res, err := b.Collect(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, 1, res.FetchCount)
	}
	assert.Equal(t, 2, env.fetch.calls["https://x.example.com/"])
}

func TestBatch_MarksCacheProvenance(t *testing.T) {
	a := &lineAdapter{id: "a", keys: []model.Key{k1}}
	b := &lineAdapter{id: "b", keys: []model.Key{k2}}
	env := newTestEnv(t, map[string]page{
		"https://x.example.com/": {body: "valuation.k1=1\nvaluation.k2=2"},
	}, a, b)

	res, err := NewBatch(env.deps).Collect(context.Background(), BatchRequest{
		Keys:       []model.Key{k1, k2},
		Candidates: []model.SourceCandidate{cand("https://x.example.com/", "a"), cand("https://x.example.com/", "b")},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.FetchCount)

	assert.Empty(t, res.Found[k1].CacheSource)
	assert.Nil(t, res.Found[k1].CacheAgeDays)

	assert.Equal(t, BatchCacheSource, res.Found[k2].CacheSource)
	require.NotNil(t, res.Found[k2].CacheAgeDays)
	assert.Equal(t, 0, *res.Found[k2].CacheAgeDays)
}
