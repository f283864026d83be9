package collector

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sells-group/datapack-cli/internal/adapter"
	"github.com/sells-group/datapack-cli/internal/blocks"
	"github.com/sells-group/datapack-cli/internal/model"
)

const (
	k1 model.Key = "valuation.k1"
	k2 model.Key = "valuation.k2"
	k3 model.Key = "valuation.k3"
)

type page struct {
	status int
	body   string
	err    error
}

// mockFetcher serves canned pages and counts fetches per URL.
type mockFetcher struct {
	pages       map[string]page
	calls       map[string]int
	rateLimited map[string]bool
}

func newMockFetcher(pages map[string]page) *mockFetcher {
	return &mockFetcher{pages: pages, calls: make(map[string]int), rateLimited: make(map[string]bool)}
}

func (f *mockFetcher) Fetch(_ context.Context, url string, _ map[string]string) (*model.FetchResult, error) {
	f.calls[url]++
	p, ok := f.pages[url]
	if !ok {
		return &model.FetchResult{URL: url, StatusCode: 404, ContentType: "text/plain"}, nil
	}
	if p.err != nil {
		return nil, p.err
	}
	status := p.status
	if status == 0 {
		status = 200
	}
	return &model.FetchResult{URL: url, StatusCode: status, ContentType: "text/plain", Body: []byte(p.body)}, nil
}

func (f *mockFetcher) IsRateLimited(domain string) bool { return f.rateLimited[domain] }

func (f *mockFetcher) total() int {
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

// lineAdapter reads "key=value[@yyyy-mm-dd]" lines. A comma-separated
// value becomes a yearly series ending in 2024.
type lineAdapter struct {
	id    string
	keys  []model.Key
	calls [][]model.Key
}

func (a *lineAdapter) ID() string                 { return a.id }
func (a *lineAdapter) SupportedKeys() []model.Key { return a.keys }

func (a *lineAdapter) Adapt(_ context.Context, fr *model.FetchResult, keys []model.Key, _ string) (*model.AdaptResult, error) {
	a.calls = append(a.calls, keys)
	body := string(fr.Body)
	switch {
	case strings.HasPrefix(body, "CHALLENGE"):
		return nil, &model.BlockedError{Source: a.id, Reason: "challenge page"}
	case strings.HasPrefix(body, "FAULT"):
		return nil, errors.New("selector exploded")
	case strings.HasPrefix(body, "<html"):
		return model.NotFoundResult(keys, a.id+": expected text content, got text/html"), nil
	}

	lines := make(map[model.Key]string)
	for _, l := range strings.Split(body, "\n") {
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
		raw, asOf, dated := strings.Cut(raw, "@")
		if strings.Contains(raw, ",") {
			h := model.HistoricalExtraction{Key: k, Unit: model.UnitNumber, ProviderID: a.id}
			for i, s := range strings.Split(raw, ",") {
				v, _ := strconv.ParseFloat(s, 64)
				h.Periods = append(h.Periods, model.PeriodValue{End: time.Date(2024-i, 12, 31, 0, 0, 0, 0, time.UTC), Value: v})
			}
			res.AddHistorical(h)
			continue
		}
		v, _ := strconv.ParseFloat(raw, 64)
		e := model.Extraction{Key: k, Value: v, Unit: model.UnitNumber, ProviderID: a.id,
			Locator: model.NewLocator(model.LocatorCSS, string(k), raw, fr.URL)}
		if dated {
			t, err := time.Parse("2006-01-02", asOf)
			if err == nil {
				e.AsOf = &t
			}
		}
		res.AddExtraction(e)
	}
	return res, nil
}

type testEnv struct {
	fetch  *mockFetcher
	blocks *blocks.Registry
	deps   Deps
}

func newTestEnv(t *testing.T, pages map[string]page, adapters ...adapter.Adapter) *testEnv {
	t.Helper()
	f := newMockFetcher(pages)
	reg := blocks.New(blocks.NewFileStore(filepath.Join(t.TempDir(), "blocks.json")), blocks.Options{})
	return &testEnv{
		fetch:  f,
		blocks: reg,
		deps:   Deps{Fetch: f, Adapters: adapter.NewRegistry(adapters...), Blocks: reg},
	}
}

func cand(url, adapterID string) model.SourceCandidate {
	return model.SourceCandidate{URL: url, AdapterID: adapterID}
}

func requireTotal(t *testing.T, res *BatchResult, keys []model.Key) {
	t.Helper()
	for _, k := range keys {
		n := 0
		if _, ok := res.Found[k]; ok {
			n++
		}
		if _, ok := res.Historical[k]; ok {
			n++
		}
		for _, nf := range res.NotFound {
			if nf == k {
				n++
			}
		}
		require.Equalf(t, 1, n, "key %s must appear exactly once", k)
	}
}
