package adapter

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/sells-group/datapack-cli/internal/fetcher"
	"github.com/sells-group/datapack-cli/internal/model"
)

// HTMLAdapter extracts fields from HTML pages with CSS selectors.
type HTMLAdapter struct {
	fieldSet
}

// NewHTMLAdapter creates an HTML adapter. Series rows are selected by
// Series.Path, with DatePath and ValuePath evaluated inside each row.
func NewHTMLAdapter(id string, fields []Field, series []Series) *HTMLAdapter {
	return &HTMLAdapter{fieldSet: newFieldSet(id, fields, series)}
}

// Adapt implements Adapter.
func (a *HTMLAdapter) Adapt(_ context.Context, fr *model.FetchResult, keys []model.Key, ticker string) (*model.AdaptResult, error) {
	if !fr.IsHTML() {
		return model.NotFoundResult(keys, mismatch(a.id, "HTML", fr)), nil
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(fr.Body))
	if err != nil {
		return model.NotFoundResult(keys, fmt.Sprintf("%s: parse html: %v", a.id, err)), nil
	}

	res := model.NewAdaptResult()
	for _, k := range keys {
		if f, ok := a.fields[k]; ok {
			if e, ok := a.field(doc, f, fr.URL, ticker); ok {
				res.AddExtraction(e)
				continue
			}
		}
		if s, ok := a.series[k]; ok {
			if h, ok := a.rows(doc, s, fr.URL, ticker); ok {
				res.AddHistorical(h)
				continue
			}
		}
		res.NotFound = append(res.NotFound, k)
	}

	if res.FoundCount() == 0 {
		if blocked, kind := fetcher.DetectBlock(fr.StatusCode, fr.Headers, fr.Body); blocked {
			return nil, &model.BlockedError{Source: a.id, Reason: string(kind), StatusCode: fr.StatusCode}
		}
	}
	return res, nil
}

func (a *HTMLAdapter) field(doc *goquery.Document, f Field, url, ticker string) (model.Extraction, bool) {
	path := fillTicker(f.Path, ticker)
	sel := doc.Find(path).First()
	if sel.Length() == 0 {
		return model.Extraction{}, false
	}
	raw := nodeText(sel, f.Attr)
	e, ok := a.scalar(f, raw, model.NewLocator(model.LocatorCSS, path, raw, url))
	if !ok {
		return model.Extraction{}, false
	}
	if f.AsOfPath != "" {
		if d := doc.Find(fillTicker(f.AsOfPath, ticker)).First(); d.Length() > 0 {
			e.AsOf = asOf(nodeText(d, ""))
		}
	}
	return e, true
}

func (a *HTMLAdapter) rows(doc *goquery.Document, s Series, url, ticker string) (model.HistoricalExtraction, bool) {
	path := fillTicker(s.Path, ticker)
	rows := doc.Find(path)
	if rows.Length() == 0 {
		return model.HistoricalExtraction{}, false
	}
	var periods []model.PeriodValue
	rows.Each(func(_ int, row *goquery.Selection) {
		end := asOf(nodeText(row.Find(s.DatePath).First(), ""))
		if end == nil {
			return
		}
		v, ok := seriesValue(s, nodeText(row.Find(s.ValuePath).First(), ""))
		if !ok {
			return
		}
		periods = append(periods, model.PeriodValue{End: *end, Value: v})
	})
	snippet := nodeText(rows.First(), "")
	return a.historical(s, periods, model.NewLocator(model.LocatorCSS, path, snippet, url)), true
}

func nodeText(sel *goquery.Selection, attr string) string {
	if attr != "" {
		v, _ := sel.Attr(attr)
		return strings.TrimSpace(v)
	}
	return strings.Join(strings.Fields(sel.Text()), " ")
}
