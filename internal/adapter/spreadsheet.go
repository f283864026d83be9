package adapter

import (
	"context"
	"fmt"
	"strings"

	"github.com/sells-group/datapack-cli/internal/fetcher"
	"github.com/sells-group/datapack-cli/internal/model"
)

// Cell maps a key to the cell in the row whose first column equals RowLabel
// (case-insensitive), at Column (zero-based). Column 0 means the last
// non-empty cell of the row.
type Cell struct {
	Key            model.Key   `yaml:"key"`
	Sheet          string      `yaml:"sheet,omitempty"`
	RowLabel       string      `yaml:"row_label"`
	Column         int         `yaml:"column,omitempty"`
	Unit           model.Unit  `yaml:"unit"`
	Currency       string      `yaml:"currency,omitempty"`
	Scale          model.Scale `yaml:"scale,omitempty"`
	PercentDecimal bool        `yaml:"percent_decimal,omitempty"`
}

// CellSeries maps a key to a labeled row whose columns are periods. The
// period dates come from HeaderRow (zero-based).
type CellSeries struct {
	Key       model.Key   `yaml:"key"`
	Sheet     string      `yaml:"sheet,omitempty"`
	RowLabel  string      `yaml:"row_label"`
	HeaderRow int         `yaml:"header_row"`
	Unit      model.Unit  `yaml:"unit"`
	Currency  string      `yaml:"currency,omitempty"`
	Scale     model.Scale `yaml:"scale,omitempty"`
	Limit     int         `yaml:"limit,omitempty"`
}

// SpreadsheetAdapter extracts labeled cells from XLSX and CSV documents.
type SpreadsheetAdapter struct {
	fieldSet
	cells  map[model.Key]Cell
	ranges map[model.Key]CellSeries
}

// NewSpreadsheetAdapter creates a spreadsheet adapter.
func NewSpreadsheetAdapter(id string, cells []Cell, series []CellSeries) *SpreadsheetAdapter {
	a := &SpreadsheetAdapter{
		cells:  make(map[model.Key]Cell, len(cells)),
		ranges: make(map[model.Key]CellSeries, len(series)),
	}
	var fields []Field
	var ss []Series
	for _, c := range cells {
		a.cells[c.Key] = c
		fields = append(fields, Field{Key: c.Key, Unit: c.Unit, Currency: c.Currency, Scale: c.Scale, PercentDecimal: c.PercentDecimal})
	}
	for _, s := range series {
		a.ranges[s.Key] = s
		ss = append(ss, Series{Key: s.Key, Unit: s.Unit, Currency: s.Currency, Scale: s.Scale, Limit: s.Limit})
	}
	a.fieldSet = newFieldSet(id, fields, ss)
	return a
}

type workbook struct {
	sheets map[string][][]string
	first  [][]string
}

func (w workbook) sheet(name string) ([][]string, bool) {
	if name == "" {
		return w.first, w.first != nil
	}
	rows, ok := w.sheets[strings.ToLower(name)]
	return rows, ok
}

// Adapt implements Adapter.
func (a *SpreadsheetAdapter) Adapt(_ context.Context, fr *model.FetchResult, keys []model.Key, _ string) (*model.AdaptResult, error) {
	wb, parseErr := a.load(fr)
	if parseErr != "" {
		return model.NotFoundResult(keys, parseErr), nil
	}

	res := model.NewAdaptResult()
	for _, k := range keys {
		if c, ok := a.cells[k]; ok {
			if e, ok := a.cell(wb, c, fr.URL); ok {
				res.AddExtraction(e)
				continue
			}
		}
		if s, ok := a.ranges[k]; ok {
			if h, ok := a.row(wb, s, fr.URL); ok {
				res.AddHistorical(h)
				continue
			}
		}
		res.NotFound = append(res.NotFound, k)
	}
	return res, nil
}

func (a *SpreadsheetAdapter) load(fr *model.FetchResult) (workbook, string) {
	wb := workbook{sheets: make(map[string][][]string)}
	switch {
	case fr.IsSpreadsheet():
		sheets, err := fetcher.ReadXLSXSheets(fr.Body)
		if err != nil {
			return wb, fmt.Sprintf("%s: %v", a.id, err)
		}
		for i, s := range sheets {
			wb.sheets[strings.ToLower(s.Name)] = s.Rows
			if i == 0 {
				wb.first = s.Rows
			}
		}
	case fr.IsCSV():
		rows, err := fetcher.ReadCSV(fr.Body, fetcher.CSVOptions{TrimSpace: true, LazyQuotes: true})
		if err != nil {
			return wb, fmt.Sprintf("%s: %v", a.id, err)
		}
		wb.first = rows
		wb.sheets["csv"] = rows
	default:
		return wb, mismatch(a.id, "spreadsheet", fr)
	}
	return wb, ""
}

func findRow(rows [][]string, label string) (int, bool) {
	for i, r := range rows {
		if len(r) > 0 && strings.EqualFold(strings.TrimSpace(r[0]), label) {
			return i, true
		}
	}
	return 0, false
}

func (a *SpreadsheetAdapter) cell(wb workbook, c Cell, url string) (model.Extraction, bool) {
	rows, ok := wb.sheet(c.Sheet)
	if !ok {
		return model.Extraction{}, false
	}
	i, ok := findRow(rows, c.RowLabel)
	if !ok {
		return model.Extraction{}, false
	}
	row := rows[i]
	col := c.Column
	if col == 0 {
		for j := len(row) - 1; j > 0; j-- {
			if strings.TrimSpace(row[j]) != "" {
				col = j
				break
			}
		}
	}
	if col <= 0 || col >= len(row) {
		return model.Extraction{}, false
	}
	raw := row[col]
	ref := fmt.Sprintf("%s!R%dC%d", c.Sheet, i+1, col+1)
	return a.scalar(a.fields[c.Key], raw, model.NewLocator(model.LocatorCell, ref, raw, url))
}

func (a *SpreadsheetAdapter) row(wb workbook, s CellSeries, url string) (model.HistoricalExtraction, bool) {
	rows, ok := wb.sheet(s.Sheet)
	if !ok || s.HeaderRow >= len(rows) {
		return model.HistoricalExtraction{}, false
	}
	i, ok := findRow(rows, s.RowLabel)
	if !ok {
		return model.HistoricalExtraction{}, false
	}
	header, row := rows[s.HeaderRow], rows[i]
	series := a.series[s.Key]
	var periods []model.PeriodValue
	for j := 1; j < len(row) && j < len(header); j++ {
		end := asOf(header[j])
		if end == nil {
			continue
		}
		if v, ok := seriesValue(series, row[j]); ok {
			periods = append(periods, model.PeriodValue{End: *end, Value: v})
		}
	}
	ref := fmt.Sprintf("%s!R%d", s.Sheet, i+1)
	return a.historical(series, periods, model.NewLocator(model.LocatorCell, ref, strings.Join(row, ","), url)), true
}
