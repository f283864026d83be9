package fetcher

import (
	"bytes"
	"encoding/csv"
	"io"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
)

// CSVOptions configures the CSV parser.
type CSVOptions struct {
	Delimiter  rune // default ','
	Comment    rune // comment character (0 = none)
	LazyQuotes bool
	TrimSpace  bool
}

// ReadCSV parses an in-memory CSV document into rows. A UTF-8 BOM is ignored.
func ReadCSV(body []byte, opts CSVOptions) ([][]string, error) {
	reader := csv.NewReader(bytes.NewReader(bytes.TrimPrefix(body, []byte("\xef\xbb\xbf"))))
	if opts.Delimiter != 0 {
		reader.Comma = opts.Delimiter
	}
	if opts.Comment != 0 {
		reader.Comment = opts.Comment
	}
	reader.LazyQuotes = opts.LazyQuotes
	reader.FieldsPerRecord = -1 // allow variable fields

	var rows [][]string
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, eris.Wrap(err, "csv: read row")
		}
		if opts.TrimSpace {
			for i, field := range record {
				record[i] = strings.TrimSpace(field)
			}
		}
		rows = append(rows, record)
	}
	if len(rows) == 0 {
		return nil, eris.New("csv: empty document")
	}
	return rows, nil
}

// Sheet is one worksheet as string rows.
type Sheet struct {
	Name string
	Rows [][]string
}

// ReadXLSXSheets parses an in-memory XLSX workbook, preserving sheet order.
func ReadXLSXSheets(body []byte) ([]Sheet, error) {
	f, err := xlsx.OpenBinary(body)
	if err != nil {
		return nil, eris.Wrap(err, "xlsx: open workbook")
	}
	if len(f.Sheets) == 0 {
		return nil, eris.New("xlsx: workbook has no sheets")
	}
	sheets := make([]Sheet, 0, len(f.Sheets))
	for _, sh := range f.Sheets {
		rows := make([][]string, 0, len(sh.Rows))
		for _, row := range sh.Rows {
			rows = append(rows, rowToStrings(row))
		}
		sheets = append(sheets, Sheet{Name: sh.Name, Rows: rows})
	}
	return sheets, nil
}

func rowToStrings(row *xlsx.Row) []string {
	if row == nil {
		return nil
	}
	cells := make([]string, len(row.Cells))
	for j, cell := range row.Cells {
		if cell == nil {
			continue
		}
		cells[j] = strings.TrimSpace(cell.String())
	}
	return cells
}
