package fetcher

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"
)

func buildXLSX(t *testing.T, sheets []Sheet) []byte {
	t.Helper()
	f := xlsx.NewFile()
	for _, s := range sheets {
		sheet, err := f.AddSheet(s.Name)
		require.NoError(t, err)
		for _, rowData := range s.Rows {
			row := sheet.AddRow()
			for _, v := range rowData {
				row.AddCell().SetString(v)
			}
		}
	}
	var buf bytes.Buffer
	require.NoError(t, f.Write(&buf))
	return buf.Bytes()
}

func TestReadXLSXSheets(t *testing.T) {
	body := buildXLSX(t, []Sheet{
		{Name: "Summary", Rows: [][]string{{"Metric", "2024"}, {"Revenue", " 1,200 "}}},
		{Name: "Notes", Rows: [][]string{{"n/a"}}},
	})

	sheets, err := ReadXLSXSheets(body)
	require.NoError(t, err)
	require.Len(t, sheets, 2)
	assert.Equal(t, "Summary", sheets[0].Name)
	assert.Equal(t, []string{"Revenue", "1,200"}, sheets[0].Rows[1])
	assert.Equal(t, "Notes", sheets[1].Name)
}

func TestReadXLSXSheets_Invalid(t *testing.T) {
	_, err := ReadXLSXSheets([]byte("not a zip"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "xlsx: open workbook")
}

func TestReadCSV(t *testing.T) {
	body := []byte("\xef\xbb\xbfLabel,2023,2024\n Revenue , 10 ,12\nShort\n")
	rows, err := ReadCSV(body, CSVOptions{TrimSpace: true})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"Label", "2023", "2024"}, rows[0])
	assert.Equal(t, []string{"Revenue", "10", "12"}, rows[1])
	assert.Equal(t, []string{"Short"}, rows[2])
}

func TestReadCSV_Delimiter(t *testing.T) {
	rows, err := ReadCSV([]byte("a|b\n1|2\n"), CSVOptions{Delimiter: '|'})
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2"}, rows[1])
}

func TestReadCSV_Empty(t *testing.T) {
	_, err := ReadCSV(nil, CSVOptions{})
	require.Error(t, err)
}
