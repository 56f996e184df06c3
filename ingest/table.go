// Package ingest loads raw tabular input and classifies its columns so
// downstream components (embedding, reporting) can reason about dates,
// numbers, and categories without re-inspecting raw data.
package ingest

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"
)

// Options control structural validation during load.
type Options struct {
	MinRows    int
	MaxColumns int
}

// ColumnInfo exposes the column classification without exposing raw data.
type ColumnInfo struct {
	DateColumn         string   `json:"date_column"`
	NumericColumns     []string `json:"numeric_columns"`
	CategoricalColumns []string `json:"categorical_columns"`
}

// Table is an ingested dataset: an ordered sequence of rows over named
// columns, with derived classification. Cells are kept as raw text;
// typed access goes through CellFloat and CellDate.
type Table struct {
	Columns []string
	Rows    [][]string

	// DateColumn is the first column (in original order) whose every
	// non-empty value parses as a calendar date. A table with two
	// plausible date columns silently uses only the first; this is a
	// documented ambiguity, not an error.
	DateColumn         string
	NumericColumns     []string
	CategoricalColumns []string

	dateIdx int // -1 when no date column
	colIdx  map[string]int
}

// dateLayouts are tried in order when parsing date cells.
var dateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"01/02/2006",
	"2006-01-02 15:04:05",
	time.RFC3339,
	"Jan 2, 2006",
	"2 Jan 2006",
}

// ParseDate parses a cell as a calendar date, trying each supported layout.
func ParseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// monetaryTerms is the vocabulary used to detect monetary columns.
// Matching is case-insensitive substring, mirroring how summary metrics
// and row rendering must agree on the aggregation rule.
var monetaryTerms = []string{"amount", "budget", "cost", "price", "revenue"}

// IsMonetary reports whether a column name matches the monetary vocabulary.
func IsMonetary(column string) bool {
	lower := strings.ToLower(column)
	for _, term := range monetaryTerms {
		if strings.Contains(lower, term) {
			return true
		}
	}
	return false
}

// Load parses CSV input into a classified Table.
func Load(r io.Reader, opts Options) (*Table, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%w: parsing csv: %v", ErrMalformedInput, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: no header row", ErrMalformedInput)
	}

	rows, err := padRows(records)
	if err != nil {
		return nil, err
	}
	return build(records[0], rows, opts)
}

// padRows normalises data records to the header width. Short records are
// padded with empty cells; records wider than the header are rejected,
// since dropping cells would silently detach values from their columns.
func padRows(records [][]string) ([][]string, error) {
	header := records[0]
	rows := make([][]string, 0, len(records)-1)
	for i, rec := range records[1:] {
		if len(rec) > len(header) {
			return nil, fmt.Errorf("%w: row %d has %d cells for %d columns",
				ErrMalformedInput, i+2, len(rec), len(header))
		}
		row := make([]string, len(header))
		copy(row, rec)
		rows = append(rows, row)
	}
	return rows, nil
}

// LoadXLSX parses the first sheet of an XLSX workbook into a classified
// Table. The first row is treated as the header.
func LoadXLSX(path string, opts Options) (*Table, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: opening xlsx: %v", ErrMalformedInput, err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("%w: no sheets in workbook", ErrMalformedInput)
	}

	records, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("%w: reading sheet %q: %v", ErrMalformedInput, sheets[0], err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: no header row", ErrMalformedInput)
	}

	rows, err := padRows(records)
	if err != nil {
		return nil, err
	}
	return build(records[0], rows, opts)
}

func build(header []string, rows [][]string, opts Options) (*Table, error) {
	columns := make([]string, len(header))
	for i, c := range header {
		columns[i] = SanitizeColumnName(c)
	}

	if err := validateStructure(columns, rows, opts); err != nil {
		return nil, err
	}

	t := &Table{
		Columns: columns,
		Rows:    rows,
		dateIdx: -1,
	}
	t.classify()
	t.deriveDateParts()
	t.reindex()
	return t, nil
}

// classify partitions the columns: at most one date column (first whose
// every non-empty value parses as a date), then numeric vs categorical
// for the rest. A column is numeric when every non-empty value coerces
// to a float and at least one value is present.
func (t *Table) classify() {
	t.DateColumn = ""
	t.NumericColumns = nil
	t.CategoricalColumns = nil
	t.dateIdx = -1

	for i, col := range t.Columns {
		if t.columnIsDate(i) {
			t.DateColumn = col
			t.dateIdx = i
			break
		}
	}

	for i, col := range t.Columns {
		if i == t.dateIdx {
			continue
		}
		if t.columnIsNumeric(i) {
			t.NumericColumns = append(t.NumericColumns, col)
		} else {
			t.CategoricalColumns = append(t.CategoricalColumns, col)
		}
	}
}

func (t *Table) columnIsDate(idx int) bool {
	nonEmpty := 0
	for _, row := range t.Rows {
		v := strings.TrimSpace(row[idx])
		if v == "" {
			continue
		}
		nonEmpty++
		if _, ok := ParseDate(v); !ok {
			return false
		}
	}
	return nonEmpty > 0
}

func (t *Table) columnIsNumeric(idx int) bool {
	nonEmpty := 0
	for _, row := range t.Rows {
		v := strings.TrimSpace(row[idx])
		if v == "" {
			continue
		}
		nonEmpty++
		if _, err := strconv.ParseFloat(strings.ReplaceAll(v, ",", ""), 64); err != nil {
			return false
		}
	}
	return nonEmpty > 0
}

// deriveDateParts appends year, month, and quarter columns when a date
// column was found. The derived columns are classified numeric.
func (t *Table) deriveDateParts() {
	if t.dateIdx < 0 {
		return
	}

	t.Columns = append(t.Columns, "year", "month", "quarter")
	for i, row := range t.Rows {
		if d, ok := ParseDate(row[t.dateIdx]); ok {
			quarter := (int(d.Month())-1)/3 + 1
			t.Rows[i] = append(row,
				strconv.Itoa(d.Year()),
				strconv.Itoa(int(d.Month())),
				strconv.Itoa(quarter))
		} else {
			t.Rows[i] = append(row, "", "", "")
		}
	}
	t.NumericColumns = append(t.NumericColumns, "year", "month", "quarter")
}

func (t *Table) reindex() {
	t.colIdx = make(map[string]int, len(t.Columns))
	for i, c := range t.Columns {
		t.colIdx[c] = i
	}
}

// ColumnIndex returns the position of a column, or -1 if absent.
func (t *Table) ColumnIndex(name string) int {
	if i, ok := t.colIdx[name]; ok {
		return i
	}
	return -1
}

// HasColumn reports whether the table contains the named column.
func (t *Table) HasColumn(name string) bool {
	return t.ColumnIndex(name) >= 0
}

// Cell returns the raw text of a cell.
func (t *Table) Cell(row int, column string) string {
	idx := t.ColumnIndex(column)
	if idx < 0 || row < 0 || row >= len(t.Rows) {
		return ""
	}
	return t.Rows[row][idx]
}

// CellFloat returns a cell coerced to float64. Values that fail coercion
// report ok=false; callers treat them as the missing sentinel.
func (t *Table) CellFloat(row int, column string) (float64, bool) {
	v := strings.TrimSpace(t.Cell(row, column))
	if v == "" {
		return math.NaN(), false
	}
	f, err := strconv.ParseFloat(strings.ReplaceAll(v, ",", ""), 64)
	if err != nil {
		return math.NaN(), false
	}
	return f, true
}

// CellDate returns a cell parsed as a date.
func (t *Table) CellDate(row int, column string) (time.Time, bool) {
	return ParseDate(t.Cell(row, column))
}

// NumericValues returns a column coerced to floats, with NaN marking
// values that failed coercion.
func (t *Table) NumericValues(column string) []float64 {
	out := make([]float64, len(t.Rows))
	for i := range t.Rows {
		f, ok := t.CellFloat(i, column)
		if !ok {
			out[i] = math.NaN()
		} else {
			out[i] = f
		}
	}
	return out
}

// RowCount returns the number of data rows.
func (t *Table) RowCount() int {
	return len(t.Rows)
}

// Info returns the column classification.
func (t *Table) Info() ColumnInfo {
	return ColumnInfo{
		DateColumn:         t.DateColumn,
		NumericColumns:     append([]string(nil), t.NumericColumns...),
		CategoricalColumns: append([]string(nil), t.CategoricalColumns...),
	}
}
