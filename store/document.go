package store

import (
	"fmt"
	"strings"

	"tabletalk/ingest"
)

// derivedColumns are appended during ingestion and carry no extra
// information for sentence rendering; they stay in metadata only.
var derivedColumns = map[string]bool{"year": true, "month": true, "quarter": true}

// RenderRowDocument turns one table row into a natural-language
// sentence for embedding. Dates render as "on YYYY-MM-DD", monetary
// values with a dollar sign and two decimals, other numbers with
// comma grouping, and categorical values verbatim.
func RenderRowDocument(t *ingest.Table, row int) string {
	var parts []string

	if t.DateColumn != "" {
		if d, ok := t.CellDate(row, t.DateColumn); ok {
			parts = append(parts, "on "+d.Format("2006-01-02"))
		}
	}

	for _, col := range t.Columns {
		if col == t.DateColumn || derivedColumns[col] {
			continue
		}
		raw := strings.TrimSpace(t.Cell(row, col))
		if raw == "" {
			continue
		}

		if v, ok := t.CellFloat(row, col); ok && isNumericColumn(t, col) {
			if ingest.IsMonetary(col) {
				parts = append(parts, fmt.Sprintf("the %s was $%s", col, formatMonetary(v)))
			} else {
				parts = append(parts, fmt.Sprintf("the %s was %s", col, formatNumber(v)))
			}
			continue
		}
		parts = append(parts, fmt.Sprintf("the %s was %s", col, raw))
	}

	if len(parts) == 0 {
		return ""
	}
	return strings.Join(parts, ", ") + "."
}

// RowMetadata builds the structured metadata stored alongside a row
// document: numeric columns as floats, everything else as strings,
// plus the source name. Missing values are omitted.
func RowMetadata(t *ingest.Table, row int, sourceName string) map[string]interface{} {
	meta := map[string]interface{}{"source": sourceName}

	if t.DateColumn != "" {
		if d, ok := t.CellDate(row, t.DateColumn); ok {
			meta[t.DateColumn] = d.Format("2006-01-02")
		}
	}

	for _, col := range t.Columns {
		if col == t.DateColumn {
			continue
		}
		raw := strings.TrimSpace(t.Cell(row, col))
		if raw == "" {
			continue
		}
		if v, ok := t.CellFloat(row, col); ok && isNumericColumn(t, col) {
			meta[col] = v
		} else {
			meta[col] = raw
		}
	}
	return meta
}

func isNumericColumn(t *ingest.Table, col string) bool {
	for _, c := range t.NumericColumns {
		if c == col {
			return true
		}
	}
	return false
}

// formatMonetary renders a value with comma grouping and two decimals.
func formatMonetary(v float64) string {
	s := fmt.Sprintf("%.2f", v)
	dot := strings.IndexByte(s, '.')
	return groupDigits(s[:dot]) + s[dot:]
}

// formatNumber renders integral values as grouped integers and
// fractional values with two decimals.
func formatNumber(v float64) string {
	if v == float64(int64(v)) {
		return groupDigits(fmt.Sprintf("%d", int64(v)))
	}
	return formatMonetary(v)
}

// groupDigits inserts thousands separators into a decimal integer string.
func groupDigits(s string) string {
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	if len(s) <= 3 {
		if neg {
			return "-" + s
		}
		return s
	}

	var b strings.Builder
	lead := len(s) % 3
	if lead > 0 {
		b.WriteString(s[:lead])
	}
	for i := lead; i < len(s); i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(s[i : i+3])
	}
	if neg {
		return "-" + b.String()
	}
	return b.String()
}
