package ingest

import (
	"math"
	"sort"
	"time"
)

// projectColumn is the grouping key for project-level aggregation.
const projectColumn = "project_id"

// SummaryMetrics computes per-column statistics for every numeric
// column, keyed total_<col>, average_<col>, max_<col>, min_<col>.
//
// Monetary columns are aggregated at the project level when the table
// carries a project_id column: rows are summed per project first, and
// the statistics describe those per-project totals. This keeps averages
// meaningful for data where one project spans many rows. Non-monetary
// columns and tables without project_id use plain row-level statistics.
func (t *Table) SummaryMetrics() map[string]float64 {
	metrics := make(map[string]float64)
	hasProject := t.HasColumn(projectColumn)

	for _, col := range t.NumericColumns {
		var values []float64
		if hasProject && IsMonetary(col) {
			values = t.aggregateByProject(col)
		} else {
			for _, v := range t.NumericValues(col) {
				if !math.IsNaN(v) {
					values = append(values, v)
				}
			}
		}
		if len(values) == 0 {
			continue
		}

		total, max, min := 0.0, values[0], values[0]
		for _, v := range values {
			total += v
			if v > max {
				max = v
			}
			if v < min {
				min = v
			}
		}
		metrics["total_"+col] = total
		metrics["average_"+col] = total / float64(len(values))
		metrics["max_"+col] = max
		metrics["min_"+col] = min
	}
	return metrics
}

// aggregateByProject sums a column per project_id, returning one value
// per project in first-appearance order. Rows whose value fails numeric
// coercion are skipped.
func (t *Table) aggregateByProject(column string) []float64 {
	sums := make(map[string]float64)
	var order []string

	for i := range t.Rows {
		v, ok := t.CellFloat(i, column)
		if !ok {
			continue
		}
		project := t.Cell(i, projectColumn)
		if _, seen := sums[project]; !seen {
			order = append(order, project)
		}
		sums[project] += v
	}

	out := make([]float64, len(order))
	for i, p := range order {
		out[i] = sums[p]
	}
	return out
}

// DataContext assembles a structured snapshot of the dataset for prompt
// construction and report generation: shape, classification, summary
// metrics, the date range, and the distinct values of small categorical
// columns.
func (t *Table) DataContext() map[string]interface{} {
	ctx := map[string]interface{}{
		"total_rows":          t.RowCount(),
		"columns":             append([]string(nil), t.Columns...),
		"numeric_columns":     append([]string(nil), t.NumericColumns...),
		"categorical_columns": append([]string(nil), t.CategoricalColumns...),
		"summary_metrics":     t.SummaryMetrics(),
	}

	if t.DateColumn != "" {
		ctx["date_column"] = t.DateColumn
		if start, end, ok := t.dateRange(); ok {
			ctx["date_range"] = map[string]string{
				"start": start.Format("2006-01-02"),
				"end":   end.Format("2006-01-02"),
			}
		}
	}

	uniques := make(map[string][]string)
	for _, col := range t.CategoricalColumns {
		vals := t.uniqueValues(col, 20)
		if len(vals) > 0 {
			uniques[col] = vals
		}
	}
	if len(uniques) > 0 {
		ctx["categorical_values"] = uniques
	}
	return ctx
}

func (t *Table) dateRange() (start, end time.Time, ok bool) {
	for i := range t.Rows {
		d, parsed := t.CellDate(i, t.DateColumn)
		if !parsed {
			continue
		}
		if !ok {
			start, end, ok = d, d, true
			continue
		}
		if d.Before(start) {
			start = d
		}
		if d.After(end) {
			end = d
		}
	}
	return start, end, ok
}

// uniqueValues returns the sorted distinct non-empty values of a
// column, capped at limit. A column whose cardinality exceeds the cap
// returns nil since a truncated value list is misleading in prompts.
func (t *Table) uniqueValues(column string, limit int) []string {
	seen := make(map[string]bool)
	for i := range t.Rows {
		v := t.Cell(i, column)
		if v == "" {
			continue
		}
		seen[v] = true
		if len(seen) > limit {
			return nil
		}
	}
	out := make([]string, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
