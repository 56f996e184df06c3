// Package report renders the analysis report PDF: summary metrics
// followed by model-generated insights.
package report

import (
	"fmt"
	"sort"
	"strings"

	"github.com/go-pdf/fpdf"
)

// AnalysisQuestion is the question sent through the query engine to
// produce the insights section for a source.
func AnalysisQuestion(sourceName string) string {
	return fmt.Sprintf("Provide a comprehensive analysis of the data in %s. "+
		"Include key trends, notable patterns, and important observations.", sourceName)
}

// unicodeReplacements maps characters that the core PDF fonts cannot
// encode to ASCII equivalents.
var unicodeReplacements = strings.NewReplacer(
	"“", `"`,
	"”", `"`,
	"‘", "'",
	"’", "'",
	"–", "-",
	"—", "-",
	"…", "...",
)

// sanitizeText rewrites smart punctuation so the text survives the
// PDF's latin-1 font encoding.
func sanitizeText(text string) string {
	return unicodeReplacements.Replace(text)
}

// Write renders the report to a PDF file. Metrics are printed in
// sorted key order so repeated runs produce identical documents.
func Write(path string, metrics map[string]float64, insights string) error {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetAutoPageBreak(true, 15)
	pdf.AddPage()

	pdf.SetFont("Arial", "B", 16)
	pdf.CellFormat(0, 10, "Financial Analysis Report", "", 1, "C", false, 0, "")

	pdf.SetFont("Arial", "B", 12)
	pdf.CellFormat(0, 10, "Summary Metrics:", "", 1, "L", false, 0, "")
	pdf.SetFont("Arial", "", 10)

	keys := make([]string, 0, len(metrics))
	for k := range metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		line := fmt.Sprintf("%s: $%s", titleCase(k), groupedAmount(metrics[k]))
		pdf.CellFormat(0, 10, sanitizeText(line), "", 1, "L", false, 0, "")
	}

	pdf.SetFont("Arial", "B", 12)
	pdf.CellFormat(0, 10, "AI-Generated Insights:", "", 1, "L", false, 0, "")
	pdf.SetFont("Arial", "", 10)
	pdf.MultiCell(0, 10, sanitizeText(insights), "", "L", false)

	return pdf.OutputFileAndClose(path)
}

// titleCase turns a metric key like "total_amount" into "Total Amount".
func titleCase(key string) string {
	words := strings.Split(key, "_")
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

// groupedAmount formats a value with comma grouping and two decimals.
func groupedAmount(v float64) string {
	s := fmt.Sprintf("%.2f", v)
	dot := strings.IndexByte(s, '.')
	intPart, frac := s[:dot], s[dot:]

	neg := strings.HasPrefix(intPart, "-")
	if neg {
		intPart = intPart[1:]
	}
	if len(intPart) > 3 {
		var b strings.Builder
		lead := len(intPart) % 3
		if lead > 0 {
			b.WriteString(intPart[:lead])
		}
		for i := lead; i < len(intPart); i += 3 {
			if b.Len() > 0 {
				b.WriteByte(',')
			}
			b.WriteString(intPart[i : i+3])
		}
		intPart = b.String()
	}
	if neg {
		intPart = "-" + intPart
	}
	return intPart + frac
}
