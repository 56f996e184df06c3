package query

import (
	"regexp"
	"strconv"
	"strings"
)

// claimMargin is the tolerance applied when checking answer values
// against retrieved data: a claim may exceed the largest context value
// by at most ten percent before the answer is rejected.
const claimMargin = 1.10

var (
	monetaryPattern = regexp.MustCompile(`\$?([\d,]+\.?\d*)`)
	percentPattern  = regexp.MustCompile(`([\d.]+)%`)
)

// extractClaims pulls every numeric token out of an answer: anything
// monetary-looking plus percentage values. Pattern matching only; no
// attempt to understand what the numbers mean.
func extractClaims(text string) []float64 {
	var claims []float64

	for _, m := range monetaryPattern.FindAllStringSubmatch(text, -1) {
		v, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", ""), 64)
		if err != nil {
			continue
		}
		claims = append(claims, v)
	}
	for _, m := range percentPattern.FindAllStringSubmatch(text, -1) {
		v, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			continue
		}
		claims = append(claims, v)
	}
	return claims
}

// metadataValues collects every float-coercible value across the
// retrieved row metadata, stripping currency symbols and commas from
// strings. Non-numeric fields are ignored.
func metadataValues(metadatas []map[string]interface{}) []float64 {
	var values []float64
	for _, meta := range metadatas {
		for _, raw := range meta {
			switch v := raw.(type) {
			case float64:
				values = append(values, v)
			case int:
				values = append(values, float64(v))
			case string:
				if !strings.ContainsAny(v, "0123456789") {
					continue
				}
				cleaned := strings.ReplaceAll(strings.ReplaceAll(v, ",", ""), "$", "")
				f, err := strconv.ParseFloat(cleaned, 64)
				if err != nil {
					continue
				}
				values = append(values, f)
			}
		}
	}
	return values
}

// validateNumericClaims checks every numeric claim in the answer
// against the retrieved metadata: each claim must stay within the
// margin of the largest value seen in context. An answer without
// numeric claims passes; so does a context without numeric values,
// since a guard that cannot compare must not reject.
func validateNumericClaims(answer string, metadatas []map[string]interface{}) bool {
	claims := extractClaims(answer)
	if len(claims) == 0 {
		return true
	}

	values := metadataValues(metadatas)
	if len(values) == 0 {
		return true
	}

	max := values[0]
	for _, v := range values[1:] {
		if v > max {
			max = v
		}
	}

	bound := max * claimMargin
	for _, claim := range claims {
		if claim > bound {
			return false
		}
	}
	return true
}
