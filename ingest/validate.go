package ingest

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	// ErrMalformedInput is returned when a raw table fails to parse.
	ErrMalformedInput = errors.New("ingest: malformed input")

	// ErrEmptyTable is returned for tables with no rows or fewer rows
	// than the configured minimum.
	ErrEmptyTable = errors.New("ingest: table is empty or undersized")

	// ErrDuplicateColumns is returned when a table contains duplicate
	// column names after sanitization.
	ErrDuplicateColumns = errors.New("ingest: duplicate column names")

	// ErrTooManyColumns is returned when a table exceeds the configured
	// column limit.
	ErrTooManyColumns = errors.New("ingest: too many columns")
)

var nonIdentifier = regexp.MustCompile(`[^a-z0-9_]+`)

// SanitizeColumnName lowercases a header cell and collapses anything
// that is not a letter, digit, or underscore into single underscores.
func SanitizeColumnName(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = nonIdentifier.ReplaceAllString(s, "_")
	return strings.Trim(s, "_")
}

func validateStructure(columns []string, rows [][]string, opts Options) error {
	if len(columns) == 0 {
		return fmt.Errorf("%w: header has no columns", ErrMalformedInput)
	}
	if opts.MaxColumns > 0 && len(columns) > opts.MaxColumns {
		return fmt.Errorf("%w: %d columns exceeds limit %d", ErrTooManyColumns, len(columns), opts.MaxColumns)
	}

	seen := make(map[string]bool, len(columns))
	for _, c := range columns {
		if c == "" {
			return fmt.Errorf("%w: blank column name", ErrMalformedInput)
		}
		if seen[c] {
			return fmt.Errorf("%w: %q", ErrDuplicateColumns, c)
		}
		seen[c] = true
	}

	minRows := opts.MinRows
	if minRows <= 0 {
		minRows = 1
	}
	if len(rows) < minRows {
		return fmt.Errorf("%w: %d rows, need at least %d", ErrEmptyTable, len(rows), minRows)
	}
	return nil
}
