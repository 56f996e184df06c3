package tabletalk

import (
	"errors"

	"tabletalk/ingest"
	"tabletalk/llm"
	"tabletalk/registry"
	"tabletalk/store"
)

// Errors raised inside subsystems are defined next to the code that
// raises them and re-exported here so callers can match on a single
// package.
var (
	ErrMalformedInput     = ingest.ErrMalformedInput
	ErrEmptyTable         = ingest.ErrEmptyTable
	ErrDuplicateColumns   = ingest.ErrDuplicateColumns
	ErrTooManyColumns     = ingest.ErrTooManyColumns
	ErrStoreUnavailable   = store.ErrStoreUnavailable
	ErrBatchWriteFailed   = store.ErrBatchWriteFailed
	ErrNoChoices          = llm.ErrNoChoices
	ErrBackendUnreachable = registry.ErrBackendUnreachable
)

var (
	// ErrConfigMissing is returned for incomplete configuration, such as
	// a missing API credential.
	ErrConfigMissing = errors.New("tabletalk: required configuration missing")

	// ErrSourceNotFound is returned when an operation names an unknown
	// uploaded source.
	ErrSourceNotFound = errors.New("tabletalk: source not found")
)
