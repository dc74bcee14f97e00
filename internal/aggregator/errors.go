package aggregator

import "errors"

var (
	// ErrRejected marks a record that failed validation. State is unchanged.
	ErrRejected = errors.New("report rejected")
	// ErrStale marks a report not newer than the stored one. It is a benign no-op.
	ErrStale = errors.New("report is stale")
	// ErrUnknownCollector is returned for lookups of identities never seen.
	ErrUnknownCollector = errors.New("unknown collector")
)
