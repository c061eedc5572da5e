package es

import "fmt"

// StorageError is the single error kind returned by event and query stores.
// Reason tells serialization problems apart from backend failures; Err is
// the underlying cause and can be inspected with errors.Is and errors.As.
type StorageError struct {
	// Op is the store operation that failed, e.g. "save_events"
	Op string

	// AggregateType and AggregateID identify the record being read or written
	AggregateType string
	AggregateID   string

	// QueryType is set for query store failures
	QueryType string

	// Reason is a human readable description of what went wrong
	Reason string

	// Err is the underlying failure
	Err error
}

func (e *StorageError) Error() string {
	if e.QueryType != "" {
		return fmt.Sprintf("%s of query '%s' with aggregate id '%s', error: %v",
			e.Reason, e.QueryType, e.AggregateID, e.Err)
	}
	return fmt.Sprintf("%s for aggregate id '%s' with error: %v", e.Reason, e.AggregateID, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}
