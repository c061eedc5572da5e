// Package es provides core event sourcing interfaces and types.
package es

// EventContext is an immutable domain event together with its position in
// the aggregate's log.
type EventContext[E any] struct {
	// AggregateID identifies the aggregate instance the event belongs to
	AggregateID string

	// Sequence is the event's position within the aggregate, starting at 1.
	// Sequences are unique per aggregate and contiguous under correct operation.
	Sequence int64

	// Payload is the application-defined event value
	Payload E

	// Metadata carries open string annotations such as causation ids or timestamps
	Metadata map[string]string
}

// AggregateContext is a snapshot of aggregate state.
// Version equals the sequence of the last event folded into Payload; a
// version of 0 means no snapshot has been persisted.
type AggregateContext[A any] struct {
	AggregateID string
	Version     int64
	Payload     A
}

// QueryContext is the current value of a query projection.
// Version counts dispatch calls; 0 means the projection has never been saved.
type QueryContext[Q any] struct {
	AggregateID string
	Version     int64
	Payload     Q
}

// FoldFunc applies one event to a state value and returns the new state.
// Folds must be total: they cannot fail.
type FoldFunc[S, E any] func(state S, event EventContext[E]) S

// Aggregate describes the aggregate an event store is bound to.
type Aggregate[A any] struct {
	// Type is the aggregate type name used as the first part of every key
	Type string

	// New returns the default aggregate value used when no snapshot exists.
	// When nil, the zero value of A is used.
	New func() A
}

// Default returns a fresh default aggregate value.
func (a Aggregate[A]) Default() A {
	if a.New != nil {
		return a.New()
	}
	var zero A
	return zero
}

// Query describes a projection type and how events advance it.
type Query[Q, E any] struct {
	// AggregateType is the type of aggregate whose events feed the projection
	AggregateType string

	// Type is the query type name; one aggregate may have many query types
	Type string

	// New returns the default projection value used when nothing is stored.
	// When nil, the zero value of Q is used.
	New func() Q

	// Fold applies a single event to the projection payload
	Fold FoldFunc[Q, E]
}

// Default returns a fresh default projection value.
func (q Query[Q, E]) Default() Q {
	if q.New != nil {
		return q.New()
	}
	var zero Q
	return zero
}

// LastSequence returns the sequence of the last event, or 0 when events is empty.
func LastSequence[E any](events []EventContext[E]) int64 {
	if len(events) == 0 {
		return 0
	}
	return events[len(events)-1].Sequence
}
