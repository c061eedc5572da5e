// Package store defines the event store and query store contracts and
// implements them once, generically, over a narrow Backend capability set.
package store

import (
	"context"
	"errors"

	"github.com/getpup/cqrsstore/es"
)

var (
	// ErrOptimisticConcurrency indicates an append collided with an already
	// stored sequence for the same aggregate.
	ErrOptimisticConcurrency = errors.New("optimistic concurrency conflict")

	// ErrMixedAggregates indicates a save_events call carried events for
	// more than one aggregate id.
	ErrMixedAggregates = errors.New("events belong to different aggregates")

	// ErrInvalidVersion indicates a snapshot or query was saved with a
	// version below 1.
	ErrInvalidVersion = errors.New("version must be at least 1")
)

// EventStore is the append-only event log plus snapshot cache of one aggregate type.
type EventStore[E, A any] interface {
	// SaveEvents atomically appends events for a single aggregate in the given order.
	// An empty slice is a no-op. Sequences are trusted as supplied.
	SaveEvents(ctx context.Context, events []es.EventContext[E]) error

	// LoadEvents returns every event of the aggregate ordered by ascending
	// sequence, or an empty slice when none were stored.
	LoadEvents(ctx context.Context, aggregateID string) ([]es.EventContext[E], error)

	// SaveAggregateSnapshot replaces the aggregate's snapshot.
	SaveAggregateSnapshot(ctx context.Context, snapshot es.AggregateContext[A]) error

	// LoadAggregateFromSnapshot returns the current snapshot, or version 0
	// with the default payload when none exists.
	LoadAggregateFromSnapshot(ctx context.Context, aggregateID string) (es.AggregateContext[A], error)
}

// EventStreamReader reads the tail of an aggregate's log.
type EventStreamReader[E any] interface {
	// LoadEventsAfter returns events with a sequence greater than sequence.
	LoadEventsAfter(ctx context.Context, aggregateID string, sequence int64) ([]es.EventContext[E], error)
}

// QueryStore persists one projection type per aggregate.
type QueryStore[Q, E any] interface {
	// SaveQuery replaces the stored projection.
	SaveQuery(ctx context.Context, query es.QueryContext[Q]) error

	// LoadQuery returns the stored projection, or version 0 with the
	// default payload when none exists.
	LoadQuery(ctx context.Context, aggregateID string) (es.QueryContext[Q], error)

	EventDispatcher[E]
}

// EventDispatcher receives events that were appended to an aggregate.
type EventDispatcher[E any] interface {
	Dispatch(ctx context.Context, aggregateID string, events []es.EventContext[E]) error
}

// DispatcherFunc adapts a function to EventDispatcher.
type DispatcherFunc[E any] func(ctx context.Context, aggregateID string, events []es.EventContext[E]) error

// Dispatch implements EventDispatcher.
func (f DispatcherFunc[E]) Dispatch(ctx context.Context, aggregateID string, events []es.EventContext[E]) error {
	return f(ctx, aggregateID, events)
}
