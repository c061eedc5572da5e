// Package projection rebuilds aggregate state and query projections from
// the event log, and routes dispatched events across partitions.
package projection

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"

	"github.com/getpup/cqrsstore/es"
	"github.com/getpup/cqrsstore/es/store"
)

// ErrInvalidPartitionConfig indicates invalid partition configuration.
var ErrInvalidPartitionConfig = errors.New("invalid partition configuration")

// SnapshotReader is the part of an event store Rehydrate needs.
type SnapshotReader[E, A any] interface {
	LoadAggregateFromSnapshot(ctx context.Context, aggregateID string) (es.AggregateContext[A], error)
	store.EventStreamReader[E]
}

// EventLoader reads an aggregate's full log.
type EventLoader[E any] interface {
	LoadEvents(ctx context.Context, aggregateID string) ([]es.EventContext[E], error)
}

// QueryRepository loads and replaces one projection type.
type QueryRepository[Q any] interface {
	LoadQuery(ctx context.Context, aggregateID string) (es.QueryContext[Q], error)
	SaveQuery(ctx context.Context, query es.QueryContext[Q]) error
}

// Rehydrate returns the aggregate's current state: its snapshot with every
// event appended after the snapshot version applied in order. The returned
// version is the sequence of the last applied event.
func Rehydrate[E, A any](ctx context.Context, events SnapshotReader[E, A], aggregateID string, apply es.FoldFunc[A, E]) (es.AggregateContext[A], error) {
	agg, err := events.LoadAggregateFromSnapshot(ctx, aggregateID)
	if err != nil {
		return es.AggregateContext[A]{}, fmt.Errorf("failed to load snapshot: %w", err)
	}

	tail, err := events.LoadEventsAfter(ctx, aggregateID, agg.Version)
	if err != nil {
		return es.AggregateContext[A]{}, fmt.Errorf("failed to load events after %d: %w", agg.Version, err)
	}

	agg.AggregateID = aggregateID
	for _, event := range tail {
		agg.Payload = apply(agg.Payload, event)
		agg.Version = event.Sequence
	}
	return agg, nil
}

// Rebuild recomputes a query projection by folding the aggregate's full log
// into the query's default payload. The result is saved one version above
// the stored one so it replaces the row under either write policy.
//
// Dispatches to the same projection that run concurrently with Rebuild may
// be overwritten; pause them first.
func Rebuild[Q, E any](ctx context.Context, events EventLoader[E], queries QueryRepository[Q], query es.Query[Q, E], aggregateID string) (es.QueryContext[Q], error) {
	log, err := events.LoadEvents(ctx, aggregateID)
	if err != nil {
		return es.QueryContext[Q]{}, fmt.Errorf("failed to load events: %w", err)
	}

	current, err := queries.LoadQuery(ctx, aggregateID)
	if err != nil {
		return es.QueryContext[Q]{}, fmt.Errorf("failed to load query %s: %w", query.Type, err)
	}

	rebuilt := es.QueryContext[Q]{
		AggregateID: aggregateID,
		Version:     current.Version + 1,
		Payload:     query.Default(),
	}
	if query.Fold != nil {
		for _, event := range log {
			rebuilt.Payload = query.Fold(rebuilt.Payload, event)
		}
	}

	if err := queries.SaveQuery(ctx, rebuilt); err != nil {
		return es.QueryContext[Q]{}, fmt.Errorf("failed to save query %s: %w", query.Type, err)
	}
	return rebuilt, nil
}

// PartitionStrategy defines how aggregates are split across dispatchers.
type PartitionStrategy interface {
	// ShouldProcess returns true if the partition identified by partitionKey
	// owns aggregateID.
	ShouldProcess(aggregateID string, partitionKey int, totalPartitions int) bool
}

// HashPartitionStrategy assigns aggregates to partitions by an FNV-1a hash
// of the aggregate id. All events of an aggregate land on the same
// partition, so per-aggregate ordering holds within a partition.
type HashPartitionStrategy struct{}

// ShouldProcess implements PartitionStrategy.
func (HashPartitionStrategy) ShouldProcess(aggregateID string, partitionKey int, totalPartitions int) bool {
	if totalPartitions <= 1 {
		return true
	}

	h := fnv.New32a()
	h.Write([]byte(aggregateID))
	return int(h.Sum32()%uint32(totalPartitions)) == partitionKey
}

// PartitionConfig selects one partition.
type PartitionConfig struct {
	// PartitionKey identifies this partition (0-indexed)
	PartitionKey int

	// TotalPartitions is the total number of partitions
	TotalPartitions int

	// Strategy decides which aggregates the partition owns.
	// Defaults to HashPartitionStrategy.
	Strategy PartitionStrategy
}

// Validate checks the partition bounds.
func (c PartitionConfig) Validate() error {
	if c.TotalPartitions < 1 {
		return fmt.Errorf("%w: total partitions must be positive, got %d", ErrInvalidPartitionConfig, c.TotalPartitions)
	}
	if c.PartitionKey < 0 || c.PartitionKey >= c.TotalPartitions {
		return fmt.Errorf("%w: partition key %d out of range [0, %d)", ErrInvalidPartitionConfig, c.PartitionKey, c.TotalPartitions)
	}
	return nil
}

// Partitioned forwards only the batches whose aggregate the configured
// partition owns. Other batches are dropped without error.
type Partitioned[E any] struct {
	next   store.EventDispatcher[E]
	config PartitionConfig
}

// NewPartitioned wraps next so it only sees its partition's aggregates.
func NewPartitioned[E any](next store.EventDispatcher[E], config PartitionConfig) (*Partitioned[E], error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.Strategy == nil {
		config.Strategy = HashPartitionStrategy{}
	}
	return &Partitioned[E]{next: next, config: config}, nil
}

// Dispatch implements store.EventDispatcher.
func (p *Partitioned[E]) Dispatch(ctx context.Context, aggregateID string, events []es.EventContext[E]) error {
	if !p.config.Strategy.ShouldProcess(aggregateID, p.config.PartitionKey, p.config.TotalPartitions) {
		return nil
	}
	return p.next.Dispatch(ctx, aggregateID, events)
}
