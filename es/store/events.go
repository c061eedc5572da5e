package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/getpup/cqrsstore/es"
)

// Events implements EventStore over a Backend.
type Events[E, A any] struct {
	backend   Backend
	aggregate es.Aggregate[A]
	config    Config
}

var (
	_ EventStore[string, string] = (*Events[string, string])(nil)
	_ EventStreamReader[string]  = (*Events[string, string])(nil)
)

// NewEventStore creates an event store for one aggregate type.
func NewEventStore[E, A any](backend Backend, aggregate es.Aggregate[A], opts ...Option) *Events[E, A] {
	return &Events[E, A]{
		backend:   backend,
		aggregate: aggregate,
		config:    NewConfig(opts...),
	}
}

// AggregateType returns the aggregate type the store is bound to.
func (s *Events[E, A]) AggregateType() string {
	return s.aggregate.Type
}

// SaveEvents implements EventStore.
// All events are inserted inside one Backend.Atomic unit, in the order given.
func (s *Events[E, A]) SaveEvents(ctx context.Context, events []es.EventContext[E]) error {
	if len(events) == 0 {
		return nil
	}

	aggregateID := events[0].AggregateID
	for i := range events {
		if events[i].AggregateID != aggregateID {
			return s.fail(ctx, "save_events", aggregateID, "unable to save events",
				fmt.Errorf("event %d has aggregate id '%s': %w", i, events[i].AggregateID, ErrMixedAggregates))
		}
	}

	if s.config.Logger != nil {
		s.config.Logger.Debug(ctx, "storing events",
			"aggregate_type", s.aggregate.Type,
			"aggregate_id", aggregateID,
			"event_count", len(events))
	}

	records := make([]Record, len(events))
	now := s.config.Now()
	for i := range events {
		event := &events[i]
		payload, err := s.config.Codec.Marshal(event.Payload)
		if err != nil {
			return s.fail(ctx, "save_events", aggregateID, "unable to serialize the event payload", err)
		}
		metadata, err := s.config.MetadataCodec.Marshal(event.Metadata)
		if err != nil {
			return s.fail(ctx, "save_events", aggregateID, "unable to serialize the event metadata", err)
		}
		records[i] = Record{
			AggregateType: s.aggregate.Type,
			AggregateID:   aggregateID,
			Sequence:      event.Sequence,
			Payload:       payload,
			Metadata:      metadata,
			Timestamp:     now,
		}
	}

	unlock, err := s.config.Locker.Lock(ctx, aggregateKey(s.aggregate.Type, aggregateID))
	if err != nil {
		return s.fail(ctx, "save_events", aggregateID, "unable to lock aggregate", err)
	}
	defer unlock()

	err = s.backend.Atomic(ctx, func(ctx context.Context, b Backend) error {
		for i := range records {
			if _, execErr := b.Exec(ctx, InsertEvent, records[i]); execErr != nil {
				if isUniqueViolation(s.backend, execErr) {
					return fmt.Errorf("sequence %d: %w: %w", records[i].Sequence, ErrOptimisticConcurrency, execErr)
				}
				return fmt.Errorf("sequence %d: %w", records[i].Sequence, execErr)
			}
		}
		return nil
	})
	if err != nil {
		// Batching backends report the violation on commit.
		if isUniqueViolation(s.backend, err) {
			err = fmt.Errorf("%w: %w", ErrOptimisticConcurrency, err)
		}
		return s.fail(ctx, "save_events", aggregateID, "unable to insert new event", err)
	}

	if s.config.Logger != nil {
		s.config.Logger.Info(ctx, "events appended",
			"aggregate_type", s.aggregate.Type,
			"aggregate_id", aggregateID,
			"event_count", len(events),
			"sequence_range", fmt.Sprintf("%d-%d", events[0].Sequence, es.LastSequence(events)))
	}
	return nil
}

// LoadEvents implements EventStore.
func (s *Events[E, A]) LoadEvents(ctx context.Context, aggregateID string) ([]es.EventContext[E], error) {
	return s.LoadEventsAfter(ctx, aggregateID, 0)
}

// LoadEventsAfter implements EventStreamReader.
func (s *Events[E, A]) LoadEventsAfter(ctx context.Context, aggregateID string, sequence int64) ([]es.EventContext[E], error) {
	if s.config.Logger != nil {
		s.config.Logger.Debug(ctx, "loading events",
			"aggregate_type", s.aggregate.Type,
			"aggregate_id", aggregateID,
			"after_sequence", sequence)
	}

	rows, err := s.backend.Query(ctx, SelectEvents, Record{
		AggregateType: s.aggregate.Type,
		AggregateID:   aggregateID,
		Sequence:      sequence,
	})
	if err != nil {
		return nil, s.fail(ctx, "load_events", aggregateID, "unable to load events table", err)
	}

	events := make([]es.EventContext[E], 0, len(rows))
	for i := range rows {
		event := es.EventContext[E]{
			AggregateID: aggregateID,
			Sequence:    rows[i].Sequence,
		}
		if err := s.config.Codec.Unmarshal(rows[i].Payload, &event.Payload); err != nil {
			return nil, s.fail(ctx, "load_events", aggregateID, "bad payload found in events table",
				fmt.Errorf("sequence %d: %w", rows[i].Sequence, err))
		}
		if len(rows[i].Metadata) > 0 {
			if err := s.config.MetadataCodec.Unmarshal(rows[i].Metadata, &event.Metadata); err != nil {
				return nil, s.fail(ctx, "load_events", aggregateID, "bad metadata found in events table",
					fmt.Errorf("sequence %d: %w", rows[i].Sequence, err))
			}
		}
		events = append(events, event)
	}

	if s.config.Logger != nil {
		s.config.Logger.Debug(ctx, "events loaded",
			"aggregate_type", s.aggregate.Type,
			"aggregate_id", aggregateID,
			"event_count", len(events))
	}
	return events, nil
}

// SaveAggregateSnapshot implements EventStore.
func (s *Events[E, A]) SaveAggregateSnapshot(ctx context.Context, snapshot es.AggregateContext[A]) error {
	if snapshot.Version < 1 {
		return s.fail(ctx, "save_snapshot", snapshot.AggregateID, "unable to insert/update snapshot",
			fmt.Errorf("version %d: %w", snapshot.Version, ErrInvalidVersion))
	}

	payload, err := s.config.Codec.Marshal(snapshot.Payload)
	if err != nil {
		return s.fail(ctx, "save_snapshot", snapshot.AggregateID, "unable to serialize aggregate snapshot", err)
	}

	unlock, err := s.config.Locker.Lock(ctx, aggregateKey(s.aggregate.Type, snapshot.AggregateID))
	if err != nil {
		return s.fail(ctx, "save_snapshot", snapshot.AggregateID, "unable to lock aggregate", err)
	}
	defer unlock()

	rec := Record{
		AggregateType: s.aggregate.Type,
		AggregateID:   snapshot.AggregateID,
		Sequence:      snapshot.Version,
		Payload:       payload,
		Timestamp:     s.config.Now(),
	}
	stmt := writeStatement(s.config.WritePolicy, snapshot.Version, InsertSnapshot, UpdateSnapshot, UpsertSnapshot)
	if _, err := s.backend.Exec(ctx, stmt, rec); err != nil {
		return s.fail(ctx, "save_snapshot", snapshot.AggregateID, "unable to insert/update snapshot", err)
	}

	if s.config.Logger != nil {
		s.config.Logger.Debug(ctx, "snapshot saved",
			"aggregate_type", s.aggregate.Type,
			"aggregate_id", snapshot.AggregateID,
			"version", snapshot.Version,
			"statement", stmt.String())
	}
	return nil
}

// LoadAggregateFromSnapshot implements EventStore.
func (s *Events[E, A]) LoadAggregateFromSnapshot(ctx context.Context, aggregateID string) (es.AggregateContext[A], error) {
	rows, err := s.backend.Query(ctx, SelectSnapshot, Record{
		AggregateType: s.aggregate.Type,
		AggregateID:   aggregateID,
	})
	if err != nil {
		return es.AggregateContext[A]{}, s.fail(ctx, "load_snapshot", aggregateID, "unable to load snapshot table", err)
	}

	if len(rows) == 0 {
		if s.config.Logger != nil {
			s.config.Logger.Debug(ctx, "returning default aggregate",
				"aggregate_type", s.aggregate.Type,
				"aggregate_id", aggregateID)
		}
		return es.AggregateContext[A]{
			AggregateID: aggregateID,
			Version:     0,
			Payload:     s.aggregate.Default(),
		}, nil
	}

	var payload A
	if err := s.config.Codec.Unmarshal(rows[0].Payload, &payload); err != nil {
		return es.AggregateContext[A]{}, s.fail(ctx, "load_snapshot", aggregateID, "bad payload found in snapshots table", err)
	}
	return es.AggregateContext[A]{
		AggregateID: aggregateID,
		Version:     rows[0].Sequence,
		Payload:     payload,
	}, nil
}

func (s *Events[E, A]) fail(ctx context.Context, op, aggregateID, reason string, err error) error {
	if s.config.Logger != nil {
		s.config.Logger.Error(ctx, reason,
			"op", op,
			"aggregate_type", s.aggregate.Type,
			"aggregate_id", aggregateID,
			"error", err)
	}
	return &es.StorageError{
		Op:            op,
		AggregateType: s.aggregate.Type,
		AggregateID:   aggregateID,
		Reason:        reason,
		Err:           err,
	}
}

// writeStatement picks the statement for a snapshot or query write.
func writeStatement(policy WritePolicy, version int64, insert, update, upsert Statement) Statement {
	if policy == WritePolicyInsertUpdate {
		if version == 1 {
			return insert
		}
		return update
	}
	return upsert
}

func isUniqueViolation(b Backend, err error) bool {
	if errors.Is(err, ErrOptimisticConcurrency) {
		return false
	}
	if d, ok := b.(UniqueViolationDetector); ok {
		return d.IsUniqueViolation(err)
	}
	return false
}
