package store

import (
	"context"
	"errors"

	"github.com/getpup/cqrsstore/es"
)

// Queries implements QueryStore over a Backend.
type Queries[Q, E any] struct {
	backend Backend
	query   es.Query[Q, E]
	config  Config
}

var _ QueryStore[string, string] = (*Queries[string, string])(nil)

// NewQueryStore creates a query store for one projection type.
func NewQueryStore[Q, E any](backend Backend, query es.Query[Q, E], opts ...Option) *Queries[Q, E] {
	return &Queries[Q, E]{
		backend: backend,
		query:   query,
		config:  NewConfig(opts...),
	}
}

// AggregateType returns the aggregate type whose events feed the projection.
func (s *Queries[Q, E]) AggregateType() string {
	return s.query.AggregateType
}

// QueryType returns the projection type name.
func (s *Queries[Q, E]) QueryType() string {
	return s.query.Type
}

// SaveQuery implements QueryStore.
func (s *Queries[Q, E]) SaveQuery(ctx context.Context, query es.QueryContext[Q]) error {
	unlock, err := s.config.Locker.Lock(ctx, queryKey(s.query.AggregateType, query.AggregateID, s.query.Type))
	if err != nil {
		return s.fail(ctx, "save_query", query.AggregateID, "unable to lock query", err)
	}
	defer unlock()

	return s.save(ctx, s.backend, query)
}

// LoadQuery implements QueryStore.
func (s *Queries[Q, E]) LoadQuery(ctx context.Context, aggregateID string) (es.QueryContext[Q], error) {
	return s.load(ctx, s.backend, aggregateID)
}

// Dispatch implements EventDispatcher.
// The projection is loaded, every event is folded into it in order, its
// version is advanced by exactly one and it is saved again. The three steps
// run inside one Backend.Atomic unit so a failed save leaves the stored
// projection untouched.
func (s *Queries[Q, E]) Dispatch(ctx context.Context, aggregateID string, events []es.EventContext[E]) error {
	unlock, err := s.config.Locker.Lock(ctx, queryKey(s.query.AggregateType, aggregateID, s.query.Type))
	if err != nil {
		return s.fail(ctx, "dispatch", aggregateID, "unable to lock query", err)
	}
	defer unlock()

	var version int64
	err = s.backend.Atomic(ctx, func(ctx context.Context, b Backend) error {
		query, err := s.load(ctx, b, aggregateID)
		if err != nil {
			return err
		}
		if s.query.Fold != nil {
			for i := range events {
				query.Payload = s.query.Fold(query.Payload, events[i])
			}
		}
		query.Version++
		version = query.Version
		return s.save(ctx, b, query)
	})
	if err != nil {
		var storageErr *es.StorageError
		if errors.As(err, &storageErr) {
			return err
		}
		return s.fail(ctx, "dispatch", aggregateID, "unable to commit query", err)
	}

	if s.config.Logger != nil {
		s.config.Logger.Info(ctx, "query dispatched",
			"aggregate_type", s.query.AggregateType,
			"aggregate_id", aggregateID,
			"query_type", s.query.Type,
			"event_count", len(events),
			"version", version)
	}
	return nil
}

func (s *Queries[Q, E]) load(ctx context.Context, b Backend, aggregateID string) (es.QueryContext[Q], error) {
	rows, err := b.Query(ctx, SelectQuery, Record{
		AggregateType: s.query.AggregateType,
		AggregateID:   aggregateID,
		QueryType:     s.query.Type,
	})
	if err != nil {
		return es.QueryContext[Q]{}, s.fail(ctx, "load_query", aggregateID, "unable to load queries table", err)
	}

	if len(rows) == 0 {
		if s.config.Logger != nil {
			s.config.Logger.Debug(ctx, "returning default query",
				"aggregate_type", s.query.AggregateType,
				"aggregate_id", aggregateID,
				"query_type", s.query.Type)
		}
		return es.QueryContext[Q]{
			AggregateID: aggregateID,
			Version:     0,
			Payload:     s.query.Default(),
		}, nil
	}

	// Decode into a zero value: the stored payload replaces the default
	// rather than merging into it.
	var payload Q
	if err := s.config.Codec.Unmarshal(rows[0].Payload, &payload); err != nil {
		return es.QueryContext[Q]{}, s.fail(ctx, "load_query", aggregateID, "bad payload found in queries table", err)
	}
	return es.QueryContext[Q]{
		AggregateID: aggregateID,
		Version:     rows[0].Sequence,
		Payload:     payload,
	}, nil
}

func (s *Queries[Q, E]) save(ctx context.Context, b Backend, query es.QueryContext[Q]) error {
	if query.Version < 1 {
		return s.fail(ctx, "save_query", query.AggregateID, "unable to insert/update query",
			ErrInvalidVersion)
	}

	payload, err := s.config.Codec.Marshal(query.Payload)
	if err != nil {
		return s.fail(ctx, "save_query", query.AggregateID, "unable to serialize the payload", err)
	}

	rec := Record{
		AggregateType: s.query.AggregateType,
		AggregateID:   query.AggregateID,
		QueryType:     s.query.Type,
		Sequence:      query.Version,
		Payload:       payload,
		Timestamp:     s.config.Now(),
	}
	stmt := writeStatement(s.config.WritePolicy, query.Version, InsertQuery, UpdateQuery, UpsertQuery)
	if _, err := b.Exec(ctx, stmt, rec); err != nil {
		return s.fail(ctx, "save_query", query.AggregateID, "unable to insert/update query", err)
	}

	if s.config.Logger != nil {
		s.config.Logger.Debug(ctx, "query saved",
			"aggregate_type", s.query.AggregateType,
			"aggregate_id", query.AggregateID,
			"query_type", s.query.Type,
			"version", query.Version,
			"statement", stmt.String())
	}
	return nil
}

func (s *Queries[Q, E]) fail(ctx context.Context, op, aggregateID, reason string, err error) error {
	if s.config.Logger != nil {
		s.config.Logger.Error(ctx, reason,
			"op", op,
			"aggregate_type", s.query.AggregateType,
			"aggregate_id", aggregateID,
			"query_type", s.query.Type,
			"error", err)
	}
	return &es.StorageError{
		Op:            op,
		AggregateType: s.query.AggregateType,
		AggregateID:   aggregateID,
		QueryType:     s.query.Type,
		Reason:        reason,
		Err:           err,
	}
}
