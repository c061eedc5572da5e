package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/getpup/cqrsstore/es"
	"github.com/getpup/cqrsstore/es/store"
)

// EventLog is an event store that can also read the tail of a stream.
type EventLog[E, A any] interface {
	store.EventStore[E, A]
	store.EventStreamReader[E]
}

// EventStore traces every call to the wrapped event store.
type EventStore[E, A any] struct {
	next          EventLog[E, A]
	aggregateType string
	in            *instruments
}

var (
	_ EventLog[struct{}, struct{}]         = (*EventStore[struct{}, struct{}])(nil)
	_ store.QueryStore[struct{}, struct{}] = (*QueryStore[struct{}, struct{}])(nil)
)

// NewEventStore wraps next.
func NewEventStore[E, A any](next EventLog[E, A], aggregateType string, opts ...Option) (*EventStore[E, A], error) {
	in, err := newInstruments(newConfig(opts))
	if err != nil {
		return nil, err
	}
	return &EventStore[E, A]{next: next, aggregateType: aggregateType, in: in}, nil
}

func (s *EventStore[E, A]) attrs(op string) []attribute.KeyValue {
	return []attribute.KeyValue{AttrOperation.String(op), AttrAggregateType.String(s.aggregateType)}
}

// SaveEvents implements store.EventStore.
func (s *EventStore[E, A]) SaveEvents(ctx context.Context, events []es.EventContext[E]) error {
	var aggregateID string
	if len(events) > 0 {
		aggregateID = events[0].AggregateID
	}
	attrs := s.attrs("save_events")
	spanAttrs := []attribute.KeyValue{AttrAggregateID.String(aggregateID), AttrEventCount.Int(len(events))}

	return s.in.observe(ctx, "EventStore.SaveEvents", attrs, spanAttrs, func(ctx context.Context) error {
		if s.in.cfg.propagateInMetadata {
			events = injectTraceContext(ctx, s.in.cfg.propagator, events)
		}
		if err := s.next.SaveEvents(ctx, events); err != nil {
			return err
		}
		s.in.appended.Add(ctx, int64(len(events)), metric.WithAttributes(attrs...))
		return nil
	})
}

// LoadEvents implements store.EventStore.
func (s *EventStore[E, A]) LoadEvents(ctx context.Context, aggregateID string) ([]es.EventContext[E], error) {
	return s.load(ctx, "load_events", "EventStore.LoadEvents", aggregateID, func(ctx context.Context) ([]es.EventContext[E], error) {
		return s.next.LoadEvents(ctx, aggregateID)
	})
}

// LoadEventsAfter implements store.EventStreamReader.
func (s *EventStore[E, A]) LoadEventsAfter(ctx context.Context, aggregateID string, sequence int64) ([]es.EventContext[E], error) {
	return s.load(ctx, "load_events_after", "EventStore.LoadEventsAfter", aggregateID, func(ctx context.Context) ([]es.EventContext[E], error) {
		return s.next.LoadEventsAfter(ctx, aggregateID, sequence)
	})
}

func (s *EventStore[E, A]) load(ctx context.Context, op, name, aggregateID string, fn func(context.Context) ([]es.EventContext[E], error)) ([]es.EventContext[E], error) {
	attrs := s.attrs(op)
	var events []es.EventContext[E]
	err := s.in.observe(ctx, name, attrs, []attribute.KeyValue{AttrAggregateID.String(aggregateID)}, func(ctx context.Context) error {
		var err error
		events, err = fn(ctx)
		if err != nil {
			return err
		}
		trace.SpanFromContext(ctx).SetAttributes(AttrEventCount.Int(len(events)))
		s.in.loaded.Add(ctx, int64(len(events)), metric.WithAttributes(attrs...))
		return nil
	})
	return events, err
}

// SaveAggregateSnapshot implements store.EventStore.
func (s *EventStore[E, A]) SaveAggregateSnapshot(ctx context.Context, snapshot es.AggregateContext[A]) error {
	spanAttrs := []attribute.KeyValue{AttrAggregateID.String(snapshot.AggregateID), AttrVersion.Int64(snapshot.Version)}
	return s.in.observe(ctx, "EventStore.SaveAggregateSnapshot", s.attrs("save_snapshot"), spanAttrs, func(ctx context.Context) error {
		return s.next.SaveAggregateSnapshot(ctx, snapshot)
	})
}

// LoadAggregateFromSnapshot implements store.EventStore.
func (s *EventStore[E, A]) LoadAggregateFromSnapshot(ctx context.Context, aggregateID string) (es.AggregateContext[A], error) {
	var agg es.AggregateContext[A]
	err := s.in.observe(ctx, "EventStore.LoadAggregateFromSnapshot", s.attrs("load_snapshot"),
		[]attribute.KeyValue{AttrAggregateID.String(aggregateID)}, func(ctx context.Context) error {
			var err error
			agg, err = s.next.LoadAggregateFromSnapshot(ctx, aggregateID)
			if err == nil {
				trace.SpanFromContext(ctx).SetAttributes(AttrVersion.Int64(agg.Version))
			}
			return err
		})
	return agg, err
}

// QueryStore traces every call to the wrapped query store.
type QueryStore[Q, E any] struct {
	next          store.QueryStore[Q, E]
	aggregateType string
	queryType     string
	in            *instruments
}

// NewQueryStore wraps next.
func NewQueryStore[Q, E any](next store.QueryStore[Q, E], aggregateType, queryType string, opts ...Option) (*QueryStore[Q, E], error) {
	in, err := newInstruments(newConfig(opts))
	if err != nil {
		return nil, err
	}
	return &QueryStore[Q, E]{next: next, aggregateType: aggregateType, queryType: queryType, in: in}, nil
}

func (s *QueryStore[Q, E]) attrs(op string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrOperation.String(op),
		AttrAggregateType.String(s.aggregateType),
		AttrQueryType.String(s.queryType),
	}
}

// SaveQuery implements store.QueryStore.
func (s *QueryStore[Q, E]) SaveQuery(ctx context.Context, query es.QueryContext[Q]) error {
	spanAttrs := []attribute.KeyValue{AttrAggregateID.String(query.AggregateID), AttrVersion.Int64(query.Version)}
	return s.in.observe(ctx, "QueryStore.SaveQuery", s.attrs("save_query"), spanAttrs, func(ctx context.Context) error {
		return s.next.SaveQuery(ctx, query)
	})
}

// LoadQuery implements store.QueryStore.
func (s *QueryStore[Q, E]) LoadQuery(ctx context.Context, aggregateID string) (es.QueryContext[Q], error) {
	var query es.QueryContext[Q]
	err := s.in.observe(ctx, "QueryStore.LoadQuery", s.attrs("load_query"),
		[]attribute.KeyValue{AttrAggregateID.String(aggregateID)}, func(ctx context.Context) error {
			var err error
			query, err = s.next.LoadQuery(ctx, aggregateID)
			if err == nil {
				trace.SpanFromContext(ctx).SetAttributes(AttrVersion.Int64(query.Version))
			}
			return err
		})
	return query, err
}

// Dispatch implements store.EventDispatcher.
func (s *QueryStore[Q, E]) Dispatch(ctx context.Context, aggregateID string, events []es.EventContext[E]) error {
	spanAttrs := []attribute.KeyValue{AttrAggregateID.String(aggregateID), AttrEventCount.Int(len(events))}
	return s.in.observe(ctx, "QueryStore.Dispatch", s.attrs("dispatch"), spanAttrs, func(ctx context.Context) error {
		return s.next.Dispatch(ctx, aggregateID, events)
	})
}

// injectTraceContext returns events with the trace context of ctx added to
// their metadata. The caller's slice and maps are not modified.
func injectTraceContext[E any](ctx context.Context, p propagation.TextMapPropagator, events []es.EventContext[E]) []es.EventContext[E] {
	carrier := propagation.MapCarrier{}
	p.Inject(ctx, carrier)
	if len(carrier) == 0 {
		return events
	}

	out := make([]es.EventContext[E], len(events))
	for i, event := range events {
		metadata := make(map[string]string, len(event.Metadata)+len(carrier))
		for k, v := range carrier {
			metadata[k] = v
		}
		for k, v := range event.Metadata {
			metadata[k] = v
		}
		event.Metadata = metadata
		out[i] = event
	}
	return out
}
