package telemetry_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/getpup/cqrsstore/es"
	"github.com/getpup/cqrsstore/es/adapters/memory"
	"github.com/getpup/cqrsstore/es/store"
	"github.com/getpup/cqrsstore/es/store/storetest"
	"github.com/getpup/cqrsstore/es/telemetry"
)

func newRecorder() (*tracetest.SpanRecorder, telemetry.Option, telemetry.Option) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	return sr, telemetry.WithTracerProvider(tp), telemetry.WithMeterProvider(noop.NewMeterProvider())
}

func attr(span sdktrace.ReadOnlySpan, key attribute.Key) attribute.Value {
	for _, kv := range span.Attributes() {
		if kv.Key == key {
			return kv.Value
		}
	}
	return attribute.Value{}
}

func TestEventStoreSpans(t *testing.T) {
	ctx := context.Background()
	sr, tracing, metrics := newRecorder()
	backend := memory.NewBackend(memory.DefaultStoreConfig())
	inner := store.NewEventStore[storetest.CustomerEvent](backend, storetest.CustomerAggregate)

	events, err := telemetry.NewEventStore[storetest.CustomerEvent, storetest.Customer](inner, "customer", tracing, metrics)
	require.NoError(t, err)

	id := uuid.NewString()
	require.NoError(t, events.SaveEvents(ctx, storetest.Events(id, 1, storetest.Name("a"), storetest.Email("a@b.c"))))
	loaded, err := events.LoadEvents(ctx, id)
	require.NoError(t, err)
	assert.Len(t, loaded, 2)
	tail, err := events.LoadEventsAfter(ctx, id, 1)
	require.NoError(t, err)
	assert.Len(t, tail, 1)
	require.NoError(t, events.SaveAggregateSnapshot(ctx, es.AggregateContext[storetest.Customer]{AggregateID: id, Version: 2}))
	snap, err := events.LoadAggregateFromSnapshot(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(2), snap.Version)

	spans := sr.Ended()
	require.Len(t, spans, 5)

	names := make([]string, len(spans))
	for i, s := range spans {
		names[i] = s.Name()
		assert.Equal(t, "customer", attr(s, telemetry.AttrAggregateType).AsString())
		assert.Equal(t, id, attr(s, telemetry.AttrAggregateID).AsString())
		assert.Equal(t, codes.Unset, s.Status().Code)
	}
	assert.Equal(t, []string{
		"EventStore.SaveEvents",
		"EventStore.LoadEvents",
		"EventStore.LoadEventsAfter",
		"EventStore.SaveAggregateSnapshot",
		"EventStore.LoadAggregateFromSnapshot",
	}, names)

	assert.Equal(t, int64(2), attr(spans[0], telemetry.AttrEventCount).AsInt64())
	assert.Equal(t, int64(2), attr(spans[1], telemetry.AttrEventCount).AsInt64())
	assert.Equal(t, int64(1), attr(spans[2], telemetry.AttrEventCount).AsInt64())
	assert.Equal(t, int64(2), attr(spans[4], telemetry.AttrVersion).AsInt64())
}

func TestEventStoreRecordsErrors(t *testing.T) {
	ctx := context.Background()
	sr, tracing, metrics := newRecorder()
	backend := memory.NewBackend(memory.DefaultStoreConfig())
	inner := store.NewEventStore[storetest.CustomerEvent](backend, storetest.CustomerAggregate)

	events, err := telemetry.NewEventStore[storetest.CustomerEvent, storetest.Customer](inner, "customer", tracing, metrics)
	require.NoError(t, err)

	id := uuid.NewString()
	require.NoError(t, events.SaveEvents(ctx, storetest.Events(id, 1, storetest.Name("a"))))
	err = events.SaveEvents(ctx, storetest.Events(id, 1, storetest.Name("b")))
	require.ErrorIs(t, err, store.ErrOptimisticConcurrency)

	spans := sr.Ended()
	require.Len(t, spans, 2)
	failed := spans[1]
	assert.Equal(t, codes.Error, failed.Status().Code)
	require.NotEmpty(t, failed.Events())
	assert.Equal(t, "exception", failed.Events()[0].Name)
}

func TestEventStorePropagatesTraceContext(t *testing.T) {
	sr, tracing, metrics := newRecorder()
	backend := memory.NewBackend(memory.DefaultStoreConfig())
	inner := store.NewEventStore[storetest.CustomerEvent](backend, storetest.CustomerAggregate)

	events, err := telemetry.NewEventStore[storetest.CustomerEvent, storetest.Customer](inner, "customer",
		tracing, metrics, telemetry.WithMetadataPropagation(propagation.TraceContext{}))
	require.NoError(t, err)

	ctx := context.Background()
	id := uuid.NewString()
	batch := storetest.Events(id, 1, storetest.Name("a"))
	require.NoError(t, events.SaveEvents(ctx, batch))
	assert.NotContains(t, batch[0].Metadata, "traceparent", "caller metadata must not be modified")

	loaded, err := inner.LoadEvents(ctx, id)
	require.NoError(t, err)
	require.Len(t, loaded, 1)

	span := sr.Ended()[0]
	assert.Contains(t, loaded[0].Metadata["traceparent"], span.SpanContext().TraceID().String())
	assert.Equal(t, id+"-cmd", loaded[0].Metadata["causation_id"])
}

func TestQueryStoreSpans(t *testing.T) {
	ctx := context.Background()
	sr, tracing, metrics := newRecorder()
	backend := memory.NewBackend(memory.DefaultStoreConfig())
	inner := store.NewQueryStore(backend, storetest.ContactQuery)

	queries, err := telemetry.NewQueryStore[storetest.CustomerContact, storetest.CustomerEvent](
		inner, "customer", storetest.ContactQuery.Type, tracing, metrics)
	require.NoError(t, err)

	id := uuid.NewString()
	require.NoError(t, queries.Dispatch(ctx, id, storetest.Events(id, 1, storetest.Name("a"))))
	q, err := queries.LoadQuery(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "a", q.Payload.Name)
	require.NoError(t, queries.SaveQuery(ctx, es.QueryContext[storetest.CustomerContact]{AggregateID: id, Version: 0}))

	spans := sr.Ended()
	require.Len(t, spans, 3)
	assert.Equal(t, "QueryStore.Dispatch", spans[0].Name())
	assert.Equal(t, "QueryStore.LoadQuery", spans[1].Name())
	assert.Equal(t, int64(1), attr(spans[1], telemetry.AttrVersion).AsInt64())
	assert.Equal(t, "QueryStore.SaveQuery", spans[2].Name())
	assert.Equal(t, codes.Error, spans[2].Status().Code)
	for _, s := range spans {
		assert.Equal(t, storetest.ContactQuery.Type, attr(s, telemetry.AttrQueryType).AsString())
	}
}

func TestQueryStoreDispatchError(t *testing.T) {
	sr, tracing, metrics := newRecorder()
	errBoom := errors.New("boom")
	inner := failingQueryStore{err: errBoom}

	queries, err := telemetry.NewQueryStore[storetest.CustomerContact, storetest.CustomerEvent](
		inner, "customer", "contact", tracing, metrics)
	require.NoError(t, err)

	err = queries.Dispatch(context.Background(), "c-1", nil)
	assert.ErrorIs(t, err, errBoom)
	require.Len(t, sr.Ended(), 1)
	assert.Equal(t, "boom", sr.Ended()[0].Status().Description)
}

type failingQueryStore struct {
	err error
}

func (f failingQueryStore) SaveQuery(context.Context, es.QueryContext[storetest.CustomerContact]) error {
	return f.err
}

func (f failingQueryStore) LoadQuery(context.Context, string) (es.QueryContext[storetest.CustomerContact], error) {
	return es.QueryContext[storetest.CustomerContact]{}, f.err
}

func (f failingQueryStore) Dispatch(context.Context, string, []es.EventContext[storetest.CustomerEvent]) error {
	return f.err
}
