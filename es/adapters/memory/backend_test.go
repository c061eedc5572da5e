package memory_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getpup/cqrsstore/es/adapters/memory"
	"github.com/getpup/cqrsstore/es/store"
	"github.com/getpup/cqrsstore/es/store/storetest"
)

func newBackend(t *testing.T) store.Backend {
	return memory.NewBackend(memory.DefaultStoreConfig())
}

func TestConformance(t *testing.T) {
	storetest.Run(t, newBackend)
}

func TestConformanceInsertUpdatePolicy(t *testing.T) {
	storetest.Run(t, newBackend, storetest.WithStoreOptions(store.WithWritePolicy(store.WritePolicyInsertUpdate)))
}

func event(id string, seq int64) store.Record {
	return store.Record{AggregateType: "customer", AggregateID: id, Sequence: seq, Payload: []byte(`{}`)}
}

func TestDuplicateEventIsUniqueViolation(t *testing.T) {
	ctx := context.Background()
	backend := memory.NewBackend(memory.DefaultStoreConfig())

	_, err := backend.Exec(ctx, store.InsertEvent, event("c-1", 1))
	require.NoError(t, err)

	_, err = backend.Exec(ctx, store.InsertEvent, event("c-1", 1))
	require.ErrorIs(t, err, memory.ErrDuplicateKey)
	assert.True(t, backend.IsUniqueViolation(err))
	assert.False(t, backend.IsUniqueViolation(errors.New("other")))
}

func TestEventsAreReturnedInSequenceOrder(t *testing.T) {
	ctx := context.Background()
	backend := memory.NewBackend(memory.DefaultStoreConfig())

	for _, seq := range []int64{3, 1, 2} {
		_, err := backend.Exec(ctx, store.InsertEvent, event("c-1", seq))
		require.NoError(t, err)
	}

	rows, err := backend.Query(ctx, store.SelectEvents, store.Record{AggregateType: "customer", AggregateID: "c-1", Sequence: 1})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, int64(2), rows[0].Sequence)
	assert.Equal(t, int64(3), rows[1].Sequence)
}

func TestRecordsAreCopied(t *testing.T) {
	ctx := context.Background()
	backend := memory.NewBackend(memory.DefaultStoreConfig())

	rec := store.Record{AggregateType: "customer", AggregateID: "c-1", Sequence: 1, Payload: []byte(`"a"`)}
	_, err := backend.Exec(ctx, store.UpsertSnapshot, rec)
	require.NoError(t, err)
	rec.Payload[1] = 'b'

	rows, err := backend.Query(ctx, store.SelectSnapshot, store.Record{AggregateType: "customer", AggregateID: "c-1"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, `"a"`, string(rows[0].Payload))

	rows[0].Payload[1] = 'c'
	again, err := backend.Query(ctx, store.SelectSnapshot, store.Record{AggregateType: "customer", AggregateID: "c-1"})
	require.NoError(t, err)
	assert.Equal(t, `"a"`, string(again[0].Payload))
}

func TestUpsertKeepsNewerRow(t *testing.T) {
	ctx := context.Background()
	backend := memory.NewBackend(memory.DefaultStoreConfig())
	key := store.Record{AggregateType: "customer", AggregateID: "c-1", QueryType: "contact"}

	newer := key
	newer.Sequence, newer.Payload = 3, []byte(`"v3"`)
	n, err := backend.Exec(ctx, store.UpsertQuery, newer)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	stale := key
	stale.Sequence, stale.Payload = 2, []byte(`"v2"`)
	n, err = backend.Exec(ctx, store.UpsertQuery, stale)
	require.NoError(t, err)
	assert.Zero(t, n)

	same := key
	same.Sequence, same.Payload = 3, []byte(`"v3bis"`)
	n, err = backend.Exec(ctx, store.UpsertQuery, same)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "equal versions overwrite")

	rows, err := backend.Query(ctx, store.SelectQuery, key)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, `"v3bis"`, string(rows[0].Payload))
}

func TestUpdateOfMissingRowAffectsNothing(t *testing.T) {
	backend := memory.NewBackend(memory.DefaultStoreConfig())
	n, err := backend.Exec(context.Background(), store.UpdateSnapshot, store.Record{
		AggregateType: "customer",
		AggregateID:   "missing",
		Sequence:      2,
		Payload:       []byte(`{}`),
	})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestInsertOfExistingRowFails(t *testing.T) {
	ctx := context.Background()
	backend := memory.NewBackend(memory.DefaultStoreConfig())
	rec := store.Record{AggregateType: "customer", AggregateID: "c-1", QueryType: "contact", Sequence: 1, Payload: []byte(`{}`)}

	_, err := backend.Exec(ctx, store.InsertQuery, rec)
	require.NoError(t, err)
	_, err = backend.Exec(ctx, store.InsertQuery, rec)
	require.ErrorIs(t, err, memory.ErrDuplicateKey)
}

func TestAtomicRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	backend := memory.NewBackend(memory.DefaultStoreConfig())
	boom := errors.New("boom")

	_, err := backend.Exec(ctx, store.UpsertSnapshot, store.Record{AggregateType: "customer", AggregateID: "c-1", Sequence: 1, Payload: []byte(`"old"`)})
	require.NoError(t, err)

	err = backend.Atomic(ctx, func(ctx context.Context, b store.Backend) error {
		if _, err := b.Exec(ctx, store.InsertEvent, event("c-1", 1)); err != nil {
			return err
		}
		if _, err := b.Exec(ctx, store.InsertEvent, event("c-1", 2)); err != nil {
			return err
		}
		if _, err := b.Exec(ctx, store.UpsertSnapshot, store.Record{AggregateType: "customer", AggregateID: "c-1", Sequence: 2, Payload: []byte(`"new"`)}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	rows, err := backend.Query(ctx, store.SelectEvents, store.Record{AggregateType: "customer", AggregateID: "c-1"})
	require.NoError(t, err)
	assert.Empty(t, rows)

	rows, err = backend.Query(ctx, store.SelectSnapshot, store.Record{AggregateType: "customer", AggregateID: "c-1"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, `"old"`, string(rows[0].Payload))
	assert.Equal(t, int64(1), rows[0].Sequence)
}

func TestAtomicSeesItsOwnWrites(t *testing.T) {
	ctx := context.Background()
	backend := memory.NewBackend(memory.DefaultStoreConfig())

	err := backend.Atomic(ctx, func(ctx context.Context, b store.Backend) error {
		if _, err := b.Exec(ctx, store.InsertEvent, event("c-1", 1)); err != nil {
			return err
		}
		rows, err := b.Query(ctx, store.SelectEvents, store.Record{AggregateType: "customer", AggregateID: "c-1"})
		if err != nil {
			return err
		}
		assert.Len(t, rows, 1)
		return b.Atomic(ctx, func(ctx context.Context, nested store.Backend) error {
			_, err := nested.Exec(ctx, store.InsertEvent, event("c-1", 2))
			return err
		})
	})
	require.NoError(t, err)

	rows, err := backend.Query(ctx, store.SelectEvents, store.Record{AggregateType: "customer", AggregateID: "c-1"})
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestUnsupportedStatements(t *testing.T) {
	ctx := context.Background()
	backend := memory.NewBackend(memory.DefaultStoreConfig())

	_, err := backend.Exec(ctx, store.SelectEvents, event("c-1", 1))
	require.Error(t, err)

	_, err = backend.Query(ctx, store.InsertEvent, event("c-1", 1))
	require.Error(t, err)
}

func TestConcurrentAppendsToDistinctStreams(t *testing.T) {
	ctx := context.Background()
	backend := memory.NewBackend(memory.DefaultStoreConfig())
	events := store.NewEventStore[storetest.CustomerEvent](backend, storetest.CustomerAggregate)

	var wg sync.WaitGroup
	for _, id := range []string{"c-1", "c-2", "c-3", "c-4"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			assert.NoError(t, events.SaveEvents(ctx, storetest.Events(id, 1, storetest.Name(id), storetest.Email(id+"@example.com"))))
		}(id)
	}
	wg.Wait()

	for _, id := range []string{"c-1", "c-2", "c-3", "c-4"} {
		loaded, err := events.LoadEvents(ctx, id)
		require.NoError(t, err)
		assert.Len(t, loaded, 2)
	}
}
