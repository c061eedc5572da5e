package projection_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getpup/cqrsstore/es"
	"github.com/getpup/cqrsstore/es/adapters/memory"
	"github.com/getpup/cqrsstore/es/projection"
	"github.com/getpup/cqrsstore/es/store"
	"github.com/getpup/cqrsstore/es/store/storetest"
)

func newStores(t *testing.T) (*store.Events[storetest.CustomerEvent, storetest.Customer], *store.Queries[storetest.CustomerContact, storetest.CustomerEvent]) {
	t.Helper()
	backend := memory.NewBackend(memory.DefaultStoreConfig())
	return store.NewEventStore[storetest.CustomerEvent](backend, storetest.CustomerAggregate),
		store.NewQueryStore(backend, storetest.ContactQuery)
}

func TestRehydrate(t *testing.T) {
	ctx := context.Background()
	events, _ := newStores(t)

	t.Run("without snapshot replays the whole log", func(t *testing.T) {
		id := uuid.NewString()
		require.NoError(t, events.SaveEvents(ctx, storetest.Events(id, 1,
			storetest.Name("Alice"), storetest.Email("alice@example.com"), storetest.Address("1 Main St"))))

		agg, err := projection.Rehydrate(ctx, events, id, storetest.ApplyCustomer)
		require.NoError(t, err)
		assert.Equal(t, es.AggregateContext[storetest.Customer]{
			AggregateID: id,
			Version:     3,
			Payload: storetest.Customer{
				CustomerID: id,
				Name:       "Alice",
				Email:      "alice@example.com",
				Addresses:  []string{"1 Main St"},
			},
		}, agg)
	})

	t.Run("applies only events after the snapshot", func(t *testing.T) {
		id := uuid.NewString()
		require.NoError(t, events.SaveEvents(ctx, storetest.Events(id, 1,
			storetest.Name("Alice"), storetest.Email("old@example.com"), storetest.Email("new@example.com"))))
		require.NoError(t, events.SaveAggregateSnapshot(ctx, es.AggregateContext[storetest.Customer]{
			AggregateID: id,
			Version:     2,
			Payload:     storetest.Customer{CustomerID: id, Name: "Snapshot Name", Email: "old@example.com"},
		}))

		agg, err := projection.Rehydrate(ctx, events, id, storetest.ApplyCustomer)
		require.NoError(t, err)
		assert.Equal(t, int64(3), agg.Version)
		assert.Equal(t, "Snapshot Name", agg.Payload.Name)
		assert.Equal(t, "new@example.com", agg.Payload.Email)
	})

	t.Run("unknown aggregate", func(t *testing.T) {
		id := uuid.NewString()
		agg, err := projection.Rehydrate(ctx, events, id, storetest.ApplyCustomer)
		require.NoError(t, err)
		assert.Equal(t, int64(0), agg.Version)
		assert.Equal(t, id, agg.AggregateID)
		assert.Equal(t, storetest.Customer{}, agg.Payload)
	})
}

type failingReader struct {
	snapshotErr error
	eventsErr   error
}

func (f failingReader) LoadAggregateFromSnapshot(_ context.Context, id string) (es.AggregateContext[storetest.Customer], error) {
	return es.AggregateContext[storetest.Customer]{AggregateID: id}, f.snapshotErr
}

func (f failingReader) LoadEventsAfter(context.Context, string, int64) ([]es.EventContext[storetest.CustomerEvent], error) {
	return nil, f.eventsErr
}

func TestRehydrateErrors(t *testing.T) {
	errBoom := errors.New("boom")

	_, err := projection.Rehydrate[storetest.CustomerEvent, storetest.Customer](
		context.Background(), failingReader{snapshotErr: errBoom}, "c-1", storetest.ApplyCustomer)
	assert.ErrorIs(t, err, errBoom)
	assert.Contains(t, err.Error(), "failed to load snapshot")

	_, err = projection.Rehydrate[storetest.CustomerEvent, storetest.Customer](
		context.Background(), failingReader{eventsErr: errBoom}, "c-1", storetest.ApplyCustomer)
	assert.ErrorIs(t, err, errBoom)
	assert.Contains(t, err.Error(), "failed to load events after 0")
}

func TestRebuild(t *testing.T) {
	ctx := context.Background()

	for _, policy := range []store.WritePolicy{store.WritePolicyUpsert, store.WritePolicyInsertUpdate} {
		t.Run(policy.String(), func(t *testing.T) {
			backend := memory.NewBackend(memory.DefaultStoreConfig())
			events := store.NewEventStore[storetest.CustomerEvent](backend, storetest.CustomerAggregate)
			queries := store.NewQueryStore(backend, storetest.ContactQuery, store.WithWritePolicy(policy))
			id := uuid.NewString()

			log := storetest.Events(id, 1, storetest.Name("Alice"), storetest.Email("alice@example.com"))
			require.NoError(t, events.SaveEvents(ctx, log))

			// A corrupted projection that missed the second event.
			require.NoError(t, queries.Dispatch(ctx, id, log[:1]))

			rebuilt, err := projection.Rebuild(ctx, events, queries, storetest.ContactQuery, id)
			require.NoError(t, err)

			want := es.QueryContext[storetest.CustomerContact]{
				AggregateID: id,
				Version:     2,
				Payload:     storetest.CustomerContact{Name: "Alice", Email: "alice@example.com", Updates: 2},
			}
			assert.Equal(t, want, rebuilt)

			stored, err := queries.LoadQuery(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, want, stored)
		})
	}
}

func TestRebuildEmptyLog(t *testing.T) {
	ctx := context.Background()
	events, queries := newStores(t)
	id := uuid.NewString()

	rebuilt, err := projection.Rebuild(ctx, events, queries, storetest.ContactQuery, id)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rebuilt.Version)
	assert.Equal(t, storetest.CustomerContact{}, rebuilt.Payload)
}

func TestRebuildWithoutFold(t *testing.T) {
	ctx := context.Background()
	backend := memory.NewBackend(memory.DefaultStoreConfig())
	events := store.NewEventStore[storetest.CustomerEvent](backend, storetest.CustomerAggregate)
	unfolded := es.Query[storetest.CustomerContact, storetest.CustomerEvent]{
		AggregateType: "customer",
		Type:          "customer_touch_query",
	}
	queries := store.NewQueryStore(backend, unfolded)
	id := uuid.NewString()

	require.NoError(t, events.SaveEvents(ctx, storetest.Events(id, 1, storetest.Name("Alice"))))

	rebuilt, err := projection.Rebuild(ctx, events, queries, unfolded, id)
	require.NoError(t, err)
	assert.Equal(t, es.QueryContext[storetest.CustomerContact]{AggregateID: id, Version: 1}, rebuilt)
}

func TestRebuildReplacesNonEmptyDefault(t *testing.T) {
	ctx := context.Background()
	backend := memory.NewBackend(memory.DefaultStoreConfig())
	events := store.NewEventStore[storetest.CustomerEvent](backend, storetest.OrderAggregate)
	queries := store.NewQueryStore(backend, storetest.ShippingQuery)
	id := uuid.NewString()

	log := storetest.Events(id, 1, storetest.Name("order"))
	require.NoError(t, events.SaveEvents(ctx, log))
	require.NoError(t, queries.Dispatch(ctx, id, log))

	rebuilt, err := projection.Rebuild(ctx, events, queries, storetest.ShippingQuery, id)
	require.NoError(t, err)

	stored, err := queries.LoadQuery(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, rebuilt, stored)
	assert.Equal(t, map[string]int{"shipped": 1}, stored.Payload.Lines)
	assert.Equal(t, int64(2), stored.Version)
}

func TestHashPartitionStrategy(t *testing.T) {
	strategy := projection.HashPartitionStrategy{}

	for i := 0; i < 100; i++ {
		id := uuid.NewString()
		handledBy := 0
		for key := 0; key < 4; key++ {
			if strategy.ShouldProcess(id, key, 4) {
				handledBy++
			}
		}
		assert.Equal(t, 1, handledBy, "aggregate %s", id)
	}

	assert.True(t, strategy.ShouldProcess("any", 0, 1))
	assert.True(t, strategy.ShouldProcess("any", 0, 0))
}

func TestHashPartitionStrategyIsDeterministic(t *testing.T) {
	strategy := projection.HashPartitionStrategy{}
	id := "customer-42"

	var owner int
	for key := 0; key < 8; key++ {
		if strategy.ShouldProcess(id, key, 8) {
			owner = key
		}
	}
	for i := 0; i < 10; i++ {
		assert.True(t, strategy.ShouldProcess(id, owner, 8))
	}
}

func TestPartitionConfigValidate(t *testing.T) {
	tests := []struct {
		key, total int
		valid      bool
	}{
		{0, 1, true},
		{3, 4, true},
		{0, 0, false},
		{-1, 4, false},
		{4, 4, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d of %d", tt.key, tt.total), func(t *testing.T) {
			err := projection.PartitionConfig{PartitionKey: tt.key, TotalPartitions: tt.total}.Validate()
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, projection.ErrInvalidPartitionConfig)
			}
		})
	}
}

type ownsPrefix struct{}

func (ownsPrefix) ShouldProcess(aggregateID string, partitionKey int, _ int) bool {
	return (aggregateID[0] == 'a') == (partitionKey == 0)
}

func TestPartitioned(t *testing.T) {
	ctx := context.Background()
	var seen []string
	next := store.DispatcherFunc[storetest.CustomerEvent](func(_ context.Context, id string, _ []es.EventContext[storetest.CustomerEvent]) error {
		seen = append(seen, id)
		return nil
	})

	p, err := projection.NewPartitioned[storetest.CustomerEvent](next, projection.PartitionConfig{
		PartitionKey:    0,
		TotalPartitions: 2,
		Strategy:        ownsPrefix{},
	})
	require.NoError(t, err)

	require.NoError(t, p.Dispatch(ctx, "alpha", nil))
	require.NoError(t, p.Dispatch(ctx, "beta", nil))
	require.NoError(t, p.Dispatch(ctx, "atom", nil))
	assert.Equal(t, []string{"alpha", "atom"}, seen)

	_, err = projection.NewPartitioned[storetest.CustomerEvent](next, projection.PartitionConfig{TotalPartitions: 0})
	assert.ErrorIs(t, err, projection.ErrInvalidPartitionConfig)
}
