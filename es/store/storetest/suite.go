package storetest

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getpup/cqrsstore/es"
	"github.com/getpup/cqrsstore/es/store"
)

// Factory returns a ready backend for one test. Cleanup is registered on t.
type Factory func(t *testing.T) store.Backend

type suiteConfig struct {
	atomicAppends bool
	storeOptions  []store.Option
}

// SuiteOption adjusts the conformance suite to a backend's capabilities.
type SuiteOption func(*suiteConfig)

// WithoutAtomicAppends skips the all-or-nothing append check for backends
// that cannot roll back a partially applied batch.
func WithoutAtomicAppends() SuiteOption {
	return func(c *suiteConfig) {
		c.atomicAppends = false
	}
}

// WithStoreOptions passes extra options to every store the suite creates.
func WithStoreOptions(opts ...store.Option) SuiteOption {
	return func(c *suiteConfig) {
		c.storeOptions = append(c.storeOptions, opts...)
	}
}

// Run runs the event store and query store suites.
func Run(t *testing.T, newBackend Factory, opts ...SuiteOption) {
	t.Run("EventStore", func(t *testing.T) { RunEventStoreTests(t, newBackend, opts...) })
	t.Run("QueryStore", func(t *testing.T) { RunQueryStoreTests(t, newBackend, opts...) })
}

func newSuiteConfig(opts []SuiteOption) suiteConfig {
	cfg := suiteConfig{atomicAppends: true}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

func newAggregateID() string {
	return "customer-" + uuid.NewString()
}

// RunEventStoreTests checks the event store contract against a backend.
func RunEventStoreTests(t *testing.T, newBackend Factory, opts ...SuiteOption) {
	cfg := newSuiteConfig(opts)
	ctx := context.Background()

	newStore := func(t *testing.T, extra ...store.Option) *store.Events[CustomerEvent, Customer] {
		options := append(append([]store.Option(nil), cfg.storeOptions...), extra...)
		return store.NewEventStore[CustomerEvent](newBackend(t), CustomerAggregate, options...)
	}

	t.Run("unknown aggregate loads empty", func(t *testing.T) {
		s := newStore(t)
		id := newAggregateID()

		events, err := s.LoadEvents(ctx, id)
		require.NoError(t, err)
		assert.Empty(t, events)

		snapshot, err := s.LoadAggregateFromSnapshot(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, es.AggregateContext[Customer]{AggregateID: id, Version: 0, Payload: Customer{}}, snapshot)
	})

	t.Run("events load in sequence order", func(t *testing.T) {
		s := newStore(t)
		id := newAggregateID()
		want := Events(id, 1, Name("Ada Lovelace"), Email("ada@example.com"), Address("12 St James's Square"))

		require.NoError(t, s.SaveEvents(ctx, want))

		got, err := s.LoadEvents(ctx, id)
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, want, got)
		for i, e := range got {
			assert.Equal(t, int64(i+1), e.Sequence)
		}
	})

	t.Run("appends accumulate across calls", func(t *testing.T) {
		s := newStore(t)
		id := newAggregateID()

		require.NoError(t, s.SaveEvents(ctx, Events(id, 1, Name("a"))))
		require.NoError(t, s.SaveEvents(ctx, Events(id, 2, Email("a@b"), Address("x"))))

		got, err := s.LoadEvents(ctx, id)
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, []int64{1, 2, 3}, sequences(got))

		tail, err := s.LoadEventsAfter(ctx, id, 1)
		require.NoError(t, err)
		assert.Equal(t, []int64{2, 3}, sequences(tail))
	})

	t.Run("empty append is a no-op", func(t *testing.T) {
		s := newStore(t)
		id := newAggregateID()
		require.NoError(t, s.SaveEvents(ctx, Events(id, 1, Name("a"))))

		before, err := s.LoadEvents(ctx, id)
		require.NoError(t, err)

		require.NoError(t, s.SaveEvents(ctx, nil))
		require.NoError(t, s.SaveEvents(ctx, []es.EventContext[CustomerEvent]{}))

		after, err := s.LoadEvents(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, before, after)
	})

	t.Run("events for another aggregate are rejected", func(t *testing.T) {
		s := newStore(t)
		id := newAggregateID()
		events := append(Events(id, 1, Name("a")), Events(newAggregateID(), 2, Name("b"))...)

		err := s.SaveEvents(ctx, events)
		var storageErr *es.StorageError
		require.ErrorAs(t, err, &storageErr)
		assert.ErrorIs(t, err, store.ErrMixedAggregates)
		assert.Equal(t, id, storageErr.AggregateID)

		got, err := s.LoadEvents(ctx, id)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("duplicate sequence is a concurrency conflict", func(t *testing.T) {
		s := newStore(t)
		id := newAggregateID()
		require.NoError(t, s.SaveEvents(ctx, Events(id, 1, Name("a"), Email("a@b"))))

		err := s.SaveEvents(ctx, Events(id, 2, Address("x")))
		require.Error(t, err)
		assert.ErrorIs(t, err, store.ErrOptimisticConcurrency)
		assert.Contains(t, err.Error(), id)
	})

	if cfg.atomicAppends {
		t.Run("failed batch leaves no partial append", func(t *testing.T) {
			s := newStore(t)
			id := newAggregateID()
			require.NoError(t, s.SaveEvents(ctx, Events(id, 1, Name("a"), Email("a@b"))))

			batch := append(Events(id, 3, Address("x"), Address("y")), Events(id, 2, Address("dup"))...)
			require.Error(t, s.SaveEvents(ctx, batch))

			got, err := s.LoadEvents(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, []int64{1, 2}, sequences(got))
		})
	}

	t.Run("aggregate types are isolated", func(t *testing.T) {
		backend := newBackend(t)
		customers := store.NewEventStore[CustomerEvent](backend, CustomerAggregate, cfg.storeOptions...)
		vendors := store.NewEventStore[CustomerEvent](backend, es.Aggregate[Customer]{Type: "vendor"}, cfg.storeOptions...)
		id := newAggregateID()

		require.NoError(t, customers.SaveEvents(ctx, Events(id, 1, Name("customer"))))
		require.NoError(t, vendors.SaveEvents(ctx, Events(id, 1, Name("vendor"))))

		got, err := vendors.LoadEvents(ctx, id)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "vendor", got[0].Payload.NameAdded.ChangedName)
	})

	for _, policy := range []store.WritePolicy{store.WritePolicyUpsert, store.WritePolicyInsertUpdate} {
		t.Run("snapshot replace with "+policy.String(), func(t *testing.T) {
			s := newStore(t, store.WithWritePolicy(policy))
			id := newAggregateID()
			p1 := Customer{CustomerID: id, Name: "P1"}
			p2 := Customer{CustomerID: id, Name: "P2", Email: "p2@example.com", Addresses: []string{"one", "two"}}

			require.NoError(t, s.SaveEvents(ctx, Events(id, 1, Name("P1"), Email("p2@example.com"), Name("P2"))))
			events, err := s.LoadEvents(ctx, id)
			require.NoError(t, err)
			require.Equal(t, []int64{1, 2, 3}, sequences(events))

			require.NoError(t, s.SaveAggregateSnapshot(ctx, es.AggregateContext[Customer]{AggregateID: id, Version: 1, Payload: p1}))
			got, err := s.LoadAggregateFromSnapshot(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, es.AggregateContext[Customer]{AggregateID: id, Version: 1, Payload: p1}, got)

			require.NoError(t, s.SaveAggregateSnapshot(ctx, es.AggregateContext[Customer]{AggregateID: id, Version: 2, Payload: p2}))
			got, err = s.LoadAggregateFromSnapshot(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, es.AggregateContext[Customer]{AggregateID: id, Version: 2, Payload: p2}, got)
		})
	}

	t.Run("snapshot version must be positive", func(t *testing.T) {
		s := newStore(t)
		err := s.SaveAggregateSnapshot(ctx, es.AggregateContext[Customer]{AggregateID: newAggregateID(), Version: 0})
		assert.ErrorIs(t, err, store.ErrInvalidVersion)
	})

	t.Run("upsert never regresses a snapshot", func(t *testing.T) {
		s := newStore(t, store.WithWritePolicy(store.WritePolicyUpsert))
		id := newAggregateID()

		require.NoError(t, s.SaveAggregateSnapshot(ctx, es.AggregateContext[Customer]{AggregateID: id, Version: 1, Payload: Customer{Name: "v1"}}))
		require.NoError(t, s.SaveAggregateSnapshot(ctx, es.AggregateContext[Customer]{AggregateID: id, Version: 1, Payload: Customer{Name: "v1 retried"}}))
		require.NoError(t, s.SaveAggregateSnapshot(ctx, es.AggregateContext[Customer]{AggregateID: id, Version: 3, Payload: Customer{Name: "v3"}}))
		require.NoError(t, s.SaveAggregateSnapshot(ctx, es.AggregateContext[Customer]{AggregateID: id, Version: 2, Payload: Customer{Name: "stale"}}))

		got, err := s.LoadAggregateFromSnapshot(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, int64(3), got.Version)
		assert.Equal(t, "v3", got.Payload.Name)
	})

	t.Run("stored snapshot replaces a non-empty default", func(t *testing.T) {
		s := store.NewEventStore[CustomerEvent](newBackend(t), OrderAggregate, cfg.storeOptions...)
		id := newAggregateID()

		got, err := s.LoadAggregateFromSnapshot(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, es.AggregateContext[Order]{AggregateID: id, Version: 0, Payload: NewOrder()}, got)

		shipped := Order{Lines: map[string]int{"shipped": 1}}
		require.NoError(t, s.SaveAggregateSnapshot(ctx, es.AggregateContext[Order]{AggregateID: id, Version: 1, Payload: shipped}))
		got, err = s.LoadAggregateFromSnapshot(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, es.AggregateContext[Order]{AggregateID: id, Version: 1, Payload: shipped}, got)
	})

	t.Run("insert path rejects a second version 1", func(t *testing.T) {
		s := newStore(t, store.WithWritePolicy(store.WritePolicyInsertUpdate))
		id := newAggregateID()

		require.NoError(t, s.SaveAggregateSnapshot(ctx, es.AggregateContext[Customer]{AggregateID: id, Version: 1}))
		err := s.SaveAggregateSnapshot(ctx, es.AggregateContext[Customer]{AggregateID: id, Version: 1})
		var storageErr *es.StorageError
		require.ErrorAs(t, err, &storageErr)
		assert.Equal(t, "save_snapshot", storageErr.Op)
	})
}

// RunQueryStoreTests checks the query store contract and the dispatch
// protocol against a backend.
func RunQueryStoreTests(t *testing.T, newBackend Factory, opts ...SuiteOption) {
	cfg := newSuiteConfig(opts)
	ctx := context.Background()

	newStore := func(t *testing.T, extra ...store.Option) *store.Queries[CustomerContact, CustomerEvent] {
		options := append(append([]store.Option(nil), cfg.storeOptions...), extra...)
		return store.NewQueryStore(newBackend(t), ContactQuery, options...)
	}

	t.Run("unknown query loads default", func(t *testing.T) {
		s := newStore(t)
		id := newAggregateID()

		got, err := s.LoadQuery(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, es.QueryContext[CustomerContact]{AggregateID: id, Version: 0, Payload: CustomerContact{}}, got)
	})

	for _, policy := range []store.WritePolicy{store.WritePolicyUpsert, store.WritePolicyInsertUpdate} {
		t.Run("save and replace with "+policy.String(), func(t *testing.T) {
			s := newStore(t, store.WithWritePolicy(policy))
			id := newAggregateID()

			v1 := es.QueryContext[CustomerContact]{AggregateID: id, Version: 1, Payload: CustomerContact{Name: "one", Updates: 1}}
			require.NoError(t, s.SaveQuery(ctx, v1))
			got, err := s.LoadQuery(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, v1, got)

			v2 := es.QueryContext[CustomerContact]{AggregateID: id, Version: 2, Payload: CustomerContact{Email: "two@example.com", Updates: 2}}
			require.NoError(t, s.SaveQuery(ctx, v2))
			got, err = s.LoadQuery(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, v2, got)
		})
	}

	t.Run("dispatch folds every event into one version", func(t *testing.T) {
		s := newStore(t)
		id := newAggregateID()
		events := Events(id, 1, Name("Grace Hopper"), Email("grace@example.com"), Address("Arlington"))

		require.NoError(t, s.Dispatch(ctx, id, events))

		got, err := s.LoadQuery(ctx, id)
		require.NoError(t, err)
		want := CustomerContact{}
		for _, e := range events {
			want = FoldContact(want, e)
		}
		assert.Equal(t, int64(1), got.Version)
		assert.Equal(t, want, got.Payload)
		assert.Equal(t, 3, got.Payload.Updates)
	})

	t.Run("each dispatch advances the version by one", func(t *testing.T) {
		s := newStore(t)
		id := newAggregateID()

		require.NoError(t, s.Dispatch(ctx, id, Events(id, 1, Name("a"), Email("a@b"))))
		require.NoError(t, s.Dispatch(ctx, id, Events(id, 3, Address("x"))))
		require.NoError(t, s.Dispatch(ctx, id, nil))

		got, err := s.LoadQuery(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, int64(3), got.Version)
		assert.Equal(t, CustomerContact{Name: "a", Email: "a@b", Address: "x", Updates: 3}, got.Payload)
	})

	t.Run("dispatch works with the insert update path", func(t *testing.T) {
		s := newStore(t, store.WithWritePolicy(store.WritePolicyInsertUpdate))
		id := newAggregateID()

		require.NoError(t, s.Dispatch(ctx, id, Events(id, 1, Name("a"))))
		require.NoError(t, s.Dispatch(ctx, id, Events(id, 2, Name("b"))))

		got, err := s.LoadQuery(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, int64(2), got.Version)
		assert.Equal(t, "b", got.Payload.Name)
	})

	t.Run("stored query replaces a non-empty default", func(t *testing.T) {
		s := store.NewQueryStore(newBackend(t), ShippingQuery, cfg.storeOptions...)
		id := newAggregateID()

		require.NoError(t, s.Dispatch(ctx, id, Events(id, 1, Name("first order"))))

		got, err := s.LoadQuery(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, es.QueryContext[Order]{AggregateID: id, Version: 1, Payload: Order{Lines: map[string]int{"shipped": 1}}}, got)
	})

	t.Run("query types are stored independently", func(t *testing.T) {
		backend := newBackend(t)
		contact := store.NewQueryStore(backend, ContactQuery, cfg.storeOptions...)
		counter := store.NewQueryStore(backend, es.Query[EventCount, CustomerEvent]{
			AggregateType: "customer",
			Type:          "event_counter",
			Fold: func(c EventCount, _ es.EventContext[CustomerEvent]) EventCount {
				c.Count++
				return c
			},
		}, cfg.storeOptions...)
		id := newAggregateID()
		events := Events(id, 1, Name("a"), Email("b"))

		require.NoError(t, contact.Dispatch(ctx, id, events))
		require.NoError(t, counter.Dispatch(ctx, id, events))
		require.NoError(t, counter.Dispatch(ctx, id, events))

		c, err := contact.LoadQuery(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, int64(1), c.Version)

		n, err := counter.LoadQuery(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, es.QueryContext[EventCount]{AggregateID: id, Version: 2, Payload: EventCount{Count: 4}}, n)
	})

	t.Run("concurrent dispatches are serialized", func(t *testing.T) {
		s := newStore(t)
		id := newAggregateID()
		const workers = 8

		var wg sync.WaitGroup
		errs := make(chan error, workers)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs <- s.Dispatch(ctx, id, Events(id, int64(i+1), Address("addr")))
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		got, err := s.LoadQuery(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, int64(workers), got.Version)
		assert.Equal(t, workers, got.Payload.Updates)
	})
}

func sequences[E any](events []es.EventContext[E]) []int64 {
	out := make([]int64, len(events))
	for i := range events {
		out[i] = events[i].Sequence
	}
	return out
}
