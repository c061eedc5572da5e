package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getpup/cqrsstore/es"
	"github.com/getpup/cqrsstore/es/adapters/memory"
	"github.com/getpup/cqrsstore/es/codec"
	"github.com/getpup/cqrsstore/es/store"
	"github.com/getpup/cqrsstore/es/store/storetest"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func seed(t *testing.T) store.Backend {
	t.Helper()
	ctx := context.Background()
	backend := memory.NewBackend(memory.DefaultStoreConfig())

	events := store.NewEventStore[storetest.CustomerEvent](backend, storetest.CustomerAggregate)
	batch := storetest.Events("c-1", 1, storetest.Name("Alice"), storetest.Email("alice@example.com"))
	require.NoError(t, events.SaveEvents(ctx, batch))
	require.NoError(t, events.SaveAggregateSnapshot(ctx, es.AggregateContext[storetest.Customer]{
		AggregateID: "c-1",
		Version:     2,
		Payload:     storetest.Customer{CustomerID: "c-1", Name: "Alice"},
	}))

	contacts := store.NewQueryStore(backend, storetest.ContactQuery)
	require.NoError(t, contacts.Dispatch(ctx, "c-1", batch))

	// A query stored by a non-JSON codec.
	raw := store.NewQueryStore(backend, es.Query[[]byte, storetest.CustomerEvent]{
		AggregateType: "customer",
		Type:          "binary",
		Fold: func(q []byte, _ es.EventContext[storetest.CustomerEvent]) []byte {
			return append(q, 0xff)
		},
	}, store.WithCodec(codec.Raw{}))
	require.NoError(t, raw.Dispatch(ctx, "c-1", batch))
	return backend
}

func get(t *testing.T, router http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	w := get(t, NewRouter(memory.NewBackend(memory.DefaultStoreConfig()), nil), "/healthz")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
}

func TestGetEvents(t *testing.T) {
	router := NewRouter(seed(t), nil)

	w := get(t, router, "/aggregates/customer/c-1/events")
	require.Equal(t, http.StatusOK, w.Code)

	var resp EventsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "customer", resp.AggregateType)
	assert.Equal(t, "c-1", resp.AggregateID)
	require.Len(t, resp.Events, 2)
	assert.Equal(t, int64(1), resp.Events[0].Sequence)
	assert.Equal(t, map[string]any{"NameAdded": map[string]any{"changed_name": "Alice"}}, resp.Events[0].Payload)
	assert.Equal(t, "c-1-cmd", resp.Events[0].Metadata["causation_id"])

	w = get(t, router, "/aggregates/customer/c-1/events?after=1")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Events, 1)
	assert.Equal(t, int64(2), resp.Events[0].Sequence)
}

func TestGetEventsUnknownAggregate(t *testing.T) {
	w := get(t, NewRouter(seed(t), nil), "/aggregates/customer/nobody/events")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"aggregate_type":"customer","aggregate_id":"nobody","events":[]}`, w.Body.String())
}

func TestGetEventsBadAfter(t *testing.T) {
	router := NewRouter(seed(t), nil)
	for _, after := range []string{"x", "-1"} {
		w := get(t, router, "/aggregates/customer/c-1/events?after="+after)
		assert.Equal(t, http.StatusBadRequest, w.Code, "after=%s", after)
	}
}

func TestGetSnapshot(t *testing.T) {
	router := NewRouter(seed(t), nil)

	w := get(t, router, "/aggregates/customer/c-1/snapshot")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{
		"aggregate_type": "customer",
		"aggregate_id": "c-1",
		"version": 2,
		"payload": {"customer_id": "c-1", "name": "Alice", "email": ""}
	}`, w.Body.String())

	w = get(t, router, "/aggregates/customer/nobody/snapshot")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"aggregate_type":"customer","aggregate_id":"nobody","version":0,"payload":null}`, w.Body.String())
}

func TestGetQuery(t *testing.T) {
	router := NewRouter(seed(t), nil)

	w := get(t, router, "/aggregates/customer/c-1/queries/customer_contact_query")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{
		"aggregate_type": "customer",
		"aggregate_id": "c-1",
		"query_type": "customer_contact_query",
		"version": 1,
		"payload": {"name": "Alice", "email": "alice@example.com", "address": "", "updates": 2}
	}`, w.Body.String())
}

func TestGetQueryBinaryPayload(t *testing.T) {
	w := get(t, NewRouter(seed(t), nil), "/aggregates/customer/c-1/queries/binary")
	require.Equal(t, http.StatusOK, w.Code)

	var resp VersionedResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "//8=", resp.Payload, "non-JSON payloads are base64 encoded")
}

type brokenBackend struct{ store.Backend }

func (brokenBackend) Query(context.Context, store.Statement, store.Record) ([]store.Record, error) {
	return nil, errors.New("database is down")
}

type countingLogger struct {
	es.NoOpLogger
	errors int
}

func (l *countingLogger) Error(context.Context, string, ...interface{}) { l.errors++ }

func TestBackendFailure(t *testing.T) {
	logger := &countingLogger{}
	router := NewRouter(brokenBackend{}, logger)

	for _, path := range []string{
		"/aggregates/customer/c-1/events",
		"/aggregates/customer/c-1/snapshot",
		"/aggregates/customer/c-1/queries/contact",
	} {
		w := get(t, router, path)
		assert.Equal(t, http.StatusInternalServerError, w.Code, path)
		assert.Contains(t, w.Body.String(), "database is down", path)
	}
	// Each failure is logged by the store and by the handler.
	assert.Equal(t, 6, logger.errors)
}
