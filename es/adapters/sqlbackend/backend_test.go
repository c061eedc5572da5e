package sqlbackend

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getpup/cqrsstore/es/schema"
	"github.com/getpup/cqrsstore/es/store"
)

func TestParseTimestamp(t *testing.T) {
	want := time.Date(2024, 2, 3, 4, 5, 6, 0, time.UTC)
	tests := []struct {
		name string
		in   interface{}
	}{
		{name: "time", in: want},
		{name: "text", in: "2024-02-03 04:05:06"},
		{name: "bytes with fraction", in: []byte("2024-02-03 04:05:06.000000")},
		{name: "rfc3339", in: "2024-02-03T04:05:06Z"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseTimestamp(tt.in)
			require.NoError(t, err)
			assert.True(t, want.Equal(got), "got %s", got)
		})
	}

	got, err := parseTimestamp(nil)
	require.NoError(t, err)
	assert.True(t, got.IsZero())

	_, err = parseTimestamp("yesterday")
	assert.Error(t, err)
	_, err = parseTimestamp(42)
	assert.Error(t, err)
}

func TestArgsOrder(t *testing.T) {
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	b := New(nil, Dialect{BindTime: func(ts time.Time) interface{} { return ts.Format(DateTimeFormat) }}, defaultTables(), nil)
	rec := store.Record{
		AggregateType: "customer",
		AggregateID:   "c-1",
		QueryType:     "contact",
		Sequence:      7,
		Payload:       []byte("p"),
		Metadata:      []byte(`{"k":"v"}`),
		Timestamp:     at,
	}

	assert.Equal(t,
		[]interface{}{"customer", "c-1", int64(7), []byte("p"), `{"k":"v"}`, "2024-01-01 00:00:00"},
		b.args(store.InsertEvent, rec))
	assert.Equal(t,
		[]interface{}{int64(7), []byte("p"), "2024-01-01 00:00:00", "customer", "c-1", "contact"},
		b.args(store.UpdateQuery, rec))
	assert.Equal(t,
		[]interface{}{"customer", "c-1"},
		b.args(store.SelectSnapshot, rec))

	rec.Payload, rec.Metadata = nil, nil
	args := b.args(store.InsertEvent, rec)
	assert.Equal(t, []byte{}, args[3])
	assert.Nil(t, args[4])
}

func TestUnsupportedStatement(t *testing.T) {
	b := New(nil, Dialect{Name: "none", Statements: map[store.Statement]string{}}, defaultTables(), nil)
	_, err := b.Exec(context.Background(), store.InsertEvent, store.Record{})
	assert.ErrorContains(t, err, "none backend does not support insert_event")
}

func defaultTables() schema.Config {
	return schema.Config{EventsTable: "events", SnapshotsTable: "snapshots", QueriesTable: "queries"}
}
