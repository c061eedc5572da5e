package es_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getpup/cqrsstore/es"
)

type counter struct {
	Total int
	Seen  []string
}

func TestAggregate_Default(t *testing.T) {
	t.Run("zero value without constructor", func(t *testing.T) {
		agg := es.Aggregate[counter]{Type: "counter"}
		assert.Equal(t, counter{}, agg.Default())
	})

	t.Run("constructor is called for every default", func(t *testing.T) {
		agg := es.Aggregate[*counter]{Type: "counter", New: func() *counter { return &counter{Total: 10} }}
		a, b := agg.Default(), agg.Default()
		assert.Equal(t, 10, a.Total)
		assert.NotSame(t, a, b)
	})
}

func TestQuery_Default(t *testing.T) {
	q := es.Query[map[string]int, string]{
		AggregateType: "counter",
		Type:          "totals",
		New:           func() map[string]int { return map[string]int{} },
	}
	require.NotNil(t, q.Default())

	var empty es.Query[int, string]
	assert.Equal(t, 0, empty.Default())
}

func TestLastSequence(t *testing.T) {
	tests := []struct {
		name   string
		events []es.EventContext[string]
		want   int64
	}{
		{name: "empty", events: nil, want: 0},
		{name: "single", events: []es.EventContext[string]{{Sequence: 4}}, want: 4},
		{name: "many", events: []es.EventContext[string]{{Sequence: 1}, {Sequence: 2}, {Sequence: 3}}, want: 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, es.LastSequence(tt.events))
		})
	}
}

func TestStorageError(t *testing.T) {
	cause := errors.New("connection refused")

	t.Run("aggregate message", func(t *testing.T) {
		err := &es.StorageError{
			Op:          "save_events",
			AggregateID: "a-1",
			Reason:      "unable to insert new event",
			Err:         cause,
		}
		assert.Equal(t, "unable to insert new event for aggregate id 'a-1' with error: connection refused", err.Error())
		assert.ErrorIs(t, err, cause)
	})

	t.Run("query message", func(t *testing.T) {
		err := &es.StorageError{
			Op:          "load_query",
			AggregateID: "a-1",
			QueryType:   "contact",
			Reason:      "bad payload found in queries table",
			Err:         cause,
		}
		assert.Equal(t, "bad payload found in queries table of query 'contact' with aggregate id 'a-1', error: connection refused", err.Error())
	})

	t.Run("as target through wrapping", func(t *testing.T) {
		wrapped := fmt.Errorf("handle command: %w", &es.StorageError{AggregateID: "a-9", Err: cause})
		var storageErr *es.StorageError
		require.ErrorAs(t, wrapped, &storageErr)
		assert.Equal(t, "a-9", storageErr.AggregateID)
	})
}
