package store

import (
	"context"
	"fmt"
	"time"
)

// Statement identifies one of the fixed parameterized operations a backend
// must support.
type Statement int

const (
	// InsertEvent appends one event row. Violating the
	// (aggregate_type, aggregate_id, sequence) key must be reported as an error.
	InsertEvent Statement = iota + 1

	// SelectEvents reads events of (aggregate_type, aggregate_id) with a
	// sequence greater than Record.Sequence, ordered by ascending sequence.
	SelectEvents

	// InsertSnapshot creates a snapshot row.
	InsertSnapshot

	// UpdateSnapshot overwrites an existing snapshot row.
	UpdateSnapshot

	// UpsertSnapshot inserts or overwrites a snapshot row, leaving it
	// untouched when the stored version is greater than Record.Sequence.
	UpsertSnapshot

	// SelectSnapshot reads the snapshot row of (aggregate_type, aggregate_id).
	SelectSnapshot

	// InsertQuery creates a query row.
	InsertQuery

	// UpdateQuery overwrites an existing query row.
	UpdateQuery

	// UpsertQuery inserts or overwrites a query row, leaving it untouched
	// when the stored version is greater than Record.Sequence.
	UpsertQuery

	// SelectQuery reads the query row of (aggregate_type, aggregate_id, query_type).
	SelectQuery
)

var statementNames = map[Statement]string{
	InsertEvent:    "insert_event",
	SelectEvents:   "select_events",
	InsertSnapshot: "insert_snapshot",
	UpdateSnapshot: "update_snapshot",
	UpsertSnapshot: "upsert_snapshot",
	SelectSnapshot: "select_snapshot",
	InsertQuery:    "insert_query",
	UpdateQuery:    "update_query",
	UpsertQuery:    "upsert_query",
	SelectQuery:    "select_query",
}

func (s Statement) String() string {
	if name, ok := statementNames[s]; ok {
		return name
	}
	return fmt.Sprintf("statement(%d)", int(s))
}

// Record is the row shape shared by every statement.
// For events Sequence is the event sequence; for snapshots and queries it is
// the record version.
type Record struct {
	AggregateType string
	AggregateID   string
	QueryType     string
	Sequence      int64
	Payload       []byte
	Metadata      []byte
	Timestamp     time.Time
}

// Backend executes statements against one storage technology.
type Backend interface {
	// Exec runs a write statement and returns the number of affected rows.
	Exec(ctx context.Context, stmt Statement, rec Record) (int64, error)

	// Query runs a read statement keyed by the fields of key.
	// Missing rows yield an empty result, not an error.
	Query(ctx context.Context, stmt Statement, key Record) ([]Record, error)

	// Atomic runs fn so that every write it issues through b commits
	// together or not at all. Nested calls join the outer unit.
	Atomic(ctx context.Context, fn func(ctx context.Context, b Backend) error) error
}

// UniqueViolationDetector is implemented by backends that can recognise a
// duplicate key failure among the errors they return.
type UniqueViolationDetector interface {
	IsUniqueViolation(err error) bool
}
