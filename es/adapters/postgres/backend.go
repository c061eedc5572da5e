// Package postgres provides a PostgreSQL backend for the event and query stores.
package postgres

import (
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/getpup/cqrsstore/es"
	"github.com/getpup/cqrsstore/es/adapters/sqlbackend"
	"github.com/getpup/cqrsstore/es/schema"
	"github.com/getpup/cqrsstore/es/store"
)

// StoreConfig contains configuration for the Postgres backend.
// Configuration is immutable after construction.
type StoreConfig struct {
	// Logger is an optional logger for observability.
	// If nil, logging is disabled (zero overhead).
	Logger es.Logger

	// EventsTable is the name of the events table
	EventsTable string

	// SnapshotsTable is the name of the aggregate snapshots table
	SnapshotsTable string

	// QueriesTable is the name of the query projections table
	QueriesTable string
}

// DefaultStoreConfig returns the default configuration.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		EventsTable:    "events",
		SnapshotsTable: "snapshots",
		QueriesTable:   "queries",
		Logger:         nil, // No logging by default
	}
}

// StoreOption is a functional option for configuring a Backend.
type StoreOption func(*StoreConfig)

// WithLogger sets a logger for the backend.
func WithLogger(logger es.Logger) StoreOption {
	return func(c *StoreConfig) {
		c.Logger = logger
	}
}

// WithEventsTable sets a custom events table name.
func WithEventsTable(tableName string) StoreOption {
	return func(c *StoreConfig) {
		c.EventsTable = tableName
	}
}

// WithSnapshotsTable sets a custom snapshots table name.
func WithSnapshotsTable(tableName string) StoreOption {
	return func(c *StoreConfig) {
		c.SnapshotsTable = tableName
	}
}

// WithQueriesTable sets a custom queries table name.
func WithQueriesTable(tableName string) StoreOption {
	return func(c *StoreConfig) {
		c.QueriesTable = tableName
	}
}

// NewStoreConfig creates a new configuration with functional options.
// It starts with the default configuration and applies the given options.
//
// Example:
//
//	config := postgres.NewStoreConfig(
//	    postgres.WithLogger(myLogger),
//	    postgres.WithEventsTable("customer_events"),
//	)
func NewStoreConfig(opts ...StoreOption) StoreConfig {
	config := DefaultStoreConfig()
	for _, opt := range opts {
		opt(&config)
	}
	return config
}

// Backend is a PostgreSQL-backed store.Backend.
type Backend struct {
	*sqlbackend.Backend
}

// NewBackend creates a Postgres backend on db, which may be a *sql.DB or a *sql.Tx.
func NewBackend(db es.DBTX, config StoreConfig) *Backend {
	tables := schema.Config{
		EventsTable:    config.EventsTable,
		SnapshotsTable: config.SnapshotsTable,
		QueriesTable:   config.QueriesTable,
	}
	return &Backend{
		Backend: sqlbackend.New(db, Dialect(tables), tables, config.Logger),
	}
}

// Dialect returns the PostgreSQL statements for the given tables.
func Dialect(t schema.Config) sqlbackend.Dialect {
	return sqlbackend.Dialect{
		Name: schema.Postgres,
		Statements: map[store.Statement]string{
			store.InsertEvent: fmt.Sprintf(`
				INSERT INTO %s (aggregate_type, aggregate_id, sequence, payload, metadata, created_at)
				VALUES ($1, $2, $3, $4, $5, $6)
			`, t.EventsTable),
			store.SelectEvents: fmt.Sprintf(`
				SELECT sequence, payload, metadata, created_at
				FROM %s
				WHERE aggregate_type = $1 AND aggregate_id = $2 AND sequence > $3
				ORDER BY sequence ASC
			`, t.EventsTable),
			store.InsertSnapshot: fmt.Sprintf(`
				INSERT INTO %s (aggregate_type, aggregate_id, version, payload, updated_at)
				VALUES ($1, $2, $3, $4, $5)
			`, t.SnapshotsTable),
			store.UpdateSnapshot: fmt.Sprintf(`
				UPDATE %s
				SET version = $1, payload = $2, updated_at = $3
				WHERE aggregate_type = $4 AND aggregate_id = $5
			`, t.SnapshotsTable),
			store.UpsertSnapshot: fmt.Sprintf(`
				INSERT INTO %[1]s (aggregate_type, aggregate_id, version, payload, updated_at)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (aggregate_type, aggregate_id)
				DO UPDATE SET version = EXCLUDED.version, payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at
				WHERE %[1]s.version <= EXCLUDED.version
			`, t.SnapshotsTable),
			store.SelectSnapshot: fmt.Sprintf(`
				SELECT version, payload, updated_at
				FROM %s
				WHERE aggregate_type = $1 AND aggregate_id = $2
			`, t.SnapshotsTable),
			store.InsertQuery: fmt.Sprintf(`
				INSERT INTO %s (aggregate_type, aggregate_id, query_type, version, payload, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6)
			`, t.QueriesTable),
			store.UpdateQuery: fmt.Sprintf(`
				UPDATE %s
				SET version = $1, payload = $2, updated_at = $3
				WHERE aggregate_type = $4 AND aggregate_id = $5 AND query_type = $6
			`, t.QueriesTable),
			store.UpsertQuery: fmt.Sprintf(`
				INSERT INTO %[1]s (aggregate_type, aggregate_id, query_type, version, payload, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6)
				ON CONFLICT (aggregate_type, aggregate_id, query_type)
				DO UPDATE SET version = EXCLUDED.version, payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at
				WHERE %[1]s.version <= EXCLUDED.version
			`, t.QueriesTable),
			store.SelectQuery: fmt.Sprintf(`
				SELECT version, payload, updated_at
				FROM %s
				WHERE aggregate_type = $1 AND aggregate_id = $2 AND query_type = $3
			`, t.QueriesTable),
		},
		IsUniqueViolation: IsUniqueViolation,
	}
}

// IsUniqueViolation checks if an error is a PostgreSQL unique constraint violation.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}

	// Check if it's a pq.Error with unique_violation code (23505)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}

	// Fallback: check error message for common patterns
	errMsg := err.Error()
	return strings.Contains(errMsg, "duplicate key") || strings.Contains(errMsg, "unique constraint")
}
