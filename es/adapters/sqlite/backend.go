// Package sqlite provides a SQLite backend for the event and query stores,
// built on the pure Go modernc.org/sqlite driver.
package sqlite

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	// Register the "sqlite" driver
	_ "modernc.org/sqlite"

	"github.com/getpup/cqrsstore/es"
	"github.com/getpup/cqrsstore/es/adapters/sqlbackend"
	"github.com/getpup/cqrsstore/es/schema"
	"github.com/getpup/cqrsstore/es/store"
)

// StoreConfig contains configuration for the SQLite backend.
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
//
// Example:
//
//	config := sqlite.NewStoreConfig(
//	    sqlite.WithLogger(myLogger),
//	    sqlite.WithEventsTable("custom_events"),
//	)
func NewStoreConfig(opts ...StoreOption) StoreConfig {
	config := DefaultStoreConfig()
	for _, opt := range opts {
		opt(&config)
	}
	return config
}

// Open opens a SQLite database at path with the pragmas the backend expects.
// SQLite allows one writer at a time, so the pool is limited to a single
// connection; statements issued while a transaction is open must go through
// the transaction's backend.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

// Backend is a SQLite-backed store.Backend.
type Backend struct {
	*sqlbackend.Backend
}

// NewBackend creates a SQLite backend on db, which may be a *sql.DB or a *sql.Tx.
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

// Dialect returns the SQLite statements for the given tables.
// Timestamps are stored as text in sqlbackend.DateTimeFormat.
func Dialect(t schema.Config) sqlbackend.Dialect {
	return sqlbackend.Dialect{
		Name: schema.SQLite,
		Statements: map[store.Statement]string{
			store.InsertEvent: fmt.Sprintf(`
				INSERT INTO %s (aggregate_type, aggregate_id, sequence, payload, metadata, created_at)
				VALUES (?, ?, ?, ?, ?, ?)
			`, t.EventsTable),
			store.SelectEvents: fmt.Sprintf(`
				SELECT sequence, payload, metadata, created_at
				FROM %s
				WHERE aggregate_type = ? AND aggregate_id = ? AND sequence > ?
				ORDER BY sequence ASC
			`, t.EventsTable),
			store.InsertSnapshot: fmt.Sprintf(`
				INSERT INTO %s (aggregate_type, aggregate_id, version, payload, updated_at)
				VALUES (?, ?, ?, ?, ?)
			`, t.SnapshotsTable),
			store.UpdateSnapshot: fmt.Sprintf(`
				UPDATE %s
				SET version = ?, payload = ?, updated_at = ?
				WHERE aggregate_type = ? AND aggregate_id = ?
			`, t.SnapshotsTable),
			store.UpsertSnapshot: fmt.Sprintf(`
				INSERT INTO %[1]s (aggregate_type, aggregate_id, version, payload, updated_at)
				VALUES (?, ?, ?, ?, ?)
				ON CONFLICT (aggregate_type, aggregate_id)
				DO UPDATE SET version = excluded.version, payload = excluded.payload, updated_at = excluded.updated_at
				WHERE %[1]s.version <= excluded.version
			`, t.SnapshotsTable),
			store.SelectSnapshot: fmt.Sprintf(`
				SELECT version, payload, updated_at
				FROM %s
				WHERE aggregate_type = ? AND aggregate_id = ?
			`, t.SnapshotsTable),
			store.InsertQuery: fmt.Sprintf(`
				INSERT INTO %s (aggregate_type, aggregate_id, query_type, version, payload, updated_at)
				VALUES (?, ?, ?, ?, ?, ?)
			`, t.QueriesTable),
			store.UpdateQuery: fmt.Sprintf(`
				UPDATE %s
				SET version = ?, payload = ?, updated_at = ?
				WHERE aggregate_type = ? AND aggregate_id = ? AND query_type = ?
			`, t.QueriesTable),
			store.UpsertQuery: fmt.Sprintf(`
				INSERT INTO %[1]s (aggregate_type, aggregate_id, query_type, version, payload, updated_at)
				VALUES (?, ?, ?, ?, ?, ?)
				ON CONFLICT (aggregate_type, aggregate_id, query_type)
				DO UPDATE SET version = excluded.version, payload = excluded.payload, updated_at = excluded.updated_at
				WHERE %[1]s.version <= excluded.version
			`, t.QueriesTable),
			store.SelectQuery: fmt.Sprintf(`
				SELECT version, payload, updated_at
				FROM %s
				WHERE aggregate_type = ? AND aggregate_id = ? AND query_type = ?
			`, t.QueriesTable),
		},
		IsUniqueViolation: IsUniqueViolation,
		BindTime: func(ts time.Time) interface{} {
			return ts.UTC().Format(sqlbackend.DateTimeFormat)
		},
	}
}

// IsUniqueViolation checks if an error is a SQLite unique constraint violation.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}

	// SQLite error messages for unique constraint violations
	errMsg := err.Error()
	return strings.Contains(errMsg, "UNIQUE constraint failed") ||
		strings.Contains(errMsg, "unique constraint")
}
