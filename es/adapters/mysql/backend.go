// Package mysql provides a MySQL/MariaDB backend for the event and query stores.
package mysql

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"

	"github.com/getpup/cqrsstore/es"
	"github.com/getpup/cqrsstore/es/adapters/sqlbackend"
	"github.com/getpup/cqrsstore/es/schema"
	"github.com/getpup/cqrsstore/es/store"
)

// StoreConfig contains configuration for the MySQL backend.
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
func NewStoreConfig(opts ...StoreOption) StoreConfig {
	config := DefaultStoreConfig()
	for _, opt := range opts {
		opt(&config)
	}
	return config
}

// Backend is a MySQL-backed store.Backend.
type Backend struct {
	*sqlbackend.Backend
}

// NewBackend creates a MySQL backend on db, which may be a *sql.DB or a *sql.Tx.
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

// Dialect returns the MySQL statements for the given tables.
// Upserts use ON DUPLICATE KEY UPDATE; version is assigned last because
// MySQL evaluates the assignments left to right.
func Dialect(t schema.Config) sqlbackend.Dialect {
	const newerOrEqual = "version <= VALUES(version)"
	upsertSet := fmt.Sprintf(`
				ON DUPLICATE KEY UPDATE
					payload = IF(%[1]s, VALUES(payload), payload),
					updated_at = IF(%[1]s, VALUES(updated_at), updated_at),
					version = IF(%[1]s, VALUES(version), version)
			`, newerOrEqual)

	return sqlbackend.Dialect{
		Name: schema.MySQL,
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
				INSERT INTO %s (aggregate_type, aggregate_id, version, payload, updated_at)
				VALUES (?, ?, ?, ?, ?)
			`, t.SnapshotsTable) + upsertSet,
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
				INSERT INTO %s (aggregate_type, aggregate_id, query_type, version, payload, updated_at)
				VALUES (?, ?, ?, ?, ?, ?)
			`, t.QueriesTable) + upsertSet,
			store.SelectQuery: fmt.Sprintf(`
				SELECT version, payload, updated_at
				FROM %s
				WHERE aggregate_type = ? AND aggregate_id = ? AND query_type = ?
			`, t.QueriesTable),
		},
		IsUniqueViolation: IsUniqueViolation,
	}
}

// IsUniqueViolation checks if an error is a MySQL duplicate entry error.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}

	// Check if it's a MySQL error with duplicate entry code (1062)
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062 // ER_DUP_ENTRY
	}

	// Fallback: check error message for common patterns
	errMsg := err.Error()
	return strings.Contains(errMsg, "Duplicate entry") ||
		strings.Contains(errMsg, "duplicate key") ||
		strings.Contains(errMsg, "unique constraint")
}

// DSN builds a data source name with the options the backend relies on:
// parseTime for timestamp columns and UTC for stored times.
func DSN(user, password, addr, database string) string {
	cfg := mysql.NewConfig()
	cfg.User = user
	cfg.Passwd = password
	cfg.Net = "tcp"
	cfg.Addr = addr
	cfg.DBName = database
	cfg.ParseTime = true
	return cfg.FormatDSN()
}
