// Package sqlbackend implements store.Backend on database/sql. Dialect
// packages (postgres, mysql, sqlite) supply the statement text and error
// classification.
package sqlbackend

import (
	"context"
	"fmt"
	"time"

	"github.com/getpup/cqrsstore/es"
	"github.com/getpup/cqrsstore/es/schema"
	"github.com/getpup/cqrsstore/es/store"
)

// Dialect describes one SQL flavour.
//
// Statement parameters are bound in a fixed order:
//
//	InsertEvent                  aggregate_type, aggregate_id, sequence, payload, metadata, created_at
//	SelectEvents                 aggregate_type, aggregate_id, after_sequence
//	Insert/UpsertSnapshot        aggregate_type, aggregate_id, version, payload, updated_at
//	UpdateSnapshot               version, payload, updated_at, aggregate_type, aggregate_id
//	SelectSnapshot               aggregate_type, aggregate_id
//	Insert/UpsertQuery           aggregate_type, aggregate_id, query_type, version, payload, updated_at
//	UpdateQuery                  version, payload, updated_at, aggregate_type, aggregate_id, query_type
//	SelectQuery                  aggregate_type, aggregate_id, query_type
//
// SelectEvents returns (sequence, payload, metadata, created_at);
// SelectSnapshot and SelectQuery return (version, payload, updated_at).
type Dialect struct {
	// Name selects the bootstrap DDL
	Name schema.Dialect

	// Statements maps every store.Statement to its SQL text
	Statements map[store.Statement]string

	// IsUniqueViolation reports whether err is a duplicate key failure
	IsUniqueViolation func(err error) bool

	// BindTime converts a timestamp to a driver value. Defaults to the time itself.
	BindTime func(t time.Time) interface{}
}

// Backend runs statements through an es.DBTX.
type Backend struct {
	db      es.DBTX
	dialect Dialect
	tables  schema.Config
	logger  es.Logger
	inTx    bool
}

var (
	_ store.Backend                 = (*Backend)(nil)
	_ store.UniqueViolationDetector = (*Backend)(nil)
)

// New creates a backend. When db is a *sql.DB, Atomic opens its own
// transactions; when it is a *sql.Tx, every statement joins that transaction
// and committing stays with the caller.
func New(db es.DBTX, dialect Dialect, tables schema.Config, logger es.Logger) *Backend {
	return &Backend{
		db:      db,
		dialect: dialect,
		tables:  tables,
		logger:  logger,
	}
}

// Exec implements store.Backend.
func (b *Backend) Exec(ctx context.Context, stmt store.Statement, rec store.Record) (int64, error) {
	query, err := b.statement(stmt)
	if err != nil {
		return 0, err
	}

	if b.logger != nil {
		b.logger.Debug(ctx, "executing statement",
			"dialect", b.dialect.Name,
			"statement", stmt.String(),
			"aggregate_id", rec.AggregateID,
			"sequence", rec.Sequence)
	}

	result, err := b.db.ExecContext(ctx, query, b.args(stmt, rec)...)
	if err != nil {
		return 0, fmt.Errorf("failed to execute %s: %w", stmt, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows of %s: %w", stmt, err)
	}
	return affected, nil
}

// Query implements store.Backend.
func (b *Backend) Query(ctx context.Context, stmt store.Statement, key store.Record) ([]store.Record, error) {
	query, err := b.statement(stmt)
	if err != nil {
		return nil, err
	}

	rows, err := b.db.QueryContext(ctx, query, b.args(stmt, key)...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", stmt, err)
	}
	defer rows.Close()

	var records []store.Record
	for rows.Next() {
		rec := store.Record{
			AggregateType: key.AggregateType,
			AggregateID:   key.AggregateID,
			QueryType:     key.QueryType,
		}
		var ts interface{}
		if stmt == store.SelectEvents {
			var metadata []byte
			if err := rows.Scan(&rec.Sequence, &rec.Payload, &metadata, &ts); err != nil {
				return nil, fmt.Errorf("failed to scan event: %w", err)
			}
			rec.Metadata = metadata
		} else {
			if err := rows.Scan(&rec.Sequence, &rec.Payload, &ts); err != nil {
				return nil, fmt.Errorf("failed to scan %s row: %w", stmt, err)
			}
		}
		if rec.Timestamp, err = parseTimestamp(ts); err != nil {
			return nil, fmt.Errorf("failed to parse timestamp: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return records, nil
}

// Atomic implements store.Backend.
func (b *Backend) Atomic(ctx context.Context, fn func(ctx context.Context, b store.Backend) error) error {
	if b.inTx {
		return fn(ctx, b)
	}

	beginner, ok := b.db.(es.TxBeginner)
	if !ok {
		// Caller-owned transaction
		return fn(ctx, b.with(b.db))
	}

	tx, err := beginner.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	//nolint:errcheck // Rollback after Commit is a no-op
	defer tx.Rollback()

	if err := fn(ctx, b.with(tx)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// IsUniqueViolation implements store.UniqueViolationDetector.
func (b *Backend) IsUniqueViolation(err error) bool {
	if b.dialect.IsUniqueViolation == nil {
		return false
	}
	return b.dialect.IsUniqueViolation(err)
}

// EnsureSchema creates the events, snapshots and queries tables if they do
// not exist yet.
func (b *Backend) EnsureSchema(ctx context.Context) error {
	statements, err := schema.Statements(b.dialect.Name, b.tables)
	if err != nil {
		return err
	}
	for _, stmt := range statements {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	if b.logger != nil {
		b.logger.Info(ctx, "schema ensured",
			"dialect", b.dialect.Name,
			"events_table", b.tables.EventsTable,
			"snapshots_table", b.tables.SnapshotsTable,
			"queries_table", b.tables.QueriesTable)
	}
	return nil
}

// Tables returns the configured table names.
func (b *Backend) Tables() schema.Config {
	return b.tables
}

func (b *Backend) with(db es.DBTX) *Backend {
	clone := *b
	clone.db = db
	clone.inTx = true
	return &clone
}

func (b *Backend) statement(stmt store.Statement) (string, error) {
	query, ok := b.dialect.Statements[stmt]
	if !ok {
		return "", fmt.Errorf("%s backend does not support %s", b.dialect.Name, stmt)
	}
	return query, nil
}

func (b *Backend) args(stmt store.Statement, rec store.Record) []interface{} {
	payload := rec.Payload
	if payload == nil {
		payload = []byte{}
	}
	var metadata interface{}
	if len(rec.Metadata) > 0 {
		metadata = string(rec.Metadata)
	}
	var ts interface{} = rec.Timestamp
	if b.dialect.BindTime != nil {
		ts = b.dialect.BindTime(rec.Timestamp)
	}

	switch stmt {
	case store.InsertEvent:
		return []interface{}{rec.AggregateType, rec.AggregateID, rec.Sequence, payload, metadata, ts}
	case store.SelectEvents:
		return []interface{}{rec.AggregateType, rec.AggregateID, rec.Sequence}
	case store.InsertSnapshot, store.UpsertSnapshot:
		return []interface{}{rec.AggregateType, rec.AggregateID, rec.Sequence, payload, ts}
	case store.UpdateSnapshot:
		return []interface{}{rec.Sequence, payload, ts, rec.AggregateType, rec.AggregateID}
	case store.SelectSnapshot:
		return []interface{}{rec.AggregateType, rec.AggregateID}
	case store.InsertQuery, store.UpsertQuery:
		return []interface{}{rec.AggregateType, rec.AggregateID, rec.QueryType, rec.Sequence, payload, ts}
	case store.UpdateQuery:
		return []interface{}{rec.Sequence, payload, ts, rec.AggregateType, rec.AggregateID, rec.QueryType}
	case store.SelectQuery:
		return []interface{}{rec.AggregateType, rec.AggregateID, rec.QueryType}
	default:
		return nil
	}
}
