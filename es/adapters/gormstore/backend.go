// Package gormstore provides a store.Backend on top of gorm, for
// applications that already manage their database through gorm.
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/getpup/cqrsstore/es"
	"github.com/getpup/cqrsstore/es/store"
)

// StoreConfig contains configuration for the gorm backend.
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

// WithTables sets custom table names.
func WithTables(events, snapshots, queries string) StoreOption {
	return func(c *StoreConfig) {
		c.EventsTable = events
		c.SnapshotsTable = snapshots
		c.QueriesTable = queries
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

// Backend is a gorm-backed store.Backend.
type Backend struct {
	config StoreConfig
	db     *gorm.DB
	inTx   bool
}

var (
	_ store.Backend                 = (*Backend)(nil)
	_ store.UniqueViolationDetector = (*Backend)(nil)
)

// NewBackend creates a backend on db.
func NewBackend(db *gorm.DB, config StoreConfig) *Backend {
	return &Backend{config: config, db: db}
}

// AutoMigrate creates or updates the three tables.
func (b *Backend) AutoMigrate(ctx context.Context) error {
	tables := []struct {
		name  string
		model interface{}
	}{
		{b.config.EventsTable, &EventModel{}},
		{b.config.SnapshotsTable, &SnapshotModel{}},
		{b.config.QueriesTable, &QueryModel{}},
	}
	for _, t := range tables {
		if err := b.db.WithContext(ctx).Table(t.name).AutoMigrate(t.model); err != nil {
			return fmt.Errorf("failed to migrate %s: %w", t.name, err)
		}
	}
	return nil
}

// Exec implements store.Backend.
func (b *Backend) Exec(ctx context.Context, stmt store.Statement, rec store.Record) (int64, error) {
	if b.config.Logger != nil {
		b.config.Logger.Debug(ctx, "executing statement",
			"statement", stmt.String(),
			"aggregate_id", rec.AggregateID,
			"sequence", rec.Sequence)
	}

	db := b.db.WithContext(ctx)
	var res *gorm.DB
	switch stmt {
	case store.InsertEvent:
		res = db.Table(b.config.EventsTable).Create(&EventModel{
			AggregateType: rec.AggregateType,
			AggregateID:   rec.AggregateID,
			Sequence:      rec.Sequence,
			Payload:       payload(rec.Payload),
			Metadata:      rec.Metadata,
			CreatedAt:     rec.Timestamp,
		})
	case store.InsertSnapshot:
		res = db.Table(b.config.SnapshotsTable).Create(snapshotModel(rec))
	case store.UpdateSnapshot:
		res = db.Table(b.config.SnapshotsTable).
			Where("aggregate_type = ? AND aggregate_id = ?", rec.AggregateType, rec.AggregateID).
			Updates(rowUpdates(rec))
	case store.UpsertSnapshot:
		res = db.Table(b.config.SnapshotsTable).
			Clauses(b.upsert(b.config.SnapshotsTable, "aggregate_type", "aggregate_id")).
			Create(snapshotModel(rec))
	case store.InsertQuery:
		res = db.Table(b.config.QueriesTable).Create(queryModel(rec))
	case store.UpdateQuery:
		res = db.Table(b.config.QueriesTable).
			Where("aggregate_type = ? AND aggregate_id = ? AND query_type = ?", rec.AggregateType, rec.AggregateID, rec.QueryType).
			Updates(rowUpdates(rec))
	case store.UpsertQuery:
		res = db.Table(b.config.QueriesTable).
			Clauses(b.upsert(b.config.QueriesTable, "aggregate_type", "aggregate_id", "query_type")).
			Create(queryModel(rec))
	default:
		return 0, fmt.Errorf("unsupported write statement %s", stmt)
	}
	if res.Error != nil {
		return 0, fmt.Errorf("failed to execute %s: %w", stmt, res.Error)
	}
	return res.RowsAffected, nil
}

// Query implements store.Backend.
func (b *Backend) Query(ctx context.Context, stmt store.Statement, key store.Record) ([]store.Record, error) {
	db := b.db.WithContext(ctx)
	switch stmt {
	case store.SelectEvents:
		var models []EventModel
		err := db.Table(b.config.EventsTable).
			Where("aggregate_type = ? AND aggregate_id = ? AND sequence > ?", key.AggregateType, key.AggregateID, key.Sequence).
			Order("sequence ASC").
			Find(&models).Error
		if err != nil {
			return nil, fmt.Errorf("failed to query events: %w", err)
		}
		records := make([]store.Record, len(models))
		for i, m := range models {
			records[i] = store.Record{
				AggregateType: m.AggregateType,
				AggregateID:   m.AggregateID,
				Sequence:      m.Sequence,
				Payload:       m.Payload,
				Metadata:      m.Metadata,
				Timestamp:     m.CreatedAt,
			}
		}
		return records, nil

	case store.SelectSnapshot:
		var m SnapshotModel
		err := db.Table(b.config.SnapshotsTable).
			Where("aggregate_type = ? AND aggregate_id = ?", key.AggregateType, key.AggregateID).
			Take(&m).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to query snapshot: %w", err)
		}
		return []store.Record{{
			AggregateType: m.AggregateType,
			AggregateID:   m.AggregateID,
			Sequence:      m.Version,
			Payload:       m.Payload,
			Timestamp:     m.UpdatedAt,
		}}, nil

	case store.SelectQuery:
		var m QueryModel
		err := db.Table(b.config.QueriesTable).
			Where("aggregate_type = ? AND aggregate_id = ? AND query_type = ?", key.AggregateType, key.AggregateID, key.QueryType).
			Take(&m).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to query %s: %w", key.QueryType, err)
		}
		return []store.Record{{
			AggregateType: m.AggregateType,
			AggregateID:   m.AggregateID,
			QueryType:     m.QueryType,
			Sequence:      m.Version,
			Payload:       m.Payload,
			Timestamp:     m.UpdatedAt,
		}}, nil

	default:
		return nil, fmt.Errorf("unsupported read statement %s", stmt)
	}
}

// Atomic implements store.Backend. Calls made inside an existing
// transaction join it.
func (b *Backend) Atomic(ctx context.Context, fn func(ctx context.Context, b store.Backend) error) error {
	if b.inTx {
		return fn(ctx, b)
	}
	return b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(ctx, &Backend{config: b.config, db: tx, inTx: true})
	})
}

// IsUniqueViolation implements store.UniqueViolationDetector.
func (b *Backend) IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value violates unique constraint")
}

// upsert builds the conflict clause that overwrites a row unless it already
// holds a higher version.
func (b *Backend) upsert(table string, keys ...string) clause.OnConflict {
	columns := make([]clause.Column, len(keys))
	for i, k := range keys {
		columns[i] = clause.Column{Name: k}
	}

	if b.db.Dialector.Name() == "mysql" {
		// version is assigned last so the guards compare against the old value.
		set := make(clause.Set, 0, 3)
		for _, col := range []string{"payload", "updated_at", "version"} {
			set = append(set, clause.Assignment{
				Column: clause.Column{Name: col},
				Value:  gorm.Expr(fmt.Sprintf("IF(version <= VALUES(version), VALUES(%s), %s)", col, col)),
			})
		}
		return clause.OnConflict{Columns: columns, DoUpdates: set}
	}

	return clause.OnConflict{
		Columns:   columns,
		DoUpdates: clause.AssignmentColumns([]string{"version", "payload", "updated_at"}),
		Where: clause.Where{Exprs: []clause.Expression{
			gorm.Expr(fmt.Sprintf("%s.version <= excluded.version", table)),
		}},
	}
}

func snapshotModel(rec store.Record) *SnapshotModel {
	return &SnapshotModel{
		AggregateType: rec.AggregateType,
		AggregateID:   rec.AggregateID,
		Version:       rec.Sequence,
		Payload:       payload(rec.Payload),
		UpdatedAt:     rec.Timestamp,
	}
}

func queryModel(rec store.Record) *QueryModel {
	return &QueryModel{
		AggregateType: rec.AggregateType,
		AggregateID:   rec.AggregateID,
		QueryType:     rec.QueryType,
		Version:       rec.Sequence,
		Payload:       payload(rec.Payload),
		UpdatedAt:     rec.Timestamp,
	}
}

func rowUpdates(rec store.Record) map[string]interface{} {
	return map[string]interface{}{
		"version":    rec.Sequence,
		"payload":    payload(rec.Payload),
		"updated_at": rec.Timestamp,
	}
}

func payload(p []byte) []byte {
	if p == nil {
		return []byte{}
	}
	return p
}
