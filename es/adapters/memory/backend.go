// Package memory provides an in-memory backend for tests and prototypes.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/getpup/cqrsstore/es"
	"github.com/getpup/cqrsstore/es/store"
)

// ErrDuplicateKey is returned when an insert collides with an existing key.
var ErrDuplicateKey = errors.New("duplicate key")

// StoreConfig contains configuration for the in-memory backend.
type StoreConfig struct {
	// Logger is an optional logger for observability.
	Logger es.Logger
}

// DefaultStoreConfig returns the default configuration.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{}
}

// StoreOption is a functional option for configuring a Backend.
type StoreOption func(*StoreConfig)

// WithLogger sets a logger for the backend.
func WithLogger(logger es.Logger) StoreOption {
	return func(c *StoreConfig) {
		c.Logger = logger
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

type streamKey struct {
	aggregateType string
	aggregateID   string
}

type rowKey struct {
	aggregateType string
	aggregateID   string
	queryType     string
}

// Backend keeps events, snapshots and queries in maps guarded by a mutex.
type Backend struct {
	config    StoreConfig
	mu        sync.RWMutex
	events    map[streamKey][]store.Record
	snapshots map[rowKey]store.Record
	queries   map[rowKey]store.Record
}

var (
	_ store.Backend                 = (*Backend)(nil)
	_ store.UniqueViolationDetector = (*Backend)(nil)
)

// NewBackend creates an empty in-memory backend.
func NewBackend(config StoreConfig) *Backend {
	return &Backend{
		config:    config,
		events:    make(map[streamKey][]store.Record),
		snapshots: make(map[rowKey]store.Record),
		queries:   make(map[rowKey]store.Record),
	}
}

// Exec implements store.Backend.
func (b *Backend) Exec(_ context.Context, stmt store.Statement, rec store.Record) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, _, err := b.exec(stmt, rec)
	return n, err
}

// Query implements store.Backend.
func (b *Backend) Query(_ context.Context, stmt store.Statement, key store.Record) ([]store.Record, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.query(stmt, key)
}

// Atomic implements store.Backend.
// The backend stays locked while fn runs; writes are undone if fn fails.
func (b *Backend) Atomic(ctx context.Context, fn func(ctx context.Context, b store.Backend) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	tx := &txBackend{parent: b}
	if err := fn(ctx, tx); err != nil {
		for i := len(tx.undo) - 1; i >= 0; i-- {
			tx.undo[i]()
		}
		if b.config.Logger != nil {
			b.config.Logger.Debug(ctx, "atomic unit rolled back", "writes", len(tx.undo), "error", err)
		}
		return err
	}
	return nil
}

// IsUniqueViolation implements store.UniqueViolationDetector.
func (b *Backend) IsUniqueViolation(err error) bool {
	return errors.Is(err, ErrDuplicateKey)
}

// exec applies a write and returns a function that reverts it.
func (b *Backend) exec(stmt store.Statement, rec store.Record) (int64, func(), error) {
	rec = cloneRecord(rec)
	switch stmt {
	case store.InsertEvent:
		key := streamKey{rec.AggregateType, rec.AggregateID}
		stream := b.events[key]
		i := sort.Search(len(stream), func(i int) bool { return stream[i].Sequence >= rec.Sequence })
		if i < len(stream) && stream[i].Sequence == rec.Sequence {
			return 0, nil, fmt.Errorf("event %s/%s/%d: %w", rec.AggregateType, rec.AggregateID, rec.Sequence, ErrDuplicateKey)
		}
		stream = append(stream, store.Record{})
		copy(stream[i+1:], stream[i:])
		stream[i] = rec
		b.events[key] = stream
		seq := rec.Sequence
		return 1, func() { b.removeEvent(key, seq) }, nil

	case store.InsertSnapshot, store.UpdateSnapshot, store.UpsertSnapshot:
		return b.write(b.snapshots, stmt, rowKey{rec.AggregateType, rec.AggregateID, ""}, rec)

	case store.InsertQuery, store.UpdateQuery, store.UpsertQuery:
		return b.write(b.queries, stmt, rowKey{rec.AggregateType, rec.AggregateID, rec.QueryType}, rec)

	default:
		return 0, nil, fmt.Errorf("unsupported write statement %s", stmt)
	}
}

func (b *Backend) write(rows map[rowKey]store.Record, stmt store.Statement, key rowKey, rec store.Record) (int64, func(), error) {
	prev, exists := rows[key]
	restore := func() {
		if exists {
			rows[key] = prev
		} else {
			delete(rows, key)
		}
	}

	switch stmt {
	case store.InsertSnapshot, store.InsertQuery:
		if exists {
			return 0, nil, fmt.Errorf("row %s/%s: %w", key.aggregateType, key.aggregateID, ErrDuplicateKey)
		}
	case store.UpdateSnapshot, store.UpdateQuery:
		if !exists {
			return 0, func() {}, nil
		}
	default:
		if exists && prev.Sequence > rec.Sequence {
			return 0, func() {}, nil
		}
	}
	rows[key] = rec
	return 1, restore, nil
}

func (b *Backend) removeEvent(key streamKey, sequence int64) {
	stream := b.events[key]
	for i := range stream {
		if stream[i].Sequence == sequence {
			b.events[key] = append(stream[:i], stream[i+1:]...)
			break
		}
	}
	if len(b.events[key]) == 0 {
		delete(b.events, key)
	}
}

func (b *Backend) query(stmt store.Statement, key store.Record) ([]store.Record, error) {
	switch stmt {
	case store.SelectEvents:
		stream := b.events[streamKey{key.AggregateType, key.AggregateID}]
		var out []store.Record
		for i := range stream {
			if stream[i].Sequence > key.Sequence {
				out = append(out, cloneRecord(stream[i]))
			}
		}
		return out, nil
	case store.SelectSnapshot:
		return single(b.snapshots, rowKey{key.AggregateType, key.AggregateID, ""}), nil
	case store.SelectQuery:
		return single(b.queries, rowKey{key.AggregateType, key.AggregateID, key.QueryType}), nil
	default:
		return nil, fmt.Errorf("unsupported read statement %s", stmt)
	}
}

func single(rows map[rowKey]store.Record, key rowKey) []store.Record {
	rec, ok := rows[key]
	if !ok {
		return nil
	}
	return []store.Record{cloneRecord(rec)}
}

func cloneRecord(rec store.Record) store.Record {
	if rec.Payload != nil {
		rec.Payload = append([]byte(nil), rec.Payload...)
	}
	if rec.Metadata != nil {
		rec.Metadata = append([]byte(nil), rec.Metadata...)
	}
	return rec
}

// txBackend runs statements while the parent lock is held and remembers
// how to revert them.
type txBackend struct {
	parent *Backend
	undo   []func()
}

func (t *txBackend) Exec(_ context.Context, stmt store.Statement, rec store.Record) (int64, error) {
	n, undo, err := t.parent.exec(stmt, rec)
	if err != nil {
		return 0, err
	}
	t.undo = append(t.undo, undo)
	return n, nil
}

func (t *txBackend) Query(_ context.Context, stmt store.Statement, key store.Record) ([]store.Record, error) {
	return t.parent.query(stmt, key)
}

func (t *txBackend) Atomic(ctx context.Context, fn func(ctx context.Context, b store.Backend) error) error {
	return fn(ctx, t)
}

func (t *txBackend) IsUniqueViolation(err error) bool {
	return t.parent.IsUniqueViolation(err)
}
