// Package redis provides a Redis backend for the event and query stores.
//
// Each aggregate owns a hash of events keyed by sequence, a snapshot hash
// and one hash per query. All keys of an aggregate share a hash tag so a
// batch of writes can run as one Lua script on Redis Cluster.
package redis

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/getpup/cqrsstore/es"
	"github.com/getpup/cqrsstore/es/store"
)

//go:embed script.lua
var applyLua string

var applyScript = redis.NewScript(applyLua)

// duplicateReply prefixes the error the script returns on a key collision.
const duplicateReply = "DUPLICATE"

// StoreConfig contains configuration for the Redis backend.
// Configuration is immutable after construction.
type StoreConfig struct {
	// Logger is an optional logger for observability.
	// If nil, logging is disabled (zero overhead).
	Logger es.Logger

	// Prefix is prepended to every key.
	Prefix string
}

// DefaultStoreConfig returns the default configuration.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{Prefix: "cqrs"}
}

// StoreOption is a functional option for configuring a Backend.
type StoreOption func(*StoreConfig)

// WithLogger sets a logger for the backend.
func WithLogger(logger es.Logger) StoreOption {
	return func(c *StoreConfig) {
		c.Logger = logger
	}
}

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) StoreOption {
	return func(c *StoreConfig) {
		c.Prefix = prefix
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

// Backend is a Redis-backed store.Backend.
type Backend struct {
	config StoreConfig
	client redis.UniversalClient
}

var (
	_ store.Backend                 = (*Backend)(nil)
	_ store.UniqueViolationDetector = (*Backend)(nil)
)

// NewBackend creates a backend on client.
func NewBackend(client redis.UniversalClient, config StoreConfig) *Backend {
	return &Backend{config: config, client: client}
}

// op is one buffered write.
type op struct {
	kind string
	key  string
	args [3]interface{}
}

// envelope is the stored form of one event.
type envelope struct {
	Payload   []byte    `json:"payload"`
	Metadata  []byte    `json:"metadata,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Exec implements store.Backend.
func (b *Backend) Exec(ctx context.Context, stmt store.Statement, rec store.Record) (int64, error) {
	o, err := b.op(stmt, rec)
	if err != nil {
		return 0, err
	}
	affected, err := b.apply(ctx, []op{o})
	if err != nil {
		return 0, err
	}
	return affected[0], nil
}

// Query implements store.Backend.
func (b *Backend) Query(ctx context.Context, stmt store.Statement, key store.Record) ([]store.Record, error) {
	switch stmt {
	case store.SelectEvents:
		return b.events(ctx, key)
	case store.SelectSnapshot:
		return b.row(ctx, b.snapshotKey(key), key)
	case store.SelectQuery:
		return b.row(ctx, b.queryKey(key), key)
	default:
		return nil, fmt.Errorf("unsupported read statement %s", stmt)
	}
}

// Atomic implements store.Backend. Writes issued by fn are buffered and
// applied by a single script run after fn returns. Reads inside fn see the
// state from before the batch.
func (b *Backend) Atomic(ctx context.Context, fn func(ctx context.Context, b store.Backend) error) error {
	tx := &txBackend{Backend: b}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if len(tx.ops) == 0 {
		return nil
	}
	_, err := b.apply(ctx, tx.ops)
	return err
}

// IsUniqueViolation implements store.UniqueViolationDetector.
func (b *Backend) IsUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), duplicateReply)
}

func (b *Backend) op(stmt store.Statement, rec store.Record) (op, error) {
	version := strconv.FormatInt(rec.Sequence, 10)
	updatedAt := rec.Timestamp.UTC().Format(time.RFC3339Nano)

	switch stmt {
	case store.InsertEvent:
		data, err := json.Marshal(envelope{Payload: rec.Payload, Metadata: rec.Metadata, CreatedAt: rec.Timestamp.UTC()})
		if err != nil {
			return op{}, fmt.Errorf("failed to marshal event: %w", err)
		}
		return op{kind: "append", key: b.eventsKey(rec), args: [3]interface{}{version, data, ""}}, nil
	case store.InsertSnapshot:
		return op{kind: "insert", key: b.snapshotKey(rec), args: [3]interface{}{version, rec.Payload, updatedAt}}, nil
	case store.UpdateSnapshot:
		return op{kind: "update", key: b.snapshotKey(rec), args: [3]interface{}{version, rec.Payload, updatedAt}}, nil
	case store.UpsertSnapshot:
		return op{kind: "upsert", key: b.snapshotKey(rec), args: [3]interface{}{version, rec.Payload, updatedAt}}, nil
	case store.InsertQuery:
		return op{kind: "insert", key: b.queryKey(rec), args: [3]interface{}{version, rec.Payload, updatedAt}}, nil
	case store.UpdateQuery:
		return op{kind: "update", key: b.queryKey(rec), args: [3]interface{}{version, rec.Payload, updatedAt}}, nil
	case store.UpsertQuery:
		return op{kind: "upsert", key: b.queryKey(rec), args: [3]interface{}{version, rec.Payload, updatedAt}}, nil
	default:
		return op{}, fmt.Errorf("unsupported write statement %s", stmt)
	}
}

func (b *Backend) apply(ctx context.Context, ops []op) ([]int64, error) {
	keys := make([]string, len(ops))
	args := make([]interface{}, 0, len(ops)*4)
	for i, o := range ops {
		keys[i] = o.key
		args = append(args, o.kind, o.args[0], o.args[1], o.args[2])
	}

	if b.config.Logger != nil {
		b.config.Logger.Debug(ctx, "applying writes", "ops", len(ops), "first_key", keys[0])
	}

	affected, err := applyScript.Run(ctx, b.client, keys, args...).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("failed to apply writes: %w", err)
	}
	return affected, nil
}

func (b *Backend) events(ctx context.Context, key store.Record) ([]store.Record, error) {
	fields, err := b.client.HGetAll(ctx, b.eventsKey(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}

	records := make([]store.Record, 0, len(fields))
	for field, value := range fields {
		seq, err := strconv.ParseInt(field, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad sequence %q: %w", field, err)
		}
		if seq <= key.Sequence {
			continue
		}
		var env envelope
		if err := json.Unmarshal([]byte(value), &env); err != nil {
			return nil, fmt.Errorf("bad event at sequence %d: %w", seq, err)
		}
		records = append(records, store.Record{
			AggregateType: key.AggregateType,
			AggregateID:   key.AggregateID,
			Sequence:      seq,
			Payload:       env.Payload,
			Metadata:      env.Metadata,
			Timestamp:     env.CreatedAt,
		})
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Sequence < records[j].Sequence })
	return records, nil
}

func (b *Backend) row(ctx context.Context, redisKey string, key store.Record) ([]store.Record, error) {
	fields, err := b.client.HGetAll(ctx, redisKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", redisKey, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	version, err := strconv.ParseInt(fields["version"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("bad version in %s: %w", redisKey, err)
	}
	rec := store.Record{
		AggregateType: key.AggregateType,
		AggregateID:   key.AggregateID,
		QueryType:     key.QueryType,
		Sequence:      version,
		Payload:       []byte(fields["payload"]),
	}
	if ts, err := time.Parse(time.RFC3339Nano, fields["updated_at"]); err == nil {
		rec.Timestamp = ts
	}
	return []store.Record{rec}, nil
}

func (b *Backend) tag(rec store.Record) string {
	return fmt.Sprintf("%s:{%s:%s}", b.config.Prefix, rec.AggregateType, rec.AggregateID)
}

func (b *Backend) eventsKey(rec store.Record) string {
	return b.tag(rec) + ":events"
}

func (b *Backend) snapshotKey(rec store.Record) string {
	return b.tag(rec) + ":snapshot"
}

func (b *Backend) queryKey(rec store.Record) string {
	return b.tag(rec) + ":query:" + rec.QueryType
}

// txBackend buffers writes for Atomic.
type txBackend struct {
	*Backend
	ops []op
}

func (t *txBackend) Exec(_ context.Context, stmt store.Statement, rec store.Record) (int64, error) {
	o, err := t.op(stmt, rec)
	if err != nil {
		return 0, err
	}
	t.ops = append(t.ops, o)
	return 1, nil
}

func (t *txBackend) Atomic(ctx context.Context, fn func(ctx context.Context, b store.Backend) error) error {
	return fn(ctx, t)
}
