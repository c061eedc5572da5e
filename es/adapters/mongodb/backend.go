// Package mongodb provides a MongoDB backend for the event and query stores.
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/getpup/cqrsstore/es"
	"github.com/getpup/cqrsstore/es/store"
)

// StoreConfig contains configuration for the MongoDB backend.
// Configuration is immutable after construction.
type StoreConfig struct {
	// Logger is an optional logger for observability.
	// If nil, logging is disabled (zero overhead).
	Logger es.Logger

	// EventsCollection is the name of the events collection
	EventsCollection string

	// SnapshotsCollection is the name of the aggregate snapshots collection
	SnapshotsCollection string

	// QueriesCollection is the name of the query projections collection
	QueriesCollection string

	// Transactions makes Atomic run inside a multi-document transaction.
	// Requires a replica set or sharded cluster. Without it, atomic units
	// are not all-or-nothing.
	Transactions bool
}

// DefaultStoreConfig returns the default configuration.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		EventsCollection:    "events",
		SnapshotsCollection: "snapshots",
		QueriesCollection:   "queries",
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

// WithCollections sets custom collection names.
func WithCollections(events, snapshots, queries string) StoreOption {
	return func(c *StoreConfig) {
		c.EventsCollection = events
		c.SnapshotsCollection = snapshots
		c.QueriesCollection = queries
	}
}

// WithTransactions enables multi-document transactions for Atomic.
func WithTransactions(enabled bool) StoreOption {
	return func(c *StoreConfig) {
		c.Transactions = enabled
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

// Backend is a MongoDB-backed store.Backend.
type Backend struct {
	config    StoreConfig
	client    *mongo.Client
	events    *mongo.Collection
	snapshots *mongo.Collection
	queries   *mongo.Collection
}

var (
	_ store.Backend                 = (*Backend)(nil)
	_ store.UniqueViolationDetector = (*Backend)(nil)
)

// NewBackend creates a backend on db.
//
// Transactions are off by default: Atomic then runs its writes one by one,
// so a multi-event SaveEvents that fails halfway leaves the earlier events
// stored. Pass WithTransactions(true) on a replica set or sharded cluster
// to make every atomic unit all-or-nothing.
func NewBackend(db *mongo.Database, config StoreConfig) *Backend {
	return &Backend{
		config:    config,
		client:    db.Client(),
		events:    db.Collection(config.EventsCollection),
		snapshots: db.Collection(config.SnapshotsCollection),
		queries:   db.Collection(config.QueriesCollection),
	}
}

// EnsureIndexes creates the unique indexes that enforce one event per
// sequence and one row per snapshot or query key.
func (b *Backend) EnsureIndexes(ctx context.Context) error {
	unique := options.Index().SetUnique(true)
	indexes := []struct {
		coll *mongo.Collection
		keys bson.D
	}{
		{b.events, bson.D{{Key: "aggregate_type", Value: 1}, {Key: "aggregate_id", Value: 1}, {Key: "sequence", Value: 1}}},
		{b.snapshots, bson.D{{Key: "aggregate_type", Value: 1}, {Key: "aggregate_id", Value: 1}}},
		{b.queries, bson.D{{Key: "aggregate_type", Value: 1}, {Key: "aggregate_id", Value: 1}, {Key: "query_type", Value: 1}}},
	}
	for _, idx := range indexes {
		if _, err := idx.coll.Indexes().CreateOne(ctx, mongo.IndexModel{Keys: idx.keys, Options: unique}); err != nil {
			return fmt.Errorf("failed to create index on %s: %w", idx.coll.Name(), err)
		}
	}
	if b.config.Logger != nil {
		b.config.Logger.Info(ctx, "indexes ensured",
			"events_collection", b.config.EventsCollection,
			"snapshots_collection", b.config.SnapshotsCollection,
			"queries_collection", b.config.QueriesCollection)
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

	switch stmt {
	case store.InsertEvent:
		_, err := b.events.InsertOne(ctx, bson.D{
			{Key: "aggregate_type", Value: rec.AggregateType},
			{Key: "aggregate_id", Value: rec.AggregateID},
			{Key: "sequence", Value: rec.Sequence},
			{Key: "payload", Value: encodeValue(rec.Payload)},
			{Key: "metadata", Value: encodeValue(rec.Metadata)},
			{Key: "created_at", Value: rec.Timestamp},
		})
		if err != nil {
			return 0, fmt.Errorf("failed to insert event: %w", err)
		}
		return 1, nil

	case store.InsertSnapshot:
		return b.insertRow(ctx, b.snapshots, snapshotKey(rec), rec)
	case store.UpdateSnapshot:
		return b.updateRow(ctx, b.snapshots, snapshotKey(rec), rec, false)
	case store.UpsertSnapshot:
		return b.updateRow(ctx, b.snapshots, snapshotKey(rec), rec, true)
	case store.InsertQuery:
		return b.insertRow(ctx, b.queries, queryKey(rec), rec)
	case store.UpdateQuery:
		return b.updateRow(ctx, b.queries, queryKey(rec), rec, false)
	case store.UpsertQuery:
		return b.updateRow(ctx, b.queries, queryKey(rec), rec, true)
	default:
		return 0, fmt.Errorf("unsupported write statement %s", stmt)
	}
}

// Query implements store.Backend.
func (b *Backend) Query(ctx context.Context, stmt store.Statement, key store.Record) ([]store.Record, error) {
	switch stmt {
	case store.SelectEvents:
		filter := bson.D{
			{Key: "aggregate_type", Value: key.AggregateType},
			{Key: "aggregate_id", Value: key.AggregateID},
			{Key: "sequence", Value: bson.D{{Key: "$gt", Value: key.Sequence}}},
		}
		cursor, err := b.events.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "sequence", Value: 1}}))
		if err != nil {
			return nil, fmt.Errorf("failed to query events: %w", err)
		}
		defer cursor.Close(ctx)

		var records []store.Record
		for cursor.Next(ctx) {
			var doc document
			if err := cursor.Decode(&doc); err != nil {
				return nil, fmt.Errorf("failed to decode event: %w", err)
			}
			rec, err := doc.record(key)
			if err != nil {
				return nil, err
			}
			records = append(records, rec)
		}
		if err := cursor.Err(); err != nil {
			return nil, fmt.Errorf("cursor error: %w", err)
		}
		return records, nil

	case store.SelectSnapshot:
		return b.findRow(ctx, b.snapshots, snapshotKey(key), key)
	case store.SelectQuery:
		return b.findRow(ctx, b.queries, queryKey(key), key)
	default:
		return nil, fmt.Errorf("unsupported read statement %s", stmt)
	}
}

// Atomic implements store.Backend.
// Without transactions fn runs directly and a failure partway through a
// multi-event append leaves the events already inserted in place.
func (b *Backend) Atomic(ctx context.Context, fn func(ctx context.Context, b store.Backend) error) error {
	if !b.config.Transactions || mongo.SessionFromContext(ctx) != nil {
		return fn(ctx, b)
	}

	return b.client.UseSession(ctx, func(sc mongo.SessionContext) error {
		_, err := sc.WithTransaction(sc, func(txCtx mongo.SessionContext) (interface{}, error) {
			return nil, fn(txCtx, b)
		})
		return err
	})
}

// IsUniqueViolation implements store.UniqueViolationDetector.
func (b *Backend) IsUniqueViolation(err error) bool {
	return mongo.IsDuplicateKeyError(err)
}

func (b *Backend) insertRow(ctx context.Context, coll *mongo.Collection, key bson.D, rec store.Record) (int64, error) {
	doc := append(bson.D{}, key...)
	doc = append(doc,
		bson.E{Key: "version", Value: rec.Sequence},
		bson.E{Key: "payload", Value: encodeValue(rec.Payload)},
		bson.E{Key: "updated_at", Value: rec.Timestamp},
	)
	if _, err := coll.InsertOne(ctx, doc); err != nil {
		return 0, fmt.Errorf("failed to insert into %s: %w", coll.Name(), err)
	}
	return 1, nil
}

// updateRow overwrites the row at key. With upsert set the row is created
// when missing and left alone when it already holds a higher version: the
// version filter then fails to match and the implied insert collides with
// the unique index.
func (b *Backend) updateRow(ctx context.Context, coll *mongo.Collection, key bson.D, rec store.Record, upsert bool) (int64, error) {
	filter := append(bson.D{}, key...)
	opts := options.Update()
	if upsert {
		filter = append(filter, bson.E{Key: "version", Value: bson.D{{Key: "$lte", Value: rec.Sequence}}})
		opts.SetUpsert(true)
	}
	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: "version", Value: rec.Sequence},
		{Key: "payload", Value: encodeValue(rec.Payload)},
		{Key: "updated_at", Value: rec.Timestamp},
	}}}

	res, err := coll.UpdateOne(ctx, filter, update, opts)
	if err != nil {
		if upsert && mongo.IsDuplicateKeyError(err) {
			if b.config.Logger != nil {
				b.config.Logger.Debug(ctx, "stale write ignored",
					"collection", coll.Name(),
					"aggregate_id", rec.AggregateID,
					"version", rec.Sequence)
			}
			return 0, nil
		}
		return 0, fmt.Errorf("failed to update %s: %w", coll.Name(), err)
	}
	return res.MatchedCount + res.UpsertedCount, nil
}

func (b *Backend) findRow(ctx context.Context, coll *mongo.Collection, filter bson.D, key store.Record) ([]store.Record, error) {
	var doc document
	err := coll.FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", coll.Name(), err)
	}
	rec, err := doc.record(key)
	if err != nil {
		return nil, err
	}
	return []store.Record{rec}, nil
}

func snapshotKey(rec store.Record) bson.D {
	return bson.D{
		{Key: "aggregate_type", Value: rec.AggregateType},
		{Key: "aggregate_id", Value: rec.AggregateID},
	}
}

func queryKey(rec store.Record) bson.D {
	return bson.D{
		{Key: "aggregate_type", Value: rec.AggregateType},
		{Key: "aggregate_id", Value: rec.AggregateID},
		{Key: "query_type", Value: rec.QueryType},
	}
}

// document is the stored shape of events, snapshots and queries.
type document struct {
	Sequence  int64         `bson:"sequence,omitempty"`
	Version   int64         `bson:"version,omitempty"`
	Payload   bson.RawValue `bson:"payload"`
	Metadata  bson.RawValue `bson:"metadata,omitempty"`
	CreatedAt time.Time     `bson:"created_at,omitempty"`
	UpdatedAt time.Time     `bson:"updated_at,omitempty"`
}

func (d document) record(key store.Record) (store.Record, error) {
	payload, err := decodeValue(d.Payload)
	if err != nil {
		return store.Record{}, fmt.Errorf("payload: %w", err)
	}
	metadata, err := decodeValue(d.Metadata)
	if err != nil {
		return store.Record{}, fmt.Errorf("metadata: %w", err)
	}
	rec := store.Record{
		AggregateType: key.AggregateType,
		AggregateID:   key.AggregateID,
		QueryType:     key.QueryType,
		Sequence:      d.Sequence,
		Payload:       payload,
		Metadata:      metadata,
		Timestamp:     d.CreatedAt,
	}
	if d.Version != 0 {
		rec.Sequence = d.Version
		rec.Timestamp = d.UpdatedAt
	}
	return rec, nil
}

// encodeValue stores BSON documents as embedded documents, UTF-8 text
// (such as JSON) as strings and anything else as binary.
func encodeValue(data []byte) interface{} {
	switch {
	case data == nil:
		return nil
	case bson.Raw(data).Validate() == nil:
		return bson.Raw(data)
	case utf8.Valid(data):
		return string(data)
	default:
		return data
	}
}

func decodeValue(v bson.RawValue) ([]byte, error) {
	switch v.Type {
	case 0, bson.TypeNull:
		return nil, nil
	case bson.TypeEmbeddedDocument:
		return append([]byte(nil), v.Value...), nil
	case bson.TypeString:
		return []byte(v.StringValue()), nil
	case bson.TypeBinary:
		_, data := v.Binary()
		return append([]byte(nil), data...), nil
	default:
		return nil, fmt.Errorf("unexpected bson type %s", v.Type)
	}
}
