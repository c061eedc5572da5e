package config

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	goredis "github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	gormmysql "gorm.io/driver/mysql"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/getpup/cqrsstore/es"
	"github.com/getpup/cqrsstore/es/adapters/gormstore"
	"github.com/getpup/cqrsstore/es/adapters/memory"
	"github.com/getpup/cqrsstore/es/adapters/mongodb"
	"github.com/getpup/cqrsstore/es/adapters/mysql"
	"github.com/getpup/cqrsstore/es/adapters/postgres"
	"github.com/getpup/cqrsstore/es/adapters/redis"
	"github.com/getpup/cqrsstore/es/adapters/sqlite"
	"github.com/getpup/cqrsstore/es/store"
)

// Backend is an opened store backend together with its schema setup and
// cleanup hooks.
type Backend struct {
	store.Backend
	driver string
	ensure func(ctx context.Context) error
	close  func() error
}

// Driver returns the driver the backend was opened with.
func (b *Backend) Driver() string {
	return b.driver
}

// EnsureSchema creates the tables, indexes or collections the backend
// needs. It is a no-op for schemaless backends.
func (b *Backend) EnsureSchema(ctx context.Context) error {
	if b.ensure == nil {
		return nil
	}
	return b.ensure(ctx)
}

// Close releases the underlying connection.
func (b *Backend) Close() error {
	if b.close == nil {
		return nil
	}
	return b.close()
}

// Open connects to the backend cfg describes.
func Open(ctx context.Context, cfg Config, logger es.Logger) (*Backend, error) {
	switch cfg.Driver {
	case DriverMemory:
		return &Backend{
			Backend: memory.NewBackend(memory.NewStoreConfig(memory.WithLogger(logger))),
			driver:  cfg.Driver,
		}, nil

	case DriverSQLite:
		db, err := sqlite.Open(cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite: %w", err)
		}
		b := sqlite.NewBackend(db, sqlite.NewStoreConfig(
			sqlite.WithLogger(logger),
			sqlite.WithEventsTable(cfg.EventsTable),
			sqlite.WithSnapshotsTable(cfg.SnapshotsTable),
			sqlite.WithQueriesTable(cfg.QueriesTable),
		))
		return &Backend{Backend: b, driver: cfg.Driver, ensure: b.EnsureSchema, close: db.Close}, nil

	case DriverPostgres:
		db, err := openSQL(ctx, "postgres", cfg.DSN)
		if err != nil {
			return nil, err
		}
		b := postgres.NewBackend(db, postgres.NewStoreConfig(
			postgres.WithLogger(logger),
			postgres.WithEventsTable(cfg.EventsTable),
			postgres.WithSnapshotsTable(cfg.SnapshotsTable),
			postgres.WithQueriesTable(cfg.QueriesTable),
		))
		return &Backend{Backend: b, driver: cfg.Driver, ensure: b.EnsureSchema, close: db.Close}, nil

	case DriverMySQL:
		db, err := openSQL(ctx, "mysql", cfg.DSN)
		if err != nil {
			return nil, err
		}
		b := mysql.NewBackend(db, mysql.NewStoreConfig(
			mysql.WithLogger(logger),
			mysql.WithEventsTable(cfg.EventsTable),
			mysql.WithSnapshotsTable(cfg.SnapshotsTable),
			mysql.WithQueriesTable(cfg.QueriesTable),
		))
		return &Backend{Backend: b, driver: cfg.Driver, ensure: b.EnsureSchema, close: db.Close}, nil

	case DriverGormSQLite, DriverGormMySQL:
		dialector := gormsqlite.Open(cfg.DSN)
		if cfg.Driver == DriverGormMySQL {
			dialector = gormmysql.Open(cfg.DSN)
		}
		db, err := gorm.Open(dialector, &gorm.Config{
			Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
			TranslateError: true,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", cfg.Driver, err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get database handle: %w", err)
		}
		b := gormstore.NewBackend(db, gormstore.NewStoreConfig(
			gormstore.WithLogger(logger),
			gormstore.WithTables(cfg.EventsTable, cfg.SnapshotsTable, cfg.QueriesTable),
		))
		return &Backend{Backend: b, driver: cfg.Driver, ensure: b.AutoMigrate, close: sqlDB.Close}, nil

	case DriverMongoDB:
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.DSN))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
		}
		if err := client.Ping(ctx, nil); err != nil {
			_ = client.Disconnect(ctx)
			return nil, fmt.Errorf("failed to ping mongodb: %w", err)
		}
		b := mongodb.NewBackend(client.Database(cfg.Database), mongodb.NewStoreConfig(
			mongodb.WithLogger(logger),
			mongodb.WithCollections(cfg.EventsTable, cfg.SnapshotsTable, cfg.QueriesTable),
			mongodb.WithTransactions(cfg.MongoTransactions),
		))
		return &Backend{
			Backend: b,
			driver:  cfg.Driver,
			ensure:  b.EnsureIndexes,
			close:   func() error { return client.Disconnect(context.Background()) },
		}, nil

	case DriverRedis:
		client := goredis.NewUniversalClient(&goredis.UniversalOptions{Addrs: strings.Split(cfg.DSN, ",")})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("failed to ping redis: %w", err)
		}
		b := redis.NewBackend(client, redis.NewStoreConfig(
			redis.WithLogger(logger),
			redis.WithPrefix(cfg.RedisPrefix),
		))
		return &Backend{Backend: b, driver: cfg.Driver, close: client.Close}, nil

	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownDriver, cfg.Driver)
	}
}

func openSQL(ctx context.Context, driver, dsn string) (*sql.DB, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", driver, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping %s: %w", driver, err)
	}
	return db, nil
}
