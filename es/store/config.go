package store

import (
	"time"

	"github.com/getpup/cqrsstore/es"
	"github.com/getpup/cqrsstore/es/codec"
)

// WritePolicy selects how snapshots and queries are written.
type WritePolicy int

const (
	// WritePolicyUpsert writes with a single conditional upsert keyed by the
	// natural key. A write never replaces a record holding a higher version.
	WritePolicyUpsert WritePolicy = iota

	// WritePolicyInsertUpdate inserts at version 1 and updates at any later
	// version. Writing version 1 twice fails with a duplicate key error.
	WritePolicyInsertUpdate
)

func (p WritePolicy) String() string {
	switch p {
	case WritePolicyUpsert:
		return "upsert"
	case WritePolicyInsertUpdate:
		return "insert_update"
	default:
		return "unknown"
	}
}

// Config contains configuration shared by event and query stores.
// Configuration is immutable after construction.
type Config struct {
	// Codec encodes event, snapshot and query payloads
	Codec codec.Codec

	// MetadataCodec encodes event metadata
	MetadataCodec codec.Codec

	// Logger is an optional logger for observability.
	// If nil, logging is disabled (zero overhead).
	Logger es.Logger

	// Locker serializes writers of the same aggregate
	Locker Locker

	// WritePolicy selects the snapshot and query write path
	WritePolicy WritePolicy

	// Now stamps persisted records
	Now func() time.Time
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Codec:         codec.JSON{},
		MetadataCodec: codec.JSON{},
		Logger:        nil, // No logging by default
		Locker:        NewKeyedMutex(DefaultLockStripes),
		WritePolicy:   WritePolicyUpsert,
		Now:           time.Now,
	}
}

// Option is a functional option for configuring a store.
type Option func(*Config)

// WithCodec sets the payload codec.
func WithCodec(c codec.Codec) Option {
	return func(cfg *Config) {
		cfg.Codec = c
	}
}

// WithMetadataCodec sets the event metadata codec.
func WithMetadataCodec(c codec.Codec) Option {
	return func(cfg *Config) {
		cfg.MetadataCodec = c
	}
}

// WithLogger sets a logger for the store.
func WithLogger(logger es.Logger) Option {
	return func(cfg *Config) {
		cfg.Logger = logger
	}
}

// WithLocker replaces the per-aggregate lock. Share one Locker between
// stores that must exclude each other; pass NopLocker{} to disable locking.
func WithLocker(l Locker) Option {
	return func(cfg *Config) {
		cfg.Locker = l
	}
}

// WithWritePolicy selects the snapshot and query write path.
func WithWritePolicy(p WritePolicy) Option {
	return func(cfg *Config) {
		cfg.WritePolicy = p
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(cfg *Config) {
		cfg.Now = now
	}
}

// NewConfig creates a configuration from the defaults and the given options.
func NewConfig(opts ...Option) Config {
	config := DefaultConfig()
	for _, opt := range opts {
		opt(&config)
	}
	if config.Locker == nil {
		config.Locker = NopLocker{}
	}
	if config.Codec == nil {
		config.Codec = codec.JSON{}
	}
	if config.MetadataCodec == nil {
		config.MetadataCodec = codec.JSON{}
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return config
}
