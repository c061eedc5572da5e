// Package config loads the configuration of the cqrsctl binary from an
// optional YAML file overlaid with CQRS_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/getpup/cqrsstore/es/store"
)

// Supported drivers.
const (
	DriverMemory     = "memory"
	DriverSQLite     = "sqlite"
	DriverPostgres   = "postgres"
	DriverMySQL      = "mysql"
	DriverGormSQLite = "gorm-sqlite"
	DriverGormMySQL  = "gorm-mysql"
	DriverMongoDB    = "mongodb"
	DriverRedis      = "redis"
)

// Drivers lists every supported driver.
var Drivers = []string{
	DriverMemory, DriverSQLite, DriverPostgres, DriverMySQL,
	DriverGormSQLite, DriverGormMySQL, DriverMongoDB, DriverRedis,
}

// ErrUnknownDriver is returned for a driver name not in Drivers.
var ErrUnknownDriver = errors.New("unknown driver")

// Config describes which backend to open and how to serve it.
// Fields without a matching environment variable keep their file or
// default value.
type Config struct {
	Driver            string `yaml:"driver"             env:"CQRS_DRIVER"`
	DSN               string `yaml:"dsn"                env:"CQRS_DSN"`
	Database          string `yaml:"database"           env:"CQRS_DATABASE"`
	EventsTable       string `yaml:"events_table"       env:"CQRS_EVENTS_TABLE"`
	SnapshotsTable    string `yaml:"snapshots_table"    env:"CQRS_SNAPSHOTS_TABLE"`
	QueriesTable      string `yaml:"queries_table"      env:"CQRS_QUERIES_TABLE"`
	RedisPrefix       string `yaml:"redis_prefix"       env:"CQRS_REDIS_PREFIX"`
	MongoTransactions bool   `yaml:"mongo_transactions" env:"CQRS_MONGO_TRANSACTIONS"`
	WritePolicy       string `yaml:"write_policy"       env:"CQRS_WRITE_POLICY"`
	HTTPAddr          string `yaml:"http_addr"          env:"CQRS_HTTP_ADDR"`
	LogLevel          string `yaml:"log_level"          env:"CQRS_LOG_LEVEL"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Driver:         DriverSQLite,
		DSN:            "cqrsstore.db",
		Database:       "cqrsstore",
		EventsTable:    "events",
		SnapshotsTable: "snapshots",
		QueriesTable:   "queries",
		RedisPrefix:    "cqrs",
		WritePolicy:    store.WritePolicyUpsert.String(),
		HTTPAddr:       ":8080",
		LogLevel:       "info",
	}
}

// Load reads path (if not empty) over the defaults, then applies the
// environment, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the driver and write policy.
func (c Config) Validate() error {
	known := false
	for _, d := range Drivers {
		if c.Driver == d {
			known = true
			break
		}
	}
	if !known {
		return fmt.Errorf("%w %q (want one of %s)", ErrUnknownDriver, c.Driver, strings.Join(Drivers, ", "))
	}
	if _, err := c.Policy(); err != nil {
		return err
	}
	if c.DSN == "" && c.Driver != DriverMemory {
		return fmt.Errorf("driver %s requires a dsn", c.Driver)
	}
	return nil
}

// Policy returns the parsed write policy.
func (c Config) Policy() (store.WritePolicy, error) {
	switch c.WritePolicy {
	case "", store.WritePolicyUpsert.String():
		return store.WritePolicyUpsert, nil
	case store.WritePolicyInsertUpdate.String():
		return store.WritePolicyInsertUpdate, nil
	default:
		return 0, fmt.Errorf("unknown write policy %q", c.WritePolicy)
	}
}
