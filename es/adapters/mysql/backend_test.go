package mysql

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getpup/cqrsstore/es/schema"
	"github.com/getpup/cqrsstore/es/store"
)

func TestIsUniqueViolation(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "duplicate entry", err: &mysql.MySQLError{Number: 1062, Message: "Duplicate entry"}, want: true},
		{name: "wrapped", err: fmt.Errorf("insert: %w", &mysql.MySQLError{Number: 1062}), want: true},
		{name: "lock wait timeout", err: &mysql.MySQLError{Number: 1205}, want: false},
		{name: "message fallback", err: errors.New("Error 1062: Duplicate entry 'x' for key 'PRIMARY'"), want: true},
		{name: "other", err: errors.New("bad connection"), want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsUniqueViolation(tt.err))
		})
	}
}

func TestDialect_CoversEveryStatement(t *testing.T) {
	d := Dialect(schema.Config{EventsTable: "ev", SnapshotsTable: "snap", QueriesTable: "q"})
	for stmt := store.InsertEvent; stmt <= store.SelectQuery; stmt++ {
		query, ok := d.Statements[stmt]
		if assert.True(t, ok, stmt.String()) {
			assert.NotContains(t, query, "$1", stmt.String())
		}
	}
	upsert := d.Statements[store.UpsertQuery]
	assert.Contains(t, upsert, "ON DUPLICATE KEY UPDATE")
	assert.Less(t, strings.Index(upsert, "payload = IF"), strings.Index(upsert, "version = IF"))
}

func TestDSN(t *testing.T) {
	dsn := DSN("root", "secret", "db:3306", "cqrs")
	cfg, err := mysql.ParseDSN(dsn)
	require.NoError(t, err)
	assert.Equal(t, "root", cfg.User)
	assert.Equal(t, "db:3306", cfg.Addr)
	assert.Equal(t, "cqrs", cfg.DBName)
	assert.True(t, cfg.ParseTime)
}
