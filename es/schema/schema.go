// Package schema renders the bootstrap DDL of the events, snapshots and
// queries tables for each supported SQL dialect.
//
// Every statement is idempotent (CREATE TABLE IF NOT EXISTS), so adapters
// apply it on start-up through their EnsureSchema method:
//
//	backend := sqlite.NewBackend(db, sqlite.DefaultStoreConfig())
//	if err := backend.EnsureSchema(ctx); err != nil {
//	    return err
//	}
//
// Render returns the same statements as a single annotated script for
// review or for applying out of band.
package schema

import (
	"bytes"
	"embed"
	"fmt"
	"regexp"
	"strings"
	"text/template"
	"time"
)

// Dialect names a SQL flavour.
type Dialect string

// Supported dialects.
const (
	Postgres Dialect = "postgres"
	MySQL    Dialect = "mysql"
	SQLite   Dialect = "sqlite"
)

//go:embed templates/*.sql.tmpl
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "templates/*.sql.tmpl"))

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Config names the tables.
type Config struct {
	// EventsTable is the name of the events table
	EventsTable string

	// SnapshotsTable is the name of the aggregate snapshots table
	SnapshotsTable string

	// QueriesTable is the name of the query projections table
	QueriesTable string

	// GeneratedAt is printed in the script header
	GeneratedAt time.Time
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		EventsTable:    "events",
		SnapshotsTable: "snapshots",
		QueriesTable:   "queries",
		GeneratedAt:    time.Now().UTC(),
	}
}

// Validate checks that every table name is a plain SQL identifier.
func (c Config) Validate() error {
	for _, name := range []string{c.EventsTable, c.SnapshotsTable, c.QueriesTable} {
		if !identifier.MatchString(name) {
			return fmt.Errorf("invalid table name %q", name)
		}
	}
	return nil
}

// ParseDialect converts a name such as "postgres" into a Dialect.
func ParseDialect(name string) (Dialect, error) {
	switch strings.ToLower(name) {
	case "postgres", "postgresql":
		return Postgres, nil
	case "mysql", "mariadb":
		return MySQL, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	default:
		return "", fmt.Errorf("unsupported dialect %q (must be postgres, mysql, or sqlite)", name)
	}
}

// Render returns the annotated DDL script for dialect.
func Render(dialect Dialect, config Config) (string, error) {
	if err := config.Validate(); err != nil {
		return "", err
	}
	tmpl := templates.Lookup(string(dialect) + ".sql.tmpl")
	if tmpl == nil {
		return "", fmt.Errorf("unsupported dialect %q", dialect)
	}

	data := struct {
		Generated      string
		EventsTable    string
		SnapshotsTable string
		QueriesTable   string
	}{
		Generated:      config.GeneratedAt.UTC().Format(time.RFC3339),
		EventsTable:    config.EventsTable,
		SnapshotsTable: config.SnapshotsTable,
		QueriesTable:   config.QueriesTable,
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render %s schema: %w", dialect, err)
	}
	return buf.String(), nil
}

// Statements returns the DDL for dialect split into individual statements
// without comments, ready for ExecContext.
func Statements(dialect Dialect, config Config) ([]string, error) {
	script, err := Render(dialect, config)
	if err != nil {
		return nil, err
	}

	var lines []string
	for _, line := range strings.Split(script, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		lines = append(lines, line)
	}

	var statements []string
	for _, stmt := range strings.Split(strings.Join(lines, "\n"), ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			statements = append(statements, stmt)
		}
	}
	return statements, nil
}
