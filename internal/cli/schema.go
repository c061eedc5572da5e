package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/getpup/cqrsstore/es/schema"
	"github.com/getpup/cqrsstore/internal/config"
)

// SchemaOptions holds flags for the schema print command.
type SchemaOptions struct {
	*RootOptions
	Dialect string
	Output  string
}

// NewSchemaCommand creates the schema command and its subcommands.
func NewSchemaCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Print or apply the storage schema",
	}
	cmd.AddCommand(newSchemaPrintCommand(rootOpts))
	cmd.AddCommand(newSchemaApplyCommand(rootOpts))
	return cmd
}

func newSchemaPrintCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SchemaOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "print",
		Short: "Print the DDL for a SQL dialect",
		Long: `Print the bootstrap DDL of the events, snapshots and queries tables.

Table names come from the config. The dialect defaults to the one of the
configured SQL driver.

Examples:
  cqrsctl schema print --dialect postgres
  cqrsctl schema print --dialect mysql --output migrations/001_init.sql`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSchemaPrint(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Dialect, "dialect", "", "SQL dialect: postgres, mysql or sqlite")
	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "write the script to this file instead of stdout")

	return cmd
}

func runSchemaPrint(opts *SchemaOptions, cmd *cobra.Command) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}

	name := opts.Dialect
	if name == "" {
		name = dialectOf(cfg.Driver)
	}
	dialect, err := schema.ParseDialect(name)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid dialect", err)
	}

	script, err := schema.Render(dialect, schema.Config{
		EventsTable:    cfg.EventsTable,
		SnapshotsTable: cfg.SnapshotsTable,
		QueriesTable:   cfg.QueriesTable,
		GeneratedAt:    time.Now().UTC(),
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to render schema", err)
	}

	if opts.Output == "" {
		_, err = fmt.Fprint(cmd.OutOrStdout(), script)
		return err
	}

	if dir := filepath.Dir(opts.Output); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return WrapExitError(ExitCommandError, "failed to create output folder", err)
		}
	}
	if err := os.WriteFile(opts.Output, []byte(script), 0o644); err != nil {
		return WrapExitError(ExitCommandError, "failed to write schema", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Generated %s schema: %s\n", dialect, opts.Output)
	return nil
}

// dialectOf maps a driver to its SQL dialect, postgres for non-SQL drivers.
func dialectOf(driver string) string {
	switch driver {
	case config.DriverMySQL, config.DriverGormMySQL:
		return string(schema.MySQL)
	case config.DriverSQLite, config.DriverGormSQLite:
		return string(schema.SQLite)
	default:
		return string(schema.Postgres)
	}
}

func newSchemaApplyCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "apply",
		Short: "Create the tables, collections or indexes of the configured backend",
		Long: `Create the storage the configured backend needs. Safe to run repeatedly.

Examples:
  cqrsctl schema apply --driver sqlite --dsn app.db
  CQRS_DRIVER=mongodb CQRS_DSN=mongodb://localhost:27017 cqrsctl schema apply`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			backend, _, _, err := rootOpts.open(cmd)
			if err != nil {
				return err
			}
			defer backend.Close()

			if err := backend.EnsureSchema(cmd.Context()); err != nil {
				return WrapExitError(ExitFailure, "failed to apply schema", err)
			}

			out := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			return out.Write(map[string]string{"driver": backend.Driver(), "status": "ok"}, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "Schema ready for driver %s.\n", backend.Driver())
				return err
			})
		},
	}
}
