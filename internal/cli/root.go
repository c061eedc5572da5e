// Package cli implements the cqrsctl command line.
package cli

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/getpup/cqrsstore/es"
	"github.com/getpup/cqrsstore/internal/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "text" | "json" | "yaml"
	ConfigPath string
	Driver     string
	DSN        string
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json", "yaml"}

// NewRootCommand creates the root command for cqrsctl.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "cqrsctl",
		Short: "cqrsctl - inspect and operate cqrsstore backends",
		Long: `Inspect and operate the events, snapshots and query projections
stored by cqrsstore.

The backend is read from an optional YAML file (--config), overlaid with
CQRS_* environment variables and finally with --driver and --dsn.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (text|json|yaml)")
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to a YAML config file")
	cmd.PersistentFlags().StringVar(&opts.Driver, "driver", "", "backend driver, overrides the config")
	cmd.PersistentFlags().StringVar(&opts.DSN, "dsn", "", "backend DSN, overrides the config")

	cmd.AddCommand(NewSchemaCommand(opts))
	cmd.AddCommand(NewEventsCommand(opts))
	cmd.AddCommand(NewSnapshotCommand(opts))
	cmd.AddCommand(NewQueryCommand(opts))
	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewVersionCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// loadConfig resolves the configuration with flag overrides applied.
func (o *RootOptions) loadConfig() (config.Config, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if o.Driver == "" && o.DSN == "" {
		return cfg, nil
	}

	if o.Driver != "" {
		cfg.Driver = o.Driver
	}
	if o.DSN != "" {
		cfg.DSN = o.DSN
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, "invalid config", err)
	}
	return cfg, nil
}

// logger writes text logs to the command's error stream. --verbose forces
// the debug level.
func (o *RootOptions) logger(cmd *cobra.Command, cfg config.Config) es.Logger {
	level := slog.LevelInfo
	if cfg.LogLevel != "" {
		if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
			level = slog.LevelInfo
		}
	}
	if o.Verbose {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})
	return es.NewSlogLogger(slog.New(handler))
}

// open loads the config and connects to its backend. The caller closes it.
func (o *RootOptions) open(cmd *cobra.Command) (*config.Backend, config.Config, es.Logger, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, config.Config{}, nil, err
	}
	logger := o.logger(cmd, cfg)

	backend, err := config.Open(cmd.Context(), cfg, logger)
	if err != nil {
		return nil, config.Config{}, nil, WrapExitError(ExitCommandError, "failed to open backend", err)
	}
	return backend, cfg, logger, nil
}
