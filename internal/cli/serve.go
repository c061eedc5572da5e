package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/getpup/cqrsstore/internal/httpapi"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr         string
	EnsureSchema bool
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve a read-only HTTP API over the backend",
		Long: `Serve events, snapshots and query projections over HTTP until
interrupted.

Routes:
  GET /healthz
  GET /aggregates/:type/:id/events?after=N
  GET /aggregates/:type/:id/snapshot
  GET /aggregates/:type/:id/queries/:query

Examples:
  cqrsctl serve --addr :8080
  cqrsctl serve --driver postgres --dsn postgres://localhost/app --ensure-schema`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (default from config)")
	cmd.Flags().BoolVar(&opts.EnsureSchema, "ensure-schema", false, "create the storage schema before serving")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, cfg, logger, err := opts.open(cmd)
	if err != nil {
		return err
	}
	defer backend.Close()

	if opts.EnsureSchema {
		if err := backend.EnsureSchema(ctx); err != nil {
			return WrapExitError(ExitFailure, "failed to apply schema", err)
		}
	}

	addr := opts.Addr
	if addr == "" {
		addr = cfg.HTTPAddr
	}

	if !opts.Verbose {
		gin.SetMode(gin.ReleaseMode)
	}
	if err := httpapi.Serve(ctx, addr, httpapi.NewRouter(backend, logger), logger); err != nil {
		return WrapExitError(ExitFailure, "server stopped", err)
	}
	return nil
}
