package cli

import (
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/getpup/cqrsstore/internal/httpapi"
)

// EventsOptions holds flags for the events command.
type EventsOptions struct {
	*RootOptions
	After int64
}

// NewEventsCommand creates the events command.
func NewEventsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EventsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "events <aggregate-type> <aggregate-id>",
		Short: "List the events of an aggregate",
		Long: `List the events of an aggregate in sequence order.

JSON payloads are printed as they are stored, anything else as base64.

Examples:
  cqrsctl events customer c-42
  cqrsctl events customer c-42 --after 10 --format json`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEvents(opts, cmd, args[0], args[1])
		},
	}

	cmd.Flags().Int64Var(&opts.After, "after", 0, "only list events with a greater sequence")

	return cmd
}

func runEvents(opts *EventsOptions, cmd *cobra.Command, aggregateType, aggregateID string) error {
	if opts.After < 0 {
		return NewExitError(ExitCommandError, "--after must not be negative")
	}

	backend, _, logger, err := opts.open(cmd)
	if err != nil {
		return err
	}
	defer backend.Close()

	resp, err := httpapi.LoadEvents(cmd.Context(), backend, logger, aggregateType, aggregateID, opts.After)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to load events", err)
	}

	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	return out.Write(resp, func(w io.Writer) error {
		if len(resp.Events) == 0 {
			_, err := fmt.Fprintf(w, "No events found for %s %s.\n", aggregateType, aggregateID)
			return err
		}
		for _, e := range resp.Events {
			line := strconv.FormatInt(e.Sequence, 10) + "\t" + compactJSON(e.Payload)
			if len(e.Metadata) > 0 {
				line += "\t" + compactJSON(e.Metadata)
			}
			if _, err := fmt.Fprintln(w, line); err != nil {
				return err
			}
		}
		return nil
	})
}

// NewSnapshotCommand creates the snapshot command.
func NewSnapshotCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot <aggregate-type> <aggregate-id>",
		Short: "Show the snapshot of an aggregate",
		Long: `Show the stored snapshot of an aggregate and its version.

Examples:
  cqrsctl snapshot customer c-42
  cqrsctl snapshot customer c-42 --format yaml`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			backend, _, logger, err := rootOpts.open(cmd)
			if err != nil {
				return err
			}
			defer backend.Close()

			resp, err := httpapi.LoadSnapshot(cmd.Context(), backend, logger, args[0], args[1])
			if err != nil {
				return WrapExitError(ExitFailure, "failed to load snapshot", err)
			}
			return writeVersioned(rootOpts, cmd, resp, "snapshot")
		},
	}
}

// NewQueryCommand creates the query command.
func NewQueryCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "query <aggregate-type> <aggregate-id> <query-type>",
		Short: "Show a query projection of an aggregate",
		Long: `Show one stored query projection and its version.

Examples:
  cqrsctl query customer c-42 customer_contact_query
  cqrsctl query customer c-42 customer_contact_query --format json`,
		Args:          cobra.ExactArgs(3),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			backend, _, logger, err := rootOpts.open(cmd)
			if err != nil {
				return err
			}
			defer backend.Close()

			resp, err := httpapi.LoadQuery(cmd.Context(), backend, logger, args[0], args[1], args[2])
			if err != nil {
				return WrapExitError(ExitFailure, "failed to load query", err)
			}
			return writeVersioned(rootOpts, cmd, resp, "query "+args[2])
		},
	}
}

func writeVersioned(opts *RootOptions, cmd *cobra.Command, resp httpapi.VersionedResponse, what string) error {
	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	return out.Write(resp, func(w io.Writer) error {
		if resp.Version == 0 {
			_, err := fmt.Fprintf(w, "No %s found for %s %s.\n", what, resp.AggregateType, resp.AggregateID)
			return err
		}
		_, err := fmt.Fprintf(w, "aggregate: %s %s\nversion:   %d\npayload:   %s\n",
			resp.AggregateType, resp.AggregateID, resp.Version, compactJSON(resp.Payload))
		return err
	})
}
