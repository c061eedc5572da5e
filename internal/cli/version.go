package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	cqrsstore "github.com/getpup/cqrsstore/pkg"
)

// NewVersionCommand creates the version command.
func NewVersionCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the cqrsctl version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			version := cqrsstore.Version()
			return out.Write(map[string]string{"version": version}, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "cqrsctl %s\n", version)
				return err
			})
		},
	}
}
