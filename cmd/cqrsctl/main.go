// Command cqrsctl inspects and operates cqrsstore backends.
//
// Usage:
//
//	cqrsctl schema print --dialect postgres
//	cqrsctl schema apply --driver sqlite --dsn app.db
//	cqrsctl events customer c-42 --format json
//	cqrsctl serve --config cqrsstore.yaml
package main

import (
	"fmt"
	"os"

	"github.com/getpup/cqrsstore/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(cli.GetExitCode(err))
	}
}
