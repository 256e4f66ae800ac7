// Command darkfactory runs multi-agent coding workflows and records them
// in a SQLite ledger.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/roach88/darkfactory/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(cli.GetExitCode(err))
	}
}
