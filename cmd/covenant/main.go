// Command covenant runs the contract enforcement service and its tooling.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/roach88/covenant/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(cli.GetExitCode(err))
	}
}
