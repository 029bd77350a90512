package main

import (
	"fmt"
	"os"

	"github.com/anvilworks/anvil/internal/cli"
)

func main() {
	// The bare binary registers no workflows; applications embed anvil and
	// pass their registrar to cli.NewRootCommand.
	cmd := cli.NewRootCommand(nil)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
