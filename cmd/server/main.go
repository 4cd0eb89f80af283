package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:          "market-engine",
		Short:        "Round-based trading game engine",
		SilenceUsage: true,
	}

	root.AddCommand(
		newServeCmd(),
		newAdvanceCmd(),
		newSettleCmd(),
		newMigrateCmd(),
		newTokenCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
