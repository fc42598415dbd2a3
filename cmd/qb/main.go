package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "qb",
		Short: "qb — quiz assistant relay and tooling",
		Long:  "Runs the chat relay daemon and provides client-side utilities for the quiz assistant extension.",
	}

	root.PersistentFlags().String("config", "", "config file path (default ~/.qb/config.yaml)")

	root.AddCommand(
		serveCmd(),
		chatCmd(),
		tokenCmd(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
