package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRoot() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "warden",
		Short: "Console supervisor and restart orchestrator for a headless world server",
		Long: "warden runs a single headless world server, captures its console,\n" +
			"correlates commands with their output, and restarts it on schedule,\n" +
			"on sustained load, or when the last user leaves.",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "warden.toml", "controller config file (TOML)")

	root.AddCommand(newServeCmd(&configPath))
	root.AddCommand(newValidateCmd(&configPath))
	return root
}
