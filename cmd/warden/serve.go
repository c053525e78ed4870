package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/soracane/warden"
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the supervisor and restart orchestrator until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := warden.New(*configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return w.Run(ctx)
		},
	}
}
