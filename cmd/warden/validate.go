package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/soracane/warden/internal/config"
	"github.com/soracane/warden/internal/restart"
)

func newValidateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the controller config and restart policy, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			fc, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("controller config: %w", err)
			}
			if _, err := restart.NewFileStore(fc.Restart.ConfigPath).Load(); err != nil {
				return fmt.Errorf("restart policy: %w", err)
			}
			cmd.Printf("ok: %s\n", *configPath)
			cmd.Printf("ok: %s\n", fc.Restart.ConfigPath)
			return nil
		},
	}
}
