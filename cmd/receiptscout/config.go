package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dshills/receiptscout/internal/config"
)

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create configuration",
	}

	initCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a starter configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "receiptscout.yaml"
			if len(args) == 1 {
				path = args[0]
			}
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := config.WriteDefault(path); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}

	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Load and validate the configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			fmt.Printf("Configuration OK\n  Database: %s\n  Outbox:   %s\n  Backends: %v\n",
				cfg.Database.Path, cfg.Delivery.OutboxDir, cfg.EnabledBackends())
			return nil
		},
	}

	cmd.AddCommand(initCmd, checkCmd)
	return cmd
}
