// SPDX-License-Identifier: MPL-2.0
// Copyright 2026 XreatLabs

package main

import (
	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/xreatlabs/nexauth/internal/config"
	"github.com/xreatlabs/nexauth/internal/store"
)

// NewMigrateCmd creates the migrate subcommand.
func NewMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate [up|down|status]",
		Short: "Run database migrations",
		Long:  `Apply, roll back, or inspect the embedded schema migrations.`,
		Args:  cobra.MaximumNArgs(1),
		RunE:  runMigrate,
	}
	cmd.Flags().String("database_url", "", "PostgreSQL connection URL")
	return cmd
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return oops.Code("CONFIG_INVALID").Errorf("database_url is required")
	}

	action := "up"
	if len(args) == 1 {
		action = args[0]
	}
	switch action {
	case "up", "down", "status":
	default:
		return oops.Code("CONFIG_INVALID").
			With("action", action).
			Errorf("unknown migrate action; want up, down, or status")
	}

	migrator, err := store.NewMigrator(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer func() { _ = migrator.Close() }()

	switch action {
	case "up":
		if err := migrator.Up(); err != nil {
			return err
		}
		cmd.Println("migrations applied")

	case "down":
		if err := migrator.Down(); err != nil {
			return err
		}
		cmd.Println("migrations rolled back")

	case "status":
		version, dirty, err := migrator.Version()
		if err != nil {
			return err
		}
		if version == 0 {
			cmd.Println("no migrations applied")
			return nil
		}
		cmd.Printf("schema version %d (dirty: %v)\n", version, dirty)
	}
	return nil
}
