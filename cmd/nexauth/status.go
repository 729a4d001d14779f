// SPDX-License-Identifier: MPL-2.0
// Copyright 2026 XreatLabs

package main

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/xreatlabs/nexauth/internal/config"
	"github.com/xreatlabs/nexauth/internal/store"
	"github.com/xreatlabs/nexauth/internal/version"
)

// NewStatusCmd creates the status subcommand.
func NewStatusCmd() *cobra.Command {
	var backendVersion string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Check connectivity and version compatibility",
		Long: `Ping the credential store and the cluster channel, report the schema
version, and check a reported backend API version against the minimum
this build supports.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configFile, cmd.Flags())
			if err != nil {
				return err
			}
			return runStatus(cmd, cfg, backendVersion)
		},
	}

	cmd.Flags().String("database_url", "", "PostgreSQL connection URL")
	cmd.Flags().String("redis_url", "", "Redis URL for cluster sync")
	cmd.Flags().StringVar(&backendVersion, "backend_version", "", "backend API version to check")
	return cmd
}

func runStatus(cmd *cobra.Command, cfg config.Config, backendVersion string) error {
	cmd.Printf("nexauth %s (min backend %s)\n", version.Version, version.MinBackendVersion)
	if version.IsDev(version.Version) {
		cmd.Println("warning: development build")
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	if cfg.DatabaseURL == "" {
		return oops.Code("CONFIG_INVALID").Errorf("database_url is required")
	}

	pool, err := store.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		return oops.Code("STORE_UNAVAILABLE").Wrapf(err, "pinging credential store")
	}
	cmd.Println("credential store: ok")

	migrator, err := store.NewMigrator(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	schema, dirty, err := migrator.Version()
	_ = migrator.Close()
	if err != nil {
		return err
	}
	switch {
	case schema == 0:
		cmd.Println("schema: no migrations applied")
	case dirty:
		cmd.Printf("schema: version %d (dirty)\n", schema)
	default:
		cmd.Printf("schema: version %d\n", schema)
	}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return oops.Code("CONFIG_INVALID").With("redis_url", cfg.RedisURL).Wrap(err)
		}
		client := redis.NewClient(opts)
		defer func() { _ = client.Close() }()
		if err := client.Ping(ctx).Err(); err != nil {
			return oops.Code("SYNC_UNAVAILABLE").Wrapf(err, "pinging cluster channel")
		}
		cmd.Println("cluster channel: ok")
	} else {
		cmd.Println("cluster channel: not configured (single proxy)")
	}

	if backendVersion != "" {
		if err := version.CheckBackend(backendVersion); err != nil {
			return err
		}
		cmd.Printf("backend %s: compatible\n", backendVersion)
	}

	return nil
}
