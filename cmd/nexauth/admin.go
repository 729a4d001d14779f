// SPDX-License-Identifier: MPL-2.0
// Copyright 2026 XreatLabs

package main

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/xreatlabs/nexauth/internal/cluster"
	"github.com/xreatlabs/nexauth/internal/config"
)

// cliProxyID identifies events published by one-shot admin commands. It
// must differ from every serving proxy's ID, otherwise that proxy would
// skip the event as its own.
const cliProxyID = "nexauth-cli"

// publishClusterEvent connects to redis and publishes a single event on
// the configured topic.
func publishClusterEvent(ctx context.Context, cfg config.Config, ev cluster.Event) error {
	if cfg.RedisURL == "" {
		return oops.Code("CONFIG_INVALID").Errorf("redis_url is required for cluster commands")
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return oops.Code("CONFIG_INVALID").With("redis_url", cfg.RedisURL).Wrap(err)
	}
	client := redis.NewClient(opts)
	defer func() { _ = client.Close() }()

	synchronizer, err := cluster.NewSynchronizer(client, cfg.ClusterTopic, cliProxyID, nil, nil)
	if err != nil {
		return err
	}

	publishCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return synchronizer.Publish(publishCtx, ev)
}

// NewForceLogoutCmd creates the force-logout subcommand.
func NewForceLogoutCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "force-logout <name>",
		Short: "Kick a player everywhere in the fleet",
		Long: `Publish a KICK event on the cluster topic. Every proxy holding a
session for the named player drops it and disconnects the player.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile, cmd.Flags())
			if err != nil {
				return err
			}

			err = publishClusterEvent(cmd.Context(), cfg, cluster.Event{
				Type:         cluster.EventKick,
				IdentityName: args[0],
			})
			if err != nil {
				return err
			}
			cmd.Printf("force-logout published for %s\n", args[0])
			return nil
		},
	}

	cmd.Flags().String("redis_url", "", "Redis URL for cluster sync")
	return cmd
}

// NewClearLockoutCmd creates the clear-lockout subcommand.
func NewClearLockoutCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clear-lockout <name>",
		Short: "Clear a player's failed-attempt lockout on every proxy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile, cmd.Flags())
			if err != nil {
				return err
			}

			err = publishClusterEvent(cmd.Context(), cfg, cluster.Event{
				Type:         cluster.EventLockoutClear,
				IdentityName: args[0],
			})
			if err != nil {
				return err
			}
			cmd.Printf("lockout clear published for %s\n", args[0])
			return nil
		},
	}

	cmd.Flags().String("redis_url", "", "Redis URL for cluster sync")
	return cmd
}
