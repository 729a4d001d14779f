// SPDX-License-Identifier: MPL-2.0
// Copyright 2026 XreatLabs

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/xreatlabs/nexauth/internal/auth"
	authpg "github.com/xreatlabs/nexauth/internal/auth/postgres"
	"github.com/xreatlabs/nexauth/internal/cluster"
	"github.com/xreatlabs/nexauth/internal/config"
	"github.com/xreatlabs/nexauth/internal/gate"
	"github.com/xreatlabs/nexauth/internal/limbo"
	"github.com/xreatlabs/nexauth/internal/logging"
	"github.com/xreatlabs/nexauth/internal/observability"
	"github.com/xreatlabs/nexauth/internal/packet"
	"github.com/xreatlabs/nexauth/internal/ratelimit"
	"github.com/xreatlabs/nexauth/internal/session"
	"github.com/xreatlabs/nexauth/internal/simhost"
	"github.com/xreatlabs/nexauth/internal/store"
	"github.com/xreatlabs/nexauth/internal/version"
)

const totpIssuer = "nexauth"

// NewServeCmd creates the serve subcommand.
func NewServeCmd() *cobra.Command {
	var autoMigrate bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the authentication gatekeeper",
		Long: `Run the gatekeeper: hold arriving connections in limbo, verify their
credentials against the store, and release them to the configured backend.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configFile, cmd.Flags())
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, autoMigrate)
		},
	}

	defaults := config.Default()
	cmd.Flags().String("listen_addr", defaults.ListenAddr, "platform listen address")
	cmd.Flags().String("metrics_addr", defaults.MetricsAddr, "metrics/health HTTP address")
	cmd.Flags().String("log_format", defaults.LogFormat, "log format (json or text)")
	cmd.Flags().String("backend", defaults.Backend, "backend to release connections to")
	cmd.Flags().String("proxy_id", "", "proxy identifier within the fleet")
	cmd.Flags().String("database_url", "", "PostgreSQL connection URL")
	cmd.Flags().String("redis_url", "", "Redis URL for cluster sync (empty = single proxy)")
	cmd.Flags().BoolVar(&autoMigrate, "auto-migrate", false, "run pending migrations at startup")

	return cmd
}

func runServe(ctx context.Context, cfg config.Config, autoMigrate bool) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := logging.Setup("nexauth", version.Version, cfg.ProxyID, cfg.LogFormat, os.Stderr)
	logging.SetDefault("nexauth", version.Version, cfg.ProxyID, cfg.LogFormat)

	if cfg.DatabaseURL == "" {
		return oops.Code("CONFIG_INVALID").Errorf("database_url is required")
	}

	if autoMigrate {
		migrator, err := store.NewMigrator(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		if err := migrator.Up(); err != nil {
			_ = migrator.Close()
			return err
		}
		if err := migrator.Close(); err != nil {
			return err
		}
		logger.Info("migrations applied")
	}

	pool, err := store.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	svc, err := auth.NewService(
		authpg.NewCredentialRepository(pool),
		auth.NewArgon2idHasher(),
		auth.NewTOTPVerifier(totpIssuer, cfg.Gate.TOTPSkew),
		auth.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	ledger := ratelimit.NewLedger(ratelimit.Config{
		Threshold:    cfg.Limits.Threshold,
		Window:       cfg.Limits.Window,
		LockoutBase:  cfg.Limits.LockoutBase,
		LockoutMax:   cfg.Limits.LockoutMax,
		IdleEviction: cfg.Limits.IdleEviction,
	})
	defer ledger.Stop()

	sessions, err := session.NewCache(cfg.Cache.MaxEntries, cfg.Cache.MaxAge, cfg.Cache.VerifyTTL)
	if err != nil {
		return err
	}

	rules, err := packet.NewRuleset(cfg.Packets.PreAuthAllow, cfg.Packets.OutboundDeny)
	if err != nil {
		return err
	}

	host := simhost.NewServer(cfg.ListenAddr, logger)

	limboCtrl, err := limbo.NewController(host, 10*time.Second, logger)
	if err != nil {
		return err
	}

	// The synchronizer's handler is bound to the gate after the gate is
	// built; events cannot arrive before Start is called below.
	var g *gate.Gate
	var synchronizer *cluster.Synchronizer
	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		if cfg.ProxyID == "" {
			return oops.Code("CONFIG_INVALID").Errorf("proxy_id is required when redis_url is set")
		}
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return oops.Code("CONFIG_INVALID").With("redis_url", cfg.RedisURL).Wrap(err)
		}
		redisClient = redis.NewClient(redisOpts)
		defer func() { _ = redisClient.Close() }()

		synchronizer, err = cluster.NewSynchronizer(redisClient, cfg.ClusterTopic, cfg.ProxyID,
			func(ev cluster.Event) { g.ApplyClusterEvent(ev) }, logger)
		if err != nil {
			return err
		}
	}

	obs := observability.NewServer(cfg.MetricsAddr,
		func(ctx context.Context) bool { return pool.Ping(ctx) == nil },
		func() observability.Status {
			return observability.Status{
				ProxyID:           cfg.ProxyID,
				Version:           version.Version,
				ActiveConnections: g.ActiveConnections(),
				CachedSessions:    sessions.Len(),
			}
		},
	)

	gateOpts := []gate.Option{
		gate.WithLogger(logger),
		gate.WithRegisterer(obs.Registry()),
	}
	if synchronizer != nil {
		gateOpts = append(gateOpts, gate.WithBroadcaster(synchronizer))
	}

	g, err = gate.New(gate.Config{
		Backend:             cfg.Backend,
		InactivityTimeout:   cfg.Gate.InactivityTimeout,
		VerifyTimeout:       cfg.Gate.VerifyTimeout,
		SecondFactorTimeout: cfg.Gate.SecondFactorTimeout,
	}, svc, ledger, sessions, rules, limboCtrl, host, gateOpts...)
	if err != nil {
		return err
	}
	host.SetGate(g)

	if synchronizer != nil {
		if err := synchronizer.Start(ctx); err != nil {
			// Cluster sync is best effort: local authority continues.
			logger.Warn("cluster synchronization unavailable", "error", err)
			synchronizer = nil
		} else {
			defer synchronizer.Stop()
		}
	}

	obsErrs, err := obs.Start()
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Stop(shutdownCtx)
	}()

	logger.Info("gatekeeper starting",
		"listen_addr", cfg.ListenAddr,
		"backend", cfg.Backend,
		"cluster", synchronizer != nil)

	serveErr := make(chan error, 1)
	go func() { serveErr <- host.Run(ctx) }()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			return err
		}
	case err := <-obsErrs:
		if err != nil {
			return err
		}
	}

	g.Shutdown("Server is restarting.")
	return nil
}
