// SPDX-License-Identifier: MPL-2.0
// Copyright 2026 XreatLabs

package main

import (
	"context"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/xreatlabs/nexauth/internal/auth"
	authpg "github.com/xreatlabs/nexauth/internal/auth/postgres"
	"github.com/xreatlabs/nexauth/internal/config"
	"github.com/xreatlabs/nexauth/internal/store"
)

// newAccountService builds the credential service for one-shot admin
// commands.
func newAccountService(ctx context.Context, cfg config.Config) (*auth.Service, func(), error) {
	if cfg.DatabaseURL == "" {
		return nil, nil, oops.Code("CONFIG_INVALID").Errorf("database_url is required")
	}

	pool, err := store.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}

	svc, err := auth.NewService(
		authpg.NewCredentialRepository(pool),
		auth.NewArgon2idHasher(),
		auth.NewTOTPVerifier(totpIssuer, cfg.Gate.TOTPSkew),
	)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return svc, pool.Close, nil
}

// NewRegisterCmd creates the register subcommand.
func NewRegisterCmd() *cobra.Command {
	var password string
	var secondFactor bool

	cmd := &cobra.Command{
		Use:   "register <name>",
		Short: "Create a credential record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile, cmd.Flags())
			if err != nil {
				return err
			}
			if password == "" {
				return oops.Code("AUTH_EMPTY_PASSWORD").Errorf("--password is required")
			}

			svc, closeFn, err := newAccountService(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer closeFn()

			record, secret, err := svc.Register(cmd.Context(), args[0], password, secondFactor)
			if err != nil {
				return err
			}

			cmd.Printf("registered %s (id %s)\n", record.Name, record.IdentityID)
			if secret != "" {
				cmd.Printf("one-time code secret (shown once): %s\n", secret)
			}
			return nil
		},
	}

	cmd.Flags().String("database_url", "", "PostgreSQL connection URL")
	cmd.Flags().StringVar(&password, "password", "", "initial password")
	cmd.Flags().BoolVar(&secondFactor, "second-factor", false, "generate a one-time code secret")
	return cmd
}

// NewChangePasswordCmd creates the change-password subcommand.
func NewChangePasswordCmd() *cobra.Command {
	var password string

	cmd := &cobra.Command{
		Use:   "change-password <name>",
		Short: "Replace an identity's password",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile, cmd.Flags())
			if err != nil {
				return err
			}
			if password == "" {
				return oops.Code("AUTH_EMPTY_PASSWORD").Errorf("--password is required")
			}

			svc, closeFn, err := newAccountService(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer closeFn()

			if err := svc.ChangePassword(cmd.Context(), args[0], password); err != nil {
				return err
			}
			cmd.Printf("password changed for %s\n", args[0])
			return nil
		},
	}

	cmd.Flags().String("database_url", "", "PostgreSQL connection URL")
	cmd.Flags().StringVar(&password, "password", "", "new password")
	return cmd
}

// NewUpdateSecondFactorCmd creates the update-2fa subcommand.
func NewUpdateSecondFactorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update-2fa <name>",
		Short: "Rotate an identity's one-time code secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile, cmd.Flags())
			if err != nil {
				return err
			}

			svc, closeFn, err := newAccountService(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer closeFn()

			secret, err := svc.UpdateSecondFactor(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			cmd.Printf("one-time code secret (shown once): %s\n", secret)
			return nil
		},
	}

	cmd.Flags().String("database_url", "", "PostgreSQL connection URL")
	return cmd
}

// NewUnregisterCmd creates the unregister subcommand.
func NewUnregisterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unregister <name>",
		Short: "Remove a credential record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile, cmd.Flags())
			if err != nil {
				return err
			}

			svc, closeFn, err := newAccountService(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer closeFn()

			if err := svc.Unregister(cmd.Context(), args[0]); err != nil {
				return err
			}
			cmd.Printf("unregistered %s\n", args[0])
			return nil
		},
	}

	cmd.Flags().String("database_url", "", "PostgreSQL connection URL")
	return cmd
}
