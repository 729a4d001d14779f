// SPDX-License-Identifier: MPL-2.0
// Copyright 2026 XreatLabs

package main

import (
	"github.com/spf13/cobra"
)

// Global flags available to all subcommands.
var configFile string

// NewRootCmd creates the root command for the nexauth CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "nexauth",
		Short: "nexauth - cross-server authentication gatekeeper",
		Long: `nexauth guards a proxy network: it holds connecting players in limbo,
verifies their credentials (password plus optional one-time code), and only
then releases the connection to a backend. Sibling proxies share decisions
over a cluster channel.`,
	}

	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path (YAML)")

	cmd.AddCommand(NewServeCmd())
	cmd.AddCommand(NewMigrateCmd())
	cmd.AddCommand(NewRegisterCmd())
	cmd.AddCommand(NewChangePasswordCmd())
	cmd.AddCommand(NewUpdateSecondFactorCmd())
	cmd.AddCommand(NewUnregisterCmd())
	cmd.AddCommand(NewForceLogoutCmd())
	cmd.AddCommand(NewClearLockoutCmd())
	cmd.AddCommand(NewStatusCmd())

	return cmd
}
