// SPDX-License-Identifier: MPL-2.0
// Copyright 2026 XreatLabs

// Package main is the entry point for the nexauth proxy gatekeeper.
package main

import (
	"fmt"
	"os"

	"github.com/xreatlabs/nexauth/internal/version"
)

// Build information set at link time.
var (
	commit = "unknown"
	date   = "unknown"
)

func main() {
	cmd := NewRootCmd()
	cmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", version.Version, commit, date)

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
