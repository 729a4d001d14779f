// SPDX-License-Identifier: MPL-2.0
// Copyright 2026 XreatLabs

// Package config loads nexauth configuration from defaults, an optional
// YAML file, and command-line flags, in increasing order of precedence.
package config

import (
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"
)

// Config is the root configuration for a nexauth proxy instance.
type Config struct {
	// ProxyID identifies this proxy in a multi-proxy fleet. Required when
	// cluster synchronization is enabled.
	ProxyID string `koanf:"proxy_id"`

	LogFormat   string `koanf:"log_format"`
	ListenAddr  string `koanf:"listen_addr"`
	MetricsAddr string `koanf:"metrics_addr"`

	// Backend is the server connections are handed to after authentication.
	Backend string `koanf:"backend"`

	DatabaseURL  string `koanf:"database_url"`
	RedisURL     string `koanf:"redis_url"`
	ClusterTopic string `koanf:"cluster_topic"`

	Gate    Gate    `koanf:"gate"`
	Limits  Limits  `koanf:"limits"`
	Cache   Cache   `koanf:"cache"`
	Packets Packets `koanf:"packets"`
}

// Gate holds state-machine policy knobs.
type Gate struct {
	// InactivityTimeout bounds how long a connection may sit in
	// AWAITING_CREDENTIALS without submitting anything.
	InactivityTimeout time.Duration `koanf:"inactivity_timeout"`

	// VerifyTimeout bounds a single credential verification round-trip.
	VerifyTimeout time.Duration `koanf:"verify_timeout"`

	// SecondFactorTimeout bounds how long a connection may sit in
	// AWAITING_SECOND_FACTOR.
	SecondFactorTimeout time.Duration `koanf:"second_factor_timeout"`

	// TOTPSkew is the number of time steps accepted each direction when
	// validating one-time codes.
	TOTPSkew uint `koanf:"totp_skew"`
}

// Limits holds brute-force ledger policy.
type Limits struct {
	Threshold    int           `koanf:"threshold"`
	Window       time.Duration `koanf:"window"`
	LockoutBase  time.Duration `koanf:"lockout_base"`
	LockoutMax   time.Duration `koanf:"lockout_max"`
	IdleEviction time.Duration `koanf:"idle_eviction"`
}

// Cache holds session cache bounds.
type Cache struct {
	MaxEntries int           `koanf:"max_entries"`
	MaxAge     time.Duration `koanf:"max_age"`
	VerifyTTL  time.Duration `koanf:"verify_ttl"`
}

// Packets holds the packet classification rules as glob patterns.
type Packets struct {
	PreAuthAllow []string `koanf:"pre_auth_allow"`
	OutboundDeny []string `koanf:"outbound_deny"`
}

// Default returns the configuration defaults. Policy constants here are
// deliberately configuration, not code: operators tune them per network.
func Default() Config {
	return Config{
		LogFormat:    "json",
		ListenAddr:   "127.0.0.1:25599",
		MetricsAddr:  "127.0.0.1:9100",
		Backend:      "lobby",
		ClusterTopic: "nexauth:events",
		Gate: Gate{
			InactivityTimeout:   30 * time.Second,
			VerifyTimeout:       10 * time.Second,
			SecondFactorTimeout: 60 * time.Second,
			TOTPSkew:            1,
		},
		Limits: Limits{
			Threshold:    5,
			Window:       10 * time.Minute,
			LockoutBase:  5 * time.Minute,
			LockoutMax:   time.Hour,
			IdleEviction: 30 * time.Minute,
		},
		Cache: Cache{
			MaxEntries: 10_000,
			MaxAge:     24 * time.Hour,
			VerifyTTL:  30 * time.Second,
		},
		Packets: Packets{
			PreAuthAllow: []string{"move.*", "chat.message", "keepalive", "ping"},
			OutboundDeny: []string{"world.*", "backend.*"},
		},
	}
}

// Load builds a Config from defaults, an optional YAML file, and a parsed
// flag set. path may be empty; flags may be nil.
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, oops.Code("CONFIG_FILE_FAILED").
				With("path", path).
				Wrap(err)
		}
	}

	if flags != nil {
		if err := k.Load(posflag.Provider(flags, ".", k), nil); err != nil {
			return Config{}, oops.Code("CONFIG_FLAGS_FAILED").Wrap(err)
		}
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, oops.Code("CONFIG_UNMARSHAL_FAILED").Wrap(err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the gate cannot run with.
func (c Config) Validate() error {
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return oops.Code("CONFIG_INVALID").
			With("log_format", c.LogFormat).
			Errorf("log_format must be 'json' or 'text'")
	}
	if c.Backend == "" {
		return oops.Code("CONFIG_INVALID").Errorf("backend must not be empty")
	}
	if c.Gate.InactivityTimeout <= 0 {
		return oops.Code("CONFIG_INVALID").Errorf("gate.inactivity_timeout must be positive")
	}
	if c.Gate.VerifyTimeout <= 0 {
		return oops.Code("CONFIG_INVALID").Errorf("gate.verify_timeout must be positive")
	}
	if c.Gate.SecondFactorTimeout <= 0 {
		return oops.Code("CONFIG_INVALID").Errorf("gate.second_factor_timeout must be positive")
	}
	if c.Limits.Threshold <= 0 {
		return oops.Code("CONFIG_INVALID").Errorf("limits.threshold must be positive")
	}
	if c.Limits.LockoutMax < c.Limits.LockoutBase {
		return oops.Code("CONFIG_INVALID").Errorf("limits.lockout_max must be >= limits.lockout_base")
	}
	if c.Cache.MaxEntries <= 0 {
		return oops.Code("CONFIG_INVALID").Errorf("cache.max_entries must be positive")
	}
	return nil
}
