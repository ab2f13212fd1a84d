// Streamwarden - Media Server Session Tracking and Sharing Detection
// Copyright 2026 Streamwarden contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

// Package config loads layered configuration: built-in defaults, then an
// optional YAML file, then environment variables. ENV > file > defaults.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the root configuration.
type Config struct {
	Servers   []ServerConfig  `koanf:"servers" validate:"dive"`
	Database  DatabaseConfig  `koanf:"database"`
	NATS      NATSConfig      `koanf:"nats"`
	Lifecycle LifecycleConfig `koanf:"lifecycle"`
	Sweeper   SweeperConfig   `koanf:"sweeper"`
	Rules     RulesConfig     `koanf:"rules"`
	Cache     CacheConfig     `koanf:"cache"`
	Logging   LoggingConfig   `koanf:"logging"`
	Metrics   MetricsConfig   `koanf:"metrics"`
}

// ServerConfig describes one snapshot source to poll. Each source MUST
// have a unique ServerID; session keys are only unique within one server.
// Type selects the producer implementation; "http" is the built-in
// normalized-snapshot bridge.
type ServerConfig struct {
	ServerID string `koanf:"server_id" validate:"required"`
	Type     string `koanf:"type" validate:"omitempty,oneof=http"`
	URL      string `koanf:"url" validate:"required,url"`
	Token    string `koanf:"token"`

	PollInterval time.Duration `koanf:"poll_interval"`
	FetchTimeout time.Duration `koanf:"fetch_timeout"`
	DownAfter    int           `koanf:"down_after"`
}

// DatabaseConfig holds DuckDB settings.
type DatabaseConfig struct {
	Path      string `koanf:"path" validate:"required"`
	MaxMemory string `koanf:"max_memory"`
	Threads   int    `koanf:"threads" validate:"gte=0"`
}

// NATSConfig holds bus and lock settings. With Enabled false the process
// runs single-node: in-memory create locks and an in-process event bus.
type NATSConfig struct {
	Enabled    bool   `koanf:"enabled"`
	URL        string `koanf:"url" validate:"required_if=Enabled true"`
	LockBucket string `koanf:"lock_bucket"`
	StreamName string `koanf:"stream_name"`

	MaxReconnects int           `koanf:"max_reconnects"`
	ReconnectWait time.Duration `koanf:"reconnect_wait"`
}

// LifecycleConfig tunes session creation and close semantics.
type LifecycleConfig struct {
	LockTTL        time.Duration `koanf:"lock_ttl"`
	LockWait       time.Duration `koanf:"lock_wait"`
	ResumeLookback time.Duration `koanf:"resume_lookback"`
	HistoryWindow  time.Duration `koanf:"history_window"`
	ShortSession   time.Duration `koanf:"short_session"`
}

// SweeperConfig tunes the stale-session sweeper.
type SweeperConfig struct {
	Interval   time.Duration `koanf:"interval"`
	StaleAfter time.Duration `koanf:"stale_after"`
}

// RulesConfig tunes the rule engine.
type RulesConfig struct {
	// ExcludePrivateIPs skips rule evaluation entirely for sessions on
	// private, loopback, or link-local addresses.
	ExcludePrivateIPs bool `koanf:"exclude_private_ips"`
}

// CacheConfig tunes the active-session cache.
type CacheConfig struct {
	TTL time.Duration `koanf:"ttl"`
}

// LoggingConfig holds log settings.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"omitempty,oneof=trace debug info warn error"`
	Format string `koanf:"format" validate:"omitempty,oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// MetricsConfig holds the Prometheus listener settings.
type MetricsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Addr    string `koanf:"addr"`
}

// defaultConfig returns the built-in defaults, applied before file and
// environment layers.
func defaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path:      "/data/streamwarden.duckdb",
			MaxMemory: "512MB",
			Threads:   0, // 0 = runtime.NumCPU()
		},
		NATS: NATSConfig{
			Enabled:       false,
			URL:           "nats://127.0.0.1:4222",
			LockBucket:    "streamwarden_locks",
			StreamName:    "STREAMWARDEN_EVENTS",
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
		},
		Lifecycle: LifecycleConfig{
			LockTTL:        10 * time.Second,
			LockWait:       5 * time.Second,
			ResumeLookback: 24 * time.Hour,
			HistoryWindow:  24 * time.Hour,
			ShortSession:   30 * time.Second,
		},
		Sweeper: SweeperConfig{
			Interval:   1 * time.Minute,
			StaleAfter: 5 * time.Minute,
		},
		Rules: RulesConfig{
			ExcludePrivateIPs: true,
		},
		Cache: CacheConfig{
			TTL: 2 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9090",
		},
	}
}

// Validate checks the configuration, including cross-field constraints the
// struct tags cannot express.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	seen := make(map[string]bool, len(c.Servers))
	for _, s := range c.Servers {
		if seen[s.ServerID] {
			return fmt.Errorf("duplicate server_id %q", s.ServerID)
		}
		seen[s.ServerID] = true
	}

	for _, s := range c.Servers {
		interval := s.PollInterval
		if interval <= 0 {
			interval = 15 * time.Second
		}
		if c.Sweeper.StaleAfter <= interval {
			return fmt.Errorf("sweeper stale_after (%s) must exceed the poll interval of server %q (%s)",
				c.Sweeper.StaleAfter, s.ServerID, interval)
		}
	}

	if c.Lifecycle.LockWait >= c.Lifecycle.LockTTL*2 {
		return fmt.Errorf("lifecycle lock_wait (%s) should not dwarf lock_ttl (%s)",
			c.Lifecycle.LockWait, c.Lifecycle.LockTTL)
	}

	return nil
}
