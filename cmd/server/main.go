// Streamwarden - Media Server Session Tracking and Sharing Detection
// Copyright 2026 Streamwarden contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

// Package main is the entry point for the Streamwarden server.
//
// Streamwarden tracks playback sessions across media servers and flags
// account-sharing anomalies. The server initializes components in order:
//
//  1. Configuration: layered load via Koanf v2 (defaults, YAML, env)
//  2. Database: DuckDB session/rule/violation store
//  3. NATS (optional): distributed create-locks and the event stream;
//     without NATS the process runs single-node with in-memory locks and
//     an in-process bus
//  4. Lifecycle: locked session creation, continuation, conditional close
//  5. Supervisor tree: one poller per configured server, the stale
//     sweeper, and the metrics listener
//
// # Configuration
//
// Configuration precedence is ENV > file > defaults. The config file is
// found via STREAMWARDEN_CONFIG or the default search paths; environment
// variables use the STREAMWARDEN_ prefix with "__" as the section
// separator:
//
//	export STREAMWARDEN_DATABASE__PATH=/data/streamwarden.duckdb
//	export STREAMWARDEN_NATS__ENABLED=true
//	export STREAMWARDEN_NATS__URL=nats://nats:4222
//	./streamwarden
//
// Servers to poll are configured in YAML:
//
//	servers:
//	  - server_id: living-room-plex
//	    url: http://bridge:9722
//	    token: secret
//	    poll_interval: 15s
//
// # Signal Handling
//
// SIGINT and SIGTERM shut the tree down gracefully: pollers finish their
// in-flight tick, the sweeper stops, and the database closes last.
package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/streamwarden/streamwarden/internal/activecache"
	"github.com/streamwarden/streamwarden/internal/config"
	"github.com/streamwarden/streamwarden/internal/lifecycle"
	"github.com/streamwarden/streamwarden/internal/locker"
	"github.com/streamwarden/streamwarden/internal/logging"
	"github.com/streamwarden/streamwarden/internal/metrics"
	"github.com/streamwarden/streamwarden/internal/notify"
	"github.com/streamwarden/streamwarden/internal/poller"
	"github.com/streamwarden/streamwarden/internal/rules"
	"github.com/streamwarden/streamwarden/internal/store"
	"github.com/streamwarden/streamwarden/internal/supervisor"
	"github.com/streamwarden/streamwarden/internal/sweeper"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Int("servers", len(cfg.Servers)).
		Bool("nats", cfg.NATS.Enabled).
		Str("db_path", cfg.Database.Path).
		Msg("Starting Streamwarden")

	st, err := store.New(store.Config{
		Path:      cfg.Database.Path,
		Threads:   cfg.Database.Threads,
		MaxMemory: cfg.Database.MaxMemory,
	})
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer func() {
		if err := st.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing database")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	locks, notifier, cleanup, err := buildTransport(ctx, cfg)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize transport")
	}
	defer cleanup()

	engine := rules.NewEngine(rules.Config{
		ExcludePrivateIPs: cfg.Rules.ExcludePrivateIPs,
	})

	manager := lifecycle.New(st, locks, engine, lifecycle.Config{
		LockTTL:        cfg.Lifecycle.LockTTL,
		LockWait:       cfg.Lifecycle.LockWait,
		ResumeLookback: cfg.Lifecycle.ResumeLookback,
		HistoryWindow:  cfg.Lifecycle.HistoryWindow,
		ShortSession:   cfg.Lifecycle.ShortSession,
	})

	cache := activecache.New(cfg.Cache.TTL)
	defer cache.Close()

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())

	deps := poller.Deps{
		Lifecycle: manager,
		Store:     st,
		Cache:     cache,
		Notifier:  notifier,
	}
	for _, srv := range cfg.Servers {
		producer := poller.NewHTTPProducer(srv.ServerID, srv.URL, srv.Token, srv.FetchTimeout)
		tree.AddPoller(poller.New(producer, deps, poller.Config{
			Interval:     srv.PollInterval,
			FetchTimeout: srv.FetchTimeout,
			DownAfter:    srv.DownAfter,
		}))
	}

	tree.AddMaintenance(sweeper.New(st, manager, cache, notifier, sweeper.Config{
		Interval:   cfg.Sweeper.Interval,
		StaleAfter: cfg.Sweeper.StaleAfter,
	}))

	if cfg.Metrics.Enabled {
		tree.AddServing(metrics.NewServer(cfg.Metrics.Addr, st.Ping))
	}

	err = tree.Serve(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		logging.Error().Err(err).Msg("Supervisor tree exited")
	}
	logging.Info().Msg("Streamwarden stopped")
}

// buildTransport wires the create-lock and event publisher. With NATS
// enabled both ride the same connection; otherwise everything stays
// in-process and the binary runs single-node.
func buildTransport(ctx context.Context, cfg *config.Config) (locker.Locker, *notify.Notifier, func(), error) {
	if !cfg.NATS.Enabled {
		notifier, err := notify.New(notify.Config{})
		if err != nil {
			return nil, nil, nil, err
		}
		logging.Info().Msg("NATS disabled, using in-process locks and event bus")
		return locker.NewMemory(), notifier, func() {
			if err := notifier.Close(); err != nil {
				logging.Warn().Err(err).Msg("Error closing notifier")
			}
		}, nil
	}

	nc, err := nats.Connect(cfg.NATS.URL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(cfg.NATS.MaxReconnects),
		nats.ReconnectWait(cfg.NATS.ReconnectWait),
	)
	if err != nil {
		return nil, nil, nil, err
	}

	setupCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := notify.EnsureStream(setupCtx, nc, streamConfig(cfg)); err != nil {
		nc.Close()
		return nil, nil, nil, err
	}

	locks, err := locker.NewNATS(setupCtx, nc, cfg.NATS.LockBucket, cfg.Lifecycle.LockTTL)
	if err != nil {
		nc.Close()
		return nil, nil, nil, err
	}

	notifier, err := notify.New(notify.Config{
		URL:           cfg.NATS.URL,
		MaxReconnects: cfg.NATS.MaxReconnects,
		ReconnectWait: cfg.NATS.ReconnectWait,
	})
	if err != nil {
		nc.Close()
		return nil, nil, nil, err
	}

	cleanup := func() {
		if err := notifier.Close(); err != nil {
			logging.Warn().Err(err).Msg("Error closing notifier")
		}
		nc.Close()
	}
	return locks, notifier, cleanup, nil
}

func streamConfig(cfg *config.Config) notify.StreamConfig {
	sc := notify.DefaultStreamConfig()
	if cfg.NATS.StreamName != "" {
		sc.Name = cfg.NATS.StreamName
	}
	return sc
}
