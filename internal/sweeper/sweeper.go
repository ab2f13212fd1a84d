// Streamwarden - Media Server Session Tracking and Sharing Detection
// Copyright 2026 Streamwarden contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

// Package sweeper force-closes open sessions nobody has refreshed. It is
// the safety net behind the pollers: crashed pollers, dropped webhooks,
// and servers that disappeared mid-stream all leave open rows behind, and
// the sweeper is what finally closes them.
package sweeper

import (
	"context"
	"time"

	"github.com/streamwarden/streamwarden/internal/activecache"
	"github.com/streamwarden/streamwarden/internal/lifecycle"
	"github.com/streamwarden/streamwarden/internal/logging"
	"github.com/streamwarden/streamwarden/internal/metrics"
	"github.com/streamwarden/streamwarden/internal/notify"
	"github.com/streamwarden/streamwarden/internal/store"
)

// Config tunes the sweeper.
type Config struct {
	// Interval between sweep passes.
	Interval time.Duration

	// StaleAfter is how long an open session may go unseen before it is
	// force-closed. Must comfortably exceed the poll interval.
	StaleAfter time.Duration
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 1 * time.Minute
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 5 * time.Minute
	}
}

// Sweeper periodically force-closes stale sessions. Implements
// suture.Service.
type Sweeper struct {
	store     *store.Store
	lifecycle *lifecycle.Manager
	cache     *activecache.Cache
	notifier  *notify.Notifier
	cfg       Config

	now func() time.Time
}

// New builds a Sweeper.
func New(st *store.Store, lc *lifecycle.Manager, cache *activecache.Cache, notifier *notify.Notifier, cfg Config) *Sweeper {
	cfg.applyDefaults()
	return &Sweeper{
		store:     st,
		lifecycle: lc,
		cache:     cache,
		notifier:  notifier,
		cfg:       cfg,
		now:       time.Now,
	}
}

// Serve runs sweep passes until the context is canceled.
func (s *Sweeper) Serve(ctx context.Context) error {
	logging.Info().
		Dur("interval", s.cfg.Interval).
		Dur("stale_after", s.cfg.StaleAfter).
		Msg("Starting stale-session sweeper")

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.Info().Msg("Stale-session sweeper stopping")
			return ctx.Err()
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep closes every open session last seen before the staleness cutoff.
// The close is the same conditional stop the pollers use, so a poller
// closing the row concurrently wins or loses cleanly; losers skip the
// event publish.
func (s *Sweeper) sweep(ctx context.Context) {
	now := s.now().UTC()
	cutoff := now.Add(-s.cfg.StaleAfter)

	stale, err := s.store.ListStaleSessions(ctx, cutoff)
	if err != nil {
		logging.Error().Err(err).Msg("Failed to list stale sessions")
		return
	}
	if len(stale) == 0 {
		return
	}

	logging.Info().Int("count", len(stale)).Msg("Sweeping stale sessions")

	for _, sess := range stale {
		stopped, err := s.lifecycle.Stop(ctx, sess, now, true)
		if err != nil {
			logging.Error().Err(err).
				Str("session_id", sess.ID).
				Msg("Failed to sweep session")
			continue
		}
		if !stopped {
			// Someone else closed it first; nothing to publish.
			continue
		}

		s.cache.Remove(sess.ServerID, sess.SessionKey)
		metrics.SweptSessions.Inc()
		metrics.RecordSessionStopped(sess.ServerID, "swept")
		logging.Info().
			Str("session_id", sess.ID).
			Str("session_key", sess.SessionKey).
			Time("last_seen_at", sess.LastSeenAt).
			Msg("Force-closed stale session")

		if err := s.notifier.SessionStopped(ctx, sess); err != nil {
			logging.Warn().Err(err).Msg("Failed to publish session_stopped")
		}
	}
}
