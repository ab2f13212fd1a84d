// Streamwarden - Media Server Session Tracking and Sharing Detection
// Copyright 2026 Streamwarden contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

// Package poller drives the session lifecycle from periodic media-server
// snapshots. One ServerPoller runs per configured server; each tick
// fetches the active sessions, reconciles them against the open rows in
// the store, and closes whatever vanished. Side effects (cache, events)
// happen only after the corresponding database commit.
package poller

import (
	"context"
	"errors"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/streamwarden/streamwarden/internal/activecache"
	"github.com/streamwarden/streamwarden/internal/lifecycle"
	"github.com/streamwarden/streamwarden/internal/logging"
	"github.com/streamwarden/streamwarden/internal/metrics"
	"github.com/streamwarden/streamwarden/internal/models"
	"github.com/streamwarden/streamwarden/internal/notify"
	"github.com/streamwarden/streamwarden/internal/store"
)

// Close reason recorded in metrics and logs.
const reasonVanished = "vanished"

// Config tunes one server poller.
type Config struct {
	// Interval between poll ticks.
	Interval time.Duration

	// FetchTimeout bounds one fetch call.
	FetchTimeout time.Duration

	// DownAfter is the consecutive-failure count that marks the server
	// down. Open sessions stay open; the stale sweeper reaps them.
	DownAfter int

	// RequestsPerSecond rate-limits fetches and probes so a tight
	// supervisor restart loop cannot hammer the media server.
	RequestsPerSecond float64

	// BreakerThreshold opens the fetch circuit after this many
	// consecutive failures; BreakerTimeout is the open interval.
	BreakerThreshold uint32
	BreakerTimeout   time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Interval:          15 * time.Second,
		FetchTimeout:      10 * time.Second,
		DownAfter:         3,
		RequestsPerSecond: 2,
		BreakerThreshold:  5,
		BreakerTimeout:    30 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = d.FetchTimeout
	}
	if c.DownAfter <= 0 {
		c.DownAfter = d.DownAfter
	}
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = d.RequestsPerSecond
	}
	if c.BreakerThreshold == 0 {
		c.BreakerThreshold = d.BreakerThreshold
	}
	if c.BreakerTimeout <= 0 {
		c.BreakerTimeout = d.BreakerTimeout
	}
}

// Deps are the collaborators a poller drives.
type Deps struct {
	Lifecycle *lifecycle.Manager
	Store     *store.Store
	Cache     *activecache.Cache
	Notifier  *notify.Notifier
}

// ServerPoller reconciles one media server. It implements suture.Service.
type ServerPoller struct {
	producer SnapshotProducer
	deps     Deps
	cfg      Config

	breaker *gobreaker.CircuitBreaker[[]*models.NormalizedSnapshot]
	limiter *rate.Limiter

	// down tracking is only touched from the serve goroutine.
	consecutiveFailures int
	down                bool

	now func() time.Time
}

// New builds a poller for one server.
func New(producer SnapshotProducer, deps Deps, cfg Config) *ServerPoller {
	cfg.applyDefaults()

	p := &ServerPoller{
		producer: producer,
		deps:     deps,
		cfg:      cfg,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		now:      time.Now,
	}

	p.breaker = gobreaker.NewCircuitBreaker[[]*models.NormalizedSnapshot](gobreaker.Settings{
		Name:    "poll-" + producer.ServerID(),
		Timeout: cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Poll circuit breaker state changed")
		},
	})

	return p
}

// Serve runs the poll loop until the context is canceled. Ticks never
// overlap: the loop goroutine is the only place poll runs, so a slow
// cycle simply delays the next one.
func (p *ServerPoller) Serve(ctx context.Context) error {
	serverID := p.producer.ServerID()
	logging.Info().
		Str("server_id", serverID).
		Dur("interval", p.cfg.Interval).
		Msg("Starting session poller")

	metrics.SetServerUp(serverID, true)

	// Initial poll immediately so a restart does not wait one interval.
	p.poll(ctx)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.Info().Str("server_id", serverID).Msg("Session poller stopping")
			return ctx.Err()
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

// poll runs one reconcile cycle. A down server must first pass the
// health probe before fetches resume; failed probes keep it down without
// feeding the breaker.
func (p *ServerPoller) poll(ctx context.Context) {
	serverID := p.producer.ServerID()

	if p.down && !p.probe(ctx) {
		return
	}

	start := p.now()

	snaps, err := p.fetch(ctx)
	metrics.RecordPoll(serverID, p.now().Sub(start), err)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		p.recordFailure(ctx, err)
		return
	}
	p.recordSuccess(ctx)

	p.reconcile(ctx, snaps)
}

func (p *ServerPoller) fetch(ctx context.Context) ([]*models.NormalizedSnapshot, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	fetchCtx, cancel := context.WithTimeout(ctx, p.cfg.FetchTimeout)
	defer cancel()

	return p.breaker.Execute(func() ([]*models.NormalizedSnapshot, error) {
		return p.producer.FetchActiveSessions(fetchCtx)
	})
}

// probe asks a down server whether it is reachable again.
func (p *ServerPoller) probe(ctx context.Context) bool {
	if err := p.limiter.Wait(ctx); err != nil {
		return false
	}

	probeCtx, cancel := context.WithTimeout(ctx, p.cfg.FetchTimeout)
	defer cancel()

	if err := p.producer.Probe(probeCtx); err != nil {
		logging.Debug().Err(err).
			Str("server_id", p.producer.ServerID()).
			Msg("Health probe failed, server still down")
		return false
	}
	return true
}

// reconcile applies one snapshot set: update or create what is present,
// close what vanished.
func (p *ServerPoller) reconcile(ctx context.Context, snaps []*models.NormalizedSnapshot) {
	serverID := p.producer.ServerID()

	open, err := p.deps.Store.ListOpenSessions(ctx, serverID)
	if err != nil {
		logging.Error().Err(err).Str("server_id", serverID).Msg("Failed to list open sessions")
		return
	}
	openByKey := make(map[string]*models.Session, len(open))
	for _, s := range open {
		openByKey[s.SessionKey] = s
	}

	seen := make(map[string]bool, len(snaps))
	for _, snap := range snaps {
		seen[snap.SessionKey] = true
		p.applySnapshot(ctx, snap, openByKey[snap.SessionKey])
	}

	// Everything that was open before the fetch and absent from it has
	// stopped on the server side. An empty snapshot set closes all.
	observedAt := p.now().UTC()
	for key, sess := range openByKey {
		if !seen[key] {
			p.closeSession(ctx, sess, observedAt, reasonVanished)
		}
	}

	metrics.SessionsOpen.WithLabelValues(serverID).Set(float64(len(seen)))
}

// applySnapshot routes one observed stream: continuing sessions get a
// progress update, everything else goes through the locked create path.
func (p *ServerPoller) applySnapshot(ctx context.Context, snap *models.NormalizedSnapshot, open *models.Session) {
	if open != nil && open.Media.ContentKey == snap.Media.ContentKey {
		p.continueSession(ctx, open, snap)
		return
	}
	p.createSession(ctx, snap)
}

func (p *ServerPoller) continueSession(ctx context.Context, open *models.Session, snap *models.NormalizedSnapshot) {
	updated, err := p.deps.Lifecycle.Continue(ctx, open, snap)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Closed between our list and the update; the next tick
			// will recreate it if the stream is still there.
			return
		}
		logging.Error().Err(err).
			Str("session_id", open.ID).
			Msg("Failed to update session")
		return
	}
	p.deps.Cache.Put(models.ProjectActiveSession(updated))
}

func (p *ServerPoller) createSession(ctx context.Context, snap *models.NormalizedSnapshot) {
	result, err := p.deps.Lifecycle.CreateIfAbsent(ctx, snap)
	if errors.Is(err, lifecycle.ErrAlreadyExists) {
		// A concurrent observer won the create; pick the row up as a
		// continuation so this tick's progress is not lost.
		existing, getErr := p.deps.Store.GetOpenSessionByKey(ctx, snap.ServerID, snap.SessionKey)
		if getErr != nil {
			logging.Warn().Err(getErr).
				Str("session_key", snap.SessionKey).
				Msg("Open session vanished after create race")
			return
		}
		p.continueSession(ctx, existing, snap)
		return
	}
	if err != nil {
		logging.Error().Err(err).
			Str("server_id", snap.ServerID).
			Str("session_key", snap.SessionKey).
			Msg("Failed to create session")
		return
	}

	// Post-commit side effects only.
	p.deps.Cache.Put(models.ProjectActiveSession(result.Session))
	metrics.RecordSessionCreated(snap.ServerID, string(result.Kind))

	if result.StoppedPrior != nil {
		p.deps.Cache.Remove(result.StoppedPrior.ServerID, result.StoppedPrior.SessionKey)
		metrics.RecordSessionStopped(result.StoppedPrior.ServerID, "stopped")
		if err := p.deps.Notifier.SessionStopped(ctx, result.StoppedPrior); err != nil {
			logging.Warn().Err(err).Msg("Failed to publish session_stopped")
		}
	}

	if err := p.deps.Notifier.SessionStarted(ctx, result.Session, result.Kind); err != nil {
		logging.Warn().Err(err).Msg("Failed to publish session_started")
	}
	for i := range result.Violations {
		v := &result.Violations[i]
		metrics.RecordViolation(string(v.RuleType), string(v.Severity))
		if err := p.deps.Notifier.ViolationDetected(ctx, v); err != nil {
			logging.Warn().Err(err).Msg("Failed to publish violation_detected")
		}
	}
}

// closeSession stops one open session and, only if this closer won the
// conditional update, removes it from the cache and publishes the stop.
func (p *ServerPoller) closeSession(ctx context.Context, sess *models.Session, stoppedAt time.Time, reason string) {
	stopped, err := p.deps.Lifecycle.Stop(ctx, sess, stoppedAt, false)
	if err != nil {
		logging.Error().Err(err).Str("session_id", sess.ID).Msg("Failed to stop session")
		return
	}
	if !stopped {
		// Lost the close race; the winner publishes.
		return
	}

	p.deps.Cache.Remove(sess.ServerID, sess.SessionKey)
	metrics.RecordSessionStopped(sess.ServerID, reason)
	logging.Info().
		Str("session_id", sess.ID).
		Str("session_key", sess.SessionKey).
		Str("reason", reason).
		Int64("duration_ms", sess.DurationMs).
		Msg("Session closed")

	if err := p.deps.Notifier.SessionStopped(ctx, sess); err != nil {
		logging.Warn().Err(err).Msg("Failed to publish session_stopped")
	}
}

// recordFailure counts a failed fetch and transitions the server to down
// at the threshold. Open sessions are left untouched: nobody can confirm
// they stopped, so closing them falls to the stale sweeper once they age
// past its cutoff.
func (p *ServerPoller) recordFailure(ctx context.Context, err error) {
	serverID := p.producer.ServerID()
	p.consecutiveFailures++

	logging.Warn().Err(err).
		Str("server_id", serverID).
		Int("consecutive_failures", p.consecutiveFailures).
		Msg("Poll fetch failed")

	if p.down || p.consecutiveFailures < p.cfg.DownAfter {
		return
	}

	p.down = true
	metrics.SetServerUp(serverID, false)
	logging.Error().
		Str("server_id", serverID).
		Int("consecutive_failures", p.consecutiveFailures).
		Msg("Media server marked down")

	if pubErr := p.deps.Notifier.ServerDown(ctx, serverID, p.consecutiveFailures); pubErr != nil {
		logging.Warn().Err(pubErr).Msg("Failed to publish server_down")
	}
}

// recordSuccess resets failure tracking and publishes recovery.
func (p *ServerPoller) recordSuccess(ctx context.Context) {
	p.consecutiveFailures = 0
	if !p.down {
		return
	}
	p.down = false

	serverID := p.producer.ServerID()
	metrics.SetServerUp(serverID, true)
	logging.Info().Str("server_id", serverID).Msg("Media server recovered")

	if err := p.deps.Notifier.ServerUp(ctx, serverID); err != nil {
		logging.Warn().Err(err).Msg("Failed to publish server_up")
	}
}
