// Streamwarden - Media Server Session Tracking and Sharing Detection
// Copyright 2026 Streamwarden contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

// Package lifecycle owns session creation, continuation, and close.
//
// Creation is the only racy transition: two pollers (or a poller and a
// webhook) can observe the same new stream at once. The manager serializes
// creates per (server, session key) with a distributed lock, re-checks the
// store inside the lock, and runs the insert plus rule evaluation results
// in one transaction. Everything after commit (cache, events) belongs to
// the caller.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/streamwarden/streamwarden/internal/identity"
	"github.com/streamwarden/streamwarden/internal/locker"
	"github.com/streamwarden/streamwarden/internal/logging"
	"github.com/streamwarden/streamwarden/internal/models"
	"github.com/streamwarden/streamwarden/internal/pause"
	"github.com/streamwarden/streamwarden/internal/rules"
	"github.com/streamwarden/streamwarden/internal/store"
)

// ErrAlreadyExists is returned by CreateIfAbsent when the re-check inside
// the lock finds an open session already tracking the snapshot's stream.
// The caller should fall back to the continuation path.
var ErrAlreadyExists = errors.New("lifecycle: session already exists")

// Config tunes the manager.
type Config struct {
	// LockTTL bounds how long a crashed holder can block a key.
	LockTTL time.Duration

	// LockWait bounds how long a create waits for the lock before
	// giving up; the next poll tick will retry.
	LockWait time.Duration

	// ResumeLookback is how far back a closed, unwatched session of the
	// same content can be and still chain a new session as a resume.
	ResumeLookback time.Duration

	// HistoryWindow is how much per-user history the rule engine sees.
	// Must cover the largest device_velocity window in use.
	HistoryWindow time.Duration

	// ShortSession marks closed segments whose active watch time fell
	// below this threshold, so analytics can ignore channel-surfing.
	ShortSession time.Duration
}

func (c *Config) applyDefaults() {
	if c.LockTTL <= 0 {
		c.LockTTL = 10 * time.Second
	}
	if c.LockWait <= 0 {
		c.LockWait = 5 * time.Second
	}
	if c.ResumeLookback <= 0 {
		c.ResumeLookback = 24 * time.Hour
	}
	if c.HistoryWindow <= 0 {
		c.HistoryWindow = 24 * time.Hour
	}
	if c.ShortSession <= 0 {
		c.ShortSession = 30 * time.Second
	}
}

// Manager coordinates session state transitions against the store.
type Manager struct {
	store    *store.Store
	locks    locker.Locker
	engine   *rules.Engine
	resolver *identity.Resolver
	cfg      Config

	now func() time.Time
}

// New builds a Manager.
func New(st *store.Store, locks locker.Locker, engine *rules.Engine, cfg Config) *Manager {
	cfg.applyDefaults()
	return &Manager{
		store:    st,
		locks:    locks,
		engine:   engine,
		resolver: identity.NewResolver(cfg.ResumeLookback),
		cfg:      cfg,
		now:      time.Now,
	}
}

// CreateResult reports what a successful CreateIfAbsent did.
type CreateResult struct {
	Session *models.Session
	Kind    identity.Kind

	// StoppedPrior is the prior segment closed in the same transaction,
	// set for quality and media changes.
	StoppedPrior *models.Session

	Violations []models.Violation
}

// CreateIfAbsent opens a session for the snapshot unless one already
// exists. The sequence is lock, re-check, classify, build, commit,
// unlock. Returns ErrAlreadyExists (with no result) when the re-check
// finds an open row for the same stream and content.
func (m *Manager) CreateIfAbsent(ctx context.Context, snap *models.NormalizedSnapshot) (*CreateResult, error) {
	lockCtx, cancel := context.WithTimeout(ctx, m.cfg.LockWait)
	defer cancel()

	key := locker.CreateKey(snap.ServerID, snap.SessionKey)
	token, err := m.locks.Acquire(lockCtx, key, m.cfg.LockTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire create lock %s: %w", key, err)
	}
	defer m.release(token)

	// Re-check inside the lock: a concurrent observer may have created
	// the session between our classification and our acquisition.
	byKey, err := m.store.GetOpenSessionByKey(ctx, snap.ServerID, snap.SessionKey)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("failed to re-check open session: %w", err)
	}
	if byKey != nil && byKey.Media.ContentKey == snap.Media.ContentKey {
		return nil, ErrAlreadyExists
	}

	now := m.now()

	openByUser, err := m.store.ListOpenSessionsByUser(ctx, snap.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to list open sessions: %w", err)
	}
	// The resolver only sees the snapshot's server: the same content open
	// on another server is a concurrent stream for the rule engine, not a
	// quality change to close.
	openSet := make([]*models.Session, 0, len(openByUser))
	for _, s := range openByUser {
		if s.ServerID == snap.ServerID {
			openSet = append(openSet, s)
		}
	}
	// A media change on a key held by a different user still closes the
	// old segment, so make sure the by-key row is in the resolve set.
	if byKey != nil && byKey.UserID != snap.UserID {
		openSet = append(openSet, byKey)
	}

	recentClosed, err := m.store.ListRecentClosedByUser(ctx, snap.UserID, now.Add(-m.cfg.ResumeLookback))
	if err != nil {
		return nil, fmt.Errorf("failed to list recent sessions: %w", err)
	}

	res := m.resolver.Resolve(snap, openSet, recentClosed, now)
	if res.Kind == identity.Continuing {
		// Possible only if the open row appeared after our by-key check
		// failed, which the lock excludes, but stay defensive.
		return nil, ErrAlreadyExists
	}

	sess := m.buildSession(snap, res)

	batch := store.CreateSessionBatch{Session: sess}
	if res.Prior != nil {
		req := m.finalize(res.Prior, snap.ObservedAt, false)
		batch.StopPrior = &req
	}

	violations, evalErr := m.evaluate(ctx, sess, openByUser, res.Prior, now)
	if evalErr != nil {
		// Rule evaluation failures never block session tracking.
		logging.Warn().Err(evalErr).
			Str("session_key", snap.SessionKey).
			Msg("Rule evaluation incomplete")
	}
	batch.Violations = violations

	if err := m.store.CreateSession(ctx, batch); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	result := &CreateResult{
		Session:    sess,
		Kind:       res.Kind,
		Violations: batch.Violations,
	}
	if batch.StopPrior != nil {
		result.StoppedPrior = res.Prior
	}
	return result, nil
}

// Continue applies a continuing observation to an open session, carrying
// pause accounting across the state transition. Returns the updated
// session.
func (m *Manager) Continue(ctx context.Context, sess *models.Session, snap *models.NormalizedSnapshot) (*models.Session, error) {
	acc := pause.Accumulate(sess.State, snap.State,
		pause.Accrual{PausedDurationMs: sess.PausedDurationMs, LastPausedAt: sess.LastPausedAt},
		snap.ObservedAt)

	watched := sess.Watched || pause.Watched(snap.ProgressMs, snap.TotalDurationMs)

	upd := store.ProgressUpdate{
		SessionID:        sess.ID,
		State:            snap.State,
		LastSeenAt:       snap.ObservedAt,
		ProgressMs:       snap.ProgressMs,
		PausedDurationMs: acc.PausedDurationMs,
		LastPausedAt:     acc.LastPausedAt,
		Watched:          watched,
	}
	if err := m.store.UpdateProgress(ctx, upd); err != nil {
		return nil, fmt.Errorf("failed to update session %s: %w", sess.ID, err)
	}

	updated := *sess
	updated.State = snap.State
	updated.LastSeenAt = snap.ObservedAt
	updated.ProgressMs = snap.ProgressMs
	updated.TotalDurationMs = snap.TotalDurationMs
	updated.PausedDurationMs = acc.PausedDurationMs
	updated.LastPausedAt = acc.LastPausedAt
	updated.Watched = watched
	return &updated, nil
}

// Stop closes an open session. Returns false without error when another
// closer already won the race; callers must skip side effects in that case.
func (m *Manager) Stop(ctx context.Context, sess *models.Session, stoppedAt time.Time, forceStopped bool) (bool, error) {
	req := m.finalize(sess, stoppedAt, forceStopped)
	stopped, err := m.store.StopSession(ctx, req)
	if err != nil {
		return false, err
	}
	if stopped {
		sess.State = models.StateStopped
		t := req.StoppedAt
		sess.StoppedAt = &t
		sess.PausedDurationMs = req.PausedDurationMs
		sess.LastPausedAt = nil
		sess.DurationMs = req.DurationMs
		sess.Watched = sess.Watched || req.Watched
		sess.ForceStopped = forceStopped
		sess.ShortSession = req.ShortSession
	}
	return stopped, nil
}

// finalize computes the close-time fields for a session. An open pause
// interval is charged up to the stop time, and the active duration is the
// wall time minus accumulated pauses.
func (m *Manager) finalize(sess *models.Session, stoppedAt time.Time, forceStopped bool) store.StopRequest {
	acc := pause.Accrual{
		PausedDurationMs: sess.PausedDurationMs,
		LastPausedAt:     sess.LastPausedAt,
	}
	pausedMs, durationMs := pause.Finalize(sess.StartedAt, acc, stoppedAt)

	return store.StopRequest{
		SessionID:        sess.ID,
		StoppedAt:        stoppedAt.UTC(),
		ProgressMs:       sess.ProgressMs,
		PausedDurationMs: pausedMs,
		DurationMs:       durationMs,
		Watched:          sess.Watched || pause.Watched(sess.ProgressMs, sess.TotalDurationMs),
		ForceStopped:     forceStopped,
		ShortSession:     durationMs < m.cfg.ShortSession.Milliseconds(),
	}
}

func (m *Manager) buildSession(snap *models.NormalizedSnapshot, res identity.Resolution) *models.Session {
	sess := &models.Session{
		ID:              uuid.NewString(),
		ServerID:        snap.ServerID,
		SessionKey:      snap.SessionKey,
		UserID:          snap.UserID,
		Username:        snap.Username,
		State:           snap.State,
		StartedAt:       snap.ObservedAt.UTC(),
		LastSeenAt:      snap.ObservedAt.UTC(),
		ProgressMs:      snap.ProgressMs,
		TotalDurationMs: snap.TotalDurationMs,
		Watched:         pause.Watched(snap.ProgressMs, snap.TotalDurationMs),
		Media:           snap.Media,
		Network:         snap.Network,
		Device:          snap.Device,
		Stream:          snap.Stream,
	}
	if snap.State == models.StatePaused {
		t := snap.ObservedAt.UTC()
		sess.LastPausedAt = &t
	}
	if res.ChainRootID != "" {
		ref := res.ChainRootID
		sess.ReferenceID = &ref
	}
	return sess
}

// evaluate runs the rule engine over the user's history. The prior segment
// being closed in the same transaction is excluded from the open set so a
// quality change does not count itself as a concurrent stream.
func (m *Manager) evaluate(ctx context.Context, sess *models.Session, openByUser []*models.Session, prior *models.Session, now time.Time) ([]models.Violation, error) {
	active, err := m.store.ListActiveRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list active rules: %w", err)
	}
	if len(active) == 0 {
		return nil, nil
	}

	recent, err := m.store.ListRecentSessionsByUser(ctx, sess.UserID, now.Add(-m.cfg.HistoryWindow))
	if err != nil {
		return nil, fmt.Errorf("failed to list user history: %w", err)
	}

	hist := rules.History{
		Open:   excludeSession(openByUser, prior),
		Recent: excludeSession(recent, prior),
	}

	ruleVals := make([]models.Rule, 0, len(active))
	for _, r := range active {
		ruleVals = append(ruleVals, *r)
	}

	return m.engine.Evaluate(sess, ruleVals, hist)
}

func excludeSession(sessions []*models.Session, drop *models.Session) []*models.Session {
	if drop == nil {
		return sessions
	}
	out := make([]*models.Session, 0, len(sessions))
	for _, s := range sessions {
		if s.ID != drop.ID {
			out = append(out, s)
		}
	}
	return out
}

// release returns the lock on a background context so an expired request
// context cannot leak the key until TTL.
func (m *Manager) release(token locker.Token) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.locks.Release(ctx, token); err != nil {
		logging.Warn().Err(err).Str("key", token.Key).Msg("Failed to release create lock")
	}
}
