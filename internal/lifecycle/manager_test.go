// Streamwarden - Media Server Session Tracking and Sharing Detection
// Copyright 2026 Streamwarden contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/streamwarden/streamwarden/internal/identity"
	"github.com/streamwarden/streamwarden/internal/locker"
	"github.com/streamwarden/streamwarden/internal/models"
	"github.com/streamwarden/streamwarden/internal/rules"
	"github.com/streamwarden/streamwarden/internal/store"
)

var baseTime = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func newTestManager(t *testing.T) (*Manager, *store.Store) {
	t.Helper()
	st, err := store.NewMemory()
	if err != nil {
		t.Fatalf("failed to open in-memory store: %v", err)
	}
	t.Cleanup(func() {
		if err := st.Close(); err != nil {
			t.Errorf("failed to close store: %v", err)
		}
	})

	m := New(st, locker.NewMemory(), rules.NewEngine(rules.Config{}), Config{
		ShortSession: 30 * time.Second,
	})
	return m, st
}

func newSnapshot(sessionKey, userID, contentKey string, observedAt time.Time) *models.NormalizedSnapshot {
	return &models.NormalizedSnapshot{
		ServerID:        "srv-1",
		SessionKey:      sessionKey,
		UserID:          userID,
		Username:        "alice",
		State:           models.StatePlaying,
		ProgressMs:      0,
		TotalDurationMs: 7_200_000,
		Media:           models.MediaIdentity{ContentKey: contentKey, MediaType: "movie", Title: "Some Movie"},
		Network:         models.NetworkInfo{IPAddress: "203.0.113.10"},
		Device:          models.DeviceInfo{DeviceID: "dev-1"},
		ObservedAt:      observedAt,
	}
}

func TestCreateIfAbsent(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	snap := newSnapshot("k1", "u1", "c1", baseTime)
	res, err := m.CreateIfAbsent(ctx, snap)
	if err != nil {
		t.Fatalf("CreateIfAbsent failed: %v", err)
	}
	if res.Kind != identity.New {
		t.Errorf("kind = %s, want new", res.Kind)
	}
	if res.Session.ID == "" || res.Session.StoppedAt != nil {
		t.Errorf("unexpected session: %+v", res.Session)
	}
	if !res.Session.StartedAt.Equal(baseTime) {
		t.Errorf("started_at = %v, want observation time", res.Session.StartedAt)
	}

	// Same stream again: already tracked.
	if _, err := m.CreateIfAbsent(ctx, snap); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("second create err = %v, want ErrAlreadyExists", err)
	}
}

func TestCreateIfAbsentConcurrent(t *testing.T) {
	m, st := newTestManager(t)

	// Many observers racing on the same new stream: exactly one create
	// wins, everyone else sees ErrAlreadyExists.
	const racers = 8

	var mu sync.Mutex
	var wg sync.WaitGroup
	counts := map[string]int{}

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			snap := newSnapshot("k1", "u1", "c1", baseTime)
			_, err := m.CreateIfAbsent(context.Background(), snap)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				counts["created"]++
			case errors.Is(err, ErrAlreadyExists):
				counts["exists"]++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if counts["created"] != 1 || counts["exists"] != racers-1 {
		t.Fatalf("created = %d, exists = %d, want 1 and %d", counts["created"], counts["exists"], racers-1)
	}

	open, err := st.ListOpenSessions(context.Background(), "srv-1")
	if err != nil {
		t.Fatalf("ListOpenSessions failed: %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("got %d open sessions, want exactly 1", len(open))
	}
}

func TestCreateIfAbsentQualityChange(t *testing.T) {
	m, st := newTestManager(t)
	ctx := context.Background()

	first, err := m.CreateIfAbsent(ctx, newSnapshot("k1", "u1", "c1", baseTime))
	if err != nil {
		t.Fatalf("first create failed: %v", err)
	}

	// Same user and content under a rotated key.
	snap := newSnapshot("k2", "u1", "c1", baseTime.Add(5*time.Minute))
	snap.ProgressMs = 300_000
	res, err := m.CreateIfAbsent(ctx, snap)
	if err != nil {
		t.Fatalf("quality-change create failed: %v", err)
	}
	if res.Kind != identity.QualityChanged {
		t.Fatalf("kind = %s, want quality_changed", res.Kind)
	}
	if res.StoppedPrior == nil || res.StoppedPrior.ID != first.Session.ID {
		t.Fatalf("stopped prior = %+v, want the first segment", res.StoppedPrior)
	}
	if res.Session.ReferenceID == nil || *res.Session.ReferenceID != first.Session.ID {
		t.Errorf("reference_id = %v, want chain root %s", res.Session.ReferenceID, first.Session.ID)
	}

	// Prior segment closed in the same transaction, not force-stopped.
	prior, err := st.GetSession(ctx, first.Session.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if prior.StoppedAt == nil || prior.ForceStopped {
		t.Errorf("prior segment state: %+v", prior)
	}
	if prior.ShortSession {
		t.Error("a five-minute segment is not short")
	}

	open, err := st.ListOpenSessions(ctx, "srv-1")
	if err != nil {
		t.Fatalf("ListOpenSessions failed: %v", err)
	}
	if len(open) != 1 || open[0].SessionKey != "k2" {
		t.Errorf("open after quality change = %+v, want only k2", open)
	}
}

func TestCreateIfAbsentSecondServerIsNew(t *testing.T) {
	m, st := newTestManager(t)
	ctx := context.Background()

	first, err := m.CreateIfAbsent(ctx, newSnapshot("k1", "u1", "c1", baseTime))
	if err != nil {
		t.Fatalf("first create failed: %v", err)
	}

	// Same user and content on a different server: a concurrent stream,
	// not a key rotation. The first server's segment must stay open.
	snap := newSnapshot("k2", "u1", "c1", baseTime.Add(time.Minute))
	snap.ServerID = "srv-2"
	res, err := m.CreateIfAbsent(ctx, snap)
	if err != nil {
		t.Fatalf("second-server create failed: %v", err)
	}
	if res.Kind != identity.New {
		t.Fatalf("kind = %s, want new", res.Kind)
	}
	if res.StoppedPrior != nil {
		t.Fatalf("stopped prior %+v, want none", res.StoppedPrior)
	}
	if res.Session.ReferenceID != nil {
		t.Errorf("cross-server session chained to %v, want fresh chain", *res.Session.ReferenceID)
	}

	for _, serverID := range []string{"srv-1", "srv-2"} {
		open, err := st.ListOpenSessions(ctx, serverID)
		if err != nil {
			t.Fatalf("ListOpenSessions(%s) failed: %v", serverID, err)
		}
		if len(open) != 1 {
			t.Errorf("%s open sessions = %d, want 1", serverID, len(open))
		}
	}

	prior, err := st.GetSession(ctx, first.Session.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if prior.StoppedAt != nil {
		t.Errorf("first server's segment was closed at %v", prior.StoppedAt)
	}
}

func TestCreateIfAbsentMediaChange(t *testing.T) {
	m, st := newTestManager(t)
	ctx := context.Background()

	first, err := m.CreateIfAbsent(ctx, newSnapshot("k1", "u1", "c1", baseTime))
	if err != nil {
		t.Fatalf("first create failed: %v", err)
	}

	// Key reused for new content: autoplay.
	res, err := m.CreateIfAbsent(ctx, newSnapshot("k1", "u1", "c2", baseTime.Add(50*time.Minute)))
	if err != nil {
		t.Fatalf("media-change create failed: %v", err)
	}
	if res.Kind != identity.MediaChanged {
		t.Fatalf("kind = %s, want media_changed", res.Kind)
	}
	if res.StoppedPrior == nil || res.StoppedPrior.ID != first.Session.ID {
		t.Fatalf("stopped prior = %+v, want the first segment", res.StoppedPrior)
	}
	if res.Session.ReferenceID != nil {
		t.Errorf("media change starts a fresh chain, got reference_id %v", *res.Session.ReferenceID)
	}

	open, err := st.ListOpenSessions(ctx, "srv-1")
	if err != nil {
		t.Fatalf("ListOpenSessions failed: %v", err)
	}
	if len(open) != 1 || open[0].Media.ContentKey != "c2" {
		t.Errorf("open after media change = %+v, want only c2", open)
	}
}

func TestCreateIfAbsentResume(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	// Pin the clock so the closed segment stays inside the resume lookback.
	m.now = func() time.Time { return baseTime.Add(2 * time.Hour) }

	first, err := m.CreateIfAbsent(ctx, newSnapshot("k1", "u1", "c1", baseTime))
	if err != nil {
		t.Fatalf("first create failed: %v", err)
	}
	first.Session.ProgressMs = 600_000
	if _, err := m.Stop(ctx, first.Session, baseTime.Add(10*time.Minute), false); err != nil {
		t.Fatalf("stop failed: %v", err)
	}

	// Same content later, progress at the old position.
	snap := newSnapshot("k2", "u1", "c1", baseTime.Add(2*time.Hour))
	snap.ProgressMs = 600_000
	res, err := m.CreateIfAbsent(ctx, snap)
	if err != nil {
		t.Fatalf("resume create failed: %v", err)
	}
	if res.Kind != identity.Resumed {
		t.Fatalf("kind = %s, want resumed", res.Kind)
	}
	if res.Session.ReferenceID == nil || *res.Session.ReferenceID != first.Session.ID {
		t.Errorf("reference_id = %v, want %s", res.Session.ReferenceID, first.Session.ID)
	}
	if res.StoppedPrior != nil {
		t.Errorf("resume closes nothing, got stopped prior %+v", res.StoppedPrior)
	}
}

func TestCreateIfAbsentRecordsViolations(t *testing.T) {
	m, st := newTestManager(t)
	ctx := context.Background()

	rule := &models.Rule{
		Type:   models.RuleConcurrentStreams,
		Name:   "stream limit",
		Params: []byte(`{"max_streams": 1}`),
		Active: true,
	}
	if err := st.CreateRule(ctx, rule); err != nil {
		t.Fatalf("CreateRule failed: %v", err)
	}

	if _, err := m.CreateIfAbsent(ctx, newSnapshot("k1", "u1", "c1", baseTime)); err != nil {
		t.Fatalf("first create failed: %v", err)
	}

	snap := newSnapshot("k2", "u1", "c2", baseTime.Add(time.Minute))
	snap.Device.DeviceID = "dev-2"
	res, err := m.CreateIfAbsent(ctx, snap)
	if err != nil {
		t.Fatalf("second create failed: %v", err)
	}
	if len(res.Violations) != 1 || res.Violations[0].RuleType != models.RuleConcurrentStreams {
		t.Fatalf("violations = %+v, want one concurrent_streams", res.Violations)
	}

	stored, err := st.ListViolations(ctx, store.ViolationFilter{UserID: "u1"})
	if err != nil {
		t.Fatalf("ListViolations failed: %v", err)
	}
	if len(stored) != 1 || stored[0].SessionID != res.Session.ID {
		t.Errorf("stored violations = %+v, want one tied to the new session", stored)
	}
}

func TestContinuePauseAccounting(t *testing.T) {
	m, st := newTestManager(t)
	ctx := context.Background()

	res, err := m.CreateIfAbsent(ctx, newSnapshot("k1", "u1", "c1", baseTime))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	sess := res.Session

	// playing -> paused opens an interval.
	pausedSnap := newSnapshot("k1", "u1", "c1", baseTime.Add(time.Minute))
	pausedSnap.State = models.StatePaused
	pausedSnap.ProgressMs = 60_000
	sess, err = m.Continue(ctx, sess, pausedSnap)
	if err != nil {
		t.Fatalf("continue failed: %v", err)
	}
	if sess.State != models.StatePaused || sess.LastPausedAt == nil {
		t.Fatalf("pause not recorded: %+v", sess)
	}

	// paused -> playing closes it, charging 30s.
	resumeSnap := newSnapshot("k1", "u1", "c1", baseTime.Add(90*time.Second))
	resumeSnap.ProgressMs = 60_000
	sess, err = m.Continue(ctx, sess, resumeSnap)
	if err != nil {
		t.Fatalf("continue failed: %v", err)
	}
	if sess.PausedDurationMs != 30_000 {
		t.Errorf("paused_duration_ms = %d, want 30000", sess.PausedDurationMs)
	}
	if sess.LastPausedAt != nil {
		t.Errorf("last_paused_at = %v, want cleared", sess.LastPausedAt)
	}

	got, err := st.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got.PausedDurationMs != 30_000 {
		t.Errorf("persisted paused_duration_ms = %d, want 30000", got.PausedDurationMs)
	}
}

func TestContinueWatchedSticky(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	res, err := m.CreateIfAbsent(ctx, newSnapshot("k1", "u1", "c1", baseTime))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	sess := res.Session

	past := newSnapshot("k1", "u1", "c1", baseTime.Add(time.Minute))
	past.ProgressMs = 6_000_000 // 83%
	sess, err = m.Continue(ctx, sess, past)
	if err != nil {
		t.Fatalf("continue failed: %v", err)
	}
	if !sess.Watched {
		t.Fatal("expected watched at 83% progress")
	}

	// A rewind below the threshold must not clear the flag.
	rewound := newSnapshot("k1", "u1", "c1", baseTime.Add(2*time.Minute))
	rewound.ProgressMs = 60_000
	sess, err = m.Continue(ctx, sess, rewound)
	if err != nil {
		t.Fatalf("continue failed: %v", err)
	}
	if !sess.Watched {
		t.Error("watched flag cleared by a rewind")
	}
}

func TestStop(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	res, err := m.CreateIfAbsent(ctx, newSnapshot("k1", "u1", "c1", baseTime))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	sess := res.Session

	stopped, err := m.Stop(ctx, sess, baseTime.Add(time.Hour), false)
	if err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if !stopped {
		t.Fatal("first stop should win")
	}
	if sess.State != models.StateStopped || sess.StoppedAt == nil {
		t.Errorf("session not mutated on win: %+v", sess)
	}
	if sess.DurationMs != time.Hour.Milliseconds() {
		t.Errorf("duration_ms = %d, want %d", sess.DurationMs, time.Hour.Milliseconds())
	}
	if sess.ShortSession {
		t.Error("an hour-long segment is not short")
	}

	// Losing closer: no error, no mutation.
	again := *res.Session
	stopped, err = m.Stop(ctx, &again, baseTime.Add(2*time.Hour), true)
	if err != nil {
		t.Fatalf("second stop failed: %v", err)
	}
	if stopped {
		t.Fatal("second stop must lose")
	}
}

func TestStopShortSession(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	res, err := m.CreateIfAbsent(ctx, newSnapshot("k1", "u1", "c1", baseTime))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	stopped, err := m.Stop(ctx, res.Session, baseTime.Add(10*time.Second), false)
	if err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if !stopped {
		t.Fatal("stop should win")
	}
	if !res.Session.ShortSession {
		t.Error("a ten-second segment should be marked short")
	}
}

func TestStopForceEqualsNormalDuration(t *testing.T) {
	// A force stop (sweep, server down) accounts durations exactly like a
	// clean stop at the same instant.
	m, _ := newTestManager(t)
	ctx := context.Background()

	a, err := m.CreateIfAbsent(ctx, newSnapshot("k1", "u1", "c1", baseTime))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	b, err := m.CreateIfAbsent(ctx, newSnapshot("k2", "u1", "c2", baseTime))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	stopAt := baseTime.Add(45 * time.Minute)
	if _, err := m.Stop(ctx, a.Session, stopAt, false); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if _, err := m.Stop(ctx, b.Session, stopAt, true); err != nil {
		t.Fatalf("force stop failed: %v", err)
	}

	if a.Session.DurationMs != b.Session.DurationMs {
		t.Errorf("durations differ: clean %d vs force %d", a.Session.DurationMs, b.Session.DurationMs)
	}
	if a.Session.ForceStopped || !b.Session.ForceStopped {
		t.Errorf("force flags: clean %v, force %v", a.Session.ForceStopped, b.Session.ForceStopped)
	}
}
