// Streamwarden - Media Server Session Tracking and Sharing Detection
// Copyright 2026 Streamwarden contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

package sweeper

import (
	"context"
	"testing"
	"time"

	"github.com/streamwarden/streamwarden/internal/activecache"
	"github.com/streamwarden/streamwarden/internal/lifecycle"
	"github.com/streamwarden/streamwarden/internal/locker"
	"github.com/streamwarden/streamwarden/internal/models"
	"github.com/streamwarden/streamwarden/internal/notify"
	"github.com/streamwarden/streamwarden/internal/rules"
	"github.com/streamwarden/streamwarden/internal/store"
)

var baseTime = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func newTestSweeper(t *testing.T) (*Sweeper, *store.Store, *activecache.Cache) {
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

	lc := lifecycle.New(st, locker.NewMemory(), rules.NewEngine(rules.Config{}), lifecycle.Config{})

	cache := activecache.New(time.Minute)
	t.Cleanup(cache.Close)

	notifier, err := notify.New(notify.Config{})
	if err != nil {
		t.Fatalf("failed to build notifier: %v", err)
	}
	t.Cleanup(func() {
		if err := notifier.Close(); err != nil {
			t.Errorf("failed to close notifier: %v", err)
		}
	})

	sw := New(st, lc, cache, notifier, Config{Interval: time.Minute, StaleAfter: 5 * time.Minute})
	sw.now = func() time.Time { return baseTime }
	return sw, st, cache
}

func seedSession(t *testing.T, st *store.Store, id string, lastSeenAt time.Time) *models.Session {
	t.Helper()
	sess := &models.Session{
		ID:         id,
		ServerID:   "srv-1",
		SessionKey: "key-" + id,
		UserID:     "u1",
		Username:   "alice",
		State:      models.StatePlaying,
		StartedAt:  lastSeenAt.Add(-10 * time.Minute),
		LastSeenAt: lastSeenAt,
		Media:      models.MediaIdentity{ContentKey: "c1", MediaType: "movie", Title: "Some Movie"},
		Network:    models.NetworkInfo{IPAddress: "203.0.113.10"},
		Device:     models.DeviceInfo{DeviceID: "dev-1"},
	}
	if err := st.CreateSession(context.Background(), store.CreateSessionBatch{Session: sess}); err != nil {
		t.Fatalf("failed to seed session: %v", err)
	}
	return sess
}

func TestSweepClosesStaleSessions(t *testing.T) {
	sw, st, cache := newTestSweeper(t)
	ctx := context.Background()

	stale := seedSession(t, st, "stale", baseTime.Add(-10*time.Minute))
	fresh := seedSession(t, st, "fresh", baseTime.Add(-30*time.Second))
	cache.Put(models.ProjectActiveSession(stale))
	cache.Put(models.ProjectActiveSession(fresh))

	sw.sweep(ctx)

	got, err := st.GetSession(ctx, "stale")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got.StoppedAt == nil || !got.ForceStopped {
		t.Errorf("stale session not force-closed: %+v", got)
	}
	if !got.StoppedAt.Equal(baseTime) {
		t.Errorf("stopped_at = %v, want sweep time %v", got.StoppedAt, baseTime)
	}
	if _, ok := cache.Get("srv-1", "key-stale"); ok {
		t.Error("swept session still cached")
	}

	untouched, err := st.GetSession(ctx, "fresh")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if untouched.StoppedAt != nil {
		t.Errorf("fresh session was swept: %+v", untouched)
	}
	if _, ok := cache.Get("srv-1", "key-fresh"); !ok {
		t.Error("fresh session evicted from cache")
	}
}

func TestSweepSkipsAlreadyClosed(t *testing.T) {
	sw, st, cache := newTestSweeper(t)
	ctx := context.Background()

	sess := seedSession(t, st, "racy", baseTime.Add(-10*time.Minute))
	cache.Put(models.ProjectActiveSession(sess))

	// A poller closes the row between the list and the stop. The stale list
	// is computed first, so simulate by closing before the sweep runs.
	if _, err := st.StopSession(ctx, store.StopRequest{
		SessionID: "racy",
		StoppedAt: baseTime.Add(-time.Minute),
	}); err != nil {
		t.Fatalf("stop failed: %v", err)
	}

	sw.sweep(ctx)

	got, err := st.GetSession(ctx, "racy")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	// The earlier close stands; the sweep must not overwrite it.
	if !got.StoppedAt.Equal(baseTime.Add(-time.Minute)) {
		t.Errorf("stopped_at = %v, want the poller's close time", got.StoppedAt)
	}
	if got.ForceStopped {
		t.Error("losing sweep overwrote the close")
	}
}

func TestSweepNothingStale(t *testing.T) {
	sw, st, _ := newTestSweeper(t)
	ctx := context.Background()

	seedSession(t, st, "fresh", baseTime.Add(-time.Minute))
	sw.sweep(ctx)

	open, err := st.ListOpenSessions(ctx, "")
	if err != nil {
		t.Fatalf("ListOpenSessions failed: %v", err)
	}
	if len(open) != 1 {
		t.Errorf("got %d open sessions, want 1", len(open))
	}
}
