// Streamwarden - Media Server Session Tracking and Sharing Detection
// Copyright 2026 Streamwarden contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

package pause

import (
	"testing"
	"time"

	"github.com/streamwarden/streamwarden/internal/models"
)

var t0 = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func TestAccumulate(t *testing.T) {
	openedAt := t0.Add(-30 * time.Second)

	tests := []struct {
		name         string
		prev, next   models.SessionState
		acc          Accrual
		wantPausedMs int64
		wantOpen     bool // pause interval open after the transition
	}{
		{
			name:     "playing to paused opens an interval",
			prev:     models.StatePlaying,
			next:     models.StatePaused,
			wantOpen: true,
		},
		{
			name:         "paused to playing closes the interval",
			prev:         models.StatePaused,
			next:         models.StatePlaying,
			acc:          Accrual{LastPausedAt: &openedAt},
			wantPausedMs: 30_000,
		},
		{
			name:         "closed intervals accumulate",
			prev:         models.StatePaused,
			next:         models.StatePlaying,
			acc:          Accrual{PausedDurationMs: 10_000, LastPausedAt: &openedAt},
			wantPausedMs: 40_000,
		},
		{
			name:     "playing to playing is a no-op",
			prev:     models.StatePlaying,
			next:     models.StatePlaying,
			wantOpen: false,
		},
		{
			name:         "paused to paused keeps the interval open",
			prev:         models.StatePaused,
			next:         models.StatePaused,
			acc:          Accrual{LastPausedAt: &openedAt},
			wantOpen:     true,
			wantPausedMs: 0,
		},
		{
			name:     "paused to paused backfills a missing start",
			prev:     models.StatePaused,
			next:     models.StatePaused,
			acc:      Accrual{},
			wantOpen: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Accumulate(tt.prev, tt.next, tt.acc, t0)
			if got.PausedDurationMs != tt.wantPausedMs {
				t.Errorf("PausedDurationMs = %d, want %d", got.PausedDurationMs, tt.wantPausedMs)
			}
			if (got.LastPausedAt != nil) != tt.wantOpen {
				t.Errorf("LastPausedAt open = %v, want %v", got.LastPausedAt != nil, tt.wantOpen)
			}
		})
	}
}

func TestAccumulateNegativeDeltaIgnored(t *testing.T) {
	// A pause start after "now" means producer clock skew; the interval is
	// discarded rather than subtracting time.
	future := t0.Add(5 * time.Second)
	got := Accumulate(models.StatePaused, models.StatePlaying, Accrual{PausedDurationMs: 1000, LastPausedAt: &future}, t0)
	if got.PausedDurationMs != 1000 {
		t.Errorf("PausedDurationMs = %d, want unchanged 1000", got.PausedDurationMs)
	}
	if got.LastPausedAt != nil {
		t.Error("expected the interval to be closed")
	}
}

func TestFinalize(t *testing.T) {
	startedAt := t0
	pausedAt := t0.Add(60 * time.Second)

	tests := []struct {
		name         string
		acc          Accrual
		stoppedAt    time.Time
		wantPausedMs int64
		wantDurMs    int64
	}{
		{
			name:      "no pauses",
			stoppedAt: t0.Add(10 * time.Minute),
			wantDurMs: 600_000,
		},
		{
			name:         "completed pauses subtract",
			acc:          Accrual{PausedDurationMs: 120_000},
			stoppedAt:    t0.Add(10 * time.Minute),
			wantPausedMs: 120_000,
			wantDurMs:    480_000,
		},
		{
			name:         "open pause closed at stop",
			acc:          Accrual{PausedDurationMs: 30_000, LastPausedAt: &pausedAt},
			stoppedAt:    t0.Add(2 * time.Minute),
			wantPausedMs: 90_000, // 30s completed + 60s still open
			wantDurMs:    30_000,
		},
		{
			name:         "duration clamps at zero",
			acc:          Accrual{PausedDurationMs: 600_000},
			stoppedAt:    t0.Add(2 * time.Minute),
			wantPausedMs: 600_000,
			wantDurMs:    0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pausedMs, durMs := Finalize(startedAt, tt.acc, tt.stoppedAt)
			if pausedMs != tt.wantPausedMs {
				t.Errorf("pausedMs = %d, want %d", pausedMs, tt.wantPausedMs)
			}
			if durMs != tt.wantDurMs {
				t.Errorf("durationMs = %d, want %d", durMs, tt.wantDurMs)
			}
		})
	}
}

func TestWatched(t *testing.T) {
	tests := []struct {
		name       string
		progressMs int64
		totalMs    int64
		want       bool
	}{
		{"below threshold", 70_000, 100_000, false},
		{"exactly at threshold", 80_000, 100_000, true},
		{"above threshold", 95_000, 100_000, true},
		{"zero total duration", 50_000, 0, false},
		{"negative total duration", 50_000, -1, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Watched(tt.progressMs, tt.totalMs); got != tt.want {
				t.Errorf("Watched(%d, %d) = %v, want %v", tt.progressMs, tt.totalMs, got, tt.want)
			}
		})
	}
}
