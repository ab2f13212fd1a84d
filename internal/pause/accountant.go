// Streamwarden - Media Server Session Tracking and Sharing Detection
// Copyright 2026 Streamwarden contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

// Package pause implements pause/resume duration accounting for playback
// sessions. All functions are pure; the caller owns persistence.
package pause

import (
	"time"

	"github.com/streamwarden/streamwarden/internal/models"
)

// Accrual is the pause-accounting state carried on an open session.
type Accrual struct {
	// PausedDurationMs is the total completed paused time so far.
	// Non-decreasing while the session is open.
	PausedDurationMs int64

	// LastPausedAt marks the start of the currently open pause interval,
	// nil when the session is playing.
	LastPausedAt *time.Time
}

// Accumulate applies one observed state transition to the accrual.
//
// playing->paused opens a pause interval; paused->playing closes it and adds
// the elapsed time. Same-state transitions are no-ops, except that a paused
// session with no recorded pause start gets a backfill so the interval is
// not lost (some vendors report paused on the first observation).
func Accumulate(prev, next models.SessionState, acc Accrual, now time.Time) Accrual {
	switch {
	case prev != models.StatePaused && next == models.StatePaused:
		t := now
		acc.LastPausedAt = &t

	case prev == models.StatePaused && next != models.StatePaused:
		if acc.LastPausedAt != nil {
			delta := now.Sub(*acc.LastPausedAt).Milliseconds()
			if delta > 0 {
				acc.PausedDurationMs += delta
			}
			acc.LastPausedAt = nil
		}

	case prev == models.StatePaused && next == models.StatePaused:
		if acc.LastPausedAt == nil {
			t := now
			acc.LastPausedAt = &t
		}
	}

	return acc
}

// Finalize closes any still-open pause interval at stoppedAt and returns the
// final paused duration and the net play duration
// (stoppedAt - startedAt - paused). Both results are clamped at zero so a
// clock skew between producers cannot yield negative durations.
func Finalize(startedAt time.Time, acc Accrual, stoppedAt time.Time) (pausedMs, durationMs int64) {
	pausedMs = acc.PausedDurationMs
	if acc.LastPausedAt != nil {
		if delta := stoppedAt.Sub(*acc.LastPausedAt).Milliseconds(); delta > 0 {
			pausedMs += delta
		}
	}

	durationMs = stoppedAt.Sub(startedAt).Milliseconds() - pausedMs
	if durationMs < 0 {
		durationMs = 0
	}
	return pausedMs, durationMs
}

// Watched reports whether the given progress counts as a completed watch.
// The result is only ever used to set the sticky watched flag; callers must
// never clear the flag on a later false.
func Watched(progressMs, totalDurationMs int64) bool {
	if totalDurationMs <= 0 {
		return false
	}
	return float64(progressMs)/float64(totalDurationMs) >= models.WatchedThreshold
}
