// Streamwarden - Media Server Session Tracking and Sharing Detection
// Copyright 2026 Streamwarden contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

// Package identity classifies incoming session snapshots against the set of
// known open and recently closed sessions. Classification is pure; it never
// mutates sessions and is re-verified under the create-lock before any row
// is written.
package identity

import (
	"time"

	"github.com/streamwarden/streamwarden/internal/models"
)

// Kind is the outcome of resolving a snapshot against known sessions.
type Kind string

const (
	// New means no open or recently closed session matches; a fresh chain
	// starts.
	New Kind = "new"

	// Continuing means the snapshot refreshes an already open session
	// (same key, same content).
	Continuing Kind = "continuing"

	// QualityChanged means the vendor issued a new session key mid-stream
	// (same user and content, different key already open). The old segment
	// closes and the new one chains to the old chain's first id.
	QualityChanged Kind = "quality_changed"

	// MediaChanged means the vendor reused a session key for new content
	// (autoplay). The old segment closes and a new chain starts.
	MediaChanged Kind = "media_changed"

	// Resumed means the snapshot continues a recently closed, not yet
	// watched session of the same user and content, at or past its final
	// progress. The new segment chains to the original chain.
	Resumed Kind = "resumed"
)

// Resolution is the classification result for one snapshot.
type Resolution struct {
	Kind Kind

	// Prior is the open session the snapshot matched: the row to refresh for
	// Continuing, or the segment to close for QualityChanged/MediaChanged.
	// Nil for New and Resumed.
	Prior *models.Session

	// ChainRootID is the referenceId the new segment must carry, empty when
	// a new chain starts (New, MediaChanged).
	ChainRootID string
}

// Resolver classifies snapshots. Lookback bounds how far back a closed
// session can be and still be resumed.
type Resolver struct {
	Lookback time.Duration
}

// NewResolver creates a resolver with the given resume lookback window.
func NewResolver(lookback time.Duration) *Resolver {
	return &Resolver{Lookback: lookback}
}

// Resolve classifies snap against the open sessions of its server and the
// recently closed sessions of its user, in strict priority order:
// exact key -> same-content-open (quality change) -> same-key-other-content
// (media change) -> same-content-recently-closed (resume) -> new.
//
// open must contain only sessions of snap's server with stoppedAt == nil.
// recentClosed must contain only closed sessions of snap's user, newest
// first. Resolve performs no I/O.
func (r *Resolver) Resolve(snap *models.NormalizedSnapshot, open []*models.Session, recentClosed []*models.Session, now time.Time) Resolution {
	var byKey *models.Session
	for _, s := range open {
		if s.SessionKey == snap.SessionKey {
			byKey = s
			break
		}
	}

	// 1. Exact match: same key, same content.
	if byKey != nil && byKey.Media.ContentKey == snap.Media.ContentKey {
		return Resolution{Kind: Continuing, Prior: byKey}
	}

	// 2. Quality change: the vendor rotated the session key under the same
	// stream. Checked before media change so a simultaneous key reuse does
	// not shadow it.
	for _, s := range open {
		if s.SessionKey == snap.SessionKey {
			continue
		}
		if s.UserID == snap.UserID && s.Media.ContentKey == snap.Media.ContentKey {
			return Resolution{Kind: QualityChanged, Prior: s, ChainRootID: s.ChainRoot()}
		}
	}

	// 3. Media change: key reused for different content (autoplay).
	if byKey != nil {
		return Resolution{Kind: MediaChanged, Prior: byKey}
	}

	// 4. Resume: recently closed, unwatched, same content, progress moved
	// forward (or equal). recentClosed is newest first, so the first match
	// is the segment the chain continues from.
	cutoff := now.Add(-r.Lookback)
	for _, s := range recentClosed {
		if s.StoppedAt == nil || s.StoppedAt.Before(cutoff) {
			continue
		}
		if s.Watched || s.Media.ContentKey != snap.Media.ContentKey {
			continue
		}
		if snap.ProgressMs >= s.ProgressMs {
			return Resolution{Kind: Resumed, ChainRootID: s.ChainRoot()}
		}
	}

	return Resolution{Kind: New}
}
