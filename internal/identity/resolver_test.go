// Streamwarden - Media Server Session Tracking and Sharing Detection
// Copyright 2026 Streamwarden contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

package identity

import (
	"testing"
	"time"

	"github.com/streamwarden/streamwarden/internal/models"
)

var now = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func openSession(id, key, userID, contentKey string) *models.Session {
	return &models.Session{
		ID:         id,
		ServerID:   "srv-1",
		SessionKey: key,
		UserID:     userID,
		State:      models.StatePlaying,
		StartedAt:  now.Add(-10 * time.Minute),
		LastSeenAt: now.Add(-15 * time.Second),
		Media:      models.MediaIdentity{ContentKey: contentKey},
	}
}

func closedSession(id, userID, contentKey string, stoppedAgo time.Duration, progressMs int64, watched bool) *models.Session {
	stoppedAt := now.Add(-stoppedAgo)
	return &models.Session{
		ID:         id,
		ServerID:   "srv-1",
		SessionKey: "old-" + id,
		UserID:     userID,
		State:      models.StateStopped,
		StartedAt:  stoppedAt.Add(-30 * time.Minute),
		StoppedAt:  &stoppedAt,
		ProgressMs: progressMs,
		Watched:    watched,
		Media:      models.MediaIdentity{ContentKey: contentKey},
	}
}

func snapshot(key, userID, contentKey string, progressMs int64) *models.NormalizedSnapshot {
	return &models.NormalizedSnapshot{
		ServerID:   "srv-1",
		SessionKey: key,
		UserID:     userID,
		State:      models.StatePlaying,
		ProgressMs: progressMs,
		Media:      models.MediaIdentity{ContentKey: contentKey},
		ObservedAt: now,
	}
}

func TestResolve(t *testing.T) {
	r := NewResolver(24 * time.Hour)

	tests := []struct {
		name         string
		snap         *models.NormalizedSnapshot
		open         []*models.Session
		recentClosed []*models.Session
		wantKind     Kind
		wantPriorID  string
		wantChain    string
	}{
		{
			name:     "nothing known means new",
			snap:     snapshot("k1", "u1", "c1", 0),
			wantKind: New,
		},
		{
			name:        "same key same content continues",
			snap:        snapshot("k1", "u1", "c1", 60_000),
			open:        []*models.Session{openSession("s1", "k1", "u1", "c1")},
			wantKind:    Continuing,
			wantPriorID: "s1",
		},
		{
			name:        "new key same user and content is a quality change",
			snap:        snapshot("k2", "u1", "c1", 60_000),
			open:        []*models.Session{openSession("s1", "k1", "u1", "c1")},
			wantKind:    QualityChanged,
			wantPriorID: "s1",
			wantChain:   "s1",
		},
		{
			name:        "same key different content is a media change",
			snap:        snapshot("k1", "u1", "c2", 0),
			open:        []*models.Session{openSession("s1", "k1", "u1", "c1")},
			wantKind:    MediaChanged,
			wantPriorID: "s1",
		},
		{
			name: "quality change wins over media change",
			snap: snapshot("k1", "u1", "c1", 60_000),
			open: []*models.Session{
				openSession("s1", "k1", "u1", "c2"), // key reused for other content
				openSession("s2", "k2", "u1", "c1"), // same content on a rotated key
			},
			wantKind:    QualityChanged,
			wantPriorID: "s2",
			wantChain:   "s2",
		},
		{
			name:     "same content open for another user is not a quality change",
			snap:     snapshot("k2", "u1", "c1", 0),
			open:     []*models.Session{openSession("s1", "k1", "u2", "c1")},
			wantKind: New,
		},
		{
			name:         "recently closed unwatched content resumes",
			snap:         snapshot("k2", "u1", "c1", 600_000),
			recentClosed: []*models.Session{closedSession("s1", "u1", "c1", time.Hour, 600_000, false)},
			wantKind:     Resumed,
			wantChain:    "s1",
		},
		{
			name:         "watched sessions never resume",
			snap:         snapshot("k2", "u1", "c1", 600_000),
			recentClosed: []*models.Session{closedSession("s1", "u1", "c1", time.Hour, 600_000, true)},
			wantKind:     New,
		},
		{
			name:         "progress behind the closed segment is a rewatch",
			snap:         snapshot("k2", "u1", "c1", 100_000),
			recentClosed: []*models.Session{closedSession("s1", "u1", "c1", time.Hour, 600_000, false)},
			wantKind:     New,
		},
		{
			name:         "closed segment outside the lookback is forgotten",
			snap:         snapshot("k2", "u1", "c1", 600_000),
			recentClosed: []*models.Session{closedSession("s1", "u1", "c1", 25*time.Hour, 600_000, false)},
			wantKind:     New,
		},
		{
			name: "resume chains to the original root",
			snap: snapshot("k3", "u1", "c1", 700_000),
			recentClosed: func() []*models.Session {
				s := closedSession("s2", "u1", "c1", time.Hour, 600_000, false)
				root := "s1"
				s.ReferenceID = &root
				return []*models.Session{s}
			}(),
			wantKind:  Resumed,
			wantChain: "s1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := r.Resolve(tt.snap, tt.open, tt.recentClosed, now)
			if res.Kind != tt.wantKind {
				t.Fatalf("kind = %s, want %s", res.Kind, tt.wantKind)
			}
			gotPrior := ""
			if res.Prior != nil {
				gotPrior = res.Prior.ID
			}
			if gotPrior != tt.wantPriorID {
				t.Errorf("prior = %q, want %q", gotPrior, tt.wantPriorID)
			}
			if res.ChainRootID != tt.wantChain {
				t.Errorf("chain root = %q, want %q", res.ChainRootID, tt.wantChain)
			}
		})
	}
}
