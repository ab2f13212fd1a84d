// Streamwarden - Media Server Session Tracking and Sharing Detection
// Copyright 2026 Streamwarden contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

package poller

import (
	"context"

	"github.com/streamwarden/streamwarden/internal/models"
)

// SnapshotProducer abstracts one media server. Implementations own all
// vendor-specific payload handling and hand the core fully normalized
// snapshots; nothing downstream branches on vendor.
type SnapshotProducer interface {
	// ServerID returns the stable identifier snapshots carry.
	ServerID() string

	// FetchActiveSessions returns every currently playing or paused
	// stream. An empty slice is a valid answer and means the server is
	// idle; it is not an error.
	FetchActiveSessions(ctx context.Context) ([]*models.NormalizedSnapshot, error)

	// Probe checks reachability without fetching sessions, used to
	// confirm recovery while the server is marked down.
	Probe(ctx context.Context) error
}
