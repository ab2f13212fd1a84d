// Streamwarden - Media Server Session Tracking and Sharing Detection
// Copyright 2026 Streamwarden contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

package store

import (
	"context"
	"fmt"
	"time"
)

// schemaContext bounds schema DDL, which can be slow on cold WAL replay.
func schemaContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 60*time.Second)
}

// createSchema creates all tables and indexes. Everything is defined in
// the initial CREATE statements; no migrations exist yet.
func (s *Store) createSchema() error {
	ctx, cancel := schemaContext()
	defer cancel()

	queries := []string{
		// Sessions: one row per playback segment. A quality or media
		// change closes the prior segment and opens a new row that
		// points back at the chain root via reference_id.
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			server_id TEXT NOT NULL,
			session_key TEXT NOT NULL,
			user_id TEXT NOT NULL,
			username TEXT NOT NULL,
			state TEXT NOT NULL,
			started_at TIMESTAMP NOT NULL,
			stopped_at TIMESTAMP,
			last_seen_at TIMESTAMP NOT NULL,
			paused_duration_ms BIGINT NOT NULL DEFAULT 0,
			last_paused_at TIMESTAMP,
			progress_ms BIGINT NOT NULL DEFAULT 0,
			total_duration_ms BIGINT NOT NULL DEFAULT 0,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			reference_id TEXT,
			watched BOOLEAN NOT NULL DEFAULT false,
			force_stopped BOOLEAN NOT NULL DEFAULT false,
			short_session BOOLEAN NOT NULL DEFAULT false,

			content_key TEXT NOT NULL,
			media_type TEXT NOT NULL,
			title TEXT NOT NULL,
			grandparent_title TEXT,
			season INTEGER NOT NULL DEFAULT 0,
			episode INTEGER NOT NULL DEFAULT 0,

			ip_address TEXT NOT NULL,
			city TEXT,
			region TEXT,
			country_code TEXT,
			latitude DOUBLE NOT NULL DEFAULT 0,
			longitude DOUBLE NOT NULL DEFAULT 0,

			device_id TEXT NOT NULL,
			device_platform TEXT,
			device_product TEXT,
			device_player TEXT,
			device_version TEXT,

			stream_decision TEXT,
			stream_container TEXT,
			stream_video_codec TEXT,
			stream_audio_codec TEXT,
			stream_resolution TEXT,
			stream_bitrate_kbps BIGINT NOT NULL DEFAULT 0,

			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		// Rules: params is the kind-specific JSON blob, validated on
		// write. user_id NULL means the rule applies to every user.
		`CREATE TABLE IF NOT EXISTS rules (
			id TEXT PRIMARY KEY,
			rule_type TEXT NOT NULL,
			name TEXT NOT NULL,
			params JSON NOT NULL,
			user_id TEXT,
			active BOOLEAN NOT NULL DEFAULT true,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,

		// Violations: immutable evidence records, acknowledged in place.
		`CREATE TABLE IF NOT EXISTS violations (
			id TEXT PRIMARY KEY,
			rule_id TEXT NOT NULL,
			rule_type TEXT NOT NULL,
			session_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			severity TEXT NOT NULL,
			summary TEXT NOT NULL,
			evidence JSON NOT NULL,
			created_at TIMESTAMP NOT NULL,
			acknowledged_at TIMESTAMP,
			acknowledged_by TEXT
		)`,
	}

	for _, query := range queries {
		if _, err := s.conn.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to execute query: %s: %w", query, err)
		}
	}

	return s.createIndexes(ctx)
}

func (s *Store) createIndexes(ctx context.Context) error {
	indexes := []string{
		// Open-session lookup by poll key, the hottest query.
		`CREATE INDEX IF NOT EXISTS idx_sessions_server_key_stopped
			ON sessions (server_id, session_key, stopped_at)`,
		// Per-user history scans for rule evaluation and resume matching.
		`CREATE INDEX IF NOT EXISTS idx_sessions_user_started
			ON sessions (user_id, started_at)`,
		// Stale sweep scans open rows by last_seen_at.
		`CREATE INDEX IF NOT EXISTS idx_sessions_last_seen
			ON sessions (last_seen_at)`,

		`CREATE INDEX IF NOT EXISTS idx_rules_active ON rules (active)`,

		`CREATE INDEX IF NOT EXISTS idx_violations_user_created
			ON violations (user_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_violations_session ON violations (session_id)`,
	}

	for _, idx := range indexes {
		if _, err := s.conn.ExecContext(ctx, idx); err != nil {
			return fmt.Errorf("failed to create index: %s: %w", idx, err)
		}
	}
	return nil
}
