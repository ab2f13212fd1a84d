// Streamwarden - Media Server Session Tracking and Sharing Detection
// Copyright 2026 Streamwarden contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

// Package notify publishes lifecycle and detection events over a message
// bus. Events are emitted only after the corresponding database commit;
// subscribers can treat every event as durable fact.
package notify

import (
	"time"

	"github.com/streamwarden/streamwarden/internal/models"
)

// SchemaVersion is the current event payload version. Increment on
// breaking changes to any event struct.
const SchemaVersion = 1

// EventType names the events Streamwarden emits.
type EventType string

const (
	EventSessionStarted EventType = "session_started"
	EventSessionStopped EventType = "session_stopped"
	EventServerDown     EventType = "server_down"
	EventServerUp       EventType = "server_up"
	EventViolation      EventType = "violation_detected"
)

// Subjects use the hierarchy streamwarden.sessions.*, streamwarden.servers.*,
// streamwarden.violations.*; the stream binds streamwarden.> as a whole.
const (
	subjectRoot = "streamwarden"

	TopicSessionStarted = subjectRoot + ".sessions.started"
	TopicSessionStopped = subjectRoot + ".sessions.stopped"
	TopicServerDown     = subjectRoot + ".servers.down"
	TopicServerUp       = subjectRoot + ".servers.up"
	TopicViolation      = subjectRoot + ".violations.detected"
)

// StreamSubjects is the subject filter the JetStream stream binds.
var StreamSubjects = []string{subjectRoot + ".>"}

// SessionEvent is the payload for session_started and session_stopped.
type SessionEvent struct {
	SchemaVersion int       `json:"schema_version"`
	EventID       string    `json:"event_id"`
	Type          EventType `json:"type"`
	OccurredAt    time.Time `json:"occurred_at"`

	// Kind describes how the session opened (new, quality_changed,
	// media_changed, resumed). Empty on stop events.
	Kind string `json:"kind,omitempty"`

	Session *models.Session `json:"session"`
}

// ServerEvent is the payload for server_down and server_up.
type ServerEvent struct {
	SchemaVersion int       `json:"schema_version"`
	EventID       string    `json:"event_id"`
	Type          EventType `json:"type"`
	OccurredAt    time.Time `json:"occurred_at"`

	ServerID string `json:"server_id"`

	// ConsecutiveFailures is how many probes failed before the down
	// transition. Zero on up events.
	ConsecutiveFailures int `json:"consecutive_failures,omitempty"`
}

// ViolationEvent is the payload for violation_detected.
type ViolationEvent struct {
	SchemaVersion int       `json:"schema_version"`
	EventID       string    `json:"event_id"`
	Type          EventType `json:"type"`
	OccurredAt    time.Time `json:"occurred_at"`

	Violation *models.Violation `json:"violation"`
}
