// Streamwarden - Media Server Session Tracking and Sharing Detection
// Copyright 2026 Streamwarden contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

package models

import (
	"time"

	"github.com/goccy/go-json"
)

// RuleType identifies the kind of anomaly rule.
type RuleType string

const (
	// RuleImpossibleTravel flags implausible geographic transitions between
	// sessions of the same identity on different devices.
	RuleImpossibleTravel RuleType = "impossible_travel"

	// RuleSimultaneousLocations flags concurrently playing sessions of one
	// identity at locations further apart than a threshold.
	RuleSimultaneousLocations RuleType = "simultaneous_locations"

	// RuleDeviceVelocity flags identities cycling through too many distinct
	// IPs (or devices) within a trailing window.
	RuleDeviceVelocity RuleType = "device_velocity"

	// RuleConcurrentStreams enforces a per-identity open-stream limit across
	// distinct devices.
	RuleConcurrentStreams RuleType = "concurrent_streams"

	// RuleGeoRestriction blocklists or allowlists resolved countries.
	RuleGeoRestriction RuleType = "geo_restriction"
)

// Severity indicates how serious a violation is.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Rule is a persisted anomaly rule. UserID scopes the rule to a single
// identity; nil means the rule is global.
type Rule struct {
	ID        string          `json:"id"`
	Type      RuleType        `json:"type"`
	Name      string          `json:"name"`
	Params    json.RawMessage `json:"params"`
	UserID    *string         `json:"user_id,omitempty"`
	Active    bool            `json:"active"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// AppliesTo reports whether the rule is in scope for the given identity:
// either globally scoped or scoped to exactly that user.
func (r *Rule) AppliesTo(userID string) bool {
	return r.UserID == nil || *r.UserID == userID
}

// Violation is a persisted anomaly-rule breach tied to a session and
// identity. Evidence is a structured, rule-specific JSON blob sufficient to
// reconstruct the trigger without replaying history.
type Violation struct {
	ID             string          `json:"id"`
	RuleID         string          `json:"rule_id"`
	RuleType       RuleType        `json:"rule_type"`
	SessionID      string          `json:"session_id"`
	UserID         string          `json:"user_id"`
	Severity       Severity        `json:"severity"`
	Summary        string          `json:"summary"`
	Evidence       json.RawMessage `json:"evidence,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	AcknowledgedAt *time.Time      `json:"acknowledged_at,omitempty"`
	AcknowledgedBy string          `json:"acknowledged_by,omitempty"`
}

// CachedActiveSession is the ephemeral read-projection of an open session
// kept in the TTL cache for fast reads and cross-process open-key hints.
// Never the source of truth; the sessions table is.
type CachedActiveSession struct {
	SessionID  string       `json:"session_id"`
	ServerID   string       `json:"server_id"`
	SessionKey string       `json:"session_key"`
	UserID     string       `json:"user_id"`
	Username   string       `json:"username,omitempty"`
	State      SessionState `json:"state"`

	Title            string `json:"title"`
	GrandparentTitle string `json:"grandparent_title,omitempty"`
	MediaType        string `json:"media_type,omitempty"`

	ProgressMs      int64 `json:"progress_ms"`
	TotalDurationMs int64 `json:"total_duration_ms"`

	Player  string `json:"player,omitempty"`
	Product string `json:"product,omitempty"`
	City    string `json:"city,omitempty"`
	Country string `json:"country,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// ProjectActiveSession builds the cache projection for an open session.
func ProjectActiveSession(s *Session) *CachedActiveSession {
	return &CachedActiveSession{
		SessionID:        s.ID,
		ServerID:         s.ServerID,
		SessionKey:       s.SessionKey,
		UserID:           s.UserID,
		Username:         s.Username,
		State:            s.State,
		Title:            s.Media.Title,
		GrandparentTitle: s.Media.GrandparentTitle,
		MediaType:        s.Media.MediaType,
		ProgressMs:       s.ProgressMs,
		TotalDurationMs:  s.TotalDurationMs,
		Player:           s.Device.Player,
		Product:          s.Device.Product,
		City:             s.Network.City,
		Country:          s.Network.Country,
		UpdatedAt:        s.LastSeenAt,
	}
}
