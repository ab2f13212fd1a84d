// Streamwarden - Media Server Session Tracking and Sharing Detection
// Copyright 2026 Streamwarden contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

package models

import (
	"net/netip"
	"strings"
	"time"
)

// SessionState is the playback state of a session.
type SessionState string

const (
	StatePlaying SessionState = "playing"
	StatePaused  SessionState = "paused"
	StateStopped SessionState = "stopped"
)

// WatchedThreshold is the progress ratio at which a session counts as watched.
// Watched is sticky: once set it never reverts, even if progress is later
// reported lower (vendor rewind glitches).
const WatchedThreshold = 0.80

// MediaIdentity identifies the content a session is playing, normalized
// across vendors. ContentKey is the vendor-stable content identifier
// (rating key, item id) and is the only field identity resolution compares.
type MediaIdentity struct {
	ContentKey       string `json:"content_key"`
	MediaType        string `json:"media_type"` // movie, episode, track
	Title            string `json:"title"`
	GrandparentTitle string `json:"grandparent_title,omitempty"` // show name
	Season           int    `json:"season,omitempty"`
	Episode          int    `json:"episode,omitempty"`
}

// NetworkInfo is the network/geo snapshot taken when a session is observed.
// Coordinates use the (0, 0) sentinel for unknown locations.
type NetworkInfo struct {
	IPAddress string  `json:"ip_address"`
	Latitude  float64 `json:"latitude,omitempty"`
	Longitude float64 `json:"longitude,omitempty"`
	City      string  `json:"city,omitempty"`
	Region    string  `json:"region,omitempty"`
	Country   string  `json:"country,omitempty"` // ISO 3166-1 alpha-2
}

// IsPrivate reports whether the session originates from a private, loopback,
// or link-local address. Such sessions are exempt from geo rules and can be
// excluded from all rule evaluation via ExcludePrivateIPs.
func (n NetworkInfo) IsPrivate() bool {
	host := n.IPAddress
	// Strip a :port suffix if the producer left one on (v4 only; bracketed
	// v6 host:port is normalized at the producer boundary).
	if i := strings.LastIndex(host, ":"); i != -1 && strings.Count(host, ":") == 1 {
		host = host[:i]
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	return addr.IsPrivate() || addr.IsLoopback() || addr.IsLinkLocalUnicast()
}

// DeviceInfo is the client/device snapshot for a session.
type DeviceInfo struct {
	DeviceID string `json:"device_id"` // vendor machine identifier
	Platform string `json:"platform,omitempty"`
	Product  string `json:"product,omitempty"`
	Player   string `json:"player,omitempty"`
	Version  string `json:"version,omitempty"`
}

// StreamDetail is the transcode/stream snapshot for a session.
type StreamDetail struct {
	Decision    string `json:"decision,omitempty"` // directplay, directstream, transcode
	Container   string `json:"container,omitempty"`
	VideoCodec  string `json:"video_codec,omitempty"`
	AudioCodec  string `json:"audio_codec,omitempty"`
	Resolution  string `json:"resolution,omitempty"`
	BitrateKbps int64  `json:"bitrate_kbps,omitempty"`
}

// Session is the persisted record of one playback segment.
//
// Invariants:
//   - exactly one row per (ServerID, SessionKey) with StoppedAt == nil
//   - PausedDurationMs is non-decreasing while the session is open
//   - ReferenceID, when set, points at the first session ID of the
//     resume/quality-change chain this segment belongs to
type Session struct {
	ID         string `json:"id"`
	ServerID   string `json:"server_id"`
	SessionKey string `json:"session_key"`

	UserID   string `json:"user_id"`
	Username string `json:"username,omitempty"`

	State      SessionState `json:"state"`
	StartedAt  time.Time    `json:"started_at"`
	StoppedAt  *time.Time   `json:"stopped_at,omitempty"`
	LastSeenAt time.Time    `json:"last_seen_at"`

	PausedDurationMs int64      `json:"paused_duration_ms"`
	LastPausedAt     *time.Time `json:"last_paused_at,omitempty"`

	ProgressMs      int64 `json:"progress_ms"`
	TotalDurationMs int64 `json:"total_duration_ms"`

	// DurationMs is the active watch time of a closed segment:
	// (StoppedAt - StartedAt) - PausedDurationMs, clamped at zero.
	// Zero while the session is open.
	DurationMs int64 `json:"duration_ms"`

	// ReferenceID chains segments of one logical play. Nil for the first
	// segment of a chain.
	ReferenceID *string `json:"reference_id,omitempty"`

	Watched bool `json:"watched"`

	Media   MediaIdentity `json:"media"`
	Network NetworkInfo   `json:"network"`
	Device  DeviceInfo    `json:"device"`
	Stream  StreamDetail  `json:"stream"`

	ForceStopped bool `json:"force_stopped"`
	ShortSession bool `json:"short_session"`
}

// Open reports whether the session has not been stopped.
func (s *Session) Open() bool {
	return s.StoppedAt == nil
}

// ChainRoot returns the ID that new segments of this session's logical play
// should reference: the existing chain root if this segment is itself a
// continuation, otherwise this segment's own ID.
func (s *Session) ChainRoot() string {
	if s.ReferenceID != nil && *s.ReferenceID != "" {
		return *s.ReferenceID
	}
	return s.ID
}

// ProgressRatio returns playback progress as a 0..1 ratio, or 0 when the
// total duration is unknown.
func (s *Session) ProgressRatio() float64 {
	if s.TotalDurationMs <= 0 {
		return 0
	}
	return float64(s.ProgressMs) / float64(s.TotalDurationMs)
}

// NormalizedSnapshot is one vendor-normalized description of a currently
// playing stream at a point in time, as supplied by a snapshot producer.
// The core contains no vendor-conditional branching; all vendor payload
// shapes are flattened into this struct at the producer boundary.
type NormalizedSnapshot struct {
	ServerID   string       `json:"server_id"`
	SessionKey string       `json:"session_key"`
	UserID     string       `json:"user_id"`
	Username   string       `json:"username,omitempty"`
	State      SessionState `json:"state"` // playing or paused

	ProgressMs      int64 `json:"progress_ms"`
	TotalDurationMs int64 `json:"total_duration_ms"`

	Media   MediaIdentity `json:"media"`
	Network NetworkInfo   `json:"network"`
	Device  DeviceInfo    `json:"device"`
	Stream  StreamDetail  `json:"stream"`

	ObservedAt time.Time `json:"observed_at"`
}

// Key returns the (server, session-key) identity of the snapshot, used for
// cache-set diffing and lock scoping.
func (s *NormalizedSnapshot) Key() string {
	return s.ServerID + ":" + s.SessionKey
}
