// Streamwarden - Media Server Session Tracking and Sharing Detection
// Copyright 2026 Streamwarden contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

package models

import (
	"testing"
	"time"
)

func TestNetworkInfoIsPrivate(t *testing.T) {
	tests := []struct {
		ip   string
		want bool
	}{
		{"192.168.1.50", true},
		{"10.0.0.5", true},
		{"172.16.4.1", true},
		{"127.0.0.1", true},
		{"169.254.10.10", true},
		{"192.168.1.50:32400", true}, // port suffix stripped
		{"203.0.113.10", false},
		{"8.8.8.8", false},
		{"fd00::1", true},
		{"::1", true},
		{"2001:db8::1", false},
		{"", false},
		{"not-an-ip", false},
	}

	for _, tt := range tests {
		t.Run(tt.ip, func(t *testing.T) {
			n := NetworkInfo{IPAddress: tt.ip}
			if got := n.IsPrivate(); got != tt.want {
				t.Errorf("IsPrivate(%q) = %v, want %v", tt.ip, got, tt.want)
			}
		})
	}
}

func TestSessionChainRoot(t *testing.T) {
	ref := "root-id"

	tests := []struct {
		name string
		sess Session
		want string
	}{
		{"first segment roots itself", Session{ID: "s1"}, "s1"},
		{"continuation keeps the chain root", Session{ID: "s2", ReferenceID: &ref}, "root-id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.sess.ChainRoot(); got != tt.want {
				t.Errorf("ChainRoot() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSessionProgressRatio(t *testing.T) {
	tests := []struct {
		name       string
		progressMs int64
		totalMs    int64
		want       float64
	}{
		{"halfway", 50_000, 100_000, 0.5},
		{"unknown total", 50_000, 0, 0},
		{"negative total", 50_000, -1, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Session{ProgressMs: tt.progressMs, TotalDurationMs: tt.totalMs}
			if got := s.ProgressRatio(); got != tt.want {
				t.Errorf("ProgressRatio() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSessionOpen(t *testing.T) {
	stoppedAt := time.Now()

	open := Session{ID: "s1"}
	if !open.Open() {
		t.Error("session without StoppedAt should be open")
	}

	closed := Session{ID: "s2", StoppedAt: &stoppedAt}
	if closed.Open() {
		t.Error("session with StoppedAt should be closed")
	}
}

func TestSnapshotKey(t *testing.T) {
	s := NormalizedSnapshot{ServerID: "srv-1", SessionKey: "abc"}
	if got := s.Key(); got != "srv-1:abc" {
		t.Errorf("Key() = %q, want srv-1:abc", got)
	}
}

func TestProjectActiveSession(t *testing.T) {
	seen := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	sess := &Session{
		ID:         "s1",
		ServerID:   "srv-1",
		SessionKey: "k1",
		UserID:     "u1",
		Username:   "alice",
		State:      StatePlaying,
		LastSeenAt: seen,
		ProgressMs: 60_000,
		Media:      MediaIdentity{Title: "Some Movie", MediaType: "movie"},
		Device:     DeviceInfo{Player: "Living Room TV", Product: "Plex for Roku"},
		Network:    NetworkInfo{City: "New York", Country: "US"},
	}

	got := ProjectActiveSession(sess)
	if got.SessionID != "s1" || got.UserID != "u1" || got.Title != "Some Movie" {
		t.Errorf("projection lost identity fields: %+v", got)
	}
	if got.Player != "Living Room TV" || got.City != "New York" {
		t.Errorf("projection lost device/network fields: %+v", got)
	}
	if !got.UpdatedAt.Equal(seen) {
		t.Errorf("UpdatedAt = %v, want LastSeenAt %v", got.UpdatedAt, seen)
	}
}
