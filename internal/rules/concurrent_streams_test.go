// Streamwarden - Media Server Session Tracking and Sharing Detection
// Copyright 2026 Streamwarden contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

package rules

import (
	"testing"

	"github.com/goccy/go-json"

	"github.com/streamwarden/streamwarden/internal/models"
)

func TestEvalConcurrentStreams(t *testing.T) {
	rule := testRule(models.RuleConcurrentStreams, `{"max_streams": 3}`)
	params := ConcurrentStreamsParams{MaxStreams: 3, Severity: models.SeverityWarning}

	tests := []struct {
		name        string
		openDevices []string
		expectHit   bool
		expectCount int
	}{
		{
			name:        "no other streams",
			openDevices: nil,
			expectHit:   false,
		},
		{
			name:        "at the limit",
			openDevices: []string{"dev-b", "dev-c"},
			expectHit:   false, // 3 distinct devices, limit 3
		},
		{
			name:        "exceeding the limit",
			openDevices: []string{"dev-b", "dev-c", "dev-d"},
			expectHit:   true,
			expectCount: 4,
		},
		{
			name:        "same device collapses",
			openDevices: []string{"dev-b", "dev-c", "dev-c", "dev-a"},
			expectHit:   false, // distinct: a, b, c
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			session := testSession("s0", "u1", "dev-a", locNYC, baseTime)
			var open []*models.Session
			for i, dev := range tt.openDevices {
				open = append(open, testSession(
					"s"+string(rune('1'+i)), "u1", dev, locNYC, baseTime))
			}

			v, err := evalConcurrentStreams(session, rule, params, open)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if (v != nil) != tt.expectHit {
				t.Fatalf("violation = %v, want hit = %v", v, tt.expectHit)
			}
			if v == nil {
				return
			}

			var ev ConcurrentEvidence
			if err := json.Unmarshal(v.Evidence, &ev); err != nil {
				t.Fatalf("failed to decode evidence: %v", err)
			}
			if ev.ActiveStreamCount != tt.expectCount {
				t.Errorf("active_stream_count = %d, want %d", ev.ActiveStreamCount, tt.expectCount)
			}
			if ev.MaxStreams != 3 {
				t.Errorf("max_streams = %d, want 3", ev.MaxStreams)
			}
			if len(ev.SessionIDs) != tt.expectCount {
				t.Errorf("session_ids has %d entries, want %d", len(ev.SessionIDs), tt.expectCount)
			}
		})
	}
}

func TestEvalConcurrentStreamsKeylessDevices(t *testing.T) {
	// Sessions without a device id cannot collapse; each counts as its
	// own stream.
	rule := testRule(models.RuleConcurrentStreams, `{"max_streams": 2}`)
	params := ConcurrentStreamsParams{MaxStreams: 2, Severity: models.SeverityWarning}

	session := testSession("s0", "u1", "", locNYC, baseTime)
	open := []*models.Session{
		testSession("s1", "u1", "", locNYC, baseTime),
		testSession("s2", "u1", "", locNYC, baseTime),
	}

	v, err := evalConcurrentStreams(session, rule, params, open)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v == nil {
		t.Fatal("expected a violation with three keyless sessions and limit 2")
	}
}
