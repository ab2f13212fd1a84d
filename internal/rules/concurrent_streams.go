// Streamwarden - Media Server Session Tracking and Sharing Detection
// Copyright 2026 Streamwarden contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

package rules

import (
	"fmt"

	"github.com/streamwarden/streamwarden/internal/models"
)

// ConcurrentEvidence reconstructs a concurrent_streams trigger.
type ConcurrentEvidence struct {
	ActiveStreamCount int      `json:"active_stream_count"`
	MaxStreams        int      `json:"max_streams"`
	SessionIDs        []string `json:"session_ids"`
	DeviceIDs         []string `json:"device_ids"`
}

// evalConcurrentStreams counts the identity's open sessions on distinct
// devices, the current session included, and violates when the count
// exceeds the limit. Sessions on the same device collapse to one stream:
// a client reconnecting under a fresh key is not extra concurrency.
func evalConcurrentStreams(session *models.Session, rule *models.Rule, p ConcurrentStreamsParams, open []*models.Session) (*models.Violation, error) {
	seenDevices := map[string]bool{}
	var sessionIDs, deviceIDs []string

	count := 0
	add := func(s *models.Session) {
		dev := s.Device.DeviceID
		if dev != "" {
			if seenDevices[dev] {
				return
			}
			seenDevices[dev] = true
			deviceIDs = append(deviceIDs, dev)
		}
		count++
		sessionIDs = append(sessionIDs, s.ID)
	}

	add(session)
	for _, s := range open {
		add(s)
	}

	if count <= p.MaxStreams {
		return nil, nil
	}

	evidence := ConcurrentEvidence{
		ActiveStreamCount: count,
		MaxStreams:        p.MaxStreams,
		SessionIDs:        sessionIDs,
		DeviceIDs:         deviceIDs,
	}

	summary := fmt.Sprintf(
		"user %s has %d concurrent streams on distinct devices (max %d)",
		session.UserID, count, p.MaxStreams,
	)
	return newViolation(session, rule, p.Severity, summary, evidence)
}
