// Streamwarden - Media Server Session Tracking and Sharing Detection
// Copyright 2026 Streamwarden contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

package rules

import (
	"time"

	"github.com/streamwarden/streamwarden/internal/models"
)

// Shared test fixtures. Coordinates are approximate city centers.
var (
	locNYC    = models.NetworkInfo{IPAddress: "203.0.113.10", City: "New York", Country: "US", Latitude: 40.7128, Longitude: -74.0060}
	locTokyo  = models.NetworkInfo{IPAddress: "198.51.100.20", City: "Tokyo", Country: "JP", Latitude: 35.6762, Longitude: 139.6503}
	locBoston = models.NetworkInfo{IPAddress: "203.0.113.30", City: "Boston", Country: "US", Latitude: 42.3601, Longitude: -71.0589}
	locLocal  = models.NetworkInfo{IPAddress: "192.168.1.50"}
)

var baseTime = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

// testSession builds a playing session with location and device filled in.
func testSession(id, userID, deviceID string, net models.NetworkInfo, startedAt time.Time) *models.Session {
	return &models.Session{
		ID:         id,
		ServerID:   "srv-1",
		SessionKey: "key-" + id,
		UserID:     userID,
		State:      models.StatePlaying,
		StartedAt:  startedAt,
		LastSeenAt: startedAt,
		Media:      models.MediaIdentity{ContentKey: "content-1", MediaType: "movie", Title: "Some Movie"},
		Network:    net,
		Device:     models.DeviceInfo{DeviceID: deviceID},
	}
}

func testRule(ruleType models.RuleType, params string) *models.Rule {
	return &models.Rule{
		ID:     "rule-" + string(ruleType),
		Type:   ruleType,
		Name:   string(ruleType),
		Params: []byte(params),
		Active: true,
	}
}
