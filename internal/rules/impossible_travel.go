// Streamwarden - Media Server Session Tracking and Sharing Detection
// Copyright 2026 Streamwarden contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

package rules

import (
	"fmt"
	"time"

	"github.com/streamwarden/streamwarden/internal/models"
)

// TravelEvidence reconstructs an impossible_travel trigger: the prior
// session, both locations, and the implied speed against the threshold.
type TravelEvidence struct {
	FromSessionID string    `json:"from_session_id"`
	FromDeviceID  string    `json:"from_device_id,omitempty"`
	FromCity      string    `json:"from_city,omitempty"`
	FromCountry   string    `json:"from_country,omitempty"`
	FromLatitude  float64   `json:"from_latitude"`
	FromLongitude float64   `json:"from_longitude"`
	FromStartedAt time.Time `json:"from_started_at"`

	ToDeviceID  string    `json:"to_device_id,omitempty"`
	ToCity      string    `json:"to_city,omitempty"`
	ToCountry   string    `json:"to_country,omitempty"`
	ToLatitude  float64   `json:"to_latitude"`
	ToLongitude float64   `json:"to_longitude"`
	ToStartedAt time.Time `json:"to_started_at"`

	DistanceKm      float64 `json:"distance_km"`
	ElapsedMinutes  float64 `json:"elapsed_minutes"`
	ImpliedSpeedKmh float64 `json:"implied_speed_kmh"`
	MaxSpeedKmh     float64 `json:"max_speed_kmh"`
}

// evalImpossibleTravel checks the session against each recent session of the
// same identity on a different device with known coordinates. If any pair
// implies a travel speed above the threshold, one violation is emitted
// carrying the fastest pair as evidence. Same-device pairs are exempt: a
// phone moving between networks is not account sharing.
func evalImpossibleTravel(session *models.Session, rule *models.Rule, p ImpossibleTravelParams, recent []*models.Session) (*models.Violation, error) {
	if !hasKnownLocation(session.Network) {
		return nil, nil
	}

	var worst *TravelEvidence

	for _, other := range recent {
		if other.Device.DeviceID != "" && other.Device.DeviceID == session.Device.DeviceID {
			continue
		}
		if !hasKnownLocation(other.Network) {
			continue
		}

		elapsed := session.StartedAt.Sub(other.StartedAt)
		if elapsed <= 0 {
			continue
		}

		distanceKm := haversineKm(
			other.Network.Latitude, other.Network.Longitude,
			session.Network.Latitude, session.Network.Longitude,
		)
		if distanceKm < p.MinDistanceKm {
			continue
		}

		// Floor the elapsed time so a near-zero gap cannot divide to +Inf;
		// 3.6s is far below any meaningful travel interval.
		elapsedHours := elapsed.Hours()
		if elapsedHours < 0.001 {
			elapsedHours = 0.001
		}
		impliedKmh := distanceKm / elapsedHours
		if impliedKmh <= p.MaxSpeedKmh {
			continue
		}

		if worst == nil || impliedKmh > worst.ImpliedSpeedKmh {
			worst = &TravelEvidence{
				FromSessionID:   other.ID,
				FromDeviceID:    other.Device.DeviceID,
				FromCity:        other.Network.City,
				FromCountry:     other.Network.Country,
				FromLatitude:    other.Network.Latitude,
				FromLongitude:   other.Network.Longitude,
				FromStartedAt:   other.StartedAt,
				ToDeviceID:      session.Device.DeviceID,
				ToCity:          session.Network.City,
				ToCountry:       session.Network.Country,
				ToLatitude:      session.Network.Latitude,
				ToLongitude:     session.Network.Longitude,
				ToStartedAt:     session.StartedAt,
				DistanceKm:      roundTo2(distanceKm),
				ElapsedMinutes:  roundTo2(elapsed.Minutes()),
				ImpliedSpeedKmh: roundTo2(impliedKmh),
				MaxSpeedKmh:     p.MaxSpeedKmh,
			}
		}
	}

	if worst == nil {
		return nil, nil
	}

	summary := fmt.Sprintf(
		"user %s appeared %.0f km apart (%s to %s) within %.0f minutes, implying %.0f km/h",
		session.UserID,
		worst.DistanceKm,
		formatLocation(worst.FromCity, worst.FromCountry),
		formatLocation(worst.ToCity, worst.ToCountry),
		worst.ElapsedMinutes,
		worst.ImpliedSpeedKmh,
	)
	return newViolation(session, rule, p.Severity, summary, worst)
}
