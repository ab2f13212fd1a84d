// Streamwarden - Media Server Session Tracking and Sharing Detection
// Copyright 2026 Streamwarden contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

package rules

import (
	"fmt"

	"github.com/streamwarden/streamwarden/internal/models"
)

// ConflictingLocation is one session location in a simultaneous_locations
// evidence set.
type ConflictingLocation struct {
	SessionID string  `json:"session_id"`
	DeviceID  string  `json:"device_id,omitempty"`
	City      string  `json:"city,omitempty"`
	Country   string  `json:"country,omitempty"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// SimultaneousEvidence lists every location participating in a conflicting
// pair plus the widest observed separation.
type SimultaneousEvidence struct {
	Locations     []ConflictingLocation `json:"locations"`
	MaxPairKm     float64               `json:"max_pair_km"`
	MinDistanceKm float64               `json:"min_distance_km"`
}

// evalSimultaneousLocations examines the identity's currently open,
// still-playing sessions on distinct devices (including the current one) and
// violates when any pair is further apart than the threshold. Evidence lists
// all locations involved in a conflicting pair, not just the current
// session's.
func evalSimultaneousLocations(session *models.Session, rule *models.Rule, p SimultaneousLocationsParams, open []*models.Session) (*models.Violation, error) {
	// One candidate per distinct device, located only.
	candidates := make([]*models.Session, 0, len(open)+1)
	seenDevices := map[string]bool{}

	add := func(s *models.Session) {
		if s.State != models.StatePlaying || !hasKnownLocation(s.Network) {
			return
		}
		dev := s.Device.DeviceID
		if dev != "" {
			if seenDevices[dev] {
				return
			}
			seenDevices[dev] = true
		}
		candidates = append(candidates, s)
	}

	add(session)
	for _, s := range open {
		add(s)
	}

	if len(candidates) < 2 {
		return nil, nil
	}

	var maxPairKm float64
	conflicting := map[string]*models.Session{}

	for i := 0; i < len(candidates); i++ {
		for j := i + 1; j < len(candidates); j++ {
			a, b := candidates[i], candidates[j]
			km := haversineKm(
				a.Network.Latitude, a.Network.Longitude,
				b.Network.Latitude, b.Network.Longitude,
			)
			if km <= p.MinDistanceKm {
				continue
			}
			conflicting[a.ID] = a
			conflicting[b.ID] = b
			if km > maxPairKm {
				maxPairKm = km
			}
		}
	}

	if len(conflicting) == 0 {
		return nil, nil
	}

	evidence := SimultaneousEvidence{
		MaxPairKm:     roundTo2(maxPairKm),
		MinDistanceKm: p.MinDistanceKm,
	}
	// Deterministic order: candidates order, which is current-session first
	// then store order.
	for _, s := range candidates {
		if _, ok := conflicting[s.ID]; !ok {
			continue
		}
		evidence.Locations = append(evidence.Locations, ConflictingLocation{
			SessionID: s.ID,
			DeviceID:  s.Device.DeviceID,
			City:      s.Network.City,
			Country:   s.Network.Country,
			Latitude:  s.Network.Latitude,
			Longitude: s.Network.Longitude,
		})
	}

	summary := fmt.Sprintf(
		"user %s is playing from %d locations up to %.0f km apart",
		session.UserID, len(evidence.Locations), evidence.MaxPairKm,
	)
	return newViolation(session, rule, p.Severity, summary, evidence)
}
