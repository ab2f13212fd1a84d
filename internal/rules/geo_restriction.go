// Streamwarden - Media Server Session Tracking and Sharing Detection
// Copyright 2026 Streamwarden contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

package rules

import (
	"fmt"
	"strings"

	"github.com/streamwarden/streamwarden/internal/models"
)

// GeoEvidence reconstructs a geo_restriction trigger.
type GeoEvidence struct {
	Country   string   `json:"country"`
	City      string   `json:"city,omitempty"`
	IPAddress string   `json:"ip_address,omitempty"`
	Mode      GeoMode  `json:"mode"`
	Countries []string `json:"countries"`
}

// evalGeoRestriction matches the session's resolved country against the
// configured blocklist or allowlist. Private/local-network sessions are
// always exempt regardless of ExcludePrivateIPs, as is a session whose
// country could not be resolved.
func evalGeoRestriction(session *models.Session, rule *models.Rule, p GeoRestrictionParams) (*models.Violation, error) {
	if session.Network.IsPrivate() {
		return nil, nil
	}

	country := strings.ToUpper(session.Network.Country)
	if country == "" {
		return nil, nil
	}

	listed := false
	for _, c := range p.Countries {
		if strings.ToUpper(c) == country {
			listed = true
			break
		}
	}

	violated := (p.Mode == GeoModeBlock && listed) || (p.Mode == GeoModeAllow && !listed)
	if !violated {
		return nil, nil
	}

	evidence := GeoEvidence{
		Country:   country,
		City:      session.Network.City,
		IPAddress: session.Network.IPAddress,
		Mode:      p.Mode,
		Countries: p.Countries,
	}

	var summary string
	if p.Mode == GeoModeBlock {
		summary = fmt.Sprintf("user %s streamed from blocked country %s", session.UserID, country)
	} else {
		summary = fmt.Sprintf("user %s streamed from %s, outside the allowed countries", session.UserID, country)
	}
	return newViolation(session, rule, p.Severity, summary, evidence)
}
