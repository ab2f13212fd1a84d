// Streamwarden - Media Server Session Tracking and Sharing Detection
// Copyright 2026 Streamwarden contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

package rules

import (
	"fmt"
	"sort"
	"time"

	"github.com/streamwarden/streamwarden/internal/models"
)

// VelocityEvidence reconstructs a device_velocity trigger: the distinct
// values observed in the window against the permitted maximum.
type VelocityEvidence struct {
	// Values are the distinct IPs (or device ids with group_by_device),
	// sorted for determinism.
	Values []string `json:"values"`

	Count       int       `json:"count"`
	MaxAllowed  int       `json:"max_allowed"`
	WindowHours int       `json:"window_hours"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	GroupedBy   string    `json:"grouped_by"` // ip or device
}

// evalDeviceVelocity counts distinct IPs (or device ids) the identity used
// within the trailing window, including the current session, and violates
// when the count exceeds the maximum.
func evalDeviceVelocity(session *models.Session, rule *models.Rule, p DeviceVelocityParams, recent []*models.Session) (*models.Violation, error) {
	window := time.Duration(p.WindowHours) * time.Hour
	windowStart := session.StartedAt.Add(-window)

	distinct := map[string]bool{}
	observe := func(s *models.Session) {
		var v string
		if p.GroupByDevice {
			v = s.Device.DeviceID
		} else {
			v = s.Network.IPAddress
		}
		if v != "" {
			distinct[v] = true
		}
	}

	observe(session)
	for _, s := range recent {
		if s.StartedAt.Before(windowStart) {
			continue
		}
		observe(s)
	}

	if len(distinct) <= p.MaxIPs {
		return nil, nil
	}

	values := make([]string, 0, len(distinct))
	for v := range distinct {
		values = append(values, v)
	}
	sort.Strings(values)

	groupedBy := "ip"
	noun := "IPs"
	if p.GroupByDevice {
		groupedBy = "device"
		noun = "devices"
	}

	evidence := VelocityEvidence{
		Values:      values,
		Count:       len(values),
		MaxAllowed:  p.MaxIPs,
		WindowHours: p.WindowHours,
		WindowStart: windowStart,
		WindowEnd:   session.StartedAt,
		GroupedBy:   groupedBy,
	}

	summary := fmt.Sprintf(
		"user %s used %d distinct %s within %dh (max %d)",
		session.UserID, evidence.Count, noun, p.WindowHours, p.MaxIPs,
	)
	return newViolation(session, rule, p.Severity, summary, evidence)
}
