// Streamwarden - Media Server Session Tracking and Sharing Detection
// Copyright 2026 Streamwarden contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

package rules

import (
	"fmt"
	"math"

	"github.com/goccy/go-json"
	"github.com/streamwarden/streamwarden/internal/models"
)

// coordinateEpsilon is the threshold below which coordinates are treated as
// the (0, 0) unknown-location sentinel. 1e-7 degrees is about 1.1cm at the
// equator, well under GPS accuracy, while avoiding direct float equality.
const coordinateEpsilon = 1e-7

// hasKnownLocation reports whether the network snapshot carries usable
// coordinates.
func hasKnownLocation(n models.NetworkInfo) bool {
	return math.Abs(n.Latitude) >= coordinateEpsilon || math.Abs(n.Longitude) >= coordinateEpsilon
}

// ImpossibleTravelParams configures the impossible_travel rule.
type ImpossibleTravelParams struct {
	// MaxSpeedKmh is the maximum plausible travel speed.
	MaxSpeedKmh float64 `json:"max_speed_kmh"`

	// MinDistanceKm suppresses violations for nearby locations, cutting
	// false positives from coarse GeoIP resolution.
	MinDistanceKm float64 `json:"min_distance_km"`

	Severity models.Severity `json:"severity"`
}

// DefaultImpossibleTravelParams returns production defaults.
func DefaultImpossibleTravelParams() ImpossibleTravelParams {
	return ImpossibleTravelParams{
		MaxSpeedKmh:   900, // commercial flight speed
		MinDistanceKm: 50,
		Severity:      models.SeverityCritical,
	}
}

// Validate checks parameter sanity.
func (p ImpossibleTravelParams) Validate() error {
	if p.MaxSpeedKmh <= 0 {
		return fmt.Errorf("max_speed_kmh must be positive")
	}
	if p.MinDistanceKm < 0 {
		return fmt.Errorf("min_distance_km cannot be negative")
	}
	return nil
}

// SimultaneousLocationsParams configures the simultaneous_locations rule.
type SimultaneousLocationsParams struct {
	// MinDistanceKm is the distance between two concurrent sessions above
	// which they cannot plausibly be the same household.
	MinDistanceKm float64 `json:"min_distance_km"`

	Severity models.Severity `json:"severity"`
}

// DefaultSimultaneousLocationsParams returns production defaults.
func DefaultSimultaneousLocationsParams() SimultaneousLocationsParams {
	return SimultaneousLocationsParams{
		MinDistanceKm: 50,
		Severity:      models.SeverityCritical,
	}
}

// Validate checks parameter sanity.
func (p SimultaneousLocationsParams) Validate() error {
	if p.MinDistanceKm <= 0 {
		return fmt.Errorf("min_distance_km must be positive")
	}
	return nil
}

// DeviceVelocityParams configures the device_velocity rule.
type DeviceVelocityParams struct {
	// MaxIPs is the maximum distinct IPs (or devices, with GroupByDevice)
	// an identity may appear from within the window.
	MaxIPs int `json:"max_ips"`

	// WindowHours is the trailing window size.
	WindowHours int `json:"window_hours"`

	// GroupByDevice counts distinct device ids instead of distinct IPs.
	GroupByDevice bool `json:"group_by_device,omitempty"`

	Severity models.Severity `json:"severity"`
}

// DefaultDeviceVelocityParams returns production defaults.
func DefaultDeviceVelocityParams() DeviceVelocityParams {
	return DeviceVelocityParams{
		MaxIPs:      3,
		WindowHours: 24,
		Severity:    models.SeverityWarning,
	}
}

// Validate checks parameter sanity.
func (p DeviceVelocityParams) Validate() error {
	if p.MaxIPs <= 0 {
		return fmt.Errorf("max_ips must be positive")
	}
	if p.WindowHours <= 0 {
		return fmt.Errorf("window_hours must be positive")
	}
	return nil
}

// ConcurrentStreamsParams configures the concurrent_streams rule.
type ConcurrentStreamsParams struct {
	// MaxStreams is the maximum simultaneously open streams on distinct
	// devices for one identity.
	MaxStreams int `json:"max_streams"`

	Severity models.Severity `json:"severity"`
}

// DefaultConcurrentStreamsParams returns production defaults.
func DefaultConcurrentStreamsParams() ConcurrentStreamsParams {
	return ConcurrentStreamsParams{
		MaxStreams: 3,
		Severity:   models.SeverityWarning,
	}
}

// Validate checks parameter sanity.
func (p ConcurrentStreamsParams) Validate() error {
	if p.MaxStreams <= 0 {
		return fmt.Errorf("max_streams must be positive")
	}
	return nil
}

// GeoMode selects blocklist or allowlist matching for geo_restriction.
type GeoMode string

const (
	GeoModeBlock GeoMode = "block"
	GeoModeAllow GeoMode = "allow"
)

// GeoRestrictionParams configures the geo_restriction rule.
type GeoRestrictionParams struct {
	Mode GeoMode `json:"mode"`

	// Countries is the ISO 3166-1 alpha-2 list the mode applies to.
	Countries []string `json:"countries"`

	Severity models.Severity `json:"severity"`
}

// DefaultGeoRestrictionParams returns production defaults.
func DefaultGeoRestrictionParams() GeoRestrictionParams {
	return GeoRestrictionParams{
		Mode:     GeoModeBlock,
		Severity: models.SeverityWarning,
	}
}

// Validate checks parameter sanity.
func (p GeoRestrictionParams) Validate() error {
	if p.Mode != GeoModeBlock && p.Mode != GeoModeAllow {
		return fmt.Errorf("mode must be %q or %q", GeoModeBlock, GeoModeAllow)
	}
	if len(p.Countries) == 0 {
		return fmt.Errorf("countries cannot be empty")
	}
	return nil
}

// ValidateParams decodes and validates the params blob for a rule type.
// Used by the rule store before persisting a rule.
func ValidateParams(ruleType models.RuleType, params json.RawMessage) error {
	switch ruleType {
	case models.RuleImpossibleTravel:
		var p ImpossibleTravelParams
		if err := json.Unmarshal(params, &p); err != nil {
			return fmt.Errorf("decode params: %w", err)
		}
		return p.Validate()
	case models.RuleSimultaneousLocations:
		var p SimultaneousLocationsParams
		if err := json.Unmarshal(params, &p); err != nil {
			return fmt.Errorf("decode params: %w", err)
		}
		return p.Validate()
	case models.RuleDeviceVelocity:
		var p DeviceVelocityParams
		if err := json.Unmarshal(params, &p); err != nil {
			return fmt.Errorf("decode params: %w", err)
		}
		return p.Validate()
	case models.RuleConcurrentStreams:
		var p ConcurrentStreamsParams
		if err := json.Unmarshal(params, &p); err != nil {
			return fmt.Errorf("decode params: %w", err)
		}
		return p.Validate()
	case models.RuleGeoRestriction:
		var p GeoRestrictionParams
		if err := json.Unmarshal(params, &p); err != nil {
			return fmt.Errorf("decode params: %w", err)
		}
		return p.Validate()
	default:
		return fmt.Errorf("unknown rule type: %s", ruleType)
	}
}

// haversineKm computes the great-circle distance between two points in
// kilometers.
func haversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadiusKm = 6371.0

	lat1Rad := lat1 * math.Pi / 180.0
	lon1Rad := lon1 * math.Pi / 180.0
	lat2Rad := lat2 * math.Pi / 180.0
	lon2Rad := lon2 * math.Pi / 180.0

	dLat := lat2Rad - lat1Rad
	dLon := lon2Rad - lon1Rad

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*
			math.Sin(dLon/2)*math.Sin(dLon/2)

	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusKm * c
}

// roundTo2 rounds to 2 decimal places for evidence readability.
func roundTo2(f float64) float64 {
	return math.Round(f*100) / 100
}

// formatLocation returns a human-readable "City, CC" string.
func formatLocation(city, country string) string {
	switch {
	case city != "" && country != "":
		return city + ", " + country
	case country != "":
		return country
	case city != "":
		return city
	default:
		return "Unknown"
	}
}
