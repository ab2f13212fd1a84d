// Streamwarden - Media Server Session Tracking and Sharing Detection
// Copyright 2026 Streamwarden contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

// Package rules evaluates anomaly rules against a session and a bounded
// window of its identity's history. Evaluation is pure and deterministic:
// no I/O, no clocks beyond the timestamps already on the sessions. It runs
// exactly once per session, at creation or media-change time, inside the
// lifecycle transaction.
package rules

import (
	"fmt"

	"github.com/goccy/go-json"
	"github.com/streamwarden/streamwarden/internal/models"
)

// History is the bounded identity window the engine evaluates against.
// Both slices contain only sessions of the evaluated session's user and
// never include the evaluated session itself.
type History struct {
	// Open are the identity's currently open sessions.
	Open []*models.Session

	// Recent are the identity's sessions (open or closed) within the
	// largest configured trailing window, newest first.
	Recent []*models.Session
}

// Config holds engine-wide evaluation settings.
type Config struct {
	// ExcludePrivateIPs removes private/local-network sessions from
	// evaluation entirely: a private current session produces no
	// violations, and private history sessions are invisible to all rules.
	ExcludePrivateIPs bool
}

// Engine evaluates rules. Stateless apart from configuration.
type Engine struct {
	cfg Config
}

// NewEngine creates a rule engine.
func NewEngine(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

// Evaluate runs every active, in-scope rule against the session and returns
// the violations found. Rules with malformed params are skipped and reported
// in the returned error; evaluation continues past them so one bad rule
// cannot suppress the others. Violation IDs are left empty for the store to
// assign inside the insert transaction.
func (e *Engine) Evaluate(session *models.Session, activeRules []models.Rule, hist History) ([]models.Violation, error) {
	if e.cfg.ExcludePrivateIPs && session.Network.IsPrivate() {
		return nil, nil
	}

	if e.cfg.ExcludePrivateIPs {
		hist = History{
			Open:   filterPublic(hist.Open),
			Recent: filterPublic(hist.Recent),
		}
	}

	var violations []models.Violation
	var errs []error

	for i := range activeRules {
		rule := &activeRules[i]
		if !rule.Active || !rule.AppliesTo(session.UserID) {
			continue
		}

		v, err := e.evaluateRule(session, rule, hist)
		if err != nil {
			errs = append(errs, fmt.Errorf("rule %s (%s): %w", rule.ID, rule.Type, err))
			continue
		}
		if v != nil {
			violations = append(violations, *v)
		}
	}

	if len(errs) > 0 {
		return violations, fmt.Errorf("rule evaluation: %v", errs)
	}
	return violations, nil
}

func (e *Engine) evaluateRule(session *models.Session, rule *models.Rule, hist History) (*models.Violation, error) {
	switch rule.Type {
	case models.RuleImpossibleTravel:
		var p ImpossibleTravelParams
		if err := decodeParams(rule.Params, &p, DefaultImpossibleTravelParams()); err != nil {
			return nil, err
		}
		return evalImpossibleTravel(session, rule, p, hist.Recent)

	case models.RuleSimultaneousLocations:
		var p SimultaneousLocationsParams
		if err := decodeParams(rule.Params, &p, DefaultSimultaneousLocationsParams()); err != nil {
			return nil, err
		}
		return evalSimultaneousLocations(session, rule, p, hist.Open)

	case models.RuleDeviceVelocity:
		var p DeviceVelocityParams
		if err := decodeParams(rule.Params, &p, DefaultDeviceVelocityParams()); err != nil {
			return nil, err
		}
		return evalDeviceVelocity(session, rule, p, hist.Recent)

	case models.RuleConcurrentStreams:
		var p ConcurrentStreamsParams
		if err := decodeParams(rule.Params, &p, DefaultConcurrentStreamsParams()); err != nil {
			return nil, err
		}
		return evalConcurrentStreams(session, rule, p, hist.Open)

	case models.RuleGeoRestriction:
		var p GeoRestrictionParams
		if err := decodeParams(rule.Params, &p, DefaultGeoRestrictionParams()); err != nil {
			return nil, err
		}
		return evalGeoRestriction(session, rule, p)

	default:
		return nil, fmt.Errorf("unknown rule type %q", rule.Type)
	}
}

// decodeParams unmarshals params over defaults so omitted fields keep their
// default values, then validates the result.
func decodeParams[P interface{ Validate() error }](raw json.RawMessage, out *P, defaults P) error {
	*out = defaults
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode params: %w", err)
		}
	}
	return (*out).Validate()
}

func filterPublic(sessions []*models.Session) []*models.Session {
	out := make([]*models.Session, 0, len(sessions))
	for _, s := range sessions {
		if !s.Network.IsPrivate() {
			out = append(out, s)
		}
	}
	return out
}

// newViolation builds a violation shell for the given rule and session;
// callers attach severity, summary and evidence.
func newViolation(session *models.Session, rule *models.Rule, severity models.Severity, summary string, evidence interface{}) (*models.Violation, error) {
	blob, err := json.Marshal(evidence)
	if err != nil {
		return nil, fmt.Errorf("marshal evidence: %w", err)
	}
	return &models.Violation{
		RuleID:    rule.ID,
		RuleType:  rule.Type,
		SessionID: session.ID,
		UserID:    session.UserID,
		Severity:  severity,
		Summary:   summary,
		Evidence:  blob,
		CreatedAt: session.StartedAt,
	}, nil
}
