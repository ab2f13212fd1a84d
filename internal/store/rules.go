// Streamwarden - Media Server Session Tracking and Sharing Detection
// Copyright 2026 Streamwarden contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/streamwarden/streamwarden/internal/models"
	"github.com/streamwarden/streamwarden/internal/rules"
)

// CreateRule validates the rule's params against its type and inserts it.
func (s *Store) CreateRule(ctx context.Context, rule *models.Rule) error {
	if err := rules.ValidateParams(rule.Type, rule.Params); err != nil {
		return fmt.Errorf("invalid rule params: %w", err)
	}

	ctx, cancel := s.ensureContext(ctx)
	defer cancel()

	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now

	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO rules (id, rule_type, name, params, user_id, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rule.ID, string(rule.Type), rule.Name, string(rule.Params),
		nullString(rule.UserID), rule.Active, rule.CreatedAt, rule.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert rule: %w", err)
	}
	return nil
}

// UpdateRule replaces the mutable fields of an existing rule. The rule
// type is immutable; params are re-validated against the stored type.
func (s *Store) UpdateRule(ctx context.Context, rule *models.Rule) error {
	existing, err := s.GetRule(ctx, rule.ID)
	if err != nil {
		return err
	}
	if err := rules.ValidateParams(existing.Type, rule.Params); err != nil {
		return fmt.Errorf("invalid rule params: %w", err)
	}

	ctx, cancel := s.ensureContext(ctx)
	defer cancel()

	rule.Type = existing.Type
	rule.UpdatedAt = time.Now().UTC()

	res, err := s.conn.ExecContext(ctx,
		`UPDATE rules SET name = ?, params = ?, user_id = ?, active = ?, updated_at = ?
		WHERE id = ?`,
		rule.Name, string(rule.Params), nullString(rule.UserID),
		rule.Active, rule.UpdatedAt, rule.ID)
	if err != nil {
		return fmt.Errorf("failed to update rule %s: %w", rule.ID, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteRule removes a rule. Existing violations keep their rule_id.
func (s *Store) DeleteRule(ctx context.Context, id string) error {
	ctx, cancel := s.ensureContext(ctx)
	defer cancel()

	res, err := s.conn.ExecContext(ctx, `DELETE FROM rules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete rule %s: %w", id, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// GetRule fetches a rule by ID.
func (s *Store) GetRule(ctx context.Context, id string) (*models.Rule, error) {
	ctx, cancel := s.ensureContext(ctx)
	defer cancel()

	row := s.conn.QueryRowContext(ctx,
		`SELECT id, rule_type, name, params::VARCHAR, user_id, active, created_at, updated_at
		FROM rules WHERE id = ?`, id)
	rule, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rule, err
}

// ListRules returns all rules, newest first.
func (s *Store) ListRules(ctx context.Context) ([]*models.Rule, error) {
	return s.queryRules(ctx,
		`SELECT id, rule_type, name, params::VARCHAR, user_id, active, created_at, updated_at
		FROM rules ORDER BY created_at DESC`)
}

// ListActiveRules returns the active rules the engine evaluates each create.
func (s *Store) ListActiveRules(ctx context.Context) ([]*models.Rule, error) {
	return s.queryRules(ctx,
		`SELECT id, rule_type, name, params::VARCHAR, user_id, active, created_at, updated_at
		FROM rules WHERE active ORDER BY created_at`)
}

func (s *Store) queryRules(ctx context.Context, query string, args ...any) ([]*models.Rule, error) {
	ctx, cancel := s.ensureContext(ctx)
	defer cancel()

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []*models.Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}

func scanRule(row rowScanner) (*models.Rule, error) {
	var (
		rule     models.Rule
		ruleType string
		params   string
		userID   sql.NullString
	)
	err := row.Scan(&rule.ID, &ruleType, &rule.Name, &params,
		&userID, &rule.Active, &rule.CreatedAt, &rule.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rule.Type = models.RuleType(ruleType)
	rule.Params = []byte(params)
	if userID.Valid && userID.String != "" {
		u := userID.String
		rule.UserID = &u
	}
	return &rule, nil
}
