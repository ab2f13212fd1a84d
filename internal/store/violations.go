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

	"github.com/streamwarden/streamwarden/internal/models"
)

func insertViolation(ctx context.Context, db execer, v *models.Violation) error {
	evidence := "{}"
	if len(v.Evidence) > 0 {
		evidence = string(v.Evidence)
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO violations (id, rule_id, rule_type, session_id, user_id,
			severity, summary, evidence, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.RuleID, string(v.RuleType), v.SessionID, v.UserID,
		string(v.Severity), v.Summary, evidence, v.CreatedAt.UTC())
	return err
}

// ViolationFilter narrows ListViolations. Zero values mean unfiltered.
type ViolationFilter struct {
	UserID         string
	RuleType       models.RuleType
	Unacknowledged bool
	Since          time.Time
	Limit          int
}

// ListViolations returns violations matching the filter, newest first.
func (s *Store) ListViolations(ctx context.Context, f ViolationFilter) ([]*models.Violation, error) {
	ctx, cancel := s.ensureContext(ctx)
	defer cancel()

	query := `SELECT id, rule_id, rule_type, session_id, user_id,
		severity, summary, evidence::VARCHAR, created_at, acknowledged_at, acknowledged_by
	FROM violations WHERE 1=1`
	args := []any{}

	if f.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, f.UserID)
	}
	if f.RuleType != "" {
		query += ` AND rule_type = ?`
		args = append(args, string(f.RuleType))
	}
	if f.Unacknowledged {
		query += ` AND acknowledged_at IS NULL`
	}
	if !f.Since.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, f.Since.UTC())
	}
	query += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query violations: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []*models.Violation
	for rows.Next() {
		v, err := scanViolation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// GetViolation fetches a violation by ID.
func (s *Store) GetViolation(ctx context.Context, id string) (*models.Violation, error) {
	ctx, cancel := s.ensureContext(ctx)
	defer cancel()

	row := s.conn.QueryRowContext(ctx,
		`SELECT id, rule_id, rule_type, session_id, user_id,
			severity, summary, evidence::VARCHAR, created_at, acknowledged_at, acknowledged_by
		FROM violations WHERE id = ?`, id)
	v, err := scanViolation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return v, err
}

// AcknowledgeViolation marks a violation reviewed. Acknowledging twice is
// idempotent: the first acknowledger wins and later calls return ErrNotFound.
func (s *Store) AcknowledgeViolation(ctx context.Context, id, by string) error {
	ctx, cancel := s.ensureContext(ctx)
	defer cancel()

	res, err := s.conn.ExecContext(ctx,
		`UPDATE violations SET acknowledged_at = ?, acknowledged_by = ?
		WHERE id = ? AND acknowledged_at IS NULL`,
		time.Now().UTC(), by, id)
	if err != nil {
		return fmt.Errorf("failed to acknowledge violation %s: %w", id, err)
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

func scanViolation(row rowScanner) (*models.Violation, error) {
	var (
		v        models.Violation
		ruleType string
		severity string
		evidence string
		ackAt    sql.NullTime
		ackBy    sql.NullString
	)
	err := row.Scan(&v.ID, &v.RuleID, &ruleType, &v.SessionID, &v.UserID,
		&severity, &v.Summary, &evidence, &v.CreatedAt, &ackAt, &ackBy)
	if err != nil {
		return nil, err
	}
	v.RuleType = models.RuleType(ruleType)
	v.Severity = models.Severity(severity)
	v.Evidence = []byte(evidence)
	if ackAt.Valid {
		t := ackAt.Time
		v.AcknowledgedAt = &t
	}
	v.AcknowledgedBy = ackBy.String
	return &v, nil
}
