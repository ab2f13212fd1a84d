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
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")

const sessionColumns = `id, server_id, session_key, user_id, username, state,
	started_at, stopped_at, last_seen_at,
	paused_duration_ms, last_paused_at,
	progress_ms, total_duration_ms, duration_ms,
	reference_id, watched, force_stopped, short_session,
	content_key, media_type, title, grandparent_title, season, episode,
	ip_address, city, region, country_code, latitude, longitude,
	device_id, device_platform, device_product, device_player, device_version,
	stream_decision, stream_container, stream_video_codec, stream_audio_codec,
	stream_resolution, stream_bitrate_kbps`

// CreateSessionBatch is the unit of work for opening a session: optionally
// close a prior segment (quality or media change), insert the new row, and
// record any violations the rule engine produced for it. The batch commits
// atomically; a failed violation insert rolls back the session row too.
type CreateSessionBatch struct {
	Session *models.Session

	// StopPrior, when set, closes the named open session before the
	// insert, recording the final progress and pause accounting for
	// that segment.
	StopPrior *StopRequest

	Violations []models.Violation
}

// StopRequest carries the close-time fields for one session.
type StopRequest struct {
	SessionID        string
	StoppedAt        time.Time
	ProgressMs       int64
	PausedDurationMs int64
	DurationMs       int64
	Watched          bool
	ForceStopped     bool
	ShortSession     bool
}

// CreateSession runs a CreateSessionBatch in a single transaction.
// It assigns IDs to the session and violations when unset.
func (s *Store) CreateSession(ctx context.Context, batch CreateSessionBatch) error {
	ctx, cancel := s.ensureContext(ctx)
	defer cancel()

	sess := batch.Session
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if batch.StopPrior != nil {
		if _, err := stopSessionExec(ctx, tx, *batch.StopPrior); err != nil {
			return fmt.Errorf("failed to close prior segment %s: %w", batch.StopPrior.SessionID, err)
		}
	}

	if err := insertSession(ctx, tx, sess); err != nil {
		return fmt.Errorf("failed to insert session %s: %w", sess.ID, err)
	}

	for i := range batch.Violations {
		v := &batch.Violations[i]
		if v.ID == "" {
			v.ID = uuid.NewString()
		}
		if v.SessionID == "" {
			v.SessionID = sess.ID
		}
		if err := insertViolation(ctx, tx, v); err != nil {
			return fmt.Errorf("failed to insert violation for rule %s: %w", v.RuleID, err)
		}
	}

	return tx.Commit()
}

func insertSession(ctx context.Context, tx *sql.Tx, sess *models.Session) error {
	query := `INSERT INTO sessions (` + sessionColumns + `) VALUES (
		?, ?, ?, ?, ?, ?,
		?, ?, ?,
		?, ?,
		?, ?, ?,
		?, ?, ?, ?,
		?, ?, ?, ?, ?, ?,
		?, ?, ?, ?, ?, ?,
		?, ?, ?, ?, ?,
		?, ?, ?, ?, ?, ?
	)`

	_, err := tx.ExecContext(ctx, query,
		sess.ID, sess.ServerID, sess.SessionKey, sess.UserID, sess.Username, string(sess.State),
		sess.StartedAt.UTC(), nullTime(sess.StoppedAt), sess.LastSeenAt.UTC(),
		sess.PausedDurationMs, nullTime(sess.LastPausedAt),
		sess.ProgressMs, sess.TotalDurationMs, sess.DurationMs,
		nullString(sess.ReferenceID), sess.Watched, sess.ForceStopped, sess.ShortSession,
		sess.Media.ContentKey, sess.Media.MediaType, sess.Media.Title, sess.Media.GrandparentTitle,
		sess.Media.Season, sess.Media.Episode,
		sess.Network.IPAddress, sess.Network.City, sess.Network.Region, sess.Network.Country,
		sess.Network.Latitude, sess.Network.Longitude,
		sess.Device.DeviceID, sess.Device.Platform, sess.Device.Product, sess.Device.Player, sess.Device.Version,
		sess.Stream.Decision, sess.Stream.Container, sess.Stream.VideoCodec, sess.Stream.AudioCodec,
		sess.Stream.Resolution, sess.Stream.BitrateKbps,
	)
	return err
}

// StopSession conditionally closes a session. The WHERE stopped_at IS NULL
// guard makes concurrent closers race safely: exactly one wins, and the
// caller can tell whether it was the winner from the return value. Losing
// closers must not publish a stop event.
func (s *Store) StopSession(ctx context.Context, req StopRequest) (bool, error) {
	ctx, cancel := s.ensureContext(ctx)
	defer cancel()
	return stopSessionExec(ctx, s.conn, req)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func stopSessionExec(ctx context.Context, db execer, req StopRequest) (bool, error) {
	query := `UPDATE sessions SET
		state = ?,
		stopped_at = ?,
		last_seen_at = ?,
		progress_ms = ?,
		paused_duration_ms = ?,
		duration_ms = ?,
		last_paused_at = NULL,
		watched = watched OR ?,
		force_stopped = ?,
		short_session = ?
	WHERE id = ? AND stopped_at IS NULL`

	res, err := db.ExecContext(ctx, query,
		string(models.StateStopped),
		req.StoppedAt.UTC(),
		req.StoppedAt.UTC(),
		req.ProgressMs,
		req.PausedDurationMs,
		req.DurationMs,
		req.Watched,
		req.ForceStopped,
		req.ShortSession,
		req.SessionID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to stop session %s: %w", req.SessionID, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return rows == 1, nil
}

// ProgressUpdate carries a continuing observation for an open session.
// Pause accounting is computed by the caller from the state transition.
type ProgressUpdate struct {
	SessionID        string
	State            models.SessionState
	LastSeenAt       time.Time
	ProgressMs       int64
	PausedDurationMs int64
	LastPausedAt     *time.Time
	Watched          bool
}

// UpdateProgress applies a ProgressUpdate to an open session. Watched only
// ever flips to true; the OR in the UPDATE keeps it sticky.
func (s *Store) UpdateProgress(ctx context.Context, upd ProgressUpdate) error {
	ctx, cancel := s.ensureContext(ctx)
	defer cancel()

	query := `UPDATE sessions SET
		state = ?,
		last_seen_at = ?,
		progress_ms = ?,
		paused_duration_ms = ?,
		last_paused_at = ?,
		watched = watched OR ?
	WHERE id = ? AND stopped_at IS NULL`

	res, err := s.conn.ExecContext(ctx, query,
		string(upd.State),
		upd.LastSeenAt.UTC(),
		upd.ProgressMs,
		upd.PausedDurationMs,
		nullTime(upd.LastPausedAt),
		upd.Watched,
		upd.SessionID,
	)
	if err != nil {
		return fmt.Errorf("failed to update session %s: %w", upd.SessionID, err)
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

// GetSession fetches a session by ID.
func (s *Store) GetSession(ctx context.Context, id string) (*models.Session, error) {
	ctx, cancel := s.ensureContext(ctx)
	defer cancel()

	row := s.conn.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sess, err
}

// GetOpenSessionByKey fetches the open session for a (server, session key)
// pair, or ErrNotFound. At most one such row exists; the lifecycle lock
// guarantees it.
func (s *Store) GetOpenSessionByKey(ctx context.Context, serverID, sessionKey string) (*models.Session, error) {
	ctx, cancel := s.ensureContext(ctx)
	defer cancel()

	row := s.conn.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		WHERE server_id = ? AND session_key = ? AND stopped_at IS NULL`,
		serverID, sessionKey)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sess, err
}

// ListOpenSessions returns all open sessions, optionally scoped to one server.
func (s *Store) ListOpenSessions(ctx context.Context, serverID string) ([]*models.Session, error) {
	ctx, cancel := s.ensureContext(ctx)
	defer cancel()

	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE stopped_at IS NULL`
	args := []any{}
	if serverID != "" {
		query += ` AND server_id = ?`
		args = append(args, serverID)
	}
	query += ` ORDER BY started_at`

	return s.querySessions(ctx, query, args...)
}

// ListOpenSessionsByUser returns the user's open sessions, newest first.
func (s *Store) ListOpenSessionsByUser(ctx context.Context, userID string) ([]*models.Session, error) {
	ctx, cancel := s.ensureContext(ctx)
	defer cancel()

	return s.querySessions(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		WHERE user_id = ? AND stopped_at IS NULL
		ORDER BY started_at DESC`, userID)
}

// ListRecentSessionsByUser returns the user's sessions started after the
// cutoff, newest first, open and closed alike. Rule evaluation and resume
// matching both read this window.
func (s *Store) ListRecentSessionsByUser(ctx context.Context, userID string, since time.Time) ([]*models.Session, error) {
	ctx, cancel := s.ensureContext(ctx)
	defer cancel()

	return s.querySessions(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		WHERE user_id = ? AND started_at >= ?
		ORDER BY started_at DESC`, userID, since.UTC())
}

// ListRecentClosedByUser returns the user's closed sessions stopped after
// the cutoff, newest stop first. Resume matching walks this list.
func (s *Store) ListRecentClosedByUser(ctx context.Context, userID string, since time.Time) ([]*models.Session, error) {
	ctx, cancel := s.ensureContext(ctx)
	defer cancel()

	return s.querySessions(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		WHERE user_id = ? AND stopped_at IS NOT NULL AND stopped_at >= ?
		ORDER BY stopped_at DESC`, userID, since.UTC())
}

// ListStaleSessions returns open sessions not seen since the cutoff.
func (s *Store) ListStaleSessions(ctx context.Context, lastSeenBefore time.Time) ([]*models.Session, error) {
	ctx, cancel := s.ensureContext(ctx)
	defer cancel()

	return s.querySessions(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		WHERE stopped_at IS NULL AND last_seen_at < ?
		ORDER BY last_seen_at`, lastSeenBefore.UTC())
}

func (s *Store) querySessions(ctx context.Context, query string, args ...any) ([]*models.Session, error) {
	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var sessions []*models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	var (
		sess         models.Session
		state        string
		stoppedAt    sql.NullTime
		lastPausedAt sql.NullTime
		referenceID  sql.NullString
		city         sql.NullString
		region       sql.NullString
		country      sql.NullString
		grandparent  sql.NullString
		devPlatform  sql.NullString
		devProduct   sql.NullString
		devPlayer    sql.NullString
		devVersion   sql.NullString
		strDecision  sql.NullString
		strContainer sql.NullString
		strVideo     sql.NullString
		strAudio     sql.NullString
		strRes       sql.NullString
	)

	err := row.Scan(
		&sess.ID, &sess.ServerID, &sess.SessionKey, &sess.UserID, &sess.Username, &state,
		&sess.StartedAt, &stoppedAt, &sess.LastSeenAt,
		&sess.PausedDurationMs, &lastPausedAt,
		&sess.ProgressMs, &sess.TotalDurationMs, &sess.DurationMs,
		&referenceID, &sess.Watched, &sess.ForceStopped, &sess.ShortSession,
		&sess.Media.ContentKey, &sess.Media.MediaType, &sess.Media.Title, &grandparent,
		&sess.Media.Season, &sess.Media.Episode,
		&sess.Network.IPAddress, &city, &region, &country,
		&sess.Network.Latitude, &sess.Network.Longitude,
		&sess.Device.DeviceID, &devPlatform, &devProduct, &devPlayer, &devVersion,
		&strDecision, &strContainer, &strVideo, &strAudio,
		&strRes, &sess.Stream.BitrateKbps,
	)
	if err != nil {
		return nil, err
	}

	sess.State = models.SessionState(state)
	if stoppedAt.Valid {
		t := stoppedAt.Time
		sess.StoppedAt = &t
	}
	if lastPausedAt.Valid {
		t := lastPausedAt.Time
		sess.LastPausedAt = &t
	}
	if referenceID.Valid && referenceID.String != "" {
		ref := referenceID.String
		sess.ReferenceID = &ref
	}
	sess.Media.GrandparentTitle = grandparent.String
	sess.Network.City = city.String
	sess.Network.Region = region.String
	sess.Network.Country = country.String
	sess.Device.Platform = devPlatform.String
	sess.Device.Product = devProduct.String
	sess.Device.Player = devPlayer.String
	sess.Device.Version = devVersion.String
	sess.Stream.Decision = strDecision.String
	sess.Stream.Container = strContainer.String
	sess.Stream.VideoCodec = strVideo.String
	sess.Stream.AudioCodec = strAudio.String
	sess.Stream.Resolution = strRes.String

	return &sess, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
