// Streamwarden - Media Server Session Tracking and Sharing Detection
// Copyright 2026 Streamwarden contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

// Package store persists sessions, rules, and violations in DuckDB.
//
// All timestamps are stored in UTC. The sessions table keys the lifecycle:
// an open session has stopped_at IS NULL, and closing is a conditional
// UPDATE so concurrent closers cannot double-close a row.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/streamwarden/streamwarden/internal/logging"
)

// Config holds DuckDB connection settings.
type Config struct {
	// Path is the database file path, or ":memory:" for tests.
	Path string

	// Threads caps DuckDB worker threads. Zero means runtime.NumCPU().
	Threads int

	// MaxMemory is the DuckDB memory limit, e.g. "512MB".
	MaxMemory string

	// QueryTimeout bounds individual statements when the caller's
	// context has no deadline of its own.
	QueryTimeout time.Duration
}

const defaultQueryTimeout = 30 * time.Second

// Store wraps the DuckDB connection and owns the schema.
type Store struct {
	conn         *sql.DB
	queryTimeout time.Duration
}

// New opens (or creates) the database at cfg.Path and initializes the schema.
func New(cfg Config) (*Store, error) {
	numThreads := cfg.Threads
	if numThreads <= 0 {
		numThreads = runtime.NumCPU()
	}
	maxMemory := cfg.MaxMemory
	if maxMemory == "" {
		maxMemory = "512MB"
	}

	// Ensure the parent directory exists so file-backed databases can be
	// created on first run. 0750 per gosec G301.
	if cfg.Path != ":memory:" {
		dbDir := filepath.Dir(cfg.Path)
		if dbDir != "" && dbDir != "." {
			if err := os.MkdirAll(dbDir, 0o750); err != nil {
				return nil, fmt.Errorf("failed to create database directory %s: %w", dbDir, err)
			}
		}
	}

	// Disable auto-install/auto-load so startup never reaches for the
	// network in restricted environments.
	connStr := fmt.Sprintf("%s?access_mode=read_write&threads=%d&max_memory=%s&autoinstall_known_extensions=false&autoload_known_extensions=false",
		cfg.Path, numThreads, maxMemory)

	conn, err := sql.Open("duckdb", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	timeout := cfg.QueryTimeout
	if timeout <= 0 {
		timeout = defaultQueryTimeout
	}

	s := &Store{conn: conn, queryTimeout: timeout}

	// DuckDB is embedded and single-writer; a small pool avoids write
	// contention while still allowing concurrent reads.
	conn.SetMaxOpenConns(4)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(0)

	if err := s.createSchema(); err != nil {
		closeQuietly(conn)
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logging.Info().Str("path", cfg.Path).Int("threads", numThreads).Msg("Database ready")
	return s, nil
}

// NewMemory opens an in-memory store for tests.
func NewMemory() (*Store, error) {
	return New(Config{Path: ":memory:"})
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.conn.Close()
}

// Ping verifies connectivity, used by health checks.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.ensureContext(ctx)
	defer cancel()
	return s.conn.PingContext(ctx)
}

// ensureContext attaches the store's query timeout when the caller's
// context has no deadline.
func (s *Store) ensureContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.queryTimeout)
}

func closeQuietly(conn *sql.DB) {
	if err := conn.Close(); err != nil {
		logging.Warn().Err(err).Msg("Failed to close database connection")
	}
}
