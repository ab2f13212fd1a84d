// Streamwarden - Media Server Session Tracking and Sharing Detection
// Copyright 2026 Streamwarden contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

// Package locker provides the short-TTL mutual exclusion guarding session
// creation. Locks are keyed by (server, session-key) and expire
// independently of holder liveness, so a crash while holding a lock delays
// the key by at most one TTL.
//
// Two implementations exist: Memory for single-process deployments and
// tests, and NATS for multi-process deployments sharing a JetStream
// key-value bucket.
package locker

import (
	"context"
	"errors"
	"time"
)

// ErrTimeout is returned when a lock could not be acquired within the
// context deadline. Callers defer the guarded work to the next tick; the
// snapshot is not lost.
var ErrTimeout = errors.New("lock acquisition timed out")

// Token identifies one successful acquisition. Release with a token that is
// not the current holder's is a no-op, so a holder whose lock already
// expired cannot release a successor's lock.
type Token struct {
	Key      string
	HolderID string

	// rev is the KV revision for the NATS implementation; zero otherwise.
	rev uint64
}

// Locker is the create-lock interface consumed by the lifecycle manager.
type Locker interface {
	// Acquire obtains the lock for key with the given TTL, waiting until
	// the context deadline. Returns ErrTimeout when the deadline passes
	// while the lock is held elsewhere.
	Acquire(ctx context.Context, key string, ttl time.Duration) (Token, error)

	// Release frees the lock if token still holds it. Safe to call after
	// TTL expiry; releasing a lock someone else re-acquired is a no-op.
	Release(ctx context.Context, token Token) error
}

// CreateKey builds the lock key for a (server, session-key) pair.
func CreateKey(serverID, sessionKey string) string {
	return "create." + serverID + "." + sessionKey
}
