// Streamwarden - Media Server Session Tracking and Sharing Detection
// Copyright 2026 Streamwarden contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

package locker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// retryInterval is how often a blocked Acquire re-attempts the lock.
const retryInterval = 10 * time.Millisecond

type memoryEntry struct {
	holderID  string
	expiresAt time.Time
}

// Memory is an in-process Locker. It provides the same semantics as the
// NATS implementation (TTL expiry, holder-checked release) without external
// dependencies, for single-node deployments and tests.
type Memory struct {
	mu    sync.Mutex
	locks map[string]memoryEntry
	now   func() time.Time
}

// NewMemory creates an in-process locker.
func NewMemory() *Memory {
	return &Memory{
		locks: make(map[string]memoryEntry),
		now:   time.Now,
	}
}

// Acquire implements Locker.
func (m *Memory) Acquire(ctx context.Context, key string, ttl time.Duration) (Token, error) {
	holderID := uuid.NewString()

	for {
		if m.tryAcquire(key, holderID, ttl) {
			return Token{Key: key, HolderID: holderID}, nil
		}

		select {
		case <-ctx.Done():
			return Token{}, ErrTimeout
		case <-time.After(retryInterval):
		}
	}
}

func (m *Memory) tryAcquire(key, holderID string, ttl time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if entry, held := m.locks[key]; held && entry.expiresAt.After(now) {
		return false
	}
	m.locks[key] = memoryEntry{holderID: holderID, expiresAt: now.Add(ttl)}
	return true
}

// Release implements Locker.
func (m *Memory) Release(_ context.Context, token Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, held := m.locks[token.Key]; held && entry.holderID == token.HolderID {
		delete(m.locks, token.Key)
	}
	return nil
}
