// Streamwarden - Media Server Session Tracking and Sharing Detection
// Copyright 2026 Streamwarden contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

package locker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// DefaultLockBucket is the JetStream key-value bucket holding create-locks.
const DefaultLockBucket = "streamwarden_locks"

// NATS is a Locker backed by a JetStream key-value bucket. Mutual exclusion
// comes from KV Create semantics: exactly one writer can create a key that
// does not exist. Per-key TTLs make the lock self-expiring, covering
// crash-while-held without a reaper.
type NATS struct {
	kv jetstream.KeyValue
}

// NewNATS creates a NATS-backed locker on the given connection, creating the
// lock bucket if it does not exist. maxTTL bounds the per-key TTLs the
// bucket will accept and should be comfortably above the configured lock
// TTL.
func NewNATS(ctx context.Context, nc *nats.Conn, bucket string, maxTTL time.Duration) (*NATS, error) {
	if bucket == "" {
		bucket = DefaultLockBucket
	}

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:         bucket,
		Description:    "Streamwarden session create-locks",
		History:        1,
		LimitMarkerTTL: maxTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("create lock bucket %s: %w", bucket, err)
	}

	return &NATS{kv: kv}, nil
}

// Acquire implements Locker.
func (n *NATS) Acquire(ctx context.Context, key string, ttl time.Duration) (Token, error) {
	holderID := uuid.NewString()

	for {
		rev, err := n.kv.Create(ctx, key, []byte(holderID), jetstream.KeyTTL(ttl))
		if err == nil {
			return Token{Key: key, HolderID: holderID, rev: rev}, nil
		}
		if !errors.Is(err, jetstream.ErrKeyExists) {
			if ctx.Err() != nil {
				return Token{}, ErrTimeout
			}
			return Token{}, fmt.Errorf("create lock key %s: %w", key, err)
		}

		select {
		case <-ctx.Done():
			return Token{}, ErrTimeout
		case <-time.After(retryInterval):
		}
	}
}

// Release implements Locker. The delete is revision-checked so a holder
// whose lock expired and was re-acquired elsewhere cannot release the new
// holder's lock; that case is treated as already released.
func (n *NATS) Release(ctx context.Context, token Token) error {
	err := n.kv.Delete(ctx, token.Key, jetstream.LastRevision(token.rev))
	if err == nil || errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil
	}
	// Revision mismatch: the TTL expired and someone else holds the key.
	var apiErr *jetstream.APIError
	if errors.As(err, &apiErr) {
		return nil
	}
	return fmt.Errorf("release lock key %s: %w", token.Key, err)
}
