// Streamwarden - Media Server Session Tracking and Sharing Detection
// Copyright 2026 Streamwarden contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/streamwarden/streamwarden/internal/logging"
)

// StreamConfig describes the JetStream stream that carries all events.
type StreamConfig struct {
	Name            string
	MaxAge          time.Duration
	MaxBytes        int64
	MaxMsgs         int64
	DuplicateWindow time.Duration
	Replicas        int
}

// DefaultStreamConfig returns production defaults: a week of events with a
// two-minute dedup window.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		Name:            "STREAMWARDEN_EVENTS",
		MaxAge:          7 * 24 * time.Hour,
		MaxBytes:        1 << 30,
		MaxMsgs:         -1,
		DuplicateWindow: 2 * time.Minute,
		Replicas:        1,
	}
}

// EnsureStream creates or updates the events stream. Run once at startup
// before the publisher is used; AutoProvision stays off so publisher
// settings can never drift the stream config.
func EnsureStream(ctx context.Context, nc *nats.Conn, cfg StreamConfig) error {
	js, err := jetstream.New(nc)
	if err != nil {
		return fmt.Errorf("create JetStream context: %w", err)
	}

	streamCfg := jetstream.StreamConfig{
		Name:       cfg.Name,
		Subjects:   StreamSubjects,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     cfg.MaxAge,
		MaxBytes:   cfg.MaxBytes,
		MaxMsgs:    cfg.MaxMsgs,
		Duplicates: cfg.DuplicateWindow,
		Replicas:   cfg.Replicas,
		Storage:    jetstream.FileStorage,
		Discard:    jetstream.DiscardOld,
	}

	_, err = js.Stream(ctx, cfg.Name)
	if errors.Is(err, jetstream.ErrStreamNotFound) {
		if _, err := js.CreateStream(ctx, streamCfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		logging.Info().Str("stream", cfg.Name).Msg("Created events stream")
		return nil
	}
	if err != nil {
		return fmt.Errorf("look up stream %s: %w", cfg.Name, err)
	}

	if _, err := js.UpdateStream(ctx, streamCfg); err != nil {
		return fmt.Errorf("update stream %s: %w", cfg.Name, err)
	}
	logging.Debug().Str("stream", cfg.Name).Msg("Events stream configuration applied")
	return nil
}
