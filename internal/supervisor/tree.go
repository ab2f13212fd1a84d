// Streamwarden - Media Server Session Tracking and Sharing Detection
// Copyright 2026 Streamwarden contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

// Package supervisor builds the suture tree that keeps the pollers, the
// sweeper, and the metrics listener running. Layers isolate failures: a
// crashing poller restarts without touching the sweeper or metrics.
package supervisor

import (
	"context"
	"log/slog"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"
)

// TreeConfig holds supervisor tuning. Zero values take suture's defaults.
type TreeConfig struct {
	// FailureThreshold is the failure count before entering backoff.
	FailureThreshold float64

	// FailureDecay is the rate at which failures decay, in seconds.
	FailureDecay float64

	// FailureBackoff is how long to wait once the threshold is exceeded.
	FailureBackoff time.Duration

	// ShutdownTimeout bounds graceful shutdown per service.
	ShutdownTimeout time.Duration
}

// DefaultTreeConfig returns suture's documented defaults.
func DefaultTreeConfig() TreeConfig {
	return TreeConfig{
		FailureThreshold: 5.0,
		FailureDecay:     30.0,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

// Tree is the supervisor hierarchy: polling (one service per media
// server), maintenance (sweeper, cache), and serving (metrics listener).
type Tree struct {
	root        *suture.Supervisor
	polling     *suture.Supervisor
	maintenance *suture.Supervisor
	serving     *suture.Supervisor
	config      TreeConfig
}

// NewTree creates the supervisor tree. The slog logger should wrap the
// process zerolog logger so supervisor events land in the same stream.
func NewTree(logger *slog.Logger, config TreeConfig) *Tree {
	d := DefaultTreeConfig()
	if config.FailureThreshold == 0 {
		config.FailureThreshold = d.FailureThreshold
	}
	if config.FailureDecay == 0 {
		config.FailureDecay = d.FailureDecay
	}
	if config.FailureBackoff == 0 {
		config.FailureBackoff = d.FailureBackoff
	}
	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = d.ShutdownTimeout
	}

	// sutureslog: MustHook has a pointer receiver, take the address.
	handler := &sutureslog.Handler{Logger: logger}
	eventHook := handler.MustHook()

	rootSpec := suture.Spec{
		EventHook:        eventHook,
		FailureThreshold: config.FailureThreshold,
		FailureDecay:     config.FailureDecay,
		FailureBackoff:   config.FailureBackoff,
		Timeout:          config.ShutdownTimeout,
	}
	childSpec := suture.Spec{
		FailureThreshold: config.FailureThreshold,
		FailureDecay:     config.FailureDecay,
		FailureBackoff:   config.FailureBackoff,
		Timeout:          config.ShutdownTimeout,
	}

	root := suture.New("streamwarden", rootSpec)
	polling := suture.New("polling-layer", childSpec)
	maintenance := suture.New("maintenance-layer", childSpec)
	serving := suture.New("serving-layer", childSpec)

	root.Add(polling)
	root.Add(maintenance)
	root.Add(serving)

	return &Tree{
		root:        root,
		polling:     polling,
		maintenance: maintenance,
		serving:     serving,
		config:      config,
	}
}

// AddPoller adds one server poller to the polling layer.
func (t *Tree) AddPoller(svc suture.Service) suture.ServiceToken {
	return t.polling.Add(svc)
}

// AddMaintenance adds the sweeper or other background maintenance.
func (t *Tree) AddMaintenance(svc suture.Service) suture.ServiceToken {
	return t.maintenance.Add(svc)
}

// AddServing adds a listener service, such as the metrics endpoint.
func (t *Tree) AddServing(svc suture.Service) suture.ServiceToken {
	return t.serving.Add(svc)
}

// Serve runs the tree until the context is canceled.
func (t *Tree) Serve(ctx context.Context) error {
	return t.root.Serve(ctx)
}

// ServeBackground runs the tree in a goroutine; the channel reports the
// terminal error.
func (t *Tree) ServeBackground(ctx context.Context) <-chan error {
	return t.root.ServeBackground(ctx)
}

// UnstoppedServiceReport lists services that missed the shutdown timeout.
func (t *Tree) UnstoppedServiceReport() ([]suture.UnstoppedService, error) {
	return t.root.UnstoppedServiceReport()
}
