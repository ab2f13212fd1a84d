// Streamwarden - Media Server Session Tracking and Sharing Detection
// Copyright 2026 Streamwarden contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

package poller

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/streamwarden/streamwarden/internal/models"
)

// HTTPProducer fetches normalized snapshots from a bridge endpoint.
//
// The bridge contract is deliberately vendor-free: an agent next to the
// media server (or a sidecar translating Plex/Jellyfin/Emby payloads)
// serves GET /sessions as a JSON array of NormalizedSnapshot and GET
// /health returning 200. All vendor API mechanics live on the far side of
// that contract.
type HTTPProducer struct {
	serverID   string
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewHTTPProducer builds the bridge producer for one server.
func NewHTTPProducer(serverID, baseURL, token string, timeout time.Duration) *HTTPProducer {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPProducer{
		serverID: serverID,
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		token:    token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// ServerID implements SnapshotProducer.
func (p *HTTPProducer) ServerID() string {
	return p.serverID
}

// FetchActiveSessions implements SnapshotProducer. Snapshots missing a
// server ID or observation time are stamped here so downstream code can
// rely on both.
func (p *HTTPProducer) FetchActiveSessions(ctx context.Context) ([]*models.NormalizedSnapshot, error) {
	resp, err := p.doRequest(ctx, "/sessions")
	if err != nil {
		return nil, fmt.Errorf("sessions request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if readErr != nil {
			return nil, fmt.Errorf("sessions returned status %d (failed to read body)", resp.StatusCode)
		}
		return nil, fmt.Errorf("sessions returned status %d: %s", resp.StatusCode, string(body))
	}

	var snaps []*models.NormalizedSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snaps); err != nil {
		return nil, fmt.Errorf("failed to decode snapshots: %w", err)
	}

	now := time.Now().UTC()
	for _, s := range snaps {
		if s.ServerID == "" {
			s.ServerID = p.serverID
		}
		if s.ObservedAt.IsZero() {
			s.ObservedAt = now
		}
	}
	return snaps, nil
}

// Probe implements SnapshotProducer.
func (p *HTTPProducer) Probe(ctx context.Context) error {
	resp, err := p.doRequest(ctx, "/health")
	if err != nil {
		return fmt.Errorf("health request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health returned status %d", resp.StatusCode)
	}
	return nil
}

func (p *HTTPProducer) doRequest(ctx context.Context, endpoint string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+endpoint, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}
	return p.httpClient.Do(req)
}
