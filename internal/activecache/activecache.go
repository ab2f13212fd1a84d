// Streamwarden - Media Server Session Tracking and Sharing Detection
// Copyright 2026 Streamwarden contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

// Package activecache keeps a TTL projection of open sessions, the fast
// read surface handed to dashboards and other processes that should not
// query the store per request. It is never the source of truth; the
// sessions table is, and the poller reconciles against the store's open
// rows directly. Entries expire so a crashed writer cannot pin a phantom
// session forever.
package activecache

import (
	"strings"
	"sync"
	"time"

	"github.com/streamwarden/streamwarden/internal/models"
)

const cleanupInterval = 1 * time.Minute

type entry struct {
	session   *models.CachedActiveSession
	expiresAt time.Time
}

// Stats tracks cache behavior for metrics scraping.
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	TotalKeys int64
}

// Cache is a thread-safe TTL map of open-session projections keyed by
// "serverID:sessionKey".
type Cache struct {
	mu      sync.RWMutex
	entries map[string]entry
	ttl     time.Duration

	statsMu sync.Mutex
	stats   Stats

	done chan struct{}
}

// New creates the cache and starts its cleanup loop. TTL should exceed the
// poll interval by a comfortable margin so healthy sessions never expire
// between refreshes.
func New(ttl time.Duration) *Cache {
	c := &Cache{
		entries: make(map[string]entry),
		ttl:     ttl,
		done:    make(chan struct{}),
	}
	go c.cleanupLoop()
	return c
}

// Close stops the cleanup loop.
func (c *Cache) Close() {
	close(c.done)
}

// Put stores (or refreshes) the projection for an open session.
func (c *Cache) Put(s *models.CachedActiveSession) {
	key := s.ServerID + ":" + s.SessionKey
	c.mu.Lock()
	c.entries[key] = entry{session: s, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()
}

// Get returns the projection for a (server, session key) pair.
func (c *Cache) Get(serverID, sessionKey string) (*models.CachedActiveSession, bool) {
	key := serverID + ":" + sessionKey
	c.mu.RLock()
	e, exists := c.entries[key]
	c.mu.RUnlock()

	if !exists {
		c.recordMiss()
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		c.recordMiss()
		c.recordEviction()
		return nil, false
	}
	c.recordHit()
	return e.session, true
}

// Remove evicts a session after it closes.
func (c *Cache) Remove(serverID, sessionKey string) {
	key := serverID + ":" + sessionKey
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Keys returns the unexpired session keys for one server, a cheap
// is-this-open hint for consumers that do not need the full projection.
func (c *Cache) Keys(serverID string) []string {
	prefix := serverID + ":"
	now := time.Now()

	c.mu.RLock()
	defer c.mu.RUnlock()

	var keys []string
	for key, e := range c.entries {
		if strings.HasPrefix(key, prefix) && now.Before(e.expiresAt) {
			keys = append(keys, strings.TrimPrefix(key, prefix))
		}
	}
	return keys
}

// List returns all unexpired projections, for the active-sessions view.
func (c *Cache) List() []*models.CachedActiveSession {
	now := time.Now()

	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*models.CachedActiveSession, 0, len(c.entries))
	for _, e := range c.entries {
		if now.Before(e.expiresAt) {
			out = append(out, e.session)
		}
	}
	return out
}

// GetStats returns a snapshot of cache counters.
func (c *Cache) GetStats() Stats {
	c.mu.RLock()
	total := int64(len(c.entries))
	c.mu.RUnlock()

	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	s := c.stats
	s.TotalKeys = total
	return s
}

func (c *Cache) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.cleanup()
		case <-c.done:
			return
		}
	}
}

func (c *Cache) cleanup() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, key)
			c.recordEviction()
		}
	}
}

func (c *Cache) recordHit() {
	c.statsMu.Lock()
	c.stats.Hits++
	c.statsMu.Unlock()
}

func (c *Cache) recordMiss() {
	c.statsMu.Lock()
	c.stats.Misses++
	c.statsMu.Unlock()
}

func (c *Cache) recordEviction() {
	c.statsMu.Lock()
	c.stats.Evictions++
	c.statsMu.Unlock()
}
