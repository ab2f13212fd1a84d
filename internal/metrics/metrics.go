// Streamwarden - Media Server Session Tracking and Sharing Detection
// Copyright 2026 Streamwarden contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

// Package metrics exposes Prometheus instrumentation for session
// lifecycle, polling, rule evaluation, and event publishing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session lifecycle
	SessionsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamwarden_sessions_created_total",
			Help: "Sessions created, labeled by how they opened",
		},
		[]string{"server_id", "kind"}, // new, quality_changed, media_changed, resumed
	)

	SessionsStopped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamwarden_sessions_stopped_total",
			Help: "Sessions closed, labeled by closer",
		},
		[]string{"server_id", "reason"}, // stopped, vanished, swept, server_down
	)

	SessionsOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "streamwarden_sessions_open",
			Help: "Open sessions currently tracked per server",
		},
		[]string{"server_id"},
	)

	CreateLockWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "streamwarden_create_lock_wait_seconds",
			Help:    "Time spent waiting for the per-session create lock",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
	)

	CreateLockTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "streamwarden_create_lock_timeouts_total",
			Help: "Create-lock acquisitions abandoned at the deadline",
		},
	)

	// Polling
	PollDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "streamwarden_poll_duration_seconds",
			Help:    "Duration of one poll cycle per server",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"server_id"},
	)

	PollErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamwarden_poll_errors_total",
			Help: "Failed poll fetches per server",
		},
		[]string{"server_id"},
	)

	PollSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamwarden_poll_skipped_total",
			Help: "Poll ticks skipped because the previous cycle was still running",
		},
		[]string{"server_id"},
	)

	ServerUp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "streamwarden_server_up",
			Help: "1 when the media server is reachable, 0 when marked down",
		},
		[]string{"server_id"},
	)

	// Rule evaluation
	RuleEvaluations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamwarden_rule_evaluations_total",
			Help: "Rule evaluations per rule type",
		},
		[]string{"rule_type"},
	)

	RuleViolations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamwarden_rule_violations_total",
			Help: "Violations recorded per rule type and severity",
		},
		[]string{"rule_type", "severity"},
	)

	RuleEvaluationErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamwarden_rule_evaluation_errors_total",
			Help: "Rules that failed to evaluate (bad params, decode errors)",
		},
		[]string{"rule_type"},
	)

	// Sweeper
	SweptSessions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "streamwarden_swept_sessions_total",
			Help: "Stale open sessions force-closed by the sweeper",
		},
	)

	// Event publishing
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamwarden_events_published_total",
			Help: "Events published to the bus per topic",
		},
		[]string{"topic"},
	)

	EventPublishErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamwarden_event_publish_errors_total",
			Help: "Event publish failures per topic, including breaker rejections",
		},
		[]string{"topic"},
	)

	// Active-session cache
	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "streamwarden_active_cache_hits_total",
			Help: "Active-session cache hits",
		},
	)

	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "streamwarden_active_cache_misses_total",
			Help: "Active-session cache misses",
		},
	)
)

// RecordSessionCreated increments the create counter for one open kind.
func RecordSessionCreated(serverID, kind string) {
	SessionsCreated.WithLabelValues(serverID, kind).Inc()
}

// RecordSessionStopped increments the stop counter for one close reason.
func RecordSessionStopped(serverID, reason string) {
	SessionsStopped.WithLabelValues(serverID, reason).Inc()
}

// RecordPoll observes one completed poll cycle.
func RecordPoll(serverID string, duration time.Duration, err error) {
	PollDuration.WithLabelValues(serverID).Observe(duration.Seconds())
	if err != nil {
		PollErrors.WithLabelValues(serverID).Inc()
	}
}

// RecordLockWait observes one successful lock acquisition.
func RecordLockWait(duration time.Duration) {
	CreateLockWait.Observe(duration.Seconds())
}

// RecordViolation increments the violation counter.
func RecordViolation(ruleType, severity string) {
	RuleViolations.WithLabelValues(ruleType, severity).Inc()
}

// RecordPublish increments the per-topic publish counter.
func RecordPublish(topic string) {
	EventsPublished.WithLabelValues(topic).Inc()
}

// RecordPublishError increments the per-topic publish failure counter.
func RecordPublishError(topic string) {
	EventPublishErrors.WithLabelValues(topic).Inc()
}

// SetServerUp flips the reachability gauge for a server.
func SetServerUp(serverID string, up bool) {
	v := 0.0
	if up {
		v = 1.0
	}
	ServerUp.WithLabelValues(serverID).Set(v)
}
