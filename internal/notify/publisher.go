// Streamwarden - Media Server Session Tracking and Sharing Detection
// Copyright 2026 Streamwarden contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	natsgo "github.com/nats-io/nats.go"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/streamwarden/streamwarden/internal/identity"
	"github.com/streamwarden/streamwarden/internal/logging"
	"github.com/streamwarden/streamwarden/internal/metrics"
	"github.com/streamwarden/streamwarden/internal/models"
)

// Config holds publisher settings.
type Config struct {
	// URL is the NATS server URL. Empty selects the in-process
	// gochannel bus, used by tests and single-binary deployments.
	URL string

	MaxReconnects   int
	ReconnectWait   time.Duration
	ReconnectBuffer int

	// BreakerThreshold is the consecutive-failure count that opens the
	// circuit; publishes then fail fast until the bus recovers.
	BreakerThreshold uint32
	BreakerTimeout   time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxReconnects == 0 {
		c.MaxReconnects = -1
	}
	if c.ReconnectWait <= 0 {
		c.ReconnectWait = 2 * time.Second
	}
	if c.ReconnectBuffer <= 0 {
		c.ReconnectBuffer = 8 * 1024 * 1024
	}
	if c.BreakerThreshold == 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerTimeout <= 0 {
		c.BreakerTimeout = 30 * time.Second
	}
}

// Notifier publishes events with circuit breaker protection. Publish
// failures are reported to the caller but must never roll back the
// database work they describe.
type Notifier struct {
	publisher message.Publisher
	breaker   *gobreaker.CircuitBreaker[any]

	mu     sync.RWMutex
	closed bool
}

// New builds a Notifier for the configured transport.
func New(cfg Config) (*Notifier, error) {
	cfg.applyDefaults()

	var pub message.Publisher
	if cfg.URL == "" {
		pub = gochannel.NewGoChannel(gochannel.Config{}, newWatermillLogger())
	} else {
		var err error
		pub, err = newNATSPublisher(cfg)
		if err != nil {
			return nil, err
		}
	}

	breaker := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:    "notify-publish",
		Timeout: cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Publish circuit breaker state changed")
		},
	})

	return &Notifier{publisher: pub, breaker: breaker}, nil
}

// NewWithPublisher wraps an existing watermill publisher, used by tests.
func NewWithPublisher(pub message.Publisher) *Notifier {
	n, _ := New(Config{})
	n.publisher = pub
	return n
}

func newNATSPublisher(cfg Config) (message.Publisher, error) {
	logger := newWatermillLogger()

	natsOpts := []natsgo.Option{
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(cfg.MaxReconnects),
		natsgo.ReconnectWait(cfg.ReconnectWait),
		natsgo.ReconnectBufSize(cfg.ReconnectBuffer),
		natsgo.DisconnectErrHandler(func(nc *natsgo.Conn, err error) {
			if err != nil {
				logging.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logging.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}

	wmConfig := wmNats.PublisherConfig{
		URL:         cfg.URL,
		NatsOptions: natsOpts,
		Marshaler:   &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			Disabled:      false,
			AutoProvision: false, // stream is pre-created by EnsureStream
			TrackMsgId:    true,
			PublishOptions: []natsgo.PubOpt{
				natsgo.RetryAttempts(3),
				natsgo.RetryWait(100 * time.Millisecond),
			},
		},
	}

	pub, err := wmNats.NewPublisher(wmConfig, logger)
	if err != nil {
		return nil, fmt.Errorf("create watermill publisher: %w", err)
	}
	return pub, nil
}

// SessionStarted publishes a session_started event.
func (n *Notifier) SessionStarted(ctx context.Context, sess *models.Session, kind identity.Kind) error {
	ev := SessionEvent{
		SchemaVersion: SchemaVersion,
		EventID:       uuid.NewString(),
		Type:          EventSessionStarted,
		OccurredAt:    sess.StartedAt,
		Kind:          string(kind),
		Session:       sess,
	}
	return n.publish(ctx, TopicSessionStarted, ev.EventID, ev, map[string]string{
		"server_id": sess.ServerID,
		"user_id":   sess.UserID,
	})
}

// SessionStopped publishes a session_stopped event. Only the closer that
// won the conditional stop may call this.
func (n *Notifier) SessionStopped(ctx context.Context, sess *models.Session) error {
	occurred := time.Now().UTC()
	if sess.StoppedAt != nil {
		occurred = *sess.StoppedAt
	}
	ev := SessionEvent{
		SchemaVersion: SchemaVersion,
		EventID:       uuid.NewString(),
		Type:          EventSessionStopped,
		OccurredAt:    occurred,
		Session:       sess,
	}
	return n.publish(ctx, TopicSessionStopped, ev.EventID, ev, map[string]string{
		"server_id": sess.ServerID,
		"user_id":   sess.UserID,
	})
}

// ServerDown publishes a server_down event.
func (n *Notifier) ServerDown(ctx context.Context, serverID string, consecutiveFailures int) error {
	ev := ServerEvent{
		SchemaVersion:       SchemaVersion,
		EventID:             uuid.NewString(),
		Type:                EventServerDown,
		OccurredAt:          time.Now().UTC(),
		ServerID:            serverID,
		ConsecutiveFailures: consecutiveFailures,
	}
	return n.publish(ctx, TopicServerDown, ev.EventID, ev, map[string]string{"server_id": serverID})
}

// ServerUp publishes a server_up event.
func (n *Notifier) ServerUp(ctx context.Context, serverID string) error {
	ev := ServerEvent{
		SchemaVersion: SchemaVersion,
		EventID:       uuid.NewString(),
		Type:          EventServerUp,
		OccurredAt:    time.Now().UTC(),
		ServerID:      serverID,
	}
	return n.publish(ctx, TopicServerUp, ev.EventID, ev, map[string]string{"server_id": serverID})
}

// ViolationDetected publishes one violation_detected event per violation.
func (n *Notifier) ViolationDetected(ctx context.Context, v *models.Violation) error {
	ev := ViolationEvent{
		SchemaVersion: SchemaVersion,
		EventID:       uuid.NewString(),
		Type:          EventViolation,
		OccurredAt:    v.CreatedAt,
		Violation:     v,
	}
	return n.publish(ctx, TopicViolation, ev.EventID, ev, map[string]string{
		"rule_type": string(v.RuleType),
		"user_id":   v.UserID,
	})
}

func (n *Notifier) publish(ctx context.Context, topic, eventID string, payload any, metadata map[string]string) error {
	n.mu.RLock()
	if n.closed {
		n.mu.RUnlock()
		return fmt.Errorf("notifier is closed")
	}
	n.mu.RUnlock()

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	msg := message.NewMessage(eventID, data)
	msg.SetContext(ctx)
	for k, v := range metadata {
		msg.Metadata.Set(k, v)
	}
	// Nats-Msg-Id enables JetStream dedup inside the duplicate window.
	msg.Metadata.Set(natsgo.MsgIdHdr, eventID)

	_, err = n.breaker.Execute(func() (any, error) {
		return nil, n.publisher.Publish(topic, msg)
	})
	if err != nil {
		metrics.RecordPublishError(topic)
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	metrics.RecordPublish(topic)
	return nil
}

// Close shuts the underlying publisher down.
func (n *Notifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	n.closed = true
	return n.publisher.Close()
}
