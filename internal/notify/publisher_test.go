// Streamwarden - Media Server Session Tracking and Sharing Detection
// Copyright 2026 Streamwarden contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/goccy/go-json"

	"github.com/streamwarden/streamwarden/internal/identity"
	"github.com/streamwarden/streamwarden/internal/models"
)

var baseTime = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func testSession() *models.Session {
	return &models.Session{
		ID:         "sess-1",
		ServerID:   "srv-1",
		SessionKey: "k1",
		UserID:     "u1",
		Username:   "alice",
		State:      models.StatePlaying,
		StartedAt:  baseTime,
		LastSeenAt: baseTime,
		Media:      models.MediaIdentity{ContentKey: "c1", MediaType: "movie", Title: "Some Movie"},
		Network:    models.NetworkInfo{IPAddress: "203.0.113.10"},
		Device:     models.DeviceInfo{DeviceID: "dev-1"},
	}
}

func subscribe(t *testing.T, ch *gochannel.GoChannel, topic string) <-chan *message.Message {
	t.Helper()
	msgs, err := ch.Subscribe(context.Background(), topic)
	if err != nil {
		t.Fatalf("subscribe %s failed: %v", topic, err)
	}
	return msgs
}

func receive(t *testing.T, msgs <-chan *message.Message) *message.Message {
	t.Helper()
	select {
	case msg := <-msgs:
		msg.Ack()
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a message")
		return nil
	}
}

func TestSessionStartedEvent(t *testing.T) {
	ch := gochannel.NewGoChannel(gochannel.Config{}, newWatermillLogger())
	n := NewWithPublisher(ch)
	defer func() {
		if err := n.Close(); err != nil {
			t.Errorf("close failed: %v", err)
		}
	}()

	msgs := subscribe(t, ch, TopicSessionStarted)

	if err := n.SessionStarted(context.Background(), testSession(), identity.New); err != nil {
		t.Fatalf("SessionStarted failed: %v", err)
	}

	msg := receive(t, msgs)

	var ev SessionEvent
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		t.Fatalf("failed to decode event: %v", err)
	}
	if ev.SchemaVersion != SchemaVersion {
		t.Errorf("schema_version = %d, want %d", ev.SchemaVersion, SchemaVersion)
	}
	if ev.Type != EventSessionStarted || ev.Kind != "new" {
		t.Errorf("type = %s, kind = %s", ev.Type, ev.Kind)
	}
	if ev.Session == nil || ev.Session.ID != "sess-1" {
		t.Errorf("session payload = %+v", ev.Session)
	}
	if ev.EventID == "" || msg.UUID != ev.EventID {
		t.Errorf("event id %q should be the message UUID %q", ev.EventID, msg.UUID)
	}

	if got := msg.Metadata.Get("server_id"); got != "srv-1" {
		t.Errorf("server_id metadata = %q, want srv-1", got)
	}
	if got := msg.Metadata.Get("Nats-Msg-Id"); got != ev.EventID {
		t.Errorf("Nats-Msg-Id = %q, want the event id for dedup", got)
	}
}

func TestSessionStoppedEvent(t *testing.T) {
	ch := gochannel.NewGoChannel(gochannel.Config{}, newWatermillLogger())
	n := NewWithPublisher(ch)
	defer func() { _ = n.Close() }()

	msgs := subscribe(t, ch, TopicSessionStopped)

	sess := testSession()
	stoppedAt := baseTime.Add(time.Hour)
	sess.State = models.StateStopped
	sess.StoppedAt = &stoppedAt
	sess.DurationMs = time.Hour.Milliseconds()

	if err := n.SessionStopped(context.Background(), sess); err != nil {
		t.Fatalf("SessionStopped failed: %v", err)
	}

	var ev SessionEvent
	if err := json.Unmarshal(receive(t, msgs).Payload, &ev); err != nil {
		t.Fatalf("failed to decode event: %v", err)
	}
	if ev.Type != EventSessionStopped || ev.Kind != "" {
		t.Errorf("type = %s, kind = %q", ev.Type, ev.Kind)
	}
	if !ev.OccurredAt.Equal(stoppedAt) {
		t.Errorf("occurred_at = %v, want the stop time %v", ev.OccurredAt, stoppedAt)
	}
}

func TestServerEvents(t *testing.T) {
	ch := gochannel.NewGoChannel(gochannel.Config{}, newWatermillLogger())
	n := NewWithPublisher(ch)
	defer func() { _ = n.Close() }()

	downs := subscribe(t, ch, TopicServerDown)
	ups := subscribe(t, ch, TopicServerUp)

	if err := n.ServerDown(context.Background(), "srv-1", 3); err != nil {
		t.Fatalf("ServerDown failed: %v", err)
	}
	var down ServerEvent
	if err := json.Unmarshal(receive(t, downs).Payload, &down); err != nil {
		t.Fatalf("failed to decode event: %v", err)
	}
	if down.Type != EventServerDown || down.ServerID != "srv-1" || down.ConsecutiveFailures != 3 {
		t.Errorf("down event = %+v", down)
	}

	if err := n.ServerUp(context.Background(), "srv-1"); err != nil {
		t.Fatalf("ServerUp failed: %v", err)
	}
	var up ServerEvent
	if err := json.Unmarshal(receive(t, ups).Payload, &up); err != nil {
		t.Fatalf("failed to decode event: %v", err)
	}
	if up.Type != EventServerUp || up.ConsecutiveFailures != 0 {
		t.Errorf("up event = %+v", up)
	}
}

func TestViolationEvent(t *testing.T) {
	ch := gochannel.NewGoChannel(gochannel.Config{}, newWatermillLogger())
	n := NewWithPublisher(ch)
	defer func() { _ = n.Close() }()

	msgs := subscribe(t, ch, TopicViolation)

	v := &models.Violation{
		ID:        "v1",
		RuleID:    "rule-1",
		RuleType:  models.RuleImpossibleTravel,
		SessionID: "sess-1",
		UserID:    "u1",
		Severity:  models.SeverityCritical,
		Summary:   "impossible travel",
		Evidence:  []byte(`{"distance_km": 10850}`),
		CreatedAt: baseTime,
	}
	if err := n.ViolationDetected(context.Background(), v); err != nil {
		t.Fatalf("ViolationDetected failed: %v", err)
	}

	msg := receive(t, msgs)
	var ev ViolationEvent
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		t.Fatalf("failed to decode event: %v", err)
	}
	if ev.Violation == nil || ev.Violation.ID != "v1" {
		t.Errorf("violation payload = %+v", ev.Violation)
	}
	if got := msg.Metadata.Get("rule_type"); got != "impossible_travel" {
		t.Errorf("rule_type metadata = %q", got)
	}
}

func TestPublishAfterClose(t *testing.T) {
	n, err := New(Config{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := n.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := n.Close(); err != nil {
		t.Fatalf("second close failed: %v", err)
	}

	if err := n.SessionStarted(context.Background(), testSession(), identity.New); err == nil {
		t.Fatal("expected publishing on a closed notifier to fail")
	}
}

func TestPublishErrorSurfaces(t *testing.T) {
	n := NewWithPublisher(failingPublisher{})
	defer func() { _ = n.Close() }()

	err := n.SessionStarted(context.Background(), testSession(), identity.New)
	if err == nil {
		t.Fatal("expected the publish error to surface")
	}
	if !errors.Is(err, errPublishBroken) {
		t.Errorf("err = %v, want wrapped errPublishBroken", err)
	}
}

var errPublishBroken = errors.New("bus unavailable")

type failingPublisher struct{}

func (failingPublisher) Publish(string, ...*message.Message) error { return errPublishBroken }
func (failingPublisher) Close() error                              { return nil }
