// internal/event/nats.go
// Package event provides NATS JetStream implementation for event publishing.
// It streams battle lifecycle events to downstream consumers such as
// notification delivery, points and leaderboards.
package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/RegistryAccord/registryaccord-battle-go/internal/model"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// Event types, also used as NATS subjects.
const (
	TypeBattleCreated   = "battle.created"
	TypeBattleUpdated   = "battle.updated"
	TypeVotingStarted   = "battle.voting_started"
	TypeBattleCompleted = "battle.completed"
	TypeEntrySubmitted  = "battle.entry_submitted"
	TypeNotification    = "battle.notification"
)

// Notification kinds.
const (
	NotifyBattleScheduled = "battle_scheduled"
	NotifyVotingStarted   = "voting_started"
)

// Notification asks the delivery subsystem to notify one user.
type Notification struct {
	RecipientID string `json:"recipientId"`
	Kind        string `json:"kind"`
	BattleID    string `json:"battleId"`
	Title       string `json:"title"`
}

// CompletedPayload is the payload of battle.completed.
type CompletedPayload struct {
	Battle   model.Battle `json:"battle"`
	WinnerID string       `json:"winnerId,omitempty"`
}

// Publisher interface defines the event publishing operations required by the battle engine.
// Publishing is fire-and-forget; consumers must tolerate duplicates.
type Publisher interface {
	PublishBattleCreated(ctx context.Context, battle model.Battle) error
	PublishBattleUpdated(ctx context.Context, battle model.Battle) error
	PublishVotingStarted(ctx context.Context, battle model.Battle) error
	PublishBattleCompleted(ctx context.Context, battle model.Battle, winnerID string) error
	PublishEntrySubmitted(ctx context.Context, entry model.Entry) error
	PublishNotification(ctx context.Context, n Notification) error

	// Close closes the publisher connection
	Close() error
}

// noop is a no-op implementation of Publisher for when NATS is not configured.
type noop struct{}

// NewNoop returns a Publisher that drops every event.
func NewNoop() Publisher { return &noop{} }

func (n *noop) Close() error { return nil }

func (n *noop) PublishBattleCreated(ctx context.Context, battle model.Battle) error { return nil }

func (n *noop) PublishBattleUpdated(ctx context.Context, battle model.Battle) error { return nil }

func (n *noop) PublishVotingStarted(ctx context.Context, battle model.Battle) error { return nil }

func (n *noop) PublishBattleCompleted(ctx context.Context, battle model.Battle, winnerID string) error {
	return nil
}

func (n *noop) PublishEntrySubmitted(ctx context.Context, entry model.Entry) error { return nil }

func (n *noop) PublishNotification(ctx context.Context, notification Notification) error { return nil }

// natsPub is the NATS JetStream implementation of Publisher.
type natsPub struct {
	nc *nats.Conn            // NATS connection
	js nats.JetStreamContext // JetStream context for stream operations

	dedup map[string]time.Time // Map of message IDs to last publish time
	mutex sync.RWMutex         // Protects dedup
}

// NewPublisher connects to url and returns a JetStream publisher.
// If url is empty or the connection fails, it returns a no-op publisher.
func NewPublisher(url string, logger *slog.Logger) Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if url == "" {
		return &noop{}
	}

	nc, err := nats.Connect(url, nats.Name("battle-engine"))
	if err != nil {
		logger.Warn("NATS connect failed, using noop publisher", "error", err)
		return &noop{}
	}

	js, err := nc.JetStream()
	if err != nil {
		logger.Warn("NATS JetStream context creation failed, using noop publisher", "error", err)
		nc.Close()
		return &noop{}
	}

	if err := initStreams(js); err != nil {
		logger.Warn("NATS stream initialization failed, using noop publisher", "error", err)
		nc.Close()
		return &noop{}
	}

	return &natsPub{
		nc:    nc,
		js:    js,
		dedup: make(map[string]time.Time),
	}
}

// initStreams creates the RA_BATTLES stream that carries every battle.* subject.
func initStreams(js nats.JetStreamContext) error {
	_, err := js.AddStream(&nats.StreamConfig{
		Name:       "RA_BATTLES",
		Subjects:   []string{"battle.>"},
		Retention:  nats.LimitsPolicy,
		MaxAge:     7 * 24 * time.Hour,
		Discard:    nats.DiscardOld,
		Storage:    nats.FileStorage,
		Duplicates: 2 * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("failed to create RA_BATTLES stream: %w", err)
	}
	return nil
}

// EventEnvelope represents the standard event envelope structure.
type EventEnvelope struct {
	Type          string      `json:"type"`          // Event type identifier
	Version       string      `json:"version"`       // Event schema version
	OccurredAt    time.Time   `json:"occurredAt"`    // When the event occurred
	CorrelationID string      `json:"correlationId"` // Correlation ID for tracing
	Payload       interface{} `json:"payload"`       // Event-specific data
}

func newEnvelope(eventType string, payload interface{}) EventEnvelope {
	return EventEnvelope{
		Type:          eventType,
		Version:       "1.0.0",
		OccurredAt:    time.Now().UTC(),
		CorrelationID: uuid.New().String(),
		Payload:       payload,
	}
}

// Close drains and closes the NATS connection.
func (p *natsPub) Close() error {
	if p.nc != nil {
		return p.nc.Drain()
	}
	return nil
}

// shouldDedup reports whether msgID was published within the last 2 minutes.
func (p *natsPub) shouldDedup(msgID string) bool {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	if lastTime, exists := p.dedup[msgID]; exists {
		return time.Since(lastTime) < 2*time.Minute
	}
	return false
}

// updateDedup records a successful publish of msgID.
func (p *natsPub) updateDedup(msgID string) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	cutoff := time.Now().Add(-5 * time.Minute)
	for k, t := range p.dedup {
		if t.Before(cutoff) {
			delete(p.dedup, k)
		}
	}
	p.dedup[msgID] = time.Now()
}

// publish wraps payload in an envelope and publishes it with a JetStream message id.
func (p *natsPub) publish(ctx context.Context, eventType, msgID string, payload interface{}) error {
	if p.shouldDedup(msgID) {
		return nil
	}

	b, err := json.Marshal(newEnvelope(eventType, payload))
	if err != nil {
		return err
	}

	if _, err := p.js.Publish(eventType, b, nats.MsgId(msgID), nats.Context(ctx)); err != nil {
		return err
	}

	p.updateDedup(msgID)
	return nil
}

func (p *natsPub) PublishBattleCreated(ctx context.Context, battle model.Battle) error {
	return p.publish(ctx, TypeBattleCreated, TypeBattleCreated+":"+battle.ID, battle)
}

func (p *natsPub) PublishBattleUpdated(ctx context.Context, battle model.Battle) error {
	return p.publish(ctx, TypeBattleUpdated, fmt.Sprintf("%s:%s:%s", TypeBattleUpdated, battle.ID, battle.Status), battle)
}

func (p *natsPub) PublishVotingStarted(ctx context.Context, battle model.Battle) error {
	return p.publish(ctx, TypeVotingStarted, TypeVotingStarted+":"+battle.ID, battle)
}

func (p *natsPub) PublishBattleCompleted(ctx context.Context, battle model.Battle, winnerID string) error {
	return p.publish(ctx, TypeBattleCompleted, TypeBattleCompleted+":"+battle.ID,
		CompletedPayload{Battle: battle, WinnerID: winnerID})
}

func (p *natsPub) PublishEntrySubmitted(ctx context.Context, entry model.Entry) error {
	return p.publish(ctx, TypeEntrySubmitted, TypeEntrySubmitted+":"+entry.ID, entry)
}

func (p *natsPub) PublishNotification(ctx context.Context, n Notification) error {
	return p.publish(ctx, TypeNotification,
		fmt.Sprintf("%s:%s:%s:%s", TypeNotification, n.Kind, n.BattleID, n.RecipientID), n)
}
