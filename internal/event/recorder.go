package event

import (
	"context"
	"sync"

	"github.com/RegistryAccord/registryaccord-battle-go/internal/model"
)

// Recorder is an in-memory Publisher that keeps every envelope it is given.
// Setting Fail makes every publish of that event type return the error.
type Recorder struct {
	mu     sync.Mutex
	events []EventEnvelope
	Fail   map[string]error
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{Fail: make(map[string]error)}
}

func (r *Recorder) record(eventType string, payload interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.Fail[eventType]; err != nil {
		return err
	}
	r.events = append(r.events, newEnvelope(eventType, payload))
	return nil
}

// Events returns a copy of the recorded envelopes in publish order.
func (r *Recorder) Events() []EventEnvelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventEnvelope, len(r.events))
	copy(out, r.events)
	return out
}

// Types returns the recorded event types in publish order.
func (r *Recorder) Types() []string {
	events := r.Events()
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

// Notifications returns the recorded notifications.
func (r *Recorder) Notifications() []Notification {
	var out []Notification
	for _, e := range r.Events() {
		if n, ok := e.Payload.(Notification); ok {
			out = append(out, n)
		}
	}
	return out
}

// Reset drops all recorded envelopes.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

func (r *Recorder) Close() error { return nil }

func (r *Recorder) PublishBattleCreated(ctx context.Context, battle model.Battle) error {
	return r.record(TypeBattleCreated, battle)
}

func (r *Recorder) PublishBattleUpdated(ctx context.Context, battle model.Battle) error {
	return r.record(TypeBattleUpdated, battle)
}

func (r *Recorder) PublishVotingStarted(ctx context.Context, battle model.Battle) error {
	return r.record(TypeVotingStarted, battle)
}

func (r *Recorder) PublishBattleCompleted(ctx context.Context, battle model.Battle, winnerID string) error {
	return r.record(TypeBattleCompleted, CompletedPayload{Battle: battle, WinnerID: winnerID})
}

func (r *Recorder) PublishEntrySubmitted(ctx context.Context, entry model.Entry) error {
	return r.record(TypeEntrySubmitted, entry)
}

func (r *Recorder) PublishNotification(ctx context.Context, n Notification) error {
	return r.record(TypeNotification, n)
}
