// internal/storage/store.go
// Package storage provides implementations of the Store interface
// for both in-memory and PostgreSQL storage backends.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/RegistryAccord/registryaccord-battle-go/internal/model"
)

// Standard errors returned by the storage layer
var (
	ErrNotFound           = errors.New("not found")           // Returned when a battle or entry is not found
	ErrConflict           = errors.New("conflict")            // Returned when an id already exists
	ErrPreconditionFailed = errors.New("precondition failed") // Returned when a conditional update does not match
)

// StatusUpdate is a conditional battle status write.
// It only applies while the persisted status equals From.
type StatusUpdate struct {
	From                model.BattleStatus
	To                  model.BattleStatus
	At                  time.Time  // New updatedAt
	ResultsCalculatedAt *time.Time // Stamped only if not already set
}

// CounterDelta holds non-negative increments for battle counters.
type CounterDelta struct {
	Participants int64
	Entries      int64
	Votes        int64
}

// EntryRank is the ranking output persisted for one entry.
type EntryRank struct {
	EntryID  string
	Rank     int
	TiedWith []string
}

// LockMode selects the row lock LockBattle takes.
type LockMode int

const (
	// LockCounters is taken by writers that bump battle counters. It blocks
	// status changes and queues other counter writers.
	LockCounters LockMode = iota
	// LockExclusive is taken by status changes.
	LockExclusive
)

// Repository defines the storage operations used inside a unit of work.
type Repository interface {
	// Battle operations
	CreateBattle(ctx context.Context, battle model.Battle) error                           // Create a new battle
	GetBattle(ctx context.Context, id string) (*model.Battle, error)                       // Get a battle by ID
	LockBattle(ctx context.Context, id string, mode LockMode) (*model.Battle, error)       // Read a battle and hold a row lock until commit
	ListBattles(ctx context.Context, query model.ListBattlesQuery) ([]model.Battle, error) // List battles, newest first
	UpdateBattleStatus(ctx context.Context, id string, update StatusUpdate) error          // Conditional status write
	IncrementBattleCounters(ctx context.Context, id string, delta CounterDelta) error      // Atomic counter increment
	ListDueBattles(ctx context.Context, now time.Time) ([]model.Battle, error)             // Battles whose current window has elapsed

	// Entry operations
	CreateEntry(ctx context.Context, entry model.Entry) error                               // Create a new entry
	GetEntry(ctx context.Context, id string) (*model.Entry, error)                          // Get an entry by ID
	ListEntries(ctx context.Context, battleID string) ([]model.Entry, error)                // Entries in insertion order
	UserEntryStats(ctx context.Context, battleID, userID string) (model.EntryStats, error)  // A user's entry counts in a battle
	SetEntryModeration(ctx context.Context, id string, status model.ModerationStatus) error // Record a moderation decision
	IncrementEntryVotes(ctx context.Context, id string) error                               // Atomic vote counter increment
	SetEntryRanks(ctx context.Context, ranks []EntryRank) error                             // Persist ranking output

	// Vote operations
	LockVoter(ctx context.Context, battleID, voterID string) error                               // Serialize one voter's votes in a battle
	HasVote(ctx context.Context, entryID, voterID string) (bool, error)                          // Whether the pair already voted
	InsertVote(ctx context.Context, vote model.Vote) (bool, error)                               // Insert unless the pair exists
	CountVotesSince(ctx context.Context, battleID, voterID string, since time.Time) (int, error) // Votes cast at or after since
}

// Store is a Repository that can also run units of work.
// This interface is implemented by both in-memory and PostgreSQL storage backends.
type Store interface {
	Repository

	// WithTx runs fn inside one transaction. A non-nil error from fn rolls back every write.
	WithTx(ctx context.Context, fn func(Repository) error) error
	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error
	// Close releases backend resources.
	Close()
}

func validDelta(d CounterDelta) bool {
	return d.Participants >= 0 && d.Entries >= 0 && d.Votes >= 0
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 25
	}
	if limit > 100 {
		return 100
	}
	return limit
}
