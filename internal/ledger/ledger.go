// Package ledger records votes. It enforces one vote per voter per entry
// and a per-battle velocity limit, and keeps the denormalized vote counters in step.
package ledger

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	errordefs "github.com/RegistryAccord/registryaccord-battle-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-battle-go/internal/model"
	"github.com/RegistryAccord/registryaccord-battle-go/internal/storage"
)

// Default velocity limit: 20 votes per voter per battle in any trailing 5 minutes.
const (
	DefaultLimit  = 20
	DefaultWindow = 5 * time.Minute
)

// Ledger casts votes inside a caller-provided unit of work.
type Ledger struct {
	limit  int
	window time.Duration

	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// New creates a Ledger. Non-positive arguments fall back to the defaults.
func New(limit int, window time.Duration) *Ledger {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Ledger{
		limit:   limit,
		window:  window,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

// Limit returns the configured votes-per-window limit.
func (l *Ledger) Limit() int { return l.limit }

// Window returns the configured trailing window.
func (l *Ledger) Window() time.Duration { return l.window }

func (l *Ledger) newID(at time.Time) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(at), l.entropy).String()
}

// Cast records voterID's vote for entry. It must run inside repo's transaction.
// A repeat vote for the same entry succeeds with Duplicate set and changes nothing.
func (l *Ledger) Cast(ctx context.Context, repo storage.Repository, entry model.Entry, voterID string, now time.Time) (model.VoteResult, error) {
	result := model.VoteResult{EntryID: entry.ID}

	if err := repo.LockVoter(ctx, entry.BattleID, voterID); err != nil {
		return result, errordefs.Internal("failed to serialize vote", err)
	}

	exists, err := repo.HasVote(ctx, entry.ID, voterID)
	if err != nil {
		return result, errordefs.Internal("failed to check existing vote", err)
	}
	if exists {
		result.Duplicate = true
		return result, nil
	}

	recent, err := repo.CountVotesSince(ctx, entry.BattleID, voterID, now.Add(-l.window))
	if err != nil {
		return result, errordefs.Internal("failed to count recent votes", err)
	}
	if recent >= l.limit {
		return result, errordefs.RateLimited(
			fmt.Sprintf("vote limit of %d per %s reached for this battle", l.limit, l.window))
	}

	inserted, err := repo.InsertVote(ctx, model.Vote{
		ID:        l.newID(now),
		EntryID:   entry.ID,
		BattleID:  entry.BattleID,
		VoterID:   voterID,
		CreatedAt: now,
	})
	if err != nil {
		return result, errordefs.Internal("failed to record vote", err)
	}
	if !inserted {
		// Lost a race with an identical vote.
		result.Duplicate = true
		return result, nil
	}

	if err := repo.IncrementEntryVotes(ctx, entry.ID); err != nil {
		return result, errordefs.Internal("failed to increment entry votes", err)
	}
	if err := repo.IncrementBattleCounters(ctx, entry.BattleID, storage.CounterDelta{Votes: 1}); err != nil {
		return result, errordefs.Internal("failed to increment battle votes", err)
	}
	return result, nil
}
