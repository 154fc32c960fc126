// internal/storage/memory.go
package storage

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/RegistryAccord/registryaccord-battle-go/internal/model"
)

type voteKey struct {
	entryID string
	voterID string
}

type voterKey struct {
	battleID string
	voterID  string
}

// memState is the full dataset. Transactions run against a clone and swap it in on success.
type memState struct {
	battles         map[string]model.Battle  // Map of ID to battle
	battleOrder     []string                 // Battle IDs in creation order
	entries         map[string]model.Entry   // Map of ID to entry
	entriesByBattle map[string][]string      // Map of battle ID to entry IDs in insertion order
	votes           map[voteKey]model.Vote   // Map of (entry, voter) to vote
	voteTimes       map[voterKey][]time.Time // Vote timestamps per (battle, voter)
}

func newMemState() *memState {
	return &memState{
		battles:         make(map[string]model.Battle),
		entries:         make(map[string]model.Entry),
		entriesByBattle: make(map[string][]string),
		votes:           make(map[voteKey]model.Vote),
		voteTimes:       make(map[voterKey][]time.Time),
	}
}

func (s *memState) clone() *memState {
	c := &memState{
		battles:         maps.Clone(s.battles),
		battleOrder:     slices.Clone(s.battleOrder),
		entries:         maps.Clone(s.entries),
		entriesByBattle: make(map[string][]string, len(s.entriesByBattle)),
		votes:           maps.Clone(s.votes),
		voteTimes:       make(map[voterKey][]time.Time, len(s.voteTimes)),
	}
	for k, v := range s.entriesByBattle {
		c.entriesByBattle[k] = slices.Clone(v)
	}
	for k, v := range s.voteTimes {
		c.voteTimes[k] = slices.Clone(v)
	}
	return c
}

// memory implements the Store interface using in-memory storage.
// It's intended for development and testing purposes. Transactions are
// serialized behind a single lock, which also serializes concurrent voters.
type memory struct {
	mu    sync.RWMutex // Protects state; held for the whole of WithTx
	state *memState
}

// NewMemory creates a new in-memory storage implementation.
func NewMemory() Store {
	return &memory{state: newMemState()}
}

func (m *memory) read(fn func(r memRepo) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(memRepo{s: m.state})
}

func (m *memory) write(fn func(r memRepo) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(memRepo{s: m.state})
}

// WithTx runs fn against a private copy of the dataset and publishes it only when fn succeeds.
func (m *memory) WithTx(ctx context.Context, fn func(Repository) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	draft := m.state.clone()
	if err := fn(memRepo{s: draft}); err != nil {
		return err
	}
	m.state = draft
	return nil
}

func (m *memory) Ping(ctx context.Context) error { return ctx.Err() }

func (m *memory) Close() {}

func (m *memory) CreateBattle(ctx context.Context, battle model.Battle) error {
	return m.write(func(r memRepo) error { return r.CreateBattle(ctx, battle) })
}

func (m *memory) GetBattle(ctx context.Context, id string) (b *model.Battle, err error) {
	err = m.read(func(r memRepo) error {
		b, err = r.GetBattle(ctx, id)
		return err
	})
	return b, err
}

func (m *memory) ListBattles(ctx context.Context, query model.ListBattlesQuery) (out []model.Battle, err error) {
	err = m.read(func(r memRepo) error {
		out, err = r.ListBattles(ctx, query)
		return err
	})
	return out, err
}

func (m *memory) UpdateBattleStatus(ctx context.Context, id string, update StatusUpdate) error {
	return m.write(func(r memRepo) error { return r.UpdateBattleStatus(ctx, id, update) })
}

func (m *memory) IncrementBattleCounters(ctx context.Context, id string, delta CounterDelta) error {
	return m.write(func(r memRepo) error { return r.IncrementBattleCounters(ctx, id, delta) })
}

func (m *memory) ListDueBattles(ctx context.Context, now time.Time) (out []model.Battle, err error) {
	err = m.read(func(r memRepo) error {
		out, err = r.ListDueBattles(ctx, now)
		return err
	})
	return out, err
}

func (m *memory) CreateEntry(ctx context.Context, entry model.Entry) error {
	return m.write(func(r memRepo) error { return r.CreateEntry(ctx, entry) })
}

func (m *memory) GetEntry(ctx context.Context, id string) (e *model.Entry, err error) {
	err = m.read(func(r memRepo) error {
		e, err = r.GetEntry(ctx, id)
		return err
	})
	return e, err
}

func (m *memory) ListEntries(ctx context.Context, battleID string) (out []model.Entry, err error) {
	err = m.read(func(r memRepo) error {
		out, err = r.ListEntries(ctx, battleID)
		return err
	})
	return out, err
}

func (m *memory) UserEntryStats(ctx context.Context, battleID, userID string) (st model.EntryStats, err error) {
	err = m.read(func(r memRepo) error {
		st, err = r.UserEntryStats(ctx, battleID, userID)
		return err
	})
	return st, err
}

func (m *memory) SetEntryModeration(ctx context.Context, id string, status model.ModerationStatus) error {
	return m.write(func(r memRepo) error { return r.SetEntryModeration(ctx, id, status) })
}

func (m *memory) IncrementEntryVotes(ctx context.Context, id string) error {
	return m.write(func(r memRepo) error { return r.IncrementEntryVotes(ctx, id) })
}

func (m *memory) SetEntryRanks(ctx context.Context, ranks []EntryRank) error {
	return m.write(func(r memRepo) error { return r.SetEntryRanks(ctx, ranks) })
}

func (m *memory) LockVoter(ctx context.Context, battleID, voterID string) error {
	return ctx.Err()
}

func (m *memory) LockBattle(ctx context.Context, id string, mode LockMode) (b *model.Battle, err error) {
	err = m.read(func(r memRepo) error {
		b, err = r.GetBattle(ctx, id)
		return err
	})
	return b, err
}

func (m *memory) HasVote(ctx context.Context, entryID, voterID string) (ok bool, err error) {
	err = m.read(func(r memRepo) error {
		ok, err = r.HasVote(ctx, entryID, voterID)
		return err
	})
	return ok, err
}

func (m *memory) InsertVote(ctx context.Context, vote model.Vote) (ok bool, err error) {
	err = m.write(func(r memRepo) error {
		ok, err = r.InsertVote(ctx, vote)
		return err
	})
	return ok, err
}

func (m *memory) CountVotesSince(ctx context.Context, battleID, voterID string, since time.Time) (n int, err error) {
	err = m.read(func(r memRepo) error {
		n, err = r.CountVotesSince(ctx, battleID, voterID, since)
		return err
	})
	return n, err
}

// memRepo operates on one memState without locking; the caller holds the lock.
type memRepo struct {
	s *memState
}

func cloneBattle(b model.Battle) *model.Battle {
	b.Rules.MediaTypes = slices.Clone(b.Rules.MediaTypes)
	if b.ResultsCalculatedAt != nil {
		t := *b.ResultsCalculatedAt
		b.ResultsCalculatedAt = &t
	}
	return &b
}

func cloneEntry(e model.Entry) model.Entry {
	e.Content.AdditionalMedia = slices.Clone(e.Content.AdditionalMedia)
	e.Content.Tags = slices.Clone(e.Content.Tags)
	e.TiedWith = slices.Clone(e.TiedWith)
	if e.Rank != nil {
		r := *e.Rank
		e.Rank = &r
	}
	return e
}

func (r memRepo) CreateBattle(ctx context.Context, battle model.Battle) error {
	if _, exists := r.s.battles[battle.ID]; exists {
		return ErrConflict
	}
	r.s.battles[battle.ID] = *cloneBattle(battle)
	r.s.battleOrder = append(r.s.battleOrder, battle.ID)
	return nil
}

func (r memRepo) GetBattle(ctx context.Context, id string) (*model.Battle, error) {
	b, exists := r.s.battles[id]
	if !exists {
		return nil, ErrNotFound
	}
	return cloneBattle(b), nil
}

func (r memRepo) ListBattles(ctx context.Context, query model.ListBattlesQuery) ([]model.Battle, error) {
	limit := normalizeLimit(query.Limit)
	out := make([]model.Battle, 0)
	// Newest first
	for i := len(r.s.battleOrder) - 1; i >= 0 && len(out) < limit; i-- {
		b := r.s.battles[r.s.battleOrder[i]]
		if query.Status != "" && b.Status != query.Status {
			continue
		}
		if query.Featured != nil && b.Featured != *query.Featured {
			continue
		}
		out = append(out, *cloneBattle(b))
	}
	return out, nil
}

func (r memRepo) UpdateBattleStatus(ctx context.Context, id string, update StatusUpdate) error {
	b, exists := r.s.battles[id]
	if !exists {
		return ErrNotFound
	}
	if b.Status != update.From {
		return ErrPreconditionFailed
	}
	b.Status = update.To
	b.UpdatedAt = update.At
	if update.ResultsCalculatedAt != nil && b.ResultsCalculatedAt == nil {
		t := *update.ResultsCalculatedAt
		b.ResultsCalculatedAt = &t
	}
	r.s.battles[id] = b
	return nil
}

func (r memRepo) IncrementBattleCounters(ctx context.Context, id string, delta CounterDelta) error {
	if !validDelta(delta) {
		return errors.New("counter delta must be non-negative")
	}
	b, exists := r.s.battles[id]
	if !exists {
		return ErrNotFound
	}
	b.ParticipantCount += delta.Participants
	b.EntryCount += delta.Entries
	b.VoteCount += delta.Votes
	r.s.battles[id] = b
	return nil
}

func (r memRepo) ListDueBattles(ctx context.Context, now time.Time) ([]model.Battle, error) {
	out := make([]model.Battle, 0)
	for _, id := range r.s.battleOrder {
		b := r.s.battles[id]
		if isDue(b, now) {
			out = append(out, *cloneBattle(b))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return dueAt(out[i]).Before(dueAt(out[j]))
	})
	return out, nil
}

// isDue reports whether the boundary guarding b's next automatic transition has passed.
func isDue(b model.Battle, now time.Time) bool {
	switch b.Status {
	case model.StatusScheduled:
		return !b.StartTime.After(now)
	case model.StatusOpen:
		return !b.EndTime.After(now)
	case model.StatusVoting:
		return !b.VotingEndTime.After(now)
	}
	return false
}

func dueAt(b model.Battle) time.Time {
	switch b.Status {
	case model.StatusScheduled:
		return b.StartTime
	case model.StatusOpen:
		return b.EndTime
	}
	return b.VotingEndTime
}

func (r memRepo) CreateEntry(ctx context.Context, entry model.Entry) error {
	if _, exists := r.s.entries[entry.ID]; exists {
		return ErrConflict
	}
	if _, exists := r.s.battles[entry.BattleID]; !exists {
		return ErrNotFound
	}
	r.s.entries[entry.ID] = cloneEntry(entry)
	r.s.entriesByBattle[entry.BattleID] = append(r.s.entriesByBattle[entry.BattleID], entry.ID)
	return nil
}

func (r memRepo) GetEntry(ctx context.Context, id string) (*model.Entry, error) {
	e, exists := r.s.entries[id]
	if !exists {
		return nil, ErrNotFound
	}
	c := cloneEntry(e)
	return &c, nil
}

func (r memRepo) ListEntries(ctx context.Context, battleID string) ([]model.Entry, error) {
	ids := r.s.entriesByBattle[battleID]
	out := make([]model.Entry, 0, len(ids))
	for _, id := range ids {
		out = append(out, cloneEntry(r.s.entries[id]))
	}
	return out, nil
}

func (r memRepo) UserEntryStats(ctx context.Context, battleID, userID string) (model.EntryStats, error) {
	var st model.EntryStats
	for _, id := range r.s.entriesByBattle[battleID] {
		e := r.s.entries[id]
		if e.UserID != userID {
			continue
		}
		st.Total++
		if e.Moderation != model.ModerationRejected {
			st.Active++
		}
	}
	return st, nil
}

func (r memRepo) SetEntryModeration(ctx context.Context, id string, status model.ModerationStatus) error {
	e, exists := r.s.entries[id]
	if !exists {
		return ErrNotFound
	}
	e.Moderation = status
	r.s.entries[id] = e
	return nil
}

func (r memRepo) IncrementEntryVotes(ctx context.Context, id string) error {
	e, exists := r.s.entries[id]
	if !exists {
		return ErrNotFound
	}
	e.Metrics.VoteCount++
	r.s.entries[id] = e
	return nil
}

func (r memRepo) SetEntryRanks(ctx context.Context, ranks []EntryRank) error {
	for _, er := range ranks {
		if _, exists := r.s.entries[er.EntryID]; !exists {
			return ErrNotFound
		}
	}
	for _, er := range ranks {
		e := r.s.entries[er.EntryID]
		rank := er.Rank
		e.Rank = &rank
		e.TiedWith = slices.Clone(er.TiedWith)
		r.s.entries[er.EntryID] = e
	}
	return nil
}

func (r memRepo) LockVoter(ctx context.Context, battleID, voterID string) error {
	return nil
}

// LockBattle is a plain read; WithTx already holds the store lock.
func (r memRepo) LockBattle(ctx context.Context, id string, mode LockMode) (*model.Battle, error) {
	return r.GetBattle(ctx, id)
}

func (r memRepo) HasVote(ctx context.Context, entryID, voterID string) (bool, error) {
	_, exists := r.s.votes[voteKey{entryID, voterID}]
	return exists, nil
}

func (r memRepo) InsertVote(ctx context.Context, vote model.Vote) (bool, error) {
	key := voteKey{vote.EntryID, vote.VoterID}
	if _, exists := r.s.votes[key]; exists {
		return false, nil
	}
	if _, exists := r.s.entries[vote.EntryID]; !exists {
		return false, ErrNotFound
	}
	r.s.votes[key] = vote
	vk := voterKey{vote.BattleID, vote.VoterID}
	r.s.voteTimes[vk] = append(r.s.voteTimes[vk], vote.CreatedAt)
	return true, nil
}

func (r memRepo) CountVotesSince(ctx context.Context, battleID, voterID string, since time.Time) (int, error) {
	n := 0
	for _, t := range r.s.voteTimes[voterKey{battleID, voterID}] {
		if !t.Before(since) {
			n++
		}
	}
	return n, nil
}
