package storage

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RegistryAccord/registryaccord-battle-go/internal/model"
)

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, NewMemory())
}

// TestPostgresStore runs the same contract against a live database when BATTLE_TEST_DB_DSN is set.
func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("BATTLE_TEST_DB_DSN")
	if dsn == "" {
		t.Skip("BATTLE_TEST_DB_DSN not set")
	}
	store, err := NewPostgres(dsn)
	require.NoError(t, err)
	t.Cleanup(store.Close)
	runStoreContract(t, store)
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newBattle(status model.BattleStatus, start time.Time) model.Battle {
	return model.Battle{
		ID:                uuid.NewString(),
		Title:             "Haiku night",
		Type:              model.TypeWriting,
		Rules:             model.Rules{MediaTypes: []model.MediaKind{model.KindText}, MaxLength: 200},
		Status:            status,
		StartTime:         start,
		EndTime:           start.Add(time.Hour),
		VotingEndTime:     start.Add(2 * time.Hour),
		MaxEntriesPerUser: 1,
		CreatorID:         "creator-" + uuid.NewString(),
		CreatedAt:         t0,
		UpdatedAt:         t0,
	}
}

func newEntry(battleID, userID string, at time.Time) model.Entry {
	return model.Entry{
		ID:          uuid.NewString(),
		BattleID:    battleID,
		UserID:      userID,
		Content:     model.Content{Kind: model.KindText, Body: "an old silent pond", Tags: []string{"pond"}},
		Moderation:  model.ModerationPending,
		SubmittedAt: at,
	}
}

func runStoreContract(t *testing.T, s Store) {
	ctx := context.Background()

	t.Run("battle round trip and conflict", func(t *testing.T) {
		b := newBattle(model.StatusScheduled, t0)
		require.NoError(t, s.CreateBattle(ctx, b))
		assert.ErrorIs(t, s.CreateBattle(ctx, b), ErrConflict)

		got, err := s.GetBattle(ctx, b.ID)
		require.NoError(t, err)
		assert.Equal(t, b.Title, got.Title)
		assert.Equal(t, b.Rules.MediaTypes, got.Rules.MediaTypes)
		assert.True(t, b.StartTime.Equal(got.StartTime))
		assert.Nil(t, got.ResultsCalculatedAt)

		_, err = s.GetBattle(ctx, uuid.NewString())
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("conditional status update", func(t *testing.T) {
		b := newBattle(model.StatusVoting, t0)
		require.NoError(t, s.CreateBattle(ctx, b))

		stamp := t0.Add(3 * time.Hour)
		err := s.UpdateBattleStatus(ctx, b.ID, StatusUpdate{From: model.StatusOpen, To: model.StatusVoting, At: stamp})
		assert.ErrorIs(t, err, ErrPreconditionFailed)

		err = s.UpdateBattleStatus(ctx, b.ID, StatusUpdate{
			From: model.StatusVoting, To: model.StatusCompleted, At: stamp, ResultsCalculatedAt: &stamp,
		})
		require.NoError(t, err)

		got, err := s.GetBattle(ctx, b.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusCompleted, got.Status)
		require.NotNil(t, got.ResultsCalculatedAt)
		assert.True(t, stamp.Equal(*got.ResultsCalculatedAt))

		err = s.UpdateBattleStatus(ctx, uuid.NewString(), StatusUpdate{From: model.StatusOpen, To: model.StatusVoting, At: stamp})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("counters only grow", func(t *testing.T) {
		b := newBattle(model.StatusOpen, t0)
		require.NoError(t, s.CreateBattle(ctx, b))
		require.NoError(t, s.IncrementBattleCounters(ctx, b.ID, CounterDelta{Participants: 1, Entries: 1}))
		require.NoError(t, s.IncrementBattleCounters(ctx, b.ID, CounterDelta{Entries: 1, Votes: 2}))
		assert.Error(t, s.IncrementBattleCounters(ctx, b.ID, CounterDelta{Votes: -1}))

		got, err := s.GetBattle(ctx, b.ID)
		require.NoError(t, err)
		assert.EqualValues(t, 1, got.ParticipantCount)
		assert.EqualValues(t, 2, got.EntryCount)
		assert.EqualValues(t, 2, got.VoteCount)
	})

	t.Run("entries keep insertion order and stats", func(t *testing.T) {
		b := newBattle(model.StatusOpen, t0)
		require.NoError(t, s.CreateBattle(ctx, b))

		e1 := newEntry(b.ID, "alice", t0.Add(time.Minute))
		e2 := newEntry(b.ID, "bob", t0.Add(2*time.Minute))
		e3 := newEntry(b.ID, "alice", t0.Add(3*time.Minute))
		for _, e := range []model.Entry{e1, e2, e3} {
			require.NoError(t, s.CreateEntry(ctx, e))
		}
		require.NoError(t, s.SetEntryModeration(ctx, e3.ID, model.ModerationRejected))

		list, err := s.ListEntries(ctx, b.ID)
		require.NoError(t, err)
		require.Len(t, list, 3)
		assert.Equal(t, []string{e1.ID, e2.ID, e3.ID}, []string{list[0].ID, list[1].ID, list[2].ID})
		assert.Equal(t, []string{"pond"}, list[0].Content.Tags)

		st, err := s.UserEntryStats(ctx, b.ID, "alice")
		require.NoError(t, err)
		assert.Equal(t, model.EntryStats{Active: 1, Total: 2}, st)

		assert.ErrorIs(t, s.CreateEntry(ctx, newEntry(uuid.NewString(), "carol", t0)), ErrNotFound)
	})

	t.Run("ranks persist", func(t *testing.T) {
		b := newBattle(model.StatusVoting, t0)
		require.NoError(t, s.CreateBattle(ctx, b))
		e1 := newEntry(b.ID, "alice", t0)
		e2 := newEntry(b.ID, "bob", t0)
		require.NoError(t, s.CreateEntry(ctx, e1))
		require.NoError(t, s.CreateEntry(ctx, e2))

		require.NoError(t, s.SetEntryRanks(ctx, []EntryRank{
			{EntryID: e1.ID, Rank: 1, TiedWith: []string{e2.ID}},
			{EntryID: e2.ID, Rank: 1, TiedWith: []string{e1.ID}},
		}))
		got, err := s.GetEntry(ctx, e2.ID)
		require.NoError(t, err)
		require.NotNil(t, got.Rank)
		assert.Equal(t, 1, *got.Rank)
		assert.Equal(t, []string{e1.ID}, got.TiedWith)
	})

	t.Run("vote uniqueness and window count", func(t *testing.T) {
		b := newBattle(model.StatusVoting, t0)
		require.NoError(t, s.CreateBattle(ctx, b))
		e := newEntry(b.ID, "alice", t0)
		require.NoError(t, s.CreateEntry(ctx, e))

		v := model.Vote{ID: uuid.NewString(), EntryID: e.ID, BattleID: b.ID, VoterID: "bob", CreatedAt: t0.Add(time.Minute)}
		ok, err := s.InsertVote(ctx, v)
		require.NoError(t, err)
		assert.True(t, ok)

		v.ID = uuid.NewString()
		ok, err = s.InsertVote(ctx, v)
		require.NoError(t, err)
		assert.False(t, ok)

		has, err := s.HasVote(ctx, e.ID, "bob")
		require.NoError(t, err)
		assert.True(t, has)

		n, err := s.CountVotesSince(ctx, b.ID, "bob", t0)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		n, err = s.CountVotesSince(ctx, b.ID, "bob", t0.Add(2*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})

	t.Run("due battles", func(t *testing.T) {
		now := t0.Add(24 * time.Hour)
		scheduled := newBattle(model.StatusScheduled, now.Add(-time.Minute))
		open := newBattle(model.StatusOpen, now.Add(-90*time.Minute))
		voting := newBattle(model.StatusVoting, now.Add(-3*time.Hour))
		future := newBattle(model.StatusScheduled, now.Add(time.Hour))
		draft := newBattle(model.StatusDraft, now.Add(-time.Hour))
		for _, b := range []model.Battle{scheduled, open, voting, future, draft} {
			require.NoError(t, s.CreateBattle(ctx, b))
		}

		due, err := s.ListDueBattles(ctx, now)
		require.NoError(t, err)
		ids := map[string]bool{}
		for _, b := range due {
			ids[b.ID] = true
		}
		assert.True(t, ids[scheduled.ID])
		assert.True(t, ids[open.ID])
		assert.True(t, ids[voting.ID])
		assert.False(t, ids[future.ID])
		assert.False(t, ids[draft.ID])
	})

	t.Run("transaction rolls back on error", func(t *testing.T) {
		b := newBattle(model.StatusOpen, t0)
		require.NoError(t, s.CreateBattle(ctx, b))

		err := s.WithTx(ctx, func(r Repository) error {
			require.NoError(t, r.IncrementBattleCounters(ctx, b.ID, CounterDelta{Entries: 1}))
			require.NoError(t, r.CreateEntry(ctx, newEntry(b.ID, "alice", t0)))
			return ErrPreconditionFailed
		})
		assert.ErrorIs(t, err, ErrPreconditionFailed)

		got, err := s.GetBattle(ctx, b.ID)
		require.NoError(t, err)
		assert.EqualValues(t, 0, got.EntryCount)
		list, err := s.ListEntries(ctx, b.ID)
		require.NoError(t, err)
		assert.Empty(t, list)
	})

	t.Run("concurrent counter increments are not lost", func(t *testing.T) {
		b := newBattle(model.StatusVoting, t0)
		require.NoError(t, s.CreateBattle(ctx, b))

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = s.WithTx(ctx, func(r Repository) error {
					return r.IncrementBattleCounters(ctx, b.ID, CounterDelta{Votes: 1})
				})
			}()
		}
		wg.Wait()

		got, err := s.GetBattle(ctx, b.ID)
		require.NoError(t, err)
		assert.EqualValues(t, 20, got.VoteCount)
	})

	t.Run("battle lock serializes per-user limit checks", func(t *testing.T) {
		b := newBattle(model.StatusOpen, t0)
		require.NoError(t, s.CreateBattle(ctx, b))

		_, err := s.LockBattle(ctx, uuid.NewString(), LockCounters)
		assert.ErrorIs(t, err, ErrNotFound)

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = s.WithTx(ctx, func(r Repository) error {
					locked, err := r.LockBattle(ctx, b.ID, LockCounters)
					if err != nil {
						return err
					}
					stats, err := r.UserEntryStats(ctx, b.ID, "alice")
					if err != nil {
						return err
					}
					if stats.Active >= locked.MaxEntriesPerUser {
						return ErrConflict
					}
					if err := r.CreateEntry(ctx, newEntry(b.ID, "alice", t0)); err != nil {
						return err
					}
					return r.IncrementBattleCounters(ctx, b.ID, CounterDelta{Entries: 1, Participants: 1})
				})
			}()
		}
		wg.Wait()

		list, err := s.ListEntries(ctx, b.ID)
		require.NoError(t, err)
		assert.Len(t, list, 1)
		got, err := s.GetBattle(ctx, b.ID)
		require.NoError(t, err)
		assert.EqualValues(t, 1, got.EntryCount)
		assert.EqualValues(t, 1, got.ParticipantCount)
	})
}
