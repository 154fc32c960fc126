package ranking

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errordefs "github.com/RegistryAccord/registryaccord-battle-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-battle-go/internal/model"
)

var base = time.Date(2026, 4, 10, 9, 0, 0, 0, time.UTC)

func entry(id, user string, votes int64, offset time.Duration, mod model.ModerationStatus) model.Entry {
	return model.Entry{
		ID: id, UserID: user, Moderation: mod,
		Metrics:     model.EntryMetrics{VoteCount: votes},
		SubmittedAt: base.Add(offset),
	}
}

type fixedAchievements map[string]int

func (f fixedAchievements) UnlockCount(ctx context.Context, userID string) (int, error) {
	return f[userID], nil
}

type failingAchievements struct{}

func (failingAchievements) UnlockCount(ctx context.Context, userID string) (int, error) {
	return 0, errors.New("achievements unavailable")
}

func TestComputeOrdersByKeys(t *testing.T) {
	res := Compute([]Candidate{
		{Entry: entry("d", "u4", 3, 0, model.ModerationApproved)},
		{Entry: entry("a", "u1", 9, time.Minute, model.ModerationApproved)},
		{Entry: entry("b", "u2", 9, 0, model.ModerationApproved)},
		{Entry: entry("c", "u3", 3, 0, model.ModerationApproved), Achievements: 7},
	})

	ids := make([]string, 0, len(res.Placements))
	ranks := make([]int, 0, len(res.Placements))
	for _, p := range res.Placements {
		ids = append(ids, p.EntryID)
		ranks = append(ranks, p.Rank)
	}
	assert.Equal(t, []string{"b", "a", "c", "d"}, ids)
	assert.Equal(t, []int{1, 2, 3, 4}, ranks)
	assert.Equal(t, "b", res.WinnerID)
	for _, p := range res.Placements {
		assert.Empty(t, p.TiedWith)
	}
}

// Three entries, A and B identical on every key but id, C behind on votes.
func TestComputeTieGroup(t *testing.T) {
	res := Compute([]Candidate{
		{Entry: entry("C", "u3", 5, 0, model.ModerationApproved)},
		{Entry: entry("B", "u2", 10, 0, model.ModerationApproved), Achievements: 2},
		{Entry: entry("A", "u1", 10, 0, model.ModerationApproved), Achievements: 2},
	})

	require.Len(t, res.Placements, 3)
	assert.Equal(t, Placement{EntryID: "A", UserID: "u1", Votes: 10, Rank: 1, TiedWith: []string{"B"}}, res.Placements[0])
	assert.Equal(t, Placement{EntryID: "B", UserID: "u2", Votes: 10, Rank: 1, TiedWith: []string{"A"}}, res.Placements[1])
	assert.Equal(t, Placement{EntryID: "C", UserID: "u3", Votes: 5, Rank: 3}, res.Placements[2])
	assert.Equal(t, "A", res.WinnerID)
}

func TestComputeCompetitionRanking(t *testing.T) {
	res := Compute([]Candidate{
		{Entry: entry("w", "u1", 8, 0, model.ModerationApproved)},
		{Entry: entry("x", "u2", 4, 0, model.ModerationApproved)},
		{Entry: entry("y", "u3", 4, 0, model.ModerationApproved)},
		{Entry: entry("z", "u4", 4, 0, model.ModerationApproved)},
		{Entry: entry("q", "u5", 1, 0, model.ModerationApproved)},
	})
	ranks := map[string]int{}
	for _, p := range res.Placements {
		ranks[p.EntryID] = p.Rank
	}
	assert.Equal(t, map[string]int{"w": 1, "x": 2, "y": 2, "z": 2, "q": 5}, ranks)
	assert.ElementsMatch(t, []string{"x", "z"}, res.Placements[2].TiedWith)
}

func TestComputeEmpty(t *testing.T) {
	res := Compute(nil)
	assert.Empty(t, res.Placements)
	assert.Empty(t, res.WinnerID)
}

// Rank positions never decrease and tied entries agree on the first three keys.
func TestComputeRankProperties(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 50; round++ {
		n := rng.Intn(30)
		cands := make([]Candidate, n)
		for i := range cands {
			cands[i] = Candidate{
				Entry:        entry(string(rune('a'+i%26))+string(rune('0'+i/26)), "u", int64(rng.Intn(4)), time.Duration(rng.Intn(2))*time.Minute, model.ModerationApproved),
				Achievements: rng.Intn(2),
			}
		}
		res := Compute(cands)
		require.Len(t, res.Placements, n)
		for i := 1; i < n; i++ {
			prev, cur := res.Placements[i-1], res.Placements[i]
			assert.LessOrEqual(t, prev.Rank, cur.Rank)
			if cur.Rank == prev.Rank {
				assert.Equal(t, prev.Votes, cur.Votes)
				assert.Contains(t, cur.TiedWith, prev.EntryID)
			} else {
				assert.Equal(t, i+1, cur.Rank)
			}
		}
	}
}

func TestEngineRanksApprovedOnly(t *testing.T) {
	eng := NewEngine(fixedAchievements{"u2": 5})
	res, err := eng.Rank(context.Background(), []model.Entry{
		entry("e1", "u1", 3, 0, model.ModerationApproved),
		entry("e2", "u2", 3, 0, model.ModerationApproved),
		entry("e3", "u3", 99, 0, model.ModerationPending),
		entry("e4", "u4", 50, 0, model.ModerationRejected),
	})
	require.NoError(t, err)
	require.Len(t, res.Placements, 2)
	assert.Equal(t, "e2", res.Placements[0].EntryID)
	assert.Equal(t, 1, res.Placements[0].Rank)
	assert.Equal(t, 2, res.Placements[1].Rank)
}

func TestEngineAchievementFailureIsInternal(t *testing.T) {
	eng := NewEngine(failingAchievements{})
	_, err := eng.Rank(context.Background(), []model.Entry{entry("e1", "u1", 1, 0, model.ModerationApproved)})
	require.Error(t, err)
	assert.True(t, errordefs.Is(err, errordefs.BTL_INTERNAL))
}

func TestEngineNilSource(t *testing.T) {
	res, err := NewEngine(nil).Rank(context.Background(), []model.Entry{entry("e1", "u1", 1, 0, model.ModerationApproved)})
	require.NoError(t, err)
	assert.Equal(t, "e1", res.WinnerID)
}
