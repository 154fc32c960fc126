// Package ranking orders a battle's approved entries into competition ranks.
//
// Entries are sorted by vote count (desc), submission time (asc), the owner's
// lifetime achievement-unlock count (desc) and finally entry id (asc). Entries
// whose first three keys are equal share a rank and form a tie group; the next
// distinct entry takes its 1-based position, giving ranks like 1, 2, 2, 4.
package ranking

import (
	"context"
	"fmt"
	"sort"

	errordefs "github.com/RegistryAccord/registryaccord-battle-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-battle-go/internal/model"
)

// AchievementSource reports how many achievements a user has unlocked.
type AchievementSource interface {
	UnlockCount(ctx context.Context, userID string) (int, error)
}

// Candidate is an entry with its owner's achievement count resolved.
type Candidate struct {
	Entry        model.Entry
	Achievements int
}

// Placement is the ranking output for one entry.
type Placement struct {
	EntryID  string
	UserID   string
	Votes    int64
	Rank     int
	TiedWith []string // Other members of the tie group, empty when the rank is unique
}

// Result is the full ranking of a battle.
type Result struct {
	Placements []Placement // In rank order
	WinnerID   string      // Entry at position 0, empty when nothing was ranked
}

func less(a, b Candidate) bool {
	if a.Entry.Metrics.VoteCount != b.Entry.Metrics.VoteCount {
		return a.Entry.Metrics.VoteCount > b.Entry.Metrics.VoteCount
	}
	if !a.Entry.SubmittedAt.Equal(b.Entry.SubmittedAt) {
		return a.Entry.SubmittedAt.Before(b.Entry.SubmittedAt)
	}
	if a.Achievements != b.Achievements {
		return a.Achievements > b.Achievements
	}
	return a.Entry.ID < b.Entry.ID
}

// sameKey compares everything but the id tiebreak.
func sameKey(a, b Candidate) bool {
	return a.Entry.Metrics.VoteCount == b.Entry.Metrics.VoteCount &&
		a.Entry.SubmittedAt.Equal(b.Entry.SubmittedAt) &&
		a.Achievements == b.Achievements
}

// Compute ranks candidates. It does not filter by moderation status.
func Compute(candidates []Candidate) Result {
	sorted := make([]Candidate, len(candidates))
	copy(sorted, candidates)
	sort.Slice(sorted, func(i, j int) bool { return less(sorted[i], sorted[j]) })

	placements := make([]Placement, len(sorted))
	rank, groupStart := 0, 0
	for i, c := range sorted {
		if i == 0 || !sameKey(c, sorted[i-1]) {
			closeGroup(placements, groupStart, i)
			rank, groupStart = i+1, i
		}
		placements[i] = Placement{
			EntryID: c.Entry.ID,
			UserID:  c.Entry.UserID,
			Votes:   c.Entry.Metrics.VoteCount,
			Rank:    rank,
		}
	}
	closeGroup(placements, groupStart, len(sorted))

	res := Result{Placements: placements}
	if len(placements) > 0 {
		res.WinnerID = placements[0].EntryID
	}
	return res
}

// closeGroup fills TiedWith for placements[start:end] when it holds more than one entry.
func closeGroup(placements []Placement, start, end int) {
	if end-start < 2 {
		return
	}
	for i := start; i < end; i++ {
		others := make([]string, 0, end-start-1)
		for j := start; j < end; j++ {
			if j != i {
				others = append(others, placements[j].EntryID)
			}
		}
		placements[i].TiedWith = others
	}
}

// Engine resolves achievement counts and ranks approved entries.
type Engine struct {
	achievements AchievementSource
}

// NewEngine creates an Engine. A nil source counts every user as zero achievements.
func NewEngine(source AchievementSource) *Engine {
	return &Engine{achievements: source}
}

// Rank ranks the approved entries among entries. Failure to resolve an
// achievement count is Internal and nothing is ranked.
func (e *Engine) Rank(ctx context.Context, entries []model.Entry) (Result, error) {
	counts := make(map[string]int)
	candidates := make([]Candidate, 0, len(entries))
	for _, entry := range entries {
		if entry.Moderation != model.ModerationApproved {
			continue
		}
		n, ok := counts[entry.UserID]
		if !ok && e.achievements != nil {
			var err error
			n, err = e.achievements.UnlockCount(ctx, entry.UserID)
			if err != nil {
				return Result{}, errordefs.Internal(
					fmt.Sprintf("failed to resolve achievements for %s", entry.UserID), err)
			}
			counts[entry.UserID] = n
		}
		candidates = append(candidates, Candidate{Entry: entry, Achievements: n})
	}
	return Compute(candidates), nil
}
