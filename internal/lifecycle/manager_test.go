package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errordefs "github.com/RegistryAccord/registryaccord-battle-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-battle-go/internal/event"
	"github.com/RegistryAccord/registryaccord-battle-go/internal/ledger"
	"github.com/RegistryAccord/registryaccord-battle-go/internal/model"
	"github.com/RegistryAccord/registryaccord-battle-go/internal/ranking"
	"github.com/RegistryAccord/registryaccord-battle-go/internal/storage"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type achievements map[string]int

func (a achievements) UnlockCount(ctx context.Context, userID string) (int, error) {
	return a[userID], nil
}

type brokenAchievements struct{}

func (brokenAchievements) UnlockCount(ctx context.Context, userID string) (int, error) {
	return 0, errors.New("achievements service down")
}

type harness struct {
	m     *Manager
	store storage.Store
	rec   *event.Recorder
	clock *clock
}

var base = time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)

var moderator = model.Actor{ID: "mod-1", Roles: []string{model.RoleModerator}}

func newHarness(t *testing.T, source ranking.AchievementSource) *harness {
	t.Helper()
	h := &harness{store: storage.NewMemory(), rec: event.NewRecorder(), clock: &clock{now: base}}
	m, err := New(Options{
		Store:     h.store,
		Publisher: h.rec,
		Ledger:    ledger.New(ledger.DefaultLimit, ledger.DefaultWindow),
		Ranking:   ranking.NewEngine(source),
		Now:       h.clock.Now,
	})
	require.NoError(t, err)
	h.m = m
	return h
}

func battleRequest(start time.Time) model.CreateBattleRequest {
	return model.CreateBattleRequest{
		Title:         "Haiku night",
		Type:          model.TypeWriting,
		Rules:         model.Rules{Prompt: "autumn rain", MediaTypes: []model.MediaKind{model.KindText}, MaxLength: 500},
		StartTime:     start,
		EndTime:       start.Add(3 * time.Hour),
		VotingEndTime: start.Add(4 * time.Hour),
	}
}

func text(body string) model.Content {
	return model.Content{Kind: model.KindText, Body: body}
}

func (h *harness) battle(t *testing.T, id string) model.Battle {
	t.Helper()
	b, err := h.store.GetBattle(context.Background(), id)
	require.NoError(t, err)
	return *b
}

func TestCreateBattleInitialStatus(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	future, err := h.m.CreateBattle(ctx, "creator", battleRequest(base.Add(time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, model.StatusScheduled, future.Status)
	assert.Equal(t, 1, future.MaxEntriesPerUser)
	assert.Zero(t, future.EntryCount)
	assert.Nil(t, future.ResultsCalculatedAt)

	started, err := h.m.CreateBattle(ctx, "creator", battleRequest(base))
	require.NoError(t, err)
	assert.Equal(t, model.StatusOpen, started.Status)

	req := battleRequest(base.Add(time.Hour))
	req.Draft = true
	draft, err := h.m.CreateBattle(ctx, "creator", req)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDraft, draft.Status)

	assert.Equal(t, []string{event.TypeBattleCreated, event.TypeBattleCreated, event.TypeBattleCreated}, h.rec.Types())
}

func TestCreateBattleValidation(t *testing.T) {
	h := newHarness(t, nil)

	tests := []struct {
		name   string
		mutate func(*model.CreateBattleRequest)
		field  string
	}{
		{"missing title", func(r *model.CreateBattleRequest) { r.Title = " " }, "title"},
		{"unknown type", func(r *model.CreateBattleRequest) { r.Type = "poetry" }, "battleType"},
		{"no media types", func(r *model.CreateBattleRequest) { r.Rules.MediaTypes = nil }, "rules.mediaTypes"},
		{"end equals start", func(r *model.CreateBattleRequest) { r.EndTime = r.StartTime }, "endTime"},
		{"voting end equals end", func(r *model.CreateBattleRequest) { r.VotingEndTime = r.EndTime }, "votingEndTime"},
		{"negative max entries", func(r *model.CreateBattleRequest) { r.MaxEntriesPerUser = -1 }, "maxEntriesPerUser"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := battleRequest(base.Add(time.Hour))
			tt.mutate(&req)
			_, err := h.m.CreateBattle(context.Background(), "creator", req)
			e, ok := errordefs.As(err)
			require.True(t, ok)
			assert.Equal(t, errordefs.BTL_VALIDATION, e.Code)
			assert.Equal(t, tt.field, e.Field)
		})
	}

	all, err := h.store.ListBattles(context.Background(), model.ListBattlesQuery{})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestScheduledBattleOpensAfterStart(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	b, err := h.m.CreateBattle(ctx, "creator", battleRequest(base.Add(time.Hour)))
	require.NoError(t, err)
	require.Equal(t, model.StatusScheduled, b.Status)

	report, err := h.m.ProcessBattleStatusUpdates(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Changes)
	assert.Equal(t, model.StatusScheduled, h.battle(t, b.ID).Status)

	h.clock.Set(base.Add(time.Hour))
	report, err = h.m.ProcessBattleStatusUpdates(ctx)
	require.NoError(t, err)
	assert.Equal(t, []model.StatusChange{{BattleID: b.ID, From: model.StatusScheduled, To: model.StatusOpen}}, report.Changes)
	assert.Equal(t, model.StatusOpen, h.battle(t, b.ID).Status)
	assert.Contains(t, h.rec.Types(), event.TypeBattleUpdated)
}

func TestDoubleSweepChangesNothingTheSecondTime(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := h.m.CreateBattle(ctx, fmt.Sprintf("creator-%d", i), battleRequest(base.Add(time.Duration(i+1)*time.Minute)))
		require.NoError(t, err)
	}
	h.clock.Set(base.Add(time.Hour))

	first, err := h.m.ProcessBattleStatusUpdates(ctx)
	require.NoError(t, err)
	assert.Len(t, first.Changes, 3)

	second, err := h.m.ProcessBattleStatusUpdates(ctx)
	require.NoError(t, err)
	assert.Empty(t, second.Changes)
	assert.Empty(t, second.Failures)
}

func TestConcurrentSweepsApplyEachTransitionOnce(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.m.CreateBattle(ctx, "creator", battleRequest(base.Add(time.Minute)))
	require.NoError(t, err)
	h.clock.Set(base.Add(time.Hour))

	var wg sync.WaitGroup
	changes := make(chan int, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := h.m.ProcessBattleStatusUpdates(ctx)
			assert.NoError(t, err)
			changes <- len(r.Changes)
		}()
	}
	wg.Wait()
	close(changes)

	total := 0
	for n := range changes {
		total += n
	}
	assert.Equal(t, 1, total)
}

func TestSweepIsolatesFailures(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	// Missed its whole submission window while scheduled.
	stuck, err := h.m.CreateBattle(ctx, "creator", battleRequest(base.Add(time.Minute)))
	require.NoError(t, err)
	h.clock.Set(base.Add(3 * time.Hour))
	healthy, err := h.m.CreateBattle(ctx, "creator", battleRequest(base.Add(3*time.Hour+time.Minute)))
	require.NoError(t, err)

	h.clock.Set(base.Add(3*time.Hour + 2*time.Minute))
	report, err := h.m.ProcessBattleStatusUpdates(ctx)
	require.NoError(t, err)

	require.Len(t, report.Failures, 1)
	assert.Equal(t, stuck.ID, report.Failures[0].BattleID)
	assert.Equal(t, []model.StatusChange{{BattleID: healthy.ID, From: model.StatusScheduled, To: model.StatusOpen}}, report.Changes)
	assert.Equal(t, model.StatusScheduled, h.battle(t, stuck.ID).Status)
}

func TestManualTransitionPermissions(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	req := battleRequest(base.Add(time.Hour))
	req.Draft = true
	b, err := h.m.CreateBattle(ctx, "creator", req)
	require.NoError(t, err)
	h.rec.Reset()

	_, err = h.m.UpdateBattleStatus(ctx, b.ID, model.StatusScheduled, model.Actor{ID: "someone-else"})
	assert.True(t, errordefs.Is(err, errordefs.BTL_FORBIDDEN))
	assert.Equal(t, model.StatusDraft, h.battle(t, b.ID).Status)

	_, err = h.m.UpdateBattleStatus(ctx, b.ID, model.StatusVoting, model.Actor{ID: "creator"})
	assert.True(t, errordefs.Is(err, errordefs.BTL_VALIDATION))

	updated, err := h.m.UpdateBattleStatus(ctx, b.ID, model.StatusScheduled, model.Actor{ID: "creator"})
	require.NoError(t, err)
	assert.Equal(t, model.StatusScheduled, updated.Status)
	assert.Equal(t, []event.Notification{{
		RecipientID: "creator", Kind: event.NotifyBattleScheduled, BattleID: b.ID, Title: b.Title,
	}}, h.rec.Notifications())

	_, err = h.m.UpdateBattleStatus(ctx, "missing", model.StatusOpen, model.Actor{ID: "admin", Roles: []string{model.RoleAdmin}})
	assert.True(t, errordefs.Is(err, errordefs.BTL_NOT_FOUND))
}

func TestSubmitEntryMaxEntriesPerUser(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	req := battleRequest(base)
	req.MaxEntriesPerUser = 2
	b, err := h.m.CreateBattle(ctx, "creator", req)
	require.NoError(t, err)

	_, err = h.m.SubmitEntry(ctx, b.ID, "alice", text("first"))
	require.NoError(t, err)
	_, err = h.m.SubmitEntry(ctx, b.ID, "alice", text("second"))
	require.NoError(t, err)
	_, err = h.m.SubmitEntry(ctx, b.ID, "alice", text("third"))
	e, ok := errordefs.As(err)
	require.True(t, ok)
	assert.Equal(t, errordefs.BTL_VALIDATION, e.Code)
	assert.Equal(t, "maxEntriesPerUser", e.Field)

	got := h.battle(t, b.ID)
	assert.EqualValues(t, 2, got.EntryCount)
	assert.EqualValues(t, 1, got.ParticipantCount)

	_, err = h.m.SubmitEntry(ctx, b.ID, "bob", text("hello"))
	require.NoError(t, err)
	got = h.battle(t, b.ID)
	assert.EqualValues(t, 3, got.EntryCount)
	assert.EqualValues(t, 2, got.ParticipantCount)

	entries, err := h.m.GetBattleEntries(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "first", entries[0].Content.Body)
	assert.Equal(t, model.ModerationPending, entries[0].Moderation)
}

func TestRejectedEntryFreesASlot(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	b, err := h.m.CreateBattle(ctx, "creator", battleRequest(base))
	require.NoError(t, err)
	first, err := h.m.SubmitEntry(ctx, b.ID, "alice", text("first"))
	require.NoError(t, err)
	_, err = h.m.ReviewEntry(ctx, first.ID, model.ModerationRejected, moderator)
	require.NoError(t, err)

	_, err = h.m.SubmitEntry(ctx, b.ID, "alice", text("second"))
	require.NoError(t, err)
	assert.EqualValues(t, 1, h.battle(t, b.ID).ParticipantCount)
}

func TestSubmitEntryRejections(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	scheduled, err := h.m.CreateBattle(ctx, "creator", battleRequest(base.Add(time.Hour)))
	require.NoError(t, err)
	_, err = h.m.SubmitEntry(ctx, scheduled.ID, "alice", text("early"))
	assert.True(t, errordefs.Is(err, errordefs.BTL_VALIDATION))

	_, err = h.m.SubmitEntry(ctx, "missing", "alice", text("hello"))
	assert.True(t, errordefs.Is(err, errordefs.BTL_NOT_FOUND))

	open, err := h.m.CreateBattle(ctx, "creator", battleRequest(base))
	require.NoError(t, err)
	_, err = h.m.SubmitEntry(ctx, open.ID, "alice", model.Content{Kind: model.KindImage, MediaURL: "https://media.example.com/a.png"})
	assert.True(t, errordefs.Is(err, errordefs.BTL_VALIDATION))
	_, err = h.m.SubmitEntry(ctx, open.ID, "alice", text("<script>alert(1)</script>"))
	assert.True(t, errordefs.Is(err, errordefs.BTL_VALIDATION))

	got := h.battle(t, open.ID)
	assert.Zero(t, got.EntryCount)
	assert.Zero(t, got.ParticipantCount)
	assert.NotContains(t, h.rec.Types(), event.TypeEntrySubmitted)
}

func TestReviewEntryRequiresModerator(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	b, err := h.m.CreateBattle(ctx, "creator", battleRequest(base))
	require.NoError(t, err)
	e, err := h.m.SubmitEntry(ctx, b.ID, "alice", text("hello"))
	require.NoError(t, err)

	_, err = h.m.ReviewEntry(ctx, e.ID, model.ModerationApproved, model.Actor{ID: "alice"})
	assert.True(t, errordefs.Is(err, errordefs.BTL_FORBIDDEN))

	_, err = h.m.ReviewEntry(ctx, e.ID, model.ModerationPending, moderator)
	assert.True(t, errordefs.Is(err, errordefs.BTL_VALIDATION))

	reviewed, err := h.m.ReviewEntry(ctx, e.ID, model.ModerationApproved, moderator)
	require.NoError(t, err)
	assert.Equal(t, model.ModerationApproved, reviewed.Moderation)

	_, err = h.m.ReviewEntry(ctx, e.ID, model.ModerationRejected, moderator)
	assert.True(t, errordefs.Is(err, errordefs.BTL_VALIDATION))
}

// openThenVote creates an open battle with one entry by owner and moves it to voting.
func openThenVote(t *testing.T, h *harness, owner string) (model.Battle, model.Entry) {
	t.Helper()
	ctx := context.Background()
	h.clock.Set(base)
	b, err := h.m.CreateBattle(ctx, "creator", battleRequest(base))
	require.NoError(t, err)
	e, err := h.m.SubmitEntry(ctx, b.ID, owner, text("entry"))
	require.NoError(t, err)
	_, err = h.m.ReviewEntry(ctx, e.ID, model.ModerationApproved, moderator)
	require.NoError(t, err)

	h.clock.Set(b.EndTime)
	_, err = h.m.ProcessBattleStatusUpdates(ctx)
	require.NoError(t, err)
	return h.battle(t, b.ID), *e
}

func TestVoteForEntry(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	b, e := openThenVote(t, h, "alice")
	require.Equal(t, model.StatusVoting, b.Status)

	_, err := h.m.VoteForEntry(ctx, e.ID, "alice")
	assert.True(t, errordefs.Is(err, errordefs.BTL_FORBIDDEN))

	res, err := h.m.VoteForEntry(ctx, e.ID, "bob")
	require.NoError(t, err)
	assert.False(t, res.Duplicate)

	res, err = h.m.VoteForEntry(ctx, e.ID, "bob")
	require.NoError(t, err)
	assert.True(t, res.Duplicate)

	_, err = h.m.VoteForEntry(ctx, "missing", "bob")
	assert.True(t, errordefs.Is(err, errordefs.BTL_NOT_FOUND))

	entry, err := h.store.GetEntry(ctx, e.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, entry.Metrics.VoteCount)
	assert.EqualValues(t, 1, h.battle(t, b.ID).VoteCount)
}

func TestVoteOutsideVotingIsRejected(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	b, err := h.m.CreateBattle(ctx, "creator", battleRequest(base))
	require.NoError(t, err)
	e, err := h.m.SubmitEntry(ctx, b.ID, "alice", text("entry"))
	require.NoError(t, err)

	_, err = h.m.VoteForEntry(ctx, e.ID, "bob")
	assert.True(t, errordefs.Is(err, errordefs.BTL_VALIDATION))
	assert.Zero(t, h.battle(t, b.ID).VoteCount)
}

func TestConcurrentVotesRecordOnce(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	b, e := openThenVote(t, h, "alice")

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.m.VoteForEntry(ctx, e.ID, "bob")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	entry, err := h.store.GetEntry(ctx, e.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, entry.Metrics.VoteCount)
	assert.EqualValues(t, 1, h.battle(t, b.ID).VoteCount)
}

func TestVotingNotifiesOwnersAndCreator(t *testing.T) {
	h := newHarness(t, nil)
	b, _ := openThenVote(t, h, "alice")

	var recipients []string
	for _, n := range h.rec.Notifications() {
		if n.Kind == event.NotifyVotingStarted {
			assert.Equal(t, b.ID, n.BattleID)
			recipients = append(recipients, n.RecipientID)
		}
	}
	assert.Equal(t, []string{"alice", "creator"}, recipients)
	assert.Contains(t, h.rec.Types(), event.TypeVotingStarted)
}

// A and B share every ranking key; C trails on votes despite submitting first.
func TestCompletionRanksTiedEntries(t *testing.T) {
	h := newHarness(t, achievements{"a": 3, "b": 3, "c": 7})
	ctx := context.Background()

	req := battleRequest(base)
	b, err := h.m.CreateBattle(ctx, "creator", req)
	require.NoError(t, err)

	h.clock.Set(base.Add(time.Hour))
	c, err := h.m.SubmitEntry(ctx, b.ID, "c", text("entry c"))
	require.NoError(t, err)
	h.clock.Set(base.Add(2 * time.Hour))
	a, err := h.m.SubmitEntry(ctx, b.ID, "a", text("entry a"))
	require.NoError(t, err)
	bb, err := h.m.SubmitEntry(ctx, b.ID, "b", text("entry b"))
	require.NoError(t, err)
	for _, id := range []string{a.ID, bb.ID, c.ID} {
		_, err := h.m.ReviewEntry(ctx, id, model.ModerationApproved, moderator)
		require.NoError(t, err)
	}

	h.clock.Set(b.EndTime)
	_, err = h.m.ProcessBattleStatusUpdates(ctx)
	require.NoError(t, err)

	vote := func(entryID string, n int) {
		for i := 0; i < n; i++ {
			_, err := h.m.VoteForEntry(ctx, entryID, fmt.Sprintf("voter-%d", i))
			require.NoError(t, err)
		}
	}
	vote(a.ID, 5)
	vote(bb.ID, 5)
	vote(c.ID, 3)

	h.clock.Set(b.VotingEndTime)
	report, err := h.m.ProcessBattleStatusUpdates(ctx)
	require.NoError(t, err)
	require.Len(t, report.Changes, 1)
	assert.Equal(t, model.StatusCompleted, report.Changes[0].To)

	results, err := h.m.GetBattleResults(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, results.HasEnded)
	require.NotNil(t, results.Battle.ResultsCalculatedAt)
	require.Len(t, results.Entries, 3)

	byID := make(map[string]model.Entry)
	for _, e := range results.Entries {
		byID[e.ID] = e
	}
	require.NotNil(t, byID[a.ID].Rank)
	assert.Equal(t, 1, *byID[a.ID].Rank)
	assert.Equal(t, 1, *byID[bb.ID].Rank)
	assert.Equal(t, 3, *byID[c.ID].Rank)
	assert.Equal(t, []string{bb.ID}, byID[a.ID].TiedWith)
	assert.Equal(t, []string{a.ID}, byID[bb.ID].TiedWith)
	assert.Empty(t, byID[c.ID].TiedWith)
	assert.Equal(t, c.ID, results.Entries[2].ID)

	var completed *event.EventEnvelope
	for _, ev := range h.rec.Events() {
		if ev.Type == event.TypeBattleCompleted {
			ev := ev
			completed = &ev
		}
	}
	require.NotNil(t, completed)
	payload, ok := completed.Payload.(event.CompletedPayload)
	require.True(t, ok)
	assert.Equal(t, results.WinnerID, payload.WinnerID)
	assert.Contains(t, []string{a.ID, bb.ID}, payload.WinnerID)
}

func TestCompletionRollsBackWhenRankingFails(t *testing.T) {
	h := newHarness(t, brokenAchievements{})
	ctx := context.Background()

	b, _ := openThenVote(t, h, "alice")
	h.clock.Set(b.VotingEndTime)

	report, err := h.m.ProcessBattleStatusUpdates(ctx)
	require.NoError(t, err)
	require.Len(t, report.Failures, 1)

	got := h.battle(t, b.ID)
	assert.Equal(t, model.StatusVoting, got.Status)
	assert.Nil(t, got.ResultsCalculatedAt)

	_, err = h.m.UpdateBattleStatus(ctx, b.ID, model.StatusCompleted, model.Actor{ID: "creator"})
	assert.True(t, errordefs.Is(err, errordefs.BTL_INTERNAL))
}

func TestResultsBeforeCompletion(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	b, err := h.m.CreateBattle(ctx, "creator", battleRequest(base))
	require.NoError(t, err)
	first, err := h.m.SubmitEntry(ctx, b.ID, "alice", text("one"))
	require.NoError(t, err)
	second, err := h.m.SubmitEntry(ctx, b.ID, "bob", text("two"))
	require.NoError(t, err)

	results, err := h.m.GetBattleResults(ctx, b.ID)
	require.NoError(t, err)
	assert.False(t, results.HasEnded)
	assert.Empty(t, results.WinnerID)
	require.Len(t, results.Entries, 2)
	assert.Equal(t, first.ID, results.Entries[0].ID)
	assert.Equal(t, second.ID, results.Entries[1].ID)
}

func TestPublishFailuresAfterCommit(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.rec.Fail[event.TypeBattleCreated] = errors.New("broker unavailable")
	b, err := h.m.CreateBattle(ctx, "creator", battleRequest(base))
	require.NoError(t, err)
	assert.Equal(t, model.StatusOpen, h.battle(t, b.ID).Status)

	h.rec.Fail[event.TypeEntrySubmitted] = errordefs.Internal("outbox corrupted", nil)
	_, err = h.m.SubmitEntry(ctx, b.ID, "alice", text("hello"))
	assert.True(t, errordefs.Is(err, errordefs.BTL_INTERNAL))
	assert.EqualValues(t, 1, h.battle(t, b.ID).EntryCount)
}

func TestSweepReportsCommittedChangeWhenPublishFails(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	b, err := h.m.CreateBattle(ctx, "creator", battleRequest(base.Add(time.Minute)))
	require.NoError(t, err)
	h.clock.Set(base.Add(time.Hour))

	h.rec.Fail[event.TypeBattleUpdated] = errordefs.Internal("outbox corrupted", nil)
	report, err := h.m.ProcessBattleStatusUpdates(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Failures)
	require.Len(t, report.Changes, 1)
	assert.Equal(t, b.ID, report.Changes[0].BattleID)
	assert.Equal(t, model.StatusOpen, report.Changes[0].To)
	assert.Contains(t, report.Changes[0].PublishError, "outbox corrupted")
	assert.Equal(t, model.StatusOpen, h.battle(t, b.ID).Status)

	delete(h.rec.Fail, event.TypeBattleUpdated)
	again, err := h.m.ProcessBattleStatusUpdates(ctx)
	require.NoError(t, err)
	assert.Empty(t, again.Changes)
	assert.Empty(t, again.Failures)
}

func TestConcurrentSubmissionsRespectEntryLimit(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	b, err := h.m.CreateBattle(ctx, "creator", battleRequest(base))
	require.NoError(t, err)

	var wg sync.WaitGroup
	accepted := 0
	var mu sync.Mutex
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := h.m.SubmitEntry(ctx, b.ID, "alice", text(fmt.Sprintf("entry %d", i))); err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			} else {
				assert.True(t, errordefs.Is(err, errordefs.BTL_VALIDATION), err)
			}
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, accepted)
	got := h.battle(t, b.ID)
	assert.EqualValues(t, 1, got.EntryCount)
	assert.EqualValues(t, 1, got.ParticipantCount)
}

func TestSweeperRunStopsOnCancel(t *testing.T) {
	h := newHarness(t, nil)
	b, err := h.m.CreateBattle(context.Background(), "creator", battleRequest(base.Add(time.Minute)))
	require.NoError(t, err)
	h.clock.Set(base.Add(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewSweeper(h.m, time.Hour, nil).Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		got, err := h.store.GetBattle(context.Background(), b.ID)
		return err == nil && got.Status == model.StatusOpen
	}, time.Second, 10*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
