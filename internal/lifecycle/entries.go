package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"

	errordefs "github.com/RegistryAccord/registryaccord-battle-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-battle-go/internal/event"
	"github.com/RegistryAccord/registryaccord-battle-go/internal/model"
	"github.com/RegistryAccord/registryaccord-battle-go/internal/storage"
	"github.com/RegistryAccord/registryaccord-battle-go/internal/telemetry"
)

// SubmitEntry adds userID's entry to an open battle.
func (m *Manager) SubmitEntry(ctx context.Context, battleID, userID string, content model.Content) (_ *model.Entry, err error) {
	ctx, span := telemetry.Start(ctx, "lifecycle.SubmitEntry")
	span.SetAttributes(attribute.String("battle.id", battleID))
	defer func() {
		result := "accepted"
		if err != nil {
			result = strings.ToLower(string(errordefs.CodeOf(err)))
		}
		m.metrics.EntriesSubmittedTotal.WithLabelValues(result).Inc()
		telemetry.End(span, err)
	}()

	if strings.TrimSpace(userID) == "" {
		return nil, errordefs.Validation("userId", "userId is required")
	}

	battle, err := m.store.GetBattle(ctx, battleID)
	if err != nil {
		return nil, storeErr(err, "battle")
	}
	if battle.Status != model.StatusOpen {
		return nil, errordefs.Validation("status",
			fmt.Sprintf("battle is %s, entries are only accepted while open", battle.Status))
	}

	if m.media != nil {
		content, err = m.media.VerifyContent(ctx, content)
		if err != nil {
			return nil, err
		}
	}
	if err := m.validator.Validate(*battle, content); err != nil {
		return nil, err
	}

	now := m.now()
	entry := model.Entry{
		ID:          ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		BattleID:    battleID,
		UserID:      userID,
		Content:     content,
		Moderation:  model.ModerationPending,
		SubmittedAt: now,
	}

	err = m.tx(ctx, "submit_entry", func(r storage.Repository) error {
		// Holds off transitions and queues this battle's other submissions until commit.
		b, err := r.LockBattle(ctx, battleID, storage.LockCounters)
		if err != nil {
			return storeErr(err, "battle")
		}
		if b.Status != model.StatusOpen {
			return errordefs.Validation("status",
				fmt.Sprintf("battle is %s, entries are only accepted while open", b.Status))
		}
		stats, err := r.UserEntryStats(ctx, battleID, userID)
		if err != nil {
			return storeErr(err, "entries")
		}
		if stats.Active >= b.MaxEntriesPerUser {
			return errordefs.Validation("maxEntriesPerUser",
				fmt.Sprintf("maximum of %d entries per user reached", b.MaxEntriesPerUser))
		}
		if err := r.CreateEntry(ctx, entry); err != nil {
			return storeErr(err, "entry")
		}
		delta := storage.CounterDelta{Entries: 1}
		if stats.Total == 0 {
			delta.Participants = 1
		}
		return storeErr(r.IncrementBattleCounters(ctx, battleID, delta), "battle")
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("entry submitted",
		slog.String("battle_id", battleID),
		slog.String("entry_id", entry.ID),
		slog.String("user_id", userID))

	if err := m.emit(ctx, event.TypeEntrySubmitted, func(ctx context.Context) error {
		return m.publisher.PublishEntrySubmitted(ctx, entry)
	}); err != nil {
		return &entry, err
	}
	return &entry, nil
}

// GetBattleEntries returns a battle's entries in submission order.
func (m *Manager) GetBattleEntries(ctx context.Context, battleID string) ([]model.Entry, error) {
	if _, err := m.store.GetBattle(ctx, battleID); err != nil {
		return nil, storeErr(err, "battle")
	}
	entries, err := m.store.ListEntries(ctx, battleID)
	if err != nil {
		return nil, storeErr(err, "entries")
	}
	return entries, nil
}

// ReviewEntry records a moderation decision for a pending entry.
func (m *Manager) ReviewEntry(ctx context.Context, entryID string, status model.ModerationStatus, actor model.Actor) (_ *model.Entry, err error) {
	ctx, span := telemetry.Start(ctx, "lifecycle.ReviewEntry")
	span.SetAttributes(attribute.String("entry.id", entryID))
	defer func() { telemetry.End(span, err) }()

	if !actor.IsAdmin() && !actor.HasRole(model.RoleModerator) {
		return nil, errordefs.Forbidden("only moderators may review entries")
	}
	if status != model.ModerationApproved && status != model.ModerationRejected {
		return nil, errordefs.Validation("status", "status must be approved or rejected")
	}

	var out model.Entry
	err = m.tx(ctx, "review_entry", func(r storage.Repository) error {
		e, err := r.GetEntry(ctx, entryID)
		if err != nil {
			return storeErr(err, "entry")
		}
		if e.Moderation != model.ModerationPending {
			return errordefs.Validation("status",
				fmt.Sprintf("entry was already %s", e.Moderation))
		}
		b, err := r.LockBattle(ctx, e.BattleID, storage.LockCounters)
		if err != nil {
			return storeErr(err, "battle")
		}
		if b.Status == model.StatusCompleted {
			return errordefs.Validation("status", "entries of a completed battle cannot be reviewed")
		}
		if err := r.SetEntryModeration(ctx, entryID, status); err != nil {
			return storeErr(err, "entry")
		}
		e.Moderation = status
		out = *e
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("entry reviewed",
		slog.String("entry_id", entryID),
		slog.String("status", string(status)),
		slog.String("actor", actor.ID))
	return &out, nil
}

// GetBattleResults returns the ranked entries of a completed battle, or every
// entry in submission order while the battle is still running.
func (m *Manager) GetBattleResults(ctx context.Context, battleID string) (_ *model.BattleResults, err error) {
	ctx, span := telemetry.Start(ctx, "lifecycle.GetBattleResults")
	span.SetAttributes(attribute.String("battle.id", battleID))
	defer func() { telemetry.End(span, err) }()

	battle, err := m.store.GetBattle(ctx, battleID)
	if err != nil {
		return nil, storeErr(err, "battle")
	}
	entries, err := m.store.ListEntries(ctx, battleID)
	if err != nil {
		return nil, storeErr(err, "entries")
	}

	res := &model.BattleResults{Battle: *battle, Entries: entries}
	if battle.Status != model.StatusCompleted {
		return res, nil
	}

	ranked := make([]model.Entry, 0, len(entries))
	for _, e := range entries {
		if e.Rank != nil {
			ranked = append(ranked, e)
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if *ranked[i].Rank != *ranked[j].Rank {
			return *ranked[i].Rank < *ranked[j].Rank
		}
		return ranked[i].ID < ranked[j].ID
	})
	res.Entries = ranked
	res.HasEnded = true
	if len(ranked) > 0 {
		res.WinnerID = ranked[0].ID
	}
	return res, nil
}

// VoteForEntry records voterID's vote. Repeat votes succeed with Duplicate set.
func (m *Manager) VoteForEntry(ctx context.Context, entryID, voterID string) (_ *model.VoteResult, err error) {
	ctx, span := telemetry.Start(ctx, "lifecycle.VoteForEntry")
	span.SetAttributes(attribute.String("entry.id", entryID))
	var result model.VoteResult
	defer func() {
		outcome := "accepted"
		switch {
		case errordefs.Is(err, errordefs.BTL_RATE_LIMIT):
			outcome = "rate_limited"
		case err != nil:
			outcome = "rejected"
		case result.Duplicate:
			outcome = "duplicate"
		}
		m.metrics.VotesTotal.WithLabelValues(outcome).Inc()
		telemetry.End(span, err)
	}()

	if strings.TrimSpace(voterID) == "" {
		return nil, errordefs.Validation("voterId", "voterId is required")
	}

	now := m.now()
	err = m.tx(ctx, "vote", func(r storage.Repository) error {
		entry, err := r.GetEntry(ctx, entryID)
		if err != nil {
			return storeErr(err, "entry")
		}
		battle, err := r.LockBattle(ctx, entry.BattleID, storage.LockCounters)
		if err != nil {
			return storeErr(err, "battle")
		}
		if battle.Status != model.StatusVoting {
			return errordefs.Validation("status",
				fmt.Sprintf("battle is %s, votes are only accepted while voting", battle.Status))
		}
		if entry.UserID == voterID {
			return errordefs.Forbidden("users cannot vote for their own entry")
		}
		if entry.Moderation == model.ModerationRejected {
			return errordefs.Validation("entryId", "entry was rejected by moderation")
		}
		result, err = m.ledger.Cast(ctx, r, *entry, voterID, now)
		return err
	})
	if err != nil {
		return nil, err
	}

	if !result.Duplicate {
		m.logger.Debug("vote recorded",
			slog.String("entry_id", entryID),
			slog.String("voter_id", voterID))
	}
	return &result, nil
}
