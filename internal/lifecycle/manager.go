// Package lifecycle drives battles through draft, scheduled, open, voting and
// completed, and orchestrates entry submission, voting and final ranking.
//
// Every operation runs as one storage transaction. Events are published after
// the transaction commits; a failed publish is logged and does not undo the write.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	errordefs "github.com/RegistryAccord/registryaccord-battle-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-battle-go/internal/event"
	"github.com/RegistryAccord/registryaccord-battle-go/internal/ledger"
	"github.com/RegistryAccord/registryaccord-battle-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-battle-go/internal/model"
	"github.com/RegistryAccord/registryaccord-battle-go/internal/ranking"
	"github.com/RegistryAccord/registryaccord-battle-go/internal/storage"
	"github.com/RegistryAccord/registryaccord-battle-go/internal/submission"
	"github.com/RegistryAccord/registryaccord-battle-go/internal/telemetry"
)

// MediaVerifier confirms referenced media exists and may enrich its metadata.
type MediaVerifier interface {
	VerifyContent(ctx context.Context, content model.Content) (model.Content, error)
}

// Options wires a Manager. Store is required; everything else has a default.
type Options struct {
	Store     storage.Store
	Publisher event.Publisher
	Validator *submission.Validator
	Ledger    *ledger.Ledger
	Ranking   *ranking.Engine
	Media     MediaVerifier
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
	Now       func() time.Time
}

// Manager implements the battle lifecycle.
type Manager struct {
	store     storage.Store
	publisher event.Publisher
	validator *submission.Validator
	ledger    *ledger.Ledger
	ranking   *ranking.Engine
	media     MediaVerifier
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a Manager from opts.
func New(opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, errors.New("lifecycle: store is required")
	}
	m := &Manager{
		store:     opts.Store,
		publisher: opts.Publisher,
		validator: opts.Validator,
		ledger:    opts.Ledger,
		ranking:   opts.Ranking,
		media:     opts.Media,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
		now:       opts.Now,
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	m.logger = m.logger.With("module", "lifecycle")
	if m.publisher == nil {
		m.publisher = event.NewNoop()
	}
	if m.validator == nil {
		v, err := submission.NewValidator(nil, m.logger)
		if err != nil {
			return nil, err
		}
		m.validator = v
	}
	if m.ledger == nil {
		m.ledger = ledger.New(ledger.DefaultLimit, ledger.DefaultWindow)
	}
	if m.ranking == nil {
		m.ranking = ranking.NewEngine(nil)
	}
	if m.metrics == nil {
		m.metrics = metrics.NewMetrics()
	}
	if m.now == nil {
		m.now = func() time.Time { return time.Now().UTC() }
	}
	return m, nil
}

// tx runs fn in one unit of work and records its outcome under operation.
func (m *Manager) tx(ctx context.Context, operation string, fn func(storage.Repository) error) error {
	start := time.Now()
	err := m.store.WithTx(ctx, fn)
	m.metrics.ObserveStorage(operation, start, err)
	return err
}

// storeErr maps storage sentinels onto the error taxonomy. Errors that are
// already classified pass through unchanged.
func storeErr(err error, what string) error {
	if err == nil {
		return nil
	}
	if _, ok := errordefs.As(err); ok {
		return err
	}
	if errors.Is(err, storage.ErrNotFound) {
		return errordefs.NotFound(what + " not found")
	}
	if errors.Is(err, storage.ErrConflict) {
		return errordefs.Wrap(errordefs.BTL_CONFLICT, what+" already exists", err)
	}
	return errordefs.Internal("failed to access "+what, err)
}

// emit publishes one event after commit. Failures are logged and swallowed
// unless they are classified Internal.
func (m *Manager) emit(ctx context.Context, eventType string, publish func(context.Context) error) error {
	start := time.Now()
	err := publish(ctx)
	m.metrics.ObservePublish(eventType, start, err)
	if err == nil {
		return nil
	}
	if e, ok := errordefs.As(err); ok && e.Code == errordefs.BTL_INTERNAL {
		return err
	}
	m.logger.Warn("event publish failed",
		slog.String("event_type", eventType),
		slog.String("error", err.Error()))
	return nil
}

// CreateBattle creates a battle owned by creatorID.
func (m *Manager) CreateBattle(ctx context.Context, creatorID string, req model.CreateBattleRequest) (_ *model.Battle, err error) {
	ctx, span := telemetry.Start(ctx, "lifecycle.CreateBattle")
	defer func() { telemetry.End(span, err) }()

	if strings.TrimSpace(creatorID) == "" {
		return nil, errordefs.Validation("creatorId", "creatorId is required")
	}
	if err := validateCreate(req); err != nil {
		return nil, err
	}

	now := m.now()
	maxEntries := req.MaxEntriesPerUser
	if maxEntries == 0 {
		maxEntries = 1
	}

	status := model.StatusScheduled
	switch {
	case req.Draft:
		status = model.StatusDraft
	case !req.StartTime.After(now):
		status = model.StatusOpen
	}

	battle := model.Battle{
		ID:                uuid.New().String(),
		Title:             strings.TrimSpace(req.Title),
		Description:       strings.TrimSpace(req.Description),
		Type:              req.Type,
		Rules:             req.Rules,
		Status:            status,
		StartTime:         req.StartTime.UTC(),
		EndTime:           req.EndTime.UTC(),
		VotingEndTime:     req.VotingEndTime.UTC(),
		MaxEntriesPerUser: maxEntries,
		Featured:          req.Featured,
		CreatorID:         creatorID,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	span.SetAttributes(attribute.String("battle.id", battle.ID), attribute.String("battle.status", string(status)))

	err = m.tx(ctx, "create_battle", func(r storage.Repository) error {
		return storeErr(r.CreateBattle(ctx, battle), "battle")
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("battle created",
		slog.String("battle_id", battle.ID),
		slog.String("status", string(battle.Status)),
		slog.String("creator_id", creatorID))

	if err := m.emit(ctx, event.TypeBattleCreated, func(ctx context.Context) error {
		return m.publisher.PublishBattleCreated(ctx, battle)
	}); err != nil {
		return &battle, err
	}
	return &battle, nil
}

func validateCreate(req model.CreateBattleRequest) error {
	if strings.TrimSpace(req.Title) == "" {
		return errordefs.Validation("title", "title is required")
	}
	if !req.Type.Valid() {
		return errordefs.Validation("battleType", fmt.Sprintf("unknown battle type %q", req.Type))
	}
	if len(req.Rules.MediaTypes) == 0 {
		return errordefs.Validation("rules.mediaTypes", "at least one media type is required")
	}
	for _, k := range req.Rules.MediaTypes {
		switch k {
		case model.KindText, model.KindImage, model.KindAudio, model.KindVideo, model.KindMixed:
		default:
			return errordefs.Validation("rules.mediaTypes", fmt.Sprintf("unknown media type %q", k))
		}
	}
	if req.Rules.MinLength < 0 || req.Rules.MaxLength < 0 || req.Rules.MaxDuration < 0 {
		return errordefs.Validation("rules", "length and duration limits must not be negative")
	}
	if req.Rules.MaxLength > 0 && req.Rules.MinLength > req.Rules.MaxLength {
		return errordefs.Validation("rules.minLength", "minLength must not exceed maxLength")
	}
	if req.MaxEntriesPerUser < 0 {
		return errordefs.Validation("maxEntriesPerUser", "maxEntriesPerUser must be positive")
	}
	if req.StartTime.IsZero() || req.EndTime.IsZero() || req.VotingEndTime.IsZero() {
		return errordefs.Validation("startTime", "startTime, endTime and votingEndTime are required")
	}
	if !req.EndTime.After(req.StartTime) {
		return errordefs.Validation("endTime", "endTime must be after startTime")
	}
	if !req.VotingEndTime.After(req.EndTime) {
		return errordefs.Validation("votingEndTime", "votingEndTime must be after endTime")
	}
	return nil
}

// GetBattle returns one battle.
func (m *Manager) GetBattle(ctx context.Context, battleID string) (*model.Battle, error) {
	b, err := m.store.GetBattle(ctx, battleID)
	if err != nil {
		return nil, storeErr(err, "battle")
	}
	return b, nil
}

// ListBattles lists battles, newest first.
func (m *Manager) ListBattles(ctx context.Context, query model.ListBattlesQuery) ([]model.Battle, error) {
	if query.Status != "" && !query.Status.Valid() {
		return nil, errordefs.Validation("status", fmt.Sprintf("unknown status %q", query.Status))
	}
	out, err := m.store.ListBattles(ctx, query)
	if err != nil {
		return nil, storeErr(err, "battles")
	}
	return out, nil
}

// errStale reports that a sweep candidate moved on before its transaction ran.
var errStale = errors.New("battle status changed since it was selected")

// transitionResult carries what the post-commit side effects need.
type transitionResult struct {
	from     model.BattleStatus
	battle   model.Battle
	winnerID string
	owners   []string
	// committed is true once the status write is durable, even if a
	// side effect failed afterwards.
	committed bool
}

// UpdateBattleStatus moves a battle to target. Only the creator, an admin or
// the system actor may do so.
func (m *Manager) UpdateBattleStatus(ctx context.Context, battleID string, target model.BattleStatus, actor model.Actor) (*model.Battle, error) {
	res, err := m.transition(ctx, battleID, target, actor, "")
	if err != nil {
		return nil, err
	}
	return &res.battle, nil
}

// transition validates and commits one status change, then runs its side effects.
// A non-empty expect makes the call a no-op (errStale) if the persisted status differs.
func (m *Manager) transition(ctx context.Context, battleID string, target model.BattleStatus, actor model.Actor, expect model.BattleStatus) (_ transitionResult, err error) {
	ctx, span := telemetry.Start(ctx, "lifecycle.UpdateBattleStatus")
	span.SetAttributes(attribute.String("battle.id", battleID), attribute.String("battle.target", string(target)))
	defer func() {
		if errors.Is(err, errStale) {
			telemetry.End(span, nil)
			return
		}
		telemetry.End(span, err)
	}()

	if !target.Valid() {
		return transitionResult{}, errordefs.Validation("status", fmt.Sprintf("unknown status %q", target))
	}

	now := m.now()
	var res transitionResult
	err = m.tx(ctx, "update_status", func(r storage.Repository) error {
		// Exclusive so in-flight votes and submissions finish before ranking.
		b, err := r.LockBattle(ctx, battleID, storage.LockExclusive)
		if err != nil {
			return storeErr(err, "battle")
		}
		if expect != "" && b.Status != expect {
			return errStale
		}
		if !actor.IsAdmin() && actor.ID != b.CreatorID {
			return errordefs.Forbidden("only the creator or an admin may change battle status")
		}
		if err := ValidateTransition(b.Status, target, *b, now); err != nil {
			return err
		}

		res.from = b.Status
		update := storage.StatusUpdate{From: b.Status, To: target, At: now}

		switch target {
		case model.StatusVoting:
			entries, err := r.ListEntries(ctx, b.ID)
			if err != nil {
				return storeErr(err, "entries")
			}
			res.owners = recipients(b.CreatorID, entries)
		case model.StatusCompleted:
			winner, err := m.finalize(ctx, r, b.ID)
			if err != nil {
				return err
			}
			res.winnerID = winner
			update.ResultsCalculatedAt = &now
			if b.ResultsCalculatedAt == nil {
				stamp := now
				b.ResultsCalculatedAt = &stamp
			}
		}

		if err := r.UpdateBattleStatus(ctx, b.ID, update); err != nil {
			if errors.Is(err, storage.ErrPreconditionFailed) {
				return errStale
			}
			return storeErr(err, "battle")
		}
		b.Status = target
		b.UpdatedAt = now
		res.battle = *b
		return nil
	})

	result := "success"
	switch {
	case errors.Is(err, errStale):
		result = "stale"
	case err != nil:
		result = "rejected"
	}
	from := string(res.from)
	if from == "" {
		from = string(expect)
	}
	m.metrics.BattleTransitionsTotal.WithLabelValues(from, string(target), result).Inc()

	if err != nil {
		if errors.Is(err, errStale) && expect == "" {
			return transitionResult{}, errordefs.Wrap(errordefs.BTL_CONFLICT, "battle status changed concurrently", err)
		}
		return transitionResult{}, err
	}

	res.committed = true
	m.logger.Info("battle status changed",
		slog.String("battle_id", battleID),
		slog.String("from", string(res.from)),
		slog.String("to", string(target)),
		slog.String("actor", actor.ID))

	return res, m.executeTransition(ctx, res)
}

// finalize ranks the battle's approved entries and persists the ranks.
func (m *Manager) finalize(ctx context.Context, r storage.Repository, battleID string) (string, error) {
	entries, err := r.ListEntries(ctx, battleID)
	if err != nil {
		return "", storeErr(err, "entries")
	}
	result, err := m.ranking.Rank(ctx, entries)
	if err != nil {
		return "", err
	}
	ranks := make([]storage.EntryRank, 0, len(result.Placements))
	for _, p := range result.Placements {
		ranks = append(ranks, storage.EntryRank{EntryID: p.EntryID, Rank: p.Rank, TiedWith: p.TiedWith})
	}
	if err := r.SetEntryRanks(ctx, ranks); err != nil {
		return "", storeErr(err, "entry")
	}
	m.logger.Info("battle ranked",
		slog.String("battle_id", battleID),
		slog.Int("ranked", len(ranks)),
		slog.String("winner_id", result.WinnerID))
	return result.WinnerID, nil
}

// recipients returns the distinct entry owners followed by the creator.
func recipients(creatorID string, entries []model.Entry) []string {
	seen := make(map[string]bool)
	out := make([]string, 0, len(entries)+1)
	for _, e := range entries {
		if !seen[e.UserID] {
			seen[e.UserID] = true
			out = append(out, e.UserID)
		}
	}
	if !seen[creatorID] {
		out = append(out, creatorID)
	}
	return out
}

// executeTransition runs the side effects of an entry into res.battle.Status.
func (m *Manager) executeTransition(ctx context.Context, res transitionResult) error {
	b := res.battle
	switch b.Status {
	case model.StatusScheduled:
		return m.emit(ctx, event.TypeNotification, func(ctx context.Context) error {
			return m.publisher.PublishNotification(ctx, event.Notification{
				RecipientID: b.CreatorID, Kind: event.NotifyBattleScheduled, BattleID: b.ID, Title: b.Title,
			})
		})
	case model.StatusOpen:
		return m.emit(ctx, event.TypeBattleUpdated, func(ctx context.Context) error {
			return m.publisher.PublishBattleUpdated(ctx, b)
		})
	case model.StatusVoting:
		if err := m.emit(ctx, event.TypeVotingStarted, func(ctx context.Context) error {
			return m.publisher.PublishVotingStarted(ctx, b)
		}); err != nil {
			return err
		}
		for _, userID := range res.owners {
			n := event.Notification{RecipientID: userID, Kind: event.NotifyVotingStarted, BattleID: b.ID, Title: b.Title}
			if err := m.emit(ctx, event.TypeNotification, func(ctx context.Context) error {
				return m.publisher.PublishNotification(ctx, n)
			}); err != nil {
				return err
			}
		}
	case model.StatusCompleted:
		return m.emit(ctx, event.TypeBattleCompleted, func(ctx context.Context) error {
			return m.publisher.PublishBattleCompleted(ctx, b, res.winnerID)
		})
	}
	return nil
}
