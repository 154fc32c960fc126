package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/RegistryAccord/registryaccord-battle-go/internal/model"
	"github.com/RegistryAccord/registryaccord-battle-go/internal/telemetry"
)

// ProcessBattleStatusUpdates advances every battle whose current window has
// elapsed by exactly one step. A failure on one battle is recorded in the
// report and does not stop the others. Running it twice in a row makes no
// changes the second time.
func (m *Manager) ProcessBattleStatusUpdates(ctx context.Context) (_ model.SweepReport, err error) {
	ctx, span := telemetry.Start(ctx, "lifecycle.ProcessBattleStatusUpdates")
	start := time.Now()
	report := model.SweepReport{Changes: []model.StatusChange{}, Failures: []model.SweepFailure{}}
	defer func() {
		m.metrics.ObserveSweep(start, len(report.Failures))
		span.SetAttributes(
			attribute.Int("sweep.changes", len(report.Changes)),
			attribute.Int("sweep.failures", len(report.Failures)))
		telemetry.End(span, err)
	}()

	due, err := m.store.ListDueBattles(ctx, m.now())
	if err != nil {
		return report, storeErr(err, "battles")
	}

	for _, b := range due {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		target, ok := automatic[b.Status]
		if !ok {
			continue
		}
		res, err := m.transition(ctx, b.ID, target, model.SystemActor, b.Status)
		switch {
		case res.committed:
			change := model.StatusChange{BattleID: b.ID, From: b.Status, To: target}
			if err != nil {
				// The status is durable; only the event was lost.
				m.logger.Error("sweep transition event not published",
					slog.String("battle_id", b.ID),
					slog.String("to", string(target)),
					slog.String("error", err.Error()))
				change.PublishError = err.Error()
			}
			report.Changes = append(report.Changes, change)
		case errors.Is(err, errStale):
			// Another sweep or a manual call got there first.
		default:
			m.logger.Error("sweep transition failed",
				slog.String("battle_id", b.ID),
				slog.String("from", string(b.Status)),
				slog.String("to", string(target)),
				slog.String("error", err.Error()))
			report.Failures = append(report.Failures, model.SweepFailure{BattleID: b.ID, Error: err.Error()})
		}
	}

	if len(report.Changes) > 0 || len(report.Failures) > 0 {
		m.logger.Info("sweep finished",
			slog.Int("changes", len(report.Changes)),
			slog.Int("failures", len(report.Failures)))
	}
	return report, nil
}

// Sweeper runs ProcessBattleStatusUpdates on a fixed interval.
type Sweeper struct {
	manager  *Manager
	interval time.Duration
	logger   *slog.Logger
}

// NewSweeper creates a Sweeper. A non-positive interval defaults to one minute.
func NewSweeper(manager *Manager, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{manager: manager, interval: interval, logger: logger.With("module", "sweeper")}
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	s.logger.Info("sweeper started", slog.Duration("interval", s.interval))
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, err := s.manager.ProcessBattleStatusUpdates(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("sweep failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return
		case <-ticker.C:
		}
	}
}
