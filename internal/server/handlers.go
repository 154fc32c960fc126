package server

import (
	"net/http"
	"strconv"

	"go.opentelemetry.io/otel/attribute"

	errordefs "github.com/RegistryAccord/registryaccord-battle-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-battle-go/internal/model"
	"github.com/RegistryAccord/registryaccord-battle-go/internal/telemetry"
)

// handleCreateBattle handles POST /v1/battles
func (m *Mux) handleCreateBattle(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.Start(r.Context(), "http.CreateBattle")
	var err error
	defer func() { telemetry.End(span, err) }()

	var req model.CreateBattleRequest
	if err = decode(r, &req); err != nil {
		m.writeErr(ctx, w, err)
		return
	}

	battle, err := m.manager.CreateBattle(ctx, actorFrom(ctx).ID, req)
	if err != nil {
		m.writeErr(ctx, w, err)
		return
	}
	m.writeSuccess(w, http.StatusCreated, battle)
}

// handleListBattles handles GET /v1/battles?status=&featured=&limit=
func (m *Mux) handleListBattles(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	query := model.ListBattlesQuery{Status: model.BattleStatus(q.Get("status"))}
	if v := q.Get("featured"); v != "" {
		featured, err := strconv.ParseBool(v)
		if err != nil {
			m.writeErr(ctx, w, errordefs.Validation("featured", "featured must be true or false"))
			return
		}
		query.Featured = &featured
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 {
			m.writeErr(ctx, w, errordefs.Validation("limit", "limit must be a positive integer"))
			return
		}
		query.Limit = limit
	}

	battles, err := m.manager.ListBattles(ctx, query)
	if err != nil {
		m.writeErr(ctx, w, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, map[string]interface{}{"battles": battles})
}

// handleGetBattle handles GET /v1/battles/{id}
func (m *Mux) handleGetBattle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	battle, err := m.manager.GetBattle(ctx, r.PathValue("id"))
	if err != nil {
		m.writeErr(ctx, w, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, battle)
}

// handleUpdateStatus handles POST /v1/battles/{id}/status
func (m *Mux) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.Start(r.Context(), "http.UpdateBattleStatus")
	var err error
	defer func() { telemetry.End(span, err) }()

	id := r.PathValue("id")
	span.SetAttributes(attribute.String("battle.id", id))

	var req model.UpdateStatusRequest
	if err = decode(r, &req); err != nil {
		m.writeErr(ctx, w, err)
		return
	}

	battle, err := m.manager.UpdateBattleStatus(ctx, id, req.Status, actorFrom(ctx))
	if err != nil {
		m.writeErr(ctx, w, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, battle)
}

// handleSubmitEntry handles POST /v1/battles/{id}/entries
func (m *Mux) handleSubmitEntry(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.Start(r.Context(), "http.SubmitEntry")
	var err error
	defer func() { telemetry.End(span, err) }()

	var req model.SubmitEntryRequest
	if err = decode(r, &req); err != nil {
		m.writeErr(ctx, w, err)
		return
	}

	entry, err := m.manager.SubmitEntry(ctx, r.PathValue("id"), actorFrom(ctx).ID, req.Content)
	if err != nil {
		m.writeErr(ctx, w, err)
		return
	}
	m.writeSuccess(w, http.StatusCreated, entry)
}

// handleListEntries handles GET /v1/battles/{id}/entries
func (m *Mux) handleListEntries(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	entries, err := m.manager.GetBattleEntries(ctx, r.PathValue("id"))
	if err != nil {
		m.writeErr(ctx, w, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

// handleResults handles GET /v1/battles/{id}/results
func (m *Mux) handleResults(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	results, err := m.manager.GetBattleResults(ctx, r.PathValue("id"))
	if err != nil {
		m.writeErr(ctx, w, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, results)
}

// handleVote handles POST /v1/entries/{id}/votes
func (m *Mux) handleVote(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.Start(r.Context(), "http.VoteForEntry")
	var err error
	defer func() { telemetry.End(span, err) }()

	result, err := m.manager.VoteForEntry(ctx, r.PathValue("id"), actorFrom(ctx).ID)
	if err != nil {
		m.writeErr(ctx, w, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, result)
}

// handleReview handles POST /v1/entries/{id}/review
func (m *Mux) handleReview(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req model.ReviewEntryRequest
	if err := decode(r, &req); err != nil {
		m.writeErr(ctx, w, err)
		return
	}

	entry, err := m.manager.ReviewEntry(ctx, r.PathValue("id"), req.Status, actorFrom(ctx))
	if err != nil {
		m.writeErr(ctx, w, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, entry)
}

// handleSweep handles POST /v1/admin/sweep for external schedulers
func (m *Mux) handleSweep(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !actorFrom(ctx).IsAdmin() {
		m.writeErr(ctx, w, errordefs.Forbidden("only admins may trigger a sweep"))
		return
	}

	report, err := m.manager.ProcessBattleStatusUpdates(ctx)
	if err != nil {
		m.writeErr(ctx, w, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, report)
}
