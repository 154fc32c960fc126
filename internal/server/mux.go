// Package server implements the HTTP handlers and routing for the battle service.
// It exposes the lifecycle operations as JSON endpoints behind JWT authentication.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	errordefs "github.com/RegistryAccord/registryaccord-battle-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-battle-go/internal/jwks"
	"github.com/RegistryAccord/registryaccord-battle-go/internal/lifecycle"
	"github.com/RegistryAccord/registryaccord-battle-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-battle-go/internal/model"
)

// ContextKey is used for context values to avoid collisions
// when storing values in request context
type ContextKey string

const (
	ContextKeyActor         ContextKey = "actor"         // Stores the model.Actor from the JWT
	ContextKeyCorrelationID ContextKey = "correlationId" // Unique ID for request tracking

	maxBodyBytes = 1 << 20
)

// Authenticator verifies bearer tokens.
type Authenticator interface {
	ValidateJWT(ctx context.Context, token, expectedIssuer, expectedAudience string) (jwks.Principal, error)
}

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options wires a Mux.
type Options struct {
	Manager            *lifecycle.Manager
	Store              Pinger
	Auth               Authenticator
	JWTIssuer          string
	JWTAudience        string
	CORSAllowedOrigins []string
	Metrics            *metrics.Metrics
	Logger             *slog.Logger
}

// Mux handles HTTP requests for the battle service.
type Mux struct {
	mux         *http.ServeMux
	manager     *lifecycle.Manager
	store       Pinger
	auth        Authenticator
	jwtIssuer   string
	jwtAudience string
	cors        []string
	metrics     *metrics.Metrics
	logger      *slog.Logger
	preflight   map[string]bool
}

// NewMux creates the HTTP handler with every battle endpoint registered.
func NewMux(opts Options) http.Handler {
	m := &Mux{
		mux:         http.NewServeMux(),
		manager:     opts.Manager,
		store:       opts.Store,
		auth:        opts.Auth,
		jwtIssuer:   opts.JWTIssuer,
		jwtAudience: opts.JWTAudience,
		cors:        opts.CORSAllowedOrigins,
		metrics:     opts.Metrics,
		logger:      opts.Logger,
		preflight:   make(map[string]bool),
	}
	if m.metrics == nil {
		m.metrics = metrics.NewMetrics()
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}

	// Health endpoints
	m.mux.HandleFunc("GET /healthz", m.handleHealthz)
	m.mux.HandleFunc("GET /readyz", m.handleReadyz)
	m.mux.Handle("GET /metrics", promhttp.Handler())

	// Battle endpoints
	m.route("POST /v1/battles", true, m.handleCreateBattle)
	m.route("GET /v1/battles", false, m.handleListBattles)
	m.route("GET /v1/battles/{id}", false, m.handleGetBattle)
	m.route("POST /v1/battles/{id}/status", true, m.handleUpdateStatus)
	m.route("POST /v1/battles/{id}/entries", true, m.handleSubmitEntry)
	m.route("GET /v1/battles/{id}/entries", false, m.handleListEntries)
	m.route("GET /v1/battles/{id}/results", false, m.handleResults)
	m.route("POST /v1/entries/{id}/votes", true, m.handleVote)
	m.route("POST /v1/entries/{id}/review", true, m.handleReview)
	m.route("POST /v1/admin/sweep", true, m.handleSweep)

	return m.mux
}

// route registers pattern and, once per path, a CORS preflight handler.
func (m *Mux) route(pattern string, authenticated bool, h http.HandlerFunc) {
	m.mux.HandleFunc(pattern, m.withMiddleware(pattern, authenticated, h))
	_, path, _ := strings.Cut(pattern, " ")
	if !m.preflight[path] {
		m.preflight[path] = true
		m.mux.HandleFunc("OPTIONS "+path, m.handlePreflight)
	}
}

// statusRecorder captures the status code written by a handler
type statusRecorder struct {
	http.ResponseWriter
	status int
	err    error
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// withMiddleware applies correlation ids, CORS, authentication, metrics and request logging.
func (m *Mux) withMiddleware(pattern string, authenticated bool, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		m.setCORS(rec, r)

		// Add correlation ID if not present
		correlationID := r.Header.Get("X-Correlation-Id")
		if correlationID == "" {
			correlationID = uuid.New().String()
		}
		ctx := context.WithValue(r.Context(), ContextKeyCorrelationID, correlationID)
		rec.Header().Set("X-Correlation-Id", correlationID)

		if authenticated {
			actor, err := m.authenticate(r.WithContext(ctx))
			if err != nil {
				m.writeErr(ctx, rec, err)
			} else {
				ctx = context.WithValue(ctx, ContextKeyActor, actor)
			}
		}
		if rec.err == nil {
			r.Body = http.MaxBytesReader(rec, r.Body, maxBodyBytes)
			h(rec, r.WithContext(ctx))
		}

		duration := time.Since(start)
		status := strconv.Itoa(rec.status)
		m.metrics.HTTPRequestTotal.WithLabelValues(r.Method, pattern, status).Inc()
		m.metrics.HTTPRequestDuration.WithLabelValues(r.Method, pattern, status).Observe(duration.Seconds())
		m.logRequest(r.WithContext(ctx), rec.status, duration, correlationID, rec.err)
	}
}

func (m *Mux) setCORS(w http.ResponseWriter, r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return false
	}
	for _, allowed := range m.cors {
		if allowed == "*" || allowed == origin {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
			return true
		}
	}
	return false
}

// handlePreflight answers CORS preflight requests
func (m *Mux) handlePreflight(w http.ResponseWriter, r *http.Request) {
	if m.setCORS(w, r) {
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Correlation-Id")
		w.Header().Set("Access-Control-Max-Age", "86400") // 24 hours
	}
	w.WriteHeader(http.StatusNoContent)
}

// authenticate validates the bearer token and returns the acting user.
func (m *Mux) authenticate(r *http.Request) (model.Actor, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return model.Actor{}, errordefs.New(errordefs.BTL_AUTHN, "missing Authorization header", "")
	}
	token, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok || token == "" {
		return model.Actor{}, errordefs.New(errordefs.BTL_AUTHN, "invalid Authorization header format", "")
	}
	if m.auth == nil {
		return model.Actor{}, errordefs.New(errordefs.BTL_UNAVAILABLE, "authentication is not configured", "")
	}

	p, err := m.auth.ValidateJWT(r.Context(), token, m.jwtIssuer, m.jwtAudience)
	switch {
	case err == nil:
	case errors.Is(err, jwks.ErrExpired):
		return model.Actor{}, errordefs.Wrap(errordefs.BTL_AUTHN, "JWT token expired", err)
	case errors.Is(err, jwks.ErrMalformed):
		return model.Actor{}, errordefs.Wrap(errordefs.BTL_AUTHN, "malformed JWT", err)
	case errors.Is(err, jwks.ErrInvalid):
		return model.Actor{}, errordefs.Wrap(errordefs.BTL_AUTHN, "invalid JWT", err)
	default:
		return model.Actor{}, errordefs.Wrap(errordefs.BTL_UNAVAILABLE, "failed to load signing keys", err)
	}
	return model.Actor{ID: p.Subject, Roles: p.Roles}, nil
}

func actorFrom(ctx context.Context) model.Actor {
	a, _ := ctx.Value(ContextKeyActor).(model.Actor)
	return a
}

func correlationFrom(ctx context.Context) string {
	id, _ := ctx.Value(ContextKeyCorrelationID).(string)
	return id
}

// decode reads a JSON body into v, rejecting unknown fields.
func decode(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errordefs.Wrap(errordefs.BTL_BAD_REQUEST, "invalid JSON body", err)
	}
	return nil
}

// writeSuccess writes a successful response
func (m *Mux) writeSuccess(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": data})
}

// writeErr writes err in the error envelope. Unclassified errors become BTL_INTERNAL.
func (m *Mux) writeErr(ctx context.Context, w http.ResponseWriter, err error) {
	e, ok := errordefs.As(err)
	if !ok {
		e = errordefs.Internal("internal error", err)
	}
	e = e.WithCorrelationID(correlationFrom(ctx))

	details := e.Details
	if details == nil && e.Field != "" {
		details = map[string]string{"field": e.Field}
	}
	message := e.Message
	if e.Code == errordefs.BTL_INTERNAL {
		// Causes of internal failures stay in the logs.
		message = "internal error"
	}

	if rec, ok := w.(*statusRecorder); ok {
		rec.err = err
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.HTTPStatus)
	body := map[string]interface{}{
		"code":          e.Code,
		"message":       message,
		"correlationId": e.CorrelationID,
	}
	if details != nil {
		body["details"] = details
	}
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"error": body})
}

// logRequest logs request details
func (m *Mux) logRequest(r *http.Request, status int, duration time.Duration, correlationID string, err error) {
	attrs := []slog.Attr{
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
		slog.Duration("duration", duration),
		slog.String("user_agent", r.UserAgent()),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("correlation_id", correlationID),
	}
	if a := actorFrom(r.Context()); a.ID != "" {
		attrs = append(attrs, slog.String("actor", a.ID))
	}

	switch {
	case err != nil && status >= http.StatusInternalServerError:
		attrs = append(attrs, slog.String("error", err.Error()))
		m.logger.LogAttrs(r.Context(), slog.LevelError, "request completed with error", attrs...)
	case err != nil:
		attrs = append(attrs, slog.String("error", err.Error()))
		m.logger.LogAttrs(r.Context(), slog.LevelInfo, "request rejected", attrs...)
	default:
		m.logger.LogAttrs(r.Context(), slog.LevelInfo, "request completed", attrs...)
	}
}

// handleHealthz handles liveness health check requests
func (m *Mux) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReadyz reports whether the store is reachable
func (m *Mux) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if m.store != nil {
		if err := m.store.Ping(ctx); err != nil {
			m.logger.Warn("readiness check failed", slog.String("error", err.Error()))
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
