// Package conformance provides an HTTP-level test harness that checks the
// battle service's lifecycle, submission, voting and ranking behaviour.
package conformance

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/RegistryAccord/registryaccord-battle-go/internal/achievements"
	"github.com/RegistryAccord/registryaccord-battle-go/internal/event"
	"github.com/RegistryAccord/registryaccord-battle-go/internal/jwks"
	"github.com/RegistryAccord/registryaccord-battle-go/internal/ledger"
	"github.com/RegistryAccord/registryaccord-battle-go/internal/lifecycle"
	"github.com/RegistryAccord/registryaccord-battle-go/internal/model"
	"github.com/RegistryAccord/registryaccord-battle-go/internal/ranking"
	"github.com/RegistryAccord/registryaccord-battle-go/internal/server"
	"github.com/RegistryAccord/registryaccord-battle-go/internal/storage"
)

const keyID = "conformance-key"

// Config holds configuration for the conformance test harness.
type Config struct {
	// DatabaseDSN selects PostgreSQL storage; empty uses the in-memory store
	DatabaseDSN string

	// NATSURL selects JetStream publishing; empty uses the no-op publisher
	NATSURL string

	JWTIssuer   string
	JWTAudience string
}

// Harness runs the battle service behind an httptest server with a
// controllable clock, a local JWKS endpoint and a stub achievements service.
type Harness struct {
	server       *httptest.Server
	identity     *httptest.Server
	achievements *httptest.Server
	store        storage.Store
	pub          event.Publisher
	cfg          Config
	key          ed25519.PrivateKey

	mu       sync.Mutex
	now      time.Time
	unlocked map[string]int
}

// NewHarness creates a new conformance test harness.
func NewHarness(cfg Config) (*Harness, error) {
	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}

	h := &Harness{
		cfg:      cfg,
		key:      privKey,
		now:      time.Now().UTC().Truncate(time.Second),
		unlocked: make(map[string]int),
	}

	if cfg.DatabaseDSN != "" {
		h.store, err = storage.NewPostgres(cfg.DatabaseDSN)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to test database: %w", err)
		}
	} else {
		h.store = storage.NewMemory()
	}
	h.pub = event.NewPublisher(cfg.NATSURL, nil)

	h.identity = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(jwks.JWKS{Keys: []jwks.JWK{{
			Kty: "OKP", Crv: "Ed25519", Alg: "EdDSA", Use: "sig", Kid: keyID,
			X: base64.RawURLEncoding.EncodeToString(pubKey),
		}}})
	}))

	stub := http.NewServeMux()
	stub.HandleFunc("GET /v1/users/{id}/achievements/summary", func(w http.ResponseWriter, r *http.Request) {
		h.mu.Lock()
		n := h.unlocked[r.PathValue("id")]
		h.mu.Unlock()
		_ = json.NewEncoder(w).Encode(achievements.Summary{UserID: r.PathValue("id"), Unlocked: n})
	})
	h.achievements = httptest.NewServer(stub)

	manager, err := lifecycle.New(lifecycle.Options{
		Store:     h.store,
		Publisher: h.pub,
		Ledger:    ledger.New(ledger.DefaultLimit, ledger.DefaultWindow),
		Ranking:   ranking.NewEngine(achievements.New(h.achievements.URL)),
		Now:       h.Now,
	})
	if err != nil {
		h.Close()
		return nil, err
	}

	h.server = httptest.NewServer(server.NewMux(server.Options{
		Manager:     manager,
		Store:       h.store,
		Auth:        jwks.NewClient(h.identity.URL),
		JWTIssuer:   cfg.JWTIssuer,
		JWTAudience: cfg.JWTAudience,
	}))
	return h, nil
}

// URL returns the base URL of the test server.
func (h *Harness) URL() string {
	return h.server.URL
}

// Close shuts down the test servers and cleans up resources.
func (h *Harness) Close() {
	for _, s := range []*httptest.Server{h.server, h.identity, h.achievements} {
		if s != nil {
			s.Close()
		}
	}
	if h.pub != nil {
		h.pub.Close()
	}
	if h.store != nil {
		h.store.Close()
	}
}

// Now is the service clock.
func (h *Harness) Now() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now
}

// SetNow moves the service clock.
func (h *Harness) SetNow(t time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.now = t
}

// SetAchievements sets the lifetime unlock count reported for userID.
func (h *Harness) SetAchievements(userID string, n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unlocked[userID] = n
}

// Token signs a bearer token for subject.
func (h *Harness) Token(subject string, roles ...string) (string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, jwt.MapClaims{
		"iss":   h.cfg.JWTIssuer,
		"aud":   h.cfg.JWTAudience,
		"sub":   subject,
		"exp":   time.Now().Add(time.Hour).Unix(),
		"roles": roles,
	})
	tok.Header["kid"] = keyID
	return tok.SignedString(h.key)
}

// Response is a decoded service response.
type Response struct {
	Status int
	Data   json.RawMessage
	Error  *ErrorBody
}

// ErrorBody is the error envelope payload.
type ErrorBody struct {
	Code          string            `json:"code"`
	Message       string            `json:"message"`
	CorrelationID string            `json:"correlationId"`
	Details       map[string]string `json:"details"`
}

// Do sends a JSON request as subject. An empty subject sends no token.
func (h *Harness) Do(ctx context.Context, method, path, subject string, body interface{}, roles ...string) (Response, error) {
	var rd io.Reader = http.NoBody
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return Response{}, err
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, h.URL()+path, rd)
	if err != nil {
		return Response{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Correlation-Id", uuid.New().String())
	if subject != "" {
		token, err := h.Token(subject, roles...)
		if err != nil {
			return Response{}, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()

	var env struct {
		Data  json.RawMessage `json:"data"`
		Error *ErrorBody      `json:"error"`
	}
	out := Response{Status: resp.StatusCode}
	if resp.Header.Get("Content-Type") == "application/json" {
		if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
			return out, fmt.Errorf("failed to decode response: %w", err)
		}
		out.Data, out.Error = env.Data, env.Error
	}
	return out, nil
}

// Decode unmarshals the response data into v.
func (r Response) Decode(v interface{}) error {
	if r.Error != nil {
		return fmt.Errorf("%d %s: %s", r.Status, r.Error.Code, r.Error.Message)
	}
	return json.Unmarshal(r.Data, v)
}

// CreateBattle creates a battle owned by creator that starts at start.
func (h *Harness) CreateBattle(ctx context.Context, creator string, start time.Time, maxEntries int, draft bool) (model.Battle, error) {
	var b model.Battle
	resp, err := h.Do(ctx, http.MethodPost, "/v1/battles", creator, model.CreateBattleRequest{
		Title:             "conformance " + uuid.NewString()[:8],
		Type:              model.TypeWriting,
		Rules:             model.Rules{MediaTypes: []model.MediaKind{model.KindText}},
		StartTime:         start,
		EndTime:           start.Add(time.Hour),
		VotingEndTime:     start.Add(2 * time.Hour),
		MaxEntriesPerUser: maxEntries,
		Draft:             draft,
	})
	if err != nil {
		return b, err
	}
	return b, resp.Decode(&b)
}

// Sweep triggers a status sweep as an admin.
func (h *Harness) Sweep(ctx context.Context) (model.SweepReport, error) {
	var report model.SweepReport
	resp, err := h.Do(ctx, http.MethodPost, "/v1/admin/sweep", "conformance-admin", nil, model.RoleAdmin)
	if err != nil {
		return report, err
	}
	return report, resp.Decode(&report)
}

// Battle fetches one battle.
func (h *Harness) Battle(ctx context.Context, id string) (model.Battle, error) {
	var b model.Battle
	resp, err := h.Do(ctx, http.MethodGet, "/v1/battles/"+id, "", nil)
	if err != nil {
		return b, err
	}
	return b, resp.Decode(&b)
}
