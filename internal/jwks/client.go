// Package jwks validates Ed25519 bearer tokens against a published JSON Web Key Set.
package jwks

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Validation failures. Anything else returned by ValidateJWT is a key fetch problem.
var (
	ErrMalformed = errors.New("malformed token")
	ErrExpired   = errors.New("token expired")
	ErrInvalid   = errors.New("invalid token")
)

// JWKS represents a JSON Web Key Set
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// JWK represents a JSON Web Key
type JWK struct {
	Kty string `json:"kty"` // Key type
	Kid string `json:"kid"` // Key ID
	Use string `json:"use"` // Public key use
	Alg string `json:"alg"` // Algorithm
	Crv string `json:"crv"` // Curve
	X   string `json:"x"`   // Public key
}

// Principal is the authenticated caller.
type Principal struct {
	Subject string
	Roles   []string
}

// claims are the token claims the service reads.
type claims struct {
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// Client handles JWKS discovery and caching
type Client struct {
	jwksURL    string
	httpClient *http.Client
	ttl        time.Duration

	mu        sync.RWMutex
	keys      map[string]ed25519.PublicKey
	expiresAt time.Time
}

// NewClient creates a new JWKS client. Keys are cached for five minutes.
func NewClient(jwksURL string) *Client {
	return &Client{
		jwksURL: jwksURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		ttl: 5 * time.Minute,
	}
}

// fetch downloads and decodes the key set.
func (c *Client) fetch(ctx context.Context) (map[string]ed25519.PublicKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.jwksURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("JWKS fetch failed with status %d", resp.StatusCode)
	}

	var set JWKS
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return nil, fmt.Errorf("failed to decode JWKS: %w", err)
	}

	keys := make(map[string]ed25519.PublicKey, len(set.Keys))
	for _, k := range set.Keys {
		if k.Kty != "OKP" || k.Crv != "Ed25519" || (k.Alg != "" && k.Alg != "EdDSA") {
			continue
		}
		x, err := base64.RawURLEncoding.DecodeString(k.X)
		if err != nil || len(x) != ed25519.PublicKeySize {
			continue
		}
		keys[k.Kid] = ed25519.PublicKey(x)
	}
	return keys, nil
}

// key returns the public key for kid, refreshing the cache once on a miss
// so rotated keys are picked up.
func (c *Client) key(ctx context.Context, kid string) (ed25519.PublicKey, error) {
	c.mu.RLock()
	k, ok := c.keys[kid]
	fresh := time.Now().Before(c.expiresAt)
	c.mu.RUnlock()
	if ok && fresh {
		return k, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Double-check after acquiring write lock
	if k, ok := c.keys[kid]; ok && time.Now().Before(c.expiresAt) {
		return k, nil
	}

	keys, err := c.fetch(ctx)
	if err != nil {
		return nil, err
	}
	c.keys = keys
	c.expiresAt = time.Now().Add(c.ttl)

	k, ok = keys[kid]
	if !ok {
		return nil, fmt.Errorf("%w: unknown kid %s", ErrInvalid, kid)
	}
	return k, nil
}

// ValidateJWT verifies tokenString and returns its principal.
func (c *Client) ValidateJWT(ctx context.Context, tokenString, expectedIssuer, expectedAudience string) (Principal, error) {
	var keyErr error
	keyFunc := func(token *jwt.Token) (interface{}, error) {
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("%w: missing kid", ErrMalformed)
		}
		k, err := c.key(ctx, kid)
		if err != nil {
			keyErr = err
			return nil, err
		}
		return k, nil
	}

	var cl claims
	_, err := jwt.ParseWithClaims(tokenString, &cl, keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithIssuer(expectedIssuer),
		jwt.WithAudience(expectedAudience),
		jwt.WithExpirationRequired(),
	)
	switch {
	case err == nil:
	case keyErr != nil && !errors.Is(keyErr, ErrInvalid):
		return Principal{}, keyErr
	case errors.Is(err, jwt.ErrTokenExpired):
		return Principal{}, ErrExpired
	case errors.Is(err, jwt.ErrTokenMalformed), errors.Is(err, ErrMalformed):
		return Principal{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	default:
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	if cl.Subject == "" {
		return Principal{}, fmt.Errorf("%w: missing sub claim", ErrInvalid)
	}
	return Principal{Subject: cl.Subject, Roles: cl.Roles}, nil
}
