// internal/achievements/client.go
// Package achievements provides a client for the achievement service.
// The battle engine only reads lifetime unlock counts, which break ranking ties.
package achievements

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"
)

// Client for reading a user's achievement summary.
type Client struct {
	base string       // Base URL of the achievement service
	hc   *http.Client // HTTP client with custom configuration
}

// Summary is the achievement service's per-user summary.
type Summary struct {
	UserID   string `json:"userId"`
	Unlocked int    `json:"unlocked"` // Lifetime unlocked achievements
}

// New creates a new achievements client with the specified base URL.
func New(baseURL string) *Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{Timeout: 2 * time.Second}).DialContext,
	}

	return &Client{
		base: baseURL,
		hc:   &http.Client{Transport: transport, Timeout: 3 * time.Second},
	}
}

// UnlockCount returns how many achievements userID has unlocked.
// A user unknown to the achievement service has unlocked none.
func (c *Client) UnlockCount(ctx context.Context, userID string) (int, error) {
	u, err := url.Parse(c.base)
	if err != nil {
		return 0, fmt.Errorf("invalid achievements URL: %w", err)
	}
	u = u.JoinPath("v1", "users", userID, "achievements", "summary")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var s Summary
		if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
			return 0, fmt.Errorf("failed to decode achievement summary: %w", err)
		}
		return s.Unlocked, nil
	case http.StatusNotFound:
		return 0, nil
	default:
		return 0, fmt.Errorf("achievement summary failed: %s", resp.Status)
	}
}
