package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// AuthError indicates the API rejected our credentials even after a token
// refresh. Callers should stop polling and surface a re-login prompt.
type AuthError struct {
	Status int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed (HTTP %d) after token refresh", e.Status)
}

// StatusError is returned for non-2xx responses that are not auth failures.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("api returned HTTP %d: %s", e.Status, e.Body)
}

// Client talks to the TutorConnect REST API with bearer authentication.
// A 401 triggers one transparent token-refresh-and-retry before AuthError
// is surfaced.
type Client struct {
	baseURL string
	http    *http.Client
	creds   *Credentials
	timeout time.Duration
	logger  *zap.Logger

	refreshMu sync.Mutex

	authExpiredMu sync.Mutex
	authExpired   func()
}

// OnAuthExpired registers a callback invoked when a request fails with
// AuthError, meaning the stored credentials are no longer usable.
func (c *Client) OnAuthExpired(fn func()) {
	c.authExpiredMu.Lock()
	c.authExpired = fn
	c.authExpiredMu.Unlock()
}

func (c *Client) notifyAuthExpired() {
	c.authExpiredMu.Lock()
	fn := c.authExpired
	c.authExpiredMu.Unlock()
	if fn != nil {
		fn()
	}
}

// NewClient creates an API client. creds may start without an access token;
// requests will then fail with AuthError until credentials are stored.
func NewClient(baseURL string, creds *Credentials, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		creds:   creds,
		timeout: timeout,
		logger:  logger,
	}
}

// BaseURL returns the configured API root.
func (c *Client) BaseURL() string { return c.baseURL }

// AccessToken returns the current bearer token (used for the realtime dial).
func (c *Client) AccessToken() string { return c.creds.Access() }

// do issues an authenticated JSON request and decodes the response into out
// (when out is non-nil). Every request carries a context timeout so a hung
// request cannot stall its caller's retry cycle.
func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	if c.creds.ExpiresSoon() {
		if err := c.refresh(ctx, c.creds.Access()); err != nil {
			c.logger.Warn("proactive token refresh failed", zap.Error(err))
		}
	}

	stale := c.creds.Access()
	resp, err := c.roundTrip(ctx, method, path, body)
	if err != nil {
		return err
	}

	if resp.StatusCode == http.StatusUnauthorized {
		_ = resp.Body.Close()
		if err := c.refresh(ctx, stale); err != nil {
			c.notifyAuthExpired()
			return &AuthError{Status: http.StatusUnauthorized}
		}
		resp, err = c.roundTrip(ctx, method, path, body)
		if err != nil {
			return err
		}
		if resp.StatusCode == http.StatusUnauthorized {
			_ = resp.Body.Close()
			c.notifyAuthExpired()
			return &AuthError{Status: http.StatusUnauthorized}
		}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Status: resp.StatusCode, Body: string(data)}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) roundTrip(ctx context.Context, method, path string, body any) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.creds.Access(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return resp, nil
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type refreshResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// refresh exchanges the refresh token for a new token pair. Serialized so
// concurrent 401s trigger a single refresh; staleToken identifies the token
// the caller saw fail, so a refresh that already happened is not repeated.
func (c *Client) refresh(ctx context.Context, staleToken string) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	if c.creds.Access() != staleToken {
		// Another caller refreshed while we waited on the mutex.
		return nil
	}

	refreshToken := c.creds.Refresh()
	if refreshToken == "" {
		return fmt.Errorf("no refresh token stored")
	}

	resp, err := c.roundTrip(ctx, http.MethodPost, "/api/auth/refresh", refreshRequest{RefreshToken: refreshToken})
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("refresh returned HTTP %d", resp.StatusCode)
	}

	var rr refreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return fmt.Errorf("decode refresh response: %w", err)
	}

	if err := c.creds.Update(rr.AccessToken, rr.RefreshToken); err != nil {
		return fmt.Errorf("store refreshed tokens: %w", err)
	}
	c.logger.Info("access token refreshed")
	return nil
}
