package api

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// refreshMargin is how long before expiry a token counts as expiring.
const refreshMargin = 30 * time.Second

// Credentials holds the bearer token pair, persisted to the session's
// credentials file across daemon restarts.
type Credentials struct {
	mu      sync.RWMutex
	path    string
	access  string
	refresh string
	expiry  time.Time
}

type credentialsFile struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// LoadCredentials reads the token pair from path. A missing file yields
// empty credentials, not an error.
func LoadCredentials(path string) (*Credentials, error) {
	c := &Credentials{path: path}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}

	var f credentialsFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}
	c.access = f.AccessToken
	c.refresh = f.RefreshToken
	c.expiry = tokenExpiry(f.AccessToken)
	return c, nil
}

// Access returns the current access token.
func (c *Credentials) Access() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.access
}

// Refresh returns the current refresh token.
func (c *Credentials) Refresh() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.refresh
}

// ExpiresSoon reports whether the access token is within the refresh margin
// of its exp claim. Tokens without a parseable expiry never report true;
// the reactive 401 path covers them.
func (c *Credentials) ExpiresSoon() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.access == "" || c.expiry.IsZero() {
		return false
	}
	return time.Until(c.expiry) < refreshMargin
}

// Update stores a new token pair and persists it.
func (c *Credentials) Update(access, refresh string) error {
	c.mu.Lock()
	c.access = access
	if refresh != "" {
		c.refresh = refresh
	}
	c.expiry = tokenExpiry(access)
	f := credentialsFile{AccessToken: c.access, RefreshToken: c.refresh}
	path := c.path
	c.mu.Unlock()

	if path == "" {
		return nil
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// Identity extracts the user ID and display name claims from the access
// token. Opaque tokens yield empty values.
func (c *Credentials) Identity() (id, name string) {
	c.mu.RLock()
	token := c.access
	c.mu.RUnlock()
	if token == "" {
		return "", ""
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", ""
	}
	id, _ = claims.GetSubject()
	name, _ = claims["name"].(string)
	return id, name
}

// tokenExpiry extracts the exp claim without verifying the signature; the
// daemon only needs the timestamp, the server remains the authority.
func tokenExpiry(token string) time.Time {
	if token == "" {
		return time.Time{}
	}
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return time.Time{}
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}
