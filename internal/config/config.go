package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Config represents the global ~/.tutorconnect/config.toml.
type Config struct {
	DefaultSession string `toml:"default_session"`

	// APIBaseURL is the TutorConnect REST API root, e.g. https://tutorconnect.no.
	APIBaseURL string `toml:"api_base_url"`
	// RealtimeURL is the realtime channel backend websocket endpoint.
	RealtimeURL string `toml:"realtime_url"`

	Connection ConnectionConfig `toml:"connection"`
	Outbox     OutboxConfig     `toml:"outbox"`
	Typing     TypingConfig     `toml:"typing"`
	Presence   PresenceConfig   `toml:"presence"`
	Sync       SyncConfig       `toml:"sync"`
}

// ConnectionConfig tunes the realtime connection manager.
type ConnectionConfig struct {
	MaxRetries        int      `toml:"max_retries"`
	BackoffBase       Duration `toml:"backoff_base"`
	BackoffMax        Duration `toml:"backoff_max"`
	HeartbeatInterval Duration `toml:"heartbeat_interval"`
	RequestTimeout    Duration `toml:"request_timeout"`
}

// OutboxConfig tunes the outbound message queue.
type OutboxConfig struct {
	MaxRetries   int      `toml:"max_retries"`
	SyncInterval Duration `toml:"sync_interval"`
}

// TypingConfig tunes the typing indicator.
type TypingConfig struct {
	ThrottleMs     Duration `toml:"throttle"`
	DebounceMs     Duration `toml:"debounce"`
	AutoStop       Duration `toml:"auto_stop"`
	StaleGrace     Duration `toml:"stale_grace"`
	MaxTypingUsers int      `toml:"max_typing_users"`
}

// PresenceConfig tunes the presence tracker.
type PresenceConfig struct {
	AwayTimeout Duration `toml:"away_timeout"`
	HiddenGrace Duration `toml:"hidden_grace"`
}

// SyncConfig tunes history loading and the polling fallback.
type SyncConfig struct {
	PageSize     int      `toml:"page_size"`
	PollInterval Duration `toml:"poll_interval"`
	// DegradedPollInterval is used instead of PollInterval while the
	// realtime link is down, so the REST fallback carries delivery alone.
	DegradedPollInterval Duration `toml:"degraded_poll_interval"`
	AutoRead             bool     `toml:"auto_read"`
}

// Duration wraps time.Duration so TOML values read as "30s", "1.5m".
type Duration time.Duration

// UnmarshalText implements toml decoding for Duration.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements toml encoding for Duration.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns a config with production defaults applied.
func Default() *Config {
	return &Config{
		DefaultSession: "main",
		APIBaseURL:     "https://tutorconnect.no",
		RealtimeURL:    "wss://realtime.tutorconnect.no/ws",
		Connection: ConnectionConfig{
			MaxRetries:        5,
			BackoffBase:       Duration(time.Second),
			BackoffMax:        Duration(30 * time.Second),
			HeartbeatInterval: Duration(30 * time.Second),
			RequestTimeout:    Duration(15 * time.Second),
		},
		Outbox: OutboxConfig{
			MaxRetries:   3,
			SyncInterval: Duration(2 * time.Second),
		},
		Typing: TypingConfig{
			ThrottleMs:     Duration(time.Second),
			DebounceMs:     Duration(300 * time.Millisecond),
			AutoStop:       Duration(3 * time.Second),
			StaleGrace:     Duration(2 * time.Second),
			MaxTypingUsers: 3,
		},
		Presence: PresenceConfig{
			AwayTimeout: Duration(5 * time.Minute),
			HiddenGrace: Duration(30 * time.Second),
		},
		Sync: SyncConfig{
			PageSize:             50,
			PollInterval:         Duration(time.Minute),
			DegradedPollInterval: Duration(15 * time.Second),
			AutoRead:             true,
		},
	}
}

// Load reads config from path, layering file values over defaults and
// environment overrides over both. A missing file is not an error; a present
// but malformed file is. A .env file in the working directory is honored.
func Load(path string) (*Config, error) {
	cfg := Default()

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	}

	_ = godotenv.Load()
	if v := os.Getenv("TUTORCONNECT_API_URL"); v != "" {
		cfg.APIBaseURL = v
	}
	if v := os.Getenv("TUTORCONNECT_REALTIME_URL"); v != "" {
		cfg.RealtimeURL = v
	}
	if v := os.Getenv("TUTORCONNECT_SESSION"); v != "" {
		cfg.DefaultSession = v
	}

	return cfg, nil
}

// Save writes config to path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
