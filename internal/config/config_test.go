package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DefaultSession != "main" {
		t.Errorf("default session = %q, want main", cfg.DefaultSession)
	}
	if cfg.Connection.MaxRetries != 5 {
		t.Errorf("max retries = %d, want 5", cfg.Connection.MaxRetries)
	}
	if cfg.Typing.AutoStop.Std() != 3*time.Second {
		t.Errorf("auto stop = %v, want 3s", cfg.Typing.AutoStop.Std())
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
default_session = "tutor"
api_base_url = "https://staging.tutorconnect.no"

[connection]
max_retries = 8
backoff_base = "500ms"

[typing]
auto_stop = "5s"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DefaultSession != "tutor" {
		t.Errorf("session = %q, want tutor", cfg.DefaultSession)
	}
	if cfg.APIBaseURL != "https://staging.tutorconnect.no" {
		t.Errorf("api base = %q", cfg.APIBaseURL)
	}
	if cfg.Connection.MaxRetries != 8 {
		t.Errorf("max retries = %d, want 8", cfg.Connection.MaxRetries)
	}
	if cfg.Connection.BackoffBase.Std() != 500*time.Millisecond {
		t.Errorf("backoff base = %v, want 500ms", cfg.Connection.BackoffBase.Std())
	}
	if cfg.Typing.AutoStop.Std() != 5*time.Second {
		t.Errorf("auto stop = %v, want 5s", cfg.Typing.AutoStop.Std())
	}
	// Untouched sections keep defaults.
	if cfg.Outbox.MaxRetries != 3 {
		t.Errorf("outbox retries = %d, want default 3", cfg.Outbox.MaxRetries)
	}
}

func TestLoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("default_session = [broken"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for malformed toml")
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("TUTORCONNECT_API_URL", "http://localhost:3000")
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.APIBaseURL != "http://localhost:3000" {
		t.Errorf("api base = %q, want env override", cfg.APIBaseURL)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.toml")
	cfg := Default()
	cfg.DefaultSession = "student"
	cfg.Presence.AwayTimeout = Duration(time.Minute)

	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.DefaultSession != "student" {
		t.Errorf("session = %q, want student", loaded.DefaultSession)
	}
	if loaded.Presence.AwayTimeout.Std() != time.Minute {
		t.Errorf("away timeout = %v, want 1m", loaded.Presence.AwayTimeout.Std())
	}
}
