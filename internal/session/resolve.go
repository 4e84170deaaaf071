package session

import (
	"os"

	"github.com/rhymesg/tutorconnect/internal/config"
)

const DefaultSessionName = "main"

// EnvSessionName overrides the configured session without re-specifying
// --session on every tutorctl invocation.
const EnvSessionName = "TUTORCONNECT_SESSION"

// Resolve determines the active session name using precedence:
// 1. flagOverride (--session flag)
// 2. TUTORCONNECT_SESSION environment variable
// 3. config.toml default_session
// 4. "main"
func Resolve(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	if env := os.Getenv(EnvSessionName); env != "" {
		return env
	}
	cfg, err := config.Load(ConfigPath())
	if err == nil && cfg.DefaultSession != "" {
		return cfg.DefaultSession
	}
	return DefaultSessionName
}
