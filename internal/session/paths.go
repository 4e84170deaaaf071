package session

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.tutorconnect.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".tutorconnect")
}

// Dir returns the session-specific directory.
func Dir(name string) string {
	return filepath.Join(BaseDir(), "sessions", name)
}

// SocketPath returns the daemon control socket path for a session.
func SocketPath(name string) string {
	return filepath.Join(Dir(name), "tutord.sock")
}

// DBPath returns the session's chat database path.
func DBPath(name string) string {
	return filepath.Join(Dir(name), "chat.db")
}

// CredentialsPath returns the session's token file path.
func CredentialsPath(name string) string {
	return filepath.Join(Dir(name), "credentials.json")
}

// LogDir returns the log directory for a session.
func LogDir(name string) string {
	return filepath.Join(Dir(name), "logs")
}

// LogPath returns the daemon log file path.
func LogPath(name string) string {
	return filepath.Join(LogDir(name), "tutord.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDir creates the session directory tree with proper permissions.
func EnsureDir(name string) error {
	for _, d := range []string{Dir(name), LogDir(name)} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
