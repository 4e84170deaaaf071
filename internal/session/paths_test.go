package session

import (
	"strings"
	"testing"
)

func TestPathsAreSessionScoped(t *testing.T) {
	for _, p := range []string{SocketPath("work"), DBPath("work"), CredentialsPath("work"), LogPath("work")} {
		if !strings.Contains(p, "sessions/work") {
			t.Errorf("path %q not scoped to session dir", p)
		}
	}
	if SocketPath("work") == SocketPath("home") {
		t.Error("socket paths collide across sessions")
	}
}

func TestConfigPathIsGlobal(t *testing.T) {
	if strings.Contains(ConfigPath(), "sessions") {
		t.Errorf("config path %q should not be session scoped", ConfigPath())
	}
}
