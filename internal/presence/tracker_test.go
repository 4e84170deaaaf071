package presence

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rhymesg/tutorconnect/internal/bus"
	"github.com/rhymesg/tutorconnect/internal/config"
	"github.com/rhymesg/tutorconnect/internal/realtime"
	"go.uber.org/zap"
)

type fakePublisher struct {
	mu       sync.Mutex
	statuses []string
}

func (f *fakePublisher) PublishPresence(status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, status)
	return nil
}

func (f *fakePublisher) published() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.statuses))
	copy(out, f.statuses)
	return out
}

func testTracker(t *testing.T, pub Publisher, cfg config.PresenceConfig) (*Tracker, *bus.Bus) {
	t.Helper()
	b := bus.New()
	tr := NewTracker("chat-1", "me", pub, b, cfg, zap.NewNop())
	t.Cleanup(tr.Close)
	return tr, b
}

func fastConfig() config.PresenceConfig {
	return config.PresenceConfig{
		AwayTimeout: config.Duration(100 * time.Millisecond),
		HiddenGrace: config.Duration(50 * time.Millisecond),
	}
}

func waitForStatus(t *testing.T, tr *Tracker, want Status) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if tr.Local() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("local = %s, want %s", tr.Local(), want)
}

func TestStartGoesOnline(t *testing.T) {
	pub := &fakePublisher{}
	tr, _ := testTracker(t, pub, fastConfig())

	tr.Start()

	if tr.Local() != Online {
		t.Errorf("local = %s, want online", tr.Local())
	}
	if got := pub.published(); len(got) != 1 || got[0] != "online" {
		t.Errorf("published = %v", got)
	}
}

func TestIdleDegradesToAway(t *testing.T) {
	pub := &fakePublisher{}
	tr, _ := testTracker(t, pub, fastConfig())

	tr.Start()
	waitForStatus(t, tr, Away)
}

func TestActivityRestoresOnline(t *testing.T) {
	pub := &fakePublisher{}
	tr, b := testTracker(t, pub, fastConfig())

	changes, unsub := b.Subscribe(bus.KindPresenceChanged, 10)
	defer unsub()

	tr.Start()
	waitForStatus(t, tr, Away)
	tr.Activity()

	if tr.Local() != Online {
		t.Errorf("local = %s, want online after activity", tr.Local())
	}
	// online, away, online again
	if len(changes) != 3 {
		t.Errorf("change events = %d, want 3", len(changes))
	}
}

func TestHiddenGraceDelaysAway(t *testing.T) {
	pub := &fakePublisher{}
	tr, _ := testTracker(t, pub, fastConfig())

	tr.Start()
	tr.SetVisible(false)

	if tr.Local() != Online {
		t.Error("went away before the grace period")
	}
	waitForStatus(t, tr, Away)
}

func TestQuickVisibilityFlipStaysOnline(t *testing.T) {
	pub := &fakePublisher{}
	tr, _ := testTracker(t, pub, fastConfig())

	tr.Start()
	tr.SetVisible(false)
	time.Sleep(10 * time.Millisecond)
	tr.SetVisible(true)
	time.Sleep(100 * time.Millisecond)

	if tr.Local() == Away {
		// The away timer may still fire from plain inactivity; only the
		// hidden path should have been cancelled. Re-check via activity.
		tr.Activity()
	}
	if tr.Local() != Online {
		t.Errorf("local = %s, want online after quick flip", tr.Local())
	}
}

func TestCloseGoesOffline(t *testing.T) {
	pub := &fakePublisher{}
	b := bus.New()
	tr := NewTracker("chat-1", "me", pub, b, fastConfig(), zap.NewNop())

	tr.Start()
	tr.Close()

	if tr.Local() != Offline {
		t.Errorf("local = %s, want offline", tr.Local())
	}
	got := pub.published()
	if len(got) == 0 || got[len(got)-1] != "offline" {
		t.Errorf("published = %v, want trailing offline", got)
	}

	// Close twice is safe.
	tr.Close()
}

func TestConnLossForcesOffline(t *testing.T) {
	pub := &fakePublisher{}
	tr, _ := testTracker(t, pub, fastConfig())

	tr.Start()
	tr.HandleConnStatus(false)
	if tr.Local() != Offline {
		t.Errorf("local = %s, want offline after link loss", tr.Local())
	}

	tr.HandleConnStatus(true)
	if tr.Local() != Online {
		t.Errorf("local = %s, want online after link recovery", tr.Local())
	}
}

func TestAwayTimerDoesNotResurrectOfflineUser(t *testing.T) {
	pub := &fakePublisher{}
	tr, _ := testTracker(t, pub, fastConfig())

	tr.Start()
	tr.HandleConnStatus(false)

	// Well past AwayTimeout; the pending timer must not flip offline to away.
	time.Sleep(250 * time.Millisecond)
	if tr.Local() != Offline {
		t.Errorf("local = %s, want offline to stick while the link is down", tr.Local())
	}
	for _, st := range pub.published() {
		if st == "away" {
			t.Error("away published for an offline user")
		}
	}
}

func presenceSync(t *testing.T, users ...realtime.PresenceMeta) json.RawMessage {
	t.Helper()
	payload, err := json.Marshal(realtime.PresenceSyncPayload{Users: users})
	if err != nil {
		t.Fatal(err)
	}
	return payload
}

func TestSyncReplacesRemoteMap(t *testing.T) {
	pub := &fakePublisher{}
	tr, _ := testTracker(t, pub, fastConfig())

	tr.HandleEnvelope(realtime.EventPresenceSync, presenceSync(t,
		realtime.PresenceMeta{UserID: "u1", UserName: "Kari", Status: "online"},
		realtime.PresenceMeta{UserID: "u2", UserName: "Ola", Status: "away"},
		realtime.PresenceMeta{UserID: "me", UserName: "Meg", Status: "online"},
	))

	users := tr.Users()
	if len(users) != 2 {
		t.Fatalf("remote users = %d, want 2 (self excluded)", len(users))
	}
	if tr.UserStatus("u1") != Online || tr.UserStatus("u2") != Away {
		t.Errorf("statuses = %s/%s", tr.UserStatus("u1"), tr.UserStatus("u2"))
	}

	// A later sync wins wholesale.
	tr.HandleEnvelope(realtime.EventPresenceSync, presenceSync(t,
		realtime.PresenceMeta{UserID: "u2", UserName: "Ola", Status: "online"},
	))
	if tr.UserStatus("u1") != Offline {
		t.Error("u1 survived a replacing sync")
	}
}

func TestJoinAndLeavePatchRemoteMap(t *testing.T) {
	pub := &fakePublisher{}
	tr, b := testTracker(t, pub, fastConfig())

	changes, unsub := b.Subscribe(bus.KindPresenceChanged, 10)
	defer unsub()

	join, _ := json.Marshal(realtime.PresenceMeta{UserID: "u1", UserName: "Kari"})
	tr.HandleEnvelope(realtime.EventPresenceJoin, join)
	if tr.UserStatus("u1") != Online {
		t.Errorf("u1 = %s, want online default on join", tr.UserStatus("u1"))
	}

	leave, _ := json.Marshal(realtime.PresenceMeta{UserID: "u1"})
	tr.HandleEnvelope(realtime.EventPresenceLeave, leave)
	if tr.UserStatus("u1") != Offline {
		t.Errorf("u1 = %s, want offline after leave", tr.UserStatus("u1"))
	}

	if len(changes) != 2 {
		t.Errorf("change events = %d, want 2", len(changes))
	}

	// Unknown user leaving is silent.
	tr.HandleEnvelope(realtime.EventPresenceLeave, leave)
	if len(changes) != 2 {
		t.Errorf("change events = %d after duplicate leave", len(changes))
	}
}

func TestStats(t *testing.T) {
	pub := &fakePublisher{}
	tr, _ := testTracker(t, pub, fastConfig())

	tr.HandleEnvelope(realtime.EventPresenceSync, presenceSync(t,
		realtime.PresenceMeta{UserID: "u1", Status: "online"},
		realtime.PresenceMeta{UserID: "u2", Status: "away"},
		realtime.PresenceMeta{UserID: "u3", Status: "online"},
	))

	s := tr.Stats()
	if s.Total != 3 || s.Online != 2 || s.Away != 1 {
		t.Errorf("stats = %+v", s)
	}
}
