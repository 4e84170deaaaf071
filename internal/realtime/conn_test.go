package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rhymesg/tutorconnect/internal/bus"
	"github.com/rhymesg/tutorconnect/internal/config"
	"github.com/rhymesg/tutorconnect/internal/status"
	"go.uber.org/zap"
)

type staticToken string

func (s staticToken) AccessToken() string { return string(s) }

// fakeBackend is a minimal realtime server: it records received commands,
// answers pings, and lets tests push envelopes to the client.
type fakeBackend struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conn     *websocket.Conn
	conns    int
	commands []Command
}

func newFakeBackend(t *testing.T) *fakeBackend {
	fb := &fakeBackend{t: t}
	fb.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := fb.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fb.mu.Lock()
		fb.conn = conn
		fb.conns++
		fb.mu.Unlock()
		for {
			var cmd Command
			if err := conn.ReadJSON(&cmd); err != nil {
				return
			}
			fb.mu.Lock()
			fb.commands = append(fb.commands, cmd)
			fb.mu.Unlock()
			if cmd.Action == ActionPing {
				_ = conn.WriteJSON(Envelope{Event: EventPong, Ref: cmd.Ref})
			}
		}
	}))
	t.Cleanup(fb.srv.Close)
	return fb
}

func (fb *fakeBackend) wsURL() string {
	return "ws" + strings.TrimPrefix(fb.srv.URL, "http")
}

func (fb *fakeBackend) push(env Envelope) {
	fb.mu.Lock()
	conn := fb.conn
	fb.mu.Unlock()
	if conn == nil {
		fb.t.Fatal("no client connected")
	}
	if err := conn.WriteJSON(env); err != nil {
		fb.t.Fatal(err)
	}
}

func (fb *fakeBackend) connections() int {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return fb.conns
}

func (fb *fakeBackend) received() []Command {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	out := make([]Command, len(fb.commands))
	copy(out, fb.commands)
	return out
}

func (fb *fakeBackend) waitForCommand(action, channel string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, cmd := range fb.received() {
			if cmd.Action == action && cmd.Channel == channel {
				return true
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

func testConfig() config.ConnectionConfig {
	return config.ConnectionConfig{
		MaxRetries:        3,
		BackoffBase:       config.Duration(10 * time.Millisecond),
		BackoffMax:        config.Duration(50 * time.Millisecond),
		HeartbeatInterval: config.Duration(50 * time.Millisecond),
		RequestTimeout:    config.Duration(2 * time.Second),
	}
}

func newTestManager(t *testing.T, url string) (*Manager, *status.Machine, *bus.Bus) {
	t.Helper()
	b := bus.New()
	machine := status.NewMachine(b)
	m := NewManager(url, staticToken("tok"), machine, b, testConfig(), zap.NewNop())
	t.Cleanup(m.Disconnect)
	return m, machine, b
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestConnectTransitionsToConnected(t *testing.T) {
	fb := newFakeBackend(t)
	m, machine, _ := newTestManager(t, fb.wsURL())

	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !machine.IsConnected() {
		t.Errorf("state = %s, want connected", machine.Current())
	}
	if machine.RetryCount() != 0 {
		t.Errorf("retry count = %d, want 0", machine.RetryCount())
	}
}

func TestConnectWhileConnectedIsNoop(t *testing.T) {
	fb := newFakeBackend(t)
	m, _, _ := newTestManager(t, fb.wsURL())

	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := m.Connect(context.Background()); err != nil {
		t.Errorf("second connect = %v, want nil no-op", err)
	}
}

func TestChannelSubscribeAndDispatch(t *testing.T) {
	fb := newFakeBackend(t)
	m, _, _ := newTestManager(t, fb.wsURL())

	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	got := make(chan Envelope, 1)
	ch := m.GetChannel(ChatChannel("c1"))
	ch.OnEvent(func(event string, payload json.RawMessage) {
		got <- Envelope{Channel: ch.Name(), Event: event, Payload: payload}
	})

	if !fb.waitForCommand(ActionSubscribe, "chat:c1", time.Second) {
		t.Fatal("subscribe command never sent")
	}

	fb.push(Envelope{Channel: "chat:c1", Event: EventMessageInsert, Payload: json.RawMessage(`{"id":"m1","chatId":"c1"}`)})

	select {
	case env := <-got:
		if env.Event != EventMessageInsert {
			t.Errorf("event = %q", env.Event)
		}
	case <-time.After(time.Second):
		t.Fatal("handler never invoked")
	}
}

func TestGetChannelReturnsCachedHandle(t *testing.T) {
	fb := newFakeBackend(t)
	m, _, _ := newTestManager(t, fb.wsURL())
	_ = m.Connect(context.Background())

	a := m.GetChannel("typing:c1")
	b := m.GetChannel("typing:c1")
	if a != b {
		t.Error("same name returned different handles")
	}
}

func TestBroadcastWhileDisconnectedIsSilentNoop(t *testing.T) {
	m, _, _ := newTestManager(t, "ws://127.0.0.1:1/ws")

	ch := m.GetChannel("typing:c1")
	if err := ch.Broadcast(EventTyping, TypingPayload{ChatID: "c1", IsTyping: true}); err != nil {
		t.Errorf("broadcast while down = %v, want nil", err)
	}
}

func TestHeartbeatRecordsLatency(t *testing.T) {
	fb := newFakeBackend(t)
	m, machine, b := newTestManager(t, fb.wsURL())

	hb, unsub := b.Subscribe("conn.heartbeat", 10)
	defer unsub()

	_ = m.Connect(context.Background())

	select {
	case <-hb:
	case <-time.After(2 * time.Second):
		t.Fatal("no heartbeat event")
	}
	if machine.Snapshot().Latency <= 0 {
		t.Error("latency not recorded")
	}
}

func TestRetriesExhaustedEndsInError(t *testing.T) {
	// Nothing listens here; every dial fails fast.
	m, machine, _ := newTestManager(t, "ws://127.0.0.1:1/ws")

	_ = m.Connect(context.Background())

	waitFor(t, 5*time.Second, func() bool {
		return machine.Current() == status.Error && machine.RetryCount() == 3
	})
	snap := machine.Snapshot()
	if snap.Error == "" {
		t.Error("terminal error not recorded")
	}
}

func TestReconnectResetsRetryBudget(t *testing.T) {
	fb := newFakeBackend(t)
	m, machine, _ := newTestManager(t, fb.wsURL())

	_ = m.Connect(context.Background())
	m.Disconnect()
	machine.SetRetryCount(3)

	if err := m.Reconnect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if machine.RetryCount() != 0 {
		t.Errorf("retry count = %d, want 0 after manual reconnect", machine.RetryCount())
	}
	if !machine.IsConnected() {
		t.Errorf("state = %s", machine.Current())
	}
}

func TestResubscribeAfterReconnect(t *testing.T) {
	fb := newFakeBackend(t)
	m, _, _ := newTestManager(t, fb.wsURL())

	_ = m.Connect(context.Background())
	m.GetChannel("chat:c9")
	if !fb.waitForCommand(ActionSubscribe, "chat:c9", time.Second) {
		t.Fatal("initial subscribe missing")
	}

	m.Disconnect()
	fb.mu.Lock()
	fb.commands = nil
	fb.mu.Unlock()

	if err := m.Reconnect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !fb.waitForCommand(ActionSubscribe, "chat:c9", time.Second) {
		t.Fatal("channel not re-subscribed after reconnect")
	}
}

func TestNetworkOfflineForcesDown(t *testing.T) {
	fb := newFakeBackend(t)
	m, machine, _ := newTestManager(t, fb.wsURL())

	_ = m.Connect(context.Background())
	m.SetNetworkOnline(false)

	if machine.Network() != status.NetworkOffline {
		t.Errorf("network = %s", machine.Network())
	}
	if machine.IsConnected() {
		t.Error("still connected after network offline")
	}
	if machine.Current() != status.Error {
		t.Errorf("status = %s, want error while network is down", machine.Current())
	}
}

func TestReconnectFailureStillRetries(t *testing.T) {
	// Nothing listens here; every dial fails fast.
	m, machine, _ := newTestManager(t, "ws://127.0.0.1:1/ws")

	// A prior Disconnect must not disarm the retry ladder of a later
	// user-initiated Reconnect.
	m.Disconnect()
	_ = m.Reconnect(context.Background())

	waitFor(t, 5*time.Second, func() bool {
		return machine.Current() == status.Error && machine.RetryCount() == 3
	})
}

func TestRetryAfterNetworkRecoveryFailure(t *testing.T) {
	m, machine, _ := newTestManager(t, "ws://127.0.0.1:1/ws")

	m.SetNetworkOnline(false)
	m.SetNetworkOnline(true)

	// The recovery connect fails against the dead address; the normal
	// backoff ladder must still run to exhaustion.
	waitFor(t, 5*time.Second, func() bool {
		return machine.Current() == status.Error && machine.RetryCount() == 3
	})
}

func TestConcurrentConnectDialsOnce(t *testing.T) {
	fb := newFakeBackend(t)
	m, machine, _ := newTestManager(t, fb.wsURL())

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.Connect(context.Background())
		}()
	}
	wg.Wait()

	waitFor(t, 2*time.Second, func() bool { return machine.IsConnected() })
	if got := fb.connections(); got != 1 {
		t.Errorf("backend saw %d connections, want 1", got)
	}
}

func TestNetworkRecoveryTriggersConnect(t *testing.T) {
	fb := newFakeBackend(t)
	m, machine, _ := newTestManager(t, fb.wsURL())

	_ = m.Connect(context.Background())
	m.SetNetworkOnline(false)
	m.SetNetworkOnline(true)

	waitFor(t, 2*time.Second, func() bool { return machine.IsConnected() })
}

func TestRemoveChannelUnsubscribes(t *testing.T) {
	fb := newFakeBackend(t)
	m, _, _ := newTestManager(t, fb.wsURL())

	_ = m.Connect(context.Background())
	m.GetChannel("presence:c1")
	m.RemoveChannel("presence:c1")

	if !fb.waitForCommand(ActionUnsubscribe, "presence:c1", time.Second) {
		t.Fatal("unsubscribe never sent")
	}
}
