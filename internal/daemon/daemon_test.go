package daemon

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rhymesg/tutorconnect/internal/api"
	"github.com/rhymesg/tutorconnect/internal/bus"
	"github.com/rhymesg/tutorconnect/internal/chat"
	"github.com/rhymesg/tutorconnect/internal/config"
	"github.com/rhymesg/tutorconnect/internal/outbox"
	"github.com/rhymesg/tutorconnect/internal/realtime"
	"github.com/rhymesg/tutorconnect/internal/status"
	"github.com/rhymesg/tutorconnect/internal/store"
	intsync "github.com/rhymesg/tutorconnect/internal/sync"
	"go.uber.org/zap"
)

type fakeBackend struct {
	mu       sync.Mutex
	messages map[string][]api.Message
	chats    []api.Chat
	receipts []string
	typing   []bool
}

func (f *fakeBackend) ListChats(ctx context.Context) ([]api.Chat, error) {
	return f.chats, nil
}

func (f *fakeBackend) ListMessages(ctx context.Context, chatID string, page, limit int) ([]api.Message, *api.Pagination, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.messages[chatID], &api.Pagination{Page: page, Limit: limit}, nil
}

func (f *fakeBackend) PostReadReceipt(ctx context.Context, chatID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receipts = append(f.receipts, chatID)
	return nil
}

func (f *fakeBackend) PostTyping(ctx context.Context, chatID string, isTyping bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing = append(f.typing, isTyping)
	return nil
}

func (f *fakeBackend) SendMessage(ctx context.Context, chatID, content, msgType string) (*api.Message, error) {
	return &api.Message{ID: "srv-" + content, ChatID: chatID, Content: content, Type: msgType}, nil
}

// startTestServer wires the full daemon stack onto a short-lived socket and
// returns an HTTP client that dials it.
func startTestServer(t *testing.T) (*http.Client, *fakeBackend, *bus.Bus) {
	t.Helper()

	// Short path to stay under the Unix socket length limit.
	tmpDir, err := os.MkdirTemp("/tmp", "tc-test-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(tmpDir) })
	socketPath := filepath.Join(tmpDir, "d.sock")

	db, err := store.Open(filepath.Join(tmpDir, "chat.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	logger := zap.NewNop()
	backend := &fakeBackend{messages: map[string][]api.Message{}}
	b := bus.New()
	machine := status.NewMachine(b)
	cfg := config.Default()

	mgr := realtime.NewManager("ws://127.0.0.1:1/ws", nil, machine, b, cfg.Connection, logger)
	engine := intsync.NewEngine(db, backend, b, cfg.Sync, "me", logger)
	sender := outbox.NewSender(db, backend, machine, b, cfg.Outbox, logger)
	chatSvc := chat.NewService(mgr, engine, sender, backend, db, b, cfg, chat.Identity{ID: "me", Name: "Meg"}, logger)
	t.Cleanup(chatSvc.Close)

	srv, err := NewServer(Params{SessionName: "test", SocketPath: socketPath, Config: cfg}, logger, machine, mgr, db, sender, engine, chatSvc, b)
	if err != nil {
		t.Fatal(err)
	}
	go func() { _ = srv.Start() }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Stop(ctx)
	})

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socketPath)
			},
		},
		Timeout: 5 * time.Second,
	}

	// Wait for the listener to come up.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := client.Get("http://unix/v1/status")
		if err == nil {
			resp.Body.Close()
			return client, backend, b
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("control server never came up")
	return nil, nil, nil
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatal(err)
	}
}

func TestStatusEndpoint(t *testing.T) {
	client, _, _ := startTestServer(t)

	resp, err := client.Get("http://unix/v1/status")
	if err != nil {
		t.Fatal(err)
	}
	var body struct {
		Session     string `json:"session"`
		Status      string `json:"status"`
		IsConnected bool   `json:"isConnected"`
	}
	decodeBody(t, resp, &body)

	if body.Session != "test" {
		t.Errorf("session = %q", body.Session)
	}
	if body.Status != "disconnected" || body.IsConnected {
		t.Errorf("status = %+v", body)
	}
}

func TestSendMessageQueuesAndLists(t *testing.T) {
	client, _, _ := startTestServer(t)

	resp, err := client.Post("http://unix/v1/chats/c1/messages", "application/json",
		bytes.NewBufferString(`{"content":"hei"}`))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	var sendBody struct {
		ClientMsgID string `json:"clientMsgId"`
	}
	decodeBody(t, resp, &sendBody)
	if sendBody.ClientMsgID == "" {
		t.Fatal("no client msg id returned")
	}

	resp, err = client.Get("http://unix/v1/chats/c1/messages")
	if err != nil {
		t.Fatal(err)
	}
	var listBody struct {
		Messages []store.Message `json:"messages"`
	}
	decodeBody(t, resp, &listBody)
	if len(listBody.Messages) != 1 || listBody.Messages[0].MsgID != sendBody.ClientMsgID {
		t.Errorf("messages = %+v", listBody.Messages)
	}
}

func TestSendMessageRequiresContent(t *testing.T) {
	client, _, _ := startTestServer(t)

	resp, err := client.Post("http://unix/v1/chats/c1/messages", "application/json",
		bytes.NewBufferString(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestJoinLeaveRoundTrip(t *testing.T) {
	client, backend, _ := startTestServer(t)
	backend.mu.Lock()
	backend.messages["c1"] = []api.Message{
		{ID: "srv-1", ChatID: "c1", SenderID: "other", Content: "hei", Type: store.TypeText, SentAt: 100},
	}
	backend.mu.Unlock()

	resp, err := client.Post("http://unix/v1/chats/c1/join", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	var stats struct {
		ChatID string `json:"chatId"`
	}
	decodeBody(t, resp, &stats)
	if stats.ChatID != "c1" {
		t.Errorf("stats = %+v", stats)
	}

	resp, err = client.Get("http://unix/v1/chats/c1/participants")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("participants status = %d, want 200", resp.StatusCode)
	}

	resp, err = client.Post("http://unix/v1/chats/c1/leave", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("leave status = %d, want 204", resp.StatusCode)
	}

	resp, err = client.Get("http://unix/v1/chats/c1/participants")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("participants after leave = %d, want 409", resp.StatusCode)
	}
}

func TestTypingRequiresJoinedRoom(t *testing.T) {
	client, _, _ := startTestServer(t)

	resp, err := client.Post("http://unix/v1/chats/c1/typing", "application/json",
		bytes.NewBufferString(`{"typing":true}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", resp.StatusCode)
	}
}

func TestSearchRequiresQuery(t *testing.T) {
	client, _, _ := startTestServer(t)

	resp, err := client.Get("http://unix/v1/search")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestEventsStream(t *testing.T) {
	client, _, b := startTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://unix/v1/events?prefix=message.", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	// Give the subscription a beat to register, then publish.
	time.Sleep(50 * time.Millisecond)
	b.Emit(bus.KindMessageQueued, bus.MessageRef{ChatID: "c1", ClientMsgID: "local-1"})

	scanner := bufio.NewScanner(resp.Body)
	var sawEvent bool
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			if got := strings.TrimPrefix(line, "event: "); got != bus.KindMessageQueued {
				t.Errorf("event = %q", got)
			}
			sawEvent = true
			break
		}
	}
	if !sawEvent {
		t.Fatal("no event received on stream")
	}
}

func TestStaleSocketIsReplaced(t *testing.T) {
	tmpDir, err := os.MkdirTemp("/tmp", "tc-sock-*")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()
	socketPath := filepath.Join(tmpDir, "d.sock")

	// Leave a stale file where the socket should go.
	if err := os.WriteFile(socketPath, nil, 0600); err != nil {
		t.Fatal(err)
	}

	db, err := store.Open(filepath.Join(tmpDir, "chat.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}

	logger := zap.NewNop()
	backend := &fakeBackend{messages: map[string][]api.Message{}}
	b := bus.New()
	machine := status.NewMachine(b)
	cfg := config.Default()
	mgr := realtime.NewManager("ws://127.0.0.1:1/ws", nil, machine, b, cfg.Connection, logger)
	engine := intsync.NewEngine(db, backend, b, cfg.Sync, "me", logger)
	sender := outbox.NewSender(db, backend, machine, b, cfg.Outbox, logger)
	chatSvc := chat.NewService(mgr, engine, sender, backend, db, b, cfg, chat.Identity{ID: "me"}, logger)
	defer chatSvc.Close()

	srv, err := NewServer(Params{SessionName: "test", SocketPath: socketPath, Config: cfg}, logger, machine, mgr, db, sender, engine, chatSvc, b)
	if err != nil {
		t.Fatalf("stale socket not replaced: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	srv.Stop(ctx)
}
