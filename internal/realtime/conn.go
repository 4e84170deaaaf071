package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rhymesg/tutorconnect/internal/bus"
	"github.com/rhymesg/tutorconnect/internal/config"
	"github.com/rhymesg/tutorconnect/internal/status"
	"go.uber.org/zap"
)

// ErrRetriesExhausted is recorded once the automatic retry budget is spent.
// Only a user-initiated Reconnect resets it.
var ErrRetriesExhausted = errors.New("reconnect retries exhausted")

// slowLatencyThreshold is the heartbeat round trip above which the link is
// reported as slow.
const slowLatencyThreshold = 2 * time.Second

// TokenSource provides the bearer token for the websocket dial.
type TokenSource interface {
	AccessToken() string
}

// Manager owns the single realtime connection: dialing, the connection
// state machine, retry with backoff, heartbeat probing and the channel
// registry. All dependent components get channel handles through it.
type Manager struct {
	url     string
	tokens  TokenSource
	machine *status.Machine
	bus     *bus.Bus
	logger  *zap.Logger
	cfg     config.ConnectionConfig
	backoff Backoff

	// connectMu serializes dial attempts so concurrent Connect callers
	// cannot both get past the state check and race on m.conn.
	connectMu sync.Mutex

	mu         sync.Mutex
	conn       *websocket.Conn
	channels   map[string]*Channel
	retryCount int
	retryTimer *time.Timer
	cancelLoop context.CancelFunc
	closing    bool

	writeMu sync.Mutex

	pingMu  sync.Mutex
	pings   map[string]time.Time
	pingSeq int
}

// NewManager creates a connection manager. Connect must be called to bring
// the link up.
func NewManager(url string, tokens TokenSource, machine *status.Machine, b *bus.Bus, cfg config.ConnectionConfig, logger *zap.Logger) *Manager {
	return &Manager{
		url:      url,
		tokens:   tokens,
		machine:  machine,
		bus:      b,
		logger:   logger,
		cfg:      cfg,
		backoff:  Backoff{Base: cfg.BackoffBase.Std(), Max: cfg.BackoffMax.Std()},
		channels: make(map[string]*Channel),
		pings:    make(map[string]time.Time),
	}
}

// Machine exposes the state machine for status queries.
func (m *Manager) Machine() *status.Machine { return m.machine }

// Connect dials the realtime backend. A no-op while already connecting or
// connected. On failure the next retry is scheduled automatically while
// the budget lasts.
func (m *Manager) Connect(ctx context.Context) error {
	m.connectMu.Lock()
	defer m.connectMu.Unlock()

	current := m.machine.Current()
	if current == status.Connecting || current == status.Connected {
		return nil
	}
	if err := m.machine.Transition(status.Connecting); err != nil {
		return err
	}

	// A deliberate connect supersedes any earlier Disconnect: retries must
	// arm again if this attempt fails.
	m.mu.Lock()
	m.closing = false
	m.mu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: m.cfg.RequestTimeout.Std()}
	header := http.Header{}
	if token := m.tokens.AccessToken(); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := dialer.DialContext(ctx, m.url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		m.machine.SetError(err.Error())
		_ = m.machine.Transition(status.Error)
		m.logger.Warn("realtime dial failed", zap.Error(err))
		m.scheduleRetry()
		return fmt.Errorf("dial realtime: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())

	m.mu.Lock()
	m.conn = conn
	m.retryCount = 0
	m.cancelLoop = cancel
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	m.mu.Unlock()

	m.machine.SetRetryCount(0)
	_ = m.machine.Transition(status.Connected)
	m.logger.Info("realtime connected", zap.String("url", m.url))

	// Re-establish every tracked channel after a reconnect.
	for _, name := range names {
		m.subscribe(name)
	}

	go m.readLoop(loopCtx, conn)
	go m.heartbeatLoop(loopCtx)

	return nil
}

// Disconnect tears the connection down: heartbeat stopped, channels
// unsubscribed, pending retries cancelled.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.closing = true
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	if m.cancelLoop != nil {
		m.cancelLoop()
		m.cancelLoop = nil
	}
	conn := m.conn
	m.conn = nil
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	m.mu.Unlock()

	if conn != nil {
		for _, name := range names {
			_ = m.writeTo(conn, Command{Action: ActionUnsubscribe, Channel: name})
		}
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = conn.Close()
	}

	_ = m.machine.Transition(status.Disconnected)
}

// Reconnect is the user-initiated "try again": unlike automatic retry it
// resets the retry budget.
func (m *Manager) Reconnect(ctx context.Context) error {
	m.Disconnect()
	m.mu.Lock()
	m.retryCount = 0
	m.mu.Unlock()
	m.machine.SetRetryCount(0)
	m.machine.SetError("")
	return m.Connect(ctx)
}

// GetChannel returns the handle for a named channel, creating and caching
// it on first use. The subscribe command only goes out while connected;
// reconnects re-subscribe every cached channel.
func (m *Manager) GetChannel(name string) *Channel {
	m.mu.Lock()
	ch, ok := m.channels[name]
	if !ok {
		ch = newChannel(name, m)
		m.channels[name] = ch
	}
	m.mu.Unlock()

	if !ok && m.machine.IsConnected() {
		m.subscribe(name)
	}
	return ch
}

// RemoveChannel unsubscribes and evicts a channel from the registry.
func (m *Manager) RemoveChannel(name string) {
	m.mu.Lock()
	_, ok := m.channels[name]
	delete(m.channels, name)
	m.mu.Unlock()

	if ok {
		_ = m.send(Command{Action: ActionUnsubscribe, Channel: name})
	}
}

// SetNetworkOnline feeds host network transitions into the manager:
// offline forces the connection down, online while down triggers a fresh
// connect attempt.
func (m *Manager) SetNetworkOnline(online bool) {
	if !online {
		m.machine.SetNetwork(status.NetworkOffline)
		m.logger.Warn("network offline, forcing disconnect")
		m.Disconnect()
		m.machine.SetError("network offline")
		_ = m.machine.Transition(status.Error)
		return
	}

	m.machine.SetNetwork(status.NetworkOnline)
	if !m.machine.IsConnected() {
		m.mu.Lock()
		m.retryCount = 0
		m.mu.Unlock()
		m.machine.SetRetryCount(0)
		go func() {
			if err := m.Connect(context.Background()); err != nil {
				m.logger.Warn("reconnect after network recovery failed", zap.Error(err))
			}
		}()
	}
}

func (m *Manager) subscribe(name string) {
	if err := m.send(Command{Action: ActionSubscribe, Channel: name}); err != nil {
		m.logger.Warn("subscribe failed", zap.String("channel", name), zap.Error(err))
	}
}

// send writes a command to the socket. Not connected is a silent no-op so
// channel operations never crash dependent components.
func (m *Manager) send(cmd Command) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return nil
	}
	return m.writeTo(conn, cmd)
}

func (m *Manager) writeTo(conn *websocket.Conn, cmd Command) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return conn.WriteJSON(cmd)
}

func (m *Manager) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			m.mu.Lock()
			closing := m.closing
			if m.conn == conn {
				m.conn = nil
			}
			m.mu.Unlock()
			if closing {
				return
			}
			m.logger.Warn("realtime connection lost", zap.Error(err))
			m.machine.SetError(err.Error())
			_ = m.machine.Transition(status.Reconnecting)
			m.scheduleRetry()
			return
		}
		m.dispatch(env)
	}
}

func (m *Manager) dispatch(env Envelope) {
	if env.Event == EventPong {
		m.resolvePing(env.Ref)
		return
	}
	if env.Event == EventAck {
		return
	}

	m.mu.Lock()
	ch := m.channels[env.Channel]
	m.mu.Unlock()
	if ch == nil {
		return
	}
	ch.dispatch(env)
}

// heartbeatLoop probes the link at a fixed interval and records latency.
// A missed pong is logged, not acted on: the read loop notices real loss.
func (m *Manager) heartbeatLoop(ctx context.Context) {
	interval := m.cfg.HeartbeatInterval.Std()
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !m.machine.IsConnected() {
				continue
			}
			m.pingMu.Lock()
			m.pingSeq++
			ref := fmt.Sprintf("hb-%d", m.pingSeq)
			m.pings[ref] = time.Now()
			// Drop probes the server never answered.
			for k, sent := range m.pings {
				if time.Since(sent) > 3*interval {
					delete(m.pings, k)
				}
			}
			m.pingMu.Unlock()

			if err := m.send(Command{Action: ActionPing, Ref: ref}); err != nil {
				m.logger.Warn("heartbeat send failed", zap.Error(err))
			}
		}
	}
}

func (m *Manager) resolvePing(ref string) {
	m.pingMu.Lock()
	sent, ok := m.pings[ref]
	if ok {
		delete(m.pings, ref)
	}
	m.pingMu.Unlock()
	if !ok {
		return
	}

	latency := time.Since(sent)
	m.machine.SetLatency(latency)

	// Heartbeat round trips also classify link quality. An explicit
	// offline signal from the host always wins over this heuristic.
	switch net := m.machine.Network(); {
	case latency > slowLatencyThreshold && net == status.NetworkOnline:
		m.machine.SetNetwork(status.NetworkSlow)
		m.logger.Warn("network is slow", zap.Duration("latency", latency))
	case latency <= slowLatencyThreshold && net == status.NetworkSlow:
		m.machine.SetNetwork(status.NetworkOnline)
	}

	if m.bus != nil {
		m.bus.Emit(bus.KindConnHeartbeat, latency)
	}
}

func (m *Manager) scheduleRetry() {
	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return
	}
	if m.retryCount >= m.cfg.MaxRetries {
		m.mu.Unlock()
		m.machine.SetError(ErrRetriesExhausted.Error())
		_ = m.machine.Transition(status.Error)
		m.logger.Error("realtime retries exhausted", zap.Int("retries", m.cfg.MaxRetries))
		return
	}
	delay := m.backoff.Delay(m.retryCount)
	m.retryCount++
	count := m.retryCount
	m.retryTimer = time.AfterFunc(delay, func() {
		if err := m.Connect(context.Background()); err != nil {
			m.logger.Warn("automatic reconnect failed", zap.Error(err))
		}
	})
	m.mu.Unlock()

	m.machine.SetRetryCount(count)
	_ = m.machine.Transition(status.Reconnecting)
	m.logger.Info("reconnect scheduled", zap.Duration("delay", delay), zap.Int("attempt", count))
}
