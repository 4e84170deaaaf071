package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rhymesg/tutorconnect/internal/bus"
)

// State represents a realtime connection state.
type State string

const (
	Disconnected State = "disconnected"
	Connecting   State = "connecting"
	Connected    State = "connected"
	Reconnecting State = "reconnecting"
	Error        State = "error"
)

// NetworkStatus reflects what the host network looks like, independent of
// the realtime connection itself.
type NetworkStatus string

const (
	NetworkOnline  NetworkStatus = "online"
	NetworkOffline NetworkStatus = "offline"
	NetworkSlow    NetworkStatus = "slow"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Disconnected: {Connecting, Error},
	Connecting:   {Connected, Reconnecting, Error, Disconnected},
	Connected:    {Reconnecting, Error, Disconnected},
	Reconnecting: {Connecting, Error, Disconnected},
	Error:        {Connecting, Reconnecting, Disconnected},
}

// Snapshot is a point-in-time copy of the full connection state.
type Snapshot struct {
	Status           State
	Network          NetworkStatus
	IsConnected      bool
	LastConnectedAt  time.Time
	LastDisconnected time.Time
	RetryCount       int
	Error            string
	Latency          time.Duration
}

// Machine tracks and enforces realtime connection state transitions and
// publishes changes on the bus.
type Machine struct {
	mu               sync.RWMutex
	current          State
	network          NetworkStatus
	lastConnectedAt  time.Time
	lastDisconnected time.Time
	retryCount       int
	lastError        string
	latency          time.Duration
	bus              *bus.Bus
}

// NewMachine creates a state machine starting disconnected on an online
// network.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Disconnected,
		network: NetworkOnline,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// IsConnected reports whether the state is exactly Connected.
func (m *Machine) IsConnected() bool {
	return m.Current() == Connected
}

// Snapshot returns a copy of the full state.
func (m *Machine) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{
		Status:           m.current,
		Network:          m.network,
		IsConnected:      m.current == Connected,
		LastConnectedAt:  m.lastConnectedAt,
		LastDisconnected: m.lastDisconnected,
		RetryCount:       m.retryCount,
		Error:            m.lastError,
		Latency:          m.latency,
	}
}

// Transition attempts to move to a new state. Returns an error if the
// transition is not allowed; self-transitions are silent no-ops.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	if m.current == to {
		m.mu.Unlock()
		return nil
	}
	if !slices.Contains(validTransitions[m.current], to) {
		from := m.current
		m.mu.Unlock()
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	from := m.current
	m.current = to
	switch to {
	case Connected:
		m.lastConnectedAt = time.Now()
		m.lastError = ""
	case Disconnected, Error:
		m.lastDisconnected = time.Now()
	}
	b := m.bus
	m.mu.Unlock()

	if b != nil {
		b.Emit(bus.KindConnStatusChanged, bus.StatusChange{From: string(from), To: string(to)})
	}
	return nil
}

// SetNetwork records the host network status and publishes the change.
func (m *Machine) SetNetwork(ns NetworkStatus) {
	m.mu.Lock()
	if m.network == ns {
		m.mu.Unlock()
		return
	}
	m.network = ns
	b := m.bus
	m.mu.Unlock()

	if b != nil {
		b.Emit(bus.KindConnNetworkChanged, string(ns))
	}
}

// Network returns the current network status.
func (m *Machine) Network() NetworkStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.network
}

// SetRetryCount records the automatic retry counter.
func (m *Machine) SetRetryCount(n int) {
	m.mu.Lock()
	m.retryCount = n
	m.mu.Unlock()
}

// RetryCount returns the automatic retry counter.
func (m *Machine) RetryCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.retryCount
}

// SetError records the most recent terminal error message.
func (m *Machine) SetError(msg string) {
	m.mu.Lock()
	m.lastError = msg
	m.mu.Unlock()
}

// SetLatency records the most recent heartbeat round-trip time.
func (m *Machine) SetLatency(d time.Duration) {
	m.mu.Lock()
	m.latency = d
	m.mu.Unlock()
}
