package typing

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rhymesg/tutorconnect/internal/bus"
	"github.com/rhymesg/tutorconnect/internal/config"
	"github.com/rhymesg/tutorconnect/internal/realtime"
	"go.uber.org/zap"
)

// Notifier delivers a typing signal for a chat to the other participants.
type Notifier interface {
	NotifyTyping(chatID string, isTyping bool) error
}

type remoteTyper struct {
	name string
	seen time.Time
}

// Indicator tracks who is typing in one chat.
//
// The local side coalesces keystrokes: the first burst of activity is
// debounced before the typing signal goes out, repeat signals are throttled,
// and an idle timer stops the indicator when the user pauses. The remote
// side keeps a map of currently-typing users and sweeps out entries whose
// stop signal got lost.
type Indicator struct {
	chatID string
	selfID string
	notify Notifier
	bus    *bus.Bus
	cfg    config.TypingConfig
	logger *zap.Logger

	mu          sync.Mutex
	localTyping bool
	lastSent    time.Time
	pendingSend bool
	stopTimer   *time.Timer
	remote      map[string]remoteTyper
	sweepStop   chan struct{}
	closed      bool
}

// NewIndicator creates a typing indicator for one chat.
func NewIndicator(chatID, selfID string, notify Notifier, b *bus.Bus, cfg config.TypingConfig, logger *zap.Logger) *Indicator {
	ind := &Indicator{
		chatID:    chatID,
		selfID:    selfID,
		notify:    notify,
		bus:       b,
		cfg:       cfg,
		logger:    logger,
		remote:    make(map[string]remoteTyper),
		sweepStop: make(chan struct{}),
	}
	go ind.sweepLoop()
	return ind
}

// Activity records a keystroke. The local typing state flips on immediately;
// the outbound signal is debounced and throttled.
func (ind *Indicator) Activity() {
	now := time.Now()

	ind.mu.Lock()
	if ind.closed {
		ind.mu.Unlock()
		return
	}
	ind.localTyping = true

	if ind.stopTimer == nil {
		ind.stopTimer = time.AfterFunc(ind.cfg.AutoStop.Std(), ind.autoStop)
	} else {
		ind.stopTimer.Reset(ind.cfg.AutoStop.Std())
	}

	schedule := !ind.pendingSend && now.Sub(ind.lastSent) >= ind.cfg.ThrottleMs.Std()
	if schedule {
		ind.pendingSend = true
	}
	ind.mu.Unlock()

	if schedule {
		time.AfterFunc(ind.cfg.DebounceMs.Std(), ind.flushTyping)
	}
}

// IsTyping reports whether the local user is currently typing.
func (ind *Indicator) IsTyping() bool {
	ind.mu.Lock()
	defer ind.mu.Unlock()
	return ind.localTyping
}

// Stop ends the local typing state and signals the other participants.
// Calling it while not typing is a no-op.
func (ind *Indicator) Stop() {
	ind.mu.Lock()
	if !ind.localTyping {
		ind.mu.Unlock()
		return
	}
	ind.localTyping = false
	ind.pendingSend = false
	ind.lastSent = time.Time{}
	if ind.stopTimer != nil {
		ind.stopTimer.Stop()
	}
	ind.mu.Unlock()

	if err := ind.notify.NotifyTyping(ind.chatID, false); err != nil {
		ind.logger.Warn("failed to send typing stop", zap.Error(err), zap.String("chat_id", ind.chatID))
	}
}

// Close stops the sweeper and clears local typing state.
func (ind *Indicator) Close() {
	ind.Stop()
	ind.mu.Lock()
	if !ind.closed {
		ind.closed = true
		close(ind.sweepStop)
	}
	ind.mu.Unlock()
}

// HandleEnvelope consumes typing events from the chat's typing channel.
func (ind *Indicator) HandleEnvelope(event string, payload json.RawMessage) {
	if event != realtime.EventTyping {
		return
	}
	var p realtime.TypingPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		ind.logger.Warn("malformed typing payload", zap.Error(err))
		return
	}
	if p.UserID == ind.selfID {
		return
	}

	ind.mu.Lock()
	_, known := ind.remote[p.UserID]
	if p.IsTyping {
		ind.remote[p.UserID] = remoteTyper{name: p.UserName, seen: time.Now()}
	} else {
		delete(ind.remote, p.UserID)
	}
	ind.mu.Unlock()

	if p.IsTyping && !known {
		ind.bus.Emit(bus.KindTypingStarted, bus.TypingChange{ChatID: ind.chatID, UserID: p.UserID, UserName: p.UserName})
	} else if !p.IsTyping && known {
		ind.bus.Emit(bus.KindTypingStopped, bus.TypingChange{ChatID: ind.chatID, UserID: p.UserID, UserName: p.UserName})
	}
}

// Typers returns the IDs and names of remote users currently typing.
func (ind *Indicator) Typers() map[string]string {
	ind.mu.Lock()
	defer ind.mu.Unlock()
	out := make(map[string]string, len(ind.remote))
	for userID, rt := range ind.remote {
		out[userID] = rt.name
	}
	return out
}

// TypingUsers returns the names of remote users currently typing, oldest
// first so the display order is stable while people join in.
func (ind *Indicator) TypingUsers() []string {
	ind.mu.Lock()
	defer ind.mu.Unlock()

	type entry struct {
		name string
		seen time.Time
	}
	entries := make([]entry, 0, len(ind.remote))
	for _, rt := range ind.remote {
		entries = append(entries, entry{name: rt.name, seen: rt.seen})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].seen.Equal(entries[j].seen) {
			return entries[i].name < entries[j].name
		}
		return entries[i].seen.Before(entries[j].seen)
	})

	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.name
	}
	return names
}

// Format renders the indicator line, e.g. "Kari skriver..." or
// "Kari og Ola skriver...". Above the display cap the overflow collapses
// into a count: "Kari, Ola, Per og 2 andre skriver...".
func (ind *Indicator) Format() string {
	names := ind.TypingUsers()
	switch {
	case len(names) == 0:
		return ""
	case len(names) == 1:
		return names[0] + " skriver..."
	case len(names) > ind.cfg.MaxTypingUsers:
		shown := strings.Join(names[:ind.cfg.MaxTypingUsers], ", ")
		return fmt.Sprintf("%s og %d andre skriver...", shown, len(names)-ind.cfg.MaxTypingUsers)
	default:
		head := strings.Join(names[:len(names)-1], ", ")
		return head + " og " + names[len(names)-1] + " skriver..."
	}
}

func (ind *Indicator) flushTyping() {
	ind.mu.Lock()
	if !ind.pendingSend || !ind.localTyping {
		ind.pendingSend = false
		ind.mu.Unlock()
		return
	}
	ind.pendingSend = false
	ind.lastSent = time.Now()
	ind.mu.Unlock()

	if err := ind.notify.NotifyTyping(ind.chatID, true); err != nil {
		ind.logger.Warn("failed to send typing signal", zap.Error(err), zap.String("chat_id", ind.chatID))
	}
}

func (ind *Indicator) autoStop() {
	ind.Stop()
}

// sweepLoop evicts remote typers that stopped without telling us. An entry
// is stale once the sender's own auto-stop plus a grace period has passed.
func (ind *Indicator) sweepLoop() {
	interval := ind.cfg.StaleGrace.Std()
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ind.sweep()
		case <-ind.sweepStop:
			return
		}
	}
}

func (ind *Indicator) sweep() {
	maxAge := ind.cfg.AutoStop.Std() + ind.cfg.StaleGrace.Std()
	now := time.Now()

	var evicted []bus.TypingChange
	ind.mu.Lock()
	for userID, rt := range ind.remote {
		if now.Sub(rt.seen) > maxAge {
			delete(ind.remote, userID)
			evicted = append(evicted, bus.TypingChange{ChatID: ind.chatID, UserID: userID, UserName: rt.name})
		}
	}
	ind.mu.Unlock()

	for _, change := range evicted {
		ind.bus.Emit(bus.KindTypingStopped, change)
	}
}
