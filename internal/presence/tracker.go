package presence

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rhymesg/tutorconnect/internal/bus"
	"github.com/rhymesg/tutorconnect/internal/config"
	"github.com/rhymesg/tutorconnect/internal/realtime"
	"go.uber.org/zap"
)

// Status is a user's presence state.
type Status string

const (
	Online  Status = "online"
	Away    Status = "away"
	Offline Status = "offline"
)

// Publisher pushes the local user's presence to the chat's presence channel.
type Publisher interface {
	PublishPresence(status string) error
}

// Stats summarizes the remote presence map.
type Stats struct {
	Online int
	Away   int
	Total  int
}

// Tracker maintains the local user's presence and mirrors everyone else's.
//
// Local presence degrades to away after an inactivity timeout or shortly
// after the client reports itself hidden, and snaps back to online on the
// next activity. Remote presence is server-authoritative: a sync event
// replaces the whole map, join and leave events patch it.
type Tracker struct {
	chatID  string
	selfID  string
	publish Publisher
	bus     *bus.Bus
	cfg     config.PresenceConfig
	logger  *zap.Logger

	mu          sync.Mutex
	local       Status
	visible     bool
	awayTimer   *time.Timer
	hiddenTimer *time.Timer
	remote      map[string]realtime.PresenceMeta
	closed      bool
}

// NewTracker creates a presence tracker for one chat.
func NewTracker(chatID, selfID string, publish Publisher, b *bus.Bus, cfg config.PresenceConfig, logger *zap.Logger) *Tracker {
	return &Tracker{
		chatID:  chatID,
		selfID:  selfID,
		publish: publish,
		bus:     b,
		cfg:     cfg,
		logger:  logger,
		local:   Offline,
		visible: true,
		remote:  make(map[string]realtime.PresenceMeta),
	}
}

// Start marks the local user online and announces it.
func (tr *Tracker) Start() {
	tr.setLocal(Online)
	tr.resetAwayTimer()
}

// Activity records user input. An away user comes back online.
func (tr *Tracker) Activity() {
	tr.mu.Lock()
	if tr.closed {
		tr.mu.Unlock()
		return
	}
	wasAway := tr.local == Away
	visible := tr.visible
	tr.mu.Unlock()

	if wasAway && visible {
		tr.setLocal(Online)
	}
	tr.resetAwayTimer()
}

// SetVisible tracks whether the client window is in the foreground. Going
// hidden starts a grace timer before the user is shown as away, so quick
// tab switches don't flap presence.
func (tr *Tracker) SetVisible(visible bool) {
	tr.mu.Lock()
	if tr.closed {
		tr.mu.Unlock()
		return
	}
	tr.visible = visible
	if visible {
		if tr.hiddenTimer != nil {
			tr.hiddenTimer.Stop()
			tr.hiddenTimer = nil
		}
		wasAway := tr.local == Away
		tr.mu.Unlock()
		if wasAway {
			tr.setLocal(Online)
		}
		tr.resetAwayTimer()
		return
	}

	if tr.hiddenTimer == nil {
		tr.hiddenTimer = time.AfterFunc(tr.cfg.HiddenGrace.Std(), tr.drift)
	} else {
		tr.hiddenTimer.Reset(tr.cfg.HiddenGrace.Std())
	}
	tr.mu.Unlock()
}

// HandleConnStatus follows the realtime link: losing it forces the local
// user offline, getting it back restores online and re-announces.
func (tr *Tracker) HandleConnStatus(connected bool) {
	if !connected {
		tr.setLocal(Offline)
		return
	}
	tr.setLocal(Online)
	tr.resetAwayTimer()
}

// Local returns the local user's presence.
func (tr *Tracker) Local() Status {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.local
}

// Close marks the local user offline and stops the timers.
func (tr *Tracker) Close() {
	tr.mu.Lock()
	if tr.closed {
		tr.mu.Unlock()
		return
	}
	tr.closed = true
	if tr.awayTimer != nil {
		tr.awayTimer.Stop()
	}
	if tr.hiddenTimer != nil {
		tr.hiddenTimer.Stop()
	}
	tr.local = Offline
	tr.mu.Unlock()

	if err := tr.publish.PublishPresence(string(Offline)); err != nil {
		tr.logger.Warn("failed to publish offline presence", zap.Error(err), zap.String("chat_id", tr.chatID))
	}
	tr.bus.Emit(bus.KindPresenceChanged, bus.PresenceChange{UserID: tr.selfID, Status: string(Offline)})
}

// HandleEnvelope consumes presence events from the chat's presence channel.
func (tr *Tracker) HandleEnvelope(event string, payload json.RawMessage) {
	switch event {
	case realtime.EventPresenceSync:
		var p realtime.PresenceSyncPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			tr.logger.Warn("malformed presence sync", zap.Error(err))
			return
		}
		tr.mu.Lock()
		tr.remote = make(map[string]realtime.PresenceMeta, len(p.Users))
		for _, meta := range p.Users {
			if meta.UserID == tr.selfID {
				continue
			}
			tr.remote[meta.UserID] = meta
		}
		tr.mu.Unlock()
		tr.bus.Emit(bus.KindPresenceSynced, bus.PresenceChange{UserID: "", Status: ""})

	case realtime.EventPresenceJoin:
		var meta realtime.PresenceMeta
		if err := json.Unmarshal(payload, &meta); err != nil {
			tr.logger.Warn("malformed presence join", zap.Error(err))
			return
		}
		if meta.UserID == tr.selfID {
			return
		}
		if meta.Status == "" {
			meta.Status = string(Online)
		}
		tr.mu.Lock()
		tr.remote[meta.UserID] = meta
		tr.mu.Unlock()
		tr.bus.Emit(bus.KindPresenceChanged, bus.PresenceChange{UserID: meta.UserID, Status: meta.Status})

	case realtime.EventPresenceLeave:
		var meta realtime.PresenceMeta
		if err := json.Unmarshal(payload, &meta); err != nil {
			tr.logger.Warn("malformed presence leave", zap.Error(err))
			return
		}
		if meta.UserID == tr.selfID {
			return
		}
		tr.mu.Lock()
		_, known := tr.remote[meta.UserID]
		delete(tr.remote, meta.UserID)
		tr.mu.Unlock()
		if known {
			tr.bus.Emit(bus.KindPresenceChanged, bus.PresenceChange{UserID: meta.UserID, Status: string(Offline)})
		}
	}
}

// UserStatus returns a remote user's presence, offline when unknown.
func (tr *Tracker) UserStatus(userID string) Status {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if meta, ok := tr.remote[userID]; ok {
		return Status(meta.Status)
	}
	return Offline
}

// Users returns a copy of the remote presence map.
func (tr *Tracker) Users() map[string]realtime.PresenceMeta {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	out := make(map[string]realtime.PresenceMeta, len(tr.remote))
	for k, v := range tr.remote {
		out[k] = v
	}
	return out
}

// Stats counts the remote users by presence.
func (tr *Tracker) Stats() Stats {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	var s Stats
	for _, meta := range tr.remote {
		s.Total++
		switch Status(meta.Status) {
		case Online:
			s.Online++
		case Away:
			s.Away++
		}
	}
	return s
}

func (tr *Tracker) setLocal(status Status) {
	tr.mu.Lock()
	if tr.closed || tr.local == status {
		tr.mu.Unlock()
		return
	}
	tr.local = status
	tr.mu.Unlock()

	if err := tr.publish.PublishPresence(string(status)); err != nil {
		tr.logger.Warn("failed to publish presence", zap.Error(err), zap.String("chat_id", tr.chatID), zap.String("status", string(status)))
	}
	tr.bus.Emit(bus.KindPresenceChanged, bus.PresenceChange{UserID: tr.selfID, Status: string(status)})
}

func (tr *Tracker) resetAwayTimer() {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.closed {
		return
	}
	if tr.awayTimer == nil {
		tr.awayTimer = time.AfterFunc(tr.cfg.AwayTimeout.Std(), tr.drift)
		return
	}
	tr.awayTimer.Reset(tr.cfg.AwayTimeout.Std())
}

// drift is the shared timer callback for the away and hidden-grace timers.
// Only an online user drifts to away; an offline one stays offline.
func (tr *Tracker) drift() {
	tr.mu.Lock()
	online := tr.local == Online
	tr.mu.Unlock()
	if online {
		tr.setLocal(Away)
	}
}
