package chat

import (
	"context"
	"sync"
	"time"

	"github.com/rhymesg/tutorconnect/internal/bus"
	"github.com/rhymesg/tutorconnect/internal/config"
	"github.com/rhymesg/tutorconnect/internal/outbox"
	"github.com/rhymesg/tutorconnect/internal/presence"
	"github.com/rhymesg/tutorconnect/internal/realtime"
	"github.com/rhymesg/tutorconnect/internal/store"
	intsync "github.com/rhymesg/tutorconnect/internal/sync"
	"github.com/rhymesg/tutorconnect/internal/typing"
	"go.uber.org/zap"
)

// Identity is the authenticated local user.
type Identity struct {
	ID   string
	Name string
}

// Signaler is the REST side of typing notifications.
type Signaler interface {
	PostTyping(ctx context.Context, chatID string, isTyping bool) error
}

// Service manages joined rooms. Join and Leave are idempotent; everything a
// room needs (channels, typing, presence, history) is wired on Join and torn
// down on Leave.
type Service struct {
	mgr    *realtime.Manager
	engine *intsync.Engine
	sender *outbox.Sender
	signal Signaler
	db     *store.DB
	bus    *bus.Bus
	cfg    *config.Config
	self   Identity
	logger *zap.Logger

	mu    sync.Mutex
	rooms map[string]*Room

	unsubConn func()
	watchDone chan struct{}
}

// NewService creates the chat service.
func NewService(mgr *realtime.Manager, engine *intsync.Engine, sender *outbox.Sender, signal Signaler, db *store.DB, b *bus.Bus, cfg *config.Config, self Identity, logger *zap.Logger) *Service {
	s := &Service{
		mgr:       mgr,
		engine:    engine,
		sender:    sender,
		signal:    signal,
		db:        db,
		bus:       b,
		cfg:       cfg,
		self:      self,
		logger:    logger,
		rooms:     make(map[string]*Room),
		watchDone: make(chan struct{}),
	}

	// Presence in every joined room follows the realtime link, and inbound
	// messages for an open room are auto-read when configured.
	connEvents, unsubConn := b.Subscribe(bus.KindConnStatusChanged, 16)
	msgEvents, unsubMsg := b.Subscribe(bus.KindMessageUpserted, 64)
	s.unsubConn = func() {
		unsubConn()
		unsubMsg()
	}
	go s.watch(connEvents, msgEvents)

	return s
}

func (s *Service) watch(connEvents, msgEvents <-chan bus.Event) {
	for {
		select {
		case ev := <-connEvents:
			change, ok := ev.Payload.(bus.StatusChange)
			if !ok {
				continue
			}
			connected := change.To == "connected"
			for _, room := range s.Rooms() {
				room.tracker.HandleConnStatus(connected)
			}
		case ev := <-msgEvents:
			ref, ok := ev.Payload.(bus.MessageRef)
			if !ok || !ref.Inbound || !s.cfg.Sync.AutoRead {
				continue
			}
			room := s.Room(ref.ChatID)
			if room == nil {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Connection.RequestTimeout.Std())
			if err := room.MarkRead(ctx); err != nil {
				s.logger.Warn("auto mark-read failed", zap.Error(err), zap.String("chat_id", ref.ChatID))
			}
			cancel()
		case <-s.watchDone:
			return
		}
	}
}

// Join opens a room: subscribes its three channels, starts typing and
// presence tracking, and backfills the first history page. Joining a chat
// twice returns the existing room.
func (s *Service) Join(ctx context.Context, chatID string) (*Room, error) {
	s.mu.Lock()
	if room, ok := s.rooms[chatID]; ok {
		s.mu.Unlock()
		return room, nil
	}

	room := &Room{
		chatID:   chatID,
		svc:      s,
		nextPage: 1,
		hasMore:  true,
	}
	room.indicator = typing.NewIndicator(chatID, s.self.ID, &typingNotifier{svc: s}, s.bus, s.cfg.Typing, s.logger)
	room.tracker = presence.NewTracker(chatID, s.self.ID, &presencePublisher{svc: s, chatID: chatID}, s.bus, s.cfg.Presence, s.logger)

	chatCh := s.mgr.GetChannel(realtime.ChatChannel(chatID))
	typingCh := s.mgr.GetChannel(realtime.TypingChannel(chatID))
	presenceCh := s.mgr.GetChannel(realtime.PresenceChannel(chatID))
	room.unsubs = []func(){
		chatCh.OnEvent(s.engine.HandleEnvelope),
		typingCh.OnEvent(room.indicator.HandleEnvelope),
		presenceCh.OnEvent(room.tracker.HandleEnvelope),
	}

	s.rooms[chatID] = room
	s.mu.Unlock()

	room.tracker.Start()

	if _, err := room.LoadMore(ctx); err != nil {
		// History can be backfilled by the next poll; joining still works.
		s.logger.Warn("history backfill failed on join", zap.Error(err), zap.String("chat_id", chatID))
	}
	if s.cfg.Sync.AutoRead {
		if err := room.MarkRead(ctx); err != nil {
			s.logger.Warn("auto mark-read failed on join", zap.Error(err), zap.String("chat_id", chatID))
		}
	}

	s.bus.Emit(bus.KindChatJoined, bus.MessageRef{ChatID: chatID})
	s.logger.Info("joined chat", zap.String("chat_id", chatID))
	return room, nil
}

// Leave closes a room. Leaving a chat that is not joined is a no-op.
func (s *Service) Leave(chatID string) {
	s.mu.Lock()
	room, ok := s.rooms[chatID]
	delete(s.rooms, chatID)
	s.mu.Unlock()

	if ok {
		room.close()
	}
}

// Room returns the joined room for a chat, or nil.
func (s *Service) Room(chatID string) *Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rooms[chatID]
}

// Rooms lists the currently joined rooms.
func (s *Service) Rooms() []*Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Room, 0, len(s.rooms))
	for _, room := range s.rooms {
		out = append(out, room)
	}
	return out
}

// Close leaves every room and stops the link watcher.
func (s *Service) Close() {
	s.mu.Lock()
	if s.unsubConn != nil {
		s.unsubConn()
		s.unsubConn = nil
		close(s.watchDone)
	}
	rooms := make([]*Room, 0, len(s.rooms))
	for _, room := range s.rooms {
		rooms = append(rooms, room)
	}
	s.rooms = make(map[string]*Room)
	s.mu.Unlock()

	for _, room := range rooms {
		room.close()
	}
}

// typingNotifier fans a typing signal out both ways: the websocket channel
// for connected peers, REST for everyone else's unread badges.
type typingNotifier struct {
	svc *Service
}

func (n *typingNotifier) NotifyTyping(chatID string, isTyping bool) error {
	s := n.svc
	ch := s.mgr.GetChannel(realtime.TypingChannel(chatID))
	err := ch.Broadcast(realtime.EventTyping, realtime.TypingPayload{
		ChatID:    chatID,
		UserID:    s.self.ID,
		UserName:  s.self.Name,
		IsTyping:  isTyping,
		Timestamp: time.Now().UnixMilli(),
	})

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Connection.RequestTimeout.Std())
	defer cancel()
	if restErr := s.signal.PostTyping(ctx, chatID, isTyping); restErr != nil {
		s.logger.Debug("typing signal over rest failed", zap.Error(restErr), zap.String("chat_id", chatID))
	}
	return err
}

// presencePublisher announces local presence on the chat's presence channel.
type presencePublisher struct {
	svc    *Service
	chatID string
}

func (p *presencePublisher) PublishPresence(status string) error {
	s := p.svc
	ch := s.mgr.GetChannel(realtime.PresenceChannel(p.chatID))
	return ch.TrackPresence(realtime.PresenceMeta{
		UserID:   s.self.ID,
		UserName: s.self.Name,
		Status:   status,
		LastSeen: time.Now().UnixMilli(),
	})
}
