package chat

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rhymesg/tutorconnect/internal/bus"
	"github.com/rhymesg/tutorconnect/internal/presence"
	"github.com/rhymesg/tutorconnect/internal/realtime"
	"github.com/rhymesg/tutorconnect/internal/store"
	"github.com/rhymesg/tutorconnect/internal/typing"
	"go.uber.org/zap"
)

// Participant is one remote user in a room, with their live flags folded in.
type Participant struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
	Status   string `json:"status"`
	IsTyping bool   `json:"isTyping"`
}

// RoomStats summarizes a room for status surfaces.
type RoomStats struct {
	ChatID      string         `json:"chatId"`
	Unread      int            `json:"unread"`
	TypingCount int            `json:"typingCount"`
	Presence    presence.Stats `json:"presence"`
}

// Room is a joined chat: its realtime channels, typing indicator and
// presence tracker, plus history pagination state.
type Room struct {
	chatID    string
	svc       *Service
	indicator *typing.Indicator
	tracker   *presence.Tracker
	unsubs    []func()

	mu       sync.Mutex
	nextPage int
	hasMore  bool
	left     bool
}

// ChatID returns the room's chat ID.
func (r *Room) ChatID() string { return r.chatID }

// Typing returns the room's typing indicator.
func (r *Room) Typing() *typing.Indicator { return r.indicator }

// Presence returns the room's presence tracker.
func (r *Room) Presence() *presence.Tracker { return r.tracker }

// Send queues an outgoing message and returns its client-side ID.
func (r *Room) Send(content, msgType string) (string, error) {
	if content == "" {
		return "", fmt.Errorf("empty message")
	}
	r.indicator.Stop()
	return r.svc.sender.Enqueue(r.chatID, content, msgType)
}

// MarkRead clears the room's unread state locally and on the server.
func (r *Room) MarkRead(ctx context.Context) error {
	return r.svc.engine.MarkRead(ctx, r.chatID)
}

// LoadMore pulls the next history page. Returns false once the server has
// no older messages.
func (r *Room) LoadMore(ctx context.Context) (bool, error) {
	r.mu.Lock()
	if !r.hasMore {
		r.mu.Unlock()
		return false, nil
	}
	page := r.nextPage
	r.mu.Unlock()

	hasMore, err := r.svc.engine.LoadHistory(ctx, r.chatID, page)
	if err != nil {
		return false, err
	}

	r.mu.Lock()
	r.nextPage = page + 1
	r.hasMore = hasMore
	r.mu.Unlock()
	return hasMore, nil
}

// Messages reads the room's stored messages, newest first. A zero beforeTs
// starts from the latest.
func (r *Room) Messages(beforeTs int64, limit int) ([]store.Message, error) {
	return r.svc.db.ListMessages(r.chatID, beforeTs, limit)
}

// Participants lists the remote users the presence channel knows about,
// with typing flags folded in. Sorted by name for stable display.
func (r *Room) Participants() []Participant {
	typers := r.indicator.Typers()
	users := r.tracker.Users()

	out := make([]Participant, 0, len(users))
	for _, meta := range users {
		_, isTyping := typers[meta.UserID]
		out = append(out, Participant{
			UserID:   meta.UserID,
			UserName: meta.UserName,
			Status:   meta.Status,
			IsTyping: isTyping,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserName < out[j].UserName })
	return out
}

// Stats summarizes the room.
func (r *Room) Stats() RoomStats {
	stats := RoomStats{
		ChatID:      r.chatID,
		TypingCount: len(r.indicator.Typers()),
		Presence:    r.tracker.Stats(),
	}
	if chat, err := r.svc.db.GetChat(r.chatID); err == nil && chat != nil {
		stats.Unread = chat.UnreadCount
	}
	return stats
}

// close tears the room down. Safe to call twice; only the first run does
// anything.
func (r *Room) close() {
	r.mu.Lock()
	if r.left {
		r.mu.Unlock()
		return
	}
	r.left = true
	r.mu.Unlock()

	for _, unsub := range r.unsubs {
		unsub()
	}
	r.indicator.Close()
	r.tracker.Close()

	r.svc.mgr.RemoveChannel(realtime.ChatChannel(r.chatID))
	r.svc.mgr.RemoveChannel(realtime.TypingChannel(r.chatID))
	r.svc.mgr.RemoveChannel(realtime.PresenceChannel(r.chatID))

	r.svc.bus.Emit(bus.KindChatLeft, bus.MessageRef{ChatID: r.chatID})
	r.svc.logger.Info("left chat", zap.String("chat_id", r.chatID))
}
