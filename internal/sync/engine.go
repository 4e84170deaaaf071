package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/rhymesg/tutorconnect/internal/api"
	"github.com/rhymesg/tutorconnect/internal/bus"
	"github.com/rhymesg/tutorconnect/internal/config"
	"github.com/rhymesg/tutorconnect/internal/realtime"
	"github.com/rhymesg/tutorconnect/internal/store"
	"go.uber.org/zap"
)

// HistorySource is the REST surface the engine pulls history and chat
// metadata from.
type HistorySource interface {
	ListChats(ctx context.Context) ([]api.Chat, error)
	ListMessages(ctx context.Context, chatID string, page, limit int) ([]api.Message, *api.Pagination, error)
	PostReadReceipt(ctx context.Context, chatID string) error
}

// Engine handles idempotent ingestion of messages into the store.
//
// Messages arrive from two directions: realtime envelopes pushed over the
// websocket, and REST history pages pulled on demand or by the low-frequency
// reconciliation poll. Both paths converge on the same upsert, so a message
// seen twice lands once.
type Engine struct {
	db     *store.DB
	source HistorySource
	bus    *bus.Bus
	cfg    config.SyncConfig
	selfID string
	logger *zap.Logger
	cancel context.CancelFunc
}

// NewEngine creates a new sync engine. selfID is the authenticated user's ID,
// used to tell inbound messages from echoes of our own.
func NewEngine(db *store.DB, source HistorySource, b *bus.Bus, cfg config.SyncConfig, selfID string, logger *zap.Logger) *Engine {
	return &Engine{
		db:     db,
		source: source,
		bus:    b,
		cfg:    cfg,
		selfID: selfID,
		logger: logger,
	}
}

// Start launches the reconciliation poll. The poll exists to catch messages
// the websocket missed while the link was flapping.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	go e.pollLoop(ctx)
}

// Stop stops the engine.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
}

// HandleEnvelope ingests a realtime message event. It is registered as the
// chat channel handler for every joined chat.
func (e *Engine) HandleEnvelope(event string, payload json.RawMessage) {
	switch event {
	case realtime.EventMessageInsert, realtime.EventMessageUpdate:
		var change realtime.MessageChangePayload
		if err := json.Unmarshal(payload, &change); err != nil {
			e.logger.Warn("malformed message payload", zap.Error(err))
			return
		}
		if err := e.ingestChange(change); err != nil {
			e.logger.Error("failed to ingest realtime message", zap.Error(err), zap.String("msg_id", change.ID))
		}
	}
}

func (e *Engine) ingestChange(change realtime.MessageChangePayload) error {
	if change.IsDeleted {
		return e.db.UpdateMessageStatus(change.ChatID, change.ID, "deleted")
	}
	return e.IngestMessage(&store.Message{
		ChatID:     change.ChatID,
		MsgID:      change.ID,
		SenderID:   change.SenderID,
		SenderName: change.SenderName,
		Content:    change.Content,
		Type:       change.Type,
		FromMe:     change.SenderID == e.selfID,
		Status:     "sent",
		Timestamp:  change.SentAt,
	})
}

// IngestMessage processes a single message into the store (idempotent).
// A message not seen before from another user bumps the chat's unread count.
func (e *Engine) IngestMessage(msg *store.Message) error {
	existing, err := e.db.GetMessage(msg.ChatID, msg.MsgID)
	if err != nil {
		return fmt.Errorf("lookup message: %w", err)
	}

	if err := e.db.UpsertChat(&store.Chat{
		ID:                 msg.ChatID,
		LastMessageAt:      msg.Timestamp,
		LastMessagePreview: truncate(msg.Content, 100),
	}); err != nil {
		return fmt.Errorf("upsert chat: %w", err)
	}
	if err := e.db.UpsertMessage(msg); err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}

	inbound := existing == nil && !msg.FromMe
	if inbound {
		if err := e.db.IncrementUnread(msg.ChatID); err != nil {
			return fmt.Errorf("increment unread: %w", err)
		}
	}

	e.bus.Emit(bus.KindMessageUpserted, bus.MessageRef{ChatID: msg.ChatID, ClientMsgID: msg.MsgID, Inbound: inbound})
	return nil
}

// LoadHistory pulls one page of a chat's history from the server and ingests
// it. Pages count from 1, newest first. Returns whether more pages remain.
func (e *Engine) LoadHistory(ctx context.Context, chatID string, page int) (bool, error) {
	messages, pagination, err := e.source.ListMessages(ctx, chatID, page, e.cfg.PageSize)
	if err != nil {
		return false, fmt.Errorf("fetch history page %d: %w", page, err)
	}

	batch := make([]*store.Message, 0, len(messages))
	for i := range messages {
		batch = append(batch, e.apiMessage(&messages[i]))
	}
	if err := e.IngestHistoryBatch(chatID, batch, pagination.HasMore); err != nil {
		return false, err
	}
	return pagination.HasMore, nil
}

// IngestHistoryBatch writes a page of history in one transaction. History
// never touches unread counts; it is backfill, not new activity.
func (e *Engine) IngestHistoryBatch(chatID string, msgs []*store.Message, hasMore bool) error {
	tx, err := e.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	for _, sm := range msgs {
		if _, err := tx.Exec(`
			INSERT INTO chats (id, last_message_at, last_message_preview, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				last_message_at = MAX(chats.last_message_at, excluded.last_message_at),
				last_message_preview = CASE WHEN excluded.last_message_at > chats.last_message_at THEN excluded.last_message_preview ELSE chats.last_message_preview END,
				updated_at = excluded.updated_at`,
			sm.ChatID, sm.Timestamp, truncate(sm.Content, 100), now); err != nil {
			return fmt.Errorf("upsert chat in batch: %w", err)
		}

		if _, err := tx.Exec(`
			INSERT INTO messages (chat_id, msg_id, sender_id, sender_name, content, message_type, from_me, status, is_optimistic, timestamp, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
			ON CONFLICT(chat_id, msg_id) DO UPDATE SET
				sender_name = excluded.sender_name,
				content = excluded.content,
				status = excluded.status`,
			sm.ChatID, sm.MsgID, sm.SenderID, sm.SenderName, sm.Content, sm.Type, sm.FromMe, sm.Status, sm.Timestamp, now); err != nil {
			return fmt.Errorf("upsert message in batch: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}

	e.bus.Emit(bus.KindSyncHistoryBatch, bus.HistoryBatch{
		ChatID:   chatID,
		Messages: len(msgs),
		HasMore:  hasMore,
	})
	return nil
}

// MarkRead clears a chat's local unread count, marks inbound messages read,
// and tells the server so other devices agree.
func (e *Engine) MarkRead(ctx context.Context, chatID string) error {
	if err := e.db.ClearUnread(chatID); err != nil {
		return fmt.Errorf("clear unread: %w", err)
	}
	if err := e.db.MarkInboundRead(chatID); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	if err := e.source.PostReadReceipt(ctx, chatID); err != nil {
		// The local state is already updated; receipt delivery is best
		// effort and will be corrected by the next poll.
		e.logger.Warn("failed to post read receipt", zap.Error(err), zap.String("chat_id", chatID))
	}
	return nil
}

// SyncChats refreshes the chat list from the server.
func (e *Engine) SyncChats(ctx context.Context) error {
	chats, err := e.source.ListChats(ctx)
	if err != nil {
		return fmt.Errorf("list chats: %w", err)
	}
	for i := range chats {
		c := &chats[i]
		if err := e.db.UpsertChat(&store.Chat{
			ID:                 c.ID,
			PostID:             c.PostID,
			Title:              c.Title,
			UnreadCount:        c.UnreadCount,
			LastMessageAt:      c.LastMessageAt,
			LastMessagePreview: truncate(c.LastMessage, 100),
		}); err != nil {
			return fmt.Errorf("upsert chat %s: %w", c.ID, err)
		}
	}
	return nil
}

// Reconcile pulls the first history page for every known chat. Combined with
// the idempotent upsert this repairs any gap the websocket left behind.
func (e *Engine) Reconcile(ctx context.Context) {
	if err := e.SyncChats(ctx); err != nil {
		e.logger.Warn("chat list sync failed", zap.Error(err))
	}

	chats, err := e.db.ListChats(200, 0)
	if err != nil {
		e.logger.Error("failed to list chats for reconcile", zap.Error(err))
		return
	}
	for _, c := range chats {
		if ctx.Err() != nil {
			return
		}
		if _, err := e.LoadHistory(ctx, c.ID, 1); err != nil {
			e.logger.Warn("reconcile failed for chat", zap.Error(err), zap.String("chat_id", c.ID))
		}
	}

	if err := e.db.SetCheckpoint("last_reconcile", strconv.FormatInt(time.Now().UnixMilli(), 10)); err != nil {
		e.logger.Warn("failed to record reconcile checkpoint", zap.Error(err))
	}
}

// LastReconcile reports when the last full reconciliation finished, zero if
// none has run yet.
func (e *Engine) LastReconcile() time.Time {
	raw, err := e.db.GetCheckpoint("last_reconcile")
	if err != nil || raw == "" {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// pollLoop runs Reconcile on a timer. While the realtime link is down the
// poll is the only delivery path, so it speeds up to the degraded interval
// and drops back once the link recovers.
func (e *Engine) pollLoop(ctx context.Context) {
	normal := e.cfg.PollInterval.Std()
	degraded := e.cfg.DegradedPollInterval.Std()
	if degraded <= 0 || degraded > normal {
		degraded = normal
	}

	ticker := time.NewTicker(normal)
	defer ticker.Stop()

	statusEvents, unsubscribe := e.bus.Subscribe(bus.KindConnStatusChanged, 16)
	defer unsubscribe()

	for {
		select {
		case <-ticker.C:
			e.Reconcile(ctx)
		case ev := <-statusEvents:
			change, ok := ev.Payload.(bus.StatusChange)
			if !ok {
				continue
			}
			if change.To == "connected" {
				ticker.Reset(normal)
				// Heal whatever gap opened while we were down.
				e.Reconcile(ctx)
			} else {
				ticker.Reset(degraded)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) apiMessage(m *api.Message) *store.Message {
	status := "sent"
	if m.IsDeleted {
		status = "deleted"
	}
	return &store.Message{
		ChatID:     m.ChatID,
		MsgID:      m.ID,
		SenderID:   m.SenderID,
		SenderName: m.SenderName,
		Content:    m.Content,
		Type:       m.Type,
		FromMe:     m.SenderID == e.selfID,
		Status:     status,
		Timestamp:  m.SentAt,
	}
}

// truncate cuts s to at most maxLen bytes without splitting a rune, so
// previews with æ/ø/å stay valid UTF-8.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
