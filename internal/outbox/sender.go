package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rhymesg/tutorconnect/internal/api"
	"github.com/rhymesg/tutorconnect/internal/bus"
	"github.com/rhymesg/tutorconnect/internal/config"
	"github.com/rhymesg/tutorconnect/internal/store"
	"go.uber.org/zap"
)

// MessageSender is the interface for delivering a queued message upstream.
type MessageSender interface {
	SendMessage(ctx context.Context, chatID, content, msgType string) (*api.Message, error)
}

// ConnState reports whether the realtime link is usable. The sender holds
// queued messages while the link is down instead of burning retries.
type ConnState interface {
	IsConnected() bool
}

// Sender drains the outbox and delivers messages via the REST API.
//
// Entries are processed oldest-first. A delivery failure bumps the entry's
// retry count and leaves it queued for the next pass, so later messages are
// never blocked behind a flaky one. Once the retry cap is reached the entry
// is parked as failed and stays out of the queue until Retry is called.
type Sender struct {
	db     *store.DB
	sender MessageSender
	conn   ConnState
	bus    *bus.Bus
	cfg    config.OutboxConfig
	logger *zap.Logger
	cancel context.CancelFunc
	kick   chan struct{}
}

// NewSender creates a new outbox sender.
func NewSender(db *store.DB, sender MessageSender, conn ConnState, b *bus.Bus, cfg config.OutboxConfig, logger *zap.Logger) *Sender {
	return &Sender{
		db:     db,
		sender: sender,
		conn:   conn,
		bus:    b,
		cfg:    cfg,
		logger: logger,
		kick:   make(chan struct{}, 1),
	}
}

// Enqueue persists an outgoing message and returns its client-side ID. The
// message is immediately visible locally with a sending status; delivery
// happens asynchronously.
func (s *Sender) Enqueue(chatID, content, msgType string) (string, error) {
	if msgType == "" {
		msgType = store.TypeText
	}
	clientMsgID := "local-" + uuid.NewString()
	if err := s.db.QueueOutbox(clientMsgID, chatID, content, msgType); err != nil {
		return "", err
	}

	// Optimistic insert so the message shows up before the server confirms.
	now := time.Now().UnixMilli()
	if err := s.db.UpsertMessage(&store.Message{
		ChatID:       chatID,
		MsgID:        clientMsgID,
		Content:      content,
		Type:         msgType,
		FromMe:       true,
		Status:       "sending",
		IsOptimistic: true,
		Timestamp:    now,
	}); err != nil {
		s.logger.Error("failed to insert optimistic message", zap.Error(err), zap.String("client_msg_id", clientMsgID))
	}

	s.bus.Emit(bus.KindMessageQueued, bus.MessageRef{ChatID: chatID, ClientMsgID: clientMsgID})
	s.bus.Emit(bus.KindMessageUpserted, bus.MessageRef{ChatID: chatID, ClientMsgID: clientMsgID})
	s.Kick()
	return clientMsgID, nil
}

// Retry puts a failed entry back at the front of the queue with a fresh
// retry budget. Entries that are not failed are left untouched.
func (s *Sender) Retry(clientMsgID string) error {
	if err := s.db.RequeueOutbox(clientMsgID); err != nil {
		return err
	}
	s.Kick()
	return nil
}

// Failed lists entries that exhausted their retries.
func (s *Sender) Failed() ([]store.OutboxEntry, error) {
	return s.db.FailedOutbox()
}

// Kick wakes the sender loop outside its regular tick.
func (s *Sender) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Start begins draining the outbox until Stop or context cancellation.
func (s *Sender) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.loop(ctx)
}

// Stop stops the sender loop.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Sender) loop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SyncInterval.Std())
	defer ticker.Stop()

	// Drain immediately after a reconnect instead of waiting out the tick.
	statusEvents, unsubscribe := s.bus.Subscribe(bus.KindConnStatusChanged, 16)
	defer unsubscribe()

	for {
		select {
		case <-ticker.C:
			s.processPending(ctx)
			s.pruneSent()
		case <-s.kick:
			s.processPending(ctx)
		case ev := <-statusEvents:
			if change, ok := ev.Payload.(bus.StatusChange); ok && change.To == "connected" {
				s.processPending(ctx)
			}
		case <-ctx.Done():
			return
		}
	}
}

// pruneSent drops acknowledged entries once they are a day old. The message
// rows themselves are untouched, only the delivery bookkeeping goes.
func (s *Sender) pruneSent() {
	cutoff := time.Now().Add(-24 * time.Hour).UnixMilli()
	if err := s.db.PruneSentOutbox(cutoff); err != nil {
		s.logger.Warn("failed to prune sent outbox entries", zap.Error(err))
	}
}

func (s *Sender) processPending(ctx context.Context) {
	if !s.conn.IsConnected() {
		return
	}

	pending, err := s.db.PendingOutbox()
	if err != nil {
		s.logger.Error("failed to read outbox", zap.Error(err))
		return
	}

	for _, entry := range pending {
		if ctx.Err() != nil {
			return
		}
		s.deliver(ctx, entry)
	}
}

func (s *Sender) deliver(ctx context.Context, entry store.OutboxEntry) {
	if err := s.db.MarkOutboxSending(entry.ClientMsgID); err != nil {
		s.logger.Error("failed to mark sending", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
		return
	}

	sent, err := s.sender.SendMessage(ctx, entry.ChatID, entry.Content, entry.Type)
	if err != nil {
		s.handleFailure(entry, err)
		return
	}

	if err := s.db.MarkOutboxSent(entry.ClientMsgID, sent.ID); err != nil {
		s.logger.Error("failed to mark sent", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
	}
	// Swap the optimistic row's ID for the server-assigned one. If the
	// realtime feed already delivered the server copy, the optimistic row
	// is dropped instead.
	if err := s.db.RemapMessageID(entry.ChatID, entry.ClientMsgID, sent.ID); err != nil {
		s.logger.Error("failed to remap message id", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
	}

	s.logger.Info("message delivered",
		zap.String("chat_id", entry.ChatID),
		zap.String("client_msg_id", entry.ClientMsgID),
		zap.String("server_msg_id", sent.ID))
	s.bus.Emit(bus.KindMessageSendAck, bus.SendAck{
		ChatID:      entry.ChatID,
		ClientMsgID: entry.ClientMsgID,
		ServerMsgID: sent.ID,
	})
	s.bus.Emit(bus.KindMessageUpserted, bus.MessageRef{ChatID: entry.ChatID, ClientMsgID: sent.ID})
}

func (s *Sender) handleFailure(entry store.OutboxEntry, sendErr error) {
	retries, err := s.db.MarkOutboxRetry(entry.ClientMsgID, sendErr.Error())
	if err != nil {
		s.logger.Error("failed to record retry", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
		return
	}

	if retries < s.cfg.MaxRetries {
		s.logger.Warn("send failed, will retry",
			zap.String("client_msg_id", entry.ClientMsgID),
			zap.Int("retries", retries),
			zap.Error(sendErr))
		return
	}

	// Retry budget spent. Park the entry until an explicit Retry.
	if err := s.db.MarkOutboxFailed(entry.ClientMsgID, sendErr.Error()); err != nil {
		s.logger.Error("failed to mark failed", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
	}
	if err := s.db.UpdateMessageStatus(entry.ChatID, entry.ClientMsgID, "failed"); err != nil {
		s.logger.Error("failed to update message status", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
	}

	s.logger.Error("message delivery failed permanently",
		zap.String("chat_id", entry.ChatID),
		zap.String("client_msg_id", entry.ClientMsgID),
		zap.Int("retries", retries),
		zap.Error(sendErr))
	s.bus.Emit(bus.KindMessageSendFailed, bus.SendFailure{
		ChatID:      entry.ChatID,
		ClientMsgID: entry.ClientMsgID,
		Error:       sendErr.Error(),
		RetryCount:  retries,
	})
	s.bus.Emit(bus.KindMessageUpserted, bus.MessageRef{ChatID: entry.ChatID, ClientMsgID: entry.ClientMsgID})
}
