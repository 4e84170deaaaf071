package store

import (
	"database/sql"
	"fmt"
	"time"
)

// UpsertMessage inserts or updates a message (idempotent on chat_id + msg_id).
// A realtime event echoed back for an already-known message is a no-op apart
// from refreshing content and status.
func (db *DB) UpsertMessage(m *Message) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (chat_id, msg_id, sender_id, sender_name, content, message_type, from_me, status, is_optimistic, timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chat_id, msg_id) DO UPDATE SET
			sender_name = excluded.sender_name,
			content = excluded.content,
			status = excluded.status,
			is_optimistic = excluded.is_optimistic`,
		m.ChatID, m.MsgID, m.SenderID, m.SenderName, m.Content, m.Type, m.FromMe, m.Status, m.IsOptimistic, m.Timestamp, now)
	return err
}

// ListMessages returns messages for a chat using keyset pagination by
// timestamp, newest first.
func (db *DB) ListMessages(chatID string, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT id, chat_id, msg_id, sender_id, sender_name, content, message_type, from_me, status, is_optimistic, timestamp
		FROM messages
		WHERE chat_id = ? AND timestamp < ?
		ORDER BY timestamp DESC
		LIMIT ?`, chatID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.RowID, &m.ChatID, &m.MsgID, &m.SenderID, &m.SenderName, &m.Content, &m.Type, &m.FromMe, &m.Status, &m.IsOptimistic, &m.Timestamp); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// GetMessage returns a single message by chat and message id, or nil.
func (db *DB) GetMessage(chatID, msgID string) (*Message, error) {
	var m Message
	err := db.QueryRow(`
		SELECT id, chat_id, msg_id, sender_id, sender_name, content, message_type, from_me, status, is_optimistic, timestamp
		FROM messages WHERE chat_id = ? AND msg_id = ?`, chatID, msgID).
		Scan(&m.RowID, &m.ChatID, &m.MsgID, &m.SenderID, &m.SenderName, &m.Content, &m.Type, &m.FromMe, &m.Status, &m.IsOptimistic, &m.Timestamp)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// RemapMessageID replaces an optimistic message's client id with the
// server-assigned id, preserving the row (and therefore list position).
// If the server message already arrived through the realtime channel the
// optimistic duplicate is dropped instead.
func (db *DB) RemapMessageID(chatID, clientMsgID, serverMsgID string) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRow(`SELECT COUNT(*) FROM messages WHERE chat_id = ? AND msg_id = ?`, chatID, serverMsgID).Scan(&exists)
	if err != nil {
		return err
	}

	if exists > 0 {
		if _, err := tx.Exec(`DELETE FROM messages WHERE chat_id = ? AND msg_id = ?`, chatID, clientMsgID); err != nil {
			return err
		}
	} else {
		if _, err := tx.Exec(`
			UPDATE messages SET msg_id = ?, status = 'sent', is_optimistic = 0
			WHERE chat_id = ? AND msg_id = ?`, serverMsgID, chatID, clientMsgID); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// UpdateMessageStatus sets the delivery status for a message.
func (db *DB) UpdateMessageStatus(chatID, msgID, status string) error {
	_, err := db.Exec(`UPDATE messages SET status = ? WHERE chat_id = ? AND msg_id = ?`, status, chatID, msgID)
	return err
}

// MarkInboundRead marks every not-from-me message in a chat as read.
func (db *DB) MarkInboundRead(chatID string) error {
	_, err := db.Exec(`UPDATE messages SET status = 'read' WHERE chat_id = ? AND from_me = 0 AND status != 'read'`, chatID)
	return err
}

// MessageCount returns the number of stored messages.
func (db *DB) MessageCount() (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&n)
	return n, err
}
