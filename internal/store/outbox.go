package store

import (
	"database/sql"
	"time"
)

// QueueOutbox adds a message to the send outbox.
func (db *DB) QueueOutbox(clientMsgID, chatID, content, msgType string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO outbox (client_msg_id, chat_id, content, message_type, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'queued', ?, ?)`,
		clientMsgID, chatID, content, msgType, now, now)
	return err
}

// MarkOutboxSending updates an outbox entry to 'sending' status.
func (db *DB) MarkOutboxSending(clientMsgID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'sending', updated_at = ? WHERE client_msg_id = ?`, now, clientMsgID)
	return err
}

// MarkOutboxSent updates an outbox entry to 'sent' with the server message ID.
func (db *DB) MarkOutboxSent(clientMsgID, serverMsgID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'sent', server_msg_id = ?, updated_at = ? WHERE client_msg_id = ?`, serverMsgID, now, clientMsgID)
	return err
}

// MarkOutboxRetry records a failed attempt but keeps the entry queued for the
// next sync pass. Returns the new retry count.
func (db *DB) MarkOutboxRetry(clientMsgID, errMsg string) (int, error) {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE outbox SET status = 'queued', retry_count = retry_count + 1, error_message = ?, updated_at = ?
		WHERE client_msg_id = ?`, errMsg, now, clientMsgID)
	if err != nil {
		return 0, err
	}
	var count int
	err = db.QueryRow(`SELECT retry_count FROM outbox WHERE client_msg_id = ?`, clientMsgID).Scan(&count)
	return count, err
}

// MarkOutboxFailed parks an entry as 'failed'. Failed entries are skipped by
// the sync loop until explicitly re-queued.
func (db *DB) MarkOutboxFailed(clientMsgID, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'failed', error_message = ?, updated_at = ? WHERE client_msg_id = ?`, errMsg, now, clientMsgID)
	return err
}

// RequeueOutbox puts a failed entry back in the queue with a fresh retry
// budget. This is the user-initiated retry path.
func (db *DB) RequeueOutbox(clientMsgID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE outbox SET status = 'queued', retry_count = 0, error_message = '', updated_at = ?
		WHERE client_msg_id = ? AND status = 'failed'`, now, clientMsgID)
	return err
}

// PendingOutbox returns queued outbox entries in enqueue order. Failed
// entries are excluded so they never block later messages.
func (db *DB) PendingOutbox() ([]OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT id, client_msg_id, chat_id, content, message_type, status, retry_count, error_message, server_msg_id, created_at
		FROM outbox WHERE status = 'queued' ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanOutbox(rows)
}

// FailedOutbox returns entries parked as failed, oldest first.
func (db *DB) FailedOutbox() ([]OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT id, client_msg_id, chat_id, content, message_type, status, retry_count, error_message, server_msg_id, created_at
		FROM outbox WHERE status = 'failed' ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanOutbox(rows)
}

// PruneSentOutbox deletes acknowledged entries older than the cutoff.
func (db *DB) PruneSentOutbox(before int64) error {
	_, err := db.Exec(`DELETE FROM outbox WHERE status = 'sent' AND updated_at < ?`, before)
	return err
}

func scanOutbox(rows *sql.Rows) ([]OutboxEntry, error) {
	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.ID, &e.ClientMsgID, &e.ChatID, &e.Content, &e.Type, &e.Status, &e.RetryCount, &e.ErrorMessage, &e.ServerMsgID, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
