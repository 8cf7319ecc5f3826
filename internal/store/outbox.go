package store

import (
	"context"
	"time"
)

// QueueOutbox adds a message to the send outbox. Queuing the same client
// message id twice is a no-op.
func (db *DB) QueueOutbox(ctx context.Context, clientMsgID, conversationJID, body string) error {
	now := time.Now().UnixMilli()
	_, err := db.ExecContext(ctx, `
		INSERT INTO outbox (client_msg_id, conversation_jid, body, status, created_at, updated_at)
		VALUES (?, ?, ?, 'queued', ?, ?)
		ON CONFLICT(client_msg_id) DO NOTHING`,
		clientMsgID, conversationJID, body, now, now)
	return err
}

// MarkOutboxSending updates an outbox entry to 'sending' status.
func (db *DB) MarkOutboxSending(ctx context.Context, clientMsgID string) error {
	return db.setOutboxStatus(ctx, clientMsgID, "sending", "", "")
}

// MarkOutboxSent updates an outbox entry to 'sent' with the server message ID.
func (db *DB) MarkOutboxSent(ctx context.Context, clientMsgID, serverMsgID string) error {
	return db.setOutboxStatus(ctx, clientMsgID, "sent", "", serverMsgID)
}

// MarkOutboxFailed updates an outbox entry to 'failed' with an error message.
func (db *DB) MarkOutboxFailed(ctx context.Context, clientMsgID, errMsg string) error {
	return db.setOutboxStatus(ctx, clientMsgID, "failed", errMsg, "")
}

// RequeueSending puts entries left in 'sending' by an interrupted process
// back into the queue.
func (db *DB) RequeueSending(ctx context.Context) (int64, error) {
	res, err := db.ExecContext(ctx, `UPDATE outbox SET status = 'queued', updated_at = ? WHERE status = 'sending'`, time.Now().UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (db *DB) setOutboxStatus(ctx context.Context, clientMsgID, status, errMsg, serverMsgID string) error {
	_, err := db.ExecContext(ctx, `
		UPDATE outbox SET
			status = ?,
			error_message = ?,
			server_msg_id = CASE WHEN ? != '' THEN ? ELSE server_msg_id END,
			updated_at = ?
		WHERE client_msg_id = ?`,
		status, errMsg, serverMsgID, serverMsgID, time.Now().UnixMilli(), clientMsgID)
	return err
}

// PendingOutbox returns outbox entries that are still queued, oldest first.
func (db *DB) PendingOutbox(ctx context.Context) ([]OutboxEntry, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, client_msg_id, conversation_jid, body, status, error_message, server_msg_id, created_at
		FROM outbox WHERE status = 'queued' ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.ClientMsgID, &e.ConversationJID, &e.Body, &e.Status, &e.ErrorMessage, &e.ServerMsgID, &createdAt); err != nil {
			return nil, err
		}
		e.CreatedAt = FromMillis(createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetOutbox returns a single outbox entry, or nil if none exists.
func (db *DB) GetOutbox(ctx context.Context, clientMsgID string) (*OutboxEntry, error) {
	var e OutboxEntry
	var createdAt int64
	err := db.QueryRowContext(ctx, `
		SELECT id, client_msg_id, conversation_jid, body, status, error_message, server_msg_id, created_at
		FROM outbox WHERE client_msg_id = ?`, clientMsgID).
		Scan(&e.ID, &e.ClientMsgID, &e.ConversationJID, &e.Body, &e.Status, &e.ErrorMessage, &e.ServerMsgID, &createdAt)
	if err != nil {
		if IsNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	e.CreatedAt = FromMillis(createdAt)
	return &e, nil
}
