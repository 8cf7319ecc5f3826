package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/matheus3301/chatsync/internal/jid"
	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/zap"
)

const messageColumns = `message_id, conversation_jid, body, ts, from_me, status, temp_id, provisional, marker_type, marker_for`

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

// QueryOptions narrows GetForConversation.
type QueryOptions struct {
	// Limit keeps only the most recent N matching messages. Zero means no limit.
	Limit int
	// Before is an exclusive upper bound on the timestamp. Zero means no bound.
	Before time.Time
	// ExcludeMarkers drops marker pseudo-messages from the result.
	ExcludeMarkers bool
}

// MessageRepository stores messages and notifies observers after every
// committed change.
type MessageRepository struct {
	db        *store.DB
	observers *registry
	logger    *zap.Logger
}

// NewMessageRepository creates a message repository backed by db.
func NewMessageRepository(db *store.DB, logger *zap.Logger) *MessageRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MessageRepository{
		db:        db,
		observers: newRegistry(logger),
		logger:    logger,
	}
}

// Observe registers fn for changes to one conversation.
func (r *MessageRepository) Observe(conversationJID string, fn Listener) func() {
	return r.observers.observe(normalizeKey(conversationJID), fn)
}

// ObserveAll registers fn for changes to any conversation.
func (r *MessageRepository) ObserveAll(fn Listener) func() {
	return r.observers.observeAll(fn)
}

// SaveAll writes the batch in one transaction. Unknown ids are inserted;
// known ids are merged with the stored record. A record whose id is unknown
// but whose temp id matches a stored record is merged into it and re-keyed.
func (r *MessageRepository) SaveAll(ctx context.Context, msgs []store.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	batch := make([]store.Message, len(msgs))
	for i, m := range msgs {
		n, err := normalizeMessage(m)
		if err != nil {
			return saveErr("messages.saveAll", err)
		}
		batch[i] = n
	}

	var changed touched
	err := r.db.WithTx(ctx, func(tx *sql.Tx) error {
		for _, in := range batch {
			existing, err := getMessage(ctx, tx, in.MessageID)
			if err != nil {
				return err
			}
			if existing == nil && in.TempID != "" {
				if existing, err = findByTempID(ctx, tx, in.TempID); err != nil {
					return err
				}
			}

			if existing == nil {
				if in.Status, err = markedStatus(ctx, tx, in); err != nil {
					return err
				}
				if err := insertMessage(ctx, tx, in); err != nil {
					return err
				}
				changed.add(in.ConversationJID)
				continue
			}

			merged := mergeMessage(*existing, in)
			if existing.MessageID != merged.MessageID {
				if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE message_id = ?`, existing.MessageID); err != nil {
					return fmt.Errorf("rekey %q: %w", existing.MessageID, err)
				}
				if merged.Status, err = markedStatus(ctx, tx, merged); err != nil {
					return err
				}
				if err := insertMessage(ctx, tx, merged); err != nil {
					return err
				}
				if err := rekeySummary(ctx, tx, existing.MessageID, merged.MessageID); err != nil {
					return err
				}
			} else if merged != *existing {
				if err := updateMessage(ctx, tx, merged); err != nil {
					return err
				}
			}
			changed.add(existing.ConversationJID)
			changed.add(merged.ConversationJID)
		}
		return nil
	})
	if err != nil {
		return saveErr("messages.saveAll", err)
	}
	r.observers.notify(changed.list...)
	return nil
}

// mergeMessage applies incoming over existing. Status never regresses and a
// locally stamped timestamp yields to a server-provided one.
func mergeMessage(existing, incoming store.Message) store.Message {
	out := existing
	out.MessageID = incoming.MessageID
	out.From = incoming.From
	if incoming.TempID != "" {
		out.TempID = incoming.TempID
	}
	if incoming.IsMarker() {
		out.MarkerType = incoming.MarkerType
		out.MarkerFor = incoming.MarkerFor
		out.Body = ""
	} else if incoming.Body != "" && !out.IsMarker() {
		out.Body = incoming.Body
	}
	out.Status = mergeStatus(existing.Status, incoming.Status)
	if existing.Provisional && !incoming.Provisional && !incoming.Timestamp.IsZero() {
		out.Timestamp = incoming.Timestamp
		out.Provisional = false
	}
	return out
}

func mergeStatus(current, incoming store.Status) store.Status {
	switch {
	case incoming == store.StatusFailed:
		return current
	case current == store.StatusFailed:
		if incoming.Rank() >= store.StatusSent.Rank() {
			return incoming
		}
		return current
	case incoming.Rank() > current.Rank():
		return incoming
	default:
		return current
	}
}

// UpdateStatus sets the status of a message, looked up by id or temp id.
// Failed applies unconditionally; any other status only moves forward.
// Updating an unknown message is a no-op.
func (r *MessageRepository) UpdateStatus(ctx context.Context, messageID string, status store.Status) error {
	if !status.Valid() {
		return updateErr("messages.updateStatus", fmt.Errorf("unknown status %q", status))
	}

	var conv string
	err := r.db.WithTx(ctx, func(tx *sql.Tx) error {
		m, err := getMessage(ctx, tx, messageID)
		if err != nil {
			return err
		}
		if m == nil {
			if m, err = findByTempID(ctx, tx, messageID); err != nil || m == nil {
				return err
			}
		}
		if status != store.StatusFailed && status.Rank() <= m.Status.Rank() {
			return nil
		}
		if m.Status == status {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `UPDATE messages SET status = ? WHERE message_id = ?`, string(status), m.MessageID); err != nil {
			return err
		}
		conv = m.ConversationJID
		return nil
	})
	if err != nil {
		return updateErr("messages.updateStatus", err)
	}
	r.observers.notify(conv)
	return nil
}

// UpdateMessageID re-keys the optimistic record known by tempID to the
// server-assigned newID. The temp id is kept on the record and the status
// becomes at least sent. If newID is already stored (the server echo won the
// race) the two records are merged into one.
func (r *MessageRepository) UpdateMessageID(ctx context.Context, tempID, newID string) error {
	if tempID == "" || newID == "" {
		return updateErr("messages.updateMessageId", fmt.Errorf("empty id"))
	}

	var conv string
	err := r.db.WithTx(ctx, func(tx *sql.Tx) error {
		local, err := getMessage(ctx, tx, tempID)
		if err != nil {
			return err
		}
		if local == nil {
			if local, err = findByTempID(ctx, tx, tempID); err != nil {
				return err
			}
		}
		if local == nil {
			return fmt.Errorf("message %q: %w", tempID, ErrNotFound)
		}

		merged := *local
		if local.MessageID != newID {
			server, err := getMessage(ctx, tx, newID)
			if err != nil {
				return err
			}
			if server != nil {
				merged = mergeMessage(*local, *server)
				if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE message_id = ?`, newID); err != nil {
					return err
				}
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE message_id = ?`, local.MessageID); err != nil {
				return err
			}
		} else if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE message_id = ?`, newID); err != nil {
			return err
		}

		merged.MessageID = newID
		merged.TempID = tempID
		if merged.Status.Rank() < store.StatusSent.Rank() {
			merged.Status = store.StatusSent
		}
		if merged.Status, err = markedStatus(ctx, tx, merged); err != nil {
			return err
		}
		if err := insertMessage(ctx, tx, merged); err != nil {
			return err
		}
		if local.MessageID != newID {
			if err := rekeySummary(ctx, tx, local.MessageID, newID); err != nil {
				return err
			}
		}
		conv = merged.ConversationJID
		return nil
	})
	if err != nil {
		return updateErr("messages.updateMessageId", err)
	}
	r.observers.notify(conv)
	return nil
}

// GetForConversation returns messages in ascending timestamp order.
func (r *MessageRepository) GetForConversation(ctx context.Context, conversationJID string, opts QueryOptions) ([]store.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE conversation_jid = ?`
	args := []any{normalizeKey(conversationJID)}
	if !opts.Before.IsZero() {
		query += ` AND ts < ?`
		args = append(args, opts.Before.UnixMilli())
	}
	if opts.ExcludeMarkers {
		query += ` AND marker_type = ''`
	}
	limit := -1
	if opts.Limit > 0 {
		limit = opts.Limit
	}
	query = `SELECT * FROM (` + query + ` ORDER BY ts DESC, message_id DESC LIMIT ?) ORDER BY ts ASC, message_id ASC`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, readErr("messages.getForConversation", err)
	}
	defer func() { _ = rows.Close() }()

	var msgs []store.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, readErr("messages.getForConversation", err)
		}
		msgs = append(msgs, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, readErr("messages.getForConversation", err)
	}
	return msgs, nil
}

// LatestContent returns the newest non-marker message of a conversation, or
// nil if it has none.
func (r *MessageRepository) LatestContent(ctx context.Context, conversationJID string) (*store.Message, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_jid = ? AND marker_type = ''
		ORDER BY ts DESC, message_id DESC LIMIT 1`, normalizeKey(conversationJID))
	m, err := scanMessage(row)
	if store.IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, readErr("messages.latestContent", err)
	}
	return m, nil
}

// ReplaceAllForConversation deletes every stored message of the conversation
// and inserts msgs in the same transaction. Only for a full resync of one
// conversation; incremental writes go through SaveAll.
func (r *MessageRepository) ReplaceAllForConversation(ctx context.Context, conversationJID string, msgs []store.Message) error {
	key, err := jid.Normalize(conversationJID)
	if err != nil {
		return saveErr("messages.replaceAllForConversation", err)
	}
	batch := make([]store.Message, len(msgs))
	for i, m := range msgs {
		n, err := normalizeMessage(m)
		if err != nil {
			return saveErr("messages.replaceAllForConversation", err)
		}
		if n.ConversationJID != key {
			return saveErr("messages.replaceAllForConversation",
				fmt.Errorf("message %q belongs to %q, not %q", n.MessageID, n.ConversationJID, key))
		}
		batch[i] = n
	}

	err = r.db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_jid = ?`, key); err != nil {
			return err
		}
		for _, m := range batch {
			if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE message_id = ?`, m.MessageID); err != nil {
				return err
			}
			if err := insertMessage(ctx, tx, m); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return saveErr("messages.replaceAllForConversation", err)
	}
	r.observers.notify(key)
	return nil
}

// Get returns a message by id, or nil if none exists.
func (r *MessageRepository) Get(ctx context.Context, messageID string) (*store.Message, error) {
	m, err := getMessage(ctx, r.db, messageID)
	if err != nil {
		return nil, readErr("messages.get", err)
	}
	return m, nil
}

// GetByTempID returns the message carrying tempID, or nil if none exists.
func (r *MessageRepository) GetByTempID(ctx context.Context, tempID string) (*store.Message, error) {
	m, err := findByTempID(ctx, r.db, tempID)
	if err != nil {
		return nil, readErr("messages.getByTempId", err)
	}
	return m, nil
}

// CountForConversation returns how many messages a conversation holds.
func (r *MessageRepository) CountForConversation(ctx context.Context, conversationJID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE conversation_jid = ?`, normalizeKey(conversationJID)).Scan(&n)
	if err != nil {
		return 0, readErr("messages.countForConversation", err)
	}
	return n, nil
}

// ClearForConversation deletes every message of a conversation.
func (r *MessageRepository) ClearForConversation(ctx context.Context, conversationJID string) error {
	key := normalizeKey(conversationJID)
	res, err := r.db.ExecContext(ctx, `DELETE FROM messages WHERE conversation_jid = ?`, key)
	if err != nil {
		return deleteErr("messages.clearForConversation", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		r.observers.notify(key)
	}
	return nil
}

// Delete removes one message. Deleting an unknown id is a no-op.
func (r *MessageRepository) Delete(ctx context.Context, messageID string) error {
	var conv string
	err := r.db.QueryRowContext(ctx, `DELETE FROM messages WHERE message_id = ? RETURNING conversation_jid`, messageID).Scan(&conv)
	if err != nil && !store.IsNoRows(err) {
		return deleteErr("messages.delete", err)
	}
	r.observers.notify(conv)
	return nil
}

func normalizeMessage(m store.Message) (store.Message, error) {
	key, err := jid.Normalize(m.ConversationJID)
	if err != nil {
		return m, err
	}
	m.ConversationJID = key
	if m.Status == "" {
		m.Status = store.StatusSent
	}
	if m.From == "" {
		m.From = store.SenderThem
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
		m.Provisional = true
	}
	// Millisecond precision is all the store keeps.
	m.Timestamp = time.UnixMilli(m.Timestamp.UnixMilli())
	return m, m.Validate()
}

// normalizeKey lowercases and strips the resource for lookups; invalid input
// is used as given and simply matches nothing.
func normalizeKey(s string) string {
	if n, err := jid.Normalize(s); err == nil {
		return n
	}
	return s
}

func getMessage(ctx context.Context, q querier, messageID string) (*store.Message, error) {
	m, err := scanMessage(q.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE message_id = ?`, messageID))
	if store.IsNoRows(err) {
		return nil, nil
	}
	return m, err
}

// findByTempID matches a record created under tempID, whether or not it has
// been re-keyed yet.
func findByTempID(ctx context.Context, q querier, tempID string) (*store.Message, error) {
	if tempID == "" {
		return nil, nil
	}
	m, err := scanMessage(q.QueryRowContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE message_id = ? OR temp_id = ?
		ORDER BY (message_id = ?) DESC LIMIT 1`, tempID, tempID, tempID))
	if store.IsNoRows(err) {
		return nil, nil
	}
	return m, err
}

// markedStatus returns the status of m raised by the displayed and
// acknowledged markers the counterpart already sent for it. Markers can reach
// the cache before the message they point at.
func markedStatus(ctx context.Context, q querier, m store.Message) (store.Status, error) {
	if m.IsMarker() {
		return m.Status, nil
	}
	tempID := m.TempID
	if tempID == "" {
		tempID = m.MessageID
	}
	rows, err := q.QueryContext(ctx, `
		SELECT DISTINCT marker_type FROM messages
		WHERE marker_for IN (?, ?) AND from_me = 0 AND marker_type IN (?, ?)`,
		m.MessageID, tempID, string(store.MarkerDisplayed), string(store.MarkerAcknowledged))
	if err != nil {
		return "", fmt.Errorf("markers for %q: %w", m.MessageID, err)
	}
	defer func() { _ = rows.Close() }()

	status := m.Status
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return "", err
		}
		marked := store.StatusDisplayed
		if store.MarkerType(t) == store.MarkerAcknowledged {
			marked = store.StatusAcknowledged
		}
		status = mergeStatus(status, marked)
	}
	return status, rows.Err()
}

// rekeySummary points conversation summaries naming oldID at newID.
func rekeySummary(ctx context.Context, q querier, oldID, newID string) error {
	if _, err := q.ExecContext(ctx, `UPDATE conversations SET last_message_id = ? WHERE last_message_id = ?`, newID, oldID); err != nil {
		return fmt.Errorf("rekey summary %q: %w", oldID, err)
	}
	return nil
}

func insertMessage(ctx context.Context, q querier, m store.Message) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO messages (`+messageColumns+`, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.MessageID, m.ConversationJID, m.Body, m.Timestamp.UnixMilli(), m.From == store.SenderMe,
		string(m.Status), m.TempID, m.Provisional, string(m.MarkerType), m.MarkerFor, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("insert %q: %w", m.MessageID, err)
	}
	return nil
}

func updateMessage(ctx context.Context, q querier, m store.Message) error {
	_, err := q.ExecContext(ctx, `
		UPDATE messages SET
			conversation_jid = ?, body = ?, ts = ?, from_me = ?, status = ?,
			temp_id = ?, provisional = ?, marker_type = ?, marker_for = ?
		WHERE message_id = ?`,
		m.ConversationJID, m.Body, m.Timestamp.UnixMilli(), m.From == store.SenderMe, string(m.Status),
		m.TempID, m.Provisional, string(m.MarkerType), m.MarkerFor, m.MessageID)
	if err != nil {
		return fmt.Errorf("update %q: %w", m.MessageID, err)
	}
	return nil
}

func scanMessage(s rowScanner) (*store.Message, error) {
	var (
		m                   store.Message
		ts                  int64
		fromMe, provisional bool
		status, markerType  string
	)
	if err := s.Scan(&m.MessageID, &m.ConversationJID, &m.Body, &ts, &fromMe, &status, &m.TempID, &provisional, &markerType, &m.MarkerFor); err != nil {
		return nil, err
	}
	m.Timestamp = time.UnixMilli(ts)
	m.From = store.SenderThem
	if fromMe {
		m.From = store.SenderMe
	}
	m.Status = store.Status(status)
	m.Provisional = provisional
	m.MarkerType = store.MarkerType(markerType)
	return &m, nil
}
