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

// Display metadata falls back to the directory entry when the conversation
// row carries none.
const conversationSelect = `
	SELECT c.jid,
		COALESCE(NULLIF(c.display_name,''), NULLIF(d.name,''), '') AS display_name,
		c.last_body, c.last_ts, c.last_from, c.last_message_id,
		c.unread_count, c.updated_at,
		COALESCE(NULLIF(c.avatar_data,''), NULLIF(d.avatar_data,''), '') AS avatar_data,
		CASE WHEN c.avatar_data != '' THEN c.avatar_type ELSE COALESCE(d.avatar_type, '') END AS avatar_type
	FROM conversations c
	LEFT JOIN directory d ON c.jid = d.jid`

// replacesSummary holds when an upserted last message supersedes the stored
// one: it is newer, or it is the same message with a corrected timestamp.
const replacesSummary = `(excluded.last_ts > conversations.last_ts OR
	(excluded.last_message_id != '' AND excluded.last_message_id = conversations.last_message_id))`

// ConversationUpdate is a partial update; nil fields are left unchanged.
type ConversationUpdate struct {
	DisplayName *string
	LastMessage *store.LastMessage
	UnreadCount *int
	AvatarData  *string
	AvatarType  *string
}

// ConversationRepository stores conversation summaries.
type ConversationRepository struct {
	db        *store.DB
	observers *registry
	logger    *zap.Logger
}

// NewConversationRepository creates a conversation repository backed by db.
func NewConversationRepository(db *store.DB, logger *zap.Logger) *ConversationRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConversationRepository{
		db:        db,
		observers: newRegistry(logger),
		logger:    logger,
	}
}

// ObserveAll registers fn for changes to any conversation summary.
func (r *ConversationRepository) ObserveAll(fn Listener) func() {
	return r.observers.observeAll(fn)
}

// SaveAll inserts unknown conversations and merges known ones. The last
// message summary is replaced by a strictly newer one, or by the same message
// restamped; display name and avatar are taken when the incoming value is
// non-empty. Unread counters of existing rows are never touched.
func (r *ConversationRepository) SaveAll(ctx context.Context, convs []store.Conversation) error {
	if len(convs) == 0 {
		return nil
	}
	now := time.Now().UnixMilli()

	var changed touched
	err := r.db.WithTx(ctx, func(tx *sql.Tx) error {
		for _, c := range convs {
			key, err := jid.Normalize(c.JID)
			if err != nil {
				return err
			}
			if c.UnreadCount < 0 {
				return fmt.Errorf("conversation %q: negative unread count", key)
			}
			updatedAt := store.ToMillis(c.UpdatedAt)
			if updatedAt == 0 {
				updatedAt = now
			}
			from := c.LastMessage.From
			if from == "" {
				from = store.SenderThem
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO conversations (jid, display_name, last_body, last_ts, last_from, last_message_id, unread_count, updated_at, avatar_data, avatar_type)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(jid) DO UPDATE SET
					display_name = CASE WHEN excluded.display_name != '' THEN excluded.display_name ELSE conversations.display_name END,
					last_body = CASE WHEN `+replacesSummary+` THEN excluded.last_body ELSE conversations.last_body END,
					last_from = CASE WHEN `+replacesSummary+` THEN excluded.last_from ELSE conversations.last_from END,
					last_message_id = CASE WHEN `+replacesSummary+` THEN excluded.last_message_id ELSE conversations.last_message_id END,
					updated_at = CASE WHEN `+replacesSummary+` THEN excluded.updated_at ELSE conversations.updated_at END,
					last_ts = CASE WHEN `+replacesSummary+` THEN excluded.last_ts ELSE conversations.last_ts END,
					avatar_data = CASE WHEN excluded.avatar_data != '' THEN excluded.avatar_data ELSE conversations.avatar_data END,
					avatar_type = CASE WHEN excluded.avatar_data != '' THEN excluded.avatar_type ELSE conversations.avatar_type END`,
				key, c.DisplayName, c.LastMessage.Body, store.ToMillis(c.LastMessage.Timestamp), string(from),
				c.LastMessage.MessageID, c.UnreadCount, updatedAt, c.AvatarData, c.AvatarType); err != nil {
				return fmt.Errorf("upsert %q: %w", key, err)
			}
			changed.add(key)
		}
		return nil
	})
	if err != nil {
		return saveErr("conversations.saveAll", err)
	}
	r.observers.notify(changed.list...)
	return nil
}

// Update applies a partial update to an existing conversation.
func (r *ConversationRepository) Update(ctx context.Context, conversationJID string, u ConversationUpdate) error {
	key := normalizeKey(conversationJID)
	err := r.db.WithTx(ctx, func(tx *sql.Tx) error {
		c, err := getConversation(ctx, tx, `SELECT jid, display_name, last_body, last_ts, last_from, last_message_id, unread_count, updated_at, avatar_data, avatar_type FROM conversations WHERE jid = ?`, key)
		if err != nil {
			return err
		}
		if c == nil {
			return fmt.Errorf("conversation %q: %w", key, ErrNotFound)
		}
		if u.DisplayName != nil {
			c.DisplayName = *u.DisplayName
		}
		if u.LastMessage != nil {
			c.LastMessage = *u.LastMessage
		}
		if u.UnreadCount != nil {
			if *u.UnreadCount < 0 {
				return fmt.Errorf("conversation %q: negative unread count", key)
			}
			c.UnreadCount = *u.UnreadCount
		}
		if u.AvatarData != nil {
			c.AvatarData = *u.AvatarData
		}
		if u.AvatarType != nil {
			c.AvatarType = *u.AvatarType
		}
		from := c.LastMessage.From
		if from == "" {
			from = store.SenderThem
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE conversations SET
				display_name = ?, last_body = ?, last_ts = ?, last_from = ?, last_message_id = ?,
				unread_count = ?, updated_at = ?, avatar_data = ?, avatar_type = ?
			WHERE jid = ?`,
			c.DisplayName, c.LastMessage.Body, store.ToMillis(c.LastMessage.Timestamp), string(from), c.LastMessage.MessageID,
			c.UnreadCount, time.Now().UnixMilli(), c.AvatarData, c.AvatarType, key)
		return err
	})
	if err != nil {
		return updateErr("conversations.update", err)
	}
	r.observers.notify(key)
	return nil
}

// IncrementUnread adds one to the unread counter of a conversation.
func (r *ConversationRepository) IncrementUnread(ctx context.Context, conversationJID string) error {
	return r.setUnread(ctx, "conversations.incrementUnread", conversationJID, `unread_count + 1`)
}

// MarkAsRead resets the unread counter of a conversation to zero.
func (r *ConversationRepository) MarkAsRead(ctx context.Context, conversationJID string) error {
	return r.setUnread(ctx, "conversations.markAsRead", conversationJID, `0`)
}

func (r *ConversationRepository) setUnread(ctx context.Context, op, conversationJID, expr string) error {
	key := normalizeKey(conversationJID)
	res, err := r.db.ExecContext(ctx, `UPDATE conversations SET unread_count = `+expr+` WHERE jid = ?`, key)
	if err != nil {
		return updateErr(op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return updateErr(op, fmt.Errorf("conversation %q: %w", key, ErrNotFound))
	}
	r.observers.notify(key)
	return nil
}

// GetAll returns every conversation, most recent activity first.
func (r *ConversationRepository) GetAll(ctx context.Context) ([]store.Conversation, error) {
	rows, err := r.db.QueryContext(ctx, conversationSelect+` ORDER BY c.last_ts DESC, c.jid ASC`)
	if err != nil {
		return nil, readErr("conversations.getAll", err)
	}
	defer func() { _ = rows.Close() }()

	var convs []store.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, readErr("conversations.getAll", err)
		}
		convs = append(convs, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, readErr("conversations.getAll", err)
	}
	return convs, nil
}

// Get returns a single conversation, or nil if none exists.
func (r *ConversationRepository) Get(ctx context.Context, conversationJID string) (*store.Conversation, error) {
	c, err := getConversation(ctx, r.db, conversationSelect+` WHERE c.jid = ?`, normalizeKey(conversationJID))
	if err != nil {
		return nil, readErr("conversations.get", err)
	}
	return c, nil
}

// Count returns the number of stored conversations.
func (r *ConversationRepository) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations`).Scan(&n); err != nil {
		return 0, readErr("conversations.count", err)
	}
	return n, nil
}

// RemoveMissing deletes every conversation whose identifier is not in keep
// and returns the removed identifiers. Messages are left in place. Only for
// an explicit reconciling full fetch.
func (r *ConversationRepository) RemoveMissing(ctx context.Context, keep []string) ([]string, error) {
	keepSet := make(map[string]bool, len(keep))
	for _, k := range keep {
		keepSet[normalizeKey(k)] = true
	}

	var removed []string
	err := r.db.WithTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT jid FROM conversations`)
		if err != nil {
			return err
		}
		var stale []string
		for rows.Next() {
			var j string
			if err := rows.Scan(&j); err != nil {
				_ = rows.Close()
				return err
			}
			if !keepSet[j] {
				stale = append(stale, j)
			}
		}
		_ = rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		for _, j := range stale {
			if _, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE jid = ?`, j); err != nil {
				return err
			}
		}
		removed = stale
		return nil
	})
	if err != nil {
		return nil, deleteErr("conversations.removeMissing", err)
	}
	r.observers.notify(removed...)
	return removed, nil
}

func getConversation(ctx context.Context, q querier, query, key string) (*store.Conversation, error) {
	c, err := scanConversation(q.QueryRowContext(ctx, query, key))
	if store.IsNoRows(err) {
		return nil, nil
	}
	return c, err
}

func scanConversation(s rowScanner) (*store.Conversation, error) {
	var (
		c                 store.Conversation
		lastTS, updatedAt int64
		lastFrom          string
	)
	if err := s.Scan(&c.JID, &c.DisplayName, &c.LastMessage.Body, &lastTS, &lastFrom, &c.LastMessage.MessageID,
		&c.UnreadCount, &updatedAt, &c.AvatarData, &c.AvatarType); err != nil {
		return nil, err
	}
	c.LastMessage.Timestamp = store.FromMillis(lastTS)
	c.LastMessage.From = store.Sender(lastFrom)
	c.UpdatedAt = store.FromMillis(updatedAt)
	return &c, nil
}
