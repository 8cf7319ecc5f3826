package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/matheus3301/chatsync/internal/store"
)

// MetadataRepository holds the single sync metadata record and the
// per-conversation continuation tokens.
type MetadataRepository struct {
	db *store.DB
}

// NewMetadataRepository creates a metadata repository backed by db.
func NewMetadataRepository(db *store.DB) *MetadataRepository {
	return &MetadataRepository{db: db}
}

// Get returns the sync metadata, or nil if nothing has been recorded yet.
// Tokens saved ahead of the first full Save are included.
func (r *MetadataRepository) Get(ctx context.Context) (*store.SyncMetadata, error) {
	var (
		meta                         store.SyncMetadata
		lastSync, completedAt        int64
		complete, haveRow, haveToken bool
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT last_sync, last_token, initial_complete, initial_completed_at
		FROM sync_metadata WHERE id = 1`).
		Scan(&lastSync, &meta.LastToken, &complete, &completedAt)
	switch {
	case store.IsNoRows(err):
	case err != nil:
		return nil, readErr("metadata.get", err)
	default:
		haveRow = true
	}
	meta.LastSync = store.FromMillis(lastSync)
	meta.InitialSyncComplete = complete
	meta.InitialSyncCompletedAt = store.FromMillis(completedAt)

	rows, err := r.db.QueryContext(ctx, `SELECT jid, token FROM sync_conversation_tokens`)
	if err != nil {
		return nil, readErr("metadata.get", err)
	}
	defer func() { _ = rows.Close() }()
	meta.ConversationTokens = make(map[string]string)
	for rows.Next() {
		var j, tok string
		if err := rows.Scan(&j, &tok); err != nil {
			return nil, readErr("metadata.get", err)
		}
		meta.ConversationTokens[j] = tok
		haveToken = true
	}
	if err := rows.Err(); err != nil {
		return nil, readErr("metadata.get", err)
	}

	if !haveRow && !haveToken {
		return nil, nil
	}
	return &meta, nil
}

// Save replaces the metadata record and the whole token map in one transaction.
func (r *MetadataRepository) Save(ctx context.Context, meta store.SyncMetadata) error {
	now := time.Now().UnixMilli()
	err := r.db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO sync_metadata (id, last_sync, last_token, initial_complete, initial_completed_at)
			VALUES (1, ?, ?, ?, ?)`,
			store.ToMillis(meta.LastSync), meta.LastToken, meta.InitialSyncComplete, store.ToMillis(meta.InitialSyncCompletedAt)); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM sync_conversation_tokens`); err != nil {
			return err
		}
		for j, tok := range meta.ConversationTokens {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO sync_conversation_tokens (jid, token, updated_at) VALUES (?, ?, ?)`,
				normalizeKey(j), tok, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return saveErr("metadata.save", err)
	}
	return nil
}

// UpdateLastSync records t as the last sync instant, creating the record if needed.
func (r *MetadataRepository) UpdateLastSync(ctx context.Context, t time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sync_metadata (id, last_sync) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET last_sync = excluded.last_sync`,
		store.ToMillis(t))
	if err != nil {
		return updateErr("metadata.updateLastSync", err)
	}
	return nil
}

// MarkInitialSyncComplete sets the completion flag if it is not set yet.
func (r *MetadataRepository) MarkInitialSyncComplete(ctx context.Context, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sync_metadata (id, initial_complete, initial_completed_at) VALUES (1, 1, ?)
		ON CONFLICT(id) DO UPDATE SET
			initial_completed_at = CASE WHEN sync_metadata.initial_complete = 0 THEN excluded.initial_completed_at ELSE sync_metadata.initial_completed_at END,
			initial_complete = 1`,
		store.ToMillis(at))
	if err != nil {
		return updateErr("metadata.markInitialSyncComplete", err)
	}
	return nil
}

// SaveConversationToken records the continuation token of one conversation.
// The token is stored verbatim.
func (r *MetadataRepository) SaveConversationToken(ctx context.Context, conversationJID, token string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sync_conversation_tokens (jid, token, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(jid) DO UPDATE SET token = excluded.token, updated_at = excluded.updated_at`,
		normalizeKey(conversationJID), token, time.Now().UnixMilli())
	if err != nil {
		return saveErr("metadata.saveConversationToken", err)
	}
	return nil
}
