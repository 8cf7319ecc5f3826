package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/matheus3301/chatsync/internal/store"
)

// DirectoryRepository persists profile data looked up from the directory.
type DirectoryRepository struct {
	db *store.DB
}

// NewDirectoryRepository creates a directory repository backed by db.
func NewDirectoryRepository(db *store.DB) *DirectoryRepository {
	return &DirectoryRepository{db: db}
}

const upsertDirectory = `
	INSERT INTO directory (jid, name, avatar_data, avatar_type, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(jid) DO UPDATE SET
		name = CASE WHEN excluded.name != '' THEN excluded.name ELSE directory.name END,
		avatar_data = CASE WHEN excluded.avatar_data != '' THEN excluded.avatar_data ELSE directory.avatar_data END,
		avatar_type = CASE WHEN excluded.avatar_data != '' THEN excluded.avatar_type ELSE directory.avatar_type END,
		updated_at = excluded.updated_at`

// Upsert inserts or updates a directory entry. Empty fields never erase
// stored ones.
func (r *DirectoryRepository) Upsert(ctx context.Context, e store.DirectoryEntry) error {
	_, err := r.db.ExecContext(ctx, upsertDirectory,
		normalizeKey(e.JID), e.Name, e.AvatarData, e.AvatarType, time.Now().UnixMilli())
	if err != nil {
		return saveErr("directory.upsert", err)
	}
	return nil
}

// BulkUpsert inserts or updates entries in a single transaction.
func (r *DirectoryRepository) BulkUpsert(ctx context.Context, entries []store.DirectoryEntry) error {
	if len(entries) == 0 {
		return nil
	}
	now := time.Now().UnixMilli()
	err := r.db.WithTx(ctx, func(tx *sql.Tx) error {
		for _, e := range entries {
			if _, err := tx.ExecContext(ctx, upsertDirectory,
				normalizeKey(e.JID), e.Name, e.AvatarData, e.AvatarType, now); err != nil {
				return fmt.Errorf("upsert %q: %w", e.JID, err)
			}
		}
		return nil
	})
	if err != nil {
		return saveErr("directory.bulkUpsert", err)
	}
	return nil
}

// Get returns the entry for jid, or nil if none exists.
func (r *DirectoryRepository) Get(ctx context.Context, jid string) (*store.DirectoryEntry, error) {
	var e store.DirectoryEntry
	err := r.db.QueryRowContext(ctx, `SELECT jid, name, avatar_data, avatar_type FROM directory WHERE jid = ?`, normalizeKey(jid)).
		Scan(&e.JID, &e.Name, &e.AvatarData, &e.AvatarType)
	if store.IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, readErr("directory.get", err)
	}
	return &e, nil
}
