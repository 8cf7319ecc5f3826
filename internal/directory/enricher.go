// Package directory fills in display names and avatars for conversations.
package directory

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/matheus3301/chatsync/internal/repository"
	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/zap"
)

// Fetcher looks up profile data remotely.
type Fetcher interface {
	FetchDirectory(ctx context.Context, jids []string) ([]store.DirectoryEntry, error)
}

// Enricher resolves directory entries through an in-memory TTL cache, the
// remote directory and, when the remote fails, the persisted copy. It never
// fails; unresolved conversations are returned unchanged.
type Enricher struct {
	fetcher Fetcher
	repo    *repository.DirectoryRepository
	cache   *ristretto.Cache[string, store.DirectoryEntry]
	ttl     time.Duration
	logger  *zap.Logger
}

// New creates an enricher. ttl bounds how long a lookup is reused.
func New(fetcher Fetcher, repo *repository.DirectoryRepository, ttl time.Duration, logger *zap.Logger) (*Enricher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, store.DirectoryEntry]{
		NumCounters: 100_000,
		MaxCost:     10_000,
		BufferItems: 64,
		// Cost counts entries, not bytes.
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("directory cache: %w", err)
	}
	return &Enricher{fetcher: fetcher, repo: repo, cache: cache, ttl: ttl, logger: logger}, nil
}

// Close releases the cache.
func (e *Enricher) Close() {
	e.cache.Close()
}

// Enrich returns convs with empty display names and avatars filled from the
// directory. The input slice is not modified.
func (e *Enricher) Enrich(ctx context.Context, convs []store.Conversation) []store.Conversation {
	entries := e.Lookup(ctx, jidsOf(convs))
	out := make([]store.Conversation, len(convs))
	for i, c := range convs {
		if d, ok := entries[c.JID]; ok {
			if c.DisplayName == "" {
				c.DisplayName = d.Name
			}
			if c.AvatarData == "" && d.AvatarData != "" {
				c.AvatarData = d.AvatarData
				c.AvatarType = d.AvatarType
			}
		}
		out[i] = c
	}
	return out
}

// Lookup resolves entries for jids. Addresses the directory knows nothing
// about are absent from the result.
func (e *Enricher) Lookup(ctx context.Context, jids []string) map[string]store.DirectoryEntry {
	found := make(map[string]store.DirectoryEntry, len(jids))
	var misses []string
	for _, j := range jids {
		if d, ok := e.cache.Get(j); ok {
			if d.Name != "" || d.AvatarData != "" {
				found[j] = d
			}
			continue
		}
		misses = append(misses, j)
	}
	if len(misses) == 0 {
		return found
	}

	fetched, err := e.fetcher.FetchDirectory(ctx, misses)
	if err != nil {
		e.logger.Warn("directory lookup failed, using stored entries", zap.Int("count", len(misses)), zap.Error(err))
		e.fromStore(ctx, misses, found)
		return found
	}

	if err := e.repo.BulkUpsert(ctx, fetched); err != nil {
		e.logger.Warn("persisting directory entries failed", zap.Error(err))
	}
	byJID := make(map[string]store.DirectoryEntry, len(fetched))
	for _, d := range fetched {
		byJID[d.JID] = d
	}
	for _, j := range misses {
		d, ok := byJID[j]
		if !ok {
			// Remember the miss so the next pass does not ask again.
			d = store.DirectoryEntry{JID: j}
		}
		e.cache.SetWithTTL(j, d, 1, e.ttl)
		if d.Name != "" || d.AvatarData != "" {
			found[j] = d
		}
	}
	e.cache.Wait()
	return found
}

func (e *Enricher) fromStore(ctx context.Context, jids []string, found map[string]store.DirectoryEntry) {
	for _, j := range jids {
		d, err := e.repo.Get(ctx, j)
		if err != nil {
			e.logger.Warn("reading stored directory entry failed", zap.String("jid", j), zap.Error(err))
			continue
		}
		if d != nil {
			found[j] = *d
		}
	}
}

func jidsOf(convs []store.Conversation) []string {
	out := make([]string, 0, len(convs))
	for _, c := range convs {
		out = append(out, c.JID)
	}
	return out
}
