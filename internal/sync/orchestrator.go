// Package sync brings the local cache in line with the remote history
// service, both in bulk passes and from the live event stream.
package sync

import (
	"context"
	"errors"
	"fmt"
	stdsync "sync"
	"sync/atomic"
	"time"

	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/repository"
	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Phase tags a progress report.
type Phase string

const (
	PhaseCheck       Phase = "check"
	PhaseFull        Phase = "full"
	PhaseIncremental Phase = "incremental"
	PhaseVCard       Phase = "vcard"
	PhaseComplete    Phase = "complete"
)

// Progress is one report of a running pass. Current and Total are zero when
// the phase has no counter.
type Progress struct {
	Phase   Phase
	Status  string
	Current int
	Total   int
}

// ProgressFunc receives progress reports. Calls are serialized.
type ProgressFunc func(Progress)

// ErrConversationList marks a failure to fetch the conversation list. It is
// fatal for the pass.
var ErrConversationList = errors.New("conversation list fetch failed")

// ErrSyncInProgress is returned by operations that cannot run alongside a
// sync pass.
var ErrSyncInProgress = errors.New("sync in progress")

// SyncError is a failed sync pass.
type SyncError struct {
	Phase Phase
	Err   error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync failed during %s: %v", e.Phase, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// Enricher fills display data for conversations. It must not fail.
type Enricher interface {
	Enrich(ctx context.Context, convs []store.Conversation) []store.Conversation
}

// Resetter wipes the whole local cache.
type Resetter interface {
	Reset(ctx context.Context) error
}

// Repositories are the stores a pass writes through.
type Repositories struct {
	Messages      *repository.MessageRepository
	Conversations *repository.ConversationRepository
	Metadata      *repository.MetadataRepository
}

// Options tune the orchestrator. Zero values take defaults.
type Options struct {
	SelfJID string
	// PageSize is used while paging full histories, IncrementalPageSize
	// while catching up.
	PageSize            int
	IncrementalPageSize int
	// PageTimeout bounds each remote call; PassTimeout bounds a whole pass.
	PageTimeout time.Duration
	PassTimeout time.Duration
	// Workers bounds how many conversations an incremental pass fetches at
	// once.
	Workers int

	Enricher Enricher
	Status   *Status
	Metrics  *metrics.Metrics
	// Cache is what Reset clears.
	Cache Resetter
}

const (
	defaultPageSize            = 100
	defaultIncrementalPageSize = 50
	defaultPageTimeout         = 30 * time.Second
	defaultWorkers             = 4
)

// Orchestrator runs full and incremental sync passes.
type Orchestrator struct {
	remote remote.Remote
	repos  Repositories
	opts   Options
	logger *zap.Logger

	mu   stdsync.Mutex
	done bool
}

// NewOrchestrator creates an orchestrator reading from r.
func NewOrchestrator(r remote.Remote, repos Repositories, opts Options, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.PageSize <= 0 {
		opts.PageSize = defaultPageSize
	}
	if opts.IncrementalPageSize <= 0 {
		opts.IncrementalPageSize = defaultIncrementalPageSize
	}
	if opts.PageTimeout <= 0 {
		opts.PageTimeout = defaultPageTimeout
	}
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	return &Orchestrator{remote: r, repos: repos, opts: opts, logger: logger}
}

// PerformInitialSync runs the session's first pass: a full sync into an
// empty (or never completed) cache, an incremental one otherwise. Once it has
// succeeded, further calls return nil without doing anything.
func (o *Orchestrator) PerformInitialSync(ctx context.Context, progress ProgressFunc) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.done {
		return nil
	}
	if err := o.run(ctx, progress); err != nil {
		return err
	}
	o.done = true
	return nil
}

// CatchUp runs another pass regardless of earlier ones, e.g. after the live
// stream reconnects.
func (o *Orchestrator) CatchUp(ctx context.Context, progress ProgressFunc) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.run(ctx, progress); err != nil {
		return err
	}
	o.done = true
	return nil
}

// Reset clears the local cache. It fails with ErrSyncInProgress instead of
// waiting for a running pass, and the next pass after it is a full one.
func (o *Orchestrator) Reset(ctx context.Context) error {
	if o.opts.Cache == nil {
		return errors.New("no cache to reset")
	}
	if !o.mu.TryLock() {
		return ErrSyncInProgress
	}
	defer o.mu.Unlock()
	if err := o.opts.Cache.Reset(ctx); err != nil {
		return err
	}
	o.done = false
	o.logger.Info("local cache cleared")
	return nil
}

func (o *Orchestrator) run(ctx context.Context, progress ProgressFunc) error {
	if o.opts.Status != nil {
		o.opts.Status.SetSyncing(true)
		defer o.opts.Status.SetSyncing(false)
	}
	if o.opts.PassTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.opts.PassTimeout)
		defer cancel()
	}
	report := serialize(progress)

	report(Progress{Phase: PhaseCheck, Status: "Checking local cache"})
	meta, err := o.repos.Metadata.Get(ctx)
	if err != nil {
		return &SyncError{Phase: PhaseCheck, Err: err}
	}
	count, err := o.repos.Conversations.Count(ctx)
	if err != nil {
		return &SyncError{Phase: PhaseCheck, Err: err}
	}

	mode, run := PhaseIncremental, o.incremental
	if count == 0 || meta == nil || !meta.InitialSyncComplete {
		mode, run = PhaseFull, o.full
	}
	if meta == nil {
		meta = &store.SyncMetadata{}
	}

	start := time.Now()
	o.logger.Info("sync pass starting", zap.String("mode", string(mode)), zap.Int("conversations", count))
	if err := run(ctx, meta, report); err != nil {
		o.opts.Metrics.SyncRun(string(mode), "error", time.Since(start))
		o.logger.Error("sync pass failed", zap.String("mode", string(mode)), zap.Error(err))
		return err
	}
	o.opts.Metrics.SyncRun(string(mode), "ok", time.Since(start))
	o.logger.Info("sync pass complete", zap.String("mode", string(mode)), zap.Duration("took", time.Since(start)))
	report(Progress{Phase: PhaseComplete, Status: "Sync complete"})
	return nil
}

func (o *Orchestrator) full(ctx context.Context, meta *store.SyncMetadata, report ProgressFunc) error {
	started := time.Now()

	report(Progress{Phase: PhaseFull, Status: "Fetching conversation list"})
	items, listToken, err := o.fetchList(ctx, remote.ListQuery{})
	if err != nil {
		return &SyncError{Phase: PhaseFull, Err: err}
	}
	convs := GroupByCounterpart(items, o.opts.SelfJID)
	if err := o.repos.Conversations.SaveAll(ctx, convs); err != nil {
		return &SyncError{Phase: PhaseFull, Err: err}
	}

	// Cursors of an interrupted earlier attempt let each conversation resume
	// where it stopped.
	tokens := copyTokens(meta.ConversationTokens)
	for i, c := range convs {
		report(Progress{Phase: PhaseFull, Status: "Syncing " + c.JID, Current: i + 1, Total: len(convs)})
		last, err := o.syncConversation(ctx, c.JID, tokens[c.JID], time.Time{}, o.opts.PageSize)
		if last != "" {
			tokens[c.JID] = last
		}
		if err != nil {
			if ctx.Err() != nil {
				return &SyncError{Phase: PhaseFull, Err: err}
			}
			o.conversationFailed(c.JID, err)
		}
	}

	report(Progress{Phase: PhaseVCard, Status: "Fetching contact details"})
	o.enrich(ctx)

	if err := ctx.Err(); err != nil {
		return &SyncError{Phase: PhaseFull, Err: err}
	}
	err = o.repos.Metadata.Save(ctx, store.SyncMetadata{
		LastSync:               started,
		LastToken:              listToken,
		ConversationTokens:     tokens,
		InitialSyncComplete:    true,
		InitialSyncCompletedAt: time.Now(),
	})
	if err != nil {
		return &SyncError{Phase: PhaseFull, Err: err}
	}
	return nil
}

func (o *Orchestrator) incremental(ctx context.Context, meta *store.SyncMetadata, report ProgressFunc) error {
	started := time.Now()

	report(Progress{Phase: PhaseIncremental, Status: "Checking for new conversations"})
	items, _, err := o.fetchList(ctx, remote.ListQuery{Start: meta.LastSync})
	if err != nil {
		return &SyncError{Phase: PhaseIncremental, Err: err}
	}
	if err := o.repos.Conversations.SaveAll(ctx, GroupByCounterpart(items, o.opts.SelfJID)); err != nil {
		return &SyncError{Phase: PhaseIncremental, Err: err}
	}
	convs, err := o.repos.Conversations.GetAll(ctx)
	if err != nil {
		return &SyncError{Phase: PhaseIncremental, Err: err}
	}

	// Each conversation is owned by exactly one worker, so its cursor is
	// never written while another fetch for it is in flight.
	var finished atomic.Int32
	g := new(errgroup.Group)
	g.SetLimit(o.opts.Workers)
	for _, c := range convs {
		token := meta.ConversationTokens[c.JID]
		since := c.LastMessage.Timestamp
		g.Go(func() error {
			_, err := o.syncConversation(ctx, c.JID, token, since, o.opts.IncrementalPageSize)
			report(Progress{
				Phase:   PhaseIncremental,
				Status:  "Synced " + c.JID,
				Current: int(finished.Add(1)),
				Total:   len(convs),
			})
			if err == nil {
				return nil
			}
			if ctx.Err() != nil {
				return err
			}
			o.conversationFailed(c.JID, err)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return &SyncError{Phase: PhaseIncremental, Err: err}
	}

	if err := o.repos.Metadata.UpdateLastSync(ctx, started); err != nil {
		return &SyncError{Phase: PhaseIncremental, Err: err}
	}
	if err := o.repos.Metadata.MarkInitialSyncComplete(ctx, time.Now()); err != nil {
		return &SyncError{Phase: PhaseIncremental, Err: err}
	}
	return nil
}

// fetchList pages through the conversation list. Any failure is wrapped in
// ErrConversationList.
func (o *Orchestrator) fetchList(ctx context.Context, q remote.ListQuery) ([]remote.ArchiveItem, string, error) {
	q.MaxResults = o.opts.PageSize
	var items []remote.ArchiveItem
	for {
		pctx, cancel := context.WithTimeout(ctx, o.opts.PageTimeout)
		page, err := o.remote.FetchConversationList(pctx, q)
		cancel()
		if err != nil {
			return nil, "", fmt.Errorf("%w: %w", ErrConversationList, err)
		}
		items = append(items, page.Items...)
		if page.Complete || page.NextToken == "" || page.NextToken == q.AfterToken {
			return items, page.NextToken, nil
		}
		q.AfterToken = page.NextToken
	}
}

// syncConversation pages one conversation's history forward from token, or
// from since when no token is known. Each page is committed before its
// cursor is persisted. It returns the last cursor it persisted.
func (o *Orchestrator) syncConversation(ctx context.Context, conversationJID, token string, since time.Time, pageSize int) (string, error) {
	var persisted string
	for {
		q := remote.MessageQuery{MaxResults: pageSize, AfterToken: token}
		if token == "" {
			q.Since = since
		}
		pctx, cancel := context.WithTimeout(ctx, o.opts.PageTimeout)
		page, err := o.remote.FetchMessagesForContact(pctx, conversationJID, q)
		cancel()
		if err != nil {
			return persisted, fmt.Errorf("fetch %s: %w", conversationJID, err)
		}

		if len(page.Messages) > 0 {
			if err := o.repos.Messages.SaveAll(ctx, page.Messages); err != nil {
				return persisted, err
			}
			o.opts.Metrics.MessagesSaved(len(page.Messages))
		}

		advanced := page.LastToken != "" && page.LastToken != token
		if advanced {
			if err := o.repos.Metadata.SaveConversationToken(ctx, conversationJID, page.LastToken); err != nil {
				return persisted, err
			}
			token = page.LastToken
			persisted = token
		}
		if page.Complete || !advanced {
			break
		}
	}
	return persisted, o.reconcileSummary(ctx, conversationJID)
}

// reconcileSummary offers the newest stored message as the conversation's
// last message; the repository keeps whichever is newer.
func (o *Orchestrator) reconcileSummary(ctx context.Context, conversationJID string) error {
	latest, err := o.repos.Messages.LatestContent(ctx, conversationJID)
	if err != nil || latest == nil {
		return err
	}
	return o.repos.Conversations.SaveAll(ctx, []store.Conversation{{
		JID: conversationJID,
		LastMessage: store.LastMessage{
			Body:      latest.Body,
			Timestamp: latest.Timestamp,
			From:      latest.From,
			MessageID: latest.MessageID,
		},
	}})
}

func (o *Orchestrator) enrich(ctx context.Context) {
	if o.opts.Enricher == nil {
		return
	}
	convs, err := o.repos.Conversations.GetAll(ctx)
	if err != nil {
		o.logger.Warn("directory enrichment skipped", zap.Error(err))
		return
	}
	enriched := o.opts.Enricher.Enrich(ctx, convs)
	var changed []store.Conversation
	for i, c := range enriched {
		if c.DisplayName != convs[i].DisplayName || c.AvatarData != convs[i].AvatarData {
			changed = append(changed, c)
		}
	}
	if len(changed) == 0 {
		return
	}
	if err := o.repos.Conversations.SaveAll(ctx, changed); err != nil {
		o.logger.Warn("saving directory details failed", zap.Error(err))
	}
}

func (o *Orchestrator) conversationFailed(conversationJID string, err error) {
	o.opts.Metrics.ConversationFailed()
	o.logger.Warn("conversation sync failed, skipping until next pass",
		zap.String("jid", conversationJID), zap.Error(err))
}

func serialize(fn ProgressFunc) ProgressFunc {
	if fn == nil {
		return func(Progress) {}
	}
	var mu stdsync.Mutex
	return func(p Progress) {
		mu.Lock()
		defer mu.Unlock()
		fn(p)
	}
}

func copyTokens(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
