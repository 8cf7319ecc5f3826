package sync

import (
	"context"

	"github.com/matheus3301/chatsync/internal/remote"
	"go.uber.org/zap"
)

// Reconcile fetches the complete conversation list and deletes every local
// conversation, with its messages, that the remote no longer reports. It is
// never run implicitly by a sync pass, and fails with ErrSyncInProgress
// while one is running. It returns the removed addresses.
func (o *Orchestrator) Reconcile(ctx context.Context) ([]string, error) {
	if !o.mu.TryLock() {
		return nil, ErrSyncInProgress
	}
	defer o.mu.Unlock()

	items, _, err := o.fetchList(ctx, remote.ListQuery{})
	if err != nil {
		return nil, &SyncError{Phase: PhaseFull, Err: err}
	}
	convs := GroupByCounterpart(items, o.opts.SelfJID)
	keep := make([]string, len(convs))
	for i, c := range convs {
		keep[i] = c.JID
	}

	removed, err := o.repos.Conversations.RemoveMissing(ctx, keep)
	if err != nil {
		return nil, err
	}
	for _, j := range removed {
		if err := o.repos.Messages.ClearForConversation(ctx, j); err != nil {
			return removed, err
		}
	}
	if len(removed) > 0 {
		o.logger.Info("removed conversations missing from remote", zap.Strings("jids", removed))
	}
	return removed, nil
}
