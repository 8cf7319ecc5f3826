package daemon

import (
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/repository"
	intsync "github.com/matheus3301/chatsync/internal/sync"
)

// forwardChanges republishes repository and sync-flag notifications on the
// bus so that API watchers see them. The returned function detaches every
// listener.
func forwardChanges(b *bus.Bus, msgs *repository.MessageRepository, convs *repository.ConversationRepository, syncing *intsync.Status) func() {
	unsubMsgs := msgs.ObserveAll(func(conversationJID string) {
		b.Publish(bus.Event{Kind: bus.KindMessagesChanged, Payload: bus.ConversationRef{JID: conversationJID}})
	})
	unsubConvs := convs.ObserveAll(func(conversationJID string) {
		b.Publish(bus.Event{Kind: bus.KindConversationsChanged, Payload: bus.ConversationRef{JID: conversationJID}})
	})
	unsubSync := syncing.Subscribe(func(v bool) {
		b.Publish(bus.Event{Kind: bus.KindSyncState, Payload: bus.SyncState{Syncing: v}})
	})
	return func() {
		unsubMsgs()
		unsubConvs()
		unsubSync()
	}
}
