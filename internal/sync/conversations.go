package sync

import (
	"sort"

	"github.com/matheus3301/chatsync/internal/jid"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/store"
)

// GroupByCounterpart folds conversation-list items into one summary per
// counterpart. The most recent item of each counterpart becomes its last
// message; on equal timestamps the later item wins. Items that are not chat
// text, that carry no body, or that cannot be attributed are dropped, as are
// notes to self. The result is ordered newest first.
func GroupByCounterpart(items []remote.ArchiveItem, selfJID string) []store.Conversation {
	self, err := jid.Normalize(selfJID)
	if err != nil {
		return nil
	}

	byPeer := make(map[string]store.Conversation)
	for _, it := range items {
		if it.Type != "" && it.Type != "chat" {
			continue
		}
		if it.Body == "" {
			continue
		}
		peer, fromMe, err := jid.Counterpart(self, it.From, it.To)
		if err != nil || peer == self {
			continue
		}
		if cur, ok := byPeer[peer]; ok && it.Timestamp.Before(cur.LastMessage.Timestamp) {
			continue
		}
		from := store.SenderThem
		if fromMe {
			from = store.SenderMe
		}
		byPeer[peer] = store.Conversation{
			JID: peer,
			LastMessage: store.LastMessage{
				Body:      it.Body,
				Timestamp: it.Timestamp,
				From:      from,
				MessageID: it.ID,
			},
		}
	}

	out := make([]store.Conversation, 0, len(byPeer))
	for _, c := range byPeer {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := out[i].LastMessage.Timestamp, out[j].LastMessage.Timestamp
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return out[i].JID < out[j].JID
	})
	return out
}
