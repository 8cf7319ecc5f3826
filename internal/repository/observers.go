package repository

import (
	"sync"

	"go.uber.org/zap"
)

// Listener is called with the identifier of a conversation whose records changed.
type Listener func(conversationJID string)

type listenerEntry struct {
	id int
	fn Listener
}

// registry holds per-conversation and global listeners. Dispatch is
// synchronous, in registration order, and runs outside the lock so a
// listener may unsubscribe itself.
type registry struct {
	mu     sync.Mutex
	next   int
	byJID  map[string][]listenerEntry
	global []listenerEntry
	logger *zap.Logger
}

func newRegistry(logger *zap.Logger) *registry {
	return &registry{
		byJID:  make(map[string][]listenerEntry),
		logger: logger,
	}
}

func (r *registry) observe(jid string, fn Listener) func() {
	r.mu.Lock()
	id := r.next
	r.next++
	r.byJID[jid] = append(r.byJID[jid], listenerEntry{id: id, fn: fn})
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.byJID[jid] = removeEntry(r.byJID[jid], id)
			if len(r.byJID[jid]) == 0 {
				delete(r.byJID, jid)
			}
		})
	}
}

func (r *registry) observeAll(fn Listener) func() {
	r.mu.Lock()
	id := r.next
	r.next++
	r.global = append(r.global, listenerEntry{id: id, fn: fn})
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.global = removeEntry(r.global, id)
		})
	}
}

func removeEntry(entries []listenerEntry, id int) []listenerEntry {
	out := entries[:0:0]
	for _, e := range entries {
		if e.id != id {
			out = append(out, e)
		}
	}
	return out
}

// notify runs one round per distinct conversation: its own listeners first,
// then the global ones.
func (r *registry) notify(jids ...string) {
	seen := make(map[string]bool, len(jids))
	for _, jid := range jids {
		if jid == "" || seen[jid] {
			continue
		}
		seen[jid] = true

		r.mu.Lock()
		round := make([]listenerEntry, 0, len(r.byJID[jid])+len(r.global))
		round = append(round, r.byJID[jid]...)
		round = append(round, r.global...)
		r.mu.Unlock()

		for _, e := range round {
			r.call(e.fn, jid)
		}
	}
}

func (r *registry) call(fn Listener, jid string) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("listener panicked", zap.String("conversation_jid", jid), zap.Any("panic", rec))
		}
	}()
	fn(jid)
}

// touched collects conversation identifiers in first-seen order.
type touched struct {
	seen map[string]bool
	list []string
}

func (t *touched) add(jid string) {
	if t.seen == nil {
		t.seen = make(map[string]bool)
	}
	if jid == "" || t.seen[jid] {
		return
	}
	t.seen[jid] = true
	t.list = append(t.list, jid)
}
