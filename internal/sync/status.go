package sync

import (
	stdsync "sync"
)

// Status is the "a sync pass is running" flag observed by the presentation
// layer.
type Status struct {
	mu        stdsync.Mutex
	syncing   bool
	listeners map[int]func(bool)
	next      int
}

// NewStatus creates a flag that starts cleared.
func NewStatus() *Status {
	return &Status{listeners: make(map[int]func(bool))}
}

// SetSyncing updates the flag. Listeners run only on an actual change.
func (s *Status) SetSyncing(v bool) {
	s.mu.Lock()
	if s.syncing == v {
		s.mu.Unlock()
		return
	}
	s.syncing = v
	fns := make([]func(bool), 0, len(s.listeners))
	for id := 0; id < s.next; id++ {
		if fn, ok := s.listeners[id]; ok {
			fns = append(fns, fn)
		}
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(v)
	}
}

// IsSyncing reports the current value.
func (s *Status) IsSyncing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.syncing
}

// Subscribe registers fn for changes and returns its unsubscribe function.
func (s *Status) Subscribe(fn func(syncing bool)) func() {
	s.mu.Lock()
	id := s.next
	s.next++
	s.listeners[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}
