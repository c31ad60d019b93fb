package event

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Compile-time assertion that MemStore implements Store.
var _ Store = (*MemStore)(nil)

// MemStore is an in-memory [Store] backed by a map. It is used by tests and
// by the server's --ephemeral mode; nothing survives a restart.
type MemStore struct {
	mu     sync.RWMutex
	events map[string]*Event
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{events: make(map[string]*Event)}
}

func (s *MemStore) Save(_ context.Context, ev *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[ev.ID] = cloneEvent(ev)
	return nil
}

func (s *MemStore) Get(_ context.Context, id string) (*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ev, ok := s.events[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneEvent(ev), nil
}

func (s *MemStore) Update(_ context.Context, ev *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[ev.ID]; !ok {
		return ErrNotFound
	}
	s.events[ev.ID] = cloneEvent(ev)
	return nil
}

func (s *MemStore) Recent(_ context.Context, limit int) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.sortedLocked()
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemStore) Since(_ context.Context, cutoff time.Time) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Event
	for _, ev := range s.sortedLocked() {
		if !ev.OccurredAt.Before(cutoff) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *MemStore) Close() error { return nil }

// sortedLocked returns clones of all events, newest first. Caller holds mu.
func (s *MemStore) sortedLocked() []*Event {
	out := make([]*Event, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, cloneEvent(ev))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].OccurredAt.After(out[j].OccurredAt)
	})
	return out
}

// cloneEvent copies the event header and payload pointer fields shallowly.
// Stored events are only replaced wholesale, never mutated in place, so a
// shallow payload copy is enough to keep callers from aliasing store state.
func cloneEvent(ev *Event) *Event {
	cp := *ev
	cp.Tags = append([]string(nil), ev.Tags...)
	return &cp
}
