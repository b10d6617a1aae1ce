package store

import (
	"context"
	"sort"
	"sync"

	"github.com/nbd-wtf/go-nostr"
)

// MemoryEventStore is an in-memory EventStore used by tests; kukurid
// itself always runs on the PostgreSQL store.
type MemoryEventStore struct {
	mu      sync.RWMutex
	events  map[string]*nostr.Event
	deleted map[string]bool
	synced  map[string]bool
	topics  map[string][]string
	order   []string
}

// NewMemoryEventStore returns an empty store.
func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{
		events:  make(map[string]*nostr.Event),
		deleted: make(map[string]bool),
		synced:  make(map[string]bool),
		topics:  make(map[string][]string),
	}
}

// PersistEvent stores an event once; duplicates by id are no-ops.
func (s *MemoryEventStore) PersistEvent(_ context.Context, ev *nostr.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.events[ev.ID]; exists {
		return nil
	}
	s.events[ev.ID] = ev
	s.order = append(s.order, ev.ID)
	return nil
}

// RecordEventTopic links an event to a topic, once per pair.
func (s *MemoryEventStore) RecordEventTopic(_ context.Context, eventID, topicID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.topics[eventID] {
		if t == topicID {
			return nil
		}
	}
	s.topics[eventID] = append(s.topics[eventID], topicID)
	return nil
}

// ListTopicsForEvent returns the linked topics in insertion order.
func (s *MemoryEventStore) ListTopicsForEvent(_ context.Context, eventID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	topics := s.topics[eventID]
	out := make([]string, len(topics))
	copy(out, topics)
	return out, nil
}

// GetEvent returns the event or nil.
func (s *MemoryEventStore) GetEvent(_ context.Context, id string) (*nostr.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.events[id], nil
}

// ListByKind returns up to limit events of a kind, newest first.
func (s *MemoryEventStore) ListByKind(_ context.Context, kind, limit int) ([]*nostr.Event, error) {
	return s.filter(limit, func(ev *nostr.Event) bool { return ev.Kind == kind })
}

// ListByAuthor returns up to limit events by an author, newest first.
func (s *MemoryEventStore) ListByAuthor(_ context.Context, pubkey string, limit int) ([]*nostr.Event, error) {
	return s.filter(limit, func(ev *nostr.Event) bool { return ev.PubKey == pubkey })
}

// MarkDeleted flags an event as deleted.
func (s *MemoryEventStore) MarkDeleted(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted[id] = true
	return nil
}

// UnsyncedEvents lists events not yet acknowledged, oldest first.
func (s *MemoryEventStore) UnsyncedEvents(_ context.Context) ([]*nostr.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*nostr.Event
	for _, id := range s.order {
		if !s.synced[id] && !s.deleted[id] {
			out = append(out, s.events[id])
		}
	}
	return out, nil
}

// MarkSynced records relay acknowledgment.
func (s *MemoryEventStore) MarkSynced(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.synced[id] = true
	return nil
}

// Len returns the number of stored events.
func (s *MemoryEventStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

func (s *MemoryEventStore) filter(limit int, keep func(*nostr.Event) bool) ([]*nostr.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*nostr.Event
	for _, id := range s.order {
		if s.deleted[id] {
			continue
		}
		if ev := s.events[id]; keep(ev) {
			out = append(out, ev)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt > out[j].CreatedAt
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
