package p2p

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/nbd-wtf/go-nostr"
)

const (
	// meshCacheSize bounds the per-topic duplicate-suppression cache.
	meshCacheSize = 1000

	// subscriberBuffer is the capacity of each local subscriber channel.
	subscriberBuffer = 128

	// subscriberSendGrace is how long fan-out blocks on a full subscriber
	// before dropping the subscription instead of stalling the mesh.
	subscriberSendGrace = 500 * time.Millisecond
)

// TopicStats is a point-in-time summary of one topic mesh.
type TopicStats struct {
	PeerCount    int   `json:"peer_count"`
	MessageCount int   `json:"message_count"`
	LastActivity int64 `json:"last_activity"`
}

// Subscription is a local, single-consumer view of one topic's events.
// Events arrive in mesh insertion order until Unsubscribe is called.
type Subscription struct {
	ID       uint64
	Receiver <-chan *nostr.Event
}

type subscriber struct {
	mu     sync.Mutex
	ch     chan *nostr.Event
	closed bool
}

// send attempts a non-blocking delivery first, then blocks up to the
// grace interval. Returns false when the subscriber is closed or could
// not accept the event in time, which marks it for reaping.
func (s *subscriber) send(ev *nostr.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}

	select {
	case s.ch <- ev:
		return true
	default:
	}

	timer := time.NewTimer(subscriberSendGrace)
	defer timer.Stop()
	select {
	case s.ch <- ev:
		return true
	case <-timer.C:
		return false
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Mesh is the local state for one joined topic: a duplicate-suppression
// LRU, the set of peers observed on the topic, and the registry of local
// subscribers.
type Mesh struct {
	topic string

	mu           sync.RWMutex
	cache        *lru.Cache[string, *nostr.Event]
	peers        map[string]struct{}
	subscribers  map[uint64]*subscriber
	nextSubID    atomic.Uint64
	lastActivity atomic.Int64
}

// NewMesh creates the mesh state for a topic.
func NewMesh(topic string) *Mesh {
	cache, _ := lru.New[string, *nostr.Event](meshCacheSize)
	return &Mesh{
		topic:       topic,
		cache:       cache,
		peers:       make(map[string]struct{}),
		subscribers: make(map[uint64]*subscriber),
	}
}

// Topic returns the human topic name this mesh serves.
func (m *Mesh) Topic() string { return m.topic }

// HandleMessage processes one inbound event. Duplicates produce no side
// effects; new events are cached, the sender is recorded, and the event
// fans out to every local subscriber in arrival order.
func (m *Mesh) HandleMessage(ev *nostr.Event, sender string) bool {
	m.mu.Lock()
	if m.cache.Contains(ev.ID) {
		m.mu.Unlock()
		return false
	}
	m.cache.Add(ev.ID, ev)
	if sender != "" {
		m.peers[sender] = struct{}{}
	}
	m.mu.Unlock()

	m.lastActivity.Store(int64(ev.CreatedAt))
	m.notifySubscribers(ev)
	return true
}

// IsDuplicate reports cache membership without promoting the entry.
func (m *Mesh) IsDuplicate(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cache.Contains(id)
}

// UpdatePeer records or forgets a peer on this topic.
func (m *Mesh) UpdatePeer(peer string, connected bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if connected {
		m.peers[peer] = struct{}{}
	} else {
		delete(m.peers, peer)
	}
}

// Peers returns the observed peer identities.
func (m *Mesh) Peers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.peers))
	for p := range m.peers {
		out = append(out, p)
	}
	return out
}

// Subscribe installs a bounded subscriber channel and returns its handle.
func (m *Mesh) Subscribe() Subscription {
	sub := &subscriber{ch: make(chan *nostr.Event, subscriberBuffer)}
	id := m.nextSubID.Add(1)

	m.mu.Lock()
	m.subscribers[id] = sub
	m.mu.Unlock()

	return Subscription{ID: id, Receiver: sub.ch}
}

// Unsubscribe removes and closes a subscriber channel. Unknown ids are
// ignored.
func (m *Mesh) Unsubscribe(id uint64) {
	m.mu.Lock()
	sub, ok := m.subscribers[id]
	delete(m.subscribers, id)
	m.mu.Unlock()

	if ok {
		sub.close()
	}
}

// SubscriberCount returns the number of live subscriber channels.
func (m *Mesh) SubscriberCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subscribers)
}

// Stats summarizes the mesh.
func (m *Mesh) Stats() TopicStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return TopicStats{
		PeerCount:    len(m.peers),
		MessageCount: m.cache.Len(),
		LastActivity: m.lastActivity.Load(),
	}
}

// RecentMessages returns up to limit cached events, newest first.
func (m *Mesh) RecentMessages(limit int) []*nostr.Event {
	m.mu.RLock()
	events := m.cache.Values()
	m.mu.RUnlock()

	sort.Slice(events, func(i, j int) bool {
		return events[i].CreatedAt > events[j].CreatedAt
	})
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events
}

// ClearCache drops the duplicate-suppression cache.
func (m *Mesh) ClearCache() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache.Purge()
}

// closeAllSubscribers drains the registry on topic leave or shutdown.
func (m *Mesh) closeAllSubscribers() {
	m.mu.Lock()
	subs := m.subscribers
	m.subscribers = make(map[uint64]*subscriber)
	m.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}

func (m *Mesh) notifySubscribers(ev *nostr.Event) {
	m.mu.RLock()
	if len(m.subscribers) == 0 {
		m.mu.RUnlock()
		return
	}
	snapshot := make(map[uint64]*subscriber, len(m.subscribers))
	for id, sub := range m.subscribers {
		snapshot[id] = sub
	}
	m.mu.RUnlock()

	var dead []uint64
	for id, sub := range snapshot {
		if !sub.send(ev) {
			dead = append(dead, id)
		}
	}

	if len(dead) > 0 {
		m.mu.Lock()
		for _, id := range dead {
			if sub, ok := m.subscribers[id]; ok {
				delete(m.subscribers, id)
				sub.close()
			}
		}
		m.mu.Unlock()
	}
}
