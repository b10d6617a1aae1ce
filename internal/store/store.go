// Package store provides durable persistence for accepted events and
// their topic links. It manages the PostgreSQL connection pool and schema
// migrations for the whole core; the offline queue shares the pool. An
// in-memory implementation backs the tests.
package store

import (
	"context"

	"github.com/nbd-wtf/go-nostr"
)

// EventStore is the durable record of accepted events. Implementations
// must make PersistEvent idempotent on the event id and RecordEventTopic
// idempotent on the (event, topic) pair.
type EventStore interface {
	// PersistEvent atomically stores an event. Re-persisting an id is a
	// no-op.
	PersistEvent(ctx context.Context, ev *nostr.Event) error

	// RecordEventTopic links an event to a topic.
	RecordEventTopic(ctx context.Context, eventID, topicID string) error

	// ListTopicsForEvent returns the topics an event was persisted under.
	ListTopicsForEvent(ctx context.Context, eventID string) ([]string, error)

	// GetEvent returns the event, or nil when unknown.
	GetEvent(ctx context.Context, id string) (*nostr.Event, error)

	// ListByKind returns up to limit events of a kind, newest first.
	ListByKind(ctx context.Context, kind, limit int) ([]*nostr.Event, error)

	// ListByAuthor returns up to limit events by an author, newest first.
	ListByAuthor(ctx context.Context, pubkey string, limit int) ([]*nostr.Event, error)

	// MarkDeleted flags an event as deleted without removing the row.
	MarkDeleted(ctx context.Context, id string) error

	// UnsyncedEvents lists events not yet acknowledged by a relay.
	UnsyncedEvents(ctx context.Context) ([]*nostr.Event, error)

	// MarkSynced records relay acknowledgment for an event.
	MarkSynced(ctx context.Context, id string) error
}
