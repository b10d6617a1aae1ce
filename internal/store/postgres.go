package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nbd-wtf/go-nostr"
)

// PostgresEventStore is the production EventStore on pgx.
type PostgresEventStore struct {
	pool *pgxpool.Pool
}

// NewPostgresEventStore wraps a connection pool.
func NewPostgresEventStore(pool *pgxpool.Pool) *PostgresEventStore {
	return &PostgresEventStore{pool: pool}
}

// PersistEvent stores an event, ignoring duplicates by id.
func (s *PostgresEventStore) PersistEvent(ctx context.Context, ev *nostr.Event) error {
	tags, err := json.Marshal(ev.Tags)
	if err != nil {
		return fmt.Errorf("encoding tags for %s: %w", ev.ID, err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO events (event_id, pubkey, created_at, kind, tags, content, sig)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (event_id) DO NOTHING`,
		ev.ID, ev.PubKey, int64(ev.CreatedAt), ev.Kind, tags, ev.Content, ev.Sig,
	)
	if err != nil {
		return fmt.Errorf("persisting event %s: %w", ev.ID, err)
	}
	return nil
}

// RecordEventTopic links an event to a topic, ignoring duplicates.
func (s *PostgresEventStore) RecordEventTopic(ctx context.Context, eventID, topicID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO event_topics (event_id, topic_id)
		VALUES ($1, $2)
		ON CONFLICT (event_id, topic_id) DO NOTHING`,
		eventID, topicID,
	)
	if err != nil {
		return fmt.Errorf("linking event %s to topic %s: %w", eventID, topicID, err)
	}
	return nil
}

// ListTopicsForEvent returns the topics an event is linked to.
func (s *PostgresEventStore) ListTopicsForEvent(ctx context.Context, eventID string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT topic_id FROM event_topics WHERE event_id = $1 ORDER BY created_at`,
		eventID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing topics for %s: %w", eventID, err)
	}
	defer rows.Close()

	var topics []string
	for rows.Next() {
		var topic string
		if err := rows.Scan(&topic); err != nil {
			return nil, fmt.Errorf("scanning topic: %w", err)
		}
		topics = append(topics, topic)
	}
	return topics, rows.Err()
}

// GetEvent returns the stored event, or nil when unknown.
func (s *PostgresEventStore) GetEvent(ctx context.Context, id string) (*nostr.Event, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT event_id, pubkey, created_at, kind, tags, content, sig
		FROM events WHERE event_id = $1`,
		id,
	)
	ev, err := scanEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting event %s: %w", id, err)
	}
	return ev, nil
}

// ListByKind returns up to limit events of a kind, newest first.
func (s *PostgresEventStore) ListByKind(ctx context.Context, kind, limit int) ([]*nostr.Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT event_id, pubkey, created_at, kind, tags, content, sig
		FROM events
		WHERE kind = $1 AND NOT deleted
		ORDER BY created_at DESC
		LIMIT $2`,
		kind, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing events of kind %d: %w", kind, err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

// ListByAuthor returns up to limit events by an author, newest first.
func (s *PostgresEventStore) ListByAuthor(ctx context.Context, pubkey string, limit int) ([]*nostr.Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT event_id, pubkey, created_at, kind, tags, content, sig
		FROM events
		WHERE pubkey = $1 AND NOT deleted
		ORDER BY created_at DESC
		LIMIT $2`,
		pubkey, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing events by %s: %w", pubkey, err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

// MarkDeleted flags an event as deleted.
func (s *PostgresEventStore) MarkDeleted(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `UPDATE events SET deleted = TRUE WHERE event_id = $1`, id)
	if err != nil {
		return fmt.Errorf("marking event %s deleted: %w", id, err)
	}
	return nil
}

// UnsyncedEvents lists events awaiting relay acknowledgment.
func (s *PostgresEventStore) UnsyncedEvents(ctx context.Context) ([]*nostr.Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT event_id, pubkey, created_at, kind, tags, content, sig
		FROM events
		WHERE NOT synced AND NOT deleted
		ORDER BY created_at`,
	)
	if err != nil {
		return nil, fmt.Errorf("listing unsynced events: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

// MarkSynced records relay acknowledgment.
func (s *PostgresEventStore) MarkSynced(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `UPDATE events SET synced = TRUE WHERE event_id = $1`, id)
	if err != nil {
		return fmt.Errorf("marking event %s synced: %w", id, err)
	}
	return nil
}

func scanEvent(row pgx.Row) (*nostr.Event, error) {
	var (
		ev        nostr.Event
		createdAt int64
		tags      []byte
	)
	if err := row.Scan(&ev.ID, &ev.PubKey, &createdAt, &ev.Kind, &tags, &ev.Content, &ev.Sig); err != nil {
		return nil, err
	}
	ev.CreatedAt = nostr.Timestamp(createdAt)
	if err := json.Unmarshal(tags, &ev.Tags); err != nil {
		return nil, fmt.Errorf("decoding tags for %s: %w", ev.ID, err)
	}
	return &ev, nil
}

func collectEvents(rows pgx.Rows) ([]*nostr.Event, error) {
	var events []*nostr.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
