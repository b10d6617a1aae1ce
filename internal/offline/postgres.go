package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresPersistence is the production Persistence on pgx. The schema
// lives with the event store migrations.
type PostgresPersistence struct {
	pool *pgxpool.Pool
}

// NewPostgresPersistence wraps a connection pool.
func NewPostgresPersistence(pool *pgxpool.Pool) *PostgresPersistence {
	return &PostgresPersistence{pool: pool}
}

func (p *PostgresPersistence) InsertAction(ctx context.Context, action Action) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO offline_actions
			(local_id, author_pubkey, action_type, target_id, payload, sync_status, created_at, updated_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $7)`,
		action.LocalID, action.AuthorPubkey, action.ActionType, action.TargetID,
		action.Payload, string(action.SyncStatus), action.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting offline action %s: %w", action.LocalID, err)
	}
	return nil
}

func (p *PostgresPersistence) ListActions(ctx context.Context, filter ActionFilter) ([]Action, error) {
	query := `
		SELECT local_id, author_pubkey, action_type, COALESCE(target_id, ''),
		       payload, sync_status, retry_count, COALESCE(last_error, ''),
		       created_at, updated_at, synced_at, COALESCE(remote_id, '')
		FROM offline_actions
		WHERE ($1 = '' OR author_pubkey = $1)
		  AND ($2 OR sync_status <> 'fully_synced')
		ORDER BY created_at
		LIMIT NULLIF($3, 0)`

	rows, err := p.pool.Query(ctx, query, filter.Author, filter.IncludeSynced, filter.Limit)
	if err != nil {
		return nil, fmt.Errorf("listing offline actions: %w", err)
	}
	defer rows.Close()

	var out []Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *PostgresPersistence) GetAction(ctx context.Context, localID string) (*Action, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT local_id, author_pubkey, action_type, COALESCE(target_id, ''),
		       payload, sync_status, retry_count, COALESCE(last_error, ''),
		       created_at, updated_at, synced_at, COALESCE(remote_id, '')
		FROM offline_actions WHERE local_id = $1`,
		localID,
	)
	a, err := scanAction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (p *PostgresPersistence) MarkActionSynced(ctx context.Context, localID, remoteID string, at time.Time) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE offline_actions
		SET sync_status = 'fully_synced', remote_id = $2, synced_at = $3, updated_at = $3, last_error = NULL
		WHERE local_id = $1`,
		localID, remoteID, at,
	)
	if err != nil {
		return fmt.Errorf("marking action %s synced: %w", localID, err)
	}
	return nil
}

func (p *PostgresPersistence) MarkActionFailed(ctx context.Context, localID, message string) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE offline_actions
		SET sync_status = 'failed', last_error = $2, retry_count = retry_count + 1, updated_at = now()
		WHERE local_id = $1`,
		localID, message,
	)
	if err != nil {
		return fmt.Errorf("marking action %s failed: %w", localID, err)
	}
	return nil
}

func (p *PostgresPersistence) ResetActionPending(ctx context.Context, localID string) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE offline_actions SET sync_status = 'pending', updated_at = now() WHERE local_id = $1`,
		localID,
	)
	if err != nil {
		return fmt.Errorf("resetting action %s: %w", localID, err)
	}
	return nil
}

func (p *PostgresPersistence) EnqueueIfMissing(ctx context.Context, item QueueItem) (bool, error) {
	tag, err := p.pool.Exec(ctx, `
		INSERT INTO sync_queue
			(id, author_pubkey, local_id, action_type, payload, status, max_retries, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		ON CONFLICT (author_pubkey, local_id) DO NOTHING`,
		item.ID, item.AuthorPubkey, item.LocalID, item.ActionType,
		item.Payload, string(item.Status), item.MaxRetries, item.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("enqueueing action %s: %w", item.LocalID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (p *PostgresPersistence) PendingQueueItems(ctx context.Context) ([]QueueItem, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, author_pubkey, local_id, action_type, payload, status,
		       retry_count, max_retries, COALESCE(last_error, ''), created_at, updated_at
		FROM sync_queue
		WHERE status = 'pending'
		ORDER BY created_at`,
	)
	if err != nil {
		return nil, fmt.Errorf("listing pending queue items: %w", err)
	}
	defer rows.Close()

	var out []QueueItem
	for rows.Next() {
		var (
			item   QueueItem
			status string
		)
		if err := rows.Scan(&item.ID, &item.AuthorPubkey, &item.LocalID, &item.ActionType,
			&item.Payload, &status, &item.RetryCount, &item.MaxRetries,
			&item.LastError, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning queue item: %w", err)
		}
		item.Status = SyncStatus(status)
		out = append(out, item)
	}
	return out, rows.Err()
}

func (p *PostgresPersistence) UpsertCacheMetadata(ctx context.Context, entry CacheEntry) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO cache_metadata (cache_key, cache_type, metadata, expires_at, last_synced_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (cache_key) DO UPDATE
		SET cache_type = EXCLUDED.cache_type,
		    metadata = EXCLUDED.metadata,
		    expires_at = EXCLUDED.expires_at,
		    last_synced_at = EXCLUDED.last_synced_at`,
		entry.CacheKey, entry.CacheType, entry.Metadata, entry.ExpiresAt, entry.LastSyncedAt,
	)
	if err != nil {
		return fmt.Errorf("upserting cache metadata %s: %w", entry.CacheKey, err)
	}
	return nil
}

func (p *PostgresPersistence) CleanupExpiredCache(ctx context.Context, now time.Time) (int, error) {
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM cache_metadata WHERE expires_at IS NOT NULL AND expires_at <= $1`,
		now,
	)
	if err != nil {
		return 0, fmt.Errorf("cleaning expired cache: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (p *PostgresPersistence) StaleCacheEntries(ctx context.Context, now time.Time) ([]CacheEntry, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT cache_key, cache_type, metadata, expires_at, last_synced_at
		FROM cache_metadata
		WHERE expires_at IS NOT NULL AND expires_at <= $1
		ORDER BY cache_key`,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("listing stale cache entries: %w", err)
	}
	defer rows.Close()

	var out []CacheEntry
	for rows.Next() {
		var entry CacheEntry
		if err := rows.Scan(&entry.CacheKey, &entry.CacheType, &entry.Metadata,
			&entry.ExpiresAt, &entry.LastSyncedAt); err != nil {
			return nil, fmt.Errorf("scanning cache entry: %w", err)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (p *PostgresPersistence) RecordUpdate(ctx context.Context, update OptimisticUpdate) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO optimistic_updates
			(update_id, entity_type, entity_id, original_payload, updated_payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		update.UpdateID, update.EntityType, update.EntityID,
		update.OriginalPayload, update.UpdatedPayload, update.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("recording optimistic update %s: %w", update.UpdateID, err)
	}
	return nil
}

func (p *PostgresPersistence) ConfirmUpdate(ctx context.Context, updateID string) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE optimistic_updates SET confirmed = TRUE WHERE update_id = $1 AND NOT confirmed`,
		updateID,
	)
	if err != nil {
		return fmt.Errorf("confirming update %s: %w", updateID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: update %s missing or already confirmed", ErrStoreConflict, updateID)
	}
	return nil
}

func (p *PostgresPersistence) UnconfirmedUpdates(ctx context.Context) ([]OptimisticUpdate, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT update_id, entity_type, entity_id, original_payload, updated_payload, confirmed, created_at
		FROM optimistic_updates
		WHERE NOT confirmed
		ORDER BY created_at`,
	)
	if err != nil {
		return nil, fmt.Errorf("listing unconfirmed updates: %w", err)
	}
	defer rows.Close()

	var out []OptimisticUpdate
	for rows.Next() {
		var u OptimisticUpdate
		if err := rows.Scan(&u.UpdateID, &u.EntityType, &u.EntityID,
			&u.OriginalPayload, &u.UpdatedPayload, &u.Confirmed, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning optimistic update: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (p *PostgresPersistence) UpsertSyncStatus(ctx context.Context, entityType, entityID string, status SyncStatus, conflict json.RawMessage) (int64, error) {
	var version int64
	err := p.pool.QueryRow(ctx, `
		INSERT INTO sync_status (entity_type, entity_id, status, conflict, local_version, updated_at)
		VALUES ($1, $2, $3, $4, 1, now())
		ON CONFLICT (entity_type, entity_id) DO UPDATE
		SET status = EXCLUDED.status,
		    conflict = EXCLUDED.conflict,
		    local_version = sync_status.local_version + 1,
		    updated_at = now()
		RETURNING local_version`,
		entityType, entityID, string(status), conflict,
	).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("upserting sync status %s/%s: %w", entityType, entityID, err)
	}
	return version, nil
}

func (p *PostgresPersistence) SyncConflicts(ctx context.Context) ([]SyncStatusRecord, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT entity_type, entity_id, status, conflict, local_version, updated_at
		FROM sync_status
		WHERE status = 'conflict'
		ORDER BY entity_type, entity_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("listing sync conflicts: %w", err)
	}
	defer rows.Close()

	var out []SyncStatusRecord
	for rows.Next() {
		var (
			rec    SyncStatusRecord
			status string
		)
		if err := rows.Scan(&rec.EntityType, &rec.EntityID, &status,
			&rec.Conflict, &rec.LocalVersion, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning sync status: %w", err)
		}
		rec.Status = SyncStatus(status)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanAction(row pgx.Row) (Action, error) {
	var (
		a      Action
		status string
	)
	if err := row.Scan(&a.LocalID, &a.AuthorPubkey, &a.ActionType, &a.TargetID,
		&a.Payload, &status, &a.RetryCount, &a.LastError,
		&a.CreatedAt, &a.UpdatedAt, &a.SyncedAt, &a.RemoteID); err != nil {
		return Action{}, fmt.Errorf("scanning offline action: %w", err)
	}
	a.SyncStatus = SyncStatus(status)
	return a, nil
}
