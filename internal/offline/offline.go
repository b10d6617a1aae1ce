// Package offline implements the offline-first queue: pending actions
// written while disconnected, the sync queue that replays them, cache
// metadata with expiry, and optimistic updates awaiting confirmation.
// Durable state lives in PostgreSQL next to the event store; a redis hot
// index mirrors cache expiry for cheap lookups.
package offline

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// SyncStatus is the lifecycle of an offline action or entity.
type SyncStatus string

const (
	StatusPending     SyncStatus = "pending"
	StatusFullySynced SyncStatus = "fully_synced"
	StatusFailed      SyncStatus = "failed"
	StatusConflict    SyncStatus = "conflict"
)

// ErrStoreConflict marks an optimistic-update conflict or a sync-status
// race. Returning it does not change any sync status record; entities
// reach StatusConflict only through an explicit UpdateSyncStatus call.
var ErrStoreConflict = errors.New("offline: store conflict")

// Action is a user action captured while offline, keyed by its local id.
type Action struct {
	LocalID      string          `json:"local_id"`
	AuthorPubkey string          `json:"author_pubkey"`
	ActionType   string          `json:"action_type"`
	TargetID     string          `json:"target_id,omitempty"`
	Payload      json.RawMessage `json:"payload"`
	SyncStatus   SyncStatus      `json:"sync_status"`
	RetryCount   int             `json:"retry_count"`
	LastError    string          `json:"last_error,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	SyncedAt     *time.Time      `json:"synced_at,omitempty"`
	RemoteID     string          `json:"remote_id,omitempty"`
}

// ActionDraft is the input to SaveAction.
type ActionDraft struct {
	AuthorPubkey string
	ActionType   string
	TargetID     string
	Payload      json.RawMessage
}

// ActionFilter narrows ListActions.
type ActionFilter struct {
	Author        string
	IncludeSynced bool
	Limit         int
}

// QueueItem is one row of the sync queue. The (author, local id) pair is
// unique so re-enqueueing the same action is a no-op.
type QueueItem struct {
	ID           string          `json:"id"`
	AuthorPubkey string          `json:"author_pubkey"`
	LocalID      string          `json:"local_id"`
	ActionType   string          `json:"action_type"`
	Payload      json.RawMessage `json:"payload"`
	Status       SyncStatus      `json:"status"`
	RetryCount   int             `json:"retry_count"`
	MaxRetries   int             `json:"max_retries"`
	LastError    string          `json:"last_error,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// CacheEntry is sync bookkeeping for one cached object.
type CacheEntry struct {
	CacheKey     string          `json:"cache_key"`
	CacheType    string          `json:"cache_type"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	ExpiresAt    *time.Time      `json:"expires_at,omitempty"`
	LastSyncedAt *time.Time      `json:"last_synced_at,omitempty"`
}

// OptimisticUpdate is a local mutation applied before the network
// confirmed it.
type OptimisticUpdate struct {
	UpdateID        string          `json:"update_id"`
	EntityType      string          `json:"entity_type"`
	EntityID        string          `json:"entity_id"`
	OriginalPayload json.RawMessage `json:"original_payload,omitempty"`
	UpdatedPayload  json.RawMessage `json:"updated_payload"`
	Confirmed       bool            `json:"confirmed"`
	CreatedAt       time.Time       `json:"created_at"`
}

// SyncStatusRecord is the per-entity sync state with its monotonically
// increasing local version.
type SyncStatusRecord struct {
	EntityType   string          `json:"entity_type"`
	EntityID     string          `json:"entity_id"`
	Status       SyncStatus      `json:"status"`
	Conflict     json.RawMessage `json:"conflict,omitempty"`
	LocalVersion int64           `json:"local_version"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Persistence is the durable backing of the offline queue.
type Persistence interface {
	InsertAction(ctx context.Context, action Action) error
	ListActions(ctx context.Context, filter ActionFilter) ([]Action, error)
	GetAction(ctx context.Context, localID string) (*Action, error)
	MarkActionSynced(ctx context.Context, localID, remoteID string, at time.Time) error
	MarkActionFailed(ctx context.Context, localID, message string) error
	ResetActionPending(ctx context.Context, localID string) error

	EnqueueIfMissing(ctx context.Context, item QueueItem) (bool, error)
	PendingQueueItems(ctx context.Context) ([]QueueItem, error)

	UpsertCacheMetadata(ctx context.Context, entry CacheEntry) error
	CleanupExpiredCache(ctx context.Context, now time.Time) (int, error)
	StaleCacheEntries(ctx context.Context, now time.Time) ([]CacheEntry, error)

	RecordUpdate(ctx context.Context, update OptimisticUpdate) error
	ConfirmUpdate(ctx context.Context, updateID string) error
	UnconfirmedUpdates(ctx context.Context) ([]OptimisticUpdate, error)

	UpsertSyncStatus(ctx context.Context, entityType, entityID string, status SyncStatus, conflict json.RawMessage) (int64, error)
	SyncConflicts(ctx context.Context) ([]SyncStatusRecord, error)
}
