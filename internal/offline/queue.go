package offline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
)

// Defaults for the retry policy.
const (
	DefaultMaxRetries   = 3
	defaultBaseDelay    = 2 * time.Second
	defaultDelayCeiling = 5 * time.Minute
)

// PublishFunc replays one offline action against the network and returns
// the remote id assigned to it (for published events, the event id).
type PublishFunc func(ctx context.Context, action Action) (remoteID string, err error)

// SyncReport summarizes one SyncActions pass.
type SyncReport struct {
	Synced  int `json:"synced"`
	Failed  int `json:"failed"`
	Pending int `json:"pending"`
}

// QueueMetrics is a snapshot of the sync engine's counters.
type QueueMetrics struct {
	TotalSuccess       uint64 `json:"total_success"`
	TotalFailure       uint64 `json:"total_failure"`
	ConsecutiveFailure uint64 `json:"consecutive_failure"`
	LastSuccessMS      int64  `json:"last_success_ms,omitempty"`
	LastFailureMS      int64  `json:"last_failure_ms,omitempty"`
}

// Backoff computes exponential retry delays with jitter, capped at a
// ceiling.
type Backoff struct {
	Base    time.Duration
	Ceiling time.Duration
}

// Delay returns the wait before the given retry attempt (0-based). Up to
// 50% jitter is added so synchronized clients fan out.
func (b Backoff) Delay(attempt int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = defaultBaseDelay
	}
	ceiling := b.Ceiling
	if ceiling <= 0 {
		ceiling = defaultDelayCeiling
	}

	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= ceiling {
			delay = ceiling
			break
		}
	}
	jitter := time.Duration(rand.Int64N(int64(delay)/2 + 1))
	if delay+jitter > ceiling {
		return ceiling
	}
	return delay + jitter
}

// Queue is the offline action service: it captures actions while
// disconnected, replays them through the publish callback, and keeps the
// sync queue, cache metadata, and optimistic updates reconciled.
type Queue struct {
	store   Persistence
	cache   *CacheIndex // optional redis hot index
	publish PublishFunc
	logger  *slog.Logger

	maxRetries int
	backoff    Backoff

	syncMu sync.Mutex // serializes SyncActions passes

	totalSuccess       atomic.Uint64
	totalFailure       atomic.Uint64
	consecutiveFailure atomic.Uint64
	lastSuccessMS      atomic.Int64
	lastFailureMS      atomic.Int64
}

// QueueOption tunes a Queue.
type QueueOption func(*Queue)

// WithPublishFunc installs the replay callback.
func WithPublishFunc(fn PublishFunc) QueueOption {
	return func(q *Queue) { q.publish = fn }
}

// WithCacheIndex attaches the redis hot index for cache metadata.
func WithCacheIndex(index *CacheIndex) QueueOption {
	return func(q *Queue) { q.cache = index }
}

// WithMaxRetries overrides the retry cap.
func WithMaxRetries(n int) QueueOption {
	return func(q *Queue) { q.maxRetries = n }
}

// WithBackoff overrides the retry backoff schedule.
func WithBackoff(b Backoff) QueueOption {
	return func(q *Queue) { q.backoff = b }
}

// NewQueue builds the offline queue service.
func NewQueue(store Persistence, logger *slog.Logger, opts ...QueueOption) *Queue {
	q := &Queue{
		store:      store,
		logger:     logger,
		maxRetries: DefaultMaxRetries,
		backoff:    Backoff{Base: defaultBaseDelay, Ceiling: defaultDelayCeiling},
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// SetPublishFunc replaces the replay callback, e.g. once the transport
// reconnects.
func (q *Queue) SetPublishFunc(fn PublishFunc) {
	q.syncMu.Lock()
	q.publish = fn
	q.syncMu.Unlock()
}

// SaveAction persists a new pending action and returns its assigned local
// id alongside the materialized record.
func (q *Queue) SaveAction(ctx context.Context, draft ActionDraft) (string, *Action, error) {
	now := time.Now().UTC()
	action := Action{
		LocalID:      ulid.Make().String(),
		AuthorPubkey: draft.AuthorPubkey,
		ActionType:   draft.ActionType,
		TargetID:     draft.TargetID,
		Payload:      draft.Payload,
		SyncStatus:   StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := q.store.InsertAction(ctx, action); err != nil {
		return "", nil, err
	}

	q.logger.Debug("offline action saved",
		slog.String("local_id", action.LocalID),
		slog.String("action_type", action.ActionType),
	)
	return action.LocalID, &action, nil
}

// ListActions returns the filtered action log ordered by creation time.
func (q *Queue) ListActions(ctx context.Context, filter ActionFilter) ([]Action, error) {
	return q.store.ListActions(ctx, filter)
}

// SyncActions replays the author's pending actions through the publish
// callback. Failed actions with retries left are re-attempted once their
// backoff delay has elapsed; an action stays permanently failed only
// after retry_count reaches the cap, until an explicit RetryAction.
// Concurrent passes are serialized.
func (q *Queue) SyncActions(ctx context.Context, authorPubkey string) (SyncReport, error) {
	q.syncMu.Lock()
	publish := q.publish
	defer q.syncMu.Unlock()

	if publish == nil {
		return SyncReport{}, fmt.Errorf("offline: no publish callback configured")
	}

	actions, err := q.store.ListActions(ctx, ActionFilter{Author: authorPubkey})
	if err != nil {
		return SyncReport{}, err
	}

	now := time.Now()
	var report SyncReport
	for _, action := range actions {
		switch action.SyncStatus {
		case StatusPending:
		case StatusFailed:
			if action.RetryCount >= q.maxRetries {
				report.Failed++
				continue
			}
			if now.Sub(action.UpdatedAt) < q.NextRetryDelay(action.RetryCount-1) {
				// Not due yet; stays failed until its backoff elapses.
				report.Failed++
				continue
			}
		default:
			continue
		}

		remoteID, err := publish(ctx, action)
		if err != nil {
			q.recordFailure()
			if markErr := q.store.MarkActionFailed(ctx, action.LocalID, err.Error()); markErr != nil {
				q.logger.Warn("failed to record action failure",
					slog.String("local_id", action.LocalID),
					slog.String("error", markErr.Error()),
				)
			}
			report.Failed++
			if action.RetryCount+1 >= q.maxRetries {
				q.logger.Warn("offline action exhausted its retries",
					slog.String("local_id", action.LocalID),
					slog.Int("retry_count", action.RetryCount+1),
					slog.String("error", err.Error()),
				)
			} else {
				q.logger.Warn("offline action sync failed",
					slog.String("local_id", action.LocalID),
					slog.Int("retry_count", action.RetryCount+1),
					slog.Duration("next_retry_in", q.NextRetryDelay(action.RetryCount)),
					slog.String("error", err.Error()),
				)
			}
			continue
		}

		if err := q.store.MarkActionSynced(ctx, action.LocalID, remoteID, time.Now().UTC()); err != nil {
			return report, err
		}
		q.recordSuccess()
		report.Synced++
	}

	remaining, err := q.store.ListActions(ctx, ActionFilter{Author: authorPubkey})
	if err != nil {
		return report, err
	}
	for _, action := range remaining {
		if action.SyncStatus == StatusPending {
			report.Pending++
		}
	}

	q.logger.Info("offline sync pass complete",
		slog.String("author", authorPubkey),
		slog.Int("synced", report.Synced),
		slog.Int("failed", report.Failed),
		slog.Int("pending", report.Pending),
	)
	return report, nil
}

// RetryAction puts a failed action back into the pending state for the
// next sync pass.
func (q *Queue) RetryAction(ctx context.Context, localID string) error {
	return q.store.ResetActionPending(ctx, localID)
}

// NextRetryDelay returns when an action should next be attempted given
// its retry count.
func (q *Queue) NextRetryDelay(retryCount int) time.Duration {
	return q.backoff.Delay(retryCount)
}

// EnqueueIfMissing inserts an action into the sync queue iff no row for
// the same (author, local id) exists. Reports whether an insertion
// occurred.
func (q *Queue) EnqueueIfMissing(ctx context.Context, action Action) (bool, error) {
	item := QueueItem{
		ID:           ulid.Make().String(),
		AuthorPubkey: action.AuthorPubkey,
		LocalID:      action.LocalID,
		ActionType:   action.ActionType,
		Payload:      action.Payload,
		Status:       StatusPending,
		MaxRetries:   q.maxRetries,
		CreatedAt:    time.Now().UTC(),
	}
	return q.store.EnqueueIfMissing(ctx, item)
}

// PendingQueueItems lists the sync queue rows awaiting replay.
func (q *Queue) PendingQueueItems(ctx context.Context) ([]QueueItem, error) {
	return q.store.PendingQueueItems(ctx)
}

// UpsertCacheMetadata records cache bookkeeping and mirrors the expiry
// into the hot index.
func (q *Queue) UpsertCacheMetadata(ctx context.Context, entry CacheEntry) error {
	if err := q.store.UpsertCacheMetadata(ctx, entry); err != nil {
		return err
	}
	if q.cache != nil {
		if err := q.cache.Mirror(ctx, entry); err != nil {
			q.logger.Debug("cache index mirror failed",
				slog.String("cache_key", entry.CacheKey),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// CleanupExpiredCache removes exactly the entries whose expiry has
// passed and invalidates them in the hot index.
func (q *Queue) CleanupExpiredCache(ctx context.Context, now time.Time) (int, error) {
	stale, err := q.store.StaleCacheEntries(ctx, now)
	if err != nil {
		return 0, err
	}
	removed, err := q.store.CleanupExpiredCache(ctx, now)
	if err != nil {
		return 0, err
	}
	if q.cache != nil {
		for _, entry := range stale {
			if err := q.cache.Invalidate(ctx, entry.CacheKey); err != nil {
				q.logger.Debug("cache index invalidation failed",
					slog.String("cache_key", entry.CacheKey),
					slog.String("error", err.Error()),
				)
			}
		}
	}
	return removed, nil
}

// StaleCacheEntries lists entries past their expiry.
func (q *Queue) StaleCacheEntries(ctx context.Context, now time.Time) ([]CacheEntry, error) {
	return q.store.StaleCacheEntries(ctx, now)
}

// RecordUpdate stores an optimistic update awaiting confirmation.
func (q *Queue) RecordUpdate(ctx context.Context, entityType, entityID string, original, updated json.RawMessage) (OptimisticUpdate, error) {
	update := OptimisticUpdate{
		UpdateID:        ulid.Make().String(),
		EntityType:      entityType,
		EntityID:        entityID,
		OriginalPayload: original,
		UpdatedPayload:  updated,
		CreatedAt:       time.Now().UTC(),
	}
	if err := q.store.RecordUpdate(ctx, update); err != nil {
		return OptimisticUpdate{}, err
	}
	return update, nil
}

// ConfirmUpdate marks an optimistic update confirmed, exactly once.
func (q *Queue) ConfirmUpdate(ctx context.Context, updateID string) error {
	return q.store.ConfirmUpdate(ctx, updateID)
}

// UnconfirmedUpdates lists updates still awaiting confirmation.
func (q *Queue) UnconfirmedUpdates(ctx context.Context) ([]OptimisticUpdate, error) {
	return q.store.UnconfirmedUpdates(ctx)
}

// UpdateSyncStatus upserts the per-entity sync state, incrementing its
// local version. The conflict payload is surfaced to callers when the
// status is StatusConflict.
func (q *Queue) UpdateSyncStatus(ctx context.Context, entityType, entityID string, status SyncStatus, conflict json.RawMessage) (int64, error) {
	return q.store.UpsertSyncStatus(ctx, entityType, entityID, status, conflict)
}

// SyncConflicts lists entities currently in conflict.
func (q *Queue) SyncConflicts(ctx context.Context) ([]SyncStatusRecord, error) {
	return q.store.SyncConflicts(ctx)
}

// Metrics returns the sync counters.
func (q *Queue) Metrics() QueueMetrics {
	return QueueMetrics{
		TotalSuccess:       q.totalSuccess.Load(),
		TotalFailure:       q.totalFailure.Load(),
		ConsecutiveFailure: q.consecutiveFailure.Load(),
		LastSuccessMS:      q.lastSuccessMS.Load(),
		LastFailureMS:      q.lastFailureMS.Load(),
	}
}

func (q *Queue) recordSuccess() {
	q.totalSuccess.Add(1)
	q.consecutiveFailure.Store(0)
	q.lastSuccessMS.Store(time.Now().UnixMilli())
}

func (q *Queue) recordFailure() {
	q.totalFailure.Add(1)
	q.consecutiveFailure.Add(1)
	q.lastFailureMS.Store(time.Now().UnixMilli())
}
