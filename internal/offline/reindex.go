package offline

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// ConflictDigest is the compact conflict view carried in a reindex
// report.
type ConflictDigest struct {
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	SyncStatus string `json:"sync_status"`
}

// ReindexReport is emitted after each reconciliation sweep of the offline
// action log against the sync queue.
type ReindexReport struct {
	OfflineActionCount    int              `json:"offline_action_count"`
	QueuedActionCount     int              `json:"queued_action_count"`
	PendingQueueCount     int              `json:"pending_queue_count"`
	StaleCacheKeys        []string         `json:"stale_cache_keys"`
	OptimisticUpdateIDs   []string         `json:"optimistic_update_ids"`
	SyncConflicts         []ConflictDigest `json:"sync_conflicts"`
	QueuedOfflineActionID []string         `json:"queued_offline_action_ids"`
	EmittedAt             int64            `json:"emitted_at"`
}

// ReindexEmitter receives reindex outcomes, typically forwarding them to
// the UI layer.
type ReindexEmitter interface {
	EmitReport(report ReindexReport)
	EmitFailure(message string)
}

// ReindexJob reconciles unsynced offline actions with the sync queue and
// reports pending state. Concurrent triggers coalesce: a trigger that
// arrives while a sweep is running is dropped.
type ReindexJob struct {
	queue   *Queue
	emitter ReindexEmitter
	logger  *slog.Logger
	gate    sync.Mutex
}

// NewReindexJob builds the job. The emitter may be nil.
func NewReindexJob(queue *Queue, emitter ReindexEmitter, logger *slog.Logger) *ReindexJob {
	return &ReindexJob{queue: queue, emitter: emitter, logger: logger}
}

// Trigger runs a guarded sweep in the background.
func (j *ReindexJob) Trigger(ctx context.Context) {
	go j.runGuarded(ctx)
}

// ReindexOnce performs one sweep: list unsynced actions, ensure each is
// present in the sync queue, and assemble the report.
func (j *ReindexJob) ReindexOnce(ctx context.Context) (ReindexReport, error) {
	unsynced, err := j.queue.ListActions(ctx, ActionFilter{})
	if err != nil {
		return ReindexReport{}, err
	}

	var queuedIDs []string
	for _, action := range unsynced {
		inserted, err := j.queue.EnqueueIfMissing(ctx, action)
		if err != nil {
			return ReindexReport{}, err
		}
		if inserted {
			queuedIDs = append(queuedIDs, action.LocalID)
		}
	}

	pending, err := j.queue.PendingQueueItems(ctx)
	if err != nil {
		return ReindexReport{}, err
	}
	stale, err := j.queue.StaleCacheEntries(ctx, time.Now())
	if err != nil {
		return ReindexReport{}, err
	}
	updates, err := j.queue.UnconfirmedUpdates(ctx)
	if err != nil {
		return ReindexReport{}, err
	}
	conflicts, err := j.queue.SyncConflicts(ctx)
	if err != nil {
		return ReindexReport{}, err
	}

	report := ReindexReport{
		OfflineActionCount:    len(unsynced),
		QueuedActionCount:     len(queuedIDs),
		PendingQueueCount:     len(pending),
		QueuedOfflineActionID: queuedIDs,
		EmittedAt:             time.Now().UnixMilli(),
	}
	for _, entry := range stale {
		report.StaleCacheKeys = append(report.StaleCacheKeys, entry.CacheKey)
	}
	for _, update := range updates {
		report.OptimisticUpdateIDs = append(report.OptimisticUpdateIDs, update.UpdateID)
	}
	for _, conflict := range conflicts {
		report.SyncConflicts = append(report.SyncConflicts, ConflictDigest{
			EntityType: conflict.EntityType,
			EntityID:   conflict.EntityID,
			SyncStatus: string(conflict.Status),
		})
	}
	return report, nil
}

func (j *ReindexJob) runGuarded(ctx context.Context) {
	if !j.gate.TryLock() {
		return
	}
	defer j.gate.Unlock()

	report, err := j.ReindexOnce(ctx)
	if err != nil {
		j.logger.Error("offline reindex failed", slog.String("error", err.Error()))
		if j.emitter != nil {
			j.emitter.EmitFailure(err.Error())
		}
		return
	}

	j.logger.Info("offline reindex complete",
		slog.Int("queued", report.QueuedActionCount),
		slog.Int("pending", report.PendingQueueCount),
	)
	if j.emitter != nil {
		j.emitter.EmitReport(report)
	}
}
