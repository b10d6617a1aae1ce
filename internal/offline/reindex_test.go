package offline

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"
)

type capturingEmitter struct {
	mu       sync.Mutex
	reports  []ReindexReport
	failures []string
}

func (e *capturingEmitter) EmitReport(report ReindexReport) {
	e.mu.Lock()
	e.reports = append(e.reports, report)
	e.mu.Unlock()
}

func (e *capturingEmitter) EmitFailure(message string) {
	e.mu.Lock()
	e.failures = append(e.failures, message)
	e.mu.Unlock()
}

func TestReindexOnce(t *testing.T) {
	q, _ := testQueue(t)
	ctx := context.Background()

	// Two unsynced actions, one stale cache entry, one unconfirmed
	// update, one conflict.
	_, a1, _ := q.SaveAction(ctx, draft("alice"))
	_, a2, _ := q.SaveAction(ctx, draft("alice"))

	past := time.Now().Add(-time.Hour)
	q.UpsertCacheMetadata(ctx, CacheEntry{CacheKey: "stale-key", CacheType: "topic", ExpiresAt: &past})
	q.RecordUpdate(ctx, "post", "p1", nil, json.RawMessage(`{}`))
	q.UpdateSyncStatus(ctx, "post", "p2", StatusConflict, json.RawMessage(`{"theirs":2}`))

	job := NewReindexJob(q, nil, discardTestLogger())
	report, err := job.ReindexOnce(ctx)
	if err != nil {
		t.Fatalf("reindexing: %v", err)
	}

	if report.OfflineActionCount != 2 {
		t.Fatalf("expected 2 offline actions, got %d", report.OfflineActionCount)
	}
	if report.QueuedActionCount != 2 {
		t.Fatalf("expected 2 newly queued, got %d", report.QueuedActionCount)
	}
	if report.PendingQueueCount != 2 {
		t.Fatalf("expected 2 pending queue rows, got %d", report.PendingQueueCount)
	}
	if len(report.StaleCacheKeys) != 1 || report.StaleCacheKeys[0] != "stale-key" {
		t.Fatalf("unexpected stale keys %v", report.StaleCacheKeys)
	}
	if len(report.OptimisticUpdateIDs) != 1 {
		t.Fatalf("expected 1 optimistic update, got %v", report.OptimisticUpdateIDs)
	}
	if len(report.SyncConflicts) != 1 || report.SyncConflicts[0].EntityID != "p2" {
		t.Fatalf("unexpected conflicts %v", report.SyncConflicts)
	}
	if report.EmittedAt == 0 {
		t.Fatal("expected emitted_at set")
	}

	// A second sweep must not re-queue the same actions.
	report, err = job.ReindexOnce(ctx)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if report.QueuedActionCount != 0 {
		t.Fatalf("expected nothing newly queued, got %d", report.QueuedActionCount)
	}
	_ = a1
	_ = a2
}

func TestReindexTriggerEmitsReport(t *testing.T) {
	q, _ := testQueue(t)
	ctx := context.Background()
	q.SaveAction(ctx, draft("alice"))

	emitter := &capturingEmitter{}
	job := NewReindexJob(q, emitter, discardTestLogger())

	job.Trigger(ctx)

	deadline := time.After(2 * time.Second)
	for {
		emitter.mu.Lock()
		n := len(emitter.reports)
		emitter.mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("reindex report was not emitted")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
