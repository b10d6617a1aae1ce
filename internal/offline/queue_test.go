package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"
)

func discardTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testQueue(t *testing.T, opts ...QueueOption) (*Queue, *MemoryPersistence) {
	t.Helper()
	store := NewMemoryPersistence()
	return NewQueue(store, discardTestLogger(), opts...), store
}

func draft(author string) ActionDraft {
	return ActionDraft{
		AuthorPubkey: author,
		ActionType:   "create_post",
		Payload:      json.RawMessage(`{"content":"x"}`),
	}
}

func TestSaveActionAssignsLocalID(t *testing.T) {
	q, _ := testQueue(t)
	ctx := context.Background()

	localID, action, err := q.SaveAction(ctx, draft("alice"))
	if err != nil {
		t.Fatalf("saving action: %v", err)
	}
	if localID == "" || action.LocalID != localID {
		t.Fatalf("expected matching local id, got %q / %q", localID, action.LocalID)
	}
	if action.SyncStatus != StatusPending {
		t.Fatalf("expected pending status, got %s", action.SyncStatus)
	}
}

func TestSyncActionsSuccess(t *testing.T) {
	q, _ := testQueue(t, WithPublishFunc(func(_ context.Context, action Action) (string, error) {
		return "remote-" + action.LocalID, nil
	}))
	ctx := context.Background()

	localID, _, err := q.SaveAction(ctx, draft("alice"))
	if err != nil {
		t.Fatalf("saving: %v", err)
	}

	report, err := q.SyncActions(ctx, "alice")
	if err != nil {
		t.Fatalf("syncing: %v", err)
	}
	if report.Synced != 1 || report.Failed != 0 || report.Pending != 0 {
		t.Fatalf("unexpected report %+v", report)
	}

	actions, _ := q.ListActions(ctx, ActionFilter{Author: "alice", IncludeSynced: true})
	if len(actions) != 1 {
		t.Fatalf("expected 1 action, got %d", len(actions))
	}
	a := actions[0]
	if a.SyncStatus != StatusFullySynced {
		t.Fatalf("expected fully synced, got %s", a.SyncStatus)
	}
	if a.RemoteID != "remote-"+localID {
		t.Fatalf("expected remote id populated, got %q", a.RemoteID)
	}
	if a.SyncedAt == nil {
		t.Fatal("expected synced_at populated")
	}

	if m := q.Metrics(); m.TotalSuccess != 1 || m.TotalFailure != 0 {
		t.Fatalf("unexpected metrics %+v", m)
	}
}

func TestSyncActionsFailureIncrementsRetry(t *testing.T) {
	q, _ := testQueue(t, WithPublishFunc(func(context.Context, Action) (string, error) {
		return "", errors.New("relay unreachable")
	}))
	ctx := context.Background()

	if _, _, err := q.SaveAction(ctx, draft("alice")); err != nil {
		t.Fatalf("saving: %v", err)
	}

	report, err := q.SyncActions(ctx, "alice")
	if err != nil {
		t.Fatalf("syncing: %v", err)
	}
	if report.Failed != 1 || report.Synced != 0 {
		t.Fatalf("unexpected report %+v", report)
	}

	actions, _ := q.ListActions(ctx, ActionFilter{Author: "alice"})
	if len(actions) != 1 {
		t.Fatalf("expected 1 action, got %d", len(actions))
	}
	if actions[0].SyncStatus != StatusFailed || actions[0].RetryCount != 1 {
		t.Fatalf("expected failed with retry 1, got %+v", actions[0])
	}
	if actions[0].LastError == "" {
		t.Fatal("expected error recorded")
	}

	if m := q.Metrics(); m.ConsecutiveFailure != 1 {
		t.Fatalf("unexpected metrics %+v", m)
	}
}

func TestSyncActionsRetriesFailedWhenDue(t *testing.T) {
	// Fail twice, then succeed; with a negligible backoff every pass
	// re-attempts the failed action until it syncs.
	var calls int
	q, _ := testQueue(t,
		WithBackoff(Backoff{Base: time.Nanosecond, Ceiling: time.Microsecond}),
		WithPublishFunc(func(_ context.Context, action Action) (string, error) {
			calls++
			if calls < 3 {
				return "", errors.New("still down")
			}
			return "remote-" + action.LocalID, nil
		}),
	)
	ctx := context.Background()

	if _, _, err := q.SaveAction(ctx, draft("alice")); err != nil {
		t.Fatalf("saving: %v", err)
	}

	for pass := 1; pass <= 2; pass++ {
		report, err := q.SyncActions(ctx, "alice")
		if err != nil {
			t.Fatalf("pass %d: %v", pass, err)
		}
		if report.Failed != 1 || report.Synced != 0 {
			t.Fatalf("pass %d: unexpected report %+v", pass, report)
		}
	}

	report, err := q.SyncActions(ctx, "alice")
	if err != nil {
		t.Fatalf("final pass: %v", err)
	}
	if report.Synced != 1 || report.Failed != 0 {
		t.Fatalf("expected recovery on third attempt, got %+v", report)
	}
	if calls != 3 {
		t.Fatalf("expected 3 publish attempts, got %d", calls)
	}
}

func TestSyncActionsHonorsBackoffDelay(t *testing.T) {
	// A failed action whose backoff has not elapsed is left alone even
	// when the publisher would now succeed.
	var calls int
	q, _ := testQueue(t,
		WithBackoff(Backoff{Base: time.Hour, Ceiling: 2 * time.Hour}),
		WithPublishFunc(func(context.Context, Action) (string, error) {
			calls++
			if calls == 1 {
				return "", errors.New("down")
			}
			return "remote", nil
		}),
	)
	ctx := context.Background()

	if _, _, err := q.SaveAction(ctx, draft("alice")); err != nil {
		t.Fatalf("saving: %v", err)
	}
	if _, err := q.SyncActions(ctx, "alice"); err != nil {
		t.Fatalf("first pass: %v", err)
	}

	report, err := q.SyncActions(ctx, "alice")
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if report.Synced != 0 || report.Failed != 1 {
		t.Fatalf("expected the action to wait out its backoff, got %+v", report)
	}
	if calls != 1 {
		t.Fatalf("expected no re-attempt before the delay, got %d calls", calls)
	}
}

func TestSyncActionsStopsAtRetryCap(t *testing.T) {
	var calls int
	q, _ := testQueue(t,
		WithBackoff(Backoff{Base: time.Nanosecond, Ceiling: time.Microsecond}),
		WithPublishFunc(func(context.Context, Action) (string, error) {
			calls++
			return "", errors.New("permanently down")
		}),
	)
	ctx := context.Background()

	localID, _, err := q.SaveAction(ctx, draft("alice"))
	if err != nil {
		t.Fatalf("saving: %v", err)
	}

	for pass := 0; pass < 5; pass++ {
		if _, err := q.SyncActions(ctx, "alice"); err != nil {
			t.Fatalf("pass %d: %v", pass, err)
		}
	}
	if calls != DefaultMaxRetries {
		t.Fatalf("expected attempts to stop at the cap (%d), got %d", DefaultMaxRetries, calls)
	}

	actions, _ := q.ListActions(ctx, ActionFilter{Author: "alice"})
	if actions[0].SyncStatus != StatusFailed || actions[0].RetryCount != DefaultMaxRetries {
		t.Fatalf("expected permanently failed at cap, got %+v", actions[0])
	}

	// An explicit user retry re-enters the pending lifecycle.
	if err := q.RetryAction(ctx, localID); err != nil {
		t.Fatalf("retrying: %v", err)
	}
	if _, err := q.SyncActions(ctx, "alice"); err != nil {
		t.Fatalf("post-retry pass: %v", err)
	}
	if calls != DefaultMaxRetries+1 {
		t.Fatalf("expected one attempt after explicit retry, got %d", calls)
	}
}

func TestRetryActionResetsToPending(t *testing.T) {
	q, _ := testQueue(t, WithPublishFunc(func(context.Context, Action) (string, error) {
		return "", errors.New("down")
	}))
	ctx := context.Background()

	localID, _, _ := q.SaveAction(ctx, draft("alice"))
	if _, err := q.SyncActions(ctx, "alice"); err != nil {
		t.Fatalf("syncing: %v", err)
	}

	if err := q.RetryAction(ctx, localID); err != nil {
		t.Fatalf("retrying: %v", err)
	}
	actions, _ := q.ListActions(ctx, ActionFilter{Author: "alice"})
	if actions[0].SyncStatus != StatusPending {
		t.Fatalf("expected pending after retry, got %s", actions[0].SyncStatus)
	}
}

func TestOfflineToSyncedFlow(t *testing.T) {
	// Start disconnected, then install a working publisher and sync.
	q, _ := testQueue(t)
	ctx := context.Background()

	if _, _, err := q.SaveAction(ctx, draft("alice")); err != nil {
		t.Fatalf("saving: %v", err)
	}
	if _, err := q.SyncActions(ctx, "alice"); err == nil {
		t.Fatal("expected error without a publish callback")
	}

	q.SetPublishFunc(func(_ context.Context, action Action) (string, error) {
		return "event-id-1", nil
	})
	report, err := q.SyncActions(ctx, "alice")
	if err != nil {
		t.Fatalf("syncing after reconnect: %v", err)
	}
	if report.Synced != 1 || report.Failed != 0 || report.Pending != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestEnqueueIfMissingIdempotent(t *testing.T) {
	q, _ := testQueue(t)
	ctx := context.Background()

	_, action, err := q.SaveAction(ctx, draft("alice"))
	if err != nil {
		t.Fatalf("saving: %v", err)
	}

	inserted, err := q.EnqueueIfMissing(ctx, *action)
	if err != nil || !inserted {
		t.Fatalf("expected first enqueue to insert, got %v (%v)", inserted, err)
	}
	inserted, err = q.EnqueueIfMissing(ctx, *action)
	if err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	if inserted {
		t.Fatal("expected second enqueue to be a no-op")
	}

	items, _ := q.PendingQueueItems(ctx)
	if len(items) != 1 {
		t.Fatalf("expected exactly one queue row, got %d", len(items))
	}
}

func TestCleanupExpiredCache(t *testing.T) {
	q, _ := testQueue(t)
	ctx := context.Background()
	now := time.Now()

	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)
	for key, expiry := range map[string]*time.Time{
		"expired-1": &past,
		"expired-2": &past,
		"fresh":     &future,
		"forever":   nil,
	} {
		if err := q.UpsertCacheMetadata(ctx, CacheEntry{CacheKey: key, CacheType: "profile", ExpiresAt: expiry}); err != nil {
			t.Fatalf("upserting %s: %v", key, err)
		}
	}

	removed, err := q.CleanupExpiredCache(ctx, now)
	if err != nil {
		t.Fatalf("cleaning: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected exactly 2 removals, got %d", removed)
	}

	stale, _ := q.StaleCacheEntries(ctx, now)
	if len(stale) != 0 {
		t.Fatalf("expected no stale entries after cleanup, got %v", stale)
	}
}

func TestOptimisticUpdateConfirmedExactlyOnce(t *testing.T) {
	q, _ := testQueue(t)
	ctx := context.Background()

	update, err := q.RecordUpdate(ctx, "post", "post-1", nil, json.RawMessage(`{"likes":1}`))
	if err != nil {
		t.Fatalf("recording: %v", err)
	}

	unconfirmed, _ := q.UnconfirmedUpdates(ctx)
	if len(unconfirmed) != 1 || unconfirmed[0].UpdateID != update.UpdateID {
		t.Fatalf("expected one unconfirmed update, got %v", unconfirmed)
	}

	if err := q.ConfirmUpdate(ctx, update.UpdateID); err != nil {
		t.Fatalf("confirming: %v", err)
	}
	if err := q.ConfirmUpdate(ctx, update.UpdateID); !errors.Is(err, ErrStoreConflict) {
		t.Fatalf("expected ErrStoreConflict on double confirm, got %v", err)
	}

	unconfirmed, _ = q.UnconfirmedUpdates(ctx)
	if len(unconfirmed) != 0 {
		t.Fatalf("expected no unconfirmed updates, got %v", unconfirmed)
	}
}

func TestSyncStatusVersionMonotonic(t *testing.T) {
	q, _ := testQueue(t)
	ctx := context.Background()

	var last int64
	for i := 0; i < 5; i++ {
		version, err := q.UpdateSyncStatus(ctx, "post", "post-1", StatusPending, nil)
		if err != nil {
			t.Fatalf("upserting status: %v", err)
		}
		if version <= last {
			t.Fatalf("local_version not monotonic: %d after %d", version, last)
		}
		last = version
	}

	if _, err := q.UpdateSyncStatus(ctx, "post", "post-1", StatusConflict, json.RawMessage(`{"theirs":1}`)); err != nil {
		t.Fatalf("setting conflict: %v", err)
	}
	conflicts, err := q.SyncConflicts(ctx)
	if err != nil {
		t.Fatalf("listing conflicts: %v", err)
	}
	if len(conflicts) != 1 || conflicts[0].EntityID != "post-1" {
		t.Fatalf("unexpected conflicts %v", conflicts)
	}
}

func TestBackoffSchedule(t *testing.T) {
	b := Backoff{Base: time.Second, Ceiling: 10 * time.Second}

	for attempt := 0; attempt < 6; attempt++ {
		d := b.Delay(attempt)
		if d > 10*time.Second {
			t.Fatalf("attempt %d: delay %v above ceiling", attempt, d)
		}
		// The deterministic floor doubles until the ceiling; jitter only
		// adds on top.
		floor := time.Second << attempt
		if floor > 10*time.Second {
			floor = 10 * time.Second
		}
		if d < floor {
			t.Fatalf("attempt %d: delay %v below floor %v", attempt, d, floor)
		}
	}
}

func TestListActionsFilter(t *testing.T) {
	q, _ := testQueue(t, WithPublishFunc(func(_ context.Context, a Action) (string, error) {
		return "r", nil
	}))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, _, err := q.SaveAction(ctx, ActionDraft{
			AuthorPubkey: "alice",
			ActionType:   fmt.Sprintf("type-%d", i),
			Payload:      json.RawMessage(`{}`),
		}); err != nil {
			t.Fatalf("saving %d: %v", i, err)
		}
	}
	q.SaveAction(ctx, draft("bob"))

	if _, err := q.SyncActions(ctx, "alice"); err != nil {
		t.Fatalf("syncing: %v", err)
	}

	unsynced, _ := q.ListActions(ctx, ActionFilter{Author: "alice"})
	if len(unsynced) != 0 {
		t.Fatalf("expected no unsynced alice actions, got %d", len(unsynced))
	}
	all, _ := q.ListActions(ctx, ActionFilter{Author: "alice", IncludeSynced: true})
	if len(all) != 3 {
		t.Fatalf("expected 3 alice actions, got %d", len(all))
	}
	limited, _ := q.ListActions(ctx, ActionFilter{Author: "alice", IncludeSynced: true, Limit: 2})
	if len(limited) != 2 {
		t.Fatalf("expected limit 2, got %d", len(limited))
	}
}
