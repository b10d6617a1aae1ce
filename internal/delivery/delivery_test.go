package delivery

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/kukuri-social/kukuri/internal/metrics"
)

type fakeBroadcaster struct {
	mu     sync.Mutex
	calls  []string
	fail   bool
	block  bool
	failed atomic.Uint64
}

func (f *fakeBroadcaster) Broadcast(ctx context.Context, topic string, ev *nostr.Event) error {
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if f.fail {
		f.failed.Add(1)
		return errors.New("p2p down")
	}
	f.mu.Lock()
	f.calls = append(f.calls, topic)
	f.mu.Unlock()
	return nil
}

func (f *fakeBroadcaster) topics() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeRelay struct {
	fail      bool
	published atomic.Uint64
}

func (f *fakeRelay) Publish(ctx context.Context, ev *nostr.Event) error {
	if f.fail {
		return errors.New("relay down")
	}
	f.published.Add(1)
	return nil
}

func testDistributor(p2p Broadcaster, relay RelayPublisher, cfg Config) *Distributor {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewDistributor(p2p, relay, cfg, logger, metrics.NewSet())
}

func testNote() *nostr.Event {
	return &nostr.Event{ID: "ev-1", Kind: 1, Content: "hello"}
}

func TestDefaultStrategyMapping(t *testing.T) {
	d := testDistributor(&fakeBroadcaster{}, &fakeRelay{}, DefaultConfig())

	cases := map[Priority]Strategy{
		PriorityCritical: StrategyParallel,
		PriorityHigh:     StrategyParallel,
		PriorityMedium:   StrategySequential,
		PriorityLow:      StrategyP2POnly,
	}
	for priority, want := range cases {
		if got := d.StrategyFor(priority); got != want {
			t.Fatalf("priority %s: got %s, want %s", priority, got, want)
		}
	}
}

func TestParallelSucceedsWhenRelayFails(t *testing.T) {
	p2p := &fakeBroadcaster{}
	relay := &fakeRelay{fail: true}
	d := testDistributor(p2p, relay, DefaultConfig())

	result, err := d.Deliver(context.Background(), testNote(), []string{"topic-1"}, PriorityCritical)
	if err != nil {
		t.Fatalf("expected success with one live path, got %v", err)
	}
	if result.P2PErr != nil || result.RelayErr == nil {
		t.Fatalf("unexpected result %+v", result)
	}

	p2pSnap, relaySnap := d.PathMetrics()
	if relaySnap.Failures != 1 {
		t.Fatalf("expected relay failures 1, got %d", relaySnap.Failures)
	}
	if p2pSnap.Total != 1 || p2pSnap.Failures != 0 {
		t.Fatalf("expected p2p total 1 failures 0, got %+v", p2pSnap)
	}
}

func TestParallelSucceedsWhenP2PFails(t *testing.T) {
	p2p := &fakeBroadcaster{fail: true}
	relay := &fakeRelay{}
	d := testDistributor(p2p, relay, DefaultConfig())

	if _, err := d.Deliver(context.Background(), testNote(), []string{"topic-1"}, PriorityHigh); err != nil {
		t.Fatalf("expected success via relay, got %v", err)
	}
	if relay.published.Load() != 1 {
		t.Fatalf("expected relay publish, got %d", relay.published.Load())
	}
}

func TestSequentialFallsBackToRelay(t *testing.T) {
	p2p := &fakeBroadcaster{fail: true}
	relay := &fakeRelay{}
	d := testDistributor(p2p, relay, DefaultConfig())

	result, err := d.Deliver(context.Background(), testNote(), []string{"topic-1"}, PriorityMedium)
	if err != nil {
		t.Fatalf("expected fallback success, got %v", err)
	}
	if result.P2PErr == nil || result.RelayErr != nil {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestSequentialSkipsRelayWhenP2PSucceeds(t *testing.T) {
	p2p := &fakeBroadcaster{}
	relay := &fakeRelay{}
	d := testDistributor(p2p, relay, DefaultConfig())

	if _, err := d.Deliver(context.Background(), testNote(), []string{"topic-1"}, PriorityMedium); err != nil {
		t.Fatalf("delivering: %v", err)
	}
	if relay.published.Load() != 0 {
		t.Fatal("relay should not be used when p2p succeeds sequentially")
	}
}

func TestP2POnlyIgnoresRelay(t *testing.T) {
	p2p := &fakeBroadcaster{}
	relay := &fakeRelay{}
	d := testDistributor(p2p, relay, DefaultConfig())

	if _, err := d.Deliver(context.Background(), testNote(), []string{"t1", "t2"}, PriorityLow); err != nil {
		t.Fatalf("delivering: %v", err)
	}
	if relay.published.Load() != 0 {
		t.Fatal("relay must not be used for P2POnly")
	}
	if got := p2p.topics(); len(got) != 2 {
		t.Fatalf("expected both topics broadcast, got %v", got)
	}
}

func TestAllPathsFailed(t *testing.T) {
	d := testDistributor(&fakeBroadcaster{fail: true}, &fakeRelay{fail: true}, DefaultConfig())

	_, err := d.Deliver(context.Background(), testNote(), []string{"topic-1"}, PriorityCritical)
	if !errors.Is(err, ErrAllPathsFailed) {
		t.Fatalf("expected ErrAllPathsFailed, got %v", err)
	}
}

func TestP2PTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.P2PTimeout = 20 * time.Millisecond
	d := testDistributor(&fakeBroadcaster{block: true}, &fakeRelay{fail: true}, cfg)

	_, err := d.Deliver(context.Background(), testNote(), []string{"topic-1"}, PriorityLow)
	if !errors.Is(err, ErrAllPathsFailed) {
		t.Fatalf("expected failure after timeout, got %v", err)
	}
}

func TestCancellationAbortsDelivery(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConcurrent = 1
	d := testDistributor(&fakeBroadcaster{block: true}, &fakeRelay{fail: true}, cfg)

	// Occupy the only permit.
	go d.Deliver(context.Background(), testNote(), []string{"topic-1"}, PriorityLow)
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := d.Deliver(ctx, testNote(), []string{"topic-1"}, PriorityLow); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled while awaiting permit, got %v", err)
	}
}

func TestConcurrencyCap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConcurrent = 2
	cfg.P2PTimeout = 100 * time.Millisecond

	var inFlight, maxInFlight atomic.Int64
	p2p := broadcastFunc(func(ctx context.Context, topic string, ev *nostr.Event) error {
		cur := inFlight.Add(1)
		for {
			prev := maxInFlight.Load()
			if cur <= prev || maxInFlight.CompareAndSwap(prev, cur) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		inFlight.Add(-1)
		return nil
	})

	d := testDistributor(p2p, &fakeRelay{}, cfg)

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.Deliver(context.Background(), testNote(), []string{"topic-1"}, PriorityLow)
		}()
	}
	wg.Wait()

	if maxInFlight.Load() > 2 {
		t.Fatalf("concurrency cap exceeded: %d", maxInFlight.Load())
	}
}

type broadcastFunc func(ctx context.Context, topic string, ev *nostr.Event) error

func (f broadcastFunc) Broadcast(ctx context.Context, topic string, ev *nostr.Event) error {
	return f(ctx, topic, ev)
}
