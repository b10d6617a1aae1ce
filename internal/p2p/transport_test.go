package p2p

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p"

	"github.com/kukuri-social/kukuri/internal/event"
	"github.com/kukuri-social/kukuri/internal/metrics"
)

func testTransport(t *testing.T) *Transport {
	t.Helper()

	h, err := libp2p.New(libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"))
	if err != nil {
		t.Fatalf("building host: %v", err)
	}

	tr, err := NewTransportWithHost(context.Background(), h, discardLogger(), metrics.NewSet())
	if err != nil {
		t.Fatalf("building transport: %v", err)
	}
	t.Cleanup(func() { _ = tr.Shutdown() })
	return tr
}

func testEventCodec(t *testing.T) *event.Codec {
	t.Helper()
	keys, err := event.GenerateKeys()
	if err != nil {
		t.Fatalf("generating keys: %v", err)
	}
	c := event.NewCodec()
	c.SetKeys(keys)
	return c
}

func TestJoinLeaveIdempotent(t *testing.T) {
	tr := testTransport(t)
	ctx := context.Background()

	if err := tr.JoinTopic(ctx, "topic-1", nil); err != nil {
		t.Fatalf("joining: %v", err)
	}
	if err := tr.JoinTopic(ctx, "topic-1", nil); err != nil {
		t.Fatalf("rejoining: %v", err)
	}

	joined := tr.GetJoinedTopics()
	if len(joined) != 1 || joined[0] != "topic-1" {
		t.Fatalf("expected exactly topic-1 joined, got %v", joined)
	}

	if err := tr.LeaveTopic("topic-1"); err != nil {
		t.Fatalf("leaving: %v", err)
	}
	if err := tr.LeaveTopic("topic-1"); err != nil {
		t.Fatalf("leaving twice: %v", err)
	}

	if joined := tr.GetJoinedTopics(); len(joined) != 0 {
		t.Fatalf("expected no joined topics, got %v", joined)
	}
}

func TestBroadcastUnjoinedTopic(t *testing.T) {
	tr := testTransport(t)
	codec := testEventCodec(t)
	ev, err := codec.TextNote("x")
	if err != nil {
		t.Fatalf("building event: %v", err)
	}

	if err := tr.Broadcast(context.Background(), "nope", ev); !errors.Is(err, ErrNotJoined) {
		t.Fatalf("expected ErrNotJoined, got %v", err)
	}
}

func TestBroadcastLocalRoundtrip(t *testing.T) {
	tr := testTransport(t)
	ctx := context.Background()

	if err := tr.JoinTopic(ctx, "topic-1", nil); err != nil {
		t.Fatalf("joining: %v", err)
	}
	sender := tr.Sender("topic-1")
	sub, err := tr.Subscribe("topic-1")
	if err != nil {
		t.Fatalf("subscribing: %v", err)
	}

	codec := testEventCodec(t)
	ev, err := codec.TextNote("hello")
	if err != nil {
		t.Fatalf("building event: %v", err)
	}

	if err := sender.Send(ctx, ev); err != nil {
		t.Fatalf("broadcasting: %v", err)
	}

	select {
	case got := <-sub.Receiver:
		if got.Content != "hello" {
			t.Fatalf("unexpected content %q", got.Content)
		}
		if got.ID != ev.ID {
			t.Fatalf("id mismatch: %s != %s", got.ID, ev.ID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("event did not reach local subscriber")
	}
}

func TestIngestPortOrdering(t *testing.T) {
	tr := testTransport(t)
	ctx := context.Background()

	type persisted struct {
		id    string
		topic string
	}
	persistedCh := make(chan persisted, 1)

	tr.SetIngest(func(in IncomingEvent) {
		// Persist first, then fan out, mirroring the orchestrator.
		persistedCh <- persisted{id: in.Event.ID, topic: in.Topic}
		tr.DeliverLocal(in.Topic, in.Event, in.Sender)
	})

	if err := tr.JoinTopic(ctx, "topic-1", nil); err != nil {
		t.Fatalf("joining: %v", err)
	}
	sub, err := tr.Subscribe("topic-1")
	if err != nil {
		t.Fatalf("subscribing: %v", err)
	}

	codec := testEventCodec(t)
	ev, err := codec.TextNote("hi")
	if err != nil {
		t.Fatalf("building: %v", err)
	}
	if err := tr.Broadcast(ctx, "topic-1", ev); err != nil {
		t.Fatalf("broadcasting: %v", err)
	}

	select {
	case p := <-persistedCh:
		if p.id != ev.ID || p.topic != "topic-1" {
			t.Fatalf("unexpected ingest %+v", p)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("ingest port was not invoked")
	}

	select {
	case got := <-sub.Receiver:
		if got.ID != ev.ID {
			t.Fatalf("subscriber got %s, want %s", got.ID, ev.ID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("subscriber did not receive event after ingest")
	}
}

func TestLocalPeerHint(t *testing.T) {
	tr := testTransport(t)

	hint, ok := tr.LocalPeerHint()
	if !ok {
		t.Fatal("expected a local peer hint for a tcp listener")
	}
	parsed, err := ParsePeerHint(hint.String())
	if err != nil {
		t.Fatalf("local hint does not round-trip: %v", err)
	}
	if parsed.NodeID != tr.Host().ID() {
		t.Fatal("hint node id mismatch")
	}
}
