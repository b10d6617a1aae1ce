package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/nbd-wtf/go-nostr"

	"github.com/kukuri-social/kukuri/internal/metrics"
)

func testClient(urls ...string) *Client {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewClient(urls, logger, metrics.NewSet())
}

func TestPublishWithoutRelays(t *testing.T) {
	c := testClient()

	err := c.Publish(context.Background(), &nostr.Event{ID: "ev-1"})
	if !errors.Is(err, ErrNoRelays) {
		t.Fatalf("expected ErrNoRelays, got %v", err)
	}
}

func TestSubscribeWithoutRelays(t *testing.T) {
	c := testClient()

	if _, err := c.Subscribe(context.Background(), nostr.Filters{{Kinds: []int{1}}}); !errors.Is(err, ErrNoRelays) {
		t.Fatalf("expected ErrNoRelays, got %v", err)
	}
}

func TestURLsCopied(t *testing.T) {
	c := testClient("wss://relay.example.org")

	urls := c.URLs()
	if len(urls) != 1 || urls[0] != "wss://relay.example.org" {
		t.Fatalf("unexpected urls %v", urls)
	}
	urls[0] = "mutated"
	if c.URLs()[0] != "wss://relay.example.org" {
		t.Fatal("URLs must return a copy")
	}
}

func TestConnectedCountStartsZero(t *testing.T) {
	c := testClient("wss://relay.example.org")
	if n := c.ConnectedCount(); n != 0 {
		t.Fatalf("expected 0 before Connect, got %d", n)
	}
}
