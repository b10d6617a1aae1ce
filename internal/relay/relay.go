// Package relay maintains connections to Nostr relays and provides the
// relay publication path of the hybrid distributor plus filter-based
// subscriptions for higher layers.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nbd-wtf/go-nostr"

	"github.com/kukuri-social/kukuri/internal/metrics"
)

// ErrNoRelays is returned when publication is attempted with no relay
// connected. The orchestrator may treat it as satisfied when the
// relay-absent fallback is authorized.
var ErrNoRelays = errors.New("relay: no relays connected")

// Client manages a set of relay connections. Publication succeeds when at
// least one relay accepts the event.
type Client struct {
	logger    *slog.Logger
	publishOp *metrics.Op

	mu     sync.RWMutex
	urls   []string
	relays map[string]*nostr.Relay
}

// NewClient builds a client for the configured relay URLs. Call Connect
// to dial them.
func NewClient(urls []string, logger *slog.Logger, mets *metrics.Set) *Client {
	return &Client{
		logger:    logger,
		publishOp: mets.Op("relay", "publish"),
		urls:      append([]string(nil), urls...),
		relays:    make(map[string]*nostr.Relay),
	}
}

// Connect dials every configured relay. Individual failures are logged
// and tolerated; the client operates with whatever subset connected.
func (c *Client) Connect(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, url := range c.urls {
		if _, connected := c.relays[url]; connected {
			continue
		}
		relay, err := nostr.RelayConnect(ctx, url)
		if err != nil {
			c.logger.Warn("relay connection failed",
				slog.String("url", url),
				slog.String("error", err.Error()),
			)
			continue
		}
		c.relays[url] = relay
		c.logger.Info("relay connected", slog.String("url", url))
	}
}

// AddRelay registers and dials one relay URL.
func (c *Client) AddRelay(ctx context.Context, url string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, connected := c.relays[url]; connected {
		return nil
	}
	relay, err := nostr.RelayConnect(ctx, url)
	if err != nil {
		return fmt.Errorf("connecting to relay %s: %w", url, err)
	}
	c.relays[url] = relay

	for _, existing := range c.urls {
		if existing == url {
			return nil
		}
	}
	c.urls = append(c.urls, url)
	return nil
}

// Publish sends the event to every connected relay. It succeeds when at
// least one relay accepts; with none connected it returns ErrNoRelays.
func (c *Client) Publish(ctx context.Context, ev *nostr.Event) error {
	c.mu.RLock()
	relays := make(map[string]*nostr.Relay, len(c.relays))
	for url, relay := range c.relays {
		relays[url] = relay
	}
	c.mu.RUnlock()

	if len(relays) == 0 {
		c.publishOp.Failure()
		return ErrNoRelays
	}

	var (
		accepted int
		lastErr  error
	)
	for url, relay := range relays {
		if err := relay.Publish(ctx, *ev); err != nil {
			lastErr = err
			c.logger.Debug("relay publish failed",
				slog.String("url", url),
				slog.String("event_id", ev.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		accepted++
	}

	if accepted == 0 {
		c.publishOp.Failure()
		return fmt.Errorf("publishing %s: all relays rejected: %w", ev.ID, lastErr)
	}
	c.publishOp.Success()
	return nil
}

// Subscribe opens the filter on every connected relay and merges the
// resulting events into one channel. The channel closes when ctx ends.
func (c *Client) Subscribe(ctx context.Context, filters nostr.Filters) (<-chan *nostr.Event, error) {
	c.mu.RLock()
	relays := make([]*nostr.Relay, 0, len(c.relays))
	for _, relay := range c.relays {
		relays = append(relays, relay)
	}
	c.mu.RUnlock()

	if len(relays) == 0 {
		return nil, ErrNoRelays
	}

	out := make(chan *nostr.Event)
	var wg sync.WaitGroup

	for _, relay := range relays {
		sub, err := relay.Subscribe(ctx, filters)
		if err != nil {
			c.logger.Warn("relay subscribe failed",
				slog.String("url", relay.URL),
				slog.String("error", err.Error()),
			)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case ev, ok := <-sub.Events:
					if !ok {
						return
					}
					select {
					case out <- ev:
					case <-ctx.Done():
						return
					}
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	go func() {
		wg.Wait()
		close(out)
	}()
	return out, nil
}

// ConnectedCount returns the number of live relay connections.
func (c *Client) ConnectedCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.relays)
}

// URLs lists the configured relay URLs.
func (c *Client) URLs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.urls...)
}

// Close disconnects every relay.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for url, relay := range c.relays {
		if err := relay.Close(); err != nil {
			c.logger.Debug("relay close failed",
				slog.String("url", url),
				slog.String("error", err.Error()),
			)
		}
		delete(c.relays, url)
	}
}
