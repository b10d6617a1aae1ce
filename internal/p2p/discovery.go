package p2p

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	dutil "github.com/libp2p/go-libp2p/p2p/discovery/util"
)

// Provider toggle environment variables.
const (
	EnvEnableDHT   = "KUKURI_ENABLE_DHT"
	EnvEnableDNS   = "KUKURI_ENABLE_DNS"
	EnvEnableLocal = "KUKURI_ENABLE_LOCAL"
)

const (
	mdnsServiceName = "kukuri-local"

	// dhtResolveBudget bounds a single DHT FindPeers pass.
	dhtResolveBudget = 5 * time.Second

	// dhtResolveLimit caps peers taken from one DHT pass.
	dhtResolveLimit = 16

	// reconnectCheckInterval is how often the monitor samples peer count.
	reconnectCheckInterval = 10 * time.Second
)

// DiscoveryConfig selects and tunes the peer discovery providers.
type DiscoveryConfig struct {
	EnableDHT   bool
	EnableDNS   bool
	EnableLocal bool

	// DNSDomain is queried for TXT records containing peer hints.
	DNSDomain string
	// DNSTTL is the cache lifetime for DNS results.
	DNSTTL time.Duration

	// Rendezvous is the DHT advertisement namespace.
	Rendezvous string

	// Bootstrap is the static provider's effective selection.
	Bootstrap BootstrapSelection

	// ReconnectGrace is how long the node tolerates zero connected peers
	// before reattempting provider resolution.
	ReconnectGrace time.Duration
	// ReconnectCeiling bounds the exponential reconnect backoff.
	ReconnectCeiling time.Duration
}

// ReconnectMetrics reports the reconnection loop's counters.
type ReconnectMetrics struct {
	Attempts  uint64 `json:"reconnect_attempts"`
	Successes uint64 `json:"reconnect_successes"`
	Failures  uint64 `json:"reconnect_failures"`
}

// Discovery multiplexes peer discovery providers: Kademlia DHT, DNS TXT,
// mDNS on the LAN, and the static bootstrap list. Each provider is
// independently toggleable. ResolvePeers merges the static, DNS and DHT
// answers; mDNS runs in the background and dials the peers it finds
// directly, so they are not part of ResolvePeers' result.
type Discovery struct {
	host   host.Host
	cfg    DiscoveryConfig
	logger *slog.Logger

	dht  *dht.IpfsDHT
	rd   *drouting.RoutingDiscovery
	mdns mdns.Service

	dnsCache *hintCache

	reconnectAttempts  atomic.Uint64
	reconnectSuccesses atomic.Uint64
	reconnectFailures  atomic.Uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDiscovery creates the discovery layer for a host. Call Start to
// launch the background providers.
func NewDiscovery(h host.Host, cfg DiscoveryConfig, logger *slog.Logger) *Discovery {
	if cfg.Rendezvous == "" {
		cfg.Rendezvous = "kukuri"
	}
	if cfg.DNSTTL <= 0 {
		cfg.DNSTTL = 5 * time.Minute
	}
	if cfg.ReconnectGrace <= 0 {
		cfg.ReconnectGrace = 30 * time.Second
	}
	if cfg.ReconnectCeiling <= 0 {
		cfg.ReconnectCeiling = 5 * time.Minute
	}
	return &Discovery{
		host:     h,
		cfg:      cfg,
		logger:   logger,
		dnsCache: newHintCache(cfg.DNSTTL, 4),
	}
}

// Start launches the DHT, mDNS, and the reconnection monitor.
func (d *Discovery) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	if d.cfg.EnableDHT {
		kad, err := dht.New(runCtx, d.host, dht.Mode(dht.ModeAuto))
		if err != nil {
			return fmt.Errorf("starting DHT: %w", err)
		}
		if err := kad.Bootstrap(runCtx); err != nil {
			return fmt.Errorf("bootstrapping DHT: %w", err)
		}
		d.dht = kad
		d.rd = drouting.NewRoutingDiscovery(kad)
		dutil.Advertise(runCtx, d.rd, d.cfg.Rendezvous)
		d.logger.Info("DHT discovery started", slog.String("rendezvous", d.cfg.Rendezvous))
	}

	if d.cfg.EnableLocal {
		svc := mdns.NewMdnsService(d.host, mdnsServiceName, &mdnsNotifee{ctx: runCtx, host: d.host, logger: d.logger})
		if err := svc.Start(); err != nil {
			return fmt.Errorf("starting mDNS: %w", err)
		}
		d.mdns = svc
		d.logger.Info("mDNS discovery started", slog.String("service", mdnsServiceName))
	}

	d.wg.Add(1)
	go d.reconnectMonitor(runCtx)

	return nil
}

// ResolvePeers merges the enabled providers' current answers. The topic,
// when given, scopes the DHT rendezvous namespace.
func (d *Discovery) ResolvePeers(ctx context.Context, topic *TopicID) ([]peer.AddrInfo, error) {
	seen := make(map[peer.ID]struct{})
	var out []peer.AddrInfo

	add := func(info peer.AddrInfo) {
		if info.ID == d.host.ID() {
			return
		}
		if _, dup := seen[info.ID]; dup {
			return
		}
		seen[info.ID] = struct{}{}
		out = append(out, info)
	}

	for _, hint := range d.cfg.Bootstrap.Hints {
		info, err := hint.AddrInfo()
		if err != nil {
			continue
		}
		add(info)
	}

	if d.cfg.EnableDNS && d.cfg.DNSDomain != "" {
		for _, hint := range d.dnsPeers(ctx) {
			info, err := hint.AddrInfo()
			if err != nil {
				continue
			}
			add(info)
		}
	}

	if d.rd != nil {
		ns := d.cfg.Rendezvous
		if topic != nil {
			ns = topic.GossipTopic()
		}
		findCtx, cancel := context.WithTimeout(ctx, dhtResolveBudget)
		peers, err := d.rd.FindPeers(findCtx, ns)
		if err != nil {
			cancel()
			d.logger.Debug("DHT FindPeers failed", slog.String("error", err.Error()))
		} else {
			found := 0
			for info := range peers {
				if len(info.Addrs) == 0 {
					continue
				}
				add(info)
				found++
				if found >= dhtResolveLimit {
					break
				}
			}
			cancel()
		}
	}

	return out, nil
}

// Advertise announces this node under a topic's rendezvous namespace.
func (d *Discovery) Advertise(ctx context.Context, topic TopicID) {
	if d.rd == nil {
		return
	}
	dutil.Advertise(ctx, d.rd, topic.GossipTopic())
}

// Metrics returns the reconnect counters.
func (d *Discovery) Metrics() ReconnectMetrics {
	return ReconnectMetrics{
		Attempts:  d.reconnectAttempts.Load(),
		Successes: d.reconnectSuccesses.Load(),
		Failures:  d.reconnectFailures.Load(),
	}
}

// Close stops the background providers.
func (d *Discovery) Close() error {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()

	if d.mdns != nil {
		if err := d.mdns.Close(); err != nil {
			d.logger.Warn("closing mDNS", slog.String("error", err.Error()))
		}
	}
	if d.dht != nil {
		if err := d.dht.Close(); err != nil {
			return fmt.Errorf("closing DHT: %w", err)
		}
	}
	return nil
}

// dnsPeers returns the cached DNS TXT hints, refreshing past the TTL.
func (d *Discovery) dnsPeers(ctx context.Context) []PeerHint {
	if hints, ok := d.dnsCache.Lookup(d.cfg.DNSDomain); ok {
		return hints
	}

	records, err := net.DefaultResolver.LookupTXT(ctx, d.cfg.DNSDomain)
	if err != nil {
		d.logger.Debug("DNS bootstrap lookup failed",
			slog.String("domain", d.cfg.DNSDomain),
			slog.String("error", err.Error()),
		)
		return nil
	}

	hints, skipped := ParsePeerHints(records)
	for _, entry := range skipped {
		d.logger.Debug("skipping malformed DNS peer record", slog.String("record", entry))
	}
	d.dnsCache.Store(d.cfg.DNSDomain, hints)
	return hints
}

// reconnectMonitor watches the connected peer count and reattempts
// provider resolution with exponential backoff once the node has been
// isolated past the grace interval.
func (d *Discovery) reconnectMonitor(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(reconnectCheckInterval)
	defer ticker.Stop()

	var zeroSince time.Time
	backoff := reconnectCheckInterval
	var nextAttempt time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if len(d.host.Network().Peers()) > 0 {
			zeroSince = time.Time{}
			backoff = reconnectCheckInterval
			continue
		}

		now := time.Now()
		if zeroSince.IsZero() {
			zeroSince = now
			continue
		}
		if now.Sub(zeroSince) < d.cfg.ReconnectGrace || now.Before(nextAttempt) {
			continue
		}

		d.reconnectAttempts.Add(1)
		connected := d.attemptReconnect(ctx)
		if connected {
			d.reconnectSuccesses.Add(1)
			zeroSince = time.Time{}
			backoff = reconnectCheckInterval
			d.logger.Info("reconnected to the mesh")
		} else {
			d.reconnectFailures.Add(1)
			backoff *= 2
			if backoff > d.cfg.ReconnectCeiling {
				backoff = d.cfg.ReconnectCeiling
			}
			nextAttempt = now.Add(backoff)
			d.logger.Warn("reconnect attempt failed",
				slog.Duration("next_backoff", backoff),
			)
		}
	}
}

func (d *Discovery) attemptReconnect(ctx context.Context) bool {
	peers, err := d.ResolvePeers(ctx, nil)
	if err != nil || len(peers) == 0 {
		return false
	}

	for _, info := range peers {
		dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := d.host.Connect(dialCtx, info)
		cancel()
		if err != nil {
			d.logger.Debug("reconnect dial failed",
				slog.String("peer", info.ID.String()),
				slog.String("error", err.Error()),
			)
		}
	}
	return len(d.host.Network().Peers()) > 0
}

// mdnsNotifee dials peers found on the local network.
type mdnsNotifee struct {
	ctx    context.Context
	host   host.Host
	logger *slog.Logger
}

func (n *mdnsNotifee) HandlePeerFound(info peer.AddrInfo) {
	if info.ID == n.host.ID() {
		return
	}
	ctx, cancel := context.WithTimeout(n.ctx, 5*time.Second)
	defer cancel()
	if err := n.host.Connect(ctx, info); err != nil {
		n.logger.Debug("mDNS peer dial failed",
			slog.String("peer", info.ID.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	n.logger.Debug("connected to mDNS peer", slog.String("peer", info.ID.String()))
}
