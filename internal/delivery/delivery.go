// Package delivery implements the hybrid distribution policy: each
// outbound event is routed through the P2P gossip path, the relay path,
// or both, selected by its delivery priority.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/kukuri-social/kukuri/internal/metrics"
)

// Priority orders outbound events by urgency.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

// String returns the lowercase priority name.
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	default:
		return "low"
	}
}

// Strategy selects which paths carry an event.
type Strategy string

const (
	StrategyParallel   Strategy = "parallel"
	StrategySequential Strategy = "sequential"
	StrategyP2POnly    Strategy = "p2p_only"
	StrategyRelayOnly  Strategy = "relay_only"
)

// Sentinel delivery errors.
var (
	// ErrTimeout marks a per-path timeout; callers treat it like a
	// transport failure.
	ErrTimeout = errors.New("delivery: path timed out")

	// ErrAllPathsFailed is returned when no path accepted the event.
	ErrAllPathsFailed = errors.New("delivery: all paths failed")
)

// Broadcaster is the P2P path.
type Broadcaster interface {
	Broadcast(ctx context.Context, topic string, ev *nostr.Event) error
}

// RelayPublisher is the relay path.
type RelayPublisher interface {
	Publish(ctx context.Context, ev *nostr.Event) error
}

// Config tunes the distributor.
type Config struct {
	P2PTimeout   time.Duration
	RelayTimeout time.Duration

	// MaxConcurrent bounds in-flight deliveries; excess calls await a
	// permit.
	MaxConcurrent int

	// Strategies maps each priority to its delivery strategy.
	Strategies map[Priority]Strategy
}

// DefaultConfig returns the default priority mapping: Critical and High
// deliver on both paths in parallel, Medium tries P2P then falls back to
// the relay, Low is P2P only.
func DefaultConfig() Config {
	return Config{
		P2PTimeout:    5 * time.Second,
		RelayTimeout:  10 * time.Second,
		MaxConcurrent: 16,
		Strategies: map[Priority]Strategy{
			PriorityCritical: StrategyParallel,
			PriorityHigh:     StrategyParallel,
			PriorityMedium:   StrategySequential,
			PriorityLow:      StrategyP2POnly,
		},
	}
}

// Result reports both path outcomes of one delivery.
type Result struct {
	Strategy Strategy
	P2PErr   error
	RelayErr error
}

// Delivered reports whether at least one attempted path succeeded.
func (r Result) Delivered() bool {
	switch r.Strategy {
	case StrategyP2POnly:
		return r.P2PErr == nil
	case StrategyRelayOnly:
		return r.RelayErr == nil
	default:
		return r.P2PErr == nil || r.RelayErr == nil
	}
}

// Distributor routes events per the configured strategy map.
type Distributor struct {
	p2p    Broadcaster
	relay  RelayPublisher
	cfg    Config
	logger *slog.Logger

	p2pOp   *metrics.Op
	relayOp *metrics.Op

	permits chan struct{}
}

// NewDistributor builds a distributor over the two paths.
func NewDistributor(p2p Broadcaster, relay RelayPublisher, cfg Config, logger *slog.Logger, mets *metrics.Set) *Distributor {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 16
	}
	if cfg.Strategies == nil {
		cfg.Strategies = DefaultConfig().Strategies
	}
	if cfg.P2PTimeout <= 0 {
		cfg.P2PTimeout = DefaultConfig().P2PTimeout
	}
	if cfg.RelayTimeout <= 0 {
		cfg.RelayTimeout = DefaultConfig().RelayTimeout
	}
	return &Distributor{
		p2p:     p2p,
		relay:   relay,
		cfg:     cfg,
		logger:  logger,
		p2pOp:   mets.Op("delivery", "p2p"),
		relayOp: mets.Op("delivery", "relay"),
		permits: make(chan struct{}, cfg.MaxConcurrent),
	}
}

// StrategyFor returns the strategy a priority maps to.
func (d *Distributor) StrategyFor(priority Priority) Strategy {
	if s, ok := d.cfg.Strategies[priority]; ok {
		return s
	}
	return StrategySequential
}

// Deliver routes the event to the given topics per the priority's
// strategy. It blocks while the concurrency cap is exhausted and honors
// caller cancellation on both paths.
func (d *Distributor) Deliver(ctx context.Context, ev *nostr.Event, topics []string, priority Priority) (Result, error) {
	select {
	case d.permits <- struct{}{}:
		defer func() { <-d.permits }()
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}

	strategy := d.StrategyFor(priority)
	result := Result{Strategy: strategy}

	switch strategy {
	case StrategyParallel:
		p2pCh := make(chan error, 1)
		relayCh := make(chan error, 1)
		go func() { p2pCh <- d.deliverP2P(ctx, ev, topics) }()
		go func() { relayCh <- d.deliverRelay(ctx, ev) }()
		result.P2PErr = <-p2pCh
		result.RelayErr = <-relayCh

	case StrategySequential:
		result.P2PErr = d.deliverP2P(ctx, ev, topics)
		if result.P2PErr != nil {
			result.RelayErr = d.deliverRelay(ctx, ev)
		}

	case StrategyP2POnly:
		result.P2PErr = d.deliverP2P(ctx, ev, topics)

	case StrategyRelayOnly:
		result.RelayErr = d.deliverRelay(ctx, ev)
	}

	if !result.Delivered() {
		d.logger.Warn("event delivery failed on all paths",
			slog.String("event_id", ev.ID),
			slog.String("strategy", string(strategy)),
		)
		return result, fmt.Errorf("%w: event %s", ErrAllPathsFailed, ev.ID)
	}
	return result, nil
}

func (d *Distributor) deliverP2P(ctx context.Context, ev *nostr.Event, topics []string) error {
	if len(topics) == 0 {
		err := errors.New("delivery: no topics resolved")
		d.p2pOp.Failure()
		return err
	}

	pathCtx, cancel := context.WithTimeout(ctx, d.cfg.P2PTimeout)
	defer cancel()

	var firstErr error
	delivered := 0
	for _, topic := range topics {
		if err := d.p2p.Broadcast(pathCtx, topic, ev); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		delivered++
	}

	if delivered == 0 {
		d.p2pOp.Failure()
		if pathCtx.Err() != nil {
			return fmt.Errorf("%w: p2p: %v", ErrTimeout, firstErr)
		}
		return firstErr
	}
	d.p2pOp.Success()
	return nil
}

func (d *Distributor) deliverRelay(ctx context.Context, ev *nostr.Event) error {
	pathCtx, cancel := context.WithTimeout(ctx, d.cfg.RelayTimeout)
	defer cancel()

	if err := d.relay.Publish(pathCtx, ev); err != nil {
		d.relayOp.Failure()
		if pathCtx.Err() != nil && ctx.Err() == nil {
			return fmt.Errorf("%w: relay: %v", ErrTimeout, err)
		}
		return err
	}
	d.relayOp.Success()
	return nil
}

// PathMetrics reports both path counters.
func (d *Distributor) PathMetrics() (p2p, relay metrics.OpSnapshot) {
	return d.p2pOp.Snapshot(), d.relayOp.Snapshot()
}
