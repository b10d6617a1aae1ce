package p2p

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/nbd-wtf/go-nostr"

	"github.com/kukuri-social/kukuri/internal/event"
	"github.com/kukuri-social/kukuri/internal/metrics"
)

// joinBufferSize bounds broadcasts buffered while a topic join is in
// flight; overflow surfaces as ErrBackpressure.
const joinBufferSize = 16

// inboundQueueSize bounds the channel between the gossip read loops and
// the ingest dispatcher.
const inboundQueueSize = 256

// Sentinel transport errors.
var (
	ErrNotJoined        = errors.New("p2p: topic not joined")
	ErrBackpressure     = errors.New("p2p: join buffer full")
	ErrTransportFailure = errors.New("p2p: transport send failed")
)

// topicState is the per-topic join lifecycle.
type topicState int

const (
	stateUnjoined topicState = iota
	stateJoining
	stateJoined
	stateLeaving
)

// IncomingEvent is the envelope delivered from the transport to the
// ingest port for each verified inbound event.
type IncomingEvent struct {
	Topic  string
	Event  *nostr.Event
	Sender string
}

// IngestFunc consumes verified inbound events. Implementations persist
// the event and then call Transport.DeliverLocal to fan out to local
// subscribers, preserving the persist-before-deliver ordering.
type IngestFunc func(IncomingEvent)

type joinedTopic struct {
	name   string
	id     TopicID
	state  topicState
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	mesh   *Mesh
	buffer []*nostr.Event
	cancel context.CancelFunc
}

// Transport is the gossip transport: an authenticated libp2p host running
// gossipsub, with per-topic join state and verification at ingress.
// Frames are the UTF-8 JSON serialization of a signed event; gossipsub
// message signing with the node identity authenticates the hop.
type Transport struct {
	host   host.Host
	ps     *pubsub.PubSub
	logger *slog.Logger

	joinOp     *metrics.Op
	leaveOp    *metrics.Op
	broadcast  *metrics.Op
	receive    *metrics.Op
	invalidEnc *metrics.Op
	invalidSig *metrics.Op

	mu     sync.RWMutex
	topics map[string]*joinedTopic

	handlerMu sync.RWMutex
	ingest    IngestFunc

	inbound chan inboundFrame

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type inboundFrame struct {
	jt     *joinedTopic
	ev     *nostr.Event
	sender string
}

// NewTransport builds a libp2p host with the given identity and starts
// gossipsub on it.
func NewTransport(ctx context.Context, identity libp2pcrypto.PrivKey, listenAddrs []string, logger *slog.Logger, mets *metrics.Set) (*Transport, error) {
	h, err := libp2p.New(
		libp2p.Identity(identity),
		libp2p.ListenAddrStrings(listenAddrs...),
	)
	if err != nil {
		return nil, fmt.Errorf("building libp2p host: %w", err)
	}
	t, err := NewTransportWithHost(ctx, h, logger, mets)
	if err != nil {
		_ = h.Close()
		return nil, err
	}
	return t, nil
}

// NewTransportWithHost starts gossipsub on an existing host. The caller
// retains ownership of the host's identity; Shutdown closes the host.
func NewTransportWithHost(ctx context.Context, h host.Host, logger *slog.Logger, mets *metrics.Set) (*Transport, error) {
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		return nil, fmt.Errorf("starting gossipsub: %w", err)
	}

	tctx, cancel := context.WithCancel(ctx)
	t := &Transport{
		host:       h,
		ps:         ps,
		logger:     logger,
		joinOp:     mets.Op("gossip", "join"),
		leaveOp:    mets.Op("gossip", "leave"),
		broadcast:  mets.Op("gossip", "broadcast"),
		receive:    mets.Op("gossip", "receive"),
		invalidEnc: mets.Op("gossip", "invalid_encoding"),
		invalidSig: mets.Op("gossip", "invalid_signature"),
		topics:     make(map[string]*joinedTopic),
		inbound:    make(chan inboundFrame, inboundQueueSize),
		ctx:        tctx,
		cancel:     cancel,
	}

	t.wg.Add(1)
	go t.dispatchLoop()

	return t, nil
}

// Host exposes the underlying libp2p host for discovery wiring.
func (t *Transport) Host() host.Host { return t.host }

// SetIngest installs the ingest port. Events received before a port is
// installed are fanned out to mesh subscribers directly.
func (t *Transport) SetIngest(fn IngestFunc) {
	t.handlerMu.Lock()
	t.ingest = fn
	t.handlerMu.Unlock()
}

// JoinTopic subscribes the node to a topic's gossip mesh. Joining is
// idempotent: a second call is a no-op. Broadcasts issued while the join
// is in flight are buffered (bounded) and flushed once joined. Use
// Sender for a per-topic publish handle.
func (t *Transport) JoinTopic(ctx context.Context, topicName string, initialPeers []PeerHint) error {
	t.mu.Lock()
	if jt, ok := t.topics[topicName]; ok && jt.state != stateLeaving {
		t.mu.Unlock()
		return nil
	}

	jt := &joinedTopic{
		name:  topicName,
		id:    NewTopicID(topicName),
		state: stateJoining,
		mesh:  NewMesh(topicName),
	}
	t.topics[topicName] = jt
	t.mu.Unlock()

	t.connectHints(ctx, jt, initialPeers)

	topic, err := t.ps.Join(jt.id.GossipTopic())
	if err != nil {
		t.dropTopic(topicName)
		t.joinOp.Failure()
		return fmt.Errorf("joining topic %s: %w", topicName, err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		_ = topic.Close()
		t.dropTopic(topicName)
		t.joinOp.Failure()
		return fmt.Errorf("subscribing to topic %s: %w", topicName, err)
	}

	readCtx, readCancel := context.WithCancel(t.ctx)

	t.mu.Lock()
	jt.topic = topic
	jt.sub = sub
	jt.cancel = readCancel
	jt.state = stateJoined
	pending := jt.buffer
	jt.buffer = nil
	t.mu.Unlock()

	t.wg.Add(1)
	go t.readLoop(readCtx, jt)

	for _, ev := range pending {
		if err := t.publish(ctx, jt, ev); err != nil {
			t.logger.Warn("flushing buffered broadcast failed",
				slog.String("topic", topicName),
				slog.String("event_id", ev.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	t.joinOp.Success()
	t.logger.Info("joined gossip topic",
		slog.String("topic", topicName),
		slog.Int("initial_peers", len(initialPeers)),
	)
	return nil
}

// Sender returns a publish handle for a topic. The handle reports
// ErrNotJoined from Send when the topic is not joined.
func (t *Transport) Sender(topicName string) *TopicSender {
	return &TopicSender{t: t, topic: topicName}
}

// LeaveTopic unsubscribes from a topic. Leaving an unjoined topic is a
// no-op.
func (t *Transport) LeaveTopic(topicName string) error {
	t.mu.Lock()
	jt, ok := t.topics[topicName]
	if !ok {
		t.mu.Unlock()
		return nil
	}
	jt.state = stateLeaving
	t.mu.Unlock()

	if jt.cancel != nil {
		jt.cancel()
	}
	if jt.sub != nil {
		jt.sub.Cancel()
	}
	if jt.topic != nil {
		if err := jt.topic.Close(); err != nil {
			t.leaveOp.Failure()
			t.dropTopic(topicName)
			return fmt.Errorf("closing topic %s: %w", topicName, err)
		}
	}

	jt.mesh.closeAllSubscribers()
	t.dropTopic(topicName)
	t.leaveOp.Success()
	t.logger.Info("left gossip topic", slog.String("topic", topicName))
	return nil
}

// Broadcast publishes a signed event to a joined topic. During a join it
// is buffered up to the join buffer bound.
func (t *Transport) Broadcast(ctx context.Context, topicName string, ev *nostr.Event) error {
	t.mu.Lock()
	jt, ok := t.topics[topicName]
	if !ok || jt.state == stateLeaving {
		t.mu.Unlock()
		t.broadcast.Failure()
		return fmt.Errorf("%w: %s", ErrNotJoined, topicName)
	}
	if jt.state == stateJoining {
		if len(jt.buffer) >= joinBufferSize {
			t.mu.Unlock()
			t.broadcast.Failure()
			return fmt.Errorf("%w: topic %s", ErrBackpressure, topicName)
		}
		jt.buffer = append(jt.buffer, ev)
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	return t.publish(ctx, jt, ev)
}

func (t *Transport) publish(ctx context.Context, jt *joinedTopic, ev *nostr.Event) error {
	data, err := event.Serialize(ev)
	if err != nil {
		t.broadcast.Failure()
		return err
	}
	if err := jt.topic.Publish(ctx, data); err != nil {
		t.broadcast.Failure()
		return fmt.Errorf("%w: publishing to %s: %v", ErrTransportFailure, jt.name, err)
	}
	t.broadcast.Success()
	return nil
}

// JoinPeers merges peer hints into the routing state of a joined topic
// and dials them.
func (t *Transport) JoinPeers(ctx context.Context, topicName string, hints ...PeerHint) error {
	t.mu.RLock()
	jt, ok := t.topics[topicName]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotJoined, topicName)
	}
	t.connectHints(ctx, jt, hints)
	return nil
}

// GetJoinedTopics lists the currently joined (or joining) topics.
func (t *Transport) GetJoinedTopics() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.topics))
	for name, jt := range t.topics {
		if jt.state == stateJoining || jt.state == stateJoined {
			out = append(out, name)
		}
	}
	return out
}

// Mesh returns the mesh state for a joined topic.
func (t *Transport) Mesh(topicName string) (*Mesh, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	jt, ok := t.topics[topicName]
	if !ok {
		return nil, false
	}
	return jt.mesh, true
}

// Subscribe installs a local subscriber channel on a joined topic.
func (t *Transport) Subscribe(topicName string) (Subscription, error) {
	mesh, ok := t.Mesh(topicName)
	if !ok {
		return Subscription{}, fmt.Errorf("%w: %s", ErrNotJoined, topicName)
	}
	return mesh.Subscribe(), nil
}

// DeliverLocal inserts a verified event into the topic mesh, fanning it
// out to local subscribers. Returns false for duplicates.
func (t *Transport) DeliverLocal(topicName string, ev *nostr.Event, sender string) bool {
	mesh, ok := t.Mesh(topicName)
	if !ok {
		return false
	}
	return mesh.HandleMessage(ev, sender)
}

// LocalPeerHint returns the hint a remote peer can use to contact this
// node, when a concrete listen address is known.
func (t *Transport) LocalPeerHint() (PeerHint, bool) {
	for _, addr := range t.host.Addrs() {
		ip, err := addr.ValueForProtocol(ma.P_IP4)
		if err != nil {
			continue
		}
		port, err := addr.ValueForProtocol(ma.P_TCP)
		if err != nil {
			continue
		}
		return PeerHint{NodeID: t.host.ID(), Host: ip, Port: port}, true
	}
	return PeerHint{}, false
}

// ConnectedPeerCount reports the number of live connections on the host.
func (t *Transport) ConnectedPeerCount() int {
	return len(t.host.Network().Peers())
}

// Shutdown stops the read loops, leaves every topic, and closes the host.
func (t *Transport) Shutdown() error {
	t.mu.RLock()
	names := make([]string, 0, len(t.topics))
	for name := range t.topics {
		names = append(names, name)
	}
	t.mu.RUnlock()

	for _, name := range names {
		if err := t.LeaveTopic(name); err != nil {
			t.logger.Warn("leaving topic during shutdown",
				slog.String("topic", name),
				slog.String("error", err.Error()),
			)
		}
	}

	t.cancel()
	t.wg.Wait()
	return t.host.Close()
}

func (t *Transport) dropTopic(topicName string) {
	t.mu.Lock()
	delete(t.topics, topicName)
	t.mu.Unlock()
}

func (t *Transport) connectHints(ctx context.Context, jt *joinedTopic, hints []PeerHint) {
	for _, hint := range hints {
		info, err := hint.AddrInfo()
		if err != nil {
			t.logger.Warn("skipping undialable peer hint",
				slog.String("hint", hint.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		if err := t.host.Connect(ctx, info); err != nil {
			t.logger.Debug("peer dial failed",
				slog.String("peer", hint.NodeID.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		jt.mesh.UpdatePeer(hint.NodeID.String(), true)
	}
}

// readLoop pulls frames off the gossipsub subscription, verifies them,
// and hands them to the dispatcher. Verification happens before any mesh
// insertion so invalid frames never reach subscribers.
func (t *Transport) readLoop(ctx context.Context, jt *joinedTopic) {
	defer t.wg.Done()

	for {
		msg, err := jt.sub.Next(ctx)
		if err != nil {
			if ctx.Err() == nil {
				t.logger.Warn("gossip subscription ended",
					slog.String("topic", jt.name),
					slog.String("error", err.Error()),
				)
			}
			return
		}

		ev, err := event.Parse(msg.Data)
		if err != nil {
			t.invalidEnc.Failure()
			continue
		}
		if err := event.Verify(ev); err != nil {
			t.invalidSig.Failure()
			t.logger.Debug("dropping event with bad signature",
				slog.String("topic", jt.name),
				slog.String("event_id", ev.ID),
			)
			continue
		}
		if jt.mesh.IsDuplicate(ev.ID) {
			continue
		}

		t.receive.Success()
		frame := inboundFrame{jt: jt, ev: ev, sender: senderID(msg)}
		select {
		case t.inbound <- frame:
		case <-ctx.Done():
			return
		}
	}
}

// dispatchLoop is the single consumer of the inbound channel. It invokes
// the ingest port when installed, otherwise delivers straight to the
// mesh.
func (t *Transport) dispatchLoop() {
	defer t.wg.Done()

	for {
		select {
		case frame := <-t.inbound:
			t.handlerMu.RLock()
			ingest := t.ingest
			t.handlerMu.RUnlock()

			if ingest != nil {
				ingest(IncomingEvent{Topic: frame.jt.name, Event: frame.ev, Sender: frame.sender})
			} else {
				frame.jt.mesh.HandleMessage(frame.ev, frame.sender)
			}
		case <-t.ctx.Done():
			return
		}
	}
}

func senderID(msg *pubsub.Message) string {
	if msg.ReceivedFrom == "" {
		return ""
	}
	return msg.ReceivedFrom.String()
}

// TopicSender is the per-topic handle returned by Transport.Sender.
// JoinTopic itself returns only an error, not a handle.
type TopicSender struct {
	t     *Transport
	topic string
}

// Topic returns the topic this sender publishes to.
func (s *TopicSender) Topic() string { return s.topic }

// Send broadcasts an event on the sender's topic.
func (s *TopicSender) Send(ctx context.Context, ev *nostr.Event) error {
	return s.t.Broadcast(ctx, s.topic, ev)
}
