// Package orchestrator is the public façade of the kukuri core. It owns
// the signing codec, the default topic registry, and references to the
// transport, distributor, stores, and offline queue, and exposes the
// authoring, subscription, and ingest operations higher layers call.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/kukuri-social/kukuri/internal/delivery"
	"github.com/kukuri-social/kukuri/internal/event"
	"github.com/kukuri-social/kukuri/internal/metrics"
	"github.com/kukuri-social/kukuri/internal/offline"
	"github.com/kukuri-social/kukuri/internal/p2p"
	"github.com/kukuri-social/kukuri/internal/relay"
	"github.com/kukuri-social/kukuri/internal/store"
)

// EnvAllowNoRelay authorizes treating relay publication as satisfied when
// no relay is connected.
const EnvAllowNoRelay = "KUKURI_ALLOW_NO_RELAY"

// shutdownGrace is how long Shutdown waits for subscribers to drain.
const shutdownGrace = 2 * time.Second

// ErrNotInitialized is returned for operations attempted before a
// signing key is loaded.
var ErrNotInitialized = errors.New("orchestrator: not initialized")

// TransportPort is the gossip surface the orchestrator drives.
type TransportPort interface {
	JoinTopic(ctx context.Context, topic string, peers []p2p.PeerHint) error
	LeaveTopic(topic string) error
	Subscribe(topic string) (p2p.Subscription, error)
	DeliverLocal(topic string, ev *nostr.Event, sender string) bool
	SetIngest(fn p2p.IngestFunc)
	GetJoinedTopics() []string
}

// Deliverer is the hybrid distribution surface.
type Deliverer interface {
	Deliver(ctx context.Context, ev *nostr.Event, topics []string, priority delivery.Priority) (delivery.Result, error)
}

// Handler consumes an accepted inbound event.
type Handler func(ev *nostr.Event)

// Subscription is a logical topic or user subscription handed to higher
// layers.
type Subscription struct {
	ID       uint64
	Topic    string
	Receiver <-chan *nostr.Event
}

// Options wires the orchestrator's collaborators.
type Options struct {
	Store        store.EventStore
	Transport    TransportPort
	Distributor  Deliverer
	OfflineQueue *offline.Queue // optional
	DefaultTopic string
	Logger       *slog.Logger
	Metrics      *metrics.Set
}

// Orchestrator is the sole public entry point of the event core.
type Orchestrator struct {
	codec     *event.Codec
	store     store.EventStore
	transport TransportPort
	dist      Deliverer
	queue     *offline.Queue
	logger    *slog.Logger

	initialized atomic.Bool
	closed      atomic.Bool

	topicsMu      sync.RWMutex
	defaultTopics map[string]struct{}

	handlersMu       sync.RWMutex
	handlers         map[int][]Handler
	bootstrapHandler Handler

	subsMu sync.Mutex
	subs   []Subscription

	incomingOp *metrics.Op
	publishOps map[string]*metrics.Op
}

// New builds the orchestrator. Call InitializeWithKey before authoring
// and Start to begin ingesting.
func New(opts Options) *Orchestrator {
	o := &Orchestrator{
		codec:         event.NewCodec(),
		store:         opts.Store,
		transport:     opts.Transport,
		dist:          opts.Distributor,
		queue:         opts.OfflineQueue,
		logger:        opts.Logger,
		defaultTopics: make(map[string]struct{}),
		handlers:      make(map[int][]Handler),
		incomingOp:    opts.Metrics.Op("gateway", "incoming"),
		publishOps: map[string]*metrics.Op{
			"publish_text":    opts.Metrics.Op("gateway", "publish_text"),
			"publish_topic":   opts.Metrics.Op("gateway", "publish_topic"),
			"send_reaction":   opts.Metrics.Op("gateway", "send_reaction"),
			"update_metadata": opts.Metrics.Op("gateway", "update_metadata"),
			"delete_events":   opts.Metrics.Op("gateway", "delete_events"),
			"publish_repost":  opts.Metrics.Op("gateway", "publish_repost"),
			"publish_event":   opts.Metrics.Op("gateway", "publish_event"),
		},
	}
	if opts.DefaultTopic != "" {
		o.defaultTopics[opts.DefaultTopic] = struct{}{}
	}
	return o
}

// InitializeWithKey loads the signing identity. Calling again with the
// same key is a no-op; a new key replaces the old one.
func (o *Orchestrator) InitializeWithKey(secret string) error {
	keys, err := event.ParseKeys(secret)
	if err != nil {
		return fmt.Errorf("loading signing key: %w", err)
	}
	if current := o.codec.Keys(); current != nil && current.PublicKey() == keys.PublicKey() {
		return nil
	}
	o.codec.SetKeys(keys)
	o.initialized.Store(true)
	o.logger.Info("orchestrator initialized", slog.String("pubkey", keys.PublicKey()))
	return nil
}

// PublicKey returns the author public key, or "" before initialization.
func (o *Orchestrator) PublicKey() string {
	return o.codec.PublicKey()
}

// Start wires the transport ingest port and joins the default topics and
// the author's user topic.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.ensureInitialized(); err != nil {
		return err
	}

	o.transport.SetIngest(func(in p2p.IncomingEvent) {
		if o.closed.Load() {
			return
		}
		if err := o.HandleIncoming(ctx, in.Topic, in.Event, in.Sender); err != nil {
			o.logger.Warn("incoming event rejected",
				slog.String("event_id", in.Event.ID),
				slog.String("error", err.Error()),
			)
		}
	})

	for _, topic := range o.broadcastTopics(nil) {
		if err := o.transport.JoinTopic(ctx, topic, nil); err != nil {
			return fmt.Errorf("joining default topic %s: %w", topic, err)
		}
	}
	return nil
}

// --- default topic registry -------------------------------------------------

// AddDefaultTopic adds a topic to the default broadcast set.
func (o *Orchestrator) AddDefaultTopic(topic string) {
	o.topicsMu.Lock()
	o.defaultTopics[topic] = struct{}{}
	o.topicsMu.Unlock()
}

// RemoveDefaultTopic removes a topic from the default broadcast set.
func (o *Orchestrator) RemoveDefaultTopic(topic string) {
	o.topicsMu.Lock()
	delete(o.defaultTopics, topic)
	o.topicsMu.Unlock()
}

// SetDefaultTopics replaces the default broadcast set.
func (o *Orchestrator) SetDefaultTopics(topics []string) {
	o.topicsMu.Lock()
	o.defaultTopics = make(map[string]struct{}, len(topics))
	for _, t := range topics {
		o.defaultTopics[t] = struct{}{}
	}
	o.topicsMu.Unlock()
}

// ListDefaultTopics returns the default broadcast set, sorted.
func (o *Orchestrator) ListDefaultTopics() []string {
	o.topicsMu.RLock()
	defer o.topicsMu.RUnlock()
	out := make([]string, 0, len(o.defaultTopics))
	for t := range o.defaultTopics {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// broadcastTopics returns the default set plus the author's user topic,
// or the explicit set when given.
func (o *Orchestrator) broadcastTopics(explicit []string) []string {
	if len(explicit) > 0 {
		return explicit
	}
	topics := o.ListDefaultTopics()
	if pk := o.PublicKey(); pk != "" {
		topics = append(topics, p2p.UserTopic(pk))
	}
	return topics
}

// --- authoring --------------------------------------------------------------

// PublishTextNote signs and distributes a kind-1 note on the default
// topic set plus the author's user topic.
func (o *Orchestrator) PublishTextNote(ctx context.Context, content string) (string, error) {
	op := o.publishOps["publish_text"]
	ev, err := o.buildAndPersist(ctx, func() (*nostr.Event, error) {
		return o.codec.TextNote(content)
	})
	if err != nil {
		op.Failure()
		return "", err
	}

	err = o.deliver(ctx, ev, o.broadcastTopics(nil), delivery.PriorityHigh)
	op.Record(err)
	if err != nil {
		return ev.ID, err
	}
	return ev.ID, nil
}

// PublishTopicPost signs and distributes a topic post to exactly its
// topic, recording the event-topic link.
func (o *Orchestrator) PublishTopicPost(ctx context.Context, topicID, content, replyTo string) (string, error) {
	op := o.publishOps["publish_topic"]
	ev, err := o.buildAndPersist(ctx, func() (*nostr.Event, error) {
		return o.codec.TopicPost(topicID, content, replyTo)
	})
	if err != nil {
		op.Failure()
		return "", err
	}

	if err := o.store.RecordEventTopic(ctx, ev.ID, topicID); err != nil {
		o.logger.Warn("recording event topic link failed",
			slog.String("event_id", ev.ID),
			slog.String("topic", topicID),
			slog.String("error", err.Error()),
		)
	}

	if err := o.transport.JoinTopic(ctx, topicID, nil); err != nil {
		o.logger.Debug("joining topic before broadcast failed",
			slog.String("topic", topicID),
			slog.String("error", err.Error()),
		)
	}

	err = o.deliver(ctx, ev, []string{topicID}, delivery.PriorityHigh)
	op.Record(err)
	if err != nil {
		return ev.ID, err
	}
	return ev.ID, nil
}

// SendReaction signs and distributes a kind-7 reaction, routed to the
// target's persisted topics.
func (o *Orchestrator) SendReaction(ctx context.Context, targetID, reaction string) (string, error) {
	op := o.publishOps["send_reaction"]

	targetPubkey := ""
	if target, err := o.store.GetEvent(ctx, targetID); err == nil && target != nil {
		targetPubkey = target.PubKey
	}

	ev, err := o.buildAndPersist(ctx, func() (*nostr.Event, error) {
		return o.codec.Reaction(targetID, targetPubkey, reaction)
	})
	if err != nil {
		op.Failure()
		return "", err
	}

	topics := o.topicsForTargets(ctx, targetID)
	err = o.deliver(ctx, ev, topics, delivery.PriorityMedium)
	op.Record(err)
	if err != nil {
		return ev.ID, err
	}
	return ev.ID, nil
}

// PublishRepost signs and distributes a kind-6 repost, routed like a
// reaction.
func (o *Orchestrator) PublishRepost(ctx context.Context, targetID string) (string, error) {
	op := o.publishOps["publish_repost"]

	targetPubkey := ""
	if target, err := o.store.GetEvent(ctx, targetID); err == nil && target != nil {
		targetPubkey = target.PubKey
	}

	ev, err := o.buildAndPersist(ctx, func() (*nostr.Event, error) {
		return o.codec.Repost(targetID, targetPubkey)
	})
	if err != nil {
		op.Failure()
		return "", err
	}

	topics := o.topicsForTargets(ctx, targetID)
	err = o.deliver(ctx, ev, topics, delivery.PriorityMedium)
	op.Record(err)
	if err != nil {
		return ev.ID, err
	}
	return ev.ID, nil
}

// DeleteEvents signs and distributes a kind-5 deletion referencing the
// target ids, routed to the union of their topics, and flags the targets
// deleted locally.
func (o *Orchestrator) DeleteEvents(ctx context.Context, targetIDs []string, reason string) (string, error) {
	op := o.publishOps["delete_events"]
	if len(targetIDs) == 0 {
		op.Failure()
		return "", fmt.Errorf("%w: no target ids", event.ErrValidation)
	}

	ev, err := o.buildAndPersist(ctx, func() (*nostr.Event, error) {
		return o.codec.Deletion(targetIDs, reason)
	})
	if err != nil {
		op.Failure()
		return "", err
	}

	for _, id := range targetIDs {
		if err := o.store.MarkDeleted(ctx, id); err != nil {
			o.logger.Warn("marking target deleted failed",
				slog.String("event_id", id),
				slog.String("error", err.Error()),
			)
		}
	}

	topics := o.topicsForTargets(ctx, targetIDs...)
	err = o.deliver(ctx, ev, topics, delivery.PriorityHigh)
	op.Record(err)
	if err != nil {
		return ev.ID, err
	}
	return ev.ID, nil
}

// UpdateMetadata signs and distributes a kind-0 profile update.
func (o *Orchestrator) UpdateMetadata(ctx context.Context, meta event.Metadata) (string, error) {
	op := o.publishOps["update_metadata"]
	ev, err := o.buildAndPersist(ctx, func() (*nostr.Event, error) {
		return o.codec.MetadataEvent(meta)
	})
	if err != nil {
		op.Failure()
		return "", err
	}

	err = o.deliver(ctx, ev, o.broadcastTopics(nil), delivery.PriorityMedium)
	op.Record(err)
	if err != nil {
		return ev.ID, err
	}
	return ev.ID, nil
}

// PublishEvent distributes an already-signed event to the topics named by
// its t tags, or to the default topic set plus the author's user topic
// when it has none.
func (o *Orchestrator) PublishEvent(ctx context.Context, ev *nostr.Event) (string, error) {
	op := o.publishOps["publish_event"]
	if err := o.ensureInitialized(); err != nil {
		op.Failure()
		return "", err
	}
	if err := event.Verify(ev); err != nil {
		op.Failure()
		return "", err
	}
	if err := o.store.PersistEvent(ctx, ev); err != nil {
		op.Failure()
		return "", err
	}

	err := o.deliver(ctx, ev, o.broadcastTopics(event.TopicIDs(ev)), delivery.PriorityMedium)
	op.Record(err)
	if err != nil {
		return ev.ID, err
	}
	return ev.ID, nil
}

// --- ingest -----------------------------------------------------------------

// RegisterHandler installs a callback for one event kind.
func (o *Orchestrator) RegisterHandler(kind int, handler Handler) {
	o.handlersMu.Lock()
	o.handlers[kind] = append(o.handlers[kind], handler)
	o.handlersMu.Unlock()
}

// SetBootstrapHandler installs the consumer for node-descriptor and
// topic-service events.
func (o *Orchestrator) SetBootstrapHandler(handler Handler) {
	o.handlersMu.Lock()
	o.bootstrapHandler = handler
	o.handlersMu.Unlock()
}

// HandleIncoming processes one verified inbound event: persist, link
// topics, dispatch kind handlers, then fan out to local subscribers.
// Duplicate suppression happened at transport ingress, so the event is
// assumed unique here; re-persisting is still harmless.
func (o *Orchestrator) HandleIncoming(ctx context.Context, topic string, ev *nostr.Event, sender string) error {
	if err := event.Verify(ev); err != nil {
		o.incomingOp.Failure()
		return err
	}

	if err := o.store.PersistEvent(ctx, ev); err != nil {
		o.incomingOp.Failure()
		return err
	}

	linked := map[string]struct{}{}
	if topic != "" {
		linked[topic] = struct{}{}
	}
	for _, t := range event.TopicIDs(ev) {
		linked[t] = struct{}{}
	}
	for t := range linked {
		if err := o.store.RecordEventTopic(ctx, ev.ID, t); err != nil {
			o.logger.Warn("linking incoming event to topic failed",
				slog.String("event_id", ev.ID),
				slog.String("topic", t),
				slog.String("error", err.Error()),
			)
		}
	}

	switch ev.Kind {
	case event.KindDeletion:
		for _, id := range event.ReferencedEventIDs(ev) {
			if err := o.store.MarkDeleted(ctx, id); err != nil {
				o.logger.Warn("applying deletion failed",
					slog.String("event_id", id),
					slog.String("error", err.Error()),
				)
			}
		}
	case event.KindNodeDescriptor, event.KindTopicService:
		o.handlersMu.RLock()
		bootstrap := o.bootstrapHandler
		o.handlersMu.RUnlock()
		if bootstrap != nil {
			bootstrap(ev)
		}
	}

	o.dispatchHandlers(ev)

	if topic != "" {
		o.transport.DeliverLocal(topic, ev, sender)
	}

	o.incomingOp.Success()
	return nil
}

func (o *Orchestrator) dispatchHandlers(ev *nostr.Event) {
	switch ev.Kind {
	case event.KindTextNote, event.KindMetadata, event.KindReaction, event.KindRepost:
	default:
		return
	}
	o.handlersMu.RLock()
	handlers := append([]Handler(nil), o.handlers[ev.Kind]...)
	o.handlersMu.RUnlock()
	for _, handler := range handlers {
		handler(ev)
	}
}

// --- subscriptions ----------------------------------------------------------

// SubscribeToTopic joins the topic and returns a local subscription over
// its mesh. The since parameter is recorded for relay-side backfill by
// the caller.
func (o *Orchestrator) SubscribeToTopic(ctx context.Context, topicID string, since *time.Time) (Subscription, error) {
	if err := o.ensureInitialized(); err != nil {
		return Subscription{}, err
	}

	if err := o.transport.JoinTopic(ctx, topicID, nil); err != nil {
		return Subscription{}, err
	}
	meshSub, err := o.transport.Subscribe(topicID)
	if err != nil {
		return Subscription{}, err
	}

	sub := Subscription{ID: meshSub.ID, Topic: topicID, Receiver: meshSub.Receiver}
	o.subsMu.Lock()
	o.subs = append(o.subs, sub)
	o.subsMu.Unlock()

	attrs := []any{slog.String("topic", topicID)}
	if since != nil {
		attrs = append(attrs, slog.Time("since", *since))
	}
	o.logger.Info("subscribed to topic", attrs...)
	return sub, nil
}

// SubscribeToUser subscribes to an author's user topic.
func (o *Orchestrator) SubscribeToUser(ctx context.Context, pubkey string, since *time.Time) (Subscription, error) {
	return o.SubscribeToTopic(ctx, p2p.UserTopic(pubkey), since)
}

// UnsubscribeFromTopic leaves a topic's gossip mesh and drops the
// logical subscriptions recorded for it.
func (o *Orchestrator) UnsubscribeFromTopic(topicID string) error {
	o.subsMu.Lock()
	kept := o.subs[:0]
	for _, sub := range o.subs {
		if sub.Topic != topicID {
			kept = append(kept, sub)
		}
	}
	o.subs = kept
	o.subsMu.Unlock()

	return o.transport.LeaveTopic(topicID)
}

// Subscriptions lists the logical subscriptions registered so far.
func (o *Orchestrator) Subscriptions() []Subscription {
	o.subsMu.Lock()
	defer o.subsMu.Unlock()
	return append([]Subscription(nil), o.subs...)
}

// --- internals --------------------------------------------------------------

func (o *Orchestrator) ensureInitialized() error {
	if !o.initialized.Load() {
		return ErrNotInitialized
	}
	return nil
}

// buildAndPersist signs an event and persists it before any network
// dispatch.
func (o *Orchestrator) buildAndPersist(ctx context.Context, build func() (*nostr.Event, error)) (*nostr.Event, error) {
	if err := o.ensureInitialized(); err != nil {
		return nil, err
	}
	ev, err := build()
	if err != nil {
		return nil, err
	}
	if err := o.store.PersistEvent(ctx, ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// topicsForTargets resolves the union of persisted topics across target
// events, falling back to the default set plus the user topic.
func (o *Orchestrator) topicsForTargets(ctx context.Context, targetIDs ...string) []string {
	union := map[string]struct{}{}
	for _, id := range targetIDs {
		topics, err := o.store.ListTopicsForEvent(ctx, id)
		if err != nil {
			o.logger.Debug("resolving topics for target failed",
				slog.String("event_id", id),
				slog.String("error", err.Error()),
			)
			continue
		}
		for _, t := range topics {
			union[t] = struct{}{}
		}
	}
	if len(union) == 0 {
		return o.broadcastTopics(nil)
	}
	out := make([]string, 0, len(union))
	for t := range union {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// deliver routes the event through the distributor, applying the
// relay-absent fallback and recording failed deliveries in the offline
// queue.
func (o *Orchestrator) deliver(ctx context.Context, ev *nostr.Event, topics []string, priority delivery.Priority) error {
	result, err := o.dist.Deliver(ctx, ev, topics, priority)

	// The fallback forgives only the missing relay: the P2P path must
	// have succeeded (or not been attempted, as under RelayOnly) for the
	// delivery to count.
	if err != nil && o.allowNoRelay() && errors.Is(result.RelayErr, relay.ErrNoRelays) && result.P2PErr == nil {
		o.logger.Warn("relay publication skipped (no relays connected)",
			slog.String("event_id", ev.ID),
		)
		result.RelayErr = nil
		err = nil
	}

	if err != nil {
		o.enqueueOffline(ctx, ev)
		return err
	}

	if result.RelayErr == nil && result.Strategy != delivery.StrategyP2POnly {
		if markErr := o.store.MarkSynced(ctx, ev.ID); markErr != nil {
			o.logger.Debug("marking event synced failed",
				slog.String("event_id", ev.ID),
				slog.String("error", markErr.Error()),
			)
		}
	}
	return nil
}

// enqueueOffline records the event for later sync after a full delivery
// failure.
func (o *Orchestrator) enqueueOffline(ctx context.Context, ev *nostr.Event) {
	if o.queue == nil {
		return
	}
	payload, err := event.Serialize(ev)
	if err != nil {
		o.logger.Warn("serializing event for offline queue failed",
			slog.String("event_id", ev.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	localID, action, err := o.queue.SaveAction(ctx, offline.ActionDraft{
		AuthorPubkey: ev.PubKey,
		ActionType:   "publish_event",
		TargetID:     ev.ID,
		Payload:      payload,
	})
	if err != nil {
		o.logger.Warn("recording offline action failed",
			slog.String("event_id", ev.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	if _, err := o.queue.EnqueueIfMissing(ctx, *action); err != nil {
		o.logger.Warn("enqueueing offline action failed",
			slog.String("local_id", localID),
			slog.String("error", err.Error()),
		)
	}
	o.logger.Info("event queued for offline sync",
		slog.String("event_id", ev.ID),
		slog.String("local_id", localID),
	)
}

func (o *Orchestrator) allowNoRelay() bool {
	return os.Getenv(EnvAllowNoRelay) == "1"
}

// Shutdown stops intake, drains subscribers for the grace interval, and
// triggers a final offline reindex snapshot. Transport and store
// shutdown is sequenced by the caller that owns them.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	if !o.closed.CompareAndSwap(false, true) {
		return
	}
	o.transport.SetIngest(nil)

	select {
	case <-time.After(shutdownGrace):
	case <-ctx.Done():
	}

	if o.queue != nil {
		job := offline.NewReindexJob(o.queue, nil, o.logger)
		if _, err := job.ReindexOnce(ctx); err != nil {
			o.logger.Warn("final offline reindex failed", slog.String("error", err.Error()))
		}
	}
	o.logger.Info("orchestrator stopped")
}
