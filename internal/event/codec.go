package event

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nbd-wtf/go-nostr"
)

// Metadata is the kind-0 profile payload.
type Metadata struct {
	Name        string `json:"name,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	About       string `json:"about,omitempty"`
	Picture     string `json:"picture,omitempty"`
	Banner      string `json:"banner,omitempty"`
	NIP05       string `json:"nip05,omitempty"`
	Website     string `json:"website,omitempty"`
	LUD16       string `json:"lud16,omitempty"`
}

// Codec builds and signs events with a loaded identity. The zero value is
// usable but refuses to build until SetKeys is called.
type Codec struct {
	mu   sync.RWMutex
	keys *Keys
}

// NewCodec returns a codec with no signing identity.
func NewCodec() *Codec {
	return &Codec{}
}

// SetKeys installs the signing identity. Safe to call again with the same
// key; replacing the key mid-run is allowed and affects subsequent builds.
func (c *Codec) SetKeys(keys *Keys) {
	c.mu.Lock()
	c.keys = keys
	c.mu.Unlock()
}

// Keys returns the loaded identity, or nil.
func (c *Codec) Keys() *Keys {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.keys
}

// PublicKey returns the author public key, or "" when uninitialized.
func (c *Codec) PublicKey() string {
	if k := c.Keys(); k != nil {
		return k.PublicKey()
	}
	return ""
}

// Build creates, timestamps, and signs an event of the given kind. The id
// is the sha256 of the canonical serialization and the signature covers
// the id.
func (c *Codec) Build(kind int, tags nostr.Tags, content string) (*nostr.Event, error) {
	keys := c.Keys()
	if keys == nil {
		return nil, ErrNotInitialized
	}

	ev := &nostr.Event{
		CreatedAt: nostr.Now(),
		Kind:      kind,
		Tags:      tags,
		Content:   content,
	}
	if ev.Tags == nil {
		ev.Tags = nostr.Tags{}
	}
	if err := ev.Sign(keys.SecretKey()); err != nil {
		return nil, fmt.Errorf("signing kind %d event: %w", kind, err)
	}
	return ev, nil
}

// TextNote builds a kind-1 note with optional extra tags.
func (c *Codec) TextNote(content string, extra ...nostr.Tag) (*nostr.Event, error) {
	return c.Build(KindTextNote, nostr.Tags(extra), content)
}

// TopicPost builds a kind-1 note carrying t and topic tags for the given
// topic, plus reply tags when replyTo is non-empty.
func (c *Codec) TopicPost(topicID, content, replyTo string) (*nostr.Event, error) {
	tags := nostr.Tags{
		{TagHashtag, topicID},
		{TagTopic, topicID},
	}
	if replyTo != "" {
		tags = append(tags,
			nostr.Tag{TagEvent, replyTo},
			nostr.Tag{"reply", replyTo},
		)
	}
	return c.Build(KindTextNote, tags, content)
}

// Reaction builds a kind-7 event targeting the given event and author.
func (c *Codec) Reaction(targetID, targetPubkey, reaction string) (*nostr.Event, error) {
	tags := nostr.Tags{
		{TagEvent, targetID},
	}
	if targetPubkey != "" {
		tags = append(tags, nostr.Tag{TagPubkey, targetPubkey})
	}
	return c.Build(KindReaction, tags, reaction)
}

// Repost builds a kind-6 event referencing the target.
func (c *Codec) Repost(targetID, targetPubkey string) (*nostr.Event, error) {
	tags := nostr.Tags{
		{TagEvent, targetID},
	}
	if targetPubkey != "" {
		tags = append(tags, nostr.Tag{TagPubkey, targetPubkey})
	}
	return c.Build(KindRepost, tags, "")
}

// Deletion builds a kind-5 event referencing every target id. The reason,
// when present, becomes the content.
func (c *Codec) Deletion(targetIDs []string, reason string) (*nostr.Event, error) {
	if len(targetIDs) == 0 {
		return nil, fmt.Errorf("%w: deletion requires at least one target", ErrValidation)
	}
	tags := make(nostr.Tags, 0, len(targetIDs))
	for _, id := range targetIDs {
		tags = append(tags, nostr.Tag{TagEvent, id})
	}
	return c.Build(KindDeletion, tags, reason)
}

// MetadataEvent builds a kind-0 profile event.
func (c *Codec) MetadataEvent(meta Metadata) (*nostr.Event, error) {
	content, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encoding metadata: %w", err)
	}
	return c.Build(KindMetadata, nil, string(content))
}
