// Package event implements the signed event schema used across the kukuri
// core: building and signing events, structural parsing, cryptographic
// verification, and kind-specific validation. Events are Nostr events
// (NIP-01 canonical serialization, schnorr signatures over the sha256 of
// the canonical form); the package wraps nbd-wtf/go-nostr rather than
// reimplementing the wire format.
package event

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nbd-wtf/go-nostr"
)

// Event kinds recognized by the core.
const (
	KindMetadata       = 0
	KindTextNote       = 1
	KindDeletion       = 5
	KindRepost         = 6
	KindReaction       = 7
	KindTopicPost      = 30078
	KindNodeDescriptor = 39000
	KindTopicService   = 39001
)

// Tag names with core-level meaning.
const (
	TagEvent      = "e"
	TagPubkey     = "p"
	TagHashtag    = "t"
	TagTopic      = "topic"
	TagIdentifier = "d"
)

// Sentinel errors. Callers match with errors.Is; the wrapped message
// carries the detail.
var (
	// ErrNotInitialized is returned when an operation requires a loaded
	// signing key and none has been set.
	ErrNotInitialized = errors.New("event: signing key not loaded")

	// ErrInvalidEncoding marks a structural parse failure. Fatal to the
	// event, never retried.
	ErrInvalidEncoding = errors.New("event: invalid encoding")

	// ErrInvalidSignature marks a failed hash or signature check. Fatal
	// to the event, never retried.
	ErrInvalidSignature = errors.New("event: invalid signature")

	// ErrValidation marks a domain-level tag or content rule violation.
	ErrValidation = errors.New("event: validation failed")
)

// Parse decodes a gossip or relay frame into a verified-shape event.
// Structural validation runs before any cryptographic work so malformed
// frames are rejected cheaply; the returned event has NOT had its
// signature checked yet.
func Parse(data []byte) (*nostr.Event, error) {
	var ev nostr.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
	}
	if err := checkShape(&ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// checkShape validates field widths and tag structure.
func checkShape(ev *nostr.Event) error {
	if !isHex(ev.ID, 64) {
		return fmt.Errorf("%w: id must be 64 hex chars", ErrInvalidEncoding)
	}
	if !isHex(ev.PubKey, 64) {
		return fmt.Errorf("%w: pubkey must be 64 hex chars", ErrInvalidEncoding)
	}
	if !isHex(ev.Sig, 128) {
		return fmt.Errorf("%w: sig must be 128 hex chars", ErrInvalidEncoding)
	}
	if ev.Kind < 0 || ev.Kind > 65535 {
		return fmt.Errorf("%w: kind %d out of range", ErrInvalidEncoding, ev.Kind)
	}
	for i, tag := range ev.Tags {
		if len(tag) == 0 {
			return fmt.Errorf("%w: tag %d is empty", ErrInvalidEncoding, i)
		}
	}
	return nil
}

// Verify recomputes the canonical hash and checks the schnorr signature.
// Both must hold for the event to be accepted.
func Verify(ev *nostr.Event) error {
	if ev.GetID() != ev.ID {
		return fmt.Errorf("%w: id does not match canonical hash", ErrInvalidSignature)
	}
	ok, err := ev.CheckSignature()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if !ok {
		return ErrInvalidSignature
	}
	return nil
}

// ParseVerified combines Parse and Verify for transport ingress.
func ParseVerified(data []byte) (*nostr.Event, error) {
	ev, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if err := Verify(ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// Serialize renders the event as the UTF-8 JSON gossip frame.
func Serialize(ev *nostr.Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("serializing event %s: %w", ev.ID, err)
	}
	return data, nil
}

// ReferencedEventIDs returns the event ids named by e-tags, in tag order.
func ReferencedEventIDs(ev *nostr.Event) []string {
	var ids []string
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == TagEvent {
			ids = append(ids, tag[1])
		}
	}
	return ids
}

// TopicIDs returns the topic identifiers carried by t-tags and topic-tags,
// deduplicated in first-seen order.
func TopicIDs(ev *nostr.Event) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, tag := range ev.Tags {
		if len(tag) < 2 {
			continue
		}
		if tag[0] != TagHashtag && tag[0] != TagTopic {
			continue
		}
		if _, dup := seen[tag[1]]; dup {
			continue
		}
		seen[tag[1]] = struct{}{}
		out = append(out, tag[1])
	}
	return out
}

func isHex(s string, width int) bool {
	if len(s) != width {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
