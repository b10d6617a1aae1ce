package event

import (
	"fmt"
	"strings"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
)

// Keys holds a loaded signing identity. Secret keys are accepted either as
// 64-char hex or as a bech32 nsec string.
type Keys struct {
	secretHex string
	publicHex string
}

// ParseKeys decodes a secret key and derives the public key.
func ParseKeys(secret string) (*Keys, error) {
	secret = strings.TrimSpace(secret)

	if strings.HasPrefix(secret, "nsec1") {
		prefix, value, err := nip19.Decode(secret)
		if err != nil {
			return nil, fmt.Errorf("decoding nsec: %w", err)
		}
		if prefix != "nsec" {
			return nil, fmt.Errorf("unexpected bech32 prefix %q", prefix)
		}
		secret = value.(string)
	}

	if !isHex(secret, 64) {
		return nil, fmt.Errorf("secret key must be 64 hex chars or nsec")
	}

	pub, err := nostr.GetPublicKey(secret)
	if err != nil {
		return nil, fmt.Errorf("deriving public key: %w", err)
	}

	return &Keys{secretHex: secret, publicHex: pub}, nil
}

// GenerateKeys creates a fresh signing identity.
func GenerateKeys() (*Keys, error) {
	return ParseKeys(nostr.GeneratePrivateKey())
}

// PublicKey returns the hex public key.
func (k *Keys) PublicKey() string { return k.publicHex }

// SecretKey returns the hex secret key.
func (k *Keys) SecretKey() string { return k.secretHex }

// Npub returns the bech32 form of the public key.
func (k *Keys) Npub() (string, error) {
	return nip19.EncodePublicKey(k.publicHex)
}

// Nsec returns the bech32 form of the secret key.
func (k *Keys) Nsec() (string, error) {
	return nip19.EncodePrivateKey(k.secretHex)
}
