// Package p2p implements the gossip side of the kukuri core: per-topic
// meshes with duplicate suppression and local fan-out, a gossipsub
// transport over libp2p, and multiplexed peer discovery (Kademlia DHT,
// DNS, mDNS, static bootstrap).
package p2p

import (
	"crypto/sha256"
	"encoding/hex"
)

// topicHashPrefix domain-separates topic hashes from other sha256 uses.
const topicHashPrefix = "kukuri:topic:v1:"

// UserTopicPrefix prefixes the synthetic per-author topic.
const UserTopicPrefix = "user:"

// TopicID is the 32-byte gossip topic identifier, derived from the human
// topic string by sha256.
type TopicID [32]byte

// NewTopicID hashes a human topic string into its gossip identifier.
func NewTopicID(name string) TopicID {
	return TopicID(sha256.Sum256([]byte(topicHashPrefix + name)))
}

// String returns the hex form of the identifier.
func (t TopicID) String() string {
	return hex.EncodeToString(t[:])
}

// GossipTopic returns the pubsub topic name the transport subscribes to.
func (t TopicID) GossipTopic() string {
	return "/kukuri/1/topic/" + t.String()
}

// UserTopic returns the per-author topic name for a public key.
func UserTopic(pubkey string) string {
	return UserTopicPrefix + pubkey
}
