package p2p

import (
	"fmt"
	"net"
	"strings"

	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
)

// PeerHint is the textual contact form for a node: NodeId@host:port where
// NodeId is the transport public key in its canonical textual form.
type PeerHint struct {
	NodeID peer.ID
	Host   string
	Port   string
}

// ParsePeerHint parses NodeId@host:port. Entries without the NodeId@
// prefix are rejected; callers log and skip them.
func ParsePeerHint(s string) (PeerHint, error) {
	s = strings.TrimSpace(s)
	idPart, addrPart, ok := strings.Cut(s, "@")
	if !ok {
		return PeerHint{}, fmt.Errorf("peer hint %q lacks NodeId@ prefix", s)
	}

	id, err := peer.Decode(idPart)
	if err != nil {
		return PeerHint{}, fmt.Errorf("peer hint %q has invalid node id: %w", s, err)
	}

	host, port, err := net.SplitHostPort(addrPart)
	if err != nil {
		return PeerHint{}, fmt.Errorf("peer hint %q has invalid address: %w", s, err)
	}

	return PeerHint{NodeID: id, Host: host, Port: port}, nil
}

// String renders the hint back to NodeId@host:port.
func (h PeerHint) String() string {
	return h.NodeID.String() + "@" + net.JoinHostPort(h.Host, h.Port)
}

// AddrInfo converts the hint into a dialable libp2p address. Hostnames
// become dns4 multiaddrs resolved at connect time.
func (h PeerHint) AddrInfo() (peer.AddrInfo, error) {
	var addr ma.Multiaddr
	var err error

	if ip := net.ParseIP(h.Host); ip != nil {
		proto := "ip4"
		if ip.To4() == nil {
			proto = "ip6"
		}
		addr, err = ma.NewMultiaddr(fmt.Sprintf("/%s/%s/tcp/%s", proto, h.Host, h.Port))
	} else {
		addr, err = ma.NewMultiaddr(fmt.Sprintf("/dns4/%s/tcp/%s", h.Host, h.Port))
	}
	if err != nil {
		return peer.AddrInfo{}, fmt.Errorf("building multiaddr for %s: %w", h, err)
	}

	return peer.AddrInfo{ID: h.NodeID, Addrs: []ma.Multiaddr{addr}}, nil
}

// ParsePeerHints parses a list of hint strings, returning the valid hints
// and the entries that were skipped.
func ParsePeerHints(entries []string) (hints []PeerHint, skipped []string) {
	for _, entry := range entries {
		if strings.TrimSpace(entry) == "" {
			continue
		}
		hint, err := ParsePeerHint(entry)
		if err != nil {
			skipped = append(skipped, entry)
			continue
		}
		hints = append(hints, hint)
	}
	return hints, skipped
}
