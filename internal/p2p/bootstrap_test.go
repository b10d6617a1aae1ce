package p2p

import (
	"crypto/rand"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testHint builds a syntactically valid NodeId@host:port string.
func testHint(t *testing.T, hostPort string) string {
	t.Helper()
	priv, _, err := libp2pcrypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	id, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		t.Fatalf("deriving peer id: %v", err)
	}
	return id.String() + "@" + hostPort
}

func TestParsePeerHint(t *testing.T) {
	raw := testHint(t, "192.0.2.10:4001")
	hint, err := ParsePeerHint(raw)
	if err != nil {
		t.Fatalf("parsing valid hint: %v", err)
	}
	if hint.Host != "192.0.2.10" || hint.Port != "4001" {
		t.Fatalf("unexpected host/port: %s:%s", hint.Host, hint.Port)
	}
	if hint.String() != raw {
		t.Fatalf("roundtrip mismatch: %s != %s", hint.String(), raw)
	}

	info, err := hint.AddrInfo()
	if err != nil {
		t.Fatalf("building addr info: %v", err)
	}
	if len(info.Addrs) != 1 {
		t.Fatalf("expected one multiaddr, got %v", info.Addrs)
	}
}

func TestParsePeerHintRejectsSocketOnly(t *testing.T) {
	if _, err := ParsePeerHint("192.0.2.10:4001"); err == nil {
		t.Fatal("expected error for entry without NodeId")
	}
	if _, err := ParsePeerHint("garbage"); err == nil {
		t.Fatal("expected error for garbage entry")
	}
}

func TestParsePeerHintDNSName(t *testing.T) {
	hint, err := ParsePeerHint(testHint(t, "boot.example.org:4001"))
	if err != nil {
		t.Fatalf("parsing dns hint: %v", err)
	}
	info, err := hint.AddrInfo()
	if err != nil {
		t.Fatalf("building addr info: %v", err)
	}
	if len(info.Addrs) != 1 {
		t.Fatalf("expected one multiaddr, got %v", info.Addrs)
	}
}

func TestSelectBootstrapPeersEnvWins(t *testing.T) {
	dataDir := t.TempDir()
	writeUserOverride(t, dataDir, []string{testHint(t, "10.0.0.2:4001")})

	t.Setenv(EnvBootstrapPeers, testHint(t, "10.0.0.1:4001"))

	sel := SelectBootstrapPeers(dataDir, "", discardLogger())
	if sel.Source != SourceEnv {
		t.Fatalf("expected env source, got %s", sel.Source)
	}
	if len(sel.Hints) != 1 || sel.Hints[0].Host != "10.0.0.1" {
		t.Fatalf("unexpected hints: %+v", sel.Hints)
	}
}

func TestSelectBootstrapPeersUserOverride(t *testing.T) {
	t.Setenv(EnvBootstrapPeers, "")
	dataDir := t.TempDir()
	writeUserOverride(t, dataDir, []string{testHint(t, "10.0.0.2:4001")})

	sel := SelectBootstrapPeers(dataDir, "", discardLogger())
	if sel.Source != SourceUser {
		t.Fatalf("expected user source, got %s", sel.Source)
	}
	if len(sel.Hints) != 1 || sel.Hints[0].Host != "10.0.0.2" {
		t.Fatalf("unexpected hints: %+v", sel.Hints)
	}
}

func TestSelectBootstrapPeersBundleProfile(t *testing.T) {
	t.Setenv(EnvBootstrapPeers, "")
	t.Setenv(EnvEnvironment, "staging")
	dataDir := t.TempDir()

	bundle := filepath.Join(t.TempDir(), "bootstrap_nodes.json")
	cfg := BootstrapConfig{
		Development: BootstrapProfile{Nodes: []string{testHint(t, "10.0.0.3:4001")}},
		Staging:     BootstrapProfile{Nodes: []string{testHint(t, "10.0.0.4:4001")}},
	}
	writeJSON(t, bundle, cfg)

	sel := SelectBootstrapPeers(dataDir, bundle, discardLogger())
	if sel.Source != SourceBundle {
		t.Fatalf("expected bundle source, got %s", sel.Source)
	}
	if len(sel.Hints) != 1 || sel.Hints[0].Host != "10.0.0.4" {
		t.Fatalf("expected staging profile, got %+v", sel.Hints)
	}
}

func TestSelectBootstrapPeersFallback(t *testing.T) {
	t.Setenv(EnvBootstrapPeers, "")
	t.Setenv(EnvEnvironment, "development")

	sel := SelectBootstrapPeers(t.TempDir(), "", discardLogger())
	if sel.Source != SourceFallback {
		t.Fatalf("expected fallback source, got %s", sel.Source)
	}

	if m := BootstrapMetrics(); m.FallbackUses == 0 || m.LastSource != string(SourceFallback) {
		t.Fatalf("fallback selection not recorded: %+v", m)
	}
}

func TestSelectBootstrapPeersSkipsInvalidEntries(t *testing.T) {
	t.Setenv(EnvBootstrapPeers, testHint(t, "10.0.0.1:4001")+",192.0.2.1:4001")

	sel := SelectBootstrapPeers(t.TempDir(), "", discardLogger())
	if len(sel.Hints) != 1 {
		t.Fatalf("expected one valid hint, got %d", len(sel.Hints))
	}
	if len(sel.Skipped) != 1 {
		t.Fatalf("expected one skipped entry, got %v", sel.Skipped)
	}
}

func TestValidateBootstrapConfig(t *testing.T) {
	t.Setenv(EnvEnvironment, "development")
	bundle := filepath.Join(t.TempDir(), "bootstrap_nodes.json")
	cfg := BootstrapConfig{
		Development: BootstrapProfile{Nodes: []string{
			testHint(t, "10.0.0.1:4001"),
			"192.0.2.1:4001",
			"???",
		}},
	}
	writeJSON(t, bundle, cfg)

	withID, socketOnly, invalid, err := ValidateBootstrapConfig(bundle)
	if err != nil {
		t.Fatalf("validating: %v", err)
	}
	if withID != 1 || socketOnly != 1 || invalid != 1 {
		t.Fatalf("unexpected counts: withID=%d socketOnly=%d invalid=%d", withID, socketOnly, invalid)
	}
}

func TestTopicIDDeterministic(t *testing.T) {
	a, b := NewTopicID("topic-1"), NewTopicID("topic-1")
	if a != b {
		t.Fatal("topic derivation must be deterministic")
	}
	if NewTopicID("topic-2") == a {
		t.Fatal("distinct topics must not collide")
	}
	if len(a.String()) != 64 {
		t.Fatalf("expected 32-byte hex id, got %q", a.String())
	}
}

func writeUserOverride(t *testing.T, dataDir string, nodes []string) {
	t.Helper()
	writeJSON(t, filepath.Join(dataDir, userBootstrapFile), userBootstrapOverride{Nodes: nodes})
}

func writeJSON(t *testing.T, path string, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshaling %T: %v", v, err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
}
