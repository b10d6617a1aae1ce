package p2p

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
)

// nodeKeyFile is the name of the persisted transport identity under the
// application data directory.
const nodeKeyFile = "p2p_node_secret.key"

// LoadOrCreateNodeKey returns the node's transport identity, reading the
// persisted 32-byte seed (base64) from dataDir or generating and storing
// a fresh one on first run. An unreadable or corrupt file is regenerated
// with a warning rather than failing startup.
func LoadOrCreateNodeKey(dataDir string, logger *slog.Logger) (libp2pcrypto.PrivKey, error) {
	path := filepath.Join(dataDir, nodeKeyFile)

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		seed, decodeErr := decodeNodeKey(data)
		if decodeErr == nil {
			logger.Info("loaded persisted node key", slog.String("path", path))
			return seedToPrivKey(seed)
		}
		logger.Warn("persisted node key unreadable, regenerating",
			slog.String("path", path),
			slog.String("error", decodeErr.Error()),
		)
	case os.IsNotExist(err):
		// First run.
	default:
		logger.Warn("failed to read node key, regenerating",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
	}

	return generateNodeKey(path, logger)
}

func decodeNodeKey(data []byte) ([]byte, error) {
	seed, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("decoding base64: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed is %d bytes, want %d", len(seed), ed25519.SeedSize)
	}
	return seed, nil
}

func generateNodeKey(path string, logger *slog.Logger) (libp2pcrypto.PrivKey, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("generating node key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(seed)
	if err := os.WriteFile(path, []byte(encoded), 0o600); err != nil {
		return nil, fmt.Errorf("persisting node key: %w", err)
	}

	logger.Info("generated new node key", slog.String("path", path))
	return seedToPrivKey(seed)
}

func seedToPrivKey(seed []byte) (libp2pcrypto.PrivKey, error) {
	priv := ed25519.NewKeyFromSeed(seed)
	key, err := libp2pcrypto.UnmarshalEd25519PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("building libp2p identity: %w", err)
	}
	return key, nil
}
