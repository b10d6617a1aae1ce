package p2p

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Environment variables steering bootstrap selection.
const (
	EnvBootstrapPeers = "KUKURI_BOOTSTRAP_PEERS"
	EnvEnvironment    = "KUKURI_ENV"
	EnvEnvironmentAlt = "ENVIRONMENT"
)

// userBootstrapFile is the per-user override under the data directory.
const userBootstrapFile = "bootstrap_nodes.json"

// BootstrapSource identifies which source supplied the effective
// bootstrap list.
type BootstrapSource string

const (
	SourceEnv      BootstrapSource = "env"
	SourceUser     BootstrapSource = "user"
	SourceBundle   BootstrapSource = "bundle"
	SourceFallback BootstrapSource = "fallback"
)

// builtinFallbackNodes is the last-resort bootstrap list compiled into
// the binary.
var builtinFallbackNodes []string

// BootstrapProfile is one environment's node list in the bundled config.
type BootstrapProfile struct {
	Description string   `json:"description"`
	Nodes       []string `json:"nodes"`
}

// BootstrapConfig is the bundled bootstrap_nodes.json schema with one
// profile per deploy environment.
type BootstrapConfig struct {
	Development BootstrapProfile `json:"development"`
	Staging     BootstrapProfile `json:"staging"`
	Production  BootstrapProfile `json:"production"`
}

// userBootstrapOverride is the schema of the per-user override file.
type userBootstrapOverride struct {
	Nodes []string `json:"nodes"`
}

// BootstrapSelection is the outcome of the source-priority algorithm.
type BootstrapSelection struct {
	Source BootstrapSource
	Hints  []PeerHint
	// Skipped lists entries rejected for lacking a NodeId@ prefix or
	// failing to parse.
	Skipped []string
}

// BootstrapMetricsSnapshot reports selection usage counters.
type BootstrapMetricsSnapshot struct {
	EnvUses       uint64 `json:"env_uses"`
	UserUses      uint64 `json:"user_uses"`
	BundleUses    uint64 `json:"bundle_uses"`
	FallbackUses  uint64 `json:"fallback_uses"`
	LastSource    string `json:"last_source"`
	LastAppliedMS int64  `json:"last_applied_ms"`
}

// bootstrapMetrics tracks which source was effective across runs of the
// selection algorithm.
type bootstrapMetrics struct {
	env      atomic.Uint64
	user     atomic.Uint64
	bundle   atomic.Uint64
	fallback atomic.Uint64

	mu         sync.Mutex
	lastSource BootstrapSource
	lastMS     int64
}

var selectionMetrics bootstrapMetrics

func (m *bootstrapMetrics) record(source BootstrapSource) {
	switch source {
	case SourceEnv:
		m.env.Add(1)
	case SourceUser:
		m.user.Add(1)
	case SourceBundle:
		m.bundle.Add(1)
	case SourceFallback:
		m.fallback.Add(1)
	}
	m.mu.Lock()
	m.lastSource = source
	m.lastMS = time.Now().UnixMilli()
	m.mu.Unlock()
}

// BootstrapMetrics returns the selection counters.
func BootstrapMetrics() BootstrapMetricsSnapshot {
	m := &selectionMetrics
	m.mu.Lock()
	last, ms := m.lastSource, m.lastMS
	m.mu.Unlock()
	return BootstrapMetricsSnapshot{
		EnvUses:       m.env.Load(),
		UserUses:      m.user.Load(),
		BundleUses:    m.bundle.Load(),
		FallbackUses:  m.fallback.Load(),
		LastSource:    string(last),
		LastAppliedMS: ms,
	}
}

// CurrentEnvironment returns the active deploy environment, defaulting
// to development.
func CurrentEnvironment() string {
	if env := os.Getenv(EnvEnvironment); env != "" {
		return env
	}
	if env := os.Getenv(EnvEnvironmentAlt); env != "" {
		return env
	}
	return "development"
}

// ProfileNodes returns the node list for an environment name, accepting
// the usual short aliases. Unknown environments fall back to development
// with a warning from the caller.
func (c *BootstrapConfig) ProfileNodes(environment string) ([]string, bool) {
	switch strings.ToLower(environment) {
	case "development", "dev":
		return c.Development.Nodes, true
	case "staging", "stage":
		return c.Staging.Nodes, true
	case "production", "prod":
		return c.Production.Nodes, true
	default:
		return c.Development.Nodes, false
	}
}

// LoadBootstrapConfig parses the bundled bootstrap_nodes.json.
func LoadBootstrapConfig(path string) (*BootstrapConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading bootstrap config %q: %w", path, err)
	}
	var cfg BootstrapConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing bootstrap config %q: %w", path, err)
	}
	return &cfg, nil
}

// SelectBootstrapPeers runs the source-priority algorithm: environment
// override, then the user override file in dataDir, then the bundled
// config profile for the current environment, then the built-in
// fallback. The first source yielding a non-empty raw list wins, even if
// every entry in it is later skipped as invalid.
func SelectBootstrapPeers(dataDir, bundlePath string, logger *slog.Logger) BootstrapSelection {
	env := CurrentEnvironment()

	if raw := os.Getenv(EnvBootstrapPeers); strings.TrimSpace(raw) != "" {
		entries := strings.Split(raw, ",")
		return finishSelection(SourceEnv, entries, logger)
	}

	if entries, ok := loadUserOverride(dataDir, logger); ok {
		return finishSelection(SourceUser, entries, logger)
	}

	if bundlePath != "" {
		if cfg, err := LoadBootstrapConfig(bundlePath); err == nil {
			nodes, known := cfg.ProfileNodes(env)
			if !known {
				logger.Warn("unknown bootstrap environment, using development profile",
					slog.String("environment", env),
				)
			}
			if len(nodes) > 0 {
				return finishSelection(SourceBundle, nodes, logger)
			}
		} else if !os.IsNotExist(err) {
			logger.Warn("bundled bootstrap config unreadable",
				slog.String("path", bundlePath),
				slog.String("error", err.Error()),
			)
		}
	}

	return finishSelection(SourceFallback, builtinFallbackNodes, logger)
}

func loadUserOverride(dataDir string, logger *slog.Logger) ([]string, bool) {
	if dataDir == "" {
		return nil, false
	}
	path := filepath.Join(dataDir, userBootstrapFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("user bootstrap override unreadable",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
		}
		return nil, false
	}

	var override userBootstrapOverride
	if err := json.Unmarshal(data, &override); err != nil {
		logger.Warn("user bootstrap override malformed",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return nil, false
	}
	if len(override.Nodes) == 0 {
		return nil, false
	}
	return override.Nodes, true
}

func finishSelection(source BootstrapSource, entries []string, logger *slog.Logger) BootstrapSelection {
	hints, skipped := ParsePeerHints(entries)
	for _, entry := range skipped {
		logger.Warn("skipping bootstrap entry without NodeId@host:port form",
			slog.String("entry", entry),
		)
	}

	selectionMetrics.record(source)
	logger.Info("bootstrap peers selected",
		slog.String("source", string(source)),
		slog.Int("count", len(hints)),
		slog.Int("skipped", len(skipped)),
	)
	return BootstrapSelection{Source: source, Hints: hints, Skipped: skipped}
}

// ValidateBootstrapConfig counts entry shapes in the bundled config for
// the current environment: full NodeId@host:port entries, socket-only
// entries, and unparseable ones.
func ValidateBootstrapConfig(bundlePath string) (withID, socketOnly, invalid int, err error) {
	cfg, err := LoadBootstrapConfig(bundlePath)
	if err != nil {
		return 0, 0, 0, err
	}
	nodes, _ := cfg.ProfileNodes(CurrentEnvironment())
	for _, node := range nodes {
		if _, hintErr := ParsePeerHint(node); hintErr == nil {
			withID++
			continue
		}
		if _, _, splitErr := net.SplitHostPort(node); splitErr == nil {
			socketOnly++
			continue
		}
		invalid++
	}
	return withID, socketOnly, invalid, nil
}
