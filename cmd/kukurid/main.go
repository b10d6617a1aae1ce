// Package main is the CLI entrypoint for the kukuri node daemon. It
// provides subcommands for running the node (serve), managing database
// migrations (migrate), validating the bootstrap configuration
// (check-bootstrap), and printing version information (version). The
// serve command loads configuration, connects to PostgreSQL and
// (optionally) redis, runs pending migrations, brings up the gossip
// transport with discovery, connects the configured relays, and handles
// graceful shutdown on SIGINT/SIGTERM.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nbd-wtf/go-nostr"

	"github.com/kukuri-social/kukuri/internal/config"
	"github.com/kukuri-social/kukuri/internal/delivery"
	"github.com/kukuri-social/kukuri/internal/event"
	"github.com/kukuri-social/kukuri/internal/metrics"
	"github.com/kukuri-social/kukuri/internal/offline"
	"github.com/kukuri-social/kukuri/internal/orchestrator"
	"github.com/kukuri-social/kukuri/internal/p2p"
	"github.com/kukuri-social/kukuri/internal/relay"
	"github.com/kukuri-social/kukuri/internal/store"
)

// Build-time variables set via ldflags.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		if err := runServe(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	case "migrate":
		if err := runMigrate(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	case "check-bootstrap":
		if err := runCheckBootstrap(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	case "version":
		runVersion()
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// printUsage prints the CLI usage information.
func printUsage() {
	fmt.Println("kukurid — kukuri event distribution node")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  kukurid <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve            Start the node")
	fmt.Println("  migrate          Run database migrations (up, down, status)")
	fmt.Println("  check-bootstrap  Validate the bootstrap node configuration")
	fmt.Println("  version          Print version information")
	fmt.Println("  help             Show this help message")
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println("  Config file:  kukuri.toml (or set KUKURI_CONFIG_PATH)")
	fmt.Println("  Env prefix:   KUKURI_ (e.g. KUKURI_DATABASE_URL)")
}

// runServe starts the full node: storage, offline queue, transport,
// discovery, relays, and the orchestrator façade.
func runServe() error {
	logger := setupLogger("info", "json")

	logger.Info("starting kukurid",
		slog.String("version", version),
		slog.String("commit", commit),
	)

	cfgPath := configPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger = setupLogger(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("configuration loaded", slog.String("path", cfgPath))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mets := metrics.NewSet()

	// Connect to database and run migrations.
	db, err := store.New(ctx, cfg.Database.URL, cfg.Database.MaxConnections, logger)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	if err := store.MigrateUp(cfg.Database.URL, logger); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	eventStore := store.NewPostgresEventStore(db.Pool)
	persistence := offline.NewPostgresPersistence(db.Pool)

	// Optional redis hot index for cache metadata.
	queueOpts := []offline.QueueOption{offline.WithMaxRetries(cfg.Offline.MaxRetries)}
	if cfg.Cache.Enabled {
		index, err := offline.NewCacheIndex(ctx, cfg.Cache.URL)
		if err != nil {
			logger.Warn("cache index unavailable", slog.String("error", err.Error()))
		} else {
			defer index.Close()
			queueOpts = append(queueOpts, offline.WithCacheIndex(index))
			logger.Info("cache index ready", slog.String("url", cfg.Cache.URL))
		}
	}
	queue := offline.NewQueue(persistence, logger, queueOpts...)

	// Node transport identity, persisted under the data directory.
	nodeKey, err := p2p.LoadOrCreateNodeKey(cfg.Node.DataDir, logger)
	if err != nil {
		return fmt.Errorf("loading node key: %w", err)
	}

	transport, err := p2p.NewTransport(ctx, nodeKey, cfg.P2P.ListenAddrs, logger, mets)
	if err != nil {
		return fmt.Errorf("starting transport: %w", err)
	}

	// Peer discovery: static bootstrap selection plus the toggled
	// providers.
	selection := p2p.SelectBootstrapPeers(cfg.Node.DataDir, cfg.P2P.BootstrapFile, logger)
	dnsTTL, _ := cfg.P2P.DNSTTLParsed()
	discovery := p2p.NewDiscovery(transport.Host(), p2p.DiscoveryConfig{
		EnableDHT:   cfg.P2P.EnableDHT,
		EnableDNS:   cfg.P2P.EnableDNS,
		EnableLocal: cfg.P2P.EnableLocal,
		DNSDomain:   cfg.P2P.DNSDomain,
		DNSTTL:      dnsTTL,
		Bootstrap:   selection,
	}, logger)
	if err := discovery.Start(ctx); err != nil {
		return fmt.Errorf("starting discovery: %w", err)
	}

	// Relay connections (best effort).
	relays := relay.NewClient(cfg.Relay.URLs, logger, mets)
	relays.Connect(ctx)

	// Hybrid distributor over the two delivery paths.
	p2pTimeout, _ := cfg.Delivery.P2PTimeoutParsed()
	relayTimeout, _ := cfg.Delivery.RelayTimeoutParsed()
	dist := delivery.NewDistributor(transport, relays, delivery.Config{
		P2PTimeout:    p2pTimeout,
		RelayTimeout:  relayTimeout,
		MaxConcurrent: cfg.Delivery.MaxConcurrent,
	}, logger, mets)

	orch := orchestrator.New(orchestrator.Options{
		Store:        eventStore,
		Transport:    transport,
		Distributor:  dist,
		OfflineQueue: queue,
		DefaultTopic: cfg.Node.DefaultTopic,
		Logger:       logger,
		Metrics:      mets,
	})

	// Node signing identity, persisted next to the transport key.
	secret, err := loadOrCreateSigningKey(cfg.Node.DataDir, logger)
	if err != nil {
		return fmt.Errorf("loading signing key: %w", err)
	}
	if err := orch.InitializeWithKey(secret); err != nil {
		return fmt.Errorf("initializing orchestrator: %w", err)
	}
	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("starting orchestrator: %w", err)
	}

	// Replay queued offline actions through the distributor.
	queue.SetPublishFunc(func(ctx context.Context, action offline.Action) (string, error) {
		var ev nostr.Event
		if err := json.Unmarshal(action.Payload, &ev); err != nil {
			return "", fmt.Errorf("decoding queued event: %w", err)
		}
		if _, err := orch.PublishEvent(ctx, &ev); err != nil {
			return "", err
		}
		return ev.ID, nil
	})

	// Periodic offline reindex.
	reindex := offline.NewReindexJob(queue, nil, logger)
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				reindex.Trigger(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()

	// Metrics and health endpoint.
	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		metricsSrv = startMetricsServer(cfg.Metrics.Listen, mets, db, transport, discovery, queue, logger)
	}

	if hint, ok := transport.LocalPeerHint(); ok {
		logger.Info("node ready",
			slog.String("peer_hint", hint.String()),
			slog.String("pubkey", orch.PublicKey()),
		)
	}

	// Graceful shutdown handler.
	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-shutdownCh
	logger.Info("shutdown signal received", slog.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	orch.Shutdown(shutdownCtx)
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics server shutdown error", slog.String("error", err.Error()))
		}
	}
	if err := discovery.Close(); err != nil {
		logger.Error("discovery shutdown error", slog.String("error", err.Error()))
	}
	if err := transport.Shutdown(); err != nil {
		logger.Error("transport shutdown error", slog.String("error", err.Error()))
	}
	relays.Close()

	logger.Info("kukurid stopped")
	return nil
}

// startMetricsServer serves /metrics, /healthz, and /statusz on the
// configured listener.
func startMetricsServer(listen string, mets *metrics.Set, db *store.DB, transport *p2p.Transport, discovery *p2p.Discovery, queue *offline.Queue, logger *slog.Logger) *http.Server {
	r := chi.NewRouter()
	r.Handle("/metrics", mets.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if err := db.HealthCheck(req.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/statusz", func(w http.ResponseWriter, req *http.Request) {
		status := map[string]any{
			"joined_topics":   transport.GetJoinedTopics(),
			"connected_peers": transport.ConnectedPeerCount(),
			"bootstrap":       p2p.BootstrapMetrics(),
			"reconnect":       discovery.Metrics(),
			"offline":         queue.Metrics(),
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(status)
	})

	srv := &http.Server{Addr: listen, Handler: r}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", slog.String("error", err.Error()))
		}
	}()
	logger.Info("metrics server listening", slog.String("addr", listen))
	return srv
}

// loadOrCreateSigningKey reads the persisted author secret key or
// generates one on first run.
func loadOrCreateSigningKey(dataDir string, logger *slog.Logger) (string, error) {
	path := filepath.Join(dataDir, "signing_key")
	data, err := os.ReadFile(path)
	if err == nil {
		return strings.TrimSpace(string(data)), nil
	}
	if !os.IsNotExist(err) {
		return "", fmt.Errorf("reading signing key: %w", err)
	}

	keys, err := event.GenerateKeys()
	if err != nil {
		return "", fmt.Errorf("generating signing key: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return "", fmt.Errorf("creating data dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(keys.SecretKey()), 0o600); err != nil {
		return "", fmt.Errorf("persisting signing key: %w", err)
	}
	logger.Info("generated new signing key", slog.String("path", path))
	return keys.SecretKey(), nil
}

// runMigrate handles the migrate subcommand with up/down/status actions.
func runMigrate() error {
	logger := setupLogger("info", "text")

	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	action := "up"
	if len(os.Args) >= 3 {
		action = os.Args[2]
	}

	switch action {
	case "up":
		return store.MigrateUp(cfg.Database.URL, logger)
	case "down":
		return store.MigrateDown(cfg.Database.URL, logger)
	case "status":
		v, dirty, err := store.MigrateStatus(cfg.Database.URL)
		if err != nil {
			return err
		}
		fmt.Printf("Migration version: %d\n", v)
		fmt.Printf("Dirty: %v\n", dirty)
		return nil
	default:
		return fmt.Errorf("unknown migrate action: %s (use: up, down, status)", action)
	}
}

// runCheckBootstrap validates the bundled bootstrap configuration for the
// current environment.
func runCheckBootstrap() error {
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	withID, socketOnly, invalid, err := p2p.ValidateBootstrapConfig(cfg.P2P.BootstrapFile)
	if err != nil {
		return err
	}
	fmt.Printf("Environment: %s\n", p2p.CurrentEnvironment())
	fmt.Printf("  NodeId@host:port entries: %d\n", withID)
	fmt.Printf("  socket-only entries:      %d (skipped at runtime)\n", socketOnly)
	fmt.Printf("  invalid entries:          %d\n", invalid)
	if invalid > 0 {
		return fmt.Errorf("bootstrap config contains %d invalid entries", invalid)
	}
	return nil
}

// runVersion prints version information.
func runVersion() {
	fmt.Printf("kukurid %s\n", version)
	fmt.Printf("  commit:     %s\n", commit)
	fmt.Printf("  built:      %s\n", buildDate)
}

// configPath returns the config file path from KUKURI_CONFIG_PATH or the
// default "kukuri.toml".
func configPath() string {
	if p := os.Getenv("KUKURI_CONFIG_PATH"); p != "" {
		return p
	}
	return "kukuri.toml"
}

// setupLogger creates a slog.Logger with the given level and format.
func setupLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
