// Package main is the rfc003 swap daemon: it bootstraps the P2P host, the
// swap registry, the peer-protocol transport and the orchestrator, and
// serves the HTTP surface over them.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/comit-network/rfc003/internal/backend"
	"github.com/comit-network/rfc003/internal/chain"
	"github.com/comit-network/rfc003/internal/engine"
	"github.com/comit-network/rfc003/internal/httpapi"
	"github.com/comit-network/rfc003/internal/node"
	pkgpeer "github.com/comit-network/rfc003/internal/peer"
	"github.com/comit-network/rfc003/internal/registry"
	"github.com/comit-network/rfc003/internal/rfc003"
	"github.com/comit-network/rfc003/internal/storage"
	"github.com/comit-network/rfc003/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	// Parse flags
	var (
		dataDir        = flag.String("data-dir", "~/.klingon", "Data directory")
		configFile     = flag.String("config", "", "Config file path (default: <data-dir>/config.yaml)")
		listenAddr     = flag.String("listen", "", "Listen address (multiaddr), overrides config")
		apiAddr        = flag.String("api", "", "HTTP API address, overrides config's swap.http_listen_addr")
		enableMDNS     = flag.Bool("mdns", true, "Enable mDNS discovery")
		enableDHT      = flag.Bool("dht", true, "Enable DHT discovery")
		testnet        = flag.Bool("testnet", false, "Run on testnet (separate network and data)")
		bootstrapPeers = flag.String("bootstrap", "", "Bootstrap peers (comma-separated multiaddrs)")
		logLevel       = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
		pollInterval   = flag.Duration("poll-interval", 10*time.Second, "Ledger polling interval")
		autoAccept     = flag.Bool("auto-accept", false, "Accept every inbound swap request that passes the timelock safety check (fail-closed if unset)")
		showVersion    = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	// Set up logging (initial, may be overridden by config)
	log := logging.New(&logging.Config{
		Level:      *logLevel,
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("rfc003 swap daemon %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	// Determine data directory (testnet uses subdirectory)
	effectiveDataDir := *dataDir
	if *testnet {
		effectiveDataDir = filepath.Join(*dataDir, "testnet")
	}

	// Load or create config file
	var cfg *node.Config
	var err error

	if *configFile != "" {
		cfg, err = node.LoadConfig(filepath.Dir(*configFile))
	} else {
		cfg, err = node.LoadConfig(effectiveDataDir)
	}
	if err != nil {
		log.Fatal("Failed to load config", "error", err)
	}

	// Apply CLI overrides (CLI flags take precedence over config file)
	if *listenAddr != "" {
		cfg.Network.ListenAddrs = []string{*listenAddr}
	}
	cfg.Network.EnableMDNS = *enableMDNS
	cfg.Network.EnableDHT = *enableDHT
	cfg.Logging.Level = *logLevel
	cfg.Storage.DataDir = effectiveDataDir
	if *apiAddr != "" {
		cfg.Swap.HTTPListenAddr = *apiAddr
	}

	if *testnet {
		cfg.NetworkType = node.NetworkTestnet
	} else {
		cfg.NetworkType = node.NetworkMainnet
	}

	if *bootstrapPeers != "" {
		cfg.Network.BootstrapPeers = parseBootstrapPeers(*bootstrapPeers)
	}

	// Update logging with config level
	log = logging.New(&logging.Config{
		Level:      cfg.Logging.Level,
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	log.Info("Config loaded", "path", node.ConfigPath(effectiveDataDir))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize storage: the registry persists its own rfc003_swaps table
	// through this same connection (internal/registry.New), so one store
	// backs both the node's peer cache and the swap registry.
	dataPath := expandPath(cfg.Storage.DataDir)
	store, err := storage.New(&storage.Config{DataDir: dataPath})
	if err != nil {
		log.Fatal("Failed to initialize storage", "error", err)
	}
	defer store.Close()
	log.Info("Storage initialized", "path", dataPath)

	// Backend registry gives the engine ledger access for both legs.
	network := chain.Mainnet
	if *testnet {
		network = chain.Testnet
	}
	backendRegistry := backend.NewDefaultRegistry(network)
	log.Info("Backend registry initialized", "network", network, "backends", backendRegistry.List())

	btcParams := &chaincfg.MainNetParams
	if *testnet {
		btcParams = &chaincfg.TestNet3Params
	}
	btcBackend, _ := backendRegistry.Get("BTC")
	ethBackend, _ := backendRegistry.Get("ETH")

	// Swap registry: in-memory map of live swaps, backed by SQLite for
	// restart recovery.
	reg, err := registry.New(store)
	if err != nil {
		log.Fatal("Failed to initialize swap registry", "error", err)
	}
	if err := reg.LoadAll(); err != nil {
		log.Warn("Failed to load persisted swaps", "error", err)
	} else {
		log.Info("Swap registry loaded from database")
	}

	// Create the P2P host. The donor's own direct-messaging/order-sync
	// layers are for the trading app this daemon no longer runs; only the
	// libp2p host itself is needed here, as the transport internal/peer's
	// swap protocol streams over.
	log.Info("Starting P2P node...")
	n, err := node.New(ctx, cfg)
	if err != nil {
		log.Fatal("Failed to create node", "error", err)
	}

	peerStoreAdapter := node.NewPeerStoreAdapter(store)
	n.SetPeerStoreAdapter(peerStoreAdapter)
	if err := n.LoadPersistedPeers(); err != nil {
		log.Warn("Failed to load persisted peers", "error", err)
	}

	if err := n.Start(); err != nil {
		log.Fatal("Failed to start node", "error", err)
	}

	// Swap protocol transport (C7): Server answers inbound REQUEST/RESPONSE
	// and secret-hash streams, Client is handed to the HTTP surface as its
	// Initiator so a created swap can be sent out as a SwapRequest.
	peerServer := pkgpeer.NewServer(n)
	peerClient := pkgpeer.NewClient(n)

	httpServer := httpapi.NewServer(cfg.Swap.HTTPListenAddr, reg)
	httpServer.SetInitiator(peerClient)

	var acceptPolicy func(rfc003.SwapRequest) (bool, rfc003.DeclineReason)
	if *autoAccept {
		acceptPolicy = func(rfc003.SwapRequest) (bool, rfc003.DeclineReason) { return true, "" }
	}

	eng := engine.New(reg, engine.Backends{
		Bitcoin:    btcBackend,
		Ethereum:   ethBackend,
		BTCParams:  btcParams,
		AutoAccept: acceptPolicy,
		SafetyGapS: uint64(cfg.Swap.LedgerRPCTimeout.Seconds()) + 3600,
	}, httpServer.PushUpdate)

	peerServer.OnSwapRequest(eng.HandleSwapRequest)
	peerServer.OnSecretHash(eng.HandleSecretHash)
	peerServer.Start()

	httpServer.SetReporter(eng)
	if err := httpServer.Start(); err != nil {
		log.Fatal("Failed to start http surface", "error", err)
	}

	go eng.Run(ctx, *pollInterval)
	log.Info("Swap engine running", "poll_interval", *pollInterval, "auto_accept", *autoAccept)

	printBanner(log, n, cfg)

	nodeLog := log.Component("p2p")
	n.OnPeerConnected(func(p peer.ID) {
		nodeLog.Info("Peer connected", "peer", shortID(p), "total", n.PeerCount())
	})
	n.OnPeerDisconnected(func(p peer.ID) {
		nodeLog.Info("Peer disconnected", "peer", shortID(p), "total", n.PeerCount())
	})

	// Start status ticker
	go func() {
		ticker := time.NewTicker(60 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				log.Info("Status", "peers", n.PeerCount(), "uptime", n.Uptime().Round(time.Second))
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	log.Info("Shutting down...")

	if err := n.SavePeerCache(); err != nil {
		log.Error("Error saving peer cache", "error", err)
	}

	cancel()

	peerServer.Stop()
	if err := httpServer.Stop(); err != nil {
		log.Error("Error stopping http surface", "error", err)
	}
	if err := n.Stop(); err != nil {
		log.Error("Error during shutdown", "error", err)
	}

	log.Info("Goodbye!")
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}

func printBanner(log *logging.Logger, n *node.Node, cfg *node.Config) {
	networkLabel := "mainnet"
	if cfg.IsTestnet() {
		networkLabel = "TESTNET"
	}

	log.Info("")
	log.Info("=================================================")
	log.Infof("  rfc003 swap daemon (%s)", networkLabel)
	log.Infof("  Version: %s", version)
	log.Info("=================================================")
	log.Info("")
	log.Infof("  Peer ID: %s", n.ID().String())
	log.Info("")
	log.Info("  Listening on:")
	for _, addr := range n.Addrs() {
		log.Infof("    %s/p2p/%s", addr.String(), n.ID().String())
	}
	log.Info("")
	log.Infof("  API: http://%s", cfg.Swap.HTTPListenAddr)
	log.Info("")
	log.Infof("  Network: %s | mDNS: %v | DHT: %v", networkLabel, cfg.Network.EnableMDNS, cfg.Network.EnableDHT)
	log.Infof("  Data dir: %s", expandPath(cfg.Storage.DataDir))
	log.Info("")
	log.Info("=================================================")
	log.Info("")
}

func parseBootstrapPeers(s string) []string {
	if s == "" {
		return nil
	}
	var peers []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			peers = append(peers, p)
		}
	}
	return peers
}

func shortID(p peer.ID) string {
	s := p.String()
	if len(s) > 12 {
		return s[:12]
	}
	return s
}
