// Package main provides the swapd daemon - a BTC/XMR atomic swap client.
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

	corediscovery "github.com/libp2p/go-libp2p/core/discovery"

	"github.com/moneroswap/swapd/internal/backend"
	"github.com/moneroswap/swapd/internal/chain"
	"github.com/moneroswap/swapd/internal/discovery"
	"github.com/moneroswap/swapd/internal/node"
	"github.com/moneroswap/swapd/internal/rpc"
	"github.com/moneroswap/swapd/internal/storage"
	"github.com/moneroswap/swapd/internal/swap"
	"github.com/moneroswap/swapd/internal/wallet"
	"github.com/moneroswap/swapd/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

const seedFileName = "wallet.seed"

func main() {
	var (
		dataDir     = flag.String("data-dir", "~/.swapd", "Data directory")
		listenAddr  = flag.String("listen", "", "Listen address (multiaddr), overrides config")
		apiAddr     = flag.String("api", "", "JSON-RPC API address, overrides config")
		testnet     = flag.Bool("testnet", false, "Run on testnet (separate network and data)")
		bootstrap   = flag.String("bootstrap", "", "Bootstrap peers (comma-separated multiaddrs)")
		logLevel    = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	log := logging.New(&logging.Config{
		Level:      *logLevel,
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("swapd %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	// Testnet uses a subdirectory so the two networks never share state.
	effectiveDataDir := *dataDir
	if *testnet {
		effectiveDataDir = filepath.Join(*dataDir, "testnet")
	}

	cfg, err := node.LoadConfig(effectiveDataDir)
	if err != nil {
		log.Fatal("Failed to load config", "error", err)
	}

	// CLI flags take precedence over the config file.
	if *listenAddr != "" {
		cfg.P2P.ListenAddrs = []string{*listenAddr}
	}
	if *bootstrap != "" {
		cfg.P2P.BootstrapPeers = parseBootstrapPeers(*bootstrap)
	}
	if *testnet {
		cfg.Network = chain.Testnet
	}
	cfg.Logging.Level = *logLevel
	cfg.Storage.DataDir = effectiveDataDir

	log = logging.New(&logging.Config{
		Level:      cfg.Logging.Level,
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dataPath := expandPath(cfg.Storage.DataDir)
	store, err := storage.New(&storage.Config{DataDir: dataPath})
	if err != nil {
		log.Fatal("Failed to initialize storage", "error", err)
	}
	defer store.Close()
	log.Info("Storage initialized", "path", dataPath)

	w, err := loadOrCreateWallet(dataPath, cfg.Network, log)
	if err != nil {
		log.Fatal("Failed to load wallet", "error", err)
	}
	walletService := wallet.NewService(w, store)
	log.Info("Wallet loaded", "network", cfg.Network)

	backendCfg := cfg.Backend
	if backendCfg == nil {
		backendCfg = backend.DefaultConfig()
	}
	btcBackend := backend.NewFromConfig(backendCfg, cfg.BackendURL())
	log.Info("Chain backend initialized", "type", backendCfg.Type, "url", cfg.BackendURL())

	log.Info("Starting swapd node...")
	n, err := node.New(ctx, cfg)
	if err != nil {
		log.Fatal("Failed to create node", "error", err)
	}
	if err := n.Start(); err != nil {
		log.Fatal("Failed to start node", "error", err)
	}

	client := node.NewClient(n.Host())
	defer client.Close()

	var finder corediscovery.Discoverer
	if rd := n.RoutingDiscovery(); rd != nil {
		finder = rd
	}
	disc := discovery.New(n.Host(), finder, n.PubSub(), client, store, cfg.DiscoveryNamespace(), cfg.Network)
	if err := disc.Start(ctx); err != nil {
		log.Warn("Failed to start provider discovery", "error", err)
	}
	defer disc.Stop()

	hub := rpc.NewWSHub()
	executor := swap.NewExecutor(&swap.ExecutorConfig{
		Store:     swap.NewStore(store),
		Secrets:   store,
		Backend:   btcBackend,
		Peers:     client,
		Keys:      walletService,
		Network:   cfg.Network,
		Callbacks: rpc.SwapCallbacks(hub),
	})
	defer executor.Close()

	// Pick up swaps interrupted by the last shutdown.
	if err := executor.ResumeAll(ctx); err != nil {
		log.Warn("Failed to resume swaps", "error", err)
	}

	rpcAddr := cfg.RPC.ListenAddr
	if *apiAddr != "" {
		rpcAddr = *apiAddr
	}
	rpcServer := rpc.NewServer(&rpc.ServerConfig{
		Node:      n,
		Executor:  executor,
		Discovery: disc,
		Wallet:    walletService,
		Backend:   btcBackend,
		Hub:       hub,
	})
	if err := rpcServer.Start(rpcAddr); err != nil {
		log.Fatal("Failed to start RPC server", "error", err)
	}

	printBanner(log, n, cfg, rpcAddr)

	go func() {
		ticker := time.NewTicker(60 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				log.Info("Status", "peers", len(n.Peers()), "uptime", n.Uptime().Round(time.Second))
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	log.Info("Shutting down...")

	cancel()

	if err := rpcServer.Stop(); err != nil {
		log.Error("Error stopping RPC server", "error", err)
	}
	executor.Close()
	if err := n.Stop(); err != nil {
		log.Error("Error during shutdown", "error", err)
	}

	log.Info("Goodbye!")
}

// loadOrCreateWallet opens the encrypted seed file, generating a fresh
// mnemonic on first run. The password comes from SWAPD_WALLET_PASSWORD.
func loadOrCreateWallet(dataDir string, network chain.Network, log *logging.Logger) (*wallet.Wallet, error) {
	password := os.Getenv("SWAPD_WALLET_PASSWORD")
	seedPath := filepath.Join(dataDir, seedFileName)

	if _, err := os.Stat(seedPath); os.IsNotExist(err) {
		mnemonic, err := wallet.GenerateMnemonic()
		if err != nil {
			return nil, err
		}
		sf, err := wallet.EncryptMnemonic(mnemonic, password)
		if err != nil {
			return nil, err
		}
		if err := wallet.SaveSeedFile(sf, seedPath); err != nil {
			return nil, err
		}
		log.Warn("New wallet created, write down the recovery phrase", "path", seedPath)
		log.Warnf("Recovery phrase: %s", mnemonic)
		return wallet.NewFromMnemonic(mnemonic, "", network)
	}

	sf, err := wallet.LoadSeedFile(seedPath)
	if err != nil {
		return nil, err
	}
	mnemonic, err := wallet.DecryptMnemonic(sf, password)
	if err != nil {
		return nil, err
	}
	return wallet.NewFromMnemonic(mnemonic, "", network)
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}

func printBanner(log *logging.Logger, n *node.Node, cfg *node.Config, apiAddr string) {
	networkLabel := "mainnet"
	if cfg.Network == chain.Testnet {
		networkLabel = "TESTNET"
	}

	log.Info("")
	log.Info("=================================================")
	log.Infof("  swapd BTC/XMR Swap Client (%s)", networkLabel)
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
	log.Infof("  API: http://%s", apiAddr)
	log.Infof("  WS:  ws://%s/ws", apiAddr)
	log.Info("")
	log.Infof("  Network: %s | mDNS: %v | DHT: %v", networkLabel, cfg.P2P.EnableMDNS, cfg.P2P.EnableDHT)
	log.Infof("  Data dir: %s", expandPath(cfg.Storage.DataDir))
	log.Info("")
	log.Info("=================================================")
	log.Info("")
}

func parseBootstrapPeers(s string) []string {
	var peers []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			peers = append(peers, p)
		}
	}
	return peers
}
