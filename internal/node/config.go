// Package node provides the libp2p node and peer protocol client used
// to talk to ASB (Automated Swap Backend) counterparties.
package node

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/moneroswap/swapd/internal/backend"
	"github.com/moneroswap/swapd/internal/chain"
)

// Network-specific constants for peer separation.
const (
	MainnetDHTPrefix   = "/xmrbtc"
	MainnetDiscoveryNS = "xmrbtc-swap-mainnet"

	TestnetDHTPrefix   = "/xmrbtc-testnet"
	TestnetDiscoveryNS = "xmrbtc-swap-testnet"
)

// Config holds all configuration for the swapd daemon.
type Config struct {
	// Network selects mainnet or testnet for both chains.
	Network chain.Network `yaml:"network"`

	// Identity
	Identity IdentityConfig `yaml:"identity"`

	// P2P network settings
	P2P P2PConfig `yaml:"p2p"`

	// Storage
	Storage StorageConfig `yaml:"storage"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`

	// Backend is the chain explorer configuration.
	Backend *backend.Config `yaml:"backend,omitempty"`

	// RPC holds the local API settings.
	RPC RPCConfig `yaml:"rpc"`
}

// DHTPrefix returns the DHT protocol prefix for the configured network.
func (c *Config) DHTPrefix() string {
	if c.Network == chain.Testnet {
		return TestnetDHTPrefix
	}
	return MainnetDHTPrefix
}

// DiscoveryNamespace returns the rendezvous namespace ASB providers
// advertise under.
func (c *Config) DiscoveryNamespace() string {
	if c.Network == chain.Testnet {
		return TestnetDiscoveryNS
	}
	return MainnetDiscoveryNS
}

// BackendURL returns the chain explorer base URL for the network.
func (c *Config) BackendURL() string {
	cfg := c.Backend
	if cfg == nil {
		cfg = backend.DefaultConfig()
	}
	if c.Network == chain.Testnet {
		return cfg.TestnetURL
	}
	return cfg.MainnetURL
}

// IdentityConfig holds identity-related settings.
type IdentityConfig struct {
	// KeyFile is the path to the node's private key file, relative to
	// the data directory unless absolute.
	KeyFile string `yaml:"key_file"`
}

// P2PConfig holds libp2p settings.
type P2PConfig struct {
	// ListenAddrs are the multiaddrs to listen on.
	ListenAddrs []string `yaml:"listen_addrs"`

	// BootstrapPeers are the initial peers to connect to.
	BootstrapPeers []string `yaml:"bootstrap_peers"`

	// EnableMDNS enables local peer discovery via mDNS.
	EnableMDNS bool `yaml:"enable_mdns"`

	// EnableDHT enables the Kademlia DHT for provider discovery.
	EnableDHT bool `yaml:"enable_dht"`

	// EnableRelay enables circuit relay for NAT traversal.
	EnableRelay bool `yaml:"enable_relay"`

	// EnableNAT enables NAT port mapping (UPnP/NAT-PMP).
	EnableNAT bool `yaml:"enable_nat"`

	// EnableHolePunching enables direct connection establishment through NAT.
	EnableHolePunching bool `yaml:"enable_hole_punching"`

	// ConnMgr holds connection manager settings.
	ConnMgr ConnMgrConfig `yaml:"conn_mgr"`
}

// ConnMgrConfig holds connection manager settings.
type ConnMgrConfig struct {
	LowWater    int           `yaml:"low_water"`
	HighWater   int           `yaml:"high_water"`
	GracePeriod time.Duration `yaml:"grace_period"`
}

// StorageConfig holds storage settings.
type StorageConfig struct {
	// DataDir is the directory for all data files.
	DataDir string `yaml:"data_dir"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level"`
}

// RPCConfig holds local API settings.
type RPCConfig struct {
	// ListenAddr is the HTTP listen address for the local API.
	ListenAddr string `yaml:"listen_addr"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Network: chain.Mainnet,
		Identity: IdentityConfig{
			KeyFile: "node.key",
		},
		P2P: P2PConfig{
			ListenAddrs: []string{
				"/ip4/0.0.0.0/tcp/9339",
				"/ip4/0.0.0.0/udp/9339/quic-v1",
				"/ip6/::/tcp/9339",
				"/ip6/::/udp/9339/quic-v1",
			},
			BootstrapPeers:     []string{},
			EnableMDNS:         false,
			EnableDHT:          true,
			EnableRelay:        true,
			EnableNAT:          true,
			EnableHolePunching: true,
			ConnMgr: ConnMgrConfig{
				LowWater:    20,
				HighWater:   100,
				GracePeriod: time.Minute,
			},
		},
		Storage: StorageConfig{
			DataDir: "~/.swapd",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		RPC: RPCConfig{
			ListenAddr: "127.0.0.1:5005",
		},
	}
}

// ConfigFileName is the default config file name.
const ConfigFileName = "config.yaml"

// LoadConfig loads configuration from a YAML file in the data
// directory. If the file doesn't exist, it creates one with defaults.
func LoadConfig(dataDir string) (*Config, error) {
	expandedDir := expandPath(dataDir)
	configPath := filepath.Join(expandedDir, ConfigFileName)

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.Storage.DataDir = dataDir
		if err := cfg.Save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if !cfg.Network.Valid() {
		return nil, fmt.Errorf("invalid network in config: %s", cfg.Network)
	}

	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte("# swapd configuration\n# Generated automatically on first run\n\n")
	data = append(header, data...)

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// expandPath expands ~ to the home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
