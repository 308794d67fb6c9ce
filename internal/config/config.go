// Package config loads and validates the application configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/axondata/go-minestack/internal/logging"
)

// Dirs is the filesystem layout shared by all services: per-service data
// under Data, generated service configs under Config, a shared log
// directory and a shared cache directory for downloaded archives.
type Dirs struct {
	Data   string `yaml:"data"`
	Config string `yaml:"config"`
	Log    string `yaml:"log"`
	Cache  string `yaml:"cache"`
}

// EnsureExists creates all four directories.
func (d Dirs) EnsureExists() error {
	for _, dir := range []string{d.Data, d.Config, d.Log, d.Cache} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return nil
}

// NodeConfig contains base node settings.
type NodeConfig struct {
	GrpcPort int `yaml:"grpc_port"`
}

// WalletConfig contains wallet settings.
type WalletConfig struct {
	GrpcPort int `yaml:"grpc_port"`
}

// MmProxyConfig contains merge-mining proxy settings.
type MmProxyConfig struct {
	MoneroPort int `yaml:"monero_port"`
}

// P2poolConfig contains p2pool client settings.
type P2poolConfig struct {
	Enabled   bool `yaml:"enabled"`
	GrpcPort  int  `yaml:"grpc_port"`
	StatsPort int  `yaml:"stats_port"`
}

// MiningConfig contains miner settings.
type MiningConfig struct {
	CPUEnabled    bool   `yaml:"cpu_enabled"`
	GPUEnabled    bool   `yaml:"gpu_enabled"`
	Mode          string `yaml:"mode"` // eco or ludicrous
	TariAddress   string `yaml:"tari_address"`
	MoneroAddress string `yaml:"monero_address"`
	HTTPPort      int    `yaml:"http_port"` // miner summary endpoint
}

// ManifestConfig points at the remote binary release index.
type ManifestConfig struct {
	BaseURL   string        `yaml:"base_url"`
	Staleness time.Duration `yaml:"staleness"` // skip update checks newer than this
}

// Config is the root application configuration.
type Config struct {
	Network  string         `yaml:"network"`
	Dirs     Dirs           `yaml:"dirs"`
	Manifest ManifestConfig `yaml:"manifest"`
	Node     NodeConfig     `yaml:"node"`
	Wallet   WalletConfig   `yaml:"wallet"`
	MmProxy  MmProxyConfig  `yaml:"mm_proxy"`
	P2pool   P2poolConfig   `yaml:"p2pool"`
	Mining   MiningConfig   `yaml:"mining"`
	Logging  logging.Config `yaml:"logging"`
}

// Default returns a configuration with all defaults applied, rooted at
// baseDir.
func Default(baseDir string) *Config {
	return &Config{
		Network: "esmeralda",
		Dirs: Dirs{
			Data:   filepath.Join(baseDir, "data"),
			Config: filepath.Join(baseDir, "config"),
			Log:    filepath.Join(baseDir, "log"),
			Cache:  filepath.Join(baseDir, "cache"),
		},
		Manifest: ManifestConfig{
			BaseURL:   "https://binaries.minestack.dev/manifest",
			Staleness: 10 * time.Minute,
		},
		Node:    NodeConfig{GrpcPort: 18142},
		Wallet:  WalletConfig{GrpcPort: 18143},
		MmProxy: MmProxyConfig{MoneroPort: 18081},
		P2pool:  P2poolConfig{GrpcPort: 18145, StatsPort: 19000},
		Mining:  MiningConfig{Mode: "eco", HTTPPort: 9090},
		Logging: logging.Config{Level: "info", Format: "console"},
	}
}

// Load reads path into a Config on top of defaults. A missing file is
// not an error; the defaults are returned.
func Load(path, baseDir string) (*Config, error) {
	cfg := Default(baseDir)

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks for values that cannot be defaulted around.
func (c *Config) Validate() error {
	if c.Network == "" {
		return fmt.Errorf("config: network must not be empty")
	}
	for name, port := range map[string]int{
		"node.grpc_port":       c.Node.GrpcPort,
		"wallet.grpc_port":     c.Wallet.GrpcPort,
		"mm_proxy.monero_port": c.MmProxy.MoneroPort,
		"p2pool.grpc_port":     c.P2pool.GrpcPort,
		"p2pool.stats_port":    c.P2pool.StatsPort,
		"mining.http_port":     c.Mining.HTTPPort,
	} {
		if port <= 0 || port > 65535 {
			return fmt.Errorf("config: %s out of range: %d", name, port)
		}
	}
	switch c.Mining.Mode {
	case "eco", "ludicrous":
	default:
		return fmt.Errorf("config: unknown mining mode %q", c.Mining.Mode)
	}
	if c.Manifest.Staleness <= 0 {
		c.Manifest.Staleness = 10 * time.Minute
	}
	return nil
}
