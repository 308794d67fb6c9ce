package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default("/base")

	if cfg.Network != "esmeralda" {
		t.Errorf("network = %s, want esmeralda", cfg.Network)
	}
	if want := filepath.Join("/base", "data"); cfg.Dirs.Data != want {
		t.Errorf("data dir = %s, want %s", cfg.Dirs.Data, want)
	}
	if cfg.Node.GrpcPort != 18142 {
		t.Errorf("node grpc port = %d, want 18142", cfg.Node.GrpcPort)
	}
	if cfg.Mining.Mode != "eco" {
		t.Errorf("mining mode = %s, want eco", cfg.Mining.Mode)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	base := t.TempDir()
	cfg, err := Load(filepath.Join(base, "config.yaml"), base)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Network != "esmeralda" {
		t.Errorf("network = %s, want default", cfg.Network)
	}
}

func TestLoadOverlaysFileOnDefaults(t *testing.T) {
	base := t.TempDir()
	path := filepath.Join(base, "config.yaml")
	body := `
network: mainnet
p2pool:
  enabled: true
mining:
  mode: ludicrous
  tari_address: f2abc
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path, base)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Network != "mainnet" {
		t.Errorf("network = %s, want mainnet", cfg.Network)
	}
	if !cfg.P2pool.Enabled {
		t.Error("p2pool.enabled not applied")
	}
	if cfg.Mining.Mode != "ludicrous" {
		t.Errorf("mining mode = %s, want ludicrous", cfg.Mining.Mode)
	}
	// Untouched values keep their defaults.
	if cfg.Node.GrpcPort != 18142 {
		t.Errorf("node grpc port = %d, want default 18142", cfg.Node.GrpcPort)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		wantOK bool
	}{
		{"defaults", func(*Config) {}, true},
		{"empty network", func(c *Config) { c.Network = "" }, false},
		{"port out of range", func(c *Config) { c.Node.GrpcPort = 99999 }, false},
		{"zero port", func(c *Config) { c.Wallet.GrpcPort = 0 }, false},
		{"unknown mining mode", func(c *Config) { c.Mining.Mode = "turbo" }, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default("/base")
			tc.mutate(cfg)
			err := cfg.Validate()
			if (err == nil) != tc.wantOK {
				t.Errorf("Validate() = %v, want ok=%v", err, tc.wantOK)
			}
		})
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	base := t.TempDir()
	path := filepath.Join(base, "config.yaml")
	if err := os.WriteFile(path, []byte("network: \"\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path, base); err == nil {
		t.Fatal("invalid config loaded without error")
	}
}

func TestEnsureExists(t *testing.T) {
	base := t.TempDir()
	dirs := Default(base).Dirs
	if err := dirs.EnsureExists(); err != nil {
		t.Fatal(err)
	}
	for _, dir := range []string{dirs.Data, dirs.Config, dirs.Log, dirs.Cache} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Errorf("missing directory %s: %v", dir, err)
			continue
		}
		if !info.IsDir() {
			t.Errorf("%s is not a directory", dir)
		}
	}
}
