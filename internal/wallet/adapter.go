// Package wallet manages the console wallet process and balance
// queries. Key material comes from an external wallet-identity
// collaborator through the Keys interface; this package never derives
// or stores keys itself.
package wallet

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/axondata/go-minestack/internal/binaries"
	"github.com/axondata/go-minestack/internal/config"
	"github.com/axondata/go-minestack/internal/process"
)

// Keys is the narrow interface to the wallet-identity collaborator.
type Keys interface {
	// ViewKey returns the hex-encoded private view key
	ViewKey() string
	// SpendKey returns the hex-encoded public spend key
	SpendKey() string
}

// StartConfig is the per-start launch configuration for the wallet.
type StartConfig struct {
	// Network is the network identifier
	Network string
	// Dirs is the shared directory layout
	Dirs config.Dirs
	// GrpcPort is the wallet's local gRPC listen port
	GrpcPort int
	// NodeGrpcPort is the upstream base node gRPC port
	NodeGrpcPort int
	// ViewKey and SpendKey come from the Keys collaborator
	ViewKey  string
	SpendKey string
}

// DataDir returns the wallet's key store directory.
func (c StartConfig) DataDir() string {
	return filepath.Join(c.Dirs.Data, "wallet")
}

type adapter struct {
	resolver *binaries.Resolver

	mu  sync.Mutex
	cfg StartConfig
}

func (a *adapter) Name() string { return "wallet" }

func (a *adapter) setConfig(cfg StartConfig) {
	a.mu.Lock()
	a.cfg = cfg
	a.mu.Unlock()
}

func (a *adapter) Spec(_ context.Context) (process.SpawnSpec, error) {
	a.mu.Lock()
	cfg := a.cfg
	a.mu.Unlock()

	if cfg.ViewKey == "" || cfg.SpendKey == "" {
		return process.SpawnSpec{}, fmt.Errorf("wallet: view and spend keys not set")
	}

	resolved, err := a.resolver.GetBinaryPath(binaries.Wallet)
	if err != nil {
		return process.SpawnSpec{}, err
	}

	return process.SpawnSpec{
		Name:     a.Name(),
		ExecPath: resolved.Path,
		Args: []string{
			"--base-path", cfg.DataDir(),
			"--network", cfg.Network,
			"--grpc-bind", fmt.Sprintf("127.0.0.1:%d", cfg.GrpcPort),
			"--node-grpc", fmt.Sprintf("127.0.0.1:%d", cfg.NodeGrpcPort),
			"--log-path", cfg.Dirs.Log,
			"--view-only",
			"--non-interactive",
		},
		Env: []string{
			// Keys go through the environment, not argv, so they do not
			// show up in the process table.
			"MINESTACK_WALLET_VIEW_KEY=" + cfg.ViewKey,
			"MINESTACK_WALLET_SPEND_KEY=" + cfg.SpendKey,
		},
		PidFile: filepath.Join(cfg.Dirs.Data, "wallet.pid"),
		Ready:   nil,
		Fatal:   fatalLine,
	}, nil
}

func fatalLine(line string) (string, bool) {
	lower := strings.ToLower(line)
	if strings.Contains(lower, "wallet database is corrupt") {
		return "database-corrupt", true
	}
	return "", false
}
