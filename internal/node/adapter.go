// Package node manages the base node process and its sync state.
package node

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

// ExitCodeCorruptDatabase is the node's well-known exit code for a
// corrupt or incompatible local database. The orchestrator recovers
// from it by deleting the data directory and retrying.
const ExitCodeCorruptDatabase = 114

// StartConfig is the per-start launch configuration for the node.
// Constructed fresh per start, never mutated afterwards.
type StartConfig struct {
	// Network is the network identifier
	Network string
	// Dirs is the shared directory layout
	Dirs config.Dirs
	// GrpcPort is the local gRPC listen port
	GrpcPort int
}

// DataDir returns the node's chain data directory.
func (c StartConfig) DataDir() string {
	return filepath.Join(c.Dirs.Data, "node")
}

// adapter translates a StartConfig into the node's launch command.
type adapter struct {
	resolver *binaries.Resolver

	mu  sync.Mutex
	cfg StartConfig
}

func (a *adapter) Name() string { return "node" }

func (a *adapter) setConfig(cfg StartConfig) {
	a.mu.Lock()
	a.cfg = cfg
	a.mu.Unlock()
}

func (a *adapter) Spec(_ context.Context) (process.SpawnSpec, error) {
	a.mu.Lock()
	cfg := a.cfg
	a.mu.Unlock()

	resolved, err := a.resolver.GetBinaryPath(binaries.Node)
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
			"--log-path", cfg.Dirs.Log,
			"--non-interactive",
		},
		PidFile: filepath.Join(cfg.Dirs.Data, "node.pid"),
		// Readiness is probed over gRPC by the manager; the spawned
		// process counts as running immediately.
		Ready: nil,
		Fatal: fatalLine,
	}, nil
}

// fatalLine surfaces database corruption from the node's output before
// the process gets around to exiting with code 114.
func fatalLine(line string) (string, bool) {
	lower := strings.ToLower(line)
	switch {
	case strings.Contains(lower, "database is corrupt"),
		strings.Contains(lower, "chain storage error"):
		return "database-corrupt", true
	case strings.Contains(lower, "address already in use"):
		return "port-conflict", true
	}
	return "", false
}
