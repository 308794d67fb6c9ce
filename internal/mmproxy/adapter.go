// Package mmproxy manages the merge-mining proxy, the upstream the CPU
// miner talks Monero stratum/RPC to. The proxy itself is backed either
// by the base node directly or by the p2pool client; flipping between
// the two is a restart-in-place.
package mmproxy

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

// StartConfig is the per-start launch configuration for the proxy.
// Constructed fresh per start; ChangeConfig swaps the whole value.
type StartConfig struct {
	// Network is the network identifier
	Network string
	// Dirs is the shared directory layout
	Dirs config.Dirs
	// TariAddress receives the mined coinbase
	TariAddress string
	// MoneroPort is the local port miners connect to
	MoneroPort int
	// BaseNodeGrpcPort is the node upstream port
	BaseNodeGrpcPort int
	// P2poolGrpcPort is the pool upstream port
	P2poolGrpcPort int
	// P2poolEnabled selects the pool upstream over the direct node
	P2poolEnabled bool
	// CoinbaseExtra tags mined blocks
	CoinbaseExtra string
}

// UseP2pool switches the upstream to the pool on the given port.
func (c *StartConfig) UseP2pool(port int) {
	c.P2poolEnabled = true
	c.P2poolGrpcPort = port
}

// UseBaseNode switches the upstream to the node on the given port.
func (c *StartConfig) UseBaseNode(port int) {
	c.P2poolEnabled = false
	c.BaseNodeGrpcPort = port
}

// upstreamPort returns the selected upstream gRPC port.
func (c StartConfig) upstreamPort() int {
	if c.P2poolEnabled {
		return c.P2poolGrpcPort
	}
	return c.BaseNodeGrpcPort
}

type adapter struct {
	resolver *binaries.Resolver

	mu  sync.Mutex
	cfg StartConfig
}

func (a *adapter) Name() string { return "mmproxy" }

func (a *adapter) setConfig(cfg StartConfig) {
	a.mu.Lock()
	a.cfg = cfg
	a.mu.Unlock()
}

func (a *adapter) Spec(_ context.Context) (process.SpawnSpec, error) {
	a.mu.Lock()
	cfg := a.cfg
	a.mu.Unlock()

	resolved, err := a.resolver.GetBinaryPath(binaries.MergeMiningProxy)
	if err != nil {
		return process.SpawnSpec{}, err
	}

	return process.SpawnSpec{
		Name:     a.Name(),
		ExecPath: resolved.Path,
		Args: []string{
			"--network", cfg.Network,
			"--monero-listen", fmt.Sprintf("127.0.0.1:%d", cfg.MoneroPort),
			"--grpc-upstream", fmt.Sprintf("127.0.0.1:%d", cfg.upstreamPort()),
			"--wallet-address", cfg.TariAddress,
			"--coinbase-extra", cfg.CoinbaseExtra,
			"--log-path", cfg.Dirs.Log,
			"--non-interactive",
		},
		PidFile: filepath.Join(cfg.Dirs.Data, "mmproxy.pid"),
		// The proxy announces its listener; that is the readiness
		// marker. WaitReady then confirms over HTTP.
		Ready: func(line string) bool {
			return strings.Contains(line, "Listening on")
		},
		Fatal: func(line string) (string, bool) {
			if strings.Contains(strings.ToLower(line), "upstream unreachable") {
				return "upstream-unreachable", true
			}
			return "", false
		},
	}, nil
}
