package node

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/axondata/go-minestack/internal/binaries"
	"github.com/axondata/go-minestack/internal/process"
	"github.com/axondata/go-minestack/internal/progress"
	"github.com/axondata/go-minestack/internal/rpc"
)

// Manager timing constants
const (
	// DefaultProbeInterval is the readiness probe poll interval
	DefaultProbeInterval = 500 * time.Millisecond

	// DefaultProbeTimeout bounds how long EnsureStarted waits for the
	// node to answer its first RPC
	DefaultProbeTimeout = 2 * time.Minute

	// DefaultSyncPollInterval is the WaitSynced poll interval
	DefaultSyncPollInterval = 3 * time.Second

	// DefaultSyncTimeout bounds the initial sync wait
	DefaultSyncTimeout = 30 * time.Minute
)

// SyncStatus is the node's own view of chain sync.
type SyncStatus struct {
	Synced      bool   `json:"synced"`
	LocalHeight uint64 `json:"local_height"`
	TipHeight   uint64 `json:"tip_height"`
}

// NetworkInfo is the live network state queried from the node.
// Monetary amounts are in micro units.
type NetworkInfo struct {
	ShaHashRate     uint64 `json:"sha_hash_rate"`
	RandomXHashRate uint64 `json:"randomx_hash_rate"`
	BlockReward     uint64 `json:"block_reward"`
	BlockHeight     uint64 `json:"block_height"`
	BlockTime       uint64 `json:"block_time"`
	Synced          bool   `json:"synced"`
}

// Manager owns the node's process watcher plus the sync and network
// queries issued against its local gRPC port.
type Manager struct {
	adapter *adapter
	watcher *process.Watcher
	log     zerolog.Logger

	mu      sync.RWMutex
	cfg     StartConfig
	started bool
}

// NewManager creates a node Manager. Nothing is started; ports and
// directories are only fixed when EnsureStarted builds a StartConfig.
func NewManager(parent context.Context, resolver *binaries.Resolver, log zerolog.Logger) *Manager {
	a := &adapter{resolver: resolver}
	return &Manager{
		adapter: a,
		watcher: process.NewWatcher(parent, a, process.WithWatcherLogger(log)),
		log:     log.With().Str("service", "node").Logger(),
	}
}

// Status returns the watcher's lifecycle snapshot.
func (m *Manager) Status() process.Status {
	return m.watcher.Status()
}

// EnsureStarted brings the node up and blocks until it answers RPC.
// Starting while already running is a no-op; at most one live process
// exists per manager.
func (m *Manager) EnsureStarted(ctx context.Context, cfg StartConfig) error {
	switch m.watcher.Status().State {
	case process.StateStarting, process.StateRunning:
		return nil
	}

	if err := cfg.Dirs.EnsureExists(); err != nil {
		return err
	}

	m.adapter.setConfig(cfg)
	if err := m.watcher.Start(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	m.cfg = cfg
	m.started = true
	m.mu.Unlock()

	if err := m.waitForRPC(ctx); err != nil {
		return err
	}
	m.log.Info().Int("grpc_port", cfg.GrpcPort).Msg("node answering requests")
	return nil
}

// waitForRPC polls the node until its RPC port answers, the process
// dies, or the probe budget runs out. "Started" means answering, not
// merely alive.
func (m *Manager) waitForRPC(ctx context.Context) error {
	deadline := time.Now().Add(DefaultProbeTimeout)
	ticker := time.NewTicker(DefaultProbeInterval)
	defer ticker.Stop()

	for {
		st := m.watcher.Status()
		if st.State.Terminal() {
			return &process.ExitCodeError{Name: "node", Code: st.ExitCode}
		}

		var status SyncStatus
		err := m.client().Call(ctx, "sync_status", nil, &status)
		if err == nil {
			return nil
		}
		if !errors.Is(err, process.ErrNotReady) {
			return err
		}

		if time.Now().After(deadline) {
			return &process.StartupTimeoutError{Name: "node", Timeout: DefaultProbeTimeout}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// WaitSynced polls sync state until the node reports itself synced,
// reporting incremental height progress to sink.
func (m *Manager) WaitSynced(ctx context.Context, sink progress.Sink) error {
	if _, err := m.GrpcPort(); err != nil {
		return err
	}

	deadline := time.Now().Add(DefaultSyncTimeout)
	ticker := time.NewTicker(DefaultSyncPollInterval)
	defer ticker.Stop()

	for {
		var status SyncStatus
		err := m.client().Call(ctx, "sync_status", nil, &status)
		switch {
		case err == nil && status.Synced:
			return nil
		case err == nil:
			step := 0
			if status.TipHeight > 0 {
				step = int(status.LocalHeight * 100 / status.TipHeight)
			}
			if sink != nil {
				sink.Update("waiting-for-initial-sync", map[string]string{
					"local_height": fmt.Sprintf("%d", status.LocalHeight),
					"tip_height":   fmt.Sprintf("%d", status.TipHeight),
				}, step)
			}
		case !errors.Is(err, process.ErrNotReady):
			return err
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("node: still not synced after %s", DefaultSyncTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// GrpcPort returns the node's local gRPC port once started.
func (m *Manager) GrpcPort() (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.started {
		return 0, fmt.Errorf("%w: node", process.ErrNotStarted)
	}
	return m.cfg.GrpcPort, nil
}

// ListConnectedPeers returns the ids of currently connected peers.
func (m *Manager) ListConnectedPeers(ctx context.Context) ([]string, error) {
	if _, err := m.GrpcPort(); err != nil {
		return nil, err
	}
	var resp struct {
		Peers []string `json:"peers"`
	}
	if err := m.client().Call(ctx, "list_connected_peers", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Peers, nil
}

// NetworkInfo returns hash rates, block reward and chain tip facts,
// fetched live and never cached.
func (m *Manager) NetworkInfo(ctx context.Context) (NetworkInfo, error) {
	if _, err := m.GrpcPort(); err != nil {
		return NetworkInfo{}, err
	}
	var info NetworkInfo
	if err := m.client().Call(ctx, "network_state", nil, &info); err != nil {
		return NetworkInfo{}, err
	}
	return info, nil
}

// CleanDataFolder removes the node's chain database. Only valid while
// the node is not running; the orchestrator uses it to recover from
// the corrupt-database exit code.
func (m *Manager) CleanDataFolder() error {
	m.mu.RLock()
	cfg := m.cfg
	started := m.started
	m.mu.RUnlock()

	if !started {
		return fmt.Errorf("%w: node", process.ErrNotStarted)
	}
	if st := m.watcher.Status(); st.State == process.StateStarting || st.State == process.StateRunning {
		return fmt.Errorf("node: refusing to delete data dir of a running node")
	}

	m.log.Warn().Str("dir", cfg.DataDir()).Msg("deleting node data directory")
	return os.RemoveAll(cfg.DataDir())
}

// Stop terminates the node and returns its exit code.
func (m *Manager) Stop(ctx context.Context) (int, error) {
	return m.watcher.Stop(ctx)
}

func (m *Manager) client() *rpc.Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return rpc.NewClient(m.cfg.GrpcPort)
}
