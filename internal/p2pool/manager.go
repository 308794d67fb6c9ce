package p2pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/axondata/go-minestack/internal/binaries"
	"github.com/axondata/go-minestack/internal/process"
)

// Probe and query timing constants
const (
	DefaultReadyPollInterval = 500 * time.Millisecond
	DefaultReadyTimeout      = 90 * time.Second
	DefaultStatsTimeout      = 5 * time.Second
)

// Stats is one share chain's pool statistics as served by the pool's
// local HTTP stats endpoint.
type Stats struct {
	NumOfMiners       int     `json:"num_of_miners"`
	ShareChainHeight  uint64  `json:"share_chain_height"`
	PoolHashRate      float64 `json:"pool_hash_rate"`
	PoolTotalEarnings float64 `json:"pool_total_earnings"`
	Squad             string  `json:"squad"`
}

// adapter translates a StartConfig into the pool client's launch
// command.
type adapter struct {
	resolver *binaries.Resolver

	mu  sync.Mutex
	cfg StartConfig
}

func (a *adapter) Name() string { return "p2pool" }

func (a *adapter) setConfig(cfg StartConfig) {
	a.mu.Lock()
	a.cfg = cfg
	a.mu.Unlock()
}

func (a *adapter) Spec(_ context.Context) (process.SpawnSpec, error) {
	a.mu.Lock()
	cfg := a.cfg
	a.mu.Unlock()

	resolved, err := a.resolver.GetBinaryPath(binaries.P2pool)
	if err != nil {
		return process.SpawnSpec{}, err
	}

	args := []string{
		"start",
		"--network", cfg.Network,
		"--base-dir", filepath.Join(cfg.Dirs.Data, "p2pool"),
		"--grpc-port", fmt.Sprintf("%d", cfg.GrpcPort),
		"--stats-server-port", fmt.Sprintf("%d", cfg.StatsPort),
		"--base-node-address", fmt.Sprintf("127.0.0.1:%d", cfg.BaseNodeGrpcPort),
	}
	if cfg.SquadOverride != "" {
		args = append(args, "--squad", cfg.SquadOverride)
	}

	return process.SpawnSpec{
		Name:     a.Name(),
		ExecPath: resolved.Path,
		Args:     args,
		PidFile:  filepath.Join(cfg.Dirs.Data, "p2pool.pid"),
		Ready: func(line string) bool {
			return strings.Contains(line, "Stats server started")
		},
		Fatal: nil,
	}, nil
}

// Manager owns the pool client's process watcher and the stats query.
type Manager struct {
	adapter *adapter
	watcher *process.Watcher
	log     zerolog.Logger

	statsGuard process.Guard
	http       *http.Client

	mu      sync.RWMutex
	cfg     StartConfig
	started bool
}

// NewManager creates a p2pool Manager.
func NewManager(parent context.Context, resolver *binaries.Resolver, log zerolog.Logger) *Manager {
	a := &adapter{resolver: resolver}
	return &Manager{
		adapter: a,
		watcher: process.NewWatcher(parent, a, process.WithWatcherLogger(log)),
		log:     log.With().Str("service", "p2pool").Logger(),
		http:    &http.Client{Timeout: DefaultStatsTimeout},
	}
}

// Status returns the watcher's lifecycle snapshot.
func (m *Manager) Status() process.Status {
	return m.watcher.Status()
}

// EnsureStarted brings the pool client up and waits for its stats
// endpoint to accept connections.
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

	if err := m.waitForStats(ctx); err != nil {
		return err
	}
	m.log.Info().Int("grpc_port", cfg.GrpcPort).Int("stats_port", cfg.StatsPort).Msg("p2pool ready")
	return nil
}

func (m *Manager) waitForStats(ctx context.Context) error {
	deadline := time.Now().Add(DefaultReadyTimeout)
	ticker := time.NewTicker(DefaultReadyPollInterval)
	defer ticker.Stop()

	for {
		st := m.watcher.Status()
		if st.State.Terminal() {
			return &process.ExitCodeError{Name: "p2pool", Code: st.ExitCode}
		}

		if _, err := m.fetchStats(ctx); err == nil {
			return nil
		}

		if time.Now().After(deadline) {
			return &process.StartupTimeoutError{Name: "p2pool", Timeout: DefaultReadyTimeout}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// GrpcPort returns the pool's local gRPC port once started.
func (m *Manager) GrpcPort() (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.started {
		return 0, fmt.Errorf("%w: p2pool", process.ErrNotStarted)
	}
	return m.cfg.GrpcPort, nil
}

// Stats fetches per-share-chain pool statistics. Guarded: a concurrent
// duplicate call fails fast with ErrBusy.
func (m *Manager) Stats(ctx context.Context) (map[string]Stats, error) {
	m.mu.RLock()
	started := m.started
	m.mu.RUnlock()
	if !started {
		return nil, fmt.Errorf("%w: p2pool", process.ErrNotStarted)
	}

	var stats map[string]Stats
	err := m.statsGuard.Do(func() error {
		var ferr error
		stats, ferr = m.fetchStats(ctx)
		return ferr
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

func (m *Manager) fetchStats(ctx context.Context) (map[string]Stats, error) {
	m.mu.RLock()
	port := m.cfg.StatsPort
	m.mu.RUnlock()

	url := fmt.Sprintf("http://127.0.0.1:%d/stats", port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := m.http.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: p2pool stats: %v", process.ErrNotReady, err)
		}
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: p2pool stats: status %d", process.ErrNotReady, resp.StatusCode)
	}

	var stats map[string]Stats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil, fmt.Errorf("decoding p2pool stats: %w", err)
	}
	return stats, nil
}

// Stop terminates the pool client and returns its exit code.
func (m *Manager) Stop(ctx context.Context) (int, error) {
	return m.watcher.Stop(ctx)
}
