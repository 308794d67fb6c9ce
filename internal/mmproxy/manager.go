package mmproxy

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/axondata/go-minestack/internal/binaries"
	"github.com/axondata/go-minestack/internal/process"
)

// Probe timing constants
const (
	DefaultReadyPollInterval = 250 * time.Millisecond
	DefaultReadyTimeout      = 60 * time.Second
)

// Manager owns the proxy's process watcher and the restart-in-place
// configuration change used when the pool toggle flips.
type Manager struct {
	adapter *adapter
	watcher *process.Watcher
	log     zerolog.Logger

	// mu serializes Start/ChangeConfig/Stop against each other and
	// guards the config slot. Status queries do not take it; they
	// observe Stopping/Starting through the watcher and report not
	// ready, never a torn config.
	mu      sync.Mutex
	cfg     *StartConfig
	started bool
}

// NewManager creates a proxy Manager.
func NewManager(parent context.Context, resolver *binaries.Resolver, log zerolog.Logger) *Manager {
	a := &adapter{resolver: resolver}
	return &Manager{
		adapter: a,
		watcher: process.NewWatcher(parent, a, process.WithWatcherLogger(log)),
		log:     log.With().Str("service", "mmproxy").Logger(),
	}
}

// Status returns the watcher's lifecycle snapshot.
func (m *Manager) Status() process.Status {
	return m.watcher.Status()
}

// Config returns a copy of the active configuration, or nil before the
// first start.
func (m *Manager) Config() *StartConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cfg == nil {
		return nil
	}
	cfg := *m.cfg
	return &cfg
}

// Start launches the proxy with cfg. Starting while already running is
// a no-op.
func (m *Manager) Start(ctx context.Context, cfg StartConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startLocked(ctx, cfg)
}

func (m *Manager) startLocked(ctx context.Context, cfg StartConfig) error {
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

	m.cfg = &cfg
	m.started = true
	return nil
}

// WaitReady blocks until the proxy accepts connections on its Monero
// port, so "ready" means answering miners, not merely process alive.
func (m *Manager) WaitReady(ctx context.Context) error {
	port, err := m.MoneroPort()
	if err != nil {
		return err
	}

	deadline := time.Now().Add(DefaultReadyTimeout)
	ticker := time.NewTicker(DefaultReadyPollInterval)
	defer ticker.Stop()

	addr := net.JoinHostPort("127.0.0.1", fmt.Sprintf("%d", port))
	for {
		st := m.watcher.Status()
		if st.State.Terminal() {
			return &process.ExitCodeError{Name: "mmproxy", Code: st.ExitCode}
		}

		conn, err := net.DialTimeout("tcp", addr, time.Second)
		if err == nil {
			_ = conn.Close()
			m.log.Info().Int("monero_port", port).Msg("proxy ready")
			return nil
		}

		if time.Now().After(deadline) {
			return &process.StartupTimeoutError{Name: "mmproxy", Timeout: DefaultReadyTimeout}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ChangeConfig performs a restart-in-place: stop, swap the whole
// StartConfig, start. Used when flipping between pool-backed and
// direct-node-backed proxying. Concurrent status queries observe
// Stopping/Starting and simply report not ready.
func (m *Manager) ChangeConfig(ctx context.Context, cfg StartConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.log.Info().Bool("p2pool", cfg.P2poolEnabled).Msg("restarting proxy with new upstream")
	if _, err := m.watcher.Stop(ctx); err != nil {
		return fmt.Errorf("stopping proxy for config change: %w", err)
	}
	if err := m.startLocked(ctx, cfg); err != nil {
		return fmt.Errorf("restarting proxy with new config: %w", err)
	}
	return nil
}

// MoneroPort returns the local port miners should connect to.
func (m *Manager) MoneroPort() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started || m.cfg == nil {
		return 0, fmt.Errorf("%w: mmproxy", process.ErrNotStarted)
	}
	return m.cfg.MoneroPort, nil
}

// Stop terminates the proxy and returns its exit code.
func (m *Manager) Stop(ctx context.Context) (int, error) {
	return m.watcher.Stop(ctx)
}
