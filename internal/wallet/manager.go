package wallet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/axondata/go-minestack/internal/binaries"
	"github.com/axondata/go-minestack/internal/process"
	"github.com/axondata/go-minestack/internal/rpc"
)

// Probe timing constants
const (
	DefaultProbeInterval = 500 * time.Millisecond
	DefaultProbeTimeout  = 60 * time.Second
)

// Balance is the wallet's balance snapshot in micro units. Fetched on
// demand, never cached.
type Balance struct {
	Available       uint64 `json:"available"`
	PendingIncoming uint64 `json:"pending_incoming"`
	PendingOutgoing uint64 `json:"pending_outgoing"`
	Timelocked      uint64 `json:"timelocked"`
}

// Manager owns the wallet's process watcher and its balance query.
type Manager struct {
	adapter *adapter
	watcher *process.Watcher
	log     zerolog.Logger

	balanceGuard process.Guard

	mu       sync.RWMutex
	cfg      StartConfig
	started  bool
	viewKey  string
	spendKey string
}

// NewManager creates a wallet Manager.
func NewManager(parent context.Context, resolver *binaries.Resolver, log zerolog.Logger) *Manager {
	a := &adapter{resolver: resolver}
	return &Manager{
		adapter: a,
		watcher: process.NewWatcher(parent, a, process.WithWatcherLogger(log)),
		log:     log.With().Str("service", "wallet").Logger(),
	}
}

// SetKeys injects the key material produced by the wallet-identity
// collaborator. Must be called before the first EnsureStarted.
func (m *Manager) SetKeys(keys Keys) {
	m.mu.Lock()
	m.viewKey = keys.ViewKey()
	m.spendKey = keys.SpendKey()
	m.mu.Unlock()
}

// Status returns the watcher's lifecycle snapshot.
func (m *Manager) Status() process.Status {
	return m.watcher.Status()
}

// EnsureStarted brings the wallet up and blocks until it answers RPC.
func (m *Manager) EnsureStarted(ctx context.Context, cfg StartConfig) error {
	switch m.watcher.Status().State {
	case process.StateStarting, process.StateRunning:
		return nil
	}

	if err := cfg.Dirs.EnsureExists(); err != nil {
		return err
	}

	m.mu.RLock()
	cfg.ViewKey = m.viewKey
	cfg.SpendKey = m.spendKey
	m.mu.RUnlock()

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
	m.log.Info().Int("grpc_port", cfg.GrpcPort).Msg("wallet answering requests")
	return nil
}

func (m *Manager) waitForRPC(ctx context.Context) error {
	deadline := time.Now().Add(DefaultProbeTimeout)
	ticker := time.NewTicker(DefaultProbeInterval)
	defer ticker.Stop()

	for {
		st := m.watcher.Status()
		if st.State.Terminal() {
			return &process.ExitCodeError{Name: "wallet", Code: st.ExitCode}
		}

		var b Balance
		err := m.client().Call(ctx, "get_balance", nil, &b)
		if err == nil {
			return nil
		}
		if !errors.Is(err, process.ErrNotReady) {
			return err
		}

		if time.Now().After(deadline) {
			return &process.StartupTimeoutError{Name: "wallet", Timeout: DefaultProbeTimeout}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// GetBalance fetches the current balance. A concurrent duplicate call
// fails fast with ErrBusy; polling callers drop the stale request
// instead of queueing.
func (m *Manager) GetBalance(ctx context.Context) (Balance, error) {
	m.mu.RLock()
	started := m.started
	m.mu.RUnlock()
	if !started {
		return Balance{}, fmt.Errorf("%w: wallet", process.ErrNotStarted)
	}

	var balance Balance
	err := m.balanceGuard.Do(func() error {
		return m.client().Call(ctx, "get_balance", nil, &balance)
	})
	if err != nil {
		return Balance{}, err
	}
	return balance, nil
}

// Stop terminates the wallet and returns its exit code.
func (m *Manager) Stop(ctx context.Context) (int, error) {
	return m.watcher.Stop(ctx)
}

func (m *Manager) client() *rpc.Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return rpc.NewClient(m.cfg.GrpcPort)
}
