package miner

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
	"github.com/shirou/gopsutil/v4/cpu"

	"github.com/axondata/go-minestack/internal/binaries"
	"github.com/axondata/go-minestack/internal/config"
	"github.com/axondata/go-minestack/internal/process"
)

// Mode selects how aggressively the CPU miner uses the machine.
type Mode string

const (
	// ModeEco uses a small fraction of the cores
	ModeEco Mode = "eco"
	// ModeLudicrous uses every core
	ModeLudicrous Mode = "ludicrous"
)

// ecoThreadFraction is the share of logical cores used in eco mode.
const ecoThreadFraction = 0.3

// DefaultSummaryTimeout bounds one summary endpoint query.
const DefaultSummaryTimeout = 5 * time.Second

// CPUConfig is the per-start launch configuration for the CPU miner.
type CPUConfig struct {
	// Dirs is the shared directory layout
	Dirs config.Dirs
	// MoneroAddress receives the merge-mined Monero coinbase
	MoneroAddress string
	// ProxyPort is the local merge-mining proxy port to mine against
	ProxyPort int
	// Mode selects the thread count policy
	Mode Mode
	// SummaryPort is the local HTTP port for the miner's stats API
	SummaryPort int
}

// CPUStatus is the derived CPU mining status.
type CPUStatus struct {
	// IsMining is true while the miner process is running
	IsMining bool
	// HashRate is the live hash rate reported by the miner
	HashRate float64
	// EstimatedEarnings is micro units per day, derived from the
	// supplied network parameters
	EstimatedEarnings uint64
	// IsConnected reflects the miner's pool/proxy connection
	IsConnected bool
}

// cpuAdapter translates a CPUConfig into an xmrig-style launch command.
type cpuAdapter struct {
	resolver *binaries.Resolver

	mu  sync.Mutex
	cfg CPUConfig
}

func (a *cpuAdapter) Name() string { return "cpu_miner" }

func (a *cpuAdapter) setConfig(cfg CPUConfig) {
	a.mu.Lock()
	a.cfg = cfg
	a.mu.Unlock()
}

func (a *cpuAdapter) Spec(_ context.Context) (process.SpawnSpec, error) {
	a.mu.Lock()
	cfg := a.cfg
	a.mu.Unlock()

	resolved, err := a.resolver.GetBinaryPath(binaries.CpuMiner)
	if err != nil {
		return process.SpawnSpec{}, err
	}

	return process.SpawnSpec{
		Name:     a.Name(),
		ExecPath: resolved.Path,
		Args: []string{
			"--url", fmt.Sprintf("127.0.0.1:%d", cfg.ProxyPort),
			"--user", cfg.MoneroAddress,
			"--threads", fmt.Sprintf("%d", threadCount(cfg.Mode)),
			"--http-port", fmt.Sprintf("%d", cfg.SummaryPort),
			"--no-color",
		},
		PidFile: filepath.Join(cfg.Dirs.Data, "cpu_miner.pid"),
		Ready: func(line string) bool {
			return strings.Contains(line, "READY threads")
		},
		Fatal: nil,
	}, nil
}

// threadCount derives the miner thread count from the mode and the
// machine's logical core count.
func threadCount(mode Mode) int {
	cores, err := cpu.Counts(true)
	if err != nil || cores < 1 {
		cores = 1
	}
	if mode == ModeLudicrous {
		return cores
	}
	n := int(float64(cores) * ecoThreadFraction)
	if n < 1 {
		n = 1
	}
	return n
}

// CPUMiner owns the CPU miner's process watcher and its status query.
type CPUMiner struct {
	adapter *cpuAdapter
	watcher *process.Watcher
	log     zerolog.Logger

	statusGuard process.Guard
	http        *http.Client

	mu      sync.RWMutex
	cfg     CPUConfig
	started bool
}

// NewCPUMiner creates a CPU miner manager.
func NewCPUMiner(parent context.Context, resolver *binaries.Resolver, log zerolog.Logger) *CPUMiner {
	a := &cpuAdapter{resolver: resolver}
	return &CPUMiner{
		adapter: a,
		watcher: process.NewWatcher(parent, a, process.WithWatcherLogger(log)),
		log:     log.With().Str("service", "cpu_miner").Logger(),
		http:    &http.Client{Timeout: DefaultSummaryTimeout},
	}
}

// Status returns the watcher's lifecycle snapshot.
func (m *CPUMiner) ProcessStatus() process.Status {
	return m.watcher.Status()
}

// Start launches the CPU miner against the configured proxy port.
// Starting while already running is a no-op.
func (m *CPUMiner) Start(ctx context.Context, cfg CPUConfig) error {
	switch m.watcher.Status().State {
	case process.StateStarting, process.StateRunning:
		return nil
	}

	if cfg.MoneroAddress == "" {
		return fmt.Errorf("cpu_miner: monero address required")
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
	return nil
}

// summary is the wire shape of the miner's local stats endpoint.
type summary struct {
	HashRate struct {
		Total []float64 `json:"total"`
	} `json:"hashrate"`
	Connection struct {
		Uptime int `json:"uptime"`
	} `json:"connection"`
}

// Status combines the live hash rate with externally supplied network
// parameters into the derived mining status. The earnings computation
// itself is pure; only the summary fetch touches the network. Guarded:
// a concurrent duplicate call fails fast with ErrBusy.
func (m *CPUMiner) Status(ctx context.Context, networkHashRate, blockReward uint64) (CPUStatus, error) {
	st := m.watcher.Status()
	if st.State != process.StateRunning && st.State != process.StateStarting {
		return CPUStatus{}, nil
	}

	var result CPUStatus
	err := m.statusGuard.Do(func() error {
		s, err := m.fetchSummary(ctx)
		if err != nil {
			if errors.Is(err, process.ErrNotReady) {
				// Alive but the stats endpoint is not up yet.
				result = CPUStatus{IsMining: true}
				return nil
			}
			return err
		}

		var rate float64
		if len(s.HashRate.Total) > 0 {
			rate = s.HashRate.Total[0]
		}
		result = CPUStatus{
			IsMining:          true,
			HashRate:          rate,
			EstimatedEarnings: EstimateEarnings(rate, networkHashRate, blockReward),
			IsConnected:       s.Connection.Uptime > 0,
		}
		return nil
	})
	if err != nil {
		return CPUStatus{}, err
	}
	return result, nil
}

func (m *CPUMiner) fetchSummary(ctx context.Context) (summary, error) {
	m.mu.RLock()
	port := m.cfg.SummaryPort
	m.mu.RUnlock()

	url := fmt.Sprintf("http://127.0.0.1:%d/2/summary", port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return summary{}, err
	}

	resp, err := m.http.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
			return summary{}, fmt.Errorf("%w: miner summary: %v", process.ErrNotReady, err)
		}
		return summary{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return summary{}, fmt.Errorf("%w: miner summary: status %d", process.ErrNotReady, resp.StatusCode)
	}

	var s summary
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return summary{}, fmt.Errorf("decoding miner summary: %w", err)
	}
	return s, nil
}

// Stop terminates the CPU miner and returns its exit code.
func (m *CPUMiner) Stop(ctx context.Context) (int, error) {
	return m.watcher.Stop(ctx)
}
