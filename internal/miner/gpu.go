package miner

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/axondata/go-minestack/internal/binaries"
	"github.com/axondata/go-minestack/internal/config"
	"github.com/axondata/go-minestack/internal/process"
)

// DefaultDetectTimeout bounds the one-shot GPU detection probe.
const DefaultDetectTimeout = 30 * time.Second

// GPUConfig is the per-start launch configuration for the GPU miner.
type GPUConfig struct {
	// Dirs is the shared directory layout
	Dirs config.Dirs
	// TariAddress receives the mined Tari coinbase
	TariAddress string
	// Source is the upstream the miner requests templates from
	Source NodeSource
	// CoinbaseExtra tags blocks mined by this instance
	CoinbaseExtra string
}

// GPUStatus is the derived GPU mining status.
type GPUStatus struct {
	// IsMining is true while the miner process is running
	IsMining bool
	// IsAvailable is true when the detection probe found a usable GPU
	IsAvailable bool
	// HashRate is the live hash rate reported by the miner
	HashRate float64
	// EstimatedEarnings is micro units per day
	EstimatedEarnings uint64
}

// hashRateLine matches the periodic hash-rate report in the miner's
// output, e.g. "Hash rate: 2400.5 H/s".
var hashRateLine = regexp.MustCompile(`(?i)hash\s*rate[:=]?\s*([0-9]+(?:\.[0-9]+)?)`)

func parseHashRate(line string) (float64, bool) {
	m := hashRateLine.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	rate, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	return rate, true
}

// gpuAdapter translates a GPUConfig into the miner launch command.
type gpuAdapter struct {
	resolver *binaries.Resolver
	// onLine follows the miner's output; set once at construction
	onLine func(line string)

	mu  sync.Mutex
	cfg GPUConfig
}

func (a *gpuAdapter) Name() string { return "gpu_miner" }

func (a *gpuAdapter) setConfig(cfg GPUConfig) {
	a.mu.Lock()
	a.cfg = cfg
	a.mu.Unlock()
}

func (a *gpuAdapter) Spec(_ context.Context) (process.SpawnSpec, error) {
	a.mu.Lock()
	cfg := a.cfg
	a.mu.Unlock()

	resolved, err := a.resolver.GetBinaryPath(binaries.GpuMiner)
	if err != nil {
		return process.SpawnSpec{}, err
	}

	args := []string{
		"--tari-address", cfg.TariAddress,
		"--tari-node-port", fmt.Sprintf("%d", cfg.Source.GrpcPort),
		"--log-dir", cfg.Dirs.Log,
	}
	if cfg.Source.P2pool {
		args = append(args, "--p2pool-enabled")
	}
	if cfg.CoinbaseExtra != "" {
		args = append(args, "--coinbase-extra", cfg.CoinbaseExtra)
	}

	return process.SpawnSpec{
		Name:     a.Name(),
		ExecPath: resolved.Path,
		Args:     args,
		PidFile:  filepath.Join(cfg.Dirs.Data, "gpu_miner.pid"),
		Ready: func(line string) bool {
			return strings.Contains(line, "Mining started")
		},
		Fatal: func(line string) (string, bool) {
			if strings.Contains(line, "No gpu device detected") {
				return "no-gpu", true
			}
			return "", false
		},
		OnLine: a.onLine,
	}, nil
}

// GPUMiner owns the GPU miner's process watcher, the one-shot hardware
// detection probe and the status query.
type GPUMiner struct {
	adapter  *gpuAdapter
	watcher  *process.Watcher
	resolver *binaries.Resolver
	log      zerolog.Logger

	statusGuard process.Guard

	mu        sync.RWMutex
	detected  bool
	available bool
	hashRate  float64
}

// NewGPUMiner creates a GPU miner manager.
func NewGPUMiner(parent context.Context, resolver *binaries.Resolver, log zerolog.Logger) *GPUMiner {
	a := &gpuAdapter{resolver: resolver}
	m := &GPUMiner{
		adapter:  a,
		watcher:  process.NewWatcher(parent, a, process.WithWatcherLogger(log)),
		resolver: resolver,
		log:      log.With().Str("service", "gpu_miner").Logger(),
	}
	a.onLine = func(line string) {
		if rate, ok := parseHashRate(line); ok {
			m.RecordHashRate(rate)
		}
	}
	return m
}

// ProcessStatus returns the watcher's lifecycle snapshot.
func (m *GPUMiner) ProcessStatus() process.Status {
	return m.watcher.Status()
}

// Detect runs the miner binary's detection mode once and records
// whether a usable GPU exists. The probe is independent of the run
// lifecycle; a failed probe only marks the miner unavailable.
func (m *GPUMiner) Detect(ctx context.Context) (bool, error) {
	resolved, err := m.resolver.GetBinaryPath(binaries.GpuMiner)
	if err != nil {
		m.setAvailability(false)
		return false, err
	}

	dctx, cancel := context.WithTimeout(ctx, DefaultDetectTimeout)
	defer cancel()

	cmd := exec.CommandContext(dctx, resolved.Path, "--detect", "true")
	out, err := cmd.CombinedOutput()
	if err != nil {
		m.log.Info().Err(err).Str("output", strings.TrimSpace(string(out))).
			Msg("gpu detection probe failed, gpu mining unavailable")
		m.setAvailability(false)
		return false, nil
	}

	m.log.Info().Msg("gpu detected")
	m.setAvailability(true)
	return true, nil
}

func (m *GPUMiner) setAvailability(ok bool) {
	m.mu.Lock()
	m.detected = true
	m.available = ok
	m.mu.Unlock()
}

// Available reports the result of the last detection probe. False
// before Detect has run.
func (m *GPUMiner) Available() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.detected && m.available
}

// Start launches the GPU miner. Requires a prior successful Detect.
// Starting while already running is a no-op.
func (m *GPUMiner) Start(ctx context.Context, cfg GPUConfig) error {
	if !m.Available() {
		return fmt.Errorf("gpu_miner: no gpu available")
	}
	switch m.watcher.Status().State {
	case process.StateStarting, process.StateRunning:
		return nil
	}

	if cfg.TariAddress == "" {
		return fmt.Errorf("gpu_miner: tari address required")
	}
	if cfg.Source.GrpcPort == 0 {
		return fmt.Errorf("gpu_miner: upstream grpc port required")
	}
	if err := cfg.Dirs.EnsureExists(); err != nil {
		return err
	}

	// A fresh instance reports its own rate; drop the previous one.
	m.RecordHashRate(0)
	m.adapter.setConfig(cfg)
	return m.watcher.Start(ctx)
}

// RecordHashRate stores the latest hash rate. The adapter's output
// follower calls this whenever the miner prints a hash-rate line.
func (m *GPUMiner) RecordHashRate(rate float64) {
	m.mu.Lock()
	m.hashRate = rate
	m.mu.Unlock()
}

// Status combines availability, run state and the last recorded hash
// rate with externally supplied network parameters. Guarded like the
// CPU miner status.
func (m *GPUMiner) Status(_ context.Context, networkHashRate, blockReward uint64) (GPUStatus, error) {
	var result GPUStatus
	err := m.statusGuard.Do(func() error {
		m.mu.RLock()
		avail := m.detected && m.available
		rate := m.hashRate
		m.mu.RUnlock()

		st := m.watcher.Status()
		mining := st.State == process.StateRunning || st.State == process.StateStarting
		if !mining {
			rate = 0
		}
		result = GPUStatus{
			IsMining:          mining,
			IsAvailable:       avail,
			HashRate:          rate,
			EstimatedEarnings: EstimateEarnings(rate, networkHashRate, blockReward),
		}
		return nil
	})
	if err != nil {
		return GPUStatus{}, err
	}
	return result, nil
}

// Stop terminates the GPU miner and returns its exit code.
func (m *GPUMiner) Stop(ctx context.Context) (int, error) {
	return m.watcher.Stop(ctx)
}
