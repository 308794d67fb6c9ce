// Package setup drives the bring-up and teardown of the whole mining
// stack: binary updates, the fixed service start order, the corrupt
// database retry policy and the config-change reactions.
package setup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/axondata/go-minestack/internal/binaries"
	"github.com/axondata/go-minestack/internal/config"
	"github.com/axondata/go-minestack/internal/miner"
	"github.com/axondata/go-minestack/internal/mmproxy"
	"github.com/axondata/go-minestack/internal/node"
	"github.com/axondata/go-minestack/internal/p2pool"
	"github.com/axondata/go-minestack/internal/process"
	"github.com/axondata/go-minestack/internal/progress"
	"github.com/axondata/go-minestack/internal/wallet"
)

// DefaultNodeStartAttempts bounds how many times a corrupt node
// database is wiped and the node restarted before giving up.
const DefaultNodeStartAttempts = 2

// ErrSetupAlreadyRun is returned by Run after the first call of a
// session. Bring-up is once per process; restarts of individual
// services go through the managers.
var ErrSetupAlreadyRun = errors.New("setup: already run this session")

// progressMax is the step count representing a finished bring-up.
const progressMax = 100

// updateSteps fixes the order and cumulative progress weight of the
// per-binary update phase.
var updateSteps = []struct {
	binary binaries.Binary
	step   int
}{
	{binaries.Node, 10},
	{binaries.MergeMiningProxy, 15},
	{binaries.Wallet, 20},
	{binaries.GpuMiner, 25},
	{binaries.CpuMiner, 30},
	{binaries.P2pool, 35},
}

// Orchestrator owns the bring-up sequence and the teardown order of
// every service in the stack.
type Orchestrator struct {
	resolver *binaries.Resolver
	node     *node.Manager
	wallet   *wallet.Manager
	mmproxy  *mmproxy.Manager
	p2pool   *p2pool.Manager
	cpu      *miner.CPUMiner
	gpu      *miner.GPUMiner
	sink     *progress.Tracker
	log      zerolog.Logger

	ran atomic.Bool

	// lifecycle serializes Run, config changes, mining toggles and
	// shutdown against each other; a reload can never interleave with
	// a bring-up in flight.
	lifecycle sync.Mutex

	// mu guards the config pointer and the update sweep clock. Readers
	// snapshot the pointer; loaded configs are never mutated in place.
	mu        sync.Mutex
	cfg       *config.Config
	lastSweep time.Time
}

// Deps collects the collaborators the orchestrator drives.
type Deps struct {
	Config   *config.Config
	Resolver *binaries.Resolver
	Node     *node.Manager
	Wallet   *wallet.Manager
	MmProxy  *mmproxy.Manager
	P2pool   *p2pool.Manager
	CPU      *miner.CPUMiner
	GPU      *miner.GPUMiner
	Sink     progress.Sink
	Log      zerolog.Logger
}

// New creates an Orchestrator. A nil Sink is replaced with a no-op.
func New(d Deps) *Orchestrator {
	return &Orchestrator{
		cfg:      d.Config,
		resolver: d.Resolver,
		node:     d.Node,
		wallet:   d.Wallet,
		mmproxy:  d.MmProxy,
		p2pool:   d.P2pool,
		cpu:      d.CPU,
		gpu:      d.GPU,
		sink:     progress.NewTracker(d.Sink),
		log:      d.Log.With().Str("component", "setup").Logger(),
	}
}

// config returns the current configuration snapshot.
func (o *Orchestrator) config() *config.Config {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cfg
}

// Run executes the bring-up sequence once. A second call in the same
// session returns ErrSetupAlreadyRun without touching anything.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.lifecycle.Lock()
	defer o.lifecycle.Unlock()

	if !o.ran.CompareAndSwap(false, true) {
		return ErrSetupAlreadyRun
	}

	o.sink.SetMax(progressMax)
	o.sink.Update("starting-up", nil, 0)

	if err := o.config().Dirs.EnsureExists(); err != nil {
		return err
	}

	// Version lookups are read-only and always run; an unreachable
	// index with a warm cache is not fatal here.
	for _, b := range binaries.All() {
		if _, err := o.resolver.ReadCurrentHighestVersion(ctx, b); err != nil {
			o.log.Warn().Err(err).Stringer("binary", b).Msg("version lookup failed")
		}
	}

	o.UpdateBinaries(ctx)

	o.sink.Update("waiting-for-node", nil, 40)
	if err := o.startNode(ctx); err != nil {
		return err
	}

	o.sink.Update("waiting-for-wallet", nil, 75)
	if err := o.startWallet(ctx); err != nil {
		return err
	}

	o.sink.Update("waiting-for-initial-sync", nil, 85)
	if err := o.node.WaitSynced(ctx, o.sink); err != nil {
		return err
	}

	if o.config().P2pool.Enabled {
		if err := o.startP2pool(ctx); err != nil {
			return err
		}
	}

	if err := o.startProxy(ctx); err != nil {
		return err
	}

	o.sink.Update("finished", nil, progressMax)
	o.log.Info().Msg("stack is up")
	return nil
}

// UpdateBinaries runs the staleness-gated per-binary update sweep.
// Individual failures are logged and swallowed; the stack can run on
// whatever is already installed.
func (o *Orchestrator) UpdateBinaries(ctx context.Context) {
	o.mu.Lock()
	if time.Since(o.lastSweep) < o.cfg.Manifest.Staleness {
		o.mu.Unlock()
		return
	}
	o.lastSweep = time.Now()
	o.mu.Unlock()

	// Download sub-steps are scaled into each binary's weight span so a
	// finished download lands on the phase weight, not the bar's end.
	prev := 0
	for _, s := range updateSteps {
		o.sink.Update("downloading-binaries",
			map[string]string{"binary": s.binary.String()}, prev)
		win := progress.NewWindow(o.sink, prev, s.step)
		if err := o.resolver.EnsureLatest(ctx, s.binary, win); err != nil {
			o.log.Warn().Err(err).Stringer("binary", s.binary).
				Msg("binary update failed, keeping installed version")
		}
		o.sink.Update("downloading-binaries",
			map[string]string{"binary": s.binary.String()}, s.step)
		prev = s.step
	}
}

// startNode starts the base node, wiping the chain database and
// retrying when the node exits with the corrupt-database code. Any
// other failure is fatal.
func (o *Orchestrator) startNode(ctx context.Context) error {
	c := o.config()
	cfg := node.StartConfig{
		Network:  c.Network,
		Dirs:     c.Dirs,
		GrpcPort: c.Node.GrpcPort,
	}

	var lastErr error
	for attempt := 0; attempt < DefaultNodeStartAttempts; attempt++ {
		err := o.node.EnsureStarted(ctx, cfg)
		if err == nil {
			return nil
		}
		lastErr = err

		code, ok := process.ExitCode(err)
		if !ok || code != node.ExitCodeCorruptDatabase {
			return err
		}

		// Wiping is only useful when another attempt follows; the last
		// failure keeps the chain data for inspection.
		if attempt+1 >= DefaultNodeStartAttempts {
			break
		}
		o.log.Warn().Int("attempt", attempt+1).
			Msg("node database corrupt, wiping data folder")
		if cleanErr := o.node.CleanDataFolder(); cleanErr != nil {
			return fmt.Errorf("cleaning node data after corrupt database: %w", cleanErr)
		}
	}
	return fmt.Errorf("node failed after %d attempts: %w", DefaultNodeStartAttempts, lastErr)
}

func (o *Orchestrator) startWallet(ctx context.Context) error {
	nodePort, err := o.node.GrpcPort()
	if err != nil {
		return err
	}
	c := o.config()
	return o.wallet.EnsureStarted(ctx, wallet.StartConfig{
		Network:      c.Network,
		Dirs:         c.Dirs,
		GrpcPort:     c.Wallet.GrpcPort,
		NodeGrpcPort: nodePort,
	})
}

func (o *Orchestrator) startP2pool(ctx context.Context) error {
	nodePort, err := o.node.GrpcPort()
	if err != nil {
		return err
	}
	c := o.config()
	cfg, err := p2pool.NewConfigBuilder(c.Network, c.Dirs,
		c.P2pool.GrpcPort, c.P2pool.StatsPort).
		WithBaseNode(nodePort).
		Build()
	if err != nil {
		return err
	}
	return o.p2pool.EnsureStarted(ctx, cfg)
}

// proxyConfig builds the proxy launch configuration for the current
// p2pool toggle.
func (o *Orchestrator) proxyConfig() (mmproxy.StartConfig, error) {
	c := o.config()
	cfg := mmproxy.StartConfig{
		Network:     c.Network,
		Dirs:        c.Dirs,
		TariAddress: c.Mining.TariAddress,
		MoneroPort:  c.MmProxy.MoneroPort,
	}
	if c.P2pool.Enabled {
		port, err := o.p2pool.GrpcPort()
		if err != nil {
			return mmproxy.StartConfig{}, err
		}
		cfg.UseP2pool(port)
	} else {
		port, err := o.node.GrpcPort()
		if err != nil {
			return mmproxy.StartConfig{}, err
		}
		cfg.UseBaseNode(port)
	}
	return cfg, nil
}

func (o *Orchestrator) startProxy(ctx context.Context) error {
	cfg, err := o.proxyConfig()
	if err != nil {
		return err
	}
	if err := o.mmproxy.Start(ctx, cfg); err != nil {
		return err
	}
	return o.mmproxy.WaitReady(ctx)
}

// StartMining launches the enabled miners against the running stack.
// The proxy must be up for the CPU miner; the GPU miner mines against
// the node or the pool directly.
func (o *Orchestrator) StartMining(ctx context.Context) error {
	o.lifecycle.Lock()
	defer o.lifecycle.Unlock()

	c := o.config()
	if c.Mining.CPUEnabled {
		proxyPort, err := o.mmproxy.MoneroPort()
		if err != nil {
			return fmt.Errorf("cpu miner needs the proxy: %w", err)
		}
		err = o.cpu.Start(ctx, miner.CPUConfig{
			Dirs:          c.Dirs,
			MoneroAddress: c.Mining.MoneroAddress,
			ProxyPort:     proxyPort,
			Mode:          miner.Mode(c.Mining.Mode),
			SummaryPort:   c.Mining.HTTPPort,
		})
		if err != nil {
			return err
		}
	}

	if c.Mining.GPUEnabled && o.gpu.Available() {
		src, err := o.minerSource()
		if err != nil {
			return err
		}
		err = o.gpu.Start(ctx, miner.GPUConfig{
			Dirs:        c.Dirs,
			TariAddress: c.Mining.TariAddress,
			Source:      src,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) minerSource() (miner.NodeSource, error) {
	if o.config().P2pool.Enabled {
		port, err := o.p2pool.GrpcPort()
		if err != nil {
			return miner.NodeSource{}, err
		}
		return miner.NodeSource{P2pool: true, GrpcPort: port}, nil
	}
	port, err := o.node.GrpcPort()
	if err != nil {
		return miner.NodeSource{}, err
	}
	return miner.NodeSource{GrpcPort: port}, nil
}

// StopMining stops both miners. Stopping a miner that never ran is a
// no-op.
func (o *Orchestrator) StopMining(ctx context.Context) error {
	o.lifecycle.Lock()
	defer o.lifecycle.Unlock()

	var errs []error
	if _, err := o.cpu.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("cpu miner: %w", err))
	}
	if _, err := o.gpu.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("gpu miner: %w", err))
	}
	return errors.Join(errs...)
}

// HandleConfigChange reacts to a live configuration reload. The only
// structural change handled here is the p2pool toggle, which restarts
// the proxy against the new upstream exactly once.
func (o *Orchestrator) HandleConfigChange(ctx context.Context, next *config.Config) error {
	o.lifecycle.Lock()
	defer o.lifecycle.Unlock()

	o.mu.Lock()
	prevEnabled := o.cfg.P2pool.Enabled
	o.cfg = next
	o.mu.Unlock()
	if prevEnabled == next.P2pool.Enabled {
		return nil
	}

	o.log.Info().Bool("p2pool", next.P2pool.Enabled).Msg("p2pool toggled")

	if next.P2pool.Enabled {
		if err := o.startP2pool(ctx); err != nil {
			return err
		}
	}

	if o.mmproxy.Config() != nil {
		cfg, err := o.proxyConfig()
		if err != nil {
			return err
		}
		if err := o.mmproxy.ChangeConfig(ctx, cfg); err != nil {
			return err
		}
	}

	if !next.P2pool.Enabled {
		if _, err := o.p2pool.Stop(ctx); err != nil {
			return fmt.Errorf("stopping p2pool after toggle: %w", err)
		}
	}
	return nil
}

// Shutdown tears the stack down in dependency order: miners first,
// then wallet, proxy, node, and p2pool last.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.lifecycle.Lock()
	defer o.lifecycle.Unlock()

	var errs []error
	stop := func(name string, fn func(context.Context) (int, error)) {
		code, err := fn(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			return
		}
		o.log.Debug().Str("service", name).Int("exit_code", code).Msg("stopped")
	}

	stop("cpu_miner", o.cpu.Stop)
	stop("gpu_miner", o.gpu.Stop)
	stop("wallet", o.wallet.Stop)
	stop("mm_proxy", o.mmproxy.Stop)
	stop("node", o.node.Stop)
	stop("p2pool", o.p2pool.Stop)

	return errors.Join(errs...)
}
