package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/axondata/go-minestack/internal/binaries"
	"github.com/axondata/go-minestack/internal/config"
	"github.com/axondata/go-minestack/internal/logging"
	"github.com/axondata/go-minestack/internal/miner"
	"github.com/axondata/go-minestack/internal/mmproxy"
	"github.com/axondata/go-minestack/internal/node"
	"github.com/axondata/go-minestack/internal/p2pool"
	"github.com/axondata/go-minestack/internal/progress"
	"github.com/axondata/go-minestack/internal/setup"
	"github.com/axondata/go-minestack/internal/wallet"
)

// shutdownTimeout bounds the whole teardown, not individual services.
const shutdownTimeout = 60 * time.Second

// envKeys sources the wallet view and spend keys from the environment.
// Key derivation is outside this program; the keys arrive ready to use.
type envKeys struct{}

func (envKeys) ViewKey() string  { return os.Getenv("MINESTACK_WALLET_VIEW_KEY") }
func (envKeys) SpendKey() string { return os.Getenv("MINESTACK_WALLET_SPEND_KEY") }

func newRunCmd() *cobra.Command {
	var mine bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the stack and supervise it until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := appCfg.Dirs.EnsureExists(); err != nil {
				return err
			}

			closer, err := logging.Setup(appCfg.Logging)
			if err != nil {
				return err
			}
			defer func() { _ = closer.Close() }()

			ctx, stop := signal.NotifyContext(context.Background(),
				os.Interrupt, syscall.SIGTERM)
			defer stop()

			resolver, err := newResolver(appCfg)
			if err != nil {
				return err
			}

			stopInstallWatch, err := resolver.WatchInstallDir(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = stopInstallWatch() }()

			nodeMgr := node.NewManager(ctx, resolver, log.Logger)
			walletMgr := wallet.NewManager(ctx, resolver, log.Logger)
			walletMgr.SetKeys(envKeys{})
			proxyMgr := mmproxy.NewManager(ctx, resolver, log.Logger)
			poolMgr := p2pool.NewManager(ctx, resolver, log.Logger)
			cpuMiner := miner.NewCPUMiner(ctx, resolver, log.Logger)
			gpuMiner := miner.NewGPUMiner(ctx, resolver, log.Logger)

			orch := setup.New(setup.Deps{
				Config:   appCfg,
				Resolver: resolver,
				Node:     nodeMgr,
				Wallet:   walletMgr,
				MmProxy:  proxyMgr,
				P2pool:   poolMgr,
				CPU:      cpuMiner,
				GPU:      gpuMiner,
				Sink:     &progress.LogSink{Log: log.Logger},
				Log:      log.Logger,
			})

			stopConfigWatch, err := config.Watch(ctx, cfgPath, baseDir, log.Logger,
				func(next *config.Config) {
					if err := orch.HandleConfigChange(ctx, next); err != nil {
						log.Warn().Err(err).Msg("applying config change failed")
					}
				})
			if err != nil {
				return err
			}
			defer func() { _ = stopConfigWatch() }()

			scheduler, err := setup.NewUpdateScheduler(orch, "", log.Logger)
			if err != nil {
				return err
			}
			scheduler.Start()
			defer scheduler.Stop()

			// Teardown runs on its own deadline; the signal context
			// may already be cancelled by then.
			teardown := func() error {
				sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				return orch.Shutdown(sctx)
			}

			if err := orch.Run(ctx); err != nil {
				// Services started before the failure must not be
				// orphaned.
				if serr := teardown(); serr != nil {
					log.Warn().Err(serr).Msg("cleanup after failed bring-up")
				}
				return err
			}

			if mine {
				if appCfg.Mining.GPUEnabled {
					if _, err := gpuMiner.Detect(ctx); err != nil {
						log.Warn().Err(err).Msg("gpu detection failed")
					}
				}
				if err := orch.StartMining(ctx); err != nil {
					if serr := teardown(); serr != nil {
						log.Warn().Err(serr).Msg("cleanup after failed mining start")
					}
					return err
				}
			}

			<-ctx.Done()
			log.Info().Msg("shutting down")
			return teardown()
		},
	}

	cmd.Flags().BoolVar(&mine, "mine", true, "Start the enabled miners once the stack is up")
	return cmd
}

func newResolver(cfg *config.Config) (*binaries.Resolver, error) {
	return binaries.NewResolver(
		binaries.NewIndexClient(cfg.Manifest.BaseURL),
		filepath.Join(cfg.Dirs.Data, "binaries"),
		cfg.Dirs.Cache,
		binaries.WithStaleness(cfg.Manifest.Staleness),
		binaries.WithLogger(log.Logger),
	)
}
