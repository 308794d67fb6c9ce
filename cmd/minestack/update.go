package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/axondata/go-minestack/internal/binaries"
	"github.com/axondata/go-minestack/internal/logging"
	"github.com/axondata/go-minestack/internal/progress"
	"github.com/rs/zerolog/log"
)

func newUpdateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "update",
		Short: "Download and install the latest version of every stack binary",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := appCfg.Dirs.EnsureExists(); err != nil {
				return err
			}
			closer, err := logging.Setup(appCfg.Logging)
			if err != nil {
				return err
			}
			defer func() { _ = closer.Close() }()

			resolver, err := newResolver(appCfg)
			if err != nil {
				return err
			}

			sink := &progress.LogSink{Log: log.Logger}
			var failed int
			for _, b := range binaries.All() {
				if err := resolver.EnsureLatest(cmd.Context(), b, sink); err != nil {
					log.Warn().Err(err).Stringer("binary", b).Msg("update failed")
					failed++
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s up to date\n", b)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d binaries failed to update", failed, len(binaries.All()))
			}
			return nil
		},
	}
}
