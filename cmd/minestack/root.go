package main

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/axondata/go-minestack/internal/config"
)

var (
	cfgPath string
	baseDir string

	appCfg *config.Config
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "minestack",
		Short:         "Local mining stack supervisor",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if baseDir == "" {
				home, err := os.UserHomeDir()
				if err != nil {
					return err
				}
				baseDir = filepath.Join(home, ".minestack")
			}
			if cfgPath == "" {
				cfgPath = filepath.Join(baseDir, "config.yaml")
			}
			cfg, err := config.Load(cfgPath, baseDir)
			if err != nil {
				return err
			}
			appCfg = cfg
			return nil
		},
	}

	root.PersistentFlags().StringVar(&baseDir, "base-dir", "", "Base directory for data, config, logs and cache")
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "Path to the config file")

	root.AddCommand(
		newRunCmd(),
		newVersionsCmd(),
		newUpdateCmd(),
	)
	return root
}
