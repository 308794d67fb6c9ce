package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/axondata/go-minestack/internal/binaries"
)

func newVersionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "versions",
		Short: "Show the highest known version of each stack binary",
		RunE: func(cmd *cobra.Command, args []string) error {
			resolver, err := newResolver(appCfg)
			if err != nil {
				return err
			}

			for _, b := range binaries.All() {
				info, err := resolver.ReadCurrentHighestVersion(cmd.Context(), b)
				if err != nil {
					fmt.Fprintf(cmd.OutOrStdout(), "%-28s (unknown: %v)\n", b, err)
					continue
				}

				installed := "not installed"
				if resolved, err := resolver.GetBinaryPath(b); err == nil {
					installed = resolved.Version.String()
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-28s latest %-12s installed %s\n",
					b, info.Version, installed)
			}
			return nil
		},
	}
}
