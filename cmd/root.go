// Package cmd implements the warden command line.
package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var configFile string

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "warden",
		Short: "Hierarchical firewall policy engine for the VM platform",
		Long: `warden manages per-VM firewall policy as a hierarchy of filters:
rule templates feed department filters, department filters feed VM filters.
The daemon resolves the hierarchy into flat rule lists and pushes them to
the host firewall.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"Configuration file (HCL)")

	rootCmd.AddCommand(newStartCmd())
	rootCmd.AddCommand(newCheckCmd())
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

// Execute runs the root command.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
