package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stackhaven/warden/internal/config"
)

func newCheckCmd() *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:   "check [config-file]",
		Short: "Validate a configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configFile
			if len(args) > 0 {
				path = args[0]
			}
			if path == "" {
				return fmt.Errorf("no configuration file given")
			}

			cfg, err := config.LoadFile(path)
			if err != nil {
				return err
			}

			fmt.Printf("%s: OK\n", path)
			if verbose {
				fmt.Printf("  listen:   %s\n", cfg.Listen)
				fmt.Printf("  database: %s\n", cfg.Database.Path)
				fmt.Printf("  driver:   %s (table %s)\n", cfg.Enforcement.Driver, cfg.Enforcement.Table)
				if cfg.Notifications != nil && cfg.Notifications.Enabled {
					fmt.Printf("  notification channels: %d\n", len(cfg.Notifications.Channels))
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Print the effective configuration")
	return cmd
}
