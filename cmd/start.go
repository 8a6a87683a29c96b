package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/stackhaven/warden/internal/api"
	"github.com/stackhaven/warden/internal/config"
	"github.com/stackhaven/warden/internal/enforce"
	"github.com/stackhaven/warden/internal/engine"
	"github.com/stackhaven/warden/internal/events"
	"github.com/stackhaven/warden/internal/logging"
	"github.com/stackhaven/warden/internal/notify"
	"github.com/stackhaven/warden/internal/store"
)

func newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the policy daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart()
		},
	}
}

func loadConfig() (*config.Config, error) {
	if configFile == "" {
		return config.Default(), nil
	}
	return config.LoadFile(configFile)
}

func runStart() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	level, err := config.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	log := logging.New(logging.Config{
		Level: level,
		JSON:  cfg.Logging.JSON,
	})

	opts := store.DefaultOptions(cfg.Database.Path)
	opts.Logger = log
	s, err := store.Open(opts)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer s.Close()

	driver, err := buildDriver(cfg, log)
	if err != nil {
		return err
	}

	retry := enforce.DefaultRetryConfig()
	if cfg.Enforcement.MaxAttempts > 0 {
		retry.MaxAttempts = cfg.Enforcement.MaxAttempts
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := events.NewHub()
	engOpts := engine.Options{
		Store:  s,
		Driver: driver,
		Hub:    hub,
		Logger: log,
		Retry:  retry,
	}

	if cfg.Notifications != nil && cfg.Notifications.Enabled {
		dispatcher := notify.NewDispatcher(cfg.Notifications, log)
		go dispatcher.Watch(ctx, hub)
		engOpts.Notifier = dispatcher
	}

	eng := engine.New(engOpts)

	log.Info("starting warden",
		"listen", cfg.Listen,
		"database", cfg.Database.Path,
		"driver", cfg.Enforcement.Driver)

	return api.NewServer(eng, cfg, log).Start(ctx)
}

func buildDriver(cfg *config.Config, log *logging.Logger) (enforce.Driver, error) {
	switch cfg.Enforcement.Driver {
	case "mock":
		log.Warn("using mock enforcement driver, rules will not reach the host firewall")
		return enforce.NewMockDriver(), nil
	case "nftables":
		driver, err := enforce.NewNFTDriver(cfg.Enforcement.Table, log)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize nftables: %w", err)
		}
		return driver, nil
	}
	return nil, fmt.Errorf("unknown enforcement driver %q", cfg.Enforcement.Driver)
}
