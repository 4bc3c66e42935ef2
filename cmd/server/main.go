/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the resource allocation engine.
  Handles configuration, dependency injection, and graceful shutdown.

COMMANDS:
  serve       Run the HTTP API (default when no command is given)
  reconcile   Run one audit pass, print drift and shortages, exit

STARTUP SEQUENCE:
  1. Load TOML config (defaults when the file does not exist)
  2. Apply flag overrides
  3. Build the zap logger
  4. Open the store (memory, sqlite or postgres)
  5. Wire the notifier (Kafka when enabled)
  6. Create service, handler and router
  7. Start the audit scheduler and the server with graceful shutdown

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (shutdown_timeout)
  3. Stop the scheduler, flush notifications, close the store

EXAMPLES:
  # Run with the default ./resources.db
  ./server

  # Run against Postgres with a catalog of rooms and supplies
  ./server serve --config prod.toml --catalog catalog.json

  # In-memory store on another port
  ./server serve --driver memory --addr :3000

  # One reconciliation pass from cron
  ./server reconcile --config prod.toml

SEE ALSO:
  - config/config.go: Configuration sections
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/warp/resource-engine/allocation/store"
	"github.com/warp/resource-engine/api"
	"github.com/warp/resource-engine/config"
	"github.com/warp/resource-engine/logging"
	"github.com/warp/resource-engine/store/postgres"
	"github.com/warp/resource-engine/store/sqlite"
)

var (
	configPath string
	driver     string
	addr       string
)

var rootCmd = &cobra.Command{
	Use:   "server",
	Short: "Resource allocation and inventory ledger service",
	Long: `Allocates rooms, shared equipment and consumable supplies to events.
Exclusive resources admit one event at a time, shareable resources admit up
to their max concurrent usage, and consumables draw from a dated ledger.`,
	SilenceUsage: true,
	RunE:         runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "resources.toml", "Path to TOML config file")
	rootCmd.PersistentFlags().StringVar(&driver, "driver", "", "Override storage driver (memory, sqlite, postgres)")
	rootCmd.PersistentFlags().StringVar(&addr, "addr", "", "Override HTTP listen address")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(reconcileCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the config file and applies flag overrides.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, err
	}
	if driver != "" {
		cfg.Storage.Driver = driver
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}
	return cfg, cfg.Validate()
}

// openStore opens the configured backend. The returned close func is never nil.
func openStore(ctx context.Context, cfg config.StorageConfig, log *zap.Logger) (api.Store, func(), error) {
	switch cfg.Driver {
	case "memory":
		log.Info("using in-memory store")
		return store.NewMemory(), func() {}, nil

	case "sqlite":
		s, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite %s: %w", cfg.SQLitePath, err)
		}
		log.Info("using sqlite store", zap.String("path", cfg.SQLitePath))
		return s, func() {
			if err := s.Close(); err != nil {
				log.Warn("failed to close sqlite store", zap.Error(err))
			}
		}, nil

	case "postgres":
		s, err := postgres.New(ctx, cfg.PostgresURL, cfg.MaxConns)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		log.Info("using postgres store", zap.Int32("max_conns", cfg.MaxConns))
		return s, s.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
}

// setup loads config and builds the logger and store shared by every
// command. cleanup closes the store and flushes the logger.
func setup(ctx context.Context) (cfg config.Config, log *zap.Logger, st api.Store, cleanup func(), err error) {
	cfg, err = loadConfig()
	if err != nil {
		return cfg, nil, nil, nil, err
	}
	log, err = logging.New(cfg.Log.Env, cfg.Log.Level)
	if err != nil {
		return cfg, nil, nil, nil, err
	}
	st, closeStore, err := openStore(ctx, cfg.Storage, log)
	if err != nil {
		_ = log.Sync()
		return cfg, nil, nil, nil, err
	}
	cleanup = func() {
		closeStore()
		_ = log.Sync()
	}
	return cfg, log, st, cleanup, nil
}
