package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/warp/resource-engine/allocation"
	"github.com/warp/resource-engine/api"
	"github.com/warp/resource-engine/factory"
	"github.com/warp/resource-engine/notify"
)

var catalogPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&catalogPath, "catalog", "", "JSON catalog of resources to create at startup")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, log, st, cleanup, err := setup(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	opts := []allocation.Option{allocation.WithLogger(log)}
	if cfg.Kafka.Enabled {
		publisher := notify.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.QueueSize, log)
		defer func() {
			if err := publisher.Close(); err != nil {
				log.Warn("failed to flush notifications", zap.Error(err))
			}
		}()
		opts = append(opts, allocation.WithNotifier(publisher))
		log.Info("kafka notifications enabled", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.Topic))
	}
	svc := allocation.NewService(st, opts...)

	if catalogPath != "" {
		if err := loadCatalog(ctx, svc, catalogPath, log); err != nil {
			return err
		}
	}

	handler := api.NewHandler(st, svc, log)
	router := api.NewRouter(handler, cfg.Server.CORSOrigins)

	var scheduler *api.AuditScheduler
	if cfg.Reconcile.Enabled {
		scheduler = api.NewAuditScheduler(svc, st, cfg.Reconcile.IntervalDuration(), log)
		scheduler.Start()
	}

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server starting", zap.String("addr", cfg.Server.Addr), zap.String("storage", cfg.Storage.Driver))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeoutDuration())
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}
	if scheduler != nil {
		scheduler.Stop()
	}
	log.Info("server stopped")
	return nil
}

// loadCatalog creates every resource in the catalog file. Resources that
// already exist are left untouched so the same catalog can be reloaded.
func loadCatalog(ctx context.Context, svc *allocation.Service, path string, log *zap.Logger) error {
	inputs, err := factory.NewResourceFactory().LoadCatalog(path)
	if err != nil {
		return err
	}
	created := 0
	for _, in := range inputs {
		_, err := svc.CreateResource(ctx, in)
		switch {
		case err == nil:
			created++
		case allocation.IsConflict(err):
			log.Debug("catalog resource already exists", zap.String("resource_id", string(in.ID)))
		default:
			return fmt.Errorf("create catalog resource %s: %w", in.ID, err)
		}
	}
	log.Info("catalog loaded", zap.String("path", path), zap.Int("created", created), zap.Int("entries", len(inputs)))
	return nil
}
