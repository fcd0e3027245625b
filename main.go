package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/resline/dify-plugin-repackaging/internal/artifacts"
	"github.com/resline/dify-plugin-repackaging/internal/config"
	"github.com/resline/dify-plugin-repackaging/internal/controller"
	"github.com/resline/dify-plugin-repackaging/internal/events"
	"github.com/resline/dify-plugin-repackaging/internal/gateway"
	"github.com/resline/dify-plugin-repackaging/internal/jobstore"
	"github.com/resline/dify-plugin-repackaging/internal/jobstore/sqlite"
	"github.com/resline/dify-plugin-repackaging/internal/logging"
	"github.com/resline/dify-plugin-repackaging/internal/pipeline"
	"github.com/resline/dify-plugin-repackaging/internal/worker"
)

var version = "dev"

func main() {
	fmt.Printf("dify-plugin-repackaging %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("startup failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.DataRoot, 0o755); err != nil {
		return fmt.Errorf("data root: %w", err)
	}

	db, err := sqlite.Open(filepath.Join(cfg.DataRoot, "repack.db"), cfg.EventRetentionCount)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	st, err := jobstore.NewCached(db, 1024)
	if err != nil {
		return fmt.Errorf("job cache: %w", err)
	}

	bus := events.New(st, logger, events.Options{
		PublishTimeout:         5 * time.Second,
		MaxSubscriptionsPerJob: cfg.MaxSubscriptionsPerJob,
	})
	jobs := jobstore.NewService(st, bus, logger)

	art, err := artifacts.New(cfg.DataRoot, cfg.RetentionTTL(), cfg.MinFreeDiskBytes, logger)
	if err != nil {
		return fmt.Errorf("artifact store: %w", err)
	}
	art.SetOnExpire(jobs.ClearOutput)

	// Completed artifacts survive a restart: rebuild the retention index
	// from the persisted output descriptors.
	retained, err := jobs.ListRetained(ctx)
	if err != nil {
		return fmt.Errorf("restore retained outputs: %w", err)
	}
	art.Restore(retained)

	runner := pipeline.New(cfg, jobs, art, logger)
	queue := worker.NewQueue(cfg.QueueHighWaterMark)
	pool := worker.New(cfg, jobs, runner, art, queue, logger)
	gw := gateway.New(bus, jobs, cfg.HeartbeatInterval(), logger)
	ctrl := controller.New(cfg, jobs, queue, art, gw, logger)

	go pool.Run(ctx)
	go art.RunReaper(ctx, cfg.ReapInterval())
	go tombstoneLoop(ctx, jobs, cfg.RetentionTTL(), logger)

	srv := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           ctrl.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.BindAddr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shctx)
}

// tombstoneLoop strips expired terminal jobs down to id + status once an
// hour, matching the retention TTL of their events and outputs.
func tombstoneLoop(ctx context.Context, jobs *jobstore.Service, ttl time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := jobs.TombstoneExpired(ctx, time.Now().Add(-ttl))
			if err != nil {
				logger.Warn("tombstone expired jobs", zap.Error(err))
			} else if n > 0 {
				logger.Info("jobs tombstoned", zap.Int("count", n))
			}
		}
	}
}
