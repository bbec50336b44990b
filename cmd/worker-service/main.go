package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuongbtq/keyword-intel/internal/bootstrap"
	"github.com/cuongbtq/keyword-intel/internal/config"
	"github.com/cuongbtq/keyword-intel/internal/worker"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	if err := config.LoadDotEnv(); err != nil {
		return fmt.Errorf("failed to load .env: %w", err)
	}

	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := bootstrap.InitLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pipeline, err := bootstrap.Build(ctx, cfg, appLogger.Logger)
	if err != nil {
		return err
	}
	defer pipeline.Close()

	workerInstance := worker.NewWorker(worker.Config{
		WorkerID:          cfg.Worker.ID,
		Concurrency:       cfg.Worker.Concurrency,
		PollInterval:      cfg.Worker.PollInterval,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		JobTimeout:        cfg.Worker.JobTimeout,
	}, pipeline.Queue, pipeline.Enricher, pipeline.Bank, pipeline.Keywords, appLogger.Logger)

	var poller *worker.Poller
	if cfg.Poller.Enabled {
		poller = worker.NewPoller(worker.PollerConfig{
			BatchSize: cfg.Poller.BatchSize,
			Interval:  cfg.Poller.Interval,
		}, pipeline.Keywords, pipeline.Enricher, appLogger.Logger)
	}

	scheduler := worker.NewScheduler(appLogger.Logger)
	if err := worker.RegisterSweeps(scheduler, worker.SweepConfig{
		QuotaResetSpec:     cfg.Quota.ResetSchedule,
		CacheCleanupSpec:   cfg.Cache.CleanupSchedule,
		JobCleanupSpec:     cfg.Queue.CleanupSchedule,
		StaleLockSpec:      cfg.Queue.StaleLockSchedule,
		PollerSpec:         cfg.Poller.Schedule,
		CacheRetentionDays: cfg.Cache.RetentionDays,
		JobRetention:       cfg.Queue.Retention,
		LockTimeout:        cfg.Queue.LockTimeout,
	}, pipeline.Quota, pipeline.Bank, pipeline.Queue, poller, appLogger.Logger); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return workerInstance.Start(gctx)
	})

	if pipeline.Rabbit != nil {
		g.Go(func() error {
			return workerInstance.ConsumeWakeups(gctx, pipeline.Rabbit)
		})
	}

	scheduler.Start(gctx)
	g.Go(func() error {
		<-gctx.Done()
		scheduler.Stop()
		return nil
	})

	if poller != nil {
		// records created while the service was down are picked up right away
		g.Go(func() error {
			if err := scheduler.RunNow(gctx, worker.TaskPoller); err != nil && gctx.Err() == nil {
				appLogger.Warn("Initial poller run failed", slog.String("error", err.Error()))
			}
			return nil
		})
	}

	appLogger.Info("Worker service started successfully")

	<-gctx.Done()
	appLogger.Info("Shutting down worker service...")

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			appLogger.Error("Worker error", slog.Any("error", err))
			return err
		}
		appLogger.Info("Worker stopped gracefully")
	case <-time.After(cfg.Worker.ShutdownTimeout):
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}

	appLogger.Info("Worker service shutdown complete")
	return nil
}
