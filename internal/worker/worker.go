// Package worker runs enrichment jobs from the durable queue, the direct
// keyword poller and the periodic maintenance sweeps.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/keyword-intel/internal/domain"
	"github.com/cuongbtq/keyword-intel/internal/enrichment"
)

// JobQueue is the part of the queue a worker drives.
type JobQueue interface {
	Dequeue(ctx context.Context, workerID string) (*domain.Job, error)
	UpdateProgress(ctx context.Context, jobID, workerID string, delta domain.ProgressDelta) (*domain.Progress, error)
	Heartbeat(ctx context.Context, jobID, workerID string) error
	Complete(ctx context.Context, jobID, workerID string, result any) error
	Fail(ctx context.Context, jobID, workerID string, cause error, shouldRetry bool) (*domain.Job, error)
	Release(ctx context.Context, jobID, workerID, reason string) error
}

// Enricher is the enrichment service.
type Enricher interface {
	EnrichKeyword(ctx context.Context, req enrichment.Request) *enrichment.Result
	EnrichBulk(ctx context.Context, req enrichment.BulkRequest) *enrichment.BulkResult
}

// StaleLister finds cached entries due for a refresh.
type StaleLister interface {
	ListStale(ctx context.Context, olderThan time.Duration, country string, limit int) ([]*domain.CacheEntry, error)
}

// RecordLinker writes intelligence linkage to keyword records.
type RecordLinker interface {
	SetIntelligence(ctx context.Context, id, cacheEntryID string) error
}

// Config holds worker configuration
type Config struct {
	WorkerID          string
	Concurrency       int
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	JobTimeout        time.Duration
}

func (c *Config) applyDefaults() {
	if c.WorkerID == "" {
		c.WorkerID = "worker"
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 10 * time.Minute
	}
}

// Worker represents the background job worker
type Worker struct {
	queue    JobQueue
	enricher Enricher
	bank     StaleLister
	records  RecordLinker
	logger   *slog.Logger

	workerID          string
	concurrency       int
	pollInterval      time.Duration
	heartbeatInterval time.Duration
	jobTimeout        time.Duration

	wake     chan struct{}
	wg       sync.WaitGroup
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewWorker creates a new worker instance. records may be nil when single
// jobs never carry a keyword record id.
func NewWorker(cfg Config, queue JobQueue, enricher Enricher, bank StaleLister, records RecordLinker, logger *slog.Logger) *Worker {
	cfg.applyDefaults()
	return &Worker{
		queue:             queue,
		enricher:          enricher,
		bank:              bank,
		records:           records,
		logger:            logger.With("component", "queue_worker", "worker_id", cfg.WorkerID),
		workerID:          cfg.WorkerID,
		concurrency:       cfg.Concurrency,
		pollInterval:      cfg.PollInterval,
		heartbeatInterval: cfg.HeartbeatInterval,
		jobTimeout:        cfg.JobTimeout,
		wake:              make(chan struct{}, cfg.Concurrency),
		stopChan:          make(chan struct{}),
	}
}

// Start spawns the worker pool and blocks until ctx is done or Stop is
// called, then waits for in-flight jobs.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.Int("concurrency", w.concurrency),
		slog.Duration("poll_interval", w.pollInterval),
		slog.Duration("job_timeout", w.jobTimeout),
	)

	w.spawnWorkerPool(ctx)

	select {
	case <-ctx.Done():
		w.logger.Info("Worker context canceled, stopping...")
	case <-w.stopChan:
	}

	w.wg.Wait()
	w.logger.Info("Worker stopped")
	return nil
}

// Stop signals the pool to exit after the current jobs.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		w.logger.Info("Stopping worker...")
		close(w.stopChan)
	})
}

// Wake nudges one idle goroutine to poll the queue now.
func (w *Worker) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}
