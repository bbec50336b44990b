package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// spawnWorkerPool spawns N worker goroutines based on concurrency configuration
func (w *Worker) spawnWorkerPool(ctx context.Context) {
	w.logger.Info("Spawning worker pool",
		slog.Int("concurrency", w.concurrency),
	)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}

	w.logger.Info("Worker pool spawned successfully",
		slog.Int("worker_count", w.concurrency),
	)
}

// workerLoop dequeues until the queue is empty, then idles until woken or
// the poll interval elapses.
func (w *Worker) workerLoop(ctx context.Context, workerNum int) {
	defer w.wg.Done()

	workerName := fmt.Sprintf("%s-%d", w.workerID, workerNum)
	w.logger.Info("Worker goroutine started",
		slog.String("worker_name", workerName),
	)

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		for w.pollOnce(ctx, workerName) {
			if w.stopping(ctx) {
				break
			}
		}

		select {
		case <-w.stopChan:
			w.logger.Info("Worker goroutine stopping - stopChan closed",
				slog.String("worker_name", workerName),
			)
			return
		case <-ctx.Done():
			w.logger.Info("Worker goroutine stopping - context canceled",
				slog.String("worker_name", workerName),
			)
			return
		case <-w.wake:
		case <-ticker.C:
		}
	}
}

func (w *Worker) stopping(ctx context.Context) bool {
	select {
	case <-w.stopChan:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// pollOnce processes at most one job and reports whether one was found.
func (w *Worker) pollOnce(ctx context.Context, workerName string) bool {
	job, err := w.queue.Dequeue(ctx, workerName)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Error("Failed to dequeue job",
				slog.String("worker_name", workerName),
				slog.String("error", err.Error()),
			)
		}
		return false
	}
	if job == nil {
		return false
	}

	w.logger.Info("Worker received job",
		slog.String("worker_name", workerName),
		slog.String("job_id", job.ID),
		slog.String("job_type", string(job.Type)),
	)
	w.processJob(ctx, workerName, job)
	return true
}
