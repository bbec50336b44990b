package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/keyword-intel/internal/domain"
	"github.com/cuongbtq/keyword-intel/internal/enrichment"
)

// finalizeTimeout bounds the status write after a job, which must happen
// even while the process is shutting down.
const finalizeTimeout = 10 * time.Second

// JobResult is stored as the result of a completed job.
type JobResult struct {
	Processed     int                  `json:"processed"`
	Successful    int                  `json:"successful"`
	Failed        int                  `json:"failed"`
	Skipped       int                  `json:"skipped"`
	CacheHits     int                  `json:"cache_hits"`
	Fetched       int                  `json:"fetched"`
	ProviderCalls int                  `json:"provider_calls"`
	Results       []*enrichment.Result `json:"results,omitempty"`
}

func (r *JobResult) add(b *enrichment.BulkResult) {
	r.Processed += len(b.Results)
	r.Failed += b.Failed
	r.Successful += len(b.Results) - b.Failed
	r.CacheHits += b.CacheHits
	r.Fetched += b.Fetched
	r.ProviderCalls += b.ProviderCalls
	r.Results = append(r.Results, b.Results...)
}

// processJob runs a locked job and records its outcome. A job cancelled
// while running keeps its cancelled status and the result is dropped.
func (w *Worker) processJob(ctx context.Context, workerName string, job *domain.Job) {
	log := w.logger.With(
		slog.String("worker_name", workerName),
		slog.String("job_id", job.ID),
		slog.String("job_type", string(job.Type)),
	)
	log.Info("Processing job", slog.Int("retry_count", job.RetryCount))

	jobCtx, cancel := context.WithTimeout(ctx, w.jobTimeout)
	defer cancel()

	heartbeatDone := make(chan struct{})
	go w.sendJobHeartbeat(jobCtx, job.ID, workerName, heartbeatDone)

	result, err := w.executeJob(jobCtx, workerName, job)
	close(heartbeatDone)

	finalCtx, finalCancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer finalCancel()

	// an interrupted run has unprocessed keywords, whatever it returned
	if cause := jobCtx.Err(); cause != nil {
		w.interrupted(finalCtx, log, job.ID, workerName, ctx.Err() != nil, cause)
		return
	}

	if err != nil {
		retry := shouldRetry(err)
		log.Error("Job execution failed",
			slog.Bool("retryable", retry),
			slog.String("error", err.Error()),
		)
		if _, failErr := w.queue.Fail(finalCtx, job.ID, workerName, err, retry); failErr != nil {
			if errors.Is(failErr, domain.ErrJobCancelled) {
				log.Info("Job was cancelled while running")
				return
			}
			log.Error("Failed to update job status to FAILED",
				slog.String("error", failErr.Error()),
			)
		}
		return
	}

	if err := w.queue.Complete(finalCtx, job.ID, workerName, result); err != nil {
		if errors.Is(err, domain.ErrJobCancelled) {
			log.Info("Job was cancelled while running, result discarded")
			return
		}
		log.Error("Failed to update job status to COMPLETED",
			slog.String("error", err.Error()),
		)
		return
	}

	log.Info("Job completed successfully",
		slog.Int("processed", result.Processed),
		slog.Int("successful", result.Successful),
		slog.Int("failed", result.Failed),
	)
}

// interrupted hands back a job whose run was cut short. On shutdown the job
// returns to the queue without spending a retry; a job timeout counts as a
// failed attempt.
func (w *Worker) interrupted(ctx context.Context, log *slog.Logger, jobID, workerName string, shutdown bool, cause error) {
	var err error
	if shutdown {
		log.Warn("Worker stopping, releasing job")
		err = w.queue.Release(ctx, jobID, workerName, "worker shut down before the job finished")
	} else {
		log.Error("Job timed out", slog.Duration("job_timeout", w.jobTimeout))
		_, err = w.queue.Fail(ctx, jobID, workerName, fmt.Errorf("job timed out after %s: %w", w.jobTimeout, cause), true)
	}
	if err == nil {
		return
	}
	if errors.Is(err, domain.ErrJobCancelled) {
		log.Info("Job was cancelled while running")
		return
	}
	log.Error("Failed to hand back interrupted job",
		slog.String("error", err.Error()),
	)
}

// sendJobHeartbeat keeps the job lock fresh so stale-lock release leaves it
// alone.
func (w *Worker) sendJobHeartbeat(ctx context.Context, jobID, workerName string, done <-chan struct{}) {
	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.queue.Heartbeat(ctx, jobID, workerName); err != nil {
				if errors.Is(err, domain.ErrJobCancelled) {
					w.logger.Info("Job cancelled, heartbeat stopped",
						slog.String("job_id", jobID),
					)
					return
				}
				w.logger.Warn("Failed to update job heartbeat",
					slog.String("job_id", jobID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// shouldRetry honours the classification carried by enrichment results and
// treats a job timeout as transient.
func shouldRetry(err error) bool {
	var re *enrichment.ResultError
	if errors.As(err, &re) {
		return re.Retryable
	}
	return domain.IsRetryable(err) || errors.Is(err, context.DeadlineExceeded)
}

// executeJob dispatches on the payload type.
func (w *Worker) executeJob(ctx context.Context, workerName string, job *domain.Job) (*JobResult, error) {
	switch p := job.Payload.(type) {
	case domain.SinglePayload:
		return w.runSingle(ctx, workerName, job, p)
	case domain.BulkPayload:
		return w.runBulk(ctx, workerName, job, p)
	case domain.CacheRefreshPayload:
		return w.runCacheRefresh(ctx, workerName, job, p)
	default:
		return nil, fmt.Errorf("%w: unsupported payload %T", domain.ErrInvalidPayload, job.Payload)
	}
}

// reportProgress writes even after the job context ends, so counters match
// the work actually done.
func (w *Worker) reportProgress(ctx context.Context, jobID, workerName string, delta domain.ProgressDelta) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	if _, err := w.queue.UpdateProgress(ctx, jobID, workerName, delta); err != nil {
		w.logger.Warn("Failed to update job progress",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
	}
}

func progressOf(results []*enrichment.Result) domain.ProgressDelta {
	d := domain.ProgressDelta{Processed: len(results)}
	for _, r := range results {
		if r.Success {
			d.Successful++
		} else {
			d.Failed++
		}
	}
	return d
}

func (w *Worker) runSingle(ctx context.Context, workerName string, job *domain.Job, p domain.SinglePayload) (*JobResult, error) {
	res := w.enricher.EnrichKeyword(ctx, enrichment.Request{
		Keyword:      p.Keyword,
		CountryCode:  p.CountryCode,
		LanguageCode: p.LanguageCode,
		ForceRefresh: p.ForceRefresh,
	})
	w.reportProgress(ctx, job.ID, workerName, progressOf([]*enrichment.Result{res}))

	if !res.Success {
		return nil, res.Err()
	}

	if p.KeywordRecordID != "" && w.records != nil {
		if err := w.records.SetIntelligence(ctx, p.KeywordRecordID, res.Data.ID); err != nil {
			if errors.Is(err, domain.ErrKeywordNotFound) {
				return nil, domain.WrapError(domain.KindInvalidRequest, err, "link keyword record")
			}
			return nil, domain.WrapError(domain.KindStorage, err, "link keyword record")
		}
	}

	out := &JobResult{Processed: 1, Successful: 1, Results: []*enrichment.Result{res}}
	if res.Metadata.Source == enrichment.SourceCache {
		out.CacheHits = 1
	} else {
		out.Fetched = 1
		out.ProviderCalls = 1
	}
	return out, nil
}

func (w *Worker) runBulk(ctx context.Context, workerName string, job *domain.Job, p domain.BulkPayload) (*JobResult, error) {
	bulk := w.enricher.EnrichBulk(ctx, enrichment.BulkRequest{
		Keywords:     p.Keywords,
		CountryCode:  p.CountryCode,
		LanguageCode: p.LanguageCode,
		ForceRefresh: p.ForceRefresh,
		Progress: func(results []*enrichment.Result) {
			w.reportProgress(ctx, job.ID, workerName, progressOf(results))
		},
	})

	out := &JobResult{}
	out.add(bulk)

	// duplicates and blanks collapse during normalization
	if skipped := len(p.Keywords) - len(bulk.Results); skipped > 0 {
		out.Skipped = skipped
		w.reportProgress(ctx, job.ID, workerName, domain.ProgressDelta{Skipped: skipped})
	}

	if err := allFailedRetryable(bulk.Results); err != nil {
		return nil, err
	}
	return out, nil
}

func (w *Worker) runCacheRefresh(ctx context.Context, workerName string, job *domain.Job, p domain.CacheRefreshPayload) (*JobResult, error) {
	olderThan := time.Duration(p.OlderThanDays) * 24 * time.Hour
	entries, err := w.bank.ListStale(ctx, olderThan, p.CountryCode, p.Limit)
	if err != nil {
		return nil, domain.WrapError(domain.KindStorage, err, "list stale cache entries")
	}

	type locale struct{ country, language string }
	var order []locale
	groups := make(map[locale][]string)
	for _, e := range entries {
		l := locale{e.CountryCode, e.LanguageCode}
		if _, ok := groups[l]; !ok {
			order = append(order, l)
		}
		groups[l] = append(groups[l], e.Keyword)
	}

	out := &JobResult{}
	var all []*enrichment.Result
	for _, l := range order {
		bulk := w.enricher.EnrichBulk(ctx, enrichment.BulkRequest{
			Keywords:     groups[l],
			CountryCode:  l.country,
			LanguageCode: l.language,
			ForceRefresh: true,
			Progress: func(results []*enrichment.Result) {
				w.reportProgress(ctx, job.ID, workerName, progressOf(results))
			},
		})
		out.add(bulk)
		all = append(all, bulk.Results...)
	}
	// per-keyword results of a refresh sweep are not kept
	out.Results = nil

	w.logger.Info("Cache refresh finished",
		slog.String("job_id", job.ID),
		slog.Int("stale_entries", len(entries)),
		slog.Int("refreshed", out.Successful),
		slog.Int("failed", out.Failed),
	)

	if err := allFailedRetryable(all); err != nil {
		return nil, err
	}
	return out, nil
}

// allFailedRetryable returns a retryable error when nothing succeeded and at
// least one failure may succeed later, so the whole job is rescheduled.
func allFailedRetryable(results []*enrichment.Result) error {
	var retryable error
	for _, r := range results {
		if r.Success {
			return nil
		}
		if retryable == nil && r.Retryable() {
			retryable = r.Err()
		}
	}
	return retryable
}
