// Package queue is the durable, priority-ordered enrichment job queue.
// Dequeue locks a job with a single conditional update, so at most one
// worker ever holds a job.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/cuongbtq/keyword-intel/internal/domain"
	"github.com/cuongbtq/keyword-intel/internal/notify"
	"github.com/cuongbtq/keyword-intel/shared/database"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Publisher receives job lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, event notify.Event)
}

// Config controls capacity, retries and retention.
type Config struct {
	MaxInFlight     int
	MaxRetries      int
	RetryBaseDelay  time.Duration
	RetryMultiplier float64
	Retention       time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = 10000
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 60 * time.Second
	}
	if c.RetryMultiplier <= 0 {
		c.RetryMultiplier = 2
	}
	if c.Retention <= 0 {
		c.Retention = 30 * 24 * time.Hour
	}
}

// Queue handles all job persistence for producers and workers
type Queue struct {
	db     *sqlx.DB
	config Config
	events Publisher
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Queue. events may be nil.
func New(db *sqlx.DB, cfg Config, events Publisher, logger *slog.Logger) *Queue {
	cfg.applyDefaults()
	return &Queue{
		db:     db,
		config: cfg,
		events: events,
		logger: logger.With("component", "job_queue"),
		now:    time.Now,
	}
}

func (q *Queue) publish(ctx context.Context, t notify.EventType, job *domain.Job) {
	if q.events != nil {
		q.events.Publish(ctx, notify.JobEvent(t, job))
	}
}

// RetryDelay is base * multiplier^retryCount.
func (q *Queue) RetryDelay(retryCount int) time.Duration {
	return time.Duration(float64(q.config.RetryBaseDelay) * math.Pow(q.config.RetryMultiplier, float64(retryCount)))
}

func (q *Queue) inFlight(ctx context.Context) (int, error) {
	var n int
	err := q.db.GetContext(ctx, &n, q.db.Rebind(`SELECT COUNT(*) FROM enrichment_jobs WHERE status IN (?, ?, ?)`),
		domain.JobStatusQueued, domain.JobStatusProcessing, domain.JobStatusRetrying)
	if err != nil {
		return 0, fmt.Errorf("failed to count in-flight jobs: %w", err)
	}
	return n, nil
}

// Enqueue validates spec and stores a queued job. scheduledFor delays
// eligibility. ErrQueueFull is returned at the in-flight ceiling.
func (q *Queue) Enqueue(ctx context.Context, ownerID string, spec domain.JobSpec, scheduledFor *time.Time) (string, error) {
	if spec.Payload == nil {
		return "", fmt.Errorf("%w: payload is required", domain.ErrInvalidPayload)
	}
	if err := spec.Payload.Validate(); err != nil {
		return "", err
	}
	priority := spec.Priority
	if priority == "" {
		priority = domain.PriorityNormal
	}
	if !priority.IsValid() {
		return "", fmt.Errorf("%w: unknown priority %q", domain.ErrInvalidPayload, priority)
	}
	maxRetries := q.config.MaxRetries
	if spec.MaxRetries != nil {
		if *spec.MaxRetries < 0 {
			return "", fmt.Errorf("%w: max retries must not be negative", domain.ErrInvalidPayload)
		}
		maxRetries = *spec.MaxRetries
	}

	n, err := q.inFlight(ctx)
	if err != nil {
		return "", err
	}
	if n >= q.config.MaxInFlight {
		q.logger.Warn("Job queue at capacity",
			slog.Int("in_flight", n),
			slog.Int("max_in_flight", q.config.MaxInFlight),
		)
		return "", domain.ErrQueueFull
	}

	payload, err := domain.EncodePayload(spec.Payload)
	if err != nil {
		return "", err
	}

	now := q.now()
	job := &domain.Job{
		ID:           uuid.NewString(),
		OwnerID:      ownerID,
		Type:         spec.Payload.JobType(),
		Status:       domain.JobStatusQueued,
		Priority:     priority,
		Payload:      spec.Payload,
		Progress:     domain.Progress{Total: spec.Payload.KeywordCount()},
		MaxRetries:   maxRetries,
		ScheduledFor: scheduledFor,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	query := q.db.Rebind(`
		INSERT INTO enrichment_jobs (
			id, owner_id, type, status, priority, priority_rank, payload,
			progress_total, max_retries, scheduled_for, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	_, err = q.db.ExecContext(ctx, query,
		job.ID,
		job.OwnerID,
		job.Type,
		job.Status,
		job.Priority,
		job.Priority.Rank(),
		string(payload),
		job.Progress.Total,
		job.MaxRetries,
		database.NullMillis(scheduledFor),
		database.Millis(now),
		database.Millis(now),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create job: %w", err)
	}

	q.logger.Info("Job enqueued",
		slog.String("job_id", job.ID),
		slog.String("owner_id", ownerID),
		slog.String("job_type", string(job.Type)),
		slog.String("priority", string(priority)),
	)
	q.publish(ctx, notify.EventJobEnqueued, job)

	return job.ID, nil
}

// EnqueueResult is the outcome of one item of EnqueueBatch.
type EnqueueResult struct {
	Index int
	JobID string
	Err   error
}

// EnqueueBatch enqueues each spec independently; a rejected item does not
// stop the rest.
func (q *Queue) EnqueueBatch(ctx context.Context, ownerID string, specs []domain.JobSpec) []EnqueueResult {
	results := make([]EnqueueResult, len(specs))
	for i, spec := range specs {
		id, err := q.Enqueue(ctx, ownerID, spec, nil)
		results[i] = EnqueueResult{Index: i, JobID: id, Err: err}
	}
	return results
}

// Dequeue locks the highest-priority, oldest eligible job for workerID.
// It returns nil, nil when nothing is eligible or another worker won the race.
// Progress counters restart with every attempt.
func (q *Queue) Dequeue(ctx context.Context, workerID string) (*domain.Job, error) {
	now := database.Millis(q.now())

	query := q.db.Rebind(`
		UPDATE enrichment_jobs
		SET status = ?,
		    locked_by = ?,
		    locked_at = ?,
		    started_at = ?,
		    progress_processed = 0,
		    progress_successful = 0,
		    progress_failed = 0,
		    progress_skipped = 0,
		    estimated_completion_at = NULL,
		    updated_at = ?
		WHERE id = (
			SELECT id FROM enrichment_jobs
			WHERE status IN (?, ?)
			  AND locked_at IS NULL
			  AND (next_retry_at IS NULL OR next_retry_at <= ?)
			  AND (scheduled_for IS NULL OR scheduled_for <= ?)
			ORDER BY priority_rank, created_at, id
			LIMIT 1
		)
		  AND locked_at IS NULL
		  AND status IN (?, ?)
		RETURNING ` + jobColumns)

	var row jobRow
	err := q.db.GetContext(ctx, &row, query,
		domain.JobStatusProcessing, workerID, now, now, now,
		domain.JobStatusQueued, domain.JobStatusRetrying, now, now,
		domain.JobStatusQueued, domain.JobStatusRetrying,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to dequeue job: %w", err)
	}

	job, err := row.toJob()
	if err != nil {
		q.failUndecodable(ctx, row.ID, workerID, err)
		return nil, fmt.Errorf("failed to decode job %s: %w", row.ID, err)
	}

	q.logger.Info("Job claimed successfully",
		slog.String("job_id", job.ID),
		slog.String("worker_id", workerID),
		slog.String("job_type", string(job.Type)),
		slog.Int("retry_count", job.RetryCount),
	)
	return job, nil
}

// failUndecodable fails a just-locked job whose stored payload no longer
// decodes. No attempt could ever succeed, so it goes straight to the dead
// letters.
func (q *Queue) failUndecodable(ctx context.Context, jobID, workerID string, cause error) {
	now := database.Millis(q.now())
	_, err := q.db.ExecContext(ctx, q.db.Rebind(`
		UPDATE enrichment_jobs
		SET status = ?, completed_at = ?, locked_by = NULL, locked_at = NULL, error_message = ?, updated_at = ?
		WHERE id = ? AND status = ? AND locked_by = ?
	`), domain.JobStatusFailed, now, cause.Error(), now, jobID, domain.JobStatusProcessing, workerID)
	if err != nil {
		q.logger.Error("Failed to mark undecodable job as failed",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		return
	}
	q.logger.Error("Job payload cannot be decoded, job failed",
		slog.String("job_id", jobID),
		slog.String("error", cause.Error()),
	)
}

// Get returns a job by id.
func (q *Queue) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	var row jobRow
	err := q.db.GetContext(ctx, &row, q.db.Rebind(`SELECT `+jobColumns+` FROM enrichment_jobs WHERE id = ?`), jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return row.toJob()
}

// lockLost explains why a locked update matched no row.
func (q *Queue) lockLost(ctx context.Context, jobID string) error {
	job, err := q.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status == domain.JobStatusCancelled {
		return domain.ErrJobCancelled
	}
	if job.Status.IsTerminal() {
		return domain.ErrInvalidTransition
	}
	return domain.ErrJobAlreadyClaimed
}

func affected(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// UpdateProgress adds delta to the counters of a job locked by workerID and
// refreshes the completion estimate.
func (q *Queue) UpdateProgress(ctx context.Context, jobID, workerID string, delta domain.ProgressDelta) (*domain.Progress, error) {
	job, err := q.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != domain.JobStatusProcessing || job.LockedBy == nil || *job.LockedBy != workerID {
		return nil, q.lockLost(ctx, jobID)
	}

	now := q.now()
	p := job.Progress
	p.Processed += delta.Processed
	p.Successful += delta.Successful
	p.Failed += delta.Failed
	p.Skipped += delta.Skipped
	if p.StartedAt != nil && p.Processed > 0 && p.Total > p.Processed {
		perItem := now.Sub(*p.StartedAt) / time.Duration(p.Processed)
		eta := now.Add(perItem * time.Duration(p.Total-p.Processed))
		p.EstimatedCompletionAt = &eta
	} else if p.Total > 0 && p.Processed >= p.Total {
		p.EstimatedCompletionAt = &now
	}

	res, err := q.db.ExecContext(ctx, q.db.Rebind(`
		UPDATE enrichment_jobs
		SET progress_processed = ?,
		    progress_successful = ?,
		    progress_failed = ?,
		    progress_skipped = ?,
		    estimated_completion_at = ?,
		    locked_at = ?,
		    updated_at = ?
		WHERE id = ? AND status = ? AND locked_by = ?
	`),
		p.Processed, p.Successful, p.Failed, p.Skipped,
		database.NullMillis(p.EstimatedCompletionAt),
		database.Millis(now), database.Millis(now),
		jobID, domain.JobStatusProcessing, workerID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update job progress: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, q.lockLost(ctx, jobID)
	}
	return &p, nil
}

// Heartbeat refreshes the lock of a job held by workerID. It returns
// ErrJobCancelled once the job has been cancelled.
func (q *Queue) Heartbeat(ctx context.Context, jobID, workerID string) error {
	now := database.Millis(q.now())
	res, err := q.db.ExecContext(ctx, q.db.Rebind(`
		UPDATE enrichment_jobs
		SET locked_at = ?, updated_at = ?
		WHERE id = ? AND status = ? AND locked_by = ?
	`), now, now, jobID, domain.JobStatusProcessing, workerID)
	if err != nil {
		return fmt.Errorf("failed to update job heartbeat: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return q.lockLost(ctx, jobID)
	}
	return nil
}

// Complete stores result and marks the job completed. If the job was
// cancelled meanwhile the result is discarded and ErrJobCancelled returned.
func (q *Queue) Complete(ctx context.Context, jobID, workerID string, result any) error {
	var encoded sql.NullString
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to marshal result: %w", err)
		}
		encoded = sql.NullString{String: string(b), Valid: true}
	}

	now := database.Millis(q.now())
	res, err := q.db.ExecContext(ctx, q.db.Rebind(`
		UPDATE enrichment_jobs
		SET status = ?,
		    result = ?,
		    completed_at = ?,
		    locked_by = NULL,
		    locked_at = NULL,
		    error_message = NULL,
		    updated_at = ?
		WHERE id = ? AND status = ? AND locked_by = ?
	`), domain.JobStatusCompleted, encoded, now, now, jobID, domain.JobStatusProcessing, workerID)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		err := q.lockLost(ctx, jobID)
		if errors.Is(err, domain.ErrJobCancelled) {
			q.logger.Info("Discarding result of cancelled job",
				slog.String("job_id", jobID),
				slog.String("worker_id", workerID),
			)
		}
		return err
	}

	q.logger.Info("Job completed",
		slog.String("job_id", jobID),
		slog.String("worker_id", workerID),
	)
	if job, err := q.Get(ctx, jobID); err == nil {
		q.publish(ctx, notify.EventJobCompleted, job)
	}
	return nil
}

// Release hands a job locked by workerID back to the queue without counting
// an attempt, for a worker that stops before finishing it.
func (q *Queue) Release(ctx context.Context, jobID, workerID, reason string) error {
	now := database.Millis(q.now())
	res, err := q.db.ExecContext(ctx, q.db.Rebind(`
		UPDATE enrichment_jobs
		SET status = ?,
		    next_retry_at = NULL,
		    locked_by = NULL,
		    locked_at = NULL,
		    error_message = ?,
		    updated_at = ?
		WHERE id = ? AND status = ? AND locked_by = ?
	`), domain.JobStatusQueued, reason, now, jobID, domain.JobStatusProcessing, workerID)
	if err != nil {
		return fmt.Errorf("failed to release job: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return q.lockLost(ctx, jobID)
	}

	q.logger.Warn("Job released back to queue",
		slog.String("job_id", jobID),
		slog.String("worker_id", workerID),
		slog.String("reason", reason),
	)
	if job, err := q.Get(ctx, jobID); err == nil {
		q.publish(ctx, notify.EventJobEnqueued, job)
	}
	return nil
}

// Fail records a failed attempt. With shouldRetry and retries left the job
// becomes retrying with next_retry_at = now + RetryDelay(retryCount);
// otherwise it is failed permanently and stays as a dead letter.
func (q *Queue) Fail(ctx context.Context, jobID, workerID string, cause error, shouldRetry bool) (*domain.Job, error) {
	job, err := q.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != domain.JobStatusProcessing || job.LockedBy == nil || *job.LockedBy != workerID {
		return nil, q.lockLost(ctx, jobID)
	}

	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	now := q.now()

	exhausted := shouldRetry && job.RetryCount >= job.MaxRetries
	if exhausted {
		msg = fmt.Errorf("%w: %s", domain.ErrMaxRetriesExceeded, msg).Error()
	}

	var query string
	var args []any
	if shouldRetry && !exhausted {
		next := now.Add(q.RetryDelay(job.RetryCount))
		query = `
			UPDATE enrichment_jobs
			SET status = ?,
			    retry_count = retry_count + 1,
			    last_retry_at = ?,
			    next_retry_at = ?,
			    locked_by = NULL,
			    locked_at = NULL,
			    error_message = ?,
			    updated_at = ?
			WHERE id = ? AND status = ? AND locked_by = ?`
		args = []any{domain.JobStatusRetrying, database.Millis(now), database.Millis(next), msg, database.Millis(now),
			jobID, domain.JobStatusProcessing, workerID}
	} else {
		query = `
			UPDATE enrichment_jobs
			SET status = ?,
			    completed_at = ?,
			    locked_by = NULL,
			    locked_at = NULL,
			    error_message = ?,
			    updated_at = ?
			WHERE id = ? AND status = ? AND locked_by = ?`
		args = []any{domain.JobStatusFailed, database.Millis(now), msg, database.Millis(now),
			jobID, domain.JobStatusProcessing, workerID}
	}

	res, err := q.db.ExecContext(ctx, q.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to update job status: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, q.lockLost(ctx, jobID)
	}

	updated, err := q.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if updated.Status == domain.JobStatusRetrying {
		q.logger.Warn("Job failed, retry scheduled",
			slog.String("job_id", jobID),
			slog.Int("retry_count", updated.RetryCount),
			slog.Int("max_retries", updated.MaxRetries),
			slog.Time("next_retry_at", *updated.NextRetryAt),
			slog.String("error", msg),
		)
		q.publish(ctx, notify.EventJobRetrying, updated)
	} else {
		q.logger.Error("Job failed permanently",
			slog.String("job_id", jobID),
			slog.Int("retry_count", updated.RetryCount),
			slog.Bool("retryable", shouldRetry),
			slog.String("error", msg),
		)
		q.publish(ctx, notify.EventJobFailed, updated)
	}
	return updated, nil
}

// Cancel cancels a queued, retrying or processing job. ownerID, when set,
// must match. Cancelling a terminal job is a no-op returning its state.
func (q *Queue) Cancel(ctx context.Context, jobID, ownerID string) (*domain.Job, error) {
	job, err := q.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if ownerID != "" && job.OwnerID != ownerID {
		return nil, domain.ErrJobNotFound
	}
	if job.Status.IsTerminal() {
		return job, nil
	}

	now := database.Millis(q.now())
	res, err := q.db.ExecContext(ctx, q.db.Rebind(`
		UPDATE enrichment_jobs
		SET status = ?,
		    cancelled_at = ?,
		    locked_by = NULL,
		    locked_at = NULL,
		    updated_at = ?
		WHERE id = ? AND status IN (?, ?, ?)
	`), domain.JobStatusCancelled, now, now, jobID,
		domain.JobStatusQueued, domain.JobStatusRetrying, domain.JobStatusProcessing)
	if err != nil {
		return nil, fmt.Errorf("failed to cancel job: %w", err)
	}
	if _, err := affected(res); err != nil {
		return nil, err
	}

	// re-read: either we cancelled it or it reached another terminal state first
	updated, err := q.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if updated.Status == domain.JobStatusCancelled {
		q.logger.Info("Job cancelled",
			slog.String("job_id", jobID),
			slog.String("previous_status", string(job.Status)),
		)
		q.publish(ctx, notify.EventJobCancelled, updated)
	}
	return updated, nil
}

// ReleaseStale unlocks processing jobs whose lock is older than timeout,
// typically left by a crashed worker. They count as a failed attempt.
func (q *Queue) ReleaseStale(ctx context.Context, timeout time.Duration) (int64, error) {
	now := q.now()
	nowMs := database.Millis(now)
	cutoff := database.Millis(now.Add(-timeout))
	const msg = "lock expired"

	res, err := q.db.ExecContext(ctx, q.db.Rebind(`
		UPDATE enrichment_jobs
		SET status = ?, completed_at = ?, locked_by = NULL, locked_at = NULL, error_message = ?, updated_at = ?
		WHERE status = ? AND locked_at < ? AND retry_count >= max_retries
	`), domain.JobStatusFailed, nowMs, fmt.Errorf("%w: %s", domain.ErrMaxRetriesExceeded, msg).Error(), nowMs,
		domain.JobStatusProcessing, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to release stale jobs: %w", err)
	}
	failed, err := affected(res)
	if err != nil {
		return 0, err
	}

	res, err = q.db.ExecContext(ctx, q.db.Rebind(`
		UPDATE enrichment_jobs
		SET status = ?, retry_count = retry_count + 1, last_retry_at = ?, next_retry_at = ?,
		    locked_by = NULL, locked_at = NULL, error_message = ?, updated_at = ?
		WHERE status = ? AND locked_at < ?
	`), domain.JobStatusRetrying, nowMs, nowMs, msg, nowMs, domain.JobStatusProcessing, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to release stale jobs: %w", err)
	}
	retried, err := affected(res)
	if err != nil {
		return 0, err
	}

	if failed+retried > 0 {
		q.logger.Warn("Released stale job locks",
			slog.Int64("retrying", retried),
			slog.Int64("failed", failed),
			slog.Duration("lock_timeout", timeout),
		)
	}
	return failed + retried, nil
}

// Cleanup deletes completed and cancelled jobs that finished before the
// retention window. Failed jobs are kept as dead letters. A non-positive
// retention uses the configured one.
func (q *Queue) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		retention = q.config.Retention
	}
	cutoff := database.Millis(q.now().Add(-retention))

	res, err := q.db.ExecContext(ctx, q.db.Rebind(`
		DELETE FROM enrichment_jobs
		WHERE status IN (?, ?) AND COALESCE(completed_at, cancelled_at, updated_at) < ?
	`), domain.JobStatusCompleted, domain.JobStatusCancelled, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up jobs: %w", err)
	}
	deleted, err := affected(res)
	if err != nil {
		return 0, err
	}

	q.logger.Info("Job cleanup finished",
		slog.Int64("deleted", deleted),
		slog.Duration("retention", retention),
	)
	return deleted, nil
}
