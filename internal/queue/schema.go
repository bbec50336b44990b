package queue

import (
	"database/sql"
	"encoding/json"

	"github.com/cuongbtq/keyword-intel/internal/domain"
	"github.com/cuongbtq/keyword-intel/shared/database"
)

// Schema creates the job table and its dequeue/listing indexes.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS enrichment_jobs (
		id                      TEXT PRIMARY KEY,
		owner_id                TEXT NOT NULL,
		type                    TEXT NOT NULL,
		status                  TEXT NOT NULL,
		priority                TEXT NOT NULL,
		priority_rank           INTEGER NOT NULL,
		payload                 TEXT NOT NULL,
		progress_total          INTEGER NOT NULL DEFAULT 0,
		progress_processed      INTEGER NOT NULL DEFAULT 0,
		progress_successful     INTEGER NOT NULL DEFAULT 0,
		progress_failed         INTEGER NOT NULL DEFAULT 0,
		progress_skipped        INTEGER NOT NULL DEFAULT 0,
		started_at              BIGINT,
		estimated_completion_at BIGINT,
		result                  TEXT,
		retry_count             INTEGER NOT NULL DEFAULT 0,
		max_retries             INTEGER NOT NULL,
		last_retry_at           BIGINT,
		next_retry_at           BIGINT,
		scheduled_for           BIGINT,
		locked_by               TEXT,
		locked_at               BIGINT,
		created_at              BIGINT NOT NULL,
		updated_at              BIGINT NOT NULL,
		completed_at            BIGINT,
		cancelled_at            BIGINT,
		error_message           TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_enrichment_jobs_dequeue ON enrichment_jobs (status, priority_rank, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_enrichment_jobs_owner ON enrichment_jobs (owner_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_enrichment_jobs_locked_at ON enrichment_jobs (locked_at)`,
}

const jobColumns = `id, owner_id, type, status, priority, priority_rank, payload,
	progress_total, progress_processed, progress_successful, progress_failed, progress_skipped,
	started_at, estimated_completion_at, result, retry_count, max_retries, last_retry_at,
	next_retry_at, scheduled_for, locked_by, locked_at, created_at, updated_at, completed_at,
	cancelled_at, error_message`

type jobRow struct {
	ID                    string         `db:"id"`
	OwnerID               string         `db:"owner_id"`
	Type                  string         `db:"type"`
	Status                string         `db:"status"`
	Priority              string         `db:"priority"`
	PriorityRank          int            `db:"priority_rank"`
	Payload               string         `db:"payload"`
	ProgressTotal         int            `db:"progress_total"`
	ProgressProcessed     int            `db:"progress_processed"`
	ProgressSuccessful    int            `db:"progress_successful"`
	ProgressFailed        int            `db:"progress_failed"`
	ProgressSkipped       int            `db:"progress_skipped"`
	StartedAt             sql.NullInt64  `db:"started_at"`
	EstimatedCompletionAt sql.NullInt64  `db:"estimated_completion_at"`
	Result                sql.NullString `db:"result"`
	RetryCount            int            `db:"retry_count"`
	MaxRetries            int            `db:"max_retries"`
	LastRetryAt           sql.NullInt64  `db:"last_retry_at"`
	NextRetryAt           sql.NullInt64  `db:"next_retry_at"`
	ScheduledFor          sql.NullInt64  `db:"scheduled_for"`
	LockedBy              sql.NullString `db:"locked_by"`
	LockedAt              sql.NullInt64  `db:"locked_at"`
	CreatedAt             int64          `db:"created_at"`
	UpdatedAt             int64          `db:"updated_at"`
	CompletedAt           sql.NullInt64  `db:"completed_at"`
	CancelledAt           sql.NullInt64  `db:"cancelled_at"`
	ErrorMessage          sql.NullString `db:"error_message"`
}

// toJob decodes a row. A terminal job with an undecodable payload is still
// returned, without its payload, so it stays visible.
func (r *jobRow) toJob() (*domain.Job, error) {
	jobType := domain.JobType(r.Type)
	payload, err := domain.DecodePayload(jobType, []byte(r.Payload))
	if err != nil && !domain.JobStatus(r.Status).IsTerminal() {
		return nil, err
	}

	job := &domain.Job{
		ID:       r.ID,
		OwnerID:  r.OwnerID,
		Type:     jobType,
		Status:   domain.JobStatus(r.Status),
		Priority: domain.Priority(r.Priority),
		Payload:  payload,
		Progress: domain.Progress{
			Total:                 r.ProgressTotal,
			Processed:             r.ProgressProcessed,
			Successful:            r.ProgressSuccessful,
			Failed:                r.ProgressFailed,
			Skipped:               r.ProgressSkipped,
			StartedAt:             database.FromNullMillis(r.StartedAt),
			EstimatedCompletionAt: database.FromNullMillis(r.EstimatedCompletionAt),
		},
		RetryCount:   r.RetryCount,
		MaxRetries:   r.MaxRetries,
		LastRetryAt:  database.FromNullMillis(r.LastRetryAt),
		NextRetryAt:  database.FromNullMillis(r.NextRetryAt),
		ScheduledFor: database.FromNullMillis(r.ScheduledFor),
		LockedBy:     database.FromNullString(r.LockedBy),
		LockedAt:     database.FromNullMillis(r.LockedAt),
		CreatedAt:    database.FromMillis(r.CreatedAt),
		UpdatedAt:    database.FromMillis(r.UpdatedAt),
		CompletedAt:  database.FromNullMillis(r.CompletedAt),
		CancelledAt:  database.FromNullMillis(r.CancelledAt),
		ErrorMessage: database.FromNullString(r.ErrorMessage),
	}
	if r.Result.Valid && r.Result.String != "" {
		job.Result = json.RawMessage(r.Result.String)
	}
	return job, nil
}
