package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/cuongbtq/keyword-intel/internal/domain"
	"github.com/cuongbtq/keyword-intel/shared/database"
)

// JobCursor is the position after the last job of a page.
type JobCursor struct {
	CreatedAt time.Time
	JobID     string
}

// ListFilter selects jobs, newest first.
type ListFilter struct {
	OwnerID  string
	Type     domain.JobType
	Status   domain.JobStatus
	PageSize int
	Cursor   *JobCursor
}

// Page is one page of jobs. NextCursor is nil on the last page.
type Page struct {
	Jobs       []*domain.Job
	NextCursor *JobCursor
}

// List returns jobs matching filter ordered by created_at DESC, id DESC.
func (q *Queue) List(ctx context.Context, filter ListFilter) (*Page, error) {
	if filter.PageSize <= 0 || filter.PageSize > 100 {
		filter.PageSize = 20
	}

	query := `SELECT ` + jobColumns + ` FROM enrichment_jobs WHERE 1=1`
	var args []any

	if filter.OwnerID != "" {
		query += ` AND owner_id = ?`
		args = append(args, filter.OwnerID)
	}
	if filter.Type != "" {
		query += ` AND type = ?`
		args = append(args, filter.Type)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	if filter.Cursor != nil {
		query += ` AND (created_at, id) < (?, ?)`
		args = append(args, database.Millis(filter.Cursor.CreatedAt), filter.Cursor.JobID)
	}

	// one extra row tells whether another page exists
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, filter.PageSize+1)

	var rows []jobRow
	if err := q.db.SelectContext(ctx, &rows, q.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	page := &Page{}
	if len(rows) > filter.PageSize {
		rows = rows[:filter.PageSize]
		last := rows[len(rows)-1]
		page.NextCursor = &JobCursor{CreatedAt: database.FromMillis(last.CreatedAt), JobID: last.ID}
	}
	for i := range rows {
		job, err := rows[i].toJob()
		if err != nil {
			return nil, err
		}
		page.Jobs = append(page.Jobs, job)
	}
	return page, nil
}

// ListDeadLetters returns permanently failed jobs, most recent first.
func (q *Queue) ListDeadLetters(ctx context.Context, limit int) ([]*domain.Job, error) {
	if limit <= 0 {
		limit = 50
	}

	var rows []jobRow
	err := q.db.SelectContext(ctx, &rows, q.db.Rebind(`SELECT `+jobColumns+` FROM enrichment_jobs
		WHERE status = ? ORDER BY updated_at DESC, id DESC LIMIT ?`), domain.JobStatusFailed, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}

	jobs := make([]*domain.Job, 0, len(rows))
	for i := range rows {
		job, err := rows[i].toJob()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Stats counts jobs per status.
type Stats struct {
	Queued     int `json:"queued"`
	Processing int `json:"processing"`
	Retrying   int `json:"retrying"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
}

// InFlight is the number of jobs counted against the capacity ceiling.
func (s Stats) InFlight() int {
	return s.Queued + s.Processing + s.Retrying
}

// Stats returns job counts per status.
func (q *Queue) Stats(ctx context.Context) (*Stats, error) {
	var rows []struct {
		Status string `db:"status"`
		Count  int    `db:"count"`
	}
	if err := q.db.SelectContext(ctx, &rows, `SELECT status, COUNT(*) AS count FROM enrichment_jobs GROUP BY status`); err != nil {
		return nil, fmt.Errorf("failed to get job stats: %w", err)
	}

	stats := &Stats{}
	for _, r := range rows {
		switch domain.JobStatus(r.Status) {
		case domain.JobStatusQueued:
			stats.Queued = r.Count
		case domain.JobStatusProcessing:
			stats.Processing = r.Count
		case domain.JobStatusRetrying:
			stats.Retrying = r.Count
		case domain.JobStatusCompleted:
			stats.Completed = r.Count
		case domain.JobStatusFailed:
			stats.Failed = r.Count
		case domain.JobStatusCancelled:
			stats.Cancelled = r.Count
		}
	}
	return stats, nil
}
