package domain

import (
	"encoding/json"
	"time"
)

// Progress tracks per-keyword outcomes of a job.
type Progress struct {
	Total                 int        `json:"total"`
	Processed             int        `json:"processed"`
	Successful            int        `json:"successful"`
	Failed                int        `json:"failed"`
	Skipped               int        `json:"skipped"`
	StartedAt             *time.Time `json:"started_at,omitempty"`
	EstimatedCompletionAt *time.Time `json:"estimated_completion_at,omitempty"`
}

// ProgressDelta is added to a job's counters by UpdateProgress.
type ProgressDelta struct {
	Processed  int
	Successful int
	Failed     int
	Skipped    int
}

// Job is a durable unit of enrichment work.
type Job struct {
	ID           string          `json:"id"`
	OwnerID      string          `json:"owner_id"`
	Type         JobType         `json:"type"`
	Status       JobStatus       `json:"status"`
	Priority     Priority        `json:"priority"`
	Payload      Payload         `json:"-"`
	Progress     Progress        `json:"progress"`
	Result       json.RawMessage `json:"result,omitempty"`
	RetryCount   int             `json:"retry_count"`
	MaxRetries   int             `json:"max_retries"`
	LastRetryAt  *time.Time      `json:"last_retry_at,omitempty"`
	NextRetryAt  *time.Time      `json:"next_retry_at,omitempty"`
	ScheduledFor *time.Time      `json:"scheduled_for,omitempty"`
	LockedBy     *string         `json:"locked_by,omitempty"`
	LockedAt     *time.Time      `json:"locked_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	CancelledAt  *time.Time      `json:"cancelled_at,omitempty"`
	ErrorMessage *string         `json:"error_message,omitempty"`
}

// JobSpec is what a caller submits to the queue.
type JobSpec struct {
	Payload    Payload
	Priority   Priority
	MaxRetries *int // nil uses the queue default; 0 disables retries
}

// JobMessage is the wire form of a job notification consumed by workers.
type JobMessage struct {
	Event string `json:"event"`
	JobID string `json:"job_id"`
}
