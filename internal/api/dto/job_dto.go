package dto

import (
	"encoding/json"
	"time"

	"github.com/cuongbtq/keyword-intel/internal/domain"
)

type JobSpecRequest struct {
	Type         string          `json:"type" binding:"required,oneof=single bulk cache_refresh"`
	Priority     string          `json:"priority" binding:"omitempty,oneof=high normal low"`
	MaxRetries   *int            `json:"max_retries" binding:"omitempty,gte=0,lte=10"`
	ScheduledFor *time.Time      `json:"scheduled_for"`
	Payload      json.RawMessage `json:"payload" binding:"required"`
}

type CreateJobRequest struct {
	OwnerID string `json:"owner_id" binding:"required"`
	JobSpecRequest
}

type CreateJobsBatchRequest struct {
	OwnerID string           `json:"owner_id" binding:"required"`
	Jobs    []JobSpecRequest `json:"jobs" binding:"required,min=1,max=100,dive"`
}

type BatchItemResponse struct {
	Index int    `json:"index"`
	JobID string `json:"job_id,omitempty"`
	Error string `json:"error,omitempty"`
}

type CreateJobsBatchResponse struct {
	Accepted int                 `json:"accepted"`
	Rejected int                 `json:"rejected"`
	Items    []BatchItemResponse `json:"items"`
}

type ListJobsRequest struct {
	OwnerID  string `form:"owner_id"`
	Type     string `form:"type"`
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type ProgressDTO struct {
	Total                 int        `json:"total"`
	Processed             int        `json:"processed"`
	Successful            int        `json:"successful"`
	Failed                int        `json:"failed"`
	Skipped               int        `json:"skipped"`
	Percent               float64    `json:"percent"`
	StartedAt             *time.Time `json:"started_at,omitempty"`
	EstimatedCompletionAt *time.Time `json:"estimated_completion_at,omitempty"`
}

type JobDTO struct {
	JobID        string          `json:"job_id"`
	OwnerID      string          `json:"owner_id"`
	Type         string          `json:"type"`
	Status       string          `json:"status"`
	Priority     string          `json:"priority"`
	Payload      any             `json:"payload"`
	Progress     ProgressDTO     `json:"progress"`
	Result       json.RawMessage `json:"result,omitempty"`
	RetryCount   int             `json:"retry_count"`
	MaxRetries   int             `json:"max_retries"`
	NextRetryAt  *time.Time      `json:"next_retry_at,omitempty"`
	ScheduledFor *time.Time      `json:"scheduled_for,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	CreatedAt    string          `json:"created_at"`
	UpdatedAt    string          `json:"updated_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	CancelledAt  *time.Time      `json:"cancelled_at,omitempty"`
}

func NewJobDTO(job *domain.Job) JobDTO {
	p := job.Progress
	progress := ProgressDTO{
		Total:                 p.Total,
		Processed:             p.Processed,
		Successful:            p.Successful,
		Failed:                p.Failed,
		Skipped:               p.Skipped,
		StartedAt:             p.StartedAt,
		EstimatedCompletionAt: p.EstimatedCompletionAt,
	}
	if p.Total > 0 {
		progress.Percent = float64(p.Processed+p.Skipped) / float64(p.Total) * 100
	}

	out := JobDTO{
		JobID:        job.ID,
		OwnerID:      job.OwnerID,
		Type:         string(job.Type),
		Status:       string(job.Status),
		Priority:     string(job.Priority),
		Payload:      job.Payload,
		Progress:     progress,
		Result:       job.Result,
		RetryCount:   job.RetryCount,
		MaxRetries:   job.MaxRetries,
		NextRetryAt:  job.NextRetryAt,
		ScheduledFor: job.ScheduledFor,
		CreatedAt:    job.CreatedAt.Format(time.RFC3339),
		UpdatedAt:    job.UpdatedAt.Format(time.RFC3339),
		CompletedAt:  job.CompletedAt,
		CancelledAt:  job.CancelledAt,
	}
	if job.ErrorMessage != nil {
		out.ErrorMessage = *job.ErrorMessage
	}
	return out
}
