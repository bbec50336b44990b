package handler

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/cuongbtq/keyword-intel/internal/api/dto"
	"github.com/cuongbtq/keyword-intel/internal/domain"
	"github.com/cuongbtq/keyword-intel/internal/queue"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

func toJobSpec(req dto.JobSpecRequest) (domain.JobSpec, error) {
	payload, err := domain.DecodePayload(domain.JobType(req.Type), req.Payload)
	if err != nil {
		return domain.JobSpec{}, err
	}
	return domain.JobSpec{
		Payload:    payload,
		Priority:   domain.Priority(req.Priority),
		MaxRetries: req.MaxRetries,
	}, nil
}

// CreateJob handles POST /api/v1/jobs
func (h *JobHandler) CreateJob(c *gin.Context) {
	var req dto.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid request body", Details: err.Error()})
		return
	}

	spec, err := toJobSpec(req.JobSpecRequest)
	if err != nil {
		writeError(c, h.logger, "Invalid job payload", err)
		return
	}

	ctx := c.Request.Context()
	jobID, err := h.jobs.Enqueue(ctx, req.OwnerID, spec, req.ScheduledFor)
	if err != nil {
		writeError(c, h.logger, "Failed to create job", err)
		return
	}

	job, err := h.jobs.Get(ctx, jobID)
	if err != nil {
		writeError(c, h.logger, "Failed to load created job", err)
		return
	}

	h.logger.Info("Job created",
		slog.String("job_id", jobID),
		slog.String("owner_id", req.OwnerID),
		slog.String("type", req.Type),
	)
	c.JSON(http.StatusCreated, dto.NewJobDTO(job))
}

// CreateJobsBatch handles POST /api/v1/jobs/batch
// Every item is validated and enqueued on its own; failures are reported per index.
func (h *JobHandler) CreateJobsBatch(c *gin.Context) {
	var req dto.CreateJobsBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid request body", Details: err.Error()})
		return
	}

	resp := dto.CreateJobsBatchResponse{Items: make([]dto.BatchItemResponse, len(req.Jobs))}

	// decode first so indexes stay aligned with the request
	specs := make([]domain.JobSpec, 0, len(req.Jobs))
	positions := make([]int, 0, len(req.Jobs))
	for i, item := range req.Jobs {
		resp.Items[i].Index = i
		spec, err := toJobSpec(item)
		if err != nil {
			resp.Items[i].Error = err.Error()
			continue
		}
		specs = append(specs, spec)
		positions = append(positions, i)
	}

	for _, r := range h.jobs.EnqueueBatch(c.Request.Context(), req.OwnerID, specs) {
		item := &resp.Items[positions[r.Index]]
		if r.Err != nil {
			item.Error = r.Err.Error()
			continue
		}
		item.JobID = r.JobID
	}

	for _, item := range resp.Items {
		if item.Error != "" {
			resp.Rejected++
		} else {
			resp.Accepted++
		}
	}

	h.logger.Info("Job batch submitted",
		slog.String("owner_id", req.OwnerID),
		slog.Int("accepted", resp.Accepted),
		slog.Int("rejected", resp.Rejected),
	)

	status := http.StatusCreated
	if resp.Accepted == 0 {
		status = http.StatusBadRequest
	} else if resp.Rejected > 0 {
		status = http.StatusMultiStatus
	}
	c.JSON(status, resp)
}

// GetJob handles GET /api/v1/jobs/:job_id
// An owner_id query parameter restricts the lookup to that owner.
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "job_id must be a valid UUID"})
		return
	}

	job, err := h.jobs.Get(c.Request.Context(), jobID)
	if err != nil {
		writeError(c, h.logger, "Failed to get job", err)
		return
	}
	if owner := c.Query("owner_id"); owner != "" && owner != job.OwnerID {
		writeError(c, h.logger, "Failed to get job", domain.ErrJobNotFound)
		return
	}

	c.JSON(http.StatusOK, dto.NewJobDTO(job))
}

// ListJobs handles GET /api/v1/jobs
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid query parameters", Details: err.Error()})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = 20
	}
	if req.PageSize > 100 {
		req.PageSize = 100
	}

	if req.Type != "" && !domain.JobType(req.Type).IsValid() {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid query parameters", Details: fmt.Sprintf("unknown type %q", req.Type)})
		return
	}
	if req.Status != "" && !domain.JobStatus(req.Status).IsValid() {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid query parameters", Details: fmt.Sprintf("unknown status %q", req.Status)})
		return
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid cursor"})
		return
	}

	page, err := h.jobs.List(c.Request.Context(), queue.ListFilter{
		OwnerID:  req.OwnerID,
		Type:     domain.JobType(req.Type),
		Status:   domain.JobStatus(req.Status),
		PageSize: req.PageSize,
		Cursor:   cursor,
	})
	if err != nil {
		writeError(c, h.logger, "Failed to list jobs", err)
		return
	}

	resp := dto.ListJobsResponse{Jobs: make([]dto.JobDTO, len(page.Jobs))}
	for i, job := range page.Jobs {
		resp.Jobs[i] = dto.NewJobDTO(job)
	}
	if page.NextCursor != nil {
		resp.NextCursor = EncodeJobCursor(page.NextCursor)
	}

	c.JSON(http.StatusOK, resp)
}

// CancelJob handles POST /api/v1/jobs/:job_id/cancel?owner_id=...
// Cancelling a finished job is a no-op that returns the job unchanged.
func (h *JobHandler) CancelJob(c *gin.Context) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "job_id must be a valid UUID"})
		return
	}
	ownerID := c.Query("owner_id")
	if ownerID == "" {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "owner_id is required"})
		return
	}

	job, err := h.jobs.Cancel(c.Request.Context(), jobID, ownerID)
	if err != nil {
		writeError(c, h.logger, "Failed to cancel job", err)
		return
	}

	h.logger.Info("Job cancel requested",
		slog.String("job_id", jobID),
		slog.String("status", string(job.Status)),
	)
	c.JSON(http.StatusOK, dto.NewJobDTO(job))
}
