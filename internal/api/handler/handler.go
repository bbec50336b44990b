package handler

import (
	"context"
	"log/slog"
	"time"

	"github.com/cuongbtq/keyword-intel/internal/domain"
	"github.com/cuongbtq/keyword-intel/internal/enrichment"
	"github.com/cuongbtq/keyword-intel/internal/provider"
	"github.com/cuongbtq/keyword-intel/internal/queue"
	"github.com/cuongbtq/keyword-intel/internal/ratelimit"
)

// JobQueue is the part of the job queue the API exposes.
type JobQueue interface {
	Enqueue(ctx context.Context, ownerID string, spec domain.JobSpec, scheduledFor *time.Time) (string, error)
	EnqueueBatch(ctx context.Context, ownerID string, specs []domain.JobSpec) []queue.EnqueueResult
	Get(ctx context.Context, jobID string) (*domain.Job, error)
	List(ctx context.Context, filter queue.ListFilter) (*queue.Page, error)
	Cancel(ctx context.Context, jobID, ownerID string) (*domain.Job, error)
	Stats(ctx context.Context) (*queue.Stats, error)
}

// Enricher runs synchronous enrichment for small requests.
type Enricher interface {
	EnrichKeyword(ctx context.Context, req enrichment.Request) *enrichment.Result
	EnrichBulk(ctx context.Context, req enrichment.BulkRequest) *enrichment.BulkResult
}

type QuotaReader interface {
	QuotaStatus(ctx context.Context) (*domain.QuotaStatus, error)
}

type RateLimitReader interface {
	Status(ctx context.Context) (*ratelimit.Status, error)
}

type ProviderChecker interface {
	TestConnection(ctx context.Context) *provider.Health
}

type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger    *slog.Logger
	Service   string
	Jobs      JobQueue
	Enricher  Enricher
	Quota     QuotaReader
	RateLimit RateLimitReader
	Provider  ProviderChecker
	DB        HealthChecker
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger *slog.Logger
	jobs   JobQueue
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger: deps.Logger,
		jobs:   deps.Jobs,
	}
}

// OpsHandler serves health, quota, rate limit and synchronous enrichment.
type OpsHandler struct {
	logger    *slog.Logger
	service   string
	enricher  Enricher
	quota     QuotaReader
	rateLimit RateLimitReader
	provider  ProviderChecker
	db        HealthChecker
	jobs      JobQueue
}

func NewOpsHandler(deps *Dependencies) *OpsHandler {
	return &OpsHandler{
		logger:    deps.Logger,
		service:   deps.Service,
		enricher:  deps.Enricher,
		quota:     deps.Quota,
		rateLimit: deps.RateLimit,
		provider:  deps.Provider,
		db:        deps.DB,
		jobs:      deps.Jobs,
	}
}
