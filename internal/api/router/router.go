package router

import (
	"github.com/cuongbtq/keyword-intel/internal/api/handler"
	"github.com/gin-gonic/gin"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	ops := handler.NewOpsHandler(deps)
	jobHandler := handler.NewJobHandler(deps)

	r.GET("/health", ops.Health)
	if deps.Provider != nil {
		r.GET("/health/provider", ops.ProviderHealth)
	}

	v1 := r.Group("/api/v1")
	{
		if deps.Quota != nil {
			v1.GET("/quota", ops.Quota)
		}
		if deps.RateLimit != nil {
			v1.GET("/ratelimit", ops.RateLimit)
		}
		if deps.Enricher != nil {
			v1.POST("/enrich", ops.Enrich)
		}
		v1.GET("/queue/stats", ops.QueueStats)

		jobs := v1.Group("/jobs")
		{
			jobs.POST("", jobHandler.CreateJob)
			jobs.POST("/batch", jobHandler.CreateJobsBatch)
			jobs.GET("", jobHandler.ListJobs)
			jobs.GET("/:job_id", jobHandler.GetJob)
			jobs.POST("/:job_id/cancel", jobHandler.CancelJob)
		}
	}

	return r
}
