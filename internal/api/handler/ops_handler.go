package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cuongbtq/keyword-intel/internal/api/dto"
	"github.com/cuongbtq/keyword-intel/internal/enrichment"
	"github.com/gin-gonic/gin"
)

const healthTimeout = 5 * time.Second

// Health handles GET /health
func (h *OpsHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	body := gin.H{"status": "healthy", "service": h.service}
	if h.db != nil {
		if err := h.db.HealthCheck(ctx); err != nil {
			h.logger.Error("Database health check failed", slog.String("error", err.Error()))
			body["status"] = "unhealthy"
			body["database"] = err.Error()
			c.JSON(http.StatusServiceUnavailable, body)
			return
		}
		body["database"] = "ok"
	}
	c.JSON(http.StatusOK, body)
}

// ProviderHealth handles GET /health/provider
func (h *OpsHandler) ProviderHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	health := h.provider.TestConnection(ctx)
	status := http.StatusOK
	if health.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, health)
}

// Quota handles GET /api/v1/quota
func (h *OpsHandler) Quota(c *gin.Context) {
	status, err := h.quota.QuotaStatus(c.Request.Context())
	if err != nil {
		writeError(c, h.logger, "Failed to read quota", err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// RateLimit handles GET /api/v1/ratelimit
func (h *OpsHandler) RateLimit(c *gin.Context) {
	status, err := h.rateLimit.Status(c.Request.Context())
	if err != nil {
		writeError(c, h.logger, "Failed to read rate limit", err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// QueueStats handles GET /api/v1/queue/stats
func (h *OpsHandler) QueueStats(c *gin.Context) {
	stats, err := h.jobs.Stats(c.Request.Context())
	if err != nil {
		writeError(c, h.logger, "Failed to read queue stats", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"queued":     stats.Queued,
		"processing": stats.Processing,
		"retrying":   stats.Retrying,
		"completed":  stats.Completed,
		"failed":     stats.Failed,
		"cancelled":  stats.Cancelled,
		"in_flight":  stats.InFlight(),
	})
}

// Enrich handles POST /api/v1/enrich
// A single keyword returns one result envelope; a keywords list returns the
// bulk result. Per-keyword failures inside a bulk result do not fail the request.
func (h *OpsHandler) Enrich(c *gin.Context) {
	var req dto.EnrichRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid request body", Details: err.Error()})
		return
	}

	single := strings.TrimSpace(req.Keyword) != ""
	if single == (len(req.Keywords) > 0) {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid request body", Details: "exactly one of keyword or keywords is required"})
		return
	}

	ctx := c.Request.Context()
	if single {
		result := h.enricher.EnrichKeyword(ctx, enrichment.Request{
			Keyword:      req.Keyword,
			CountryCode:  req.CountryCode,
			LanguageCode: req.LanguageCode,
			ForceRefresh: req.ForceRefresh,
		})
		status := http.StatusOK
		if result.Error != nil {
			status = kindStatus(result.Error.Kind)
			h.logger.Warn("Keyword enrichment failed",
				slog.String("keyword", req.Keyword),
				slog.String("kind", string(result.Error.Kind)),
				slog.String("error", result.Error.Message),
			)
		}
		c.JSON(status, result)
		return
	}

	result := h.enricher.EnrichBulk(ctx, enrichment.BulkRequest{
		Keywords:     req.Keywords,
		CountryCode:  req.CountryCode,
		LanguageCode: req.LanguageCode,
		ForceRefresh: req.ForceRefresh,
	})
	c.JSON(http.StatusOK, result)
}
