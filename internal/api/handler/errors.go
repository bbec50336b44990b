package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/cuongbtq/keyword-intel/internal/api/dto"
	"github.com/cuongbtq/keyword-intel/internal/domain"
	"github.com/gin-gonic/gin"
)

// statusFor maps queue and domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidPayload):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrJobNotFound), errors.Is(err, domain.ErrKeywordNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrQueueFull):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict
	}
	return kindStatus(domain.KindOf(err))
}

// kindStatus maps a provider failure kind to an HTTP status code.
func kindStatus(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindInvalidRequest:
		return http.StatusBadRequest
	case domain.KindQuotaExceeded, domain.KindRateLimit:
		return http.StatusTooManyRequests
	case domain.KindNetwork, domain.KindTimeout:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeError(c *gin.Context, logger *slog.Logger, msg string, err error) {
	status := statusFor(err)
	resp := dto.ErrorResponse{Error: msg}
	if status < http.StatusInternalServerError {
		resp.Details = err.Error()
		logger.Warn(msg, slog.Int("status", status), slog.String("error", err.Error()))
	} else {
		logger.Error(msg, slog.Int("status", status), slog.String("error", err.Error()))
	}
	c.JSON(status, resp)
}
