package provider

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cuongbtq/keyword-intel/internal/domain"
)

// backoff returns min(base*2^attempt + jitter, max).
func (c *Client) backoff(attempt int) time.Duration {
	delay := c.config.BaseDelay
	for i := 0; i < attempt && delay < c.config.MaxDelay; i++ {
		delay *= 2
	}
	delay += c.jitter()
	if delay > c.config.MaxDelay {
		delay = c.config.MaxDelay
	}
	return delay
}

// retryDelay honours a Retry-After hint on rate limit errors, capped at
// MaxRetryAfter, and falls back to backoff.
func (c *Client) retryDelay(err error, attempt int) time.Duration {
	var de *domain.Error
	if errors.As(err, &de) && de.Kind == domain.KindRateLimit && de.RetryAfter > 0 {
		if de.RetryAfter > c.config.MaxRetryAfter {
			return c.config.MaxRetryAfter
		}
		return de.RetryAfter
	}
	return c.backoff(attempt)
}

// parseRetryAfter reads delta-seconds or an HTTP date. Unparseable or past
// values yield zero.
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
