// Package ratelimit is the in-process soft limiter in front of the
// intelligence provider. A call must fit the minute, hour and day windows at
// once; the durable quota record is checked separately.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/keyword-intel/internal/domain"
)

// ErrWaitExceeded is the cause of the error returned when a budget does not
// free up within MaxWait.
var ErrWaitExceeded = errors.New("rate limit wait exceeded")

// Config sets per-window budgets. A non-positive limit disables that window.
type Config struct {
	RequestsPerMinute int
	RequestsPerHour   int
	RequestsPerDay    int
	MaxWait           time.Duration
}

// WindowStatus reports one window.
type WindowStatus struct {
	Name      string    `json:"name"`
	Limit     int       `json:"limit"`
	Used      int       `json:"used"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// Status reports every enforced window.
type Status struct {
	Windows []WindowStatus `json:"windows"`
}

// Limiter gates provider calls against all configured windows.
type Limiter struct {
	windows []Window
	counter Counter
	maxWait time.Duration
	logger  *slog.Logger
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

// New creates a Limiter over counter. A nil counter uses process memory.
func New(cfg Config, counter Counter, logger *slog.Logger) *Limiter {
	if counter == nil {
		counter = NewMemoryCounter()
	}
	maxWait := cfg.MaxWait
	if maxWait <= 0 {
		maxWait = 2 * time.Minute
	}

	var windows []Window
	for _, w := range []Window{
		{Name: "minute", Size: time.Minute, Limit: cfg.RequestsPerMinute},
		{Name: "hour", Size: time.Hour, Limit: cfg.RequestsPerHour},
		{Name: "day", Size: 24 * time.Hour, Limit: cfg.RequestsPerDay},
	} {
		if w.Limit > 0 {
			windows = append(windows, w)
		}
	}

	return &Limiter{
		windows: windows,
		counter: counter,
		maxWait: maxWait,
		logger:  logger.With("component", "rate_limiter"),
		now:     time.Now,
		sleep:   sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (l *Limiter) checkSize(n int) error {
	for _, w := range l.windows {
		if n > w.Limit {
			return domain.NewError(domain.KindInvalidRequest,
				"%d requests exceed the %s limit of %d", n, w.Name, w.Limit)
		}
	}
	return nil
}

// Acquire waits for room for n requests and records them in one step.
func (l *Limiter) Acquire(ctx context.Context, n int) error {
	if err := l.checkSize(n); err != nil {
		return err
	}

	start := l.now()
	for {
		now := l.now()
		ok, blocked, err := l.counter.Consume(ctx, l.windows, n, now)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if err := l.waitFor(ctx, l.windows[blocked], start, now); err != nil {
			return err
		}
	}
}

// WaitForAvailability blocks until n requests fit every window, without
// recording them.
func (l *Limiter) WaitForAvailability(ctx context.Context, n int) error {
	if err := l.checkSize(n); err != nil {
		return err
	}

	start := l.now()
	for {
		now := l.now()
		used, err := l.counter.Peek(ctx, l.windows, now)
		if err != nil {
			return err
		}
		blocked := -1
		for i, w := range l.windows {
			if used[i]+n > w.Limit {
				blocked = i
				break
			}
		}
		if blocked < 0 {
			return nil
		}
		if err := l.waitFor(ctx, l.windows[blocked], start, now); err != nil {
			return err
		}
	}
}

func (l *Limiter) waitFor(ctx context.Context, w Window, start, now time.Time) error {
	resetAt := w.ResetAt(now)
	if resetAt.Sub(start) > l.maxWait {
		return &domain.Error{
			Kind:       domain.KindRateLimit,
			Message:    fmt.Sprintf("%s budget exhausted", w.Name),
			RetryAfter: resetAt.Sub(now),
			Cause:      ErrWaitExceeded,
		}
	}

	wait := resetAt.Sub(now)
	l.logger.Debug("Rate limit reached, waiting for window reset",
		slog.String("window", w.Name),
		slog.Duration("wait", wait),
	)
	return l.sleep(ctx, wait)
}

// RecordRequest records n requests made outside Acquire.
func (l *Limiter) RecordRequest(ctx context.Context, n int) error {
	return l.counter.Add(ctx, l.windows, n, l.now())
}

// Status returns usage and reset times for each window.
func (l *Limiter) Status(ctx context.Context) (*Status, error) {
	now := l.now()
	used, err := l.counter.Peek(ctx, l.windows, now)
	if err != nil {
		return nil, err
	}

	status := &Status{Windows: make([]WindowStatus, 0, len(l.windows))}
	for i, w := range l.windows {
		remaining := w.Limit - used[i]
		if remaining < 0 {
			remaining = 0
		}
		status.Windows = append(status.Windows, WindowStatus{
			Name:      w.Name,
			Limit:     w.Limit,
			Used:      used[i],
			Remaining: remaining,
			ResetAt:   w.ResetAt(now),
		})
	}
	return status, nil
}
