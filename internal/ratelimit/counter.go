package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Window is one fixed, clock-aligned budget.
type Window struct {
	Name  string
	Size  time.Duration
	Limit int
}

// Start returns the beginning of the window containing now.
func (w Window) Start(now time.Time) time.Time {
	return now.UTC().Truncate(w.Size)
}

// ResetAt returns the end of the window containing now.
func (w Window) ResetAt(now time.Time) time.Time {
	return w.Start(now).Add(w.Size)
}

// Counter stores per-window usage. Implementations must make Consume atomic
// across every window it is given.
type Counter interface {
	// Consume adds n to every window when all of them have room. Otherwise
	// nothing is recorded and blocked is the index of the first full window.
	Consume(ctx context.Context, windows []Window, n int, now time.Time) (ok bool, blocked int, err error)
	// Add records n unconditionally.
	Add(ctx context.Context, windows []Window, n int, now time.Time) error
	// Peek returns current usage per window.
	Peek(ctx context.Context, windows []Window, now time.Time) ([]int, error)
}

type slot struct {
	start time.Time
	count int
}

// MemoryCounter keeps usage in process memory.
type MemoryCounter struct {
	mu    sync.Mutex
	slots map[string]slot
}

// NewMemoryCounter creates an empty in-process counter.
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{slots: make(map[string]slot)}
}

func (c *MemoryCounter) used(w Window, now time.Time) int {
	s, ok := c.slots[w.Name]
	if !ok || !s.start.Equal(w.Start(now)) {
		return 0
	}
	return s.count
}

func (c *MemoryCounter) add(w Window, n int, now time.Time) {
	c.slots[w.Name] = slot{start: w.Start(now), count: c.used(w, now) + n}
}

func (c *MemoryCounter) Consume(_ context.Context, windows []Window, n int, now time.Time) (bool, int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, w := range windows {
		if c.used(w, now)+n > w.Limit {
			return false, i, nil
		}
	}
	for _, w := range windows {
		c.add(w, n, now)
	}
	return true, -1, nil
}

func (c *MemoryCounter) Add(_ context.Context, windows []Window, n int, now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, w := range windows {
		c.add(w, n, now)
	}
	return nil
}

func (c *MemoryCounter) Peek(_ context.Context, windows []Window, now time.Time) ([]int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	used := make([]int, len(windows))
	for i, w := range windows {
		used[i] = c.used(w, now)
	}
	return used, nil
}
