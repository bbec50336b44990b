package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// cronLogger routes cron's own logging through slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}

// Task is a periodic sweep.
type Task func(ctx context.Context) error

// Scheduler runs named tasks on cron specs. Overlapping runs of the same
// task are skipped.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger

	mu    sync.Mutex
	ctx   context.Context
	tasks map[string]Task
}

func NewScheduler(logger *slog.Logger) *Scheduler {
	logger = logger.With("component", "scheduler")
	cl := cronLogger{logger: logger}
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger: logger,
		ctx:    context.Background(),
		tasks:  make(map[string]Task),
	}
}

// Register adds task under name. spec accepts the standard five-field
// format and descriptors such as "@every 5m" or "@daily".
func (s *Scheduler) Register(name, spec string, task Task) error {
	_, err := s.cron.AddFunc(spec, func() {
		s.mu.Lock()
		ctx := s.ctx
		s.mu.Unlock()
		s.run(ctx, name, task)
	})
	if err != nil {
		return fmt.Errorf("failed to schedule %s (%q): %w", name, spec, err)
	}

	s.mu.Lock()
	s.tasks[name] = task
	s.mu.Unlock()

	s.logger.Info("Task scheduled",
		slog.String("task", name),
		slog.String("spec", spec),
	)
	return nil
}

// RunNow runs a registered task synchronously.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	task, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown task %q", name)
	}
	return s.run(ctx, name, task)
}

func (s *Scheduler) run(ctx context.Context, name string, task Task) error {
	start := time.Now()
	err := task(ctx)
	if err != nil {
		s.logger.Error("Scheduled task failed",
			slog.String("task", name),
			slog.Duration("duration", time.Since(start)),
			slog.String("error", err.Error()),
		)
		return err
	}
	s.logger.Debug("Scheduled task finished",
		slog.String("task", name),
		slog.Duration("duration", time.Since(start)),
	)
	return nil
}

// Start begins firing tasks with ctx passed to each run.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.cron.Start()
}

// Stop stops scheduling and waits for running tasks.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
