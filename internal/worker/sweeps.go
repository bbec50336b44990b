package worker

import (
	"context"
	"log/slog"
	"time"
)

type quotaResetter interface {
	AutoReset(ctx context.Context) (bool, error)
}

type cacheCleaner interface {
	CleanupStale(ctx context.Context, olderThanDays int) (int64, error)
}

type jobMaintainer interface {
	Cleanup(ctx context.Context, retention time.Duration) (int64, error)
	ReleaseStale(ctx context.Context, timeout time.Duration) (int64, error)
}

// SweepConfig holds cron specs and thresholds for the maintenance tasks.
// An empty spec disables that task.
type SweepConfig struct {
	QuotaResetSpec     string
	CacheCleanupSpec   string
	JobCleanupSpec     string
	StaleLockSpec      string
	PollerSpec         string
	CacheRetentionDays int
	JobRetention       time.Duration
	LockTimeout        time.Duration
}

// Task names.
const (
	TaskQuotaReset   = "quota_auto_reset"
	TaskCacheCleanup = "cache_cleanup"
	TaskJobCleanup   = "job_cleanup"
	TaskStaleLocks   = "release_stale_locks"
	TaskPoller       = "keyword_poller"
)

// RegisterSweeps schedules the maintenance tasks whose dependency is set.
func RegisterSweeps(s *Scheduler, cfg SweepConfig, quota quotaResetter, cache cacheCleaner, jobs jobMaintainer, poller *Poller, logger *slog.Logger) error {
	type entry struct {
		name string
		spec string
		task Task
	}
	var entries []entry

	if quota != nil {
		entries = append(entries, entry{TaskQuotaReset, cfg.QuotaResetSpec, func(ctx context.Context) error {
			_, err := quota.AutoReset(ctx)
			return err
		}})
	}
	if cache != nil {
		entries = append(entries, entry{TaskCacheCleanup, cfg.CacheCleanupSpec, func(ctx context.Context) error {
			n, err := cache.CleanupStale(ctx, cfg.CacheRetentionDays)
			if err == nil && n > 0 {
				logger.Info("Stale cache entries removed", slog.Int64("deleted", n))
			}
			return err
		}})
	}
	if jobs != nil {
		entries = append(entries,
			entry{TaskJobCleanup, cfg.JobCleanupSpec, func(ctx context.Context) error {
				_, err := jobs.Cleanup(ctx, cfg.JobRetention)
				return err
			}},
			entry{TaskStaleLocks, cfg.StaleLockSpec, func(ctx context.Context) error {
				_, err := jobs.ReleaseStale(ctx, cfg.LockTimeout)
				return err
			}},
		)
	}
	if poller != nil {
		entries = append(entries, entry{TaskPoller, cfg.PollerSpec, func(ctx context.Context) error {
			_, err := poller.Run(ctx)
			return err
		}})
	}

	for _, e := range entries {
		if e.spec == "" {
			continue
		}
		if err := s.Register(e.name, e.spec, e.task); err != nil {
			return err
		}
	}
	return nil
}
