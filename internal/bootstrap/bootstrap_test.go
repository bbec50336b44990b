package bootstrap

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/cuongbtq/keyword-intel/internal/config"
	"github.com/cuongbtq/keyword-intel/internal/domain"
	"github.com/cuongbtq/keyword-intel/shared/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sqliteConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Database: config.DatabaseConfig{
			Driver:      "sqlite",
			Path:        filepath.Join(t.TempDir(), "pipeline.db"),
			AutoMigrate: true,
		},
		RateLimit: config.RateLimitConfig{Backend: "memory", RequestsPerMinute: 10},
	}
}

func TestBuild_SQLiteMemoryBackend(t *testing.T) {
	ctx := context.Background()
	p, err := Build(ctx, sqliteConfig(t), logger.NewDiscard().Logger)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, p.Close()) })

	assert.Nil(t, p.Redis)
	assert.Nil(t, p.Rabbit)

	id, err := p.Queue.Enqueue(ctx, "owner-1", domain.JobSpec{
		Payload: domain.SinglePayload{Keyword: "seo", CountryCode: "US"},
	}, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	stats, err := p.Queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Queued)

	// the quota record starts unconfigured but readable
	_, err = p.Quota.QuotaStatus(ctx)
	assert.NoError(t, err)
	assert.NoError(t, p.DB.HealthCheck(ctx))
}

func TestBuild_RedisBackend(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)

	cfg := sqliteConfig(t)
	cfg.RateLimit.Backend = "redis"
	cfg.RateLimit.KeyPrefix = "kwi"
	cfg.Redis.Address = mr.Addr()

	p, err := Build(ctx, cfg, logger.NewDiscard().Logger)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	require.NotNil(t, p.Redis)

	require.NoError(t, p.Limiter.Acquire(ctx, 1))
	status, err := p.Limiter.Status(ctx)
	require.NoError(t, err)
	require.Len(t, status.Windows, 1)
	assert.Equal(t, 1, status.Windows[0].Used)
	assert.NotEmpty(t, mr.Keys())
}

func TestBuild_UnreachableRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	cfg := sqliteConfig(t)
	cfg.RateLimit.Backend = "redis"
	cfg.Redis.Address = addr

	p, err := Build(context.Background(), cfg, logger.NewDiscard().Logger)
	require.Error(t, err)
	assert.Nil(t, p)
	assert.Contains(t, err.Error(), "failed to initialize redis")
}
