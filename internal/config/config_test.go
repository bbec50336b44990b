package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Setenv("KEYWORD_INTEL_TEST_DB_PASSWORD", "s3cret")

	tests := []struct {
		name      string
		filePath  string
		wantErr   bool
		errString string
	}{
		{
			name:     "valid config file",
			filePath: "testdata/valid_config.yaml",
			wantErr:  false,
		},
		{
			name:      "non-existent file",
			filePath:  "testdata/nonexistent.yaml",
			wantErr:   true,
			errString: "failed to read config file",
		},
		{
			name:      "malformed yaml",
			filePath:  "testdata/malformed.yaml",
			wantErr:   true,
			errString: "failed to parse config file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(tt.filePath)

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
				assert.Nil(t, cfg)
				return
			}

			require.NoError(t, err)
			require.NotNil(t, cfg)

			assert.Equal(t, 8080, cfg.Server.Port)
			assert.Equal(t, "localhost", cfg.Database.Host)
			assert.Equal(t, "s3cret", cfg.Database.Password)
			assert.Equal(t, "keyword_events", cfg.RabbitMQ.Exchange.Name)
			assert.Equal(t, "keyword_worker_wakeups", cfg.RabbitMQ.Queue.Name)
			assert.Equal(t, "redis", cfg.RateLimit.Backend)
			assert.Equal(t, 2, cfg.RateLimit.RequestsPerMinute)
			assert.Equal(t, 50, cfg.Provider.BatchSize)
			assert.Equal(t, 20*time.Second, cfg.Provider.Timeout)
			assert.Equal(t, 60*time.Second, cfg.Queue.RetryBaseDelay)

			// defaults for fields the file leaves out
			assert.Equal(t, 3, cfg.Provider.MaxRetries)
			assert.Equal(t, 300*time.Second, cfg.Provider.MaxRetryAfter)
			assert.Equal(t, 7*24*time.Hour, cfg.Cache.FreshnessWindow)
			assert.Equal(t, 10000, cfg.Queue.MaxInFlight)
			assert.Equal(t, 500*time.Millisecond, cfg.Poller.Interval)
			assert.Equal(t, "@every 1h", cfg.Poller.Schedule)
			assert.Equal(t, 80.0, cfg.Quota.WarningPercent)

			assert.NoError(t, cfg.ValidateAPIConfig())
			assert.NoError(t, cfg.ValidateWorkerConfig())
		})
	}
}

func TestLoad_MinimalSQLite(t *testing.T) {
	cfg, err := Load("testdata/minimal.yaml")
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "memory", cfg.RateLimit.Backend)
	assert.False(t, cfg.RabbitMQ.Enabled)
	assert.NoError(t, cfg.ValidateAPIConfig())
	assert.NoError(t, cfg.ValidateWorkerConfig())
}

func TestLoadDotEnv(t *testing.T) {
	require.NoError(t, LoadDotEnv("testdata/does-not-exist.env"))

	t.Setenv("KEYWORD_INTEL_TEST_FROM_DOTENV", "")
	os.Unsetenv("KEYWORD_INTEL_TEST_FROM_DOTENV")
	require.NoError(t, LoadDotEnv("testdata/test.env"))
	assert.Equal(t, "loaded", os.Getenv("KEYWORD_INTEL_TEST_FROM_DOTENV"))
}

func validConfig() *Config {
	cfg := &Config{
		Server: ServerConfig{Port: 8080},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			Database: "keyword_intel",
		},
		RabbitMQ: RabbitMQConfig{
			Enabled:  true,
			Host:     "localhost",
			Port:     5672,
			Exchange: ExchangeConfig{Name: "keyword_events"},
			Queue:    RabbitQueue{Name: "keyword_worker_wakeups"},
		},
	}
	cfg.applyDefaults()
	return cfg
}

func TestConfig_ValidateAPIConfig(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *Config)
		errString string
	}{
		{name: "valid config", mutate: func(*Config) {}},
		{name: "invalid server port", mutate: func(c *Config) { c.Server.Port = 70000 }, errString: "invalid server port"},
		{name: "missing database host", mutate: func(c *Config) { c.Database.Host = "" }, errString: "database host is required"},
		{name: "unknown driver", mutate: func(c *Config) { c.Database.Driver = "mysql" }, errString: "unsupported database driver"},
		{name: "sqlite without path", mutate: func(c *Config) { c.Database.Driver = "sqlite" }, errString: "database path is required"},
		{name: "missing exchange", mutate: func(c *Config) { c.RabbitMQ.Exchange.Name = "" }, errString: "rabbitmq exchange name is required"},
		{name: "rabbitmq disabled", mutate: func(c *Config) { c.RabbitMQ = RabbitMQConfig{} }},
		{name: "redis backend without address", mutate: func(c *Config) { c.RateLimit.Backend = "redis" }, errString: "redis address is required"},
		{name: "unknown backend", mutate: func(c *Config) { c.RateLimit.Backend = "etcd" }, errString: "unsupported rate limit backend"},
		{name: "batch too large", mutate: func(c *Config) { c.Provider.BatchSize = 150 }, errString: "batch_size"},
		{name: "thresholds inverted", mutate: func(c *Config) { c.Quota.WarningPercent = 96 }, errString: "quota thresholds"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.ValidateAPIConfig()
			if tt.errString == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errString)
		})
	}
}

func TestConfig_ValidateWorkerConfig(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *Config)
		errString string
	}{
		{name: "valid config", mutate: func(*Config) {}},
		{name: "zero concurrency", mutate: func(c *Config) { c.Worker.Concurrency = 0 }, errString: "worker concurrency"},
		{name: "zero job timeout", mutate: func(c *Config) { c.Worker.JobTimeout = 0 }, errString: "worker job_timeout"},
		{
			name:      "heartbeat slower than lock timeout",
			mutate:    func(c *Config) { c.Worker.HeartbeatInterval = 20 * time.Minute },
			errString: "shorter than queue lock_timeout",
		},
		{name: "zero shutdown timeout", mutate: func(c *Config) { c.Worker.ShutdownTimeout = 0 }, errString: "worker shutdown_timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.ValidateWorkerConfig()
			if tt.errString == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errString)
		})
	}
}
