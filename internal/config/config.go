package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Config represents the complete application configuration
type Config struct {
	App       AppConfig       `yaml:"app"`
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	RabbitMQ  RabbitMQConfig  `yaml:"rabbitmq"`
	Logging   LoggingConfig   `yaml:"logging"`
	Worker    WorkerConfig    `yaml:"worker"`
	Provider  ProviderConfig  `yaml:"provider"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Quota     QuotaConfig     `yaml:"quota"`
	Cache     CacheConfig     `yaml:"cache"`
	Queue     QueueConfig     `yaml:"queue"`
	Poller    PollerConfig    `yaml:"poller"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds database connection configuration. Driver is
// "postgres" or "sqlite"; Path is used by sqlite only.
type DatabaseConfig struct {
	Driver          string        `yaml:"driver"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	Path            string        `yaml:"path"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
	Enabled    bool             `yaml:"enabled"`
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Queue      RabbitQueue      `yaml:"queue"`
	RoutingKey string           `yaml:"routing_key"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// RabbitQueue holds RabbitMQ queue configuration
type RabbitQueue struct {
	Name       string `yaml:"name"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
	Exclusive  bool   `yaml:"exclusive"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int `yaml:"prefetch_count"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	ID                string        `yaml:"id"`
	Concurrency       int           `yaml:"concurrency"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	JobTimeout        time.Duration `yaml:"job_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// ProviderConfig holds the keyword intelligence provider client settings.
// The API key and base URL normally come from the integration settings
// table; BaseURL here is the fallback.
type ProviderConfig struct {
	BaseURL          string        `yaml:"base_url"`
	Timeout          time.Duration `yaml:"timeout"`
	MaxRetries       int           `yaml:"max_retries"`
	BaseDelay        time.Duration `yaml:"base_delay"`
	MaxDelay         time.Duration `yaml:"max_delay"`
	MaxRetryAfter    time.Duration `yaml:"max_retry_after"`
	BatchSize        int           `yaml:"batch_size"`
	CredentialTTL    time.Duration `yaml:"credential_ttl"`
	BreakerFailures  uint32        `yaml:"breaker_failures"`
	BreakerOpenFor   time.Duration `yaml:"breaker_open_for"`
	BreakerHalfOpens uint32        `yaml:"breaker_half_opens"`
}

// RateLimitConfig holds the soft per-window call budgets. Backend is
// "memory" (per process) or "redis" (shared).
type RateLimitConfig struct {
	Backend           string        `yaml:"backend"`
	KeyPrefix         string        `yaml:"key_prefix"`
	RequestsPerMinute int           `yaml:"requests_per_minute"`
	RequestsPerHour   int           `yaml:"requests_per_hour"`
	RequestsPerDay    int           `yaml:"requests_per_day"`
	MaxWait           time.Duration `yaml:"max_wait"`
}

// QuotaConfig holds quota tracking settings
type QuotaConfig struct {
	ServiceID       string  `yaml:"service_id"`
	WarningPercent  float64 `yaml:"warning_percent"`
	CriticalPercent float64 `yaml:"critical_percent"`
	ResetSchedule   string  `yaml:"reset_schedule"`
}

// CacheConfig holds keyword bank settings
type CacheConfig struct {
	FreshnessWindow time.Duration `yaml:"freshness_window"`
	RetentionDays   int           `yaml:"retention_days"`
	CleanupSchedule string        `yaml:"cleanup_schedule"`
}

// QueueConfig holds job queue settings
type QueueConfig struct {
	MaxInFlight       int           `yaml:"max_in_flight"`
	MaxRetries        int           `yaml:"max_retries"`
	RetryBaseDelay    time.Duration `yaml:"retry_base_delay"`
	RetryMultiplier   float64       `yaml:"retry_multiplier"`
	Retention         time.Duration `yaml:"retention"`
	LockTimeout       time.Duration `yaml:"lock_timeout"`
	CleanupSchedule   string        `yaml:"cleanup_schedule"`
	StaleLockSchedule string        `yaml:"stale_lock_schedule"`
}

// PollerConfig holds direct keyword polling settings
type PollerConfig struct {
	Enabled   bool          `yaml:"enabled"`
	BatchSize int           `yaml:"batch_size"`
	Interval  time.Duration `yaml:"interval"`
	Schedule  string        `yaml:"schedule"`
}

// LoadDotEnv loads variables from the given .env files into the process
// environment. Missing files are ignored; existing variables win.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
	}
	return nil
}

// Load reads and parses the configuration file. ${VAR} references are
// expanded from the environment before parsing and unset fields get
// defaults.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()
	return &config, nil
}

func (c *Config) applyDefaults() {
	setString(&c.App.Name, "keyword-intel")
	setString(&c.App.Environment, "development")

	setInt(&c.Server.Port, 8080)
	setDuration(&c.Server.ReadTimeout, 15*time.Second)
	setDuration(&c.Server.WriteTimeout, 60*time.Second)
	setDuration(&c.Server.IdleTimeout, 60*time.Second)
	setDuration(&c.Server.ShutdownTimeout, 30*time.Second)

	setString(&c.Database.Driver, "postgres")
	setString(&c.Database.SSLMode, "disable")
	setInt(&c.Database.MaxOpenConns, 25)
	setInt(&c.Database.MaxIdleConns, 5)
	setDuration(&c.Database.ConnMaxLifetime, 5*time.Minute)

	setString(&c.Logging.Level, "info")
	setString(&c.Logging.Format, "json")
	setString(&c.Logging.Output, "stdout")

	setInt(&c.Worker.Concurrency, 4)
	setDuration(&c.Worker.PollInterval, 2*time.Second)
	setDuration(&c.Worker.JobTimeout, 10*time.Minute)
	setDuration(&c.Worker.HeartbeatInterval, 30*time.Second)
	setDuration(&c.Worker.ShutdownTimeout, 30*time.Second)

	setDuration(&c.Provider.Timeout, 30*time.Second)
	if c.Provider.MaxRetries == 0 {
		c.Provider.MaxRetries = 3
	}
	setDuration(&c.Provider.BaseDelay, time.Second)
	setDuration(&c.Provider.MaxDelay, 30*time.Second)
	setDuration(&c.Provider.MaxRetryAfter, 300*time.Second)
	setInt(&c.Provider.BatchSize, 100)
	setDuration(&c.Provider.CredentialTTL, 5*time.Minute)

	setString(&c.RateLimit.Backend, "memory")
	setString(&c.RateLimit.KeyPrefix, "keyword-intel:ratelimit")
	setDuration(&c.RateLimit.MaxWait, 2*time.Minute)

	setString(&c.Quota.ServiceID, "keyword_provider")
	if c.Quota.WarningPercent == 0 {
		c.Quota.WarningPercent = 80
	}
	if c.Quota.CriticalPercent == 0 {
		c.Quota.CriticalPercent = 95
	}
	setString(&c.Quota.ResetSchedule, "@every 1m")

	setDuration(&c.Cache.FreshnessWindow, 7*24*time.Hour)
	setInt(&c.Cache.RetentionDays, 30)
	setString(&c.Cache.CleanupSchedule, "@daily")

	setInt(&c.Queue.MaxInFlight, 10000)
	if c.Queue.MaxRetries == 0 {
		c.Queue.MaxRetries = 3
	}
	setDuration(&c.Queue.RetryBaseDelay, 60*time.Second)
	if c.Queue.RetryMultiplier == 0 {
		c.Queue.RetryMultiplier = 2
	}
	setDuration(&c.Queue.Retention, 30*24*time.Hour)
	setDuration(&c.Queue.LockTimeout, 15*time.Minute)
	setString(&c.Queue.CleanupSchedule, "@daily")
	setString(&c.Queue.StaleLockSchedule, "@every 5m")

	setInt(&c.Poller.BatchSize, 50)
	setDuration(&c.Poller.Interval, 500*time.Millisecond)
	setString(&c.Poller.Schedule, "@every 1h")
}

func setString(v *string, def string) {
	if *v == "" {
		*v = def
	}
}

func setInt(v *int, def int) {
	if *v == 0 {
		*v = def
	}
}

func setDuration(v *time.Duration, def time.Duration) {
	if *v == 0 {
		*v = def
	}
}

func (c *Config) validateDatabase() error {
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database path is required for sqlite")
		}
		return nil
	case "postgres":
	default:
		return fmt.Errorf("unsupported database driver: %q", c.Database.Driver)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}
	return nil
}

func (c *Config) validateRabbitMQ() error {
	if !c.RabbitMQ.Enabled {
		return nil
	}

	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}

	if c.RabbitMQ.Queue.Name == "" {
		return fmt.Errorf("rabbitmq queue name is required")
	}
	return nil
}

func (c *Config) validatePipeline() error {
	switch c.RateLimit.Backend {
	case "memory":
	case "redis":
		if c.Redis.Address == "" {
			return fmt.Errorf("redis address is required for the redis rate limit backend")
		}
	default:
		return fmt.Errorf("unsupported rate limit backend: %q", c.RateLimit.Backend)
	}

	if c.Provider.BatchSize < 1 || c.Provider.BatchSize > 100 {
		return fmt.Errorf("provider batch_size must be between 1 and 100")
	}

	if c.Provider.MaxRetries < 0 {
		return fmt.Errorf("provider max_retries must not be negative")
	}

	if c.Quota.WarningPercent <= 0 || c.Quota.CriticalPercent > 100 || c.Quota.WarningPercent >= c.Quota.CriticalPercent {
		return fmt.Errorf("quota thresholds must satisfy 0 < warning < critical <= 100")
	}
	return nil
}

// ValidateAPIConfig checks the settings the API service needs
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if err := c.validateDatabase(); err != nil {
		return err
	}

	if err := c.validateRabbitMQ(); err != nil {
		return err
	}

	return c.validatePipeline()
}

// ValidateWorkerConfig checks the settings the worker service needs
func (c *Config) ValidateWorkerConfig() error {
	if err := c.validateDatabase(); err != nil {
		return err
	}

	if err := c.validateRabbitMQ(); err != nil {
		return err
	}

	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	if c.Worker.JobTimeout <= 0 {
		return fmt.Errorf("worker job_timeout must be greater than 0")
	}

	if c.Worker.HeartbeatInterval <= 0 {
		return fmt.Errorf("worker heartbeat_interval must be greater than 0")
	}

	if c.Worker.HeartbeatInterval >= c.Queue.LockTimeout {
		return fmt.Errorf("worker heartbeat_interval must be shorter than queue lock_timeout")
	}

	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}

	return c.validatePipeline()
}
