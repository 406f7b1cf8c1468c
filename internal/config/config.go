package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Storage drivers
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// EnvironmentProduction disables the queue monitor regardless of monitor.enabled
const EnvironmentProduction = "production"

// Config represents the complete application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	RabbitMQ  RabbitMQConfig  `yaml:"rabbitmq"`
	Logging   LoggingConfig   `yaml:"logging"`
	App       AppConfig       `yaml:"app"`
	Worker    WorkerConfig    `yaml:"worker"`
	Storage   StorageConfig   `yaml:"storage"`
	Queues    []QueueConfig   `yaml:"queues"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Retention RetentionConfig `yaml:"retention"`
	Retry     RetryConfig     `yaml:"retry"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port" env:"SERVER_PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host" env:"DATABASE_HOST"`
	Port            int           `yaml:"port" env:"DATABASE_PORT"`
	User            string        `yaml:"user" env:"DATABASE_USER"`
	Password        string        `yaml:"password" env:"DATABASE_PASSWORD"`
	Database        string        `yaml:"database" env:"DATABASE_NAME"`
	SSLMode         string        `yaml:"sslmode" env:"DATABASE_SSLMODE"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// RabbitMQConfig holds the wake-signal bus settings. Jobs never travel over
// RabbitMQ; it only carries hints that new work exists.
type RabbitMQConfig struct {
	Enabled    bool             `yaml:"enabled" env:"RABBITMQ_ENABLED"`
	Host       string           `yaml:"host" env:"RABBITMQ_HOST"`
	Port       int              `yaml:"port" env:"RABBITMQ_PORT"`
	User       string           `yaml:"user" env:"RABBITMQ_USER"`
	Password   string           `yaml:"password" env:"RABBITMQ_PASSWORD"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Queue      WakeQueueConfig  `yaml:"queue"`
	RoutingKey string           `yaml:"routing_key"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
}

// WakeQueueConfig holds the consumer queue bound to the exchange. An empty
// name gives every worker its own server-named queue.
type WakeQueueConfig struct {
	Name    string `yaml:"name"`
	Durable bool   `yaml:"durable"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryInterval time.Duration `yaml:"retry_interval"`
	Heartbeat     time.Duration `yaml:"heartbeat"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryInterval time.Duration `yaml:"retry_interval"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int `yaml:"prefetch_count"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level" env:"LOG_LEVEL"`
	Format       string `yaml:"format" env:"LOG_FORMAT"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment" env:"APP_ENVIRONMENT"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	ID                string        `yaml:"id" env:"WORKER_ID"`
	Concurrency       int           `yaml:"concurrency" env:"WORKER_CONCURRENCY"`
	JobTimeout        time.Duration `yaml:"job_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`

	// Embedded runs a worker inside the API service, woken in process
	Embedded bool `yaml:"embedded" env:"WORKER_EMBEDDED"`
}

// StorageConfig selects the job store
type StorageConfig struct {
	Driver string `yaml:"driver" env:"STORAGE_DRIVER"`
}

// QueueConfig holds per-queue limits
type QueueConfig struct {
	Name        string        `yaml:"name"`
	Concurrency int           `yaml:"concurrency"`
	Timeout     time.Duration `yaml:"timeout"`
	RateLimit   float64       `yaml:"rate_limit"`
	RateBurst   int           `yaml:"rate_burst"`
}

// SchedulerConfig holds polling and reaper settings
type SchedulerConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	ReapInterval time.Duration `yaml:"reap_interval"`
	StaleAfter   time.Duration `yaml:"stale_after"`
}

// MonitorConfig holds queue monitor settings
type MonitorConfig struct {
	Enabled  bool   `yaml:"enabled" env:"MONITOR_ENABLED"`
	BasePath string `yaml:"base_path"`
	Token    string `yaml:"token" env:"MONITOR_TOKEN"`
}

// RetentionConfig holds completed job pruning settings
type RetentionConfig struct {
	Schedule     string        `yaml:"schedule"`
	CompletedTTL time.Duration `yaml:"completed_ttl"`
}

// RetryConfig holds engine-wide retry settings
type RetryConfig struct {
	MaxDelay time.Duration `yaml:"max_delay"`
	Jitter   time.Duration `yaml:"jitter"`
}

// Load reads the configuration file and applies environment overrides
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := env.Parse(&config); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	config.applyDefaults()
	return &config, nil
}

func (c *Config) applyDefaults() {
	c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	if c.Storage.Driver == "" {
		c.Storage.Driver = DriverPostgres
	}
	if c.Monitor.BasePath == "" {
		c.Monitor.BasePath = "/queue-monitor"
	}
	if c.Retention.Schedule == "" {
		c.Retention.Schedule = "@every 1h"
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}
	if c.Worker.ShutdownTimeout == 0 {
		c.Worker.ShutdownTimeout = 30 * time.Second
	}
}

// MonitorMounted reports whether the queue monitor should be served
func (c *Config) MonitorMounted() bool {
	return c.Monitor.Enabled && c.App.Environment != EnvironmentProduction
}

// Validate checks the settings shared by both services
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case DriverPostgres:
		if err := c.validateDatabase(); err != nil {
			return err
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown storage driver: %q (must be %s or %s)", c.Storage.Driver, DriverPostgres, DriverMemory)
	}

	if c.RabbitMQ.Enabled {
		if err := c.validateRabbitMQ(); err != nil {
			return err
		}
	}

	seen := make(map[string]bool, len(c.Queues))
	for i, q := range c.Queues {
		if strings.TrimSpace(q.Name) == "" {
			return fmt.Errorf("queues[%d]: name is required", i)
		}
		if seen[q.Name] {
			return fmt.Errorf("queues[%d]: duplicate queue %q", i, q.Name)
		}
		seen[q.Name] = true

		if q.Concurrency < 0 || q.Timeout < 0 || q.RateLimit < 0 || q.RateBurst < 0 {
			return fmt.Errorf("queue %q: concurrency, timeout, rate_limit and rate_burst must not be negative", q.Name)
		}
	}

	if c.Retry.MaxDelay < 0 || c.Retry.Jitter < 0 {
		return fmt.Errorf("retry max_delay and jitter must not be negative")
	}

	return nil
}

func (c *Config) validateDatabase() error {
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
	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}

	return nil
}

// ValidateAPIConfig checks the settings the API service needs
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if err := c.Validate(); err != nil {
		return err
	}

	if c.MonitorMounted() && !strings.HasPrefix(c.Monitor.BasePath, "/") {
		return fmt.Errorf("monitor base_path must start with /: %q", c.Monitor.BasePath)
	}

	if c.Worker.Embedded {
		return c.ValidateWorkerConfig()
	}

	return nil
}

// ValidateWorkerConfig checks the settings a worker needs
func (c *Config) ValidateWorkerConfig() error {
	if err := c.Validate(); err != nil {
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

	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}

	if c.Scheduler.PollInterval < 0 || c.Scheduler.ReapInterval < 0 || c.Scheduler.StaleAfter < 0 {
		return fmt.Errorf("scheduler intervals must not be negative")
	}

	// A live job must get at least one heartbeat in before it can look stale
	if c.Scheduler.StaleAfter > 0 && c.Scheduler.StaleAfter <= c.Worker.HeartbeatInterval {
		return fmt.Errorf("scheduler stale_after (%s) must exceed worker heartbeat_interval (%s)",
			c.Scheduler.StaleAfter, c.Worker.HeartbeatInterval)
	}

	if c.Retention.CompletedTTL < 0 {
		return fmt.Errorf("retention completed_ttl must not be negative")
	}

	if c.Retention.CompletedTTL > 0 {
		if _, err := cron.ParseStandard(c.Retention.Schedule); err != nil {
			return fmt.Errorf("invalid retention schedule %q: %w", c.Retention.Schedule, err)
		}
	}

	return nil
}
