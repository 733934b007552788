package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

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
	App        AppConfig        `yaml:"app"`
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	RabbitMQ   RabbitMQConfig   `yaml:"rabbitmq"`
	Logging    LoggingConfig    `yaml:"logging"`
	Worker     WorkerConfig     `yaml:"worker"`
	Queue      QueueConfig      `yaml:"queue"`
	Realtime   RealtimeConfig   `yaml:"realtime"`
	Generation GenerationConfig `yaml:"generation"`
	Metrics    MetricsConfig    `yaml:"metrics"`
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
	SyncTimeout     time.Duration `yaml:"sync_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration.
// One topic exchange carries both work wake-ups and result events.
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	WakeQueue  AMQPQueueConfig  `yaml:"wake_queue"`
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

// AMQPQueueConfig holds RabbitMQ queue configuration
type AMQPQueueConfig struct {
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
	EnableSource bool   `yaml:"enable_source"`
	TimeFormat   string `yaml:"time_format"`
}

// WorkerConfig holds worker pool configuration
type WorkerConfig struct {
	QueueName         string        `yaml:"queue_name"`
	Concurrency       int           `yaml:"concurrency"`
	RateLimit         float64       `yaml:"rate_limit"`
	RateBurst         int           `yaml:"rate_burst"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	JobTimeout        time.Duration `yaml:"job_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	StaleJobThreshold time.Duration `yaml:"stale_job_threshold"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// QueueConfig holds retry and retention policy for job queues
type QueueConfig struct {
	DefaultMaxAttempts int           `yaml:"default_max_attempts"`
	BackoffBase        time.Duration `yaml:"backoff_base"`
	BackoffMax         time.Duration `yaml:"backoff_max"`
	CompletedKeepAge   time.Duration `yaml:"completed_keep_age"`
	CompletedKeepCount int           `yaml:"completed_keep_count"`
	FailedKeepAge      time.Duration `yaml:"failed_keep_age"`
	CleanupInterval    time.Duration `yaml:"cleanup_interval"`
}

// RealtimeConfig holds push connection settings
type RealtimeConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	ReadLimit         int64         `yaml:"read_limit"`
	SendBuffer        int           `yaml:"send_buffer"`
	AllowedOrigins    []string      `yaml:"allowed_origins"`
}

// GenerationConfig holds the chat-completion endpoint and persona catalogue
type GenerationConfig struct {
	BaseURL     string          `yaml:"base_url"`
	APIKey      string          `yaml:"api_key"`
	Model       string          `yaml:"model"`
	Timeout     time.Duration   `yaml:"timeout"`
	MaxTokens   int             `yaml:"max_tokens"`
	Temperature float32         `yaml:"temperature"`
	Personas    []PersonaConfig `yaml:"personas"`
}

// PersonaConfig describes one persona the generator can speak as
type PersonaConfig struct {
	ID           string `yaml:"id"`
	Name         string `yaml:"name"`
	Description  string `yaml:"description"`
	AvatarURL    string `yaml:"avatar_url"`
	SystemPrompt string `yaml:"system_prompt"`
}

// MetricsConfig holds Prometheus exposition settings
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
	Port    int    `yaml:"port"`
}

// Load reads the configuration file, expands ${VAR} references from the
// environment and fills defaults.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.ApplyDefaults()
	return &config, nil
}

// ApplyDefaults fills zero values with the service defaults.
func (c *Config) ApplyDefaults() {
	setDuration(&c.Server.ReadTimeout, 15*time.Second)
	setDuration(&c.Server.WriteTimeout, 15*time.Second)
	setDuration(&c.Server.IdleTimeout, 60*time.Second)
	setDuration(&c.Server.ShutdownTimeout, 30*time.Second)
	setDuration(&c.Server.SyncTimeout, 60*time.Second)

	setString(&c.Database.SSLMode, "disable")
	setInt(&c.Database.MaxOpenConns, 25)
	setInt(&c.Database.MaxIdleConns, 5)
	setDuration(&c.Database.ConnectTimeout, 5*time.Second)

	setString(&c.RabbitMQ.VHost, "/")
	setString(&c.RabbitMQ.Exchange.Type, "topic")
	setInt(&c.RabbitMQ.Connection.RetryAttempts, 5)
	setDuration(&c.RabbitMQ.Connection.RetryInterval, 2*time.Second)
	setDuration(&c.RabbitMQ.Connection.Heartbeat, 10*time.Second)
	setInt(&c.RabbitMQ.Publish.RetryAttempts, 3)
	setDuration(&c.RabbitMQ.Publish.RetryInterval, 100*time.Millisecond)
	if c.RabbitMQ.Publish.BackoffMultiplier <= 0 {
		c.RabbitMQ.Publish.BackoffMultiplier = 2
	}
	setInt(&c.RabbitMQ.Consumer.PrefetchCount, 10)

	setString(&c.Logging.Level, "info")
	setString(&c.Logging.Format, "console")
	setString(&c.Logging.Output, "stdout")

	setString(&c.Worker.QueueName, "ai-responses")
	setInt(&c.Worker.Concurrency, 5)
	if c.Worker.RateLimit <= 0 {
		c.Worker.RateLimit = 10
	}
	setInt(&c.Worker.RateBurst, 1)
	setDuration(&c.Worker.PollInterval, 2*time.Second)
	setDuration(&c.Worker.JobTimeout, 2*time.Minute)
	setDuration(&c.Worker.HeartbeatInterval, 10*time.Second)
	setDuration(&c.Worker.StaleJobThreshold, time.Minute)
	setDuration(&c.Worker.ShutdownTimeout, 30*time.Second)

	setInt(&c.Queue.DefaultMaxAttempts, 3)
	setDuration(&c.Queue.BackoffBase, time.Second)
	setDuration(&c.Queue.BackoffMax, time.Minute)
	setDuration(&c.Queue.CompletedKeepAge, time.Hour)
	setInt(&c.Queue.CompletedKeepCount, 100)
	setDuration(&c.Queue.FailedKeepAge, 7*24*time.Hour)
	setDuration(&c.Queue.CleanupInterval, time.Minute)

	setDuration(&c.Realtime.HeartbeatInterval, 30*time.Second)
	setDuration(&c.Realtime.WriteTimeout, 10*time.Second)
	if c.Realtime.ReadLimit <= 0 {
		c.Realtime.ReadLimit = 64 * 1024
	}
	setInt(&c.Realtime.SendBuffer, 32)

	setDuration(&c.Generation.Timeout, 60*time.Second)
	setInt(&c.Generation.MaxTokens, 512)

	setString(&c.Metrics.Path, "/metrics")
	setInt(&c.Metrics.Port, 9090)
}

// Validate checks the settings both services depend on.
func (c *Config) Validate() error {
	var errs []error

	if c.Database.Host == "" {
		errs = append(errs, errors.New("database host is required"))
	}
	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		errs = append(errs, fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort))
	}
	if c.Database.Database == "" {
		errs = append(errs, errors.New("database name is required"))
	}
	if c.RabbitMQ.Host == "" {
		errs = append(errs, errors.New("rabbitmq host is required"))
	}
	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		errs = append(errs, fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort))
	}
	if c.RabbitMQ.Exchange.Name == "" {
		errs = append(errs, errors.New("rabbitmq exchange name is required"))
	}
	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("invalid logging level: %q", c.Logging.Level))
	}
	if c.Worker.QueueName == "" {
		errs = append(errs, errors.New("worker queue_name is required"))
	}
	if c.Queue.DefaultMaxAttempts < 0 {
		errs = append(errs, errors.New("queue default_max_attempts must not be negative"))
	}
	if c.Queue.BackoffMax > 0 && c.Queue.BackoffMax < c.Queue.BackoffBase {
		errs = append(errs, errors.New("queue backoff_max must not be below backoff_base"))
	}

	return errors.Join(errs...)
}

// ValidateAPIConfig checks the settings the api-service needs.
func (c *Config) ValidateAPIConfig() error {
	if err := c.Validate(); err != nil {
		return err
	}

	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if c.Realtime.HeartbeatInterval <= 0 {
		return errors.New("realtime heartbeat_interval must be greater than 0")
	}

	return nil
}

// ValidateWorkerConfig checks the settings the worker-service needs.
func (c *Config) ValidateWorkerConfig() error {
	if err := c.Validate(); err != nil {
		return err
	}

	if c.RabbitMQ.WakeQueue.Name == "" {
		return errors.New("rabbitmq wake_queue name is required")
	}

	if c.Worker.Concurrency <= 0 {
		return errors.New("worker concurrency must be greater than 0")
	}

	if c.Worker.RateLimit <= 0 {
		return errors.New("worker rate_limit must be greater than 0")
	}

	if c.Worker.JobTimeout <= 0 {
		return errors.New("worker job_timeout must be greater than 0")
	}

	if c.Worker.HeartbeatInterval <= 0 {
		return errors.New("worker heartbeat_interval must be greater than 0")
	}

	if c.Worker.StaleJobThreshold <= c.Worker.HeartbeatInterval {
		return errors.New("worker stale_job_threshold must exceed heartbeat_interval")
	}

	if c.Worker.ShutdownTimeout <= 0 {
		return errors.New("worker shutdown_timeout must be greater than 0")
	}

	if c.Metrics.Enabled && (c.Metrics.Port < MinPort || c.Metrics.Port > MaxPort) {
		return fmt.Errorf("invalid metrics port: %d (must be between %d and %d)", c.Metrics.Port, MinPort, MaxPort)
	}

	return nil
}

func setDuration(d *time.Duration, def time.Duration) {
	if *d <= 0 {
		*d = def
	}
}

func setInt(v *int, def int) {
	if *v <= 0 {
		*v = def
	}
}

func setString(s *string, def string) {
	if *s == "" {
		*s = def
	}
}
