// Package config provides configuration loading and management for the wipsie worker.
// It supports loading configuration from YAML files with environment variable expansion.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"wipsie-worker/internal/queue"
)

// StorageMode represents the storage backend mode for results and deduplication.
type StorageMode string

const (
	// StorageModeMemory uses in-memory implementations for all storage.
	StorageModeMemory StorageMode = "memory"
	// StorageModeStorage uses real storage backends (Redis, PostgreSQL).
	StorageModeStorage StorageMode = "storage"
)

// IsValid returns true if the storage mode is valid.
func (m StorageMode) IsValid() bool {
	return m == StorageModeMemory || m == StorageModeStorage
}

// BrokerMode selects the queue broker implementation.
type BrokerMode string

const (
	// BrokerModeMemory runs an in-process broker. Useful for development and tests.
	BrokerModeMemory BrokerMode = "memory"
	// BrokerModeSQS talks to Amazon SQS.
	BrokerModeSQS BrokerMode = "sqs"
)

// IsValid returns true if the broker mode is valid.
func (m BrokerMode) IsValid() bool {
	return m == BrokerModeMemory || m == BrokerModeSQS
}

// RetryPolicy controls what the dispatcher does with a message whose handler
// failed with a retryable error and still has retry budget left.
type RetryPolicy string

const (
	// RetryPolicyExpire leaves the message alone; it becomes visible again
	// once its visibility timeout elapses.
	RetryPolicyExpire RetryPolicy = "expire"
	// RetryPolicyImmediate resets visibility to zero for immediate redelivery.
	RetryPolicyImmediate RetryPolicy = "immediate"
	// RetryPolicyBackoff sets visibility from RetryBackoff indexed by attempt.
	RetryPolicyBackoff RetryPolicy = "backoff"
)

// IsValid returns true if the retry policy is known.
func (p RetryPolicy) IsValid() bool {
	return p == RetryPolicyExpire || p == RetryPolicyImmediate || p == RetryPolicyBackoff
}

// Config represents the complete application configuration.
type Config struct {
	Storage  StorageConfig  `yaml:"storage"`
	Broker   BrokerConfig   `yaml:"broker"`
	Queues   []QueueConfig  `yaml:"queues"`
	Routing  RoutingConfig  `yaml:"routing"`
	Worker   WorkerConfig   `yaml:"worker"`
	Dedup    DedupConfig    `yaml:"dedup"`
	Server   ServerConfig   `yaml:"server"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Redis    RedisConfig    `yaml:"redis"`
	Postgres PostgresConfig `yaml:"postgres"`
	Logger   LoggerConfig   `yaml:"logger"`
}

// StorageConfig holds the storage mode configuration.
type StorageConfig struct {
	Mode StorageMode `yaml:"mode"`
}

// UseMemory returns true if in-memory storage should be used.
func (c *StorageConfig) UseMemory() bool {
	return c.Mode == StorageModeMemory
}

// UseStorage returns true if real storage backends should be used.
func (c *StorageConfig) UseStorage() bool {
	return c.Mode == StorageModeStorage
}

// BrokerConfig holds broker connection settings.
type BrokerConfig struct {
	Mode BrokerMode `yaml:"mode"`

	// Region, Endpoint and credentials apply to SQS only.
	// Endpoint may point at LocalStack for local development.
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// QueueConfig describes a single named queue and how workers consume it.
type QueueConfig struct {
	Name              string          `yaml:"name"`
	URL               string          `yaml:"url"`
	VisibilityTimeout time.Duration   `yaml:"visibility_timeout"`
	RetentionPeriod   time.Duration   `yaml:"retention_period"`
	MaxReceiveCount   int             `yaml:"max_receive_count"`
	PollWait          time.Duration   `yaml:"poll_wait"`
	DeadLetterQueue   string          `yaml:"dead_letter_queue"`
	Concurrency       int             `yaml:"concurrency"`
	BatchSize         int             `yaml:"batch_size"`
	RetryPolicy       RetryPolicy     `yaml:"retry_policy"`
	RetryBackoff      []time.Duration `yaml:"retry_backoff"`
	HeartbeatInterval time.Duration   `yaml:"heartbeat_interval"`
	HandlerTimeout    time.Duration   `yaml:"handler_timeout"`

	// Consume set to false registers the queue with the broker (e.g. a DLQ)
	// without starting workers for it.
	Consume *bool `yaml:"consume"`
}

// Consumed reports whether workers should poll this queue.
func (q *QueueConfig) Consumed() bool {
	return q.Consume == nil || *q.Consume
}

// BackoffFor returns the visibility delay to apply after the given attempt.
// Attempts beyond the schedule reuse its last entry.
func (q *QueueConfig) BackoffFor(attempt int) time.Duration {
	if len(q.RetryBackoff) == 0 {
		return q.VisibilityTimeout
	}
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(q.RetryBackoff) {
		idx = len(q.RetryBackoff) - 1
	}
	return q.RetryBackoff[idx]
}

// RouteConfig maps a task type pattern to a queue name.
type RouteConfig struct {
	TaskType string `yaml:"task_type"`
	Queue    string `yaml:"queue"`
}

// RoutingConfig holds the static routing table.
type RoutingConfig struct {
	DefaultQueue string        `yaml:"default_queue"`
	Routes       []RouteConfig `yaml:"routes"`
}

// WorkerConfig holds process-wide worker settings.
type WorkerConfig struct {
	// Source is stamped on every envelope this process publishes.
	Source string `yaml:"source"`

	// ShutdownGrace bounds how long in-flight handlers may keep running
	// after shutdown begins.
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`

	// ErrorBackoff is the pause after a failed receive call.
	ErrorBackoff time.Duration `yaml:"error_backoff"`
}

// DedupConfig controls idempotency tracking of processed envelopes.
type DedupConfig struct {
	Enabled bool          `yaml:"enabled"`
	TTL     time.Duration `yaml:"ttl"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Enabled      *bool         `yaml:"enabled"`
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// IsEnabled reports whether the HTTP server should be started.
func (c *ServerConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// KafkaConfig holds Kafka connection and topic settings.
type KafkaConfig struct {
	Enabled       bool     `yaml:"enabled"`
	Brokers       []string `yaml:"brokers"`
	RequestTopic  string   `yaml:"request_topic"`
	ResultTopic   string   `yaml:"result_topic"`
	ConsumerGroup string   `yaml:"consumer_group"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// PostgresConfig holds PostgreSQL connection settings.
type PostgresConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	User         string `yaml:"user"`
	Password     string `yaml:"password"`
	Database     string `yaml:"database"`
	SSLMode      string `yaml:"ssl_mode"`
	MaxOpenConns int32  `yaml:"max_open_conns"`
	MaxIdleConns int32  `yaml:"max_idle_conns"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "text"
}

// Load reads configuration from the specified YAML file path.
// ${VAR} references are expanded from the environment before parsing.
// Returns an error if the file cannot be read, parsed or validated.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse([]byte(os.ExpandEnv(string(data))))
}

// Parse decodes YAML configuration, applies defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a configuration for the reference deployment with the
// in-memory broker and storage.
func Default() *Config {
	cfg := &Config{
		Queues: []QueueConfig{
			{Name: "wipsie-default", DeadLetterQueue: "wipsie-dead-letter"},
			{Name: "wipsie-data-polling", VisibilityTimeout: 120 * time.Second, DeadLetterQueue: "wipsie-dead-letter"},
			{Name: "wipsie-task-processing", VisibilityTimeout: 90 * time.Second, DeadLetterQueue: "wipsie-dead-letter"},
			{Name: "wipsie-notifications", DeadLetterQueue: "wipsie-dead-letter"},
			{Name: "wipsie-dead-letter", Consume: boolPtr(false)},
		},
		Routing: RoutingConfig{
			DefaultQueue: "wipsie-default",
			Routes: []RouteConfig{
				{TaskType: "data_polling", Queue: "wipsie-data-polling"},
				{TaskType: "enrich_data", Queue: "wipsie-data-polling"},
				{TaskType: "process_task", Queue: "wipsie-task-processing"},
				{TaskType: "process_batch", Queue: "wipsie-task-processing"},
				{TaskType: "health_check", Queue: "wipsie-task-processing"},
				{TaskType: "send_notification", Queue: "wipsie-notifications"},
				{TaskType: "send_email", Queue: "wipsie-notifications"},
			},
		},
	}
	applyDefaults(cfg)
	return cfg
}

func boolPtr(b bool) *bool { return &b }

// applyDefaults sets sensible default values for configuration fields
// that are not explicitly set in the config file.
func applyDefaults(cfg *Config) {
	if cfg.Storage.Mode == "" {
		cfg.Storage.Mode = StorageModeMemory
	}

	// Broker defaults
	if cfg.Broker.Mode == "" {
		cfg.Broker.Mode = BrokerModeMemory
	}
	if cfg.Broker.Region == "" {
		cfg.Broker.Region = "eu-west-1"
	}

	deadLetterQueues := make(map[string]bool)
	for _, q := range cfg.Queues {
		if q.DeadLetterQueue != "" {
			deadLetterQueues[q.DeadLetterQueue] = true
		}
	}

	for i := range cfg.Queues {
		q := &cfg.Queues[i]
		// Dead-letter queues are not polled unless asked for explicitly.
		if q.Consume == nil && deadLetterQueues[q.Name] {
			q.Consume = boolPtr(false)
		}
		if q.VisibilityTimeout == 0 {
			q.VisibilityTimeout = 30 * time.Second
		}
		if q.RetentionPeriod == 0 {
			q.RetentionPeriod = 14 * 24 * time.Hour
		}
		if q.MaxReceiveCount == 0 {
			q.MaxReceiveCount = 3
		}
		if q.PollWait == 0 {
			q.PollWait = queue.MaxPollWait
		}
		if q.Concurrency == 0 {
			q.Concurrency = 4
		}
		if q.BatchSize == 0 {
			q.BatchSize = queue.MaxBatch
		}
		if q.RetryPolicy == "" {
			q.RetryPolicy = RetryPolicyExpire
		}
	}

	if cfg.Routing.DefaultQueue == "" && len(cfg.Queues) > 0 {
		cfg.Routing.DefaultQueue = cfg.Queues[0].Name
	}

	// Worker defaults
	if cfg.Worker.Source == "" {
		cfg.Worker.Source = "wipsie-worker"
	}
	if cfg.Worker.ShutdownGrace == 0 {
		cfg.Worker.ShutdownGrace = 30 * time.Second
	}
	if cfg.Worker.ErrorBackoff == 0 {
		cfg.Worker.ErrorBackoff = 5 * time.Second
	}

	if cfg.Dedup.TTL == 0 {
		cfg.Dedup.TTL = 7 * 24 * time.Hour
	}

	// Server defaults
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 10 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 10 * time.Second
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = 120 * time.Second
	}

	// Kafka defaults
	if len(cfg.Kafka.Brokers) == 0 {
		cfg.Kafka.Brokers = []string{"localhost:9092"}
	}
	if cfg.Kafka.RequestTopic == "" {
		cfg.Kafka.RequestTopic = "wipsie-task-requests"
	}
	if cfg.Kafka.ResultTopic == "" {
		cfg.Kafka.ResultTopic = "wipsie-task-results"
	}
	if cfg.Kafka.ConsumerGroup == "" {
		cfg.Kafka.ConsumerGroup = "wipsie-bridge"
	}

	// Redis defaults
	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}

	// Postgres defaults
	if cfg.Postgres.Host == "" {
		cfg.Postgres.Host = "localhost"
	}
	if cfg.Postgres.Port == 0 {
		cfg.Postgres.Port = 5432
	}
	if cfg.Postgres.SSLMode == "" {
		cfg.Postgres.SSLMode = "disable"
	}
	if cfg.Postgres.MaxOpenConns == 0 {
		cfg.Postgres.MaxOpenConns = 25
	}
	if cfg.Postgres.MaxIdleConns == 0 {
		cfg.Postgres.MaxIdleConns = 5
	}

	// Logger defaults
	if cfg.Logger.Level == "" {
		cfg.Logger.Level = "info"
	}
	if cfg.Logger.Format == "" {
		cfg.Logger.Format = "json"
	}
}

// Validation errors.
var (
	ErrNoQueues            = errors.New("at least one queue must be configured")
	ErrDuplicateQueue      = errors.New("duplicate queue name")
	ErrInvalidQueue        = errors.New("invalid queue configuration")
	ErrUnknownDefaultQueue = errors.New("default queue is not a configured queue")
	ErrUnknownRouteQueue   = errors.New("route targets an unknown queue")
	ErrInvalidMode         = errors.New("invalid mode")
)

// Validate checks cross-field invariants that defaults cannot repair.
func (c *Config) Validate() error {
	if !c.Storage.Mode.IsValid() {
		return fmt.Errorf("%w: storage mode %q", ErrInvalidMode, c.Storage.Mode)
	}
	if !c.Broker.Mode.IsValid() {
		return fmt.Errorf("%w: broker mode %q", ErrInvalidMode, c.Broker.Mode)
	}
	if len(c.Queues) == 0 {
		return ErrNoQueues
	}

	names := make(map[string]struct{}, len(c.Queues))
	for _, q := range c.Queues {
		if q.Name == "" {
			return fmt.Errorf("%w: queue name is empty", ErrInvalidQueue)
		}
		if _, dup := names[q.Name]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateQueue, q.Name)
		}
		names[q.Name] = struct{}{}
	}

	for _, q := range c.Queues {
		if q.VisibilityTimeout >= q.RetentionPeriod {
			return fmt.Errorf("%w: %s: visibility_timeout must be shorter than retention_period", ErrInvalidQueue, q.Name)
		}
		if q.PollWait < 0 || q.PollWait > queue.MaxPollWait {
			return fmt.Errorf("%w: %s: poll_wait must be between 0 and %s", ErrInvalidQueue, q.Name, queue.MaxPollWait)
		}
		if q.MaxReceiveCount < 0 {
			return fmt.Errorf("%w: %s: max_receive_count must not be negative", ErrInvalidQueue, q.Name)
		}
		if q.Concurrency < 1 {
			return fmt.Errorf("%w: %s: concurrency must be positive", ErrInvalidQueue, q.Name)
		}
		if q.BatchSize < 1 || q.BatchSize > queue.MaxBatch {
			return fmt.Errorf("%w: %s: batch_size must be between 1 and %d", ErrInvalidQueue, q.Name, queue.MaxBatch)
		}
		if !q.RetryPolicy.IsValid() {
			return fmt.Errorf("%w: %s: unknown retry_policy %q", ErrInvalidQueue, q.Name, q.RetryPolicy)
		}
		if q.RetryPolicy == RetryPolicyBackoff && len(q.RetryBackoff) == 0 {
			return fmt.Errorf("%w: %s: retry_policy backoff requires retry_backoff", ErrInvalidQueue, q.Name)
		}
		if q.DeadLetterQueue != "" {
			if q.DeadLetterQueue == q.Name {
				return fmt.Errorf("%w: %s: queue cannot be its own dead-letter queue", ErrInvalidQueue, q.Name)
			}
			if _, ok := names[q.DeadLetterQueue]; !ok {
				return fmt.Errorf("%w: %s: dead_letter_queue %q is not configured", ErrInvalidQueue, q.Name, q.DeadLetterQueue)
			}
		}
	}

	if _, ok := names[c.Routing.DefaultQueue]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownDefaultQueue, c.Routing.DefaultQueue)
	}
	for _, r := range c.Routing.Routes {
		if _, ok := names[r.Queue]; !ok {
			return fmt.Errorf("%w: %s -> %q", ErrUnknownRouteQueue, r.TaskType, r.Queue)
		}
	}

	return nil
}

// Queue returns the configuration of the named queue.
func (c *Config) Queue(name string) (QueueConfig, bool) {
	for _, q := range c.Queues {
		if q.Name == name {
			return q, true
		}
	}
	return QueueConfig{}, false
}

// Address returns the full server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DSN returns the PostgreSQL connection string.
func (c *PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// RedisAddr returns the Redis address in host:port format.
func (c *RedisConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
