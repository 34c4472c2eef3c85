// Package config provides configuration management for sagaflow.
package config

import (
	"fmt"
	"time"
)

// Config is the global configuration for sagaflow.
type Config struct {
	// App is the application configuration.
	App AppConfig `mapstructure:"app" validate:"required"`

	// Server is the operator API configuration.
	Server ServerConfig `mapstructure:"server" validate:"required"`

	// Log is the logging configuration.
	Log LogConfig `mapstructure:"log" validate:"required"`

	// Storage selects and configures the saga store.
	Storage StorageConfig `mapstructure:"storage"`

	// Transport selects and configures the message bus.
	Transport TransportConfig `mapstructure:"transport"`

	// Orchestrator tunes event dispatch and command publishing.
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`

	// Reconcile configures the stuck-saga sweep.
	Reconcile ReconcileConfig `mapstructure:"reconcile"`

	// Participants runs simulated participant services in-process.
	Participants ParticipantsConfig `mapstructure:"participants"`

	// Metrics is the observability configuration.
	Metrics MetricsConfig `mapstructure:"metrics"`

	// Tracing is the distributed tracing configuration.
	Tracing TracingConfig `mapstructure:"tracing"`
}

// AppConfig identifies the deployment.
type AppConfig struct {
	Name string `mapstructure:"name" validate:"required"`

	// Environment is one of development, staging or production.
	Environment string `mapstructure:"environment" validate:"env"`

	// Debug forces the log level to debug regardless of log.level.
	Debug bool `mapstructure:"debug"`
}

// ServerConfig configures the operator API listener.
type ServerConfig struct {
	Host string     `mapstructure:"host" validate:"omitempty,host"`
	Port int        `mapstructure:"port" validate:"required,min=1,max=65535"`
	HTTP HTTPConfig `mapstructure:"http"`
	CORS CORSConfig `mapstructure:"cors"`
}

// HTTPConfig holds the net/http server limits. ReadTimeout also bounds the
// request context handed to API handlers.
type HTTPConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxHeaderBytes  int           `mapstructure:"max_header_bytes"`
}

// CORSConfig controls cross-origin access to the API. An empty
// AllowedOrigins list rejects every origin; "*" accepts all of them.
type CORSConfig struct {
	Enabled          bool     `mapstructure:"enabled"`
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowedMethods   []string `mapstructure:"allowed_methods"`
	AllowedHeaders   []string `mapstructure:"allowed_headers"`
	ExposedHeaders   []string `mapstructure:"exposed_headers"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
	MaxAge           int      `mapstructure:"max_age"` // seconds
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`

	// Format is the output format (json, text).
	Format string `mapstructure:"format" validate:"oneof=json text"`

	// Output is the output destination (stdout, stderr, or file path).
	Output string `mapstructure:"output"`
}

// StorageConfig holds persistence settings.
type StorageConfig struct {
	// Type is the storage backend (memory, badger, redis, postgres).
	Type string `mapstructure:"type" validate:"oneof=memory badger redis postgres"`

	// Badger is the BadgerDB configuration.
	Badger BadgerConfig `mapstructure:"badger"`

	// Redis is the Redis configuration.
	Redis RedisConfig `mapstructure:"redis"`

	// Postgres is the PostgreSQL configuration.
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// BadgerConfig holds BadgerDB-specific settings.
type BadgerConfig struct {
	// Path is the database directory path.
	Path string `mapstructure:"path"`

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool `mapstructure:"sync_writes"`

	// ValueLogFileSize is the maximum size of value log files in bytes.
	ValueLogFileSize int64 `mapstructure:"value_log_file_size"`

	// NumVersionsToKeep is the number of versions to keep per key.
	NumVersionsToKeep int `mapstructure:"num_versions_to_keep"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	// Address is the Redis server address.
	Address string `mapstructure:"address"`

	// Password is the Redis password.
	Password string `mapstructure:"password"`

	// DB is the Redis database number.
	DB int `mapstructure:"db" validate:"min=0"`

	// KeyPrefix namespaces every key written by sagaflow.
	KeyPrefix string `mapstructure:"key_prefix"`
}

// PostgresConfig holds PostgreSQL settings.
type PostgresConfig struct {
	// DSN is the lib/pq connection string.
	DSN string `mapstructure:"dsn"`

	MaxOpenConns    int           `mapstructure:"max_open_conns" validate:"min=0"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" validate:"min=0"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`

	// AutoMigrate creates the sagas table on startup.
	AutoMigrate bool `mapstructure:"auto_migrate"`
}

// TransportConfig holds message bus settings.
type TransportConfig struct {
	// Type is the bus implementation (memory, redis, kafka, nats).
	Type string `mapstructure:"type" validate:"oneof=memory redis kafka nats"`

	// Group is the consumer group shared by orchestrator replicas.
	Group string `mapstructure:"group" validate:"required"`

	// MaxDeliveries dead-letters a message after this many attempts.
	MaxDeliveries int `mapstructure:"max_deliveries" validate:"min=1"`

	Memory MemoryTransportConfig `mapstructure:"memory"`
	Redis  RedisTransportConfig  `mapstructure:"redis"`
	Kafka  KafkaTransportConfig  `mapstructure:"kafka"`
	NATS   NATSTransportConfig   `mapstructure:"nats"`
}

// MemoryTransportConfig holds in-process bus settings.
type MemoryTransportConfig struct {
	RedeliveryDelay time.Duration `mapstructure:"redelivery_delay"`
}

// RedisTransportConfig holds Redis Streams settings.
type RedisTransportConfig struct {
	Address         string        `mapstructure:"address"`
	Password        string        `mapstructure:"password"`
	DB              int           `mapstructure:"db" validate:"min=0"`
	Prefix          string        `mapstructure:"prefix"`
	Consumer        string        `mapstructure:"consumer"`
	BatchSize       int           `mapstructure:"batch_size" validate:"min=0"`
	BlockTime       time.Duration `mapstructure:"block_time"`
	ClaimMinIdle    time.Duration `mapstructure:"claim_min_idle"`
	ReclaimInterval time.Duration `mapstructure:"reclaim_interval"`
	MaxLen          int64         `mapstructure:"max_len" validate:"min=0"`
}

// KafkaTransportConfig holds Kafka settings.
type KafkaTransportConfig struct {
	Brokers     []string      `mapstructure:"brokers"`
	TopicPrefix string        `mapstructure:"topic_prefix"`
	MaxWait     time.Duration `mapstructure:"max_wait"`
}

// NATSTransportConfig holds NATS JetStream settings.
type NATSTransportConfig struct {
	URL           string        `mapstructure:"url"`
	Stream        string        `mapstructure:"stream"`
	SubjectPrefix string        `mapstructure:"subject_prefix"`
	AckWait       time.Duration `mapstructure:"ack_wait"`
}

// OrchestratorConfig tunes the event dispatch path.
type OrchestratorConfig struct {
	// Workers is the number of concurrent event handlers.
	Workers int `mapstructure:"workers" validate:"min=1"`

	// HandleTimeout bounds one event handling.
	HandleTimeout time.Duration `mapstructure:"handle_timeout"`

	// ErrorBackoff pauses a worker after a transport error.
	ErrorBackoff time.Duration `mapstructure:"error_backoff"`

	// MaxConflictRetries bounds re-evaluation after version conflicts.
	MaxConflictRetries int `mapstructure:"max_conflict_retries" validate:"min=1"`

	// PublishRetry configures command publish retries.
	PublishRetry PublishRetryConfig `mapstructure:"publish_retry"`
}

// PublishRetryConfig configures exponential publish retries.
type PublishRetryConfig struct {
	MaxRetries     int           `mapstructure:"max_retries" validate:"min=0"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	Multiplier     float64       `mapstructure:"multiplier" validate:"min=1"`
}

// ReconcileConfig configures the reconciliation sweep.
type ReconcileConfig struct {
	// Enabled starts the sweep loop.
	Enabled bool `mapstructure:"enabled"`

	// Interval is the time between sweeps.
	Interval time.Duration `mapstructure:"interval"`

	// StaleThreshold is how long a saga may wait for a result before its
	// outstanding commands are re-issued.
	StaleThreshold time.Duration `mapstructure:"stale_threshold"`

	// RatePerSecond throttles republishing; zero disables throttling.
	RatePerSecond float64 `mapstructure:"rate_per_second" validate:"min=0"`

	Burst     int `mapstructure:"burst" validate:"min=0"`
	BatchSize int `mapstructure:"batch_size" validate:"min=0"`
}

// ParticipantsConfig configures the simulated participant services.
type ParticipantsConfig struct {
	// Enabled runs inventory, payment and record services in-process.
	Enabled bool `mapstructure:"enabled"`

	Workers int `mapstructure:"workers" validate:"min=1"`

	// Stock seeds the inventory per product id.
	Stock map[string]int `mapstructure:"stock"`

	// PaymentLimit declines payments above this amount; zero accepts all.
	PaymentLimit float64 `mapstructure:"payment_limit" validate:"min=0"`

	// Dedup selects the command dedup store (memory, redis).
	Dedup string `mapstructure:"dedup" validate:"oneof=memory redis"`

	// DedupTTL expires dedup records in Redis.
	DedupTTL time.Duration `mapstructure:"dedup_ttl"`
}

// MetricsConfig holds observability settings.
type MetricsConfig struct {
	// Enabled enables metrics collection.
	Enabled bool `mapstructure:"enabled"`

	// Path is the metrics endpoint path.
	Path string `mapstructure:"path"`

	// Port is the metrics server port.
	Port int `mapstructure:"port" validate:"min=1,max=65535"`
}

// TracingConfig holds distributed tracing settings.
type TracingConfig struct {
	// Enabled enables distributed tracing.
	Enabled bool `mapstructure:"enabled"`

	// Exporter is the span exporter: otlp (gRPC), otlphttp or stdout.
	Exporter string `mapstructure:"exporter" validate:"omitempty,oneof=otlp otlphttp stdout"`

	// Endpoint is the collector endpoint. Ignored by the stdout exporter.
	Endpoint string `mapstructure:"endpoint"`

	// Headers are sent with every export request.
	Headers map[string]string `mapstructure:"headers"`

	// Timeout bounds one export request.
	Timeout time.Duration `mapstructure:"timeout"`

	// Sampler is always_on, always_off or ratio.
	Sampler string `mapstructure:"sampler" validate:"omitempty,oneof=always_on always_off ratio"`

	// SampleRate is the fraction of traces to sample (0.0-1.0).
	SampleRate float64 `mapstructure:"sample_rate" validate:"min=0,max=1"`
}

// Validate performs validation on the configuration.
func (c *Config) Validate() error {
	if err := ValidateWithDetails(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}

// String returns a string representation of the configuration (without sensitive data).
func (c *Config) String() string {
	return fmt.Sprintf("Config{App: %s, Server: :%d, Env: %s, Storage: %s, Transport: %s}",
		c.App.Name, c.Server.Port, c.App.Environment, c.Storage.Type, c.Transport.Type)
}
