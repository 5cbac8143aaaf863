// Package config provides configuration management for the orchestration service.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of every environment variable read by Load.
const EnvPrefix = "ORCHESTRATOR"

// SSL mode constants for database connections.
const (
	// SSLModeDisable disables SSL (use only for local development).
	SSLModeDisable = "disable"
	// SSLModeRequire requires SSL but does not verify certificates.
	SSLModeRequire = "require"
	// SSLModeVerifyCA verifies the server certificate against a CA.
	SSLModeVerifyCA = "verify-ca"
	// SSLModeVerifyFull verifies the server certificate and hostname.
	SSLModeVerifyFull = "verify-full"
)

// Config holds all configuration for the orchestration service.
type Config struct {
	// Server contains HTTP server settings.
	Server ServerConfig `mapstructure:"server"`
	// Database contains PostgreSQL connection settings.
	Database DatabaseConfig `mapstructure:"database"`
	// Temporal contains Temporal workflow orchestration settings.
	Temporal TemporalConfig `mapstructure:"temporal"`
	// Logging contains structured logging settings.
	Logging LoggingConfig `mapstructure:"logging"`
	// Metrics contains Prometheus metrics exposure settings.
	Metrics MetricsConfig `mapstructure:"metrics"`
	// Redis contains pub/sub broker connection settings.
	Redis RedisConfig `mapstructure:"redis"`
	// Publisher contains event publisher and backpressure gate settings.
	Publisher PublisherConfig `mapstructure:"publisher"`
	// Stream contains stream bridge settings.
	Stream StreamConfig `mapstructure:"stream"`
	// Session contains session workflow timing settings.
	Session SessionConfig `mapstructure:"session"`
	// Agent contains agent execution engine client settings.
	Agent AgentConfig `mapstructure:"agent"`
	// Embedding contains embedding service client settings.
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	// Chunking contains document chunking settings.
	Chunking ChunkingConfig `mapstructure:"chunking"`
	// Extraction contains text extraction settings.
	Extraction ExtractionConfig `mapstructure:"extraction"`
	// Qdrant contains Qdrant vector store settings.
	Qdrant QdrantConfig `mapstructure:"qdrant"`
	// Kafka contains document upload listener settings.
	Kafka KafkaConfig `mapstructure:"kafka"`
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	// Host is the address to bind the server to (default: 0.0.0.0).
	Host string `mapstructure:"host"`
	// HTTPPort is the HTTP server port (default: 8080).
	HTTPPort int `mapstructure:"http_port"`
	// MetricsPort is the metrics server port (default: 9091).
	MetricsPort int `mapstructure:"metrics_port"`
	// ReadTimeout is the maximum duration for reading request body.
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	// WriteTimeout is the maximum duration for writing a non-streaming response.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// ShutdownTimeout is the maximum duration to wait for graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	// Host is the PostgreSQL server hostname.
	Host string `mapstructure:"host"`
	// Port is the PostgreSQL server port (default: 5432).
	Port int `mapstructure:"port"`
	// User is the database username.
	User string `mapstructure:"user"`
	// Password is the database password (use environment variable in production).
	Password string `mapstructure:"password"`
	// Name is the database name.
	Name string `mapstructure:"name"`
	// SSLMode controls SSL connection security (require, verify-ca, verify-full, disable).
	SSLMode string `mapstructure:"ssl_mode"`
	// MaxConns is the maximum number of connections in the pool (default: 50).
	MaxConns int32 `mapstructure:"max_conns"`
	// MinConns is the minimum number of connections to keep open (default: 10).
	MinConns int32 `mapstructure:"min_conns"`
	// MaxConnLifetime is the maximum lifetime of a connection before it's closed.
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	// MaxConnIdleTime is the maximum time a connection can be idle before it's closed.
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
	// HealthCheckPeriod is the interval between health checks of idle connections.
	HealthCheckPeriod time.Duration `mapstructure:"health_check_period"`
	// ConnectTimeout is the maximum time to wait for a connection.
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	// MigrationPath is the path to migration files (relative or absolute).
	MigrationPath string `mapstructure:"migration_path"`
	// MigrationAutoRun enables automatic migration on startup (default: false).
	MigrationAutoRun bool `mapstructure:"migration_auto_run"`
	// StatementCacheCapacity is the size of the prepared statement cache.
	StatementCacheCapacity int `mapstructure:"statement_cache_capacity"`
}

// TemporalConfig holds Temporal workflow configuration.
type TemporalConfig struct {
	// HostPort is the Temporal server address.
	HostPort string `mapstructure:"host_port"`
	// Namespace is the Temporal namespace.
	Namespace string `mapstructure:"namespace"`
	// TaskQueue is the task queue shared by session and document workflows.
	TaskQueue string `mapstructure:"task_queue"`
	// MaxConcurrentActivities bounds activity executions per worker.
	MaxConcurrentActivities int `mapstructure:"max_concurrent_activities"`
	// MaxConcurrentWorkflowTasks bounds workflow task executions per worker.
	MaxConcurrentWorkflowTasks int `mapstructure:"max_concurrent_workflow_tasks"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the log level (trace, debug, info, warn, error, fatal, panic).
	Level string `mapstructure:"level"`
	// Format is the log format (json, console).
	Format string `mapstructure:"format"`
	// Output is the log output destination (stdout, stderr, file path).
	Output string `mapstructure:"output"`
	// AddSource adds source file and line to log output.
	AddSource bool `mapstructure:"add_source"`
	// TimeFormat is the timestamp format.
	TimeFormat string `mapstructure:"time_format"`
}

// MetricsConfig holds metrics configuration.
type MetricsConfig struct {
	// Enabled enables metrics collection and exposure.
	Enabled bool `mapstructure:"enabled"`
	// Path is the HTTP path for metrics endpoint.
	Path string `mapstructure:"path"`
	// Namespace prefixes every metric name.
	Namespace string `mapstructure:"namespace"`
}

// RedisConfig holds broker connection settings.
type RedisConfig struct {
	// Addr is the Redis host:port.
	Addr string `mapstructure:"addr"`
	// Password is the Redis password (loaded from ORCHESTRATOR_REDIS_PASSWORD env var).
	Password string `mapstructure:"-"`
	// DB is the logical database index.
	DB int `mapstructure:"db"`
	// PoolSize is the connection pool size per owner.
	PoolSize int `mapstructure:"pool_size"`
	// DialTimeout bounds a single connection attempt.
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	// ReconnectMaxAttempts is the number of re-dials after a closed connection.
	ReconnectMaxAttempts int `mapstructure:"reconnect_max_attempts"`
	// ReconnectInitialBackoff is the first delay between re-dials.
	ReconnectInitialBackoff time.Duration `mapstructure:"reconnect_initial_backoff"`
	// ReconnectMaxBackoff caps the delay between re-dials.
	ReconnectMaxBackoff time.Duration `mapstructure:"reconnect_max_backoff"`
}

// PublisherConfig holds event publisher settings.
type PublisherConfig struct {
	// MaxInFlight is the number of publishes allowed in flight at once.
	MaxInFlight int64 `mapstructure:"max_in_flight"`
	// BufferSize is the number of recent events kept per topic for catch-up.
	BufferSize int64 `mapstructure:"buffer_size"`
	// BufferTTL is how long a topic buffer survives without new events.
	BufferTTL time.Duration `mapstructure:"buffer_ttl"`
	// PublishTimeout bounds a single broker round trip.
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
}

// StreamConfig holds stream bridge settings.
type StreamConfig struct {
	// HeartbeatInterval is the idle time after which a heartbeat frame is sent.
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	// MaxDuration bounds the lifetime of a single stream.
	MaxDuration time.Duration `mapstructure:"max_duration"`
}

// SessionConfig holds session workflow timing settings.
type SessionConfig struct {
	// InactivityTimeout closes a session workflow after this much idle time.
	InactivityTimeout time.Duration `mapstructure:"inactivity_timeout"`
	// ApprovalTimeout is how long an interrupted turn waits for a resume.
	ApprovalTimeout time.Duration `mapstructure:"approval_timeout"`
	// HistoryLimit is the number of prior messages sent to the agent.
	HistoryLimit int `mapstructure:"history_limit"`
}

// AgentConfig holds agent execution engine client settings.
type AgentConfig struct {
	// BaseURL is the agent service base URL.
	BaseURL string `mapstructure:"base_url"`
	// APIKey is the agent service key (loaded from ORCHESTRATOR_AGENT_API_KEY env var).
	APIKey string `mapstructure:"-"`
	// Timeout bounds a whole agent run.
	Timeout time.Duration `mapstructure:"timeout"`
	// RateLimit is the maximum requests per second.
	RateLimit float64 `mapstructure:"rate_limit"`
	// DefaultKind is the agent kind used when a message names none.
	DefaultKind string `mapstructure:"default_kind"`
}

// EmbeddingConfig holds embedding service client settings.
type EmbeddingConfig struct {
	// BaseURL is the OpenAI-compatible embeddings endpoint base URL.
	BaseURL string `mapstructure:"base_url"`
	// APIKey is the embedding service key (loaded from ORCHESTRATOR_EMBEDDING_API_KEY env var).
	APIKey string `mapstructure:"-"`
	// Model is the embedding model name.
	Model string `mapstructure:"model"`
	// BatchSize is the number of chunks sent per request.
	BatchSize int `mapstructure:"batch_size"`
	// Timeout bounds a single request.
	Timeout time.Duration `mapstructure:"timeout"`
	// RateLimit is the maximum requests per second.
	RateLimit float64 `mapstructure:"rate_limit"`
}

// ChunkingConfig holds document chunking settings.
type ChunkingConfig struct {
	// Size is the target chunk length in bytes.
	Size int `mapstructure:"size"`
	// Overlap is the number of bytes carried into the next chunk.
	Overlap int `mapstructure:"overlap"`
	// MaxChunks caps the chunks produced per document.
	MaxChunks int `mapstructure:"max_chunks"`
}

// ExtractionConfig holds text extraction settings.
type ExtractionConfig struct {
	// MaxBytes rejects documents larger than this.
	MaxBytes int64 `mapstructure:"max_bytes"`
	// PDFLicenseKey is the unipdf metered key (loaded from ORCHESTRATOR_EXTRACTION_PDF_LICENSE_KEY env var).
	PDFLicenseKey string `mapstructure:"-"`
}

// QdrantConfig holds Qdrant vector store settings.
type QdrantConfig struct {
	// Address is the Qdrant gRPC address.
	Address string `mapstructure:"address"`
	// APIKey is the Qdrant key (loaded from ORCHESTRATOR_QDRANT_API_KEY env var).
	APIKey string `mapstructure:"-"`
	// UseTLS enables TLS on the gRPC connection.
	UseTLS bool `mapstructure:"use_tls"`
	// CollectionName is the collection holding document chunk vectors.
	CollectionName string `mapstructure:"collection_name"`
	// VectorSize is the embedding dimension (must match the embedding model).
	VectorSize uint64 `mapstructure:"vector_size"`
}

// KafkaConfig holds document upload listener settings.
type KafkaConfig struct {
	// Enabled controls whether the upload listener runs.
	Enabled bool `mapstructure:"enabled"`
	// Brokers is the list of Kafka broker addresses.
	Brokers []string `mapstructure:"brokers"`
	// Topic carries document uploaded events.
	Topic string `mapstructure:"topic"`
	// GroupID is the consumer group.
	GroupID string `mapstructure:"group_id"`
}

// DSN returns the PostgreSQL connection string.
func (c *DatabaseConfig) DSN() string {
	params := url.Values{}
	params.Set("sslmode", c.SSLMode)
	if c.ConnectTimeout > 0 {
		params.Set("connect_timeout", fmt.Sprintf("%d", int(c.ConnectTimeout.Seconds())))
	}
	if c.StatementCacheCapacity > 0 {
		params.Set("statement_cache_capacity", fmt.Sprintf("%d", c.StatementCacheCapacity))
	}

	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?%s",
		url.QueryEscape(c.User),
		url.QueryEscape(c.Password),
		c.Host,
		c.Port,
		c.Name,
		params.Encode(),
	)
}

// HTTPAddress returns the HTTP server address.
func (c *ServerConfig) HTTPAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.HTTPPort)
}

// MetricsAddress returns the metrics server address.
func (c *ServerConfig) MetricsAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.MetricsPort)
}

// Load loads configuration from environment variables and config files.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/orchestration-service")

	if err := v.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configNotFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found is OK, we'll use env vars and defaults
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Secrets use mapstructure:"-" and never come from config files.
	loadSecrets(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// loadSecrets populates secret fields exclusively from environment variables.
func loadSecrets(cfg *Config) {
	cfg.Redis.Password = os.Getenv(EnvPrefix + "_REDIS_PASSWORD")
	cfg.Agent.APIKey = os.Getenv(EnvPrefix + "_AGENT_API_KEY")
	cfg.Embedding.APIKey = os.Getenv(EnvPrefix + "_EMBEDDING_API_KEY")
	cfg.Qdrant.APIKey = os.Getenv(EnvPrefix + "_QDRANT_API_KEY")
	cfg.Extraction.PDFLicenseKey = os.Getenv(EnvPrefix + "_EXTRACTION_PDF_LICENSE_KEY")
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.metrics_port", 9091)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "orchestrator")
	v.SetDefault("database.password", "")
	v.SetDefault("database.name", "orchestration_service")
	// Use ORCHESTRATOR_DATABASE_SSL_MODE=disable for local development.
	v.SetDefault("database.ssl_mode", SSLModeRequire)
	v.SetDefault("database.max_conns", 50)
	v.SetDefault("database.min_conns", 10)
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.max_conn_idle_time", "30m")
	v.SetDefault("database.health_check_period", "30s")
	v.SetDefault("database.connect_timeout", "10s")
	v.SetDefault("database.migration_path", "migrations")
	v.SetDefault("database.migration_auto_run", false)
	v.SetDefault("database.statement_cache_capacity", 512)

	// Temporal defaults
	v.SetDefault("temporal.host_port", "localhost:7233")
	v.SetDefault("temporal.namespace", "default")
	v.SetDefault("temporal.task_queue", "orchestration-tasks")
	v.SetDefault("temporal.max_concurrent_activities", 100)
	v.SetDefault("temporal.max_concurrent_workflow_tasks", 50)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("metrics.namespace", "orchestrator")

	// Redis defaults
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 20)
	v.SetDefault("redis.dial_timeout", "5s")
	v.SetDefault("redis.reconnect_max_attempts", 3)
	v.SetDefault("redis.reconnect_initial_backoff", "100ms")
	v.SetDefault("redis.reconnect_max_backoff", "2s")

	// Publisher defaults
	v.SetDefault("publisher.max_in_flight", 64)
	v.SetDefault("publisher.buffer_size", 500)
	v.SetDefault("publisher.buffer_ttl", "1h")
	v.SetDefault("publisher.publish_timeout", "5s")

	// Stream defaults
	v.SetDefault("stream.heartbeat_interval", "15s")
	v.SetDefault("stream.max_duration", "30m")

	// Session defaults
	v.SetDefault("session.inactivity_timeout", "5m")
	v.SetDefault("session.approval_timeout", "10m")
	v.SetDefault("session.history_limit", 50)

	// Agent defaults
	v.SetDefault("agent.base_url", "http://localhost:8000")
	v.SetDefault("agent.timeout", "5m")
	v.SetDefault("agent.rate_limit", 20.0)
	v.SetDefault("agent.default_kind", "conversational")

	// Embedding defaults
	v.SetDefault("embedding.base_url", "https://api.openai.com/v1")
	v.SetDefault("embedding.model", "text-embedding-3-small")
	v.SetDefault("embedding.batch_size", 64)
	v.SetDefault("embedding.timeout", "60s")
	v.SetDefault("embedding.rate_limit", 5.0)

	// Chunking defaults
	v.SetDefault("chunking.size", 1000)
	v.SetDefault("chunking.overlap", 100)
	v.SetDefault("chunking.max_chunks", 1000)

	// Extraction defaults
	v.SetDefault("extraction.max_bytes", 50<<20)

	// Qdrant defaults
	v.SetDefault("qdrant.address", "localhost:6334")
	v.SetDefault("qdrant.use_tls", false)
	v.SetDefault("qdrant.collection_name", "document_chunks")
	v.SetDefault("qdrant.vector_size", 1536) // text-embedding-3-small

	// Kafka defaults
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "events.documents.uploaded")
	v.SetDefault("kafka.group_id", "orchestration-service")
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.Server.HTTPPort)
	}
	if c.Server.MetricsPort <= 0 || c.Server.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", c.Server.MetricsPort)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if c.Database.Port <= 0 || c.Database.Port > 65535 {
		return fmt.Errorf("invalid database port: %d", c.Database.Port)
	}
	if c.Database.Name == "" {
		return fmt.Errorf("database name is required")
	}
	if c.Database.MaxConns < c.Database.MinConns {
		return fmt.Errorf("max_conns (%d) must be >= min_conns (%d)", c.Database.MaxConns, c.Database.MinConns)
	}

	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	if c.Redis.Addr == "" {
		return fmt.Errorf("redis addr is required")
	}
	if c.Redis.ReconnectMaxAttempts < 0 {
		return fmt.Errorf("redis reconnect_max_attempts must not be negative")
	}

	if c.Publisher.MaxInFlight <= 0 {
		return fmt.Errorf("publisher max_in_flight must be positive")
	}
	if c.Publisher.BufferSize <= 0 {
		return fmt.Errorf("publisher buffer_size must be positive")
	}

	if c.Session.InactivityTimeout <= 0 {
		return fmt.Errorf("session inactivity_timeout must be positive")
	}
	if c.Session.ApprovalTimeout <= 0 {
		return fmt.Errorf("session approval_timeout must be positive")
	}

	if c.Chunking.Size <= 0 {
		return fmt.Errorf("chunking size must be positive")
	}
	if c.Chunking.Overlap < 0 || c.Chunking.Overlap >= c.Chunking.Size {
		return fmt.Errorf("chunking overlap (%d) must be in [0, size)", c.Chunking.Overlap)
	}

	if c.Embedding.BatchSize <= 0 {
		return fmt.Errorf("embedding batch_size must be positive")
	}

	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka brokers are required when kafka is enabled")
	}

	return nil
}
