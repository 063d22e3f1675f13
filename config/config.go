// Package config provides configuration management for the CivicPress
// record service.
package config

import (
	"fmt"
	"time"
)

// Config is the top-level configuration, assembled at startup and passed
// explicitly to every component.
type Config struct {
	// App is the application configuration.
	App AppConfig `mapstructure:"app" validate:"required"`

	// Server is the HTTP API server configuration.
	Server ServerConfig `mapstructure:"server" validate:"required"`

	// Log is the logging configuration.
	Log LogConfig `mapstructure:"log" validate:"required"`

	// Records configures the record working tree and its VCS repository.
	Records RecordsConfig `mapstructure:"records" validate:"required"`

	// Store is the saga/record persistence configuration.
	Store StoreConfig `mapstructure:"store"`

	// Executor tunes saga execution.
	Executor ExecutorConfig `mapstructure:"executor"`

	// Recovery tunes the stuck-saga sweeper.
	Recovery RecoveryConfig `mapstructure:"recovery"`

	// Events configures the lifecycle event sink.
	Events EventsConfig `mapstructure:"events"`

	// Index configures the derived indexing service.
	Index IndexConfig `mapstructure:"index"`

	// Metrics is the observability configuration.
	Metrics MetricsConfig `mapstructure:"metrics"`

	// Tracing is the distributed tracing configuration.
	Tracing TracingConfig `mapstructure:"tracing"`
}

// AppConfig holds application metadata and settings.
type AppConfig struct {
	// Name is the application name.
	Name string `mapstructure:"name" validate:"required"`

	// Version is the application version.
	Version string `mapstructure:"version"`

	// Environment is the runtime environment (development, staging, production).
	Environment string `mapstructure:"environment" validate:"oneof=development staging production"`

	// Debug enables debug mode with verbose logging.
	Debug bool `mapstructure:"debug"`
}

// ServerConfig holds the HTTP server configuration.
type ServerConfig struct {
	// Host is the bind address.
	Host string `mapstructure:"host"`

	// Port is the HTTP API port.
	Port int `mapstructure:"port" validate:"required,min=1,max=65535"`

	// HTTP is the HTTP server configuration.
	HTTP HTTPConfig `mapstructure:"http"`

	// CORS is the CORS configuration.
	CORS CORSConfig `mapstructure:"cors"`

	// RateLimit throttles inbound API requests.
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

// HTTPConfig holds HTTP-specific settings.
type HTTPConfig struct {
	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout time.Duration `mapstructure:"read_timeout"`

	// WriteTimeout is the maximum duration before timing out writes.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	// IdleTimeout is the maximum amount of time to wait for the next request.
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// RequestTimeout bounds individual request handling.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`

	// MaxHeaderBytes limits the size of request headers.
	MaxHeaderBytes int `mapstructure:"max_header_bytes"`
}

// CORSConfig holds CORS settings.
type CORSConfig struct {
	// Enabled enables CORS support.
	Enabled bool `mapstructure:"enabled"`

	// AllowedOrigins is the list of allowed origins.
	AllowedOrigins []string `mapstructure:"allowed_origins"`

	// AllowedMethods is the list of allowed HTTP methods.
	AllowedMethods []string `mapstructure:"allowed_methods"`

	// AllowedHeaders is the list of allowed headers.
	AllowedHeaders []string `mapstructure:"allowed_headers"`

	// ExposedHeaders is the list of headers exposed to the client.
	ExposedHeaders []string `mapstructure:"exposed_headers"`

	// AllowCredentials indicates whether credentials are allowed.
	AllowCredentials bool `mapstructure:"allow_credentials"`

	// MaxAge is the maximum age of CORS preflight cache in seconds.
	MaxAge int `mapstructure:"max_age"`
}

// RateLimitConfig holds API throttling settings.
type RateLimitConfig struct {
	// Enabled enables request throttling.
	Enabled bool `mapstructure:"enabled"`

	// RPS is the sustained requests-per-second budget.
	RPS float64 `mapstructure:"rps" validate:"min=0"`

	// Burst is the momentary burst allowance.
	Burst int `mapstructure:"burst" validate:"min=0"`
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

// RecordsConfig holds the record working tree and VCS settings.
type RecordsConfig struct {
	// Root is the directory holding the markdown record tree.
	Root string `mapstructure:"root" validate:"required"`

	// RepoPath is the VCS repository directory. Empty means Root.
	RepoPath string `mapstructure:"repo_path"`

	// AuthorName is used for VCS commits made by the service.
	AuthorName string `mapstructure:"author_name"`

	// AuthorEmail is used for VCS commits made by the service.
	AuthorEmail string `mapstructure:"author_email"`
}

// StoreConfig holds persistence settings for saga state and record rows.
type StoreConfig struct {
	// Type is the storage backend (memory, badger).
	Type string `mapstructure:"type" validate:"oneof=memory badger"`

	// Badger is the BadgerDB configuration.
	Badger BadgerConfig `mapstructure:"badger"`
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

// ExecutorConfig tunes saga execution.
type ExecutorConfig struct {
	// DefaultStepTimeout bounds a single step attempt when the step
	// declares no timeout of its own.
	DefaultStepTimeout time.Duration `mapstructure:"default_step_timeout"`

	// DefaultSagaTimeout bounds the forward phase of a whole saga.
	DefaultSagaTimeout time.Duration `mapstructure:"default_saga_timeout"`

	// DefaultLockTTL is the lease duration for resource locks.
	DefaultLockTTL time.Duration `mapstructure:"default_lock_ttl"`

	// LeaseRenewInterval is how often held leases are renewed.
	// Zero means DefaultLockTTL / 3.
	LeaseRenewInterval time.Duration `mapstructure:"lease_renew_interval"`

	// LockWait bounds how long lock acquisition may wait for a
	// contended resource. Zero means fail fast.
	LockWait time.Duration `mapstructure:"lock_wait"`

	// LockPollInterval is the retry cadence while waiting for a lock.
	LockPollInterval time.Duration `mapstructure:"lock_poll_interval"`

	// MaxConcurrentSagas caps parallel saga executions.
	MaxConcurrentSagas int `mapstructure:"max_concurrent_sagas" validate:"min=1"`
}

// RecoveryConfig tunes the stuck-saga sweeper.
type RecoveryConfig struct {
	// Enabled enables the background sweeper.
	Enabled bool `mapstructure:"enabled"`

	// Interval is the sweep cadence.
	Interval time.Duration `mapstructure:"interval"`

	// StuckThreshold is how stale a non-terminal saga's updated_at must
	// be before it is considered abandoned.
	StuckThreshold time.Duration `mapstructure:"stuck_threshold"`

	// BatchSize caps how many sagas a single sweep processes.
	BatchSize int `mapstructure:"batch_size" validate:"min=1"`
}

// EventsConfig holds lifecycle event sink settings.
type EventsConfig struct {
	// Transport is the event transport (memory, log, redis).
	Transport string `mapstructure:"transport" validate:"oneof=memory log redis"`

	// MaxRetries bounds publish retries before the sink degrades.
	MaxRetries int `mapstructure:"max_retries" validate:"min=0"`

	// RetryBackoff is the initial backoff between publish retries.
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`

	// Redis configures the redis pub/sub transport.
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig holds Redis-specific settings.
type RedisConfig struct {
	// Address is the Redis server address.
	Address string `mapstructure:"address"`

	// Password is the Redis password.
	Password string `mapstructure:"password"`

	// DB is the Redis database number.
	DB int `mapstructure:"db"`

	// Channel is the pub/sub channel lifecycle events are published to.
	Channel string `mapstructure:"channel"`
}

// IndexConfig holds derived indexing settings.
type IndexConfig struct {
	// Enabled enables reindexing after record mutations.
	Enabled bool `mapstructure:"enabled"`

	// Breaker configures the circuit breaker in front of the indexer.
	Breaker BreakerConfig `mapstructure:"breaker"`
}

// BreakerConfig holds circuit breaker settings.
type BreakerConfig struct {
	// MaxRequests is the half-open probe allowance.
	MaxRequests uint32 `mapstructure:"max_requests"`

	// Interval is the closed-state counter reset period.
	Interval time.Duration `mapstructure:"interval"`

	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration `mapstructure:"timeout"`

	// FailureRatio trips the breaker when exceeded.
	FailureRatio float64 `mapstructure:"failure_ratio" validate:"min=0,max=1"`

	// MinRequests is the minimum sample size before tripping.
	MinRequests uint32 `mapstructure:"min_requests"`
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

	// Exporter is the span exporter (otlp).
	Exporter string `mapstructure:"exporter" validate:"omitempty,oneof=otlp"`

	// Endpoint is the collector endpoint.
	Endpoint string `mapstructure:"endpoint"`

	// Timeout bounds exporter calls.
	Timeout time.Duration `mapstructure:"timeout"`

	// Headers are additional headers sent to the collector.
	Headers map[string]string `mapstructure:"headers"`

	// Sampler selects the sampling strategy (ratio, always_on, always_off).
	Sampler string `mapstructure:"sampler" validate:"omitempty,oneof=ratio always_on always_off"`

	// SampleRate is the fraction of traces to sample (0.0-1.0).
	SampleRate float64 `mapstructure:"sample_rate" validate:"min=0,max=1"`
}

// Validate performs validation on the configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}

// String returns a string representation of the configuration (without
// sensitive data).
func (c *Config) String() string {
	return fmt.Sprintf("Config{App: %s, Server: :%d, Env: %s, Records: %s}",
		c.App.Name, c.Server.Port, c.App.Environment, c.Records.Root)
}
