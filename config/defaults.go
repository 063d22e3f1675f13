package config

import "time"

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:        "civicpress",
			Version:     "dev",
			Environment: "development",
			Debug:       false,
		},
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
			HTTP: HTTPConfig{
				ReadTimeout:     30 * time.Second,
				WriteTimeout:    30 * time.Second,
				IdleTimeout:     120 * time.Second,
				ShutdownTimeout: 30 * time.Second,
				RequestTimeout:  60 * time.Second,
				MaxHeaderBytes:  1 << 20, // 1MB
			},
			RateLimit: RateLimitConfig{
				Enabled: false,
				RPS:     50,
				Burst:   100,
			},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Records: RecordsConfig{
			Root:        "./data/records",
			RepoPath:    "",
			AuthorName:  "CivicPress",
			AuthorEmail: "records@civicpress.local",
		},
		Store: StoreConfig{
			Type: "badger",
			Badger: BadgerConfig{
				Path:              "./data/state",
				SyncWrites:        true,
				ValueLogFileSize:  1073741824, // 1GB
				NumVersionsToKeep: 1,
			},
		},
		Executor: ExecutorConfig{
			DefaultStepTimeout: 30 * time.Second,
			DefaultSagaTimeout: 5 * time.Minute,
			DefaultLockTTL:     10 * time.Minute,
			LeaseRenewInterval: 0, // DefaultLockTTL / 3
			LockWait:           0, // fail fast
			LockPollInterval:   200 * time.Millisecond,
			MaxConcurrentSagas: 64,
		},
		Recovery: RecoveryConfig{
			Enabled:        true,
			Interval:       time.Minute,
			StuckThreshold: 10 * time.Minute,
			BatchSize:      50,
		},
		Events: EventsConfig{
			Transport:    "memory",
			MaxRetries:   3,
			RetryBackoff: 100 * time.Millisecond,
			Redis: RedisConfig{
				Address:  "localhost:6379",
				Password: "",
				DB:       0,
				Channel:  "civicpress.records",
			},
		},
		Index: IndexConfig{
			Enabled: true,
			Breaker: BreakerConfig{
				MaxRequests:  3,
				Interval:     time.Minute,
				Timeout:      30 * time.Second,
				FailureRatio: 0.6,
				MinRequests:  5,
			},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
			Port:    9091,
		},
		Tracing: TracingConfig{
			Enabled:    false,
			Exporter:   "otlp",
			Endpoint:   "localhost:4317",
			Timeout:    10 * time.Second,
			Sampler:    "ratio",
			SampleRate: 0.1,
		},
	}
}
