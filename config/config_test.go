package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.App.Name != "civicpress" {
		t.Errorf("expected app name 'civicpress', got %s", cfg.App.Name)
	}
	if cfg.App.Environment != "development" {
		t.Errorf("expected environment 'development', got %s", cfg.App.Environment)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("expected server port 8080, got %d", cfg.Server.Port)
	}

	if cfg.Log.Level != "info" {
		t.Errorf("expected log level 'info', got %s", cfg.Log.Level)
	}
	if cfg.Log.Format != "json" {
		t.Errorf("expected log format 'json', got %s", cfg.Log.Format)
	}

	if cfg.Executor.DefaultStepTimeout != 30*time.Second {
		t.Errorf("expected default step timeout 30s, got %v", cfg.Executor.DefaultStepTimeout)
	}
	if cfg.Executor.DefaultSagaTimeout != 5*time.Minute {
		t.Errorf("expected default saga timeout 5m, got %v", cfg.Executor.DefaultSagaTimeout)
	}
	if cfg.Executor.DefaultLockTTL != 10*time.Minute {
		t.Errorf("expected default lock ttl 10m, got %v", cfg.Executor.DefaultLockTTL)
	}
	if cfg.Executor.MaxConcurrentSagas != 64 {
		t.Errorf("expected max concurrent sagas 64, got %d", cfg.Executor.MaxConcurrentSagas)
	}

	if !cfg.Recovery.Enabled {
		t.Error("expected recovery.enabled to be true")
	}
	if cfg.Recovery.StuckThreshold != 10*time.Minute {
		t.Errorf("expected stuck threshold 10m, got %v", cfg.Recovery.StuckThreshold)
	}

	if cfg.Store.Type != "badger" {
		t.Errorf("expected store type 'badger', got %s", cfg.Store.Type)
	}
	if cfg.Events.Transport != "memory" {
		t.Errorf("expected events transport 'memory', got %s", cfg.Events.Transport)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid defaults",
			mutate:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "missing app name",
			mutate:  func(c *Config) { c.App.Name = "" },
			wantErr: true,
		},
		{
			name:    "invalid port",
			mutate:  func(c *Config) { c.Server.Port = 99999 },
			wantErr: true,
		},
		{
			name:    "invalid log level",
			mutate:  func(c *Config) { c.Log.Level = "trace" },
			wantErr: true,
		},
		{
			name:    "invalid environment",
			mutate:  func(c *Config) { c.App.Environment = "invalid" },
			wantErr: true,
		},
		{
			name:    "missing records root",
			mutate:  func(c *Config) { c.Records.Root = "" },
			wantErr: true,
		},
		{
			name:    "invalid store type",
			mutate:  func(c *Config) { c.Store.Type = "postgres" },
			wantErr: true,
		},
		{
			name:    "invalid events transport",
			mutate:  func(c *Config) { c.Events.Transport = "kafka" },
			wantErr: true,
		},
		{
			name:    "zero max concurrent sagas",
			mutate:  func(c *Config) { c.Executor.MaxConcurrentSagas = 0 },
			wantErr: true,
		},
		{
			name:    "failure ratio above one",
			mutate:  func(c *Config) { c.Index.Breaker.FailureRatio = 1.5 },
			wantErr: true,
		},
		{
			name:    "invalid tracing sampler",
			mutate:  func(c *Config) { c.Tracing.Sampler = "coin_flip" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidationErrors_Error(t *testing.T) {
	errs := ValidationErrors{
		{Field: "server.port", Message: "must be between 1 and 65535", Value: 99999},
		{Field: "log.level", Message: "must be one of [debug info warn error]", Value: "trace"},
	}

	errMsg := errs.Error()
	if errMsg == "" {
		t.Error("expected error message")
	}
	if errMsg == "no validation errors" {
		t.Error("expected error details")
	}
}

func TestConfig_String(t *testing.T) {
	cfg := &Config{
		App: AppConfig{
			Name:        "test",
			Environment: "development",
		},
		Server: ServerConfig{
			Port: 8080,
		},
		Records: RecordsConfig{
			Root: "/var/lib/civicpress/records",
		},
	}

	s := cfg.String()
	if s == "" {
		t.Error("expected non-empty string representation")
	}
}

func TestLoader_Get(t *testing.T) {
	loader := NewLoader()
	_, _ = loader.Load("", nil) // Load defaults

	val := loader.Get("app.name")
	if val == nil {
		t.Error("expected non-nil value for app.name")
	}

	str := loader.GetString("app.name")
	if str != "civicpress" {
		t.Errorf("expected 'civicpress', got '%s'", str)
	}

	port := loader.GetInt("server.port")
	if port != 8080 {
		t.Errorf("expected 8080, got %d", port)
	}

	enabled := loader.GetBool("metrics.enabled")
	if !enabled {
		t.Error("expected metrics.enabled to be true")
	}
}

func TestLoader_Set(t *testing.T) {
	loader := NewLoader()
	_, _ = loader.Load("", nil)

	err := loader.Set("app.name", "custom-app")
	if err != nil {
		t.Errorf("unexpected error setting value: %v", err)
	}

	if loader.GetString("app.name") != "custom-app" {
		t.Errorf("expected 'custom-app', got '%s'", loader.GetString("app.name"))
	}
}

func TestLoader_Print(t *testing.T) {
	loader := NewLoader()
	_, _ = loader.Load("", nil)

	output := loader.Print()
	if output == "" {
		t.Error("expected non-empty print output")
	}
}

func TestLoad(t *testing.T) {
	cfg, err := Load("", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg == nil {
		t.Error("expected non-nil config")
	}
}

func TestLoadOrDie(t *testing.T) {
	cfg := LoadOrDie("", nil)
	if cfg == nil {
		t.Error("expected non-nil config")
	}
}

func TestLoadOrDie_Panic(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("expected panic for invalid config file")
		}
	}()

	LoadOrDie("/nonexistent/path/config.yaml", nil)
}

func TestLoader_LoadFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
app:
  name: yaml-test
  environment: production
server:
  port: 9999
log:
  level: debug
  format: text
records:
  root: /var/lib/civicpress/records
  author_name: Clerk
executor:
  default_step_timeout: 10s
  default_saga_timeout: 2m
  default_lock_ttl: 5m
  max_concurrent_sagas: 16
recovery:
  enabled: true
  stuck_threshold: 20m
  batch_size: 25
events:
  transport: log
`
	if err := os.WriteFile(configPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	loader := NewLoader()
	cfg, err := loader.Load(configPath, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.App.Name != "yaml-test" {
		t.Errorf("expected 'yaml-test', got '%s'", cfg.App.Name)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("expected 9999, got %d", cfg.Server.Port)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("expected 'debug', got '%s'", cfg.Log.Level)
	}
	if cfg.Records.Root != "/var/lib/civicpress/records" {
		t.Errorf("expected records root override, got '%s'", cfg.Records.Root)
	}
	if cfg.Records.AuthorName != "Clerk" {
		t.Errorf("expected author 'Clerk', got '%s'", cfg.Records.AuthorName)
	}
	if cfg.Executor.DefaultStepTimeout != 10*time.Second {
		t.Errorf("expected step timeout 10s, got %v", cfg.Executor.DefaultStepTimeout)
	}
	if cfg.Executor.MaxConcurrentSagas != 16 {
		t.Errorf("expected max concurrent 16, got %d", cfg.Executor.MaxConcurrentSagas)
	}
	if cfg.Recovery.StuckThreshold != 20*time.Minute {
		t.Errorf("expected stuck threshold 20m, got %v", cfg.Recovery.StuckThreshold)
	}
	if cfg.Events.Transport != "log" {
		t.Errorf("expected events transport 'log', got %s", cfg.Events.Transport)
	}
}

func TestLoader_LoadJSONFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.json")

	jsonContent := `{
		"app": {
			"name": "json-test",
			"environment": "staging"
		},
		"server": {
			"port": 8888
		},
		"log": {
			"level": "warn",
			"format": "json"
		}
	}`
	if err := os.WriteFile(configPath, []byte(jsonContent), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	loader := NewLoader()
	cfg, err := loader.Load(configPath, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.App.Name != "json-test" {
		t.Errorf("expected 'json-test', got '%s'", cfg.App.Name)
	}
	if cfg.Server.Port != 8888 {
		t.Errorf("expected 8888, got %d", cfg.Server.Port)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("expected 'warn', got '%s'", cfg.Log.Level)
	}
}

func TestLoader_LoadInvalidFile(t *testing.T) {
	loader := NewLoader()

	_, err := loader.Load("/nonexistent/config.yaml", nil)
	if err == nil {
		t.Error("expected error for non-existent file")
	}
}

func TestLoader_LoadUnsupportedFormat(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.toml")

	if err := os.WriteFile(configPath, []byte("app = 'test'"), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	loader := NewLoader()
	_, err := loader.Load(configPath, nil)
	if err == nil {
		t.Error("expected error for unsupported format")
	}
}

func TestLoader_EnvVars(t *testing.T) {
	t.Setenv("CIVICPRESS_APP__NAME", "env-test")
	t.Setenv("CIVICPRESS_LOG__LEVEL", "error")

	loader := NewLoader()
	cfg, err := loader.Load("", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.App.Name != "env-test" {
		t.Errorf("expected 'env-test', got '%s'", cfg.App.Name)
	}
	if cfg.Log.Level != "error" {
		t.Errorf("expected 'error', got '%s'", cfg.Log.Level)
	}
}

func TestValidation_InvalidPort(t *testing.T) {
	tests := []struct {
		name    string
		port    int
		wantErr bool
	}{
		{"valid port 80", 80, false},
		{"valid port 8080", 8080, false},
		{"valid port 65535", 65535, false},
		{"invalid port 0", 0, true},
		{"invalid port -1", -1, true},
		{"invalid port 65536", 65536, true},
		{"invalid port 99999", 99999, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Server.Port = tt.port
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("port %d: expected error=%v, got error=%v", tt.port, tt.wantErr, err)
			}
		})
	}
}

func TestValidateWithDetails(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.Port = 0
	cfg.Log.Level = "trace"

	err := ValidateWithDetails(cfg)
	if err == nil {
		t.Fatal("expected validation error details")
	}

	details, ok := err.(ValidationErrors)
	if !ok {
		t.Fatalf("expected ValidationErrors, got %T", err)
	}
	if len(details) < 2 {
		t.Fatalf("expected at least 2 validation details, got %d", len(details))
	}
}
