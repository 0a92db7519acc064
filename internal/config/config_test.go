package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// clearEnv unsets every variable Load reads so the host environment cannot leak in.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"ENV_NAME", "HOST", "PORT", "MODEL_PATH", "REFERENCE_TABLE_PATH", "DATABASE_URL",
		"WEATHER_API_URL", "CACHE_BACKEND", "MEMCACHED_ADDRS", "KAFKA_BROKERS",
		"CORS_ORIGINS", "SERVICE_VERSION",
	} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func writeEnvFile(t *testing.T, dir, name, content string) {
	t.Helper()
	configDir := filepath.Join(dir, "config")
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(filepath.Join(configDir, name+".yaml"), []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func TestLoadDir_DefaultsWithoutConfigFile(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadDir(t.TempDir())
	if err != nil {
		t.Fatalf("LoadDir() error = %v", err)
	}
	if cfg.Addr() != "0.0.0.0:5000" {
		t.Errorf("Addr() = %q, want 0.0.0.0:5000", cfg.Addr())
	}
	if cfg.ModelPath != "pollen_risk_model.json" || cfg.ReferenceTablePath != "suburb_plant_density.csv" {
		t.Errorf("paths = %q, %q", cfg.ModelPath, cfg.ReferenceTablePath)
	}
	if cfg.WeatherAPIURL != "https://api.open-meteo.com/v1/forecast" {
		t.Errorf("WeatherAPIURL = %q", cfg.WeatherAPIURL)
	}
	if cfg.WeatherAPITimeout != 10*time.Second {
		t.Errorf("WeatherAPITimeout = %v, want 10s", cfg.WeatherAPITimeout)
	}
	if cfg.RequestTimeout <= cfg.WeatherAPITimeout {
		t.Errorf("RequestTimeout = %v, want > WeatherAPITimeout", cfg.RequestTimeout)
	}
	if cfg.Alignment != "current" {
		t.Errorf("Alignment = %q, want current", cfg.Alignment)
	}
	if cfg.RetryAttempts != 1 {
		t.Errorf("RetryAttempts = %d, want 1", cfg.RetryAttempts)
	}
	if cfg.CacheBackend != "none" || cfg.CacheTTL != 10*time.Minute || !cfg.CacheCoalesce {
		t.Errorf("cache = %q %v coalesce=%v", cfg.CacheBackend, cfg.CacheTTL, cfg.CacheCoalesce)
	}
	if len(cfg.CORSOrigins) != 1 || cfg.CORSOrigins[0] != "*" {
		t.Errorf("CORSOrigins = %v, want [*]", cfg.CORSOrigins)
	}
	if cfg.KafkaBrokers != "" || cfg.KafkaTopic != "pollen.predictions" {
		t.Errorf("kafka = %v %q", cfg.KafkaBrokers, cfg.KafkaTopic)
	}
	if cfg.RateLimitRPS != 0 {
		t.Errorf("RateLimitRPS = %v, want disabled", cfg.RateLimitRPS)
	}
}

func TestLoadDir_ExplicitEnvFileNotFound(t *testing.T) {
	clearEnv(t)
	t.Setenv("ENV_NAME", "nonexistent")

	cfg, err := LoadDir(t.TempDir())
	if err == nil {
		t.Fatalf("LoadDir() expected error, got %+v", cfg)
	}
	if !strings.Contains(err.Error(), "config file not found") {
		t.Errorf("error = %v", err)
	}
}

func TestLoadDir_YAMLValues(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	writeEnvFile(t, dir, "dev", `
version: 1.4.0
server:
  port: "8081"
model:
  path: models/forest.json
weather_api:
  timeout: 3s
  alignment: first_hour
request:
  timeout: 2s
  require_coordinates: true
  cors_origins: ["https://maps.example.org"]
cache:
  backend: in_memory
  ttl: 90s
  coalesce: false
  warm_suburbs: [Parramatta, Newtown]
  warm_interval: 5m
events:
  brokers: "kafka-1:9092, kafka-2:9092"
  topic: pollen.test
reliability:
  retry_max_attempts: 3
  rate_limit_rps: 20
  circuit_breaker:
    enabled: true
    failure_threshold: 4
health:
  degraded_error_rate: 0.25
`)

	cfg, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("LoadDir() error = %v", err)
	}
	if cfg.Version != "1.4.0" || cfg.Port != "8081" || cfg.ModelPath != "models/forest.json" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.WeatherAPITimeout != 3*time.Second {
		t.Errorf("WeatherAPITimeout = %v", cfg.WeatherAPITimeout)
	}
	if cfg.RequestTimeout != 4*time.Second {
		t.Errorf("RequestTimeout = %v, want raised to 4s", cfg.RequestTimeout)
	}
	if cfg.Alignment != "first_hour" || !cfg.RequireCoordinates {
		t.Errorf("Alignment = %q RequireCoordinates = %v", cfg.Alignment, cfg.RequireCoordinates)
	}
	if cfg.CacheBackend != "in_memory" || cfg.CacheTTL != 90*time.Second || cfg.CacheCoalesce {
		t.Errorf("cache = %q %v coalesce=%v", cfg.CacheBackend, cfg.CacheTTL, cfg.CacheCoalesce)
	}
	if len(cfg.CacheWarmSuburbs) != 2 || cfg.CacheWarmInterval != 5*time.Minute {
		t.Errorf("warm = %v %v", cfg.CacheWarmSuburbs, cfg.CacheWarmInterval)
	}
	if cfg.KafkaBrokers != "kafka-1:9092, kafka-2:9092" || cfg.KafkaTopic != "pollen.test" {
		t.Errorf("kafka = %v %q", cfg.KafkaBrokers, cfg.KafkaTopic)
	}
	if cfg.RetryAttempts != 3 || cfg.RateLimitRPS != 20 || cfg.RateLimitBurst != 20 {
		t.Errorf("reliability = %d %v %d", cfg.RetryAttempts, cfg.RateLimitRPS, cfg.RateLimitBurst)
	}
	if !cfg.CircuitBreakerEnabled || cfg.CircuitBreakerFailureThreshold != 4 || cfg.CircuitBreakerSuccessThreshold != 2 {
		t.Errorf("breaker = %v %d %d", cfg.CircuitBreakerEnabled, cfg.CircuitBreakerFailureThreshold, cfg.CircuitBreakerSuccessThreshold)
	}
	if cfg.DegradedErrorRate != 0.25 || cfg.DegradedMinRequests != 10 {
		t.Errorf("health = %v %d", cfg.DegradedErrorRate, cfg.DegradedMinRequests)
	}
}

func TestLoadDir_EnvOverridesYAML(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	writeEnvFile(t, dir, "staging", `
server:
  port: "8081"
cache:
  backend: in_memory
`)
	t.Setenv("ENV_NAME", "staging")
	t.Setenv("PORT", "9000")
	t.Setenv("HOST", "127.0.0.1")
	t.Setenv("CACHE_BACKEND", "MEMCACHED")
	t.Setenv("MEMCACHED_ADDRS", "mc:11211")
	t.Setenv("DATABASE_URL", "postgres://localhost/pollen")
	t.Setenv("KAFKA_BROKERS", "broker:9092")

	cfg, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("LoadDir() error = %v", err)
	}
	if cfg.Addr() != "127.0.0.1:9000" {
		t.Errorf("Addr() = %q", cfg.Addr())
	}
	if cfg.CacheBackend != "memcached" || cfg.MemcachedAddrs != "mc:11211" {
		t.Errorf("cache = %q %q", cfg.CacheBackend, cfg.MemcachedAddrs)
	}
	if cfg.DatabaseURL != "postgres://localhost/pollen" {
		t.Errorf("DatabaseURL = %q", cfg.DatabaseURL)
	}
	if cfg.KafkaBrokers != "broker:9092" {
		t.Errorf("KafkaBrokers = %v", cfg.KafkaBrokers)
	}
}

func TestLoadDir_DotEnvFile(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("PORT=7070\nMODEL_PATH=/models/v3.json\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	t.Cleanup(func() {
		os.Unsetenv("PORT")
		os.Unsetenv("MODEL_PATH")
	})

	cfg, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("LoadDir() error = %v", err)
	}
	if cfg.Port != "7070" || cfg.ModelPath != "/models/v3.json" {
		t.Errorf("Port = %q ModelPath = %q", cfg.Port, cfg.ModelPath)
	}
}

func TestLoadDir_InvalidDurationFallsBackToDefault(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	writeEnvFile(t, dir, "dev", `
cache:
  ttl: soon
shutdown:
  timeout: -5s
`)

	cfg, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("LoadDir() error = %v", err)
	}
	if cfg.CacheTTL != 10*time.Minute {
		t.Errorf("CacheTTL = %v, want default", cfg.CacheTTL)
	}
	if cfg.ShutdownTimeout != 30*time.Second {
		t.Errorf("ShutdownTimeout = %v, want default", cfg.ShutdownTimeout)
	}
}

func TestLoadDir_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		env     map[string]string
		wantErr string
	}{
		{"zero weather timeout", "weather_api:\n  timeout: 0s\n", nil, "weather_api.timeout"},
		{"unknown cache backend", "cache:\n  backend: redis\n", nil, "cache.backend"},
		{"unknown alignment", "weather_api:\n  alignment: nearest\n", nil, "alignment"},
		{"non-numeric port", "", map[string]string{"PORT": "http"}, "PORT"},
		{"error rate above one", "health:\n  degraded_error_rate: 5\n", nil, "degraded_error_rate"},
		{"invalid yaml", "server: [\n", nil, "parse config file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			dir := t.TempDir()
			writeEnvFile(t, dir, "dev", tt.yaml)

			_, err := LoadDir(dir)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("LoadDir() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_ProjectConfig(t *testing.T) {
	clearEnv(t)
	root := findProjectRoot(t)

	cfg, err := LoadDir(root)
	if err != nil {
		t.Fatalf("LoadDir(project root) error = %v", err)
	}
	if cfg.Env != "dev" {
		t.Errorf("Env = %q, want dev", cfg.Env)
	}
	// The default profile keeps one live provider call per request.
	if cfg.CacheBackend != "none" || len(cfg.CacheWarmSuburbs) != 0 {
		t.Errorf("dev cache = %q warm = %v, want none and no warming", cfg.CacheBackend, cfg.CacheWarmSuburbs)
	}
	if cfg.RetryAttempts != 1 || cfg.CircuitBreakerEnabled {
		t.Errorf("dev retry = %d breaker = %v, want 1 and disabled", cfg.RetryAttempts, cfg.CircuitBreakerEnabled)
	}
	if cfg.RateLimitRPS != 0 {
		t.Errorf("dev RateLimitRPS = %v, want disabled", cfg.RateLimitRPS)
	}
}

func TestLoad_ProjectProdConfig(t *testing.T) {
	clearEnv(t)
	t.Setenv("ENV_NAME", "prod")
	root := findProjectRoot(t)

	cfg, err := LoadDir(root)
	if err != nil {
		t.Fatalf("LoadDir(project root) error = %v", err)
	}
	if cfg.CacheBackend != "in_memory" || cfg.CacheMaxEntries != 10000 || len(cfg.CacheWarmSuburbs) == 0 {
		t.Errorf("prod cache = %q max=%d warm=%v", cfg.CacheBackend, cfg.CacheMaxEntries, cfg.CacheWarmSuburbs)
	}
	if cfg.RetryAttempts != 2 || !cfg.CircuitBreakerEnabled {
		t.Errorf("prod retry = %d breaker = %v", cfg.RetryAttempts, cfg.CircuitBreakerEnabled)
	}
}

func findProjectRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Skip("go.mod not found")
		}
		dir = parent
	}
}
