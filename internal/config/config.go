package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds service configuration loaded from .env, YAML and env.
type Config struct {
	Env     string
	Version string

	Host string
	Port string

	ModelPath          string
	ReferenceTablePath string
	DatabaseURL        string
	ReferenceTableName string

	WeatherAPIURL     string
	WeatherAPITimeout time.Duration
	Alignment         string

	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	CircuitBreakerEnabled          bool
	CircuitBreakerFailureThreshold int
	CircuitBreakerSuccessThreshold int
	CircuitBreakerTimeout          time.Duration

	RequestTimeout     time.Duration
	RequireCoordinates bool
	MaxSuburbLength    int
	CORSOrigins        []string
	RateLimitRPS       float64
	RateLimitBurst     int

	CacheBackend      string // "none", "in_memory" or "memcached"
	CacheTTL          time.Duration
	CacheCoalesce     bool
	CacheMaxEntries   int
	CacheWarmSuburbs  []string
	CacheWarmInterval time.Duration

	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int

	KafkaBrokers      string // comma-separated
	KafkaTopic        string
	KafkaBatchTimeout time.Duration

	ShutdownTimeout     time.Duration
	DegradedWindow      time.Duration
	DegradedErrorRate   float64
	DegradedMinRequests int
}

type fileConfig struct {
	Version string `yaml:"version"`

	Server struct {
		Host string `yaml:"host"`
		Port string `yaml:"port"`
	} `yaml:"server"`

	Model struct {
		Path string `yaml:"path"`
	} `yaml:"model"`

	ReferenceTable struct {
		Path  string `yaml:"path"`
		Table string `yaml:"table"`
	} `yaml:"reference_table"`

	WeatherAPI struct {
		URL       string `yaml:"url"`
		Timeout   string `yaml:"timeout"`
		Alignment string `yaml:"alignment"`
	} `yaml:"weather_api"`

	Request struct {
		Timeout            string   `yaml:"timeout"`
		RequireCoordinates bool     `yaml:"require_coordinates"`
		MaxSuburbLength    int      `yaml:"max_suburb_length"`
		CORSOrigins        []string `yaml:"cors_origins"`
	} `yaml:"request"`

	Cache struct {
		Backend      string   `yaml:"backend"`
		TTL          string   `yaml:"ttl"`
		Coalesce     *bool    `yaml:"coalesce"`
		MaxEntries   int      `yaml:"max_entries"`
		WarmSuburbs  []string `yaml:"warm_suburbs"`
		WarmInterval string   `yaml:"warm_interval"`
		Memcached    struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
		} `yaml:"memcached"`
	} `yaml:"cache"`

	Events struct {
		Brokers      string `yaml:"brokers"`
		Topic        string `yaml:"topic"`
		BatchTimeout string `yaml:"batch_timeout"`
	} `yaml:"events"`

	Reliability struct {
		RetryMaxAttempts int     `yaml:"retry_max_attempts"`
		RetryBaseDelay   string  `yaml:"retry_base_delay"`
		RetryMaxDelay    string  `yaml:"retry_max_delay"`
		RateLimitRPS     float64 `yaml:"rate_limit_rps"`
		RateLimitBurst   int     `yaml:"rate_limit_burst"`
		CircuitBreaker   struct {
			Enabled          bool   `yaml:"enabled"`
			FailureThreshold int    `yaml:"failure_threshold"`
			SuccessThreshold int    `yaml:"success_threshold"`
			Timeout          string `yaml:"timeout"`
		} `yaml:"circuit_breaker"`
	} `yaml:"reliability"`

	Shutdown struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"shutdown"`

	Health struct {
		DegradedWindow      string  `yaml:"degraded_window"`
		DegradedErrorRate   float64 `yaml:"degraded_error_rate"`
		DegradedMinRequests int     `yaml:"degraded_min_requests"`
	} `yaml:"health"`
}

// Load reads .env (if present), config/{ENV_NAME}.yaml and env overrides, relative
// to the working directory. Call from project root.
func Load() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	return LoadDir(cwd)
}

// LoadDir is Load rooted at dir. The YAML file is optional unless ENV_NAME is set.
func LoadDir(dir string) (*Config, error) {
	if err := godotenv.Load(filepath.Join(dir, ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	env, explicit := os.LookupEnv("ENV_NAME")
	env = strings.TrimSpace(env)
	if env == "" {
		env, explicit = "dev", false
	}

	var fc fileConfig
	configPath := filepath.Join(dir, "config", env+".yaml")
	data, err := os.ReadFile(configPath)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	case errors.Is(err, fs.ErrNotExist):
		if explicit {
			return nil, fmt.Errorf("config file not found: %s", configPath)
		}
	default:
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{Env: env}
	cfg.Version = firstNonEmpty(os.Getenv("SERVICE_VERSION"), fc.Version, "dev")

	cfg.Host = firstNonEmpty(os.Getenv("HOST"), fc.Server.Host, "0.0.0.0")
	cfg.Port = firstNonEmpty(os.Getenv("PORT"), fc.Server.Port, "5000")

	cfg.ModelPath = firstNonEmpty(os.Getenv("MODEL_PATH"), fc.Model.Path, "pollen_risk_model.json")
	cfg.ReferenceTablePath = firstNonEmpty(os.Getenv("REFERENCE_TABLE_PATH"), fc.ReferenceTable.Path, "suburb_plant_density.csv")
	cfg.DatabaseURL = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	cfg.ReferenceTableName = firstNonEmpty(fc.ReferenceTable.Table, "suburb_plant_density")

	cfg.WeatherAPIURL = firstNonEmpty(os.Getenv("WEATHER_API_URL"), fc.WeatherAPI.URL, "https://api.open-meteo.com/v1/forecast")
	cfg.WeatherAPITimeout = parseDurationOrZero(fc.WeatherAPI.Timeout, 10*time.Second)
	cfg.Alignment = firstNonEmpty(strings.ToLower(fc.WeatherAPI.Alignment), "current")

	cfg.RetryAttempts = fc.Reliability.RetryMaxAttempts
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 1
	}
	cfg.RetryBaseDelay = parseDuration(fc.Reliability.RetryBaseDelay, 100*time.Millisecond)
	cfg.RetryMaxDelay = parseDuration(fc.Reliability.RetryMaxDelay, 2*time.Second)
	cfg.RateLimitRPS = fc.Reliability.RateLimitRPS
	cfg.RateLimitBurst = fc.Reliability.RateLimitBurst
	if cfg.RateLimitRPS > 0 && cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = int(cfg.RateLimitRPS)
		if cfg.RateLimitBurst < 1 {
			cfg.RateLimitBurst = 1
		}
	}

	cb := fc.Reliability.CircuitBreaker
	cfg.CircuitBreakerEnabled = cb.Enabled
	cfg.CircuitBreakerFailureThreshold = cb.FailureThreshold
	if cfg.CircuitBreakerFailureThreshold <= 0 {
		cfg.CircuitBreakerFailureThreshold = 5
	}
	cfg.CircuitBreakerSuccessThreshold = cb.SuccessThreshold
	if cfg.CircuitBreakerSuccessThreshold <= 0 {
		cfg.CircuitBreakerSuccessThreshold = 2
	}
	cfg.CircuitBreakerTimeout = parseDuration(cb.Timeout, 30*time.Second)

	cfg.RequestTimeout = parseDuration(fc.Request.Timeout, 15*time.Second)
	cfg.RequireCoordinates = fc.Request.RequireCoordinates
	cfg.MaxSuburbLength = fc.Request.MaxSuburbLength
	if cfg.MaxSuburbLength <= 0 {
		cfg.MaxSuburbLength = 100
	}
	cfg.CORSOrigins = fc.Request.CORSOrigins
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		cfg.CORSOrigins = splitList(v)
	}
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = []string{"*"}
	}

	cfg.CacheBackend = strings.ToLower(firstNonEmpty(os.Getenv("CACHE_BACKEND"), fc.Cache.Backend, "none"))
	cfg.CacheTTL = parseDuration(fc.Cache.TTL, 10*time.Minute)
	cfg.CacheCoalesce = true
	if fc.Cache.Coalesce != nil {
		cfg.CacheCoalesce = *fc.Cache.Coalesce
	}
	cfg.CacheMaxEntries = fc.Cache.MaxEntries
	if cfg.CacheMaxEntries <= 0 {
		cfg.CacheMaxEntries = 10000
	}
	cfg.CacheWarmSuburbs = fc.Cache.WarmSuburbs
	cfg.CacheWarmInterval = parseDurationOrZero(fc.Cache.WarmInterval, 0)
	cfg.MemcachedAddrs = firstNonEmpty(os.Getenv("MEMCACHED_ADDRS"), fc.Cache.Memcached.Addrs, "localhost:11211")
	cfg.MemcachedTimeout = parseDuration(fc.Cache.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = fc.Cache.Memcached.MaxIdleConns
	if cfg.MemcachedMaxIdleConns <= 0 {
		cfg.MemcachedMaxIdleConns = 2
	}

	cfg.KafkaBrokers = firstNonEmpty(os.Getenv("KAFKA_BROKERS"), fc.Events.Brokers)
	cfg.KafkaTopic = firstNonEmpty(fc.Events.Topic, "pollen.predictions")
	cfg.KafkaBatchTimeout = parseDuration(fc.Events.BatchTimeout, 100*time.Millisecond)

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)
	cfg.DegradedWindow = parseDuration(fc.Health.DegradedWindow, 60*time.Second)
	cfg.DegradedErrorRate = fc.Health.DegradedErrorRate
	if cfg.DegradedErrorRate <= 0 {
		cfg.DegradedErrorRate = 0.5
	}
	cfg.DegradedMinRequests = fc.Health.DegradedMinRequests
	if cfg.DegradedMinRequests <= 0 {
		cfg.DegradedMinRequests = 10
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return c.Host + ":" + c.Port
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseDuration parses a duration string and returns defaultVal if parsing fails or result is <= 0.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	d := parseDurationOrZero(s, defaultVal)
	if d <= 0 {
		return defaultVal
	}
	return d
}

// parseDurationOrZero parses a duration string, returning defaultVal on empty string or parse error.
// Returns zero or negative durations as-is (caller should handle fallback).
func parseDurationOrZero(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

// validate performs post-load validation of configuration values.
// Ensures WeatherAPITimeout is positive and RequestTimeout exceeds it, auto-adjusting
// RequestTimeout if needed, and checks enum-like fields.
func validate(cfg *Config) error {
	if cfg.WeatherAPITimeout <= 0 {
		return fmt.Errorf("weather_api.timeout must be positive")
	}
	if cfg.RequestTimeout <= cfg.WeatherAPITimeout {
		cfg.RequestTimeout = cfg.WeatherAPITimeout + time.Second
	}
	switch cfg.CacheBackend {
	case "none", "in_memory", "memcached":
	default:
		return fmt.Errorf("cache.backend must be none, in_memory or memcached, got %q", cfg.CacheBackend)
	}
	switch cfg.Alignment {
	case "current", "first_hour":
	default:
		return fmt.Errorf("weather_api.alignment must be current or first_hour, got %q", cfg.Alignment)
	}
	if _, err := strconv.Atoi(cfg.Port); err != nil {
		return fmt.Errorf("PORT must be numeric, got %q", cfg.Port)
	}
	if cfg.DegradedErrorRate > 1 {
		return fmt.Errorf("health.degraded_error_rate must be in (0, 1], got %v", cfg.DegradedErrorRate)
	}
	return nil
}
