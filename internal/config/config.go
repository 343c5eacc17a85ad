package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Transport values for MCP_TRANSPORT.
const (
	TransportHTTP  = "http"
	TransportStdio = "stdio"
)

// Log sink values for LOG_TYPE.
const (
	LogTypeConsole = "console"
	LogTypeFile    = "file"
	LogTypeBoth    = "both"
)

// Cache backends for CACHE_BACKEND.
const (
	CacheSQLite    = "sqlite"
	CacheInMemory  = "in_memory"
	CacheRedis     = "redis"
	CacheMemcached = "memcached"
)

// Config holds service configuration loaded from YAML and env.
type Config struct {
	Env string

	ServerHost string
	ServerPort string
	Transport  string

	ProjectName    string
	ProjectVersion string

	WeatherAPIKey     string
	WeatherAPIURL     string
	GeoAPIURL         string
	WeatherAPITimeout time.Duration
	DefaultUnits      string
	DefaultLang       string

	RequestTimeout time.Duration

	CacheBackend          string
	CacheDir              string
	CacheTTL              time.Duration
	GeocodeTTL            time.Duration
	CachePruneInterval    time.Duration
	CoalesceTimeout       time.Duration
	RedisURL              string
	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int

	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	UpstreamRateLimitRPS   float64
	UpstreamRateLimitBurst int

	CircuitBreakerEnabled          bool
	CircuitBreakerFailureThreshold int
	CircuitBreakerSuccessThreshold int
	CircuitBreakerTimeout          time.Duration

	// Inbound /mcp limiter; 0 disables.
	RateLimitRPS   int
	RateLimitBurst int

	ShutdownTimeout               time.Duration
	ShutdownInFlightTimeout       time.Duration
	ShutdownInFlightCheckInterval time.Duration
	ReadyCheckTimeout             time.Duration
	ErrorRateWindow               time.Duration

	LogType        string
	LogDir         string
	LogBackupCount int
	LogLevel       string
	LogMaxSizeMB   int

	TrackedLocations []string
	WarmCache        bool
	WarmInterval     time.Duration
}

type fileConfig struct {
	Server struct {
		Host      string `yaml:"host"`
		Port      string `yaml:"port"`
		Transport string `yaml:"transport"`
	} `yaml:"server"`
	Project struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"project"`
	WeatherAPI struct {
		URL     string `yaml:"url"`
		GeoURL  string `yaml:"geo_url"`
		Timeout string `yaml:"timeout"`
		Units   string `yaml:"units"`
		Lang    string `yaml:"lang"`
	} `yaml:"weather_api"`
	Request struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"request"`
	Cache struct {
		Backend         string `yaml:"backend"`
		Dir             string `yaml:"dir"`
		TTL             string `yaml:"ttl"`
		GeocodeTTL      string `yaml:"geocode_ttl"`
		PruneInterval   string `yaml:"prune_interval"`
		CoalesceTimeout string `yaml:"coalesce_timeout"`
		Redis           struct {
			URL string `yaml:"url"`
		} `yaml:"redis"`
		Memcached struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
		} `yaml:"memcached"`
	} `yaml:"cache"`
	Reliability struct {
		RetryMaxAttempts       int     `yaml:"retry_max_attempts"`
		RetryBaseDelay         string  `yaml:"retry_base_delay"`
		RetryMaxDelay          string  `yaml:"retry_max_delay"`
		UpstreamRateLimitRPS   float64 `yaml:"upstream_rate_limit_rps"`
		UpstreamRateLimitBurst int     `yaml:"upstream_rate_limit_burst"`
		RateLimitRPS           int     `yaml:"rate_limit_rps"`
		RateLimitBurst         int     `yaml:"rate_limit_burst"`
		CircuitBreaker         struct {
			Enabled          *bool  `yaml:"enabled"`
			FailureThreshold int    `yaml:"failure_threshold"`
			SuccessThreshold int    `yaml:"success_threshold"`
			Timeout          string `yaml:"timeout"`
		} `yaml:"circuit_breaker"`
	} `yaml:"reliability"`
	Shutdown struct {
		Timeout               string `yaml:"timeout"`
		InFlightTimeout       string `yaml:"in_flight_timeout"`
		InFlightCheckInterval string `yaml:"in_flight_check_interval"`
	} `yaml:"shutdown"`
	Lifecycle struct {
		ReadyCheckTimeout string `yaml:"ready_check_timeout"`
		ErrorRateWindow   string `yaml:"error_rate_window"`
	} `yaml:"lifecycle"`
	Logging struct {
		Type        string `yaml:"type"`
		Dir         string `yaml:"dir"`
		BackupCount int    `yaml:"backup_count"`
		Level       string `yaml:"level"`
		MaxSizeMB   int    `yaml:"max_size_mb"`
	} `yaml:"logging"`
	Metrics struct {
		TrackedLocations []string `yaml:"tracked_locations"`
		WarmCache        bool     `yaml:"warm_cache"`
		WarmInterval     string   `yaml:"warm_interval"`
	} `yaml:"metrics"`
}

type secretsFile struct {
	OpenWeatherAPIKey string `yaml:"openweather_api_key"`
}

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment.
// Variables already set win. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Load reads configuration from ./config. See LoadFrom.
func Load() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	return LoadFrom(filepath.Join(cwd, "config"))
}

// LoadFrom reads {dir}/{ENV_NAME}.yaml (default dev; optional) and applies
// environment overrides. The API key comes from OPENWEATHER_API_KEY or
// {dir}/secrets.yaml.
func LoadFrom(dir string) (*Config, error) {
	env := strings.TrimSpace(os.Getenv("ENV_NAME"))
	if env == "" {
		env = "dev"
	}

	var fc fileConfig
	configPath := filepath.Join(dir, env+".yaml")
	data, err := os.ReadFile(configPath)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", configPath, err)
		}
	case os.IsNotExist(err):
		// env-only deployment
	default:
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{Env: env}

	cfg.ServerHost = firstNonEmpty(os.Getenv("MCP_HOST"), fc.Server.Host, "0.0.0.0")
	cfg.ServerPort = firstNonEmpty(os.Getenv("MCP_PORT"), fc.Server.Port, "3001")
	cfg.Transport = strings.ToLower(firstNonEmpty(os.Getenv("MCP_TRANSPORT"), fc.Server.Transport, TransportHTTP))
	cfg.ProjectName = firstNonEmpty(fc.Project.Name, "weather-mcp")
	cfg.ProjectVersion = firstNonEmpty(fc.Project.Version, "dev")

	cfg.WeatherAPIKey = strings.TrimSpace(os.Getenv("OPENWEATHER_API_KEY"))
	if cfg.WeatherAPIKey == "" {
		secretsPath := filepath.Join(dir, "secrets.yaml")
		secretsData, err := os.ReadFile(secretsPath)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read secrets file: %w", err)
			}
		} else {
			var sec secretsFile
			if err := yaml.Unmarshal(secretsData, &sec); err != nil {
				return nil, fmt.Errorf("parse secrets file: %w", err)
			}
			cfg.WeatherAPIKey = strings.TrimSpace(sec.OpenWeatherAPIKey)
		}
	}
	if cfg.WeatherAPIKey == "" {
		return nil, fmt.Errorf("OPENWEATHER_API_KEY required (set env or %s openweather_api_key)", filepath.Join(dir, "secrets.yaml"))
	}

	cfg.WeatherAPIURL = firstNonEmpty(os.Getenv("OPENWEATHER_BASE_URL"), fc.WeatherAPI.URL, "https://api.openweathermap.org/data/2.5")
	cfg.GeoAPIURL = firstNonEmpty(os.Getenv("OPENWEATHER_GEO_BASE_URL"), fc.WeatherAPI.GeoURL, "https://api.openweathermap.org/geo/1.0")
	cfg.WeatherAPITimeout = parseDurationOrZero(fc.WeatherAPI.Timeout, 2*time.Second)
	cfg.DefaultUnits = strings.ToLower(firstNonEmpty(fc.WeatherAPI.Units, "metric"))
	cfg.DefaultLang = strings.ToLower(firstNonEmpty(fc.WeatherAPI.Lang, "en"))

	cfg.RequestTimeout = parseDuration(fc.Request.Timeout, 15*time.Second)

	cfg.CacheBackend = strings.ToLower(firstNonEmpty(os.Getenv("CACHE_BACKEND"), fc.Cache.Backend, CacheSQLite))
	cfg.CacheDir = firstNonEmpty(os.Getenv("CACHE_DIR"), fc.Cache.Dir, "/data/cache")
	cfg.CacheTTL = parseDuration(firstNonEmpty(os.Getenv("CACHE_TTL"), fc.Cache.TTL), 10*time.Minute)
	cfg.GeocodeTTL = parseDuration(fc.Cache.GeocodeTTL, 24*time.Hour)
	cfg.CachePruneInterval = parseDuration(fc.Cache.PruneInterval, 15*time.Minute)
	cfg.CoalesceTimeout = parseDuration(fc.Cache.CoalesceTimeout, 10*time.Second)
	cfg.RedisURL = firstNonEmpty(os.Getenv("REDIS_URL"), fc.Cache.Redis.URL, "redis://localhost:6379/0")
	cfg.MemcachedAddrs = firstNonEmpty(os.Getenv("MEMCACHED_ADDRS"), fc.Cache.Memcached.Addrs, "localhost:11211")
	cfg.MemcachedTimeout = parseDuration(fc.Cache.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = fc.Cache.Memcached.MaxIdleConns
	if cfg.MemcachedMaxIdleConns <= 0 {
		cfg.MemcachedMaxIdleConns = 2
	}

	cfg.RetryAttempts = fc.Reliability.RetryMaxAttempts
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	cfg.RetryBaseDelay = parseDuration(fc.Reliability.RetryBaseDelay, 200*time.Millisecond)
	cfg.RetryMaxDelay = parseDuration(fc.Reliability.RetryMaxDelay, 2*time.Second)
	cfg.UpstreamRateLimitRPS = fc.Reliability.UpstreamRateLimitRPS
	if cfg.UpstreamRateLimitRPS <= 0 {
		cfg.UpstreamRateLimitRPS = 10
	}
	cfg.UpstreamRateLimitBurst = fc.Reliability.UpstreamRateLimitBurst
	if cfg.UpstreamRateLimitBurst <= 0 {
		cfg.UpstreamRateLimitBurst = 20
	}
	cfg.RateLimitRPS = fc.Reliability.RateLimitRPS
	cfg.RateLimitBurst = fc.Reliability.RateLimitBurst
	if cfg.RateLimitRPS > 0 && cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = cfg.RateLimitRPS * 2
	}

	cb := fc.Reliability.CircuitBreaker
	cfg.CircuitBreakerEnabled = true
	if cb.Enabled != nil {
		cfg.CircuitBreakerEnabled = *cb.Enabled
	}
	cfg.CircuitBreakerFailureThreshold = cb.FailureThreshold
	if cfg.CircuitBreakerFailureThreshold <= 0 {
		cfg.CircuitBreakerFailureThreshold = 5
	}
	cfg.CircuitBreakerSuccessThreshold = cb.SuccessThreshold
	if cfg.CircuitBreakerSuccessThreshold <= 0 {
		cfg.CircuitBreakerSuccessThreshold = 2
	}
	cfg.CircuitBreakerTimeout = parseDuration(cb.Timeout, 30*time.Second)

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)
	cfg.ShutdownInFlightTimeout = parseDuration(fc.Shutdown.InFlightTimeout, 10*time.Second)
	cfg.ShutdownInFlightCheckInterval = parseDuration(fc.Shutdown.InFlightCheckInterval, 100*time.Millisecond)
	cfg.ReadyCheckTimeout = parseDuration(fc.Lifecycle.ReadyCheckTimeout, 2*time.Second)
	cfg.ErrorRateWindow = parseDuration(fc.Lifecycle.ErrorRateWindow, 60*time.Second)

	cfg.LogType = strings.ToLower(firstNonEmpty(os.Getenv("LOG_TYPE"), fc.Logging.Type, LogTypeConsole))
	cfg.LogDir = firstNonEmpty(os.Getenv("LOG_DIR"), fc.Logging.Dir, "logs")
	cfg.LogBackupCount = parseIntOr(os.Getenv("LOG_BACKUP_COUNT"), fc.Logging.BackupCount)
	if cfg.LogBackupCount <= 0 {
		cfg.LogBackupCount = 5
	}
	cfg.LogLevel = strings.ToUpper(firstNonEmpty(os.Getenv("LOG_LEVEL"), fc.Logging.Level, "INFO"))
	cfg.LogMaxSizeMB = fc.Logging.MaxSizeMB
	if cfg.LogMaxSizeMB <= 0 {
		cfg.LogMaxSizeMB = 10
	}

	cfg.TrackedLocations = fc.Metrics.TrackedLocations
	cfg.WarmCache = fc.Metrics.WarmCache
	cfg.WarmInterval = parseDurationOrZero(fc.Metrics.WarmInterval, 0)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Addr is the HTTP listen address.
func (c *Config) Addr() string {
	return c.ServerHost + ":" + c.ServerPort
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}

func parseIntOr(s string, fallback int) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return fallback
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return n
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

// validate performs post-load validation. RequestTimeout is raised to cover
// every retry attempt when configured too low, and CoalesceTimeout to cover
// RequestTimeout so a waiter never gives up before the fetch it joined.
func validate(cfg *Config) error {
	if cfg.WeatherAPITimeout <= 0 {
		return fmt.Errorf("weather_api.timeout must be positive")
	}
	if port, err := strconv.Atoi(cfg.ServerPort); err != nil || port <= 0 || port > 65535 {
		return fmt.Errorf("MCP_PORT must be a valid TCP port, got %q", cfg.ServerPort)
	}
	if min := cfg.WeatherAPITimeout * time.Duration(cfg.RetryAttempts); cfg.RequestTimeout <= min {
		cfg.RequestTimeout = min + time.Second
	}
	if cfg.CoalesceTimeout < cfg.RequestTimeout {
		cfg.CoalesceTimeout = cfg.RequestTimeout
	}
	switch cfg.Transport {
	case TransportHTTP, TransportStdio:
	default:
		return fmt.Errorf("MCP_TRANSPORT must be http or stdio, got %q", cfg.Transport)
	}
	switch cfg.CacheBackend {
	case CacheSQLite, CacheInMemory, CacheRedis, CacheMemcached:
	default:
		return fmt.Errorf("cache.backend must be sqlite, in_memory, redis or memcached, got %q", cfg.CacheBackend)
	}
	switch cfg.LogType {
	case LogTypeConsole, LogTypeFile, LogTypeBoth:
	default:
		return fmt.Errorf("LOG_TYPE must be console, file or both, got %q", cfg.LogType)
	}
	switch cfg.DefaultUnits {
	case "metric", "imperial", "standard":
	default:
		return fmt.Errorf("weather_api.units must be metric, imperial or standard, got %q", cfg.DefaultUnits)
	}
	return nil
}
