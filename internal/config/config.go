package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/kjstillabower/skyli-weather/internal/models"
	"github.com/kjstillabower/skyli-weather/internal/validation"
)

// ErrMissingCredential is returned when an upstream API key is not configured.
var ErrMissingCredential = errors.New("missing credential")

// Config holds proxy configuration loaded from YAML, .env and the process environment.
type Config struct {
	ServerPort string

	OpenWeatherAPIKey string
	PlacesAPIKey      string
	OpenWeatherURL    string
	PlacesURL         string
	UpstreamTimeout   time.Duration

	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	RateLimitRPS   int
	RateLimitBurst int
	RequestTimeout time.Duration
	AllowedOrigin  string

	CacheBackend          string // "in_memory" or "memcached"
	CacheMaxEntries       int
	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int

	TTLCurrent      time.Duration
	TTLHourly       time.Duration
	TTLDaily        time.Duration
	TTLPollution    time.Duration
	TTLGeocode      time.Duration
	TTLAutocomplete time.Duration
	TTLDetails      time.Duration
	StaleCacheTTL   time.Duration
	CoalesceEnabled bool

	CircuitBreakerEnabled          bool
	CircuitBreakerFailureThreshold int
	CircuitBreakerSuccessThreshold int
	CircuitBreakerTimeout          time.Duration

	WarmLocations []models.Coordinate
	WarmInterval  time.Duration

	DegradedWindow      time.Duration
	DegradedErrorPct    int
	DegradedMinRequests int
	RecoveryInitial     time.Duration
	RecoveryMax         time.Duration

	ShutdownTimeout               time.Duration
	ShutdownInFlightTimeout       time.Duration
	ShutdownInFlightCheckInterval time.Duration

	TrackedLocations []string
}

type fileConfig struct {
	Server struct {
		Port          string `yaml:"port"`
		AllowedOrigin string `yaml:"allowed_origin"`
	} `yaml:"server"`

	Upstream struct {
		OpenWeatherURL string `yaml:"openweather_url"`
		PlacesURL      string `yaml:"places_url"`
		Timeout        string `yaml:"timeout"`
	} `yaml:"upstream"`

	Request struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"request"`

	Cache struct {
		Backend    string `yaml:"backend"`
		MaxEntries int    `yaml:"max_entries"`
		StaleTTL   string `yaml:"stale_ttl"`
		Coalesce   *bool  `yaml:"coalesce"`
		TTL        struct {
			Current      string `yaml:"current"`
			Hourly       string `yaml:"hourly"`
			Daily        string `yaml:"daily"`
			Pollution    string `yaml:"pollution"`
			Geocode      string `yaml:"geocode"`
			Autocomplete string `yaml:"autocomplete"`
			Details      string `yaml:"details"`
		} `yaml:"ttl"`
		Memcached struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
		} `yaml:"memcached"`
		Warming struct {
			Locations []string `yaml:"locations"`
			Interval  string   `yaml:"interval"`
		} `yaml:"warming"`
	} `yaml:"cache"`

	Reliability struct {
		RetryMaxAttempts int    `yaml:"retry_max_attempts"`
		RetryBaseDelay   string `yaml:"retry_base_delay"`
		RetryMaxDelay    string `yaml:"retry_max_delay"`
		RateLimitRPS     int    `yaml:"rate_limit_rps"`
		RateLimitBurst   int    `yaml:"rate_limit_burst"`
		CircuitBreaker   struct {
			Enabled          *bool  `yaml:"enabled"`
			FailureThreshold int    `yaml:"failure_threshold"`
			SuccessThreshold int    `yaml:"success_threshold"`
			Timeout          string `yaml:"timeout"`
		} `yaml:"circuit_breaker"`
	} `yaml:"reliability"`

	Health struct {
		DegradedWindow      string `yaml:"degraded_window"`
		DegradedErrorPct    int    `yaml:"degraded_error_pct"`
		DegradedMinRequests int    `yaml:"degraded_min_requests"`
		RecoveryInitial     string `yaml:"recovery_initial"`
		RecoveryMax         string `yaml:"recovery_max"`
	} `yaml:"health"`

	Shutdown struct {
		Timeout               string `yaml:"timeout"`
		InFlightTimeout       string `yaml:"in_flight_timeout"`
		InFlightCheckInterval string `yaml:"in_flight_check_interval"`
	} `yaml:"shutdown"`

	Metrics struct {
		TrackedLocations []string `yaml:"tracked_locations"`
	} `yaml:"metrics"`
}

type secretsFile struct {
	OpenWeatherAPIKey string `yaml:"openweather_api_key"`
	PlacesAPIKey      string `yaml:"google_places_api_key"`
}

// Load reads configuration from config/{ENV_NAME}.yaml (default dev), an optional .env file
// and config/secrets.yaml, all relative to the working directory. API keys come from
// OPENWEATHER_API_KEY and GOOGLE_PLACES_API_KEY or the secrets file. Call from project root.
func Load() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	return loadFrom(cwd)
}

func loadFrom(root string) (*Config, error) {
	// .env is optional and never overrides variables already set.
	if err := godotenv.Load(filepath.Join(root, ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env file: %w", err)
	}

	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}

	configPath := filepath.Join(root, "config", env+".yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", configPath)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg := &Config{}

	cfg.ServerPort = fc.Server.Port
	if cfg.ServerPort == "" {
		cfg.ServerPort = "8080"
	}
	cfg.AllowedOrigin = strings.TrimSpace(fc.Server.AllowedOrigin)
	if cfg.AllowedOrigin == "" {
		cfg.AllowedOrigin = "*"
	}

	if err := loadCredentials(root, cfg); err != nil {
		return nil, err
	}

	cfg.OpenWeatherURL = strings.TrimSpace(fc.Upstream.OpenWeatherURL)
	cfg.PlacesURL = strings.TrimSpace(fc.Upstream.PlacesURL)
	cfg.UpstreamTimeout = parseDurationOrZero(fc.Upstream.Timeout, 5*time.Second)
	cfg.RequestTimeout = parseDuration(fc.Request.Timeout, 15*time.Second)

	cfg.CacheBackend = strings.TrimSpace(strings.ToLower(os.Getenv("CACHE_BACKEND")))
	if cfg.CacheBackend == "" {
		cfg.CacheBackend = strings.TrimSpace(strings.ToLower(fc.Cache.Backend))
	}
	if cfg.CacheBackend == "" {
		cfg.CacheBackend = "in_memory"
	}
	cfg.CacheMaxEntries = fc.Cache.MaxEntries
	if cfg.CacheMaxEntries <= 0 {
		cfg.CacheMaxEntries = 1000
	}
	cfg.MemcachedAddrs = strings.TrimSpace(os.Getenv("MEMCACHED_ADDRS"))
	if cfg.MemcachedAddrs == "" {
		cfg.MemcachedAddrs = strings.TrimSpace(fc.Cache.Memcached.Addrs)
	}
	if cfg.MemcachedAddrs == "" {
		cfg.MemcachedAddrs = "localhost:11211"
	}
	cfg.MemcachedTimeout = parseDuration(fc.Cache.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = fc.Cache.Memcached.MaxIdleConns
	if cfg.MemcachedMaxIdleConns <= 0 {
		cfg.MemcachedMaxIdleConns = 2
	}

	cfg.TTLCurrent = parseDuration(fc.Cache.TTL.Current, 10*time.Minute)
	cfg.TTLHourly = parseDuration(fc.Cache.TTL.Hourly, 10*time.Minute)
	cfg.TTLDaily = parseDuration(fc.Cache.TTL.Daily, 10*time.Minute)
	cfg.TTLPollution = parseDuration(fc.Cache.TTL.Pollution, 30*time.Minute)
	cfg.TTLGeocode = parseDuration(fc.Cache.TTL.Geocode, 24*time.Hour)
	cfg.TTLAutocomplete = parseDuration(fc.Cache.TTL.Autocomplete, 15*time.Minute)
	cfg.TTLDetails = parseDuration(fc.Cache.TTL.Details, 24*time.Hour)
	cfg.StaleCacheTTL = parseDuration(fc.Cache.StaleTTL, time.Hour)
	cfg.CoalesceEnabled = true
	if fc.Cache.Coalesce != nil {
		cfg.CoalesceEnabled = *fc.Cache.Coalesce
	}

	for _, raw := range fc.Cache.Warming.Locations {
		coord, isPair, err := validation.ParseCoordinatePair(strings.TrimSpace(raw))
		if !isPair || err != nil {
			return nil, fmt.Errorf("cache.warming.locations: %q is not a valid \"lat,lon\" pair", raw)
		}
		cfg.WarmLocations = append(cfg.WarmLocations, coord)
	}
	cfg.WarmInterval = parseDurationOrZero(fc.Cache.Warming.Interval, 0)

	cfg.RetryAttempts = fc.Reliability.RetryMaxAttempts
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	cfg.RetryBaseDelay = parseDuration(fc.Reliability.RetryBaseDelay, 100*time.Millisecond)
	cfg.RetryMaxDelay = parseDuration(fc.Reliability.RetryMaxDelay, 2*time.Second)
	cfg.RateLimitRPS = fc.Reliability.RateLimitRPS
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 100
	}
	cfg.RateLimitBurst = fc.Reliability.RateLimitBurst
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 250
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

	cfg.DegradedWindow = parseDuration(fc.Health.DegradedWindow, 60*time.Second)
	cfg.DegradedErrorPct = fc.Health.DegradedErrorPct
	if cfg.DegradedErrorPct <= 0 {
		cfg.DegradedErrorPct = 5
	}
	cfg.DegradedMinRequests = fc.Health.DegradedMinRequests
	if cfg.DegradedMinRequests <= 0 {
		cfg.DegradedMinRequests = 10
	}
	cfg.RecoveryInitial = parseDuration(fc.Health.RecoveryInitial, time.Minute)
	cfg.RecoveryMax = parseDuration(fc.Health.RecoveryMax, 13*time.Minute)

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)
	cfg.ShutdownInFlightTimeout = parseDuration(fc.Shutdown.InFlightTimeout, 10*time.Second)
	cfg.ShutdownInFlightCheckInterval = parseDuration(fc.Shutdown.InFlightCheckInterval, 100*time.Millisecond)

	cfg.TrackedLocations = fc.Metrics.TrackedLocations

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadCredentials fills both API keys from the environment, falling back to
// config/secrets.yaml. A key missing from both sources is fatal.
func loadCredentials(root string, cfg *Config) error {
	cfg.OpenWeatherAPIKey = strings.TrimSpace(os.Getenv("OPENWEATHER_API_KEY"))
	cfg.PlacesAPIKey = strings.TrimSpace(os.Getenv("GOOGLE_PLACES_API_KEY"))
	if cfg.OpenWeatherAPIKey == "" || cfg.PlacesAPIKey == "" {
		secretsPath := filepath.Join(root, "config", "secrets.yaml")
		secretsData, err := os.ReadFile(secretsPath)
		if err != nil {
			if !os.IsNotExist(err) {
				return fmt.Errorf("read secrets file: %w", err)
			}
		} else {
			var sec secretsFile
			if err := yaml.Unmarshal(secretsData, &sec); err != nil {
				return fmt.Errorf("parse secrets file: %w", err)
			}
			if cfg.OpenWeatherAPIKey == "" {
				cfg.OpenWeatherAPIKey = strings.TrimSpace(sec.OpenWeatherAPIKey)
			}
			if cfg.PlacesAPIKey == "" {
				cfg.PlacesAPIKey = strings.TrimSpace(sec.PlacesAPIKey)
			}
		}
	}
	if cfg.OpenWeatherAPIKey == "" {
		return fmt.Errorf("%w: OPENWEATHER_API_KEY required (set env or config/secrets.yaml openweather_api_key)", ErrMissingCredential)
	}
	if cfg.PlacesAPIKey == "" {
		return fmt.Errorf("%w: GOOGLE_PLACES_API_KEY required (set env or config/secrets.yaml google_places_api_key)", ErrMissingCredential)
	}
	return nil
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
// UpstreamTimeout must be positive; RequestTimeout is raised above it when needed
// so a single upstream attempt can finish inside a request.
func validate(cfg *Config) error {
	if cfg.UpstreamTimeout <= 0 {
		return fmt.Errorf("upstream.timeout must be positive")
	}
	if cfg.RequestTimeout <= cfg.UpstreamTimeout {
		cfg.RequestTimeout = cfg.UpstreamTimeout + time.Second
	}
	switch cfg.CacheBackend {
	case "in_memory", "memcached":
		// valid
	default:
		return fmt.Errorf("cache.backend must be in_memory or memcached, got %q", cfg.CacheBackend)
	}
	if cfg.RecoveryMax < cfg.RecoveryInitial {
		return fmt.Errorf("health.recovery_max (%v) must not be below health.recovery_initial (%v)", cfg.RecoveryMax, cfg.RecoveryInitial)
	}
	if cfg.DegradedErrorPct > 100 {
		return fmt.Errorf("health.degraded_error_pct must be at most 100, got %d", cfg.DegradedErrorPct)
	}
	if cfg.WarmInterval < 0 {
		return fmt.Errorf("cache.warming.interval must not be negative")
	}
	return nil
}
