package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimalEnvYAML = `
server:
  port: "8080"
upstream:
  timeout: "5s"
request:
  timeout: "15s"
`

var credentialEnv = []string{"OPENWEATHER_API_KEY", "GOOGLE_PLACES_API_KEY"}

// unsetEnv clears keys for the duration of the test. t.Setenv records the original
// value so it is restored on cleanup.
func unsetEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

// isolateEnv clears every variable Load reads.
func isolateEnv(t *testing.T) {
	t.Helper()
	unsetEnv(t, append(credentialEnv, "ENV_NAME", "CACHE_BACKEND", "MEMCACHED_ADDRS")...)
}

func setKeys(t *testing.T) {
	t.Helper()
	t.Setenv("OPENWEATHER_API_KEY", "ow-test-key-1234567890")
	t.Setenv("GOOGLE_PLACES_API_KEY", "places-test-key-1234567890")
}

func TestLoad_FailsWhenNoAPIKey(t *testing.T) {
	isolateEnv(t)
	dir := t.TempDir()
	writeEnvFile(t, dir, minimalEnvYAML)

	cfg, err := loadFrom(dir)
	if err == nil {
		t.Fatal("loadFrom() expected error when no keys and no secrets file, got nil")
	}
	if cfg != nil {
		t.Fatalf("loadFrom() expected nil config on error, got %+v", cfg)
	}
	if !errors.Is(err, ErrMissingCredential) {
		t.Errorf("loadFrom() error = %v, want ErrMissingCredential", err)
	}
	if !strings.Contains(err.Error(), "OPENWEATHER_API_KEY") {
		t.Errorf("loadFrom() error = %v, want message containing OPENWEATHER_API_KEY", err)
	}
}

// TestLoad_FailsWhenPlacesKeyMissing verifies both credentials are required.
func TestLoad_FailsWhenPlacesKeyMissing(t *testing.T) {
	isolateEnv(t)
	t.Setenv("OPENWEATHER_API_KEY", "ow-test-key-1234567890")
	dir := t.TempDir()
	writeEnvFile(t, dir, minimalEnvYAML)

	_, err := loadFrom(dir)
	if !errors.Is(err, ErrMissingCredential) {
		t.Fatalf("loadFrom() error = %v, want ErrMissingCredential", err)
	}
	if !strings.Contains(err.Error(), "GOOGLE_PLACES_API_KEY") {
		t.Errorf("loadFrom() error = %v, want message containing GOOGLE_PLACES_API_KEY", err)
	}
}

func TestLoad_SucceedsWithSecretsFile(t *testing.T) {
	isolateEnv(t)
	dir := t.TempDir()
	writeEnvFile(t, dir, minimalEnvYAML)
	writeSecretsFile(t, dir, "openweather_api_key: ow-from-secrets\ngoogle_places_api_key: places-from-secrets\n")

	cfg, err := loadFrom(dir)
	if err != nil {
		t.Fatalf("loadFrom() error = %v", err)
	}
	if cfg.OpenWeatherAPIKey != "ow-from-secrets" {
		t.Errorf("OpenWeatherAPIKey = %q, want key from secrets file", cfg.OpenWeatherAPIKey)
	}
	if cfg.PlacesAPIKey != "places-from-secrets" {
		t.Errorf("PlacesAPIKey = %q, want key from secrets file", cfg.PlacesAPIKey)
	}
}

// TestLoad_EnvOverridesSecretsFile verifies a key set in the environment wins over the
// secrets file while the other key still falls back to it.
func TestLoad_EnvOverridesSecretsFile(t *testing.T) {
	isolateEnv(t)
	t.Setenv("OPENWEATHER_API_KEY", "ow-from-env")
	dir := t.TempDir()
	writeEnvFile(t, dir, minimalEnvYAML)
	writeSecretsFile(t, dir, "openweather_api_key: ow-from-secrets\ngoogle_places_api_key: places-from-secrets\n")

	cfg, err := loadFrom(dir)
	if err != nil {
		t.Fatalf("loadFrom() error = %v", err)
	}
	if cfg.OpenWeatherAPIKey != "ow-from-env" {
		t.Errorf("OpenWeatherAPIKey = %q, want ow-from-env", cfg.OpenWeatherAPIKey)
	}
	if cfg.PlacesAPIKey != "places-from-secrets" {
		t.Errorf("PlacesAPIKey = %q, want places-from-secrets", cfg.PlacesAPIKey)
	}
}

// TestLoad_DotEnvFile verifies keys can be supplied through a .env file in the project root.
func TestLoad_DotEnvFile(t *testing.T) {
	isolateEnv(t)
	dir := t.TempDir()
	writeEnvFile(t, dir, minimalEnvYAML)
	dotenv := "OPENWEATHER_API_KEY=ow-from-dotenv\nGOOGLE_PLACES_API_KEY=places-from-dotenv\n"
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte(dotenv), 0600); err != nil {
		t.Fatalf("WriteFile .env: %v", err)
	}

	cfg, err := loadFrom(dir)
	if err != nil {
		t.Fatalf("loadFrom() error = %v", err)
	}
	if cfg.OpenWeatherAPIKey != "ow-from-dotenv" || cfg.PlacesAPIKey != "places-from-dotenv" {
		t.Errorf("keys = %q, %q, want values from .env", cfg.OpenWeatherAPIKey, cfg.PlacesAPIKey)
	}
}

func TestLoad_EnvFileNotFound(t *testing.T) {
	isolateEnv(t)
	setKeys(t)
	t.Setenv("ENV_NAME", "nonexistent")

	cfg, err := loadFrom(t.TempDir())
	if err == nil {
		t.Fatal("loadFrom() expected error for missing env file, got nil")
	}
	if cfg != nil {
		t.Fatalf("loadFrom() expected nil config on error, got %+v", cfg)
	}
	if !strings.Contains(err.Error(), "not found") {
		t.Errorf("loadFrom() error = %v, want message about config file not found", err)
	}
}

// TestLoad_Defaults verifies the defaults applied when the YAML file only sets the basics.
func TestLoad_Defaults(t *testing.T) {
	isolateEnv(t)
	setKeys(t)
	dir := t.TempDir()
	writeEnvFile(t, dir, minimalEnvYAML)

	cfg, err := loadFrom(dir)
	if err != nil {
		t.Fatalf("loadFrom() error = %v", err)
	}

	durations := []struct {
		name string
		got  time.Duration
		want time.Duration
	}{
		{"TTLCurrent", cfg.TTLCurrent, 10 * time.Minute},
		{"TTLHourly", cfg.TTLHourly, 10 * time.Minute},
		{"TTLDaily", cfg.TTLDaily, 10 * time.Minute},
		{"TTLPollution", cfg.TTLPollution, 30 * time.Minute},
		{"TTLGeocode", cfg.TTLGeocode, 24 * time.Hour},
		{"TTLAutocomplete", cfg.TTLAutocomplete, 15 * time.Minute},
		{"TTLDetails", cfg.TTLDetails, 24 * time.Hour},
		{"StaleCacheTTL", cfg.StaleCacheTTL, time.Hour},
		{"UpstreamTimeout", cfg.UpstreamTimeout, 5 * time.Second},
		{"RequestTimeout", cfg.RequestTimeout, 15 * time.Second},
		{"RetryBaseDelay", cfg.RetryBaseDelay, 100 * time.Millisecond},
		{"RetryMaxDelay", cfg.RetryMaxDelay, 2 * time.Second},
		{"CircuitBreakerTimeout", cfg.CircuitBreakerTimeout, 30 * time.Second},
		{"DegradedWindow", cfg.DegradedWindow, 60 * time.Second},
		{"RecoveryInitial", cfg.RecoveryInitial, time.Minute},
		{"RecoveryMax", cfg.RecoveryMax, 13 * time.Minute},
		{"ShutdownTimeout", cfg.ShutdownTimeout, 30 * time.Second},
		{"ShutdownInFlightTimeout", cfg.ShutdownInFlightTimeout, 10 * time.Second},
		{"WarmInterval", cfg.WarmInterval, 0},
	}
	for _, d := range durations {
		if d.got != d.want {
			t.Errorf("%s = %v, want %v", d.name, d.got, d.want)
		}
	}
	if cfg.CacheBackend != "in_memory" {
		t.Errorf("CacheBackend = %q, want in_memory", cfg.CacheBackend)
	}
	if !cfg.CoalesceEnabled {
		t.Error("CoalesceEnabled = false, want true by default")
	}
	if !cfg.CircuitBreakerEnabled {
		t.Error("CircuitBreakerEnabled = false, want true by default")
	}
	if cfg.RetryAttempts != 3 || cfg.RateLimitRPS != 100 || cfg.RateLimitBurst != 250 {
		t.Errorf("retry/rate limit = %d/%d/%d, want 3/100/250", cfg.RetryAttempts, cfg.RateLimitRPS, cfg.RateLimitBurst)
	}
	if cfg.AllowedOrigin != "*" {
		t.Errorf("AllowedOrigin = %q, want *", cfg.AllowedOrigin)
	}
	if cfg.OpenWeatherURL != "" || cfg.PlacesURL != "" {
		t.Errorf("upstream URLs = %q, %q, want empty (client defaults)", cfg.OpenWeatherURL, cfg.PlacesURL)
	}
	if len(cfg.WarmLocations) != 0 {
		t.Errorf("WarmLocations = %v, want none", cfg.WarmLocations)
	}
}

// TestLoad_FileValues verifies every YAML section is read.
func TestLoad_FileValues(t *testing.T) {
	isolateEnv(t)
	setKeys(t)
	yml := `
server:
  port: "9090"
  allowed_origin: "https://skyli.example"
upstream:
  openweather_url: "http://ow.local"
  places_url: "http://places.local"
  timeout: "2s"
request:
  timeout: "8s"
cache:
  backend: memcached
  max_entries: 50
  stale_ttl: "2h"
  coalesce: false
  ttl:
    current: "1m"
    pollution: "45m"
    details: "1h"
  memcached:
    addrs: "mc1:11211,mc2:11211"
    timeout: "250ms"
    max_idle_conns: 8
  warming:
    locations:
      - "47.3769,8.5417"
      - "51.5074, -0.1278"
    interval: "5m"
reliability:
  retry_max_attempts: 5
  retry_base_delay: "50ms"
  retry_max_delay: "1s"
  rate_limit_rps: 20
  rate_limit_burst: 40
  circuit_breaker:
    enabled: false
    failure_threshold: 7
    success_threshold: 3
    timeout: "1m"
health:
  degraded_window: "2m"
  degraded_error_pct: 20
  degraded_min_requests: 4
shutdown:
  timeout: "20s"
  in_flight_timeout: "5s"
  in_flight_check_interval: "50ms"
metrics:
  tracked_locations: ["zurich", "london"]
`
	dir := t.TempDir()
	writeEnvFile(t, dir, yml)

	cfg, err := loadFrom(dir)
	if err != nil {
		t.Fatalf("loadFrom() error = %v", err)
	}
	if cfg.ServerPort != "9090" || cfg.AllowedOrigin != "https://skyli.example" {
		t.Errorf("server = %q %q", cfg.ServerPort, cfg.AllowedOrigin)
	}
	if cfg.OpenWeatherURL != "http://ow.local" || cfg.PlacesURL != "http://places.local" {
		t.Errorf("upstream URLs = %q, %q", cfg.OpenWeatherURL, cfg.PlacesURL)
	}
	if cfg.UpstreamTimeout != 2*time.Second || cfg.RequestTimeout != 8*time.Second {
		t.Errorf("timeouts = %v, %v, want 2s, 8s", cfg.UpstreamTimeout, cfg.RequestTimeout)
	}
	if cfg.CacheBackend != "memcached" || cfg.CacheMaxEntries != 50 {
		t.Errorf("cache = %q %d", cfg.CacheBackend, cfg.CacheMaxEntries)
	}
	if cfg.CoalesceEnabled {
		t.Error("CoalesceEnabled = true, want false from file")
	}
	if cfg.TTLCurrent != time.Minute || cfg.TTLPollution != 45*time.Minute || cfg.TTLDetails != time.Hour {
		t.Errorf("TTLs = %v %v %v", cfg.TTLCurrent, cfg.TTLPollution, cfg.TTLDetails)
	}
	if cfg.TTLHourly != 10*time.Minute {
		t.Errorf("TTLHourly = %v, want default 10m when unset", cfg.TTLHourly)
	}
	if cfg.StaleCacheTTL != 2*time.Hour {
		t.Errorf("StaleCacheTTL = %v, want 2h", cfg.StaleCacheTTL)
	}
	if cfg.MemcachedAddrs != "mc1:11211,mc2:11211" || cfg.MemcachedTimeout != 250*time.Millisecond || cfg.MemcachedMaxIdleConns != 8 {
		t.Errorf("memcached = %q %v %d", cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns)
	}
	if len(cfg.WarmLocations) != 2 || cfg.WarmLocations[1].Lat != 51.5074 || cfg.WarmLocations[1].Lon != -0.1278 {
		t.Errorf("WarmLocations = %+v", cfg.WarmLocations)
	}
	if cfg.WarmInterval != 5*time.Minute {
		t.Errorf("WarmInterval = %v, want 5m", cfg.WarmInterval)
	}
	if cfg.RetryAttempts != 5 || cfg.RetryBaseDelay != 50*time.Millisecond || cfg.RetryMaxDelay != time.Second {
		t.Errorf("retry = %d %v %v", cfg.RetryAttempts, cfg.RetryBaseDelay, cfg.RetryMaxDelay)
	}
	if cfg.RateLimitRPS != 20 || cfg.RateLimitBurst != 40 {
		t.Errorf("rate limit = %d/%d", cfg.RateLimitRPS, cfg.RateLimitBurst)
	}
	if cfg.CircuitBreakerEnabled || cfg.CircuitBreakerFailureThreshold != 7 || cfg.CircuitBreakerSuccessThreshold != 3 || cfg.CircuitBreakerTimeout != time.Minute {
		t.Errorf("circuit breaker = %v %d %d %v", cfg.CircuitBreakerEnabled, cfg.CircuitBreakerFailureThreshold, cfg.CircuitBreakerSuccessThreshold, cfg.CircuitBreakerTimeout)
	}
	if cfg.DegradedWindow != 2*time.Minute || cfg.DegradedErrorPct != 20 || cfg.DegradedMinRequests != 4 {
		t.Errorf("health = %v %d %d", cfg.DegradedWindow, cfg.DegradedErrorPct, cfg.DegradedMinRequests)
	}
	if cfg.ShutdownTimeout != 20*time.Second || cfg.ShutdownInFlightTimeout != 5*time.Second || cfg.ShutdownInFlightCheckInterval != 50*time.Millisecond {
		t.Errorf("shutdown = %v %v %v", cfg.ShutdownTimeout, cfg.ShutdownInFlightTimeout, cfg.ShutdownInFlightCheckInterval)
	}
	if len(cfg.TrackedLocations) != 2 || cfg.TrackedLocations[0] != "zurich" {
		t.Errorf("TrackedLocations = %v", cfg.TrackedLocations)
	}
}

// TestLoad_EnvOverridesCacheBackend verifies CACHE_BACKEND and MEMCACHED_ADDRS win over the file.
func TestLoad_EnvOverridesCacheBackend(t *testing.T) {
	isolateEnv(t)
	setKeys(t)
	t.Setenv("CACHE_BACKEND", "MEMCACHED")
	t.Setenv("MEMCACHED_ADDRS", "cache:11211")
	dir := t.TempDir()
	writeEnvFile(t, dir, minimalEnvYAML+"cache:\n  backend: in_memory\n")

	cfg, err := loadFrom(dir)
	if err != nil {
		t.Fatalf("loadFrom() error = %v", err)
	}
	if cfg.CacheBackend != "memcached" {
		t.Errorf("CacheBackend = %q, want memcached", cfg.CacheBackend)
	}
	if cfg.MemcachedAddrs != "cache:11211" {
		t.Errorf("MemcachedAddrs = %q, want cache:11211", cfg.MemcachedAddrs)
	}
}

// TestLoad_InvalidValues verifies configuration errors are reported at load time.
func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "unknown cache backend",
			yaml:    minimalEnvYAML + "cache:\n  backend: redis\n",
			wantErr: "cache.backend",
		},
		{
			name:    "bad warm location",
			yaml:    minimalEnvYAML + "cache:\n  warming:\n    locations: [\"zurich\"]\n",
			wantErr: "cache.warming.locations",
		},
		{
			name:    "out of range warm location",
			yaml:    minimalEnvYAML + "cache:\n  warming:\n    locations: [\"95,10\"]\n",
			wantErr: "cache.warming.locations",
		},
		{
			name:    "non-positive upstream timeout",
			yaml:    "upstream:\n  timeout: \"0s\"\n",
			wantErr: "upstream.timeout",
		},
		{
			name:    "error pct above 100",
			yaml:    minimalEnvYAML + "health:\n  degraded_error_pct: 150\n",
			wantErr: "degraded_error_pct",
		},
		{
			name:    "recovery max below initial",
			yaml:    minimalEnvYAML + "health:\n  recovery_initial: \"5m\"\n  recovery_max: \"1m\"\n",
			wantErr: "health.recovery_max",
		},
		{
			name:    "malformed yaml",
			yaml:    "server: [unclosed",
			wantErr: "parse config file",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolateEnv(t)
			setKeys(t)
			dir := t.TempDir()
			writeEnvFile(t, dir, tt.yaml)

			cfg, err := loadFrom(dir)
			if err == nil {
				t.Fatalf("loadFrom() = %+v, want error containing %q", cfg, tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("loadFrom() error = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

// TestLoad_RequestTimeoutRaisedAboveUpstream verifies the request timeout is never shorter
// than a single upstream attempt.
func TestLoad_RequestTimeoutRaisedAboveUpstream(t *testing.T) {
	isolateEnv(t)
	setKeys(t)
	dir := t.TempDir()
	writeEnvFile(t, dir, "upstream:\n  timeout: \"10s\"\nrequest:\n  timeout: \"3s\"\n")

	cfg, err := loadFrom(dir)
	if err != nil {
		t.Fatalf("loadFrom() error = %v", err)
	}
	if cfg.RequestTimeout != 11*time.Second {
		t.Errorf("RequestTimeout = %v, want 11s", cfg.RequestTimeout)
	}
}

func TestLoad_EmptyDurationFallsBackToDefault(t *testing.T) {
	isolateEnv(t)
	setKeys(t)
	dir := t.TempDir()
	writeEnvFile(t, dir, "upstream:\n  timeout: \"\"\ncache:\n  ttl:\n    current: \"not-a-duration\"\n")

	cfg, err := loadFrom(dir)
	if err != nil {
		t.Fatalf("loadFrom() error = %v", err)
	}
	if cfg.UpstreamTimeout != 5*time.Second {
		t.Errorf("UpstreamTimeout = %v, want default 5s", cfg.UpstreamTimeout)
	}
	if cfg.TTLCurrent != 10*time.Minute {
		t.Errorf("TTLCurrent = %v, want default 10m for unparsable value", cfg.TTLCurrent)
	}
}

// TestLoad_FromWorkingDirectory verifies Load resolves config/ against the working directory.
func TestLoad_FromWorkingDirectory(t *testing.T) {
	isolateEnv(t)
	setKeys(t)

	origWd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	dir := t.TempDir()
	writeEnvFile(t, dir, minimalEnvYAML)
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("Chdir: %v", err)
	}
	defer func() { _ = os.Chdir(origWd) }()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ServerPort != "8080" {
		t.Errorf("ServerPort = %q, want 8080", cfg.ServerPort)
	}
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in   string
		def  time.Duration
		want time.Duration
	}{
		{"", time.Second, time.Second},
		{"  ", time.Second, time.Second},
		{"250ms", time.Second, 250 * time.Millisecond},
		{" 2m ", time.Second, 2 * time.Minute},
		{"garbage", time.Second, time.Second},
		{"0s", time.Second, time.Second},
		{"-5s", time.Second, time.Second},
	}
	for _, tt := range tests {
		if got := parseDuration(tt.in, tt.def); got != tt.want {
			t.Errorf("parseDuration(%q, %v) = %v, want %v", tt.in, tt.def, got, tt.want)
		}
	}
}

// TestParseDurationOrZero verifies zero and negative values are passed through.
func TestParseDurationOrZero(t *testing.T) {
	if got := parseDurationOrZero("0s", time.Second); got != 0 {
		t.Errorf("parseDurationOrZero(0s) = %v, want 0", got)
	}
	if got := parseDurationOrZero("-1s", time.Second); got != -time.Second {
		t.Errorf("parseDurationOrZero(-1s) = %v, want -1s", got)
	}
	if got := parseDurationOrZero("", time.Second); got != time.Second {
		t.Errorf("parseDurationOrZero(\"\") = %v, want default", got)
	}
}

func writeEnvFile(t *testing.T, dir, content string) {
	t.Helper()
	configDir := filepath.Join(dir, "config")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(filepath.Join(configDir, "dev.yaml"), []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile dev.yaml: %v", err)
	}
}

func writeSecretsFile(t *testing.T, dir, content string) {
	t.Helper()
	configDir := filepath.Join(dir, "config")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(filepath.Join(configDir, "secrets.yaml"), []byte(content), 0600); err != nil {
		t.Fatalf("WriteFile secrets.yaml: %v", err)
	}
}
