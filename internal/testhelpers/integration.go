//go:build integration
// +build integration

// Package testhelpers builds live provider clients and proxy services for integration tests.
package testhelpers

import (
	"os"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/kjstillabower/skyli-weather/internal/cache"
	"github.com/kjstillabower/skyli-weather/internal/service"
	"github.com/kjstillabower/skyli-weather/internal/upstream"
)

// IntegrationTestConfig holds configuration for integration tests.
type IntegrationTestConfig struct {
	OpenWeatherAPIKey string
	PlacesAPIKey      string
	OpenWeatherURL    string
	PlacesURL         string
	CacheBackend      string // "in_memory" or "memcached"
	MemcachedAddr     string
}

// GetIntegrationConfig loads integration test configuration from environment.
// Skips the test unless both OPENWEATHER_API_KEY and GOOGLE_PLACES_API_KEY are set.
func GetIntegrationConfig(t *testing.T) IntegrationTestConfig {
	t.Helper()
	cfg := IntegrationTestConfig{
		OpenWeatherAPIKey: os.Getenv("OPENWEATHER_API_KEY"),
		PlacesAPIKey:      os.Getenv("GOOGLE_PLACES_API_KEY"),
		OpenWeatherURL:    os.Getenv("OPENWEATHER_URL"),
		PlacesURL:         os.Getenv("PLACES_URL"),
		CacheBackend:      os.Getenv("INTEGRATION_CACHE_BACKEND"),
		MemcachedAddr:     os.Getenv("MEMCACHED_ADDRS"),
	}
	if cfg.OpenWeatherAPIKey == "" || cfg.PlacesAPIKey == "" {
		t.Skip("OPENWEATHER_API_KEY or GOOGLE_PLACES_API_KEY not set, skipping integration test")
	}
	if cfg.MemcachedAddr == "" {
		cfg.MemcachedAddr = "localhost:11211"
	}
	return cfg
}

// OpenWeatherClient builds a live OpenWeather client. An empty key in cfg is passed through
// so callers can test rejection paths with a deliberately bad key.
func OpenWeatherClient(t *testing.T, cfg IntegrationTestConfig) *upstream.OpenWeatherClient {
	t.Helper()
	c, err := upstream.NewOpenWeatherClient(upstream.Config{
		APIKey:  cfg.OpenWeatherAPIKey,
		BaseURL: cfg.OpenWeatherURL,
		Timeout: 10 * time.Second,
		Logger:  zaptest.NewLogger(t),
	})
	if err != nil {
		t.Fatalf("NewOpenWeatherClient() error = %v", err)
	}
	return c
}

// PlacesClient builds a live Google Places client.
func PlacesClient(t *testing.T, cfg IntegrationTestConfig) *upstream.PlacesClient {
	t.Helper()
	c, err := upstream.NewPlacesClient(upstream.Config{
		APIKey:  cfg.PlacesAPIKey,
		BaseURL: cfg.PlacesURL,
		Timeout: 10 * time.Second,
		Logger:  zaptest.NewLogger(t),
	})
	if err != nil {
		t.Fatalf("NewPlacesClient() error = %v", err)
	}
	return c
}

// SetupIntegrationService creates a fully configured proxy service against the live providers.
// A memcached backend that cannot be reached falls back to the in-memory cache.
func SetupIntegrationService(t *testing.T, cfg IntegrationTestConfig) (*service.ProxyService, cache.Cache) {
	t.Helper()
	var cacheSvc cache.Cache
	if cfg.CacheBackend == "memcached" {
		mc, err := cache.NewMemcachedCache(cfg.MemcachedAddr, 500*time.Millisecond, 2, time.Hour)
		if err == nil {
			t.Cleanup(func() { _ = mc.Close() })
			cacheSvc = mc
			t.Logf("using memcached at %s", cfg.MemcachedAddr)
		} else {
			t.Logf("memcached not available (%v), using in-memory cache", err)
		}
	}
	if cacheSvc == nil {
		cacheSvc = cache.NewInMemoryCache(time.Hour, 1000, nil)
	}

	proxy := service.NewProxyService(service.Config{
		Weather:  OpenWeatherClient(t, cfg),
		Places:   PlacesClient(t, cfg),
		Cache:    cacheSvc,
		StaleTTL: time.Hour,
		Coalesce: true,
		Logger:   zaptest.NewLogger(t),
	})
	return proxy, cacheSvc
}
