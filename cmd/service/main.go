package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/skyli-weather/internal/cache"
	"github.com/kjstillabower/skyli-weather/internal/circuitbreaker"
	"github.com/kjstillabower/skyli-weather/internal/config"
	"github.com/kjstillabower/skyli-weather/internal/degraded"
	httphandler "github.com/kjstillabower/skyli-weather/internal/http"
	"github.com/kjstillabower/skyli-weather/internal/lifecycle"
	"github.com/kjstillabower/skyli-weather/internal/observability"
	"github.com/kjstillabower/skyli-weather/internal/service"
	"github.com/kjstillabower/skyli-weather/internal/traffic"
	"github.com/kjstillabower/skyli-weather/internal/upstream"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	logger, err := observability.NewLogger("proxy")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	owBreaker := newBreaker(cfg, upstream.ProviderOpenWeather)
	placesBreaker := newBreaker(cfg, upstream.ProviderPlaces)
	if cfg.CircuitBreakerEnabled {
		logger.Info("circuit breakers enabled",
			zap.Int("failure_threshold", cfg.CircuitBreakerFailureThreshold),
			zap.Duration("timeout", cfg.CircuitBreakerTimeout))
	}

	weatherClient, err := upstream.NewOpenWeatherClient(upstreamConfig(cfg, cfg.OpenWeatherAPIKey, cfg.OpenWeatherURL, owBreaker, logger))
	if err != nil {
		logger.Fatal("openweather client", zap.Error(err))
	}
	placesClient, err := upstream.NewPlacesClient(upstreamConfig(cfg, cfg.PlacesAPIKey, cfg.PlacesURL, placesBreaker, logger))
	if err != nil {
		logger.Fatal("places client", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	credentials := newCredentialMonitor(cfg, logger)
	checkCredentials(ctx, logger, credentials, map[string]keyValidator{
		upstream.ProviderOpenWeather: weatherClient,
		upstream.ProviderPlaces:      placesClient,
	})

	cacheSvc, memcacheCloser, err := newCache(cfg)
	if err != nil {
		logger.Fatal("cache backend", zap.Error(err))
	}
	logger.Info("cache backend", zap.String("backend", cfg.CacheBackend))

	proxy := service.NewProxyService(service.Config{
		Weather: weatherClient,
		Places:  placesClient,
		Cache:   cacheSvc,
		TTLs: service.TTLs{
			Current:      cfg.TTLCurrent,
			Hourly:       cfg.TTLHourly,
			Daily:        cfg.TTLDaily,
			Pollution:    cfg.TTLPollution,
			Geocode:      cfg.TTLGeocode,
			Autocomplete: cfg.TTLAutocomplete,
			Details:      cfg.TTLDetails,
		},
		StaleTTL: cfg.StaleCacheTTL,
		Coalesce: cfg.CoalesceEnabled,
		Logger:   logger,
	})

	tracker := traffic.NewTracker(nil, 0)
	state := &lifecycle.State{}
	inFlight := &httphandler.InFlightTracker{}

	probes := map[string]func() error{
		"credentials_" + upstream.ProviderOpenWeather: credentials.Probe(upstream.ProviderOpenWeather),
		"credentials_" + upstream.ProviderPlaces:      credentials.Probe(upstream.ProviderPlaces),
	}
	if cfg.CircuitBreakerEnabled {
		probes[upstream.ProviderOpenWeather] = httphandler.BreakerProbe(owBreaker)
		probes[upstream.ProviderPlaces] = httphandler.BreakerProbe(placesBreaker)
	}
	if memcacheCloser != nil {
		probes["cache"] = memcacheCloser.Ping
	}
	handler := httphandler.NewHandler(proxy, &httphandler.HealthConfig{
		Version:             version,
		DegradedWindow:      cfg.DegradedWindow,
		DegradedErrorPct:    cfg.DegradedErrorPct,
		DegradedMinRequests: cfg.DegradedMinRequests,
		Probes:              probes,
	}, tracker, state, logger)

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}

	observability.RegisterWindowGauges(
		func() float64 { return float64(tracker.RequestCount(cfg.DegradedWindow)) },
		func() float64 { return float64(tracker.DenialCount(cfg.DegradedWindow)) },
	)
	if len(cfg.TrackedLocations) > 0 {
		observability.SetTrackedLocations(cfg.TrackedLocations)
	}

	if len(cfg.WarmLocations) > 0 {
		warmer := cache.NewCacheWarmer(proxy, logger)
		if cfg.WarmInterval > 0 {
			go func() {
				if err := warmer.WarmPeriodic(ctx, cfg.WarmLocations, cfg.WarmInterval); err != nil && !errors.Is(err, context.Canceled) {
					logger.Error("periodic cache warming stopped", zap.Error(err))
				}
			}()
		} else {
			go func() {
				warmCtx, warmCancel := context.WithTimeout(ctx, 30*time.Second)
				defer warmCancel()
				if err := warmer.Warm(warmCtx, cfg.WarmLocations); err != nil {
					logger.Warn("cache warming failed", zap.Error(err))
				}
			}()
		}
	}

	srv := &http.Server{
		Addr: ":" + cfg.ServerPort,
		Handler: httphandler.NewRouter(httphandler.RouterConfig{
			Handler:        handler,
			Logger:         logger,
			Limiter:        limiter,
			RequestTimeout: cfg.RequestTimeout,
			AllowedOrigin:  cfg.AllowedOrigin,
			Traffic:        tracker,
			InFlight:       inFlight,
		}),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("addr", srv.Addr), zap.String("version", version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server", zap.Error(err))
		}
	}()
	state.MarkServing()

	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	state.BeginDrain()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	logger.Info("waiting for in-flight requests", zap.Int64("count", inFlight.Count()))
	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownInFlightTimeout)
	defer waitCancel()
	if err := inFlight.WaitForZero(waitCtx, cfg.ShutdownInFlightCheckInterval); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", inFlight.Count()))
	}

	if memcacheCloser != nil {
		if err := memcacheCloser.Close(); err != nil {
			logger.Error("memcached close", zap.Error(err))
		}
	}
	if err := observability.FlushTelemetry(context.Background(), logger); err != nil {
		logger.Error("telemetry flush", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

// newBreaker returns the provider's circuit breaker, or nil when breakers are disabled.
// State changes are exported on the circuitBreakerState gauge.
func newBreaker(cfg *config.Config, provider string) *circuitbreaker.CircuitBreaker {
	if !cfg.CircuitBreakerEnabled {
		return nil
	}
	observability.CircuitBreakerState.WithLabelValues(provider).Set(float64(circuitbreaker.StateClosed))
	return circuitbreaker.New(circuitbreaker.Config{
		FailureThreshold: cfg.CircuitBreakerFailureThreshold,
		SuccessThreshold: cfg.CircuitBreakerSuccessThreshold,
		Timeout:          cfg.CircuitBreakerTimeout,
		Component:        provider,
		OnStateChange: func(component string, _, to circuitbreaker.State) {
			observability.CircuitBreakerState.WithLabelValues(component).Set(float64(to))
		},
	})
}

func upstreamConfig(cfg *config.Config, key, baseURL string, cb *circuitbreaker.CircuitBreaker, logger *zap.Logger) upstream.Config {
	return upstream.Config{
		APIKey:         key,
		BaseURL:        baseURL,
		Timeout:        cfg.UpstreamTimeout,
		RetryAttempts:  cfg.RetryAttempts,
		RetryBaseDelay: cfg.RetryBaseDelay,
		RetryMaxDelay:  cfg.RetryMaxDelay,
		Breaker:        cb,
		Logger:         logger,
	}
}

// newCache builds the configured response cache. The memcached backend is also returned
// separately so main can probe and close it.
func newCache(cfg *config.Config) (cache.Cache, *cache.MemcachedCache, error) {
	switch cfg.CacheBackend {
	case "memcached":
		mc, err := cache.NewMemcachedCache(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns, cfg.StaleCacheTTL)
		if err != nil {
			return nil, nil, err
		}
		return mc, mc, nil
	case "in_memory":
		return cache.NewInMemoryCache(cfg.StaleCacheTTL, cfg.CacheMaxEntries, nil), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown cache backend %q", cfg.CacheBackend)
	}
}

type keyValidator interface {
	ValidateAPIKey(ctx context.Context) error
}

// newCredentialMonitor tracks rejected API keys. Only ErrInvalidAPIKey marks a key as
// failing; an unreachable provider is left to the circuit breaker.
func newCredentialMonitor(cfg *config.Config, logger *zap.Logger) *degraded.Monitor {
	return degraded.NewMonitor(degraded.Config{
		RetryInitial: cfg.RecoveryInitial,
		RetryMax:     cfg.RecoveryMax,
		Degrades:     func(err error) bool { return errors.Is(err, upstream.ErrInvalidAPIKey) },
		OnExhausted: func(name string) {
			logger.Error("API key still rejected; fix the credential and restart", zap.String("provider", name))
		},
	}, logger)
}

// checkCredentials validates each provider key once. A rejected key is logged rather than
// fatal so the proxy still starts and reports degraded health until the key works.
func checkCredentials(ctx context.Context, logger *zap.Logger, m *degraded.Monitor, validators map[string]keyValidator) {
	for provider, v := range validators {
		if err := m.Check(ctx, provider, v.ValidateAPIKey); err != nil {
			logger.Warn("API key check failed",
				zap.String("provider", provider),
				zap.String("category", string(upstream.CategorizeError(err))),
				zap.Error(err))
		}
	}
}
