// Package service implements the proxy's cache-aside layer over the upstream providers.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/kjstillabower/skyli-weather/internal/cache"
	"github.com/kjstillabower/skyli-weather/internal/models"
	"github.com/kjstillabower/skyli-weather/internal/observability"
	"github.com/kjstillabower/skyli-weather/internal/upstream"
	"github.com/kjstillabower/skyli-weather/internal/validation"
)

// WeatherProvider is the OpenWeather surface the proxy needs.
type WeatherProvider interface {
	Current(ctx context.Context, coord models.Coordinate) (models.WeatherSnapshot, error)
	Hourly(ctx context.Context, coord models.Coordinate) ([]models.HourlyPoint, error)
	Daily(ctx context.Context, coord models.Coordinate) ([]models.DailyPoint, error)
	Pollution(ctx context.Context, coord models.Coordinate) (models.AQISample, error)
	Geocode(ctx context.Context, query string) (models.Location, error)
	ReverseGeocode(ctx context.Context, coord models.Coordinate) (models.Location, error)
}

// PlacesProvider is the Google Places surface the proxy needs.
type PlacesProvider interface {
	Autocomplete(ctx context.Context, input string) (models.AutocompleteResponse, error)
	Details(ctx context.Context, placeID string) (models.PlaceDetails, error)
}

// Source says where a response came from; it is sent as the X-Cache header.
type Source string

const (
	SourceHit   Source = "HIT"
	SourceMiss  Source = "MISS"
	SourceStale Source = "STALE"
)

// Route names used as cache key prefixes and metric labels.
const (
	RouteCurrent      = "current"
	RouteHourly       = "hourly"
	RouteDaily        = "daily"
	RoutePollution    = "pollution"
	RouteGeocode      = "geocode"
	RouteAutocomplete = "autocomplete"
	RouteDetails      = "details"
)

// TTLs holds the fresh lifetime of each route's cached responses.
type TTLs struct {
	Current      time.Duration
	Hourly       time.Duration
	Daily        time.Duration
	Pollution    time.Duration
	Geocode      time.Duration
	Autocomplete time.Duration
	Details      time.Duration
}

// DefaultTTLs are used for any zero field.
var DefaultTTLs = TTLs{
	Current:      10 * time.Minute,
	Hourly:       10 * time.Minute,
	Daily:        10 * time.Minute,
	Pollution:    30 * time.Minute,
	Geocode:      24 * time.Hour,
	Autocomplete: 15 * time.Minute,
	Details:      24 * time.Hour,
}

func (t TTLs) withDefaults() TTLs {
	pick := func(v, d time.Duration) time.Duration {
		if v > 0 {
			return v
		}
		return d
	}
	return TTLs{
		Current:      pick(t.Current, DefaultTTLs.Current),
		Hourly:       pick(t.Hourly, DefaultTTLs.Hourly),
		Daily:        pick(t.Daily, DefaultTTLs.Daily),
		Pollution:    pick(t.Pollution, DefaultTTLs.Pollution),
		Geocode:      pick(t.Geocode, DefaultTTLs.Geocode),
		Autocomplete: pick(t.Autocomplete, DefaultTTLs.Autocomplete),
		Details:      pick(t.Details, DefaultTTLs.Details),
	}
}

// Config wires a ProxyService.
type Config struct {
	Weather WeatherProvider
	Places  PlacesProvider
	Cache   cache.Cache
	TTLs    TTLs
	// StaleTTL is the maximum age of a stale copy served when the provider fails (0 = disabled).
	StaleTTL time.Duration
	// Coalesce shares one provider call between concurrent misses on the same key.
	Coalesce bool
	Logger   *zap.Logger
	Now      func() time.Time
}

// ProxyService serves provider data cache-aside with optional request coalescing and
// stale fallback. Safe for concurrent use.
type ProxyService struct {
	weather  WeatherProvider
	places   PlacesProvider
	cache    cache.Cache
	ttls     TTLs
	staleTTL time.Duration
	coalesce bool
	group    singleflight.Group
	logger   *zap.Logger
	now      func() time.Time
}

// NewProxyService creates a ProxyService.
func NewProxyService(cfg Config) *ProxyService {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &ProxyService{
		weather:  cfg.Weather,
		places:   cfg.Places,
		cache:    cfg.Cache,
		ttls:     cfg.TTLs.withDefaults(),
		staleTTL: cfg.StaleTTL,
		coalesce: cfg.Coalesce,
		logger:   cfg.Logger,
		now:      cfg.Now,
	}
}

// CurrentWeather returns current conditions. A stale copy has Stale set.
func (s *ProxyService) CurrentWeather(ctx context.Context, coord models.Coordinate) (models.WeatherSnapshot, Source, error) {
	if err := validation.ValidateCoordinate(coord); err != nil {
		return models.WeatherSnapshot{}, "", err
	}
	snap, src, err := lookup(ctx, s, RouteCurrent, coordKey(RouteCurrent, coord), s.ttls.Current,
		func(ctx context.Context) (models.WeatherSnapshot, error) { return s.weather.Current(ctx, coord) })
	if src == SourceStale {
		snap.Stale = true
	}
	return snap, src, err
}

// HourlyForecast returns the 24 hour forecast.
func (s *ProxyService) HourlyForecast(ctx context.Context, coord models.Coordinate) ([]models.HourlyPoint, Source, error) {
	if err := validation.ValidateCoordinate(coord); err != nil {
		return nil, "", err
	}
	return lookup(ctx, s, RouteHourly, coordKey(RouteHourly, coord), s.ttls.Hourly,
		func(ctx context.Context) ([]models.HourlyPoint, error) { return s.weather.Hourly(ctx, coord) })
}

// DailyForecast returns up to ten aggregated days.
func (s *ProxyService) DailyForecast(ctx context.Context, coord models.Coordinate) ([]models.DailyPoint, Source, error) {
	if err := validation.ValidateCoordinate(coord); err != nil {
		return nil, "", err
	}
	return lookup(ctx, s, RouteDaily, coordKey(RouteDaily, coord), s.ttls.Daily,
		func(ctx context.Context) ([]models.DailyPoint, error) { return s.weather.Daily(ctx, coord) })
}

// AirPollution returns the current air quality reading.
func (s *ProxyService) AirPollution(ctx context.Context, coord models.Coordinate) (models.AQISample, Source, error) {
	if err := validation.ValidateCoordinate(coord); err != nil {
		return models.AQISample{}, "", err
	}
	return lookup(ctx, s, RoutePollution, coordKey(RoutePollution, coord), s.ttls.Pollution,
		func(ctx context.Context) (models.AQISample, error) { return s.weather.Pollution(ctx, coord) })
}

// Geocode resolves a place name, or reverse geocodes a "lat,lon" pair.
func (s *ProxyService) Geocode(ctx context.Context, query string) (models.Location, Source, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return models.Location{}, "", validation.ErrQueryEmpty
	}
	if len([]rune(query)) > validation.MaxQueryLen {
		return models.Location{}, "", validation.ErrQueryTooLong
	}

	coord, isPair, err := validation.ParseCoordinatePair(query)
	if err != nil {
		return models.Location{}, "", err
	}
	if isPair {
		return lookup(ctx, s, RouteGeocode, coordKey(RouteGeocode, coord), s.ttls.Geocode,
			func(ctx context.Context) (models.Location, error) { return s.weather.ReverseGeocode(ctx, coord) })
	}

	observability.RecordGeocodeQuery(query)
	return lookup(ctx, s, RouteGeocode, textKey(RouteGeocode, query), s.ttls.Geocode,
		func(ctx context.Context) (models.Location, error) { return s.weather.Geocode(ctx, query) })
}

// Autocomplete returns city suggestions for input.
func (s *ProxyService) Autocomplete(ctx context.Context, input string) (models.AutocompleteResponse, Source, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return models.AutocompleteResponse{}, "", validation.ErrQueryEmpty
	}
	if len([]rune(input)) > validation.MaxQueryLen {
		return models.AutocompleteResponse{}, "", validation.ErrQueryTooLong
	}
	return lookup(ctx, s, RouteAutocomplete, textKey(RouteAutocomplete, input), s.ttls.Autocomplete,
		func(ctx context.Context) (models.AutocompleteResponse, error) { return s.places.Autocomplete(ctx, input) })
}

// PlaceDetails resolves a place id.
func (s *ProxyService) PlaceDetails(ctx context.Context, placeID string) (models.PlaceDetails, Source, error) {
	placeID = strings.TrimSpace(placeID)
	if placeID == "" {
		return models.PlaceDetails{}, "", validation.ErrQueryEmpty
	}
	return lookup(ctx, s, RouteDetails, RouteDetails+":"+url.QueryEscape(placeID), s.ttls.Details,
		func(ctx context.Context) (models.PlaceDetails, error) { return s.places.Details(ctx, placeID) })
}

// Prefetch loads all four weather routes for coord into the cache. Every fetch runs to
// completion; the returned error joins the individual failures.
func (s *ProxyService) Prefetch(ctx context.Context, coord models.Coordinate) error {
	errs := make([]error, 4)
	var g errgroup.Group
	g.Go(func() error { _, _, errs[0] = s.CurrentWeather(ctx, coord); return nil })
	g.Go(func() error { _, _, errs[1] = s.HourlyForecast(ctx, coord); return nil })
	g.Go(func() error { _, _, errs[2] = s.DailyForecast(ctx, coord); return nil })
	g.Go(func() error { _, _, errs[3] = s.AirPollution(ctx, coord); return nil })
	_ = g.Wait()
	return errors.Join(errs...)
}

// lookup is the cache-aside read for one route: fresh cache, then the provider (shared
// between concurrent callers when coalescing is on), then a stale copy if the provider failed.
func lookup[T any](ctx context.Context, s *ProxyService, route, key string, ttl time.Duration, fetch func(context.Context) (T, error)) (T, Source, error) {
	var zero T
	logger := observability.LoggerFromContext(ctx, s.logger)

	if v, ok := s.cacheGet(ctx, logger, key); ok {
		var out T
		if err := json.Unmarshal(v, &out); err == nil {
			observability.CacheHitsTotal.WithLabelValues(route).Inc()
			logger.Debug("cache hit", zap.String("key", key))
			return out, SourceHit, nil
		}
		logger.Warn("discarding undecodable cache entry", zap.String("key", key))
	}
	observability.CacheMissesTotal.WithLabelValues(route).Inc()

	load := func(ctx context.Context) ([]byte, error) {
		v, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		encoded, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode %s response: %w", route, err)
		}
		if err := s.cache.Set(ctx, key, encoded, ttl); err != nil {
			observability.CacheErrorsTotal.WithLabelValues("set", categorizeCacheError(err)).Inc()
			logger.Warn("cache set failed", zap.String("key", key), zap.Error(err))
		}
		return encoded, nil
	}

	encoded, err := s.load(ctx, route, key, load)
	if err == nil {
		var out T
		if err := json.Unmarshal(encoded, &out); err != nil {
			return zero, "", fmt.Errorf("decode %s response: %w", route, err)
		}
		return out, SourceMiss, nil
	}

	if s.staleTTL > 0 && isStaleEligible(err) {
		stale, storedAt, ok, staleErr := s.cache.GetStale(ctx, key, s.staleTTL)
		if staleErr != nil {
			observability.CacheErrorsTotal.WithLabelValues("get_stale", categorizeCacheError(staleErr)).Inc()
		}
		var out T
		if ok && json.Unmarshal(stale, &out) == nil {
			age := s.now().Sub(storedAt)
			observability.StaleCacheServesTotal.WithLabelValues(route).Inc()
			observability.StaleCacheAgeSeconds.Observe(age.Seconds())
			logger.Info("serving stale cache", zap.String("key", key), zap.Duration("age", age), zap.Error(err))
			return out, SourceStale, nil
		}
	}
	return zero, "", fmt.Errorf("fetch %s: %w", route, err)
}

// load runs fn directly, or through the singleflight group when coalescing is on. A
// shared call runs detached from any one caller's cancellation.
func (s *ProxyService) load(ctx context.Context, route, key string, fn func(context.Context) ([]byte, error)) ([]byte, error) {
	if !s.coalesce {
		return fn(ctx)
	}
	ch := s.group.DoChan(key, func() (any, error) {
		return fn(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Shared {
			observability.RequestsCoalescedTotal.WithLabelValues(route).Inc()
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	}
}

func (s *ProxyService) cacheGet(ctx context.Context, logger *zap.Logger, key string) ([]byte, bool) {
	v, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		observability.CacheErrorsTotal.WithLabelValues("get", categorizeCacheError(err)).Inc()
		logger.Warn("cache get failed", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	return v, ok
}

// isStaleEligible excludes answers that a stale copy must not paper over.
func isStaleEligible(err error) bool {
	return !errors.Is(err, upstream.ErrNotFound) &&
		!errors.Is(err, context.Canceled) &&
		!validation.IsValidationError(err)
}

// categorizeCacheError returns a stable label for cache error metrics (timeout, connection, unknown).
func categorizeCacheError(err error) string {
	if err == nil {
		return "unknown"
	}
	errStr := err.Error()
	if strings.Contains(errStr, "timeout") {
		return "timeout"
	}
	if strings.Contains(errStr, "connection") || strings.Contains(errStr, "network") {
		return "connection"
	}
	return "unknown"
}

// coordKey rounds to four decimals (about 11 m) so nearby requests share an entry.
func coordKey(route string, c models.Coordinate) string {
	return route + ":" + strconv.FormatFloat(c.Lat, 'f', 4, 64) + ":" + strconv.FormatFloat(c.Lon, 'f', 4, 64)
}

// textKey normalises a free-text query into a memcached-safe key.
func textKey(route, query string) string {
	return route + ":" + url.QueryEscape(strings.ToLower(strings.TrimSpace(query)))
}
