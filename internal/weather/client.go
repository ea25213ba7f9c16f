// Package weather is the dashboard's client for the proxy's weather endpoints. Responses
// are cached per data type and coordinate.
package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kjstillabower/skyli-weather/internal/cache"
	"github.com/kjstillabower/skyli-weather/internal/fetch"
	"github.com/kjstillabower/skyli-weather/internal/models"
	"github.com/kjstillabower/skyli-weather/internal/observability"
	"github.com/kjstillabower/skyli-weather/internal/validation"
)

// DataType names one of the four weather data sets.
type DataType string

const (
	Current   DataType = "current"
	Hourly    DataType = "hourly"
	Daily     DataType = "daily"
	Pollution DataType = "pollution"
)

// AllTypes lists every data type in refresh order.
var AllTypes = []DataType{Current, Hourly, Daily, Pollution}

// DefaultTTLs are the cache lifetimes per data type. Air quality changes slowly.
var DefaultTTLs = map[DataType]time.Duration{
	Current:   10 * time.Minute,
	Hourly:    10 * time.Minute,
	Daily:     10 * time.Minute,
	Pollution: 30 * time.Minute,
}

var routes = map[DataType]string{
	Current:   "/api/weather/current/",
	Hourly:    "/api/forecast/hourly/",
	Daily:     "/api/forecast/daily/",
	Pollution: "/api/pollution/",
}

// Config configures a Client. Zero values select defaults.
type Config struct {
	BaseURL      string
	HTTPClient   fetch.Doer
	Logger       *zap.Logger
	Policy       *fetch.Policy
	TTLs         map[DataType]time.Duration
	Now          func() time.Time
	FetchOptions []fetch.Option
}

// Client fetches weather data through the proxy. Safe for concurrent use.
type Client struct {
	baseURL string
	fetcher *fetch.Fetcher
	policy  fetch.Policy
	ttls    map[DataType]time.Duration
	cache   *cache.Expiring[[]byte]
	logger  *zap.Logger
}

// New creates a Client.
func New(cfg Config) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	policy := fetch.WeatherPolicy
	if cfg.Policy != nil {
		policy = *cfg.Policy
	}
	ttls := make(map[DataType]time.Duration, len(DefaultTTLs))
	for k, v := range DefaultTTLs {
		ttls[k] = v
	}
	for k, v := range cfg.TTLs {
		ttls[k] = v
	}
	opts := append([]fetch.Option{fetch.WithLogger(logger)}, cfg.FetchOptions...)

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		fetcher: fetch.New(httpClient, "weather", opts...),
		policy:  policy,
		ttls:    ttls,
		cache: cache.NewExpiring[[]byte](cache.Options{
			Now: cfg.Now,
			OnEvict: func(n int) {
				observability.ClientCacheEvictionsTotal.WithLabelValues("weather").Add(float64(n))
			},
		}),
		logger: logger,
	}
}

// CurrentWeather returns current conditions at coord.
func (c *Client) CurrentWeather(ctx context.Context, coord models.Coordinate) (*models.WeatherSnapshot, error) {
	var out models.WeatherSnapshot
	if err := c.load(ctx, Current, coord, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// HourlyForecast returns the next 24 hours at coord.
func (c *Client) HourlyForecast(ctx context.Context, coord models.Coordinate) ([]models.HourlyPoint, error) {
	var out []models.HourlyPoint
	if err := c.load(ctx, Hourly, coord, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DailyForecast returns up to ten days at coord.
func (c *Client) DailyForecast(ctx context.Context, coord models.Coordinate) ([]models.DailyPoint, error) {
	var out []models.DailyPoint
	if err := c.load(ctx, Daily, coord, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// AirPollution returns the air quality at coord. Fetch failures are logged and yield
// (nil, nil); only invalid coordinates return an error.
func (c *Client) AirPollution(ctx context.Context, coord models.Coordinate) (*models.AQISample, error) {
	if err := validation.ValidateCoordinate(coord); err != nil {
		return nil, err
	}
	var out models.AQISample
	if err := c.load(ctx, Pollution, coord, &out); err != nil {
		c.logger.Warn("air pollution data unavailable", zap.Error(err))
		return nil, nil
	}
	return &out, nil
}

func (c *Client) load(ctx context.Context, kind DataType, coord models.Coordinate, dst any) error {
	if err := validation.ValidateCoordinate(coord); err != nil {
		return err
	}
	key := cacheKey(kind, coord)
	if raw, ok := c.cache.Get(key); ok {
		if err := json.Unmarshal(raw, dst); err == nil {
			c.logger.Debug("cache hit", zap.String("key", key))
			return nil
		}
		c.cache.Delete(key)
	}

	body, err := c.fetcher.Get(ctx, c.url(kind, coord), c.policy)
	if err != nil {
		if kind != Pollution {
			c.logger.Error("weather fetch failed", zap.String("type", string(kind)), zap.Error(err))
		}
		return fmt.Errorf("%s weather: %w", kind, err)
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("%s weather: %w: decode response: %v", kind, fetch.ErrUpstream, err)
	}
	c.cache.Set(key, body, c.ttls[kind])
	return nil
}

// Bundle is the result of Preload. A nil field means that data type failed; Errors holds
// the failures by type.
type Bundle struct {
	Current   *models.WeatherSnapshot
	Hourly    []models.HourlyPoint
	Daily     []models.DailyPoint
	Pollution *models.AQISample
	Errors    map[DataType]error
}

// Preload fetches all four data types concurrently and waits for every one to settle.
func (c *Client) Preload(ctx context.Context, coord models.Coordinate) Bundle {
	var b Bundle
	var currentErr, hourlyErr, dailyErr, pollutionErr error
	var g errgroup.Group
	g.Go(func() error {
		b.Current, currentErr = c.CurrentWeather(ctx, coord)
		return nil
	})
	g.Go(func() error {
		b.Hourly, hourlyErr = c.HourlyForecast(ctx, coord)
		return nil
	})
	g.Go(func() error {
		b.Daily, dailyErr = c.DailyForecast(ctx, coord)
		return nil
	})
	g.Go(func() error {
		b.Pollution, pollutionErr = c.AirPollution(ctx, coord)
		return nil
	})
	_ = g.Wait()

	b.Errors = map[DataType]error{}
	for kind, err := range map[DataType]error{Current: currentErr, Hourly: hourlyErr, Daily: dailyErr, Pollution: pollutionErr} {
		if err != nil {
			b.Errors[kind] = err
		}
	}
	c.logger.Debug("preloaded weather data", zap.Int("succeeded", len(AllTypes)-len(b.Errors)))
	return b
}

// Invalidate drops every cached data type for coord.
func (c *Client) Invalidate(coord models.Coordinate) {
	for _, kind := range AllTypes {
		c.cache.Delete(cacheKey(kind, coord))
	}
}

// Clear empties the cache.
func (c *Client) Clear() {
	c.cache.Clear()
}

// Stats reports cache entry counts.
func (c *Client) Stats() cache.Stats {
	return c.cache.Stats()
}

func (c *Client) url(kind DataType, coord models.Coordinate) string {
	return c.baseURL + routes[kind] + formatCoord(coord.Lat) + "/" + formatCoord(coord.Lon)
}

func cacheKey(kind DataType, coord models.Coordinate) string {
	return string(kind) + "_" + formatCoord(coord.Lat) + "_" + formatCoord(coord.Lon)
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
