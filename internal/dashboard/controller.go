// Package dashboard orchestrates the weather dashboard: it resolves which location to show,
// loads its weather data, pushes results to the renderer and keeps the updater running.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kjstillabower/skyli-weather/internal/geolocate"
	"github.com/kjstillabower/skyli-weather/internal/models"
	"github.com/kjstillabower/skyli-weather/internal/places"
	"github.com/kjstillabower/skyli-weather/internal/prefs"
	"github.com/kjstillabower/skyli-weather/internal/render"
	"github.com/kjstillabower/skyli-weather/internal/updater"
	"github.com/kjstillabower/skyli-weather/internal/validation"
)

// LoadTimeout bounds a single location load in the command-line tools.
const LoadTimeout = 30 * time.Second

// FallbackLocation is shown when nothing else resolves.
var FallbackLocation = models.Location{Name: "Zurich", Country: "CH", Lat: 47.3769, Lon: 8.5417}

var (
	// ErrLocationNotFound is returned by Search when no geocoder matched the query.
	ErrLocationNotFound = errors.New("location not found")
	// ErrSuperseded is returned by a load whose results were dropped because a newer load
	// started before it finished.
	ErrSuperseded = errors.New("load superseded by a newer request")
)

// WeatherClient fetches and caches weather data. *weather.Client implements it.
type WeatherClient interface {
	updater.Source
	Invalidate(coord models.Coordinate)
}

// Geocoder resolves names and coordinates. *places.Client implements it.
type Geocoder interface {
	GeocodeWithFallback(ctx context.Context, query string) *models.Location
	ReverseGeocode(ctx context.Context, coord models.Coordinate) (*models.Location, error)
}

// Geolocator reports the device position.
type Geolocator interface {
	Locate(ctx context.Context) (models.Coordinate, error)
}

// Renderer displays dashboard sections. *render.TextRenderer implements it.
type Renderer interface {
	updater.Sink
	UpdateLocation(models.Location)
	ShowError(error)
	SetUnit(render.Unit)
}

// Updater is the background refresher. *updater.Updater implements it.
type Updater interface {
	Start(ctx context.Context)
	Stop()
}

// Config configures a Controller. Weather, Geocoder and Renderer are required.
type Config struct {
	Weather    WeatherClient
	Geocoder   Geocoder
	Geolocator Geolocator
	Renderer   Renderer
	Store      prefs.Store
	// DefaultUnit applies when no unit preference is saved.
	DefaultUnit render.Unit
	Logger      *zap.Logger
}

// Controller is safe for concurrent use. Loads may overlap; only the most recently
// started one is applied.
type Controller struct {
	weather    WeatherClient
	geocoder   Geocoder
	geolocator Geolocator
	renderer   Renderer
	store      prefs.Store
	logger     *zap.Logger

	mu         sync.Mutex
	generation uint64
	location   *models.Location
	unit       render.Unit
	updater    Updater
}

// New creates a Controller and applies the saved temperature unit.
func New(cfg Config) *Controller {
	c := &Controller{
		weather:    cfg.Weather,
		geocoder:   cfg.Geocoder,
		geolocator: cfg.Geolocator,
		renderer:   cfg.Renderer,
		store:      cfg.Store,
		logger:     cfg.Logger,
		unit:       cfg.DefaultUnit,
	}
	if c.store == nil {
		c.store = prefs.NewMemoryStore()
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.geolocator == nil {
		c.geolocator = geolocate.Static{}
	}
	var saved string
	if found, err := c.store.Load(prefs.KeyTemperatureUnit, &saved); err != nil {
		c.logger.Warn("failed to load temperature unit", zap.Error(err))
	} else if found {
		c.unit = render.ParseUnit(saved)
	}
	if c.unit == "" {
		c.unit = render.Celsius
	}
	c.renderer.SetUnit(c.unit)
	return c
}

// AttachUpdater sets the updater started after each successful location load.
func (c *Controller) AttachUpdater(u Updater) {
	c.mu.Lock()
	c.updater = u
	c.mu.Unlock()
}

// Location returns the location currently shown.
func (c *Controller) Location() (models.Location, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.location == nil {
		return models.Location{}, false
	}
	return *c.location, true
}

// Coordinate returns the current location's coordinate, for the updater.
func (c *Controller) Coordinate() (models.Coordinate, bool) {
	loc, ok := c.Location()
	return loc.Coordinate(), ok
}

// Unit returns the temperature unit in use.
func (c *Controller) Unit() render.Unit {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unit
}

// SetUnit changes and persists the temperature unit.
func (c *Controller) SetUnit(u render.Unit) error {
	c.mu.Lock()
	c.unit = u
	c.mu.Unlock()
	c.renderer.SetUnit(u)
	if err := c.store.Save(prefs.KeyTemperatureUnit, string(u)); err != nil {
		return fmt.Errorf("save temperature unit: %w", err)
	}
	return nil
}

// Start resolves the initial location and loads it. Resolution tries, in order: query,
// the saved location, device geolocation, then FallbackLocation.
func (c *Controller) Start(ctx context.Context, query string) (models.Location, error) {
	loc := c.resolve(ctx, query)
	return loc, c.LoadLocation(ctx, loc)
}

func (c *Controller) resolve(ctx context.Context, query string) models.Location {
	if query != "" {
		loc, err := c.lookup(ctx, query)
		if err == nil {
			return *loc
		}
		c.logger.Warn("query did not resolve", zap.String("query", query), zap.Error(err))
	}

	var saved models.Location
	found, err := c.store.Load(prefs.KeyLastLocation, &saved)
	if err != nil {
		c.logger.Warn("failed to load saved location", zap.Error(err))
	}
	if found && err == nil && validation.IsValidCoordinates(saved.Lat, saved.Lon) {
		return saved
	}

	geoCtx, cancel := context.WithTimeout(ctx, geolocate.Timeout)
	coord, err := c.geolocator.Locate(geoCtx)
	cancel()
	if err == nil {
		return c.nameCoordinate(ctx, coord)
	}
	c.logger.Warn("geolocation failed, using fallback location", zap.Error(err))
	return FallbackLocation
}

// Search resolves query and loads it. A "lat, lon" query is reverse geocoded.
func (c *Controller) Search(ctx context.Context, query string) (models.Location, error) {
	loc, err := c.lookup(ctx, query)
	if err != nil {
		return models.Location{}, err
	}
	return *loc, c.LoadLocation(ctx, *loc)
}

func (c *Controller) lookup(ctx context.Context, query string) (*models.Location, error) {
	q, err := validation.ValidateQuery(validation.SanitizeQuery(query), places.MinQueryLen, validation.MaxQueryLen)
	if err != nil {
		return nil, err
	}
	coord, isPair, err := validation.ParseCoordinatePair(q)
	if err != nil {
		return nil, err
	}
	if isPair {
		loc := c.nameCoordinate(ctx, coord)
		return &loc, nil
	}
	loc := c.geocoder.GeocodeWithFallback(ctx, q)
	if loc == nil {
		return nil, fmt.Errorf("%q: %w", q, ErrLocationNotFound)
	}
	return loc, nil
}

// nameCoordinate reverse geocodes coord, naming it places.CurrentLocationName on failure.
func (c *Controller) nameCoordinate(ctx context.Context, coord models.Coordinate) models.Location {
	loc, err := c.geocoder.ReverseGeocode(ctx, coord)
	if err != nil || loc == nil {
		c.logger.Warn("reverse geocoding failed", zap.Error(err))
		return models.Location{Name: places.CurrentLocationName, Lat: coord.Lat, Lon: coord.Lon}
	}
	if loc.Name == "" {
		loc.Name = places.CurrentLocationName
	}
	loc.Lat, loc.Lon = coord.Lat, coord.Lon
	return *loc
}

// Refresh drops cached data for the current location and reloads it.
func (c *Controller) Refresh(ctx context.Context) error {
	loc, ok := c.Location()
	if !ok {
		return nil
	}
	c.weather.Invalidate(loc.Coordinate())
	return c.LoadLocation(ctx, loc)
}

type loadResult struct {
	current                         *models.WeatherSnapshot
	hourly                          []models.HourlyPoint
	daily                           []models.DailyPoint
	pollution                       *models.AQISample
	currentErr, hourlyErr, dailyErr error
}

// LoadLocation fetches all four data types for loc concurrently and, once all have
// settled, renders them, saves loc as the last location and starts the updater. Results
// of a load overtaken by a later one are dropped and ErrSuperseded returned. The returned
// error joins the primary data failures.
func (c *Controller) LoadLocation(ctx context.Context, loc models.Location) error {
	coord := loc.Coordinate()
	if err := validation.ValidateCoordinate(coord); err != nil {
		return err
	}

	c.mu.Lock()
	c.generation++
	gen := c.generation
	c.mu.Unlock()

	var r loadResult
	var g errgroup.Group
	g.Go(func() error {
		r.current, r.currentErr = c.weather.CurrentWeather(ctx, coord)
		return nil
	})
	g.Go(func() error {
		r.hourly, r.hourlyErr = c.weather.HourlyForecast(ctx, coord)
		return nil
	})
	g.Go(func() error {
		r.daily, r.dailyErr = c.weather.DailyForecast(ctx, coord)
		return nil
	})
	g.Go(func() error {
		// Pollution is an enrichment; its failure only shows a placeholder.
		var err error
		r.pollution, err = c.weather.AirPollution(ctx, coord)
		if err != nil {
			c.logger.Warn("air pollution unavailable", zap.String("location", loc.Name), zap.Error(err))
		}
		return nil
	})
	_ = g.Wait()

	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		c.logger.Debug("dropping superseded load", zap.String("location", loc.Name))
		return ErrSuperseded
	}
	c.location = &loc
	u := c.updater
	c.mu.Unlock()

	// Each failed primary section is replaced by an error state; the others still render.
	c.renderer.UpdateLocation(loc)
	if r.currentErr != nil {
		c.renderer.ShowError(fmt.Errorf("current weather: %w", r.currentErr))
	} else {
		c.renderer.UpdateCurrent(r.current)
	}
	if r.hourlyErr != nil {
		c.renderer.ShowError(fmt.Errorf("hourly forecast: %w", r.hourlyErr))
	} else {
		c.renderer.UpdateHourly(r.hourly)
	}
	if r.dailyErr != nil {
		c.renderer.ShowError(fmt.Errorf("daily forecast: %w", r.dailyErr))
	} else {
		c.renderer.UpdateDaily(r.daily)
	}
	c.renderer.UpdateAirQuality(r.pollution)

	if err := c.store.Save(prefs.KeyLastLocation, loc); err != nil {
		c.logger.Warn("failed to save last location", zap.Error(err))
	}
	if u != nil {
		u.Start(context.WithoutCancel(ctx))
	}

	err := errors.Join(r.currentErr, r.hourlyErr, r.dailyErr)
	if err != nil {
		c.logger.Error("weather load incomplete", zap.String("location", loc.Name), zap.Error(err))
	}
	return err
}

// Close stops the updater.
func (c *Controller) Close() {
	c.mu.Lock()
	u := c.updater
	c.mu.Unlock()
	if u != nil {
		u.Stop()
	}
}
