package dashboard

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kjstillabower/skyli-weather/internal/geolocate"
	"github.com/kjstillabower/skyli-weather/internal/models"
	"github.com/kjstillabower/skyli-weather/internal/places"
	"github.com/kjstillabower/skyli-weather/internal/prefs"
	"github.com/kjstillabower/skyli-weather/internal/render"
	"github.com/kjstillabower/skyli-weather/internal/validation"
)

var (
	paris  = models.Location{Name: "Paris", Country: "FR", Lat: 48.8566, Lon: 2.3522}
	berlin = models.Location{Name: "Berlin", Country: "DE", Lat: 52.52, Lon: 13.405}
)

type fakeWeather struct {
	mu           sync.Mutex
	gates        map[models.Coordinate]chan struct{}
	failCurrent  bool
	failHourly   bool
	failDaily    bool
	pollutionErr error
	invalidated  []models.Coordinate
}

func (f *fakeWeather) wait(coord models.Coordinate) {
	f.mu.Lock()
	gate := f.gates[coord]
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
}

func (f *fakeWeather) CurrentWeather(ctx context.Context, coord models.Coordinate) (*models.WeatherSnapshot, error) {
	f.wait(coord)
	if f.failCurrent {
		return nil, errors.New("upstream down")
	}
	return &models.WeatherSnapshot{Temp: coord.Lat}, nil
}

func (f *fakeWeather) HourlyForecast(ctx context.Context, coord models.Coordinate) ([]models.HourlyPoint, error) {
	f.wait(coord)
	if f.failHourly {
		return nil, errors.New("hourly upstream down")
	}
	return []models.HourlyPoint{{Temp: coord.Lat}}, nil
}

func (f *fakeWeather) DailyForecast(ctx context.Context, coord models.Coordinate) ([]models.DailyPoint, error) {
	f.wait(coord)
	if f.failDaily {
		return nil, errors.New("daily upstream down")
	}
	return []models.DailyPoint{{TempMax: coord.Lat}}, nil
}

func (f *fakeWeather) AirPollution(ctx context.Context, coord models.Coordinate) (*models.AQISample, error) {
	f.wait(coord)
	return nil, f.pollutionErr
}

func (f *fakeWeather) Invalidate(coord models.Coordinate) {
	f.mu.Lock()
	f.invalidated = append(f.invalidated, coord)
	f.mu.Unlock()
}

type fakeGeocoder struct {
	byQuery     map[string]models.Location
	reverse     *models.Location
	reverseErr  error
	queries     []string
	reverseHits int
}

func (g *fakeGeocoder) GeocodeWithFallback(ctx context.Context, query string) *models.Location {
	g.queries = append(g.queries, query)
	if loc, ok := g.byQuery[query]; ok {
		return &loc
	}
	return nil
}

func (g *fakeGeocoder) ReverseGeocode(ctx context.Context, coord models.Coordinate) (*models.Location, error) {
	g.reverseHits++
	if g.reverseErr != nil {
		return nil, g.reverseErr
	}
	loc := *g.reverse
	return &loc, nil
}

type fakeRenderer struct {
	mu        sync.Mutex
	locations []models.Location
	current   []*models.WeatherSnapshot
	hourly    int
	daily     int
	airNil    int
	errors    []error
	unit      render.Unit
}

func (r *fakeRenderer) UpdateLocation(l models.Location) {
	r.mu.Lock()
	r.locations = append(r.locations, l)
	r.mu.Unlock()
}

func (r *fakeRenderer) UpdateCurrent(w *models.WeatherSnapshot) {
	r.mu.Lock()
	r.current = append(r.current, w)
	r.mu.Unlock()
}

func (r *fakeRenderer) UpdateHourly([]models.HourlyPoint) {
	r.mu.Lock()
	r.hourly++
	r.mu.Unlock()
}

func (r *fakeRenderer) UpdateDaily([]models.DailyPoint) {
	r.mu.Lock()
	r.daily++
	r.mu.Unlock()
}

func (r *fakeRenderer) UpdateAirQuality(s *models.AQISample) {
	r.mu.Lock()
	if s == nil {
		r.airNil++
	}
	r.mu.Unlock()
}

func (r *fakeRenderer) ShowError(err error) {
	r.mu.Lock()
	r.errors = append(r.errors, err)
	r.mu.Unlock()
}

func (r *fakeRenderer) SetUnit(u render.Unit) {
	r.mu.Lock()
	r.unit = u
	r.mu.Unlock()
}

type fakeUpdater struct {
	mu     sync.Mutex
	starts int
	stops  int
}

func (u *fakeUpdater) Start(context.Context) {
	u.mu.Lock()
	u.starts++
	u.mu.Unlock()
}

func (u *fakeUpdater) Stop() {
	u.mu.Lock()
	u.stops++
	u.mu.Unlock()
}

type harness struct {
	weather  *fakeWeather
	geocoder *fakeGeocoder
	renderer *fakeRenderer
	updater  *fakeUpdater
	store    *prefs.MemoryStore
}

func newHarness() *harness {
	return &harness{
		weather:  &fakeWeather{gates: map[models.Coordinate]chan struct{}{}},
		geocoder: &fakeGeocoder{byQuery: map[string]models.Location{"Paris": paris, "Berlin": berlin}},
		renderer: &fakeRenderer{},
		updater:  &fakeUpdater{},
		store:    prefs.NewMemoryStore(),
	}
}

func (h *harness) controller(geo Geolocator) *Controller {
	c := New(Config{
		Weather:    h.weather,
		Geocoder:   h.geocoder,
		Geolocator: geo,
		Renderer:   h.renderer,
		Store:      h.store,
	})
	c.AttachUpdater(h.updater)
	return c
}

// TestStart_ResolutionOrder verifies query, saved location, geolocation and fallback are
// tried in that order.
func TestStart_ResolutionOrder(t *testing.T) {
	ctx := context.Background()
	here := models.Coordinate{Lat: 46.948, Lon: 7.4474}

	t.Run("query wins", func(t *testing.T) {
		h := newHarness()
		require.NoError(t, h.store.Save(prefs.KeyLastLocation, berlin))
		loc, err := h.controller(geolocate.Static{Coord: &here}).Start(ctx, "Paris")
		require.NoError(t, err)
		assert.Equal(t, paris, loc)
	})

	t.Run("unresolved query falls through to saved location", func(t *testing.T) {
		h := newHarness()
		require.NoError(t, h.store.Save(prefs.KeyLastLocation, berlin))
		loc, err := h.controller(nil).Start(ctx, "Atlantis")
		require.NoError(t, err)
		assert.Equal(t, berlin, loc)
	})

	t.Run("geolocation reverse geocoded", func(t *testing.T) {
		h := newHarness()
		h.geocoder.reverse = &models.Location{Name: "Bern", Country: "CH", Lat: 46.95, Lon: 7.45}
		loc, err := h.controller(geolocate.Static{Coord: &here}).Start(ctx, "")
		require.NoError(t, err)
		assert.Equal(t, "Bern", loc.Name)
		assert.Equal(t, here, loc.Coordinate())
	})

	t.Run("reverse geocoding failure names current location", func(t *testing.T) {
		h := newHarness()
		h.geocoder.reverseErr = errors.New("no result")
		loc, err := h.controller(geolocate.Static{Coord: &here}).Start(ctx, "")
		require.NoError(t, err)
		assert.Equal(t, places.CurrentLocationName, loc.Name)
		assert.Equal(t, here, loc.Coordinate())
	})

	t.Run("fallback", func(t *testing.T) {
		h := newHarness()
		loc, err := h.controller(geolocate.Static{}).Start(ctx, "")
		require.NoError(t, err)
		assert.Equal(t, FallbackLocation, loc)
	})
}

// TestLoadLocation_RendersAndPersists verifies a load renders every section, saves the
// location and starts the updater.
func TestLoadLocation_RendersAndPersists(t *testing.T) {
	h := newHarness()
	c := h.controller(nil)

	require.NoError(t, c.LoadLocation(context.Background(), paris))

	assert.Equal(t, []models.Location{paris}, h.renderer.locations)
	require.Len(t, h.renderer.current, 1)
	assert.Equal(t, 1, h.renderer.hourly)
	assert.Equal(t, 1, h.renderer.daily)
	assert.Equal(t, 1, h.renderer.airNil)
	assert.Equal(t, 1, h.updater.starts)

	var saved models.Location
	found, err := h.store.Load(prefs.KeyLastLocation, &saved)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, paris, saved)

	got, ok := c.Location()
	require.True(t, ok)
	assert.Equal(t, paris, got)
}

func TestLoadLocation_PrimaryFailureShowsError(t *testing.T) {
	h := newHarness()
	h.weather.failCurrent = true
	c := h.controller(nil)

	err := c.LoadLocation(context.Background(), paris)
	require.Error(t, err)
	assert.Len(t, h.renderer.errors, 1)
	assert.Empty(t, h.renderer.current)
	assert.Equal(t, 1, h.renderer.hourly, "other sections still render")
}

// TestLoadLocation_ForecastFailureShowsError verifies a failed hourly or daily forecast is
// replaced by an error state instead of being left out.
func TestLoadLocation_ForecastFailureShowsError(t *testing.T) {
	t.Run("hourly", func(t *testing.T) {
		h := newHarness()
		h.weather.failHourly = true
		c := h.controller(nil)

		err := c.LoadLocation(context.Background(), paris)
		require.Error(t, err)
		require.Len(t, h.renderer.errors, 1)
		assert.Contains(t, h.renderer.errors[0].Error(), "hourly forecast")
		assert.Equal(t, 0, h.renderer.hourly)
		assert.Len(t, h.renderer.current, 1)
		assert.Equal(t, 1, h.renderer.daily)
	})

	t.Run("daily", func(t *testing.T) {
		h := newHarness()
		h.weather.failDaily = true
		c := h.controller(nil)

		err := c.LoadLocation(context.Background(), paris)
		require.Error(t, err)
		require.Len(t, h.renderer.errors, 1)
		assert.Contains(t, h.renderer.errors[0].Error(), "daily forecast")
		assert.Equal(t, 0, h.renderer.daily)
		assert.Equal(t, 1, h.renderer.hourly)
	})
}

// TestLoadLocation_PollutionFailureIsSoft verifies a pollution error neither fails the load
// nor renders an error state.
func TestLoadLocation_PollutionFailureIsSoft(t *testing.T) {
	h := newHarness()
	h.weather.pollutionErr = validation.ErrInvalidCoordinates
	c := h.controller(nil)

	require.NoError(t, c.LoadLocation(context.Background(), paris))
	assert.Empty(t, h.renderer.errors)
	assert.Equal(t, 1, h.renderer.airNil)
}

func TestLoadLocation_InvalidCoordinates(t *testing.T) {
	h := newHarness()
	c := h.controller(nil)

	err := c.LoadLocation(context.Background(), models.Location{Name: "Nowhere", Lat: 100})
	assert.ErrorIs(t, err, validation.ErrInvalidCoordinates)
	assert.Empty(t, h.renderer.locations)
}

// TestLoadLocation_DropsSuperseded verifies a slow load finishing after a newer one is not applied.
func TestLoadLocation_DropsSuperseded(t *testing.T) {
	h := newHarness()
	gate := make(chan struct{})
	h.weather.gates[paris.Coordinate()] = gate
	c := h.controller(nil)

	slow := make(chan error, 1)
	go func() { slow <- c.LoadLocation(context.Background(), paris) }()

	// Wait for the slow load to take its generation before starting the newer one.
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.generation == 1
	}, time.Second, time.Millisecond)

	require.NoError(t, c.LoadLocation(context.Background(), berlin))
	close(gate)

	assert.ErrorIs(t, <-slow, ErrSuperseded)
	assert.Equal(t, []models.Location{berlin}, h.renderer.locations)
	got, _ := c.Location()
	assert.Equal(t, berlin, got)
}

func TestSearch(t *testing.T) {
	h := newHarness()
	h.geocoder.reverse = &models.Location{Name: "Zurich", Country: "CH"}
	c := h.controller(nil)
	ctx := context.Background()

	loc, err := c.Search(ctx, "  Berlin ")
	require.NoError(t, err)
	assert.Equal(t, berlin, loc)
	assert.Equal(t, []string{"Berlin"}, h.geocoder.queries)

	loc, err = c.Search(ctx, "47.37, 8.54")
	require.NoError(t, err)
	assert.Equal(t, "Zurich", loc.Name)
	assert.Equal(t, models.Coordinate{Lat: 47.37, Lon: 8.54}, loc.Coordinate())
	assert.Equal(t, 1, h.geocoder.reverseHits)

	_, err = c.Search(ctx, "Atlantis")
	assert.ErrorIs(t, err, ErrLocationNotFound)

	_, err = c.Search(ctx, "x")
	assert.ErrorIs(t, err, validation.ErrQueryTooShort)

	_, err = c.Search(ctx, "95, 8")
	assert.ErrorIs(t, err, validation.ErrInvalidCoordinates)
	assert.Equal(t, []string{"Berlin", "Atlantis"}, h.geocoder.queries, "out-of-range pair is not geocoded")
	assert.Equal(t, 1, h.geocoder.reverseHits)
}

func TestRefresh(t *testing.T) {
	h := newHarness()
	c := h.controller(nil)
	ctx := context.Background()

	require.NoError(t, c.Refresh(ctx), "refresh without a location is a no-op")
	assert.Empty(t, h.weather.invalidated)

	require.NoError(t, c.LoadLocation(ctx, paris))
	require.NoError(t, c.Refresh(ctx))
	assert.Equal(t, []models.Coordinate{paris.Coordinate()}, h.weather.invalidated)
	assert.Len(t, h.renderer.locations, 2)
}

func TestUnitPreference(t *testing.T) {
	h := newHarness()
	c := h.controller(nil)
	assert.Equal(t, render.Celsius, c.Unit())
	assert.Equal(t, render.Celsius, h.renderer.unit)

	require.NoError(t, c.SetUnit(render.Fahrenheit))
	assert.Equal(t, render.Fahrenheit, h.renderer.unit)

	reloaded := New(Config{Weather: h.weather, Geocoder: h.geocoder, Renderer: &fakeRenderer{}, Store: h.store})
	assert.Equal(t, render.Fahrenheit, reloaded.Unit())
}

func TestClose(t *testing.T) {
	h := newHarness()
	c := h.controller(nil)
	c.Close()
	assert.Equal(t, 1, h.updater.stops)
}
