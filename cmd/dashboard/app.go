package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/kjstillabower/skyli-weather/internal/config"
	"github.com/kjstillabower/skyli-weather/internal/dashboard"
	"github.com/kjstillabower/skyli-weather/internal/geolocate"
	"github.com/kjstillabower/skyli-weather/internal/places"
	"github.com/kjstillabower/skyli-weather/internal/prefs"
	"github.com/kjstillabower/skyli-weather/internal/render"
	"github.com/kjstillabower/skyli-weather/internal/updater"
	"github.com/kjstillabower/skyli-weather/internal/weather"
)

// geolocateOff disables device geolocation when used as the geolocation URL.
const geolocateOff = "off"

// app holds the dashboard's wired components for one command invocation.
type app struct {
	cfg        *config.Dashboard
	logger     *zap.Logger
	out        io.Writer
	store      prefs.Store
	closeStore func() error
	weather    *weather.Client
	places     *places.Client
	renderer   *render.TextRenderer
	controller *dashboard.Controller
}

func newApp(cfg *config.Dashboard, out io.Writer, logger *zap.Logger) (*app, error) {
	store, closeStore, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	var locator dashboard.Geolocator = geolocate.Static{}
	if cfg.GeolocateURL != geolocateOff {
		locator = geolocate.NewIPLocator(cfg.GeolocateURL, nil, logger)
	}

	a := &app{
		cfg:        cfg,
		logger:     logger,
		out:        out,
		store:      store,
		closeStore: closeStore,
		weather:    weather.New(weather.Config{BaseURL: cfg.APIURL, Logger: logger}),
		places: places.New(places.Config{
			BaseURL: cfg.APIURL,
			Logger:  logger,
			History: places.NewHistory(store, logger),
		}),
		renderer: render.NewTextRenderer(out, render.ParseUnit(cfg.Unit), nil),
	}
	a.controller = dashboard.New(dashboard.Config{
		Weather:     a.weather,
		Geocoder:    a.places,
		Geolocator:  locator,
		Renderer:    a.renderer,
		Store:       store,
		DefaultUnit: render.ParseUnit(cfg.Unit),
		Logger:      logger,
	})
	return a, nil
}

// newUpdater builds the real-time updater and attaches it to the controller.
func (a *app) newUpdater() *updater.Updater {
	u := updater.New(updater.Config{
		Source:   a.weather,
		Sink:     a.renderer,
		Location: a.controller.Coordinate,
		Store:    a.store,
		Logger:   a.logger,
	})
	a.controller.AttachUpdater(u)
	return u
}

func (a *app) Close() error {
	a.controller.Close()
	if a.closeStore != nil {
		return a.closeStore()
	}
	return nil
}

func openStore(cfg *config.Dashboard) (prefs.Store, func() error, error) {
	switch cfg.PrefsBackend {
	case "sqlite":
		if cfg.PrefsPath != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(cfg.PrefsPath), 0o755); err != nil {
				return nil, nil, fmt.Errorf("create preferences dir: %w", err)
			}
		}
		s, err := prefs.OpenSQLite(cfg.PrefsPath)
		if err != nil {
			return nil, nil, fmt.Errorf("open preferences: %w", err)
		}
		return s, s.Close, nil
	case "file":
		return prefs.NewFileStore(cfg.PrefsPath), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown preferences backend %q", cfg.PrefsBackend)
	}
}
