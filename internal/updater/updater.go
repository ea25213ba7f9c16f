// Package updater periodically refreshes the weather data for the current location. Each
// data type has its own refresh interval; a tick fetches only the types that are due.
package updater

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kjstillabower/skyli-weather/internal/models"
	"github.com/kjstillabower/skyli-weather/internal/observability"
	"github.com/kjstillabower/skyli-weather/internal/prefs"
	"github.com/kjstillabower/skyli-weather/internal/weather"
)

// DefaultIntervals are the refresh intervals per data type. The current-weather interval
// is also the tick period.
var DefaultIntervals = map[weather.DataType]time.Duration{
	weather.Current:   5 * time.Minute,
	weather.Hourly:    30 * time.Minute,
	weather.Daily:     2 * time.Hour,
	weather.Pollution: 15 * time.Minute,
}

// Source fetches weather data. *weather.Client implements it.
type Source interface {
	CurrentWeather(ctx context.Context, coord models.Coordinate) (*models.WeatherSnapshot, error)
	HourlyForecast(ctx context.Context, coord models.Coordinate) ([]models.HourlyPoint, error)
	DailyForecast(ctx context.Context, coord models.Coordinate) ([]models.DailyPoint, error)
	AirPollution(ctx context.Context, coord models.Coordinate) (*models.AQISample, error)
}

// Sink receives refreshed data.
type Sink interface {
	UpdateCurrent(*models.WeatherSnapshot)
	UpdateHourly([]models.HourlyPoint)
	UpdateDaily([]models.DailyPoint)
	UpdateAirQuality(*models.AQISample)
}

// Timer is a pending scheduled call. *time.Timer implements it.
type Timer interface {
	Stop() bool
}

// Config configures an Updater. Source, Sink and Location are required.
type Config struct {
	Source Source
	Sink   Sink
	// Location returns the coordinate to refresh; ok is false when none is selected yet.
	Location func() (coord models.Coordinate, ok bool)
	// Store persists per-type refresh times. Nil keeps them in memory.
	Store     prefs.Store
	Intervals map[weather.DataType]time.Duration
	Logger    *zap.Logger
	Now       func() time.Time
	AfterFunc func(d time.Duration, f func()) Timer
}

// Status is a snapshot of the updater's state.
type Status struct {
	Active         bool      `json:"active"`
	UpdateCount    int       `json:"updateCount"`
	LastUpdateTime time.Time `json:"lastUpdateTime"`
}

// Updater is Idle until Start and returns to Idle on Stop. Safe for concurrent use.
type Updater struct {
	source    Source
	sink      Sink
	location  func() (models.Coordinate, bool)
	store     prefs.Store
	logger    *zap.Logger
	now       func() time.Time
	afterFunc func(time.Duration, func()) Timer

	mu          sync.Mutex
	intervals   map[weather.DataType]time.Duration
	active      bool
	run         uint64
	ctx         context.Context
	cancel      context.CancelFunc
	timer       Timer
	updateCount int
	lastUpdate  time.Time
}

// New creates an idle Updater.
func New(cfg Config) *Updater {
	u := &Updater{
		source:    cfg.Source,
		sink:      cfg.Sink,
		location:  cfg.Location,
		store:     cfg.Store,
		logger:    cfg.Logger,
		now:       cfg.Now,
		afterFunc: cfg.AfterFunc,
		intervals: make(map[weather.DataType]time.Duration, len(DefaultIntervals)),
	}
	if u.store == nil {
		u.store = prefs.NewMemoryStore()
	}
	if u.logger == nil {
		u.logger = zap.NewNop()
	}
	if u.now == nil {
		u.now = time.Now
	}
	if u.afterFunc == nil {
		u.afterFunc = func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
	}
	for k, v := range DefaultIntervals {
		u.intervals[k] = v
	}
	for k, v := range cfg.Intervals {
		if v > 0 {
			u.intervals[k] = v
		}
	}
	return u
}

// Start moves Idle to Active and schedules the first tick one current-weather interval
// from now. Data types never refreshed before are treated as refreshed now. Calling Start
// while Active does nothing. Stop cancels ctx-derived fetches.
func (u *Updater) Start(ctx context.Context) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.active {
		return
	}
	now := u.now()
	u.active = true
	u.lastUpdate = now
	u.run++
	u.ctx, u.cancel = context.WithCancel(ctx)
	for _, kind := range weather.AllTypes {
		if _, ok := u.lastRefresh(kind); !ok {
			u.setLastRefresh(kind, now)
		}
	}
	u.scheduleLocked()
	u.logger.Info("real-time updates started")
}

// Stop moves Active to Idle and cancels the pending tick. Calling Stop while Idle does nothing.
func (u *Updater) Stop() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.active {
		return
	}
	u.active = false
	if u.timer != nil {
		u.timer.Stop()
		u.timer = nil
	}
	u.cancel()
	u.logger.Info("real-time updates stopped")
}

// ForceUpdate refreshes all four data types immediately, ignoring intervals. It does
// nothing while Idle and returns once every fetch has settled.
func (u *Updater) ForceUpdate() {
	u.mu.Lock()
	if !u.active {
		u.mu.Unlock()
		return
	}
	ctx := u.ctx
	u.mu.Unlock()
	u.perform(ctx, weather.AllTypes)
}

// SetInterval changes the refresh interval of kind. Changing the current-weather interval
// also changes the tick period from the next tick on.
func (u *Updater) SetInterval(kind weather.DataType, d time.Duration) {
	if d <= 0 {
		return
	}
	u.mu.Lock()
	u.intervals[kind] = d
	u.mu.Unlock()
	u.logger.Debug("update interval changed", zap.String("type", string(kind)), zap.Duration("interval", d))
}

func (u *Updater) Status() Status {
	u.mu.Lock()
	defer u.mu.Unlock()
	return Status{Active: u.active, UpdateCount: u.updateCount, LastUpdateTime: u.lastUpdate}
}

// Due returns the data types whose interval has elapsed at now, in refresh order.
func (u *Updater) Due(now time.Time) []weather.DataType {
	u.mu.Lock()
	defer u.mu.Unlock()
	var due []weather.DataType
	for _, kind := range weather.AllTypes {
		last, _ := u.lastRefresh(kind)
		if now.Sub(last) >= u.intervals[kind] {
			due = append(due, kind)
		}
	}
	return due
}

func (u *Updater) scheduleLocked() {
	run := u.run
	u.timer = u.afterFunc(u.intervals[weather.Current], func() { u.tick(run) })
}

func (u *Updater) tick(run uint64) {
	u.mu.Lock()
	if !u.active || run != u.run {
		u.mu.Unlock()
		return
	}
	ctx := u.ctx
	u.mu.Unlock()

	if due := u.Due(u.now()); len(due) > 0 {
		u.perform(ctx, due)
	}

	u.mu.Lock()
	if u.active && run == u.run {
		u.scheduleLocked()
	}
	u.mu.Unlock()
}

type results struct {
	current   *models.WeatherSnapshot
	hourly    []models.HourlyPoint
	daily     []models.DailyPoint
	pollution *models.AQISample
}

// perform fetches kinds concurrently, waits for all of them, then applies each successful
// result and records its refresh time.
func (u *Updater) perform(ctx context.Context, kinds []weather.DataType) {
	coord, ok := u.location()
	if !ok {
		return
	}

	var r results
	var g errgroup.Group
	for _, kind := range kinds {
		g.Go(func() error {
			var err error
			switch kind {
			case weather.Current:
				r.current, err = u.source.CurrentWeather(ctx, coord)
			case weather.Hourly:
				r.hourly, err = u.source.HourlyForecast(ctx, coord)
			case weather.Daily:
				r.daily, err = u.source.DailyForecast(ctx, coord)
			case weather.Pollution:
				r.pollution, err = u.source.AirPollution(ctx, coord)
			}
			if err != nil {
				observability.UpdaterRefreshesTotal.WithLabelValues(string(kind), "error").Inc()
				u.logger.Warn("failed to update", zap.String("type", string(kind)), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		return
	}

	now := u.now()
	applied := func(kind weather.DataType) {
		observability.UpdaterRefreshesTotal.WithLabelValues(string(kind), "success").Inc()
		u.mu.Lock()
		u.setLastRefresh(kind, now)
		u.mu.Unlock()
	}
	if r.current != nil {
		u.sink.UpdateCurrent(r.current)
		applied(weather.Current)
	}
	if r.hourly != nil {
		u.sink.UpdateHourly(r.hourly)
		applied(weather.Hourly)
	}
	if r.daily != nil {
		u.sink.UpdateDaily(r.daily)
		applied(weather.Daily)
	}
	if r.pollution != nil {
		u.sink.UpdateAirQuality(r.pollution)
		applied(weather.Pollution)
	}

	u.mu.Lock()
	u.updateCount++
	u.lastUpdate = now
	u.mu.Unlock()
}

// lastRefresh reads the persisted refresh time of kind as Unix milliseconds.
func (u *Updater) lastRefresh(kind weather.DataType) (time.Time, bool) {
	var ms int64
	found, err := u.store.Load(prefs.LastUpdateKey(string(kind)), &ms)
	if err != nil {
		u.logger.Warn("failed to load refresh time", zap.String("type", string(kind)), zap.Error(err))
	}
	if !found || err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

func (u *Updater) setLastRefresh(kind weather.DataType, t time.Time) {
	if err := u.store.Save(prefs.LastUpdateKey(string(kind)), t.UnixMilli()); err != nil {
		u.logger.Warn("failed to save refresh time", zap.String("type", string(kind)), zap.Error(err))
	}
}
