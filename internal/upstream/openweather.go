package upstream

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kjstillabower/skyli-weather/internal/forecast"
	"github.com/kjstillabower/skyli-weather/internal/models"
)

// DefaultOpenWeatherURL serves both the data and geocoding APIs.
const DefaultOpenWeatherURL = "https://pro.openweathermap.org"

// ProviderOpenWeather is the provider label used in metrics and logs.
const ProviderOpenWeather = "openweather"

// OpenWeatherClient maps OpenWeather responses to the proxy's response shapes.
type OpenWeatherClient struct {
	c *caller
}

// NewOpenWeatherClient returns ErrInvalidAPIKey when the key is missing or implausibly short.
func NewOpenWeatherClient(cfg Config) (*OpenWeatherClient, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultOpenWeatherURL
	}
	c, err := newCaller(ProviderOpenWeather, "appid", cfg)
	if err != nil {
		return nil, err
	}
	return &OpenWeatherClient{c: c}, nil
}

type owCondition struct {
	Main        string `json:"main"`
	Description string `json:"description"`
	Icon        string `json:"icon"`
}

type owMain struct {
	Temp      float64 `json:"temp"`
	FeelsLike float64 `json:"feels_like"`
	Humidity  int     `json:"humidity"`
	Pressure  int     `json:"pressure"`
}

type owWind struct {
	Speed float64 `json:"speed"`
	Deg   float64 `json:"deg"`
}

type currentResponse struct {
	Main       owMain        `json:"main"`
	Weather    []owCondition `json:"weather"`
	Wind       owWind        `json:"wind"`
	Visibility float64       `json:"visibility"`
	Sys        struct {
		Sunrise int64 `json:"sunrise"`
		Sunset  int64 `json:"sunset"`
	} `json:"sys"`
}

type uvResponse struct {
	Value float64 `json:"value"`
}

type precipitation struct {
	OneHour float64 `json:"1h"`
}

type hourlyResponse struct {
	List []struct {
		Dt      int64          `json:"dt"`
		Main    owMain         `json:"main"`
		Weather []owCondition  `json:"weather"`
		Wind    owWind         `json:"wind"`
		Rain    *precipitation `json:"rain"`
		Snow    *precipitation `json:"snow"`
	} `json:"list"`
}

type threeHourlyResponse struct {
	List []struct {
		Dt      int64         `json:"dt"`
		Main    owMain        `json:"main"`
		Weather []owCondition `json:"weather"`
		Wind    owWind        `json:"wind"`
		Pop     float64       `json:"pop"`
	} `json:"list"`
	City struct {
		Timezone int `json:"timezone"`
	} `json:"city"`
}

type pollutionResponse struct {
	List []struct {
		Dt   int64 `json:"dt"`
		Main struct {
			AQI int `json:"aqi"`
		} `json:"main"`
		Components models.PollutantComponents `json:"components"`
	} `json:"list"`
}

type geoResult struct {
	Name    string  `json:"name"`
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
	Country string  `json:"country"`
	State   string  `json:"state"`
}

func coordParams(coord models.Coordinate) url.Values {
	return url.Values{
		"lat": {strconv.FormatFloat(coord.Lat, 'f', -1, 64)},
		"lon": {strconv.FormatFloat(coord.Lon, 'f', -1, 64)},
	}
}

func metricParams(coord models.Coordinate) url.Values {
	p := coordParams(coord)
	p.Set("units", "metric")
	return p
}

// Current fetches current conditions and the UV index concurrently. A failed UV lookup
// is logged and reported as 0; a failed conditions lookup fails the call.
func (w *OpenWeatherClient) Current(ctx context.Context, coord models.Coordinate) (models.WeatherSnapshot, error) {
	var (
		cur currentResponse
		uv  float64
		g   errgroup.Group
	)
	g.Go(func() error {
		return w.c.getJSON(ctx, "current", "/data/2.5/weather", metricParams(coord), &cur)
	})
	g.Go(func() error {
		var resp uvResponse
		if err := w.c.getJSON(ctx, "uvi", "/data/2.5/uvi", coordParams(coord), &resp); err != nil {
			w.c.logger.Warn("uv index unavailable", zap.Error(err))
			return nil
		}
		uv = forecast.Round(resp.Value)
		return nil
	})
	if err := g.Wait(); err != nil {
		return models.WeatherSnapshot{}, err
	}
	if len(cur.Weather) == 0 {
		return models.WeatherSnapshot{}, fmt.Errorf("%w: current weather has no conditions", ErrMalformedResponse)
	}

	cond := cur.Weather[0]
	return models.WeatherSnapshot{
		Temp:          forecast.Round(cur.Main.Temp),
		Condition:     cond.Main,
		Description:   cond.Description,
		IconCode:      cond.Icon,
		Humidity:      cur.Main.Humidity,
		Pressure:      cur.Main.Pressure,
		WindSpeed:     forecast.KmhFromMs(cur.Wind.Speed),
		WindDirection: cur.Wind.Deg,
		Visibility:    forecast.KmFromM(cur.Visibility),
		UVIndex:       uv,
		FeelsLike:     forecast.Round(cur.Main.FeelsLike),
		Sunrise:       cur.Sys.Sunrise,
		Sunset:        cur.Sys.Sunset,
		Timestamp:     w.c.now().UnixMilli(),
	}, nil
}

// Hourly returns up to 24 hourly points. Every point carries the same precipitation
// figure: the 24 hour total of rain and snow, in mm to two decimals.
func (w *OpenWeatherClient) Hourly(ctx context.Context, coord models.Coordinate) ([]models.HourlyPoint, error) {
	params := metricParams(coord)
	params.Set("cnt", strconv.Itoa(forecast.HoursInForecast))

	var resp hourlyResponse
	if err := w.c.getJSON(ctx, "hourly", "/data/2.5/forecast/hourly", params, &resp); err != nil {
		return nil, err
	}

	list := resp.List
	if len(list) > forecast.HoursInForecast {
		list = list[:forecast.HoursInForecast]
	}
	var total float64
	for _, h := range resp.List {
		if h.Rain != nil {
			total += h.Rain.OneHour
		}
		if h.Snow != nil {
			total += h.Snow.OneHour
		}
	}
	total = forecast.RoundTo(total, 2)

	out := make([]models.HourlyPoint, 0, len(list))
	for _, h := range list {
		if len(h.Weather) == 0 {
			return nil, fmt.Errorf("%w: hourly point %d has no conditions", ErrMalformedResponse, h.Dt)
		}
		out = append(out, models.HourlyPoint{
			Time:          h.Dt * 1000,
			Temp:          forecast.Round(h.Main.Temp),
			Condition:     h.Weather[0].Main,
			Description:   h.Weather[0].Description,
			IconCode:      h.Weather[0].Icon,
			Precipitation: total,
			Humidity:      h.Main.Humidity,
			WindSpeed:     forecast.KmhFromMs(h.Wind.Speed),
			WindDirection: h.Wind.Deg,
			FeelsLike:     forecast.Round(h.Main.FeelsLike),
			Pressure:      h.Main.Pressure,
		})
	}
	return out, nil
}

// Daily aggregates the 3-hourly forecast into calendar days in the city's UTC offset.
func (w *OpenWeatherClient) Daily(ctx context.Context, coord models.Coordinate) ([]models.DailyPoint, error) {
	var resp threeHourlyResponse
	if err := w.c.getJSON(ctx, "daily", "/data/2.5/forecast", metricParams(coord), &resp); err != nil {
		return nil, err
	}

	samples := make([]forecast.Sample, 0, len(resp.List))
	for _, s := range resp.List {
		if len(s.Weather) == 0 {
			continue
		}
		samples = append(samples, forecast.Sample{
			Time:        time.Unix(s.Dt, 0),
			Temp:        s.Main.Temp,
			Condition:   s.Weather[0].Main,
			Description: s.Weather[0].Description,
			IconCode:    s.Weather[0].Icon,
			Pop:         s.Pop,
			Humidity:    s.Main.Humidity,
			Pressure:    s.Main.Pressure,
			WindSpeed:   s.Wind.Speed,
		})
	}
	zone := time.FixedZone("city", resp.City.Timezone)
	return forecast.AggregateDaily(samples, zone, forecast.MaxDays), nil
}

// Pollution returns the first air quality reading for the coordinate.
func (w *OpenWeatherClient) Pollution(ctx context.Context, coord models.Coordinate) (models.AQISample, error) {
	var resp pollutionResponse
	if err := w.c.getJSON(ctx, "pollution", "/data/2.5/air_pollution", coordParams(coord), &resp); err != nil {
		return models.AQISample{}, err
	}
	if len(resp.List) == 0 {
		return models.AQISample{}, fmt.Errorf("%w: no air pollution readings", ErrMalformedResponse)
	}
	r := resp.List[0]
	return models.AQISample{
		AQI:        r.Main.AQI,
		Label:      forecast.AQILabel(r.Main.AQI),
		Components: r.Components,
		Timestamp:  r.Dt * 1000,
	}, nil
}

// Geocode resolves a free-text place name. ErrNotFound when the provider has no match.
func (w *OpenWeatherClient) Geocode(ctx context.Context, query string) (models.Location, error) {
	params := url.Values{"q": {query}, "limit": {"1"}}
	return w.geocode(ctx, "geocode", "/geo/1.0/direct", params)
}

// ReverseGeocode names the place nearest to coord.
func (w *OpenWeatherClient) ReverseGeocode(ctx context.Context, coord models.Coordinate) (models.Location, error) {
	params := coordParams(coord)
	params.Set("limit", "1")
	loc, err := w.geocode(ctx, "reverse_geocode", "/geo/1.0/reverse", params)
	if err != nil {
		return models.Location{}, err
	}
	loc.Lat, loc.Lon = coord.Lat, coord.Lon
	return loc, nil
}

func (w *OpenWeatherClient) geocode(ctx context.Context, endpoint, path string, params url.Values) (models.Location, error) {
	var results []geoResult
	if err := w.c.getJSON(ctx, endpoint, path, params, &results); err != nil {
		return models.Location{}, err
	}
	if len(results) == 0 {
		return models.Location{}, fmt.Errorf("%w: location not found", ErrNotFound)
	}
	r := results[0]
	name := r.Name
	if r.Country != "" {
		name = r.Name + ", " + r.Country
	}
	return models.Location{Name: name, Country: r.Country, State: r.State, Lat: r.Lat, Lon: r.Lon}, nil
}

// ValidateAPIKey makes one unretried geocoding request and reports ErrInvalidAPIKey on 401.
func (w *OpenWeatherClient) ValidateAPIKey(ctx context.Context) error {
	return w.c.validateKey(ctx, "/geo/1.0/direct", url.Values{"q": {"London"}, "limit": {"1"}}, func(status int, _ []byte) error {
		if status == http.StatusUnauthorized {
			return fmt.Errorf("%w: API key is invalid or not activated", ErrInvalidAPIKey)
		}
		if status != http.StatusOK {
			return fmt.Errorf("validation failed: HTTP %d", status)
		}
		return nil
	})
}
