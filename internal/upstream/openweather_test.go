package upstream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kjstillabower/skyli-weather/internal/circuitbreaker"
	"github.com/kjstillabower/skyli-weather/internal/models"
	"github.com/kjstillabower/skyli-weather/internal/observability"
)

const testKey = "test-api-key-12345"

var zurich = models.Coordinate{Lat: 47.3769, Lon: 8.5417}

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func newOpenWeather(t *testing.T, handler http.Handler, mutate ...func(*Config)) *OpenWeatherClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg := Config{
		APIKey:  testKey,
		BaseURL: srv.URL,
		Timeout: 2 * time.Second,
		Sleep:   noSleep,
		Now:     func() time.Time { return time.UnixMilli(1700000000000) },
	}
	for _, m := range mutate {
		m(&cfg)
	}
	c, err := NewOpenWeatherClient(cfg)
	if err != nil {
		t.Fatalf("NewOpenWeatherClient() error = %v", err)
	}
	return c
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

// TestNewOpenWeatherClient_InvalidAPIKey verifies that missing or short keys are rejected.
func TestNewOpenWeatherClient_InvalidAPIKey(t *testing.T) {
	tests := []struct {
		name    string
		apiKey  string
		wantErr error
	}{
		{"empty API key", "", ErrInvalidAPIKey},
		{"too short API key", "short", ErrInvalidAPIKey},
		{"valid API key", testKey, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewOpenWeatherClient(Config{APIKey: tt.apiKey})
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("NewOpenWeatherClient() error = %v, want %v", err, tt.wantErr)
				}
				if c != nil {
					t.Errorf("NewOpenWeatherClient() expected nil client on error")
				}
				return
			}
			if err != nil {
				t.Fatalf("NewOpenWeatherClient() error = %v", err)
			}
			if c.c.baseURL != DefaultOpenWeatherURL {
				t.Errorf("baseURL = %q, want %q", c.c.baseURL, DefaultOpenWeatherURL)
			}
		})
	}
}

// TestCurrent_MergesUVAndConverts verifies unit conversion, rounding and the UV merge.
func TestCurrent_MergesUVAndConverts(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/data/2.5/weather", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("appid") != testKey || r.URL.Query().Get("units") != "metric" {
			t.Errorf("query = %v, want appid and metric units", r.URL.Query())
		}
		if got := r.Header.Get("X-Correlation-ID"); got != "req-1" {
			t.Errorf("X-Correlation-ID = %q, want req-1", got)
		}
		writeJSON(w, http.StatusOK, `{
			"main": {"temp": 21.6, "feels_like": 20.4, "humidity": 55, "pressure": 1013},
			"weather": [{"main": "Clouds", "description": "broken clouds", "icon": "04d"}],
			"wind": {"speed": 5, "deg": 240},
			"visibility": 9600,
			"sys": {"sunrise": 1700000100, "sunset": 1700040000}
		}`)
	})
	mux.HandleFunc("/data/2.5/uvi", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"value": 3.6}`)
	})
	c := newOpenWeather(t, mux)

	ctx := observability.WithCorrelationID(context.Background(), "req-1")
	got, err := c.Current(ctx, zurich)
	if err != nil {
		t.Fatalf("Current() error = %v", err)
	}
	want := models.WeatherSnapshot{
		Temp: 22, Condition: "Clouds", Description: "broken clouds", IconCode: "04d",
		Humidity: 55, Pressure: 1013, WindSpeed: 18, WindDirection: 240, Visibility: 10,
		UVIndex: 4, FeelsLike: 20, Sunrise: 1700000100, Sunset: 1700040000, Timestamp: 1700000000000,
	}
	if got != want {
		t.Errorf("Current() = %+v, want %+v", got, want)
	}
}

// TestCurrent_UVFailureIsNonFatal verifies that a failing UV endpoint yields uvIndex 0.
func TestCurrent_UVFailureIsNonFatal(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/data/2.5/weather", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"main": {"temp": 10}, "weather": [{"main": "Clear"}]}`)
	})
	mux.HandleFunc("/data/2.5/uvi", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusInternalServerError, `{"message": "boom"}`)
	})
	c := newOpenWeather(t, mux)

	got, err := c.Current(context.Background(), zurich)
	if err != nil {
		t.Fatalf("Current() error = %v", err)
	}
	if got.UVIndex != 0 || got.Temp != 10 {
		t.Errorf("Current() = %+v, want uv 0 and temp 10", got)
	}
}

// TestCurrent_RetriesThenFails verifies retry exhaustion on 5xx surfaces ErrUpstreamFailure.
func TestCurrent_RetriesThenFails(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/data/2.5/weather", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusBadGateway, `{"message": "bad gateway"}`)
	})
	mux.HandleFunc("/data/2.5/uvi", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"value": 1}`)
	})
	c := newOpenWeather(t, mux, func(cfg *Config) { cfg.RetryAttempts = 3 })

	_, err := c.Current(context.Background(), zurich)
	if !errors.Is(err, ErrUpstreamFailure) {
		t.Fatalf("Current() error = %v, want ErrUpstreamFailure", err)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("weather calls = %d, want 3", got)
	}
}

// TestGetJSON_RetrySucceeds verifies a transient failure followed by success returns data.
func TestGetJSON_RetrySucceeds(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/data/2.5/air_pollution", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			writeJSON(w, http.StatusTooManyRequests, `{"message": "slow down"}`)
			return
		}
		writeJSON(w, http.StatusOK, `{"list": [{"dt": 1700000000, "main": {"aqi": 3},
			"components": {"co": 201.9, "no": 0.1, "no2": 10.3, "o3": 68.7, "so2": 0.6, "pm2_5": 5.2, "pm10": 7.1, "nh3": 0.9}}]}`)
	})
	c := newOpenWeather(t, mux)

	got, err := c.Pollution(context.Background(), zurich)
	if err != nil {
		t.Fatalf("Pollution() error = %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
	if got.AQI != 3 || got.Label != "Moderate" || got.Timestamp != 1700000000000 {
		t.Errorf("Pollution() = %+v, want aqi 3 Moderate", got)
	}
	if got.Components.NH3 != 0.9 || got.Components.PM25 != 5.2 {
		t.Errorf("Components = %+v, want all eight pollutants", got.Components)
	}
}

// TestNonRetryableErrors verifies that 401, 404 and malformed bodies are not retried.
func TestNonRetryableErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr error
	}{
		{"unauthorized", http.StatusUnauthorized, `{"message": "Invalid API key"}`, ErrInvalidAPIKey},
		{"not found", http.StatusNotFound, `{"message": "city not found"}`, ErrNotFound},
		{"malformed", http.StatusOK, `{"list": `, ErrMalformedResponse},
		{"empty list", http.StatusOK, `{"list": []}`, ErrMalformedResponse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			c := newOpenWeather(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				writeJSON(w, tt.status, tt.body)
			}))
			_, err := c.Pollution(context.Background(), zurich)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Pollution() error = %v, want %v", err, tt.wantErr)
			}
			if calls.Load() != 1 {
				t.Errorf("calls = %d, want 1", calls.Load())
			}
		})
	}
}

// TestHourly_PrecipitationTotal verifies the 24 hour rain+snow total on every point.
func TestHourly_PrecipitationTotal(t *testing.T) {
	c := newOpenWeather(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/data/2.5/forecast/hourly" || r.URL.Query().Get("cnt") != "24" {
			t.Errorf("request = %s?%s", r.URL.Path, r.URL.RawQuery)
		}
		writeJSON(w, http.StatusOK, `{"list": [
			{"dt": 1700000000, "main": {"temp": 4.4, "feels_like": 1.2, "humidity": 80, "pressure": 1002},
			 "weather": [{"main": "Rain", "description": "light rain", "icon": "10n"}],
			 "wind": {"speed": 2.5, "deg": 90}, "rain": {"1h": 0.333}},
			{"dt": 1700003600, "main": {"temp": 3.5}, "weather": [{"main": "Snow"}], "snow": {"1h": 0.5}},
			{"dt": 1700007200, "main": {"temp": 3.0}, "weather": [{"main": "Clouds"}]}
		]}`)
	}))

	got, err := c.Hourly(context.Background(), zurich)
	if err != nil {
		t.Fatalf("Hourly() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len(Hourly()) = %d, want 3", len(got))
	}
	for i, p := range got {
		if p.Precipitation != 0.83 {
			t.Errorf("point %d precipitation = %v, want 0.83", i, p.Precipitation)
		}
	}
	first := got[0]
	if first.Time != 1700000000000 || first.Temp != 4 || first.WindSpeed != 9 || first.FeelsLike != 1 {
		t.Errorf("first point = %+v", first)
	}
}

// TestDaily_AggregatesByCityDay verifies 3-hourly samples are grouped in the city's offset.
func TestDaily_AggregatesByCityDay(t *testing.T) {
	// 2023-11-14 22:00 UTC and 23:00 UTC fall on 2023-11-15 at UTC+2.
	c := newOpenWeather(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"city": {"timezone": 7200}, "list": [
			{"dt": 1699999200, "main": {"temp": 10, "humidity": 60, "pressure": 1010}, "weather": [{"main": "Rain", "icon": "10d"}], "wind": {"speed": 1}, "pop": 0.4},
			{"dt": 1700002800, "main": {"temp": 12, "humidity": 70, "pressure": 1012}, "weather": [{"main": "Rain", "icon": "10d"}], "wind": {"speed": 3}, "pop": 0.6},
			{"dt": 1700006400, "main": {"temp": 9, "humidity": 50, "pressure": 1014}, "weather": [{"main": "Clear", "icon": "01d"}], "wind": {"speed": 2}, "pop": 0.2},
			{"dt": 1700085600, "main": {"temp": 15, "humidity": 40, "pressure": 1020}, "weather": [{"main": "Clear", "icon": "01d"}], "wind": {"speed": 4}, "pop": 0}
		]}`)
	}))

	got, err := c.Daily(context.Background(), zurich)
	if err != nil {
		t.Fatalf("Daily() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(Daily()) = %d, want 2: %+v", len(got), got)
	}
	day := got[0]
	if day.TempMax != 12 || day.TempMin != 9 || day.Condition != "Rain" || day.Precipitation != 40 {
		t.Errorf("day 0 = %+v, want max 12 min 9 Rain 40%%", day)
	}
	if day.WindSpeed != 11 || day.Humidity != 60 || day.Pressure != 1012 {
		t.Errorf("day 0 = %+v, want wind 11 humidity 60 pressure 1012", day)
	}
}

// TestGeocode verifies direct and reverse geocoding responses and the empty-result 404.
func TestGeocode(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/geo/1.0/direct", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("q") == "Nowhere" {
			writeJSON(w, http.StatusOK, `[]`)
			return
		}
		writeJSON(w, http.StatusOK, `[{"name": "Zurich", "lat": 47.3769, "lon": 8.5417, "country": "CH", "state": "Zurich"}]`)
	})
	mux.HandleFunc("/geo/1.0/reverse", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `[{"name": "Kreis 1", "lat": 47.37, "lon": 8.54, "country": "CH"}]`)
	})
	c := newOpenWeather(t, mux)
	ctx := context.Background()

	loc, err := c.Geocode(ctx, "Zurich")
	if err != nil {
		t.Fatalf("Geocode() error = %v", err)
	}
	want := models.Location{Name: "Zurich, CH", Country: "CH", State: "Zurich", Lat: 47.3769, Lon: 8.5417}
	if loc != want {
		t.Errorf("Geocode() = %+v, want %+v", loc, want)
	}

	if _, err := c.Geocode(ctx, "Nowhere"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Geocode(Nowhere) error = %v, want ErrNotFound", err)
	}

	rev, err := c.ReverseGeocode(ctx, zurich)
	if err != nil {
		t.Fatalf("ReverseGeocode() error = %v", err)
	}
	if rev.Name != "Kreis 1, CH" || rev.Lat != zurich.Lat || rev.Lon != zurich.Lon {
		t.Errorf("ReverseGeocode() = %+v, want requested coordinates", rev)
	}
}

// TestCircuitBreakerOpens verifies that repeated failures open the breaker and short-circuit.
func TestCircuitBreakerOpens(t *testing.T) {
	var calls atomic.Int32
	cb := circuitbreaker.New(circuitbreaker.Config{FailureThreshold: 2, Timeout: time.Minute})
	c := newOpenWeather(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusServiceUnavailable, `{}`)
	}), func(cfg *Config) {
		cfg.Breaker = cb
		cfg.RetryAttempts = 1
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := c.Pollution(ctx, zurich); !errors.Is(err, ErrUpstreamFailure) {
			t.Fatalf("Pollution() error = %v, want ErrUpstreamFailure", err)
		}
	}
	if _, err := c.Pollution(ctx, zurich); !errors.Is(err, circuitbreaker.ErrOpen) {
		t.Fatalf("Pollution() error = %v, want circuitbreaker.ErrOpen", err)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

// TestNotFoundDoesNotTripBreaker verifies 404s are not counted as provider failures.
func TestNotFoundDoesNotTripBreaker(t *testing.T) {
	cb := circuitbreaker.New(circuitbreaker.Config{FailureThreshold: 1})
	c := newOpenWeather(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `[]`)
	}), func(cfg *Config) { cfg.Breaker = cb })

	for i := 0; i < 3; i++ {
		if _, err := c.Geocode(context.Background(), "Nowhere"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("Geocode() error = %v, want ErrNotFound", err)
		}
	}
	if cb.State() != circuitbreaker.StateClosed {
		t.Errorf("State() = %v, want closed", cb.State())
	}
}

// TestTimeout verifies that a slow provider yields ErrTimeout.
func TestTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	c := newOpenWeather(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}), func(cfg *Config) {
		cfg.Timeout = 20 * time.Millisecond
		cfg.RetryAttempts = 1
	})

	_, err := c.Pollution(context.Background(), zurich)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Pollution() error = %v, want ErrTimeout", err)
	}
}

func TestValidateAPIKey(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr error
	}{
		{"ok", http.StatusOK, nil},
		{"unauthorized", http.StatusUnauthorized, ErrInvalidAPIKey},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newOpenWeather(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tt.status, `[]`)
			}))
			err := c.ValidateAPIKey(context.Background())
			if tt.wantErr == nil && err != nil {
				t.Fatalf("ValidateAPIKey() error = %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("ValidateAPIKey() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}
