package http

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/skyli-weather/internal/observability"
	"github.com/kjstillabower/skyli-weather/internal/traffic"
)

// RouterConfig wires the proxy's routes and middleware.
type RouterConfig struct {
	Handler        *Handler
	Logger         *zap.Logger
	Limiter        *rate.Limiter
	RequestTimeout time.Duration
	AllowedOrigin  string
	Traffic        *traffic.Tracker
	InFlight       *InFlightTracker
}

// NewRouter returns the proxy's HTTP handler. Data routes under /api are rate limited and
// carry the request timeout; /api/health and /metrics are not.
func NewRouter(cfg RouterConfig) http.Handler {
	h := cfg.Handler
	router := mux.NewRouter().UseEncodedPath()
	router.Use(CorrelationIDMiddleware(cfg.Logger))
	router.Use(MetricsMiddleware(cfg.Traffic, cfg.InFlight))

	router.HandleFunc("/api/health", h.GetHealth).Methods(http.MethodGet)
	router.Handle("/metrics", observability.MetricsHandler()).Methods(http.MethodGet)

	api := router.PathPrefix("/api").Subrouter()
	api.Use(RateLimitMiddleware(cfg.Limiter))
	api.Use(TimeoutMiddleware(cfg.RequestTimeout))
	api.HandleFunc("/geocode/{query}", h.GetGeocode).Methods(http.MethodGet)
	api.HandleFunc("/weather/current/{lat}/{lon}", h.GetCurrentWeather).Methods(http.MethodGet)
	api.HandleFunc("/forecast/hourly/{lat}/{lon}", h.GetHourlyForecast).Methods(http.MethodGet)
	api.HandleFunc("/forecast/daily/{lat}/{lon}", h.GetDailyForecast).Methods(http.MethodGet)
	api.HandleFunc("/pollution/{lat}/{lon}", h.GetPollution).Methods(http.MethodGet)
	api.HandleFunc("/places/autocomplete/{query}", h.GetAutocomplete).Methods(http.MethodGet)
	api.HandleFunc("/places/details/{placeId}", h.GetPlaceDetails).Methods(http.MethodGet)

	return CORSMiddleware(cfg.AllowedOrigin)(router)
}
