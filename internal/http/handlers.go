package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kjstillabower/skyli-weather/internal/circuitbreaker"
	"github.com/kjstillabower/skyli-weather/internal/lifecycle"
	"github.com/kjstillabower/skyli-weather/internal/models"
	"github.com/kjstillabower/skyli-weather/internal/observability"
	"github.com/kjstillabower/skyli-weather/internal/service"
	"github.com/kjstillabower/skyli-weather/internal/traffic"
	"github.com/kjstillabower/skyli-weather/internal/upstream"
	"github.com/kjstillabower/skyli-weather/internal/validation"
)

// Service is the proxy data surface the handlers serve.
type Service interface {
	CurrentWeather(ctx context.Context, coord models.Coordinate) (models.WeatherSnapshot, service.Source, error)
	HourlyForecast(ctx context.Context, coord models.Coordinate) ([]models.HourlyPoint, service.Source, error)
	DailyForecast(ctx context.Context, coord models.Coordinate) ([]models.DailyPoint, service.Source, error)
	AirPollution(ctx context.Context, coord models.Coordinate) (models.AQISample, service.Source, error)
	Geocode(ctx context.Context, query string) (models.Location, service.Source, error)
	Autocomplete(ctx context.Context, input string) (models.AutocompleteResponse, service.Source, error)
	PlaceDetails(ctx context.Context, placeID string) (models.PlaceDetails, service.Source, error)
}

// DefaultFeatures is advertised by the health endpoint.
var DefaultFeatures = []string{
	"Current Weather",
	"Hourly Forecast (24 hours)",
	"Daily Forecast (10 days)",
	"Air Pollution",
	"Geocoding",
	"Places Autocomplete",
}

// HealthConfig holds the health handler's descriptor fields and thresholds.
type HealthConfig struct {
	Service  string
	Version  string
	Features []string
	// DegradedWindow, DegradedErrorPct and DegradedMinRequests define the error-rate
	// breach that reports "degraded". A zero window disables the check.
	DegradedWindow      time.Duration
	DegradedErrorPct    int
	DegradedMinRequests int
	// Probes are named dependency checks (cache reachability, provider breakers). Any
	// failing probe reports "degraded".
	Probes map[string]func() error
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	svc              Service
	health           *HealthConfig
	traffic          *traffic.Tracker
	lifecycle        *lifecycle.State
	logger           *zap.Logger
	now              func() time.Time
	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler. tracker and state may be nil.
func NewHandler(svc Service, health *HealthConfig, tracker *traffic.Tracker, state *lifecycle.State, logger *zap.Logger) *Handler {
	if health == nil {
		health = &HealthConfig{}
	}
	if health.Service == "" {
		health.Service = "skyli-weather"
	}
	if health.Version == "" {
		health.Version = "dev"
	}
	if health.Features == nil {
		health.Features = DefaultFeatures
	}
	if tracker == nil {
		tracker = traffic.NewTracker(nil, 0)
	}
	if state == nil {
		state = &lifecycle.State{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		svc:       svc,
		health:    health,
		traffic:   tracker,
		lifecycle: state,
		logger:    logger,
		now:       time.Now,
	}
}

// GetCurrentWeather handles GET /api/weather/current/{lat}/{lon}.
func (h *Handler) GetCurrentWeather(w http.ResponseWriter, r *http.Request) {
	coord, ok := coordinateVars(w, r)
	if !ok {
		return
	}
	data, src, err := h.svc.CurrentWeather(r.Context(), coord)
	h.respond(w, r, data, src, err, "Failed to fetch current weather")
}

// GetHourlyForecast handles GET /api/forecast/hourly/{lat}/{lon}.
func (h *Handler) GetHourlyForecast(w http.ResponseWriter, r *http.Request) {
	coord, ok := coordinateVars(w, r)
	if !ok {
		return
	}
	data, src, err := h.svc.HourlyForecast(r.Context(), coord)
	h.respond(w, r, data, src, err, "Failed to fetch hourly forecast")
}

// GetDailyForecast handles GET /api/forecast/daily/{lat}/{lon}.
func (h *Handler) GetDailyForecast(w http.ResponseWriter, r *http.Request) {
	coord, ok := coordinateVars(w, r)
	if !ok {
		return
	}
	data, src, err := h.svc.DailyForecast(r.Context(), coord)
	h.respond(w, r, data, src, err, "Failed to fetch daily forecast")
}

// GetPollution handles GET /api/pollution/{lat}/{lon}.
func (h *Handler) GetPollution(w http.ResponseWriter, r *http.Request) {
	coord, ok := coordinateVars(w, r)
	if !ok {
		return
	}
	data, src, err := h.svc.AirPollution(r.Context(), coord)
	h.respond(w, r, data, src, err, "Failed to fetch air pollution data")
}

// GetGeocode handles GET /api/geocode/{query}.
func (h *Handler) GetGeocode(w http.ResponseWriter, r *http.Request) {
	query, ok := pathVar(w, r, "query")
	if !ok {
		return
	}
	data, src, err := h.svc.Geocode(r.Context(), query)
	h.respond(w, r, data, src, err, "Failed to geocode location")
}

// GetAutocomplete handles GET /api/places/autocomplete/{query}.
func (h *Handler) GetAutocomplete(w http.ResponseWriter, r *http.Request) {
	query, ok := pathVar(w, r, "query")
	if !ok {
		return
	}
	data, src, err := h.svc.Autocomplete(r.Context(), query)
	h.respond(w, r, data, src, err, "Failed to fetch place suggestions")
}

// GetPlaceDetails handles GET /api/places/details/{placeId}.
func (h *Handler) GetPlaceDetails(w http.ResponseWriter, r *http.Request) {
	placeID, ok := pathVar(w, r, "placeId")
	if !ok {
		return
	}
	data, src, err := h.svc.PlaceDetails(r.Context(), placeID)
	h.respond(w, r, data, src, err, "Failed to fetch place details")
}

func (h *Handler) respond(w http.ResponseWriter, r *http.Request, data any, src service.Source, err error, failure string) {
	if err != nil {
		writeServiceError(w, r, err, failure)
		return
	}
	if src != "" {
		w.Header().Set("X-Cache", string(src))
	}
	writeJSON(w, http.StatusOK, data)
}

// pathVar returns the unescaped route variable. Routes match on the encoded path, so an
// escaped "/" stays inside its segment.
func pathVar(w http.ResponseWriter, r *http.Request, name string) (string, bool) {
	v, err := url.PathUnescape(mux.Vars(r)[name])
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "Invalid request", fmt.Sprintf("%s: %v", name, err))
		return "", false
	}
	return v, true
}

func coordinateVars(w http.ResponseWriter, r *http.Request) (models.Coordinate, bool) {
	lat, ok := pathVar(w, r, "lat")
	if !ok {
		return models.Coordinate{}, false
	}
	lon, ok := pathVar(w, r, "lon")
	if !ok {
		return models.Coordinate{}, false
	}
	coord, err := validation.ParseCoordinate(lat, lon)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "Invalid coordinates", err.Error())
		return models.Coordinate{}, false
	}
	return coord, true
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
	checks     map[string]string
}

// GetHealth handles GET /api/health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result := h.computeHealthStatus()

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	writeJSON(w, result.statusCode, models.Health{
		Status:    result.status,
		Service:   h.health.Service,
		Version:   h.health.Version,
		Timestamp: h.now().UTC(),
		Features:  h.health.Features,
		Checks:    result.checks,
	})
}

// computeHealthStatus evaluates, in order: shutting down, failing probes, error-rate breach.
func (h *Handler) computeHealthStatus() healthResult {
	if h.lifecycle.IsShuttingDown() {
		return healthResult{status: "shutting-down", statusCode: http.StatusServiceUnavailable, reason: "signal"}
	}

	checks := make(map[string]string, len(h.health.Probes))
	var failing []string
	for name, probe := range h.health.Probes {
		if err := probe(); err != nil {
			checks[name] = "unhealthy"
			failing = append(failing, name)
			continue
		}
		checks[name] = "healthy"
	}
	if len(failing) > 0 {
		sort.Strings(failing)
		return healthResult{status: "degraded", statusCode: http.StatusOK, reason: "probe_failed:" + failing[0], checks: checks}
	}

	if h.health.DegradedWindow > 0 && h.health.DegradedErrorPct > 0 {
		threshold := float64(h.health.DegradedErrorPct) / 100
		if h.traffic.Degraded(h.health.DegradedWindow, threshold, h.health.DegradedMinRequests) {
			return healthResult{status: "degraded", statusCode: http.StatusOK, reason: "error_rate_breach", checks: checks}
		}
	}
	return healthResult{status: "OK", statusCode: http.StatusOK, checks: checks}
}

// BreakerProbe reports an open circuit breaker as a failing probe.
func BreakerProbe(cb *circuitbreaker.CircuitBreaker) func() error {
	return func() error {
		if cb.State() == circuitbreaker.StateOpen {
			return circuitbreaker.ErrOpen
		}
		return nil
	}
}

// writeJSON writes a JSON response with the specified HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorResponse is the error body: a short summary, the detail and the correlation id.
type errorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	RequestID string `json:"requestId,omitempty"`
}

func writeError(w http.ResponseWriter, r *http.Request, status int, summary, message string) {
	writeJSON(w, status, errorResponse{
		Error:     summary,
		Message:   message,
		RequestID: observability.CorrelationID(r.Context()),
	})
}

// writeServiceError maps a service error to its status code and logs it at a level
// matching its severity.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error, failure string) {
	status, summary := statusForError(err)
	if summary == "" {
		summary = failure
	}
	logger := observability.LoggerFromContext(r.Context(), zap.NewNop())
	fields := []zap.Field{zap.Int("status", status), zap.String("category", string(upstream.CategorizeError(err))), zap.Error(err)}
	if status >= http.StatusInternalServerError {
		logger.Error(failure, fields...)
	} else {
		logger.Debug(failure, fields...)
	}
	writeError(w, r, status, summary, err.Error())
}

// statusForError returns the HTTP status for err and, for client-facing categories, a
// fixed summary.
func statusForError(err error) (int, string) {
	switch {
	case validation.IsValidationError(err):
		return http.StatusBadRequest, "Invalid request"
	case errors.Is(err, upstream.ErrNotFound):
		return http.StatusNotFound, "Location not found"
	case errors.Is(err, upstream.ErrRateLimited):
		return http.StatusTooManyRequests, "Rate limited"
	case errors.Is(err, upstream.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "Upstream timeout"
	case errors.Is(err, upstream.ErrInvalidAPIKey):
		return http.StatusInternalServerError, "Server configuration error"
	}
	return http.StatusBadGateway, ""
}
