// Package places is the dashboard's client for the proxy's place search endpoints:
// autocomplete with client-side ranking, place details, and geocoding with fallback.
package places

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/skyli-weather/internal/cache"
	"github.com/kjstillabower/skyli-weather/internal/fetch"
	"github.com/kjstillabower/skyli-weather/internal/models"
	"github.com/kjstillabower/skyli-weather/internal/observability"
	"github.com/kjstillabower/skyli-weather/internal/validation"
)

const (
	// MinQueryLen is the shortest query sent to autocomplete.
	MinQueryLen = 2

	AutocompleteTTL = 15 * time.Minute
	DetailsTTL      = 30 * time.Minute

	// DefaultThrottle is the minimum spacing between autocomplete network calls.
	DefaultThrottle = 200 * time.Millisecond

	// PreloadCount is how many of PopularLocations are preloaded.
	PreloadCount = 5

	// CurrentLocationName names a location whose reverse geocoding failed.
	CurrentLocationName = "Current Location"

	autocompletePrefix = "autocomplete_"
	detailsPrefix      = "details_"
)

var (
	// ErrPlaceIDRequired is returned by PlaceDetails for an empty id.
	ErrPlaceIDRequired = errors.New("place id is required")
	// ErrNoResults is returned when a lookup succeeded but matched nothing usable.
	ErrNoResults = errors.New("no matching place")
)

// Config configures a Client. Zero values select defaults.
type Config struct {
	BaseURL    string
	HTTPClient fetch.Doer
	Logger     *zap.Logger
	Policy     *fetch.Policy
	// History receives successful searches and drives ranking. Nil keeps an in-memory history.
	History *History
	// Throttle spaces autocomplete network calls. Negative disables throttling.
	Throttle     time.Duration
	Now          func() time.Time
	FetchOptions []fetch.Option
}

// Client talks to the places endpoints. Safe for concurrent use.
type Client struct {
	baseURL  string
	fetcher  *fetch.Fetcher
	policy   fetch.Policy
	geocode  fetch.Policy
	cache    *cache.Expiring[[]byte]
	history  *History
	throttle *rate.Limiter
	logger   *zap.Logger
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
	policy := fetch.PlacesPolicy
	if cfg.Policy != nil {
		policy = *cfg.Policy
	}
	history := cfg.History
	if history == nil {
		history = NewHistory(nil, logger)
	}
	limit := rate.Every(DefaultThrottle)
	switch {
	case cfg.Throttle < 0:
		limit = rate.Inf
	case cfg.Throttle > 0:
		limit = rate.Every(cfg.Throttle)
	}
	opts := append([]fetch.Option{fetch.WithLogger(logger)}, cfg.FetchOptions...)

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		fetcher: fetch.New(httpClient, "places", opts...),
		policy:  policy,
		// Direct geocoding is itself the fallback path and is tried once.
		geocode: fetch.Policy{Timeout: policy.Timeout},
		cache: cache.NewExpiring[[]byte](cache.Options{
			Now: cfg.Now,
			OnEvict: func(n int) {
				observability.ClientCacheEvictionsTotal.WithLabelValues("places").Add(float64(n))
			},
		}),
		history:  history,
		throttle: rate.NewLimiter(limit, 1),
		logger:   logger,
	}
}

// Autocomplete returns ranked suggestions for query. It never fails: on fetch failure it
// falls back to an expired cached result, and otherwise returns an empty list.
func (c *Client) Autocomplete(ctx context.Context, query string) []models.Suggestion {
	query = strings.TrimSpace(query)
	if utf8.RuneCountInString(query) < MinQueryLen {
		return []models.Suggestion{}
	}
	key := autocompletePrefix + strings.ToLower(query)

	// GetStale does not evict, so an expired result stays available as a fallback.
	stale, fresh, cached := c.cache.GetStale(key)
	if cached && fresh {
		if preds, err := decodePredictions(stale); err == nil {
			c.logger.Debug("autocomplete cache hit", zap.String("query", query))
			return c.rank(preds, query)
		}
		c.cache.Delete(key)
		cached = false
	}

	if err := c.throttle.Wait(ctx); err != nil {
		return []models.Suggestion{}
	}

	body, err := c.fetcher.Get(ctx, c.baseURL+"/api/places/autocomplete/"+url.PathEscape(query), c.policy)
	if err == nil {
		preds, decodeErr := decodePredictions(body)
		if decodeErr == nil {
			c.cache.Set(key, body, AutocompleteTTL)
			return c.rank(preds, query)
		}
		err = fmt.Errorf("%w: decode autocomplete: %v", fetch.ErrUpstream, decodeErr)
	}

	c.logger.Warn("autocomplete fetch failed", zap.String("query", query), zap.Error(err))
	if cached {
		if preds, decodeErr := decodePredictions(stale); decodeErr == nil {
			c.logger.Debug("returning expired autocomplete result", zap.String("query", query))
			return c.rank(preds, query)
		}
	}
	return []models.Suggestion{}
}

// PlaceDetails resolves a place id to its coordinates. Results with invalid coordinates
// are rejected.
func (c *Client) PlaceDetails(ctx context.Context, placeID string) (*models.PlaceDetails, error) {
	if placeID == "" {
		return nil, ErrPlaceIDRequired
	}
	key := detailsPrefix + placeID

	var out models.PlaceDetails
	if raw, ok := c.cache.Get(key); ok {
		if err := json.Unmarshal(raw, &out); err == nil {
			c.logger.Debug("place details cache hit", zap.String("placeId", placeID))
			return &out, nil
		}
		c.cache.Delete(key)
	}

	body, err := c.fetcher.Get(ctx, c.baseURL+"/api/places/details/"+url.PathEscape(placeID), c.policy)
	if err != nil {
		c.logger.Error("place details fetch failed", zap.String("placeId", placeID), zap.Error(err))
		return nil, fmt.Errorf("place details %s: %w", placeID, err)
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("place details %s: %w: decode response: %v", placeID, fetch.ErrUpstream, err)
	}
	if !validation.IsValidCoordinates(out.Lat, out.Lon) {
		return nil, fmt.Errorf("place details %s: %w", placeID, validation.ErrInvalidCoordinates)
	}
	c.cache.Set(key, body, DetailsTTL)
	return &out, nil
}

// Geocode resolves free text through the proxy's direct geocoding endpoint.
func (c *Client) Geocode(ctx context.Context, query string) (*models.Location, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, validation.ErrQueryEmpty
	}
	return c.getLocation(ctx, query)
}

// ReverseGeocode names the place at coord.
func (c *Client) ReverseGeocode(ctx context.Context, coord models.Coordinate) (*models.Location, error) {
	if err := validation.ValidateCoordinate(coord); err != nil {
		return nil, err
	}
	loc, err := c.getLocation(ctx, formatCoord(coord.Lat)+","+formatCoord(coord.Lon))
	if err != nil {
		return nil, err
	}
	loc.Lat, loc.Lon = coord.Lat, coord.Lon
	return loc, nil
}

// GeocodeWithFallback resolves query via autocomplete and place details, falling back to
// direct geocoding. It returns nil when every path fails. Successful lookups are recorded
// in the search history.
func (c *Client) GeocodeWithFallback(ctx context.Context, query string) *models.Location {
	if preds := c.Autocomplete(ctx, query); len(preds) > 0 {
		best := preds[0]
		details, err := c.PlaceDetails(ctx, best.PlaceID)
		if err == nil {
			c.history.Add(query)
			return locationFromDetails(details, best)
		}
		c.logger.Warn("place details failed, trying direct geocoding", zap.String("query", query), zap.Error(err))
	}

	loc, err := c.Geocode(ctx, query)
	if err != nil {
		c.logger.Error("geocoding with fallback failed", zap.String("query", query), zap.Error(err))
		return nil
	}
	c.history.Add(query)
	return loc
}

// PreloadPopular warms the autocomplete cache for the first PreloadCount popular locations.
func (c *Client) PreloadPopular(ctx context.Context) {
	var g errgroup.Group
	for _, loc := range PopularLocations[:PreloadCount] {
		g.Go(func() error {
			c.Autocomplete(ctx, loc)
			return nil
		})
	}
	_ = g.Wait()
	c.logger.Debug("popular locations preload completed")
}

// PopularSuggestions returns one suggestion per popular location whose autocomplete result
// is cached, pointing at that result's first prediction.
func (c *Client) PopularSuggestions() []models.Suggestion {
	var out []models.Suggestion
	for _, loc := range PopularLocations {
		raw, ok := c.cache.Get(autocompletePrefix + strings.ToLower(loc))
		if !ok {
			continue
		}
		preds, err := decodePredictions(raw)
		if err != nil || len(preds) == 0 {
			continue
		}
		out = append(out, models.Suggestion{
			PlaceID:     preds[0].PlaceID,
			Description: loc,
			MainText:    loc,
		})
	}
	return out
}

// Optimize removes expired entries and, above the hard cap, all but the most recently
// stored ones. It returns the number removed.
func (c *Client) Optimize() int {
	n := c.cache.Compact()
	if n > 0 {
		c.logger.Debug("places cache optimized", zap.Int("removed", n))
	}
	return n
}

// Stats describes the cache and history sizes.
type Stats struct {
	cache.Stats
	Autocomplete  int `json:"autocomplete"`
	Details       int `json:"details"`
	SearchHistory int `json:"searchHistory"`
}

func (c *Client) Stats() Stats {
	return Stats{
		Stats:         c.cache.Stats(),
		Autocomplete:  c.cache.CountPrefix(autocompletePrefix),
		Details:       c.cache.CountPrefix(detailsPrefix),
		SearchHistory: c.history.Len(),
	}
}

// History returns the remembered queries, most recent first.
func (c *Client) History() []string {
	return c.history.Items()
}

func (c *Client) RecordSearch(query string) {
	c.history.Add(query)
}

func (c *Client) ClearHistory() error {
	return c.history.Clear()
}

// Clear empties the cache. History is kept.
func (c *Client) Clear() {
	c.cache.Clear()
}

func (c *Client) rank(preds []models.Suggestion, query string) []models.Suggestion {
	return Rank(preds, query, c.history.Contains)
}

func (c *Client) getLocation(ctx context.Context, query string) (*models.Location, error) {
	body, err := c.fetcher.Get(ctx, c.baseURL+"/api/geocode/"+url.PathEscape(query), c.geocode)
	if err != nil {
		if fetch.StatusCode(err) == http.StatusNotFound {
			return nil, fmt.Errorf("geocode %q: %w", query, ErrNoResults)
		}
		return nil, fmt.Errorf("geocode %q: %w", query, err)
	}
	var loc models.Location
	if err := json.Unmarshal(body, &loc); err != nil {
		return nil, fmt.Errorf("geocode %q: %w: decode response: %v", query, fetch.ErrUpstream, err)
	}
	if !validation.IsValidCoordinates(loc.Lat, loc.Lon) {
		return nil, fmt.Errorf("geocode %q: %w", query, validation.ErrInvalidCoordinates)
	}
	return &loc, nil
}

func decodePredictions(raw []byte) ([]models.Suggestion, error) {
	var resp models.AutocompleteResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, err
	}
	return resp.Predictions, nil
}

// locationFromDetails builds a Location, taking the country from the last component of
// the formatted address.
func locationFromDetails(d *models.PlaceDetails, s models.Suggestion) *models.Location {
	name := d.Name
	if name == "" {
		name = s.MainText
	}
	var country string
	if parts := strings.Split(d.FormattedAddress, ","); len(parts) > 1 {
		country = strings.TrimSpace(parts[len(parts)-1])
	}
	return &models.Location{Name: name, Country: country, Lat: d.Lat, Lon: d.Lon}
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
