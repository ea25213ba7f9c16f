// Package geolocate finds the device's approximate position.
package geolocate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/skyli-weather/internal/fetch"
	"github.com/kjstillabower/skyli-weather/internal/models"
	"github.com/kjstillabower/skyli-weather/internal/validation"
)

// Timeout bounds a position lookup.
const Timeout = 10 * time.Second

// DefaultIPLookupURL is a free IP geolocation endpoint returning {status, lat, lon}.
const DefaultIPLookupURL = "http://ip-api.com/json/?fields=status,message,lat,lon"

// ErrUnavailable is returned when no position can be determined.
var ErrUnavailable = errors.New("geolocation unavailable")

// IPLocator estimates the position from the public IP address.
type IPLocator struct {
	url     string
	fetcher *fetch.Fetcher
}

// NewIPLocator creates a locator querying url (empty means DefaultIPLookupURL).
func NewIPLocator(url string, client fetch.Doer, logger *zap.Logger) *IPLocator {
	if url == "" {
		url = DefaultIPLookupURL
	}
	if client == nil {
		client = &http.Client{}
	}
	return &IPLocator{url: url, fetcher: fetch.New(client, "geolocate", fetch.WithLogger(logger))}
}

// Locate returns the estimated coordinate. It gives up after Timeout.
func (l *IPLocator) Locate(ctx context.Context) (models.Coordinate, error) {
	body, err := l.fetcher.Get(ctx, l.url, fetch.Policy{Timeout: Timeout})
	if err != nil {
		return models.Coordinate{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	var resp struct {
		Status  string  `json:"status"`
		Message string  `json:"message"`
		Lat     float64 `json:"lat"`
		Lon     float64 `json:"lon"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return models.Coordinate{}, fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	if resp.Status != "" && resp.Status != "success" {
		return models.Coordinate{}, fmt.Errorf("%w: %s", ErrUnavailable, resp.Message)
	}
	coord := models.Coordinate{Lat: resp.Lat, Lon: resp.Lon}
	if err := validation.ValidateCoordinate(coord); err != nil {
		return models.Coordinate{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return coord, nil
}

// Static always reports the same position, or ErrUnavailable when unset.
type Static struct {
	Coord *models.Coordinate
}

func (s Static) Locate(context.Context) (models.Coordinate, error) {
	if s.Coord == nil {
		return models.Coordinate{}, ErrUnavailable
	}
	return *s.Coord, nil
}
