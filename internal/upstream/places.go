package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/kjstillabower/skyli-weather/internal/models"
)

// DefaultPlacesURL is the Google Maps API host.
const DefaultPlacesURL = "https://maps.googleapis.com"

// ProviderPlaces is the provider label used in metrics and logs.
const ProviderPlaces = "places"

// PlacesClient wraps the Places autocomplete and details APIs.
type PlacesClient struct {
	c *caller
}

// NewPlacesClient returns ErrInvalidAPIKey when the key is missing or implausibly short.
func NewPlacesClient(cfg Config) (*PlacesClient, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultPlacesURL
	}
	c, err := newCaller(ProviderPlaces, "key", cfg)
	if err != nil {
		return nil, err
	}
	return &PlacesClient{c: c}, nil
}

type autocompleteResponse struct {
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message"`
	Predictions  []struct {
		PlaceID              string `json:"place_id"`
		Description          string `json:"description"`
		StructuredFormatting struct {
			MainText      string `json:"main_text"`
			SecondaryText string `json:"secondary_text"`
		} `json:"structured_formatting"`
		Types []string `json:"types"`
	} `json:"predictions"`
}

type detailsResponse struct {
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message"`
	Result       struct {
		Name             string `json:"name"`
		FormattedAddress string `json:"formatted_address"`
		Geometry         struct {
			Location struct {
				Lat float64 `json:"lat"`
				Lng float64 `json:"lng"`
			} `json:"location"`
		} `json:"geometry"`
	} `json:"result"`
}

// Autocomplete returns city predictions for input. ZERO_RESULTS is an empty success.
func (p *PlacesClient) Autocomplete(ctx context.Context, input string) (models.AutocompleteResponse, error) {
	params := url.Values{"input": {input}, "types": {"(cities)"}}
	var resp autocompleteResponse
	if err := p.c.getJSON(ctx, "autocomplete", "/maps/api/place/autocomplete/json", params, &resp); err != nil {
		return models.AutocompleteResponse{}, err
	}
	if resp.Status != "OK" && resp.Status != "ZERO_RESULTS" {
		return models.AutocompleteResponse{}, placesStatusError(resp.Status, resp.ErrorMessage)
	}

	out := models.AutocompleteResponse{Predictions: make([]models.Suggestion, 0, len(resp.Predictions))}
	for _, pr := range resp.Predictions {
		out.Predictions = append(out.Predictions, models.Suggestion{
			PlaceID:       pr.PlaceID,
			Description:   pr.Description,
			MainText:      pr.StructuredFormatting.MainText,
			SecondaryText: pr.StructuredFormatting.SecondaryText,
			Types:         pr.Types,
		})
	}
	return out, nil
}

// Details resolves a place id to its name, coordinates and formatted address.
func (p *PlacesClient) Details(ctx context.Context, placeID string) (models.PlaceDetails, error) {
	params := url.Values{"place_id": {placeID}, "fields": {"name,geometry,formatted_address"}}
	var resp detailsResponse
	if err := p.c.getJSON(ctx, "details", "/maps/api/place/details/json", params, &resp); err != nil {
		return models.PlaceDetails{}, err
	}
	if resp.Status != "OK" {
		return models.PlaceDetails{}, placesStatusError(resp.Status, resp.ErrorMessage)
	}

	r := resp.Result
	name := r.Name
	if name == "" {
		name = r.FormattedAddress
	}
	return models.PlaceDetails{
		Name:             name,
		Lat:              r.Geometry.Location.Lat,
		Lon:              r.Geometry.Location.Lng,
		FormattedAddress: r.FormattedAddress,
	}, nil
}

// ValidateAPIKey makes one unretried autocomplete request. Places reports bad keys
// as REQUEST_DENIED in a 200 body.
func (p *PlacesClient) ValidateAPIKey(ctx context.Context) error {
	params := url.Values{"input": {"London"}, "types": {"(cities)"}}
	return p.c.validateKey(ctx, "/maps/api/place/autocomplete/json", params, func(status int, body []byte) error {
		if status != http.StatusOK {
			return fmt.Errorf("validation failed: HTTP %d", status)
		}
		var resp autocompleteResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return fmt.Errorf("parse validation response: %w", err)
		}
		if resp.Status == "REQUEST_DENIED" {
			return fmt.Errorf("%w: %s", ErrInvalidAPIKey, resp.ErrorMessage)
		}
		return nil
	})
}

// placesStatusError maps a non-OK Places status to a sentinel.
func placesStatusError(status, message string) error {
	if message == "" {
		message = "places status " + status
	}
	switch status {
	case "ZERO_RESULTS", "NOT_FOUND", "INVALID_REQUEST":
		return fmt.Errorf("%w: %s", ErrNotFound, message)
	case "REQUEST_DENIED":
		return fmt.Errorf("%w: %s", ErrInvalidAPIKey, message)
	case "OVER_QUERY_LIMIT":
		return fmt.Errorf("%w: %s", ErrRateLimited, message)
	}
	return fmt.Errorf("%w: %s", ErrUpstreamFailure, message)
}
