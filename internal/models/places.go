package models

// Suggestion is an autocomplete prediction. RelevanceScore and IsFromHistory are
// set client-side during ranking and are not part of the proxy response.
type Suggestion struct {
	PlaceID        string   `json:"placeId"`
	Description    string   `json:"description"`
	MainText       string   `json:"mainText"`
	SecondaryText  string   `json:"secondaryText"`
	Types          []string `json:"types"`
	RelevanceScore int      `json:"relevanceScore,omitempty"`
	IsFromHistory  bool     `json:"isFromHistory,omitempty"`
}

// AutocompleteResponse is the proxy's autocomplete envelope.
type AutocompleteResponse struct {
	Predictions []Suggestion `json:"predictions"`
}

// PlaceDetails is the resolved geometry of a place id.
type PlaceDetails struct {
	Name             string  `json:"name"`
	Lat              float64 `json:"lat"`
	Lon              float64 `json:"lon"`
	FormattedAddress string  `json:"formattedAddress"`
}
