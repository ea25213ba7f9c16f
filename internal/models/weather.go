package models

import "time"

// Coordinate is a latitude/longitude pair in decimal degrees.
type Coordinate struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Location is a resolved, named place. State is empty when the provider has none.
type Location struct {
	Name    string  `json:"name"`
	Country string  `json:"country"`
	State   string  `json:"state,omitempty"`
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
}

// Coordinate returns the location's coordinate pair.
func (l Location) Coordinate() Coordinate {
	return Coordinate{Lat: l.Lat, Lon: l.Lon}
}

// WeatherSnapshot is the current conditions at a coordinate. Wind speed is km/h,
// visibility km, temperatures °C. Sunrise and sunset are unix seconds, Timestamp unix ms.
type WeatherSnapshot struct {
	Temp          float64 `json:"temp"`
	Condition     string  `json:"condition"`
	Description   string  `json:"description"`
	IconCode      string  `json:"iconCode"`
	Humidity      int     `json:"humidity"`
	Pressure      int     `json:"pressure"`
	WindSpeed     float64 `json:"windSpeed"`
	WindDirection float64 `json:"windDirection"`
	Visibility    float64 `json:"visibility"`
	UVIndex       float64 `json:"uvIndex"`
	FeelsLike     float64 `json:"feelsLike"`
	Sunrise       int64   `json:"sunrise"`
	Sunset        int64   `json:"sunset"`
	Timestamp     int64   `json:"timestamp"`
	Stale         bool    `json:"stale,omitempty"`
}

// HourlyPoint is one hour of the 24 hour forecast. Time is unix ms.
type HourlyPoint struct {
	Time          int64   `json:"time"`
	Temp          float64 `json:"temp"`
	Condition     string  `json:"condition"`
	Description   string  `json:"description"`
	IconCode      string  `json:"iconCode"`
	Precipitation float64 `json:"precipitation"`
	Humidity      int     `json:"humidity"`
	WindSpeed     float64 `json:"windSpeed"`
	WindDirection float64 `json:"windDirection"`
	FeelsLike     float64 `json:"feelsLike"`
	Pressure      int     `json:"pressure"`
}

// DailyPoint is one day of the forecast, aggregated from time-bucketed samples.
// Date is unix ms of the first sample in the day. Precipitation is a probability in percent.
type DailyPoint struct {
	Date          int64   `json:"date"`
	TempMax       float64 `json:"tempMax"`
	TempMin       float64 `json:"tempMin"`
	Condition     string  `json:"condition"`
	Description   string  `json:"description"`
	IconCode      string  `json:"iconCode"`
	Precipitation float64 `json:"precipitation"`
	Humidity      int     `json:"humidity"`
	Pressure      int     `json:"pressure"`
	WindSpeed     float64 `json:"windSpeed"`
}

// PollutantComponents holds concentrations in μg/m3.
type PollutantComponents struct {
	CO   float64 `json:"co"`
	NO   float64 `json:"no"`
	NO2  float64 `json:"no2"`
	O3   float64 `json:"o3"`
	SO2  float64 `json:"so2"`
	PM25 float64 `json:"pm2_5"`
	PM10 float64 `json:"pm10"`
	NH3  float64 `json:"nh3"`
}

// AQISample is an air quality reading. AQI is 1..5; Label is derived from it.
type AQISample struct {
	AQI        int                 `json:"aqi"`
	Label      string              `json:"label"`
	Components PollutantComponents `json:"components"`
	Timestamp  int64               `json:"timestamp"`
}

// Health is the proxy liveness descriptor.
type Health struct {
	Status    string            `json:"status"`
	Service   string            `json:"service"`
	Version   string            `json:"version"`
	Timestamp time.Time         `json:"timestamp"`
	Features  []string          `json:"features"`
	Checks    map[string]string `json:"checks,omitempty"`
}
