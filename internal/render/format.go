package render

import (
	"fmt"
	"math"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/kjstillabower/skyli-weather/internal/forecast"
)

// Unit is a temperature display unit.
type Unit string

const (
	Celsius    Unit = "C"
	Fahrenheit Unit = "F"
)

// ParseUnit accepts "C", "F" or their names in any case. Anything else is Celsius.
func ParseUnit(s string) Unit {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "F", "FAHRENHEIT":
		return Fahrenheit
	default:
		return Celsius
	}
}

// Placeholder is shown in place of missing values.
const Placeholder = "--"

// FormatTemperature renders a Celsius reading in unit, e.g. "21°C" or "70°F".
func FormatTemperature(celsius float64, unit Unit) string {
	if math.IsNaN(celsius) {
		return Placeholder + "°"
	}
	if unit == Fahrenheit {
		return fmt.Sprintf("%.0f°F", forecast.Round(celsius*9/5+32))
	}
	return fmt.Sprintf("%.0f°C", forecast.Round(celsius))
}

// FormatUVIndex renders the UV index. Zero means the provider had no reading.
func FormatUVIndex(uv float64) string {
	if uv <= 0 || math.IsNaN(uv) {
		return Placeholder
	}
	return fmt.Sprintf("%.0f", uv)
}

var compass = [...]string{
	"N", "NNE", "NE", "ENE",
	"E", "ESE", "SE", "SSE",
	"S", "SSW", "SW", "WSW",
	"W", "WNW", "NW", "NNW",
}

// WindDirection converts degrees to a 16-point compass direction.
func WindDirection(degrees float64) string {
	if math.IsNaN(degrees) || math.IsInf(degrees, 0) {
		return "N/A"
	}
	i := int(forecast.Round(degrees/22.5)) % len(compass)
	if i < 0 {
		i += len(compass)
	}
	return compass[i]
}

var windScale = []struct {
	below float64
	label string
}{
	{1, "Calm"},
	{6, "Light air"},
	{12, "Light breeze"},
	{20, "Gentle breeze"},
	{29, "Moderate breeze"},
	{39, "Fresh breeze"},
	{50, "Strong breeze"},
	{62, "Near gale"},
	{75, "Gale"},
	{89, "Strong gale"},
	{103, "Storm"},
}

// WindDescription names a wind speed in km/h on the Beaufort scale.
func WindDescription(kmh float64) string {
	for _, w := range windScale {
		if kmh < w.below {
			return w.label
		}
	}
	return "Hurricane"
}

// AQIInfo is the display label and color of an AQI value.
type AQIInfo struct {
	Label string
	Color string
}

var aqiColors = [...]string{"#00e400", "#ffff00", "#ff7e00", "#ff0000", "#8f3f97"}

const unknownColor = "#666666"

// AQIInfoFor returns the label and color for aqi. Out of range values are "Unknown".
func AQIInfoFor(aqi int) AQIInfo {
	if aqi < 1 || aqi > len(aqiColors) {
		return AQIInfo{Label: forecast.AQILabel(aqi), Color: unknownColor}
	}
	return AQIInfo{Label: forecast.AQILabel(aqi), Color: aqiColors[aqi-1]}
}

// Capitalize upper-cases the first letter of each word and lower-cases the rest.
func Capitalize(description string) string {
	if description == "" {
		return "Weather information unavailable"
	}
	words := strings.Split(description, " ")
	for i, w := range words {
		r, size := utf8.DecodeRuneInString(w)
		if size == 0 {
			continue
		}
		words[i] = string(unicode.ToUpper(r)) + strings.ToLower(w[size:])
	}
	return strings.Join(words, " ")
}
