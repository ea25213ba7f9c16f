// Package render turns weather data into terminal output: condition categories, the
// day/night scene, display formatting, and a lipgloss renderer.
package render

import (
	"strings"
	"time"
)

// Category is the coarse weather class that selects the background and glyph.
type Category int

const (
	Clear Category = iota
	Clouds
	Rain
	Snow
	Thunderstorm
	Mist
)

var categoryNames = [...]string{"clear", "clouds", "rain", "snow", "thunderstorm", "mist"}

func (c Category) String() string {
	if c < Clear || c > Mist {
		return categoryNames[Clear]
	}
	return categoryNames[c]
}

// CategoryFor maps a provider condition ("Rain", "light drizzle", "Haze") to a Category.
// Unknown conditions map to Clear.
func CategoryFor(condition string) Category {
	c := strings.ToLower(condition)
	switch {
	case strings.Contains(c, "clear"):
		return Clear
	case strings.Contains(c, "cloud"):
		return Clouds
	case strings.Contains(c, "rain"), strings.Contains(c, "drizzle"):
		return Rain
	case strings.Contains(c, "snow"):
		return Snow
	case strings.Contains(c, "thunder"), strings.Contains(c, "storm"):
		return Thunderstorm
	case strings.Contains(c, "mist"), strings.Contains(c, "fog"), strings.Contains(c, "haze"):
		return Mist
	default:
		return Clear
	}
}

// Scene is everything the background depends on.
type Scene struct {
	IsDaytime bool
	Category  Category
}

type sceneClasses struct {
	dayBackground, nightBackground string
	dayAnimation, nightAnimation   string
	glyph                          string
}

var scenes = [...]sceneClasses{
	Clear:        {"clear-day", "clear-night", "sunny-day", "starry-night", "☀"},
	Clouds:       {"cloudy-day", "cloudy-night", "cloudy-day", "cloudy-night", "☁"},
	Rain:         {"rainy-day", "rainy-night", "rainy-day", "stormy-night", "☂"},
	Snow:         {"snowy-day", "snowy-night", "snowy-day", "snowy-night", "❄"},
	Thunderstorm: {"stormy-day", "stormy-night", "storm-day", "storm-night", "⚡"},
	Mist:         {"misty-day", "misty-night", "misty-day", "misty-night", "≋"},
}

func (s Scene) classes() sceneClasses {
	if s.Category < Clear || s.Category > Mist {
		return scenes[Clear]
	}
	return scenes[s.Category]
}

// BackgroundClass names the background gradient, e.g. "rainy-night".
func (s Scene) BackgroundClass() string {
	if s.IsDaytime {
		return s.classes().dayBackground
	}
	return s.classes().nightBackground
}

// AnimationClass names the particle animation layered over the background.
func (s Scene) AnimationClass() string {
	if s.IsDaytime {
		return s.classes().dayAnimation
	}
	return s.classes().nightAnimation
}

// Glyph is a single-character symbol for the category.
func (s Scene) Glyph() string {
	return s.classes().glyph
}

// IsDaytime reports whether at is between sunrise and sunset (unix seconds). Without
// sun times it falls back to 06:00-18:00 in at's location.
func IsDaytime(at time.Time, sunrise, sunset int64) bool {
	if sunrise > 0 && sunset > sunrise {
		s := at.Unix()
		return s >= sunrise && s < sunset
	}
	h := at.Hour()
	return h >= 6 && h < 18
}

// SceneFor builds the scene for a condition observed at at.
func SceneFor(condition string, at time.Time, sunrise, sunset int64) Scene {
	return Scene{IsDaytime: IsDaytime(at, sunrise, sunset), Category: CategoryFor(condition)}
}
