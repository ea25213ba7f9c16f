package validation

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/kjstillabower/skyli-weather/internal/models"
)

// ErrQueryEmpty is returned when a query is empty or whitespace-only after trim.
var ErrQueryEmpty = errors.New("query is required")

// ErrQueryTooShort is returned when query length is below the minimum.
var ErrQueryTooShort = errors.New("query too short")

// ErrQueryTooLong is returned when query length exceeds the maximum.
var ErrQueryTooLong = errors.New("query too long")

// ErrQueryInvalidChars is returned when a query contains disallowed characters.
var ErrQueryInvalidChars = errors.New("query contains invalid characters")

// ErrInvalidCoordinates is returned for latitude outside [-90,90], longitude outside
// [-180,180], NaN, or unparseable input.
var ErrInvalidCoordinates = errors.New("invalid coordinates")

// MaxQueryLen bounds sanitized queries in runes.
const MaxQueryLen = 100

var coordinatePairPattern = regexp.MustCompile(`^(-?\d{1,3}\.?\d*),?\s*(-?\d{1,3}\.?\d*)$`)

// IsValidCoordinates reports whether lat and lon are finite and within range.
func IsValidCoordinates(lat, lon float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lon) {
		return false
	}
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}

// ValidateCoordinate returns ErrInvalidCoordinates (wrapped with the offending values)
// when c is out of range.
func ValidateCoordinate(c models.Coordinate) error {
	if !IsValidCoordinates(c.Lat, c.Lon) {
		return fmt.Errorf("%w: lat=%v lon=%v", ErrInvalidCoordinates, c.Lat, c.Lon)
	}
	return nil
}

// ParseCoordinate parses path parameters into a validated coordinate.
func ParseCoordinate(latStr, lonStr string) (models.Coordinate, error) {
	lat, err := strconv.ParseFloat(strings.TrimSpace(latStr), 64)
	if err != nil {
		return models.Coordinate{}, fmt.Errorf("%w: lat %q", ErrInvalidCoordinates, latStr)
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(lonStr), 64)
	if err != nil {
		return models.Coordinate{}, fmt.Errorf("%w: lon %q", ErrInvalidCoordinates, lonStr)
	}
	c := models.Coordinate{Lat: lat, Lon: lon}
	if err := ValidateCoordinate(c); err != nil {
		return models.Coordinate{}, err
	}
	return c, nil
}

// ParseCoordinatePair recognises "lat,lon" or "lat lon" text. isPair is false when s is
// not shaped like a pair; a pair that is out of range reports isPair and ErrInvalidCoordinates.
func ParseCoordinatePair(s string) (c models.Coordinate, isPair bool, err error) {
	m := coordinatePairPattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return models.Coordinate{}, false, nil
	}
	c, err = ParseCoordinate(m[1], m[2])
	if err != nil {
		return models.Coordinate{}, true, err
	}
	return c, true, nil
}

// SanitizeQuery trims input, drops disallowed characters, collapses whitespace runs
// and caps the result at MaxQueryLen runes.
func SanitizeQuery(input string) string {
	var b strings.Builder
	space := false
	for _, r := range strings.TrimSpace(input) {
		switch {
		case unicode.IsSpace(r):
			space = true
			continue
		case !isAllowedQueryRune(r):
			continue
		}
		if space && b.Len() > 0 {
			b.WriteRune(' ')
		}
		space = false
		b.WriteRune(r)
	}
	out := []rune(b.String())
	if len(out) > MaxQueryLen {
		out = out[:MaxQueryLen]
	}
	return strings.TrimSpace(string(out))
}

// ValidateQuery trims the input, enforces length bounds (minLen, maxLen in runes),
// and restricts to allowed characters: letters (Unicode), digits, space and -',.
// Returns the trimmed string or an error suitable for 400 responses.
func ValidateQuery(input string, minLen, maxLen int) (string, error) {
	s := strings.TrimSpace(input)
	r := []rune(s)
	n := len(r)
	if n == 0 {
		return "", ErrQueryEmpty
	}
	if minLen > 0 && n < minLen {
		return "", ErrQueryTooShort
	}
	if maxLen > 0 && n > maxLen {
		return "", ErrQueryTooLong
	}
	for _, c := range r {
		if !isAllowedQueryRune(c) && c != ' ' {
			return "", ErrQueryInvalidChars
		}
	}
	return s, nil
}

// IsValidationError reports whether err originates from this package.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrQueryEmpty) ||
		errors.Is(err, ErrQueryTooShort) ||
		errors.Is(err, ErrQueryTooLong) ||
		errors.Is(err, ErrQueryInvalidChars) ||
		errors.Is(err, ErrInvalidCoordinates)
}

func isAllowedQueryRune(r rune) bool {
	if unicode.IsLetter(r) || unicode.IsNumber(r) {
		return true
	}
	switch r {
	case ',', '-', '\'', '.':
		return true
	}
	return false
}
