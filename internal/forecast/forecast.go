// Package forecast converts provider units and aggregates time-bucketed samples into
// the hourly, daily and air-quality shapes served by the proxy.
package forecast

import (
	"math"
	"time"

	"github.com/kjstillabower/skyli-weather/internal/models"
)

// MaxDays caps the daily forecast length.
const MaxDays = 10

// HoursInForecast is the number of hourly points served.
const HoursInForecast = 24

var aqiLabels = [...]string{"Good", "Fair", "Moderate", "Poor", "Very Poor"}

// AQILabel names an air quality index value. Values outside 1..5 are "Unknown".
func AQILabel(aqi int) string {
	if aqi < 1 || aqi > len(aqiLabels) {
		return "Unknown"
	}
	return aqiLabels[aqi-1]
}

// Round rounds half up, so -2.5 rounds to -2 and 2.5 to 3.
func Round(v float64) float64 {
	return math.Floor(v + 0.5)
}

// RoundTo rounds v half up to the given number of decimals.
func RoundTo(v float64, decimals int) float64 {
	p := math.Pow(10, float64(decimals))
	return Round(v*p) / p
}

// KmhFromMs converts m/s to km/h, rounded.
func KmhFromMs(ms float64) float64 {
	return Round(ms * 3.6)
}

// KmFromM converts metres to kilometres, rounded.
func KmFromM(m float64) float64 {
	return Round(m / 1000)
}

// Sample is one provider forecast step. WindSpeed is m/s; Pop is a probability in [0,1].
type Sample struct {
	Time        time.Time
	Temp        float64
	Condition   string
	Description string
	IconCode    string
	Pop         float64
	Humidity    int
	Pressure    int
	WindSpeed   float64
}

// Mode returns the most frequent value. Ties go to the value seen first; empty input
// returns "".
func Mode(values []string) string {
	counts := make(map[string]int, len(values))
	var order []string
	for _, v := range values {
		if counts[v] == 0 {
			order = append(order, v)
		}
		counts[v]++
	}
	best, bestCount := "", 0
	for _, v := range order {
		if counts[v] > bestCount {
			best, bestCount = v, counts[v]
		}
	}
	return best
}

// AggregateDaily groups samples by calendar day in loc and reduces each day to a
// DailyPoint: max and min temperature, modal condition and icon, mean precipitation
// probability, humidity and pressure, and peak wind. Days keep input order and at most
// maxDays are returned.
func AggregateDaily(samples []Sample, loc *time.Location, maxDays int) []models.DailyPoint {
	if loc == nil {
		loc = time.UTC
	}
	type bucket struct {
		samples []Sample
	}
	var order []string
	buckets := map[string]*bucket{}
	for _, s := range samples {
		key := s.Time.In(loc).Format("2006-01-02")
		b, ok := buckets[key]
		if !ok {
			b = &bucket{}
			buckets[key] = b
			order = append(order, key)
		}
		b.samples = append(b.samples, s)
	}

	if maxDays > 0 && len(order) > maxDays {
		order = order[:maxDays]
	}
	out := make([]models.DailyPoint, 0, len(order))
	for _, key := range order {
		out = append(out, reduceDay(buckets[key].samples))
	}
	return out
}

func reduceDay(samples []Sample) models.DailyPoint {
	conditions := make([]string, len(samples))
	icons := make([]string, len(samples))
	maxT, minT := math.Inf(-1), math.Inf(1)
	var popSum, humSum, presSum float64
	var wind float64
	for i, s := range samples {
		conditions[i] = s.Condition
		icons[i] = s.IconCode
		maxT = math.Max(maxT, s.Temp)
		minT = math.Min(minT, s.Temp)
		popSum += s.Pop
		humSum += float64(s.Humidity)
		presSum += float64(s.Pressure)
		wind = math.Max(wind, s.WindSpeed)
	}
	n := float64(len(samples))
	condition := Mode(conditions)
	description := ""
	for _, s := range samples {
		if s.Condition == condition {
			description = s.Description
			break
		}
	}
	return models.DailyPoint{
		Date:          samples[0].Time.UnixMilli(),
		TempMax:       Round(maxT),
		TempMin:       Round(minT),
		Condition:     condition,
		Description:   description,
		IconCode:      Mode(icons),
		Precipitation: Round(popSum / n * 100),
		Humidity:      int(Round(humSum / n)),
		Pressure:      int(Round(presSum / n)),
		WindSpeed:     KmhFromMs(wind),
	}
}
