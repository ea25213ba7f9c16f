package render

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/kjstillabower/skyli-weather/internal/models"
)

var (
	colorAccent = lipgloss.Color("#58a6ff")
	colorMuted  = lipgloss.Color("241")
	colorError  = lipgloss.Color("196")
	colorWarm   = lipgloss.Color("#d29922")
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorAccent)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			MarginTop(1)

	tempStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorWarm)

	mutedStyle = lipgloss.NewStyle().
			Foreground(colorMuted)

	errorStyle = lipgloss.NewStyle().
			Foreground(colorError).
			Bold(true)

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorMuted).
			Padding(0, 1)
)

// TextRenderer writes dashboard sections to a terminal. Safe for concurrent use.
type TextRenderer struct {
	mu   sync.Mutex
	out  io.Writer
	unit Unit
	loc  *time.Location
	now  func() time.Time

	scene Scene
}

// NewTextRenderer creates a renderer writing to out. Times are shown in loc (nil means local).
func NewTextRenderer(out io.Writer, unit Unit, loc *time.Location) *TextRenderer {
	if loc == nil {
		loc = time.Local
	}
	return &TextRenderer{out: out, unit: unit, loc: loc, now: time.Now}
}

// SetUnit changes the temperature unit of subsequent output.
func (r *TextRenderer) SetUnit(u Unit) {
	r.mu.Lock()
	r.unit = u
	r.mu.Unlock()
}

// Scene returns the scene chosen by the last current-weather update.
func (r *TextRenderer) Scene() Scene {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scene
}

func (r *TextRenderer) UpdateLocation(loc models.Location) {
	name := loc.Name
	if loc.Country != "" {
		name += ", " + loc.Country
	}
	coords := mutedStyle.Render(fmt.Sprintf("(%.4f, %.4f)", loc.Lat, loc.Lon))
	r.write(titleStyle.Render(name) + " " + coords)
}

func (r *TextRenderer) UpdateCurrent(w *models.WeatherSnapshot) {
	if w == nil {
		return
	}
	r.mu.Lock()
	unit := r.unit
	r.scene = SceneFor(w.Condition, r.now(), w.Sunrise, w.Sunset)
	scene := r.scene
	r.mu.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s  %s\n", scene.Glyph(), tempStyle.Render(FormatTemperature(w.Temp, unit)), Capitalize(w.Description))
	fmt.Fprintf(&b, "Feels like %s · Humidity %d%% · Pressure %d hPa\n", FormatTemperature(w.FeelsLike, unit), w.Humidity, w.Pressure)
	fmt.Fprintf(&b, "Wind %.0f km/h %s (%s) · Visibility %.0f km · UV %s",
		w.WindSpeed, WindDirection(w.WindDirection), WindDescription(w.WindSpeed), w.Visibility, FormatUVIndex(w.UVIndex))
	if w.Sunrise > 0 && w.Sunset > 0 {
		fmt.Fprintf(&b, "\nSunrise %s · Sunset %s", r.clock(time.Unix(w.Sunrise, 0)), r.clock(time.Unix(w.Sunset, 0)))
	}
	if w.Stale {
		b.WriteString("\n" + mutedStyle.Render("(cached data, provider unavailable)"))
	}
	r.write(panelStyle.Render(b.String()) + "\n" + mutedStyle.Render("background: "+scene.BackgroundClass()+" / "+scene.AnimationClass()))
}

func (r *TextRenderer) UpdateHourly(points []models.HourlyPoint) {
	r.mu.Lock()
	unit := r.unit
	r.mu.Unlock()

	var b strings.Builder
	b.WriteString(headerStyle.Render("Next 24 hours"))
	for _, p := range points {
		glyph := Scene{IsDaytime: true, Category: CategoryFor(p.Condition)}.Glyph()
		fmt.Fprintf(&b, "\n%s  %s %6s  %s", r.clock(time.UnixMilli(p.Time)), glyph, FormatTemperature(p.Temp, unit),
			mutedStyle.Render(fmt.Sprintf("%.2f mm · %.0f km/h", p.Precipitation, p.WindSpeed)))
	}
	r.write(b.String())
}

func (r *TextRenderer) UpdateDaily(days []models.DailyPoint) {
	r.mu.Lock()
	unit := r.unit
	today := r.now().In(r.loc)
	r.mu.Unlock()

	var b strings.Builder
	b.WriteString(headerStyle.Render(fmt.Sprintf("%d-day forecast", len(days))))
	for _, d := range days {
		date := time.UnixMilli(d.Date).In(r.loc)
		label := date.Format("Mon")
		if sameDay(date, today) {
			label = "Today"
		}
		glyph := Scene{IsDaytime: true, Category: CategoryFor(d.Condition)}.Glyph()
		fmt.Fprintf(&b, "\n%-5s %s %6s / %-6s %s", label, glyph,
			FormatTemperature(d.TempMax, unit), FormatTemperature(d.TempMin, unit),
			mutedStyle.Render(fmt.Sprintf("%s · %.0f%%", Capitalize(d.Description), d.Precipitation)))
	}
	r.write(b.String())
}

// UpdateAirQuality renders the AQI panel. A nil sample shows a placeholder.
func (r *TextRenderer) UpdateAirQuality(s *models.AQISample) {
	header := headerStyle.Render("Air quality")
	if s == nil {
		r.write(header + "\n" + mutedStyle.Render(Placeholder))
		return
	}
	info := AQIInfoFor(s.AQI)
	label := lipgloss.NewStyle().Foreground(lipgloss.Color(info.Color)).Bold(true).Render(info.Label)
	c := s.Components
	r.write(fmt.Sprintf("%s\nAQI %d %s\n%s", header, s.AQI, label, mutedStyle.Render(fmt.Sprintf(
		"PM2.5 %.1f · PM10 %.1f · O3 %.1f · NO2 %.1f · SO2 %.1f · CO %.1f μg/m³", c.PM25, c.PM10, c.O3, c.NO2, c.SO2, c.CO))))
}

// ShowError renders a failed primary load in place of the data.
func (r *TextRenderer) ShowError(err error) {
	r.write(errorStyle.Render("Unable to load weather data: " + err.Error()))
}

func (r *TextRenderer) clock(t time.Time) string {
	return t.In(r.loc).Format("15:04")
}

func (r *TextRenderer) write(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintln(r.out, s)
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
