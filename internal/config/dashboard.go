package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Dashboard holds configuration for the dashboard binary. Command-line flags override it.
type Dashboard struct {
	APIURL       string
	PrefsBackend string // "file" or "sqlite"
	PrefsPath    string
	Unit         string // "C" or "F"
	GeolocateURL string
}

// LoadDashboard reads dashboard settings from the environment (SKYLI_API_URL,
// SKYLI_PREFS_BACKEND, SKYLI_PREFS_PATH, SKYLI_UNIT, SKYLI_GEOLOCATE_URL).
func LoadDashboard() (*Dashboard, error) {
	cfg := &Dashboard{
		APIURL:       strings.TrimRight(strings.TrimSpace(os.Getenv("SKYLI_API_URL")), "/"),
		PrefsBackend: strings.ToLower(strings.TrimSpace(os.Getenv("SKYLI_PREFS_BACKEND"))),
		PrefsPath:    strings.TrimSpace(os.Getenv("SKYLI_PREFS_PATH")),
		Unit:         strings.ToUpper(strings.TrimSpace(os.Getenv("SKYLI_UNIT"))),
		GeolocateURL: strings.TrimSpace(os.Getenv("SKYLI_GEOLOCATE_URL")),
	}
	if cfg.APIURL == "" {
		cfg.APIURL = "http://localhost:8080"
	}
	if cfg.PrefsBackend == "" {
		cfg.PrefsBackend = "file"
	}
	if cfg.Unit == "" {
		cfg.Unit = "C"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.PrefsPath == "" {
		cfg.PrefsPath = DefaultPrefsPath(cfg.PrefsBackend)
	}
	return cfg, nil
}

// Validate checks the backend and unit values. It is called again after flags are applied.
func (d *Dashboard) Validate() error {
	switch d.PrefsBackend {
	case "file", "sqlite":
	default:
		return fmt.Errorf("SKYLI_PREFS_BACKEND must be file or sqlite, got %q", d.PrefsBackend)
	}
	switch strings.ToUpper(d.Unit) {
	case "C", "F":
	default:
		return fmt.Errorf("SKYLI_UNIT must be C or F, got %q", d.Unit)
	}
	if d.APIURL == "" {
		return fmt.Errorf("SKYLI_API_URL must not be empty")
	}
	return nil
}

// DefaultPrefsPath returns ~/.skyli/prefs.json or ~/.skyli/prefs.db, falling back to the
// working directory when the home directory is unknown.
func DefaultPrefsPath(backend string) string {
	name := "prefs.json"
	if backend == "sqlite" {
		name = "prefs.db"
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return filepath.Join(".skyli", name)
	}
	return filepath.Join(home, ".skyli", name)
}
