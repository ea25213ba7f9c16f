package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kjstillabower/skyli-weather/internal/config"
	"github.com/kjstillabower/skyli-weather/internal/observability"
	"github.com/kjstillabower/skyli-weather/internal/render"
)

// cli carries flag values and the wired app between the root and its subcommands.
type cli struct {
	out io.Writer

	apiURL       string
	prefsBackend string
	prefsPath    string
	unit         string
	geolocateURL string
	logFile      string

	app *app
}

func newRootCmd(out io.Writer) *cobra.Command {
	c := &cli{out: out}
	root := &cobra.Command{
		Use:   "skyli",
		Short: "SkyLi - terminal weather dashboard",
		Long: `SkyLi shows current conditions, a 24-hour and 10-day forecast and air quality
for a place, fetched through the SkyLi proxy.`,
		SilenceUsage:      true,
		PersistentPreRunE: c.setup,
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if c.app == nil {
				return nil
			}
			_ = c.app.logger.Sync()
			return c.app.Close()
		},
	}
	root.SetOut(out)

	flags := root.PersistentFlags()
	flags.StringVar(&c.apiURL, "api-url", "", "proxy base URL (env SKYLI_API_URL)")
	flags.StringVar(&c.prefsBackend, "prefs-backend", "", "preference store: file or sqlite (env SKYLI_PREFS_BACKEND)")
	flags.StringVar(&c.prefsPath, "prefs-path", "", "preference store location (env SKYLI_PREFS_PATH)")
	flags.StringVar(&c.unit, "unit", "", "temperature unit C or F; saved as the new preference (env SKYLI_UNIT)")
	flags.StringVar(&c.geolocateURL, "geolocate-url", "", `IP geolocation endpoint, or "off" (env SKYLI_GEOLOCATE_URL)`)
	flags.StringVar(&c.logFile, "log-file", "stderr", "log destination")

	root.AddCommand(
		newShowCmd(c),
		newWatchCmd(c),
		newSearchCmd(c),
		newHistoryCmd(c),
		newCacheStatsCmd(c),
	)
	return root
}

// setup loads configuration, applies flag overrides and wires the app.
func (c *cli) setup(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadDashboard()
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("api-url") {
		cfg.APIURL = c.apiURL
	}
	if flags.Changed("prefs-backend") {
		cfg.PrefsBackend = strings.ToLower(strings.TrimSpace(c.prefsBackend))
		if !flags.Changed("prefs-path") && os.Getenv("SKYLI_PREFS_PATH") == "" {
			cfg.PrefsPath = config.DefaultPrefsPath(cfg.PrefsBackend)
		}
	}
	if flags.Changed("prefs-path") {
		cfg.PrefsPath = c.prefsPath
	}
	if flags.Changed("unit") {
		cfg.Unit = c.unit
	}
	if flags.Changed("geolocate-url") {
		cfg.GeolocateURL = c.geolocateURL
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := observability.NewFileLogger("dashboard", c.logFile)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	a, err := newApp(cfg, c.out, logger)
	if err != nil {
		return err
	}
	c.app = a

	if flags.Changed("unit") {
		if err := a.controller.SetUnit(render.ParseUnit(cfg.Unit)); err != nil {
			logger.Warn("failed to save unit preference", zap.Error(err))
		}
	}
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(os.Stdout).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}
