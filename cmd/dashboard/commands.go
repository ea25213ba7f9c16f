package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kjstillabower/skyli-weather/internal/cache"
	"github.com/kjstillabower/skyli-weather/internal/dashboard"
	"github.com/kjstillabower/skyli-weather/internal/models"
	"github.com/kjstillabower/skyli-weather/internal/places"
	"github.com/kjstillabower/skyli-weather/internal/prefs"
	"github.com/kjstillabower/skyli-weather/internal/updater"
	"github.com/kjstillabower/skyli-weather/internal/validation"
	"github.com/kjstillabower/skyli-weather/internal/weather"
)

// optimizeInterval is how often watch compacts the places cache.
const optimizeInterval = 10 * time.Minute

func newShowCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "show [place]",
		Short: "Show the weather once",
		Long: `Show the weather for a place name or "lat,lon" pair. Without an argument the
saved location is used, then device geolocation, then the fallback location.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), dashboard.LoadTimeout)
			defer cancel()
			_, err := c.app.controller.Start(ctx, strings.Join(args, " "))
			return err
		},
	}
}

func newWatchCmd(c *cli) *cobra.Command {
	var currentInterval time.Duration
	cmd := &cobra.Command{
		Use:   "watch [place]",
		Short: "Show the weather and keep it up to date",
		Long: `Show the weather and refresh each data type on its own interval until interrupted.
Send SIGHUP to drop cached data and reload immediately.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			u := c.app.newUpdater()
			if currentInterval > 0 {
				u.SetInterval(weather.Current, currentInterval)
			}
			return runWatch(cmd.Context(), c.app, u, strings.Join(args, " "))
		},
	}
	cmd.Flags().DurationVar(&currentInterval, "current-interval", 0, "current weather refresh interval (default 5m)")
	return cmd
}

func runWatch(ctx context.Context, a *app, u *updater.Updater, query string) error {
	loadCtx, cancel := context.WithTimeout(ctx, dashboard.LoadTimeout)
	_, err := a.controller.Start(loadCtx, query)
	cancel()
	if err != nil && !errors.Is(err, dashboard.ErrSuperseded) {
		// Partial data was still rendered; keep watching so later ticks can recover.
		a.logger.Warn("initial load incomplete", zap.Error(err))
	}

	go a.places.PreloadPopular(ctx)

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	ticker := time.NewTicker(optimizeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			u.Stop()
			fmt.Fprintf(a.out, "stopped after %d updates\n", u.Status().UpdateCount)
			return nil
		case <-ticker.C:
			a.places.Optimize()
		case <-hup:
			refreshCtx, cancel := context.WithTimeout(ctx, dashboard.LoadTimeout)
			if err := a.controller.Refresh(refreshCtx); err != nil {
				a.logger.Warn("refresh incomplete", zap.Error(err))
			}
			cancel()
		}
	}
}

func newSearchCmd(c *cli) *cobra.Command {
	var suggestOnly bool
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search for a place and show its weather",
		Long: `List ranked place suggestions for a query, then show the weather for the best
match. Places searched before are listed first.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.Join(args, " ")
			ctx, cancel := context.WithTimeout(cmd.Context(), dashboard.LoadTimeout)
			defer cancel()

			if _, isPair, _ := validation.ParseCoordinatePair(query); !isPair {
				printSuggestions(c.app, c.app.places.Autocomplete(ctx, query))
			}
			if suggestOnly {
				return nil
			}
			_, err := c.app.controller.Search(ctx, query)
			return err
		},
	}
	cmd.Flags().BoolVar(&suggestOnly, "suggest-only", false, "only list suggestions")
	return cmd
}

func printSuggestions(a *app, suggestions []models.Suggestion) {
	if len(suggestions) == 0 {
		fmt.Fprintln(a.out, "no suggestions")
		return
	}
	for i, s := range suggestions {
		marker := " "
		if s.IsFromHistory {
			marker = "*"
		}
		fmt.Fprintf(a.out, "%2d.%s %s (%d)\n", i+1, marker, s.Description, s.RelevanceScore)
	}
}

func newHistoryCmd(c *cli) *cobra.Command {
	var clearAll bool
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List or clear recent searches",
		RunE: func(cmd *cobra.Command, args []string) error {
			if clearAll {
				if err := c.app.places.ClearHistory(); err != nil {
					return fmt.Errorf("clear history: %w", err)
				}
				fmt.Fprintln(c.app.out, "search history cleared")
				return nil
			}
			items := c.app.places.History()
			if len(items) == 0 {
				fmt.Fprintln(c.app.out, "no recent searches")
				return nil
			}
			for _, q := range items {
				fmt.Fprintln(c.app.out, q)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&clearAll, "clear", false, "forget all recent searches")
	return cmd
}

type cacheStatsReport struct {
	Location models.Location `json:"location"`
	Weather  cache.Stats     `json:"weather"`
	Places   places.Stats    `json:"places"`
	Failed   []string        `json:"failed,omitempty"`
}

func newCacheStatsCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "cache-stats",
		Short: "Preload the saved location and popular places, then print cache statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), dashboard.LoadTimeout)
			defer cancel()
			return runCacheStats(ctx, c.app)
		},
	}
}

func runCacheStats(ctx context.Context, a *app) error {
	loc := dashboard.FallbackLocation
	var saved models.Location
	if found, err := a.store.Load(prefs.KeyLastLocation, &saved); err == nil && found && validation.IsValidCoordinates(saved.Lat, saved.Lon) {
		loc = saved
	}

	bundle := a.weather.Preload(ctx, loc.Coordinate())
	a.places.PreloadPopular(ctx)

	report := cacheStatsReport{
		Location: loc,
		Weather:  a.weather.Stats(),
		Places:   a.places.Stats(),
	}
	for _, kind := range weather.AllTypes {
		if err := bundle.Errors[kind]; err != nil {
			report.Failed = append(report.Failed, string(kind))
		}
	}
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
