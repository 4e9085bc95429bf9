package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"calfeed/internal/cache"
	"calfeed/internal/catalog"
	"calfeed/internal/config"
	"calfeed/internal/feed"
	appLog "calfeed/internal/log"
	"calfeed/internal/metrics"
	"calfeed/internal/pipeline"
)

const version = "0.1.0"

var (
	configPath string
	envFile    string
	cfg        *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "calfeed",
	Short: "calfeed - CalDAV calendars as cached RSS feeds",
	Long: `calfeed serves CalDAV calendars, and groups of them, as syndication feeds.

Feeds are produced by an extraction tool (plann) piped into a formatting
tool (ical2rss), cached on disk per (calendar, hours) and served stale with
a marker comment when regeneration fails.`,
	SilenceUsage: true,
	Version:      version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "/etc/calfeed/config.yaml", "Path to config file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Optional dotenv file read before the config")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the dotenv file (if any) and then the config, and applies
// the configured log level.
func loadConfig() error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	var err error
	cfg, err = config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	appLog.SetLevel(appLog.ParseLevel(cfg.LogLevel))
	return nil
}

// buildService wires the orchestrator from the loaded config. m may be nil.
func buildService(m *metrics.Metrics) (*feed.Service, *catalog.Catalog) {
	cat := catalog.New(cfg)

	var observer pipeline.Observer
	opts := feed.Options{
		MaxHours:      cfg.MaxTimeHours,
		ExtractorPath: cfg.ExtractorPath,
		FormatterPath: cfg.FormatterPath,
		DebugKey:      cfg.DebugKey,
	}
	if m != nil {
		observer = m
		opts.Recorder = m
	}

	svc := feed.NewService(
		cat,
		cache.New(cfg.CacheDir),
		pipeline.NewExecutor(cfg.ProcessTimeout(), observer),
		opts,
	)
	return svc, cat
}
