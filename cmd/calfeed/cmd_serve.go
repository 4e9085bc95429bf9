package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	appLog "calfeed/internal/log"
	"calfeed/internal/metrics"
	"calfeed/internal/prewarm"
	"calfeed/internal/web"
)

var serveListen string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP feed server",
	Long:  "Start the HTTP server and, when configured, the prewarm scheduler. Stops on SIGINT/SIGTERM.",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "HTTP listen address (overrides config if set)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	if err := loadConfig(); err != nil {
		return err
	}
	if serveListen != "" {
		cfg.Listen = serveListen
	}

	appLog.Info("calfeed starting", "version", version)
	appLog.Info("effective config",
		"listen", cfg.Listen,
		"cache_dir", cfg.CacheDir,
		"extractor", cfg.ExtractorPath,
		"formatter", cfg.FormatterPath,
		"max_time_hours", cfg.MaxTimeHours,
		"process_timeout", cfg.ProcessTimeout(),
		"calendars", len(cfg.Calendars),
		"groups", len(cfg.Groups),
		"debug_key_set", cfg.DebugKey != "",
	)

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	svc, cat := buildService(m)

	if cfg.Prewarm != nil && len(cfg.Prewarm.Targets) > 0 {
		sched, err := prewarm.New(*cfg.Prewarm, svc)
		if err != nil {
			return fmt.Errorf("initialize prewarm: %w", err)
		}
		sched.Start()
		defer sched.Stop()
	}

	srv := web.NewServer(cfg, svc, cat, m)
	if err := web.StartServer(ctx, cfg, srv.Handler()); err != nil {
		return fmt.Errorf("http server: %w", err)
	}

	appLog.Info("calfeed stopped")
	return nil
}
