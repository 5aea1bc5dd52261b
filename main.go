package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nyuchitech/mukoko-news-sub006/internal/ai"
	"github.com/nyuchitech/mukoko-news-sub006/internal/author"
	"github.com/nyuchitech/mukoko-news-sub006/internal/config"
	"github.com/nyuchitech/mukoko-news-sub006/internal/database"
	"github.com/nyuchitech/mukoko-news-sub006/internal/feed"
	"github.com/nyuchitech/mukoko-news-sub006/internal/health"
	"github.com/nyuchitech/mukoko-news-sub006/internal/logging"
	"github.com/nyuchitech/mukoko-news-sub006/internal/pipeline"
	"github.com/nyuchitech/mukoko-news-sub006/internal/scheduler"
	"github.com/nyuchitech/mukoko-news-sub006/internal/scoring"
	"github.com/nyuchitech/mukoko-news-sub006/internal/server"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "mukoko-news: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := logging.New(cfg.Logging.Level)

	db, err := database.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Seed configured sources. Upsert keeps health counters across restarts.
	for _, sc := range cfg.Sources {
		src := sc.ToSource()
		if _, err := db.UpsertSource(ctx, src); err != nil {
			return fmt.Errorf("seed source %q: %w", src.Name, err)
		}
	}
	logger.Info("sources seeded", "count", len(cfg.Sources))

	var classifier ai.Classifier
	if cfg.AI.Endpoint != "" {
		classifier = ai.NewClient(cfg.AI.Endpoint, cfg.AI.APIKey, cfg.AI.Timeout)
	} else {
		logger.Warn("no ai endpoint configured, classification will be skipped")
	}

	fetcher := feed.NewFetcher(cfg.Scheduler.FetchTimeout, logger)
	scraper := feed.NewScraper(cfg.Scheduler.FetchTimeout)
	dedup := feed.NewDeduplicator(db, logger)
	resolver := author.NewResolver(db, logger)
	scorer := scoring.New(cfg.Scoring)
	monitor := health.NewMonitor(db, cfg.Health, logger)

	runner := pipeline.NewRunner(db, scraper, classifier, resolver, scorer,
		cfg.Pipeline.ClassifyLanguages, logger)
	orchestrator := pipeline.NewOrchestrator(db, runner, cfg.Pipeline, logger)
	orchestrator.Start(ctx)

	// Pick up articles interrupted by a previous shutdown.
	if err := orchestrator.Recover(ctx); err != nil {
		return fmt.Errorf("recover pipeline: %w", err)
	}

	sched := scheduler.New(db, fetcher, dedup, orchestrator, monitor, cfg.Scheduler, logger)
	sched.Start(ctx)

	srv := server.New(db, scorer, logger)
	serverErr := make(chan error, 1)
	go func() { serverErr <- srv.Start(cfg.Server.ListenAddr) }()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			logger.Error("http server failed", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	cancel()
	sched.Stop()
	orchestrator.Stop()
	logger.Info("shutdown complete")
	return nil
}
