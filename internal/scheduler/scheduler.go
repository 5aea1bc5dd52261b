// Package scheduler decides what to fetch and when, across all sources.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nyuchitech/mukoko-news-sub006/internal/config"
	"github.com/nyuchitech/mukoko-news-sub006/internal/database"
	"github.com/nyuchitech/mukoko-news-sub006/internal/feed"
	"github.com/nyuchitech/mukoko-news-sub006/internal/health"
	"github.com/nyuchitech/mukoko-news-sub006/internal/model"
	"github.com/nyuchitech/mukoko-news-sub006/internal/pipeline"
)

// Scheduler runs the top-level fetch loop: every tick it selects due
// sources and fans them out to a bounded worker pool. Sources are fully
// independent units of work; one source's failure never touches another.
type Scheduler struct {
	store        database.Store
	fetcher      *feed.Fetcher
	dedup        *feed.Deduplicator
	orchestrator *pipeline.Orchestrator
	monitor      *health.Monitor
	cfg          config.SchedulerConfig
	logger       *slog.Logger

	stopOnce sync.Once
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// New wires the scheduler's collaborators.
func New(store database.Store, fetcher *feed.Fetcher, dedup *feed.Deduplicator,
	orchestrator *pipeline.Orchestrator, monitor *health.Monitor,
	cfg config.SchedulerConfig, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:        store,
		fetcher:      fetcher,
		dedup:        dedup,
		orchestrator: orchestrator,
		monitor:      monitor,
		cfg:          cfg,
		logger:       logger,
		stopChan:     make(chan struct{}),
	}
}

// Start begins the tick loop. It returns immediately; Stop waits for the
// current cycle to finish.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.TickInterval)
		defer ticker.Stop()

		s.RunCycle(ctx, time.Now().UTC())
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopChan:
				return
			case t := <-ticker.C:
				s.RunCycle(ctx, t.UTC())
			}
		}
	}()
}

// Stop halts the loop and waits for in-flight source work to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.wg.Wait()
}

// RunCycle fetches every due source once, bounded by the concurrency cap.
func (s *Scheduler) RunCycle(ctx context.Context, now time.Time) {
	due, err := s.store.ListDueSources(ctx, now)
	if err != nil {
		s.logger.Error("list due sources", "error", err)
		return
	}
	if len(due) == 0 {
		return
	}

	concurrency := s.cfg.MaxConcurrency
	if len(due) < concurrency {
		concurrency = len(due)
	}
	s.logger.Info("fetch cycle", "due_sources", len(due), "concurrency", concurrency)

	sourceChan := make(chan model.Source, len(due))
	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for src := range sourceChan {
				select {
				case <-ctx.Done():
					return
				default:
				}
				s.processSource(ctx, src)
			}
		}()
	}
	for _, src := range due {
		sourceChan <- src
	}
	close(sourceChan)
	wg.Wait()
}

// processSource runs one source's fetch-dedup cycle and records the
// outcome. All errors are local to the source.
func (s *Scheduler) processSource(ctx context.Context, src model.Source) {
	entries, fetchErr := s.fetcher.Fetch(ctx, src)
	now := time.Now().UTC()

	if fetchErr != nil {
		if ctx.Err() != nil {
			// Shutdown mid-fetch: no attempt recorded, the source stays due.
			return
		}
		if err := s.store.RecordFetchAttempt(ctx, src.ID, database.FetchOutcome{
			Success: false, Error: fetchErr.Error(), At: now,
		}); err != nil {
			s.logger.Error("record fetch failure", "source", src.Name, "error", err)
			return
		}
		src.ConsecutiveFailures++
		src.LastError = fetchErr.Error()
		if _, err := s.monitor.Apply(ctx, src); err != nil {
			s.logger.Error("apply health action", "source", src.Name, "error", err)
		}
		s.logger.Warn("fetch failed", "source", src.Name, "error", fetchErr)
		return
	}

	newCount, updatedCount := 0, 0
	for _, entry := range entries {
		result, err := s.dedup.Ingest(ctx, src, entry)
		if err != nil {
			s.logger.Error("ingest entry", "source", src.Name, "link", entry.Link, "error", err)
			continue
		}
		switch result.Classification {
		case feed.ClassNew:
			newCount++
		case feed.ClassUpdate:
			updatedCount++
		}
		if result.Enqueue {
			s.orchestrator.Enqueue(result.ArticleID)
		}
	}

	if err := s.store.RecordFetchAttempt(ctx, src.ID, database.FetchOutcome{Success: true, At: now}); err != nil {
		s.logger.Error("record fetch success", "source", src.Name, "error", err)
	}
	s.logger.Info("source fetched", "source", src.Name,
		"entries", len(entries), "new", newCount, "updated", updatedCount)
}
