package scheduler

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nyuchitech/mukoko-news-sub006/internal/author"
	"github.com/nyuchitech/mukoko-news-sub006/internal/config"
	"github.com/nyuchitech/mukoko-news-sub006/internal/database"
	"github.com/nyuchitech/mukoko-news-sub006/internal/feed"
	"github.com/nyuchitech/mukoko-news-sub006/internal/health"
	"github.com/nyuchitech/mukoko-news-sub006/internal/model"
	"github.com/nyuchitech/mukoko-news-sub006/internal/pipeline"
	"github.com/nyuchitech/mukoko-news-sub006/internal/scoring"
)

const sampleRSS = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
  <channel>
    <title>Herald</title>
    <item>
      <title>Parliament Passes Budget</title>
      <link>https://herald.example/story-1</link>
      <guid>guid-1</guid>
      <description>The budget passed its third reading.</description>
    </item>
  </channel>
</rss>`

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestScheduler(t *testing.T, db *database.DB, cfg config.SchedulerConfig) *Scheduler {
	t.Helper()
	logger := discardLogger()
	runner := pipeline.NewRunner(db, feed.NewScraper(time.Second), nil,
		author.NewResolver(db, logger), scoring.New(config.Default().Scoring),
		[]string{"en"}, logger)
	orch := pipeline.NewOrchestrator(db, runner, config.PipelineConfig{
		Workers: 1, MaxRetries: 3, RetryBackoff: time.Millisecond, StageTimeout: 5 * time.Second,
	}, logger)
	ctx, cancel := context.WithCancel(context.Background())
	orch.Start(ctx)
	t.Cleanup(func() {
		orch.Stop()
		cancel()
	})
	monitor := health.NewMonitor(db, config.HealthConfig{WarnThreshold: 5, DisableThreshold: 20}, logger)
	return New(db, feed.NewFetcher(5*time.Second, logger), feed.NewDeduplicator(db, logger),
		orch, monitor, cfg, logger)
}

func testSchedulerConfig() config.SchedulerConfig {
	return config.SchedulerConfig{
		TickInterval:   time.Minute,
		MaxConcurrency: 4,
		FetchTimeout:   5 * time.Second,
	}
}

func seedSource(t *testing.T, db *database.DB, url string, lastFetched *time.Time) int64 {
	t.Helper()
	ctx := context.Background()
	id, err := db.UpsertSource(ctx, model.Source{
		Name: "Herald", FeedURL: url,
		FetchFrequency: 60 * time.Minute, Enabled: true,
		ExtractStrategy: model.ExtractRSS,
	})
	if err != nil {
		t.Fatalf("seed source: %v", err)
	}
	if lastFetched != nil {
		if err := db.RecordFetchAttempt(ctx, id, database.FetchOutcome{Success: true, At: *lastFetched}); err != nil {
			t.Fatalf("record fetch: %v", err)
		}
	}
	return id
}

func TestRunCycleFetchesDueSource(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(sampleRSS))
	}))
	defer srv.Close()

	db := newTestStore(t)
	ctx := context.Background()
	// Last fetched 61 minutes ago with a 60 minute interval: due.
	last := time.Now().UTC().Add(-61 * time.Minute)
	id := seedSource(t, db, srv.URL, &last)

	s := newTestScheduler(t, db, testSchedulerConfig())
	s.RunCycle(ctx, time.Now().UTC())

	articles, err := db.ListArticles(ctx, database.ArticleFilter{SourceID: id})
	if err != nil {
		t.Fatalf("list articles: %v", err)
	}
	if len(articles) != 1 {
		t.Fatalf("expected 1 ingested article, got %d", len(articles))
	}
	if articles[0].IdentityKey != "guid-1" {
		t.Fatalf("unexpected identity key %q", articles[0].IdentityKey)
	}

	src, err := db.GetSource(ctx, id)
	if err != nil {
		t.Fatalf("get source: %v", err)
	}
	if src.LastSuccessfulFetchAt == nil || !src.LastSuccessfulFetchAt.After(last) {
		t.Fatal("successful fetch should advance last_successful_fetch_at")
	}
	if src.ConsecutiveFailures != 0 {
		t.Fatalf("failure streak should be zero, got %d", src.ConsecutiveFailures)
	}
}

func TestRunCycleSkipsFreshSource(t *testing.T) {
	t.Parallel()
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(sampleRSS))
	}))
	defer srv.Close()

	db := newTestStore(t)
	last := time.Now().UTC().Add(-5 * time.Minute)
	seedSource(t, db, srv.URL, &last)

	s := newTestScheduler(t, db, testSchedulerConfig())
	s.RunCycle(context.Background(), time.Now().UTC())

	if hits.Load() != 0 {
		t.Fatalf("fresh source should not be fetched, got %d requests", hits.Load())
	}
}

func TestRunCycleRecordsFailure(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	}))
	defer srv.Close()

	db := newTestStore(t)
	ctx := context.Background()
	id := seedSource(t, db, srv.URL, nil)

	s := newTestScheduler(t, db, testSchedulerConfig())
	s.RunCycle(ctx, time.Now().UTC())

	src, err := db.GetSource(ctx, id)
	if err != nil {
		t.Fatalf("get source: %v", err)
	}
	if src.ConsecutiveFailures != 1 || src.FetchErrorCount != 1 {
		t.Fatalf("failure not recorded: %+v", src)
	}
	if src.LastError == "" {
		t.Fatal("last error should be recorded")
	}
	if src.LastSuccessfulFetchAt != nil {
		t.Fatal("failed fetch must not stamp last_successful_fetch_at")
	}
}

func TestRunCycleFailureIsLocalToSource(t *testing.T) {
	t.Parallel()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(sampleRSS))
	}))
	defer good.Close()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "broken", http.StatusInternalServerError)
	}))
	defer bad.Close()

	db := newTestStore(t)
	ctx := context.Background()
	goodID := seedSource(t, db, good.URL, nil)
	badSrc := model.Source{
		Name: "Broken", FeedURL: bad.URL,
		FetchFrequency: time.Hour, Enabled: true,
	}
	if _, err := db.UpsertSource(ctx, badSrc); err != nil {
		t.Fatalf("seed bad source: %v", err)
	}

	s := newTestScheduler(t, db, testSchedulerConfig())
	s.RunCycle(ctx, time.Now().UTC())

	articles, err := db.ListArticles(ctx, database.ArticleFilter{SourceID: goodID})
	if err != nil {
		t.Fatalf("list articles: %v", err)
	}
	if len(articles) != 1 {
		t.Fatalf("healthy source should still ingest despite sibling failure, got %d articles", len(articles))
	}
}
