package pipeline

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nyuchitech/mukoko-news-sub006/internal/ai"
	"github.com/nyuchitech/mukoko-news-sub006/internal/author"
	"github.com/nyuchitech/mukoko-news-sub006/internal/config"
	"github.com/nyuchitech/mukoko-news-sub006/internal/database"
	"github.com/nyuchitech/mukoko-news-sub006/internal/feed"
	"github.com/nyuchitech/mukoko-news-sub006/internal/model"
	"github.com/nyuchitech/mukoko-news-sub006/internal/scoring"
)

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

func testPipelineConfig() config.PipelineConfig {
	return config.PipelineConfig{
		Workers:      2,
		MaxRetries:   3,
		RetryBackoff: time.Millisecond,
		StageTimeout: 5 * time.Second,
	}
}

// newTestOrchestrator wires a pipeline with no classifier, so the
// AI-backed stages resolve as skipped or byline-driven.
func newTestOrchestrator(t *testing.T, db *database.DB) *Orchestrator {
	t.Helper()
	return newTestOrchestratorWith(t, db, nil)
}

func newTestOrchestratorWith(t *testing.T, db *database.DB, classifier ai.Classifier) *Orchestrator {
	t.Helper()
	logger := discardLogger()
	runner := NewRunner(db, feed.NewScraper(time.Second), classifier,
		author.NewResolver(db, logger), scoring.New(config.Default().Scoring),
		[]string{"en"}, logger)
	o := NewOrchestrator(db, runner, testPipelineConfig(), logger)
	ctx, cancel := context.WithCancel(context.Background())
	o.Start(ctx)
	t.Cleanup(func() {
		o.Stop()
		cancel()
	})
	return o
}

func seedArticle(t *testing.T, db *database.DB, content, byline string) int64 {
	t.Helper()
	ctx := context.Background()
	srcID, err := db.UpsertSource(ctx, model.Source{
		Name: "Herald", FeedURL: "https://herald.example/feed",
		FetchFrequency: time.Hour, Enabled: true,
		ExtractStrategy: model.ExtractRSS,
	})
	if err != nil {
		t.Fatalf("seed source: %v", err)
	}
	id, _, err := db.CreateArticle(ctx, &model.Article{
		SourceID:    srcID,
		IdentityKey: "guid-" + t.Name(),
		OriginalURL: "https://herald.example/story",
		Title:       "Parliament Passes National Budget After Marathon Sitting",
		Content:     content,
		Byline:      byline,
		ContentHash: "hash-" + t.Name(),
		PublishedAt: time.Now().UTC().Add(-time.Hour),
	})
	if err != nil {
		t.Fatalf("seed article: %v", err)
	}
	if err := db.CreateStages(ctx, id, model.OrderedStages); err != nil {
		t.Fatalf("seed stages: %v", err)
	}
	return id
}

// waitFor polls until the condition holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func stageStatuses(t *testing.T, db *database.DB, articleID int64) map[model.Stage]model.PipelineStage {
	t.Helper()
	stages, err := db.GetStages(context.Background(), articleID)
	if err != nil {
		t.Fatalf("get stages: %v", err)
	}
	out := make(map[model.Stage]model.PipelineStage, len(stages))
	for _, ps := range stages {
		out[ps.Stage] = ps
	}
	return out
}

func TestProcessArticleThroughAllStages(t *testing.T) {
	t.Parallel()
	db := newTestStore(t)
	o := newTestOrchestrator(t, db)
	ctx := context.Background()

	id := seedArticle(t, db,
		"<p>The budget passed its third reading on Monday.</p><p>Opposition members walked out.</p>",
		"By John Moyo")
	o.Enqueue(id)

	waitFor(t, "article to finish processing", func() bool {
		a, err := db.GetArticle(ctx, id)
		return err == nil && a.AIProcessedAt != nil
	})

	byStage := stageStatuses(t, db, id)
	for _, stage := range []model.Stage{model.StageExtraction, model.StageCleaning, model.StageAuthorDetection, model.StageQualityScoring} {
		if byStage[stage].Status != model.StageCompleted {
			t.Errorf("stage %s should be completed, got %s", stage, byStage[stage].Status)
		}
	}
	// No classifier wired, so classification settles as skipped; the
	// article still counts as fully processed.
	if byStage[model.StageClassification].Status != model.StageSkipped {
		t.Errorf("classification should be skipped without a classifier, got %s",
			byStage[model.StageClassification].Status)
	}

	article, err := db.GetArticle(ctx, id)
	if err != nil {
		t.Fatalf("get article: %v", err)
	}
	if article.WordCount == 0 || article.ReadingTime == 0 {
		t.Errorf("cleaning should set derived fields: words=%d reading=%d",
			article.WordCount, article.ReadingTime)
	}
	if article.SourceQualityScore <= 0 {
		t.Errorf("quality scoring should set a positive score, got %v", article.SourceQualityScore)
	}

	authors, err := db.GetArticleAuthors(ctx, id)
	if err != nil {
		t.Fatalf("get authors: %v", err)
	}
	if len(authors) != 1 || authors[0].Author.Name != "John Moyo" {
		t.Errorf("byline author not attributed: %+v", authors)
	}

	if _, err := db.GetQualityFactors(ctx, id); err != nil {
		t.Errorf("quality factors row missing: %v", err)
	}
}

func TestFailingStageRetriesThenBlocks(t *testing.T) {
	t.Parallel()
	db := newTestStore(t)
	o := newTestOrchestrator(t, db)
	ctx := context.Background()

	// Empty content makes extraction fail deterministically on every attempt.
	id := seedArticle(t, db, "", "")
	o.Enqueue(id)

	waitFor(t, "extraction to exhaust retries", func() bool {
		byStage := stageStatuses(t, db, id)
		ps := byStage[model.StageExtraction]
		return ps.Status == model.StageFailed && ps.RetryCount == 3
	})

	// Give any stray retry timer a moment, then check nothing moved.
	time.Sleep(50 * time.Millisecond)
	byStage := stageStatuses(t, db, id)
	if got := byStage[model.StageExtraction]; got.Status != model.StageFailed || got.RetryCount != 3 {
		t.Fatalf("extraction should be terminally failed after 3 attempts, got %s/%d",
			got.Status, got.RetryCount)
	}
	if byStage[model.StageExtraction].ErrorMessage == "" {
		t.Error("terminal failure should record an error message")
	}
	for _, stage := range []model.Stage{model.StageCleaning, model.StageAuthorDetection, model.StageClassification, model.StageQualityScoring} {
		if byStage[stage].Status != model.StagePending {
			t.Errorf("downstream stage %s should stay pending, got %s", stage, byStage[stage].Status)
		}
	}

	article, err := db.GetArticle(ctx, id)
	if err != nil {
		t.Fatalf("get article: %v", err)
	}
	if article.AIProcessedAt != nil {
		t.Error("article with a terminally failed stage must not be stamped processed")
	}
}

func TestRecoverRequeuesUnfinishedArticles(t *testing.T) {
	t.Parallel()
	db := newTestStore(t)
	ctx := context.Background()

	id := seedArticle(t, db, "<p>The budget passed its third reading.</p>", "By John Moyo")
	// Simulate a previous process dying mid-stage.
	if err := db.MarkStageProcessing(ctx, id, model.StageExtraction, time.Now().UTC()); err != nil {
		t.Fatalf("mark processing: %v", err)
	}

	o := newTestOrchestrator(t, db)
	if err := o.Recover(ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}

	waitFor(t, "recovered article to finish", func() bool {
		a, err := db.GetArticle(ctx, id)
		return err == nil && a.AIProcessedAt != nil
	})
}

// gateClassifier blocks its first Classify call until released, letting a
// test inject work while a stage is mid-run. Later calls return immediately.
type gateClassifier struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gateClassifier) Classify(ctx context.Context, title, content string) (ai.Classification, error) {
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.entered)
		select {
		case <-g.release:
		case <-ctx.Done():
			return ai.Classification{}, ctx.Err()
		}
	}
	return ai.Classification{ContentType: "politics", Confidence: 0.9, Language: "en"}, nil
}

func TestContentUpdateDuringStageRunIsNotLost(t *testing.T) {
	t.Parallel()
	db := newTestStore(t)
	gate := &gateClassifier{entered: make(chan struct{}), release: make(chan struct{})}
	o := newTestOrchestratorWith(t, db, gate)
	dedup := feed.NewDeduplicator(db, discardLogger())
	ctx := context.Background()

	srcID, err := db.UpsertSource(ctx, model.Source{
		Name: "Herald", FeedURL: "https://herald.example/feed",
		FetchFrequency: time.Hour, Enabled: true,
		ExtractStrategy: model.ExtractRSS,
	})
	if err != nil {
		t.Fatalf("seed source: %v", err)
	}
	src := model.Source{ID: srcID, Name: "Herald"}

	entry := feed.RawEntry{
		GUID:      "guid-race",
		Link:      "https://herald.example/story-race",
		Title:     "Parliament Passes National Budget After Marathon Sitting",
		Content:   "<p>The budget passed its first reading.</p>",
		Byline:    "By John Moyo",
		Published: time.Now().UTC().Add(-time.Hour),
	}
	first, err := dedup.Ingest(ctx, src, entry)
	if err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	o.Enqueue(first.ArticleID)

	// Wait until a worker is inside the classification stage.
	select {
	case <-gate.entered:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for classification to start")
	}

	// The feed changed while classification is in flight: the update
	// re-queues the content stages and re-enqueues the article.
	entry.Content = "<p>The budget passed its third reading after amendments.</p>"
	second, err := dedup.Ingest(ctx, src, entry)
	if err != nil {
		t.Fatalf("update ingest: %v", err)
	}
	if second.Classification != feed.ClassUpdate {
		t.Fatalf("expected Update, got %s", second.Classification)
	}
	o.Enqueue(second.ArticleID)
	close(gate.release)

	// The stale run must be discarded and the re-queued pass must finish
	// against the new content.
	waitFor(t, "updated article to reprocess", func() bool {
		a, err := db.GetArticle(ctx, first.ArticleID)
		return err == nil && a.AIProcessedAt != nil && strings.Contains(a.Content, "third reading")
	})

	article, err := db.GetArticle(ctx, first.ArticleID)
	if err != nil {
		t.Fatalf("get article: %v", err)
	}
	if strings.Contains(article.Content, "first reading") {
		t.Fatalf("stale extraction output survived the update: %q", article.Content)
	}
	if article.ContentType != "politics" {
		t.Fatalf("re-queued classification did not run: %q", article.ContentType)
	}
	for stage, ps := range stageStatuses(t, db, first.ArticleID) {
		if !ps.Status.Terminal() {
			t.Errorf("stage %s not settled after reprocessing: %s", stage, ps.Status)
		}
	}

	// The stored hash must match the updated entry, so the next poll sees
	// it as unchanged rather than silently dropping the new content.
	third, err := dedup.Ingest(ctx, src, entry)
	if err != nil {
		t.Fatalf("third ingest: %v", err)
	}
	if third.Classification != feed.ClassUnchanged {
		t.Fatalf("expected Unchanged after reprocessing, got %s", third.Classification)
	}
}

func TestEnqueueIsIdempotent(t *testing.T) {
	t.Parallel()
	o := NewOrchestrator(nil, nil, testPipelineConfig(), discardLogger())
	// No workers started: items stay queued so the internal state is
	// observable.
	o.Enqueue(42)
	o.Enqueue(42)
	o.Enqueue(42)

	o.queue.mu.Lock()
	queued := len(o.queue.items)
	o.queue.mu.Unlock()
	if queued != 1 {
		t.Fatalf("duplicate enqueues should collapse to one queue item, got %d", queued)
	}
}

func TestBackoffDoubles(t *testing.T) {
	t.Parallel()
	o := NewOrchestrator(nil, nil, config.PipelineConfig{RetryBackoff: time.Second}, discardLogger())

	if got := o.backoff(1); got != 2*time.Second {
		t.Errorf("backoff(1) = %v, want 2s", got)
	}
	if got := o.backoff(2); got != 4*time.Second {
		t.Errorf("backoff(2) = %v, want 4s", got)
	}
}

func TestCleanText(t *testing.T) {
	t.Parallel()

	in := "First   paragraph\twith spaces.\n\n\n\nSecond  paragraph."
	want := "First paragraph with spaces.\n\nSecond paragraph."
	if got := cleanText(in); got != want {
		t.Fatalf("cleanText = %q, want %q", got, want)
	}
}
