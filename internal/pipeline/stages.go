package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nyuchitech/mukoko-news-sub006/internal/ai"
	"github.com/nyuchitech/mukoko-news-sub006/internal/author"
	"github.com/nyuchitech/mukoko-news-sub006/internal/database"
	"github.com/nyuchitech/mukoko-news-sub006/internal/feed"
	"github.com/nyuchitech/mukoko-news-sub006/internal/model"
	"github.com/nyuchitech/mukoko-news-sub006/internal/scoring"
)

// wordsPerMinute converts word counts into reading time.
const wordsPerMinute = 200

// Outcome is the result of one stage execution.
type Outcome struct {
	Skipped bool
	// Reason explains a skip; Output summarizes a completion.
	Reason string
	Output string
}

// Runner executes individual enrichment stages against one article.
type Runner struct {
	store         database.Store
	scraper       *feed.Scraper
	classifier    ai.Classifier
	resolver      *author.Resolver
	scorer        *scoring.Scorer
	classifyLangs map[string]bool
	logger        *slog.Logger
}

// NewRunner wires the stage executors. classifier may be nil, in which case
// the AI-backed stages are skipped.
func NewRunner(store database.Store, scraper *feed.Scraper, classifier ai.Classifier,
	resolver *author.Resolver, scorer *scoring.Scorer, classifyLangs []string, logger *slog.Logger) *Runner {
	langs := make(map[string]bool, len(classifyLangs))
	for _, l := range classifyLangs {
		langs[strings.ToLower(l)] = true
	}
	return &Runner{
		store:         store,
		scraper:       scraper,
		classifier:    classifier,
		resolver:      resolver,
		scorer:        scorer,
		classifyLangs: langs,
		logger:        logger,
	}
}

// Run executes one stage. The article is re-read by the caller before each
// stage, so earlier stage output is visible here.
func (r *Runner) Run(ctx context.Context, article *model.Article, source model.Source, stage model.Stage) (Outcome, error) {
	switch stage {
	case model.StageExtraction:
		return r.runExtraction(ctx, article, source)
	case model.StageCleaning:
		return r.runCleaning(ctx, article)
	case model.StageAuthorDetection:
		return r.runAuthorDetection(ctx, article)
	case model.StageClassification:
		return r.runClassification(ctx, article)
	case model.StageQualityScoring:
		return r.runQualityScoring(ctx, article, source)
	default:
		return Outcome{}, fmt.Errorf("unknown stage %q", stage)
	}
}

func (r *Runner) runExtraction(ctx context.Context, article *model.Article, source model.Source) (Outcome, error) {
	var content string
	switch source.ExtractStrategy {
	case model.ExtractScrape:
		_, scraped, err := r.scraper.Extract(ctx, source, article.OriginalURL)
		if err != nil {
			return Outcome{}, fmt.Errorf("scrape %s: %w", article.OriginalURL, err)
		}
		content = scraped
	default:
		content = feed.StripHTML(article.Content)
	}

	if strings.TrimSpace(content) == "" {
		return Outcome{}, fmt.Errorf("no content extracted for article %d", article.ID)
	}
	if err := r.store.SetArticleExtractedContent(ctx, article.ID, model.StageExtraction, content); err != nil {
		if errors.Is(err, database.ErrStageReset) {
			return Outcome{}, err
		}
		return Outcome{}, fmt.Errorf("store extracted content: %w", err)
	}
	return Outcome{Output: fmt.Sprintf("extracted %d bytes via %s", len(content), source.ExtractStrategy)}, nil
}

func (r *Runner) runCleaning(ctx context.Context, article *model.Article) (Outcome, error) {
	cleaned := cleanText(article.Content)
	if cleaned == "" {
		return Outcome{}, fmt.Errorf("article %d has no content to clean", article.ID)
	}

	wordCount := len(strings.Fields(cleaned))
	readingTime := (wordCount + wordsPerMinute - 1) / wordsPerMinute
	if readingTime < 1 {
		readingTime = 1
	}

	if err := r.store.SetArticleExtractedContent(ctx, article.ID, model.StageCleaning, cleaned); err != nil {
		if errors.Is(err, database.ErrStageReset) {
			return Outcome{}, err
		}
		return Outcome{}, fmt.Errorf("store cleaned content: %w", err)
	}
	if err := r.store.SetArticleDerived(ctx, article.ID, wordCount, readingTime); err != nil {
		return Outcome{}, fmt.Errorf("store derived fields: %w", err)
	}
	return Outcome{Output: fmt.Sprintf("words=%d reading_time=%dm", wordCount, readingTime)}, nil
}

func (r *Runner) runAuthorDetection(ctx context.Context, article *model.Article) (Outcome, error) {
	if strings.TrimSpace(article.Byline) != "" {
		matches, err := r.resolver.Resolve(ctx, article.ID, article.Byline, model.MethodRSS, 1.0)
		if err != nil {
			return Outcome{}, fmt.Errorf("resolve byline: %w", err)
		}
		return Outcome{Output: fmt.Sprintf("attributed %d author(s) from byline", len(matches))}, nil
	}

	if r.classifier == nil {
		return Outcome{Skipped: true, Reason: "no byline and no classifier configured"}, nil
	}

	cls, err := r.classifier.Classify(ctx, article.Title, article.Content)
	if err != nil {
		return Outcome{}, fmt.Errorf("ai author extraction: %w", err)
	}
	if len(cls.Authors) == 0 {
		return Outcome{Output: "no authors detected"}, nil
	}
	matches, err := r.resolver.ResolveNames(ctx, article.ID, cls.Authors, model.MethodAI, cls.Confidence)
	if err != nil {
		return Outcome{}, fmt.Errorf("resolve ai authors: %w", err)
	}
	return Outcome{Output: fmt.Sprintf("attributed %d author(s) via ai", len(matches))}, nil
}

func (r *Runner) runClassification(ctx context.Context, article *model.Article) (Outcome, error) {
	if r.classifier == nil {
		return Outcome{Skipped: true, Reason: "no classifier configured"}, nil
	}

	cls, err := r.classifier.Classify(ctx, article.Title, article.Content)
	if err != nil {
		return Outcome{}, fmt.Errorf("classify article %d: %w", article.ID, err)
	}

	lang := strings.ToLower(cls.Language)
	if len(r.classifyLangs) > 0 && lang != "" && !r.classifyLangs[lang] {
		// Keep the detected language but do not label content we cannot
		// classify reliably.
		if err := r.store.SetArticleClassification(ctx, article.ID, "", 0, lang); err != nil {
			return Outcome{}, fmt.Errorf("store language: %w", err)
		}
		return Outcome{Skipped: true, Reason: fmt.Sprintf("language %q not classifiable", lang)}, nil
	}

	if err := r.store.SetArticleClassification(ctx, article.ID, cls.ContentType, cls.Confidence, lang); err != nil {
		return Outcome{}, fmt.Errorf("store classification: %w", err)
	}
	return Outcome{Output: fmt.Sprintf("type=%s confidence=%.2f", cls.ContentType, cls.Confidence)}, nil
}

func (r *Runner) runQualityScoring(ctx context.Context, article *model.Article, source model.Source) (Outcome, error) {
	authors, err := r.store.GetArticleAuthors(ctx, article.ID)
	if err != nil {
		return Outcome{}, fmt.Errorf("load authors: %w", err)
	}

	now := time.Now().UTC()
	factors := r.scorer.Factors(*article, source, len(authors) > 0, now)
	if err := r.store.UpsertQualityFactors(ctx, factors); err != nil {
		return Outcome{}, fmt.Errorf("store quality factors: %w", err)
	}

	quality := r.scorer.Quality(factors)
	trending := r.scorer.Trending(model.Engagement{
		Views:     article.ViewCount,
		Likes:     article.LikeCount,
		Bookmarks: article.BookmarkCount,
	}, article.PublishedAt, now)

	if err := r.store.SetArticleScores(ctx, article.ID, quality, trending); err != nil {
		return Outcome{}, fmt.Errorf("store scores: %w", err)
	}

	for _, a := range authors {
		if err := r.store.RefreshAuthorStats(ctx, a.Author.ID); err != nil {
			return Outcome{}, fmt.Errorf("refresh author %d stats: %w", a.Author.ID, err)
		}
	}
	return Outcome{Output: fmt.Sprintf("quality=%.3f trending=%.3f", quality, trending)}, nil
}

// cleanText collapses runs of whitespace while preserving paragraph breaks.
func cleanText(content string) string {
	paragraphs := strings.Split(content, "\n\n")
	cleaned := paragraphs[:0]
	for _, p := range paragraphs {
		p = strings.Join(strings.Fields(p), " ")
		if p != "" {
			cleaned = append(cleaned, p)
		}
	}
	return strings.Join(cleaned, "\n\n")
}
