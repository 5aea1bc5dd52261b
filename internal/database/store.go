// Package database provides SQLite storage for the ingestion pipeline.
package database

import (
	"context"
	"errors"
	"time"

	"github.com/nyuchitech/mukoko-news-sub006/internal/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrStageReset is returned when a stage write finds the row no longer in
// processing. It means a concurrent content update reset the stage while the
// caller was executing it; the caller's result is stale and must be
// discarded, never recorded.
var ErrStageReset = errors.New("stage no longer processing")

// FetchOutcome describes the result of one fetch attempt against a source.
type FetchOutcome struct {
	Success bool
	Error   string
	At      time.Time
}

// ArticleFilter narrows article listings for the read API.
type ArticleFilter struct {
	SourceID    int64
	Country     string
	Category    string
	ContentType string
	// OrderBy is "trending" or "recent" (default).
	OrderBy string
	Limit   int
	Offset  int
}

// AuthorMatch pairs an author row with its article link metadata.
type AuthorMatch struct {
	Author      model.Author
	Confidence  float64
	Method      model.ExtractionMethod
	BylineOrder int
}

// Store defines the persistence operations used by the pipeline and the
// read API. The SQLite implementation satisfies this interface; tests may
// substitute in-memory stores.
type Store interface {
	Close() error

	// Source registry.
	UpsertSource(ctx context.Context, src model.Source) (int64, error)
	GetSource(ctx context.Context, id int64) (*model.Source, error)
	ListSources(ctx context.Context) ([]model.Source, error)
	ListDueSources(ctx context.Context, now time.Time) ([]model.Source, error)
	RecordFetchAttempt(ctx context.Context, sourceID int64, outcome FetchOutcome) error
	SetSourceEnabled(ctx context.Context, sourceID int64, enabled bool) error

	// Articles.
	GetArticle(ctx context.Context, id int64) (*model.Article, error)
	GetArticleByIdentity(ctx context.Context, sourceID int64, identityKey string) (*model.Article, error)
	CreateArticle(ctx context.Context, a *model.Article) (id int64, created bool, err error)
	UpdateArticleContent(ctx context.Context, a *model.Article) error
	SetArticleExtractedContent(ctx context.Context, id int64, stage model.Stage, content string) error
	SetArticleDerived(ctx context.Context, id int64, wordCount, readingTime int) error
	SetArticleClassification(ctx context.Context, id int64, contentType string, confidence float64, language string) error
	SetArticleScores(ctx context.Context, id int64, quality, trending float64) error
	SetArticleProcessedAt(ctx context.Context, id int64, at time.Time) error
	ListArticles(ctx context.Context, f ArticleFilter) ([]model.Article, error)
	IncrementEngagement(ctx context.Context, id int64, e model.Engagement) error
	SetTrendingScore(ctx context.Context, id int64, score float64) error

	// Pipeline stages.
	CreateStages(ctx context.Context, articleID int64, stages []model.Stage) error
	ResetStages(ctx context.Context, articleID int64, stages []model.Stage) error
	GetStages(ctx context.Context, articleID int64) ([]model.PipelineStage, error)
	MarkStageProcessing(ctx context.Context, articleID int64, stage model.Stage, at time.Time) error
	MarkStageCompleted(ctx context.Context, articleID int64, stage model.Stage, at time.Time, took time.Duration, output string) error
	MarkStageFailed(ctx context.Context, articleID int64, stage model.Stage, at time.Time, errMsg string) error
	MarkStageSkipped(ctx context.Context, articleID int64, stage model.Stage, at time.Time, reason string) error
	ListRecoverableArticles(ctx context.Context, maxRetries int) ([]int64, error)

	// Authors.
	GetAuthor(ctx context.Context, id int64) (*model.Author, error)
	GetAuthorByNormalizedName(ctx context.Context, normalized string) (*model.Author, error)
	GetOrCreateAuthor(ctx context.Context, name, normalized string) (int64, bool, error)
	LinkArticleAuthor(ctx context.Context, link model.ArticleAuthor) (bool, error)
	IncrementAuthorArticleCount(ctx context.Context, authorID int64) error
	RefreshAuthorStats(ctx context.Context, authorID int64) error
	GetArticleAuthors(ctx context.Context, articleID int64) ([]AuthorMatch, error)

	// Quality factors.
	UpsertQualityFactors(ctx context.Context, qf model.QualityFactors) error
	GetQualityFactors(ctx context.Context, articleID int64) (*model.QualityFactors, error)
}
