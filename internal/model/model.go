// Package model defines shared data structures for the ingestion pipeline.
package model

import "time"

// ExtractStrategy selects how article content is obtained for a source.
type ExtractStrategy string

const (
	// ExtractRSS uses the content shipped inside the feed entry.
	ExtractRSS ExtractStrategy = "rss"
	// ExtractScrape fetches the article page and applies CSS selectors.
	ExtractScrape ExtractStrategy = "scrape"
)

// Source represents one external feed and its scheduling state.
type Source struct {
	ID                    int64
	Name                  string
	FeedURL               string
	Country               string
	Category              string
	FetchFrequency        time.Duration
	LastFetchedAt         *time.Time
	LastSuccessfulFetchAt *time.Time
	ConsecutiveFailures   int
	FetchErrorCount       int
	LastError             string
	Enabled               bool
	ExtractStrategy       ExtractStrategy
	TitleSelector         string
	ContentSelector       string
	CreatedAt             time.Time
}

// Due reports whether the source should be fetched at the given instant.
func (s Source) Due(now time.Time) bool {
	if !s.Enabled {
		return false
	}
	if s.LastFetchedAt == nil {
		return true
	}
	return now.Sub(*s.LastFetchedAt) >= s.FetchFrequency
}

// Article is the canonical content record. Exactly one row exists per
// (source_id, identity_key) pair.
type Article struct {
	ID          int64
	SourceID    int64
	IdentityKey string
	RSSGUID     string
	OriginalURL string
	Title       string
	Content     string
	Byline      string
	ImageURL    string
	PublishedAt time.Time

	ContentHash string
	BylineHash  string

	// Enrichment fields, mutated by pipeline stages only.
	WordCount                int
	ReadingTime              int
	ContentType              string
	ClassificationConfidence float64
	Language                 string
	SourceQualityScore       float64
	TrendingScore            float64

	// Engagement counters, incremented by consumers.
	ViewCount     int64
	LikeCount     int64
	BookmarkCount int64

	AIProcessedAt *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Stage is one named step of article enrichment. The set and order are
// closed; OrderedStages is the single source of truth for sequencing.
type Stage string

const (
	StageExtraction      Stage = "extraction"
	StageCleaning        Stage = "cleaning"
	StageAuthorDetection Stage = "author_detection"
	StageClassification  Stage = "classification"
	StageQualityScoring  Stage = "quality_scoring"
)

// OrderedStages lists every stage in execution order. A stage may only start
// once all stages before it are completed or skipped.
var OrderedStages = []Stage{
	StageExtraction,
	StageCleaning,
	StageAuthorDetection,
	StageClassification,
	StageQualityScoring,
}

// StageStatus tracks the lifecycle of one (article, stage) pair.
type StageStatus string

const (
	StagePending    StageStatus = "pending"
	StageProcessing StageStatus = "processing"
	StageCompleted  StageStatus = "completed"
	StageFailed     StageStatus = "failed"
	StageSkipped    StageStatus = "skipped"
)

// Terminal reports whether the status counts toward full processing.
func (s StageStatus) Terminal() bool {
	return s == StageCompleted || s == StageSkipped
}

// PipelineStage is one row per (article, stage).
type PipelineStage struct {
	ID             int64
	ArticleID      int64
	Stage          Stage
	Status         StageStatus
	RetryCount     int
	StartedAt      *time.Time
	CompletedAt    *time.Time
	ProcessingTime time.Duration
	InputData      string
	OutputData     string
	ErrorMessage   string
}

// ExtractionMethod records how an article/author link was established.
type ExtractionMethod string

const (
	MethodRSS    ExtractionMethod = "rss"
	MethodAI     ExtractionMethod = "ai"
	MethodManual ExtractionMethod = "manual"
)

// Author is a normalized byline identity.
type Author struct {
	ID              int64
	Name            string
	NormalizedName  string
	ArticleCount    int64
	TotalViews      int64
	AvgQualityScore float64
	CreatedAt       time.Time
}

// ArticleAuthor links an article to an author, preserving byline order.
type ArticleAuthor struct {
	ArticleID   int64
	AuthorID    int64
	Confidence  float64
	Method      ExtractionMethod
	BylineOrder int
}

// QualityFactors holds the per-article component scores, each in [0,1].
type QualityFactors struct {
	ArticleID    int64
	Completeness float64
	Grammar      float64
	Readability  float64
	Headline     float64
	Timeliness   float64
	Credibility  float64
	HasAuthor    bool
	HasImage     bool
	ComputedAt   time.Time
}

// Engagement carries counter increments arriving from consumers. The counts
// feed the trending score but never touch pipeline state.
type Engagement struct {
	Views     int64
	Likes     int64
	Bookmarks int64
}
