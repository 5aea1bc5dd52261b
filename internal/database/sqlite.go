package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "modernc.org/sqlite"

	"github.com/nyuchitech/mukoko-news-sub006/internal/model"
)

// DB wraps the SQLite connection.
type DB struct {
	conn *sql.DB
}

var _ Store = (*DB)(nil)

// New opens or creates an SQLite database at the given path.
func New(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Enable WAL mode for better concurrency.
	if _, err := conn.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set wal mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA foreign_keys=ON;"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sources (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		feed_url TEXT NOT NULL UNIQUE,
		country TEXT DEFAULT '',
		category TEXT DEFAULT '',
		fetch_frequency_minutes INTEGER NOT NULL DEFAULT 60,
		last_fetched_at DATETIME,
		last_successful_fetch_at DATETIME,
		consecutive_failures INTEGER NOT NULL DEFAULT 0,
		fetch_error_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT DEFAULT '',
		enabled INTEGER NOT NULL DEFAULT 1,
		extract_strategy TEXT NOT NULL DEFAULT 'rss',
		title_selector TEXT DEFAULT '',
		content_selector TEXT DEFAULT '',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE TABLE IF NOT EXISTS articles (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		source_id INTEGER NOT NULL REFERENCES sources(id),
		identity_key TEXT NOT NULL,
		rss_guid TEXT DEFAULT '',
		original_url TEXT NOT NULL,
		title TEXT NOT NULL,
		content TEXT DEFAULT '',
		byline TEXT DEFAULT '',
		image_url TEXT DEFAULT '',
		published_at DATETIME,
		content_hash TEXT NOT NULL,
		byline_hash TEXT NOT NULL DEFAULT '',
		word_count INTEGER NOT NULL DEFAULT 0,
		reading_time INTEGER NOT NULL DEFAULT 0,
		content_type TEXT DEFAULT '',
		classification_confidence REAL NOT NULL DEFAULT 0,
		language TEXT DEFAULT '',
		source_quality_score REAL NOT NULL DEFAULT 0,
		trending_score REAL NOT NULL DEFAULT 0,
		view_count INTEGER NOT NULL DEFAULT 0,
		like_count INTEGER NOT NULL DEFAULT 0,
		bookmark_count INTEGER NOT NULL DEFAULT 0,
		ai_processed_at DATETIME,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(source_id, identity_key)
	);
	CREATE TABLE IF NOT EXISTS pipeline_stages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		article_id INTEGER NOT NULL REFERENCES articles(id) ON DELETE CASCADE,
		stage TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		retry_count INTEGER NOT NULL DEFAULT 0,
		started_at DATETIME,
		completed_at DATETIME,
		processing_time_ms INTEGER NOT NULL DEFAULT 0,
		input_data TEXT DEFAULT '',
		output_data TEXT DEFAULT '',
		error_message TEXT DEFAULT '',
		UNIQUE(article_id, stage)
	);
	CREATE TABLE IF NOT EXISTS authors (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		normalized_name TEXT NOT NULL UNIQUE,
		article_count INTEGER NOT NULL DEFAULT 0,
		total_views INTEGER NOT NULL DEFAULT 0,
		avg_quality_score REAL NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE TABLE IF NOT EXISTS article_authors (
		article_id INTEGER NOT NULL REFERENCES articles(id) ON DELETE CASCADE,
		author_id INTEGER NOT NULL REFERENCES authors(id) ON DELETE CASCADE,
		confidence REAL NOT NULL DEFAULT 0,
		extraction_method TEXT NOT NULL DEFAULT 'rss',
		byline_order INTEGER NOT NULL DEFAULT 1,
		UNIQUE(article_id, author_id)
	);
	CREATE TABLE IF NOT EXISTS quality_factors (
		article_id INTEGER PRIMARY KEY REFERENCES articles(id) ON DELETE CASCADE,
		completeness REAL NOT NULL DEFAULT 0,
		grammar REAL NOT NULL DEFAULT 0,
		readability REAL NOT NULL DEFAULT 0,
		headline REAL NOT NULL DEFAULT 0,
		timeliness REAL NOT NULL DEFAULT 0,
		credibility REAL NOT NULL DEFAULT 0,
		has_author INTEGER NOT NULL DEFAULT 0,
		has_image INTEGER NOT NULL DEFAULT 0,
		computed_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_articles_source_id ON articles(source_id);
	CREATE INDEX IF NOT EXISTS idx_articles_published_at ON articles(published_at DESC);
	CREATE INDEX IF NOT EXISTS idx_articles_trending ON articles(trending_score DESC);
	CREATE INDEX IF NOT EXISTS idx_stages_article_id ON pipeline_stages(article_id);
	CREATE INDEX IF NOT EXISTS idx_stages_status ON pipeline_stages(status);
	`
	_, err := db.conn.Exec(schema)
	return err
}

// --- Source Methods ---

const sourceColumns = `id, name, feed_url, country, category, fetch_frequency_minutes,
	last_fetched_at, last_successful_fetch_at, consecutive_failures, fetch_error_count,
	last_error, enabled, extract_strategy, title_selector, content_selector, created_at`

func scanSource(row interface{ Scan(...any) error }) (*model.Source, error) {
	var s model.Source
	var freqMinutes int64
	var lastFetched, lastSuccess sql.NullTime
	var lastError sql.NullString
	err := row.Scan(&s.ID, &s.Name, &s.FeedURL, &s.Country, &s.Category, &freqMinutes,
		&lastFetched, &lastSuccess, &s.ConsecutiveFailures, &s.FetchErrorCount,
		&lastError, &s.Enabled, &s.ExtractStrategy, &s.TitleSelector, &s.ContentSelector, &s.CreatedAt)
	if err != nil {
		return nil, err
	}
	s.FetchFrequency = time.Duration(freqMinutes) * time.Minute
	if lastFetched.Valid {
		t := lastFetched.Time
		s.LastFetchedAt = &t
	}
	if lastSuccess.Valid {
		t := lastSuccess.Time
		s.LastSuccessfulFetchAt = &t
	}
	if lastError.Valid {
		s.LastError = lastError.String
	}
	return &s, nil
}

// UpsertSource inserts a source or refreshes its configuration fields.
// Fetch counters and the enabled flag are left untouched on conflict, so a
// restart never resets health state.
func (db *DB) UpsertSource(ctx context.Context, src model.Source) (int64, error) {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO sources (name, feed_url, country, category, fetch_frequency_minutes,
			enabled, extract_strategy, title_selector, content_selector)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(feed_url) DO UPDATE SET
			name = excluded.name,
			country = excluded.country,
			category = excluded.category,
			fetch_frequency_minutes = excluded.fetch_frequency_minutes,
			extract_strategy = excluded.extract_strategy,
			title_selector = excluded.title_selector,
			content_selector = excluded.content_selector`,
		src.Name, src.FeedURL, src.Country, src.Category, int64(src.FetchFrequency/time.Minute),
		src.Enabled, string(src.ExtractStrategy), src.TitleSelector, src.ContentSelector)
	if err != nil {
		return 0, err
	}
	var id int64
	err = db.conn.QueryRowContext(ctx, "SELECT id FROM sources WHERE feed_url = ?", src.FeedURL).Scan(&id)
	return id, err
}

// GetSource returns a source by ID.
func (db *DB) GetSource(ctx context.Context, id int64) (*model.Source, error) {
	row := db.conn.QueryRowContext(ctx, "SELECT "+sourceColumns+" FROM sources WHERE id = ?", id)
	s, err := scanSource(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return s, err
}

// ListSources returns every source ordered by name.
func (db *DB) ListSources(ctx context.Context) ([]model.Source, error) {
	rows, err := db.conn.QueryContext(ctx, "SELECT "+sourceColumns+" FROM sources ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSources(rows)
}

// ListDueSources returns enabled sources whose fetch interval has elapsed
// (or that have never been fetched).
func (db *DB) ListDueSources(ctx context.Context, now time.Time) ([]model.Source, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT `+sourceColumns+` FROM sources
		WHERE enabled = 1
		  AND (last_fetched_at IS NULL
		       OR last_fetched_at <= ?)
		ORDER BY last_fetched_at ASC`,
		now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	sources, err := collectSources(rows)
	if err != nil {
		return nil, err
	}
	// The interval varies per source, so the final cut happens in Go.
	due := sources[:0]
	for _, s := range sources {
		if s.Due(now) {
			due = append(due, s)
		}
	}
	return due, nil
}

func collectSources(rows *sql.Rows) ([]model.Source, error) {
	var sources []model.Source
	for rows.Next() {
		s, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		sources = append(sources, *s)
	}
	return sources, rows.Err()
}

// RecordFetchAttempt updates the per-source fetch counters. Success resets
// consecutive_failures; failure increments it along with fetch_error_count.
func (db *DB) RecordFetchAttempt(ctx context.Context, sourceID int64, outcome FetchOutcome) error {
	if outcome.Success {
		_, err := db.conn.ExecContext(ctx, `
			UPDATE sources SET
				last_fetched_at = ?,
				last_successful_fetch_at = ?,
				consecutive_failures = 0,
				last_error = ''
			WHERE id = ?`,
			outcome.At, outcome.At, sourceID)
		return err
	}
	errMsg := outcome.Error
	if len(errMsg) > 200 {
		errMsg = errMsg[:200]
	}
	_, err := db.conn.ExecContext(ctx, `
		UPDATE sources SET
			last_fetched_at = ?,
			consecutive_failures = consecutive_failures + 1,
			fetch_error_count = fetch_error_count + 1,
			last_error = ?
		WHERE id = ?`,
		outcome.At, errMsg, sourceID)
	return err
}

// SetSourceEnabled flips the enabled flag. Sources are never deleted.
func (db *DB) SetSourceEnabled(ctx context.Context, sourceID int64, enabled bool) error {
	_, err := db.conn.ExecContext(ctx, "UPDATE sources SET enabled = ? WHERE id = ?", enabled, sourceID)
	return err
}

// --- Article Methods ---

const articleColumns = `id, source_id, identity_key, rss_guid, original_url, title, content,
	byline, image_url, published_at, content_hash, byline_hash, word_count, reading_time,
	content_type, classification_confidence, language, source_quality_score, trending_score,
	view_count, like_count, bookmark_count, ai_processed_at, created_at, updated_at`

func scanArticle(row interface{ Scan(...any) error }) (*model.Article, error) {
	var a model.Article
	var publishedAt, processedAt sql.NullTime
	err := row.Scan(&a.ID, &a.SourceID, &a.IdentityKey, &a.RSSGUID, &a.OriginalURL, &a.Title,
		&a.Content, &a.Byline, &a.ImageURL, &publishedAt, &a.ContentHash, &a.BylineHash,
		&a.WordCount, &a.ReadingTime, &a.ContentType, &a.ClassificationConfidence, &a.Language,
		&a.SourceQualityScore, &a.TrendingScore, &a.ViewCount, &a.LikeCount, &a.BookmarkCount,
		&processedAt, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if publishedAt.Valid {
		a.PublishedAt = publishedAt.Time
	}
	if processedAt.Valid {
		t := processedAt.Time
		a.AIProcessedAt = &t
	}
	return &a, nil
}

// GetArticle returns an article by ID.
func (db *DB) GetArticle(ctx context.Context, id int64) (*model.Article, error) {
	row := db.conn.QueryRowContext(ctx, "SELECT "+articleColumns+" FROM articles WHERE id = ?", id)
	a, err := scanArticle(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

// GetArticleByIdentity looks up an article by its dedup key.
func (db *DB) GetArticleByIdentity(ctx context.Context, sourceID int64, identityKey string) (*model.Article, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT "+articleColumns+" FROM articles WHERE source_id = ? AND identity_key = ?",
		sourceID, identityKey)
	a, err := scanArticle(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

// CreateArticle inserts a new article if its identity key is unused. The
// second return value reports whether a row was actually created; false
// means another writer won the race and the caller should treat the entry
// as an update.
func (db *DB) CreateArticle(ctx context.Context, a *model.Article) (int64, bool, error) {
	res, err := db.conn.ExecContext(ctx, `
		INSERT INTO articles (source_id, identity_key, rss_guid, original_url, title, content,
			byline, image_url, published_at, content_hash, byline_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_id, identity_key) DO NOTHING`,
		a.SourceID, a.IdentityKey, a.RSSGUID, a.OriginalURL, a.Title, a.Content,
		a.Byline, a.ImageURL, a.PublishedAt, a.ContentHash, a.BylineHash)
	if err != nil {
		return 0, false, err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return 0, false, nil
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, false, err
	}
	a.ID = id
	return id, true, nil
}

// UpdateArticleContent refreshes content fields after a dedup Update.
func (db *DB) UpdateArticleContent(ctx context.Context, a *model.Article) error {
	_, err := db.conn.ExecContext(ctx, `
		UPDATE articles SET
			title = ?, content = ?, byline = ?, image_url = ?, published_at = ?,
			content_hash = ?, byline_hash = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`,
		a.Title, a.Content, a.Byline, a.ImageURL, a.PublishedAt,
		a.ContentHash, a.BylineHash, a.ID)
	return err
}

// SetArticleExtractedContent stores a content-producing stage's output text.
// The write only lands while the given stage is still processing; if a
// concurrent feed update reset the stage, the caller's text was derived from
// superseded content and ErrStageReset tells it to discard the run.
func (db *DB) SetArticleExtractedContent(ctx context.Context, id int64, stage model.Stage, content string) error {
	res, err := db.conn.ExecContext(ctx, `
		UPDATE articles SET content = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
		  AND EXISTS (SELECT 1 FROM pipeline_stages
		              WHERE article_id = articles.id AND stage = ? AND status = 'processing')`,
		content, id, string(stage))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrStageReset
	}
	return nil
}

// SetArticleDerived stores the cleaning stage's derived fields.
func (db *DB) SetArticleDerived(ctx context.Context, id int64, wordCount, readingTime int) error {
	_, err := db.conn.ExecContext(ctx,
		"UPDATE articles SET word_count = ?, reading_time = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?",
		wordCount, readingTime, id)
	return err
}

// SetArticleClassification stores the classification stage's output.
func (db *DB) SetArticleClassification(ctx context.Context, id int64, contentType string, confidence float64, language string) error {
	_, err := db.conn.ExecContext(ctx, `
		UPDATE articles SET content_type = ?, classification_confidence = ?, language = ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`,
		contentType, confidence, language, id)
	return err
}

// SetArticleScores stores both derived scores.
func (db *DB) SetArticleScores(ctx context.Context, id int64, quality, trending float64) error {
	_, err := db.conn.ExecContext(ctx, `
		UPDATE articles SET source_quality_score = ?, trending_score = ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`,
		quality, trending, id)
	return err
}

// SetArticleProcessedAt stamps the fully-processed marker.
func (db *DB) SetArticleProcessedAt(ctx context.Context, id int64, at time.Time) error {
	_, err := db.conn.ExecContext(ctx, "UPDATE articles SET ai_processed_at = ? WHERE id = ?", at, id)
	return err
}

// ListArticles returns articles matching the filter, for the read API.
func (db *DB) ListArticles(ctx context.Context, f ArticleFilter) ([]model.Article, error) {
	cols := strings.Split(compactColumns(articleColumns), ", ")
	for i := range cols {
		cols[i] = "articles." + cols[i]
	}
	b := sq.Select(cols...).
		From("articles").
		Join("sources ON sources.id = articles.source_id")
	if f.SourceID > 0 {
		b = b.Where(sq.Eq{"articles.source_id": f.SourceID})
	}
	if f.Country != "" {
		b = b.Where(sq.Eq{"sources.country": f.Country})
	}
	if f.Category != "" {
		b = b.Where(sq.Eq{"sources.category": f.Category})
	}
	if f.ContentType != "" {
		b = b.Where(sq.Eq{"articles.content_type": f.ContentType})
	}
	switch f.OrderBy {
	case "trending":
		b = b.OrderBy("articles.trending_score DESC", "articles.published_at DESC")
	default:
		b = b.OrderBy("articles.published_at DESC")
	}
	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	b = b.Limit(uint64(limit))
	if f.Offset > 0 {
		b = b.Offset(uint64(f.Offset))
	}

	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build article query: %w", err)
	}
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var articles []model.Article
	for rows.Next() {
		a, err := scanArticle(rows)
		if err != nil {
			return nil, err
		}
		articles = append(articles, *a)
	}
	return articles, rows.Err()
}

func compactColumns(cols string) string {
	fields := strings.Split(cols, ",")
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}
	return strings.Join(fields, ", ")
}

// IncrementEngagement applies reader counter increments.
func (db *DB) IncrementEngagement(ctx context.Context, id int64, e model.Engagement) error {
	res, err := db.conn.ExecContext(ctx, `
		UPDATE articles SET
			view_count = view_count + ?,
			like_count = like_count + ?,
			bookmark_count = bookmark_count + ?
		WHERE id = ?`,
		e.Views, e.Likes, e.Bookmarks, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetTrendingScore overwrites the stored trending score.
func (db *DB) SetTrendingScore(ctx context.Context, id int64, score float64) error {
	_, err := db.conn.ExecContext(ctx, "UPDATE articles SET trending_score = ? WHERE id = ?", score, id)
	return err
}

// --- Pipeline Stage Methods ---

// CreateStages inserts pending rows for the given stages, one per stage.
// Existing rows are left untouched.
func (db *DB) CreateStages(ctx context.Context, articleID int64, stages []model.Stage) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO pipeline_stages (article_id, stage, status)
		VALUES (?, ?, 'pending')
		ON CONFLICT(article_id, stage) DO NOTHING`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, stage := range stages {
		if _, err := stmt.ExecContext(ctx, articleID, string(stage)); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// ResetStages re-queues the given stages as pending with cleared state.
func (db *DB) ResetStages(ctx context.Context, articleID int64, stages []model.Stage) error {
	if len(stages) == 0 {
		return nil
	}
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `
		UPDATE pipeline_stages SET
			status = 'pending', retry_count = 0, started_at = NULL, completed_at = NULL,
			processing_time_ms = 0, output_data = '', error_message = ''
		WHERE article_id = ? AND stage = ?`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, stage := range stages {
		if _, err := stmt.ExecContext(ctx, articleID, string(stage)); err != nil {
			tx.Rollback()
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, "UPDATE articles SET ai_processed_at = NULL WHERE id = ?", articleID); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// GetStages returns every stage row for an article in pipeline order.
func (db *DB) GetStages(ctx context.Context, articleID int64) ([]model.PipelineStage, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, article_id, stage, status, retry_count, started_at, completed_at,
			processing_time_ms, input_data, output_data, error_message
		FROM pipeline_stages WHERE article_id = ?`, articleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byStage := make(map[model.Stage]model.PipelineStage, len(model.OrderedStages))
	for rows.Next() {
		var ps model.PipelineStage
		var startedAt, completedAt sql.NullTime
		var tookMS int64
		if err := rows.Scan(&ps.ID, &ps.ArticleID, &ps.Stage, &ps.Status, &ps.RetryCount,
			&startedAt, &completedAt, &tookMS, &ps.InputData, &ps.OutputData, &ps.ErrorMessage); err != nil {
			return nil, err
		}
		if startedAt.Valid {
			t := startedAt.Time
			ps.StartedAt = &t
		}
		if completedAt.Valid {
			t := completedAt.Time
			ps.CompletedAt = &t
		}
		ps.ProcessingTime = time.Duration(tookMS) * time.Millisecond
		byStage[ps.Stage] = ps
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	ordered := make([]model.PipelineStage, 0, len(byStage))
	for _, stage := range model.OrderedStages {
		if ps, ok := byStage[stage]; ok {
			ordered = append(ordered, ps)
		}
	}
	return ordered, nil
}

// MarkStageProcessing transitions a stage to processing.
func (db *DB) MarkStageProcessing(ctx context.Context, articleID int64, stage model.Stage, at time.Time) error {
	_, err := db.conn.ExecContext(ctx, `
		UPDATE pipeline_stages SET status = 'processing', started_at = ?
		WHERE article_id = ? AND stage = ?`,
		at, articleID, string(stage))
	return err
}

// MarkStageCompleted finishes a stage and records its duration. The
// transition only applies while the row is still processing; ErrStageReset
// means a concurrent update re-queued the stage and this result is stale.
func (db *DB) MarkStageCompleted(ctx context.Context, articleID int64, stage model.Stage, at time.Time, took time.Duration, output string) error {
	res, err := db.conn.ExecContext(ctx, `
		UPDATE pipeline_stages SET
			status = 'completed', completed_at = ?, processing_time_ms = ?,
			output_data = ?, error_message = ''
		WHERE article_id = ? AND stage = ? AND status = 'processing'`,
		at, took.Milliseconds(), output, articleID, string(stage))
	return stageTransitionApplied(res, err)
}

// MarkStageFailed records a failure and counts the retry. Like completion,
// it requires the row to still be processing.
func (db *DB) MarkStageFailed(ctx context.Context, articleID int64, stage model.Stage, at time.Time, errMsg string) error {
	if len(errMsg) > 500 {
		errMsg = errMsg[:500]
	}
	res, err := db.conn.ExecContext(ctx, `
		UPDATE pipeline_stages SET
			status = 'failed', completed_at = ?, retry_count = retry_count + 1,
			error_message = ?
		WHERE article_id = ? AND stage = ? AND status = 'processing'`,
		at, errMsg, articleID, string(stage))
	return stageTransitionApplied(res, err)
}

// MarkStageSkipped settles a stage without running it. It requires the row
// to still be processing.
func (db *DB) MarkStageSkipped(ctx context.Context, articleID int64, stage model.Stage, at time.Time, reason string) error {
	res, err := db.conn.ExecContext(ctx, `
		UPDATE pipeline_stages SET status = 'skipped', completed_at = ?, output_data = ?
		WHERE article_id = ? AND stage = ? AND status = 'processing'`,
		at, reason, articleID, string(stage))
	return stageTransitionApplied(res, err)
}

func stageTransitionApplied(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrStageReset
	}
	return nil
}

// ListRecoverableArticles returns article IDs with work left to do: any
// stage pending or processing, or failed with retries remaining. Used at
// startup to resume interrupted pipelines.
func (db *DB) ListRecoverableArticles(ctx context.Context, maxRetries int) ([]int64, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT DISTINCT article_id FROM pipeline_stages
		WHERE status IN ('pending', 'processing')
		   OR (status = 'failed' AND retry_count < ?)`,
		maxRetries)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- Author Methods ---

// GetAuthor returns an author by ID.
func (db *DB) GetAuthor(ctx context.Context, id int64) (*model.Author, error) {
	var a model.Author
	err := db.conn.QueryRowContext(ctx, `
		SELECT id, name, normalized_name, article_count, total_views, avg_quality_score, created_at
		FROM authors WHERE id = ?`, id).
		Scan(&a.ID, &a.Name, &a.NormalizedName, &a.ArticleCount, &a.TotalViews, &a.AvgQualityScore, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// GetAuthorByNormalizedName looks up an author by its dedup key.
func (db *DB) GetAuthorByNormalizedName(ctx context.Context, normalized string) (*model.Author, error) {
	var a model.Author
	err := db.conn.QueryRowContext(ctx, `
		SELECT id, name, normalized_name, article_count, total_views, avg_quality_score, created_at
		FROM authors WHERE normalized_name = ?`, normalized).
		Scan(&a.ID, &a.Name, &a.NormalizedName, &a.ArticleCount, &a.TotalViews, &a.AvgQualityScore, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// GetOrCreateAuthor finds an author by normalized name, creating it when
// absent. Safe under concurrent callers: the unique constraint decides the
// winner and the loser reads the winner's row.
func (db *DB) GetOrCreateAuthor(ctx context.Context, name, normalized string) (int64, bool, error) {
	res, err := db.conn.ExecContext(ctx, `
		INSERT INTO authors (name, normalized_name) VALUES (?, ?)
		ON CONFLICT(normalized_name) DO NOTHING`,
		name, normalized)
	if err != nil {
		return 0, false, err
	}
	affected, _ := res.RowsAffected()
	if affected > 0 {
		id, err := res.LastInsertId()
		return id, true, err
	}
	var id int64
	err = db.conn.QueryRowContext(ctx, "SELECT id FROM authors WHERE normalized_name = ?", normalized).Scan(&id)
	return id, false, err
}

// LinkArticleAuthor attaches an author to an article. Returns false when
// the link already existed, so callers can keep stat updates idempotent.
func (db *DB) LinkArticleAuthor(ctx context.Context, link model.ArticleAuthor) (bool, error) {
	res, err := db.conn.ExecContext(ctx, `
		INSERT INTO article_authors (article_id, author_id, confidence, extraction_method, byline_order)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(article_id, author_id) DO NOTHING`,
		link.ArticleID, link.AuthorID, link.Confidence, string(link.Method), link.BylineOrder)
	if err != nil {
		return false, err
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

// IncrementAuthorArticleCount bumps the attribution counter by one.
func (db *DB) IncrementAuthorArticleCount(ctx context.Context, authorID int64) error {
	_, err := db.conn.ExecContext(ctx,
		"UPDATE authors SET article_count = article_count + 1 WHERE id = ?", authorID)
	return err
}

// RefreshAuthorStats recomputes view and quality aggregates from linked
// articles. Idempotent; may run any number of times.
func (db *DB) RefreshAuthorStats(ctx context.Context, authorID int64) error {
	_, err := db.conn.ExecContext(ctx, `
		UPDATE authors SET
			total_views = COALESCE((
				SELECT SUM(a.view_count) FROM articles a
				JOIN article_authors aa ON aa.article_id = a.id
				WHERE aa.author_id = authors.id), 0),
			avg_quality_score = COALESCE((
				SELECT AVG(a.source_quality_score) FROM articles a
				JOIN article_authors aa ON aa.article_id = a.id
				WHERE aa.author_id = authors.id), 0)
		WHERE id = ?`, authorID)
	return err
}

// GetArticleAuthors returns the authors of an article in byline order.
func (db *DB) GetArticleAuthors(ctx context.Context, articleID int64) ([]AuthorMatch, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT au.id, au.name, au.normalized_name, au.article_count, au.total_views,
			au.avg_quality_score, au.created_at,
			aa.confidence, aa.extraction_method, aa.byline_order
		FROM authors au
		JOIN article_authors aa ON aa.author_id = au.id
		WHERE aa.article_id = ?
		ORDER BY aa.byline_order`, articleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var matches []AuthorMatch
	for rows.Next() {
		var m AuthorMatch
		if err := rows.Scan(&m.Author.ID, &m.Author.Name, &m.Author.NormalizedName,
			&m.Author.ArticleCount, &m.Author.TotalViews, &m.Author.AvgQualityScore,
			&m.Author.CreatedAt, &m.Confidence, &m.Method, &m.BylineOrder); err != nil {
			return nil, err
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

// --- Quality Factor Methods ---

// UpsertQualityFactors writes the scoring run's component scores,
// overwriting any previous run.
func (db *DB) UpsertQualityFactors(ctx context.Context, qf model.QualityFactors) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO quality_factors (article_id, completeness, grammar, readability,
			headline, timeliness, credibility, has_author, has_image, computed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(article_id) DO UPDATE SET
			completeness = excluded.completeness,
			grammar = excluded.grammar,
			readability = excluded.readability,
			headline = excluded.headline,
			timeliness = excluded.timeliness,
			credibility = excluded.credibility,
			has_author = excluded.has_author,
			has_image = excluded.has_image,
			computed_at = excluded.computed_at`,
		qf.ArticleID, qf.Completeness, qf.Grammar, qf.Readability,
		qf.Headline, qf.Timeliness, qf.Credibility, qf.HasAuthor, qf.HasImage, qf.ComputedAt)
	return err
}

// GetQualityFactors returns the stored factors for an article.
func (db *DB) GetQualityFactors(ctx context.Context, articleID int64) (*model.QualityFactors, error) {
	var qf model.QualityFactors
	err := db.conn.QueryRowContext(ctx, `
		SELECT article_id, completeness, grammar, readability, headline, timeliness,
			credibility, has_author, has_image, computed_at
		FROM quality_factors WHERE article_id = ?`, articleID).
		Scan(&qf.ArticleID, &qf.Completeness, &qf.Grammar, &qf.Readability, &qf.Headline,
			&qf.Timeliness, &qf.Credibility, &qf.HasAuthor, &qf.HasImage, &qf.ComputedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &qf, nil
}
