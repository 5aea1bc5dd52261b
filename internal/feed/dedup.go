package feed

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/nyuchitech/mukoko-news-sub006/internal/database"
	"github.com/nyuchitech/mukoko-news-sub006/internal/model"
)

// Classification is the three-way dedup verdict for a raw entry.
type Classification int

const (
	// ClassNew means no article exists for the entry's identity key.
	ClassNew Classification = iota
	// ClassUpdate means the article exists and its content changed.
	ClassUpdate
	// ClassUnchanged means the article exists with identical content.
	ClassUnchanged
)

func (c Classification) String() string {
	switch c {
	case ClassNew:
		return "new"
	case ClassUpdate:
		return "update"
	default:
		return "unchanged"
	}
}

// contentStages are re-queued when an article's content changes.
var contentStages = []model.Stage{
	model.StageExtraction,
	model.StageCleaning,
	model.StageClassification,
	model.StageQualityScoring,
}

// Deduplicator decides whether a raw entry is a new article, an update to a
// stored one, or a no-op, and applies the decision to the store.
type Deduplicator struct {
	store  database.Store
	logger *slog.Logger
}

// NewDeduplicator wires a deduplicator over the store.
func NewDeduplicator(store database.Store, logger *slog.Logger) *Deduplicator {
	return &Deduplicator{store: store, logger: logger}
}

// IdentityKey derives the dedup key: the feed GUID when present, otherwise
// the normalized link.
func IdentityKey(entry RawEntry) string {
	if entry.GUID != "" {
		return entry.GUID
	}
	return NormalizeURL(entry.Link)
}

// NormalizeURL canonicalizes a link for identity comparison: lower-cased
// scheme and host, tracking parameters stripped, fragment dropped, trailing
// slash removed.
func NormalizeURL(link string) string {
	u, err := url.Parse(strings.TrimSpace(link))
	if err != nil {
		return strings.ToLower(strings.TrimSuffix(strings.TrimSpace(link), "/"))
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""

	q := u.Query()
	for param := range q {
		if isTrackingParam(param) {
			q.Del(param)
		}
	}
	u.RawQuery = q.Encode()
	u.Path = strings.TrimSuffix(u.Path, "/")
	return u.String()
}

func isTrackingParam(param string) bool {
	p := strings.ToLower(param)
	if strings.HasPrefix(p, "utm_") {
		return true
	}
	switch p {
	case "fbclid", "gclid", "mc_cid", "mc_eid", "ref", "source":
		return true
	}
	return false
}

// ContentHash fingerprints the mutable content fields.
func ContentHash(title, content string) string {
	sum := sha256.Sum256([]byte(title + "\n" + content))
	return hex.EncodeToString(sum[:])
}

// BylineHash fingerprints the attribution text; empty bylines hash empty so
// the author stage is not re-queued for feeds that never carry authors.
func BylineHash(byline string) string {
	if strings.TrimSpace(byline) == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(strings.TrimSpace(byline)))
	return hex.EncodeToString(sum[:])
}

// entryContent picks the richest body the feed provided.
func entryContent(entry RawEntry) string {
	if entry.Content != "" {
		return entry.Content
	}
	return entry.Summary
}

// Classify compares a raw entry against storage without side effects.
func (d *Deduplicator) Classify(ctx context.Context, source model.Source, entry RawEntry) (Classification, *model.Article, error) {
	key := IdentityKey(entry)
	existing, err := d.store.GetArticleByIdentity(ctx, source.ID, key)
	if errors.Is(err, database.ErrNotFound) {
		return ClassNew, nil, nil
	}
	if err != nil {
		return ClassUnchanged, nil, fmt.Errorf("lookup article %q: %w", key, err)
	}
	if existing.ContentHash != ContentHash(entry.Title, entryContent(entry)) {
		return ClassUpdate, existing, nil
	}
	return ClassUnchanged, existing, nil
}

// IngestResult reports what Ingest did with one entry.
type IngestResult struct {
	Classification Classification
	ArticleID      int64
	// Enqueue is true when the article has stage work for the orchestrator.
	Enqueue bool
}

// Ingest classifies an entry and applies the verdict: a New entry creates
// the article plus its pending stage rows, an Update refreshes content and
// re-queues the content-dependent stages (author_detection only when the
// byline changed), Unchanged touches nothing. Losing an insert race is
// handled as an Update.
func (d *Deduplicator) Ingest(ctx context.Context, source model.Source, entry RawEntry) (IngestResult, error) {
	verdict, existing, err := d.Classify(ctx, source, entry)
	if err != nil {
		return IngestResult{}, err
	}

	switch verdict {
	case ClassNew:
		article := buildArticle(source, entry)
		id, created, err := d.store.CreateArticle(ctx, article)
		if err != nil {
			return IngestResult{}, fmt.Errorf("create article: %w", err)
		}
		if !created {
			// Another worker inserted the same identity key between our
			// lookup and insert. Treat the loser as an update.
			existing, err = d.store.GetArticleByIdentity(ctx, source.ID, article.IdentityKey)
			if err != nil {
				return IngestResult{}, fmt.Errorf("reload raced article: %w", err)
			}
			return d.applyUpdate(ctx, existing, entry)
		}
		if err := d.store.CreateStages(ctx, id, model.OrderedStages); err != nil {
			return IngestResult{}, fmt.Errorf("create stages: %w", err)
		}
		d.logger.Debug("article created", "source", source.Name, "article", id, "title", entry.Title)
		return IngestResult{Classification: ClassNew, ArticleID: id, Enqueue: true}, nil

	case ClassUpdate:
		return d.applyUpdate(ctx, existing, entry)

	default:
		return IngestResult{Classification: ClassUnchanged, ArticleID: existing.ID}, nil
	}
}

func (d *Deduplicator) applyUpdate(ctx context.Context, existing *model.Article, entry RawEntry) (IngestResult, error) {
	content := entryContent(entry)
	newContentHash := ContentHash(entry.Title, content)
	newBylineHash := BylineHash(entry.Byline)
	if existing.ContentHash == newContentHash {
		return IngestResult{Classification: ClassUnchanged, ArticleID: existing.ID}, nil
	}

	bylineChanged := existing.BylineHash != newBylineHash

	updated := *existing
	updated.Title = entry.Title
	updated.Content = content
	updated.Byline = entry.Byline
	updated.ImageURL = entry.ImageURL
	if !entry.Published.IsZero() {
		updated.PublishedAt = entry.Published
	}
	updated.ContentHash = newContentHash
	updated.BylineHash = newBylineHash

	if err := d.store.UpdateArticleContent(ctx, &updated); err != nil {
		return IngestResult{}, fmt.Errorf("update article %d: %w", existing.ID, err)
	}

	requeue := contentStages
	if bylineChanged {
		requeue = append(append([]model.Stage{}, contentStages...), model.StageAuthorDetection)
	}
	if err := d.store.ResetStages(ctx, existing.ID, requeue); err != nil {
		return IngestResult{}, fmt.Errorf("reset stages for article %d: %w", existing.ID, err)
	}

	d.logger.Debug("article updated", "article", existing.ID, "byline_changed", bylineChanged)
	return IngestResult{Classification: ClassUpdate, ArticleID: existing.ID, Enqueue: true}, nil
}

func buildArticle(source model.Source, entry RawEntry) *model.Article {
	content := entryContent(entry)
	published := entry.Published
	if published.IsZero() {
		published = time.Now().UTC()
	}
	return &model.Article{
		SourceID:    source.ID,
		IdentityKey: IdentityKey(entry),
		RSSGUID:     entry.GUID,
		OriginalURL: entry.Link,
		Title:       entry.Title,
		Content:     content,
		Byline:      entry.Byline,
		ImageURL:    entry.ImageURL,
		PublishedAt: published,
		ContentHash: ContentHash(entry.Title, content),
		BylineHash:  BylineHash(entry.Byline),
	}
}
