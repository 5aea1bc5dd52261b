// Package author normalizes byline text into canonical author records.
package author

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"unicode"

	"github.com/nyuchitech/mukoko-news-sub006/internal/database"
	"github.com/nyuchitech/mukoko-news-sub006/internal/model"
)

// PlaceholderConfidence is assigned to generic bylines ("Staff Reporter",
// "Agencies") kept as low-confidence placeholders for editorial review.
const PlaceholderConfidence = 0.2

var bylineSplitter = regexp.MustCompile(`(?i)\s*(?:,|&|\band\b)\s*`)

var genericWords = map[string]struct{}{
	"staff":          {},
	"reporter":       {},
	"correspondent":  {},
	"correspondents": {},
	"agencies":       {},
	"agency":         {},
	"editor":         {},
	"newsroom":       {},
	"desk":           {},
	"admin":          {},
	"bureau":         {},
}

// Candidate is one name parsed out of a byline.
type Candidate struct {
	Name string
	// Generic marks clearly non-personal bylines that should be recorded
	// as placeholders rather than silently dropped.
	Generic bool
	Order   int
}

// ParseByline splits raw attribution text into ordered candidate names.
func ParseByline(byline string) []Candidate {
	byline = strings.TrimSpace(byline)
	byline = trimAttributionPrefix(byline)
	if byline == "" {
		return nil
	}

	var candidates []Candidate
	order := 0
	for _, part := range bylineSplitter.Split(byline, -1) {
		name := cleanName(part)
		if name == "" {
			continue
		}
		order++
		candidates = append(candidates, Candidate{
			Name:    name,
			Generic: !wellFormed(name),
			Order:   order,
		})
	}
	return candidates
}

func trimAttributionPrefix(byline string) string {
	lower := strings.ToLower(byline)
	for _, prefix := range []string{"by ", "by:", "written by "} {
		if strings.HasPrefix(lower, prefix) {
			return strings.TrimSpace(byline[len(prefix):])
		}
	}
	return byline
}

func cleanName(part string) string {
	part = strings.TrimSpace(part)
	part = trimAttributionPrefix(part)
	part = strings.Trim(part, ".,;:-–")
	return strings.Join(strings.Fields(part), " ")
}

// wellFormed reports whether a name looks like a real person: two or more
// capitalized tokens with no generic vocabulary.
func wellFormed(name string) bool {
	tokens := strings.Fields(name)
	if len(tokens) < 2 {
		return false
	}
	capitalized := 0
	for _, tok := range tokens {
		if _, generic := genericWords[strings.ToLower(strings.Trim(tok, ".,"))]; generic {
			return false
		}
		r := []rune(tok)[0]
		if unicode.IsUpper(r) {
			capitalized++
		}
	}
	return capitalized >= 2
}

// Normalize produces the unique lookup key for a name: lower-cased,
// punctuation stripped, whitespace collapsed.
func Normalize(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// Match is one resolved attribution.
type Match struct {
	AuthorID   int64
	Name       string
	Confidence float64
	Method     model.ExtractionMethod
	Order      int
	Created    bool
}

// Resolver links byline candidates to canonical Author rows.
type Resolver struct {
	store  database.Store
	logger *slog.Logger
}

// NewResolver wires a resolver over the store.
func NewResolver(store database.Store, logger *slog.Logger) *Resolver {
	return &Resolver{store: store, logger: logger}
}

// Resolve attaches every candidate in the byline to the article. Known
// names attach with confidence 1.0; unknown well-formed names create a new
// Author with the supplied confidence; generic bylines become
// low-confidence placeholders. Re-running on the same article is a no-op
// for counters: the article/author uniqueness constraint guards the
// article_count increment.
func (r *Resolver) Resolve(ctx context.Context, articleID int64, byline string, method model.ExtractionMethod, confidence float64) ([]Match, error) {
	candidates := ParseByline(byline)
	return r.attach(ctx, articleID, candidates, method, confidence)
}

// ResolveNames attaches already-extracted names (e.g. from the AI service),
// preserving their order.
func (r *Resolver) ResolveNames(ctx context.Context, articleID int64, names []string, method model.ExtractionMethod, confidence float64) ([]Match, error) {
	var candidates []Candidate
	order := 0
	for _, raw := range names {
		name := cleanName(raw)
		if name == "" {
			continue
		}
		order++
		candidates = append(candidates, Candidate{Name: name, Generic: !wellFormed(name), Order: order})
	}
	return r.attach(ctx, articleID, candidates, method, confidence)
}

func (r *Resolver) attach(ctx context.Context, articleID int64, candidates []Candidate, method model.ExtractionMethod, confidence float64) ([]Match, error) {
	var matches []Match
	for _, cand := range candidates {
		match, err := r.attachOne(ctx, articleID, cand, method, confidence)
		if err != nil {
			return matches, err
		}
		matches = append(matches, match)
	}
	return matches, nil
}

func (r *Resolver) attachOne(ctx context.Context, articleID int64, cand Candidate, method model.ExtractionMethod, confidence float64) (Match, error) {
	normalized := Normalize(cand.Name)
	if normalized == "" {
		return Match{}, fmt.Errorf("candidate %q normalizes to nothing", cand.Name)
	}

	match := Match{Name: cand.Name, Method: method, Order: cand.Order}

	existing, err := r.store.GetAuthorByNormalizedName(ctx, normalized)
	switch {
	case err == nil:
		match.AuthorID = existing.ID
		match.Confidence = 1.0
	case errors.Is(err, database.ErrNotFound):
		id, created, err := r.store.GetOrCreateAuthor(ctx, cand.Name, normalized)
		if err != nil {
			return Match{}, fmt.Errorf("create author %q: %w", cand.Name, err)
		}
		match.AuthorID = id
		match.Created = created
		match.Confidence = confidence
	default:
		return Match{}, fmt.Errorf("lookup author %q: %w", cand.Name, err)
	}

	if cand.Generic {
		match.Confidence = PlaceholderConfidence
	}

	linked, err := r.store.LinkArticleAuthor(ctx, model.ArticleAuthor{
		ArticleID:   articleID,
		AuthorID:    match.AuthorID,
		Confidence:  match.Confidence,
		Method:      match.Method,
		BylineOrder: match.Order,
	})
	if err != nil {
		return Match{}, fmt.Errorf("link author %d to article %d: %w", match.AuthorID, articleID, err)
	}
	if linked {
		if err := r.store.IncrementAuthorArticleCount(ctx, match.AuthorID); err != nil {
			return Match{}, fmt.Errorf("count article for author %d: %w", match.AuthorID, err)
		}
	}

	r.logger.Debug("author attached", "article", articleID, "author", match.Name,
		"confidence", match.Confidence, "generic", cand.Generic, "new_link", linked)
	return match, nil
}
