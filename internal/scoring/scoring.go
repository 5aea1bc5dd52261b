// Package scoring computes quality factors and the time-decayed trending
// score. Everything here is a pure function of its inputs so scores can be
// recomputed at any time.
package scoring

import (
	"math"
	"strings"
	"time"
	"unicode"

	"github.com/nyuchitech/mukoko-news-sub006/internal/config"
	"github.com/nyuchitech/mukoko-news-sub006/internal/model"
)

// completeWordCount is the article length at which the completeness
// component saturates.
const completeWordCount = 400

// idealSentenceLength is the words-per-sentence sweet spot for the
// readability component.
const idealSentenceLength = 18.0

// Scorer applies configured weights to article state.
type Scorer struct {
	quality  config.QualityWeights
	trending config.TrendingWeights
	halfLife time.Duration
}

// New builds a scorer from configuration.
func New(cfg config.ScoringConfig) *Scorer {
	halfLife := cfg.TrendingHalfLife
	if halfLife <= 0 {
		halfLife = 12 * time.Hour
	}
	return &Scorer{
		quality:  cfg.QualityWeights,
		trending: cfg.TrendingWeights,
		halfLife: halfLife,
	}
}

// Factors computes the per-article component scores, each in [0,1].
func (s *Scorer) Factors(article model.Article, source model.Source, hasAuthor bool, now time.Time) model.QualityFactors {
	return model.QualityFactors{
		ArticleID:    article.ID,
		Completeness: completeness(article.WordCount),
		Grammar:      grammar(article.Content),
		Readability:  readability(article.Content),
		Headline:     headline(article.Title),
		Timeliness:   timeliness(article.PublishedAt, now),
		Credibility:  credibility(source),
		HasAuthor:    hasAuthor,
		HasImage:     article.ImageURL != "",
		ComputedAt:   now,
	}
}

// Quality folds the component scores into a single [0,1] value using the
// configured weights, normalized by their sum.
func (s *Scorer) Quality(f model.QualityFactors) float64 {
	w := s.quality
	total := w.Completeness + w.Grammar + w.Readability + w.Headline + w.Timeliness + w.Credibility
	if total <= 0 {
		return 0
	}
	sum := w.Completeness*f.Completeness +
		w.Grammar*f.Grammar +
		w.Readability*f.Readability +
		w.Headline*f.Headline +
		w.Timeliness*f.Timeliness +
		w.Credibility*f.Credibility
	return clamp01(sum / total)
}

// Trending computes time-decayed engagement. Influence halves every
// half-life, so recency dominates raw counts.
func (s *Scorer) Trending(e model.Engagement, publishedAt, now time.Time) float64 {
	raw := s.trending.Views*float64(e.Views) +
		s.trending.Likes*float64(e.Likes) +
		s.trending.Bookmarks*float64(e.Bookmarks)
	if raw <= 0 {
		return 0
	}
	age := now.Sub(publishedAt)
	if age < 0 {
		age = 0
	}
	decay := math.Pow(0.5, age.Hours()/s.halfLife.Hours())
	return raw * decay
}

func completeness(wordCount int) float64 {
	if wordCount <= 0 {
		return 0
	}
	return clamp01(float64(wordCount) / completeWordCount)
}

// grammar is a cheap proxy: the share of sentences that begin with an
// upper-case letter.
func grammar(content string) float64 {
	sentences := splitSentences(content)
	if len(sentences) == 0 {
		return 0
	}
	capitalized := 0
	for _, sentence := range sentences {
		for _, r := range sentence {
			if unicode.IsLetter(r) {
				if unicode.IsUpper(r) {
					capitalized++
				}
				break
			}
		}
	}
	return clamp01(float64(capitalized) / float64(len(sentences)))
}

// readability scores average sentence length against the ideal, degrading
// linearly as sentences get much shorter or longer.
func readability(content string) float64 {
	sentences := splitSentences(content)
	if len(sentences) == 0 {
		return 0
	}
	words := len(strings.Fields(content))
	avg := float64(words) / float64(len(sentences))
	return clamp01(1 - math.Abs(avg-idealSentenceLength)/idealSentenceLength)
}

// headline rewards titles inside the 30-90 character window.
func headline(title string) float64 {
	n := len(strings.TrimSpace(title))
	switch {
	case n == 0:
		return 0
	case n >= 30 && n <= 90:
		return 1
	case n < 30:
		return clamp01(float64(n) / 30)
	default:
		return clamp01(1 - float64(n-90)/90)
	}
}

// timeliness halves every 48 hours of article age.
func timeliness(publishedAt, now time.Time) float64 {
	if publishedAt.IsZero() {
		return 0
	}
	age := now.Sub(publishedAt)
	if age < 0 {
		age = 0
	}
	return clamp01(math.Pow(0.5, age.Hours()/48))
}

// credibility degrades with the source's consecutive failure streak.
func credibility(source model.Source) float64 {
	return clamp01(1 - float64(source.ConsecutiveFailures)/10)
}

func splitSentences(content string) []string {
	fields := strings.FieldsFunc(content, func(r rune) bool {
		return r == '.' || r == '!' || r == '?'
	})
	sentences := fields[:0]
	for _, f := range fields {
		if strings.TrimSpace(f) != "" {
			sentences = append(sentences, strings.TrimSpace(f))
		}
	}
	return sentences
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
