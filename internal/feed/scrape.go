package feed

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/nyuchitech/mukoko-news-sub006/internal/model"
)

// Scraper fetches an article page and extracts text via the source's CSS
// selectors. Used by the extraction stage when a source is configured with
// the scrape strategy.
type Scraper struct {
	client *http.Client
}

// NewScraper builds a scraper with the given timeout.
func NewScraper(timeout time.Duration) *Scraper {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Scraper{client: &http.Client{Timeout: timeout}}
}

// Extract downloads the article page and returns the text selected by the
// source's content selector (falling back to the page body). The returned
// title is empty when the source has no title selector.
func (s *Scraper) Extract(ctx context.Context, source model.Source, pageURL string) (title, content string, err error) {
	doc, err := s.fetchDocument(ctx, pageURL)
	if err != nil {
		return "", "", err
	}

	if source.TitleSelector != "" {
		title = strings.TrimSpace(doc.Find(source.TitleSelector).First().Text())
	}

	selector := source.ContentSelector
	if selector == "" {
		selector = "article, main, body"
	}
	var parts []string
	doc.Find(selector).First().Find("p").Each(func(_ int, p *goquery.Selection) {
		text := strings.TrimSpace(p.Text())
		if text != "" {
			parts = append(parts, text)
		}
	})
	if len(parts) == 0 {
		content = strings.TrimSpace(doc.Find(selector).First().Text())
	} else {
		content = strings.Join(parts, "\n\n")
	}
	if content == "" {
		return title, "", fmt.Errorf("selector %q matched no content at %s", selector, pageURL)
	}
	return title, content, nil
}

func (s *Scraper) fetchDocument(ctx context.Context, pageURL string) (*goquery.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", "mukoko-news/1.0")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request document: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("page returned %s", resp.Status)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	return doc, nil
}

// StripHTML reduces feed-provided HTML content to plain text. Non-HTML
// input passes through unchanged.
func StripHTML(content string) string {
	if !strings.Contains(content, "<") {
		return strings.TrimSpace(content)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		return strings.TrimSpace(content)
	}
	doc.Find("script, style").Remove()
	return strings.TrimSpace(doc.Text())
}
