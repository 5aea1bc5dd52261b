// Package feed retrieves and parses external feeds and classifies their
// entries against stored articles.
package feed

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/nyuchitech/mukoko-news-sub006/internal/model"
)

// Concurrency settings for outbound requests.
const (
	// MaxConcurrencyPerDomain limits parallel requests to any single domain.
	MaxConcurrencyPerDomain = 2
	// DelayBetweenDomainRequests is the minimum delay between requests to the same domain.
	DelayBetweenDomainRequests = 500 * time.Millisecond
)

// domainLimiter controls rate limiting per domain to avoid overwhelming hosts.
type domainLimiter struct {
	mu          sync.Mutex
	semaphores  map[string]chan struct{}
	lastRequest map[string]time.Time
}

func newDomainLimiter() *domainLimiter {
	return &domainLimiter{
		semaphores:  make(map[string]chan struct{}),
		lastRequest: make(map[string]time.Time),
	}
}

// acquire gets a slot for the domain, blocking if necessary. It also
// enforces the minimum delay between requests to the same domain.
func (dl *domainLimiter) acquire(ctx context.Context, domain string) error {
	dl.mu.Lock()
	sem, ok := dl.semaphores[domain]
	if !ok {
		sem = make(chan struct{}, MaxConcurrencyPerDomain)
		dl.semaphores[domain] = sem
	}
	dl.mu.Unlock()

	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	dl.mu.Lock()
	lastReq := dl.lastRequest[domain]
	dl.mu.Unlock()

	if !lastReq.IsZero() {
		elapsed := time.Since(lastReq)
		if elapsed < DelayBetweenDomainRequests {
			select {
			case <-time.After(DelayBetweenDomainRequests - elapsed):
			case <-ctx.Done():
				<-sem
				return ctx.Err()
			}
		}
	}

	return nil
}

// release returns a slot for the domain and records the request time.
func (dl *domainLimiter) release(domain string) {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	dl.lastRequest[domain] = time.Now()
	if sem, ok := dl.semaphores[domain]; ok {
		<-sem
	}
}

func extractDomain(feedURL string) string {
	u, err := url.Parse(feedURL)
	if err != nil {
		return feedURL
	}
	return u.Host
}

// RawEntry is one item from a parsed feed, pre-deduplication.
type RawEntry struct {
	Title     string
	Link      string
	GUID      string
	Published time.Time
	Content   string
	Summary   string
	Byline    string
	ImageURL  string
}

// Fetcher retrieves one source's feed as structured entries. It performs
// no deduplication and no persistence.
type Fetcher struct {
	client  *http.Client
	parser  *gofeed.Parser
	timeout time.Duration
	limiter *domainLimiter
	logger  *slog.Logger
}

// NewFetcher builds a fetcher with the given per-source timeout.
func NewFetcher(timeout time.Duration, logger *slog.Logger) *Fetcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Fetcher{
		client:  &http.Client{Timeout: timeout},
		parser:  gofeed.NewParser(),
		timeout: timeout,
		limiter: newDomainLimiter(),
		logger:  logger,
	}
}

// Fetch retrieves and parses the source's feed. Network and HTTP failures
// return a *FetchError, malformed bodies a *ParseError; both are reported
// to the caller and end only this source's cycle.
func (f *Fetcher) Fetch(ctx context.Context, source model.Source) ([]RawEntry, error) {
	domain := extractDomain(source.FeedURL)
	if err := f.limiter.acquire(ctx, domain); err != nil {
		return nil, &FetchError{URL: source.FeedURL, Err: err}
	}
	defer f.limiter.release(domain)

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source.FeedURL, nil)
	if err != nil {
		return nil, &FetchError{URL: source.FeedURL, Err: err}
	}
	req.Header.Set("User-Agent", "mukoko-news/1.0")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &FetchError{URL: source.FeedURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &FetchError{URL: source.FeedURL, Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}

	parsed, err := f.parser.Parse(resp.Body)
	if err != nil {
		return nil, &ParseError{URL: source.FeedURL, Err: err}
	}

	f.logger.Debug("feed parsed", "source", source.Name, "items", len(parsed.Items))

	entries := make([]RawEntry, 0, len(parsed.Items))
	for _, item := range parsed.Items {
		if item.Link == "" && item.GUID == "" {
			continue
		}
		entries = append(entries, toRawEntry(item))
	}
	return entries, nil
}

func toRawEntry(item *gofeed.Item) RawEntry {
	entry := RawEntry{
		Title:   strings.TrimSpace(item.Title),
		Link:    strings.TrimSpace(item.Link),
		GUID:    strings.TrimSpace(item.GUID),
		Content: item.Content,
		Summary: item.Description,
		Byline:  bylineFromItem(item),
	}
	if item.PublishedParsed != nil {
		entry.Published = *item.PublishedParsed
	} else if item.UpdatedParsed != nil {
		entry.Published = *item.UpdatedParsed
	}
	if item.Image != nil {
		entry.ImageURL = item.Image.URL
	} else {
		for _, enc := range item.Enclosures {
			if strings.HasPrefix(enc.Type, "image/") {
				entry.ImageURL = enc.URL
				break
			}
		}
	}
	return entry
}

// bylineFromItem assembles the raw attribution text as it appears in the
// feed, joining multiple authors the way bylines are usually printed.
func bylineFromItem(item *gofeed.Item) string {
	var names []string
	for _, a := range item.Authors {
		if a != nil && strings.TrimSpace(a.Name) != "" {
			names = append(names, strings.TrimSpace(a.Name))
		}
	}
	if len(names) == 0 && item.Author != nil && strings.TrimSpace(item.Author.Name) != "" {
		names = append(names, strings.TrimSpace(item.Author.Name))
	}
	if len(names) == 0 && item.DublinCoreExt != nil {
		for _, c := range item.DublinCoreExt.Creator {
			if strings.TrimSpace(c) != "" {
				names = append(names, strings.TrimSpace(c))
			}
		}
	}
	switch len(names) {
	case 0:
		return ""
	case 1:
		return names[0]
	default:
		return strings.Join(names[:len(names)-1], ", ") + " and " + names[len(names)-1]
	}
}
