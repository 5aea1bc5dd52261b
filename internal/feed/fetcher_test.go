package feed

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mmcdole/gofeed"
	ext "github.com/mmcdole/gofeed/extensions"

	"github.com/nyuchitech/mukoko-news-sub006/internal/model"
)

const sampleRSS = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0" xmlns:dc="http://purl.org/dc/elements/1.1/">
  <channel>
    <title>Herald</title>
    <link>https://herald.example</link>
    <item>
      <title>Parliament Passes Budget</title>
      <link>https://herald.example/story-1</link>
      <guid>guid-1</guid>
      <pubDate>Mon, 31 Aug 2026 08:00:00 GMT</pubDate>
      <dc:creator>John Moyo</dc:creator>
      <description>The budget passed its third reading.</description>
    </item>
    <item>
      <title>No Link Or GUID</title>
    </item>
  </channel>
</rss>`

func testFeedSource(url string) model.Source {
	return model.Source{ID: 1, Name: "Herald", FeedURL: url, Enabled: true}
}

func TestFetchParsesEntries(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("User-Agent"); got != "mukoko-news/1.0" {
			t.Errorf("unexpected user agent %q", got)
		}
		w.Header().Set("Content-Type", "application/rss+xml")
		w.Write([]byte(sampleRSS))
	}))
	defer srv.Close()

	f := NewFetcher(5*time.Second, discardLogger())
	entries, err := f.Fetch(context.Background(), testFeedSource(srv.URL))
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	// The item with neither link nor guid is dropped.
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e.Title != "Parliament Passes Budget" || e.GUID != "guid-1" {
		t.Fatalf("unexpected entry: %+v", e)
	}
	if e.Byline != "John Moyo" {
		t.Fatalf("byline wrong: %q", e.Byline)
	}
	if e.Published.IsZero() {
		t.Fatal("published date not parsed")
	}
	if e.Summary == "" {
		t.Fatal("description not captured")
	}
}

func TestFetchHTTPErrorIsFetchError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream broken", http.StatusBadGateway)
	}))
	defer srv.Close()

	f := NewFetcher(5*time.Second, discardLogger())
	_, err := f.Fetch(context.Background(), testFeedSource(srv.URL))
	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("expected *FetchError, got %T: %v", err, err)
	}
}

func TestFetchMalformedBodyIsParseError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("this is not a feed"))
	}))
	defer srv.Close()

	f := NewFetcher(5*time.Second, discardLogger())
	_, err := f.Fetch(context.Background(), testFeedSource(srv.URL))
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *ParseError, got %T: %v", err, err)
	}
}

func TestBylineFromItem(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		item *gofeed.Item
		want string
	}{
		{"no authors", &gofeed.Item{}, ""},
		{"single author", &gofeed.Item{
			Authors: []*gofeed.Person{{Name: "John Moyo"}},
		}, "John Moyo"},
		{"two authors", &gofeed.Item{
			Authors: []*gofeed.Person{{Name: "John Moyo"}, {Name: "Jane Banda"}},
		}, "John Moyo and Jane Banda"},
		{"three authors", &gofeed.Item{
			Authors: []*gofeed.Person{{Name: "John Moyo"}, {Name: "Jane Banda"}, {Name: "Tendai Ncube"}},
		}, "John Moyo, Jane Banda and Tendai Ncube"},
		{"legacy author field", &gofeed.Item{
			Author: &gofeed.Person{Name: "John Moyo"},
		}, "John Moyo"},
		{"dublin core fallback", &gofeed.Item{
			DublinCoreExt: &ext.DublinCoreExtension{Creator: []string{"John Moyo", "Jane Banda"}},
		}, "John Moyo and Jane Banda"},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := bylineFromItem(tc.item); got != tc.want {
				t.Fatalf("bylineFromItem = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestFetchCancelledContext(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f := NewFetcher(5*time.Second, discardLogger())
	_, err := f.Fetch(ctx, testFeedSource("https://unreachable.example/feed"))
	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("expected *FetchError on cancelled context, got %T: %v", err, err)
	}
}
