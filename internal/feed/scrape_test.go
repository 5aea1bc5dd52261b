package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nyuchitech/mukoko-news-sub006/internal/model"
)

const samplePage = `<!DOCTYPE html>
<html>
<head><title>Herald</title></head>
<body>
  <h1 class="headline">Parliament Passes Budget</h1>
  <nav><p>Home</p></nav>
  <article class="story">
    <p>The budget passed its third reading on Monday.</p>
    <p>Opposition members walked out in protest.</p>
  </article>
</body>
</html>`

func TestScraperExtract(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(samplePage))
	}))
	defer srv.Close()

	src := model.Source{
		ExtractStrategy: model.ExtractScrape,
		TitleSelector:   "h1.headline",
		ContentSelector: "article.story",
	}
	sc := NewScraper(5 * time.Second)
	title, content, err := sc.Extract(context.Background(), src, srv.URL)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if title != "Parliament Passes Budget" {
		t.Fatalf("unexpected title: %q", title)
	}
	if !strings.Contains(content, "third reading") || !strings.Contains(content, "walked out") {
		t.Fatalf("paragraphs missing from content: %q", content)
	}
	if strings.Contains(content, "Home") {
		t.Fatalf("unrelated page text leaked into content: %q", content)
	}
}

func TestScraperExtractNoMatch(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><body></body></html>`))
	}))
	defer srv.Close()

	src := model.Source{ContentSelector: "article.story"}
	sc := NewScraper(5 * time.Second)
	if _, _, err := sc.Extract(context.Background(), src, srv.URL); err == nil {
		t.Fatal("expected error when the selector matches nothing")
	}
}

func TestStripHTML(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain text passthrough", "Just plain text.", "Just plain text."},
		{"tags removed", "<p>Hello <b>world</b></p>", "Hello world"},
		{"script dropped", "<p>Text</p><script>alert(1)</script>", "Text"},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := StripHTML(tc.in); got != tc.want {
				t.Fatalf("StripHTML(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}
