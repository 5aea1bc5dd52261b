// Package opml imports OPML subscription lists as source definitions.
package opml

import (
	"encoding/xml"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/nyuchitech/mukoko-news-sub006/internal/model"
)

// Document is the root of an OPML document.
type Document struct {
	XMLName xml.Name `xml:"opml"`
	Version string   `xml:"version,attr"`
	Head    Head     `xml:"head"`
	Body    Body     `xml:"body"`
}

// Head contains OPML metadata.
type Head struct {
	Title string `xml:"title,omitempty"`
}

// Body contains the outlines.
type Body struct {
	Outlines []Outline `xml:"outline"`
}

// Outline is a single outline element, either a folder or a feed.
type Outline struct {
	Text     string    `xml:"text,attr"`
	Title    string    `xml:"title,attr,omitempty"`
	Type     string    `xml:"type,attr,omitempty"`
	XMLURL   string    `xml:"xmlUrl,attr,omitempty"`
	HTMLURL  string    `xml:"htmlUrl,attr,omitempty"`
	Outlines []Outline `xml:"outline,omitempty"`
}

// Parse reads an OPML document and returns one source per feed outline.
// A two-level folder hierarchy maps onto source metadata: the outer
// folder becomes the country code, the inner one the category. Feeds in
// shallower folders get whatever levels are present.
func Parse(r io.Reader) ([]model.Source, error) {
	var doc Document
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode opml: %w", err)
	}
	var sources []model.Source
	var walk func(outlines []Outline, path []string)
	walk = func(outlines []Outline, path []string) {
		for _, o := range outlines {
			if o.XMLURL != "" {
				name := o.Title
				if name == "" {
					name = o.Text
				}
				src := model.Source{
					Name:            name,
					FeedURL:         o.XMLURL,
					FetchFrequency:  time.Hour,
					ExtractStrategy: model.ExtractRSS,
					Enabled:         true,
				}
				if len(path) > 0 {
					src.Country = strings.ToUpper(path[0])
				}
				if len(path) > 1 {
					src.Category = strings.ToLower(path[1])
				}
				sources = append(sources, src)
			} else if len(o.Outlines) > 0 {
				name := o.Text
				if name == "" {
					name = o.Title
				}
				walk(o.Outlines, append(path, name))
			}
		}
	}
	walk(doc.Body.Outlines, nil)
	return sources, nil
}
