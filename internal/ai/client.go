// Package ai talks to the external classification service.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Classification is the service's verdict on one article.
type Classification struct {
	ContentType string  `json:"content_type"`
	Confidence  float64 `json:"confidence"`
	Language    string  `json:"language"`
	// Authors are byline names extracted from the text, with the service's
	// overall confidence applying to each.
	Authors []string `json:"authors"`
}

// Classifier is the contract the pipeline stages depend on. The HTTP client
// implements it; tests substitute stubs.
type Classifier interface {
	Classify(ctx context.Context, title, content string) (Classification, error)
}

// Client is a reusable HTTP classifier client.
type Client struct {
	endpoint string
	apiKey   string
	http     *http.Client
}

var _ Classifier = (*Client)(nil)

// NewClient creates a client for the given endpoint.
func NewClient(endpoint, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		endpoint: endpoint,
		apiKey:   apiKey,
		http:     &http.Client{Timeout: timeout},
	}
}

// Classify sends the article text for labeling and author extraction.
func (c *Client) Classify(ctx context.Context, title, content string) (Classification, error) {
	payload := map[string]any{
		"title":   title,
		"content": content,
	}

	var result Classification
	if err := c.post(ctx, "/classify", payload, &result); err != nil {
		return Classification{}, err
	}
	return result, nil
}

func (c *Client) post(ctx context.Context, path string, payload any, v any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	if v == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
