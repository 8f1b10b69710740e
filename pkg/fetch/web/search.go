package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/commonsmap/pulse/pkg/investigate"
)

// SearxClient queries a SearxNG instance's JSON API. Discovery queries
// and the investigation engine's search tool both go through it.
type SearxClient struct {
	baseURL string
	client  *http.Client
}

func NewSearxClient(baseURL string) *SearxClient {
	return &SearxClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 20 * time.Second},
	}
}

type searxResult struct {
	URL     string `json:"url"`
	Title   string `json:"title"`
	Content string `json:"content"`
}

type searxResponse struct {
	Results []searxResult `json:"results"`
}

func (s *SearxClient) Search(ctx context.Context, query string, limit int) ([]investigate.SearchResult, error) {
	if limit <= 0 {
		limit = 5
	}

	params := url.Values{}
	params.Set("q", query)
	params.Set("format", "json")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/search?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search returned status %d", resp.StatusCode)
	}

	var body searxResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}

	results := make([]investigate.SearchResult, 0, limit)
	for _, r := range body.Results {
		if r.URL == "" {
			continue
		}
		results = append(results, investigate.SearchResult{
			URL:     r.URL,
			Title:   r.Title,
			Snippet: r.Content,
		})
		if len(results) >= limit {
			break
		}
	}
	return results, nil
}
