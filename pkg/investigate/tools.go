package investigate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/commonsmap/pulse/pkg/ai"
	"github.com/commonsmap/pulse/pkg/fetch"
	"github.com/commonsmap/pulse/pkg/logger"
)

// SearchResult is one hit returned by a Searcher.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// Searcher is the external web-search surface behind the search tool.
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]SearchResult, error)
}

func toolSearch(searcher Searcher) ai.Tool {
	return ai.Tool{
		Name:        "search",
		Description: "Search the web for pages relevant to the investigation. Returns a ranked list of results with URLs. Use this to find candidate pages, then read the promising ones.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "The search query.",
				},
				"limit": map[string]any{
					"type":        "integer",
					"description": "Maximum number of results to return (default: 5).",
					"default":     5,
				},
			},
			"required": []string{"query"},
		},
		Handler: func(ctx context.Context, args string) (string, error) {
			var params map[string]any
			if err := json.Unmarshal([]byte(args), &params); err != nil {
				return "", fmt.Errorf("failed to parse arguments: %w", err)
			}

			query, ok := params["query"].(string)
			if !ok || query == "" {
				return "", fmt.Errorf("query is required and must be a string")
			}

			limit := 5
			if limitRaw, ok := params["limit"].(float64); ok && limitRaw > 0 {
				limit = int(limitRaw)
			}

			logger.Debug("[Tool] search", "query", query, "limit", limit)

			results, err := searcher.Search(ctx, query, limit)
			if err != nil {
				return "", fmt.Errorf("search failed: %w", err)
			}

			var out strings.Builder
			out.WriteString("## Results\n")
			if len(results) == 0 {
				out.WriteString("No results found.\n")
			}
			for i, r := range results {
				fmt.Fprintf(&out, "%d. %s\n   %s\n   %s\n", i+1, r.Title, r.URL, r.Snippet)
			}
			return out.String(), nil
		},
	}
}

func toolReadPage(fetcher fetch.Fetcher, maxTokens int) ai.Tool {
	return ai.Tool{
		Name:        "read_page",
		Description: "Fetch a URL and return its readable text content. Use this to verify search results before drawing conclusions.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"url": map[string]any{
					"type":        "string",
					"description": "The URL to fetch and read.",
				},
			},
			"required": []string{"url"},
		},
		Handler: func(ctx context.Context, args string) (string, error) {
			var params map[string]any
			if err := json.Unmarshal([]byte(args), &params); err != nil {
				return "", fmt.Errorf("failed to parse arguments: %w", err)
			}

			url, ok := params["url"].(string)
			if !ok || url == "" {
				return "", fmt.Errorf("url is required and must be a string")
			}

			logger.Debug("[Tool] read_page", "url", url)

			page, err := fetcher.Fetch(ctx, url)
			if err != nil {
				// A dead or empty page is information, not a tool error;
				// tell the model and let it move on.
				if errors.Is(err, fetch.ErrUnreachable) || errors.Is(err, fetch.ErrEmpty) {
					return fmt.Sprintf("Could not read %s: %v", url, err), nil
				}
				return "", fmt.Errorf("fetch failed: %w", err)
			}

			return ai.TrimToTokens(page.Content, maxTokens), nil
		},
	}
}
