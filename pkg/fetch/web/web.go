// Package web is the default Fetcher: plain HTTP retrieval, readable-text
// extraction for HTML, link harvesting for discovery, and content hashing
// for the origin-hash dedupe layer.
package web

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"codeberg.org/readeck/go-readability/v2"
	"golang.org/x/net/html"
	"golang.org/x/sync/singleflight"

	"github.com/commonsmap/pulse/pkg/common"
	"github.com/commonsmap/pulse/pkg/fetch"
)

const maxHarvestedLinks = 20

// WebFetcher fetches pages over HTTP. Fetches of the same URL within one
// cycle are cached and deduplicated, so the read_page tool and the
// scrape phase never hit a page twice; Reset clears the cache between
// cycles so re-visited sources are observed fresh.
type WebFetcher struct {
	client *http.Client

	cache   map[string]*common.RawPage
	cacheMu sync.RWMutex
	group   singleflight.Group
}

// NewWebFetcher creates a fetcher with the given request timeout.
func NewWebFetcher(timeout time.Duration) *WebFetcher {
	return &WebFetcher{
		client: &http.Client{Timeout: timeout},
		cache:  make(map[string]*common.RawPage),
	}
}

// Reset drops the page cache. Without it a long-running worker would
// forever serve a re-visited source its first snapshot and never observe
// new content.
func (f *WebFetcher) Reset() {
	f.cacheMu.Lock()
	f.cache = make(map[string]*common.RawPage)
	f.cacheMu.Unlock()
}

// Fetch retrieves one URL. HTML pages come back as readable text with
// outbound links harvested; anything else comes back raw.
func (f *WebFetcher) Fetch(ctx context.Context, pageURL string) (*common.RawPage, error) {
	f.cacheMu.RLock()
	if cached, ok := f.cache[pageURL]; ok {
		f.cacheMu.RUnlock()
		return cached, nil
	}
	f.cacheMu.RUnlock()

	result, err, _ := f.group.Do(pageURL, func() (any, error) {
		f.cacheMu.RLock()
		if cached, ok := f.cache[pageURL]; ok {
			f.cacheMu.RUnlock()
			return cached, nil
		}
		f.cacheMu.RUnlock()

		page, err := f.fetch(ctx, pageURL)
		if err != nil {
			return nil, err
		}

		f.cacheMu.Lock()
		f.cache[pageURL] = page
		f.cacheMu.Unlock()
		return page, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*common.RawPage), nil
}

func (f *WebFetcher) fetch(ctx context.Context, pageURL string) (*common.RawPage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", fetch.ErrUnreachable, err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", fetch.ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: status %d", fetch.ErrUnreachable, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", fetch.ErrUnreachable, err)
	}

	hash := sha256.Sum256(body)
	page := &common.RawPage{
		URL:         pageURL,
		ContentHash: hex.EncodeToString(hash[:]),
	}

	contentType := resp.Header.Get("Content-Type")
	if strings.Contains(contentType, "text/html") {
		base, err := url.Parse(pageURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", fetch.ErrUnreachable, err)
		}
		article, err := readability.FromReader(bytes.NewReader(body), base)
		if err != nil {
			return nil, fmt.Errorf("failed to parse html: %w", err)
		}
		var builder strings.Builder
		if err := article.RenderText(&builder); err != nil {
			return nil, fmt.Errorf("failed to render article text: %w", err)
		}
		page.Content = builder.String()
		page.Links = HarvestLinks(bytes.NewReader(body), base, maxHarvestedLinks)
	} else {
		page.Content = string(body)
	}

	if strings.TrimSpace(page.Content) == "" {
		return nil, fetch.ErrEmpty
	}
	return page, nil
}

// HarvestLinks extracts up to limit absolute http(s) links from an HTML
// document. They feed the same low-trust source-candidate path as future
// query seeds.
func HarvestLinks(r io.Reader, base *url.URL, limit int) []string {
	doc, err := html.Parse(r)
	if err != nil {
		return nil
	}

	links := make([]string, 0, limit)
	seen := make(map[string]bool)

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if len(links) >= limit {
			return
		}
		if n.Type == html.ElementNode && n.Data == "a" {
			for _, attr := range n.Attr {
				if attr.Key != "href" {
					continue
				}
				ref, err := url.Parse(strings.TrimSpace(attr.Val))
				if err != nil {
					continue
				}
				abs := base.ResolveReference(ref)
				if abs.Scheme != "http" && abs.Scheme != "https" {
					continue
				}
				abs.Fragment = ""
				link := abs.String()
				if link == base.String() || seen[link] {
					continue
				}
				seen[link] = true
				links = append(links, link)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return links
}
