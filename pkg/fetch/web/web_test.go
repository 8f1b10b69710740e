package web

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/commonsmap/pulse/pkg/fetch"
)

const samplePage = `<!DOCTYPE html>
<html><head><title>Community Notes</title></head>
<body>
<article>
<h1>Community Notes</h1>
<p>The neighborhood association meets every first Thursday at the library.
Attendance has grown since the clinic closure was announced last month.</p>
<p>See the <a href="/minutes">meeting minutes</a> and the
<a href="https://clinic.example.org/closure">closure notice</a>.
<a href="mailto:board@example.org">Email the board</a>.</p>
</article>
</body></html>`

func TestFetchExtractsTextAndLinks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(samplePage))
	}))
	defer srv.Close()

	f := NewWebFetcher(5 * time.Second)
	page, err := f.Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatal(err)
	}

	if !strings.Contains(page.Content, "neighborhood association") {
		t.Errorf("readable text missing body content: %q", page.Content)
	}
	if strings.Contains(page.Content, "<p>") {
		t.Error("content still contains markup")
	}
	if page.ContentHash == "" {
		t.Error("content hash not set")
	}

	wantLinks := map[string]bool{
		srv.URL + "/minutes":                  true,
		"https://clinic.example.org/closure": true,
	}
	if len(page.Links) != len(wantLinks) {
		t.Fatalf("links = %v, want 2 http links", page.Links)
	}
	for _, link := range page.Links {
		if !wantLinks[link] {
			t.Errorf("unexpected link %q", link)
		}
	}
}

func TestFetchStableHash(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(samplePage))
	}))
	defer srv.Close()

	a, err := NewWebFetcher(5 * time.Second).Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewWebFetcher(5 * time.Second).Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	if a.ContentHash != b.ContentHash {
		t.Error("same content produced different hashes")
	}
}

func TestFetchTypedFailures(t *testing.T) {
	empty := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
	}))
	defer empty.Close()

	missing := httptest.NewServer(http.NotFoundHandler())
	defer missing.Close()

	f := NewWebFetcher(5 * time.Second)

	if _, err := f.Fetch(context.Background(), empty.URL); !errors.Is(err, fetch.ErrEmpty) {
		t.Errorf("empty body err = %v, want ErrEmpty", err)
	}
	if _, err := f.Fetch(context.Background(), missing.URL); !errors.Is(err, fetch.ErrUnreachable) {
		t.Errorf("404 err = %v, want ErrUnreachable", err)
	}
	if _, err := f.Fetch(context.Background(), "http://127.0.0.1:1/nothing"); !errors.Is(err, fetch.ErrUnreachable) {
		t.Errorf("dead host err = %v, want ErrUnreachable", err)
	}
}

func TestFetchCachesWithinCycle(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("plain content"))
	}))
	defer srv.Close()

	f := NewWebFetcher(5 * time.Second)
	for range 3 {
		if _, err := f.Fetch(context.Background(), srv.URL); err != nil {
			t.Fatal(err)
		}
	}
	if hits != 1 {
		t.Errorf("server hits = %d, want 1", hits)
	}
}

func TestResetObservesNewContent(t *testing.T) {
	content := "cycle one content"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte(content))
	}))
	defer srv.Close()

	f := NewWebFetcher(5 * time.Second)
	first, err := f.Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	if first.Content != "cycle one content" {
		t.Fatalf("first fetch content = %q", first.Content)
	}

	content = "cycle two content"
	f.Reset()

	second, err := f.Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	if second.Content != "cycle two content" {
		t.Fatalf("fetch after reset returned stale snapshot: %q", second.Content)
	}
	if second.ContentHash == first.ContentHash {
		t.Error("content hash unchanged across reset with new content")
	}
}

func TestHarvestLinksLimitsAndDedupes(t *testing.T) {
	var b strings.Builder
	b.WriteString("<html><body>")
	for range 5 {
		b.WriteString(`<a href="https://dup.example.org/page">dup</a>`)
	}
	for i := range 30 {
		b.WriteString(`<a href="https://many.example.org/p` + string(rune('a'+i%26)) + `">x</a>`)
	}
	b.WriteString("</body></html>")

	base, _ := url.Parse("https://base.example.org/")
	links := HarvestLinks(strings.NewReader(b.String()), base, 10)

	if len(links) != 10 {
		t.Fatalf("len(links) = %d, want 10", len(links))
	}
	seen := make(map[string]bool)
	for _, l := range links {
		if seen[l] {
			t.Errorf("duplicate link %q", l)
		}
		seen[l] = true
	}
}
