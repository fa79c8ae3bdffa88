// Package feed retrieves and parses RSS/Atom feeds into raw entries.
package feed

import (
	"context"
	"fmt"
	"html"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/go-pkgz/lgr"
	"github.com/microcosm-cc/bluemonday"
	"github.com/mmcdole/gofeed"

	"github.com/feedscope/feedscope/pkg/domain"
	"github.com/feedscope/feedscope/pkg/pubtime"
)

// UnknownAuthor is the sentinel used when a feed omits the entry author
const UnknownAuthor = "Unknown"

// Fetcher retrieves a single feed over HTTP and converts its items to raw
// entries. A fetch is single-attempt best-effort; retry policy is the
// caller's business.
type Fetcher struct {
	client    *http.Client
	userAgent string
	sanitizer *bluemonday.Policy
	now       func() time.Time
}

// NewFetcher creates a feed fetcher with the given per-request timeout
func NewFetcher(timeout time.Duration, userAgent string) *Fetcher {
	return &Fetcher{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		userAgent: userAgent,
		sanitizer: bluemonday.StrictPolicy(),
		now:       time.Now,
	}
}

// Fetch retrieves and parses the feed at feedURL. Entries without a link are
// skipped, they have no dedup key and can't be stored. Missing authors fall
// back to "Unknown", a missing publication time falls back to the current
// instant so the entry still lands with a usable timestamp.
func (f *Fetcher) Fetch(ctx context.Context, feedURL string) ([]domain.Entry, error) {
	body, err := f.get(ctx, feedURL)
	if err != nil {
		return nil, fmt.Errorf("fetch feed: %w", err)
	}
	defer body.Close()

	parsed, err := gofeed.NewParser().Parse(body)
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}

	entries := make([]domain.Entry, 0, len(parsed.Items))
	for _, item := range parsed.Items {
		if item.Link == "" {
			lgr.Printf("[WARN] skipping entry without link in %s: %q", feedURL, item.Title)
			continue
		}

		entry := domain.Entry{
			Title:     f.cleanTitle(item.Title),
			Published: item.Published,
			Author:    UnknownAuthor,
			Link:      item.Link,
		}
		if item.Author != nil && item.Author.Name != "" {
			entry.Author = item.Author.Name
		}
		if entry.Published == "" {
			entry.Published = f.now().Format(pubtime.Layout)
		}

		entries = append(entries, entry)
	}

	return entries, nil
}

// get retrieves content from a URL
func (f *Fetcher) get(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("User-Agent", f.userAgent)
	addBrowserHeaders(req)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch URL: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	return resp.Body, nil
}

// cleanTitle strips markup some feeds smuggle into titles
func (f *Fetcher) cleanTitle(title string) string {
	return strings.TrimSpace(html.UnescapeString(f.sanitizer.Sanitize(title)))
}

// acceptLanguages contains common browser Accept-Language values
var acceptLanguages = []string{
	"en-US,en;q=0.9",
	"en-GB,en;q=0.9",
	"en-US,en;q=0.9,de;q=0.8",
}

// addBrowserHeaders makes feed requests look like an ordinary client, some
// endpoints reject obvious bots
func addBrowserHeaders(req *http.Request) {
	req.Header.Set("Accept", "application/rss+xml,application/atom+xml,application/xml;q=0.9,text/xml;q=0.8,*/*;q=0.5")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Connection", "keep-alive")
	req.Header.Set("Accept-Language", acceptLanguages[rand.Intn(len(acceptLanguages))]) //nolint:gosec // non-cryptographic randomness is fine here
}
