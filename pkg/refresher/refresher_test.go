package refresher

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feedscope/feedscope/pkg/domain"
)

type fakeRegistry struct {
	feeds []domain.FeedSource
	err   error
}

func (f *fakeRegistry) List(_ context.Context) ([]domain.FeedSource, error) {
	return f.feeds, f.err
}

type fakeStore struct {
	mu         sync.Mutex
	reconciled map[string][]domain.Article
	attempts   map[string]time.Time
	seen       map[string]bool // simulated unique constraint on article url
	reconErr   error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		reconciled: map[string][]domain.Article{},
		attempts:   map[string]time.Time{},
		seen:       map[string]bool{},
	}
}

func (f *fakeStore) ReconcileFeed(_ context.Context, feedURL string, articles []domain.Article, at time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reconErr != nil {
		return 0, f.reconErr
	}
	added := 0
	for _, a := range articles {
		if f.seen[a.URL] {
			continue
		}
		f.seen[a.URL] = true
		added++
	}
	f.reconciled[feedURL] = articles
	f.attempts[feedURL] = at
	return added, nil
}

func (f *fakeStore) RecordRefreshAttempt(_ context.Context, feedURL string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts[feedURL] = at
	return nil
}

type fakeFetcher struct {
	mu      sync.Mutex
	entries map[string][]domain.Entry
	errs    map[string]error
	calls   []string
}

func (f *fakeFetcher) Fetch(_ context.Context, feedURL string) ([]domain.Entry, error) {
	f.mu.Lock()
	f.calls = append(f.calls, feedURL)
	f.mu.Unlock()
	if err := f.errs[feedURL]; err != nil {
		return nil, err
	}
	return f.entries[feedURL], nil
}

func entry(link string) domain.Entry {
	return domain.Entry{
		Title:     link,
		Published: "Mon, 02 Jan 2006 15:04:05 GMT",
		Author:    "Unknown",
		Link:      link,
	}
}

func TestRefresh_SingleFeed(t *testing.T) {
	store := newFakeStore()
	fetcher := &fakeFetcher{entries: map[string][]domain.Entry{
		"https://example.com/rss": {entry("https://example.com/1"), entry("https://example.com/2")},
	}}

	r := New(&fakeRegistry{}, store, fetcher, Config{})
	results := r.Refresh(context.Background(), []string{"https://example.com/rss"})

	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	assert.Equal(t, 2, results[0].Added)
	assert.Zero(t, results[0].Skipped)

	// articles got normalized timestamps
	stored := store.reconciled["https://example.com/rss"]
	require.Len(t, stored, 2)
	assert.Equal(t, time.Date(2006, 1, 2, 15, 4, 5, 0, time.UTC), stored[0].PubTime)
}

func TestRefresh_BadTimestampSkipsEntry(t *testing.T) {
	store := newFakeStore()
	fetcher := &fakeFetcher{entries: map[string][]domain.Entry{
		"https://example.com/rss": {
			entry("https://example.com/good"),
			{Title: "bad date", Published: "yesterday-ish", Author: "Unknown", Link: "https://example.com/bad"},
			entry("https://example.com/also-good"),
		},
	}}

	r := New(&fakeRegistry{}, store, fetcher, Config{})
	results := r.Refresh(context.Background(), []string{"https://example.com/rss"})

	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	assert.Equal(t, 2, results[0].Added)
	assert.Equal(t, 1, results[0].Skipped)

	// the ledger still advanced
	_, ok := store.attempts["https://example.com/rss"]
	assert.True(t, ok)
}

func TestRefresh_FetchFailureIsolated(t *testing.T) {
	store := newFakeStore()
	fetcher := &fakeFetcher{
		entries: map[string][]domain.Entry{
			"https://good.example.com/rss": {entry("https://good.example.com/1")},
		},
		errs: map[string]error{
			"https://bad.example.com/rss": fmt.Errorf("connection refused"),
		},
	}

	r := New(&fakeRegistry{}, store, fetcher, Config{})
	results := r.Refresh(context.Background(), []string{
		"https://bad.example.com/rss",
		"https://good.example.com/rss",
	})

	require.Len(t, results, 2)

	// results keep target order
	assert.Equal(t, "https://bad.example.com/rss", results[0].FeedURL)
	require.Error(t, results[0].Err)
	assert.Contains(t, results[0].Error, "connection refused")

	// the failing feed never blocks the healthy one
	require.NoError(t, results[1].Err)
	assert.Equal(t, 1, results[1].Added)

	// failed fetch still recorded in the ledger
	_, ok := store.attempts["https://bad.example.com/rss"]
	assert.True(t, ok)
}

func TestRefresh_InvalidTargetLeavesLedgerAlone(t *testing.T) {
	store := newFakeStore()
	fetcher := &fakeFetcher{}

	r := New(&fakeRegistry{}, store, fetcher, Config{})
	results := r.Refresh(context.Background(), []string{"not a feed url"})

	require.Len(t, results, 1)
	require.Error(t, results[0].Err)
	assert.Contains(t, results[0].Error, "invalid feed address")

	// fetch was never attempted, the ledger stays untouched
	assert.Empty(t, fetcher.calls)
	assert.Empty(t, store.attempts)
}

func TestRefresh_StoreFailure(t *testing.T) {
	store := newFakeStore()
	store.reconErr = fmt.Errorf("disk full")
	fetcher := &fakeFetcher{entries: map[string][]domain.Entry{
		"https://example.com/rss": {entry("https://example.com/1")},
	}}

	r := New(&fakeRegistry{}, store, fetcher, Config{})
	results := r.Refresh(context.Background(), []string{"https://example.com/rss"})

	require.Len(t, results, 1)
	require.Error(t, results[0].Err)
	assert.Contains(t, results[0].Error, "disk full")
}

func TestRefreshAll(t *testing.T) {
	registry := &fakeRegistry{feeds: []domain.FeedSource{
		{FeedURL: "https://a.example.com/rss"},
		{FeedURL: "https://b.example.com/rss"},
	}}
	store := newFakeStore()
	fetcher := &fakeFetcher{entries: map[string][]domain.Entry{
		"https://a.example.com/rss": {entry("https://a.example.com/1")},
		"https://b.example.com/rss": {entry("https://b.example.com/1"), entry("https://b.example.com/2")},
	}}

	r := New(registry, store, fetcher, Config{MaxWorkers: 2})
	results, err := r.RefreshAll(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 2)

	total := 0
	for _, res := range results {
		require.NoError(t, res.Err)
		total += res.Added
	}
	assert.Equal(t, 3, total)
}

func TestRefreshAll_RegistryError(t *testing.T) {
	registry := &fakeRegistry{err: fmt.Errorf("db gone")}
	r := New(registry, newFakeStore(), &fakeFetcher{}, Config{})

	_, err := r.RefreshAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db gone")
}

func TestRefresh_DedupAcrossFeeds(t *testing.T) {
	store := newFakeStore()
	shared := entry("https://shared.example.com/article")
	fetcher := &fakeFetcher{entries: map[string][]domain.Entry{
		"https://a.example.com/rss": {shared, entry("https://a.example.com/1")},
		"https://b.example.com/rss": {shared},
	}}

	r := New(&fakeRegistry{}, store, fetcher, Config{MaxWorkers: 1})
	results := r.Refresh(context.Background(), []string{
		"https://a.example.com/rss",
		"https://b.example.com/rss",
	})

	added := 0
	for _, res := range results {
		require.NoError(t, res.Err)
		added += res.Added
	}
	assert.Equal(t, 2, added)
}

func TestStartStop(t *testing.T) {
	registry := &fakeRegistry{feeds: []domain.FeedSource{{FeedURL: "https://a.example.com/rss"}}}
	store := newFakeStore()
	fetcher := &fakeFetcher{entries: map[string][]domain.Entry{
		"https://a.example.com/rss": {entry("https://a.example.com/1")},
	}}

	r := New(registry, store, fetcher, Config{Interval: 10 * time.Millisecond})
	r.Start(context.Background())

	// wait for at least the immediate run
	require.Eventually(t, func() bool {
		fetcher.mu.Lock()
		defer fetcher.mu.Unlock()
		return len(fetcher.calls) > 0
	}, time.Second, 5*time.Millisecond)

	r.Stop()
}

func TestStart_DisabledWithoutInterval(t *testing.T) {
	r := New(&fakeRegistry{}, newFakeStore(), &fakeFetcher{}, Config{})
	r.Start(context.Background())
	r.Stop() // returns immediately, nothing was started
}
