// Package refresher implements the fetch-and-reconcile pipeline: it resolves
// refresh targets, fetches each feed, normalizes entry timestamps, merges new
// articles into the store, and advances the per-feed refresh ledger.
package refresher

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/go-pkgz/lgr"
	"golang.org/x/sync/errgroup"

	"github.com/feedscope/feedscope/pkg/domain"
	"github.com/feedscope/feedscope/pkg/pubtime"
)

// Registry resolves refresh targets when no explicit target is given
type Registry interface {
	List(ctx context.Context) ([]domain.FeedSource, error)
}

// Store commits reconciliation results. ReconcileFeed must insert articles and
// advance the ledger atomically per feed, absorbing duplicate urls via the
// storage-level unique constraint.
type Store interface {
	ReconcileFeed(ctx context.Context, feedURL string, articles []domain.Article, at time.Time) (added int, err error)
	RecordRefreshAttempt(ctx context.Context, feedURL string, at time.Time) error
}

// Fetcher retrieves one feed into raw entries
type Fetcher interface {
	Fetch(ctx context.Context, feedURL string) ([]domain.Entry, error)
}

// Result is the per-feed outcome of a refresh batch
type Result struct {
	FeedURL string `json:"feed_url"`
	Added   int    `json:"added"`
	Skipped int    `json:"skipped"` // entries dropped for unparseable timestamps
	Err     error  `json:"-"`
	Error   string `json:"error,omitempty"`
}

// Config holds refresher configuration
type Config struct {
	Interval     time.Duration // periodic refresh interval, 0 disables the loop
	FetchTimeout time.Duration
	MaxWorkers   int
}

// Refresher runs refresh batches over registered feeds
type Refresher struct {
	registry Registry
	store    Store
	fetcher  Fetcher

	interval     time.Duration
	fetchTimeout time.Duration
	maxWorkers   int
	now          func() time.Time

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New creates a refresher with the given collaborators and configuration
func New(registry Registry, store Store, fetcher Fetcher, cfg Config) *Refresher {
	if cfg.FetchTimeout == 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	if cfg.MaxWorkers == 0 {
		cfg.MaxWorkers = 5
	}

	return &Refresher{
		registry:     registry,
		store:        store,
		fetcher:      fetcher,
		interval:     cfg.Interval,
		fetchTimeout: cfg.FetchTimeout,
		maxWorkers:   cfg.MaxWorkers,
		now:          time.Now,
	}
}

// Start begins the periodic refresh loop, a no-op when the interval is zero
func (r *Refresher) Start(ctx context.Context) {
	if r.interval == 0 {
		lgr.Printf("[INFO] periodic refresh disabled")
		return
	}

	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		// run immediately on start
		if _, err := r.RefreshAll(ctx); err != nil {
			lgr.Printf("[ERROR] initial refresh failed: %v", err)
		}

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := r.RefreshAll(ctx); err != nil {
					lgr.Printf("[ERROR] periodic refresh failed: %v", err)
				}
			}
		}
	}()

	lgr.Printf("[INFO] periodic refresh started, interval %v", r.interval)
}

// Stop waits for the periodic loop to finish
func (r *Refresher) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// RefreshAll refreshes every registered feed. The error covers target
// resolution only; per-feed failures land in the results.
func (r *Refresher) RefreshAll(ctx context.Context) ([]Result, error) {
	feeds, err := r.registry.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list feeds: %w", err)
	}

	targets := make([]string, len(feeds))
	for i, f := range feeds {
		targets[i] = f.FeedURL
	}
	return r.Refresh(ctx, targets), nil
}

// Refresh runs one fetch-and-reconcile pass over the given targets
// concurrently, each target isolated: a failing feed never blocks or rolls
// back the others. The returned results are in target order.
func (r *Refresher) Refresh(ctx context.Context, targets []string) []Result {
	results := make([]Result, len(targets))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.maxWorkers)

	for i, target := range targets {
		g.Go(func() error {
			results[i] = r.refreshOne(gctx, target)
			return nil // per-feed errors are reported, not propagated
		})
	}
	_ = g.Wait()

	added, failed := 0, 0
	for i := range results {
		if results[i].Err != nil {
			results[i].Error = results[i].Err.Error()
			failed++
			continue
		}
		added += results[i].Added
	}
	lgr.Printf("[INFO] refresh completed: %d feeds, %d new articles, %d failed", len(targets), added, failed)

	return results
}

// refreshOne fetches and reconciles a single feed. The ledger is advanced
// after every attempted fetch, success or not, so "last refresh" reflects
// attempt time. A target that can't even be attempted (malformed address)
// leaves the ledger untouched.
func (r *Refresher) refreshOne(ctx context.Context, target string) Result {
	res := Result{FeedURL: target}

	if !validTarget(target) {
		res.Err = fmt.Errorf("invalid feed address %q", target)
		return res
	}

	fetchCtx, cancel := context.WithTimeout(ctx, r.fetchTimeout)
	defer cancel()

	entries, err := r.fetcher.Fetch(fetchCtx, target)
	if err != nil {
		lgr.Printf("[WARN] fetch failed for %s: %v", target, err)
		res.Err = err
		// record the attempt anyway so the ledger shows we tried
		if recErr := r.store.RecordRefreshAttempt(ctx, target, r.now()); recErr != nil {
			lgr.Printf("[ERROR] failed to record refresh attempt for %s: %v", target, recErr)
		}
		return res
	}

	articles := make([]domain.Article, 0, len(entries))
	for _, entry := range entries {
		pubTime, parseErr := pubtime.Parse(entry.Published)
		if parseErr != nil {
			// one bad date drops one entry, never the whole refresh
			lgr.Printf("[WARN] skipping entry %s: %v", entry.Link, parseErr)
			res.Skipped++
			continue
		}

		articles = append(articles, domain.Article{
			Title:   entry.Title,
			PubTime: pubTime,
			Author:  entry.Author,
			URL:     entry.Link,
		})
	}

	added, err := r.store.ReconcileFeed(ctx, target, articles, r.now())
	if err != nil {
		res.Err = err
		return res
	}
	res.Added = added

	if added > 0 {
		lgr.Printf("[INFO] added %d new articles from %s", added, target)
	}
	return res
}

// validTarget requires an absolute http(s) address, same rule the registry
// applies on add
func validTarget(target string) bool {
	u, err := url.Parse(target)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
