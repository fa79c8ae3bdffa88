package repository

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/feedscope/feedscope/pkg/domain"
)

// FeedRepository is the registry of subscribed feed endpoints
type FeedRepository struct {
	db *sqlx.DB
}

// feedSQL represents a feed row
type feedSQL struct {
	ID        int64     `db:"id"`
	FeedURL   string    `db:"feed_url"`
	CreatedAt time.Time `db:"created_at"`
}

// NewFeedRepository creates a new feed repository
func NewFeedRepository(database *sqlx.DB) *FeedRepository {
	return &FeedRepository{db: database}
}

// Add registers a feed url. Returns false without error when the url is
// empty, not an absolute http(s) address, or already registered; invalid input
// is a caller mistake reported as a result, not a failure.
func (r *FeedRepository) Add(ctx context.Context, feedURL string) (bool, error) {
	feedURL = strings.TrimSpace(feedURL)
	if !validFeedURL(feedURL) {
		return false, nil
	}

	query := `INSERT INTO feeds (feed_url) VALUES (?) ON CONFLICT(feed_url) DO NOTHING`
	result, err := r.db.ExecContext(ctx, query, feedURL)
	if err != nil {
		return false, fmt.Errorf("add feed: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// Remove deletes a feed from the registry, a no-op when absent. Articles
// already ingested from the feed and its refresh_log entry stay behind.
func (r *FeedRepository) Remove(ctx context.Context, feedURL string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM feeds WHERE feed_url = ?", strings.TrimSpace(feedURL))
	if err != nil {
		return fmt.Errorf("remove feed: %w", err)
	}
	return nil
}

// List returns all registered feeds in lexical url order, kept stable for
// display.
func (r *FeedRepository) List(ctx context.Context) ([]domain.FeedSource, error) {
	var rows []feedSQL
	err := r.db.SelectContext(ctx, &rows, "SELECT * FROM feeds ORDER BY feed_url")
	if err != nil {
		return nil, fmt.Errorf("list feeds: %w", err)
	}

	feeds := make([]domain.FeedSource, len(rows))
	for i, row := range rows {
		feeds[i] = domain.FeedSource{ID: row.ID, FeedURL: row.FeedURL, CreatedAt: row.CreatedAt}
	}
	return feeds, nil
}

// ListWithLastRefresh returns registered feeds joined with their refresh
// records, lexical url order. LastRefresh is nil for never-refreshed feeds.
func (r *FeedRepository) ListWithLastRefresh(ctx context.Context) ([]domain.FeedStatus, error) {
	type row struct {
		feedSQL
		LastRefresh *string `db:"last_refresh"`
	}

	query := `
		SELECT f.*, rl.last_refresh
		FROM feeds f
		LEFT JOIN refresh_log rl ON f.feed_url = rl.feed_url
		ORDER BY f.feed_url
	`
	var rows []row
	if err := r.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("list feeds with last refresh: %w", err)
	}

	statuses := make([]domain.FeedStatus, len(rows))
	for i, rw := range rows {
		statuses[i] = domain.FeedStatus{
			FeedSource: domain.FeedSource{ID: rw.ID, FeedURL: rw.FeedURL, CreatedAt: rw.CreatedAt},
		}
		if rw.LastRefresh != nil {
			t, err := parseStoredTime(*rw.LastRefresh)
			if err != nil {
				return nil, fmt.Errorf("feed %s: %w", rw.FeedURL, err)
			}
			statuses[i].LastRefresh = &t
		}
	}
	return statuses, nil
}

// validFeedURL requires an absolute http(s) url with a host
func validFeedURL(feedURL string) bool {
	if feedURL == "" {
		return false
	}
	u, err := url.Parse(feedURL)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
