package domain

import "time"

// FeedSource is a subscribed feed endpoint, keyed by its URL.
type FeedSource struct {
	ID        int64
	FeedURL   string
	CreatedAt time.Time
}

// RefreshRecord is the last refresh attempt for a feed, keyed by feed URL.
// It reflects attempt time, not change time: it is upserted after every
// fetch attempt, including ones that yielded zero new articles.
type RefreshRecord struct {
	FeedURL     string
	LastRefresh time.Time
}

// FeedStatus is a registered feed joined with its refresh record, for display.
// LastRefresh is nil for feeds that have never been refreshed.
type FeedStatus struct {
	FeedSource
	LastRefresh *time.Time
}
