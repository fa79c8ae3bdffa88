package domain

import "time"

// Classification labels used by the review workflow. The column is free-form,
// these are the two labels the UI offers.
const (
	ClassificationRelevant   = "relevant"
	ClassificationIrrelevant = "irrelevant"
)

// Article represents a normalized, persisted feed entry.
// URL is globally unique and serves as the dedup key; articles are created
// once on first sight of a URL and only the classification changes afterwards.
type Article struct {
	ID             int64
	Title          string
	PubTime        time.Time // timezone-naive, offset dropped at ingest
	Author         string
	URL            string
	Classification string // empty until reviewed
}

// Entry is one raw item from a fetched feed, pre-normalization.
// Published carries the source's publication-time string as-is; the
// reconciler parses it and skips the entry if no known format matches.
type Entry struct {
	Title     string
	Published string
	Author    string
	Link      string
}
