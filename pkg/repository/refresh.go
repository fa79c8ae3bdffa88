package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-pkgz/repeater/v2"
	"github.com/jmoiron/sqlx"

	"github.com/feedscope/feedscope/pkg/domain"
)

// RefreshRepository maintains the per-feed refresh ledger
type RefreshRepository struct {
	db *sqlx.DB
}

// refreshSQL represents a refresh_log row
type refreshSQL struct {
	FeedURL     string `db:"feed_url"`
	LastRefresh string `db:"last_refresh"`
}

// NewRefreshRepository creates a new refresh repository
func NewRefreshRepository(database *sqlx.DB) *RefreshRepository {
	return &RefreshRepository{db: database}
}

// Upsert records a refresh attempt for feedURL at the given instant,
// last-writer-wins. Retried with backoff on SQLite lock contention.
func (r *RefreshRepository) Upsert(ctx context.Context, feedURL string, at time.Time) error {
	retrier := repeater.NewBackoff(5, 50*time.Millisecond, repeater.WithMaxDelay(2*time.Second))

	return retrier.Do(ctx, func() error {
		err := r.upsert(ctx, r.db, feedURL, at)
		if err != nil {
			if isLockError(err) {
				return err // retry
			}
			return &criticalError{err: err}
		}
		return nil
	})
}

// UpsertTx is Upsert within a caller-managed transaction, no retry of its own
func (r *RefreshRepository) UpsertTx(ctx context.Context, tx *sqlx.Tx, feedURL string, at time.Time) error {
	return r.upsert(ctx, tx, feedURL, at)
}

func (r *RefreshRepository) upsert(ctx context.Context, e sqlx.ExtContext, feedURL string, at time.Time) error {
	query := `
		INSERT INTO refresh_log (feed_url, last_refresh)
		VALUES (?, ?)
		ON CONFLICT(feed_url) DO UPDATE SET last_refresh = excluded.last_refresh
	`
	if _, err := e.ExecContext(ctx, query, feedURL, formatTime(at)); err != nil {
		return fmt.Errorf("upsert refresh record: %w", err)
	}
	return nil
}

// Get returns the refresh record for a feed, or nil when it was never refreshed
func (r *RefreshRepository) Get(ctx context.Context, feedURL string) (*domain.RefreshRecord, error) {
	var row refreshSQL
	err := r.db.GetContext(ctx, &row, "SELECT * FROM refresh_log WHERE feed_url = ?", feedURL)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get refresh record: %w", err)
	}
	return r.toDomain(&row)
}

// List returns all refresh records, most recent attempt first
func (r *RefreshRepository) List(ctx context.Context) ([]domain.RefreshRecord, error) {
	var rows []refreshSQL
	err := r.db.SelectContext(ctx, &rows, "SELECT * FROM refresh_log ORDER BY last_refresh DESC")
	if err != nil {
		return nil, fmt.Errorf("list refresh records: %w", err)
	}

	records := make([]domain.RefreshRecord, 0, len(rows))
	for _, row := range rows {
		record, convErr := r.toDomain(&row)
		if convErr != nil {
			return nil, convErr
		}
		records = append(records, *record)
	}
	return records, nil
}

func (r *RefreshRepository) toDomain(row *refreshSQL) (*domain.RefreshRecord, error) {
	t, err := parseStoredTime(row.LastRefresh)
	if err != nil {
		return nil, fmt.Errorf("refresh record %s: %w", row.FeedURL, err)
	}
	return &domain.RefreshRecord{FeedURL: row.FeedURL, LastRefresh: t}, nil
}
