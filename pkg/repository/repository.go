// Package repository provides SQLite-backed storage for articles, the feed
// registry, and the per-feed refresh ledger. Uniqueness invariants (article
// url, feed url) are enforced by the database, never by read-then-write checks
// in application code.
package repository

import (
	"context"
	"embed"
	"fmt"
	"strings"
	"time"

	"github.com/go-pkgz/repeater/v2"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // pure Go SQLite driver

	"github.com/feedscope/feedscope/pkg/domain"
	"github.com/feedscope/feedscope/pkg/pubtime"
)

//go:embed schema.sql
var schemaFS embed.FS

// Config represents database configuration
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Repositories contains all repository instances
type Repositories struct {
	Article *ArticleRepository
	Feed    *FeedRepository
	Refresh *RefreshRepository
	DB      *sqlx.DB
}

// NewRepositories creates all repositories with a shared database connection
func NewRepositories(ctx context.Context, cfg Config) (*Repositories, error) {
	if cfg.DSN == "" {
		cfg.DSN = "file:feedscope.db?cache=shared&mode=rwc&_txlock=immediate"
	}

	db, err := sqlx.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	// optimize SQLite settings
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA busy_timeout = 5000", // 5 second timeout for locks
	}

	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return nil, fmt.Errorf("execute %s: %w", pragma, err)
		}
	}

	// initialize schema
	if err := initSchema(ctx, db); err != nil {
		return nil, fmt.Errorf("init schema: %w", err)
	}

	repos := &Repositories{
		Article: NewArticleRepository(db),
		Feed:    NewFeedRepository(db),
		Refresh: NewRefreshRepository(db),
		DB:      db,
	}

	return repos, nil
}

// Close closes the database connection
func (r *Repositories) Close() error {
	return r.DB.Close()
}

// Ping verifies the database connection
func (r *Repositories) Ping(ctx context.Context) error {
	return r.DB.PingContext(ctx)
}

// ReconcileFeed inserts fetched articles and advances the refresh ledger for
// feedURL as a single transaction: either all new articles land together with
// the updated ledger entry, or nothing is written. Duplicate urls are absorbed
// by the unique constraint and do not count as added. The whole transaction is
// retried with backoff on SQLite lock contention.
func (r *Repositories) ReconcileFeed(ctx context.Context, feedURL string, articles []domain.Article, at time.Time) (added int, err error) {
	retrier := repeater.NewBackoff(5, 50*time.Millisecond, repeater.WithMaxDelay(2*time.Second))

	err = retrier.Do(ctx, func() error {
		added = 0
		txErr := r.inTransaction(ctx, func(tx *sqlx.Tx) error {
			for _, article := range articles {
				inserted, insErr := r.Article.CreateTx(ctx, tx, &article)
				if insErr != nil {
					return insErr
				}
				if inserted {
					added++
				}
			}
			return r.Refresh.UpsertTx(ctx, tx, feedURL, at)
		})
		if txErr != nil {
			if isLockError(txErr) {
				return txErr // retry
			}
			return &criticalError{err: txErr}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("reconcile feed %s: %w", feedURL, err)
	}
	return added, nil
}

// RecordRefreshAttempt advances the refresh ledger without touching articles,
// used when a fetch was attempted but yielded nothing storable.
func (r *Repositories) RecordRefreshAttempt(ctx context.Context, feedURL string, at time.Time) error {
	return r.Refresh.Upsert(ctx, feedURL, at)
}

// inTransaction executes fn within a transaction, rolling back on error
func (r *Repositories) inTransaction(ctx context.Context, fn func(*sqlx.Tx) error) error {
	tx, err := r.DB.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("transaction failed: %w (rollback also failed: %s)", err, rbErr.Error())
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}

// initSchema creates tables if they don't exist
func initSchema(ctx context.Context, db *sqlx.DB) error {
	schema, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		return fmt.Errorf("read schema: %w", err)
	}

	if _, err := db.ExecContext(ctx, string(schema)); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}

	return nil
}

// criticalError wraps an error to signal repeater to stop retrying
type criticalError struct {
	err error
}

func (e *criticalError) Error() string {
	return e.err.Error()
}

// isLockError checks if an error is a SQLite lock/busy error
func isLockError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "SQLITE_BUSY") ||
		strings.Contains(errStr, "database is locked") ||
		strings.Contains(errStr, "database table is locked")
}

// formatTime renders a time in the canonical persisted form shared by
// pub_time and last_refresh columns.
func formatTime(t time.Time) string {
	return pubtime.Format(t)
}

// parseStoredTime reads a canonical persisted time back
func parseStoredTime(s string) (time.Time, error) {
	t, err := time.Parse(pubtime.Layout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored time %q: %w", s, err)
	}
	return t, nil
}
