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

// ArticleRepository handles article storage and the review workflow
type ArticleRepository struct {
	db *sqlx.DB
}

// articleSQL represents an article row
type articleSQL struct {
	ID             int64          `db:"id"`
	Title          string         `db:"title"`
	PubTime        string         `db:"pub_time"`
	Author         string         `db:"author"`
	URL            string         `db:"url"`
	Classification sql.NullString `db:"classification"`
}

// NewArticleRepository creates a new article repository
func NewArticleRepository(database *sqlx.DB) *ArticleRepository {
	return &ArticleRepository{db: database}
}

// Create inserts a new article unless its url is already present. The unique
// constraint on url is the sole dedup mechanism; a conflicting insert is
// absorbed and reported as inserted=false, not as an error.
func (r *ArticleRepository) Create(ctx context.Context, article *domain.Article) (inserted bool, err error) {
	return r.create(ctx, r.db, article)
}

// CreateTx is Create within a caller-managed transaction
func (r *ArticleRepository) CreateTx(ctx context.Context, tx *sqlx.Tx, article *domain.Article) (inserted bool, err error) {
	return r.create(ctx, tx, article)
}

func (r *ArticleRepository) create(ctx context.Context, e sqlx.ExtContext, article *domain.Article) (bool, error) {
	row := &articleSQL{
		Title:   article.Title,
		PubTime: formatTime(article.PubTime),
		Author:  article.Author,
		URL:     article.URL,
	}

	query := `
		INSERT INTO articles (title, pub_time, author, url)
		VALUES (:title, :pub_time, :author, :url)
		ON CONFLICT(url) DO NOTHING
	`
	result, err := sqlx.NamedExecContext(ctx, e, query, row)
	if err != nil {
		return false, fmt.Errorf("insert article: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return false, nil // duplicate url
	}

	id, err := result.LastInsertId()
	if err != nil {
		return false, fmt.Errorf("get insert id: %w", err)
	}
	article.ID = id
	return true, nil
}

// Get retrieves an article by ID
func (r *ArticleRepository) Get(ctx context.Context, id int64) (*domain.Article, error) {
	var row articleSQL
	err := r.db.GetContext(ctx, &row, "SELECT * FROM articles WHERE id = ?", id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("article not found")
		}
		return nil, fmt.Errorf("get article: %w", err)
	}
	return r.toDomain(&row)
}

// List retrieves articles newest first. Unless includeIrrelevant is set,
// articles classified "irrelevant" are filtered out; unclassified ones are
// always included.
func (r *ArticleRepository) List(ctx context.Context, includeIrrelevant bool) ([]domain.Article, error) {
	query := "SELECT * FROM articles"
	if !includeIrrelevant {
		query += " WHERE classification IS NULL OR classification != ?"
	}
	query += " ORDER BY pub_time DESC, id DESC"

	var rows []articleSQL
	var err error
	if includeIrrelevant {
		err = r.db.SelectContext(ctx, &rows, query)
	} else {
		err = r.db.SelectContext(ctx, &rows, query, domain.ClassificationIrrelevant)
	}
	if err != nil {
		return nil, fmt.Errorf("list articles: %w", err)
	}

	articles := make([]domain.Article, 0, len(rows))
	for _, row := range rows {
		article, convErr := r.toDomain(&row)
		if convErr != nil {
			return nil, convErr
		}
		articles = append(articles, *article)
	}
	return articles, nil
}

// NextUnclassified returns the oldest unclassified article, or nil when the
// review queue is empty.
func (r *ArticleRepository) NextUnclassified(ctx context.Context) (*domain.Article, error) {
	var row articleSQL
	query := `
		SELECT * FROM articles
		WHERE classification IS NULL
		ORDER BY pub_time ASC, id ASC
		LIMIT 1
	`
	err := r.db.GetContext(ctx, &row, query)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("next unclassified: %w", err)
	}
	return r.toDomain(&row)
}

// CountUnclassified returns the number of articles awaiting review
func (r *ArticleRepository) CountUnclassified(ctx context.Context) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, "SELECT COUNT(*) FROM articles WHERE classification IS NULL")
	if err != nil {
		return 0, fmt.Errorf("count unclassified: %w", err)
	}
	return count, nil
}

// Classify sets the classification label unconditionally, re-classification
// included. Retried with backoff on SQLite lock contention.
func (r *ArticleRepository) Classify(ctx context.Context, id int64, label string) error {
	retrier := repeater.NewBackoff(5, 50*time.Millisecond, repeater.WithMaxDelay(2*time.Second))

	return retrier.Do(ctx, func() error {
		result, err := r.db.ExecContext(ctx, "UPDATE articles SET classification = ? WHERE id = ?", label, id)
		if err != nil {
			if isLockError(err) {
				return err // retry
			}
			return &criticalError{err: fmt.Errorf("classify article: %w", err)}
		}

		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return &criticalError{err: fmt.Errorf("get rows affected: %w", err)}
		}
		if rowsAffected == 0 {
			return &criticalError{err: fmt.Errorf("article %d not found", id)}
		}
		return nil
	})
}

// toDomain converts an article row to the domain type
func (r *ArticleRepository) toDomain(row *articleSQL) (*domain.Article, error) {
	pubTime, err := parseStoredTime(row.PubTime)
	if err != nil {
		return nil, fmt.Errorf("article %d: %w", row.ID, err)
	}
	return &domain.Article{
		ID:             row.ID,
		Title:          row.Title,
		PubTime:        pubTime,
		Author:         row.Author,
		URL:            row.URL,
		Classification: row.Classification.String,
	}, nil
}
