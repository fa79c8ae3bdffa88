// Package server exposes the review workflow, refresh operations, and the
// feed registry over a JSON HTTP API. It holds no semantics of its own;
// everything of consequence happens in the storage and refresher layers.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/go-pkgz/lgr"
	"github.com/go-pkgz/rest"
	"github.com/go-pkgz/rest/logger"
	"github.com/go-pkgz/routegroup"

	"github.com/feedscope/feedscope/pkg/domain"
	"github.com/feedscope/feedscope/pkg/refresher"
)

// Server represents HTTP server instance
type Server struct {
	config    ConfigProvider
	articles  ArticleStore
	feeds     FeedStore
	refresher Refresher
	version   string
	debug     bool

	lock       sync.Mutex
	httpServer *http.Server
	router     *routegroup.Bundle
}

// ArticleStore provides article browsing and the review workflow
type ArticleStore interface {
	List(ctx context.Context, includeIrrelevant bool) ([]domain.Article, error)
	NextUnclassified(ctx context.Context) (*domain.Article, error)
	CountUnclassified(ctx context.Context) (int, error)
	Classify(ctx context.Context, id int64, label string) error
}

// FeedStore provides the feed registry
type FeedStore interface {
	Add(ctx context.Context, feedURL string) (bool, error)
	Remove(ctx context.Context, feedURL string) error
	ListWithLastRefresh(ctx context.Context) ([]domain.FeedStatus, error)
}

// Refresher runs refresh batches on demand
type Refresher interface {
	RefreshAll(ctx context.Context) ([]refresher.Result, error)
	Refresh(ctx context.Context, targets []string) []refresher.Result
}

// ConfigProvider provides server configuration
type ConfigProvider interface {
	GetServerConfig() (listen string, timeout time.Duration)
}

// New initializes a new server instance
func New(cfg ConfigProvider, articles ArticleStore, feeds FeedStore, refr Refresher, version string, debug bool) *Server {
	s := &Server{
		config:    cfg,
		articles:  articles,
		feeds:     feeds,
		refresher: refr,
		version:   version,
		debug:     debug,
		router:    routegroup.New(http.NewServeMux()),
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

// Run starts the HTTP server and handles graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	listen, timeout := s.config.GetServerConfig()
	log.Printf("[INFO] starting server on %s", listen)

	s.lock.Lock()
	s.httpServer = &http.Server{
		Addr:         listen,
		Handler:      s.router,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	}
	s.lock.Unlock()

	go func() {
		<-ctx.Done()
		log.Printf("[INFO] shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("[WARN] server shutdown error: %v", err)
		}
	}()

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server error: %w", err)
	}

	return nil
}

// setupMiddleware configures standard middleware for the server
func (s *Server) setupMiddleware() {
	s.router.Use(rest.AppInfo("feedscope", "feedscope", s.version))
	s.router.Use(rest.Ping)

	if s.debug {
		s.router.Use(logger.New(logger.Log(lgr.Default()), logger.Prefix("[DEBUG]")).Handler)
	}

	s.router.Use(rest.Recoverer(lgr.Default()))
	s.router.Use(rest.Throttle(100))
	s.router.Use(rest.SizeLimit(1024 * 1024)) // 1MB
}

// setupRoutes configures application routes
func (s *Server) setupRoutes() {
	s.router.Mount("/api/v1").Route(func(r *routegroup.Bundle) {
		r.HandleFunc("GET /status", s.statusHandler)

		r.HandleFunc("GET /articles", s.listArticlesHandler)

		r.HandleFunc("POST /refresh", s.refreshAllHandler)
		r.HandleFunc("POST /refresh/feed", s.refreshFeedHandler)

		r.HandleFunc("GET /classify/next", s.nextUnclassifiedHandler)
		r.HandleFunc("POST /classify/{id}", s.classifyHandler)

		r.HandleFunc("GET /feeds", s.listFeedsHandler)
		r.HandleFunc("POST /feeds", s.addFeedHandler)
		r.HandleFunc("DELETE /feeds", s.removeFeedHandler)
	})
}
