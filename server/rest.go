package server

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-pkgz/rest"

	"github.com/feedscope/feedscope/pkg/domain"
	"github.com/feedscope/feedscope/pkg/pubtime"
)

// articleView is an article as rendered to API clients, with a human-relative
// age computed at response time
type articleView struct {
	ID             int64  `json:"id"`
	Title          string `json:"title"`
	PubTime        string `json:"pub_time"`
	Age            string `json:"age"`
	Author         string `json:"author"`
	URL            string `json:"url"`
	Classification string `json:"classification,omitempty"`
}

// feedView is a registered feed with its refresh bookkeeping
type feedView struct {
	FeedURL     string `json:"feed_url"`
	LastRefresh string `json:"last_refresh,omitempty"`
	Age         string `json:"age,omitempty"`
}

// statusHandler returns server status
func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"status":  "ok",
		"version": s.version,
		"time":    time.Now().UTC(),
	}
	renderJSON(w, r, http.StatusOK, status)
}

// listArticlesHandler returns stored articles, newest first. Articles
// classified irrelevant are hidden unless verbose=true.
func (s *Server) listArticlesHandler(w http.ResponseWriter, r *http.Request) {
	verbose := strings.EqualFold(r.URL.Query().Get("verbose"), "true")

	articles, err := s.articles.List(r.Context(), verbose)
	if err != nil {
		log.Printf("[ERROR] failed to list articles: %v", err)
		renderError(w, r, err, http.StatusInternalServerError)
		return
	}

	now := time.Now()
	views := make([]articleView, len(articles))
	for i, a := range articles {
		views[i] = toArticleView(a, now)
	}
	renderJSON(w, r, http.StatusOK, views)
}

// refreshAllHandler refreshes every registered feed and reports per-feed outcome
func (s *Server) refreshAllHandler(w http.ResponseWriter, r *http.Request) {
	results, err := s.refresher.RefreshAll(r.Context())
	if err != nil {
		log.Printf("[ERROR] refresh failed: %v", err)
		renderError(w, r, err, http.StatusInternalServerError)
		return
	}
	renderJSON(w, r, http.StatusOK, results)
}

// refreshFeedHandler refreshes a single explicit feed
func (s *Server) refreshFeedHandler(w http.ResponseWriter, r *http.Request) {
	feedURL := feedURLParam(r)
	if feedURL == "" {
		renderError(w, r, fmt.Errorf("feed_url is required"), http.StatusBadRequest)
		return
	}

	results := s.refresher.Refresh(r.Context(), []string{feedURL})
	renderJSON(w, r, http.StatusOK, results)
}

// nextUnclassifiedHandler returns the oldest unreviewed article and the queue size
func (s *Server) nextUnclassifiedHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	article, err := s.articles.NextUnclassified(ctx)
	if err != nil {
		log.Printf("[ERROR] failed to get next unclassified: %v", err)
		renderError(w, r, err, http.StatusInternalServerError)
		return
	}

	count, err := s.articles.CountUnclassified(ctx)
	if err != nil {
		log.Printf("[ERROR] failed to count unclassified: %v", err)
		renderError(w, r, err, http.StatusInternalServerError)
		return
	}

	resp := struct {
		Article *articleView `json:"article"`
		Count   int          `json:"count"`
	}{Count: count}

	if article != nil {
		v := toArticleView(*article, time.Now())
		resp.Article = &v
	}
	renderJSON(w, r, http.StatusOK, resp)
}

// classifyHandler sets the classification label for an article
func (s *Server) classifyHandler(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		renderError(w, r, fmt.Errorf("invalid article ID"), http.StatusBadRequest)
		return
	}

	label := r.FormValue("classification")
	if label == "" {
		renderError(w, r, fmt.Errorf("classification is required"), http.StatusBadRequest)
		return
	}

	if err := s.articles.Classify(r.Context(), id, label); err != nil {
		log.Printf("[ERROR] failed to classify article %d: %v", id, err)
		renderError(w, r, err, http.StatusInternalServerError)
		return
	}
	renderJSON(w, r, http.StatusOK, rest.JSON{"id": id, "classification": label})
}

// listFeedsHandler returns registered feeds with their last refresh times
func (s *Server) listFeedsHandler(w http.ResponseWriter, r *http.Request) {
	statuses, err := s.feeds.ListWithLastRefresh(r.Context())
	if err != nil {
		log.Printf("[ERROR] failed to list feeds: %v", err)
		renderError(w, r, err, http.StatusInternalServerError)
		return
	}

	now := time.Now()
	views := make([]feedView, len(statuses))
	for i, st := range statuses {
		views[i] = feedView{FeedURL: st.FeedURL}
		if st.LastRefresh != nil {
			views[i].LastRefresh = pubtime.Format(*st.LastRefresh)
			views[i].Age = pubtime.Relative(*st.LastRefresh, now)
		}
	}
	renderJSON(w, r, http.StatusOK, views)
}

// addFeedHandler registers a feed url; duplicates and invalid urls are
// conflicts, not server failures
func (s *Server) addFeedHandler(w http.ResponseWriter, r *http.Request) {
	feedURL := feedURLParam(r)

	added, err := s.feeds.Add(r.Context(), feedURL)
	if err != nil {
		log.Printf("[ERROR] failed to add feed: %v", err)
		renderError(w, r, err, http.StatusInternalServerError)
		return
	}
	if !added {
		renderError(w, r, fmt.Errorf("feed already exists or invalid URL"), http.StatusConflict)
		return
	}
	renderJSON(w, r, http.StatusCreated, rest.JSON{"feed_url": feedURL})
}

// removeFeedHandler deletes a feed from the registry, idempotent
func (s *Server) removeFeedHandler(w http.ResponseWriter, r *http.Request) {
	feedURL := feedURLParam(r)
	if feedURL == "" {
		renderError(w, r, fmt.Errorf("feed_url is required"), http.StatusBadRequest)
		return
	}

	if err := s.feeds.Remove(r.Context(), feedURL); err != nil {
		log.Printf("[ERROR] failed to remove feed: %v", err)
		renderError(w, r, err, http.StatusInternalServerError)
		return
	}
	renderJSON(w, r, http.StatusOK, rest.JSON{"feed_url": feedURL})
}

// feedURLParam reads the feed url from form or query, form wins
func feedURLParam(r *http.Request) string {
	if v := r.FormValue("feed_url"); v != "" {
		return strings.TrimSpace(v)
	}
	return strings.TrimSpace(r.URL.Query().Get("feed_url"))
}

func toArticleView(a domain.Article, now time.Time) articleView {
	return articleView{
		ID:             a.ID,
		Title:          a.Title,
		PubTime:        pubtime.Format(a.PubTime),
		Age:            pubtime.Relative(a.PubTime, now),
		Author:         a.Author,
		URL:            a.URL,
		Classification: a.Classification,
	}
}

// renderJSON sends JSON response
func renderJSON(w http.ResponseWriter, _ *http.Request, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			log.Printf("[ERROR] can't encode response to JSON: %v", err)
		}
	}
}

// renderError sends error response as JSON
func renderError(w http.ResponseWriter, r *http.Request, err error, code int) {
	errMsg := "unknown error"
	if err != nil {
		errMsg = err.Error()
	}
	renderJSON(w, r, code, map[string]string{"error": errMsg})
}
