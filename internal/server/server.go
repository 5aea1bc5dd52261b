// Package server provides the JSON read API over the article store.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/nyuchitech/mukoko-news-sub006/internal/database"
	"github.com/nyuchitech/mukoko-news-sub006/internal/model"
	"github.com/nyuchitech/mukoko-news-sub006/internal/opml"
	"github.com/nyuchitech/mukoko-news-sub006/internal/scoring"
)

// Server is the HTTP read API.
type Server struct {
	store  database.Store
	scorer *scoring.Scorer
	logger *slog.Logger
	router chi.Router
	http   *http.Server
}

// New creates the server and mounts its routes.
func New(store database.Store, scorer *scoring.Scorer, logger *slog.Logger) *Server {
	s := &Server{
		store:  store,
		scorer: scorer,
		logger: logger,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	r.Get("/healthz", s.handleHealthz)

	r.Route("/api", func(r chi.Router) {
		r.Get("/articles", s.handleListArticles)
		r.Get("/articles/{articleID}", s.handleGetArticle)
		r.Post("/articles/{articleID}/engagement", s.handleEngagement)
		r.Get("/authors/{authorID}", s.handleGetAuthor)
		r.Get("/sources", s.handleListSources)
		r.Post("/import-opml", s.handleImportOPML)
	})

	s.router = r
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start listens on addr until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{Addr: addr, Handler: s.router}
	s.logger.Info("http server listening", "addr", addr)
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListArticles(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := database.ArticleFilter{
		Country:     q.Get("country"),
		Category:    q.Get("category"),
		ContentType: q.Get("content_type"),
		OrderBy:     q.Get("order_by"),
	}
	if v := q.Get("source_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid source_id")
			return
		}
		filter.SourceID = id
	}
	filter.Limit, _ = strconv.Atoi(q.Get("limit"))
	filter.Offset, _ = strconv.Atoi(q.Get("offset"))

	articles, err := s.store.ListArticles(r.Context(), filter)
	if err != nil {
		s.logger.Error("list articles", "error", err)
		s.respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"articles": articles, "count": len(articles)})
}

// articleDetail bundles an article with its enrichment rows.
type articleDetail struct {
	Article model.Article          `json:"article"`
	Authors []database.AuthorMatch `json:"authors"`
	Quality *model.QualityFactors  `json:"quality_factors,omitempty"`
	Stages  []model.PipelineStage  `json:"stages"`
}

func (s *Server) handleGetArticle(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "articleID"), 10, 64)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid article id")
		return
	}
	ctx := r.Context()
	article, err := s.store.GetArticle(ctx, id)
	if errors.Is(err, database.ErrNotFound) {
		s.respondError(w, http.StatusNotFound, "article not found")
		return
	}
	if err != nil {
		s.logger.Error("get article", "id", id, "error", err)
		s.respondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	authors, err := s.store.GetArticleAuthors(ctx, id)
	if err != nil {
		s.logger.Error("get article authors", "id", id, "error", err)
		s.respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	quality, err := s.store.GetQualityFactors(ctx, id)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		s.logger.Error("get quality factors", "id", id, "error", err)
		s.respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	stages, err := s.store.GetStages(ctx, id)
	if err != nil {
		s.logger.Error("get stages", "id", id, "error", err)
		s.respondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.respondJSON(w, http.StatusOK, articleDetail{
		Article: *article,
		Authors: authors,
		Quality: quality,
		Stages:  stages,
	})
}

// engagementRequest carries increments, not totals. Missing fields mean zero.
type engagementRequest struct {
	Views     int64 `json:"views"`
	Likes     int64 `json:"likes"`
	Bookmarks int64 `json:"bookmarks"`
}

func (s *Server) handleEngagement(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "articleID"), 10, 64)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid article id")
		return
	}
	var req engagementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Views < 0 || req.Likes < 0 || req.Bookmarks < 0 {
		s.respondError(w, http.StatusBadRequest, "increments must be non-negative")
		return
	}

	ctx := r.Context()
	delta := model.Engagement{Views: req.Views, Likes: req.Likes, Bookmarks: req.Bookmarks}
	if err := s.store.IncrementEngagement(ctx, id, delta); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "article not found")
			return
		}
		s.logger.Error("increment engagement", "id", id, "error", err)
		s.respondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	// Re-read totals and recompute the trending score with the new counts.
	article, err := s.store.GetArticle(ctx, id)
	if err != nil {
		s.logger.Error("reload article", "id", id, "error", err)
		s.respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	engagement := model.Engagement{
		Views:     article.ViewCount,
		Likes:     article.LikeCount,
		Bookmarks: article.BookmarkCount,
	}
	trending := s.scorer.Trending(engagement, article.PublishedAt, time.Now().UTC())
	if err := s.store.SetTrendingScore(ctx, id, trending); err != nil {
		s.logger.Error("set trending score", "id", id, "error", err)
		s.respondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]any{
		"views":          article.ViewCount,
		"likes":          article.LikeCount,
		"bookmarks":      article.BookmarkCount,
		"trending_score": trending,
	})
}

func (s *Server) handleGetAuthor(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "authorID"), 10, 64)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid author id")
		return
	}
	author, err := s.store.GetAuthor(r.Context(), id)
	if errors.Is(err, database.ErrNotFound) {
		s.respondError(w, http.StatusNotFound, "author not found")
		return
	}
	if err != nil {
		s.logger.Error("get author", "id", id, "error", err)
		s.respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.respondJSON(w, http.StatusOK, author)
}

func (s *Server) handleListSources(w http.ResponseWriter, r *http.Request) {
	sources, err := s.store.ListSources(r.Context())
	if err != nil {
		s.logger.Error("list sources", "error", err)
		s.respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"sources": sources, "count": len(sources)})
}

func (s *Server) handleImportOPML(w http.ResponseWriter, r *http.Request) {
	file, _, err := r.FormFile("opml")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "no file provided")
		return
	}
	defer file.Close()

	sources, err := opml.Parse(file)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("parse opml: %v", err))
		return
	}

	imported := 0
	for _, src := range sources {
		if _, err := s.store.UpsertSource(r.Context(), src); err != nil {
			s.logger.Error("import source", "name", src.Name, "error", err)
			continue
		}
		imported++
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"imported": imported, "total": len(sources)})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, msg string) {
	s.respondJSON(w, status, map[string]string{"error": msg})
}
