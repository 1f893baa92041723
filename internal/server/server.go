// Package server exposes the wizard over HTTP: list creation, wizard
// state, source upload, stage triggers, and review actions.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/rankforge/listwizard/internal/media"
	"github.com/rankforge/listwizard/internal/store"
	"github.com/rankforge/listwizard/internal/wizard"
)

// Config tunes the HTTP server.
type Config struct {
	Port           int
	AllowedOrigins []string
}

// Server is the wizard HTTP API.
type Server struct {
	store  store.Store
	media  *media.Registry
	wizard *wizard.Manager
	cfg    Config
}

// New creates a Server.
func New(st store.Store, reg *media.Registry, wz *wizard.Manager, cfg Config) *Server {
	return &Server{store: st, media: reg, wizard: wz, cfg: cfg}
}

// Handler builds the route tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", s.handleHealth)

	r.Route("/lists", func(r chi.Router) {
		r.Post("/", s.handleCreateList)
		r.Route("/{listID}", func(r chi.Router) {
			r.Get("/", s.handleGetList)
			r.Get("/wizard", s.handleGetWizard)
			r.Get("/items", s.handleListItems)
			r.Post("/steps/source", s.handleSetSource)
			r.Post("/steps/review", s.handleCompleteReview)
			r.Post("/stages/{stage}", s.handleRunStage)
			r.Post("/items/{itemID}/verify", s.handleVerifyItem)
		})
	})

	return r
}

// ListenAndServe runs the server until the context is canceled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		zap.L().Info("http server listening", zap.Int("port", s.cfg.Port))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return eris.Wrap(err, "server: listen")
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		zap.L().Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)))
	})
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Error("response encode failed", zap.Error(err))
	}
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

// respondStoreError maps store sentinels onto HTTP statuses.
func respondStoreError(w http.ResponseWriter, err error) {
	switch {
	case eris.Is(err, store.ErrNotFound):
		respondError(w, http.StatusNotFound, "not found")
	case eris.Is(err, store.ErrLeaseHeld):
		respondError(w, http.StatusConflict, "another run holds this list")
	default:
		zap.L().Error("request failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
