// Package server exposes health, metrics, the active opportunities and a live
// websocket feed over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"arbwatch/internal/database"
	"arbwatch/internal/model"
)

// Store is the read side the server needs.
type Store interface {
	Ping(ctx context.Context) error
	Stats(ctx context.Context) (database.Stats, error)
	ListActiveOpportunities(ctx context.Context, limit int) ([]model.Opportunity, error)
}

type opportunitiesQuery struct {
	Limit int `validate:"min=1,max=500"`
}

// Server is the status HTTP server.
type Server struct {
	logger   *slog.Logger
	store    Store
	hub      *Hub
	gatherer prometheus.Gatherer
	validate *validator.Validate
}

func New(logger *slog.Logger, store Store, hub *Hub, gatherer prometheus.Gatherer) *Server {
	return &Server{
		logger:   logger.With("component", "http"),
		store:    store,
		hub:      hub,
		gatherer: gatherer,
		validate: validator.New(),
	}
}

// Router builds the HTTP routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.health)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	r.Route("/api", func(api chi.Router) {
		api.Get("/stats", s.stats)
		api.Get("/opportunities", s.opportunities)
	})
	if s.hub != nil {
		r.Get("/ws", s.hub.HandleWS)
	}
	return r
}

// ListenAndServe serves on addr until ctx ends, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("Status server listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("Status server shutdown failed", "error", err)
		return err
	}
	s.logger.Info("Status server stopped")
	return nil
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn("Health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	st, err := s.store.Stats(r.Context())
	if err != nil {
		s.logger.Error("Failed to load stats", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load stats"})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) opportunities(w http.ResponseWriter, r *http.Request) {
	q := opportunitiesQuery{Limit: 50}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be an integer"})
			return
		}
		q.Limit = n
	}
	if err := s.validate.Struct(q); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be between 1 and 500"})
		return
	}

	opps, err := s.store.ListActiveOpportunities(r.Context(), q.Limit)
	if err != nil {
		s.logger.Error("Failed to list opportunities", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list opportunities"})
		return
	}
	if opps == nil {
		opps = []model.Opportunity{}
	}
	writeJSON(w, http.StatusOK, opps)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
