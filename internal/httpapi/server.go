// Copyright 2025 James Ross
package httpapi

import (
	"context"
	"net/http"

	"github.com/flyingrobots/go-redis-mailer/internal/audit"
	"github.com/flyingrobots/go-redis-mailer/internal/config"
	"github.com/flyingrobots/go-redis-mailer/internal/enqueue"
	"github.com/flyingrobots/go-redis-mailer/internal/identity"
	"github.com/flyingrobots/go-redis-mailer/internal/obs"
	"github.com/flyingrobots/go-redis-mailer/internal/queuestore"
	"github.com/flyingrobots/go-redis-mailer/internal/stats"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Server is the HTTP ingress shell over the dispatch core.
type Server struct {
	cfg      *config.Config
	enqueuer *enqueue.Enqueuer
	stats    *stats.Aggregator
	trail    *audit.Trail
	store    queuestore.Store
	auth     *identity.Authenticator
	logger   *zap.Logger
	server   *http.Server
}

func NewServer(cfg *config.Config, enqueuer *enqueue.Enqueuer, agg *stats.Aggregator, trail *audit.Trail, store queuestore.Store, logger *zap.Logger) *Server {
	return &Server{
		cfg:      cfg,
		enqueuer: enqueuer,
		stats:    agg,
		trail:    trail,
		store:    store,
		auth:     identity.New(cfg.HTTP.ServiceTokens),
		logger:   logger,
	}
}

// Routes builds the router (exported for testing).
func (s *Server) Routes() http.Handler {
	r := mux.NewRouter()

	// unauthenticated surface
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/live", s.handleLive).Methods(http.MethodGet)
	r.Handle("/metrics", obs.MetricsHandler()).Methods(http.MethodGet)

	// everything else requires a service token
	authed := r.NewRoute().Subrouter()
	authed.Use(s.auth.Middleware)
	authed.HandleFunc("/send", s.handleSend).Methods(http.MethodPost)
	authed.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	authed.HandleFunc("/stats/services/{name}", s.handleServiceStats).Methods(http.MethodGet)
	authed.HandleFunc("/audit/{job_id}", s.handleAudit).Methods(http.MethodGet)
	authed.HandleFunc("/admin/dlq", s.handleDLQList).Methods(http.MethodGet)
	authed.HandleFunc("/admin/dlq", s.handleDLQPurge).Methods(http.MethodDelete)
	authed.HandleFunc("/admin/dlq/{job_id}/requeue", s.handleDLQRequeue).Methods(http.MethodPost)

	return r
}

// Start serves until Shutdown.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.cfg.HTTP.ListenAddr,
		Handler:      s.Routes(),
		ReadTimeout:  s.cfg.HTTP.ReadTimeout,
		WriteTimeout: s.cfg.HTTP.WriteTimeout,
	}
	s.logger.Info("starting HTTP API", obs.String("addr", s.cfg.HTTP.ListenAddr))
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
