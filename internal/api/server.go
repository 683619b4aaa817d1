package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/FairForge/drcore/internal/audit"
	"github.com/FairForge/drcore/internal/config"
	"github.com/FairForge/drcore/internal/events"
	"github.com/FairForge/drcore/internal/failover"
	"github.com/FairForge/drcore/internal/health"
	"github.com/FairForge/drcore/internal/metrics"
	"github.com/FairForge/drcore/internal/replication"
	"github.com/FairForge/drcore/internal/routing"
	"github.com/FairForge/drcore/internal/topology"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// Engine is the part of the failover engine the API drives
type Engine interface {
	Status() failover.Status
	ForcePromote(ctx context.Context, region topology.RegionID, reason string) error
	BlockAutoFailover(ctx context.Context, reason string, until time.Time) error
	UnblockAutoFailover(ctx context.Context) error
	ClearHalt(ctx context.Context, from, to topology.RegionID) error
}

// HealthFeed ingests probes and exposes per-region health
type HealthFeed interface {
	RecordHealth(region topology.RegionID, probe health.Probe) (health.State, error)
	Snapshot() map[topology.RegionID]health.RegionHealth
}

// ReplicationFeed ingests lag samples and exposes channel status
type ReplicationFeed interface {
	ObserveLag(id replication.ChannelID, lag time.Duration, observedAt time.Time) error
	Snapshot() replication.Snapshot
}

// Topology exposes the region registry
type Topology interface {
	Snapshot() topology.Snapshot
	Contains(id topology.RegionID) bool
}

// EventLog exposes recent events
type EventLog interface {
	Recent(pattern string, limit int) []events.Event
}

// Dependencies are the components the server fronts
type Dependencies struct {
	Engine      Engine
	Health      HealthFeed
	Replication ReplicationFeed
	Router      failover.Router
	Topology    Topology
	Journal     audit.Journal
	Events      EventLog
}

type Server struct {
	config     *config.Config
	deps       Dependencies
	logger     *zap.Logger
	metrics    *metrics.Collector
	router     chi.Router
	httpServer *http.Server
	limiter    *RateLimiter
	auth       *Authenticator
	startTime  time.Time
}

func NewServer(cfg *config.Config, deps Dependencies, logger *zap.Logger, collector *metrics.Collector) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		config:    cfg,
		deps:      deps,
		logger:    logger,
		metrics:   collector,
		router:    chi.NewRouter(),
		limiter:   NewRateLimiter(cfg.Server.HealthRate, cfg.Server.HealthBurst),
		auth:      NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer),
		startTime: time.Now(),
	}

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.loggingMiddleware)

	s.router.Get("/health", s.handleHealth)
	s.router.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Post("/health", s.handleProbe)
		r.Post("/replication", s.handleLagSample)

		r.Get("/state", s.handleState)
		r.Get("/topology", s.handleTopology)
		r.Get("/decisions", s.handleDecisions)
		r.Get("/events", s.handleEvents)
		r.Get("/routing-policy/{recordSetID}", s.handleGetPolicy)

		r.Group(func(r chi.Router) {
			r.Use(s.auth.RequireRole(RoleOperator, s.respondError))
			r.Put("/routing-policy/{recordSetID}", s.handlePutPolicy)
			r.Post("/overrides/force-promote", s.handleForcePromote)
			r.Post("/overrides/block", s.handleBlock)
			r.Delete("/overrides/block", s.handleUnblock)
			r.Post("/overrides/clear-halt", s.handleClearHalt)
		})
	})
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.deps.Engine.Status()
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "healthy",
		"failover_state": status.State,
		"primary":        status.Primary,
		"uptime":         time.Since(s.startTime).Seconds(),
	})
}

func (s *Server) Start() error {
	s.logger.Info("Starting server", zap.Int("port", s.config.Server.Port))
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode JSON response", zap.Error(err))
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.logger.Error("API error", zap.Error(err), zap.Int("status", status))
	} else {
		s.logger.Debug("API error", zap.Error(err), zap.Int("status", status))
	}
	s.respondJSON(w, status, map[string]string{
		"error": err.Error(),
	})
}

// errorStatus maps domain errors to HTTP status codes
func errorStatus(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, health.ErrInvalidProbe),
		errors.Is(err, replication.ErrInvalidSample),
		errors.Is(err, failover.ErrInvalidOverride):
		return http.StatusBadRequest
	case errors.Is(err, health.ErrUnknownRegion),
		errors.Is(err, replication.ErrUnknownChannel),
		errors.Is(err, routing.ErrPolicyNotFound),
		errors.Is(err, failover.ErrUnknownRegion),
		errors.Is(err, failover.ErrPairNotHalted):
		return http.StatusNotFound
	case errors.Is(err, replication.ErrStaleSample),
		errors.Is(err, failover.ErrAlreadyPrimary),
		errors.Is(err, failover.ErrPairHalted),
		errors.Is(err, failover.ErrRoutingUpdateConflict),
		errors.Is(err, failover.ErrInsufficientReplicationConfidence):
		return http.StatusConflict
	case errors.Is(err, routing.ErrInvalidPolicy):
		return http.StatusUnprocessableEntity
	case errors.Is(err, failover.ErrEngineStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
