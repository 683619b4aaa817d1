package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/FairForge/drcore/internal/health"
	"github.com/FairForge/drcore/internal/replication"
	"github.com/FairForge/drcore/internal/routing"
	"github.com/FairForge/drcore/internal/topology"
	"github.com/go-chi/chi/v5"
)

type probeRequest struct {
	RegionID  string    `json:"region_id"`
	Timestamp time.Time `json:"timestamp"`
	Status    string    `json:"status"`
	LatencyMS float64   `json:"latency_ms"`
}

type lagSampleRequest struct {
	ChannelID  string     `json:"channel_id"`
	LagMS      float64    `json:"lag_ms"`
	ObservedAt *time.Time `json:"observed_at"`
}

type policyRequest struct {
	Entries []routing.Entry `json:"entries"`
	Version uint64          `json:"version"`
}

func millis(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}

// handleProbe ingests one health probe, limited per known region
func (s *Server) handleProbe(w http.ResponseWriter, r *http.Request) {
	var req probeRequest
	if err := decodeBody(r, probeRequestSchema, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}

	region := topology.RegionID(req.RegionID)
	if !s.deps.Topology.Contains(region) {
		s.respondError(w, http.StatusNotFound, fmt.Errorf("%w: %s", health.ErrUnknownRegion, region))
		return
	}
	if !s.limiter.Allow(req.RegionID) {
		s.metrics.IncRateLimitHit(req.RegionID)
		w.Header().Set("Retry-After", "1")
		s.respondError(w, http.StatusTooManyRequests, fmt.Errorf("probe rate exceeded for %s", req.RegionID))
		return
	}

	state, err := s.deps.Health.RecordHealth(region, health.Probe{
		RegionID:  region,
		Timestamp: req.Timestamp,
		Status:    health.Status(req.Status),
		Latency:   millis(req.LatencyMS),
	})
	if err != nil {
		s.respondError(w, errorStatus(err), err)
		return
	}

	s.respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"region_id": region,
		"state":     state,
	})
}

// handleLagSample ingests a pushed replication lag sample
func (s *Server) handleLagSample(w http.ResponseWriter, r *http.Request) {
	var req lagSampleRequest
	if err := decodeBody(r, lagSampleRequestSchema, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}

	observedAt := time.Now()
	if req.ObservedAt != nil {
		observedAt = *req.ObservedAt
	}

	id := replication.ChannelID(req.ChannelID)
	if err := s.deps.Replication.ObserveLag(id, millis(req.LagMS), observedAt); err != nil {
		s.respondError(w, errorStatus(err), err)
		return
	}

	s.respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"channel_id": id,
		"accepted":   true,
	})
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	policy, err := s.deps.Router.Get(r.Context(), chi.URLParam(r, "recordSetID"))
	if err != nil {
		s.respondError(w, errorStatus(err), err)
		return
	}
	s.respondJSON(w, http.StatusOK, policy)
}

// handlePutPolicy replaces a record set; a stale version is a 409 carrying
// the current version
func (s *Server) handlePutPolicy(w http.ResponseWriter, r *http.Request) {
	var req policyRequest
	if err := decodeBody(r, policyRequestSchema, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}

	policy := routing.Policy{RecordSetID: chi.URLParam(r, "recordSetID"), Entries: req.Entries}
	res, err := s.deps.Router.Apply(r.Context(), policy, req.Version)
	if err != nil {
		s.respondError(w, errorStatus(err), err)
		return
	}
	if res.Outcome == routing.Conflict {
		s.respondJSON(w, http.StatusConflict, map[string]interface{}{
			"error":   fmt.Sprintf("version %d is stale", req.Version),
			"outcome": res.Outcome,
			"version": res.Version,
		})
		return
	}

	s.logger.Info("routing policy replaced by operator")
	s.respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.deps.Engine.Status())
}

func (s *Server) handleTopology(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"registry":    s.deps.Topology.Snapshot(),
		"health":      s.deps.Health.Snapshot(),
		"replication": s.deps.Replication.Snapshot(),
	})
}

func (s *Server) handleDecisions(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, 100)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}

	records, err := s.deps.Journal.List(r.Context(), limit)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"decisions": records,
		"count":     len(records),
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, 100)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}

	recent := s.deps.Events.Recent(r.URL.Query().Get("type"), limit)
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"events": recent,
		"count":  len(recent),
	})
}

func queryLimit(r *http.Request, fallback int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, fmt.Errorf("%w: limit must be a positive integer", errBadRequest)
	}
	return limit, nil
}
