package api

import (
	"net/http"
	"time"

	"github.com/FairForge/drcore/internal/topology"
	"go.uber.org/zap"
)

type forcePromoteRequest struct {
	RegionID string `json:"region_id"`
	Reason   string `json:"reason"`
}

type blockRequest struct {
	Reason string    `json:"reason"`
	Until  time.Time `json:"until"`
}

type clearHaltRequest struct {
	FromRegion string `json:"from_region"`
	ToRegion   string `json:"to_region"`
}

func (s *Server) handleForcePromote(w http.ResponseWriter, r *http.Request) {
	var req forcePromoteRequest
	if err := decodeBody(r, forcePromoteRequestSchema, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}

	s.logger.Warn("forced promotion requested",
		zap.String("operator", operator(r)),
		zap.String("region", req.RegionID),
		zap.String("reason", req.Reason))

	if err := s.deps.Engine.ForcePromote(r.Context(), topology.RegionID(req.RegionID), req.Reason); err != nil {
		s.respondError(w, errorStatus(err), err)
		return
	}
	s.respondJSON(w, http.StatusOK, s.deps.Engine.Status())
}

func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request) {
	var req blockRequest
	if err := decodeBody(r, blockRequestSchema, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}

	s.logger.Warn("automatic failover block requested",
		zap.String("operator", operator(r)),
		zap.String("reason", req.Reason),
		zap.Time("until", req.Until))

	if err := s.deps.Engine.BlockAutoFailover(r.Context(), req.Reason, req.Until); err != nil {
		s.respondError(w, errorStatus(err), err)
		return
	}
	s.respondJSON(w, http.StatusOK, s.deps.Engine.Status())
}

func (s *Server) handleUnblock(w http.ResponseWriter, r *http.Request) {
	s.logger.Info("automatic failover unblock requested", zap.String("operator", operator(r)))

	if err := s.deps.Engine.UnblockAutoFailover(r.Context()); err != nil {
		s.respondError(w, errorStatus(err), err)
		return
	}
	s.respondJSON(w, http.StatusOK, s.deps.Engine.Status())
}

func (s *Server) handleClearHalt(w http.ResponseWriter, r *http.Request) {
	var req clearHaltRequest
	if err := decodeBody(r, clearHaltRequestSchema, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}

	s.logger.Warn("halt clear requested",
		zap.String("operator", operator(r)),
		zap.String("from", req.FromRegion),
		zap.String("to", req.ToRegion))

	err := s.deps.Engine.ClearHalt(r.Context(), topology.RegionID(req.FromRegion), topology.RegionID(req.ToRegion))
	if err != nil {
		s.respondError(w, errorStatus(err), err)
		return
	}
	s.respondJSON(w, http.StatusOK, s.deps.Engine.Status())
}
