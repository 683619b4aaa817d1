package routing

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/FairForge/drcore/internal/metrics"
	"go.uber.org/zap"
)

// Outcome of an apply call
type Outcome string

const (
	Committed Outcome = "committed"
	Conflict  Outcome = "conflict"
)

// Result reports the apply outcome and the version current afterwards
type Result struct {
	Outcome Outcome `json:"outcome"`
	Version uint64  `json:"version"`
}

// Router applies routing policies one at a time
type Router struct {
	store   Store
	mu      sync.Mutex
	logger  *zap.Logger
	metrics *metrics.Collector
}

// NewRouter creates a router over a store
func NewRouter(store Store, logger *zap.Logger, collector *metrics.Collector) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		store:   store,
		logger:  logger,
		metrics: collector,
	}
}

// Apply validates the policy and replaces the whole record set if its
// version still equals expectedVersion. On conflict the caller must re-read
// and retry; nothing is merged.
func (r *Router) Apply(ctx context.Context, policy Policy, expectedVersion uint64) (Result, error) {
	if err := policy.Validate(); err != nil {
		r.metrics.RecordRoutingApply(policy.RecordSetID, "invalid")
		return Result{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	committed, current, err := r.store.CompareAndSwap(ctx, policy, expectedVersion)
	if err != nil {
		r.metrics.RecordRoutingApply(policy.RecordSetID, "error")
		return Result{}, fmt.Errorf("apply routing policy %s: %w", policy.RecordSetID, err)
	}

	if !committed {
		r.metrics.RecordRoutingApply(policy.RecordSetID, string(Conflict))
		r.logger.Warn("routing policy version conflict",
			zap.String("record_set", policy.RecordSetID),
			zap.Uint64("expected", expectedVersion),
			zap.Uint64("current", current))
		return Result{Outcome: Conflict, Version: current}, nil
	}

	r.metrics.RecordRoutingApply(policy.RecordSetID, string(Committed))
	r.logger.Info("routing policy committed",
		zap.String("record_set", policy.RecordSetID),
		zap.String("active", string(policy.Active())),
		zap.Uint64("version", current))
	return Result{Outcome: Committed, Version: current}, nil
}

// Get returns the current record set
func (r *Router) Get(ctx context.Context, recordSetID string) (Policy, error) {
	return r.store.Load(ctx, recordSetID)
}

// Version returns the current version of a record set, 0 if it does not
// exist
func (r *Router) Version(ctx context.Context, recordSetID string) (uint64, error) {
	p, err := r.store.Load(ctx, recordSetID)
	if err != nil {
		if errors.Is(err, ErrPolicyNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return p.Version, nil
}
