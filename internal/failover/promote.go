// internal/failover/promote.go
package failover

import (
	"context"
	"errors"
	"fmt"

	"github.com/FairForge/drcore/internal/audit"
	"github.com/FairForge/drcore/internal/events"
	"github.com/FairForge/drcore/internal/replication"
	"github.com/FairForge/drcore/internal/routing"
	"github.com/FairForge/drcore/internal/topology"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// promote journals the decision, commits routing and swaps the primary
// role. Cancellation is honoured only until routing commits.
func (e *Engine) promote(ctx context.Context, c *Cycle, target topology.Region, registryVersion uint64, snapshot replication.Snapshot) error {
	e.setState(StatePromoting, fmt.Sprintf("promoting %s", target.ID))

	decision := audit.Decision{
		ID:                  uuid.New(),
		From:                c.From,
		To:                  target.ID,
		Timestamp:           e.now(),
		TriggerReason:       c.Reason,
		TriggerEpoch:        c.Epoch,
		ReplicationSnapshot: snapshot,
		Forced:              c.Forced,
	}
	if err := e.journal.Append(ctx, decision); err != nil {
		e.cycle = nil
		e.setState(StateAborted, "decision could not be journaled")
		e.setState(StateSteady, "promotion abandoned")
		return fmt.Errorf("journal decision: %w", err)
	}
	e.lastDecision = &DecisionSummary{
		ID:     decision.ID,
		From:   decision.From,
		To:     decision.To,
		Forced: decision.Forced,
		At:     decision.Timestamp,
	}

	e.emit(ctx, events.New(events.FailoverDecision, events.SeverityWarning, string(target.ID),
		fmt.Sprintf("promoting %s to replace %s", target.ID, c.From)).
		With("decision_id", decision.ID.String()).
		With("from_region", string(c.From)).
		With("to_region", string(target.ID)).
		With("trigger_reason", c.Reason).
		With("trigger_epoch", c.Epoch).
		With("forced", c.Forced))

	if current := e.registry.Version(); current != registryVersion {
		e.resolve(ctx, decision, audit.OutcomeAborted, "registry changed during evaluation")
		return errRegistryChanged
	}

	committed, err := e.applyRouting(ctx, target)
	if !committed {
		e.resolve(ctx, decision, audit.OutcomeAborted, "routing not committed: "+err.Error())
		e.emit(ctx, events.New(events.RoutingUpdateConflict, events.SeverityCritical, string(target.ID),
			"routing update did not commit; promotion aborted, roles unchanged").
			With("decision_id", decision.ID.String()).
			With("error", err.Error()))
		e.cycle = nil
		e.setState(StateAborted, "routing not committed")
		e.setState(StateSteady, "promotion aborted")
		return fmt.Errorf("%w: %v", ErrRoutingUpdateConflict, err)
	}

	// Routing points at target now; nothing below may be cancelled.
	runCtx := ctx
	ctx = context.WithoutCancel(ctx)

	if err := e.completePromotion(ctx, c.From, target.ID, registryVersion); err != nil {
		reason := "partial failure: " + err.Error()
		e.halt(c.From, target.ID, reason)
		e.resolve(ctx, decision, audit.OutcomeAborted, reason)
		e.emit(ctx, events.New(events.PromotionPartialFailure, events.SeverityCritical, string(target.ID),
			"routing committed but promotion did not complete; pair halted, manual reconciliation required").
			With("decision_id", decision.ID.String()).
			With("from_region", string(c.From)).
			With("to_region", string(target.ID)).
			With("error", err.Error()))
		e.cycle = nil
		e.setState(StateAborted, "promotion partially applied")
		e.setState(StateSteady, "pair halted")
		return fmt.Errorf("%w: %v", ErrPromotionPartialFailure, err)
	}

	e.resolve(ctx, decision, audit.OutcomeCommitted, "")
	repointed := e.replication.Repoint(c.From, target.ID)
	e.emit(ctx, events.New(events.PromotionCommitted, events.SeverityWarning, string(target.ID),
		fmt.Sprintf("%s promoted to primary", target.ID)).
		With("decision_id", decision.ID.String()).
		With("from_region", string(c.From)).
		With("channels", channelStrings(repointed)))

	e.cycle = nil
	e.promotion = &Pair{From: c.From, To: target.ID}
	e.setState(StatePromoted, fmt.Sprintf("%s is primary", target.ID))
	e.scheduleAudit(runCtx, c.From, target.ID)
	return nil
}

// applyRouting commits the policy for target, re-reading the version on
// conflict up to RoutingRetries times
func (e *Engine) applyRouting(ctx context.Context, target topology.Region) (bool, error) {
	secondaries := make([]topology.Region, 0)
	for _, r := range e.registry.Snapshot().Regions {
		if r.ID != target.ID {
			secondaries = append(secondaries, r)
		}
	}
	policy := routing.PolicyFor(e.config.RoutingMode, e.config.RecordSetID, target, secondaries)

	expected := e.routingVersion
	var lastErr error
	for attempt := 0; attempt <= e.config.RoutingRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return false, err
		}

		res, err := e.router.Apply(ctx, policy, expected)
		if err != nil {
			return false, err
		}
		if res.Outcome == routing.Committed {
			e.routingVersion = res.Version
			return true, nil
		}

		lastErr = fmt.Errorf("version %d is stale, current %d", expected, res.Version)
		e.logger.Warn("routing conflict, retrying with fresh version",
			zap.Int("attempt", attempt+1),
			zap.Uint64("expected", expected),
			zap.Uint64("current", res.Version))

		fresh, err := e.router.Version(ctx, e.config.RecordSetID)
		if err != nil {
			return false, err
		}
		expected = fresh
	}
	return false, fmt.Errorf("retries exhausted: %w", lastErr)
}

// completePromotion promotes the target's stores and swaps the role record.
// A version conflict is retried only while the old primary still holds the
// role.
func (e *Engine) completePromotion(ctx context.Context, from, to topology.RegionID, version uint64) error {
	if e.controller != nil {
		if err := e.controller.Promote(ctx, to); err != nil {
			return fmt.Errorf("promote stores in %s: %w", to, err)
		}
	}

	var err error
	for attempt := 0; attempt <= e.config.RegistryRetries; attempt++ {
		_, err = e.registry.SwapPrimary(version, to)
		if err == nil {
			return nil
		}
		if !errors.Is(err, topology.ErrVersionConflict) {
			return fmt.Errorf("swap primary: %w", err)
		}
		primary, current := e.registry.Primary()
		if primary.ID != from {
			return fmt.Errorf("swap primary: role moved to %s concurrently", primary.ID)
		}
		version = current
	}
	return fmt.Errorf("swap primary: %w", err)
}

// resolve writes the terminal outcome; journal errors are logged since the
// state change has already happened
func (e *Engine) resolve(ctx context.Context, decision audit.Decision, outcome audit.Outcome, reason string) {
	resolution := audit.Resolution{Outcome: outcome, Reason: reason, At: e.now()}
	if err := e.journal.Complete(context.WithoutCancel(ctx), decision.ID, resolution); err != nil {
		e.logger.Error("failed to journal decision outcome",
			zap.String("decision_id", decision.ID.String()),
			zap.String("outcome", string(outcome)),
			zap.Error(err))
	}
	e.metrics.RecordDecision(string(outcome), decision.Forced)
	if e.lastDecision != nil && e.lastDecision.ID == decision.ID {
		e.lastDecision.Outcome = outcome
		e.lastDecision.Reason = reason
	}

	logFn := e.logger.Info
	if outcome == audit.OutcomeAborted {
		logFn = e.logger.Warn
	}
	logFn("failover decision resolved",
		zap.String("decision_id", decision.ID.String()),
		zap.String("from", string(decision.From)),
		zap.String("to", string(decision.To)),
		zap.String("outcome", string(outcome)),
		zap.String("reason", reason),
		zap.Bool("forced", decision.Forced))
}

func (e *Engine) scheduleAudit(ctx context.Context, from, to topology.RegionID) {
	if e.auditor == nil {
		return
	}
	before, _ := e.auditor.Baseline(from)

	e.audits.Add(1)
	go func() {
		defer e.audits.Done()
		auditCtx, cancel := context.WithTimeout(ctx, e.config.AuditTimeout)
		defer cancel()

		result, err := e.auditor.Audit(auditCtx, from, to, before)
		if err != nil {
			e.logger.Warn("consistency audit failed",
				zap.String("from", string(from)),
				zap.String("to", string(to)),
				zap.Error(err))
			return
		}
		e.logger.Info("consistency audit finished",
			zap.String("from", string(from)),
			zap.String("to", string(to)),
			zap.String("outcome", string(result.Outcome)))
	}()
}

func channelStrings[T ~string](ids []T) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}
