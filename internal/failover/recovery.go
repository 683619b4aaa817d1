package failover

import (
	"context"
	"errors"
	"fmt"

	"github.com/FairForge/drcore/internal/audit"
	"github.com/FairForge/drcore/internal/events"
	"github.com/FairForge/drcore/internal/routing"
	"github.com/FairForge/drcore/internal/topology"
	"go.uber.org/zap"
)

// bootstrapRouting reads the routing version and creates the record set for
// the current primary when none exists
func (e *Engine) bootstrapRouting(ctx context.Context) error {
	policy, err := e.router.Get(ctx, e.config.RecordSetID)
	if err == nil {
		e.routingVersion = policy.Version
		return nil
	}
	if !errors.Is(err, routing.ErrPolicyNotFound) {
		return fmt.Errorf("read routing policy: %w", err)
	}

	primary, _ := e.registry.Primary()
	var secondaries []topology.Region
	for _, r := range e.registry.Snapshot().Regions {
		if r.ID != primary.ID {
			secondaries = append(secondaries, r)
		}
	}

	res, err := e.router.Apply(ctx, routing.PolicyFor(e.config.RoutingMode, e.config.RecordSetID, primary, secondaries), 0)
	if err != nil {
		return fmt.Errorf("create routing policy: %w", err)
	}
	e.routingVersion = res.Version
	return nil
}

// restoreLookback bounds the journal read when restoring the primary
const restoreLookback = 100

// recoverPending resolves decisions left without an outcome by a crash.
// When routing already points at the target the promotion was partially
// applied and the pair is halted.
func (e *Engine) recoverPending(ctx context.Context) error {
	pending, err := e.journal.Pending(ctx)
	if err != nil {
		return fmt.Errorf("read pending decisions: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	var active topology.RegionID
	if policy, err := e.router.Get(ctx, e.config.RecordSetID); err == nil {
		active = policy.Active()
	}
	primary, _ := e.registry.Primary()

	for _, record := range pending {
		d := record.Decision
		switch {
		case active == d.To && primary.ID == d.To:
			e.resolve(ctx, d, audit.OutcomeCommitted, "recovered after restart")
		case active == d.To:
			reason := "interrupted after routing commit"
			e.halt(d.From, d.To, reason)
			e.resolve(ctx, d, audit.OutcomeAborted, "partial failure: "+reason)
			e.emit(ctx, events.New(events.PromotionPartialFailure, events.SeverityCritical, string(d.To),
				"decision interrupted after routing committed; pair halted, manual reconciliation required").
				With("decision_id", d.ID.String()).
				With("from_region", string(d.From)).
				With("to_region", string(d.To)))
		default:
			e.resolve(ctx, d, audit.OutcomeAborted, "interrupted")
			e.emit(ctx, events.New(events.PromotionAborted, events.SeverityWarning, string(d.To),
				"decision interrupted before routing committed").
				With("decision_id", d.ID.String()))
		}
	}

	e.logger.Warn("recovered interrupted failover decisions", zap.Int("count", len(pending)))
	return nil
}

// restorePrimary reconciles the registry with routing after a restart. The
// registry starts from the declared topology while routing and the journal
// survive, so a committed failover must be re-applied to the role record.
// A mismatch the journal cannot explain halts the pair.
func (e *Engine) restorePrimary(ctx context.Context) error {
	policy, err := e.router.Get(ctx, e.config.RecordSetID)
	if err != nil {
		return fmt.Errorf("read routing policy: %w", err)
	}
	active := policy.Active()
	primary, version := e.registry.Primary()
	if active == primary.ID {
		return nil
	}
	pair := Pair{From: primary.ID, To: active}
	if _, ok := e.halted[pair]; ok {
		return nil
	}

	records, err := e.journal.List(ctx, restoreLookback)
	if err != nil {
		return fmt.Errorf("read decisions: %w", err)
	}
	var last *audit.Record
	for i := range records {
		r := records[i]
		if r.Resolution != nil && r.Resolution.Outcome == audit.OutcomeCommitted {
			last = &r
			break
		}
	}

	_, known := e.registry.Region(active)
	if last == nil || last.To != active || !known {
		reason := "routing serves a region the journal does not record as promoted"
		e.halt(primary.ID, active, reason)
		e.logger.Error("routing and registry disagree on the primary",
			zap.String("primary", string(primary.ID)),
			zap.String("active", string(active)))
		e.emit(ctx, events.New(events.PromotionPartialFailure, events.SeverityCritical, string(active),
			"routing does not point at the registered primary; pair halted, manual reconciliation required").
			With("from_region", string(primary.ID)).
			With("to_region", string(active)))
		return nil
	}

	if _, err := e.registry.SwapPrimary(version, active); err != nil {
		reason := "restore primary: " + err.Error()
		e.halt(primary.ID, active, reason)
		e.emit(ctx, events.New(events.PromotionPartialFailure, events.SeverityCritical, string(active),
			"committed failover could not be restored to the registry; pair halted").
			With("from_region", string(primary.ID)).
			With("to_region", string(active)).
			With("error", err.Error()))
		return nil
	}

	repointed := e.replication.Repoint(primary.ID, active)
	e.promotion = &pair
	e.setState(StatePromoted, fmt.Sprintf("%s restored as primary", active))
	e.emit(ctx, events.New(events.PrimaryRestored, events.SeverityWarning, string(active),
		fmt.Sprintf("%s restored as primary from decision %s", active, last.ID)).
		With("decision_id", last.ID.String()).
		With("declared_primary", string(primary.ID)).
		With("channels", channelStrings(repointed)))
	return nil
}
