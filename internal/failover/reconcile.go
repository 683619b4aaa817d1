package failover

import (
	"context"
	"fmt"

	"github.com/FairForge/drcore/internal/events"
	"github.com/FairForge/drcore/internal/replication"
	"go.uber.org/zap"
)

// startReconciliation demotes the recovered old primary and re-establishes
// replication into it from the new primary
func (e *Engine) startReconciliation(ctx context.Context) {
	p := e.promotion
	if p == nil {
		return
	}

	if e.controller != nil {
		if err := e.controller.Demote(ctx, p.From); err != nil {
			e.logger.Warn("demotion of recovered region failed, will retry",
				zap.String("region", string(p.From)),
				zap.Error(err))
			return
		}
	}

	ids := e.replication.Reestablish(p.To, p.From)
	now := e.now()
	e.reconciliation = &Reconciliation{
		Primary:   p.To,
		Demoted:   p.From,
		Channels:  ids,
		StartedAt: now,
		Deadline:  now.Add(e.config.ReconcileTimeout),
	}
	e.promotion = nil
	e.setState(StateReconciling, fmt.Sprintf("%s recovered", p.From))
	e.emit(ctx, events.New(events.ReconciliationStarted, events.SeverityInfo, string(p.From),
		fmt.Sprintf("%s demoted to secondary; replicating from %s", p.From, p.To)).
		With("channels", channelStrings(ids)))

	e.checkReconciliation(ctx)
}

// checkReconciliation returns to STEADY once every re-established channel
// is within rpo, or when the deadline passes
func (e *Engine) checkReconciliation(ctx context.Context) {
	r := e.reconciliation
	if r == nil {
		return
	}

	var pending []string
	for _, id := range r.Channels {
		status, err := e.replication.LagStatus(id)
		if err != nil || status != replication.StatusWithinRPO {
			pending = append(pending, string(id))
		}
	}

	if len(pending) == 0 {
		e.emit(ctx, events.New(events.ReconciliationComplete, events.SeverityInfo, string(r.Demoted),
			fmt.Sprintf("%s is a secondary of %s within rpo", r.Demoted, r.Primary)))
		e.reconciliation = nil
		e.setState(StateSteady, "replication re-established")
		return
	}

	if !e.now().Before(r.Deadline) {
		e.emit(ctx, events.New(events.ReconciliationTimeout, events.SeverityCritical, string(r.Demoted),
			"re-established replication did not reach rpo in time; manual remediation required").
			With("pending_channels", pending))
		e.reconciliation = nil
		e.setState(StateSteady, "reconciliation timed out")
	}
}
