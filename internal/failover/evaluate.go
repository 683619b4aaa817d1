package failover

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/FairForge/drcore/internal/events"
	"github.com/FairForge/drcore/internal/health"
	"github.com/FairForge/drcore/internal/replication"
	"github.com/FairForge/drcore/internal/topology"
	"go.uber.org/zap"
)

// errRegistryChanged sends a promotion back to evaluation
var errRegistryChanged = errors.New("failover: registry changed during evaluation")

type candidate struct {
	region topology.Region
	lag    time.Duration
}

func breachKey(region topology.RegionID, epoch uint64) string {
	return fmt.Sprintf("%s/%d", region, epoch)
}

func (e *Engine) onBreach(ctx context.Context, region topology.RegionID, epoch uint64, reason string) error {
	key := breachKey(region, epoch)
	if _, seen := e.seen.Get(key); seen {
		e.logger.Debug("duplicate health breach ignored",
			zap.String("region", string(region)),
			zap.Uint64("epoch", epoch))
		return nil
	}
	e.seen.SetDefault(key, e.now())

	primary, _ := e.registry.Primary()
	if region != primary.ID {
		e.logger.Info("health breach of non-primary region",
			zap.String("region", string(region)),
			zap.Uint64("epoch", epoch))
		return nil
	}

	switch e.state {
	case StateSteady, StatePromoted, StateReconciling:
	default:
		e.logger.Debug("health breach while evaluating current primary",
			zap.String("region", string(region)),
			zap.String("state", string(e.state)))
		return nil
	}

	e.promotion = nil
	e.reconciliation = nil
	e.startCycle(&Cycle{From: region, Epoch: epoch, Reason: reason})
	return e.evaluate(ctx)
}

func (e *Engine) startCycle(c *Cycle) {
	c.StartedAt = e.now()
	e.cycle = c
	e.notified = make(map[string]bool)
	e.setState(StateEvaluating, c.Reason)
}

func (e *Engine) forcePromote(ctx context.Context, region topology.RegionID, reason string) error {
	primary, _ := e.registry.Primary()
	if _, ok := e.registry.Region(region); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRegion, region)
	}
	if region == primary.ID {
		return fmt.Errorf("%w: %s", ErrAlreadyPrimary, region)
	}
	if h, ok := e.halted[Pair{From: primary.ID, To: region}]; ok {
		return fmt.Errorf("%w: %s -> %s: %s", ErrPairHalted, primary.ID, region, h.Reason)
	}

	var epoch uint64
	if h, err := e.health.Region(primary.ID); err == nil {
		epoch = h.Epoch
	}
	if reason == "" {
		reason = "operator request"
	}

	e.promotion = nil
	e.reconciliation = nil
	e.startCycle(&Cycle{
		From:   primary.ID,
		Epoch:  epoch,
		Reason: "forced: " + reason,
		Forced: true,
		Target: region,
	})
	return e.evaluate(ctx)
}

// evaluate runs the current cycle until it promotes, aborts or has to wait
func (e *Engine) evaluate(ctx context.Context) error {
	c := e.cycle
	if c == nil {
		e.setState(StateSteady, "no evaluation in progress")
		return nil
	}

	for {
		primary, version := e.registry.Primary()
		if primary.ID != c.From {
			e.cycle = nil
			e.setState(StateSteady, "primary changed during evaluation")
			return nil
		}

		snapshot := e.replication.Snapshot()
		target, ok := e.selectTarget(ctx, c, primary, snapshot)
		if !ok {
			return nil
		}

		err := e.promote(ctx, c, target, version, snapshot)
		if !errors.Is(err, errRegistryChanged) {
			return err
		}

		c.Restarts++
		if c.Restarts > e.config.RegistryRetries {
			e.cycle = nil
			e.setState(StateAborted, "registry kept changing during evaluation")
			e.setState(StateSteady, "evaluation abandoned")
			return fmt.Errorf("failover: registry changed %d times during evaluation", c.Restarts)
		}
		e.setState(StateEvaluating, "registry changed, re-evaluating")
	}
}

// selectTarget returns the region to promote, or false when the cycle has
// to wait. Replication confidence is judged on snapshot, which is also what
// the decision records.
func (e *Engine) selectTarget(ctx context.Context, c *Cycle, primary topology.Region, snapshot replication.Snapshot) (topology.Region, bool) {
	if c.Forced {
		target, ok := e.registry.Region(c.Target)
		if !ok {
			e.cycle = nil
			e.setState(StateSteady, "forced target left the topology")
			return topology.Region{}, false
		}
		return target, true
	}

	if e.isHealthy(primary.ID) {
		e.resolveBreach(ctx)
		return topology.Region{}, false
	}

	if e.block != nil {
		if e.now().Before(e.block.Until) {
			e.blocker = fmt.Sprintf("automatic failover blocked until %s: %s",
				e.block.Until.Format(time.RFC3339), e.block.Reason)
			e.notifyOnce(ctx, "blocked", events.New(events.AutoFailoverBlocked, events.SeverityWarning,
				string(primary.ID), e.blocker).
				With("reason", e.block.Reason).
				With("until", e.block.Until))
			return topology.Region{}, false
		}
		e.logger.Info("automatic failover block expired", zap.String("reason", e.block.Reason))
		e.block = nil
	}

	candidates, rejected := e.candidates(primary.ID, snapshot)
	if len(candidates) == 0 {
		e.blocker = ErrInsufficientReplicationConfidence.Error()
		e.logger.Warn("no promotion candidate within rpo",
			zap.String("primary", string(primary.ID)),
			zap.Strings("rejected", rejected))
		e.notifyOnce(ctx, "confidence", events.New(events.InsufficientReplicationConfidence, events.SeverityCritical,
			string(primary.ID), "no secondary can be promoted within its rpo; automatic failover withheld").
			With("rejected", rejected).
			With("epoch", c.Epoch))
		return topology.Region{}, false
	}

	c.Target = candidates[0].region.ID
	return candidates[0].region, true
}

// candidates returns the eligible secondaries in promotion order and a
// description of every rejected one
func (e *Engine) candidates(primary topology.RegionID, snapshot replication.Snapshot) ([]candidate, []string) {
	var out []candidate
	var rejected []string

	for _, region := range e.registry.Snapshot().Regions {
		if region.ID == primary {
			continue
		}
		if _, halted := e.halted[Pair{From: primary, To: region.ID}]; halted {
			rejected = append(rejected, string(region.ID)+": pair halted")
			continue
		}
		h, err := e.health.Region(region.ID)
		if err != nil || h.State == health.StateUnhealthy {
			rejected = append(rejected, string(region.ID)+": unhealthy")
			continue
		}
		if status := snapshot.MaxLagStatus(region.ID); status != replication.StatusWithinRPO {
			rejected = append(rejected, string(region.ID)+": "+string(status))
			continue
		}
		lag, _ := snapshot.MaxLag(region.ID)
		out = append(out, candidate{region: region, lag: lag})
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.lag != b.lag {
			return a.lag < b.lag
		}
		if a.region.Priority != b.region.Priority {
			return a.region.Priority < b.region.Priority
		}
		return a.region.ID < b.region.ID
	})
	return out, rejected
}

func (e *Engine) resolveBreach(ctx context.Context) {
	if c := e.cycle; c != nil {
		e.emit(ctx, events.New(events.BreachResolved, events.SeverityInfo, string(c.From),
			"primary recovered before a promotion was possible").
			With("epoch", c.Epoch))
	}
	e.cycle = nil
	e.setState(StateSteady, "primary recovered")
}

func (e *Engine) halt(from, to topology.RegionID, reason string) {
	e.halted[Pair{From: from, To: to}] = HaltedPair{
		Pair:   Pair{From: from, To: to},
		Reason: reason,
		At:     e.now(),
	}
}

func sortHalted(pairs []HaltedPair) {
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].From != pairs[j].From {
			return pairs[i].From < pairs[j].From
		}
		return pairs[i].To < pairs[j].To
	})
}
