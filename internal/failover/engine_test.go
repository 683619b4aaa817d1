package failover

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/FairForge/drcore/internal/audit"
	"github.com/FairForge/drcore/internal/consistency"
	"github.com/FairForge/drcore/internal/events"
	"github.com/FairForge/drcore/internal/health"
	"github.com/FairForge/drcore/internal/replication"
	"github.com/FairForge/drcore/internal/routing"
	"github.com/FairForge/drcore/internal/topology"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEngine_RequiresDependencies(t *testing.T) {
	_, err := NewEngine(DefaultConfig(), Dependencies{}, nil, nil)
	assert.Error(t, err)
}

func TestEngine_DuplicateBreachIsNoOp(t *testing.T) {
	h := newHarness(t, func(_ *Config, d *Dependencies) { d.Router = failingRouter{Router: d.Router} })
	h.start()
	ctx := context.Background()

	h.lag(rel(use1, use2), time.Second)
	h.probe(use1, health.StatusFail, 2)
	h.waitState(StateSteady)
	require.Eventually(t, func() bool { return len(h.records()) == 1 }, waitFor, pollEvery)

	// replaying the same breach after the aborted attempt changes nothing
	for i := 0; i < 3; i++ {
		require.NoError(t, h.engine.HealthBreach(ctx, use1, 1))
	}
	records := h.records()
	require.Len(t, records, 1)
	assert.Equal(t, audit.OutcomeAborted, records[0].Resolution.Outcome)
	assert.Equal(t, 1, h.bus.Count(events.RoutingUpdateConflict))

	t.Run("a new epoch is a new breach", func(t *testing.T) {
		err := h.engine.HealthBreach(ctx, use1, 2)
		assert.ErrorIs(t, err, ErrRoutingUpdateConflict)
		assert.Len(t, h.records(), 2)
	})
}

func TestEngine_RoutingConflictsExhausted(t *testing.T) {
	h := newHarness(t, func(c *Config, d *Dependencies) {
		c.RoutingRetries = 2
		d.Router = conflictingRouter{Router: d.Router}
	})
	h.start()

	h.lag(rel(use1, use2), time.Second)
	h.probe(use1, health.StatusFail, 2)
	h.waitState(StateSteady)
	require.Eventually(t, func() bool { return h.bus.Count(events.RoutingUpdateConflict) == 1 }, waitFor, pollEvery)

	primary, _ := h.registry.Primary()
	assert.Equal(t, use1, primary.ID, "registry untouched")
	assert.Equal(t, use1, h.activeRoute())

	records := h.records()
	require.Len(t, records, 1)
	require.NotNil(t, records[0].Resolution)
	assert.Equal(t, audit.OutcomeAborted, records[0].Resolution.Outcome)
	assert.Contains(t, records[0].Resolution.Reason, "retries exhausted")
	assert.Equal(t, []State{StateEvaluating, StatePromoting, StateAborted, StateSteady}, h.statesVisited())
}

func TestEngine_PartialFailureHaltsPair(t *testing.T) {
	controller := &fakeController{promoteErr: errors.New("replica refused promotion")}
	h := newHarness(t, func(_ *Config, d *Dependencies) { d.Controller = controller })
	h.start()
	ctx := context.Background()

	h.lag(rel(use1, use2), time.Second)
	h.lag(rel(use1, usw2), 3*time.Second)

	err := h.engine.ForcePromote(ctx, use2, "drill")
	require.ErrorIs(t, err, ErrPromotionPartialFailure)

	status := h.engine.Status()
	assert.Equal(t, StateSteady, status.State)
	require.Len(t, status.Halted, 1)
	assert.Equal(t, Pair{From: use1, To: use2}, status.Halted[0].Pair)
	require.NotNil(t, status.LastDecision)
	assert.Equal(t, audit.OutcomeAborted, status.LastDecision.Outcome)

	primary, _ := h.registry.Primary()
	assert.Equal(t, use1, primary.ID, "role record unchanged")
	assert.Equal(t, use2, h.activeRoute(), "routing commit is not undone")

	recent := h.bus.Recent(string(events.PromotionPartialFailure), 1)
	require.Len(t, recent, 1)
	assert.Equal(t, events.SeverityCritical, recent[0].Severity)

	t.Run("halted pair refuses further promotion", func(t *testing.T) {
		err := h.engine.ForcePromote(ctx, use2, "again")
		assert.ErrorIs(t, err, ErrPairHalted)
	})

	t.Run("automatic evaluation skips the halted pair", func(t *testing.T) {
		controller.setPromoteErr(nil)
		h.probe(use1, health.StatusFail, 2)
		h.waitState(StatePromoted)

		primary, _ := h.registry.Primary()
		assert.Equal(t, usw2, primary.ID)
	})

	t.Run("clear halt", func(t *testing.T) {
		assert.ErrorIs(t, h.engine.ClearHalt(ctx, use2, use1), ErrPairNotHalted)
		require.NoError(t, h.engine.ClearHalt(ctx, use1, use2))
		assert.Empty(t, h.engine.Status().Halted)
	})
}

func TestEngine_ForcePromoteBypassesRPO(t *testing.T) {
	h := newHarness(t)
	h.start()
	ctx := context.Background()

	h.lag(rel(use1, use2), time.Hour)

	require.ErrorIs(t, h.engine.ForcePromote(ctx, "eu-west-1", "drill"), ErrUnknownRegion)
	require.ErrorIs(t, h.engine.ForcePromote(ctx, use1, "drill"), ErrAlreadyPrimary)

	require.NoError(t, h.engine.ForcePromote(ctx, use2, "region evacuation"))
	assert.Equal(t, StatePromoted, h.engine.Status().State)

	records := h.records()
	require.Len(t, records, 1)
	assert.True(t, records[0].Forced)
	assert.Equal(t, "forced: region evacuation", records[0].TriggerReason)
	assert.Equal(t, replication.StatusExceedsRPO, records[0].ReplicationSnapshot.MaxLagStatus(use2))

	primary, _ := h.registry.Primary()
	assert.Equal(t, use2, primary.ID)
}

func TestEngine_BlockAutoFailover(t *testing.T) {
	h := newHarness(t)
	h.start()
	ctx := context.Background()

	assert.ErrorIs(t, h.engine.BlockAutoFailover(ctx, "past", time.Now().Add(-time.Second)), ErrInvalidOverride)
	require.NoError(t, h.engine.BlockAutoFailover(ctx, "maintenance", time.Now().Add(time.Hour)))

	h.lag(rel(use1, use2), time.Second)
	h.probe(use1, health.StatusFail, 2)
	h.waitState(StateEvaluating)
	require.Eventually(t, func() bool { return h.bus.Count(events.AutoFailoverBlocked) == 1 }, waitFor, pollEvery)

	status := h.engine.Status()
	require.NotNil(t, status.Block)
	assert.Equal(t, "maintenance", status.Block.Reason)
	assert.Contains(t, status.Blocker, "maintenance")
	assert.Empty(t, h.records())

	require.NoError(t, h.engine.UnblockAutoFailover(ctx))
	assert.Equal(t, StatePromoted, h.engine.Status().State)
	assert.Nil(t, h.engine.Status().Block)
}

func TestEngine_BlockExpires(t *testing.T) {
	h := newHarness(t)
	h.start()

	require.NoError(t, h.engine.BlockAutoFailover(context.Background(), "short", time.Now().Add(30*time.Millisecond)))
	h.lag(rel(use1, use2), time.Second)
	h.probe(use1, health.StatusFail, 2)

	h.waitState(StatePromoted)
	assert.Equal(t, 1, h.bus.Count(events.AutoFailoverBlocked))
}

func TestEngine_RegistryChangeSendsBackToEvaluation(t *testing.T) {
	var registry *bumpingRegistry
	h := newHarness(t, func(_ *Config, d *Dependencies) {
		registry = &bumpingRegistry{Registry: d.Registry.(*topology.Registry), bumps: 1}
		d.Registry = registry
	})
	h.start()

	h.lag(rel(use1, use2), time.Second)
	h.probe(use1, health.StatusFail, 2)
	h.waitState(StatePromoted)

	records := h.records()
	require.Len(t, records, 2)
	assert.Equal(t, audit.OutcomeCommitted, records[0].Resolution.Outcome)
	assert.Equal(t, audit.OutcomeAborted, records[1].Resolution.Outcome)
	assert.Equal(t, "registry changed during evaluation", records[1].Resolution.Reason)

	primary, _ := h.registry.Primary()
	assert.Equal(t, use2, primary.ID)
}

func TestEngine_RecoversInterruptedDecisions(t *testing.T) {
	ctx := context.Background()

	t.Run("routing already moved: partial failure", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.router.Apply(ctx, routing.PolicyFor(routing.ModeFailover, recordSet,
			testRegions()[1], testRegions()), 0)
		require.NoError(t, err)

		pending := audit.Decision{ID: uuid.New(), From: use1, To: use2, TriggerReason: "health breach", TriggerEpoch: 1}
		require.NoError(t, h.journal.Append(ctx, pending))

		h.start()

		records := h.records()
		require.Len(t, records, 1)
		require.NotNil(t, records[0].Resolution)
		assert.Equal(t, audit.OutcomeAborted, records[0].Resolution.Outcome)
		assert.Contains(t, records[0].Resolution.Reason, "partial failure")

		status := h.engine.Status()
		require.Len(t, status.Halted, 1)
		assert.Equal(t, Pair{From: use1, To: use2}, status.Halted[0].Pair)
		assert.Equal(t, 1, h.bus.Count(events.PromotionPartialFailure))
	})

	t.Run("routing untouched: aborted", func(t *testing.T) {
		h := newHarness(t)
		pending := audit.Decision{ID: uuid.New(), From: use1, To: use2, TriggerReason: "health breach", TriggerEpoch: 1}
		require.NoError(t, h.journal.Append(ctx, pending))

		h.start()

		records := h.records()
		require.Len(t, records, 1)
		require.NotNil(t, records[0].Resolution)
		assert.Equal(t, audit.OutcomeAborted, records[0].Resolution.Outcome)
		assert.Equal(t, "interrupted", records[0].Resolution.Reason)
		assert.Empty(t, h.engine.Status().Halted)
		assert.Equal(t, use1, h.activeRoute())
	})
}

type recordingAuditor struct {
	mu      sync.Mutex
	audited []topology.RegionID
}

func (a *recordingAuditor) Baseline(region topology.RegionID) (consistency.Snapshot, bool) {
	return consistency.Snapshot{Region: region}, true
}

func (a *recordingAuditor) Audit(_ context.Context, from, to topology.RegionID, _ consistency.Snapshot) (consistency.Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.audited = append(a.audited, from, to)
	return consistency.Result{Outcome: consistency.Converged, From: from, To: to}, nil
}

func (a *recordingAuditor) calls() []topology.RegionID {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]topology.RegionID(nil), a.audited...)
}

func TestEngine_SchedulesConsistencyAudit(t *testing.T) {
	auditor := &recordingAuditor{}
	h := newHarness(t, func(_ *Config, d *Dependencies) { d.Auditor = auditor })
	h.start()

	require.NoError(t, h.engine.ForcePromote(context.Background(), use2, "drill"))
	require.Eventually(t, func() bool {
		return len(auditor.calls()) == 2
	}, waitFor, pollEvery)
	assert.Equal(t, []topology.RegionID{use1, use2}, auditor.calls())
}

func TestEngine_StoppedEngineRejectsCommands(t *testing.T) {
	h := newHarness(t)
	h.start()
	h.stop()

	err := h.engine.ForcePromote(context.Background(), use2, "late")
	assert.ErrorIs(t, err, ErrEngineStopped)
	assert.Error(t, h.engine.Run(context.Background()), "run only once")
}

func TestStatus_IsACopy(t *testing.T) {
	h := newHarness(t)
	h.start()

	status := h.engine.Status()
	status.History = append(status.History, TransitionRecord{To: StateAborted})
	assert.Empty(t, h.engine.Status().History)
}

// Under concurrent probe storms on every region the role record always
// names exactly one primary, and every automatic promotion was backed by a
// within-rpo snapshot of its target.
func TestEngine_SinglePrimaryUnderProbeStorm(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping probe storm in short mode")
	}

	h := newHarness(t)
	h.start()

	var stop atomic.Bool
	var wg sync.WaitGroup

	// probes
	for i, region := range []topology.RegionID{use1, use2, usw2} {
		wg.Add(1)
		go func(region topology.RegionID, seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			ts := time.Now()
			for i := 0; i < 400; i++ {
				ts = ts.Add(time.Millisecond)
				status := health.StatusOK
				if rng.Intn(3) == 0 {
					status = health.StatusFail
				}
				_, err := h.monitor.RecordHealth(region, health.Probe{Timestamp: ts, Status: status})
				assert.NoError(t, err)
				if i%20 == 0 {
					time.Sleep(time.Millisecond)
				}
			}
		}(region, int64(i+1))
	}

	// lag samples on whatever channels currently exist
	wg.Add(1)
	go func() {
		defer wg.Done()
		rng := rand.New(rand.NewSource(42))
		for !stop.Load() {
			for _, ch := range h.coord.Channels() {
				lag := time.Duration(rng.Intn(8000)) * time.Millisecond
				_ = h.coord.ObserveLag(ch.ID, lag, time.Now())
			}
			time.Sleep(time.Millisecond)
		}
	}()

	// invariant checker
	violations := make(chan string, 1)
	checkerDone := make(chan struct{})
	go func() {
		defer close(checkerDone)
		for !stop.Load() {
			snap := h.registry.Snapshot()
			primaries := 0
			for _, r := range snap.Regions {
				if r.Role == topology.RolePrimary {
					primaries++
					if r.ID != snap.Primary {
						select {
						case violations <- "primary role and record disagree":
						default:
						}
					}
				}
			}
			if primaries != 1 {
				select {
				case violations <- "primary count is not one":
				default:
				}
			}
		}
	}()

	time.Sleep(100 * time.Millisecond)
	stop.Store(true)
	wg.Wait()
	<-checkerDone
	h.stop()

	select {
	case v := <-violations:
		t.Fatal(v)
	default:
	}

	committed := 0
	for _, r := range h.records() {
		require.NotNil(t, r.Resolution, "no decision left pending")
		if r.Resolution.Outcome != audit.OutcomeCommitted {
			continue
		}
		committed++
		if !r.Forced {
			assert.Equal(t, replication.StatusWithinRPO, r.ReplicationSnapshot.MaxLagStatus(r.To),
				"decision %s promoted %s without rpo confidence", r.ID, r.To)
		}
	}
	assert.Equal(t, committed, h.bus.Count(events.PromotionCommitted))

	primary, _ := h.registry.Primary()
	assert.Equal(t, primary.ID, h.activeRoute(), "routing follows the role record")
}

func TestEngine_RestoresCommittedPrimaryAfterRestart(t *testing.T) {
	first := newHarness(t)
	first.start()
	require.NoError(t, first.engine.ForcePromote(context.Background(), use2, "drill"))
	first.stop()

	second := first.restarted()
	second.start()
	require.Eventually(t, func() bool { return second.bus.Count(events.PrimaryRestored) == 1 }, waitFor, pollEvery)

	primary, _ := second.registry.Primary()
	assert.Equal(t, use2, primary.ID)
	assert.Equal(t, use2, second.activeRoute())
	assert.Empty(t, second.engine.Status().Halted)
	assert.Equal(t, 0, second.bus.Count(events.PromotionPartialFailure))

	_, err := second.coord.Channel(rel(use2, usw2))
	assert.NoError(t, err, "channels follow the restored primary")
	_, err = second.coord.Channel(rel(use1, usw2))
	assert.ErrorIs(t, err, replication.ErrUnknownChannel)

	t.Run("a breach is evaluated against the restored primary", func(t *testing.T) {
		second.waitState(StateReconciling)
		second.lag(rel(use2, use1), time.Second)
		second.waitState(StateSteady)

		second.lag(rel(use2, usw2), 500*time.Millisecond)
		second.probe(use2, health.StatusFail, 2)
		second.waitState(StatePromoted)

		primary, _ := second.registry.Primary()
		assert.Equal(t, usw2, primary.ID)
		assert.Equal(t, usw2, second.activeRoute())
	})
}

func TestEngine_UnexplainedRoutingMismatchHaltsPair(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	target, _ := h.registry.Region(use2)
	_, err := h.router.Apply(ctx, routing.PolicyFor(routing.ModeFailover, recordSet, target, h.registry.Secondaries()), 0)
	require.NoError(t, err)

	h.start()
	require.Eventually(t, func() bool { return h.bus.Count(events.PromotionPartialFailure) == 1 }, waitFor, pollEvery)

	status := h.engine.Status()
	require.Len(t, status.Halted, 1)
	assert.Equal(t, Pair{From: use1, To: use2}, status.Halted[0].Pair)
	assert.Equal(t, StateSteady, status.State)

	primary, _ := h.registry.Primary()
	assert.Equal(t, use1, primary.ID, "registry is left for the operator")
	assert.ErrorIs(t, h.engine.ForcePromote(ctx, use2, "repair"), ErrPairHalted)
}

func TestEngine_IngestionDoesNotWaitOnPromotion(t *testing.T) {
	var router *blockingRouter
	h := newHarness(t, withRouter(func(inner Router) Router {
		router = newBlockingRouter(inner)
		return router
	}))
	h.start()

	h.lag(rel(use1, use2), time.Second)
	h.probe(use1, health.StatusFail, 2)
	select {
	case <-router.entered:
	case <-time.After(waitFor):
		t.Fatal("promotion never reached routing")
	}
	assert.Equal(t, StatePromoting, h.engine.Status().State)

	ingested := make(chan struct{})
	go func() {
		defer close(ingested)
		ts := time.Now()
		cycle := []health.Status{health.StatusFail, health.StatusFail, health.StatusOK, health.StatusOK, health.StatusOK}
		for i := 0; i < 200; i++ {
			for _, status := range cycle {
				ts = ts.Add(time.Millisecond)
				_, err := h.monitor.RecordHealth(usw2, health.Probe{Timestamp: ts, Status: status})
				assert.NoError(t, err)
			}
		}
	}()
	select {
	case <-ingested:
	case <-time.After(waitFor):
		t.Fatal("health ingestion for us-west-2 waited on the promotion in progress")
	}

	close(router.release)
	h.waitState(StatePromoted)
	assert.Len(t, h.records(), 1)
	primary, _ := h.registry.Primary()
	assert.Equal(t, use2, primary.ID)
}

func TestEngine_CancelBeforeRoutingCommitAborts(t *testing.T) {
	var router *blockingRouter
	h := newHarness(t, withRouter(func(inner Router) Router {
		router = newBlockingRouter(inner)
		return router
	}))
	h.start()

	promoted := make(chan error, 1)
	go func() { promoted <- h.engine.ForcePromote(context.Background(), use2, "drill") }()
	select {
	case <-router.entered:
	case <-time.After(waitFor):
		t.Fatal("promotion never reached routing")
	}

	h.stop()
	err := <-promoted
	assert.Error(t, err)

	primary, _ := h.registry.Primary()
	assert.Equal(t, use1, primary.ID, "roles unchanged")
	assert.Equal(t, use1, h.activeRoute())

	records := h.records()
	require.Len(t, records, 1)
	require.NotNil(t, records[0].Resolution)
	assert.Equal(t, audit.OutcomeAborted, records[0].Resolution.Outcome)
	assert.Equal(t, StateSteady, h.engine.Status().State)
}

func TestEngine_CancelAfterRoutingCommitStillPromotes(t *testing.T) {
	var router *blockingRouter
	h := newHarness(t, withRouter(func(inner Router) Router {
		router = newBlockingRouter(inner)
		return router
	}))
	h.start()
	router.onCommit = h.cancel
	close(router.release)

	err := h.engine.ForcePromote(context.Background(), use2, "drill")
	if err != nil {
		assert.ErrorIs(t, err, ErrEngineStopped)
	}
	h.stop()

	primary, _ := h.registry.Primary()
	assert.Equal(t, use2, primary.ID)
	assert.Equal(t, use2, h.activeRoute())

	records := h.records()
	require.Len(t, records, 1)
	require.NotNil(t, records[0].Resolution)
	assert.Equal(t, audit.OutcomeCommitted, records[0].Resolution.Outcome)
	assert.Contains(t, []State{StatePromoted, StateReconciling}, h.engine.Status().State)
}

func TestEngine_ReloadAfterPromotionKeepsCurrentChannels(t *testing.T) {
	declared := []replication.Channel{
		{Source: use1, Dest: use2, StoreKind: replication.StoreRelational, TargetRPO: 5 * time.Second},
		{Source: use1, Dest: usw2, StoreKind: replication.StoreRelational, TargetRPO: 5 * time.Second},
	}

	h := newHarness(t)
	h.start()
	require.NoError(t, h.engine.ForcePromote(context.Background(), use2, "drill"))
	h.waitState(StateReconciling)

	require.NoError(t, h.coord.SyncChannels(declared, use1, use2))

	for _, ch := range h.coord.Channels() {
		assert.NotEqual(t, use1, ch.Source, "channel %s fed by the demoted region", ch.ID)
	}
	_, err := h.coord.Channel(rel(use2, use1))
	require.NoError(t, err, "re-established channel survives the reload")
	_, err = h.coord.Channel(rel(use2, usw2))
	require.NoError(t, err)

	h.lag(rel(use2, use1), time.Second)
	h.waitState(StateSteady)

	primary, _ := h.registry.Primary()
	assert.Equal(t, use2, primary.ID)
}

func TestEngine_ReconciliationWaitsOnDroppedChannel(t *testing.T) {
	h := newHarness(t)
	h.start()
	require.NoError(t, h.engine.ForcePromote(context.Background(), use2, "drill"))
	h.waitState(StateReconciling)

	require.NoError(t, h.coord.SyncChannels([]replication.Channel{
		{Source: use1, Dest: usw2, StoreKind: replication.StoreRelational, TargetRPO: 5 * time.Second},
	}, use1, use2))
	_, err := h.coord.Channel(rel(use2, use1))
	require.ErrorIs(t, err, replication.ErrUnknownChannel)

	assert.Never(t, func() bool {
		return h.engine.Status().State == StateSteady
	}, 50*time.Millisecond, pollEvery, "reconciliation completed without a sample")
	assert.Equal(t, 0, h.bus.Count(events.ReconciliationComplete))
}
