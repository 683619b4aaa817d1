// internal/failover/engine.go
package failover

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/FairForge/drcore/internal/audit"
	"github.com/FairForge/drcore/internal/consistency"
	"github.com/FairForge/drcore/internal/events"
	"github.com/FairForge/drcore/internal/health"
	"github.com/FairForge/drcore/internal/metrics"
	"github.com/FairForge/drcore/internal/replication"
	"github.com/FairForge/drcore/internal/routing"
	"github.com/FairForge/drcore/internal/topology"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

// Registry is the role record the engine reads and swaps
type Registry interface {
	Primary() (topology.Region, uint64)
	Version() uint64
	Region(id topology.RegionID) (topology.Region, bool)
	Snapshot() topology.Snapshot
	SwapPrimary(expectedVersion uint64, newPrimary topology.RegionID) (uint64, error)
}

// HealthView exposes per-region health state
type HealthView interface {
	Region(id topology.RegionID) (health.RegionHealth, error)
}

// ReplicationView exposes lag verdicts and channel topology changes
type ReplicationView interface {
	LagStatus(id replication.ChannelID) (replication.LagStatus, error)
	Snapshot() replication.Snapshot
	Repoint(oldPrimary, newPrimary topology.RegionID) []replication.ChannelID
	Reestablish(source, dest topology.RegionID) []replication.ChannelID
}

// Router commits routing policies
type Router interface {
	Apply(ctx context.Context, policy routing.Policy, expectedVersion uint64) (routing.Result, error)
	Get(ctx context.Context, recordSetID string) (routing.Policy, error)
	Version(ctx context.Context, recordSetID string) (uint64, error)
}

// Auditor runs the post-failover consistency check
type Auditor interface {
	Baseline(region topology.RegionID) (consistency.Snapshot, bool)
	Audit(ctx context.Context, from, to topology.RegionID, before consistency.Snapshot) (consistency.Result, error)
}

// StoreController promotes and demotes the data stores of a region, e.g.
// detaching a read replica. Vendor specifics live behind it.
type StoreController interface {
	Promote(ctx context.Context, region topology.RegionID) error
	Demote(ctx context.Context, region topology.RegionID) error
}

// Dependencies are the collaborators of the engine. Registry, Health,
// Replication and Router are required.
type Dependencies struct {
	Registry    Registry
	Health      HealthView
	Replication ReplicationView
	Router      Router
	Journal     audit.Journal
	Auditor     Auditor
	Controller  StoreController
	Bus         events.EventBus
}

// Config configures the decision engine
type Config struct {
	RecordSetID        string        `yaml:"record_set_id" validate:"required"`
	RoutingMode        routing.Mode  `yaml:"routing_mode" validate:"oneof=failover weighted"`
	EvaluationInterval time.Duration `yaml:"evaluation_interval" validate:"gt=0"`
	RoutingRetries     int           `yaml:"routing_retries" validate:"gte=0"`
	RegistryRetries    int           `yaml:"registry_retries" validate:"gte=0"`
	ReconcileTimeout   time.Duration `yaml:"reconcile_timeout" validate:"gt=0"`
	IdempotencyTTL     time.Duration `yaml:"idempotency_ttl" validate:"gt=0"`
	AuditTimeout       time.Duration `yaml:"audit_timeout" validate:"gt=0"`
	MailboxSize        int           `yaml:"mailbox_size" validate:"gte=1"`
	HistorySize        int           `yaml:"history_size" validate:"gte=1"`
}

// DefaultConfig returns the default engine configuration
func DefaultConfig() Config {
	return Config{
		RecordSetID:        "primary",
		RoutingMode:        routing.ModeFailover,
		EvaluationInterval: 5 * time.Second,
		RoutingRetries:     3,
		RegistryRetries:    3,
		ReconcileTimeout:   15 * time.Minute,
		IdempotencyTTL:     24 * time.Hour,
		AuditTimeout:       2 * time.Minute,
		MailboxSize:        64,
		HistorySize:        100,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.RecordSetID == "" {
		c.RecordSetID = d.RecordSetID
	}
	if c.RoutingMode == "" {
		c.RoutingMode = d.RoutingMode
	}
	if c.EvaluationInterval <= 0 {
		c.EvaluationInterval = d.EvaluationInterval
	}
	if c.RoutingRetries < 0 {
		c.RoutingRetries = 0
	}
	if c.RegistryRetries < 0 {
		c.RegistryRetries = 0
	}
	if c.ReconcileTimeout <= 0 {
		c.ReconcileTimeout = d.ReconcileTimeout
	}
	if c.IdempotencyTTL <= 0 {
		c.IdempotencyTTL = d.IdempotencyTTL
	}
	if c.AuditTimeout <= 0 {
		c.AuditTimeout = d.AuditTimeout
	}
	if c.MailboxSize <= 0 {
		c.MailboxSize = d.MailboxSize
	}
	if c.HistorySize <= 0 {
		c.HistorySize = d.HistorySize
	}
}

type command struct {
	run   func(ctx context.Context) error
	reply chan error
}

// Engine is the failover state machine. Every command is processed by the
// goroutine running Run, so at most one decision is in flight.
type Engine struct {
	config      Config
	registry    Registry
	health      HealthView
	replication ReplicationView
	router      Router
	journal     audit.Journal
	auditor     Auditor
	controller  StoreController
	bus         events.EventBus
	logger      *zap.Logger
	metrics     *metrics.Collector

	mailbox chan command
	done    chan struct{}

	// health transitions coalesced per region until the Run goroutine
	// drains them
	signalMu  sync.Mutex
	breaches  map[topology.RegionID]uint64
	recovered map[topology.RegionID]bool
	wake      chan struct{}

	running sync.Once
	seen    *cache.Cache
	audits  sync.WaitGroup
	now     func() time.Time

	// owned by the Run goroutine
	state          State
	cycle          *Cycle
	block          *Block
	halted         map[Pair]HaltedPair
	promotion      *Pair
	reconciliation *Reconciliation
	routingVersion uint64
	blocker        string
	lastDecision   *DecisionSummary
	history        []TransitionRecord
	notified       map[string]bool

	mu     sync.RWMutex
	status Status
}

// NewEngine creates an engine in STEADY
func NewEngine(config Config, deps Dependencies, logger *zap.Logger, collector *metrics.Collector) (*Engine, error) {
	if deps.Registry == nil || deps.Health == nil || deps.Replication == nil || deps.Router == nil {
		return nil, fmt.Errorf("failover: registry, health, replication and router are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	config.applyDefaults()
	if deps.Journal == nil {
		deps.Journal = audit.NewMemoryJournal()
	}

	e := &Engine{
		config:      config,
		registry:    deps.Registry,
		health:      deps.Health,
		replication: deps.Replication,
		router:      deps.Router,
		journal:     deps.Journal,
		auditor:     deps.Auditor,
		controller:  deps.Controller,
		bus:         deps.Bus,
		logger:      logger,
		metrics:     collector,
		mailbox:     make(chan command, config.MailboxSize),
		done:        make(chan struct{}),
		breaches:    make(map[topology.RegionID]uint64),
		recovered:   make(map[topology.RegionID]bool),
		wake:        make(chan struct{}, 1),
		seen:        cache.New(config.IdempotencyTTL, config.IdempotencyTTL/2),
		now:         time.Now,
		state:       StateSteady,
		halted:      make(map[Pair]HaltedPair),
		notified:    make(map[string]bool),
	}
	e.metrics.SetFailoverState(string(StateSteady))
	e.publishStatus()
	return e, nil
}

// Run recovers interrupted decisions, then processes commands until ctx is
// done. It must be called once.
func (e *Engine) Run(ctx context.Context) error {
	started := false
	e.running.Do(func() { started = true })
	if !started {
		return fmt.Errorf("failover: engine already running")
	}
	defer func() {
		close(e.done)
		e.audits.Wait()
	}()

	if err := e.bootstrapRouting(ctx); err != nil {
		return err
	}
	if err := e.recoverPending(ctx); err != nil {
		return err
	}
	if err := e.restorePrimary(ctx); err != nil {
		return err
	}
	e.publishStatus()

	ticker := time.NewTicker(e.config.EvaluationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd := <-e.mailbox:
			err := cmd.run(ctx)
			e.publishStatus()
			if cmd.reply != nil {
				cmd.reply <- err
			}
		case <-e.wake:
			e.drainSignals(ctx)
			e.publishStatus()
		case <-ticker.C:
			e.tick(ctx)
			e.publishStatus()
		}
	}
}

// call queues a command and waits for its result
func (e *Engine) call(ctx context.Context, run func(ctx context.Context) error) error {
	reply := make(chan error, 1)
	select {
	case e.mailbox <- command{run: run, reply: reply}:
	case <-e.done:
		return ErrEngineStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-reply:
		return err
	case <-e.done:
		return ErrEngineStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Observe feeds a health transition into the engine. It is meant to be
// subscribed to the health monitor and never blocks: breaches are kept per
// region at their latest epoch and recoveries are coalesced, so the
// ingestion path does not wait on a promotion in progress.
func (e *Engine) Observe(t health.Transition) {
	e.signalMu.Lock()
	switch {
	case t.IsBreach():
		if t.Epoch > e.breaches[t.Region] {
			e.breaches[t.Region] = t.Epoch
		}
		delete(e.recovered, t.Region)
	case t.To == health.StateHealthy:
		e.recovered[t.Region] = true
	default:
		e.signalMu.Unlock()
		return
	}
	e.signalMu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// drainSignals handles queued breaches, then recoveries
func (e *Engine) drainSignals(ctx context.Context) {
	e.signalMu.Lock()
	breaches, recovered := e.breaches, e.recovered
	e.breaches = make(map[topology.RegionID]uint64)
	e.recovered = make(map[topology.RegionID]bool)
	e.signalMu.Unlock()

	for _, region := range sortedRegions(breaches) {
		if err := e.onBreach(ctx, region, breaches[region], "health breach"); err != nil {
			e.logger.Warn("health breach not acted on",
				zap.String("region", string(region)),
				zap.Uint64("epoch", breaches[region]),
				zap.Error(err))
		}
	}
	for _, region := range sortedRegions(recovered) {
		e.onRecovered(ctx, region)
	}
}

func sortedRegions[V any](m map[topology.RegionID]V) []topology.RegionID {
	out := make([]topology.RegionID, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// HealthBreach handles a breach of region at epoch and waits for the
// resulting decision, if any
func (e *Engine) HealthBreach(ctx context.Context, region topology.RegionID, epoch uint64) error {
	return e.call(ctx, func(ctx context.Context) error {
		return e.onBreach(ctx, region, epoch, "health breach")
	})
}

// ForcePromote promotes region regardless of replication confidence and of
// any block. Halted pairs are still refused.
func (e *Engine) ForcePromote(ctx context.Context, region topology.RegionID, reason string) error {
	return e.call(ctx, func(ctx context.Context) error {
		return e.forcePromote(ctx, region, reason)
	})
}

// BlockAutoFailover keeps automatic promotion off until until
func (e *Engine) BlockAutoFailover(ctx context.Context, reason string, until time.Time) error {
	return e.call(ctx, func(ctx context.Context) error {
		if !until.After(e.now()) {
			return fmt.Errorf("%w: block must end in the future", ErrInvalidOverride)
		}
		e.block = &Block{Reason: reason, Until: until}
		e.logger.Warn("automatic failover blocked",
			zap.String("reason", reason),
			zap.Time("until", until))
		return nil
	})
}

// UnblockAutoFailover lifts a block and re-evaluates a pending cycle
func (e *Engine) UnblockAutoFailover(ctx context.Context) error {
	return e.call(ctx, func(ctx context.Context) error {
		if e.block == nil {
			return nil
		}
		e.block = nil
		e.logger.Info("automatic failover unblocked")
		if e.state == StateEvaluating {
			return e.evaluate(ctx)
		}
		return nil
	})
}

// ClearHalt re-enables promotion for a halted pair after manual repair
func (e *Engine) ClearHalt(ctx context.Context, from, to topology.RegionID) error {
	return e.call(ctx, func(ctx context.Context) error {
		pair := Pair{From: from, To: to}
		if _, ok := e.halted[pair]; !ok {
			return fmt.Errorf("%w: %s -> %s", ErrPairNotHalted, from, to)
		}
		delete(e.halted, pair)
		e.logger.Info("region pair halt cleared",
			zap.String("from", string(from)),
			zap.String("to", string(to)))
		return nil
	})
}

// Status returns a copy of the current state
func (e *Engine) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status.clone()
}

func (e *Engine) tick(ctx context.Context) {
	switch e.state {
	case StateEvaluating:
		if err := e.evaluate(ctx); err != nil {
			e.logger.Warn("evaluation failed", zap.Error(err))
		}
	case StatePromoted:
		if e.promotion != nil && e.isHealthy(e.promotion.From) {
			e.startReconciliation(ctx)
		}
	case StateReconciling:
		e.checkReconciliation(ctx)
	}
}

func (e *Engine) onRecovered(ctx context.Context, region topology.RegionID) {
	if !e.isHealthy(region) {
		return
	}
	switch {
	case e.state == StateEvaluating && e.cycle != nil && !e.cycle.Forced && e.cycle.From == region:
		e.resolveBreach(ctx)
	case e.state == StatePromoted && e.promotion != nil && e.promotion.From == region:
		e.startReconciliation(ctx)
	}
}

func (e *Engine) isHealthy(region topology.RegionID) bool {
	h, err := e.health.Region(region)
	return err == nil && h.State == health.StateHealthy
}

func (e *Engine) setState(next State, reason string) {
	if next == e.state {
		return
	}
	record := TransitionRecord{From: e.state, To: next, Reason: reason, At: e.now()}
	e.history = append(e.history, record)
	if len(e.history) > e.config.HistorySize {
		e.history = e.history[len(e.history)-e.config.HistorySize:]
	}
	e.state = next
	if next != StateEvaluating {
		e.blocker = ""
	}

	e.metrics.SetFailoverState(string(next))
	e.logger.Info("failover state changed",
		zap.String("from", string(record.From)),
		zap.String("to", string(next)),
		zap.String("reason", reason))
	e.publishStatus()
}

func (e *Engine) publishStatus() {
	primary, version := e.registry.Primary()
	status := Status{
		State:           e.state,
		Primary:         primary.ID,
		RegistryVersion: version,
		RoutingVersion:  e.routingVersion,
		Blocker:         e.blocker,
		Cycle:           e.cycle,
		Block:           e.block,
		Reconciliation:  e.reconciliation,
		LastDecision:    e.lastDecision,
		History:         e.history,
	}
	for _, h := range e.halted {
		status.Halted = append(status.Halted, h)
	}
	sortHalted(status.Halted)

	snapshot := status.clone()
	e.mu.Lock()
	e.status = snapshot
	e.mu.Unlock()
}

// notifyOnce publishes an event once per evaluation cycle
func (e *Engine) notifyOnce(ctx context.Context, key string, event events.Event) {
	if e.notified[key] {
		return
	}
	e.notified[key] = true
	e.emit(ctx, event)
}

func (e *Engine) emit(ctx context.Context, event events.Event) {
	if e.bus == nil {
		return
	}
	if err := e.bus.Publish(ctx, event); err != nil {
		e.logger.Warn("event handler failed",
			zap.String("type", string(event.Type)),
			zap.Error(err))
	}
}
