package failover

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/FairForge/drcore/internal/audit"
	"github.com/FairForge/drcore/internal/events"
	"github.com/FairForge/drcore/internal/health"
	"github.com/FairForge/drcore/internal/metrics"
	"github.com/FairForge/drcore/internal/replication"
	"github.com/FairForge/drcore/internal/routing"
	"github.com/FairForge/drcore/internal/topology"
	"github.com/stretchr/testify/require"
)

const (
	use1 topology.RegionID = "us-east-1"
	use2 topology.RegionID = "us-east-2"
	usw2 topology.RegionID = "us-west-2"

	recordSet = "api"
	waitFor   = 2 * time.Second
	pollEvery = 2 * time.Millisecond
)

func testRegions() []topology.Region {
	return []topology.Region{
		{ID: use1, Role: topology.RolePrimary, Endpoint: "use1.example.com", Priority: 0},
		{ID: use2, Role: topology.RoleSecondary, Endpoint: "use2.example.com", Priority: 1},
		{ID: usw2, Role: topology.RoleSecondary, Endpoint: "usw2.example.com", Priority: 2},
	}
}

func rel(src, dst topology.RegionID) replication.ChannelID {
	return replication.DefaultChannelID(src, dst, replication.StoreRelational)
}

type harness struct {
	t         *testing.T
	registry  *topology.Registry
	monitor   *health.Monitor
	coord     *replication.Coordinator
	router    *routing.Router
	journal   *audit.MemoryJournal
	bus       *events.Bus
	collector *metrics.Collector
	engine    *Engine

	mu       sync.Mutex
	probeTS  map[topology.RegionID]time.Time
	sampleTS time.Time

	cancel   context.CancelFunc
	done     chan error
	stopOnce sync.Once
}

type option func(*Config, *Dependencies)

func newHarness(t *testing.T, opts ...option) *harness {
	t.Helper()

	registry, err := topology.NewRegistry(testRegions(), nil)
	require.NoError(t, err)

	collector := metrics.NewCollector()
	monitor := health.NewMonitor(health.Config{FailureThreshold: 2, RecoveryThreshold: 3},
		registry.IDs(), nil, collector)

	coord, err := replication.NewCoordinator(replication.DefaultConfig(), []replication.Channel{
		{Source: use1, Dest: use2, StoreKind: replication.StoreRelational, TargetRPO: 5 * time.Second},
		{Source: use1, Dest: usw2, StoreKind: replication.StoreRelational, TargetRPO: 5 * time.Second},
	}, nil, collector)
	require.NoError(t, err)

	h := &harness{
		t:         t,
		registry:  registry,
		monitor:   monitor,
		coord:     coord,
		router:    routing.NewRouter(routing.NewMemoryStore(), nil, collector),
		journal:   audit.NewMemoryJournal(),
		bus:       events.NewBus(1000, collector),
		collector: collector,
		probeTS:   make(map[topology.RegionID]time.Time),
		sampleTS:  time.Now(),
	}

	config := Config{
		RecordSetID:        recordSet,
		RoutingMode:        routing.ModeFailover,
		EvaluationInterval: 5 * time.Millisecond,
		RoutingRetries:     3,
		RegistryRetries:    3,
		ReconcileTimeout:   time.Minute,
	}
	deps := Dependencies{
		Registry:    registry,
		Health:      monitor,
		Replication: coord,
		Router:      h.router,
		Journal:     h.journal,
		Bus:         h.bus,
	}
	for _, opt := range opts {
		opt(&config, &deps)
	}

	h.engine, err = NewEngine(config, deps, nil, collector)
	require.NoError(t, err)
	monitor.Subscribe(h.engine.Observe)
	return h
}

// withStores shares routing and journal state with an earlier harness, as a
// restarted process would
func withStores(router *routing.Router, journal *audit.MemoryJournal) option {
	return func(_ *Config, deps *Dependencies) {
		deps.Router = router
		deps.Journal = journal
	}
}

// restarted builds a fresh engine over the routing and journal of h
func (h *harness) restarted(opts ...option) *harness {
	next := newHarness(h.t, append([]option{withStores(h.router, h.journal)}, opts...)...)
	next.router = h.router
	next.journal = h.journal
	return next
}

func (h *harness) start() {
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan error, 1)
	go func() { h.done <- h.engine.Run(ctx) }()
	h.t.Cleanup(h.stop)

	require.Eventually(h.t, func() bool {
		return h.engine.Status().RoutingVersion > 0
	}, waitFor, pollEvery, "routing bootstrapped")
}

func (h *harness) stop() {
	h.stopOnce.Do(func() {
		h.cancel()
		<-h.done
	})
}

// probe feeds n probes with increasing timestamps
func (h *harness) probe(region topology.RegionID, status health.Status, n int) {
	for i := 0; i < n; i++ {
		h.mu.Lock()
		ts := h.probeTS[region]
		if ts.IsZero() {
			ts = time.Now()
		}
		ts = ts.Add(time.Millisecond)
		h.probeTS[region] = ts
		h.mu.Unlock()

		_, err := h.monitor.RecordHealth(region, health.Probe{Timestamp: ts, Status: status, Latency: 20 * time.Millisecond})
		require.NoError(h.t, err)
	}
}

// lag records a sample on a channel
func (h *harness) lag(id replication.ChannelID, lag time.Duration) {
	h.mu.Lock()
	h.sampleTS = h.sampleTS.Add(time.Millisecond)
	ts := h.sampleTS
	h.mu.Unlock()
	require.NoError(h.t, h.coord.ObserveLag(id, lag, ts))
}

func (h *harness) waitState(state State) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		return h.engine.Status().State == state
	}, waitFor, pollEvery, "waiting for %s, at %s", state, h.engine.Status().State)
}

func (h *harness) activeRoute() topology.RegionID {
	p, err := h.router.Get(context.Background(), recordSet)
	require.NoError(h.t, err)
	return p.Active()
}

func (h *harness) records() []audit.Record {
	records, err := h.journal.List(context.Background(), 0)
	require.NoError(h.t, err)
	return records
}

func (h *harness) statesVisited() []State {
	var out []State
	for _, r := range h.engine.Status().History {
		out = append(out, r.To)
	}
	return out
}

// fakeController records store promotions and demotions
type fakeController struct {
	mu         sync.Mutex
	promoteErr error
	promoted   []topology.RegionID
	demoted    []topology.RegionID
}

func (f *fakeController) Promote(_ context.Context, region topology.RegionID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.promoteErr != nil {
		return f.promoteErr
	}
	f.promoted = append(f.promoted, region)
	return nil
}

func (f *fakeController) Demote(_ context.Context, region topology.RegionID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.demoted = append(f.demoted, region)
	return nil
}

func (f *fakeController) setPromoteErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.promoteErr = err
}

func (f *fakeController) demotions() []topology.RegionID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]topology.RegionID(nil), f.demoted...)
}

// conflictingRouter reports a conflict on every apply except the bootstrap
type conflictingRouter struct {
	Router
}

func (r conflictingRouter) Apply(ctx context.Context, policy routing.Policy, expected uint64) (routing.Result, error) {
	if expected == 0 {
		return r.Router.Apply(ctx, policy, expected)
	}
	v, _ := r.Router.Version(ctx, policy.RecordSetID)
	return routing.Result{Outcome: routing.Conflict, Version: v}, nil
}

// failingRouter fails every apply after the bootstrap
type failingRouter struct {
	Router
}

func (r failingRouter) Apply(ctx context.Context, policy routing.Policy, expected uint64) (routing.Result, error) {
	if expected == 0 {
		return r.Router.Apply(ctx, policy, expected)
	}
	return routing.Result{}, errors.New("dns api unavailable")
}

// bumpingRegistry reloads the topology the first n times the engine checks
// the version before routing
type bumpingRegistry struct {
	*topology.Registry
	mu    sync.Mutex
	bumps int
}

func (r *bumpingRegistry) Version() uint64 {
	r.mu.Lock()
	if r.bumps > 0 {
		r.bumps--
		r.mu.Unlock()
		if _, err := r.Registry.Reload(testRegions()); err != nil {
			panic(err)
		}
		return r.Registry.Version()
	}
	r.mu.Unlock()
	return r.Registry.Version()
}

// blockingRouter holds every apply after the bootstrap until release is
// closed or the engine context ends
type blockingRouter struct {
	Router
	entered chan struct{}
	release chan struct{}
	// onCommit runs after a held apply commits
	onCommit func()
}

func newBlockingRouter(inner Router) *blockingRouter {
	return &blockingRouter{
		Router:  inner,
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
}

func (r *blockingRouter) Apply(ctx context.Context, policy routing.Policy, expected uint64) (routing.Result, error) {
	if expected == 0 {
		return r.Router.Apply(ctx, policy, expected)
	}
	select {
	case r.entered <- struct{}{}:
	default:
	}
	select {
	case <-r.release:
	case <-ctx.Done():
		return routing.Result{}, ctx.Err()
	}
	res, err := r.Router.Apply(ctx, policy, expected)
	if err == nil && res.Outcome == routing.Committed && r.onCommit != nil {
		r.onCommit()
	}
	return res, err
}

func withRouter(wrap func(Router) Router) option {
	return func(_ *Config, deps *Dependencies) {
		deps.Router = wrap(deps.Router)
	}
}
