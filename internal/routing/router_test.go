package routing

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/FairForge/drcore/internal/metrics"
	"github.com/FairForge/drcore/internal/topology"
	"github.com/prometheus/client_golang/prometheus/testutil"
	rdb "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	use1 = topology.Region{ID: "us-east-1", Endpoint: "use1.example.com", Priority: 0}
	use2 = topology.Region{ID: "us-east-2", Endpoint: "use2.example.com", Priority: 1}
	usw2 = topology.Region{ID: "us-west-2", Endpoint: "usw2.example.com", Priority: 2}
)

func failover(region topology.RegionID, rank int) Entry {
	return Entry{Region: region, Failover: &FailoverEntry{Rank: rank}}
}

func weighted(region topology.RegionID, weight int) Entry {
	return Entry{Region: region, Weighted: &WeightedEntry{Weight: weight}}
}

func TestPolicy_Validate(t *testing.T) {
	valid := map[string]Policy{
		"failover": {RecordSetID: "api", Entries: []Entry{failover("a", 0), failover("b", 1)}},
		"weighted": {RecordSetID: "api", Entries: []Entry{weighted("a", 70), weighted("b", 30)}},
		"weighted with zero secondary": {RecordSetID: "api", Entries: []Entry{weighted("a", 100), weighted("b", 0)}},
	}
	for name, p := range valid {
		t.Run(name, func(t *testing.T) {
			assert.NoError(t, p.Validate())
		})
	}

	invalid := map[string]Policy{
		"no record set":  {Entries: []Entry{failover("a", 0)}},
		"no entries":     {RecordSetID: "api"},
		"mixed kinds":    {RecordSetID: "api", Entries: []Entry{failover("a", 0), weighted("b", 10)}},
		"untagged entry": {RecordSetID: "api", Entries: []Entry{{Region: "a"}}},
		"both tags": {RecordSetID: "api", Entries: []Entry{{
			Region: "a", Failover: &FailoverEntry{}, Weighted: &WeightedEntry{Weight: 1},
		}}},
		"duplicate region": {RecordSetID: "api", Entries: []Entry{failover("a", 0), failover("a", 1)}},
		"duplicate rank":   {RecordSetID: "api", Entries: []Entry{failover("a", 0), failover("b", 0)}},
		"no rank zero":     {RecordSetID: "api", Entries: []Entry{failover("a", 1), failover("b", 2)}},
		"negative weight":  {RecordSetID: "api", Entries: []Entry{weighted("a", 10), weighted("b", -1)}},
		"all zero weights": {RecordSetID: "api", Entries: []Entry{weighted("a", 0), weighted("b", 0)}},
	}
	for name, p := range invalid {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, p.Validate(), ErrInvalidPolicy)
		})
	}
}

func TestPolicyFor(t *testing.T) {
	t.Run("failover mode ranks secondaries after the primary", func(t *testing.T) {
		p := PolicyFor(ModeFailover, "api", use2, []topology.Region{use1, use2, usw2})
		require.NoError(t, p.Validate())
		require.Len(t, p.Entries, 3)
		assert.Equal(t, use2.ID, p.Active())
		assert.Equal(t, 1, p.Entries[1].Failover.Rank)
		assert.Equal(t, use1.ID, p.Entries[1].Region)
	})

	t.Run("weighted mode gives the primary all traffic", func(t *testing.T) {
		p := PolicyFor(ModeWeighted, "api", use2, []topology.Region{use1})
		require.NoError(t, p.Validate())
		assert.Equal(t, KindWeighted, p.Kind())
		assert.Equal(t, use2.ID, p.Active())
		assert.Equal(t, 0, p.Entries[1].Weighted.Weight)
	})
}

func TestRouter_Apply(t *testing.T) {
	collector := metrics.NewCollector()
	router := NewRouter(NewMemoryStore(), nil, collector)
	ctx := context.Background()

	_, err := router.Get(ctx, "api")
	assert.ErrorIs(t, err, ErrPolicyNotFound)

	first := PolicyFor(ModeFailover, "api", use1, []topology.Region{use2})
	res, err := router.Apply(ctx, first, 0)
	require.NoError(t, err)
	assert.Equal(t, Result{Outcome: Committed, Version: 1}, res)

	t.Run("stale version conflicts without changing the set", func(t *testing.T) {
		second := PolicyFor(ModeFailover, "api", use2, []topology.Region{use1})
		res, err := router.Apply(ctx, second, 0)
		require.NoError(t, err)
		assert.Equal(t, Result{Outcome: Conflict, Version: 1}, res)

		current, err := router.Get(ctx, "api")
		require.NoError(t, err)
		assert.Equal(t, use1.ID, current.Active())
	})

	t.Run("retry with the fresh version commits", func(t *testing.T) {
		version, err := router.Version(ctx, "api")
		require.NoError(t, err)

		second := PolicyFor(ModeFailover, "api", use2, []topology.Region{use1})
		res, err := router.Apply(ctx, second, version)
		require.NoError(t, err)
		assert.Equal(t, Result{Outcome: Committed, Version: 2}, res)

		current, _ := router.Get(ctx, "api")
		assert.Equal(t, use2.ID, current.Active())
		assert.Equal(t, uint64(2), current.Version)
	})

	t.Run("invalid policy is rejected before commit", func(t *testing.T) {
		_, err := router.Apply(ctx, Policy{RecordSetID: "api", Entries: []Entry{failover("x", 3)}}, 2)
		assert.ErrorIs(t, err, ErrInvalidPolicy)
		v, _ := router.Version(ctx, "api")
		assert.Equal(t, uint64(2), v)
	})

	assert.Equal(t, float64(2), testutil.ToFloat64(collector.RoutingApplies.WithLabelValues("api", "committed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.RoutingApplies.WithLabelValues("api", "conflict")))
}

func TestRouter_ReadersNeverSeePartialSets(t *testing.T) {
	router := NewRouter(NewMemoryStore(), nil, nil)
	ctx := context.Background()

	makePolicy := func(gen int) Policy {
		entries := make([]Entry, 5)
		for i := range entries {
			entries[i] = Entry{
				Region:   topology.RegionID(fmt.Sprintf("r%d", i)),
				Endpoint: fmt.Sprintf("gen-%d", gen),
				Failover: &FailoverEntry{Rank: i},
			}
		}
		return Policy{RecordSetID: "api", Entries: entries}
	}

	_, err := router.Apply(ctx, makePolicy(0), 0)
	require.NoError(t, err)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				p, err := router.Get(ctx, "api")
				if !assert.NoError(t, err) {
					return
				}
				for _, e := range p.Entries {
					assert.Equal(t, p.Entries[0].Endpoint, e.Endpoint)
				}
				assert.Equal(t, fmt.Sprintf("gen-%d", p.Version-1), p.Entries[0].Endpoint)
			}
		}()
	}

	for gen := 1; gen <= 200; gen++ {
		res, err := router.Apply(ctx, makePolicy(gen), uint64(gen))
		require.NoError(t, err)
		require.Equal(t, Committed, res.Outcome)

		p, err := router.Get(ctx, "api")
		require.NoError(t, err)
		require.Equal(t, fmt.Sprintf("gen-%d", gen), p.Entries[4].Endpoint)
	}
	close(stop)
	wg.Wait()
}

func TestRouter_ConcurrentAppliesSerialize(t *testing.T) {
	router := NewRouter(NewMemoryStore(), nil, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	committed := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p := Policy{RecordSetID: "api", Entries: []Entry{failover(topology.RegionID(fmt.Sprintf("r%d", i)), 0)}}
			res, err := router.Apply(ctx, p, 0)
			assert.NoError(t, err)
			if res.Outcome == Committed {
				mu.Lock()
				committed++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, committed)
}

func TestPolicy_CloneIsDeep(t *testing.T) {
	p := Policy{RecordSetID: "api", Entries: []Entry{failover("a", 0)}}
	c := p.Clone()
	c.Entries[0].Failover.Rank = 5

	assert.Equal(t, 0, p.Entries[0].Failover.Rank)
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("DRCORE_TEST_REDIS_ADDR")
	if testing.Short() || addr == "" {
		t.Skip("skipping redis test: DRCORE_TEST_REDIS_ADDR not set")
	}

	client := rdb.NewClient(&rdb.Options{Addr: addr})
	defer client.Close()

	ctx := context.Background()
	store := NewRedisStore(client, "drcore:test:routing:")
	require.NoError(t, client.Del(ctx, "drcore:test:routing:api").Err())

	router := NewRouter(store, nil, nil)
	res, err := router.Apply(ctx, PolicyFor(ModeFailover, "api", use1, []topology.Region{use2}), 0)
	require.NoError(t, err)
	assert.Equal(t, Committed, res.Outcome)

	res, err = router.Apply(ctx, PolicyFor(ModeFailover, "api", use2, []topology.Region{use1}), 0)
	require.NoError(t, err)
	assert.Equal(t, Result{Outcome: Conflict, Version: 1}, res)

	p, err := router.Get(ctx, "api")
	require.NoError(t, err)
	assert.Equal(t, use1.ID, p.Active())
}
