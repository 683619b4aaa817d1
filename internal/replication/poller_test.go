package replication

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/FairForge/drcore/internal/events"
	"github.com/FairForge/drcore/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPollerConfig() PollerConfig {
	return PollerConfig{
		Interval: 10 * time.Millisecond,
		Timeout:  50 * time.Millisecond,
		Retry: RetryPolicy{
			MaxRetries:     2,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     5 * time.Millisecond,
			BackoffFactor:  2,
		},
	}
}

func TestRetryPolicy_Backoff(t *testing.T) {
	p := RetryPolicy{InitialBackoff: 100 * time.Millisecond, MaxBackoff: time.Second, BackoffFactor: 2}

	assert.Equal(t, 100*time.Millisecond, p.Backoff(1))
	assert.Equal(t, 200*time.Millisecond, p.Backoff(2))
	assert.Equal(t, 400*time.Millisecond, p.Backoff(3))
	assert.Equal(t, time.Second, p.Backoff(10))
}

func TestPoller_PollOnceFeedsCoordinator(t *testing.T) {
	c, err := NewCoordinator(DefaultConfig(), testChannels(), nil, nil)
	require.NoError(t, err)

	p := NewPoller(fastPollerConfig(), c, nil, nil, nil, nil)
	p.SetSource(rel(use1, use2), FuncLagSource{
		StoreKind: StoreRelational,
		Fn: func(ctx context.Context, ch Channel) (Sample, error) {
			return Sample{Lag: 2 * time.Second, ObservedAt: time.Now()}, nil
		},
	})

	p.PollOnce(context.Background())

	status, err := c.LagStatus(rel(use1, use2))
	require.NoError(t, err)
	assert.Equal(t, StatusWithinRPO, status)

	status, _ = c.LagStatus(rel(use1, usw2))
	assert.Equal(t, StatusUnknown, status, "channel without a source is untouched")
}

func TestPoller_RetriesThenSucceeds(t *testing.T) {
	c, err := NewCoordinator(DefaultConfig(), testChannels(), nil, nil)
	require.NoError(t, err)

	var calls atomic.Int32
	p := NewPoller(fastPollerConfig(), c, nil, nil, nil, nil)
	p.SetSource(rel(use1, use2), FuncLagSource{
		StoreKind: StoreRelational,
		Fn: func(ctx context.Context, ch Channel) (Sample, error) {
			if calls.Add(1) < 3 {
				return Sample{}, errors.New("connection refused")
			}
			return Sample{Lag: time.Second, ObservedAt: time.Now()}, nil
		},
	})

	p.PollOnce(context.Background())

	assert.Equal(t, int32(3), calls.Load())
	status, _ := c.LagStatus(rel(use1, use2))
	assert.Equal(t, StatusWithinRPO, status)
}

func TestPoller_ExhaustionEmitsStaleSample(t *testing.T) {
	c, err := NewCoordinator(DefaultConfig(), testChannels(), nil, nil)
	require.NoError(t, err)
	collector := metrics.NewCollector()
	bus := events.NewBus(10, nil)

	p := NewPoller(fastPollerConfig(), c, nil, bus, nil, collector)
	p.SetSource(rel(use1, use2), FuncLagSource{
		StoreKind: StoreRelational,
		Fn: func(ctx context.Context, ch Channel) (Sample, error) {
			return Sample{}, errors.New("timeout")
		},
	})

	p.PollOnce(context.Background())

	stale := bus.Recent(string(events.StaleReplicationSample), 0)
	require.Len(t, stale, 1)
	assert.Equal(t, string(use2), stale[0].Region)
	assert.Equal(t, string(rel(use1, use2)), stale[0].Data["channel_id"])
	assert.Equal(t, float64(3), testutil.ToFloat64(collector.PollErrors.WithLabelValues(string(rel(use1, use2)))))

	status, _ := c.LagStatus(rel(use1, use2))
	assert.Equal(t, StatusUnknown, status)
}

func TestPoller_TimeoutBoundsSlowSource(t *testing.T) {
	c, err := NewCoordinator(DefaultConfig(), testChannels(), nil, nil)
	require.NoError(t, err)

	cfg := fastPollerConfig()
	cfg.Retry.MaxRetries = 0
	p := NewPoller(cfg, c, nil, nil, nil, nil)
	p.SetSource(rel(use1, use2), FuncLagSource{
		StoreKind: StoreRelational,
		Fn: func(ctx context.Context, ch Channel) (Sample, error) {
			<-ctx.Done()
			return Sample{}, ctx.Err()
		},
	})

	start := time.Now()
	p.PollOnce(context.Background())
	assert.Less(t, time.Since(start), time.Second)
}

func TestPoller_FactoryAndHeartbeat(t *testing.T) {
	c, err := NewCoordinator(DefaultConfig(), testChannels(), nil, nil)
	require.NoError(t, err)

	hb := &heartbeatSource{}
	factory := func(ch Channel) (LagSource, error) {
		if ch.ID == rel(use1, usw2) {
			return hb, nil
		}
		return nil, nil
	}

	p := NewPoller(fastPollerConfig(), c, factory, nil, nil, nil)
	p.PollOnce(context.Background())
	p.PollOnce(context.Background())

	assert.Equal(t, int32(2), hb.beats.Load())
	status, _ := c.LagStatus(rel(use1, usw2))
	assert.Equal(t, StatusWithinRPO, status)

	c.Repoint(use1, use2)
	p.PollOnce(context.Background())
	assert.True(t, hb.closed.Load(), "source of a removed channel is closed")
}

func TestPoller_Run(t *testing.T) {
	c, err := NewCoordinator(DefaultConfig(), testChannels(), nil, nil)
	require.NoError(t, err)

	var calls atomic.Int32
	p := NewPoller(fastPollerConfig(), c, nil, nil, nil, nil)
	p.SetSource(rel(use1, use2), FuncLagSource{
		StoreKind: StoreRelational,
		Fn: func(ctx context.Context, ch Channel) (Sample, error) {
			calls.Add(1)
			return Sample{Lag: time.Second, ObservedAt: time.Now()}, nil
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, p.Run(ctx))
	assert.GreaterOrEqual(t, calls.Load(), int32(2))
}

type heartbeatSource struct {
	beats  atomic.Int32
	closed atomic.Bool
}

func (h *heartbeatSource) Kind() StoreKind { return StoreRelational }

func (h *heartbeatSource) Heartbeat(ctx context.Context, ch Channel) error {
	h.beats.Add(1)
	return nil
}

func (h *heartbeatSource) Lag(ctx context.Context, ch Channel) (Sample, error) {
	return Sample{Lag: 100 * time.Millisecond, ObservedAt: time.Now()}, nil
}

func (h *heartbeatSource) Close() error {
	h.closed.Store(true)
	return nil
}
