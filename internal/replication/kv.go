package replication

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/FairForge/drcore/internal/topology"
	rdb "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const defaultHeartbeatKey = "drcore:replication:heartbeat"

// KVLagSource measures global-table replication lag with a heartbeat key
// written to the source region and read back from the destination
type KVLagSource struct {
	addrs  map[topology.RegionID]string
	key    string
	logger *zap.Logger
	beats  *heartbeatLog

	mu      sync.Mutex
	clients map[topology.RegionID]*rdb.Client
	now     func() time.Time
}

// NewKVLagSource creates a source from per-region addresses
func NewKVLagSource(addrs map[topology.RegionID]string, key string, logger *zap.Logger) *KVLagSource {
	if key == "" {
		key = defaultHeartbeatKey
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KVLagSource{
		addrs:   addrs,
		key:     key,
		logger:  logger,
		beats:   newHeartbeatLog(heartbeatHistory),
		clients: make(map[topology.RegionID]*rdb.Client),
		now:     time.Now,
	}
}

// NewKVLagSourceWithClients creates a source over existing clients
func NewKVLagSourceWithClients(clients map[topology.RegionID]*rdb.Client, key string, logger *zap.Logger) *KVLagSource {
	s := NewKVLagSource(map[topology.RegionID]string{}, key, logger)
	for region, c := range clients {
		s.clients[region] = c
	}
	return s
}

// Kind returns StoreKVGlobalTable
func (k *KVLagSource) Kind() StoreKind { return StoreKVGlobalTable }

func (k *KVLagSource) client(region topology.RegionID) (*rdb.Client, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if c, ok := k.clients[region]; ok {
		return c, nil
	}
	addr, ok := k.addrs[region]
	if !ok {
		return nil, fmt.Errorf("replication: no redis address for region %s", region)
	}
	c := rdb.NewClient(&rdb.Options{Addr: addr})
	k.clients[region] = c
	return c, nil
}

// Heartbeat writes the current time to the source region
func (k *KVLagSource) Heartbeat(ctx context.Context, ch Channel) error {
	c, err := k.client(ch.Source)
	if err != nil {
		return err
	}
	nanos := k.now().UnixNano()
	if err := c.Set(ctx, k.key, strconv.FormatInt(nanos, 10), 0).Err(); err != nil {
		return fmt.Errorf("write heartbeat to %s: %w", ch.Source, err)
	}
	k.beats.record(ch.Source, nanos)
	return nil
}

// Lag compares the heartbeat the destination holds with the heartbeats
// written into the source
func (k *KVLagSource) Lag(ctx context.Context, ch Channel) (Sample, error) {
	src, err := k.stamp(ctx, ch.Source)
	if err != nil {
		return Sample{}, err
	}
	dst, err := k.stamp(ctx, ch.Dest)
	if err != nil {
		return Sample{}, err
	}

	now := k.now()
	return Sample{Lag: k.beats.lag(ch.Source, src, dst, now), ObservedAt: now}, nil
}

func (k *KVLagSource) stamp(ctx context.Context, region topology.RegionID) (time.Time, error) {
	c, err := k.client(region)
	if err != nil {
		return time.Time{}, err
	}
	raw, err := c.Get(ctx, k.key).Result()
	if errors.Is(err, rdb.Nil) {
		return time.Time{}, fmt.Errorf("replication: no heartbeat in %s", region)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("read heartbeat from %s: %w", region, err)
	}
	nanos, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("replication: malformed heartbeat in %s: %w", region, err)
	}
	return time.Unix(0, nanos), nil
}

// Close closes every client
func (k *KVLagSource) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	var firstErr error
	for region, c := range k.clients {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(k.clients, region)
	}
	return firstErr
}
