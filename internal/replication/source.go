package replication

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/FairForge/drcore/internal/topology"
	"go.uber.org/zap"
)

// Sample is one lag measurement
type Sample struct {
	Lag        time.Duration
	ObservedAt time.Time
}

// LagSource measures the replication lag of a channel. Implementations are
// tagged by the store kind they understand.
type LagSource interface {
	Kind() StoreKind
	Lag(ctx context.Context, ch Channel) (Sample, error)
	Close() error
}

// Heartbeater is implemented by sources that write a marker into the source
// region before each measurement
type Heartbeater interface {
	Heartbeat(ctx context.Context, ch Channel) error
}

// FuncLagSource adapts a function to LagSource
type FuncLagSource struct {
	StoreKind StoreKind
	Fn        func(ctx context.Context, ch Channel) (Sample, error)
}

// Kind returns the configured store kind
func (f FuncLagSource) Kind() StoreKind { return f.StoreKind }

// Lag calls the wrapped function
func (f FuncLagSource) Lag(ctx context.Context, ch Channel) (Sample, error) {
	return f.Fn(ctx, ch)
}

// Close is a no-op
func (f FuncLagSource) Close() error { return nil }

// SourceFactory builds the lag source for a channel, or nil when the channel
// only receives pushed samples
type SourceFactory func(ch Channel) (LagSource, error)

// NewSourceFactory returns the factory for the built-in adapters
func NewSourceFactory(logger *zap.Logger) SourceFactory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ch Channel) (LagSource, error) {
		opts := ch.Adapter.Options
		switch ch.Adapter.Type {
		case "":
			return nil, nil
		case "postgres":
			if ch.StoreKind != StoreRelational {
				return nil, fmt.Errorf("replication: postgres adapter needs a relational channel, got %s", ch.StoreKind)
			}
			return NewPostgresLagSource(regionOptions(opts, "dsn"), logger)
		case "s3":
			if ch.StoreKind != StoreObject {
				return nil, fmt.Errorf("replication: s3 adapter needs an object_store channel, got %s", ch.StoreKind)
			}
			return NewObjectStoreLagSource(context.Background(), ObjectStoreConfig{
				Buckets:   regionOptions(opts, "bucket"),
				Regions:   regionOptions(opts, "region"),
				Endpoint:  opts["endpoint"],
				AccessKey: opts["access_key"],
				SecretKey: opts["secret_key"],
				CanaryKey: opts["canary_key"],
				PathStyle: opts["path_style"] == "true",
			}, logger)
		case "redis":
			if ch.StoreKind != StoreKVGlobalTable {
				return nil, fmt.Errorf("replication: redis adapter needs a kv_global_table channel, got %s", ch.StoreKind)
			}
			return NewKVLagSource(regionOptions(opts, "addr"), opts["key"], logger), nil
		default:
			return nil, fmt.Errorf("replication: unknown adapter type %q", ch.Adapter.Type)
		}
	}
}

// regionOptions collects "<prefix>.<region>" options into a map keyed by
// region
func regionOptions(opts map[string]string, prefix string) map[topology.RegionID]string {
	out := make(map[topology.RegionID]string)
	for k, v := range opts {
		if region, ok := strings.CutPrefix(k, prefix+"."); ok && region != "" {
			out[topology.RegionID(region)] = v
		}
	}
	return out
}
