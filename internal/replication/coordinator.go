// internal/replication/coordinator.go
package replication

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/FairForge/drcore/internal/metrics"
	"github.com/FairForge/drcore/internal/topology"
	"go.uber.org/zap"
)

var (
	ErrUnknownChannel   = errors.New("replication: unknown channel")
	ErrStaleSample      = errors.New("replication: stale sample")
	ErrInvalidSample    = errors.New("replication: invalid sample")
	ErrDuplicateChannel = errors.New("replication: duplicate channel")
)

// ChannelID identifies a replication channel
type ChannelID string

// StoreKind tags the replication mechanism behind a channel
type StoreKind string

const (
	StoreRelational    StoreKind = "relational"
	StoreKVGlobalTable StoreKind = "kv_global_table"
	StoreObject        StoreKind = "object_store"
)

// LagStatus is the RPO verdict for a channel
type LagStatus string

const (
	StatusWithinRPO  LagStatus = "within_rpo"
	StatusUnknown    LagStatus = "unknown"
	StatusExceedsRPO LagStatus = "exceeds_rpo"
)

func (s LagStatus) rank() int {
	switch s {
	case StatusWithinRPO:
		return 0
	case StatusUnknown:
		return 1
	default:
		return 2
	}
}

// Worst returns the less favorable of two statuses
func Worst(a, b LagStatus) LagStatus {
	if b.rank() > a.rank() {
		return b
	}
	return a
}

// Channel is a directed replication edge from Source to Dest
type Channel struct {
	ID              ChannelID                  `json:"id"`
	Source          topology.RegionID          `json:"source_region"`
	Dest            topology.RegionID          `json:"dest_region"`
	StoreKind       StoreKind                  `json:"store_kind"`
	TargetRPO       time.Duration              `json:"target_rpo"`
	LastObservedLag time.Duration              `json:"last_observed_lag"`
	LastSyncTS      time.Time                  `json:"last_sync_ts,omitempty"`
	EstablishedAt   time.Time                  `json:"established_at"`
	Adapter         topology.AdapterDescriptor `json:"-"`
}

// HasSample reports whether any lag sample has been recorded
func (c Channel) HasSample() bool {
	return !c.LastSyncTS.IsZero()
}

// DefaultChannelID derives a channel ID from the ordered pair and store kind
func DefaultChannelID(source, dest topology.RegionID, kind StoreKind) ChannelID {
	return ChannelID(fmt.Sprintf("%s->%s/%s", source, dest, kind))
}

// ChannelStatus pairs a channel with its current status
type ChannelStatus struct {
	Channel
	Status LagStatus `json:"status"`
}

// Snapshot is a point-in-time view of every channel, recorded on failover
// decisions
type Snapshot struct {
	TakenAt  time.Time       `json:"taken_at"`
	Channels []ChannelStatus `json:"channels"`
}

// MaxLagStatus is the worst status over channels into region, with the
// same semantics as Coordinator.MaxLagStatus
func (s Snapshot) MaxLagStatus(region topology.RegionID) LagStatus {
	status := StatusWithinRPO
	found := false
	for _, ch := range s.Channels {
		if ch.Dest != region {
			continue
		}
		found = true
		status = Worst(status, ch.Status)
	}
	if !found {
		return StatusUnknown
	}
	return status
}

// MaxLag is the largest sampled lag over channels into region
func (s Snapshot) MaxLag(region topology.RegionID) (time.Duration, bool) {
	var maxLag time.Duration
	ok := false
	for _, ch := range s.Channels {
		if ch.Dest != region || !ch.HasSample() {
			continue
		}
		ok = true
		if ch.LastObservedLag > maxLag {
			maxLag = ch.LastObservedLag
		}
	}
	return maxLag, ok
}

// Config configures lag evaluation
type Config struct {
	StalenessBound time.Duration `yaml:"staleness_bound" validate:"gt=0"`
}

// DefaultConfig returns the default coordinator configuration
func DefaultConfig() Config {
	return Config{
		StalenessBound: 30 * time.Second,
	}
}

type destKey struct {
	dest topology.RegionID
	kind StoreKind
}

type channelTemplate struct {
	kind      StoreKind
	targetRPO time.Duration
	adapter   topology.AdapterDescriptor
}

// Coordinator tracks replication lag across all channels
type Coordinator struct {
	config Config

	mu       sync.RWMutex
	channels map[ChannelID]*Channel
	byDest   map[destKey]ChannelID
	retired  map[topology.RegionID][]channelTemplate

	logger  *zap.Logger
	metrics *metrics.Collector
	now     func() time.Time
}

// NewCoordinator creates a coordinator for the given channels
func NewCoordinator(config Config, channels []Channel, logger *zap.Logger, collector *metrics.Collector) (*Coordinator, error) {
	if config.StalenessBound <= 0 {
		config.StalenessBound = DefaultConfig().StalenessBound
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Coordinator{
		config:   config,
		channels: make(map[ChannelID]*Channel, len(channels)),
		byDest:   make(map[destKey]ChannelID, len(channels)),
		retired:  make(map[topology.RegionID][]channelTemplate),
		logger:   logger,
		metrics:  collector,
		now:      time.Now,
	}
	for _, ch := range channels {
		if err := c.AddChannel(ch); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// ChannelsFromDescriptor builds channels from a topology descriptor
func ChannelsFromDescriptor(desc *topology.Descriptor) []Channel {
	out := make([]Channel, 0, len(desc.Channels))
	for _, cd := range desc.Channels {
		out = append(out, Channel{
			ID:        ChannelID(cd.ChannelID()),
			Source:    topology.RegionID(cd.Source),
			Dest:      topology.RegionID(cd.Dest),
			StoreKind: StoreKind(cd.StoreKind),
			TargetRPO: cd.TargetRPO,
			Adapter:   cd.Adapter,
		})
	}
	return out
}

// AddChannel registers a channel. Only one channel may feed each
// (dest, store kind).
func (c *Coordinator) AddChannel(ch Channel) error {
	if ch.Source == "" || ch.Dest == "" || ch.Source == ch.Dest {
		return fmt.Errorf("replication: channel needs two distinct regions")
	}
	if ch.TargetRPO <= 0 {
		return fmt.Errorf("replication: channel %s needs positive target rpo", ch.ID)
	}
	if ch.ID == "" {
		ch.ID = DefaultChannelID(ch.Source, ch.Dest, ch.StoreKind)
	}
	if ch.EstablishedAt.IsZero() {
		ch.EstablishedAt = c.now()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.channels[ch.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateChannel, ch.ID)
	}
	key := destKey{dest: ch.Dest, kind: ch.StoreKind}
	if existing, ok := c.byDest[key]; ok {
		return fmt.Errorf("%w: %s already feeds %s/%s", ErrDuplicateChannel, existing, ch.Dest, ch.StoreKind)
	}

	stored := ch
	c.channels[ch.ID] = &stored
	c.byDest[key] = ch.ID
	return nil
}

func (c *Coordinator) removeLocked(id ChannelID) {
	ch, ok := c.channels[id]
	if !ok {
		return
	}
	delete(c.byDest, destKey{dest: ch.Dest, kind: ch.StoreKind})
	delete(c.channels, id)
}

// ObserveLag records a lag sample. Samples must be strictly newer than the
// last one on the channel.
func (c *Coordinator) ObserveLag(id ChannelID, lag time.Duration, observedAt time.Time) error {
	if lag < 0 {
		return fmt.Errorf("%w: negative lag %s", ErrInvalidSample, lag)
	}
	if observedAt.IsZero() {
		return fmt.Errorf("%w: observed_at required", ErrInvalidSample)
	}

	c.mu.Lock()
	ch, ok := c.channels[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownChannel, id)
	}
	if !observedAt.After(ch.LastSyncTS) {
		last := ch.LastSyncTS
		c.mu.Unlock()
		return fmt.Errorf("%w: %s observed at %s, last sample %s", ErrStaleSample, id,
			observedAt.Format(time.RFC3339Nano), last.Format(time.RFC3339Nano))
	}
	ch.LastObservedLag = lag
	ch.LastSyncTS = observedAt
	c.mu.Unlock()

	c.metrics.SetReplicationLag(string(id), lag)
	return nil
}

// LagStatus evaluates one channel against its target RPO
func (c *Coordinator) LagStatus(id ChannelID) (LagStatus, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ch, ok := c.channels[id]
	if !ok {
		return StatusUnknown, fmt.Errorf("%w: %s", ErrUnknownChannel, id)
	}
	return c.statusLocked(ch), nil
}

func (c *Coordinator) statusLocked(ch *Channel) LagStatus {
	if !ch.HasSample() {
		return StatusUnknown
	}
	if c.now().Sub(ch.LastSyncTS) > c.config.StalenessBound {
		return StatusUnknown
	}
	if ch.LastObservedLag <= ch.TargetRPO {
		return StatusWithinRPO
	}
	return StatusExceedsRPO
}

// MaxLagStatus aggregates every channel into region with worst-case
// semantics. A region with no inbound channels is unknown.
func (c *Coordinator) MaxLagStatus(region topology.RegionID) LagStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	status := StatusWithinRPO
	found := false
	for _, ch := range c.channels {
		if ch.Dest != region {
			continue
		}
		found = true
		status = Worst(status, c.statusLocked(ch))
	}
	if !found {
		return StatusUnknown
	}
	return status
}

// MaxLag returns the largest last observed lag over channels into region.
// ok is false when the region has no sampled inbound channel.
func (c *Coordinator) MaxLag(region topology.RegionID) (time.Duration, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var maxLag time.Duration
	ok := false
	for _, ch := range c.channels {
		if ch.Dest != region || !ch.HasSample() {
			continue
		}
		ok = true
		if ch.LastObservedLag > maxLag {
			maxLag = ch.LastObservedLag
		}
	}
	return maxLag, ok
}

// Channel returns a copy of one channel
func (c *Coordinator) Channel(id ChannelID) (Channel, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ch, ok := c.channels[id]
	if !ok {
		return Channel{}, fmt.Errorf("%w: %s", ErrUnknownChannel, id)
	}
	return *ch, nil
}

// Channels returns copies of every channel ordered by ID
func (c *Coordinator) Channels() []Channel {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Channel, 0, len(c.channels))
	for _, ch := range c.channels {
		out = append(out, *ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Snapshot returns every channel with its current status
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := Snapshot{
		TakenAt:  c.now(),
		Channels: make([]ChannelStatus, 0, len(c.channels)),
	}
	for _, ch := range c.channels {
		snap.Channels = append(snap.Channels, ChannelStatus{Channel: *ch, Status: c.statusLocked(ch)})
	}
	sort.Slice(snap.Channels, func(i, j int) bool { return snap.Channels[i].ID < snap.Channels[j].ID })
	return snap
}

// Repoint moves channels fed by oldPrimary to newPrimary after a promotion.
// Channels from oldPrimary into newPrimary are retired and remembered so
// Reestablish can recreate them in the opposite direction. Repointed
// channels start without samples.
func (c *Coordinator) Repoint(oldPrimary, newPrimary topology.RegionID) []ChannelID {
	c.mu.Lock()
	defer c.mu.Unlock()

	var moved []ChannelID
	for id, ch := range c.channels {
		if ch.Source != oldPrimary {
			continue
		}
		if ch.Dest == newPrimary {
			c.retired[oldPrimary] = append(c.retired[oldPrimary], channelTemplate{
				kind:      ch.StoreKind,
				targetRPO: ch.TargetRPO,
				adapter:   ch.Adapter,
			})
			c.removeLocked(id)
			continue
		}

		next := *ch
		next.Source = newPrimary
		if id == DefaultChannelID(oldPrimary, ch.Dest, ch.StoreKind) {
			next.ID = DefaultChannelID(newPrimary, ch.Dest, ch.StoreKind)
		}
		next.LastObservedLag = 0
		next.LastSyncTS = time.Time{}
		next.EstablishedAt = c.now()

		c.removeLocked(id)
		c.channels[next.ID] = &next
		c.byDest[destKey{dest: next.Dest, kind: next.StoreKind}] = next.ID
		moved = append(moved, next.ID)
	}

	sort.Slice(moved, func(i, j int) bool { return moved[i] < moved[j] })
	c.logger.Info("replication channels repointed",
		zap.String("from", string(oldPrimary)),
		zap.String("to", string(newPrimary)),
		zap.Int("channels", len(moved)))
	return moved
}

// Reestablish creates channels from source into dest for every store kind
// retired from dest by Repoint. When nothing was retired it mirrors the
// store kinds source already replicates elsewhere. Existing channels into
// dest are left in place and returned.
func (c *Coordinator) Reestablish(source, dest topology.RegionID) []ChannelID {
	c.mu.Lock()
	defer c.mu.Unlock()

	templates := c.retired[dest]
	if len(templates) == 0 {
		seen := make(map[StoreKind]bool)
		for _, ch := range c.channels {
			if ch.Source == source && !seen[ch.StoreKind] {
				seen[ch.StoreKind] = true
				templates = append(templates, channelTemplate{
					kind:      ch.StoreKind,
					targetRPO: ch.TargetRPO,
					adapter:   ch.Adapter,
				})
			}
		}
	}

	var ids []ChannelID
	for _, tpl := range templates {
		key := destKey{dest: dest, kind: tpl.kind}
		if existing, ok := c.byDest[key]; ok {
			ids = append(ids, existing)
			continue
		}
		ch := &Channel{
			ID:            DefaultChannelID(source, dest, tpl.kind),
			Source:        source,
			Dest:          dest,
			StoreKind:     tpl.kind,
			TargetRPO:     tpl.targetRPO,
			EstablishedAt: c.now(),
			Adapter:       tpl.adapter,
		}
		c.channels[ch.ID] = ch
		c.byDest[key] = ch.ID
		ids = append(ids, ch.ID)
	}
	delete(c.retired, dest)

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	c.logger.Info("replication channels re-established",
		zap.String("source", string(source)),
		zap.String("dest", string(dest)),
		zap.Int("channels", len(ids)))
	return ids
}

// SyncChannels applies a reloaded channel set declared for the declared
// primary. When a promotion has moved the primary, channels are rebased on
// the current primary the way Repoint does: channels into primary are
// replaced by the existing reverse channel into declared, or retired for
// Reestablish when none exists yet. Channels that still exist keep their
// samples.
func (c *Coordinator) SyncChannels(channels []Channel, declared, primary topology.RegionID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := make(map[ChannelID]*Channel, len(channels))
	byDest := make(map[destKey]ChannelID, len(channels))
	retired := make(map[topology.RegionID][]channelTemplate)
	for _, ch := range channels {
		if ch.ID == "" {
			ch.ID = DefaultChannelID(ch.Source, ch.Dest, ch.StoreKind)
		}
		if declared != primary && ch.Source == declared {
			if ch.Dest == primary {
				reverse, ok := c.byDest[destKey{dest: declared, kind: ch.StoreKind}]
				if !ok || c.channels[reverse].Source != primary {
					retired[declared] = append(retired[declared], channelTemplate{
						kind:      ch.StoreKind,
						targetRPO: ch.TargetRPO,
						adapter:   ch.Adapter,
					})
					continue
				}
				ch.ID = reverse
				ch.Source = primary
				ch.Dest = declared
			} else {
				if ch.ID == DefaultChannelID(declared, ch.Dest, ch.StoreKind) {
					ch.ID = DefaultChannelID(primary, ch.Dest, ch.StoreKind)
				}
				ch.Source = primary
			}
		}
		key := destKey{dest: ch.Dest, kind: ch.StoreKind}
		if _, dup := byDest[key]; dup {
			return fmt.Errorf("%w: more than one %s channel into %s", ErrDuplicateChannel, ch.StoreKind, ch.Dest)
		}
		if existing, ok := c.channels[ch.ID]; ok {
			ch.LastObservedLag = existing.LastObservedLag
			ch.LastSyncTS = existing.LastSyncTS
			ch.EstablishedAt = existing.EstablishedAt
		}
		if ch.EstablishedAt.IsZero() {
			ch.EstablishedAt = c.now()
		}
		stored := ch
		next[ch.ID] = &stored
		byDest[key] = ch.ID
	}

	if declared != primary {
		for region, templates := range c.retired {
			if region != declared {
				retired[region] = templates
			}
		}
	}
	c.channels = next
	c.byDest = byDest
	c.retired = retired
	return nil
}
