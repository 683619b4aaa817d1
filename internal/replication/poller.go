// internal/replication/poller.go
package replication

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/FairForge/drcore/internal/events"
	"github.com/FairForge/drcore/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// RetryPolicy for failed lag polls
type RetryPolicy struct {
	MaxRetries     int           `yaml:"max_retries" validate:"gte=0"`
	InitialBackoff time.Duration `yaml:"initial_backoff" validate:"gt=0"`
	MaxBackoff     time.Duration `yaml:"max_backoff" validate:"gtefield=InitialBackoff"`
	BackoffFactor  float64       `yaml:"backoff_factor" validate:"gte=1"`
}

// DefaultRetryPolicy returns the default poll retry policy
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:     3,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		BackoffFactor:  2.0,
	}
}

// Backoff returns the delay before retry attempt n (starting at 1)
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	d := p.InitialBackoff
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * p.BackoffFactor)
		if d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

// PollerConfig configures lag polling
type PollerConfig struct {
	Interval time.Duration `yaml:"interval" validate:"gt=0"`
	Timeout  time.Duration `yaml:"timeout" validate:"gt=0"`
	Retry    RetryPolicy   `yaml:"retry"`
}

// DefaultPollerConfig returns the default poller configuration
func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		Interval: 5 * time.Second,
		Timeout:  2 * time.Second,
		Retry:    DefaultRetryPolicy(),
	}
}

// Poller polls every channel's lag source concurrently and feeds the
// coordinator. A channel whose source stays unreachable is left to decay to
// unknown; polling never blocks callers of the coordinator.
type Poller struct {
	config      PollerConfig
	coordinator *Coordinator
	factory     SourceFactory
	bus         events.EventBus
	logger      *zap.Logger
	metrics     *metrics.Collector

	mu      sync.Mutex
	sources map[ChannelID]LagSource
}

// NewPoller creates a poller
func NewPoller(config PollerConfig, coordinator *Coordinator, factory SourceFactory, bus events.EventBus, logger *zap.Logger, collector *metrics.Collector) *Poller {
	def := DefaultPollerConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if config.Retry.InitialBackoff <= 0 {
		config.Retry = def.Retry
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{
		config:      config,
		coordinator: coordinator,
		factory:     factory,
		bus:         bus,
		logger:      logger,
		metrics:     collector,
		sources:     make(map[ChannelID]LagSource),
	}
}

// Run polls on every interval until ctx is done
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()
	defer p.closeSources()

	p.PollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.PollOnce(ctx)
		}
	}
}

// PollOnce polls every channel with a source once, one goroutine per channel
func (p *Poller) PollOnce(ctx context.Context) {
	channels := p.coordinator.Channels()
	p.pruneSources(channels)

	g, gctx := errgroup.WithContext(ctx)
	for _, ch := range channels {
		source, err := p.source(ch)
		if err != nil {
			p.logger.Error("failed to build lag source",
				zap.String("channel", string(ch.ID)),
				zap.Error(err))
			continue
		}
		if source == nil {
			continue
		}

		ch := ch
		g.Go(func() error {
			p.pollChannel(gctx, ch, source)
			return nil
		})
	}
	_ = g.Wait()
}

func (p *Poller) pollChannel(ctx context.Context, ch Channel, source LagSource) {
	var lastErr error
	for attempt := 0; attempt <= p.config.Retry.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.config.Retry.Backoff(attempt)):
			}
		}

		sample, err := p.measure(ctx, ch, source)
		if err == nil {
			if err := p.coordinator.ObserveLag(ch.ID, sample.Lag, sample.ObservedAt); err != nil {
				if !errors.Is(err, ErrStaleSample) && !errors.Is(err, ErrUnknownChannel) {
					p.logger.Warn("rejected polled lag sample",
						zap.String("channel", string(ch.ID)),
						zap.Error(err))
				}
			}
			return
		}

		lastErr = err
		p.metrics.IncPollError(string(ch.ID))
		p.logger.Debug("lag poll failed",
			zap.String("channel", string(ch.ID)),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}

	if ctx.Err() != nil {
		return
	}

	p.logger.Warn("lag poll retries exhausted",
		zap.String("channel", string(ch.ID)),
		zap.Error(lastErr))
	if p.bus != nil {
		event := events.New(events.StaleReplicationSample, events.SeverityWarning, string(ch.Dest),
			fmt.Sprintf("lag for %s unavailable after %d attempts", ch.ID, p.config.Retry.MaxRetries+1)).
			With("channel_id", string(ch.ID)).
			With("error", lastErr.Error())
		_ = p.bus.Publish(ctx, event)
	}
}

func (p *Poller) measure(ctx context.Context, ch Channel, source LagSource) (Sample, error) {
	pollCtx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	if hb, ok := source.(Heartbeater); ok {
		if err := hb.Heartbeat(pollCtx, ch); err != nil {
			return Sample{}, err
		}
	}
	return source.Lag(pollCtx, ch)
}

func (p *Poller) source(ch Channel) (LagSource, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if s, ok := p.sources[ch.ID]; ok {
		return s, nil
	}
	if p.factory == nil {
		return nil, nil
	}
	s, err := p.factory(ch)
	if err != nil {
		return nil, err
	}
	if s != nil {
		p.sources[ch.ID] = s
	}
	return s, nil
}

// SetSource installs a source for a channel, replacing any built one
func (p *Poller) SetSource(id ChannelID, source LagSource) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if old, ok := p.sources[id]; ok && old != source {
		_ = old.Close()
	}
	p.sources[id] = source
}

func (p *Poller) pruneSources(channels []Channel) {
	live := make(map[ChannelID]bool, len(channels))
	for _, ch := range channels {
		live[ch.ID] = true
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for id, s := range p.sources {
		if !live[id] {
			_ = s.Close()
			delete(p.sources, id)
		}
	}
}

func (p *Poller) closeSources() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, s := range p.sources {
		if err := s.Close(); err != nil {
			p.logger.Warn("failed to close lag source", zap.String("channel", string(id)), zap.Error(err))
		}
		delete(p.sources, id)
	}
}
