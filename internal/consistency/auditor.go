// internal/consistency/auditor.go
package consistency

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/FairForge/drcore/internal/events"
	"github.com/FairForge/drcore/internal/metrics"
	"github.com/FairForge/drcore/internal/topology"
	"go.uber.org/zap"
)

// Outcome of a consistency audit
type Outcome string

const (
	Converged Outcome = "converged"
	Diverged  Outcome = "diverged"
	// Skipped means there was no baseline to compare against
	Skipped Outcome = "skipped"
)

// Snapshot is a set of checksums captured from one region
type Snapshot struct {
	Region    topology.RegionID `json:"region"`
	AsOf      time.Time         `json:"as_of"`
	Checksums []Checksum        `json:"checksums"`
}

// Divergence describes one dataset that differs between regions
type Divergence struct {
	Store    string    `json:"store"`
	Name     string    `json:"name"`
	Expected Checksum  `json:"expected"`
	Actual   *Checksum `json:"actual,omitempty"`
}

// Result is the outcome of comparing the promoted region to the baseline
type Result struct {
	Outcome     Outcome           `json:"outcome"`
	From        topology.RegionID `json:"from_region"`
	To          topology.RegionID `json:"to_region"`
	AsOf        time.Time         `json:"as_of"`
	Compared    int               `json:"compared"`
	Divergences []Divergence      `json:"divergences,omitempty"`
	Reason      string            `json:"reason,omitempty"`
}

// Config bounds the audit
type Config struct {
	MaxChecksums    int           `yaml:"max_checksums" validate:"gte=1"`
	WatermarkMargin time.Duration `yaml:"watermark_margin" validate:"gte=0"`
	CaptureInterval time.Duration `yaml:"capture_interval" validate:"gt=0"`
}

// DefaultConfig returns the default auditor configuration
func DefaultConfig() Config {
	return Config{
		MaxChecksums:    64,
		WatermarkMargin: 5 * time.Second,
		CaptureInterval: time.Minute,
	}
}

// Auditor compares data state between the old and new primary after a
// failover. It reports divergence and never repairs it.
type Auditor struct {
	config    Config
	source    Source
	bus       events.EventBus
	mu        sync.RWMutex
	baselines map[topology.RegionID]Snapshot
	logger    *zap.Logger
	metrics   *metrics.Collector
	now       func() time.Time
}

// NewAuditor creates an auditor
func NewAuditor(config Config, source Source, bus events.EventBus, logger *zap.Logger, collector *metrics.Collector) *Auditor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.MaxChecksums <= 0 {
		config.MaxChecksums = DefaultConfig().MaxChecksums
	}
	return &Auditor{
		config:    config,
		source:    source,
		bus:       bus,
		baselines: make(map[topology.RegionID]Snapshot),
		logger:    logger,
		metrics:   collector,
		now:       time.Now,
	}
}

// Capture records a baseline of region as of now minus the watermark margin
func (a *Auditor) Capture(ctx context.Context, region topology.RegionID) (Snapshot, error) {
	asOf := a.now().Add(-a.config.WatermarkMargin)
	sums, err := a.source.Checksums(ctx, region, asOf, a.config.MaxChecksums)
	if err != nil {
		return Snapshot{}, fmt.Errorf("capture baseline for %s: %w", region, err)
	}

	snapshot := Snapshot{Region: region, AsOf: asOf, Checksums: bounded(sums, a.config.MaxChecksums)}
	a.mu.Lock()
	a.baselines[region] = snapshot
	a.mu.Unlock()
	return snapshot, nil
}

// Baseline returns the last captured baseline of region
func (a *Auditor) Baseline(region topology.RegionID) (Snapshot, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s, ok := a.baselines[region]
	return s, ok
}

// Audit recomputes the baseline's checksums on the promoted region as of the
// baseline watermark and compares them
func (a *Auditor) Audit(ctx context.Context, from, to topology.RegionID, before Snapshot) (Result, error) {
	result := Result{From: from, To: to, AsOf: before.AsOf}

	expected := bounded(before.Checksums, a.config.MaxChecksums)
	if len(expected) == 0 {
		result.Outcome = Skipped
		result.Reason = "no baseline captured for " + string(from)
		a.metrics.RecordAudit(string(Skipped))
		a.logger.Warn("consistency audit skipped",
			zap.String("from", string(from)),
			zap.String("to", string(to)))
		a.publish(ctx, events.New(events.ConsistencyAuditSkipped, events.SeverityWarning, string(to),
			fmt.Sprintf("no baseline of %s to compare against; data loss cannot be ruled out", from)).
			With("from_region", string(from)).
			With("to_region", string(to)))
		return result, nil
	}

	actual, err := a.source.Checksums(ctx, to, before.AsOf, len(expected))
	if err != nil {
		a.metrics.RecordAudit("error")
		a.publish(ctx, events.New(events.ConsistencyAuditFailed, events.SeverityWarning, string(to),
			fmt.Sprintf("checksums of %s could not be read; audit against %s incomplete", to, from)).
			With("from_region", string(from)).
			With("to_region", string(to)).
			With("error", err.Error()))
		return result, fmt.Errorf("audit %s: %w", to, err)
	}

	byKey := make(map[string]Checksum, len(actual))
	for _, c := range actual {
		byKey[c.key()] = c
	}
	for _, want := range expected {
		got, ok := byKey[want.key()]
		switch {
		case !ok:
			result.Divergences = append(result.Divergences, Divergence{Store: want.Store, Name: want.Name, Expected: want})
		case got.RecordCount != want.RecordCount || got.Digest != want.Digest:
			g := got
			result.Divergences = append(result.Divergences, Divergence{Store: want.Store, Name: want.Name, Expected: want, Actual: &g})
		}
	}
	sort.Slice(result.Divergences, func(i, j int) bool {
		return result.Divergences[i].Expected.key() < result.Divergences[j].Expected.key()
	})
	result.Compared = len(expected)

	if len(result.Divergences) == 0 {
		result.Outcome = Converged
		a.metrics.RecordAudit(string(Converged))
		a.logger.Info("consistency audit converged",
			zap.String("from", string(from)),
			zap.String("to", string(to)),
			zap.Int("compared", result.Compared))
		return result, nil
	}

	result.Outcome = Diverged
	a.metrics.RecordAudit(string(Diverged))
	a.logger.Error("consistency divergence detected",
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.Int("divergences", len(result.Divergences)))

	names := make([]string, len(result.Divergences))
	for i, d := range result.Divergences {
		names[i] = d.Expected.key()
	}
	a.publish(ctx, events.New(events.ConsistencyDivergence, events.SeverityCritical, string(to),
		fmt.Sprintf("%d of %d datasets differ from %s baseline; operator action required", len(names), result.Compared, from)).
		With("from_region", string(from)).
		With("to_region", string(to)).
		With("as_of", before.AsOf).
		With("datasets", names))
	return result, nil
}

func (a *Auditor) publish(ctx context.Context, event events.Event) {
	if a.bus == nil {
		return
	}
	if err := a.bus.Publish(context.WithoutCancel(ctx), event); err != nil {
		a.logger.Warn("failed to publish audit event",
			zap.String("type", string(event.Type)),
			zap.Error(err))
	}
}

// RunCapture refreshes the baseline of the current primary every capture
// interval until ctx is done
func (a *Auditor) RunCapture(ctx context.Context, primary func() topology.RegionID) error {
	interval := a.config.CaptureInterval
	if interval <= 0 {
		interval = DefaultConfig().CaptureInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		region := primary()
		if _, err := a.Capture(ctx, region); err != nil && ctx.Err() == nil {
			a.logger.Warn("baseline capture failed", zap.String("region", string(region)), zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func bounded(sums []Checksum, limit int) []Checksum {
	if limit > 0 && len(sums) > limit {
		return sums[:limit]
	}
	return sums
}
