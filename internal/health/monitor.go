// internal/health/monitor.go
package health

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/FairForge/drcore/internal/metrics"
	"github.com/FairForge/drcore/internal/topology"
	"go.uber.org/zap"
)

var (
	ErrUnknownRegion = errors.New("health: unknown region")
	ErrInvalidProbe  = errors.New("health: invalid probe")
)

// State is the debounced health of a region
type State int

const (
	StateHealthy State = iota
	StateSuspect
	StateUnhealthy
)

func (s State) String() string {
	switch s {
	case StateHealthy:
		return "HEALTHY"
	case StateSuspect:
		return "SUSPECT"
	case StateUnhealthy:
		return "UNHEALTHY"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the state name in JSON
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Status is the outcome of one probe
type Status string

const (
	StatusOK   Status = "ok"
	StatusFail Status = "fail"
)

// Probe is one health-probe result. Probes are never mutated after ingestion.
type Probe struct {
	RegionID  topology.RegionID `json:"region_id"`
	Timestamp time.Time         `json:"timestamp"`
	Status    Status            `json:"status"`
	Latency   time.Duration     `json:"latency"`
}

// Transition is emitted whenever a region changes state. A transition into
// StateUnhealthy is a health breach; Epoch counts breaches per region.
type Transition struct {
	Region topology.RegionID `json:"region"`
	From   State             `json:"from"`
	To     State             `json:"to"`
	Epoch  uint64            `json:"epoch"`
	At     time.Time         `json:"at"`
}

// IsBreach reports whether the transition is a health breach
func (t Transition) IsBreach() bool {
	return t.To == StateUnhealthy && t.From != StateUnhealthy
}

// Handler receives state transitions
type Handler func(Transition)

// Config configures debouncing
type Config struct {
	FailureThreshold  int `yaml:"failure_threshold" validate:"gte=1"`
	RecoveryThreshold int `yaml:"recovery_threshold" validate:"gte=1"`
}

// DefaultConfig returns the default thresholds
func DefaultConfig() Config {
	return Config{
		FailureThreshold:  2,
		RecoveryThreshold: 3,
	}
}

// RegionHealth is a read-only view of one region
type RegionHealth struct {
	Region           topology.RegionID `json:"region"`
	State            State             `json:"state"`
	Epoch            uint64            `json:"epoch"`
	LastProbe        time.Time         `json:"last_probe,omitempty"`
	LastLatency      time.Duration     `json:"last_latency"`
	ConsecutiveFails int               `json:"consecutive_fails"`
	ConsecutiveOK    int               `json:"consecutive_ok"`
}

type regionTracker struct {
	mu     sync.Mutex
	window []Probe
	state  State
	epoch  uint64

	// deliver is taken before mu is released so handlers see a region's
	// transitions in the order they happened
	deliver sync.Mutex
}

// tail counts trailing probes with the given status
func (rt *regionTracker) tail(status Status) int {
	n := 0
	for i := len(rt.window) - 1; i >= 0; i-- {
		if rt.window[i].Status != status {
			break
		}
		n++
	}
	return n
}

func (rt *regionTracker) lastTimestamp() time.Time {
	if len(rt.window) == 0 {
		return time.Time{}
	}
	return rt.window[len(rt.window)-1].Timestamp
}

// Monitor derives per-region health from probe results. Each region has its
// own lock so ingestion for different regions never contends.
type Monitor struct {
	config     Config
	windowSize int

	mu       sync.RWMutex
	trackers map[topology.RegionID]*regionTracker
	handlers []Handler

	logger  *zap.Logger
	metrics *metrics.Collector
}

// NewMonitor creates a monitor for the given regions
func NewMonitor(config Config, regions []topology.RegionID, logger *zap.Logger, collector *metrics.Collector) *Monitor {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if config.RecoveryThreshold <= 0 {
		config.RecoveryThreshold = DefaultConfig().RecoveryThreshold
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	windowSize := config.FailureThreshold
	if config.RecoveryThreshold > windowSize {
		windowSize = config.RecoveryThreshold
	}

	m := &Monitor{
		config:     config,
		windowSize: windowSize,
		trackers:   make(map[topology.RegionID]*regionTracker, len(regions)),
		logger:     logger,
		metrics:    collector,
	}
	for _, id := range regions {
		m.trackers[id] = &regionTracker{window: make([]Probe, 0, windowSize)}
		m.metrics.SetHealthState(string(id), int(StateHealthy))
	}
	return m
}

// Subscribe registers a transition handler. Handlers run on the ingesting
// goroutine, one region transition at a time in order, and must not block.
func (m *Monitor) Subscribe(handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, handler)
}

// RecordHealth ingests one probe and returns the region's resulting state.
// Probes not newer than the last accepted one are discarded.
func (m *Monitor) RecordHealth(regionID topology.RegionID, probe Probe) (State, error) {
	if probe.Status != StatusOK && probe.Status != StatusFail {
		return StateHealthy, fmt.Errorf("%w: status %q", ErrInvalidProbe, probe.Status)
	}
	if probe.Timestamp.IsZero() {
		return StateHealthy, fmt.Errorf("%w: timestamp required", ErrInvalidProbe)
	}
	probe.RegionID = regionID

	m.mu.RLock()
	tracker, ok := m.trackers[regionID]
	m.mu.RUnlock()
	if !ok {
		return StateHealthy, fmt.Errorf("%w: %s", ErrUnknownRegion, regionID)
	}

	tracker.mu.Lock()
	if !probe.Timestamp.After(tracker.lastTimestamp()) {
		state := tracker.state
		tracker.mu.Unlock()
		m.logger.Debug("discarding out-of-order probe",
			zap.String("region", string(regionID)),
			zap.Time("timestamp", probe.Timestamp))
		return state, nil
	}

	if len(tracker.window) == m.windowSize {
		copy(tracker.window, tracker.window[1:])
		tracker.window = tracker.window[:m.windowSize-1]
	}
	tracker.window = append(tracker.window, probe)

	prev := tracker.state
	next := m.derive(tracker, probe)
	tracker.state = next
	if next == StateUnhealthy && prev != StateUnhealthy {
		tracker.epoch++
	}
	transition := Transition{
		Region: regionID,
		From:   prev,
		To:     next,
		Epoch:  tracker.epoch,
		At:     probe.Timestamp,
	}
	changed := prev != next
	if changed {
		tracker.deliver.Lock()
	}
	tracker.mu.Unlock()

	m.metrics.RecordProbe(string(regionID), string(probe.Status), probe.Latency)

	if !changed {
		return next, nil
	}
	defer tracker.deliver.Unlock()

	m.metrics.SetHealthState(string(regionID), int(next))
	fields := []zap.Field{
		zap.String("region", string(regionID)),
		zap.String("from", prev.String()),
		zap.String("to", next.String()),
		zap.Uint64("epoch", transition.Epoch),
	}
	if transition.IsBreach() {
		m.logger.Warn("health breach", fields...)
	} else {
		m.logger.Info("health state changed", fields...)
	}

	m.mu.RLock()
	handlers := make([]Handler, len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.RUnlock()
	for _, h := range handlers {
		h(transition)
	}

	return next, nil
}

// derive computes the next state from the rolling window and the previous
// state. Failure and recovery thresholds are asymmetric.
func (m *Monitor) derive(rt *regionTracker, probe Probe) State {
	prev := rt.state

	if probe.Status == StatusFail {
		if rt.tail(StatusFail) >= m.config.FailureThreshold {
			return StateUnhealthy
		}
		if prev == StateUnhealthy {
			return StateUnhealthy
		}
		return StateSuspect
	}

	if prev == StateUnhealthy {
		if rt.tail(StatusOK) >= m.config.RecoveryThreshold {
			return StateHealthy
		}
		return StateUnhealthy
	}
	return StateHealthy
}

// State returns the current state of a region
func (m *Monitor) State(regionID topology.RegionID) (State, error) {
	m.mu.RLock()
	tracker, ok := m.trackers[regionID]
	m.mu.RUnlock()
	if !ok {
		return StateHealthy, fmt.Errorf("%w: %s", ErrUnknownRegion, regionID)
	}

	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	return tracker.state, nil
}

// Region returns a detailed view of one region
func (m *Monitor) Region(regionID topology.RegionID) (RegionHealth, error) {
	m.mu.RLock()
	tracker, ok := m.trackers[regionID]
	m.mu.RUnlock()
	if !ok {
		return RegionHealth{}, fmt.Errorf("%w: %s", ErrUnknownRegion, regionID)
	}
	return m.view(regionID, tracker), nil
}

// Snapshot returns the health of every region
func (m *Monitor) Snapshot() map[topology.RegionID]RegionHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[topology.RegionID]RegionHealth, len(m.trackers))
	for id, tracker := range m.trackers {
		out[id] = m.view(id, tracker)
	}
	return out
}

func (m *Monitor) view(id topology.RegionID, rt *regionTracker) RegionHealth {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	rh := RegionHealth{
		Region:           id,
		State:            rt.state,
		Epoch:            rt.epoch,
		ConsecutiveFails: rt.tail(StatusFail),
		ConsecutiveOK:    rt.tail(StatusOK),
	}
	if n := len(rt.window); n > 0 {
		rh.LastProbe = rt.window[n-1].Timestamp
		rh.LastLatency = rt.window[n-1].Latency
	}
	return rh
}

// SyncRegions adds trackers for new regions and drops removed ones after a
// topology reload. Existing trackers keep their window.
func (m *Monitor) SyncRegions(regions []topology.RegionID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	keep := make(map[topology.RegionID]bool, len(regions))
	for _, id := range regions {
		keep[id] = true
		if _, ok := m.trackers[id]; !ok {
			m.trackers[id] = &regionTracker{window: make([]Probe, 0, m.windowSize)}
			m.metrics.SetHealthState(string(id), int(StateHealthy))
		}
	}
	for id := range m.trackers {
		if !keep[id] {
			delete(m.trackers, id)
		}
	}
}
