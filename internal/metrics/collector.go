// internal/metrics/collector.go
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "drcore"

// Collector holds all Prometheus metrics for the orchestration core. Every
// method is safe to call on a nil *Collector, which records nothing.
type Collector struct {
	registry *prometheus.Registry

	ProbesTotal       *prometheus.CounterVec
	ProbeLatency      *prometheus.HistogramVec
	HealthState       *prometheus.GaugeVec
	ReplicationLag    *prometheus.GaugeVec
	PollErrors        *prometheus.CounterVec
	FailoverState     *prometheus.GaugeVec
	Decisions         *prometheus.CounterVec
	RoutingApplies    *prometheus.CounterVec
	ConsistencyAudits *prometheus.CounterVec
	EventsTotal       *prometheus.CounterVec
	HTTPRequests      *prometheus.CounterVec
	HTTPLatency       *prometheus.HistogramVec
	RateLimitHits     *prometheus.CounterVec

	stateMu            sync.Mutex
	failoverStateNames []string
}

// NewCollector creates a collector on its own registry
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		ProbesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "health_probes_total",
				Help:      "Total number of ingested health probes",
			},
			[]string{"region", "status"},
		),
		ProbeLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "health_probe_latency_seconds",
				Help:      "Reported health probe latency in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"region"},
		),
		HealthState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "health_state",
				Help:      "Region health state (0 healthy, 1 suspect, 2 unhealthy)",
			},
			[]string{"region"},
		),
		ReplicationLag: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "replication_lag_seconds",
				Help:      "Last observed replication lag per channel",
			},
			[]string{"channel"},
		),
		PollErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "replication_poll_errors_total",
				Help:      "Total number of failed lag polls",
			},
			[]string{"channel"},
		),
		FailoverState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "failover_state",
				Help:      "Current decision engine state (1 for the active state)",
			},
			[]string{"state"},
		),
		Decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "failover_decisions_total",
				Help:      "Failover decisions by outcome",
			},
			[]string{"outcome", "forced"},
		),
		RoutingApplies: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "routing_applies_total",
				Help:      "Routing policy apply attempts by result",
			},
			[]string{"record_set", "result"},
		),
		ConsistencyAudits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "consistency_audits_total",
				Help:      "Post-failover consistency audits by result",
			},
			[]string{"result"},
		),
		EventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_total",
				Help:      "Published events by type",
			},
			[]string{"type", "severity"},
		),
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		RateLimitHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limit_hits_total",
				Help:      "Health probes rejected by the per-region limiter",
			},
			[]string{"region"},
		),
	}

	registry.MustRegister(
		c.ProbesTotal,
		c.ProbeLatency,
		c.HealthState,
		c.ReplicationLag,
		c.PollErrors,
		c.FailoverState,
		c.Decisions,
		c.RoutingApplies,
		c.ConsistencyAudits,
		c.EventsTotal,
		c.HTTPRequests,
		c.HTTPLatency,
		c.RateLimitHits,
	)

	return c
}

// Registry returns the underlying registry
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler returns the /metrics handler
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordProbe counts a probe and observes its latency
func (c *Collector) RecordProbe(region, status string, latency time.Duration) {
	if c == nil {
		return
	}
	c.ProbesTotal.WithLabelValues(region, status).Inc()
	c.ProbeLatency.WithLabelValues(region).Observe(latency.Seconds())
}

// SetHealthState records a region's health state
func (c *Collector) SetHealthState(region string, state int) {
	if c == nil {
		return
	}
	c.HealthState.WithLabelValues(region).Set(float64(state))
}

// SetReplicationLag records the last observed lag of a channel
func (c *Collector) SetReplicationLag(channel string, lag time.Duration) {
	if c == nil {
		return
	}
	c.ReplicationLag.WithLabelValues(channel).Set(lag.Seconds())
}

// IncPollError counts a failed lag poll
func (c *Collector) IncPollError(channel string) {
	if c == nil {
		return
	}
	c.PollErrors.WithLabelValues(channel).Inc()
}

// SetFailoverState marks state as active and every other known state inactive
func (c *Collector) SetFailoverState(state string) {
	if c == nil {
		return
	}
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	found := false
	for _, name := range c.failoverStateNames {
		if name == state {
			found = true
		}
		c.FailoverState.WithLabelValues(name).Set(0)
	}
	if !found {
		c.failoverStateNames = append(c.failoverStateNames, state)
	}
	c.FailoverState.WithLabelValues(state).Set(1)
}

// RecordDecision counts a decision outcome
func (c *Collector) RecordDecision(outcome string, forced bool) {
	if c == nil {
		return
	}
	c.Decisions.WithLabelValues(outcome, strconv.FormatBool(forced)).Inc()
}

// RecordRoutingApply counts a routing apply result
func (c *Collector) RecordRoutingApply(recordSet, result string) {
	if c == nil {
		return
	}
	c.RoutingApplies.WithLabelValues(recordSet, result).Inc()
}

// RecordAudit counts a consistency audit result
func (c *Collector) RecordAudit(result string) {
	if c == nil {
		return
	}
	c.ConsistencyAudits.WithLabelValues(result).Inc()
}

// RecordEvent counts a published event
func (c *Collector) RecordEvent(eventType, severity string) {
	if c == nil {
		return
	}
	c.EventsTotal.WithLabelValues(eventType, severity).Inc()
}

// RecordRequest counts an HTTP request and observes its latency
func (c *Collector) RecordRequest(method, path string, status int, duration time.Duration) {
	if c == nil {
		return
	}
	c.HTTPRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	c.HTTPLatency.WithLabelValues(method, path).Observe(duration.Seconds())
}

// IncRateLimitHit counts a rate-limited probe
func (c *Collector) IncRateLimitHit(region string) {
	if c == nil {
		return
	}
	c.RateLimitHits.WithLabelValues(region).Inc()
}
