package events

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/FairForge/drcore/internal/metrics"
	"github.com/google/uuid"
)

// EventBus is the audit/event stream consumed by external alerting
type EventBus interface {
	Publish(ctx context.Context, event Event) error
	Subscribe(pattern string, handler Handler) error
	Replay(from, to time.Time) ([]Event, error)
}

// Event represents something that happened
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Severity  Severity               `json:"severity"`
	Region    string                 `json:"region,omitempty"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// EventType categorizes events
type EventType string

const (
	HealthBreach                      EventType = "HealthBreach"
	BreachResolved                    EventType = "BreachResolved"
	ProbeTimeout                      EventType = "ProbeTimeout"
	StaleReplicationSample            EventType = "StaleReplicationSample"
	FailoverDecision                  EventType = "FailoverDecision"
	InsufficientReplicationConfidence EventType = "InsufficientReplicationConfidence"
	AutoFailoverBlocked               EventType = "AutoFailoverBlocked"
	RoutingUpdateConflict             EventType = "RoutingUpdateConflict"
	PromotionCommitted                EventType = "PromotionCommitted"
	PromotionAborted                  EventType = "PromotionAborted"
	PromotionPartialFailure           EventType = "PromotionPartialFailure"
	ReconciliationStarted             EventType = "ReconciliationStarted"
	ReconciliationComplete            EventType = "ReconciliationComplete"
	ReconciliationTimeout             EventType = "ReconciliationTimeout"
	ConsistencyDivergence             EventType = "ConsistencyDivergence"
	ConsistencyAuditSkipped           EventType = "ConsistencyAuditSkipped"
	ConsistencyAuditFailed            EventType = "ConsistencyAuditFailed"
	PrimaryRestored                   EventType = "PrimaryRestored"
	TopologyReloaded                  EventType = "TopologyReloaded"
)

// Severity drives alert routing downstream
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// New builds an event with the given type, severity and message
func New(eventType EventType, severity Severity, region, message string) Event {
	return Event{
		Type:     eventType,
		Severity: severity,
		Region:   region,
		Message:  message,
	}
}

// With attaches a data field and returns the event
func (e Event) With(key string, value interface{}) Event {
	data := make(map[string]interface{}, len(e.Data)+1)
	for k, v := range e.Data {
		data[k] = v
	}
	data[key] = value
	e.Data = data
	return e
}

// Handler processes events. Handlers run on the publishing goroutine and
// must not block.
type Handler func(ctx context.Context, event Event) error

type subscription struct {
	pattern string
	handler Handler
}

// Bus is an in-memory event bus that keeps a bounded history for replay
type Bus struct {
	mu            sync.RWMutex
	subscriptions []subscription
	events        []Event
	maxEvents     int
	metrics       *metrics.Collector
}

// NewBus creates an event bus keeping the last maxEvents events
func NewBus(maxEvents int, collector *metrics.Collector) *Bus {
	if maxEvents <= 0 {
		maxEvents = 1000
	}
	return &Bus{
		events:    make([]Event, 0, maxEvents),
		maxEvents: maxEvents,
		metrics:   collector,
	}
}

// Publish stores and dispatches an event. Handler errors do not stop
// delivery to other handlers.
func (b *Bus) Publish(ctx context.Context, event Event) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Severity == "" {
		event.Severity = SeverityInfo
	}

	b.mu.Lock()
	b.events = append(b.events, event)
	if len(b.events) > b.maxEvents {
		b.events = b.events[len(b.events)-b.maxEvents:]
	}
	var matched []Handler
	for _, sub := range b.subscriptions {
		if matchesPattern(string(event.Type), sub.pattern) {
			matched = append(matched, sub.handler)
		}
	}
	b.mu.Unlock()

	b.metrics.RecordEvent(string(event.Type), string(event.Severity))

	var firstErr error
	for _, handler := range matched {
		if err := handler(ctx, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Subscribe registers a handler for an exact type, "*" or a prefix ending
// in "*" (e.g. "Promotion*")
func (b *Bus) Subscribe(pattern string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subscriptions = append(b.subscriptions, subscription{pattern: pattern, handler: handler})
	return nil
}

// Replay returns retained events with from <= timestamp < to
func (b *Bus) Replay(from, to time.Time) ([]Event, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []Event
	for _, event := range b.events {
		if !event.Timestamp.Before(from) && event.Timestamp.Before(to) {
			result = append(result, event)
		}
	}
	return result, nil
}

// Recent returns up to limit of the most recent events matching pattern, in
// publication order. An empty pattern matches everything.
func (b *Bus) Recent(pattern string, limit int) []Event {
	if pattern == "" {
		pattern = "*"
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []Event
	for i := len(b.events) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		if matchesPattern(string(b.events[i].Type), pattern) {
			out = append(out, b.events[i])
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Count returns the number of retained events of the given type
func (b *Bus) Count(eventType EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := 0
	for _, event := range b.events {
		if event.Type == eventType {
			n++
		}
	}
	return n
}

func matchesPattern(eventType, pattern string) bool {
	if pattern == "*" || eventType == pattern {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(eventType, strings.TrimSuffix(pattern, "*"))
	}
	return false
}
