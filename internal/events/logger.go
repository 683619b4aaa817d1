package events

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// EventLogger writes every event to the structured log off the publishing
// path
type EventLogger struct {
	logger *zap.Logger
	buffer chan Event
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewEventLogger starts a logger sink with a bounded buffer
func NewEventLogger(logger *zap.Logger, bufferSize int) *EventLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	el := &EventLogger{
		logger: logger,
		buffer: make(chan Event, bufferSize),
	}
	el.wg.Add(1)
	go el.process()
	return el
}

// Attach subscribes the logger to every event on the bus
func (el *EventLogger) Attach(bus EventBus) error {
	return bus.Subscribe("*", el.Handle)
}

// Handle enqueues an event, dropping it when the buffer is full or the
// logger is closed
func (el *EventLogger) Handle(_ context.Context, event Event) error {
	el.mu.RLock()
	defer el.mu.RUnlock()
	if el.closed {
		return nil
	}

	select {
	case el.buffer <- event:
	default:
		el.logger.Warn("event buffer full, dropping event",
			zap.String("type", string(event.Type)),
			zap.String("id", event.ID))
	}
	return nil
}

// Close drains the buffer and stops the sink
func (el *EventLogger) Close() {
	el.mu.Lock()
	if !el.closed {
		el.closed = true
		close(el.buffer)
	}
	el.mu.Unlock()
	el.wg.Wait()
}

func (el *EventLogger) process() {
	defer el.wg.Done()

	for event := range el.buffer {
		fields := []zap.Field{
			zap.String("event_id", event.ID),
			zap.String("type", string(event.Type)),
			zap.String("severity", string(event.Severity)),
			zap.Time("timestamp", event.Timestamp),
		}
		if event.Region != "" {
			fields = append(fields, zap.String("region", event.Region))
		}
		if len(event.Data) > 0 {
			fields = append(fields, zap.Any("data", event.Data))
		}

		switch event.Severity {
		case SeverityCritical:
			el.logger.Error(event.Message, fields...)
		case SeverityWarning:
			el.logger.Warn(event.Message, fields...)
		default:
			el.logger.Info(event.Message, fields...)
		}
	}
}
