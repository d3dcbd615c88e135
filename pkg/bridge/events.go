// Copyright 2024-2026 Aiku AI

package bridge

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Observability event names emitted on the bus.
const (
	EventRecoveryStarted       = "recoveryStarted"
	EventRecoverySucceeded     = "recoverySucceeded"
	EventRecoveryFailed        = "recoveryFailed"
	EventCircuitBreakerTripped = "circuitBreakerTripped"
	EventCircuitBreakerReset   = "circuitBreakerReset"
	EventServiceSilent         = "serviceSilent"
	EventStateChanged          = "connectionStateChanged"
	EventRateLimitDenied       = "rateLimitDenied"
)

// BusEvent is an immutable observability event. Consumers are passive: they
// can never block or fail the core.
type BusEvent struct {
	Name    string
	Service string
	Detail  string
	Time    time.Time
}

// EventBus fans BusEvents out to subscriber channels without ever blocking
// the emitter: events to a full subscriber are dropped.
type EventBus struct {
	mu    sync.Mutex
	sinks []chan BusEvent
	log   zerolog.Logger
}

// NewEventBus creates a bus that also mirrors every event to log at debug.
func NewEventBus(log zerolog.Logger) *EventBus {
	return &EventBus{log: log.With().Str("component", "event_bus").Logger()}
}

// Subscribe registers a new sink with the given buffer size and returns its
// channel. The channel is never closed.
func (b *EventBus) Subscribe(buffer int) <-chan BusEvent {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan BusEvent, buffer)
	b.mu.Lock()
	b.sinks = append(b.sinks, ch)
	b.mu.Unlock()
	return ch
}

// Emit delivers the event to all sinks, dropping it for any sink whose
// buffer is full.
func (b *EventBus) Emit(name, service, detail string) {
	evt := BusEvent{Name: name, Service: service, Detail: detail, Time: time.Now()}
	b.log.Debug().
		Str("event", name).
		Str("service", service).
		Str("detail", detail).
		Msg("Bus event")

	b.mu.Lock()
	sinks := b.sinks
	b.mu.Unlock()
	for _, ch := range sinks {
		select {
		case ch <- evt:
		default:
			// Slow sink, event dropped. Observability is fire-and-forget.
		}
	}
}
