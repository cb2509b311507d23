package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/mbd888/tradeguard/internal/circuitbreaker"
)

// LogSink writes every event as a structured log line.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink that logs at info level.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Publish logs the event.
func (s *LogSink) Publish(ctx context.Context, e Event) error {
	s.logger.InfoContext(ctx, "event",
		"event_id", e.ID,
		"type", string(e.Type),
		"subject", e.Subject,
		"actor", e.ActorID,
		"actor_role", e.ActorRole,
		"before", e.Before,
		"after", e.After,
	)
	return nil
}

// Guarded skips a sink while its circuit is open, so a dead downstream
// costs one fast error per event instead of a full retry cycle.
type Guarded struct {
	name    string
	sink    Sink
	breaker *circuitbreaker.Breaker
}

// Guard wraps sink with breaker under the given key.
func Guard(name string, sink Sink, breaker *circuitbreaker.Breaker) *Guarded {
	return &Guarded{name: name, sink: sink, breaker: breaker}
}

// Publish delivers unless the circuit is open.
func (g *Guarded) Publish(ctx context.Context, e Event) error {
	return g.breaker.Do(g.name, func() error { return g.sink.Publish(ctx, e) })
}

// Multi fans an event out to every sink. All sinks are attempted; failures
// are joined.
type Multi []Sink

// Publish delivers to each sink in order.
func (m Multi) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MemorySink records events in memory. Used in tests.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

// NewMemorySink creates an empty recorder.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Publish appends the event.
func (m *MemorySink) Publish(_ context.Context, e Event) error {
	m.mu.Lock()
	m.events = append(m.events, e)
	m.mu.Unlock()
	return nil
}

// Events returns a copy of what has been recorded.
func (m *MemorySink) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// Types returns the recorded event types in order.
func (m *MemorySink) Types() []Type {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Type, len(m.events))
	for i, e := range m.events {
		out[i] = e.Type
	}
	return out
}

// Reset clears the recorder.
func (m *MemorySink) Reset() {
	m.mu.Lock()
	m.events = nil
	m.mu.Unlock()
}
