// Package events carries notification and audit records out of the
// transaction engine after a unit of work commits.
package events

import (
	"context"
	"time"

	"github.com/mbd888/tradeguard/internal/idgen"
)

// Type names a kind of event, e.g. "order.paid".
type Type string

// Event is one committed state change. Before/After hold the fields that
// changed; Data holds anything else a consumer may want (amounts, reasons).
type Event struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	At        time.Time      `json:"at"`
	ActorID   string         `json:"actorId,omitempty"`
	ActorRole string         `json:"actorRole,omitempty"`
	Subject   string         `json:"subject"`
	Before    map[string]any `json:"before,omitempty"`
	After     map[string]any `json:"after,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// New stamps an event with an ID and time.
func New(typ Type, subject string, at time.Time) Event {
	return Event{
		ID:      idgen.WithPrefix("evt_"),
		Type:    typ,
		At:      at,
		Subject: subject,
	}
}

// Sink receives committed events. Implementations must be safe for
// concurrent use.
type Sink interface {
	Publish(ctx context.Context, e Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, e Event) error

// Publish calls f.
func (f SinkFunc) Publish(ctx context.Context, e Event) error { return f(ctx, e) }

// Nop discards everything.
var Nop Sink = SinkFunc(func(context.Context, Event) error { return nil })
