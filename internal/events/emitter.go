package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	emitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tradeguard",
		Subsystem: "events",
		Name:      "emit_total",
		Help:      "Total event emit attempts by event type.",
	}, []string{"event_type"})

	emitErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tradeguard",
		Subsystem: "events",
		Name:      "emit_errors_total",
		Help:      "Total event emit failures by event type.",
	}, []string{"event_type"})
)

func init() {
	prometheus.MustRegister(emitTotal, emitErrors)
}

// Emitter delivers events to a sink after commit. Emit never returns an
// error: a failed delivery is counted and logged, and the committed state
// change stands.
type Emitter struct {
	sink    Sink
	logger  *slog.Logger
	timeout time.Duration
}

// NewEmitter creates an emitter. A nil sink discards events.
func NewEmitter(sink Sink, logger *slog.Logger) *Emitter {
	if sink == nil {
		sink = Nop
	}
	return &Emitter{sink: sink, logger: logger, timeout: 10 * time.Second}
}

// Emit publishes each event in order. The caller's context only
// contributes values; cancellation after commit must not drop events.
func (e *Emitter) Emit(ctx context.Context, evts ...Event) {
	if e == nil {
		return
	}
	base := context.WithoutCancel(ctx)
	for _, ev := range evts {
		emitTotal.WithLabelValues(string(ev.Type)).Inc()
		pctx, cancel := context.WithTimeout(base, e.timeout)
		err := e.sink.Publish(pctx, ev)
		cancel()
		if err != nil {
			emitErrors.WithLabelValues(string(ev.Type)).Inc()
			e.logger.Warn("event emit failed", "event", ev.Type, "subject", ev.Subject, "error", err)
		}
	}
}
