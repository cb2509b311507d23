package events

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/tradeguard/internal/circuitbreaker"
	"github.com/mbd888/tradeguard/internal/retry"
)

type fakeWriter struct {
	mu     sync.Mutex
	fails  int
	msgs   []kafka.Message
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return errors.New("leader not available")
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestNew(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e := New("order.paid", "ord_1", at)
	assert.Equal(t, Type("order.paid"), e.Type)
	assert.Equal(t, "ord_1", e.Subject)
	assert.Equal(t, at, e.At)
	assert.Contains(t, e.ID, "evt_")
}

func TestMulti_JoinsErrors(t *testing.T) {
	mem := NewMemorySink()
	boom := errors.New("boom")
	m := Multi{SinkFunc(func(context.Context, Event) error { return boom }), nil, mem}

	err := m.Publish(context.Background(), New("x", "s", time.Now()))
	require.ErrorIs(t, err, boom)
	assert.Len(t, mem.Events(), 1, "later sinks still receive the event")
}

func TestMemorySink(t *testing.T) {
	mem := NewMemorySink()
	_ = mem.Publish(context.Background(), New("a", "s", time.Now()))
	_ = mem.Publish(context.Background(), New("b", "s", time.Now()))
	assert.Equal(t, []Type{"a", "b"}, mem.Types())
	mem.Reset()
	assert.Empty(t, mem.Events())
}

func TestKafkaSink_PublishesKeyedJSON(t *testing.T) {
	w := &fakeWriter{}
	sink := NewKafkaSink(w)

	e := New("order.transferred", "ord_42", time.Now().UTC())
	e.After = map[string]any{"status": "TRANSFERRED"}
	require.NoError(t, sink.Publish(context.Background(), e))

	require.Len(t, w.msgs, 1)
	assert.Equal(t, "ord_42", string(w.msgs[0].Key))

	var decoded Event
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &decoded))
	assert.Equal(t, e.ID, decoded.ID)
	assert.Equal(t, "TRANSFERRED", decoded.After["status"])
}

func TestKafkaSink_RetriesTransientFailures(t *testing.T) {
	w := &fakeWriter{fails: 2}
	sink := NewKafkaSink(w).WithPolicy(retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond})

	require.NoError(t, sink.Publish(context.Background(), New("order.paid", "ord_1", time.Now())))
	assert.Len(t, w.msgs, 1)
}

func TestKafkaSink_GivesUp(t *testing.T) {
	w := &fakeWriter{fails: 5}
	sink := NewKafkaSink(w).WithPolicy(retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond})

	err := sink.Publish(context.Background(), New("order.paid", "ord_1", time.Now()))
	require.Error(t, err)
	assert.Empty(t, w.msgs)
	require.NoError(t, sink.Close())
	assert.True(t, w.closed)
}

func TestGuarded_StopsCallingAfterTrip(t *testing.T) {
	var calls int
	down := SinkFunc(func(context.Context, Event) error {
		calls++
		return errors.New("down")
	})
	g := Guard("kafka", down, circuitbreaker.New(2, time.Hour))

	for range 5 {
		_ = g.Publish(context.Background(), New("order.paid", "ord_1", time.Now()))
	}
	assert.Equal(t, 2, calls)
	err := g.Publish(context.Background(), New("order.paid", "ord_1", time.Now()))
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
}

func TestEmitter_SwallowsSinkErrors(t *testing.T) {
	var calls int
	sink := SinkFunc(func(context.Context, Event) error {
		calls++
		return errors.New("down")
	})
	em := NewEmitter(sink, slog.New(slog.DiscardHandler))

	em.Emit(context.Background(), New("a", "s", time.Now()), New("b", "s", time.Now()))
	assert.Equal(t, 2, calls)
}

func TestEmitter_IgnoresCallerCancellation(t *testing.T) {
	mem := NewMemorySink()
	var sawCancelled bool
	sink := SinkFunc(func(ctx context.Context, e Event) error {
		sawCancelled = ctx.Err() != nil
		return mem.Publish(ctx, e)
	})
	em := NewEmitter(sink, slog.New(slog.DiscardHandler))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	em.Emit(ctx, New("a", "s", time.Now()))

	assert.False(t, sawCancelled)
	assert.Len(t, mem.Events(), 1)
}

func TestEmitter_NilSafe(t *testing.T) {
	var em *Emitter
	em.Emit(context.Background(), New("a", "s", time.Now()))
	NewEmitter(nil, slog.New(slog.DiscardHandler)).Emit(context.Background(), New("a", "s", time.Now()))
}
