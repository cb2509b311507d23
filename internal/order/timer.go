package order

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/tradeguard/internal/lease"
	"github.com/mbd888/tradeguard/internal/metrics"
)

// SweepLeaseName is the lease a replica must hold to run the sweep.
const SweepLeaseName = "deadline-sweep"

// Timer runs CheckTimeouts on a fixed interval.
type Timer struct {
	service  *Service
	interval time.Duration
	locker   lease.Locker // optional
	leaseTTL time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
}

// NewTimer creates a deadline sweep timer.
func NewTimer(service *Service, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Timer{
		service:  service,
		interval: interval,
		leaseTTL: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// WithLocker makes each sweep run only on the replica holding the sweep
// lease. Correctness does not depend on it; it only saves duplicate work.
func (t *Timer) WithLocker(l lease.Locker) *Timer {
	t.locker = l
	return t
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the timer to stop. Safe to call more than once.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

// RunOnce performs a single sweep, honouring the lease if configured.
// skipped is true when another replica holds the lease.
func (t *Timer) RunOnce(ctx context.Context) (result *SweepResult, skipped bool, err error) {
	if t.locker != nil {
		l, err := t.locker.Acquire(ctx, SweepLeaseName, t.leaseTTL)
		if errors.Is(err, lease.ErrHeld) {
			metrics.SweepRunsTotal.WithLabelValues("skipped").Inc()
			return nil, true, nil
		}
		if err != nil {
			// Fall through and sweep anyway: the OCC guard keeps
			// concurrent sweeps safe, the lease only avoids duplicate work.
			t.logger.Warn("sweep lease unavailable, sweeping without it", "error", err)
		} else {
			defer func() {
				if rerr := l.Release(context.WithoutCancel(ctx)); rerr != nil {
					t.logger.Warn("sweep lease release failed", "error", rerr)
				}
			}()
		}
	}

	result, err = t.service.CheckTimeouts(ctx)
	if err != nil {
		metrics.SweepRunsTotal.WithLabelValues("error").Inc()
		return nil, false, err
	}
	metrics.SweepRunsTotal.WithLabelValues("ok").Inc()
	return result, false, nil
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in deadline sweep", "panic", fmt.Sprint(r))
		}
	}()
	if _, _, err := t.RunOnce(ctx); err != nil {
		t.logger.Warn("deadline sweep failed", "error", err)
	}
}
