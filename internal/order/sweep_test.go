package order_test

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/tradeguard/internal/auth"
	"github.com/mbd888/tradeguard/internal/lease"
	"github.com/mbd888/tradeguard/internal/ledger"
	"github.com/mbd888/tradeguard/internal/order"
)

func TestCheckTimeouts_AutoApprovesOverdueRefund(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	pending := e.mustApply(e.paidOrder("80"), buyer, order.RequestRefund{Reason: "r"})

	res, err := e.svc.CheckTimeouts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Processed, "not due yet")

	e.clock.Advance(48*time.Hour + time.Second)
	res, err = e.svc.CheckTimeouts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, 1, res.Succeeded)
	require.Len(t, res.Outcomes, 1)
	assert.Equal(t, order.SweepOutcome{
		OrderID: pending.ID,
		Kind:    order.KindRefundTimeout,
		Version: pending.Version,
		Result:  order.ResultSucceeded,
	}, res.Outcomes[0])

	got, err := e.svc.Get(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusCancelled, got.Status)
	assert.Equal(t, order.RefundApproved, got.RefundStatus)
	assert.True(t, got.RefundAutoApproved)
	assert.True(t, e.balance(buyer.ID).Equal(dec("80")))
	requireRefundMatchesStatus(t, e, got)
	e.requireLedgerConsistent()
}

func TestCheckTimeouts_AutoConfirmsOverdueTransfer(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	transferred := e.mustApply(e.paidOrder("100"), seller, order.Transfer{Proof: "sent"})

	_, err := e.apply(transferred, auth.System, order.Confirm{})
	assert.ErrorIs(t, err, order.ErrValidation, "system may not confirm before the deadline")

	e.clock.Advance(169 * time.Hour)
	res, err := e.svc.CheckTimeouts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, order.KindConfirmTimeout, res.Outcomes[0].Kind)

	got, err := e.svc.Get(ctx, transferred.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusCompleted, got.Status)
	assert.True(t, got.AutoConfirmed)
	assert.Len(t, e.entriesOfType(got.ID, ledger.TypeRelease), 1)
	assert.True(t, e.balance(seller.ID).Equal(dec("97")))
}

func TestCheckTimeouts_Idempotent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.mustApply(e.paidOrder("80"), buyer, order.RequestRefund{Reason: "r"})
	e.clock.Advance(72 * time.Hour)

	first, err := e.svc.CheckTimeouts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Succeeded)

	second, err := e.svc.CheckTimeouts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Processed)
	assert.Empty(t, second.Outcomes)
}

func TestCheckTimeouts_ConcurrentSweepsProcessOnce(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	var ids []string
	for range 5 {
		p := e.mustApply(e.paidOrder("20"), buyer, order.RequestRefund{Reason: "r"})
		ids = append(ids, p.ID)
	}
	e.clock.Advance(72 * time.Hour)

	var wg sync.WaitGroup
	results := make([]*order.SweepResult, 3)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := e.svc.CheckTimeouts(ctx)
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	succeeded, failed := 0, 0
	for _, r := range results {
		succeeded += r.Succeeded
		failed += r.Failed
	}
	assert.Equal(t, len(ids), succeeded)
	assert.Zero(t, failed)
	for _, id := range ids {
		assert.Len(t, e.entriesOfType(id, ledger.TypeRefund), 1, "order %s refunded more than once", id)
	}
	e.requireLedgerConsistent()
}

func TestCheckTimeouts_SellerActionWinsOverSweep(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	pending := e.mustApply(e.paidOrder("80"), buyer, order.RequestRefund{Reason: "r"})
	e.clock.Advance(72 * time.Hour)

	// The seller answers late but before the sweep runs.
	rejected := e.mustApply(pending, seller, order.RejectRefund{Reason: "valid"})

	res, err := e.svc.CheckTimeouts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Processed)

	got, err := e.svc.Get(ctx, rejected.ID)
	require.NoError(t, err)
	assert.Equal(t, order.RefundRejected, got.RefundStatus)
}

func TestCheckTimeouts_RespectsBatchSize(t *testing.T) {
	e := newEnv(t)
	svc := order.NewService(e.db, e.db, order.Config{
		FeeRate:    dec("0.03"),
		Deadlines:  order.DefaultDeadlinePolicy(),
		SweepBatch: 2,
	}, nil, slog.New(slog.DiscardHandler)).WithClock(e.clock.Now)

	for range 3 {
		e.mustApply(e.paidOrder("10"), buyer, order.RequestRefund{Reason: "r"})
	}
	e.clock.Advance(72 * time.Hour)

	res, err := svc.CheckTimeouts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)

	res, err = svc.CheckTimeouts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
}

func TestTimer_SkipsWhenLeaseHeld(t *testing.T) {
	e := newEnv(t)
	locker := lease.NewMemoryLocker()
	timer := order.NewTimer(e.svc, time.Minute, slog.New(slog.DiscardHandler)).WithLocker(locker)

	held, err := locker.Acquire(context.Background(), order.SweepLeaseName, time.Minute)
	require.NoError(t, err)

	res, skipped, err := timer.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, skipped)
	assert.Nil(t, res)

	require.NoError(t, held.Release(context.Background()))
	res, skipped, err = timer.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, skipped)
	assert.NotNil(t, res)

	// The lease is released after each run.
	_, err = locker.Acquire(context.Background(), order.SweepLeaseName, time.Minute)
	assert.NoError(t, err)
}

func TestTimer_StartStop(t *testing.T) {
	e := newEnv(t)
	timer := order.NewTimer(e.svc, 10*time.Millisecond, slog.New(slog.DiscardHandler))

	done := make(chan struct{})
	go func() {
		timer.Start(context.Background())
		close(done)
	}()

	require.Eventually(t, timer.Running, time.Second, 5*time.Millisecond)
	timer.Stop()
	timer.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not stop")
	}
	assert.False(t, timer.Running())
}
