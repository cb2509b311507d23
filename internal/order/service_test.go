package order_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/tradeguard/internal/auth"
	"github.com/mbd888/tradeguard/internal/events"
	"github.com/mbd888/tradeguard/internal/ledger"
	"github.com/mbd888/tradeguard/internal/order"
)

func TestPublish_SnapshotsFee(t *testing.T) {
	e := newEnv(t)
	o := e.publish("10000")

	assert.Equal(t, order.StatusPublished, o.Status)
	assert.Equal(t, int64(0), o.Version)
	assert.True(t, o.PlatformFee.Equal(dec("300")), "fee = %s", o.PlatformFee)
	assert.NotEmpty(t, o.OrderNo)
	assert.Equal(t, []events.Type{"order.published"}, e.sink.Types())
}

func TestPublish_Validation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.svc.Publish(ctx, seller, order.PublishRequest{Title: " ", Price: dec("10")})
	assert.ErrorIs(t, err, order.ErrValidation)

	_, err = e.svc.Publish(ctx, seller, order.PublishRequest{Title: "x", Price: dec("0")})
	assert.ErrorIs(t, err, order.ErrValidation)

	_, err = e.svc.Publish(ctx, seller, order.PublishRequest{Title: "x", Price: dec("1.005")})
	assert.ErrorIs(t, err, order.ErrValidation)

	_, err = e.svc.Publish(ctx, admin, order.PublishRequest{Title: "x", Price: dec("10")})
	assert.ErrorIs(t, err, order.ErrPermission)
}

func TestPay_EscrowsPrice(t *testing.T) {
	e := newEnv(t)
	e.fund(buyer.ID, "15000")
	o := e.publish("10000")

	paid := e.mustApply(o, buyer, order.Pay{})

	assert.Equal(t, order.StatusPaid, paid.Status)
	assert.Equal(t, int64(1), paid.Version)
	assert.Equal(t, buyer.ID, paid.BuyerID)
	assert.True(t, paid.EscrowAmount.Equal(dec("10000")))

	escrow := e.entriesOfType(o.ID, ledger.TypeEscrow)
	require.Len(t, escrow, 1)
	assert.True(t, escrow[0].Amount.Equal(dec("10000")))
	assert.Equal(t, buyer.ID, escrow[0].UserID)
	assert.Equal(t, ledger.EntryCompleted, escrow[0].Status)
	assert.True(t, e.balance(buyer.ID).Equal(dec("5000")))
	e.requireLedgerConsistent()
}

func TestPay_InsufficientBalanceLeavesOrderUntouched(t *testing.T) {
	e := newEnv(t)
	e.fund(buyer.ID, "50")
	o := e.publish("100")

	_, err := e.apply(o, buyer, order.Pay{})
	require.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	assert.Equal(t, "insufficient_balance", order.Kind(err))

	got, err := e.svc.Get(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusPublished, got.Status)
	assert.Equal(t, int64(0), got.Version)
	assert.Empty(t, got.BuyerID)
	assert.Empty(t, e.entries(o.ID))
	assert.True(t, e.balance(buyer.ID).Equal(dec("50")))
}

func TestPay_SellerCannotBuyOwnListing(t *testing.T) {
	e := newEnv(t)
	e.fund(seller.ID, "100")
	o := e.publish("100")

	_, err := e.apply(o, seller, order.Pay{})
	assert.ErrorIs(t, err, order.ErrPermission)
}

func TestConcurrentPay_ExactlyOneWinner(t *testing.T) {
	for _, k := range []int{2, 3, 16} {
		e := newEnv(t)
		o := e.publish("10000")
		buyers := make([]auth.Actor, k)
		for i := range buyers {
			buyers[i] = auth.Actor{ID: "buyer-" + string(rune('a'+i)), Role: auth.RoleUser}
			e.fund(buyers[i].ID, "10000")
		}

		var wins, conflicts atomic.Int32
		var wg sync.WaitGroup
		start := make(chan struct{})
		for _, b := range buyers {
			wg.Add(1)
			go func(b auth.Actor) {
				defer wg.Done()
				<-start
				_, err := e.apply(o, b, order.Pay{})
				switch order.Kind(err) {
				case "ok":
					wins.Add(1)
				case "conflict":
					conflicts.Add(1)
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}(b)
		}
		close(start)
		wg.Wait()

		assert.Equal(t, int32(1), wins.Load(), "k=%d", k)
		assert.Equal(t, int32(k-1), conflicts.Load(), "k=%d", k)

		got, err := e.svc.Get(context.Background(), o.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(1), got.Version)
		assert.Len(t, e.entriesOfType(o.ID, ledger.TypeEscrow), 1, "duplicate escrow entries")
		e.requireLedgerConsistent()
	}
}

func TestApply_StaleVersionConflicts(t *testing.T) {
	e := newEnv(t)
	o := e.paidOrder("100")

	stale := o.Clone()
	stale.Version = 0
	_, err := e.apply(stale, seller, order.Transfer{Proof: "ticket #1"})
	require.ErrorIs(t, err, order.ErrConflict)
	assert.True(t, order.Retryable(err))
}

func TestTransferConfirm_ReleasesProceeds(t *testing.T) {
	e := newEnv(t)
	o := e.paidOrder("10000")

	transferred := e.mustApply(o, seller, order.Transfer{Proof: "QR code sent"})
	assert.Equal(t, order.StatusTransferring, transferred.Status)
	require.NotNil(t, transferred.ConfirmDeadline)
	assert.Equal(t, e.clock.Now().Add(168*time.Hour), *transferred.ConfirmDeadline)

	completed := e.mustApply(transferred, buyer, order.Confirm{})
	assert.Equal(t, order.StatusCompleted, completed.Status)
	assert.Equal(t, int64(3), completed.Version)
	assert.False(t, completed.AutoConfirmed)

	release := e.entriesOfType(o.ID, ledger.TypeRelease)
	require.Len(t, release, 1)
	assert.Equal(t, seller.ID, release[0].UserID)
	assert.True(t, release[0].Amount.Equal(dec("9700")))
	assert.True(t, e.balance(seller.ID).Equal(dec("9700")))
	e.requireLedgerConsistent()
}

func TestTransfer_Guards(t *testing.T) {
	e := newEnv(t)
	o := e.paidOrder("100")

	_, err := e.apply(o, buyer, order.Transfer{Proof: "x"})
	assert.ErrorIs(t, err, order.ErrPermission)

	_, err = e.apply(o, seller, order.Transfer{Proof: "  "})
	assert.ErrorIs(t, err, order.ErrValidation)

	pending := e.mustApply(o, buyer, order.RequestRefund{Reason: "wrong seat"})
	_, err = e.apply(pending, seller, order.Transfer{Proof: "x"})
	assert.ErrorIs(t, err, order.ErrInvalidTransition)
}

func TestConfirm_OnlyBuyer(t *testing.T) {
	e := newEnv(t)
	o := e.mustApply(e.paidOrder("100"), seller, order.Transfer{Proof: "x"})

	_, err := e.apply(o, seller, order.Confirm{})
	assert.ErrorIs(t, err, order.ErrPermission)

	_, err = e.apply(o, auth.Actor{ID: "stranger", Role: auth.RoleUser}, order.Confirm{})
	assert.ErrorIs(t, err, order.ErrPermission)
}

func TestCancel_PublishedBySeller(t *testing.T) {
	e := newEnv(t)
	o := e.publish("100")

	_, err := e.apply(o, buyer, order.Cancel{})
	assert.ErrorIs(t, err, order.ErrPermission)

	cancelled := e.mustApply(o, seller, order.Cancel{Reason: "changed my mind"})
	assert.Equal(t, order.StatusCancelled, cancelled.Status)
	assert.Empty(t, e.entries(o.ID))
}

func TestCancel_PaidIsInvalidTransitionForEveryone(t *testing.T) {
	e := newEnv(t)
	o := e.paidOrder("100")

	for _, actor := range []auth.Actor{seller, buyer, admin, auth.System} {
		_, err := e.apply(o, actor, order.Cancel{Reason: "please"})
		assert.ErrorIs(t, err, order.ErrInvalidTransition, "actor %s", actor.ID)
	}
	got, err := e.svc.Get(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusPaid, got.Status)
	assert.Equal(t, int64(1), got.Version)
}

func TestApply_InvalidActionsOnTerminalOrder(t *testing.T) {
	e := newEnv(t)
	o := e.mustApply(e.mustApply(e.paidOrder("100"), seller, order.Transfer{Proof: "x"}), buyer, order.Confirm{})

	for _, a := range []order.Action{order.Pay{}, order.Transfer{Proof: "x"}, order.Confirm{}, order.RequestRefund{Reason: "r"}} {
		_, err := e.apply(o, buyer, a)
		assert.ErrorIs(t, err, order.ErrInvalidTransition, a.Name())
	}
}

func TestApply_RejectsMissingActorOrAction(t *testing.T) {
	e := newEnv(t)
	o := e.publish("100")

	_, err := e.apply(o, auth.Actor{}, order.Pay{})
	assert.ErrorIs(t, err, order.ErrPermission)

	_, err = e.svc.Apply(context.Background(), order.Command{OrderID: o.ID, Actor: buyer})
	assert.ErrorIs(t, err, order.ErrValidation)

	_, err = e.svc.Apply(context.Background(), order.Command{OrderID: "ord_missing", Actor: buyer, Action: order.Pay{}})
	assert.ErrorIs(t, err, order.ErrNotFound)
}

func TestVersionMonotonicity(t *testing.T) {
	e := newEnv(t)
	o := e.paidOrder("100")
	steps := []struct {
		actor  auth.Actor
		action order.Action
	}{
		{buyer, order.RequestRefund{Reason: "late"}},
		{seller, order.RequestRefundExtension{Reason: "checking"}},
		{seller, order.RejectRefund{Reason: "ticket valid"}},
		{buyer, order.CreateDispute{Reason: "not valid"}},
		{admin, order.ResolveDispute{Outcome: order.OutcomeRefund, Resolution: "buyer right"}},
	}

	for i, step := range steps {
		// Several racers per step; only one may land.
		var wg sync.WaitGroup
		var wins atomic.Int32
		var winner atomic.Pointer[order.Order]
		for range 4 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				next, err := e.apply(o, step.actor, step.action)
				if err == nil {
					wins.Add(1)
					winner.Store(next)
				}
			}()
		}
		wg.Wait()
		require.Equal(t, int32(1), wins.Load(), "step %d", i)
		o = winner.Load()
		assert.Equal(t, int64(i+2), o.Version, "step %d", i)
	}
	assert.Equal(t, order.StatusCancelled, o.Status)
	e.requireLedgerConsistent()
}

func TestEvents_CarryBeforeAndAfter(t *testing.T) {
	e := newEnv(t)
	o := e.paidOrder("100")

	evts := e.sink.Events()
	last := evts[len(evts)-1]
	assert.Equal(t, events.Type("order.pay"), last.Type)
	assert.Equal(t, o.ID, last.Subject)
	assert.Equal(t, buyer.ID, last.ActorID)
	assert.Equal(t, "PUBLISHED", last.Before["status"])
	assert.Equal(t, "PAID", last.After["status"])
	assert.Equal(t, int64(1), last.After["version"])
	assert.Equal(t, seller.ID, last.Data["sellerId"])
}

func TestEvents_NotEmittedOnFailure(t *testing.T) {
	e := newEnv(t)
	o := e.publish("100")
	e.sink.Reset()

	_, err := e.apply(o, buyer, order.Pay{})
	require.Error(t, err)
	assert.Empty(t, e.sink.Events())
}

func TestListForUser(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	for range 3 {
		e.publish("10")
		e.clock.Advance(time.Minute)
	}

	page, err := e.svc.ListForUser(ctx, seller.ID, "", 2)
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.True(t, page.HasMore)
	assert.True(t, page.Items[0].PublishedAt.After(page.Items[1].PublishedAt))

	rest, err := e.svc.ListForUser(ctx, seller.ID, page.NextCursor, 2)
	require.NoError(t, err)
	assert.Len(t, rest.Items, 1)
	assert.False(t, rest.HasMore)

	none, err := e.svc.ListForUser(ctx, buyer.ID, "", 10)
	require.NoError(t, err)
	assert.Empty(t, none.Items)

	_, err = e.svc.ListForUser(ctx, seller.ID, "garbage!", 10)
	assert.Equal(t, "validation", order.Kind(err))
}
