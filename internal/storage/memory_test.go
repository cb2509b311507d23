package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/tradeguard/internal/ledger"
	"github.com/mbd888/tradeguard/internal/order"
	"github.com/mbd888/tradeguard/internal/pagination"
)

func TestMemoryDB_RollbackUndoesEveryWrite(t *testing.T) {
	db := NewMemoryDB()
	ctx := context.Background()
	now := time.Now()
	boom := errors.New("boom")

	require.NoError(t, db.WithinTx(ctx, func(ctx context.Context, tx order.Tx) error {
		return tx.Orders().Insert(ctx, sampleOrder())
	}))

	err := db.WithinTx(ctx, func(ctx context.Context, tx order.Tx) error {
		o, err := tx.Orders().Get(ctx, "ord_1")
		if err != nil {
			return err
		}
		next := o.Clone()
		next.Status = order.StatusTransferring
		next.Version++
		if err := tx.Orders().UpdateIfVersion(ctx, next, o.Status, o.Version); err != nil {
			return err
		}
		if _, err := tx.Ledger().AddBalance(ctx, "seller", decimal.NewFromInt(50), now); err != nil {
			return err
		}
		if err := tx.Ledger().InsertEntry(ctx, &ledger.Entry{ID: "led_1", UserID: "seller", Status: ledger.EntryCompleted}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	require.NoError(t, db.WithinTx(ctx, func(ctx context.Context, tx order.Tx) error {
		o, err := tx.Orders().Get(ctx, "ord_1")
		require.NoError(t, err)
		assert.Equal(t, order.StatusPaid, o.Status)
		assert.Equal(t, int64(2), o.Version)

		acct, err := tx.Ledger().GetAccount(ctx, "seller")
		require.NoError(t, err)
		assert.True(t, acct.Balance.IsZero())

		_, err = tx.Ledger().GetEntry(ctx, "led_1")
		assert.ErrorIs(t, err, ledger.ErrEntryNotFound)
		return nil
	}))
}

func TestMemoryDB_UpdateIfVersionRejectsStaleWriter(t *testing.T) {
	db := NewMemoryDB()
	ctx := context.Background()
	require.NoError(t, db.WithinTx(ctx, func(ctx context.Context, tx order.Tx) error {
		return tx.Orders().Insert(ctx, sampleOrder())
	}))

	err := db.WithinTx(ctx, func(ctx context.Context, tx order.Tx) error {
		next := sampleOrder()
		next.Version = 3
		return tx.Orders().UpdateIfVersion(ctx, next, order.StatusPaid, 1)
	})
	assert.ErrorIs(t, err, order.ErrConflict)
}

func TestMemoryDB_ReturnsCopies(t *testing.T) {
	db := NewMemoryDB()
	ctx := context.Background()
	o := sampleOrder()
	require.NoError(t, db.WithinTx(ctx, func(ctx context.Context, tx order.Tx) error {
		return tx.Orders().Insert(ctx, o)
	}))
	o.Title = "mutated"

	_ = db.WithinTx(ctx, func(ctx context.Context, tx order.Tx) error {
		got, err := tx.Orders().Get(ctx, "ord_1")
		require.NoError(t, err)
		assert.Equal(t, "Concert ticket", got.Title)
		got.Title = "mutated again"
		return nil
	})
	_ = db.WithinTx(ctx, func(ctx context.Context, tx order.Tx) error {
		got, _ := tx.Orders().Get(ctx, "ord_1")
		assert.Equal(t, "Concert ticket", got.Title)
		return nil
	})
}

func TestMemoryDB_NegativeBalanceRefused(t *testing.T) {
	db := NewMemoryDB()
	err := db.WithinLedgerTx(context.Background(), func(ctx context.Context, s ledger.Store) error {
		_, err := s.AddBalance(ctx, "alice", decimal.NewFromInt(-1), time.Now())
		return err
	})
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
}

func TestMemoryDB_DuplicateExternalRef(t *testing.T) {
	db := NewMemoryDB()
	ctx := context.Background()
	insert := func(id string) error {
		return db.WithinLedgerTx(ctx, func(ctx context.Context, s ledger.Store) error {
			return s.InsertEntry(ctx, &ledger.Entry{ID: id, UserID: "alice", ExternalRef: "bank-1", Status: ledger.EntryCompleted})
		})
	}
	require.NoError(t, insert("led_1"))
	assert.ErrorIs(t, insert("led_2"), ledger.ErrDuplicateDeposit)
}

func TestMemoryDB_ListEntriesPagesNewestFirst(t *testing.T) {
	db := NewMemoryDB()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, db.WithinLedgerTx(ctx, func(ctx context.Context, s ledger.Store) error {
		for i, id := range []string{"led_a", "led_b", "led_c"} {
			e := &ledger.Entry{ID: id, UserID: "alice", Status: ledger.EntryCompleted, CreatedAt: base.Add(time.Duration(i) * time.Minute)}
			if err := s.InsertEntry(ctx, e); err != nil {
				return err
			}
		}
		return nil
	}))

	_ = db.WithinLedgerTx(ctx, func(ctx context.Context, s ledger.Store) error {
		first, err := s.ListEntries(ctx, "alice", nil, 2)
		require.NoError(t, err)
		require.Len(t, first, 2)
		assert.Equal(t, "led_c", first[0].ID)
		assert.Equal(t, "led_b", first[1].ID)

		rest, err := s.ListEntries(ctx, "alice", &pagination.Cursor{CreatedAt: first[1].CreatedAt, ID: first[1].ID}, 2)
		require.NoError(t, err)
		require.Len(t, rest, 1)
		assert.Equal(t, "led_a", rest[0].ID)
		return nil
	})
}

func TestMemoryDB_ListOverdue(t *testing.T) {
	db := NewMemoryDB()
	ctx := context.Background()
	now := time.Now()
	past, future := now.Add(-time.Hour), now.Add(time.Hour)

	mk := func(id string, status order.Status, refund order.RefundStatus, refundDue, confirmDue *time.Time) *order.Order {
		o := sampleOrder()
		o.ID, o.OrderNo = id, id
		o.Status, o.RefundStatus = status, refund
		o.RefundResponseDeadline, o.ConfirmDeadline = refundDue, confirmDue
		return o
	}
	require.NoError(t, db.WithinTx(ctx, func(ctx context.Context, tx order.Tx) error {
		for _, o := range []*order.Order{
			mk("r_due", order.StatusPaid, order.RefundPending, &past, nil),
			mk("r_later", order.StatusPaid, order.RefundPending, &future, nil),
			mk("r_rejected", order.StatusPaid, order.RefundRejected, &past, nil),
			mk("c_due", order.StatusTransferring, order.RefundNone, nil, &past),
			mk("c_later", order.StatusTransferring, order.RefundNone, nil, &future),
		} {
			if err := tx.Orders().Insert(ctx, o); err != nil {
				return err
			}
		}
		return nil
	}))

	_ = db.WithinTx(ctx, func(ctx context.Context, tx order.Tx) error {
		refunds, err := tx.Orders().ListRefundOverdue(ctx, now, 10)
		require.NoError(t, err)
		require.Len(t, refunds, 1)
		assert.Equal(t, "r_due", refunds[0].ID)

		confirms, err := tx.Orders().ListConfirmOverdue(ctx, now, 10)
		require.NoError(t, err)
		require.Len(t, confirms, 1)
		assert.Equal(t, "c_due", confirms[0].ID)
		return nil
	})
}

func TestMemoryDB_Tiers(t *testing.T) {
	db := NewMemoryDB()
	ctx := context.Background()

	_, known, err := db.IsVerified(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, known)

	require.NoError(t, db.SetVerified(ctx, "alice", true))
	v, known, err := db.IsVerified(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, known)
	assert.True(t, v)

	assert.ErrorIs(t, db.SetVerified(ctx, " ", true), order.ErrValidation)
}
