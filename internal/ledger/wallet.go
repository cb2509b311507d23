package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/tradeguard/internal/idgen"
	"github.com/mbd888/tradeguard/internal/metrics"
	"github.com/mbd888/tradeguard/internal/money"
)

// Wallet performs balance mutations inside a caller's unit of work. Every
// method writes the entry and the balance change through the same Store,
// so they commit or roll back together with whatever else the unit does.
type Wallet struct {
	store Store
	now   time.Time
}

// NewWallet binds a wallet to a unit-of-work store. now stamps every row
// written through it.
func NewWallet(store Store, now time.Time) *Wallet {
	return &Wallet{store: store, now: now}
}

func validAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() || !money.Round(amount).Equal(amount) {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, amount.String())
	}
	return nil
}

// Credit records a COMPLETED credit entry and increases the balance.
func (w *Wallet) Credit(ctx context.Context, userID string, amount decimal.Decimal, typ EntryType, corr Correlation, note string) (*Entry, error) {
	defer observeOp("credit")()
	if err := validAmount(amount); err != nil {
		return nil, err
	}
	if !allowed[Credit][typ] {
		return nil, fmt.Errorf("%w: credit %s", ErrInvalidEntryType, typ)
	}
	e := w.entry(userID, amount, typ, Credit, EntryCompleted, corr, note)
	if err := w.store.InsertEntry(ctx, e); err != nil {
		return nil, fmt.Errorf("insert entry: %w", err)
	}
	if _, err := w.store.AddBalance(ctx, userID, amount, w.now); err != nil {
		return nil, fmt.Errorf("credit balance: %w", err)
	}
	metrics.LedgerEntriesTotal.WithLabelValues(string(typ)).Inc()
	return e, nil
}

// Debit checks the balance covers amount, records the entry (PENDING for
// withdrawals, COMPLETED otherwise) and decreases the balance.
func (w *Wallet) Debit(ctx context.Context, userID string, amount decimal.Decimal, typ EntryType, corr Correlation, note string) (*Entry, error) {
	defer observeOp("debit")()
	if err := validAmount(amount); err != nil {
		return nil, err
	}
	if !allowed[Debit][typ] {
		return nil, fmt.Errorf("%w: debit %s", ErrInvalidEntryType, typ)
	}
	acct, err := w.store.GetAccount(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}
	if acct.Balance.LessThan(amount) {
		return nil, fmt.Errorf("%w: balance %s, need %s", ErrInsufficientBalance, money.Format(acct.Balance), money.Format(amount))
	}

	status := EntryCompleted
	if typ == TypeWithdraw {
		status = EntryPending
	}
	e := w.entry(userID, amount, typ, Debit, status, corr, note)
	if err := w.store.InsertEntry(ctx, e); err != nil {
		return nil, fmt.Errorf("insert entry: %w", err)
	}
	if _, err := w.store.AddBalance(ctx, userID, amount.Neg(), w.now); err != nil {
		return nil, fmt.Errorf("debit balance: %w", err)
	}
	metrics.LedgerEntriesTotal.WithLabelValues(string(typ)).Inc()
	return e, nil
}

// Adjust is a manual admin correction. The reason is mandatory and is
// stored as the entry note.
func (w *Wallet) Adjust(ctx context.Context, userID string, amount decimal.Decimal, isCredit bool, reason, adminID string) (*Entry, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, ErrReasonRequired
	}
	corr := Correlation{PerformedBy: adminID}
	if isCredit {
		return w.Credit(ctx, userID, amount, TypeAdminAdjustment, corr, reason)
	}
	return w.Debit(ctx, userID, amount, TypeAdminAdjustment, corr, reason)
}

// RefundWithdrawal returns the held amount of an open withdrawal to the
// user and cancels its WITHDRAW entry. The withdrawal ends FAILED.
func (w *Wallet) RefundWithdrawal(ctx context.Context, withdrawalID, reason, adminID string) (*Withdrawal, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, ErrReasonRequired
	}
	wd, err := w.store.GetWithdrawal(ctx, withdrawalID)
	if err != nil {
		return nil, err
	}
	if !wd.Status.Open() {
		return nil, fmt.Errorf("%w: refund from %s", ErrInvalidWithdrawal, wd.Status)
	}
	return w.releaseHold(ctx, wd, WithdrawalFailed, EntryCancelled, reason, adminID)
}

// releaseHold credits the held amount back, closes the WITHDRAW entry with
// entryStatus and moves the withdrawal to status.
func (w *Wallet) releaseHold(ctx context.Context, wd *Withdrawal, status WithdrawalStatus, entryStatus EntryStatus, reason, adminID string) (*Withdrawal, error) {
	defer observeOp("release_hold")()
	if err := w.store.UpdateEntryStatus(ctx, wd.EntryID, EntryPending, entryStatus, w.now); err != nil {
		return nil, fmt.Errorf("close withdrawal entry: %w", err)
	}
	if _, err := w.store.AddBalance(ctx, wd.UserID, wd.Amount, w.now); err != nil {
		return nil, fmt.Errorf("return withdrawal hold: %w", err)
	}
	return w.moveWithdrawal(ctx, wd, status, func(next *Withdrawal) {
		next.Reason = reason
		next.ReviewedBy = adminID
	})
}

func (w *Wallet) moveWithdrawal(ctx context.Context, wd *Withdrawal, to WithdrawalStatus, mutate func(*Withdrawal)) (*Withdrawal, error) {
	next := *wd
	next.Status = to
	next.UpdatedAt = w.now
	if mutate != nil {
		mutate(&next)
	}
	if err := w.store.UpdateWithdrawal(ctx, &next, wd.Status); err != nil {
		return nil, fmt.Errorf("update withdrawal: %w", err)
	}
	metrics.WithdrawalsTotal.WithLabelValues(string(to)).Inc()
	return &next, nil
}

func (w *Wallet) entry(userID string, amount decimal.Decimal, typ EntryType, dir Direction, status EntryStatus, corr Correlation, note string) *Entry {
	return &Entry{
		ID:           idgen.WithPrefix("led_"),
		UserID:       userID,
		Type:         typ,
		Direction:    dir,
		Amount:       amount,
		Status:       status,
		OrderID:      corr.OrderID,
		WithdrawalID: corr.WithdrawalID,
		PerformedBy:  corr.PerformedBy,
		ExternalRef:  corr.ExternalRef,
		Note:         note,
		Metadata:     corr.Metadata,
		CreatedAt:    w.now,
		UpdatedAt:    w.now,
	}
}
