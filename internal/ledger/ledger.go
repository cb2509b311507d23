// Package ledger keeps user balances consistent with an append-only log of
// balance-affecting entries.
//
// A user's balance is a materialized cache of the signed sum of their
// effective entries: COMPLETED entries, plus PENDING withdrawal holds.
// Only Wallet mutates balances, and always alongside an entry in the same
// unit of work.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/tradeguard/internal/pagination"
)

var (
	ErrInsufficientBalance    = errors.New("insufficient balance")
	ErrInvalidAmount          = errors.New("invalid amount")
	ErrInvalidEntryType       = errors.New("entry type not allowed for this direction")
	ErrReasonRequired         = errors.New("reason is required")
	ErrDuplicateDeposit       = errors.New("deposit already processed")
	ErrEntryNotFound          = errors.New("ledger entry not found")
	ErrWithdrawalNotFound     = errors.New("withdrawal not found")
	ErrInvalidWithdrawal      = errors.New("withdrawal not in a valid state for this operation")
	ErrBelowMinimum           = errors.New("amount below minimum withdrawal")
	ErrMissingField           = errors.New("required field missing")
	ErrConcurrentModification = errors.New("ledger row changed concurrently")
)

// EntryType classifies a ledger entry.
type EntryType string

const (
	TypeEscrow          EntryType = "ESCROW"
	TypeRelease         EntryType = "RELEASE"
	TypeRefund          EntryType = "REFUND"
	TypeWithdraw        EntryType = "WITHDRAW"
	TypeAdminAdjustment EntryType = "ADMIN_ADJUSTMENT"
	TypeDeposit         EntryType = "DEPOSIT"
)

// EntryStatus is the lifecycle of an entry. Only WITHDRAW entries leave
// PENDING, and only to COMPLETED, CANCELLED or FAILED.
type EntryStatus string

const (
	EntryPending   EntryStatus = "PENDING"
	EntryCompleted EntryStatus = "COMPLETED"
	EntryCancelled EntryStatus = "CANCELLED"
	EntryFailed    EntryStatus = "FAILED"
)

// Direction says whether an entry adds to or removes from the balance.
type Direction string

const (
	Credit Direction = "credit"
	Debit  Direction = "debit"
)

// allowed lists the entry types each direction may carry.
var allowed = map[Direction]map[EntryType]bool{
	Credit: {TypeRelease: true, TypeRefund: true, TypeDeposit: true, TypeAdminAdjustment: true},
	Debit:  {TypeEscrow: true, TypeWithdraw: true, TypeAdminAdjustment: true},
}

// Correlation links an entry to what caused it.
type Correlation struct {
	OrderID      string
	WithdrawalID string
	PerformedBy  string // admin actor for manual adjustments
	ExternalRef  string // deposit reference, unique per DEPOSIT
	Metadata     map[string]string
}

// Entry is one balance-affecting event.
type Entry struct {
	ID           string            `json:"id"`
	UserID       string            `json:"userId"`
	Type         EntryType         `json:"type"`
	Direction    Direction         `json:"direction"`
	Amount       decimal.Decimal   `json:"amount"`
	Status       EntryStatus       `json:"status"`
	OrderID      string            `json:"orderId,omitempty"`
	WithdrawalID string            `json:"withdrawalId,omitempty"`
	PerformedBy  string            `json:"performedBy,omitempty"`
	ExternalRef  string            `json:"externalRef,omitempty"`
	Note         string            `json:"note,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
	UpdatedAt    time.Time         `json:"updatedAt"`
}

// Signed returns the amount with the sign of its direction.
func (e *Entry) Signed() decimal.Decimal {
	if e.Direction == Debit {
		return e.Amount.Neg()
	}
	return e.Amount
}

// Effective reports whether the entry counts toward the balance.
func (e *Entry) Effective() bool {
	return e.Status == EntryCompleted || (e.Status == EntryPending && e.Type == TypeWithdraw)
}

// Account is a user's materialized balance.
type Account struct {
	UserID    string          `json:"userId"`
	Balance   decimal.Decimal `json:"balance"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// WithdrawalStatus is the lifecycle of a withdrawal request.
type WithdrawalStatus string

const (
	WithdrawalPending    WithdrawalStatus = "PENDING"
	WithdrawalApproved   WithdrawalStatus = "APPROVED"
	WithdrawalProcessing WithdrawalStatus = "PROCESSING"
	WithdrawalCompleted  WithdrawalStatus = "COMPLETED"
	WithdrawalRejected   WithdrawalStatus = "REJECTED"
	WithdrawalFailed     WithdrawalStatus = "FAILED"
)

// Open reports whether funds are still held for the withdrawal.
func (s WithdrawalStatus) Open() bool {
	return s == WithdrawalPending || s == WithdrawalApproved || s == WithdrawalProcessing
}

// Withdrawal is a user request to move balance off the platform.
type Withdrawal struct {
	ID           string           `json:"id"`
	UserID       string           `json:"userId"`
	Amount       decimal.Decimal  `json:"amount"`
	Fee          decimal.Decimal  `json:"fee"`
	ActualAmount decimal.Decimal  `json:"actualAmount"`
	Destination  string           `json:"destination"`
	Status       WithdrawalStatus `json:"status"`
	EntryID      string           `json:"entryId"`
	ExternalTxID string           `json:"externalTxId,omitempty"`
	Reason       string           `json:"reason,omitempty"`
	ReviewedBy   string           `json:"reviewedBy,omitempty"`
	CreatedAt    time.Time        `json:"createdAt"`
	UpdatedAt    time.Time        `json:"updatedAt"`
}

// Store is the ledger repository bound to one unit of work.
type Store interface {
	// GetAccount returns the account, locking it for the rest of the unit.
	// A user with no account has a zero balance.
	GetAccount(ctx context.Context, userID string) (*Account, error)
	// AddBalance applies delta and returns the new balance, creating the
	// account if needed. A negative result is ErrInsufficientBalance.
	AddBalance(ctx context.Context, userID string, delta decimal.Decimal, now time.Time) (decimal.Decimal, error)
	ListAccounts(ctx context.Context) ([]*Account, error)

	InsertEntry(ctx context.Context, e *Entry) error
	GetEntry(ctx context.Context, id string) (*Entry, error)
	// UpdateEntryStatus moves an entry from one status to another.
	// Zero rows matched is ErrConcurrentModification.
	UpdateEntryStatus(ctx context.Context, id string, from, to EntryStatus, now time.Time) error
	ListEntries(ctx context.Context, userID string, after *pagination.Cursor, limit int) ([]*Entry, error)
	ListEntriesByOrder(ctx context.Context, orderID string) ([]*Entry, error)
	SumEffective(ctx context.Context, userID string) (decimal.Decimal, error)
	HasExternalRef(ctx context.Context, ref string) (bool, error)

	InsertWithdrawal(ctx context.Context, w *Withdrawal) error
	GetWithdrawal(ctx context.Context, id string) (*Withdrawal, error)
	// UpdateWithdrawal writes w if the stored status is still from.
	// Zero rows matched is ErrConcurrentModification.
	UpdateWithdrawal(ctx context.Context, w *Withdrawal, from WithdrawalStatus) error
	ListOpenWithdrawalEntries(ctx context.Context) ([]*Entry, error)
}

// TxRunner runs fn inside one atomic unit. If fn returns an error every
// write made through s is rolled back.
type TxRunner interface {
	WithinLedgerTx(ctx context.Context, fn func(ctx context.Context, s Store) error) error
}
