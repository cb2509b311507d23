package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/tradeguard/internal/events"
	"github.com/mbd888/tradeguard/internal/idgen"
	"github.com/mbd888/tradeguard/internal/money"
	"github.com/mbd888/tradeguard/internal/pagination"
	"github.com/mbd888/tradeguard/internal/traces"
)

// Event types emitted by Service after commit.
const (
	EventDeposit             events.Type = "wallet.deposit"
	EventAdjusted            events.Type = "wallet.adjusted"
	EventWithdrawalRequested events.Type = "wallet.withdrawal_requested"
	EventWithdrawalUpdated   events.Type = "wallet.withdrawal_updated"
)

// Policy holds the withdrawal terms.
type Policy struct {
	WithdrawalFeeRate decimal.Decimal
	MinWithdrawal     decimal.Decimal
}

// Service runs wallet operations that are their own unit of work:
// deposits, admin adjustments and the withdrawal lifecycle.
type Service struct {
	db      TxRunner
	policy  Policy
	emitter *events.Emitter
	logger  *slog.Logger
	now     func() time.Time
}

// NewService creates a wallet service.
func NewService(db TxRunner, policy Policy, emitter *events.Emitter, logger *slog.Logger) *Service {
	return &Service{db: db, policy: policy, emitter: emitter, logger: logger, now: time.Now}
}

// WithClock overrides the time source. Used in tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Balance returns the user's account. Unknown users have a zero balance.
func (s *Service) Balance(ctx context.Context, userID string) (*Account, error) {
	var acct *Account
	err := s.db.WithinLedgerTx(ctx, func(ctx context.Context, st Store) error {
		var err error
		acct, err = st.GetAccount(ctx, userID)
		return err
	})
	return acct, err
}

// History pages through the user's entries, newest first.
func (s *Service) History(ctx context.Context, userID, cursor string, limit int) (pagination.Page[*Entry], error) {
	after, err := pagination.Decode(cursor)
	if err != nil {
		return pagination.Page[*Entry]{}, err
	}
	if limit <= 0 {
		limit = pagination.DefaultLimit
	}
	var entries []*Entry
	err = s.db.WithinLedgerTx(ctx, func(ctx context.Context, st Store) error {
		var err error
		entries, err = st.ListEntries(ctx, userID, after, limit+1)
		return err
	})
	if err != nil {
		return pagination.Page[*Entry]{}, err
	}
	return pagination.ComputePage(entries, limit, func(e *Entry) (time.Time, string) {
		return e.CreatedAt, e.ID
	}), nil
}

// Deposit credits funds that arrived from outside the platform. The
// external reference makes it idempotent.
func (s *Service) Deposit(ctx context.Context, userID string, amount decimal.Decimal, externalRef string) (*Entry, error) {
	ctx, span := traces.StartSpan(ctx, "ledger.Deposit", traces.UserID(userID), traces.Amount(amount.String()))
	externalRef = strings.TrimSpace(externalRef)
	if externalRef == "" {
		err := fmt.Errorf("%w: externalRef", ErrMissingField)
		traces.End(span, err)
		return nil, err
	}

	var entry *Entry
	err := s.db.WithinLedgerTx(ctx, func(ctx context.Context, st Store) error {
		dup, err := st.HasExternalRef(ctx, externalRef)
		if err != nil {
			return err
		}
		if dup {
			return ErrDuplicateDeposit
		}
		entry, err = NewWallet(st, s.now()).Credit(ctx, userID, amount, TypeDeposit, Correlation{ExternalRef: externalRef}, "deposit")
		return err
	})
	traces.End(span, err)
	if err != nil {
		return nil, err
	}

	ev := events.New(EventDeposit, userID, entry.CreatedAt)
	ev.Data = map[string]any{"userId": userID, "entryId": entry.ID, "amount": money.Format(amount), "externalRef": externalRef}
	s.emitter.Emit(ctx, ev)
	return entry, nil
}

// AdjustRequest is a manual balance correction by an admin.
type AdjustRequest struct {
	UserID   string
	Amount   decimal.Decimal
	IsCredit bool
	Reason   string
	AdminID  string
}

// AdminAdjust applies a manual correction and emits an audit event.
func (s *Service) AdminAdjust(ctx context.Context, req AdjustRequest) (*Entry, error) {
	ctx, span := traces.StartSpan(ctx, "ledger.AdminAdjust", traces.UserID(req.UserID), traces.Amount(req.Amount.String()))
	var (
		entry  *Entry
		before decimal.Decimal
		after  decimal.Decimal
	)
	err := s.db.WithinLedgerTx(ctx, func(ctx context.Context, st Store) error {
		acct, err := st.GetAccount(ctx, req.UserID)
		if err != nil {
			return err
		}
		before = acct.Balance
		entry, err = NewWallet(st, s.now()).Adjust(ctx, req.UserID, req.Amount, req.IsCredit, req.Reason, req.AdminID)
		if err != nil {
			return err
		}
		after = before.Add(entry.Signed())
		return nil
	})
	traces.End(span, err)
	if err != nil {
		return nil, err
	}

	s.logger.Info("balance adjusted", "user", req.UserID, "admin", req.AdminID, "direction", entry.Direction, "amount", money.Format(req.Amount))
	ev := events.New(EventAdjusted, req.UserID, entry.CreatedAt)
	ev.ActorID, ev.ActorRole = req.AdminID, "admin"
	ev.Before = map[string]any{"balance": money.Format(before)}
	ev.After = map[string]any{"balance": money.Format(after)}
	ev.Data = map[string]any{"userId": req.UserID, "entryId": entry.ID, "direction": string(entry.Direction), "amount": money.Format(req.Amount), "reason": entry.Note}
	s.emitter.Emit(ctx, ev)
	return entry, nil
}

// RequestWithdrawal holds amount from the user's balance pending review.
func (s *Service) RequestWithdrawal(ctx context.Context, userID string, amount decimal.Decimal, destination string) (*Withdrawal, error) {
	ctx, span := traces.StartSpan(ctx, "ledger.RequestWithdrawal", traces.UserID(userID), traces.Amount(amount.String()))
	destination = strings.TrimSpace(destination)
	if destination == "" {
		err := fmt.Errorf("%w: destination", ErrMissingField)
		traces.End(span, err)
		return nil, err
	}
	if amount.LessThan(s.policy.MinWithdrawal) {
		err := fmt.Errorf("%w: minimum is %s", ErrBelowMinimum, money.Format(s.policy.MinWithdrawal))
		traces.End(span, err)
		return nil, err
	}

	var wd *Withdrawal
	err := s.db.WithinLedgerTx(ctx, func(ctx context.Context, st Store) error {
		now := s.now()
		fee := money.Fee(amount, s.policy.WithdrawalFeeRate)
		id := idgen.WithPrefix("wd_")
		entry, err := NewWallet(st, now).Debit(ctx, userID, amount, TypeWithdraw, Correlation{WithdrawalID: id}, "withdrawal hold")
		if err != nil {
			return err
		}
		wd = &Withdrawal{
			ID:           id,
			UserID:       userID,
			Amount:       amount,
			Fee:          fee,
			ActualAmount: amount.Sub(fee),
			Destination:  destination,
			Status:       WithdrawalPending,
			EntryID:      entry.ID,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		return st.InsertWithdrawal(ctx, wd)
	})
	traces.End(span, err)
	if err != nil {
		return nil, err
	}

	ev := events.New(EventWithdrawalRequested, wd.ID, wd.CreatedAt)
	ev.ActorID, ev.ActorRole = userID, "user"
	ev.After = map[string]any{"status": string(wd.Status)}
	ev.Data = map[string]any{"userId": userID, "amount": money.Format(wd.Amount), "fee": money.Format(wd.Fee)}
	s.emitter.Emit(ctx, ev)
	return wd, nil
}

// GetWithdrawal loads a withdrawal by id.
func (s *Service) GetWithdrawal(ctx context.Context, id string) (*Withdrawal, error) {
	var wd *Withdrawal
	err := s.db.WithinLedgerTx(ctx, func(ctx context.Context, st Store) error {
		var err error
		wd, err = st.GetWithdrawal(ctx, id)
		return err
	})
	return wd, err
}

// ApproveWithdrawal moves PENDING to APPROVED.
func (s *Service) ApproveWithdrawal(ctx context.Context, id, adminID string) (*Withdrawal, error) {
	return s.transition(ctx, id, adminID, func(ctx context.Context, w *Wallet, wd *Withdrawal) (*Withdrawal, error) {
		if wd.Status != WithdrawalPending {
			return nil, fmt.Errorf("%w: approve from %s", ErrInvalidWithdrawal, wd.Status)
		}
		return w.moveWithdrawal(ctx, wd, WithdrawalApproved, func(n *Withdrawal) { n.ReviewedBy = adminID })
	})
}

// MarkWithdrawalProcessing moves APPROVED to PROCESSING once the payout
// has been handed to the payment rail.
func (s *Service) MarkWithdrawalProcessing(ctx context.Context, id, adminID string) (*Withdrawal, error) {
	return s.transition(ctx, id, adminID, func(ctx context.Context, w *Wallet, wd *Withdrawal) (*Withdrawal, error) {
		if wd.Status != WithdrawalApproved {
			return nil, fmt.Errorf("%w: process from %s", ErrInvalidWithdrawal, wd.Status)
		}
		return w.moveWithdrawal(ctx, wd, WithdrawalProcessing, nil)
	})
}

// CompleteWithdrawal records the payout and settles the held entry.
func (s *Service) CompleteWithdrawal(ctx context.Context, id, externalTxID, adminID string) (*Withdrawal, error) {
	externalTxID = strings.TrimSpace(externalTxID)
	if externalTxID == "" {
		return nil, fmt.Errorf("%w: externalTxId", ErrMissingField)
	}
	return s.transition(ctx, id, adminID, func(ctx context.Context, w *Wallet, wd *Withdrawal) (*Withdrawal, error) {
		if wd.Status != WithdrawalApproved && wd.Status != WithdrawalProcessing {
			return nil, fmt.Errorf("%w: complete from %s", ErrInvalidWithdrawal, wd.Status)
		}
		if err := w.store.UpdateEntryStatus(ctx, wd.EntryID, EntryPending, EntryCompleted, w.now); err != nil {
			return nil, fmt.Errorf("settle withdrawal entry: %w", err)
		}
		return w.moveWithdrawal(ctx, wd, WithdrawalCompleted, func(n *Withdrawal) { n.ExternalTxID = externalTxID })
	})
}

// RejectWithdrawal refuses a withdrawal that has not been paid out and
// returns the hold.
func (s *Service) RejectWithdrawal(ctx context.Context, id, reason, adminID string) (*Withdrawal, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, ErrReasonRequired
	}
	return s.transition(ctx, id, adminID, func(ctx context.Context, w *Wallet, wd *Withdrawal) (*Withdrawal, error) {
		if wd.Status != WithdrawalPending && wd.Status != WithdrawalApproved {
			return nil, fmt.Errorf("%w: reject from %s", ErrInvalidWithdrawal, wd.Status)
		}
		return w.releaseHold(ctx, wd, WithdrawalRejected, EntryCancelled, strings.TrimSpace(reason), adminID)
	})
}

// FailWithdrawal records a payout the rail could not deliver and returns
// the hold.
func (s *Service) FailWithdrawal(ctx context.Context, id, reason, adminID string) (*Withdrawal, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, ErrReasonRequired
	}
	return s.transition(ctx, id, adminID, func(ctx context.Context, w *Wallet, wd *Withdrawal) (*Withdrawal, error) {
		if wd.Status != WithdrawalProcessing {
			return nil, fmt.Errorf("%w: fail from %s", ErrInvalidWithdrawal, wd.Status)
		}
		return w.releaseHold(ctx, wd, WithdrawalFailed, EntryFailed, strings.TrimSpace(reason), adminID)
	})
}

// RefundWithdrawal is the admin override: any open withdrawal is unwound
// and its hold credited back.
func (s *Service) RefundWithdrawal(ctx context.Context, id, reason, adminID string) (*Withdrawal, error) {
	return s.transition(ctx, id, adminID, func(ctx context.Context, w *Wallet, _ *Withdrawal) (*Withdrawal, error) {
		return w.RefundWithdrawal(ctx, id, reason, adminID)
	})
}

func (s *Service) transition(ctx context.Context, id, adminID string, fn func(ctx context.Context, w *Wallet, wd *Withdrawal) (*Withdrawal, error)) (*Withdrawal, error) {
	ctx, span := traces.StartSpan(ctx, "ledger.WithdrawalTransition")
	var before, after *Withdrawal
	err := s.db.WithinLedgerTx(ctx, func(ctx context.Context, st Store) error {
		wd, err := st.GetWithdrawal(ctx, id)
		if err != nil {
			return err
		}
		before = wd
		after, err = fn(ctx, NewWallet(st, s.now()), wd)
		return err
	})
	traces.End(span, err)
	if err != nil {
		if !errors.Is(err, ErrWithdrawalNotFound) {
			s.logger.Debug("withdrawal transition rejected", "withdrawal", id, "error", err)
		}
		return nil, err
	}

	ev := events.New(EventWithdrawalUpdated, after.ID, after.UpdatedAt)
	ev.ActorID, ev.ActorRole = adminID, "admin"
	ev.Before = map[string]any{"status": string(before.Status)}
	ev.After = map[string]any{"status": string(after.Status)}
	ev.Data = map[string]any{"userId": after.UserID, "amount": money.Format(after.Amount), "reason": after.Reason}
	s.emitter.Emit(ctx, ev)
	return after, nil
}
