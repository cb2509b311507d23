// Package reconciliation audits the ledger and the order book for drift:
// balances that disagree with their entries, withdrawal holds nobody owns,
// and orders the deadline sweep should already have moved.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/tradeguard/internal/ledger"
	"github.com/mbd888/tradeguard/internal/money"
	"github.com/mbd888/tradeguard/internal/order"
)

// stuckOrderLimit caps how many stuck orders one run reports per kind.
const stuckOrderLimit = 500

// Mismatch is an account whose cached balance differs from its entries.
type Mismatch struct {
	UserID   string `json:"userId"`
	Balance  string `json:"balance"`
	EntrySum string `json:"entrySum"`
	Diff     string `json:"diff"`
}

// OrphanedHold is a PENDING withdrawal entry with no open withdrawal.
type OrphanedHold struct {
	EntryID      string `json:"entryId"`
	UserID       string `json:"userId"`
	WithdrawalID string `json:"withdrawalId,omitempty"`
	Amount       string `json:"amount"`
	Problem      string `json:"problem"`
}

// StuckOrder is an order past its deadline by more than the grace period.
type StuckOrder struct {
	OrderID   string       `json:"orderId"`
	Status    order.Status `json:"status"`
	Deadline  time.Time    `json:"deadline"`
	OverdueBy string       `json:"overdueBy"`
}

// Report is the outcome of one run.
type Report struct {
	RunAt         time.Time      `json:"runAt"`
	Duration      string         `json:"duration"`
	Accounts      int            `json:"accounts"`
	Mismatches    []Mismatch     `json:"mismatches"`
	OrphanedHolds []OrphanedHold `json:"orphanedHolds"`
	StuckOrders   []StuckOrder   `json:"stuckOrders"`
	Healthy       bool           `json:"healthy"`
}

// Store is what the runner reads. storage.MemoryDB and storage.PostgresDB
// both satisfy it.
type Store interface {
	ledger.TxRunner
	order.TxRunner
}

// Runner performs the reconciliation checks.
type Runner struct {
	db     Store
	grace  time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// NewRunner creates a runner. Orders overdue by less than grace are left
// to the deadline sweep.
func NewRunner(db Store, grace time.Duration, logger *slog.Logger) *Runner {
	return &Runner{db: db, grace: grace, logger: logger, now: time.Now}
}

// WithClock overrides the time source. Used in tests.
func (r *Runner) WithClock(now func() time.Time) *Runner {
	r.now = now
	return r
}

// RunAll runs every check. A failing check does not stop the others; its
// error is returned joined with the rest alongside the partial report.
func (r *Runner) RunAll(ctx context.Context) (*Report, error) {
	start := r.now()
	rep := &Report{
		RunAt:         start,
		Mismatches:    []Mismatch{},
		OrphanedHolds: []OrphanedHold{},
		StuckOrders:   []StuckOrder{},
	}

	var errs []error
	if err := r.checkBalances(ctx, rep); err != nil {
		errs = append(errs, fmt.Errorf("balances: %w", err))
	}
	if err := r.checkHolds(ctx, rep); err != nil {
		errs = append(errs, fmt.Errorf("holds: %w", err))
	}
	if err := r.checkOrders(ctx, rep); err != nil {
		errs = append(errs, fmt.Errorf("orders: %w", err))
	}

	elapsed := r.now().Sub(start)
	rep.Duration = elapsed.String()
	rep.Healthy = len(errs) == 0 && len(rep.Mismatches) == 0 && len(rep.OrphanedHolds) == 0 && len(rep.StuckOrders) == 0

	reconcileDuration.Observe(elapsed.Seconds())
	reconcileLedgerMismatches.Set(float64(len(rep.Mismatches)))
	reconcileOrphanedHolds.Set(float64(len(rep.OrphanedHolds)))
	reconcileStuckOrders.Set(float64(len(rep.StuckOrders)))
	reconcileErrors.Add(float64(len(errs)))

	if !rep.Healthy {
		r.logger.Warn("reconciliation found problems",
			"mismatches", len(rep.Mismatches),
			"orphanedHolds", len(rep.OrphanedHolds),
			"stuckOrders", len(rep.StuckOrders),
			"errors", len(errs),
		)
	}
	return rep, errors.Join(errs...)
}

func (r *Runner) checkBalances(ctx context.Context, rep *Report) error {
	return r.db.WithinLedgerTx(ctx, func(ctx context.Context, s ledger.Store) error {
		accts, err := s.ListAccounts(ctx)
		if err != nil {
			return err
		}
		rep.Accounts = len(accts)
		for _, a := range accts {
			sum, err := s.SumEffective(ctx, a.UserID)
			if err != nil {
				return err
			}
			if !a.Balance.Equal(sum) {
				rep.Mismatches = append(rep.Mismatches, Mismatch{
					UserID:   a.UserID,
					Balance:  money.Format(a.Balance),
					EntrySum: money.Format(sum),
					Diff:     money.Format(a.Balance.Sub(sum)),
				})
			}
		}
		return nil
	})
}

func (r *Runner) checkHolds(ctx context.Context, rep *Report) error {
	return r.db.WithinLedgerTx(ctx, func(ctx context.Context, s ledger.Store) error {
		holds, err := s.ListOpenWithdrawalEntries(ctx)
		if err != nil {
			return err
		}
		for _, e := range holds {
			problem, err := holdProblem(ctx, s, e)
			if err != nil {
				return err
			}
			if problem != "" {
				rep.OrphanedHolds = append(rep.OrphanedHolds, OrphanedHold{
					EntryID:      e.ID,
					UserID:       e.UserID,
					WithdrawalID: e.WithdrawalID,
					Amount:       money.Format(e.Amount),
					Problem:      problem,
				})
			}
		}
		return nil
	})
}

func holdProblem(ctx context.Context, s ledger.Store, e *ledger.Entry) (string, error) {
	if e.WithdrawalID == "" {
		return "no withdrawal linked", nil
	}
	wd, err := s.GetWithdrawal(ctx, e.WithdrawalID)
	if errors.Is(err, ledger.ErrWithdrawalNotFound) {
		return "withdrawal missing", nil
	}
	if err != nil {
		return "", err
	}
	switch {
	case !wd.Status.Open():
		return "withdrawal is " + string(wd.Status), nil
	case wd.EntryID != e.ID:
		return "withdrawal holds a different entry", nil
	case !wd.Amount.Equal(e.Amount):
		return "amount differs from withdrawal", nil
	}
	return "", nil
}

func (r *Runner) checkOrders(ctx context.Context, rep *Report) error {
	now := r.now()
	cutoff := now.Add(-r.grace)
	return r.db.WithinTx(ctx, func(ctx context.Context, tx order.Tx) error {
		refunds, err := tx.Orders().ListRefundOverdue(ctx, cutoff, stuckOrderLimit)
		if err != nil {
			return err
		}
		for _, o := range refunds {
			rep.StuckOrders = append(rep.StuckOrders, stuck(o, *o.RefundResponseDeadline, now))
		}
		confirms, err := tx.Orders().ListConfirmOverdue(ctx, cutoff, stuckOrderLimit)
		if err != nil {
			return err
		}
		for _, o := range confirms {
			rep.StuckOrders = append(rep.StuckOrders, stuck(o, *o.ConfirmDeadline, now))
		}
		return nil
	})
}

func stuck(o *order.Order, deadline, now time.Time) StuckOrder {
	return StuckOrder{
		OrderID:   o.ID,
		Status:    o.Status,
		Deadline:  deadline,
		OverdueBy: now.Sub(deadline).Round(time.Second).String(),
	}
}

