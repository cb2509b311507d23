package order

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/tradeguard/internal/auth"
	"github.com/mbd888/tradeguard/internal/idgen"
	"github.com/mbd888/tradeguard/internal/ledger"
)

// transition plans one action against a loaded order. plan mutates next in
// memory and queues effects; effects run after the conditional update has
// claimed the version, inside the same unit of work.
type transition struct {
	tx             Tx
	actor          auth.Actor
	now            time.Time
	policy         DeadlinePolicy
	sellerVerified bool

	next    *Order
	dispute *Dispute // created or updated dispute, if any
	effects []func(ctx context.Context) error
}

func (t *transition) effect(fn func(ctx context.Context) error) {
	t.effects = append(t.effects, fn)
}

func (t *transition) wallet() *ledger.Wallet {
	return ledger.NewWallet(t.tx.Ledger(), t.now)
}

func invalid(o *Order, action string) error {
	return fmt.Errorf("%w: cannot %s order in %s", ErrInvalidTransition, action, o.Status)
}

func (t *transition) requireSeller() error {
	if t.actor.ID != t.next.SellerID {
		return fmt.Errorf("%w: only the seller may do this", ErrPermission)
	}
	return nil
}

func (t *transition) requireBuyer() error {
	if t.actor.ID != t.next.BuyerID {
		return fmt.Errorf("%w: only the buyer may do this", ErrPermission)
	}
	return nil
}

func required(field, v string) (string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return "", fmt.Errorf("%w: %s is required", ErrValidation, field)
	}
	return v, nil
}

// plan dispatches on the action. Status legality is checked before the
// actor, so an illegal action is reported the same way to everyone.
func (t *transition) plan(ctx context.Context, a Action) error {
	switch a := a.(type) {
	case Pay:
		return t.pay()
	case Transfer:
		return t.transfer(a)
	case Confirm:
		return t.confirm()
	case Cancel:
		return t.cancel()
	case RequestRefund:
		return t.requestRefund(a)
	case ApproveRefund:
		return t.approveRefund()
	case RejectRefund:
		return t.rejectRefund(a)
	case RequestRefundExtension:
		return t.requestExtension(a)
	case CreateDispute:
		return t.createDispute(a)
	case ResolveDispute:
		return t.resolveDispute(ctx, a)
	case nil:
		return fmt.Errorf("%w: action required", ErrValidation)
	default:
		return fmt.Errorf("%w: unsupported action %T", ErrValidation, a)
	}
}

func (t *transition) pay() error {
	o := t.next
	if o.Status != StatusPublished {
		return invalid(o, "pay")
	}
	if t.actor.Role != auth.RoleUser {
		return fmt.Errorf("%w: only users may buy", ErrPermission)
	}
	if t.actor.ID == o.SellerID {
		return fmt.Errorf("%w: seller cannot buy own listing", ErrPermission)
	}
	o.BuyerID = t.actor.ID
	o.EscrowAmount = o.Price
	o.Status = StatusPaid
	o.PaidAt = ptr(t.now)

	buyer, amount, id := o.BuyerID, o.EscrowAmount, o.ID
	t.effect(func(ctx context.Context) error {
		_, err := t.wallet().Debit(ctx, buyer, amount, ledger.TypeEscrow, ledger.Correlation{OrderID: id}, "order payment")
		return err
	})
	return nil
}

func (t *transition) cancel() error {
	o := t.next
	switch o.Status {
	case StatusPublished:
	case StatusPaid:
		return fmt.Errorf("%w: paid orders can only be cancelled through a refund", ErrInvalidTransition)
	default:
		return invalid(o, "cancel")
	}
	if err := t.requireSeller(); err != nil {
		return err
	}
	o.Status = StatusCancelled
	o.CancelledAt = ptr(t.now)
	return nil
}

func (t *transition) transfer(a Transfer) error {
	o := t.next
	if o.Status != StatusPaid {
		return invalid(o, "transfer")
	}
	if o.RefundStatus == RefundPending {
		return fmt.Errorf("%w: a refund request is awaiting response", ErrInvalidTransition)
	}
	if err := t.requireSeller(); err != nil {
		return err
	}
	proof, err := required("proof", a.Proof)
	if err != nil {
		return err
	}
	o.Status = StatusTransferring
	o.TransferProof = proof
	o.TransferredAt = ptr(t.now)
	o.ConfirmDeadline = ptr(t.policy.ConfirmDeadline(t.now, t.sellerVerified))
	return nil
}

func (t *transition) confirm() error {
	o := t.next
	if o.Status != StatusTransferring {
		return invalid(o, "confirm")
	}
	if t.actor.IsSystem() {
		if o.ConfirmDeadline == nil || !t.now.After(*o.ConfirmDeadline) {
			return fmt.Errorf("%w: confirmation deadline not reached", ErrValidation)
		}
		o.AutoConfirmed = true
	} else if err := t.requireBuyer(); err != nil {
		return err
	}
	o.Status = StatusCompleted
	o.CompletedAt = ptr(t.now)
	t.release()
	return nil
}

// release credits the seller's proceeds. The platform fee stays in custody.
func (t *transition) release() {
	seller, amount, id := t.next.SellerID, t.next.SellerProceeds(), t.next.ID
	t.effect(func(ctx context.Context) error {
		_, err := t.wallet().Credit(ctx, seller, amount, ledger.TypeRelease, ledger.Correlation{OrderID: id}, "sale proceeds")
		return err
	})
}

// refund returns the escrow to the buyer.
func (t *transition) refund() {
	buyer, amount, id := t.next.BuyerID, t.next.EscrowAmount, t.next.ID
	t.effect(func(ctx context.Context) error {
		_, err := t.wallet().Credit(ctx, buyer, amount, ledger.TypeRefund, ledger.Correlation{OrderID: id}, "order refund")
		return err
	})
}

func (t *transition) requestRefund(a RequestRefund) error {
	o := t.next
	if o.Status != StatusPaid {
		return invalid(o, "request a refund for")
	}
	if err := t.requireBuyer(); err != nil {
		return err
	}
	switch o.RefundStatus {
	case RefundNone:
	case RefundPending:
		return fmt.Errorf("%w: a refund request is already pending", ErrValidation)
	default:
		return fmt.Errorf("%w: refund already %s; escalate with a dispute", ErrValidation, strings.ToLower(string(o.RefundStatus)))
	}
	o.RefundRequested = true
	o.RefundStatus = RefundPending
	o.RefundReason = strings.TrimSpace(a.Reason)
	o.RefundRequestedAt = ptr(t.now)
	o.RefundResponseDeadline = ptr(t.policy.RefundDeadline(t.now, t.sellerVerified, false))
	return nil
}

func (t *transition) pendingRefund(action string) error {
	o := t.next
	if o.Status != StatusPaid || o.RefundStatus != RefundPending {
		return fmt.Errorf("%w: cannot %s without a pending refund (status %s, refund %q)", ErrInvalidTransition, action, o.Status, o.RefundStatus)
	}
	return nil
}

func (t *transition) approveRefund() error {
	if err := t.pendingRefund("approve refund"); err != nil {
		return err
	}
	o := t.next
	if t.actor.IsSystem() {
		if !t.now.After(*o.RefundResponseDeadline) {
			return fmt.Errorf("%w: refund response deadline not reached", ErrValidation)
		}
		o.RefundAutoApproved = true
	} else if err := t.requireSeller(); err != nil {
		return err
	}
	o.RefundStatus = RefundApproved
	o.RefundApprovedAt = ptr(t.now)
	o.Status = StatusCancelled
	o.CancelledAt = ptr(t.now)
	t.refund()
	return nil
}

func (t *transition) rejectRefund(a RejectRefund) error {
	if err := t.pendingRefund("reject refund"); err != nil {
		return err
	}
	if err := t.requireSeller(); err != nil {
		return err
	}
	reason, err := required("reason", a.Reason)
	if err != nil {
		return err
	}
	o := t.next
	o.RefundStatus = RefundRejected
	o.RefundRejectedAt = ptr(t.now)
	o.RefundRejectReason = reason
	return nil
}

func (t *transition) requestExtension(a RequestRefundExtension) error {
	if err := t.pendingRefund("extend refund"); err != nil {
		return err
	}
	if err := t.requireSeller(); err != nil {
		return err
	}
	o := t.next
	if o.RefundExtensionRequested {
		return fmt.Errorf("%w: refund deadline already extended", ErrValidation)
	}
	reason, err := required("reason", a.Reason)
	if err != nil {
		return err
	}
	if t.now.After(*o.RefundResponseDeadline) {
		return fmt.Errorf("%w: refund response deadline has passed", ErrValidation)
	}
	o.RefundExtensionRequested = true
	o.RefundExtensionReason = reason
	o.RefundResponseDeadline = ptr(t.policy.RefundDeadline(*o.RefundRequestedAt, t.sellerVerified, true))
	return nil
}

func (t *transition) createDispute(a CreateDispute) error {
	o := t.next
	legal := o.Status == StatusTransferring || (o.Status == StatusPaid && o.RefundStatus == RefundRejected)
	if !legal {
		return fmt.Errorf("%w: disputes open after transfer or a rejected refund (status %s, refund %q)", ErrInvalidTransition, o.Status, o.RefundStatus)
	}
	if err := t.requireBuyer(); err != nil {
		return err
	}
	reason, err := required("reason", a.Reason)
	if err != nil {
		return err
	}
	d := &Dispute{
		ID:          idgen.WithPrefix("dsp_"),
		OrderID:     o.ID,
		InitiatorID: t.actor.ID,
		Reason:      reason,
		Description: strings.TrimSpace(a.Description),
		Status:      DisputePending,
		CreatedAt:   t.now,
		UpdatedAt:   t.now,
	}
	o.Status = StatusDispute
	o.DisputeID = d.ID
	o.DisputedAt = ptr(t.now)
	t.dispute = d
	t.effect(func(ctx context.Context) error {
		return t.tx.Disputes().Insert(ctx, d)
	})
	return nil
}

func (t *transition) resolveDispute(ctx context.Context, a ResolveDispute) error {
	o := t.next
	if o.Status != StatusDispute {
		return invalid(o, "resolve dispute on")
	}
	if !t.actor.IsAdmin() {
		return fmt.Errorf("%w: only admins resolve disputes", ErrPermission)
	}
	resolution, err := required("resolution", a.Resolution)
	if err != nil {
		return err
	}
	d, err := t.tx.Disputes().Get(ctx, o.DisputeID)
	if err != nil {
		return err
	}
	if d.Status != DisputePending && d.Status != DisputeProcessing {
		return fmt.Errorf("%w: dispute already %s", ErrInvalidTransition, d.Status)
	}

	switch a.Outcome {
	case OutcomeRefund:
		o.Status = StatusCancelled
		o.CancelledAt = ptr(t.now)
		o.RefundStatus = RefundApproved
		o.RefundApprovedAt = ptr(t.now)
		t.refund()
	case OutcomeRelease:
		if o.TransferredAt == nil {
			return fmt.Errorf("%w: cannot release an order that was never transferred", ErrValidation)
		}
		o.Status = StatusCompleted
		o.CompletedAt = ptr(t.now)
		t.release()
	default:
		return fmt.Errorf("%w: outcome must be refund or release", ErrValidation)
	}

	next := d.Clone()
	next.Status = DisputeResolved
	next.Outcome = a.Outcome
	next.Resolution = resolution
	next.HandledBy = t.actor.ID
	next.ResolvedAt = ptr(t.now)
	next.UpdatedAt = t.now
	t.dispute = next
	from := d.Status
	t.effect(func(ctx context.Context) error {
		return t.tx.Disputes().UpdateIfStatus(ctx, next, from)
	})
	return nil
}
