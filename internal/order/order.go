// Package order implements the escrowed sale lifecycle: listing, payment
// into custody, entitlement transfer, confirmation, refunds and disputes.
//
// Every transition is applied with optimistic concurrency: the caller names
// the version it acted on, and the write only lands if the stored row still
// has that version and status. Ledger writes ride in the same unit of work.
package order

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the order lifecycle state.
type Status string

const (
	StatusPublished    Status = "PUBLISHED"
	StatusPaid         Status = "PAID"
	StatusTransferring Status = "TRANSFERRING"
	StatusCompleted    Status = "COMPLETED"
	StatusCancelled    Status = "CANCELLED"
	StatusDispute      Status = "DISPUTE"
)

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// RefundStatus is the refund sub-state of a PAID order.
type RefundStatus string

const (
	RefundNone     RefundStatus = ""
	RefundPending  RefundStatus = "PENDING"
	RefundApproved RefundStatus = "APPROVED"
	RefundRejected RefundStatus = "REJECTED"
)

// Order is one listed entitlement and everything that happened to it.
type Order struct {
	ID          string `json:"id"`
	OrderNo     string `json:"orderNo"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`

	SellerID       string `json:"sellerId"`
	SellerVerified bool   `json:"sellerVerified"`
	BuyerID        string `json:"buyerId,omitempty"`

	Price        decimal.Decimal `json:"price"`
	PlatformFee  decimal.Decimal `json:"platformFee"`
	EscrowAmount decimal.Decimal `json:"escrowAmount"`

	Status  Status `json:"status"`
	Version int64  `json:"version"`

	TransferProof   string     `json:"transferProof,omitempty"`
	ConfirmDeadline *time.Time `json:"confirmDeadline,omitempty"`
	AutoConfirmed   bool       `json:"autoConfirmed"`

	RefundRequested          bool         `json:"refundRequested"`
	RefundStatus             RefundStatus `json:"refundStatus,omitempty"`
	RefundReason             string       `json:"refundReason,omitempty"`
	RefundRequestedAt        *time.Time   `json:"refundRequestedAt,omitempty"`
	RefundResponseDeadline   *time.Time   `json:"refundResponseDeadline,omitempty"`
	RefundExtensionRequested bool         `json:"refundExtensionRequested"`
	RefundExtensionReason    string       `json:"refundExtensionReason,omitempty"`
	RefundApprovedAt         *time.Time   `json:"refundApprovedAt,omitempty"`
	RefundRejectedAt         *time.Time   `json:"refundRejectedAt,omitempty"`
	RefundRejectReason       string       `json:"refundRejectReason,omitempty"`
	RefundAutoApproved       bool         `json:"refundAutoApproved"`

	DisputeID string `json:"disputeId,omitempty"`

	PublishedAt   time.Time  `json:"publishedAt"`
	PaidAt        *time.Time `json:"paidAt,omitempty"`
	TransferredAt *time.Time `json:"transferredAt,omitempty"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
	CancelledAt   *time.Time `json:"cancelledAt,omitempty"`
	DisputedAt    *time.Time `json:"disputedAt,omitempty"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// SellerProceeds is what the seller receives on release.
func (o *Order) SellerProceeds() decimal.Decimal {
	return o.Price.Sub(o.PlatformFee)
}

// IsParticipant reports whether userID is the buyer or seller.
func (o *Order) IsParticipant(userID string) bool {
	return userID != "" && (userID == o.SellerID || userID == o.BuyerID)
}

// Clone returns a deep copy.
func (o *Order) Clone() *Order {
	c := *o
	c.ConfirmDeadline = cloneTime(o.ConfirmDeadline)
	c.RefundRequestedAt = cloneTime(o.RefundRequestedAt)
	c.RefundResponseDeadline = cloneTime(o.RefundResponseDeadline)
	c.RefundApprovedAt = cloneTime(o.RefundApprovedAt)
	c.RefundRejectedAt = cloneTime(o.RefundRejectedAt)
	c.PaidAt = cloneTime(o.PaidAt)
	c.TransferredAt = cloneTime(o.TransferredAt)
	c.CompletedAt = cloneTime(o.CompletedAt)
	c.CancelledAt = cloneTime(o.CancelledAt)
	c.DisputedAt = cloneTime(o.DisputedAt)
	return &c
}

// CheckInvariants verifies that status, refund sub-state and timestamps
// agree with each other.
func (o *Order) CheckInvariants() error {
	need := func(ok bool, what string) error {
		if !ok {
			return fmt.Errorf("order %s in %s: %s", o.ID, o.Status, what)
		}
		return nil
	}
	var checks []error
	switch o.Status {
	case StatusPublished:
		checks = append(checks, need(o.BuyerID == "" && o.PaidAt == nil, "must have no buyer"))
	case StatusPaid:
		checks = append(checks, need(o.BuyerID != "" && o.PaidAt != nil, "paidAt and buyer required"))
	case StatusTransferring:
		checks = append(checks, need(o.PaidAt != nil && o.TransferredAt != nil && o.ConfirmDeadline != nil, "paidAt, transferredAt and confirmDeadline required"))
	case StatusCompleted:
		checks = append(checks, need(o.PaidAt != nil && o.TransferredAt != nil && o.CompletedAt != nil, "paidAt, transferredAt and completedAt required"))
	case StatusCancelled:
		checks = append(checks, need(o.CancelledAt != nil, "cancelledAt required"))
	case StatusDispute:
		checks = append(checks, need(o.PaidAt != nil && o.DisputedAt != nil && o.DisputeID != "", "paidAt, disputedAt and dispute required"))
	default:
		return fmt.Errorf("order %s: unknown status %q", o.ID, o.Status)
	}
	switch o.RefundStatus {
	case RefundNone:
	case RefundPending:
		checks = append(checks, need(o.RefundRequestedAt != nil && o.RefundResponseDeadline != nil, "pending refund needs requestedAt and deadline"))
	case RefundApproved:
		checks = append(checks, need(o.RefundApprovedAt != nil, "approved refund needs approvedAt"))
	case RefundRejected:
		checks = append(checks, need(o.RefundRejectedAt != nil, "rejected refund needs rejectedAt"))
	default:
		return fmt.Errorf("order %s: unknown refund status %q", o.ID, o.RefundStatus)
	}
	for _, err := range checks {
		if err != nil {
			return err
		}
	}
	return nil
}

// DisputeStatus is the lifecycle of a dispute.
type DisputeStatus string

const (
	DisputePending    DisputeStatus = "PENDING"
	DisputeProcessing DisputeStatus = "PROCESSING"
	DisputeResolved   DisputeStatus = "RESOLVED"
	DisputeClosed     DisputeStatus = "CLOSED"
)

// Outcome is how an admin settles a dispute.
type Outcome string

const (
	OutcomeRefund  Outcome = "refund"  // escrow back to the buyer
	OutcomeRelease Outcome = "release" // proceeds to the seller
)

// Dispute is a buyer escalation. It is created in the same unit of work
// that moves its order to DISPUTE.
type Dispute struct {
	ID          string        `json:"id"`
	OrderID     string        `json:"orderId"`
	InitiatorID string        `json:"initiatorId"`
	Reason      string        `json:"reason"`
	Description string        `json:"description,omitempty"`
	Status      DisputeStatus `json:"status"`
	Outcome     Outcome       `json:"outcome,omitempty"`
	Resolution  string        `json:"resolution,omitempty"`
	HandledBy   string        `json:"handledBy,omitempty"`
	CreatedAt   time.Time     `json:"createdAt"`
	UpdatedAt   time.Time     `json:"updatedAt"`
	ResolvedAt  *time.Time    `json:"resolvedAt,omitempty"`
	ClosedAt    *time.Time    `json:"closedAt,omitempty"`
}

// Clone returns a deep copy.
func (d *Dispute) Clone() *Dispute {
	c := *d
	c.ResolvedAt = cloneTime(d.ResolvedAt)
	c.ClosedAt = cloneTime(d.ClosedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func ptr(t time.Time) *time.Time { return &t }
