package order

import (
	"fmt"

	"github.com/mbd888/tradeguard/internal/auth"
)

// Action is one of the closed set of things an actor can do to an order.
// The unexported method keeps the set closed to this package.
type Action interface {
	Name() string
	action()
}

// Pay moves a PUBLISHED order into escrow with the actor as buyer.
type Pay struct{}

// Transfer records that the seller handed over the entitlement.
type Transfer struct {
	Proof string
}

// Confirm releases escrow to the seller.
type Confirm struct{}

// Cancel withdraws an unsold listing.
type Cancel struct {
	Reason string
}

// RequestRefund opens a refund request on a paid order.
type RequestRefund struct {
	Reason string
}

// ApproveRefund accepts a pending refund request.
type ApproveRefund struct{}

// RejectRefund refuses a pending refund request.
type RejectRefund struct {
	Reason string
}

// RequestRefundExtension buys the seller one more response window.
type RequestRefundExtension struct {
	Reason string
}

// CreateDispute escalates to an admin.
type CreateDispute struct {
	Reason      string
	Description string
}

// ResolveDispute settles a dispute in favour of buyer or seller.
type ResolveDispute struct {
	Outcome    Outcome
	Resolution string
}

func (Pay) Name() string                    { return "pay" }
func (Transfer) Name() string               { return "transfer" }
func (Confirm) Name() string                { return "confirm" }
func (Cancel) Name() string                 { return "cancel" }
func (RequestRefund) Name() string          { return "requestRefund" }
func (ApproveRefund) Name() string          { return "approveRefund" }
func (RejectRefund) Name() string           { return "rejectRefund" }
func (RequestRefundExtension) Name() string { return "requestRefundExtension" }
func (CreateDispute) Name() string          { return "createDispute" }
func (ResolveDispute) Name() string         { return "resolveDispute" }

func (Pay) action()                    {}
func (Transfer) action()               {}
func (Confirm) action()                {}
func (Cancel) action()                 {}
func (RequestRefund) action()          {}
func (ApproveRefund) action()          {}
func (RejectRefund) action()           {}
func (RequestRefundExtension) action() {}
func (CreateDispute) action()          {}
func (ResolveDispute) action()         {}

// Payload carries the free-form fields an action may need when it arrives
// over a transport that names actions by string.
type Payload struct {
	Proof       string `json:"proof"`
	Reason      string `json:"reason"`
	Description string `json:"description"`
	Outcome     string `json:"outcome"`
	Resolution  string `json:"resolution"`
}

// ParseAction builds the Action named name from p.
func ParseAction(name string, p Payload) (Action, error) {
	switch name {
	case "pay":
		return Pay{}, nil
	case "transfer":
		return Transfer{Proof: p.Proof}, nil
	case "confirm":
		return Confirm{}, nil
	case "cancel":
		return Cancel{Reason: p.Reason}, nil
	case "requestRefund":
		return RequestRefund{Reason: p.Reason}, nil
	case "approveRefund":
		return ApproveRefund{}, nil
	case "rejectRefund":
		return RejectRefund{Reason: p.Reason}, nil
	case "requestRefundExtension":
		return RequestRefundExtension{Reason: p.Reason}, nil
	case "createDispute":
		return CreateDispute{Reason: p.Reason, Description: p.Description}, nil
	case "resolveDispute":
		return ResolveDispute{Outcome: Outcome(p.Outcome), Resolution: p.Resolution}, nil
	default:
		return nil, fmt.Errorf("%w: unknown action %q", ErrValidation, name)
	}
}

// Command is a request to apply Action to the order at ExpectedVersion.
type Command struct {
	OrderID         string
	ExpectedVersion int64
	Actor           auth.Actor
	Action          Action
}
