package order

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/tradeguard/internal/auth"
	"github.com/mbd888/tradeguard/internal/events"
	"github.com/mbd888/tradeguard/internal/idgen"
	"github.com/mbd888/tradeguard/internal/logging"
	"github.com/mbd888/tradeguard/internal/metrics"
	"github.com/mbd888/tradeguard/internal/money"
	"github.com/mbd888/tradeguard/internal/pagination"
	"github.com/mbd888/tradeguard/internal/traces"
)

// Config holds the commercial and timing terms.
type Config struct {
	FeeRate    decimal.Decimal
	Deadlines  DeadlinePolicy
	SweepBatch int
}

// Service is the order state machine.
type Service struct {
	db      TxRunner
	tiers   TierLookup
	cfg     Config
	emitter *events.Emitter
	logger  *slog.Logger
	now     func() time.Time
}

// NewService creates the state machine. tiers may be nil, in which case
// the tier snapshotted at publish time is used.
func NewService(db TxRunner, tiers TierLookup, cfg Config, emitter *events.Emitter, logger *slog.Logger) *Service {
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = 100
	}
	return &Service{db: db, tiers: tiers, cfg: cfg, emitter: emitter, logger: logger, now: time.Now}
}

// WithClock overrides the time source. Used in tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// PublishRequest describes a new listing.
type PublishRequest struct {
	Title       string
	Description string
	Price       decimal.Decimal
}

// Publish lists an entitlement for sale at version 0. The platform fee is
// computed from the current rate and fixed for the life of the order.
func (s *Service) Publish(ctx context.Context, seller auth.Actor, req PublishRequest) (*Order, error) {
	if seller.Role != auth.RoleUser {
		return nil, fmt.Errorf("%w: only users may list", ErrPermission)
	}
	title, err := required("title", req.Title)
	if err != nil {
		return nil, err
	}
	if !req.Price.IsPositive() || !money.Round(req.Price).Equal(req.Price) {
		return nil, fmt.Errorf("%w: price must be positive with at most 2 decimal places", ErrValidation)
	}

	now := s.now()
	o := &Order{
		ID:             idgen.WithPrefix("ord_"),
		OrderNo:        idgen.OrderNo(now),
		Title:          title,
		Description:    strings.TrimSpace(req.Description),
		SellerID:       seller.ID,
		SellerVerified: seller.Verified,
		Price:          req.Price,
		PlatformFee:    money.Fee(req.Price, s.cfg.FeeRate),
		EscrowAmount:   decimal.Zero,
		Status:         StatusPublished,
		PublishedAt:    now,
		UpdatedAt:      now,
	}
	err = s.db.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.Orders().Insert(ctx, o)
	})
	if err != nil {
		return nil, err
	}
	metrics.OrdersPublishedTotal.Inc()
	logging.L(ctx).Info("order published", "orderId", o.ID, "orderNo", o.OrderNo, "price", money.Format(o.Price))

	ev := s.orderEvent("order.published", seller, nil, o)
	s.emitter.Emit(ctx, ev)
	return o, nil
}

// Get loads an order.
func (s *Service) Get(ctx context.Context, id string) (*Order, error) {
	var o *Order
	err := s.db.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		o, err = tx.Orders().Get(ctx, id)
		return err
	})
	return o, err
}

// GetDispute loads a dispute.
func (s *Service) GetDispute(ctx context.Context, id string) (*Dispute, error) {
	var d *Dispute
	err := s.db.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		d, err = tx.Disputes().Get(ctx, id)
		return err
	})
	return d, err
}

// ListForUser pages the orders a user sold or bought, newest first.
func (s *Service) ListForUser(ctx context.Context, userID, cursor string, limit int) (pagination.Page[*Order], error) {
	after, err := pagination.Decode(cursor)
	if err != nil {
		return pagination.Page[*Order]{}, err
	}
	if limit <= 0 {
		limit = pagination.DefaultLimit
	}
	var orders []*Order
	err = s.db.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		orders, err = tx.Orders().ListByParticipant(ctx, userID, after, limit+1)
		return err
	})
	if err != nil {
		return pagination.Page[*Order]{}, err
	}
	return pagination.ComputePage(orders, limit, func(o *Order) (time.Time, string) {
		return o.PublishedAt, o.ID
	}), nil
}

// Apply executes one action as a single unit of work: claim the version
// with a conditional update, run the ledger effects, commit. A caller whose
// expected version is stale gets ErrConflict and must re-fetch; Apply never
// retries on its behalf.
func (s *Service) Apply(ctx context.Context, cmd Command) (*Order, error) {
	name := "unknown"
	if cmd.Action != nil {
		name = cmd.Action.Name()
	}
	ctx, span := traces.StartSpan(ctx, "order.Apply", traces.OrderID(cmd.OrderID), traces.Action(name))
	span.SetAttributes(traces.Actor(cmd.Actor.ID, string(cmd.Actor.Role))...)

	before, after, dispute, err := s.apply(ctx, cmd)
	traces.End(span, err)
	metrics.OrderTransitionsTotal.WithLabelValues(name, Kind(err)).Inc()

	log := logging.L(ctx).With("orderId", cmd.OrderID, "action", name, "actor", cmd.Actor.ID, "expectedVersion", cmd.ExpectedVersion)
	if err != nil {
		if Kind(err) == "internal" {
			log.Error("order action failed", "error", err)
		} else {
			log.Debug("order action rejected", "kind", Kind(err), "error", err)
		}
		return nil, err
	}
	log.Info("order action applied", "from", before.Status, "to", after.Status, "version", after.Version)

	if after.Status.IsTerminal() {
		metrics.OrderDuration.WithLabelValues(string(after.Status)).Observe(after.UpdatedAt.Sub(after.PublishedAt).Seconds())
	}
	s.emitter.Emit(ctx, s.transitionEvents(cmd, before, after, dispute)...)
	return after, nil
}

func (s *Service) apply(ctx context.Context, cmd Command) (before, after *Order, dispute *Dispute, err error) {
	if err := cmd.Actor.Validate(); err != nil {
		return nil, nil, nil, fmt.Errorf("%w: %v", ErrPermission, err)
	}
	if cmd.Action == nil {
		return nil, nil, nil, fmt.Errorf("%w: action required", ErrValidation)
	}

	err = s.db.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		current, err := tx.Orders().Get(ctx, cmd.OrderID)
		if err != nil {
			return err
		}
		if current.Version != cmd.ExpectedVersion {
			return fmt.Errorf("%w: order %s is at version %d, expected %d", ErrConflict, current.ID, current.Version, cmd.ExpectedVersion)
		}

		now := s.now()
		verified, err := s.sellerVerified(ctx, current)
		if err != nil {
			return err
		}
		t := &transition{
			tx:             tx,
			actor:          cmd.Actor,
			now:            now,
			policy:         s.cfg.Deadlines,
			sellerVerified: verified,
			next:           current.Clone(),
		}
		if err := t.plan(ctx, cmd.Action); err != nil {
			return err
		}
		t.next.Version = current.Version + 1
		t.next.UpdatedAt = now
		if err := t.next.CheckInvariants(); err != nil {
			return fmt.Errorf("refusing inconsistent write: %w", err)
		}

		if err := tx.Orders().UpdateIfVersion(ctx, t.next, current.Status, current.Version); err != nil {
			return err
		}
		for _, fx := range t.effects {
			if err := fx(ctx); err != nil {
				return err
			}
		}
		before, after, dispute = current, t.next, t.dispute
		return nil
	})
	if err != nil {
		return nil, nil, nil, err
	}
	return before, after, dispute, nil
}

func (s *Service) sellerVerified(ctx context.Context, o *Order) (bool, error) {
	if s.tiers == nil {
		return o.SellerVerified, nil
	}
	v, known, err := s.tiers.IsVerified(ctx, o.SellerID)
	if err != nil {
		return false, fmt.Errorf("tier lookup: %w", err)
	}
	if !known {
		return o.SellerVerified, nil
	}
	return v, nil
}

// StartDisputeReview marks a pending dispute as under review.
func (s *Service) StartDisputeReview(ctx context.Context, admin auth.Actor, disputeID string) (*Dispute, error) {
	return s.moveDispute(ctx, admin, disputeID, "dispute.review_started", DisputePending, DisputeProcessing)
}

// CloseDispute archives a resolved dispute.
func (s *Service) CloseDispute(ctx context.Context, admin auth.Actor, disputeID string) (*Dispute, error) {
	return s.moveDispute(ctx, admin, disputeID, "dispute.closed", DisputeResolved, DisputeClosed)
}

func (s *Service) moveDispute(ctx context.Context, admin auth.Actor, disputeID string, evType events.Type, from, to DisputeStatus) (*Dispute, error) {
	if !admin.IsAdmin() {
		return nil, fmt.Errorf("%w: only admins manage disputes", ErrPermission)
	}
	var next *Dispute
	err := s.db.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		d, err := tx.Disputes().Get(ctx, disputeID)
		if err != nil {
			return err
		}
		if d.Status != from {
			return fmt.Errorf("%w: dispute is %s, expected %s", ErrInvalidTransition, d.Status, from)
		}
		now := s.now()
		next = d.Clone()
		next.Status = to
		next.HandledBy = admin.ID
		next.UpdatedAt = now
		if to == DisputeClosed {
			next.ClosedAt = ptr(now)
		}
		return tx.Disputes().UpdateIfStatus(ctx, next, from)
	})
	if err != nil {
		return nil, err
	}

	ev := events.New(evType, next.OrderID, next.UpdatedAt)
	ev.ActorID, ev.ActorRole = admin.ID, string(admin.Role)
	ev.Before = map[string]any{"disputeStatus": string(from)}
	ev.After = map[string]any{"disputeStatus": string(to)}
	ev.Data = map[string]any{"disputeId": next.ID}
	s.emitter.Emit(ctx, ev)
	return next, nil
}

func (s *Service) orderEvent(typ events.Type, actor auth.Actor, before, after *Order) events.Event {
	ev := events.New(typ, after.ID, after.UpdatedAt)
	ev.ActorID, ev.ActorRole = actor.ID, string(actor.Role)
	if before != nil {
		ev.Before = map[string]any{"status": string(before.Status), "version": before.Version, "refundStatus": string(before.RefundStatus)}
	}
	ev.After = map[string]any{"status": string(after.Status), "version": after.Version, "refundStatus": string(after.RefundStatus)}
	ev.Data = map[string]any{
		"orderNo":  after.OrderNo,
		"sellerId": after.SellerID,
		"buyerId":  after.BuyerID,
		"amount":   money.Format(after.Price),
	}
	return ev
}

func (s *Service) transitionEvents(cmd Command, before, after *Order, dispute *Dispute) []events.Event {
	ev := s.orderEvent(events.Type("order."+cmd.Action.Name()), cmd.Actor, before, after)
	switch a := cmd.Action.(type) {
	case ApproveRefund:
		ev.Data["autoApproved"] = after.RefundAutoApproved
	case Confirm:
		ev.Data["autoConfirmed"] = after.AutoConfirmed
	case RequestRefundExtension:
		ev.Data["refundResponseDeadline"] = after.RefundResponseDeadline
	case ResolveDispute:
		ev.Data["outcome"] = string(a.Outcome)
	}
	if dispute != nil {
		ev.Data["disputeId"] = dispute.ID
		ev.Data["disputeStatus"] = string(dispute.Status)
	}
	return []events.Event{ev}
}
