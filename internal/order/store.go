package order

import (
	"context"
	"time"

	"github.com/mbd888/tradeguard/internal/ledger"
	"github.com/mbd888/tradeguard/internal/pagination"
)

// Store is the order repository bound to one unit of work.
type Store interface {
	Insert(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	// UpdateIfVersion writes o only if the stored row still has fromStatus
	// and fromVersion. Zero rows matched is ErrConflict.
	UpdateIfVersion(ctx context.Context, o *Order, fromStatus Status, fromVersion int64) error
	// ListByParticipant pages orders the user sold or bought, newest first.
	ListByParticipant(ctx context.Context, userID string, after *pagination.Cursor, limit int) ([]*Order, error)
	// ListRefundOverdue returns PAID orders whose pending refund deadline is before now.
	ListRefundOverdue(ctx context.Context, now time.Time, limit int) ([]*Order, error)
	// ListConfirmOverdue returns TRANSFERRING orders whose confirm deadline is before now.
	ListConfirmOverdue(ctx context.Context, now time.Time, limit int) ([]*Order, error)
}

// DisputeStore is the dispute repository bound to one unit of work.
type DisputeStore interface {
	Insert(ctx context.Context, d *Dispute) error
	Get(ctx context.Context, id string) (*Dispute, error)
	GetByOrder(ctx context.Context, orderID string) (*Dispute, error)
	// UpdateIfStatus writes d only if the stored status is still from.
	// Zero rows matched is ErrConflict.
	UpdateIfStatus(ctx context.Context, d *Dispute, from DisputeStatus) error
}

// Tx is one atomic unit spanning orders, disputes and the ledger.
type Tx interface {
	Orders() Store
	Disputes() DisputeStore
	Ledger() ledger.Store
}

// TxRunner runs fn in a unit of work, committing if fn returns nil and
// rolling back every write otherwise.
type TxRunner interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// TierLookup reports a user's verification tier. known is false when the
// lookup has no record, in which case the tier snapshotted on the order at
// publish time is used.
type TierLookup interface {
	IsVerified(ctx context.Context, userID string) (verified, known bool, err error)
}

// StaticTiers is a fixed TierLookup. Users not in the map are unknown.
type StaticTiers map[string]bool

// IsVerified implements TierLookup.
func (s StaticTiers) IsVerified(_ context.Context, userID string) (bool, bool, error) {
	v, ok := s[userID]
	return v, ok, nil
}
