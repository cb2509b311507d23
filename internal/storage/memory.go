// Package storage provides the units of work that order and ledger
// operations run in: an in-memory database for development and tests, and
// a PostgreSQL one for production.
package storage

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/tradeguard/internal/ledger"
	"github.com/mbd888/tradeguard/internal/order"
	"github.com/mbd888/tradeguard/internal/pagination"
)

// MemoryDB is an in-memory database. Units of work are serialized by a
// single mutex; every write is journaled so a failed unit can be undone.
type MemoryDB struct {
	mu          sync.Mutex
	orders      map[string]*order.Order
	disputes    map[string]*order.Dispute
	accounts    map[string]*ledger.Account
	entries     []*ledger.Entry
	entryIndex  map[string]int
	withdrawals map[string]*ledger.Withdrawal
	externalRef map[string]string

	tierMu sync.RWMutex
	tiers  map[string]bool
}

// NewMemoryDB creates an empty in-memory database.
func NewMemoryDB() *MemoryDB {
	return &MemoryDB{
		orders:      make(map[string]*order.Order),
		disputes:    make(map[string]*order.Dispute),
		accounts:    make(map[string]*ledger.Account),
		entryIndex:  make(map[string]int),
		withdrawals: make(map[string]*ledger.Withdrawal),
		externalRef: make(map[string]string),
		tiers:       make(map[string]bool),
	}
}

// WithinTx implements order.TxRunner.
func (m *MemoryDB) WithinTx(ctx context.Context, fn func(ctx context.Context, tx order.Tx) error) error {
	return m.run(ctx, func(ctx context.Context, t *memTx) error { return fn(ctx, t) })
}

// WithinLedgerTx implements ledger.TxRunner.
func (m *MemoryDB) WithinLedgerTx(ctx context.Context, fn func(ctx context.Context, s ledger.Store) error) error {
	return m.run(ctx, func(ctx context.Context, t *memTx) error { return fn(ctx, t.Ledger()) })
}

func (m *MemoryDB) run(ctx context.Context, fn func(ctx context.Context, t *memTx) error) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	t := &memTx{db: m}
	defer func() {
		if r := recover(); r != nil {
			t.rollback()
			panic(r)
		}
		if err != nil {
			t.rollback()
		}
	}()
	return fn(ctx, t)
}

// IsVerified implements order.TierLookup.
func (m *MemoryDB) IsVerified(_ context.Context, userID string) (bool, bool, error) {
	m.tierMu.RLock()
	defer m.tierMu.RUnlock()
	v, ok := m.tiers[userID]
	return v, ok, nil
}

// SetVerified records a user's verification tier.
func (m *MemoryDB) SetVerified(_ context.Context, userID string, verified bool) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("%w: user id required", order.ErrValidation)
	}
	m.tierMu.Lock()
	defer m.tierMu.Unlock()
	m.tiers[userID] = verified
	return nil
}

// Ping implements the health probe signature.
func (m *MemoryDB) Ping(context.Context) error { return nil }

// memTx is one unit of work. undo holds the inverse of every write made
// so far, applied newest first on rollback.
type memTx struct {
	db   *MemoryDB
	undo []func()
}

func (t *memTx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *memTx) Orders() order.Store          { return memOrders{t} }
func (t *memTx) Disputes() order.DisputeStore { return memDisputes{t} }
func (t *memTx) Ledger() ledger.Store         { return memLedger{t} }

// journal remembers the current value of key in mp so it can be restored.
func journal[V any](t *memTx, mp map[string]V, key string) {
	prev, ok := mp[key]
	t.undo = append(t.undo, func() {
		if ok {
			mp[key] = prev
		} else {
			delete(mp, key)
		}
	})
}

// ---------------------------------------------------------------------------
// Orders
// ---------------------------------------------------------------------------

type memOrders struct{ t *memTx }

func (s memOrders) Insert(_ context.Context, o *order.Order) error {
	db := s.t.db
	if _, ok := db.orders[o.ID]; ok {
		return fmt.Errorf("order %s already exists", o.ID)
	}
	journal(s.t, db.orders, o.ID)
	db.orders[o.ID] = o.Clone()
	return nil
}

func (s memOrders) Get(_ context.Context, id string) (*order.Order, error) {
	o, ok := s.t.db.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: order %s", order.ErrNotFound, id)
	}
	return o.Clone(), nil
}

func (s memOrders) UpdateIfVersion(_ context.Context, o *order.Order, fromStatus order.Status, fromVersion int64) error {
	db := s.t.db
	cur, ok := db.orders[o.ID]
	if !ok || cur.Status != fromStatus || cur.Version != fromVersion {
		return fmt.Errorf("%w: order %s no longer at %s/v%d", order.ErrConflict, o.ID, fromStatus, fromVersion)
	}
	journal(s.t, db.orders, o.ID)
	db.orders[o.ID] = o.Clone()
	return nil
}

func (s memOrders) ListByParticipant(_ context.Context, userID string, after *pagination.Cursor, limit int) ([]*order.Order, error) {
	var out []*order.Order
	for _, o := range s.t.db.orders {
		if o.IsParticipant(userID) && after.Before(o.PublishedAt, o.ID) {
			out = append(out, o)
		}
	}
	slices.SortFunc(out, func(a, b *order.Order) int {
		if c := b.PublishedAt.Compare(a.PublishedAt); c != 0 {
			return c
		}
		return strings.Compare(b.ID, a.ID)
	})
	return cloneOrders(out, limit), nil
}

func (s memOrders) ListRefundOverdue(_ context.Context, now time.Time, limit int) ([]*order.Order, error) {
	return s.overdue(limit, func(o *order.Order) *time.Time {
		if o.Status == order.StatusPaid && o.RefundStatus == order.RefundPending {
			return o.RefundResponseDeadline
		}
		return nil
	}, now), nil
}

func (s memOrders) ListConfirmOverdue(_ context.Context, now time.Time, limit int) ([]*order.Order, error) {
	return s.overdue(limit, func(o *order.Order) *time.Time {
		if o.Status == order.StatusTransferring {
			return o.ConfirmDeadline
		}
		return nil
	}, now), nil
}

// overdue returns orders whose deadline is before now, oldest deadline first.
func (s memOrders) overdue(limit int, deadline func(*order.Order) *time.Time, now time.Time) []*order.Order {
	var out []*order.Order
	for _, o := range s.t.db.orders {
		if d := deadline(o); d != nil && d.Before(now) {
			out = append(out, o)
		}
	}
	slices.SortFunc(out, func(a, b *order.Order) int {
		if c := deadline(a).Compare(*deadline(b)); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return cloneOrders(out, limit)
}

func cloneOrders(in []*order.Order, limit int) []*order.Order {
	if limit > 0 && len(in) > limit {
		in = in[:limit]
	}
	out := make([]*order.Order, len(in))
	for i, o := range in {
		out[i] = o.Clone()
	}
	return out
}

// ---------------------------------------------------------------------------
// Disputes
// ---------------------------------------------------------------------------

type memDisputes struct{ t *memTx }

func (s memDisputes) Insert(_ context.Context, d *order.Dispute) error {
	db := s.t.db
	if _, ok := db.disputes[d.ID]; ok {
		return fmt.Errorf("dispute %s already exists", d.ID)
	}
	for _, existing := range db.disputes {
		if existing.OrderID == d.OrderID {
			return fmt.Errorf("%w: order %s already has a dispute", order.ErrConflict, d.OrderID)
		}
	}
	journal(s.t, db.disputes, d.ID)
	db.disputes[d.ID] = d.Clone()
	return nil
}

func (s memDisputes) Get(_ context.Context, id string) (*order.Dispute, error) {
	d, ok := s.t.db.disputes[id]
	if !ok {
		return nil, fmt.Errorf("%w: dispute %s", order.ErrNotFound, id)
	}
	return d.Clone(), nil
}

func (s memDisputes) GetByOrder(_ context.Context, orderID string) (*order.Dispute, error) {
	for _, d := range s.t.db.disputes {
		if d.OrderID == orderID {
			return d.Clone(), nil
		}
	}
	return nil, fmt.Errorf("%w: no dispute for order %s", order.ErrNotFound, orderID)
}

func (s memDisputes) UpdateIfStatus(_ context.Context, d *order.Dispute, from order.DisputeStatus) error {
	db := s.t.db
	cur, ok := db.disputes[d.ID]
	if !ok || cur.Status != from {
		return fmt.Errorf("%w: dispute %s no longer %s", order.ErrConflict, d.ID, from)
	}
	journal(s.t, db.disputes, d.ID)
	db.disputes[d.ID] = d.Clone()
	return nil
}

// ---------------------------------------------------------------------------
// Ledger
// ---------------------------------------------------------------------------

type memLedger struct{ t *memTx }

func (s memLedger) GetAccount(_ context.Context, userID string) (*ledger.Account, error) {
	if a, ok := s.t.db.accounts[userID]; ok {
		cp := *a
		return &cp, nil
	}
	return &ledger.Account{UserID: userID, Balance: decimal.Zero}, nil
}

func (s memLedger) AddBalance(_ context.Context, userID string, delta decimal.Decimal, now time.Time) (decimal.Decimal, error) {
	db := s.t.db
	cur := decimal.Zero
	if a, ok := db.accounts[userID]; ok {
		cur = a.Balance
	}
	next := cur.Add(delta)
	if next.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: balance %s, delta %s", ledger.ErrInsufficientBalance, cur, delta)
	}
	journal(s.t, db.accounts, userID)
	db.accounts[userID] = &ledger.Account{UserID: userID, Balance: next, UpdatedAt: now}
	return next, nil
}

func (s memLedger) ListAccounts(context.Context) ([]*ledger.Account, error) {
	out := make([]*ledger.Account, 0, len(s.t.db.accounts))
	for _, a := range s.t.db.accounts {
		cp := *a
		out = append(out, &cp)
	}
	slices.SortFunc(out, func(a, b *ledger.Account) int { return strings.Compare(a.UserID, b.UserID) })
	return out, nil
}

func (s memLedger) InsertEntry(_ context.Context, e *ledger.Entry) error {
	db := s.t.db
	if _, ok := db.entryIndex[e.ID]; ok {
		return fmt.Errorf("ledger entry %s already exists", e.ID)
	}
	if e.ExternalRef != "" {
		if _, ok := db.externalRef[e.ExternalRef]; ok {
			return fmt.Errorf("%w: %s", ledger.ErrDuplicateDeposit, e.ExternalRef)
		}
		journal(s.t, db.externalRef, e.ExternalRef)
		db.externalRef[e.ExternalRef] = e.ID
	}
	n := len(db.entries)
	journal(s.t, db.entryIndex, e.ID)
	s.t.undo = append(s.t.undo, func() { db.entries = db.entries[:n] })
	db.entries = append(db.entries, cloneEntry(e))
	db.entryIndex[e.ID] = n
	return nil
}

func (s memLedger) GetEntry(_ context.Context, id string) (*ledger.Entry, error) {
	db := s.t.db
	i, ok := db.entryIndex[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ledger.ErrEntryNotFound, id)
	}
	return cloneEntry(db.entries[i]), nil
}

func (s memLedger) UpdateEntryStatus(_ context.Context, id string, from, to ledger.EntryStatus, now time.Time) error {
	db := s.t.db
	i, ok := db.entryIndex[id]
	if !ok {
		return fmt.Errorf("%w: %s", ledger.ErrEntryNotFound, id)
	}
	prev := db.entries[i]
	if prev.Status != from {
		return fmt.Errorf("%w: entry %s is %s, expected %s", ledger.ErrConcurrentModification, id, prev.Status, from)
	}
	next := cloneEntry(prev)
	next.Status = to
	next.UpdatedAt = now
	db.entries[i] = next
	s.t.undo = append(s.t.undo, func() { db.entries[i] = prev })
	return nil
}

func (s memLedger) ListEntries(_ context.Context, userID string, after *pagination.Cursor, limit int) ([]*ledger.Entry, error) {
	var out []*ledger.Entry
	for _, e := range s.t.db.entries {
		if e.UserID == userID && after.Before(e.CreatedAt, e.ID) {
			out = append(out, e)
		}
	}
	slices.SortFunc(out, func(a, b *ledger.Entry) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(b.ID, a.ID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return cloneEntries(out), nil
}

func (s memLedger) ListEntriesByOrder(_ context.Context, orderID string) ([]*ledger.Entry, error) {
	var out []*ledger.Entry
	for _, e := range s.t.db.entries {
		if e.OrderID == orderID {
			out = append(out, e)
		}
	}
	return cloneEntries(out), nil
}

func (s memLedger) SumEffective(_ context.Context, userID string) (decimal.Decimal, error) {
	sum := decimal.Zero
	for _, e := range s.t.db.entries {
		if e.UserID == userID && e.Effective() {
			sum = sum.Add(e.Signed())
		}
	}
	return sum, nil
}

func (s memLedger) HasExternalRef(_ context.Context, ref string) (bool, error) {
	_, ok := s.t.db.externalRef[ref]
	return ok, nil
}

func (s memLedger) InsertWithdrawal(_ context.Context, w *ledger.Withdrawal) error {
	db := s.t.db
	if _, ok := db.withdrawals[w.ID]; ok {
		return fmt.Errorf("withdrawal %s already exists", w.ID)
	}
	journal(s.t, db.withdrawals, w.ID)
	cp := *w
	db.withdrawals[w.ID] = &cp
	return nil
}

func (s memLedger) GetWithdrawal(_ context.Context, id string) (*ledger.Withdrawal, error) {
	w, ok := s.t.db.withdrawals[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ledger.ErrWithdrawalNotFound, id)
	}
	cp := *w
	return &cp, nil
}

func (s memLedger) UpdateWithdrawal(_ context.Context, w *ledger.Withdrawal, from ledger.WithdrawalStatus) error {
	db := s.t.db
	cur, ok := db.withdrawals[w.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ledger.ErrWithdrawalNotFound, w.ID)
	}
	if cur.Status != from {
		return fmt.Errorf("%w: withdrawal %s is %s, expected %s", ledger.ErrConcurrentModification, w.ID, cur.Status, from)
	}
	journal(s.t, db.withdrawals, w.ID)
	cp := *w
	db.withdrawals[w.ID] = &cp
	return nil
}

func (s memLedger) ListOpenWithdrawalEntries(context.Context) ([]*ledger.Entry, error) {
	var out []*ledger.Entry
	for _, e := range s.t.db.entries {
		if e.Type == ledger.TypeWithdraw && e.Status == ledger.EntryPending {
			out = append(out, e)
		}
	}
	return cloneEntries(out), nil
}

func cloneEntry(e *ledger.Entry) *ledger.Entry {
	cp := *e
	if e.Metadata != nil {
		cp.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

func cloneEntries(in []*ledger.Entry) []*ledger.Entry {
	out := make([]*ledger.Entry, len(in))
	for i, e := range in {
		out[i] = cloneEntry(e)
	}
	return out
}

var (
	_ order.TxRunner   = (*MemoryDB)(nil)
	_ order.TierLookup = (*MemoryDB)(nil)
	_ order.TierWriter = (*MemoryDB)(nil)
	_ ledger.TxRunner  = (*MemoryDB)(nil)
)
