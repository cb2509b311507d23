package order_test

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/tradeguard/internal/auth"
	"github.com/mbd888/tradeguard/internal/events"
	"github.com/mbd888/tradeguard/internal/ledger"
	"github.com/mbd888/tradeguard/internal/order"
	"github.com/mbd888/tradeguard/internal/storage"
)

var (
	seller = auth.Actor{ID: "seller", Role: auth.RoleUser}
	buyer  = auth.Actor{ID: "buyer", Role: auth.RoleUser}
	admin  = auth.Actor{ID: "ops", Role: auth.RoleAdmin}
)

// testClock is a settable time source shared by both services.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type env struct {
	t      *testing.T
	db     *storage.MemoryDB
	svc    *order.Service
	wallet *ledger.Service
	sink   *events.MemorySink
	clock  *testClock
}

func newEnv(t *testing.T) *env {
	t.Helper()
	return newEnvWithPolicy(t, order.DefaultDeadlinePolicy())
}

func newEnvWithPolicy(t *testing.T, policy order.DeadlinePolicy) *env {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	db := storage.NewMemoryDB()
	sink := events.NewMemorySink()
	emitter := events.NewEmitter(sink, logger)
	clock := &testClock{t: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}

	svc := order.NewService(db, db, order.Config{
		FeeRate:   decimal.RequireFromString("0.03"),
		Deadlines: policy,
	}, emitter, logger).WithClock(clock.Now)
	wallet := ledger.NewService(db, ledger.Policy{
		WithdrawalFeeRate: decimal.RequireFromString("0.01"),
		MinWithdrawal:     decimal.NewFromInt(10),
	}, emitter, logger).WithClock(clock.Now)

	return &env{t: t, db: db, svc: svc, wallet: wallet, sink: sink, clock: clock}
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

var refSeq struct {
	sync.Mutex
	n int
}

func (e *env) fund(userID, amount string) {
	e.t.Helper()
	refSeq.Lock()
	refSeq.n++
	ref := "bank-" + userID + "-" + decimal.NewFromInt(int64(refSeq.n)).String()
	refSeq.Unlock()
	_, err := e.wallet.Deposit(context.Background(), userID, dec(amount), ref)
	require.NoError(e.t, err)
}

func (e *env) publish(price string) *order.Order {
	e.t.Helper()
	o, err := e.svc.Publish(context.Background(), seller, order.PublishRequest{Title: "Stadium seat", Price: dec(price)})
	require.NoError(e.t, err)
	return o
}

func (e *env) apply(o *order.Order, actor auth.Actor, a order.Action) (*order.Order, error) {
	return e.svc.Apply(context.Background(), order.Command{
		OrderID:         o.ID,
		ExpectedVersion: o.Version,
		Actor:           actor,
		Action:          a,
	})
}

func (e *env) mustApply(o *order.Order, actor auth.Actor, a order.Action) *order.Order {
	e.t.Helper()
	next, err := e.apply(o, actor, a)
	require.NoError(e.t, err, "apply %s", a.Name())
	return next
}

// paidOrder returns an order bought by buyer.
func (e *env) paidOrder(price string) *order.Order {
	e.t.Helper()
	e.fund(buyer.ID, price)
	return e.mustApply(e.publish(price), buyer, order.Pay{})
}

func (e *env) balance(userID string) decimal.Decimal {
	e.t.Helper()
	acct, err := e.wallet.Balance(context.Background(), userID)
	require.NoError(e.t, err)
	return acct.Balance
}

func (e *env) entries(orderID string) []*ledger.Entry {
	e.t.Helper()
	var out []*ledger.Entry
	err := e.db.WithinLedgerTx(context.Background(), func(ctx context.Context, s ledger.Store) error {
		var err error
		out, err = s.ListEntriesByOrder(ctx, orderID)
		return err
	})
	require.NoError(e.t, err)
	return out
}

func (e *env) entriesOfType(orderID string, typ ledger.EntryType) []*ledger.Entry {
	var out []*ledger.Entry
	for _, en := range e.entries(orderID) {
		if en.Type == typ {
			out = append(out, en)
		}
	}
	return out
}

// requireLedgerConsistent checks every account against its entries.
func (e *env) requireLedgerConsistent() {
	e.t.Helper()
	err := e.db.WithinLedgerTx(context.Background(), func(ctx context.Context, s ledger.Store) error {
		accts, err := s.ListAccounts(ctx)
		if err != nil {
			return err
		}
		for _, a := range accts {
			sum, err := s.SumEffective(ctx, a.UserID)
			if err != nil {
				return err
			}
			require.True(e.t, a.Balance.Equal(sum), "user %s: balance %s, entries %s", a.UserID, a.Balance, sum)
		}
		return nil
	})
	require.NoError(e.t, err)
}
