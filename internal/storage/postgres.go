package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/mbd888/tradeguard/internal/ledger"
	"github.com/mbd888/tradeguard/internal/order"
	"github.com/mbd888/tradeguard/internal/pagination"
)

// Postgres error codes the stores translate.
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeCheckViolation       = "23514"
	codeUniqueViolation      = "23505"
)

// Open connects to PostgreSQL and verifies the connection.
func Open(ctx context.Context, url string, maxOpen int) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
		db.SetMaxIdleConns(maxOpen / 2)
	}
	db.SetConnMaxIdleTime(15 * time.Minute)
	db.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// PostgresDB runs units of work as READ COMMITTED transactions. Order
// transitions rely on conditional updates, not on the isolation level.
type PostgresDB struct {
	db *sql.DB
}

// NewPostgresDB wraps an open database.
func NewPostgresDB(db *sql.DB) *PostgresDB {
	return &PostgresDB{db: db}
}

// DB returns the underlying pool.
func (p *PostgresDB) DB() *sql.DB { return p.db }

// Ping checks database connectivity.
func (p *PostgresDB) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// WithinTx implements order.TxRunner.
func (p *PostgresDB) WithinTx(ctx context.Context, fn func(ctx context.Context, tx order.Tx) error) error {
	return p.run(ctx, func(ctx context.Context, q querier) error { return fn(ctx, pgTx{q}) })
}

// WithinLedgerTx implements ledger.TxRunner.
func (p *PostgresDB) WithinLedgerTx(ctx context.Context, fn func(ctx context.Context, s ledger.Store) error) error {
	return p.run(ctx, func(ctx context.Context, q querier) error { return fn(ctx, pgLedger{q}) })
}

func (p *PostgresDB) run(ctx context.Context, fn func(ctx context.Context, q querier) error) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(ctx, tx); err != nil {
		return translate(err)
	}
	if err := tx.Commit(); err != nil {
		return translate(fmt.Errorf("commit: %w", err))
	}
	return nil
}

// IsVerified implements order.TierLookup.
func (p *PostgresDB) IsVerified(ctx context.Context, userID string) (bool, bool, error) {
	var verified bool
	err := p.db.QueryRowContext(ctx, `SELECT verified FROM user_tiers WHERE user_id = $1`, userID).Scan(&verified)
	if errors.Is(err, sql.ErrNoRows) {
		return false, false, nil
	}
	if err != nil {
		return false, false, err
	}
	return verified, true, nil
}

// SetVerified records a user's verification tier.
func (p *PostgresDB) SetVerified(ctx context.Context, userID string, verified bool) error {
	if userID == "" {
		return fmt.Errorf("%w: user id required", order.ErrValidation)
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO user_tiers (user_id, verified, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (user_id) DO UPDATE SET verified = EXCLUDED.verified, updated_at = NOW()
	`, userID, verified)
	return err
}

// translate maps driver errors onto the domain sentinels. Errors that
// already carry a sentinel pass through unchanged.
func translate(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}
	switch string(pqErr.Code) {
	case codeSerializationFailure, codeDeadlockDetected:
		return fmt.Errorf("%w: %v", order.ErrConflict, err)
	case codeCheckViolation:
		if pqErr.Constraint == "chk_accounts_balance_nonneg" {
			return fmt.Errorf("%w: %v", ledger.ErrInsufficientBalance, err)
		}
	case codeUniqueViolation:
		switch pqErr.Constraint {
		case "idx_entries_external_ref":
			return fmt.Errorf("%w: %v", ledger.ErrDuplicateDeposit, err)
		case "disputes_order_id_key":
			return fmt.Errorf("%w: %v", order.ErrConflict, err)
		}
	}
	return err
}

// querier is the part of *sql.Tx the stores use.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

type pgTx struct{ q querier }

func (t pgTx) Orders() order.Store          { return pgOrders{t.q} }
func (t pgTx) Disputes() order.DisputeStore { return pgDisputes{t.q} }
func (t pgTx) Ledger() ledger.Store         { return pgLedger{t.q} }

func expectOne(res sql.Result, miss error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return miss
	}
	return nil
}

// ---------------------------------------------------------------------------
// Orders
// ---------------------------------------------------------------------------

const orderColumns = `id, order_no, title, description, seller_id, seller_verified, buyer_id,
	price, platform_fee, escrow_amount, status, version, transfer_proof, confirm_deadline,
	auto_confirmed, refund_requested, refund_status, refund_reason, refund_requested_at,
	refund_response_deadline, refund_extension_requested, refund_extension_reason,
	refund_approved_at, refund_rejected_at, refund_reject_reason, refund_auto_approved,
	dispute_id, published_at, paid_at, transferred_at, completed_at, cancelled_at,
	disputed_at, updated_at`

func orderArgs(o *order.Order) []any {
	return []any{
		o.ID, o.OrderNo, o.Title, o.Description, o.SellerID, o.SellerVerified, o.BuyerID,
		o.Price, o.PlatformFee, o.EscrowAmount, string(o.Status), o.Version, o.TransferProof, o.ConfirmDeadline,
		o.AutoConfirmed, o.RefundRequested, string(o.RefundStatus), o.RefundReason, o.RefundRequestedAt,
		o.RefundResponseDeadline, o.RefundExtensionRequested, o.RefundExtensionReason,
		o.RefundApprovedAt, o.RefundRejectedAt, o.RefundRejectReason, o.RefundAutoApproved,
		o.DisputeID, o.PublishedAt, o.PaidAt, o.TransferredAt, o.CompletedAt, o.CancelledAt,
		o.DisputedAt, o.UpdatedAt,
	}
}

func scanOrder(row rowScanner) (*order.Order, error) {
	o := &order.Order{}
	var status, refundStatus string
	err := row.Scan(
		&o.ID, &o.OrderNo, &o.Title, &o.Description, &o.SellerID, &o.SellerVerified, &o.BuyerID,
		&o.Price, &o.PlatformFee, &o.EscrowAmount, &status, &o.Version, &o.TransferProof, &o.ConfirmDeadline,
		&o.AutoConfirmed, &o.RefundRequested, &refundStatus, &o.RefundReason, &o.RefundRequestedAt,
		&o.RefundResponseDeadline, &o.RefundExtensionRequested, &o.RefundExtensionReason,
		&o.RefundApprovedAt, &o.RefundRejectedAt, &o.RefundRejectReason, &o.RefundAutoApproved,
		&o.DisputeID, &o.PublishedAt, &o.PaidAt, &o.TransferredAt, &o.CompletedAt, &o.CancelledAt,
		&o.DisputedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	o.Status = order.Status(status)
	o.RefundStatus = order.RefundStatus(refundStatus)
	return o, nil
}

func queryOrders(ctx context.Context, q querier, query string, args ...any) ([]*order.Order, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*order.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

type pgOrders struct{ q querier }

func (s pgOrders) Insert(ctx context.Context, o *order.Order) error {
	_, err := s.q.ExecContext(ctx, `INSERT INTO orders (`+orderColumns+`) VALUES (
		$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17,
		$18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29, $30, $31, $32, $33, $34)`,
		orderArgs(o)...)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func (s pgOrders) Get(ctx context.Context, id string) (*order.Order, error) {
	o, err := scanOrder(s.q.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: order %s", order.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	return o, nil
}

// UpdateIfVersion rewrites every mutable column guarded by the status and
// version the caller read.
func (s pgOrders) UpdateIfVersion(ctx context.Context, o *order.Order, fromStatus order.Status, fromVersion int64) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE orders SET
			buyer_id = $2, escrow_amount = $3, status = $4, version = $5,
			transfer_proof = $6, confirm_deadline = $7, auto_confirmed = $8,
			refund_requested = $9, refund_status = $10, refund_reason = $11,
			refund_requested_at = $12, refund_response_deadline = $13,
			refund_extension_requested = $14, refund_extension_reason = $15,
			refund_approved_at = $16, refund_rejected_at = $17, refund_reject_reason = $18,
			refund_auto_approved = $19, dispute_id = $20, paid_at = $21, transferred_at = $22,
			completed_at = $23, cancelled_at = $24, disputed_at = $25, updated_at = $26
		WHERE id = $1 AND status = $27 AND version = $28`,
		o.ID, o.BuyerID, o.EscrowAmount, string(o.Status), o.Version,
		o.TransferProof, o.ConfirmDeadline, o.AutoConfirmed,
		o.RefundRequested, string(o.RefundStatus), o.RefundReason,
		o.RefundRequestedAt, o.RefundResponseDeadline,
		o.RefundExtensionRequested, o.RefundExtensionReason,
		o.RefundApprovedAt, o.RefundRejectedAt, o.RefundRejectReason,
		o.RefundAutoApproved, o.DisputeID, o.PaidAt, o.TransferredAt,
		o.CompletedAt, o.CancelledAt, o.DisputedAt, o.UpdatedAt,
		string(fromStatus), fromVersion,
	)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	return expectOne(res, fmt.Errorf("%w: order %s no longer at %s/v%d", order.ErrConflict, o.ID, fromStatus, fromVersion))
}

func (s pgOrders) ListByParticipant(ctx context.Context, userID string, after *pagination.Cursor, limit int) ([]*order.Order, error) {
	if after == nil {
		return queryOrders(ctx, s.q, `SELECT `+orderColumns+` FROM orders
			WHERE seller_id = $1 OR buyer_id = $1
			ORDER BY published_at DESC, id DESC LIMIT $2`, userID, limit)
	}
	return queryOrders(ctx, s.q, `SELECT `+orderColumns+` FROM orders
		WHERE (seller_id = $1 OR buyer_id = $1) AND (published_at, id) < ($2, $3)
		ORDER BY published_at DESC, id DESC LIMIT $4`, userID, after.CreatedAt, after.ID, limit)
}

func (s pgOrders) ListRefundOverdue(ctx context.Context, now time.Time, limit int) ([]*order.Order, error) {
	return queryOrders(ctx, s.q, `SELECT `+orderColumns+` FROM orders
		WHERE status = 'PAID' AND refund_status = 'PENDING' AND refund_response_deadline < $1
		ORDER BY refund_response_deadline, id LIMIT $2`, now, limit)
}

func (s pgOrders) ListConfirmOverdue(ctx context.Context, now time.Time, limit int) ([]*order.Order, error) {
	return queryOrders(ctx, s.q, `SELECT `+orderColumns+` FROM orders
		WHERE status = 'TRANSFERRING' AND confirm_deadline < $1
		ORDER BY confirm_deadline, id LIMIT $2`, now, limit)
}

// ---------------------------------------------------------------------------
// Disputes
// ---------------------------------------------------------------------------

const disputeColumns = `id, order_id, initiator_id, reason, description, status, outcome,
	resolution, handled_by, created_at, updated_at, resolved_at, closed_at`

func scanDispute(row rowScanner) (*order.Dispute, error) {
	d := &order.Dispute{}
	var status, outcome string
	err := row.Scan(&d.ID, &d.OrderID, &d.InitiatorID, &d.Reason, &d.Description, &status, &outcome,
		&d.Resolution, &d.HandledBy, &d.CreatedAt, &d.UpdatedAt, &d.ResolvedAt, &d.ClosedAt)
	if err != nil {
		return nil, err
	}
	d.Status = order.DisputeStatus(status)
	d.Outcome = order.Outcome(outcome)
	return d, nil
}

type pgDisputes struct{ q querier }

func (s pgDisputes) Insert(ctx context.Context, d *order.Dispute) error {
	_, err := s.q.ExecContext(ctx, `INSERT INTO disputes (`+disputeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		d.ID, d.OrderID, d.InitiatorID, d.Reason, d.Description, string(d.Status), string(d.Outcome),
		d.Resolution, d.HandledBy, d.CreatedAt, d.UpdatedAt, d.ResolvedAt, d.ClosedAt)
	if err != nil {
		return fmt.Errorf("insert dispute: %w", err)
	}
	return nil
}

func (s pgDisputes) get(ctx context.Context, where, arg string) (*order.Dispute, error) {
	d, err := scanDispute(s.q.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE `+where+` = $1`, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: dispute for %s %s", order.ErrNotFound, where, arg)
	}
	if err != nil {
		return nil, fmt.Errorf("get dispute: %w", err)
	}
	return d, nil
}

func (s pgDisputes) Get(ctx context.Context, id string) (*order.Dispute, error) {
	return s.get(ctx, "id", id)
}

func (s pgDisputes) GetByOrder(ctx context.Context, orderID string) (*order.Dispute, error) {
	return s.get(ctx, "order_id", orderID)
}

func (s pgDisputes) UpdateIfStatus(ctx context.Context, d *order.Dispute, from order.DisputeStatus) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE disputes SET status = $2, outcome = $3, resolution = $4, handled_by = $5,
			updated_at = $6, resolved_at = $7, closed_at = $8
		WHERE id = $1 AND status = $9`,
		d.ID, string(d.Status), string(d.Outcome), d.Resolution, d.HandledBy,
		d.UpdatedAt, d.ResolvedAt, d.ClosedAt, string(from))
	if err != nil {
		return fmt.Errorf("update dispute: %w", err)
	}
	return expectOne(res, fmt.Errorf("%w: dispute %s no longer %s", order.ErrConflict, d.ID, from))
}

// ---------------------------------------------------------------------------
// Ledger
// ---------------------------------------------------------------------------

type pgLedger struct{ q querier }

func (s pgLedger) GetAccount(ctx context.Context, userID string) (*ledger.Account, error) {
	a := &ledger.Account{UserID: userID}
	err := s.q.QueryRowContext(ctx, `
		SELECT balance, updated_at FROM accounts WHERE user_id = $1 FOR UPDATE`, userID,
	).Scan(&a.Balance, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return &ledger.Account{UserID: userID, Balance: decimal.Zero}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return a, nil
}

// AddBalance relies on the balance CHECK constraint to refuse overdrafts.
func (s pgLedger) AddBalance(ctx context.Context, userID string, delta decimal.Decimal, now time.Time) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := s.q.QueryRowContext(ctx, `
		INSERT INTO accounts (user_id, balance, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE SET
			balance    = accounts.balance + EXCLUDED.balance,
			updated_at = EXCLUDED.updated_at
		RETURNING balance`, userID, delta, now,
	).Scan(&balance)
	if err != nil {
		return decimal.Zero, translate(fmt.Errorf("add balance: %w", err))
	}
	return balance, nil
}

func (s pgLedger) ListAccounts(ctx context.Context) ([]*ledger.Account, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT user_id, balance, updated_at FROM accounts ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*ledger.Account
	for rows.Next() {
		a := &ledger.Account{}
		if err := rows.Scan(&a.UserID, &a.Balance, &a.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

const entryColumns = `id, user_id, type, direction, amount, status, order_id, withdrawal_id,
	performed_by, external_ref, note, metadata, created_at, updated_at`

func scanEntry(row rowScanner) (*ledger.Entry, error) {
	e := &ledger.Entry{}
	var typ, dir, status string
	var meta []byte
	err := row.Scan(&e.ID, &e.UserID, &typ, &dir, &e.Amount, &status, &e.OrderID, &e.WithdrawalID,
		&e.PerformedBy, &e.ExternalRef, &e.Note, &meta, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	e.Type, e.Direction, e.Status = ledger.EntryType(typ), ledger.Direction(dir), ledger.EntryStatus(status)
	if len(meta) > 0 && string(meta) != "{}" {
		if err := json.Unmarshal(meta, &e.Metadata); err != nil {
			return nil, fmt.Errorf("decode entry metadata: %w", err)
		}
	}
	return e, nil
}

func (s pgLedger) queryEntries(ctx context.Context, query string, args ...any) ([]*ledger.Entry, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*ledger.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s pgLedger) InsertEntry(ctx context.Context, e *ledger.Entry) error {
	meta := []byte("{}")
	if len(e.Metadata) > 0 {
		var err error
		if meta, err = json.Marshal(e.Metadata); err != nil {
			return fmt.Errorf("encode entry metadata: %w", err)
		}
	}
	_, err := s.q.ExecContext(ctx, `INSERT INTO ledger_entries (`+entryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		e.ID, e.UserID, string(e.Type), string(e.Direction), e.Amount, string(e.Status), e.OrderID, e.WithdrawalID,
		e.PerformedBy, e.ExternalRef, e.Note, meta, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return translate(fmt.Errorf("insert entry: %w", err))
	}
	return nil
}

func (s pgLedger) GetEntry(ctx context.Context, id string) (*ledger.Entry, error) {
	e, err := scanEntry(s.q.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ledger.ErrEntryNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get entry: %w", err)
	}
	return e, nil
}

func (s pgLedger) UpdateEntryStatus(ctx context.Context, id string, from, to ledger.EntryStatus, now time.Time) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE ledger_entries SET status = $2, updated_at = $3 WHERE id = $1 AND status = $4`,
		id, string(to), now, string(from))
	if err != nil {
		return fmt.Errorf("update entry: %w", err)
	}
	return expectOne(res, fmt.Errorf("%w: entry %s not %s", ledger.ErrConcurrentModification, id, from))
}

func (s pgLedger) ListEntries(ctx context.Context, userID string, after *pagination.Cursor, limit int) ([]*ledger.Entry, error) {
	if after == nil {
		return s.queryEntries(ctx, `SELECT `+entryColumns+` FROM ledger_entries
			WHERE user_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2`, userID, limit)
	}
	return s.queryEntries(ctx, `SELECT `+entryColumns+` FROM ledger_entries
		WHERE user_id = $1 AND (created_at, id) < ($2, $3)
		ORDER BY created_at DESC, id DESC LIMIT $4`, userID, after.CreatedAt, after.ID, limit)
}

func (s pgLedger) ListEntriesByOrder(ctx context.Context, orderID string) ([]*ledger.Entry, error) {
	return s.queryEntries(ctx, `SELECT `+entryColumns+` FROM ledger_entries
		WHERE order_id = $1 ORDER BY created_at, id`, orderID)
}

func (s pgLedger) SumEffective(ctx context.Context, userID string) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := s.q.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(CASE WHEN direction = 'debit' THEN -amount ELSE amount END), 0)
		FROM ledger_entries
		WHERE user_id = $1 AND (status = 'COMPLETED' OR (status = 'PENDING' AND type = 'WITHDRAW'))`,
		userID).Scan(&sum)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum entries: %w", err)
	}
	return sum, nil
}

func (s pgLedger) HasExternalRef(ctx context.Context, ref string) (bool, error) {
	var exists bool
	err := s.q.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM ledger_entries WHERE external_ref = $1)`, ref).Scan(&exists)
	return exists, err
}

const withdrawalColumns = `id, user_id, amount, fee, actual_amount, destination, status, entry_id,
	external_tx_id, reason, reviewed_by, created_at, updated_at`

func (s pgLedger) InsertWithdrawal(ctx context.Context, w *ledger.Withdrawal) error {
	_, err := s.q.ExecContext(ctx, `INSERT INTO withdrawals (`+withdrawalColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		w.ID, w.UserID, w.Amount, w.Fee, w.ActualAmount, w.Destination, string(w.Status), w.EntryID,
		w.ExternalTxID, w.Reason, w.ReviewedBy, w.CreatedAt, w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert withdrawal: %w", err)
	}
	return nil
}

func (s pgLedger) GetWithdrawal(ctx context.Context, id string) (*ledger.Withdrawal, error) {
	w := &ledger.Withdrawal{}
	var status string
	err := s.q.QueryRowContext(ctx, `SELECT `+withdrawalColumns+` FROM withdrawals WHERE id = $1`, id).Scan(
		&w.ID, &w.UserID, &w.Amount, &w.Fee, &w.ActualAmount, &w.Destination, &status, &w.EntryID,
		&w.ExternalTxID, &w.Reason, &w.ReviewedBy, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ledger.ErrWithdrawalNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get withdrawal: %w", err)
	}
	w.Status = ledger.WithdrawalStatus(status)
	return w, nil
}

func (s pgLedger) UpdateWithdrawal(ctx context.Context, w *ledger.Withdrawal, from ledger.WithdrawalStatus) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE withdrawals SET status = $2, external_tx_id = $3, reason = $4, reviewed_by = $5, updated_at = $6
		WHERE id = $1 AND status = $7`,
		w.ID, string(w.Status), w.ExternalTxID, w.Reason, w.ReviewedBy, w.UpdatedAt, string(from))
	if err != nil {
		return fmt.Errorf("update withdrawal: %w", err)
	}
	return expectOne(res, fmt.Errorf("%w: withdrawal %s not %s", ledger.ErrConcurrentModification, w.ID, from))
}

func (s pgLedger) ListOpenWithdrawalEntries(ctx context.Context) ([]*ledger.Entry, error) {
	return s.queryEntries(ctx, `SELECT `+entryColumns+` FROM ledger_entries
		WHERE type = 'WITHDRAW' AND status = 'PENDING' ORDER BY created_at, id`)
}

var (
	_ order.TxRunner   = (*PostgresDB)(nil)
	_ order.TierLookup = (*PostgresDB)(nil)
	_ order.TierWriter = (*PostgresDB)(nil)
	_ ledger.TxRunner  = (*PostgresDB)(nil)
)
