package purchase

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/mbd888/creditsaga/internal/ledger"
	"github.com/mbd888/creditsaga/internal/queue"
)

// PostgresStore persists purchases in PostgreSQL. Retry messages are written
// to retry_messages inside the same transaction as the state they retry.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed purchase store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type pgTx struct {
	*ledger.PostgresBook
	tx *sql.Tx
}

var _ Tx = (*pgTx)(nil)

// WithCustomerLock implements Store.
func (p *PostgresStore) WithCustomerLock(ctx context.Context, customerID string, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := ledger.LockCustomer(ctx, tx, customerID); err != nil {
		return err
	}
	if err := fn(ctx, &pgTx{PostgresBook: ledger.NewPostgresBook(tx), tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

const purchaseColumns = `id, customer_id, product_id, product_sku, product_name, quantity,
		price_at_purchase, total_amount, discount_amount, promo_code_id, shipment_id,
		status, error_message, refunded_amount, settled_at, created_at, updated_at`

const requestColumns = `id, purchase_id, customer_id, kind, reason, requested_amount,
		approved_amount, status, reviewer_note, error_message, created_at, updated_at`

const transactionColumns = `id, purchase_id, customer_id, type, amount, status,
		description, error_message, created_at`

func (t *pgTx) LockPurchase(ctx context.Context, id string) (*Purchase, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+purchaseColumns+` FROM purchases WHERE id = $1 FOR UPDATE`, id)
	p, err := scanPurchase(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPurchaseNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock purchase: %w", err)
	}
	return p, nil
}

func (t *pgTx) InsertPurchase(ctx context.Context, p *Purchase) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO purchases (`+purchaseColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`, p.ID, p.CustomerID, p.ProductID, p.ProductSKU, p.ProductName, p.Quantity,
		p.PriceAtPurchase, p.TotalAmount, p.DiscountAmount,
		nullString(p.PromoCodeID), nullString(p.ShipmentID),
		string(p.Status), nullString(p.ErrorMessage), p.RefundedAmount,
		nullTime(p.SettledAt), p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert purchase: %w", err)
	}
	return nil
}

func (t *pgTx) UpdatePurchase(ctx context.Context, p *Purchase) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE purchases
		SET shipment_id = $2, status = $3, error_message = $4, refunded_amount = $5,
		    settled_at = $6, updated_at = $7
		WHERE id = $1
	`, p.ID, nullString(p.ShipmentID), string(p.Status), nullString(p.ErrorMessage),
		p.RefundedAmount, nullTime(p.SettledAt), p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update purchase: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrPurchaseNotFound
	}
	return nil
}

func (t *pgTx) InsertTransaction(ctx context.Context, tr *Transaction) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO transactions (`+transactionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, tr.ID, tr.PurchaseID, tr.CustomerID, string(tr.Type), tr.Amount, string(tr.Status),
		tr.Description, nullString(tr.ErrorMessage), tr.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

func (t *pgTx) LockRefundRequest(ctx context.Context, id string) (*RefundRequest, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM refund_requests WHERE id = $1 FOR UPDATE`, id)
	r, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRefundRequestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock refund request: %w", err)
	}
	return r, nil
}

func (t *pgTx) PendingRefundRequest(ctx context.Context, purchaseID string) (*RefundRequest, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT `+requestColumns+` FROM refund_requests
		WHERE purchase_id = $1 AND status = 'pending'
		LIMIT 1
	`, purchaseID)
	r, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find pending refund request: %w", err)
	}
	return r, nil
}

func (t *pgTx) InsertRefundRequest(ctx context.Context, r *RefundRequest) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO refund_requests (`+requestColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, r.ID, r.PurchaseID, r.CustomerID, string(r.Kind), r.Reason,
		nullDecimal(r.RequestedAmount), nullDecimal(r.ApprovedAmount), string(r.Status),
		nullString(r.ReviewerNote), nullString(r.ErrorMessage), r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert refund request: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateRefundRequest(ctx context.Context, r *RefundRequest) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE refund_requests
		SET approved_amount = $2, status = $3, reviewer_note = $4, error_message = $5, updated_at = $6
		WHERE id = $1
	`, r.ID, nullDecimal(r.ApprovedAmount), string(r.Status),
		nullString(r.ReviewerNote), nullString(r.ErrorMessage), r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update refund request: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRefundRequestNotFound
	}
	return nil
}

func (t *pgTx) Enqueue(ctx context.Context, topic string, payload any, delay time.Duration) error {
	return queue.PublishTx(ctx, t.tx, topic, payload, delay)
}

func (p *PostgresStore) GetPurchase(ctx context.Context, id string) (*Purchase, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+purchaseColumns+` FROM purchases WHERE id = $1`, id)
	out, err := scanPurchase(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPurchaseNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get purchase: %w", err)
	}
	return out, nil
}

func (p *PostgresStore) GetPurchaseByShipment(ctx context.Context, shipmentID string) (*Purchase, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+purchaseColumns+` FROM purchases WHERE shipment_id = $1`, shipmentID)
	out, err := scanPurchase(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPurchaseNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get purchase by shipment: %w", err)
	}
	return out, nil
}

func (p *PostgresStore) ListPurchases(ctx context.Context, f ListFilter) ([]*Purchase, int, error) {
	var total int
	if err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM purchases WHERE ($1 = '' OR customer_id = $1)
	`, f.CustomerID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count purchases: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = total
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+purchaseColumns+` FROM purchases
		WHERE ($1 = '' OR customer_id = $1)
		ORDER BY created_at DESC, id
		LIMIT $2 OFFSET $3
	`, f.CustomerID, limit, f.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list purchases: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []*Purchase{}
	for rows.Next() {
		pu, err := scanPurchase(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, pu)
	}
	return out, total, rows.Err()
}

func (p *PostgresStore) ListTransactions(ctx context.Context, purchaseID string) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+transactionColumns+` FROM transactions
		WHERE purchase_id = $1
		ORDER BY created_at, id
	`, purchaseID)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []*Transaction{}
	for rows.Next() {
		var (
			tr     Transaction
			typ    string
			status string
			errMsg sql.NullString
		)
		if err := rows.Scan(&tr.ID, &tr.PurchaseID, &tr.CustomerID, &typ, &tr.Amount, &status,
			&tr.Description, &errMsg, &tr.CreatedAt); err != nil {
			return nil, err
		}
		tr.Type = TxType(typ)
		tr.Status = TxStatus(status)
		tr.ErrorMessage = errMsg.String
		out = append(out, &tr)
	}
	return out, rows.Err()
}

func (p *PostgresStore) GetRefundRequest(ctx context.Context, id string) (*RefundRequest, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM refund_requests WHERE id = $1`, id)
	r, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRefundRequestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get refund request: %w", err)
	}
	return r, nil
}

func (p *PostgresStore) ListRefundRequests(ctx context.Context, f RequestFilter) ([]*RefundRequest, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+requestColumns+` FROM refund_requests
		WHERE ($1 = '' OR status = $1) AND ($2 = '' OR customer_id = $2)
		ORDER BY created_at DESC
	`, string(f.Status), f.CustomerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list refund requests: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []*RefundRequest{}
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Statuses(ctx context.Context, ids []string) (map[string]Status, error) {
	out := make(map[string]Status, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := p.db.QueryContext(ctx, `SELECT id, status FROM purchases WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to load purchase statuses: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var id, status string
		if err := rows.Scan(&id, &status); err != nil {
			return nil, err
		}
		out[id] = Status(status)
	}
	return out, rows.Err()
}

// Ping reports whether the database is reachable.
func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPurchase(s scanner) (*Purchase, error) {
	var (
		p          Purchase
		promoID    sql.NullString
		shipmentID sql.NullString
		status     string
		errMsg     sql.NullString
		settledAt  sql.NullTime
	)
	err := s.Scan(&p.ID, &p.CustomerID, &p.ProductID, &p.ProductSKU, &p.ProductName, &p.Quantity,
		&p.PriceAtPurchase, &p.TotalAmount, &p.DiscountAmount, &promoID, &shipmentID,
		&status, &errMsg, &p.RefundedAmount, &settledAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.PromoCodeID = promoID.String
	p.ShipmentID = shipmentID.String
	p.Status = Status(status)
	p.ErrorMessage = errMsg.String
	if settledAt.Valid {
		t := settledAt.Time
		p.SettledAt = &t
	}
	return &p, nil
}

func scanRequest(s scanner) (*RefundRequest, error) {
	var (
		r         RefundRequest
		kind      string
		requested decimal.NullDecimal
		approved  decimal.NullDecimal
		status    string
		note      sql.NullString
		errMsg    sql.NullString
	)
	err := s.Scan(&r.ID, &r.PurchaseID, &r.CustomerID, &kind, &r.Reason, &requested,
		&approved, &status, &note, &errMsg, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.Kind = RefundKind(kind)
	r.Status = RequestStatus(status)
	r.ReviewerNote = note.String
	r.ErrorMessage = errMsg.String
	if requested.Valid {
		d := requested.Decimal
		r.RequestedAmount = &d
	}
	if approved.Valid {
		d := approved.Decimal
		r.ApprovedAmount = &d
	}
	return &r, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
