package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/mbd888/creditsaga/internal/idgen"
)

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// LockCustomer takes the customer's row lock for the rest of the enclosing
// transaction. The upsert creates the row on first use, so no customer needs
// to be registered beforehand.
func LockCustomer(ctx context.Context, q Querier, customerID string) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO customer_locks (customer_id, locked_at) VALUES ($1, NOW())
		ON CONFLICT (customer_id) DO UPDATE SET locked_at = NOW()
	`, customerID)
	if err != nil {
		return fmt.Errorf("failed to lock customer: %w", err)
	}
	return nil
}

// PostgresStore implements Runner with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// WithCustomerLock implements Runner. Read committed plus the explicit
// customer row lock is enough: every writer for a customer queues on it.
func (p *PostgresStore) WithCustomerLock(ctx context.Context, customerID string, fn func(ctx context.Context, b Book) error) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := LockCustomer(ctx, tx, customerID); err != nil {
		return err
	}
	if err := fn(ctx, NewPostgresBook(tx)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// View implements Runner.
func (p *PostgresStore) View(ctx context.Context, fn func(ctx context.Context, b Book) error) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(ctx, NewPostgresBook(tx)); err != nil {
		return err
	}
	return tx.Commit()
}

// PostgresBook implements Book on top of a transaction.
type PostgresBook struct {
	q Querier
}

var _ Book = (*PostgresBook)(nil)

// NewPostgresBook wraps q, normally a *sql.Tx.
func NewPostgresBook(q Querier) *PostgresBook {
	return &PostgresBook{q: q}
}

func (b *PostgresBook) AppendCredit(ctx context.Context, e *CreditEntry) error {
	if err := validateCredit(e); err != nil {
		return err
	}
	if e.ID == "" {
		e.ID = idgen.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := b.q.ExecContext(ctx, `
		INSERT INTO credit_ledger (id, customer_id, amount, kind, reason, reference_id, operation_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, e.ID, e.CustomerID, e.Amount, string(e.Kind), e.Reason,
		nullString(e.ReferenceID), nullString(e.OperationID), e.CreatedAt)
	if err != nil {
		return mapInsertErr("credit entry", err)
	}
	return nil
}

func (b *PostgresBook) AppendCompany(ctx context.Context, e *CompanyEntry) error {
	if err := validateCompany(e); err != nil {
		return err
	}
	if e.ID == "" {
		e.ID = idgen.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := b.q.ExecContext(ctx, `
		INSERT INTO company_ledger (id, amount, kind, reason, reference_id, operation_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, e.ID, e.Amount, string(e.Kind), e.Reason,
		nullString(e.ReferenceID), nullString(e.OperationID), e.CreatedAt)
	if err != nil {
		return mapInsertErr("company entry", err)
	}
	return nil
}

func (b *PostgresBook) CreditBalance(ctx context.Context, customerID string) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := b.q.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM credit_ledger WHERE customer_id = $1
	`, customerID).Scan(&sum)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum credit ledger: %w", err)
	}
	return sum, nil
}

func (b *PostgresBook) CompanyBalance(ctx context.Context) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := b.q.QueryRowContext(ctx, `SELECT COALESCE(SUM(amount), 0) FROM company_ledger`).Scan(&sum)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum company ledger: %w", err)
	}
	return sum, nil
}

const creditColumns = `id, customer_id, amount, kind, reason, reference_id, operation_id, created_at`
const companyColumns = `id, amount, kind, reason, reference_id, operation_id, created_at`

func (b *PostgresBook) RecentCredit(ctx context.Context, customerID string, limit int) ([]*CreditEntry, error) {
	rows, err := b.q.QueryContext(ctx, `
		SELECT `+creditColumns+` FROM credit_ledger
		WHERE customer_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, customerID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query credit ledger: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*CreditEntry
	for rows.Next() {
		e, err := scanCredit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (b *PostgresBook) RecentCompany(ctx context.Context, limit int) ([]*CompanyEntry, error) {
	rows, err := b.q.QueryContext(ctx, `
		SELECT `+companyColumns+` FROM company_ledger
		ORDER BY created_at DESC, id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query company ledger: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*CompanyEntry
	for rows.Next() {
		e, err := scanCompany(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (b *PostgresBook) FindCredit(ctx context.Context, operationID string, kind CreditKind) (*CreditEntry, error) {
	row := b.q.QueryRowContext(ctx, `
		SELECT `+creditColumns+` FROM credit_ledger WHERE operation_id = $1 AND kind = $2
	`, operationID, string(kind))
	e, err := scanCredit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

func (b *PostgresBook) FindCompany(ctx context.Context, operationID string, kind CompanyKind) (*CompanyEntry, error) {
	row := b.q.QueryRowContext(ctx, `
		SELECT `+companyColumns+` FROM company_ledger WHERE operation_id = $1 AND kind = $2
	`, operationID, string(kind))
	e, err := scanCompany(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

func (b *PostgresBook) OpenEscrows(ctx context.Context) (map[string]decimal.Decimal, error) {
	rows, err := b.q.QueryContext(ctx, `
		SELECT reference_id, SUM(amount) FROM company_ledger
		WHERE kind IN ('escrow', 'escrow_release') AND reference_id IS NOT NULL
		GROUP BY reference_id
		HAVING SUM(amount) <> 0
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query open escrows: %w", err)
	}
	defer func() { _ = rows.Close() }()

	held := make(map[string]decimal.Decimal)
	for rows.Next() {
		var ref string
		var amt decimal.Decimal
		if err := rows.Scan(&ref, &amt); err != nil {
			return nil, fmt.Errorf("failed to scan escrow row: %w", err)
		}
		held[ref] = amt
	}
	return held, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCredit(s scanner) (*CreditEntry, error) {
	var e CreditEntry
	var kind string
	var ref, op sql.NullString
	if err := s.Scan(&e.ID, &e.CustomerID, &e.Amount, &kind, &e.Reason, &ref, &op, &e.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan credit entry: %w", err)
	}
	e.Kind = CreditKind(kind)
	e.ReferenceID = ref.String
	e.OperationID = op.String
	return &e, nil
}

func scanCompany(s scanner) (*CompanyEntry, error) {
	var e CompanyEntry
	var kind string
	var ref, op sql.NullString
	if err := s.Scan(&e.ID, &e.Amount, &kind, &e.Reason, &ref, &op, &e.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan company entry: %w", err)
	}
	e.Kind = CompanyKind(kind)
	e.ReferenceID = ref.String
	e.OperationID = op.String
	return &e, nil
}

// uniqueViolation is the SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// IsUniqueViolation reports whether err is a Postgres unique constraint error.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func mapInsertErr(what string, err error) error {
	if IsUniqueViolation(err) {
		return ErrDuplicateEntry
	}
	return fmt.Errorf("failed to insert %s: %w", what, err)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
