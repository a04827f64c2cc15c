package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresStore keeps keys in the idempotency_keys table so every replica
// sees the same keys.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed key store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

func (p *PostgresStore) Insert(ctx context.Context, key string, now, expiresAt time.Time) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO idempotency_keys (key, created_at, expires_at) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO NOTHING
	`, key, now, expiresAt)
	if err != nil {
		return false, fmt.Errorf("failed to insert idempotency key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to insert idempotency key: %w", err)
	}
	return n == 1, nil
}

func (p *PostgresStore) Get(ctx context.Context, key string) (*Record, error) {
	rec := &Record{Key: key}
	var status sql.NullInt64
	var body []byte
	err := p.db.QueryRowContext(ctx, `
		SELECT status_code, body, created_at, expires_at FROM idempotency_keys WHERE key = $1
	`, key).Scan(&status, &body, &rec.CreatedAt, &rec.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get idempotency key: %w", err)
	}
	if status.Valid {
		rec.Response = &Response{StatusCode: int(status.Int64), Body: body}
	}
	return rec, nil
}

func (p *PostgresStore) Complete(ctx context.Context, key string, resp *Response) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE idempotency_keys SET status_code = $2, body = $3 WHERE key = $1
	`, key, resp.StatusCode, string(resp.Body))
	if err != nil {
		return fmt.Errorf("failed to complete idempotency key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) Delete(ctx context.Context, key string) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE key = $1`, key); err != nil {
		return fmt.Errorf("failed to delete idempotency key: %w", err)
	}
	return nil
}

func (p *PostgresStore) DeleteIfExpired(ctx context.Context, key string, now time.Time) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE key = $1 AND expires_at <= $2`, key, now)
	if err != nil {
		return fmt.Errorf("failed to delete idempotency key: %w", err)
	}
	return nil
}

func (p *PostgresStore) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE expires_at <= $1`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep idempotency keys: %w", err)
	}
	return res.RowsAffected()
}
