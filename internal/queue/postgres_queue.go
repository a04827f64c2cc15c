package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/creditsaga/internal/idgen"
)

// Execer is satisfied by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// PublishTx enqueues a message through q, normally the caller's open
// transaction, so the message commits or rolls back with the caller's writes.
func PublishTx(ctx context.Context, q Execer, topic string, payload any, delay time.Duration) error {
	raw, err := encode(payload)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO retry_messages (id, topic, payload, available_at, created_at)
		VALUES ($1, $2, $3, NOW() + $4::float8 * INTERVAL '1 millisecond', NOW())
	`, idgen.New(), topic, string(raw), delay.Milliseconds())
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// PostgresQueue implements Queue on the retry_messages table. Concurrent
// consumers claim rows with FOR UPDATE SKIP LOCKED.
type PostgresQueue struct {
	db         *sql.DB
	visibility time.Duration
}

// NewPostgresQueue creates a PostgreSQL-backed queue.
func NewPostgresQueue(db *sql.DB) *PostgresQueue {
	return &PostgresQueue{db: db, visibility: DefaultVisibilityTimeout}
}

// WithVisibilityTimeout overrides DefaultVisibilityTimeout.
func (p *PostgresQueue) WithVisibilityTimeout(d time.Duration) *PostgresQueue {
	p.visibility = d
	return p
}

func (p *PostgresQueue) Publish(ctx context.Context, topic string, payload any, delay time.Duration) error {
	return PublishTx(ctx, p.db, topic, payload, delay)
}

func (p *PostgresQueue) Receive(ctx context.Context, topic string) (*Message, error) {
	var (
		m       Message
		payload []byte
	)
	err := p.db.QueryRowContext(ctx, `
		UPDATE retry_messages
		SET locked_until = NOW() + $2::float8 * INTERVAL '1 millisecond', attempts = attempts + 1
		WHERE id = (
			SELECT id FROM retry_messages
			WHERE topic = $1
			  AND available_at <= NOW()
			  AND (locked_until IS NULL OR locked_until <= NOW())
			ORDER BY available_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, topic, payload, attempts, available_at, created_at
	`, topic, p.visibility.Milliseconds()).Scan(
		&m.ID, &m.Topic, &payload, &m.Attempts, &m.AvailableAt, &m.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to receive from %s: %w", topic, err)
	}
	m.Payload = payload
	return &m, nil
}

func (p *PostgresQueue) Ack(ctx context.Context, msg *Message) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM retry_messages WHERE id = $1`, msg.ID)
	if err != nil {
		return fmt.Errorf("failed to ack message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUnknownMessage
	}
	return nil
}

func (p *PostgresQueue) Nack(ctx context.Context, msg *Message, delay time.Duration) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE retry_messages
		SET locked_until = NULL, available_at = NOW() + $2::float8 * INTERVAL '1 millisecond'
		WHERE id = $1
	`, msg.ID, delay.Milliseconds())
	if err != nil {
		return fmt.Errorf("failed to nack message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUnknownMessage
	}
	return nil
}

func (p *PostgresQueue) Depth(ctx context.Context, topic string) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM retry_messages WHERE topic = $1`, topic).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", topic, err)
	}
	return n, nil
}

// Ping reports whether the backing database is reachable.
func (p *PostgresQueue) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

var _ Queue = (*PostgresQueue)(nil)
