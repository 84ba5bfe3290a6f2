// Package outbox implements the transactional outbox consumed by the
// downstream notification layer. Messages are enqueued in the same
// transaction as the mutation that produced them, so a committed mutation
// always has exactly one message and a rolled-back one has none.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Message represents a pending outbox entry.
type Message struct {
	ID        string
	Topic     string
	Payload   []byte
	Status    string
	Attempts  int
	CreatedAt time.Time
}

// Writer enqueues a message inside the caller's transaction.
type Writer interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

type PGWriter struct{}

func NewWriter() *PGWriter {
	return &PGWriter{}
}

func (w *PGWriter) Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	if topic == "" {
		return fmt.Errorf("outbox: empty topic")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("outbox: marshal payload: %w", err)
	}

	const insertSQL = `INSERT INTO outbox (id, topic, payload) VALUES ($1, $2, $3::jsonb)`
	if _, err := tx.Exec(ctx, insertSQL, uuid.NewString(), topic, body); err != nil {
		return fmt.Errorf("outbox: enqueue message: %w", err)
	}
	return nil
}

// Pending lists unprocessed messages oldest first, for the relay worker.
func Pending(ctx context.Context, pool *pgxpool.Pool, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	const selectSQL = `
		SELECT id, topic, payload, status, attempts, created_at
		FROM outbox
		WHERE status = 'pending'
		ORDER BY created_at ASC
		LIMIT $1
	`
	rows, err := pool.Query(ctx, selectSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("outbox: query pending: %w", err)
	}
	defer rows.Close()

	out := make([]Message, 0, limit)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Topic, &m.Payload, &m.Status, &m.Attempts, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("outbox: scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MarkProcessed flips a delivered message out of the pending state.
func MarkProcessed(ctx context.Context, pool *pgxpool.Pool, id string) error {
	const updateSQL = `
		UPDATE outbox
		SET status = 'processed', attempts = attempts + 1
		WHERE id = $1 AND status = 'pending'
	`
	if _, err := pool.Exec(ctx, updateSQL, id); err != nil {
		return fmt.Errorf("outbox: mark processed: %w", err)
	}
	return nil
}
