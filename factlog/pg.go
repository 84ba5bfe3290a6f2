package factlog

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Appender writes facts inside the caller's transaction so the fact append
// commits or rolls back together with the state mutation it records.
type Appender interface {
	Append(ctx context.Context, tx pgx.Tx, params AppendParams) error
}

// Reader returns every fact recorded for a product in log order.
type Reader interface {
	ReadAll(ctx context.Context, productID int64) ([]Fact, error)
}

// PGLog implements Appender and Reader over the ledger_facts table.
type PGLog struct {
	pool *pgxpool.Pool
}

func NewPGLog(pool *pgxpool.Pool) *PGLog {
	return &PGLog{pool: pool}
}

func (l *PGLog) Append(ctx context.Context, tx pgx.Tx, params AppendParams) error {
	if params.Kind == "" {
		return fmt.Errorf("factlog: missing fact kind")
	}
	if params.Actor == "" {
		return fmt.Errorf("factlog: missing actor")
	}

	payload := params.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("factlog: marshal payload: %w", err)
	}

	const insertSQL = `
		INSERT INTO ledger_facts (product_id, seq, sub_seq, kind, actor, payload)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb)
	`
	if _, err := tx.Exec(ctx, insertSQL, params.ProductID, params.Seq, params.SubSeq, params.Kind, params.Actor, body); err != nil {
		return fmt.Errorf("factlog: append fact: %w", err)
	}
	return nil
}

// ReadAll orders by per-product sequence first so facts emitted in the same
// logical step keep their sub order, falling back to global insert order.
func (l *PGLog) ReadAll(ctx context.Context, productID int64) ([]Fact, error) {
	const selectSQL = `
		SELECT id, product_id, seq, sub_seq, kind, actor, payload, created_at
		FROM ledger_facts
		WHERE product_id = $1
		ORDER BY seq ASC, sub_seq ASC, id ASC
	`
	rows, err := l.pool.Query(ctx, selectSQL, productID)
	if err != nil {
		return nil, fmt.Errorf("factlog: query facts: %w", err)
	}
	defer rows.Close()

	out := make([]Fact, 0, 8)
	for rows.Next() {
		var f Fact
		if err := rows.Scan(&f.ID, &f.ProductID, &f.Seq, &f.SubSeq, &f.Kind, &f.Actor, &f.Payload, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("factlog: scan fact: %w", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("factlog: iterate facts: %w", err)
	}
	return out, nil
}
