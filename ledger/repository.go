package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// InsertProductParams enumerates the columns written when registering.
type InsertProductParams struct {
	Name           string
	BatchID        string
	Origin         string
	ProductionDate time.Time
	Owner          string
}

// InsertVerificationParams enumerates the columns of one verification entry.
type InsertVerificationParams struct {
	ProductID      int64
	Verifier       string
	CertificateRef string
	Notes          string
}

// Repository defines the data access required by the ledger service. Writes
// take the caller's transaction so state, facts and outbox commit atomically.
type Repository interface {
	Insert(ctx context.Context, tx pgx.Tx, params InsertProductParams) (Product, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id int64) (Product, error)
	Get(ctx context.Context, id int64) (Product, error)
	Exists(ctx context.Context, id int64) (bool, error)
	Count(ctx context.Context) (int64, error)
	SetOwner(ctx context.Context, tx pgx.Tx, id int64, owner string, seq int64) (Product, error)
	SetStatus(ctx context.Context, tx pgx.Tx, id int64, status Status, seq int64) (Product, error)
	InsertVerification(ctx context.Context, tx pgx.Tx, params InsertVerificationParams) (VerificationRecord, error)
	ListVerifications(ctx context.Context, productID int64) ([]VerificationRecord, error)
	PauseFlag(ctx context.Context, tx pgx.Tx) (bool, error)
	SetPauseFlag(ctx context.Context, tx pgx.Tx, paused bool, actor string) error
}

const productColumns = `id, name, batch_id, origin, production_date, current_owner, status, created_at, updated_at, last_seq`

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, params InsertProductParams) (Product, error) {
	const insertSQL = `
		INSERT INTO products (name, batch_id, origin, production_date, current_owner, status, last_seq)
		VALUES ($1, $2, $3, $4, $5, 'created', 1)
		RETURNING ` + productColumns
	p, err := scanProduct(tx.QueryRow(ctx, insertSQL,
		params.Name,
		params.BatchID,
		params.Origin,
		params.ProductionDate,
		params.Owner,
	))
	if err != nil {
		return Product{}, fmt.Errorf("ledger: insert product: %w", err)
	}
	return p, nil
}

// GetForUpdate locks the product row for the remainder of the transaction so
// concurrent mutations of the same product serialize.
func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id int64) (Product, error) {
	const selectSQL = `SELECT ` + productColumns + ` FROM products WHERE id = $1 FOR UPDATE`
	p, err := scanProduct(tx.QueryRow(ctx, selectSQL, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Product{}, ErrNotFound
		}
		return Product{}, fmt.Errorf("ledger: get for update: %w", err)
	}
	return p, nil
}

func (r *PGRepository) Get(ctx context.Context, id int64) (Product, error) {
	const selectSQL = `SELECT ` + productColumns + ` FROM products WHERE id = $1`
	p, err := scanProduct(r.pool.QueryRow(ctx, selectSQL, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Product{}, ErrNotFound
		}
		return Product{}, fmt.Errorf("ledger: get product: %w", err)
	}
	return p, nil
}

func (r *PGRepository) Exists(ctx context.Context, id int64) (bool, error) {
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM products WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("ledger: exists: %w", err)
	}
	return exists, nil
}

func (r *PGRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM products`).Scan(&n); err != nil {
		return 0, fmt.Errorf("ledger: count products: %w", err)
	}
	return n, nil
}

func (r *PGRepository) SetOwner(ctx context.Context, tx pgx.Tx, id int64, owner string, seq int64) (Product, error) {
	const updateSQL = `
		UPDATE products
		SET current_owner = $2,
		    last_seq = $3,
		    updated_at = get_tx_timestamp()
		WHERE id = $1
		RETURNING ` + productColumns
	p, err := scanProduct(tx.QueryRow(ctx, updateSQL, id, owner, seq))
	if err != nil {
		return Product{}, fmt.Errorf("ledger: set owner: %w", err)
	}
	return p, nil
}

func (r *PGRepository) SetStatus(ctx context.Context, tx pgx.Tx, id int64, status Status, seq int64) (Product, error) {
	const updateSQL = `
		UPDATE products
		SET status = $2,
		    last_seq = $3,
		    updated_at = get_tx_timestamp()
		WHERE id = $1
		RETURNING ` + productColumns
	p, err := scanProduct(tx.QueryRow(ctx, updateSQL, id, status, seq))
	if err != nil {
		return Product{}, fmt.Errorf("ledger: set status: %w", err)
	}
	return p, nil
}

func (r *PGRepository) InsertVerification(ctx context.Context, tx pgx.Tx, params InsertVerificationParams) (VerificationRecord, error) {
	const insertSQL = `
		INSERT INTO verifications (product_id, verifier, certificate_ref, notes)
		VALUES ($1, $2, $3, $4)
		RETURNING id, product_id, verifier, certificate_ref, notes, created_at
	`
	var v VerificationRecord
	if err := tx.QueryRow(ctx, insertSQL,
		params.ProductID,
		params.Verifier,
		params.CertificateRef,
		params.Notes,
	).Scan(&v.ID, &v.ProductID, &v.Verifier, &v.CertificateRef, &v.Notes, &v.CreatedAt); err != nil {
		return VerificationRecord{}, fmt.Errorf("ledger: insert verification: %w", err)
	}
	return v, nil
}

func (r *PGRepository) ListVerifications(ctx context.Context, productID int64) ([]VerificationRecord, error) {
	const selectSQL = `
		SELECT id, product_id, verifier, certificate_ref, notes, created_at
		FROM verifications
		WHERE product_id = $1
		ORDER BY id ASC
	`
	rows, err := r.pool.Query(ctx, selectSQL, productID)
	if err != nil {
		return nil, fmt.Errorf("ledger: list verifications: %w", err)
	}
	defer rows.Close()

	out := make([]VerificationRecord, 0, 4)
	for rows.Next() {
		var v VerificationRecord
		if err := rows.Scan(&v.ID, &v.ProductID, &v.Verifier, &v.CertificateRef, &v.Notes, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("ledger: scan verification: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// PauseFlag reads the operator pause flag inside the transaction so a
// concurrent pause is observed consistently with the row lock.
func (r *PGRepository) PauseFlag(ctx context.Context, tx pgx.Tx) (bool, error) {
	var paused bool
	err := tx.QueryRow(ctx, `SELECT enabled FROM system_flags WHERE name = 'paused'`).Scan(&paused)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("ledger: read pause flag: %w", err)
	}
	return paused, nil
}

func (r *PGRepository) SetPauseFlag(ctx context.Context, tx pgx.Tx, paused bool, actor string) error {
	const upsertSQL = `
		INSERT INTO system_flags (name, enabled, updated_by)
		VALUES ('paused', $1, $2)
		ON CONFLICT (name) DO UPDATE
		SET enabled = $1, updated_by = $2, updated_at = get_tx_timestamp()
	`
	if _, err := tx.Exec(ctx, upsertSQL, paused, actor); err != nil {
		return fmt.Errorf("ledger: set pause flag: %w", err)
	}
	return nil
}

func scanProduct(row pgx.Row) (Product, error) {
	var p Product
	return p, row.Scan(
		&p.ID,
		&p.Name,
		&p.BatchID,
		&p.Origin,
		&p.ProductionDate,
		&p.CurrentOwner,
		&p.Status,
		&p.CreatedAt,
		&p.UpdatedAt,
		&p.LastSeq,
	)
}
