package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNoCredential signals the participant has no access secret on file.
	ErrNoCredential = errors.New("auth: no credential for participant")
)

// CredentialRepository handles access-secret storage for participants.
type CredentialRepository interface {
	SecretHash(ctx context.Context, address string) (string, error)
	SetSecretHash(ctx context.Context, address, hash string) error
}

// PGRepository implements CredentialRepository over the participants table.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func (r *PGRepository) SecretHash(ctx context.Context, address string) (string, error) {
	var hash *string
	err := r.pool.QueryRow(ctx, `SELECT secret_hash FROM participants WHERE address = $1`, address).Scan(&hash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNoCredential
		}
		return "", fmt.Errorf("auth: get secret hash: %w", err)
	}
	if hash == nil || *hash == "" {
		return "", ErrNoCredential
	}
	return *hash, nil
}

func (r *PGRepository) SetSecretHash(ctx context.Context, address, hash string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE participants SET secret_hash = $2 WHERE address = $1`, address, hash)
	if err != nil {
		return fmt.Errorf("auth: set secret hash: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNoCredential
	}
	return nil
}
