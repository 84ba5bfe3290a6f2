package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrParticipantNotFound is returned when no participant row exists for the address.
	ErrParticipantNotFound = errors.New("registry: participant not found")
)

// Repository handles data access for the participant role table.
type Repository interface {
	Grant(ctx context.Context, tx pgx.Tx, address string, role Role) (Participant, error)
	Get(ctx context.Context, address string) (Participant, error)
	CountWithRole(ctx context.Context, role Role) (int, error)
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// Grant upserts the participant row and adds the role to its set. Granting an
// already-held role leaves the set unchanged and still succeeds.
func (r *PGRepository) Grant(ctx context.Context, tx pgx.Tx, address string, role Role) (Participant, error) {
	const upsertSQL = `
		INSERT INTO participants (address, roles)
		VALUES ($1, ARRAY[$2]::text[])
		ON CONFLICT (address) DO UPDATE
		SET roles = CASE
			WHEN participants.roles @> ARRAY[$2]::text[] THEN participants.roles
			ELSE participants.roles || $2::text
		END
		RETURNING address, roles, registered_at
	`
	p, err := scanParticipant(tx.QueryRow(ctx, upsertSQL, address, role))
	if err != nil {
		return Participant{}, fmt.Errorf("registry: grant role: %w", err)
	}
	return p, nil
}

// Get retrieves a participant by address.
func (r *PGRepository) Get(ctx context.Context, address string) (Participant, error) {
	const selectSQL = `
		SELECT address, roles, registered_at
		FROM participants
		WHERE address = $1
	`
	p, err := scanParticipant(r.pool.QueryRow(ctx, selectSQL, address))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Participant{}, ErrParticipantNotFound
		}
		return Participant{}, fmt.Errorf("registry: get participant: %w", err)
	}
	return p, nil
}

// CountWithRole reports how many participants hold the role.
func (r *PGRepository) CountWithRole(ctx context.Context, role Role) (int, error) {
	const countSQL = `SELECT COUNT(*) FROM participants WHERE roles @> ARRAY[$1]::text[]`
	var n int
	if err := r.pool.QueryRow(ctx, countSQL, role).Scan(&n); err != nil {
		return 0, fmt.Errorf("registry: count role holders: %w", err)
	}
	return n, nil
}

func scanParticipant(row pgx.Row) (Participant, error) {
	var (
		p     Participant
		roles []string
	)
	if err := row.Scan(&p.Address, &roles, &p.RegisteredAt); err != nil {
		return Participant{}, err
	}
	p.Roles = make([]Role, 0, len(roles))
	for _, r := range roles {
		p.Roles = append(p.Roles, Role(r))
	}
	return p, nil
}
