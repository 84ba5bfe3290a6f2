package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"traceflow/factlog"
	"traceflow/outbox"
)

var (
	// ErrUnauthorized signals the grantor lacks the admin role.
	ErrUnauthorized = errors.New("registry: caller lacks admin role")
	// ErrInvalidIdentity signals an empty identity was supplied.
	ErrInvalidIdentity = errors.New("registry: invalid identity")
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Service owns the participant role table: who may act in the supply chain
// and in which capacity. Role sets are additive only.
type Service struct {
	pool   TxBeginner
	repo   Repository
	facts  factlog.Appender
	outbox outbox.Writer
}

func NewService(pool TxBeginner, repo Repository, facts factlog.Appender, ob outbox.Writer) *Service {
	return &Service{
		pool:   pool,
		repo:   repo,
		facts:  facts,
		outbox: ob,
	}
}

// GrantRole adds role to identity's role set. Only admins may grant. The
// grant is idempotent on the role set but a RoleGranted fact is emitted on
// every call, repeats included, matching the upstream contract.
func (s *Service) GrantRole(ctx context.Context, role Role, identity, grantor string) error {
	if identity == "" {
		return ErrInvalidIdentity
	}
	if !isValidRole(role) {
		return fmt.Errorf("registry: unknown role %q", role)
	}

	ok, err := s.HasRole(ctx, RoleAdmin, grantor)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: grant %s requires admin, caller %s", ErrUnauthorized, role, grantor)
	}

	return s.grant(ctx, role, identity, grantor)
}

// EnsureAdmin bootstraps the first admin. It grants the admin role to
// identity only while no admin exists yet, so a configured operator identity
// can seed the registry on a fresh database without an authorized grantor.
func (s *Service) EnsureAdmin(ctx context.Context, identity string) error {
	if identity == "" {
		return ErrInvalidIdentity
	}
	n, err := s.repo.CountWithRole(ctx, RoleAdmin)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	return s.grant(ctx, RoleAdmin, identity, identity)
}

func (s *Service) grant(ctx context.Context, role Role, identity, grantor string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("registry: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := s.repo.Grant(ctx, tx, identity, role); err != nil {
		return err
	}

	payload := map[string]any{
		"role":     role,
		"identity": identity,
		"grantor":  grantor,
	}
	if err := s.facts.Append(ctx, tx, factlog.AppendParams{
		Kind:    factlog.KindRoleGranted,
		Actor:   grantor,
		Payload: payload,
	}); err != nil {
		return err
	}

	if s.outbox != nil {
		if err := s.outbox.Enqueue(ctx, tx, "registry.role_granted", payload); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("registry: commit grant: %w", err)
	}
	return nil
}

// HasRole reports whether identity holds role. Unknown identities simply
// report false.
func (s *Service) HasRole(ctx context.Context, role Role, identity string) (bool, error) {
	p, err := s.repo.Get(ctx, identity)
	if err != nil {
		if errors.Is(err, ErrParticipantNotFound) {
			return false, nil
		}
		return false, err
	}
	return p.HasRole(role), nil
}

// IsRegistered reports whether any role has ever been granted to identity.
func (s *Service) IsRegistered(ctx context.Context, identity string) (bool, error) {
	_, err := s.repo.Get(ctx, identity)
	if err != nil {
		if errors.Is(err, ErrParticipantNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// RolesOf returns identity's role set, empty for unknown identities.
func (s *Service) RolesOf(ctx context.Context, identity string) ([]Role, error) {
	p, err := s.repo.Get(ctx, identity)
	if err != nil {
		if errors.Is(err, ErrParticipantNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return p.Roles, nil
}
