package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"traceflow/factlog"
	"traceflow/outbox"
	"traceflow/registry"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// RoleDirectory is the slice of the registry the ledger needs to authorize
// callers. Identities are resolved upstream; the ledger only checks roles.
type RoleDirectory interface {
	RolesOf(ctx context.Context, identity string) ([]registry.Role, error)
	HasRole(ctx context.Context, role registry.Role, identity string) (bool, error)
}

// Service owns the product custody ledger. Every mutating operation applies
// its state change, fact append and outbox message in a single transaction,
// so either all of them commit or none do.
type Service struct {
	pool   TxBeginner
	repo   Repository
	roles  RoleDirectory
	facts  factlog.Appender
	outbox outbox.Writer
	now    func() time.Time
}

func NewService(pool TxBeginner, repo Repository, roles RoleDirectory, facts factlog.Appender, ob outbox.Writer) *Service {
	return &Service{
		pool:   pool,
		repo:   repo,
		roles:  roles,
		facts:  facts,
		outbox: ob,
		now:    time.Now,
	}
}

// WithClock overrides the time source, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// RegisterParams carries the inputs of a product registration.
type RegisterParams struct {
	Name           string
	BatchID        string
	Origin         string
	ProductionDate time.Time
	Caller         string
}

// Register allocates the next product id and records the product under the
// caller's custody with status created.
func (s *Service) Register(ctx context.Context, params RegisterParams) (Product, error) {
	if params.Caller == "" {
		return Product{}, ErrInvalidIdentity
	}
	if params.Name == "" {
		return Product{}, fmt.Errorf("%w: name", ErrEmptyField)
	}
	if params.ProductionDate.After(s.now()) {
		return Product{}, fmt.Errorf("%w: production date %s", ErrFutureDate, params.ProductionDate.UTC().Format(time.RFC3339))
	}

	callerRoles, err := s.roles.RolesOf(ctx, params.Caller)
	if err != nil {
		return Product{}, err
	}
	if !CanRegister(callerRoles) {
		return Product{}, fmt.Errorf("%w: register requires %s", ErrUnauthorized, registry.RoleProducer)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Product{}, fmt.Errorf("ledger: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.ensureNotPaused(ctx, tx); err != nil {
		return Product{}, err
	}

	p, err := s.repo.Insert(ctx, tx, InsertProductParams{
		Name:           params.Name,
		BatchID:        params.BatchID,
		Origin:         params.Origin,
		ProductionDate: params.ProductionDate,
		Owner:          params.Caller,
	})
	if err != nil {
		return Product{}, err
	}

	if err := s.facts.Append(ctx, tx, factlog.AppendParams{
		ProductID: &p.ID,
		Seq:       p.LastSeq,
		Kind:      factlog.KindCreated,
		Actor:     params.Caller,
		Payload: map[string]any{
			"name":            p.Name,
			"batch_id":        p.BatchID,
			"origin":          p.Origin,
			"production_date": p.ProductionDate.UTC(),
		},
	}); err != nil {
		return Product{}, err
	}

	if err := s.enqueue(ctx, tx, "ledger.product_registered", map[string]any{
		"product_id": p.ID,
		"owner":      p.CurrentOwner,
	}); err != nil {
		return Product{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Product{}, fmt.Errorf("ledger: commit register: %w", err)
	}
	return p, nil
}

// TransferParams carries the inputs of a custody transfer.
type TransferParams struct {
	ProductID int64
	NewOwner  string
	Metadata  string
	Caller    string
}

// Transfer moves custody from the current owner to newOwner. Metadata is an
// opaque payload recorded on the fact verbatim, never parsed.
func (s *Service) Transfer(ctx context.Context, params TransferParams) (Product, error) {
	if params.Caller == "" {
		return Product{}, ErrInvalidIdentity
	}
	if params.NewOwner == "" {
		return Product{}, fmt.Errorf("%w: new owner", ErrInvalidIdentity)
	}
	if params.NewOwner == params.Caller {
		return Product{}, ErrSelfTransfer
	}

	recipientRoles, err := s.roles.RolesOf(ctx, params.NewOwner)
	if err != nil {
		return Product{}, err
	}
	if !EligibleRecipient(recipientRoles) {
		return Product{}, fmt.Errorf("%w: %s", ErrIneligibleRecipient, params.NewOwner)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Product{}, fmt.Errorf("ledger: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.ensureNotPaused(ctx, tx); err != nil {
		return Product{}, err
	}

	p, err := s.repo.GetForUpdate(ctx, tx, params.ProductID)
	if err != nil {
		return Product{}, err
	}
	if p.CurrentOwner != params.Caller {
		return Product{}, fmt.Errorf("%w: caller %s is not the current owner", ErrUnauthorized, params.Caller)
	}

	seq := p.LastSeq + 1
	updated, err := s.repo.SetOwner(ctx, tx, p.ID, params.NewOwner, seq)
	if err != nil {
		return Product{}, err
	}

	if err := s.facts.Append(ctx, tx, factlog.AppendParams{
		ProductID: &p.ID,
		Seq:       seq,
		Kind:      factlog.KindOwnershipTransferred,
		Actor:     params.Caller,
		Payload: map[string]any{
			"from":     p.CurrentOwner,
			"to":       params.NewOwner,
			"metadata": params.Metadata,
		},
	}); err != nil {
		return Product{}, err
	}

	if err := s.enqueue(ctx, tx, "ledger.custody_transferred", map[string]any{
		"product_id": p.ID,
		"from":       p.CurrentOwner,
		"to":         params.NewOwner,
	}); err != nil {
		return Product{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Product{}, fmt.Errorf("ledger: commit transfer: %w", err)
	}
	return updated, nil
}

// UpdateStatusParams carries the inputs of a status transition.
type UpdateStatusParams struct {
	ProductID int64
	NewStatus Status
	Notes     string
	Caller    string
}

// UpdateStatus moves the product to newStatus. Authorization is per target
// status; the previous status does not constrain the move.
func (s *Service) UpdateStatus(ctx context.Context, params UpdateStatusParams) (Product, error) {
	if params.Caller == "" {
		return Product{}, ErrInvalidIdentity
	}
	if !isValidStatus(params.NewStatus) {
		return Product{}, fmt.Errorf("ledger: unknown status %q", params.NewStatus)
	}

	callerRoles, err := s.roles.RolesOf(ctx, params.Caller)
	if err != nil {
		return Product{}, err
	}
	if !CanSetStatus(callerRoles, params.NewStatus) {
		return Product{}, fmt.Errorf("%w: status %s may only be set by %v", ErrUnauthorized, params.NewStatus, RolesForStatus(params.NewStatus))
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Product{}, fmt.Errorf("ledger: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.ensureNotPaused(ctx, tx); err != nil {
		return Product{}, err
	}

	p, err := s.repo.GetForUpdate(ctx, tx, params.ProductID)
	if err != nil {
		return Product{}, err
	}

	seq := p.LastSeq + 1
	updated, err := s.repo.SetStatus(ctx, tx, p.ID, params.NewStatus, seq)
	if err != nil {
		return Product{}, err
	}

	if err := s.facts.Append(ctx, tx, factlog.AppendParams{
		ProductID: &p.ID,
		Seq:       seq,
		Kind:      factlog.KindStatusUpdated,
		Actor:     params.Caller,
		Payload: map[string]any{
			"old_status": p.Status,
			"new_status": params.NewStatus,
			"notes":      params.Notes,
		},
	}); err != nil {
		return Product{}, err
	}

	if err := s.enqueue(ctx, tx, "ledger.status_updated", map[string]any{
		"product_id": p.ID,
		"old_status": p.Status,
		"new_status": params.NewStatus,
	}); err != nil {
		return Product{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Product{}, fmt.Errorf("ledger: commit status update: %w", err)
	}
	return updated, nil
}

// VerifyParams carries the inputs of a verification attachment.
type VerifyParams struct {
	ProductID      int64
	CertificateRef string
	Notes          string
	Caller         string
}

// AddVerification appends a verification record and forces the product into
// verified status regardless of its current stage. Regulators may certify at
// any point, including mid-transit.
func (s *Service) AddVerification(ctx context.Context, params VerifyParams) (VerificationRecord, error) {
	if params.Caller == "" {
		return VerificationRecord{}, ErrInvalidIdentity
	}
	if params.CertificateRef == "" {
		return VerificationRecord{}, fmt.Errorf("%w: certificate reference", ErrEmptyField)
	}

	callerRoles, err := s.roles.RolesOf(ctx, params.Caller)
	if err != nil {
		return VerificationRecord{}, err
	}
	if !CanVerify(callerRoles) {
		return VerificationRecord{}, fmt.Errorf("%w: verification requires %s", ErrUnauthorized, registry.RoleRegulator)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return VerificationRecord{}, fmt.Errorf("ledger: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.ensureNotPaused(ctx, tx); err != nil {
		return VerificationRecord{}, err
	}

	p, err := s.repo.GetForUpdate(ctx, tx, params.ProductID)
	if err != nil {
		return VerificationRecord{}, err
	}

	rec, err := s.repo.InsertVerification(ctx, tx, InsertVerificationParams{
		ProductID:      p.ID,
		Verifier:       params.Caller,
		CertificateRef: params.CertificateRef,
		Notes:          params.Notes,
	})
	if err != nil {
		return VerificationRecord{}, err
	}

	seq := p.LastSeq + 1
	if _, err := s.repo.SetStatus(ctx, tx, p.ID, StatusVerified, seq); err != nil {
		return VerificationRecord{}, err
	}

	if err := s.facts.Append(ctx, tx, factlog.AppendParams{
		ProductID: &p.ID,
		Seq:       seq,
		Kind:      factlog.KindVerified,
		Actor:     params.Caller,
		Payload: map[string]any{
			"certificate_ref": params.CertificateRef,
			"notes":           params.Notes,
			"old_status":      p.Status,
		},
	}); err != nil {
		return VerificationRecord{}, err
	}

	if err := s.enqueue(ctx, tx, "ledger.product_verified", map[string]any{
		"product_id":      p.ID,
		"verifier":        params.Caller,
		"certificate_ref": params.CertificateRef,
	}); err != nil {
		return VerificationRecord{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return VerificationRecord{}, fmt.Errorf("ledger: commit verification: %w", err)
	}
	return rec, nil
}

// Get returns the current-state projection for the product id.
func (s *Service) Get(ctx context.Context, id int64) (Product, error) {
	return s.repo.Get(ctx, id)
}

// Exists reports whether a product has been registered under id.
func (s *Service) Exists(ctx context.Context, id int64) (bool, error) {
	return s.repo.Exists(ctx, id)
}

// TotalCount returns the number of registered products.
func (s *Service) TotalCount(ctx context.Context) (int64, error) {
	return s.repo.Count(ctx)
}

// OwnerOf returns the identity currently holding custody.
func (s *Service) OwnerOf(ctx context.Context, id int64) (string, error) {
	p, err := s.repo.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return p.CurrentOwner, nil
}

// Verifications returns the product's verification records in append order.
// It is empty, not an error, for a product without verifications.
func (s *Service) Verifications(ctx context.Context, id int64) ([]VerificationRecord, error) {
	if _, err := s.repo.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.ListVerifications(ctx, id)
}

// Pause disables all mutating operations until Resume. Reads stay available.
func (s *Service) Pause(ctx context.Context, caller string) error {
	return s.setPaused(ctx, caller, true)
}

// Resume re-enables mutating operations.
func (s *Service) Resume(ctx context.Context, caller string) error {
	return s.setPaused(ctx, caller, false)
}

func (s *Service) setPaused(ctx context.Context, caller string, paused bool) error {
	ok, err := s.roles.HasRole(ctx, registry.RoleAdmin, caller)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: pause control requires %s", ErrUnauthorized, registry.RoleAdmin)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("ledger: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.repo.SetPauseFlag(ctx, tx, paused, caller); err != nil {
		return err
	}

	topic := "ledger.resumed"
	if paused {
		topic = "ledger.paused"
	}
	if err := s.enqueue(ctx, tx, topic, map[string]any{"actor": caller}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("ledger: commit pause flag: %w", err)
	}
	return nil
}

func (s *Service) ensureNotPaused(ctx context.Context, tx pgx.Tx) error {
	paused, err := s.repo.PauseFlag(ctx, tx)
	if err != nil {
		return err
	}
	if paused {
		return ErrSystemPaused
	}
	return nil
}

func (s *Service) enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	if s.outbox == nil {
		return nil
	}
	return s.outbox.Enqueue(ctx, tx, topic, payload)
}
