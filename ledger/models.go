package ledger

import (
	"errors"
	"time"
)

// Status is the lifecycle stage of a product. Stages usually advance in the
// declared order, but the ledger gates transitions on the caller's role for
// the target status, not on the previous stage — a regulator may verify a
// product mid-transit, and an exception may be raised from any stage.
type Status string

const (
	StatusCreated    Status = "created"
	StatusDispatched Status = "dispatched"
	StatusInTransit  Status = "in_transit"
	StatusReceived   Status = "received"
	StatusDelivered  Status = "delivered"
	StatusVerified   Status = "verified"
	StatusException  Status = "exception"
)

var (
	// ErrNotFound is returned when no product row exists for the identifier.
	ErrNotFound = errors.New("ledger: product not found")
	// ErrUnauthorized signals the caller's roles do not permit the operation.
	ErrUnauthorized = errors.New("ledger: unauthorized")
	// ErrEmptyField signals a required text field was empty.
	ErrEmptyField = errors.New("ledger: required field is empty")
	// ErrFutureDate signals a production date ahead of the current time.
	ErrFutureDate = errors.New("ledger: production date is in the future")
	// ErrInvalidIdentity signals an empty identity was supplied.
	ErrInvalidIdentity = errors.New("ledger: invalid identity")
	// ErrSelfTransfer signals a transfer whose recipient is the current owner.
	ErrSelfTransfer = errors.New("ledger: cannot transfer to self")
	// ErrIneligibleRecipient signals a recipient holding no supply-chain role.
	ErrIneligibleRecipient = errors.New("ledger: recipient holds no supply-chain role")
	// ErrSystemPaused signals mutations are disabled by the operator pause flag.
	ErrSystemPaused = errors.New("ledger: system is paused")
)

// Product is the current-state projection of all transitions applied to a
// product id. Ids are assigned sequentially from 1 and never reused.
type Product struct {
	ID             int64
	Name           string
	BatchID        string
	Origin         string
	ProductionDate time.Time
	CurrentOwner   string
	Status         Status
	CreatedAt      time.Time
	UpdatedAt      time.Time
	LastSeq        int64
}

// VerificationRecord is one append-only certification entry attached by a
// regulator. Entries are never edited or removed.
type VerificationRecord struct {
	ID             int64
	ProductID      int64
	Verifier       string
	CertificateRef string
	Notes          string
	CreatedAt      time.Time
}

func isValidStatus(status Status) bool {
	switch status {
	case StatusCreated, StatusDispatched, StatusInTransit, StatusReceived,
		StatusDelivered, StatusVerified, StatusException:
		return true
	default:
		return false
	}
}
