// Package actors hosts the concurrent workloads of the stress harness. Each
// actor loops against the real services so contention flows through the same
// transaction paths production takes.
package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"traceflow/ledger"
	"traceflow/outbox"
	"traceflow/registry"
)

// tolerable reports whether err is an expected rejection under contention or
// chaos rather than a harness failure.
func tolerable(err error) bool {
	if errors.Is(err, ledger.ErrUnauthorized) ||
		errors.Is(err, ledger.ErrSystemPaused) ||
		errors.Is(err, ledger.ErrSelfTransfer) ||
		errors.Is(err, ledger.ErrNotFound) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 57P01 backend terminated by the chaos actor, 40P01 deadlock victim
		return pgErr.Code == "57P01" || pgErr.Code == "40P01"
	}
	return pgconn.SafeToRetry(err)
}

// Transferrer races to pass custody of the product to the next identity in
// the ring. Only the current owner's attempt succeeds; everyone else must be
// rejected with ErrUnauthorized.
func Transferrer(ctx context.Context, svc *ledger.Service, productID int64, self string, ring []string, stop <-chan struct{}) error {
	next := ring[0]
	for i, id := range ring {
		if id == self {
			next = ring[(i+1)%len(ring)]
			break
		}
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, err := svc.Transfer(ctx, ledger.TransferParams{
			ProductID: productID,
			NewOwner:  next,
			Metadata:  fmt.Sprintf(`{"hop":"%s"}`, self),
			Caller:    self,
		})
		if err != nil && !tolerable(err) {
			return fmt.Errorf("transferrer %s: %w", self, err)
		}
		time.Sleep(time.Duration(10+rand.Intn(20)) * time.Millisecond)
	}
}

// StatusFlipper attempts random status transitions with a single identity.
// Statuses outside the identity's role policy are rejected; that rejection is
// the behavior under test.
func StatusFlipper(ctx context.Context, svc *ledger.Service, productID int64, identity string, stop <-chan struct{}) error {
	statuses := []ledger.Status{
		ledger.StatusDispatched,
		ledger.StatusInTransit,
		ledger.StatusReceived,
		ledger.StatusDelivered,
		ledger.StatusException,
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, err := svc.UpdateStatus(ctx, ledger.UpdateStatusParams{
			ProductID: productID,
			NewStatus: statuses[rand.Intn(len(statuses))],
			Notes:     "stress",
			Caller:    identity,
		})
		if err != nil && !tolerable(err) {
			return fmt.Errorf("status flipper %s: %w", identity, err)
		}
		time.Sleep(time.Duration(15+rand.Intn(35)) * time.Millisecond)
	}
}

// Verifier certifies the product as a regulator. Each pass forces the product
// into verified status and must append exactly one verification record.
func Verifier(ctx context.Context, svc *ledger.Service, productID int64, regulator string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, err := svc.AddVerification(ctx, ledger.VerifyParams{
			ProductID:      productID,
			CertificateRef: fmt.Sprintf("cert-%d", rand.Int63()),
			Notes:          "stress audit",
			Caller:         regulator,
		})
		if err != nil && !tolerable(err) {
			return fmt.Errorf("verifier %s: %w", regulator, err)
		}
		time.Sleep(time.Duration(100+rand.Intn(150)) * time.Millisecond)
	}
}

// Registrar registers new products, exercising sequential id allocation under
// concurrency.
func Registrar(ctx context.Context, svc *ledger.Service, producer string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, err := svc.Register(ctx, ledger.RegisterParams{
			Name:           fmt.Sprintf("stress-%d", rand.Int63()),
			BatchID:        "stress",
			Origin:         "harness",
			ProductionDate: time.Now().Add(-time.Hour),
			Caller:         producer,
		})
		if err != nil && !tolerable(err) {
			return fmt.Errorf("registrar %s: %w", producer, err)
		}
		time.Sleep(time.Duration(30+rand.Intn(70)) * time.Millisecond)
	}
}

// PauseToggler briefly pauses the ledger and resumes it, so every other actor
// is exercised against ErrSystemPaused windows.
func PauseToggler(ctx context.Context, svc *ledger.Service, admin string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if err := svc.Pause(ctx, admin); err != nil && !tolerable(err) {
			return fmt.Errorf("pause: %w", err)
		}
		time.Sleep(time.Duration(50+rand.Intn(100)) * time.Millisecond)
		if err := svc.Resume(ctx, admin); err != nil && !tolerable(err) {
			return fmt.Errorf("resume: %w", err)
		}
		time.Sleep(time.Duration(400+rand.Intn(400)) * time.Millisecond)
	}
}

// RoleGranter re-grants the same role repeatedly. The role set must stay
// idempotent while a RoleGranted fact lands on every call.
func RoleGranter(ctx context.Context, svc *registry.Service, admin, identity string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if err := svc.GrantRole(ctx, registry.RoleRetailer, identity, admin); err != nil && !tolerable(err) {
			return fmt.Errorf("role granter: %w", err)
		}
		time.Sleep(time.Duration(200+rand.Intn(200)) * time.Millisecond)
	}
}

// OutboxWorker drains pending outbox messages, simulating the downstream
// relay with occasional redelivery.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		msgs, err := outbox.Pending(ctx, pool, 10)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			continue
		}
		for _, m := range msgs {
			// simulate random delivery failure, message stays pending
			if rand.Intn(10) == 0 {
				continue
			}
			_ = outbox.MarkProcessed(ctx, pool, m.ID)
		}
		time.Sleep(100 * time.Millisecond)
	}
}
