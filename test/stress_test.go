package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"traceflow/factlog"
	"traceflow/ledger"
	"traceflow/outbox"
	"traceflow/registry"
	"traceflow/test/actors"
	"traceflow/test/chaos"
	"traceflow/test/infra"
	"traceflow/test/oracles"
)

var (
	flDuration    = flag.Duration("duration", 90*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 8, "number of concurrent actors")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
)

func TestLedgerConcurrency(t *testing.T) {
	flag.Parse()
	seed := *flSeed
	rand.Seed(seed)

	var (
		pgC        *infra.PGContainer
		dsn        string
		err        error
		usedShared bool
	)
	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	switch {
	case *flDSN != "":
		dsn = *flDSN
		usedShared = true
		pgC = &infra.PGContainer{}
	case os.Getenv("STRESS_TEST_PG_DSN") != "":
		dsn = os.Getenv("STRESS_TEST_PG_DSN")
		usedShared = true
		pgC = &infra.PGContainer{}
	default:
		if dockerAvailable(ctx) {
			pgC, dsn, err = infra.StartPostgres16(ctx, "")
			if err != nil {
				t.Fatalf("start postgres: %v", err)
			}
		} else {
			dsn, err = infra.InitLocalDatabase(ctx)
			if err != nil {
				t.Fatalf("init local database: %v", err)
			}
			pgC = &infra.PGContainer{}
		}
	}
	defer pgC.Terminate(context.Background())

	pool, teardown, err := infra.ApplyMigrations(ctx, dsn, usedShared)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	defer pool.Close()
	defer func() {
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()

	seedData := mustSeed(t, ctx, pool)

	facts := factlog.NewPGLog(pool)
	ob := outbox.NewWriter()
	registrySvc := registry.NewService(pool, registry.NewRepository(pool), facts, ob)
	ledgerSvc := ledger.NewService(pool, ledger.NewRepository(pool), registrySvc, facts, ob)

	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	// the ring of supply-chain identities battling over the same product
	for i := 0; i < *flConcurrency; i++ {
		self := seedData.ring[i%len(seedData.ring)]
		g.Go(func() error {
			return actors.Transferrer(ctx2, ledgerSvc, seedData.productID, self, seedData.ring, stop)
		})
	}

	g.Go(func() error {
		return actors.StatusFlipper(ctx2, ledgerSvc, seedData.productID, seedData.ring[1], stop)
	})
	g.Go(func() error {
		return actors.Verifier(ctx2, ledgerSvc, seedData.productID, seedData.regulator, stop)
	})
	g.Go(func() error { return actors.Registrar(ctx2, ledgerSvc, seedData.ring[0], stop) })
	g.Go(func() error { return actors.PauseToggler(ctx2, ledgerSvc, seedData.admin, stop) })
	g.Go(func() error {
		return actors.RoleGranter(ctx2, registrySvc, seedData.admin, seedData.ring[2], stop)
	})
	g.Go(func() error { return actors.OutboxWorker(ctx2, pool, stop) })

	go chaos.TerminateRandomBackend(ctx2, pool, stop)

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var failed bool
loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			name, row, err := oracles.Run(ctx2, pool)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break loop
				}
				t.Fatalf("oracle error: %v", err)
			}
			if name != "" {
				failed = true
				dumpRecent(t, ctx2, pool)
				t.Fatalf("Oracle %s failed. First row: %s (seed=%d)", name, row, seed)
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !failed {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("actors errored: %v", err)
		}
	}
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}

type seedIDs struct {
	admin     string
	regulator string
	ring      []string
	productID int64
}

// mustSeed bootstraps the participants and the contested product directly
// through the services, so the seeded state went through the same validation
// the actors will exercise.
func mustSeed(t *testing.T, ctx context.Context, pool *pgxpool.Pool) seedIDs {
	t.Helper()

	facts := factlog.NewPGLog(pool)
	ob := outbox.NewWriter()
	registrySvc := registry.NewService(pool, registry.NewRepository(pool), facts, ob)
	ledgerSvc := ledger.NewService(pool, ledger.NewRepository(pool), registrySvc, facts, ob)

	run := rand.Int63()
	s := seedIDs{
		admin:     fmt.Sprintf("admin-%d", run),
		regulator: fmt.Sprintf("regulator-%d", run),
		ring: []string{
			fmt.Sprintf("producer-%d", run),
			fmt.Sprintf("distributor-%d", run),
			fmt.Sprintf("retailer-%d", run),
		},
	}

	if err := registrySvc.EnsureAdmin(ctx, s.admin); err != nil {
		t.Fatalf("seed admin: %v", err)
	}
	grants := map[string]registry.Role{
		s.ring[0]:   registry.RoleProducer,
		s.ring[1]:   registry.RoleDistributor,
		s.ring[2]:   registry.RoleRetailer,
		s.regulator: registry.RoleRegulator,
	}
	for identity, role := range grants {
		if err := registrySvc.GrantRole(ctx, role, identity, s.admin); err != nil {
			t.Fatalf("seed grant %s: %v", identity, err)
		}
	}

	p, err := ledgerSvc.Register(ctx, ledger.RegisterParams{
		Name:           "stress-target",
		BatchID:        "stress",
		Origin:         "harness",
		ProductionDate: time.Now().Add(-time.Hour),
		Caller:         s.ring[0],
	})
	if err != nil {
		t.Fatalf("seed product: %v", err)
	}
	s.productID = p.ID
	return s
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"products", `SELECT id, current_owner, status, last_seq FROM products ORDER BY id DESC LIMIT 50`},
		{"ledger_facts", `SELECT id, product_id, seq, kind, actor, created_at FROM ledger_facts ORDER BY id DESC LIMIT 50`},
		{"verifications", `SELECT id, product_id, verifier, created_at FROM verifications ORDER BY id DESC LIMIT 50`},
		{"outbox", `SELECT id, topic, status, attempts, created_at FROM outbox ORDER BY created_at DESC LIMIT 50`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", string(cols[i].Name), vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
