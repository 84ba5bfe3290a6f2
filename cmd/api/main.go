package main

import (
	"context"
	"log"
	"net/http"
	"os"

	"traceflow/auth"
	"traceflow/db"
	"traceflow/factlog"
	"traceflow/ledger"
	"traceflow/outbox"
	"traceflow/registry"
	"traceflow/timeline"
)

func main() {
	ctx := context.Background()

	pool, err := db.NewPool(ctx, os.Getenv("DATABASE_URL"))
	if err != nil {
		log.Fatalf("bootstrap database pool: %v", err)
	}
	defer pool.Close()

	facts := factlog.NewPGLog(pool)
	ob := outbox.NewWriter()

	registryService := registry.NewService(pool, registry.NewRepository(pool), facts, ob)
	ledgerService := ledger.NewService(pool, ledger.NewRepository(pool), registryService, facts, ob)
	timelineBuilder := timeline.NewBuilder(facts)
	authService := auth.NewService(auth.NewRepository(pool), os.Getenv("JWT_SECRET"))

	// Seed the first admin on a fresh database.
	if admin := os.Getenv("LEDGER_ADMIN"); admin != "" {
		if err := registryService.EnsureAdmin(ctx, admin); err != nil {
			log.Fatalf("bootstrap admin: %v", err)
		}
		if secret := os.Getenv("LEDGER_ADMIN_SECRET"); secret != "" {
			if err := authService.SetSecret(ctx, admin, secret); err != nil {
				log.Fatalf("bootstrap admin secret: %v", err)
			}
		}
	}

	server := &Server{
		ledger:   ledgerService,
		registry: registryService,
		timeline: timelineBuilder,
		auth:     authService,
	}

	addr := ":" + os.Getenv("PORT")
	if addr == ":" {
		addr = ":8080"
	}
	log.Printf("ledger api listening on %s", addr)
	if err := http.ListenAndServe(addr, server.routes()); err != nil {
		log.Fatalf("serve: %v", err)
	}
}
