// Command ensure-scheduled-job registers the default repeatable jobs.
// Exit code 0 whether the jobs were created or already present; non-zero
// on persistence failure. Safe to run from every deployment.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/metaci/metaci/internal/config"
	"github.com/metaci/metaci/internal/jobs"
	"github.com/metaci/metaci/internal/store"
)

func main() {
	interval := flag.Int("interval", 0, "override scheduler interval (minutes)")
	flag.Parse()

	cfg := config.FromEnv()
	if cfg.StoreBackend != "postgres" {
		log.Fatalf("ensure-scheduled-job requires STORE_BACKEND=postgres; with the memory backend, registration happens at server startup")
	}
	pg, err := store.OpenPostgres(cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if !cfg.SkipMigrate {
		if err := pg.Migrate(ctx); err != nil {
			log.Fatalf("migrate: %v", err)
		}
	}
	specs := []jobs.Spec{jobs.DefaultSchedulerJob(), jobs.DefaultScheduledPlansJob()}
	if *interval > 0 {
		specs[0].Interval = *interval
	}
	for _, spec := range specs {
		job, created, err := jobs.EnsureRegistered(ctx, pg, spec)
		if err != nil {
			log.Fatalf("register %s: %v", spec.Name, err)
		}
		state := "already registered"
		if created {
			state = "created"
		}
		fmt.Printf("%s: %s (every %d %s)\n", job.Name, state, job.Interval, job.Unit)
	}
	os.Exit(0)
}
