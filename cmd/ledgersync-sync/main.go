// ledgersync-sync - one-shot sync tool
// Runs a sync for one connection (or every due connection) against the
// configured database and prints the resulting jobs.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/pysugar/ledgersync/internal/app"
	"github.com/pysugar/ledgersync/internal/config"
	"github.com/pysugar/ledgersync/internal/db/models"
	"github.com/pysugar/ledgersync/internal/notify"
)

func main() {
	log.SetFlags(log.Ltime)

	connectionID := flag.String("connection", "", "connection ID to sync (default: every due connection)")
	reap := flag.Bool("reap", false, "only fail abandoned RUNNING jobs and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}
	log.Printf("📂 Using database: %s", cfg.Database.Path)

	events := &notify.Recorder{}
	a, err := app.New(cfg, app.Options{Notifier: events})
	if err != nil {
		log.Fatalf("❌ %v", err)
	}
	ctx := context.Background()

	var jobs []models.SyncJob
	switch {
	case *reap:
		n, err := a.Orchestrator.ReapStaleJobs(ctx)
		if err != nil {
			log.Fatalf("❌ %v", err)
		}
		log.Printf("✅ Reaped %d job(s)", n)
		return
	case *connectionID != "":
		job, err := a.Orchestrator.TriggerSync(ctx, *connectionID, models.ReasonManual)
		if err != nil {
			log.Fatalf("❌ Sync not started: %v", err)
		}
		jobs = append(jobs, job)
	default:
		jobs, err = a.Scheduler.RunOnce(ctx)
		if err != nil {
			log.Fatalf("❌ %v", err)
		}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(map[string]any{"jobs": jobs, "events": events.Events()})

	for _, j := range jobs {
		if j.Status == models.SyncFailed {
			fmt.Fprintf(os.Stderr, "job %s failed\n", j.ID)
			os.Exit(1)
		}
	}
}
