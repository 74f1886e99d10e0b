package orchestrator

import (
	"context"
	"log"
	"time"

	"github.com/pysugar/ledgersync/internal/db/models"
	"golang.org/x/sync/errgroup"
)

// Scheduler periodically triggers POLL syncs for connections that are due.
type Scheduler struct {
	orch          *Orchestrator
	store         Store
	interval      time.Duration
	maxConcurrent int
}

// NewScheduler creates a scheduler polling every interval with at most
// maxConcurrent syncs in flight.
func NewScheduler(orch *Orchestrator, store Store, interval time.Duration, maxConcurrent int) *Scheduler {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Scheduler{orch: orch, store: store, interval: interval, maxConcurrent: maxConcurrent}
}

// Run polls until ctx is cancelled. The first pass runs immediately.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Printf("🔄 Sync scheduler started (every %s, %d concurrent)", s.interval, s.maxConcurrent)
	for {
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			log.Printf("⚠️ Scheduled sync pass failed: %v", err)
		}
		select {
		case <-ctx.Done():
			log.Println("🛑 Sync scheduler stopped")
			return
		case <-ticker.C:
		}
	}
}

// RunOnce reaps abandoned jobs and syncs every due connection, returning the
// jobs it ran. Individual sync failures are recorded on their jobs and do not
// fail the pass.
func (s *Scheduler) RunOnce(ctx context.Context) ([]models.SyncJob, error) {
	if _, err := s.orch.ReapStaleJobs(ctx); err != nil {
		log.Printf("⚠️ %v", err)
	}

	now := s.orch.opts.Now()
	due, err := s.store.ListSyncCandidates(ctx, now, now.Add(-s.interval))
	if err != nil {
		return nil, err
	}
	if len(due) == 0 {
		return nil, nil
	}

	jobs := make([]models.SyncJob, len(due))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.maxConcurrent)
	for i, conn := range due {
		i, conn := i, conn
		g.Go(func() error {
			job, err := s.orch.TriggerSync(gctx, conn.ID, models.ReasonPoll)
			if err != nil {
				log.Printf("⚠️ Poll sync for connection %s not started: %v", conn.ID, err)
				return nil
			}
			jobs[i] = job
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := jobs[:0]
	for _, j := range jobs {
		if j.ID != "" {
			out = append(out, j)
		}
	}
	log.Printf("✅ Scheduled sync pass ran %d job(s) for %d due connection(s)", len(out), len(due))
	return out, nil
}
