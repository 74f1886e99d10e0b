// Package orchestrator runs sync jobs: it takes the per-connection lock,
// drives token validation, ingestion, reconciliation and categorization,
// and records the outcome.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pysugar/ledgersync/internal/categorize"
	"github.com/pysugar/ledgersync/internal/connection"
	"github.com/pysugar/ledgersync/internal/db/models"
	"github.com/pysugar/ledgersync/internal/ledger"
	"github.com/pysugar/ledgersync/internal/logging"
	"github.com/pysugar/ledgersync/internal/notify"
	"github.com/pysugar/ledgersync/internal/provider"
	"github.com/pysugar/ledgersync/internal/sync/ingest"
	"github.com/pysugar/ledgersync/internal/sync/reconcile"
	"github.com/pysugar/ledgersync/internal/util"
)

// Store is the slice of the ledger the orchestrator uses.
type Store interface {
	GetConnection(ctx context.Context, id string) (models.Connection, error)
	AcquireSyncLock(ctx context.Context, job *models.SyncJob) (models.SyncJob, bool, error)
	FinishSyncJob(ctx context.Context, job *models.SyncJob) error
	ReapStaleJobs(ctx context.Context, startedBefore, at time.Time) (int64, error)
	ListSyncCandidates(ctx context.Context, now, syncedBefore time.Time) ([]models.Connection, error)
}

// Connections is the connection lifecycle the orchestrator reports to.
type Connections interface {
	EnsureValidToken(ctx context.Context, connectionID string) error
	MarkSyncSucceeded(ctx context.Context, connectionID string, at time.Time) error
	RecordSyncFailure(ctx context.Context, connectionID, kind string) error
	DeferUntil(ctx context.Context, connectionID string, until time.Time) error
}

type Ingester interface {
	Ingest(ctx context.Context, connectionID string) (ingest.Result, error)
}

type Reconciler interface {
	Reconcile(ctx context.Context, accountID string) (reconcile.Result, error)
}

type Categorizer interface {
	CategorizeNew(ctx context.Context, connectionID string) (categorize.Result, error)
}

// Options tune the orchestrator.
type Options struct {
	// Timeout bounds one job end to end.
	Timeout time.Duration
	// StaleGrace is added to Timeout before a RUNNING job is presumed dead.
	StaleGrace time.Duration
	// RateLimitBackoff defers a rate-limited connection whose provider did
	// not say how long to wait.
	RateLimitBackoff time.Duration
	Notifier         notify.Notifier
	Now              func() time.Time
}

// Orchestrator runs sync jobs.
type Orchestrator struct {
	store       Store
	conns       Connections
	ingester    Ingester
	reconciler  Reconciler
	categorizer Categorizer
	opts        Options

	wg sync.WaitGroup
}

// New creates an orchestrator.
func New(store Store, conns Connections, in Ingester, rec Reconciler, cat Categorizer, opts Options) *Orchestrator {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Minute
	}
	if opts.StaleGrace <= 0 {
		opts.StaleGrace = time.Minute
	}
	if opts.RateLimitBackoff <= 0 {
		opts.RateLimitBackoff = time.Minute
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Orchestrator{
		store:       store,
		conns:       conns,
		ingester:    in,
		reconciler:  rec,
		categorizer: cat,
		opts:        opts,
	}
}

// TriggerSync runs a sync for the connection and returns the finished job.
// If a job is already RUNNING for the connection, that job is returned
// unchanged and nothing else happens.
func (o *Orchestrator) TriggerSync(ctx context.Context, connectionID, reason string) (models.SyncJob, error) {
	job, acquired, err := o.begin(ctx, connectionID, reason)
	if err != nil || !acquired {
		return job, err
	}
	return o.run(ctx, job), nil
}

// TriggerSyncAsync takes the lock and returns the RUNNING job at once; the
// pipeline continues on its own goroutine, detached from ctx cancellation.
func (o *Orchestrator) TriggerSyncAsync(ctx context.Context, connectionID, reason string) (models.SyncJob, error) {
	job, acquired, err := o.begin(ctx, connectionID, reason)
	if err != nil || !acquired {
		return job, err
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.run(context.WithoutCancel(ctx), job)
	}()
	return job, nil
}

// Wait blocks until every job started by TriggerSyncAsync has finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func (o *Orchestrator) begin(ctx context.Context, connectionID, reason string) (models.SyncJob, bool, error) {
	conn, err := o.store.GetConnection(ctx, connectionID)
	if err != nil {
		return models.SyncJob{}, false, err
	}
	switch conn.Status {
	case models.ConnectionRevoked:
		return models.SyncJob{}, false, fmt.Errorf("sync connection %s: %w", conn.ID, connection.ErrRevoked)
	case models.ConnectionInitiated:
		return models.SyncJob{}, false, fmt.Errorf("sync connection %s: %w", conn.ID, connection.ErrNotAuthorized)
	}

	job, acquired, err := o.store.AcquireSyncLock(ctx, &models.SyncJob{
		ConnectionID: conn.ID,
		Reason:       reason,
		StartedAt:    o.opts.Now(),
	})
	if err != nil {
		return models.SyncJob{}, false, err
	}
	if !acquired {
		log.Printf("🔄 [%s] Sync for connection %s already running as job %s (%s trigger absorbed)",
			logging.Tag(ctx), conn.ID, job.ID, reason)
		return job, false, nil
	}
	log.Printf("🔄 [%s] Started %s sync job %s for connection %s", logging.Tag(ctx), reason, job.ID, conn.ID)
	return job, true, nil
}

func (o *Orchestrator) run(parent context.Context, job models.SyncJob) models.SyncJob {
	ctx := logging.WithJobID(parent, job.ID)
	jobCtx, cancel := context.WithTimeout(ctx, o.opts.Timeout)
	defer cancel()

	var (
		partial bool
		err     error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("sync panicked: %v", r)
			}
		}()
		partial, err = o.pipeline(jobCtx, &job)
	}()

	// The outcome is recorded even when the job ran out of time.
	fctx, fcancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer fcancel()
	o.finalize(fctx, jobCtx.Err(), &job, partial, err)
	return job
}

func (o *Orchestrator) pipeline(ctx context.Context, job *models.SyncJob) (partial bool, err error) {
	if err := o.conns.EnsureValidToken(ctx, job.ConnectionID); err != nil {
		return false, err
	}

	res, err := o.ingester.Ingest(ctx, job.ConnectionID)
	job.TransactionsIngested = res.Count
	job.TransactionsDuplicate = res.Duplicates
	job.TransactionsMalformed = res.Malformed
	job.TransactionsSuperseded = res.Superseded
	job.Pages = res.Pages
	if err != nil {
		return false, err
	}

	for _, acct := range res.Accounts {
		if acct.DisabledAt != nil {
			continue
		}
		r, err := o.reconciler.Reconcile(ctx, acct.ID)
		var drift *reconcile.DriftError
		switch {
		case errors.As(err, &drift):
			partial = true
		case err != nil:
			return partial, fmt.Errorf("reconcile account %s: %w", acct.ID, err)
		}
		if r.Drift != 0 && (job.ReconciliationDrift == nil || abs(r.Drift) > abs(*job.ReconciliationDrift)) {
			d := r.Drift
			job.ReconciliationDrift = &d
		}
	}

	cres, err := o.categorizer.CategorizeNew(ctx, job.ConnectionID)
	job.TransactionsCategorized = cres.Categorized
	if err != nil {
		return partial, fmt.Errorf("categorize: %w", err)
	}
	return partial, nil
}

func (o *Orchestrator) finalize(ctx context.Context, jobErr error, job *models.SyncJob, partial bool, err error) {
	now := o.opts.Now()
	job.FinishedAt = &now

	var kind string
	switch {
	case err != nil:
		kind = ErrorKind(err, jobErr)
		job.Status = models.SyncFailed
		job.ErrorKind = &kind
		job.ErrorMessage = util.TruncateLog(err.Error(), 512)
	case partial:
		job.Status = models.SyncPartial
	default:
		job.Status = models.SyncSucceeded
	}

	if ferr := o.store.FinishSyncJob(ctx, job); ferr != nil {
		if errors.Is(ferr, ledger.ErrJobFinished) {
			log.Printf("⚠️ [%s] Job %s was finalized elsewhere (reaped?), keeping that outcome", logging.Tag(ctx), job.ID)
		} else {
			log.Printf("❌ [%s] Failed to record outcome of job %s: %v", logging.Tag(ctx), job.ID, ferr)
		}
	}

	if err == nil {
		if merr := o.conns.MarkSyncSucceeded(ctx, job.ConnectionID, now); merr != nil {
			log.Printf("⚠️ [%s] Could not mark connection %s synced: %v", logging.Tag(ctx), job.ConnectionID, merr)
		}
		log.Printf("✅ [%s] Sync job %s %s: %d new, %d duplicate, %d malformed, %d superseded, %d categorized",
			logging.Tag(ctx), job.ID, job.Status, job.TransactionsIngested, job.TransactionsDuplicate,
			job.TransactionsMalformed, job.TransactionsSuperseded, job.TransactionsCategorized)
		notify.Emit(ctx, o.opts.Notifier, notify.Event{
			Type:         notify.SyncCompleted,
			ConnectionID: job.ConnectionID,
			Data: map[string]any{
				"jobId":       job.ID,
				"status":      job.Status,
				"ingested":    job.TransactionsIngested,
				"duplicates":  job.TransactionsDuplicate,
				"malformed":   job.TransactionsMalformed,
				"superseded":  job.TransactionsSuperseded,
				"categorized": job.TransactionsCategorized,
				"pages":       job.Pages,
			},
		})
		return
	}

	o.recordFailure(ctx, job.ConnectionID, kind, err, now)
	switch {
	case kind == models.ErrorKindRateLimited:
		// Retried on a later trigger; not reported to the user.
		log.Printf("⏳ [%s] Sync job %s rate limited: %v", logging.Tag(ctx), job.ID, err)
		return
	case errors.Is(err, connection.ErrRevoked):
		log.Printf("🛑 [%s] Sync job %s stopped, connection %s was revoked", logging.Tag(ctx), job.ID, job.ConnectionID)
		return
	}
	log.Printf("❌ [%s] Sync job %s FAILED (%s): %v", logging.Tag(ctx), job.ID, kind, err)
	notify.Emit(ctx, o.opts.Notifier, notify.Event{
		Type:         notify.SyncFailed,
		ConnectionID: job.ConnectionID,
		Data:         map[string]any{"jobId": job.ID, "errorKind": kind},
	})
}

func (o *Orchestrator) recordFailure(ctx context.Context, connectionID, kind string, err error, now time.Time) {
	var ferr error
	switch kind {
	case models.ErrorKindRateLimited:
		wait := o.opts.RateLimitBackoff
		if rl, ok := provider.AsRateLimited(err); ok && rl.RetryAfter > 0 {
			wait = rl.RetryAfter
		}
		log.Printf("⏳ [%s] Connection %s rate limited, deferring until %s", logging.Tag(ctx), connectionID, now.Add(wait).Format(time.RFC3339))
		ferr = o.conns.DeferUntil(ctx, connectionID, now.Add(wait))
	case models.ErrorKindReauthRequired:
		var reauth *connection.ReauthRequiredError
		if errors.As(err, &reauth) {
			// Token validation already moved the connection to ERROR.
			return
		}
		ferr = o.conns.RecordSyncFailure(ctx, connectionID, kind)
	default:
		ferr = o.conns.RecordSyncFailure(ctx, connectionID, kind)
	}
	if ferr != nil {
		log.Printf("⚠️ [%s] Could not record failure on connection %s: %v", logging.Tag(ctx), connectionID, ferr)
	}
}

// ErrorKind maps a pipeline error onto a SyncJob error kind. jobErr is the
// job context's error, which turns any failure after the deadline into a
// timeout.
func ErrorKind(err, jobErr error) string {
	var reauth *connection.ReauthRequiredError
	switch {
	case errors.As(err, &reauth), provider.IsAuth(err), errors.Is(err, connection.ErrRevoked):
		return models.ErrorKindReauthRequired
	case isRateLimited(err):
		return models.ErrorKindRateLimited
	case errors.Is(err, context.DeadlineExceeded), errors.Is(jobErr, context.DeadlineExceeded):
		return models.ErrorKindTimeout
	case provider.IsTransient(err):
		return models.ErrorKindProviderUnavailable
	case provider.IsAccount(err):
		return models.ErrorKindProviderAccount
	default:
		return models.ErrorKindUnknown
	}
}

func isRateLimited(err error) bool {
	_, ok := provider.AsRateLimited(err)
	return ok
}

// ReapStaleJobs fails RUNNING jobs older than the job timeout plus grace,
// left behind by a process that died mid-sync.
func (o *Orchestrator) ReapStaleJobs(ctx context.Context) (int64, error) {
	now := o.opts.Now()
	n, err := o.store.ReapStaleJobs(ctx, now.Add(-(o.opts.Timeout + o.opts.StaleGrace)), now)
	if err != nil {
		return 0, fmt.Errorf("reap stale jobs: %w", err)
	}
	if n > 0 {
		log.Printf("⚠️ [%s] Reaped %d abandoned sync job(s)", logging.Tag(ctx), n)
	}
	return n, nil
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
