// Package reconcile compares the balance implied by ingested transactions
// with the balance the provider reports.
package reconcile

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/pysugar/ledgersync/internal/db/models"
	"github.com/pysugar/ledgersync/internal/ledger"
	"github.com/pysugar/ledgersync/internal/logging"
	"github.com/pysugar/ledgersync/internal/notify"
)

// Strategies for computing an account balance.
const (
	// StrategyCheckpoint starts from the last balance that matched the provider.
	StrategyCheckpoint = "checkpoint"
	// StrategyGenesis sums every live transaction of the account.
	StrategyGenesis = "genesis"
)

// Result statuses.
const (
	StatusBalanced        = "BALANCED"
	StatusWithinTolerance = "WITHIN_TOLERANCE"
	StatusDrift           = "DRIFT"
	StatusExceeded        = "EXCEEDED"
	StatusSkipped         = "SKIPPED"
)

// Result is the outcome of reconciling one account.
type Result struct {
	AccountID       string
	ComputedBalance int64
	// ReportedBalance is nil when the provider did not report one.
	ReportedBalance *int64
	// Drift is reported minus computed.
	Drift   int64
	Status  string
	Skipped bool
}

// DriftError reports drift beyond the hard threshold. It is not fatal to a
// sync; the job ends PARTIAL and the cached balance is left alone.
type DriftError struct {
	AccountID string
	Drift     int64
	Threshold int64
}

func (e *DriftError) Error() string {
	return fmt.Sprintf("account %s balance drift %d exceeds threshold %d", e.AccountID, e.Drift, e.Threshold)
}

// Store is the slice of the ledger reconciliation uses.
type Store interface {
	GetAccount(ctx context.Context, id string) (models.Account, error)
	BalanceSince(ctx context.Context, accountID string, seq int64) (int64, error)
	SaveReconciliation(ctx context.Context, update ledger.ReconciliationUpdate) error
}

// Options configure the engine. Drift up to Tolerance is expected noise
// from pending activity; drift up to HardThreshold is logged; anything
// larger is flagged for review.
type Options struct {
	Strategy      string
	Tolerance     int64
	HardThreshold int64
	Notifier      notify.Notifier
	Now           func() time.Time
}

// Engine reconciles account balances.
type Engine struct {
	store Store
	opts  Options
}

// New creates an engine.
func New(store Store, opts Options) *Engine {
	if opts.Strategy == "" {
		opts.Strategy = StrategyCheckpoint
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Engine{store: store, opts: opts}
}

func (e *Engine) threshold() int64 {
	return max(e.opts.Tolerance, e.opts.HardThreshold)
}

// Reconcile recomputes the account balance and compares it with the
// provider's. When drift exceeds the threshold it emits
// reconciliation.drift_exceeded and returns the result with *DriftError.
func (e *Engine) Reconcile(ctx context.Context, accountID string) (Result, error) {
	acct, err := e.store.GetAccount(ctx, accountID)
	if err != nil {
		return Result{}, err
	}

	computed, err := e.computedBalance(ctx, acct)
	if err != nil {
		return Result{}, err
	}
	res := Result{AccountID: acct.ID, ComputedBalance: computed, ReportedBalance: acct.ProviderReportedBalance}

	if acct.ProviderReportedBalance == nil {
		res.Status = StatusSkipped
		res.Skipped = true
		return res, nil
	}
	res.Drift = *acct.ProviderReportedBalance - computed
	abs := res.Drift
	if abs < 0 {
		abs = -abs
	}

	now := e.opts.Now()
	switch {
	case abs == 0:
		res.Status = StatusBalanced
		if acct.CurrentBalance == computed && acct.CheckpointSeq == acct.Sequence && acct.LastReconciledAt != nil {
			// Nothing moved since the last reconciliation.
			return res, nil
		}
		err = e.store.SaveReconciliation(ctx, ledger.ReconciliationUpdate{
			AccountID:        acct.ID,
			CurrentBalance:   &computed,
			LastReconciledAt: &now,
			Checkpoint:       &ledger.Checkpoint{Balance: computed, Seq: acct.Sequence, At: now},
		})
		return res, err

	case abs <= e.threshold():
		res.Status = StatusDrift
		if abs <= e.opts.Tolerance {
			res.Status = StatusWithinTolerance
		}
		log.Printf("⚠️ [%s] Account %s drifts by %d minor units (computed %d, reported %d)",
			logging.Tag(ctx), acct.ID, res.Drift, computed, *acct.ProviderReportedBalance)
		if acct.CurrentBalance != computed {
			err = e.store.SaveReconciliation(ctx, ledger.ReconciliationUpdate{AccountID: acct.ID, CurrentBalance: &computed})
		}
		return res, err

	default:
		res.Status = StatusExceeded
		log.Printf("❌ [%s] Account %s drift %d exceeds threshold %d (computed %d, reported %d), balance left at %d",
			logging.Tag(ctx), acct.ID, res.Drift, e.threshold(), computed, *acct.ProviderReportedBalance, acct.CurrentBalance)
		notify.Emit(ctx, e.opts.Notifier, notify.Event{
			Type:      notify.DriftExceeded,
			AccountID: acct.ID,
			Data: map[string]any{
				"drift":           res.Drift,
				"computedBalance": computed,
				"reportedBalance": *acct.ProviderReportedBalance,
			},
		})
		return res, &DriftError{AccountID: acct.ID, Drift: res.Drift, Threshold: e.threshold()}
	}
}

func (e *Engine) computedBalance(ctx context.Context, acct models.Account) (int64, error) {
	switch e.opts.Strategy {
	case StrategyGenesis:
		return e.store.BalanceSince(ctx, acct.ID, 0)
	case StrategyCheckpoint:
		delta, err := e.store.BalanceSince(ctx, acct.ID, acct.CheckpointSeq)
		if err != nil {
			return 0, err
		}
		return acct.CheckpointBalance + delta, nil
	default:
		return 0, fmt.Errorf("unknown reconciliation strategy %q", e.opts.Strategy)
	}
}
