// Package ledger is the durable store for connections, accounts,
// transactions and sync jobs. Every mutation is keyed by a uniqueness
// constraint, so concurrent writers are resolved by the database.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/pysugar/ledgersync/internal/db/models"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("ledger: not found")
	// ErrLockContention means the running-job lock changed hands repeatedly
	// while acquiring it.
	ErrLockContention = errors.New("ledger: sync lock contention")
)

// Ledger is the full persistence API. Consumers depend on the narrow
// subsets they use.
type Ledger interface {
	CreateConnection(ctx context.Context, conn *models.Connection) error
	GetConnection(ctx context.Context, id string) (models.Connection, error)
	FindConnectionByState(ctx context.Context, state string) (models.Connection, error)
	FindPendingConnection(ctx context.Context, userID, providerName string) (models.Connection, error)
	SaveConnection(ctx context.Context, conn *models.Connection) error
	RevokeConnection(ctx context.Context, id string, at time.Time) error
	ListSyncCandidates(ctx context.Context, now, syncedBefore time.Time) ([]models.Connection, error)

	UpsertAccounts(ctx context.Context, connectionID string, accounts []models.Account) ([]models.Account, error)
	ListAccounts(ctx context.Context, connectionID string) ([]models.Account, error)
	GetAccount(ctx context.Context, id string) (models.Account, error)
	EnableAccounts(ctx context.Context, connectionID string) error

	CommitPage(ctx context.Context, page PageCommit) (PageOutcome, error)
	GetTransaction(ctx context.Context, id string) (models.Transaction, error)
	ListTransactions(ctx context.Context, accountID string) ([]models.Transaction, error)

	BalanceSince(ctx context.Context, accountID string, seq int64) (int64, error)
	SaveReconciliation(ctx context.Context, update ReconciliationUpdate) error

	ListUncategorized(ctx context.Context, connectionID string) ([]Uncategorized, error)
	AssignCategory(ctx context.Context, transactionID, categoryID, rule string) (bool, error)
	SetUserCategory(ctx context.Context, transactionID, categoryID string) error
	UserCategoryHistory(ctx context.Context, userID string) ([]CategoryHint, error)

	AcquireSyncLock(ctx context.Context, job *models.SyncJob) (models.SyncJob, bool, error)
	FinishSyncJob(ctx context.Context, job *models.SyncJob) error
	GetSyncJob(ctx context.Context, id string) (models.SyncJob, error)
	ListSyncJobs(ctx context.Context, connectionID string, limit int) ([]models.SyncJob, error)
	ReapStaleJobs(ctx context.Context, startedBefore, at time.Time) (int64, error)

	RecordWebhookDelivery(ctx context.Context, d *models.WebhookDelivery) error
	FindAcceptedDelivery(ctx context.Context, provider, deliveryID string) (models.WebhookDelivery, error)
	ListWebhookDeliveries(ctx context.Context, limit int) ([]models.WebhookDelivery, error)
}

// PageCommit is everything one provider page changes, written atomically.
type PageCommit struct {
	ConnectionID string
	SyncJobID    string
	// Transactions must have AccountID, Fingerprint and content set; IDs,
	// ImportSeq and ImportedAt are assigned on insert.
	Transactions []models.Transaction
	Removals     []Removal
	// NextCursor, when non-nil, is persisted as the connection's cursor.
	NextCursor *string
}

// Removal identifies a transaction the provider withdrew, by fingerprint
// when the signal carried content, else by external ID.
type Removal struct {
	AccountID             string
	Fingerprint           string
	ExternalTransactionID string
}

// PageOutcome counts what CommitPage did.
type PageOutcome struct {
	Inserted   int
	Duplicates int
	Superseded int
}

// ReconciliationUpdate is written after reconciling one account. Nil fields
// are left unchanged.
type ReconciliationUpdate struct {
	AccountID        string
	CurrentBalance   *int64
	LastReconciledAt *time.Time
	// Checkpoint, when set, becomes the new known-good starting point.
	Checkpoint *Checkpoint
}

// Checkpoint is a verified balance at an account sequence number.
type Checkpoint struct {
	Balance int64
	Seq     int64
	At      time.Time
}

// Uncategorized is a transaction awaiting categorization with the fields
// category rules read.
type Uncategorized struct {
	ID           string
	UserID       string
	Description  string
	MerchantName string
	Amount       int64
	AccountType  string
}

// CategoryHint is a category a user assigned to a description.
type CategoryHint struct {
	Description string
	CategoryID  string
}
